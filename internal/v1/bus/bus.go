// Package bus carries the asynchronous events that connect the chat server to
// the REST side: chat acceptances, request responses, and inbound request
// notifications. Everything flows over a single pub/sub channel with a JSON
// envelope discriminated by an "event" field.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agoracivic/chat-server/internal/v1/logging"
	"github.com/agoracivic/chat-server/internal/v1/metrics"
	"github.com/agoracivic/chat-server/internal/v1/types"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Channel is the single pub/sub channel shared with the REST side.
const Channel = "chat:events"

const (
	EventChatAccepted        = "chat_accepted"
	EventChatRequestResponse = "chat_request_response"
	EventChatRequestReceived = "chat_request_received"
)

// Reconnect backoff bounds for the subscriber loop.
const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
)

// ChatAcceptedEvent announces that a chat request was accepted and a chat_log
// row exists. Both participants' nodes react by creating the live chat.
type ChatAcceptedEvent struct {
	Event             string `json:"event"`
	ChatLogID         string `json:"chatLogId"`
	ChatRequestID     string `json:"chatRequestId"`
	InitiatorUserID   string `json:"initiatorUserId"`
	ResponderUserID   string `json:"responderUserId"`
	PositionStatement string `json:"positionStatement,omitempty"`
}

// ChatRequestResponseEvent tells the initiator how their request was
// answered. Carries no PII beyond the ids.
type ChatRequestResponseEvent struct {
	Event           string `json:"event"`
	RequestID       string `json:"requestId"`
	Response        string `json:"response"` // accepted | dismissed
	InitiatorUserID string `json:"initiatorUserId"`
	ChatLogID       string `json:"chatLogId,omitempty"`
}

// ChatRequestReceivedEvent delivers a new card to a connected target user.
type ChatRequestReceivedEvent struct {
	Event  string     `json:"event"`
	UserID string     `json:"userId"`
	Card   types.Card `json:"card"`
}

// Handler receives dispatched bus events. The session hub implements it.
type Handler interface {
	HandleChatAccepted(ctx context.Context, ev ChatAcceptedEvent)
	HandleChatRequestResponse(ctx context.Context, ev ChatRequestResponseEvent)
	HandleChatRequestReceived(ctx context.Context, ev ChatRequestReceivedEvent)
}

// Service publishes and subscribes on the shared channel. Publishes run
// behind a circuit breaker so a dead Redis degrades to dropped events instead
// of blocked handlers.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// NewService wraps a Redis client, typically the one the KV store already
// holds.
func NewService(client *redis.Client) *Service {
	st := gobreaker.Settings{
		Name:        "redis-bus",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis-bus").Set(stateVal)
		},
	}
	return &Service{client: client, cb: gobreaker.NewCircuitBreaker(st)}
}

// Publish marshals a typed event and sends it on the channel. The payload
// must already carry its Event discriminator. When the breaker is open the
// event is dropped and logged, not returned as an error: bus delivery is
// best-effort and the relational store remains the source of truth.
func (s *Service) Publish(ctx context.Context, event string, payload any) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal bus event %s: %w", event, err)
		}
		return nil, s.client.Publish(ctx, Channel, data).Err()
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.CircuitBreakerFailures.WithLabelValues("redis-bus").Inc()
			logging.Warn(ctx, "Bus circuit breaker open, dropping event", zap.String("event", event))
			return nil
		}
		metrics.BusEvents.WithLabelValues(event, "error").Inc()
		logging.Error(ctx, "Bus publish failed", zap.String("event", event), zap.Error(err))
		return err
	}

	metrics.BusEvents.WithLabelValues(event, "published").Inc()
	return nil
}

// Run consumes the channel until the context is cancelled. On transport
// failure it resubscribes with exponential backoff, doubling from 1s to a 60s
// cap and resetting after the next successful message. Malformed payloads and
// unknown events are logged and skipped.
func (s *Service) Run(ctx context.Context, handler Handler) {
	backoff := initialBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		pubsub := s.client.Subscribe(ctx, Channel)
		logging.Info(ctx, "Subscribed to event bus", zap.String("channel", Channel))
		ch := pubsub.Channel()

	consume:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break consume
				}
				s.dispatch(ctx, []byte(msg.Payload), handler)
				backoff = initialBackoff
			}
		}

		pubsub.Close()
		metrics.BusReconnects.Inc()
		logging.Warn(ctx, "Event bus subscription lost, reconnecting",
			zap.Duration("backoff", backoff))

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (s *Service) dispatch(ctx context.Context, raw []byte, handler Handler) {
	var head struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(raw, &head); err != nil || head.Event == "" {
		metrics.BusEvents.WithLabelValues("malformed", "skipped").Inc()
		logging.Error(ctx, "Malformed bus message, skipping", zap.ByteString("raw", raw))
		return
	}

	switch head.Event {
	case EventChatAccepted:
		var ev ChatAcceptedEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			metrics.BusEvents.WithLabelValues(head.Event, "malformed").Inc()
			logging.Error(ctx, "Malformed chat_accepted event", zap.Error(err))
			return
		}
		metrics.BusEvents.WithLabelValues(head.Event, "received").Inc()
		handler.HandleChatAccepted(ctx, ev)

	case EventChatRequestResponse:
		var ev ChatRequestResponseEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			metrics.BusEvents.WithLabelValues(head.Event, "malformed").Inc()
			logging.Error(ctx, "Malformed chat_request_response event", zap.Error(err))
			return
		}
		metrics.BusEvents.WithLabelValues(head.Event, "received").Inc()
		handler.HandleChatRequestResponse(ctx, ev)

	case EventChatRequestReceived:
		var ev ChatRequestReceivedEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			metrics.BusEvents.WithLabelValues(head.Event, "malformed").Inc()
			logging.Error(ctx, "Malformed chat_request_received event", zap.Error(err))
			return
		}
		metrics.BusEvents.WithLabelValues(head.Event, "received").Inc()
		handler.HandleChatRequestReceived(ctx, ev)

	default:
		metrics.BusEvents.WithLabelValues(head.Event, "unknown").Inc()
		logging.Warn(ctx, "Unknown bus event, skipping", zap.String("event", head.Event))
	}
}

// Ping checks bus connectivity through the breaker. Used by readiness.
func (s *Service) Ping(ctx context.Context) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.CircuitBreakerFailures.WithLabelValues("redis-bus").Inc()
		}
		return err
	}
	return nil
}
