package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agoracivic/chat-server/internal/v1/logging"
	"github.com/agoracivic/chat-server/internal/v1/metrics"
	"github.com/agoracivic/chat-server/internal/v1/rooms"
	"github.com/agoracivic/chat-server/internal/v1/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// dispatch routes one inbound envelope to its handler. Handler errors are
// operation-local: they produce an error ack and leave the session open.
func (h *Hub) dispatch(ctx context.Context, client *Client, msg *ClientMessage) {
	start := time.Now()
	h.rooms.UpdateActivity(client.SessionID)

	switch msg.Event {
	case EventJoinChat:
		h.handleJoinChat(ctx, client, msg)
	case EventMessage:
		h.handleMessage(ctx, client, msg)
	case EventGetMessages:
		h.handleGetMessages(ctx, client, msg)
	case EventTyping:
		h.handleTyping(ctx, client, msg)
	case EventMarkRead:
		h.handleMarkRead(ctx, client, msg)
	case EventAgreedPosition:
		h.handleAgreedPosition(ctx, client, msg)
	case EventStartChat:
		h.handleStartChat(ctx, client, msg)
	case EventExitChat:
		h.handleExitChat(ctx, client, msg)
	case EventNotifyChatRequest:
		h.handleNotifyChatRequest(ctx, client, msg)
	case EventPing:
		h.handlePing(ctx, client, msg)
	default:
		logging.Warn(ctx, "Unknown client event", zap.String("event", msg.Event))
		metrics.WebsocketEvents.WithLabelValues(msg.Event, "unknown").Inc()
		client.ackError(msg.AckID, types.CodeInvalidAction)
		return
	}

	metrics.WebsocketEvents.WithLabelValues(msg.Event, "handled").Inc()
	metrics.EventProcessingDuration.WithLabelValues(msg.Event).Observe(time.Since(start).Seconds())
}

// authorizeParticipant runs the shared precondition of every chat-bound
// event. Returns the error code to ack, or "" when authorized.
func (h *Hub) authorizeParticipant(ctx context.Context, client *Client, chatID types.ChatIdType) string {
	if client.UserID == "" {
		return types.CodeNotAuthenticated
	}
	if chatID == "" {
		return types.CodeMissingChatID
	}
	ok, err := h.store.IsChatParticipant(ctx, chatID, client.UserID)
	if err != nil {
		logging.Error(ctx, "Participant check failed", zap.Error(err))
		return types.CodeStoreUnavailable
	}
	if !ok {
		return types.CodeNotParticipant
	}
	return ""
}

// chatContext enriches the log context with the chat id.
func chatContext(ctx context.Context, chatID types.ChatIdType) context.Context {
	return context.WithValue(ctx, logging.ChatIDKey, string(chatID))
}

func (h *Hub) handleJoinChat(ctx context.Context, client *Client, msg *ClientMessage) {
	var payload joinChatPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		client.ackError(msg.AckID, types.CodeMissingChatID)
		return
	}
	ctx = chatContext(ctx, payload.ChatID)

	if code := h.authorizeParticipant(ctx, client, payload.ChatID); code != "" {
		client.ackError(msg.AckID, code)
		return
	}

	h.rooms.JoinRoom(client.SessionID, rooms.ChatRoom(payload.ChatID))

	messages, err := h.store.GetMessages(ctx, payload.ChatID, 0, -1)
	if err != nil {
		client.ackError(msg.AckID, types.CodeStoreUnavailable)
		return
	}
	positions, err := h.store.GetAllAgreedPositions(ctx, payload.ChatID)
	if err != nil {
		client.ackError(msg.AckID, types.CodeStoreUnavailable)
		return
	}

	client.ack(msg.AckID, gin.H{
		"status":             "ok",
		"chatId":             payload.ChatID,
		"messages":           messages,
		"agreedPositions":    positions,
		"otherUserConnected": h.otherUserConnected(ctx, payload.ChatID, client.UserID),
	})
}

// otherUserConnected reports whether any peer participant holds a session.
func (h *Hub) otherUserConnected(ctx context.Context, chatID types.ChatIdType, self types.UserIdType) bool {
	meta, err := h.store.GetChatMetadata(ctx, chatID)
	if err != nil {
		return false
	}
	for _, u := range meta.Participants {
		if u != self && h.rooms.IsUserConnected(u) {
			return true
		}
	}
	return false
}

func (h *Hub) handleMessage(ctx context.Context, client *Client, msg *ClientMessage) {
	var payload messagePayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		client.ackError(msg.AckID, types.CodeMissingChatID)
		return
	}
	ctx = chatContext(ctx, payload.ChatID)

	if code := h.authorizeParticipant(ctx, client, payload.ChatID); code != "" {
		client.ackError(msg.AckID, code)
		return
	}
	if code := types.ValidateProposalContent(payload.Content); code != "" {
		client.ackError(msg.AckID, code)
		return
	}

	msgType := types.MessageType(payload.MessageType)
	if msgType == "" {
		msgType = types.MessageTypeText
	}

	persisted, err := h.store.AddMessage(ctx, payload.ChatID, client.UserID, msgType, payload.Content, "")
	if err != nil {
		client.ackError(msg.AckID, types.CodeStoreUnavailable)
		return
	}
	metrics.MessagesPersisted.Inc()

	// Broadcast after persistence: the echo is the canonical ordering source.
	h.emitToRoom(rooms.ChatRoom(payload.ChatID), EventMessage, persisted)

	client.ack(msg.AckID, gin.H{"status": "sent", "messageId": persisted.ID})
}

func (h *Hub) handleGetMessages(ctx context.Context, client *Client, msg *ClientMessage) {
	var payload getMessagesPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		client.ackError(msg.AckID, types.CodeMissingChatID)
		return
	}
	ctx = chatContext(ctx, payload.ChatID)

	if code := h.authorizeParticipant(ctx, client, payload.ChatID); code != "" {
		client.ackError(msg.AckID, code)
		return
	}

	start, end := int64(0), int64(-1)
	if payload.Start != nil {
		start = *payload.Start
	}
	if payload.End != nil {
		end = *payload.End
	}

	messages, err := h.store.GetMessages(ctx, payload.ChatID, start, end)
	if err != nil {
		client.ackError(msg.AckID, types.CodeStoreUnavailable)
		return
	}

	client.ack(msg.AckID, gin.H{"status": "ok", "messages": messages})
}

func (h *Hub) handleTyping(ctx context.Context, client *Client, msg *ClientMessage) {
	var payload typingPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		client.ackError(msg.AckID, types.CodeMissingChatID)
		return
	}
	ctx = chatContext(ctx, payload.ChatID)

	if code := h.authorizeParticipant(ctx, client, payload.ChatID); code != "" {
		client.ackError(msg.AckID, code)
		return
	}

	// The sender never sees their own typing echo.
	h.emitToRoom(rooms.ChatRoom(payload.ChatID), EventTyping, gin.H{
		"chatId":   payload.ChatID,
		"userId":   client.UserID,
		"isTyping": payload.IsTyping,
	}, client.SessionID)

	client.ack(msg.AckID, gin.H{"status": "ok"})
}

func (h *Hub) handleMarkRead(ctx context.Context, client *Client, msg *ClientMessage) {
	var payload markReadPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		client.ackError(msg.AckID, types.CodeMissingChatID)
		return
	}
	ctx = chatContext(ctx, payload.ChatID)

	if code := h.authorizeParticipant(ctx, client, payload.ChatID); code != "" {
		client.ackError(msg.AckID, code)
		return
	}

	// Broadcast-only; clients deduplicate receipts themselves.
	h.emitToRoom(rooms.ChatRoom(payload.ChatID), EventReadReceipt, gin.H{
		"chatId":    payload.ChatID,
		"userId":    client.UserID,
		"messageId": payload.MessageID,
	})

	client.ack(msg.AckID, gin.H{"status": "ok"})
}

func (h *Hub) handleNotifyChatRequest(ctx context.Context, client *Client, msg *ClientMessage) {
	var payload notifyChatRequestPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil || payload.UserID == "" {
		client.ackError(msg.AckID, types.CodeInvalidAction)
		return
	}

	// Any authenticated session may relay; the REST side owns request
	// creation and authorization.
	logging.Info(ctx, "Relaying chat request notification",
		zap.String("target_user", string(payload.UserID)),
		zap.String("request_id", payload.RequestID))

	h.emitToUser(payload.UserID, EventChatRequestReceived, gin.H{
		"requestId":   payload.RequestID,
		"initiator":   payload.Initiator,
		"position":    payload.Position,
		"createdTime": payload.CreatedTime,
	})

	client.ack(msg.AckID, gin.H{"status": "notified"})
}

func (h *Hub) handlePing(ctx context.Context, client *Client, msg *ClientMessage) {
	if h.presence != nil {
		if err := h.presence.MarkInApp(ctx, client.UserID); err != nil {
			logging.Warn(ctx, "Failed to refresh presence", zap.Error(err))
		}
	}
	client.ack(msg.AckID, gin.H{"type": "pong"})
}
