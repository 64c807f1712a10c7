// Package presence records the short-lived per-user activity keys the
// matching side reads to decide how to deliver a chat request. Two keys per
// user, both self-expiring:
//
//	presence:{user_id}:swiping  set while the user is viewing cards (45s)
//	presence:{user_id}:in_app   set by any heartbeat (60s)
//
// Keys are never deleted explicitly; disconnects simply stop refreshing them.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/agoracivic/chat-server/internal/v1/types"
	"github.com/redis/go-redis/v9"
)

const (
	SwipingTTL = 45 * time.Second
	InAppTTL   = 60 * time.Second
)

// Tracker writes and reads the presence keys. It shares the store's Redis
// client rather than opening its own connection pool.
type Tracker struct {
	client *redis.Client
}

func NewTracker(client *redis.Client) *Tracker {
	return &Tracker{client: client}
}

func swipingKey(userID types.UserIdType) string {
	return fmt.Sprintf("presence:%s:swiping", userID)
}

func inAppKey(userID types.UserIdType) string {
	return fmt.Sprintf("presence:%s:in_app", userID)
}

// MarkSwiping arms both keys: fetching the card queue is also a heartbeat.
func (t *Tracker) MarkSwiping(ctx context.Context, userID types.UserIdType) error {
	pipe := t.client.TxPipeline()
	pipe.Set(ctx, swipingKey(userID), "1", SwipingTTL)
	pipe.Set(ctx, inAppKey(userID), "1", InAppTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: mark swiping: %v", types.ErrStoreUnavailable, err)
	}
	return nil
}

// MarkInApp refreshes the in-app key. Called on every websocket heartbeat.
func (t *Tracker) MarkInApp(ctx context.Context, userID types.UserIdType) error {
	if err := t.client.Set(ctx, inAppKey(userID), "1", InAppTTL).Err(); err != nil {
		return fmt.Errorf("%w: mark in-app: %v", types.ErrStoreUnavailable, err)
	}
	return nil
}

// GetAvailability classifies the user for chat-request delivery: swiping
// wins over in-app; neither key means the user needs a push notification.
func (t *Tracker) GetAvailability(ctx context.Context, userID types.UserIdType) (types.Availability, error) {
	results, err := t.client.MGet(ctx, swipingKey(userID), inAppKey(userID)).Result()
	if err != nil {
		return types.AvailabilityNone, fmt.Errorf("%w: get availability: %v", types.ErrStoreUnavailable, err)
	}
	if results[0] != nil {
		return types.AvailabilityOnline, nil
	}
	if results[1] != nil {
		return types.AvailabilityNotifiable, nil
	}
	return types.AvailabilityNone, nil
}
