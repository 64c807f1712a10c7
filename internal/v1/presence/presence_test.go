package presence

import (
	"context"
	"testing"
	"time"

	"github.com/agoracivic/chat-server/internal/v1/types"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T) (*Tracker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTracker(client), mr
}

func TestAvailability_None(t *testing.T) {
	tr, _ := newTestTracker(t)

	avail, err := tr.GetAvailability(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, types.AvailabilityNone, avail)
}

func TestAvailability_Online(t *testing.T) {
	tr, mr := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.MarkSwiping(ctx, "U1"))

	avail, err := tr.GetAvailability(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, types.AvailabilityOnline, avail)

	// Swiping also counts as an in-app heartbeat
	assert.True(t, mr.Exists("presence:U1:in_app"))
	assert.Equal(t, SwipingTTL, mr.TTL("presence:U1:swiping"))
	assert.Equal(t, InAppTTL, mr.TTL("presence:U1:in_app"))
}

func TestAvailability_Notifiable(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.MarkInApp(ctx, "U1"))

	avail, err := tr.GetAvailability(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, types.AvailabilityNotifiable, avail)
}

func TestAvailability_DecaysWithTTL(t *testing.T) {
	tr, mr := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.MarkSwiping(ctx, "U1"))

	// Swiping key expires first; user degrades to notifiable
	mr.FastForward(SwipingTTL + time.Second)
	avail, err := tr.GetAvailability(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, types.AvailabilityNotifiable, avail)

	// Then the in-app key goes too
	mr.FastForward(InAppTTL)
	avail, err = tr.GetAvailability(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, types.AvailabilityNone, avail)
}

func TestHeartbeatRefreshesTTL(t *testing.T) {
	tr, mr := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.MarkInApp(ctx, "U1"))
	mr.FastForward(30 * time.Second)
	require.NoError(t, tr.MarkInApp(ctx, "U1"))

	assert.Equal(t, InAppTTL, mr.TTL("presence:U1:in_app"))
}

func TestStoreDown(t *testing.T) {
	tr, mr := newTestTracker(t)
	mr.Close()

	err := tr.MarkInApp(context.Background(), "U1")
	assert.ErrorIs(t, err, types.ErrStoreUnavailable)

	_, err = tr.GetAvailability(context.Background(), "U1")
	assert.ErrorIs(t, err, types.ErrStoreUnavailable)
}
