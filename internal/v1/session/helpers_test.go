package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agoracivic/chat-server/internal/v1/presence"
	"github.com/agoracivic/chat-server/internal/v1/store"
	"github.com/agoracivic/chat-server/internal/v1/types"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// --- mock websocket connection ---

// nopConn satisfies wsConnection for tests that drive dispatch directly and
// read frames off the client's send channel instead of running the pumps.
type nopConn struct{}

func (nopConn) ReadMessage() (int, []byte, error) { return 0, nil, fmt.Errorf("closed") }
func (nopConn) WriteMessage(int, []byte) error    { return nil }
func (nopConn) Close() error                      { return nil }
func (nopConn) SetWriteDeadline(time.Time) error  { return nil }
func (nopConn) SetReadLimit(int64)                {}

// --- mock archiver ---

type exportRecord struct {
	ChatID  types.ChatIdType
	Export  types.ExportData
	EndType types.EndType
}

type mockArchiver struct {
	mu           sync.Mutex
	subjects     map[string]types.UserIdType
	participants map[types.ChatIdType][]types.UserIdType
	pendingCards map[types.UserIdType][]types.Card
	nextChatID   types.ChatIdType
	exportErr    error
	exports      []exportRecord
}

func newMockArchiver() *mockArchiver {
	return &mockArchiver{
		subjects:     make(map[string]types.UserIdType),
		participants: make(map[types.ChatIdType][]types.UserIdType),
		pendingCards: make(map[types.UserIdType][]types.Card),
	}
}

func (m *mockArchiver) CreateChatLog(_ context.Context, chatRequestID string) (types.ChatIdType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nextChatID == "" {
		return "", fmt.Errorf("no chat id configured for request %s", chatRequestID)
	}
	return m.nextChatID, nil
}

func (m *mockArchiver) GetChatParticipants(_ context.Context, chatID types.ChatIdType) ([]types.UserIdType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[chatID]
	if !ok {
		return nil, types.ErrChatNotFound
	}
	return p, nil
}

func (m *mockArchiver) ExportChat(_ context.Context, chatID types.ChatIdType, export types.ExportData, endType types.EndType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.exportErr != nil {
		return m.exportErr
	}
	m.exports = append(m.exports, exportRecord{ChatID: chatID, Export: export, EndType: endType})
	return nil
}

func (m *mockArchiver) GetPendingChatRequests(_ context.Context, userID types.UserIdType) ([]types.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingCards[userID], nil
}

func (m *mockArchiver) ResolveKeycloakID(_ context.Context, subject string) (types.UserIdType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.subjects[subject]
	if !ok {
		return "", types.ErrUserNotFound
	}
	return id, nil
}

func (m *mockArchiver) exportCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.exports)
}

func (m *mockArchiver) setExportErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exportErr = err
}

// --- mock publisher ---

type publishedEvent struct {
	Event   string
	Payload any
}

type mockPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (m *mockPublisher) Publish(_ context.Context, event string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, publishedEvent{Event: event, Payload: payload})
	return nil
}

// --- test environment ---

type testEnv struct {
	hub       *Hub
	store     *store.Store
	mr        *miniredis.Miniredis
	archive   *mockArchiver
	publisher *mockPublisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kv := store.NewWithClient(client, time.Hour)
	t.Cleanup(func() { _ = kv.Close() })

	archive := newMockArchiver()
	publisher := &mockPublisher{}
	hub := NewHub(nil, kv, archive, presence.NewTracker(client), publisher, nil)

	return &testEnv{hub: hub, store: kv, mr: mr, archive: archive, publisher: publisher}
}

var sessionCounter int

// connect registers a session for a user without running the pumps. Frames
// emitted to the client pile up in its send buffer for inspection.
func (env *testEnv) connect(t *testing.T, userID types.UserIdType) *Client {
	t.Helper()
	sessionCounter++
	sid := types.SessionIdType(fmt.Sprintf("sess-%d", sessionCounter))
	client := newClient(nopConn{}, env.hub, sid, userID)
	env.hub.register(client)
	env.hub.afterConnect(client)
	return client
}

// createChat seeds a live two-party chat and joins both users' sessions.
func (env *testEnv) createChat(t *testing.T, chatID types.ChatIdType, u1, u2 types.UserIdType) {
	t.Helper()
	require.NoError(t, env.store.CreateChat(context.Background(), chatID, []types.UserIdType{u1, u2}))
	env.hub.joinUserSessions(u1, chatID)
	env.hub.joinUserSessions(u2, chatID)
}

// send drives one inbound event through the dispatcher.
func (env *testEnv) send(client *Client, event string, ackID int64, payload any) {
	data, _ := json.Marshal(payload)
	env.hub.dispatch(context.Background(), client, &ClientMessage{Event: event, AckID: ackID, Data: data})
}

// frame is the decoded outbound envelope. Reusing ClientMessage gives us raw
// Data bytes to unmarshal per-test.
type frame = ClientMessage

func nextFrame(t *testing.T, c *Client) frame {
	t.Helper()
	select {
	case raw := <-c.send:
		var msg frame
		require.NoError(t, json.Unmarshal(raw, &msg))
		return msg
	case <-time.After(time.Second):
		t.Fatal("expected a frame, got none")
		return frame{}
	}
}

// nextFrameOfType skips frames until one matches the event name.
func nextFrameOfType(t *testing.T, c *Client, event string) frame {
	t.Helper()
	for i := 0; i < 32; i++ {
		msg := nextFrame(t, c)
		if msg.Event == event {
			return msg
		}
	}
	t.Fatalf("no %s frame received", event)
	return frame{}
}

// ackFor reads frames until the matching ack arrives and decodes its data.
func ackFor(t *testing.T, c *Client, ackID int64) map[string]any {
	t.Helper()
	for i := 0; i < 32; i++ {
		msg := nextFrame(t, c)
		if msg.Event == EventAck && msg.AckID == ackID {
			var data map[string]any
			require.NoError(t, json.Unmarshal(msg.Data, &data))
			return data
		}
	}
	t.Fatalf("no ack for id %d", ackID)
	return nil
}

// drain empties the client's send buffer.
func drain(c *Client) {
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}

func decodeData(t *testing.T, msg frame) map[string]any {
	t.Helper()
	var data map[string]any
	require.NoError(t, json.Unmarshal(msg.Data, &data))
	return data
}
