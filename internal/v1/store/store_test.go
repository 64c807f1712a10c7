package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agoracivic/chat-server/internal/v1/types"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewWithClient(client, time.Hour)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func createTestChat(t *testing.T, s *Store, chatID types.ChatIdType) {
	t.Helper()
	err := s.CreateChat(context.Background(), chatID, []types.UserIdType{"U1", "U2"})
	require.NoError(t, err)
}

func TestCreateChat(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	createTestChat(t, s, "C1")

	meta, err := s.GetChatMetadata(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, types.ChatIdType("C1"), meta.ChatID)
	assert.ElementsMatch(t, []types.UserIdType{"U1", "U2"}, meta.Participants)
	assert.NotEmpty(t, meta.StartTime)

	// All chat keys carry a TTL
	assert.Greater(t, mr.TTL("chat:C1:metadata"), time.Duration(0))
	assert.Greater(t, mr.TTL("user:U1:active_chats"), time.Duration(0))

	chats, err := s.GetUserActiveChats(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, []types.ChatIdType{"C1"}, chats)
}

func TestCreateChat_Idempotency(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	createTestChat(t, s, "C1")

	// Same participants: no-op
	err := s.CreateChat(ctx, "C1", []types.UserIdType{"U2", "U1"})
	assert.NoError(t, err)

	// Different participants: error
	err = s.CreateChat(ctx, "C1", []types.UserIdType{"U1", "U3"})
	assert.Error(t, err)
}

func TestCreateChat_RequiresTwoParticipants(t *testing.T) {
	s, _ := newTestStore(t)

	err := s.CreateChat(context.Background(), "C1", []types.UserIdType{"U1"})
	assert.Error(t, err)
	err = s.CreateChat(context.Background(), "C1", []types.UserIdType{"U1", "U2", "U3"})
	assert.Error(t, err)
}

func TestIsChatParticipant(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	createTestChat(t, s, "C1")

	ok, err := s.IsChatParticipant(ctx, "C1", "U1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.IsChatParticipant(ctx, "C1", "U9")
	require.NoError(t, err)
	assert.False(t, ok)

	// Unknown chat is not an error, just not a participant
	ok, err = s.IsChatParticipant(ctx, "missing", "U1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAddAndGetMessages(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	createTestChat(t, s, "C1")

	// New chat returns an empty slice, not nil
	messages, err := s.GetMessages(ctx, "C1", 0, -1)
	require.NoError(t, err)
	assert.NotNil(t, messages)
	assert.Empty(t, messages)

	m1, err := s.AddMessage(ctx, "C1", "U1", types.MessageTypeText, "hi", "")
	require.NoError(t, err)
	assert.NotEmpty(t, m1.ID)
	assert.NotEmpty(t, m1.SendTime)
	assert.Equal(t, types.ChatIdType("C1"), m1.ChatID)

	m2, err := s.AddMessage(ctx, "C1", "U2", types.MessageTypeText, "hello", "")
	require.NoError(t, err)

	// add_message followed by a full read ends with the added message
	messages, err = s.GetMessages(ctx, "C1", 0, -1)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, m1, messages[0])
	assert.Equal(t, m2, messages[1])

	// Inclusive range semantics
	slice, err := s.GetMessages(ctx, "C1", 1, 1)
	require.NoError(t, err)
	require.Len(t, slice, 1)
	assert.Equal(t, m2, slice[0])
}

func TestAgreedPositions(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	createTestChat(t, s, "C1")

	p, err := s.AddAgreedPosition(ctx, "C1", "U1", "common ground", false, "")
	require.NoError(t, err)
	assert.Equal(t, types.ProposalStatusPending, p.Status)
	assert.Empty(t, p.ParentID)
	assert.False(t, p.IsClosure)

	got, err := s.GetAgreedPosition(ctx, "C1", p.ID)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	all, err := s.GetAllAgreedPositions(ctx, "C1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, p, all[p.ID])

	_, err = s.GetAgreedPosition(ctx, "C1", "nope")
	assert.ErrorIs(t, err, types.ErrProposalNotFound)
}

func TestUpdateAgreedPositionStatus(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	createTestChat(t, s, "C1")
	p, err := s.AddAgreedPosition(ctx, "C1", "U1", "offer", false, "")
	require.NoError(t, err)

	updated, err := s.UpdateAgreedPositionStatus(ctx, "C1", p.ID, types.ProposalStatusAccepted)
	require.NoError(t, err)
	assert.Equal(t, types.ProposalStatusAccepted, updated.Status)

	// A proposal never returns to pending once left
	_, err = s.UpdateAgreedPositionStatus(ctx, "C1", p.ID, types.ProposalStatusRejected)
	assert.ErrorIs(t, err, types.ErrProposalNotPending)

	_, err = s.UpdateAgreedPositionStatus(ctx, "C1", "missing", types.ProposalStatusAccepted)
	assert.ErrorIs(t, err, types.ErrProposalNotFound)

	_, err = s.UpdateAgreedPositionStatus(ctx, "C1", p.ID, types.ProposalStatusPending)
	assert.Error(t, err)
}

func TestUpdateAgreedPositionStatus_ConcurrentAccepts(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	createTestChat(t, s, "C1")
	p, err := s.AddAgreedPosition(ctx, "C1", "U1", "offer", false, "")
	require.NoError(t, err)

	const attempts = 8
	var wg sync.WaitGroup
	results := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateAgreedPositionStatus(ctx, "C1", p.ID, types.ProposalStatusAccepted)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var wins, losses int
	for err := range results {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, types.ErrProposalNotPending)
			losses++
		}
	}
	assert.Equal(t, 1, wins, "exactly one concurrent accept must win")
	assert.Equal(t, attempts-1, losses)
}

func TestClosureProposal(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	createTestChat(t, s, "C1")

	// Absent closure reads as nil without error
	closure, err := s.GetClosureProposal(ctx, "C1")
	require.NoError(t, err)
	assert.Nil(t, closure)

	first := types.ClosureProposal{ID: "P1", ProposerID: "U1", Content: "we are done", Timestamp: "t1"}
	require.NoError(t, s.SetClosureProposal(ctx, "C1", first))

	got, err := s.GetClosureProposal(ctx, "C1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first, *got)

	// Setting a new closure overwrites the previous one
	second := types.ClosureProposal{ID: "P2", ProposerID: "U2", Content: "revised ending", Timestamp: "t2"}
	require.NoError(t, s.SetClosureProposal(ctx, "C1", second))

	got, err = s.GetClosureProposal(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, second, *got)

	require.NoError(t, s.ClearClosureProposal(ctx, "C1"))
	got, err = s.GetClosureProposal(ctx, "C1")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Clearing again is a no-op
	assert.NoError(t, s.ClearClosureProposal(ctx, "C1"))
}

func TestGetChatExportData(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	createTestChat(t, s, "C1")
	m, err := s.AddMessage(ctx, "C1", "U1", types.MessageTypeText, "hi", "")
	require.NoError(t, err)
	p, err := s.AddAgreedPosition(ctx, "C1", "U1", "closure text", true, "")
	require.NoError(t, err)
	require.NoError(t, s.SetClosureProposal(ctx, "C1", types.ClosureProposal{
		ID: p.ID, ProposerID: "U1", Content: p.Content, Timestamp: p.Timestamp,
	}))

	export, err := s.GetChatExportData(ctx, "C1")
	require.NoError(t, err)
	require.Len(t, export.Messages, 1)
	assert.Equal(t, m, export.Messages[0])
	require.Len(t, export.AgreedPositions, 1)
	assert.Equal(t, p, export.AgreedPositions[p.ID])
	require.NotNil(t, export.AgreedClosure)
	assert.Equal(t, "closure text", export.AgreedClosure.Content)
	assert.Equal(t, types.ChatIdType("C1"), export.Metadata.ChatID)
	assert.NotEmpty(t, export.ExportTime)
}

func TestDeleteChat(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	createTestChat(t, s, "C1")
	_, err := s.AddMessage(ctx, "C1", "U1", types.MessageTypeText, "hi", "")
	require.NoError(t, err)
	p, err := s.AddAgreedPosition(ctx, "C1", "U1", "x", true, "")
	require.NoError(t, err)
	require.NoError(t, s.SetClosureProposal(ctx, "C1", types.ClosureProposal{ID: p.ID, ProposerID: "U1", Content: "x"}))

	require.NoError(t, s.DeleteChat(ctx, "C1"))

	// No key referencing the chat remains
	assert.False(t, mr.Exists("chat:C1:messages"))
	assert.False(t, mr.Exists("chat:C1:positions"))
	assert.False(t, mr.Exists("chat:C1:closure"))
	assert.False(t, mr.Exists("chat:C1:metadata"))

	chats, err := s.GetUserActiveChats(ctx, "U1")
	require.NoError(t, err)
	assert.Empty(t, chats)

	// is_chat_participant is false for every user after deletion
	ok, err := s.IsChatParticipant(ctx, "C1", "U1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Idempotent
	assert.NoError(t, s.DeleteChat(ctx, "C1"))
}

func TestStoreUnavailable(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	createTestChat(t, s, "C1")
	mr.Close()

	_, err := s.AddMessage(ctx, "C1", "U1", types.MessageTypeText, "hi", "")
	assert.ErrorIs(t, err, types.ErrStoreUnavailable)

	_, err = s.GetMessages(ctx, "C1", 0, -1)
	assert.ErrorIs(t, err, types.ErrStoreUnavailable)

	_, err = s.GetChatMetadata(ctx, "C1")
	assert.ErrorIs(t, err, types.ErrStoreUnavailable)
}
