// Package store is the typed adapter over the Redis keyspace that holds all
// live chat state. Every key for an active chat carries a TTL, refreshed on
// write, so a crashed chat that never exported does not leak.
//
// Keyspace:
//
//	chat:{chat_id}:messages     ordered list of serialized messages
//	chat:{chat_id}:positions    hash proposal_id -> serialized proposal
//	chat:{chat_id}:closure      serialized closure proposal (singleton)
//	chat:{chat_id}:metadata     hash with participants and start time
//	user:{user_id}:active_chats set of chat ids
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agoracivic/chat-server/internal/v1/types"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// casRetries bounds optimistic-transaction retries under contention.
const casRetries = 8

// Store provides typed operations over the chat keyspace.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to Redis and verifies connectivity. The addr may be a
// redis:// URL or a plain host:port.
func New(addr string, ttl time.Duration) (*Store, error) {
	var opts *redis.Options
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: addr}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewWithClient(client, ttl), nil
}

// NewWithClient wraps an existing client. Used by tests with miniredis.
func NewWithClient(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{client: client, ttl: ttl}
}

// Client exposes the underlying Redis client for components that share the
// connection (presence keys, rate limiter store).
func (s *Store) Client() *redis.Client {
	return s.client
}

// Ping verifies backend connectivity. Used by readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// --- key helpers ---

func messagesKey(chatID types.ChatIdType) string {
	return fmt.Sprintf("chat:%s:messages", chatID)
}

func positionsKey(chatID types.ChatIdType) string {
	return fmt.Sprintf("chat:%s:positions", chatID)
}

func closureKey(chatID types.ChatIdType) string {
	return fmt.Sprintf("chat:%s:closure", chatID)
}

func metadataKey(chatID types.ChatIdType) string {
	return fmt.Sprintf("chat:%s:metadata", chatID)
}

func activeChatsKey(userID types.UserIdType) string {
	return fmt.Sprintf("user:%s:active_chats", userID)
}

// wrapErr maps backend failures onto the shared transient sentinel.
func wrapErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", types.ErrStoreUnavailable, op, err)
}

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// --- chat lifecycle ---

// CreateChat writes the chat metadata, registers the chat in each
// participant's active set, and arms TTLs. Calling it again for the same chat
// id is idempotent only when the participants match.
func (s *Store) CreateChat(ctx context.Context, chatID types.ChatIdType, participants []types.UserIdType) error {
	if len(participants) != 2 {
		return fmt.Errorf("chat %s requires exactly two participants, got %d", chatID, len(participants))
	}

	existing, err := s.GetChatMetadata(ctx, chatID)
	if err == nil {
		if sameParticipants(existing.Participants, participants) {
			return nil
		}
		return fmt.Errorf("chat %s already exists with different participants", chatID)
	}
	if !errors.Is(err, types.ErrChatNotFound) {
		return err
	}

	rawParticipants, err := json.Marshal(participants)
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, metadataKey(chatID),
			"chatId", string(chatID),
			"participants", rawParticipants,
			"startTime", nowStamp(),
		)
		pipe.Expire(ctx, metadataKey(chatID), s.ttl)
		for _, u := range participants {
			pipe.SAdd(ctx, activeChatsKey(u), string(chatID))
			pipe.Expire(ctx, activeChatsKey(u), s.ttl)
		}
		return nil
	})
	if err != nil {
		return wrapErr("create chat", err)
	}
	return nil
}

func sameParticipants(a, b []types.UserIdType) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[types.UserIdType]bool, len(a))
	for _, u := range a {
		seen[u] = true
	}
	for _, u := range b {
		if !seen[u] {
			return false
		}
	}
	return true
}

// GetChatMetadata reads the chat's metadata hash.
func (s *Store) GetChatMetadata(ctx context.Context, chatID types.ChatIdType) (types.ChatMetadata, error) {
	fields, err := s.client.HGetAll(ctx, metadataKey(chatID)).Result()
	if err != nil {
		return types.ChatMetadata{}, wrapErr("get metadata", err)
	}
	if len(fields) == 0 {
		return types.ChatMetadata{}, types.ErrChatNotFound
	}

	meta := types.ChatMetadata{
		ChatID:    types.ChatIdType(fields["chatId"]),
		StartTime: fields["startTime"],
	}
	if raw, ok := fields["participants"]; ok {
		if err := json.Unmarshal([]byte(raw), &meta.Participants); err != nil {
			return types.ChatMetadata{}, fmt.Errorf("corrupt participants for chat %s: %w", chatID, err)
		}
	}
	return meta, nil
}

// IsChatParticipant authorizes participant-bound operations.
func (s *Store) IsChatParticipant(ctx context.Context, chatID types.ChatIdType, userID types.UserIdType) (bool, error) {
	meta, err := s.GetChatMetadata(ctx, chatID)
	if errors.Is(err, types.ErrChatNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for _, u := range meta.Participants {
		if u == userID {
			return true, nil
		}
	}
	return false, nil
}

// GetUserActiveChats returns the chat ids the user currently participates in.
func (s *Store) GetUserActiveChats(ctx context.Context, userID types.UserIdType) ([]types.ChatIdType, error) {
	members, err := s.client.SMembers(ctx, activeChatsKey(userID)).Result()
	if err != nil {
		return nil, wrapErr("get active chats", err)
	}
	chats := make([]types.ChatIdType, 0, len(members))
	for _, m := range members {
		chats = append(chats, types.ChatIdType(m))
	}
	return chats, nil
}

// DeleteChat removes every chat key and drops the chat from each
// participant's active set. Idempotent: deleting a missing chat is a no-op.
func (s *Store) DeleteChat(ctx context.Context, chatID types.ChatIdType) error {
	meta, err := s.GetChatMetadata(ctx, chatID)
	if err != nil && !errors.Is(err, types.ErrChatNotFound) {
		return err
	}

	_, pipeErr := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, messagesKey(chatID), positionsKey(chatID), closureKey(chatID), metadataKey(chatID))
		for _, u := range meta.Participants {
			pipe.SRem(ctx, activeChatsKey(u), string(chatID))
		}
		return nil
	})
	if pipeErr != nil {
		return wrapErr("delete chat", pipeErr)
	}
	return nil
}

// --- messages ---

// AddMessage appends a message to the chat's list, refreshes the TTL, and
// returns the persisted record with its generated id and timestamp.
func (s *Store) AddMessage(ctx context.Context, chatID types.ChatIdType, sender types.UserIdType, msgType types.MessageType, content, targetID string) (types.ChatMessage, error) {
	msg := types.ChatMessage{
		ID:       uuid.NewString(),
		ChatID:   chatID,
		Sender:   sender,
		Type:     msgType,
		Content:  content,
		TargetID: targetID,
		SendTime: nowStamp(),
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return types.ChatMessage{}, fmt.Errorf("marshal message: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, messagesKey(chatID), raw)
		pipe.Expire(ctx, messagesKey(chatID), s.ttl)
		return nil
	})
	if err != nil {
		return types.ChatMessage{}, wrapErr("add message", err)
	}
	return msg, nil
}

// GetMessages returns a slice of the message list in insertion order. Range
// semantics follow Redis LRANGE: inclusive at both ends, end=-1 means last.
func (s *Store) GetMessages(ctx context.Context, chatID types.ChatIdType, start, end int64) ([]types.ChatMessage, error) {
	raws, err := s.client.LRange(ctx, messagesKey(chatID), start, end).Result()
	if err != nil {
		return nil, wrapErr("get messages", err)
	}

	messages := make([]types.ChatMessage, 0, len(raws))
	for _, raw := range raws {
		var msg types.ChatMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("corrupt message in chat %s: %w", chatID, err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// --- agreed positions ---

// AddAgreedPosition writes a new pending proposal. Content length is enforced
// by the caller; the adapter trusts its input.
func (s *Store) AddAgreedPosition(ctx context.Context, chatID types.ChatIdType, proposer types.UserIdType, content string, isClosure bool, parentID types.ProposalIdType) (types.Proposal, error) {
	proposal := types.Proposal{
		ID:         types.ProposalIdType(uuid.NewString()),
		ProposerID: proposer,
		Content:    content,
		ParentID:   parentID,
		Status:     types.ProposalStatusPending,
		IsClosure:  isClosure,
		Timestamp:  nowStamp(),
	}

	raw, err := json.Marshal(proposal)
	if err != nil {
		return types.Proposal{}, fmt.Errorf("marshal proposal: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, positionsKey(chatID), string(proposal.ID), raw)
		pipe.Expire(ctx, positionsKey(chatID), s.ttl)
		return nil
	})
	if err != nil {
		return types.Proposal{}, wrapErr("add agreed position", err)
	}
	return proposal, nil
}

// GetAgreedPosition reads one proposal.
func (s *Store) GetAgreedPosition(ctx context.Context, chatID types.ChatIdType, proposalID types.ProposalIdType) (types.Proposal, error) {
	raw, err := s.client.HGet(ctx, positionsKey(chatID), string(proposalID)).Result()
	if errors.Is(err, redis.Nil) {
		return types.Proposal{}, types.ErrProposalNotFound
	}
	if err != nil {
		return types.Proposal{}, wrapErr("get agreed position", err)
	}

	var proposal types.Proposal
	if err := json.Unmarshal([]byte(raw), &proposal); err != nil {
		return types.Proposal{}, fmt.Errorf("corrupt proposal %s: %w", proposalID, err)
	}
	return proposal, nil
}

// GetAllAgreedPositions reads the proposal map for a chat.
func (s *Store) GetAllAgreedPositions(ctx context.Context, chatID types.ChatIdType) (map[types.ProposalIdType]types.Proposal, error) {
	raws, err := s.client.HGetAll(ctx, positionsKey(chatID)).Result()
	if err != nil {
		return nil, wrapErr("get agreed positions", err)
	}

	proposals := make(map[types.ProposalIdType]types.Proposal, len(raws))
	for id, raw := range raws {
		var proposal types.Proposal
		if err := json.Unmarshal([]byte(raw), &proposal); err != nil {
			return nil, fmt.Errorf("corrupt proposal %s: %w", id, err)
		}
		proposals[types.ProposalIdType(id)] = proposal
	}
	return proposals, nil
}

// UpdateAgreedPositionStatus transitions a proposal out of pending. The
// read-modify-write runs under WATCH on the chat's positions key, so
// transitions are serialized per chat: of two concurrent accepts on the same
// pending proposal exactly one wins and the other observes
// ErrProposalNotPending.
func (s *Store) UpdateAgreedPositionStatus(ctx context.Context, chatID types.ChatIdType, proposalID types.ProposalIdType, newStatus types.ProposalStatus) (types.Proposal, error) {
	switch newStatus {
	case types.ProposalStatusAccepted, types.ProposalStatusRejected, types.ProposalStatusModified:
	default:
		return types.Proposal{}, fmt.Errorf("invalid target status %q", newStatus)
	}

	key := positionsKey(chatID)
	var updated types.Proposal

	txf := func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, key, string(proposalID)).Result()
		if errors.Is(err, redis.Nil) {
			return types.ErrProposalNotFound
		}
		if err != nil {
			return err
		}

		var proposal types.Proposal
		if err := json.Unmarshal([]byte(raw), &proposal); err != nil {
			return fmt.Errorf("corrupt proposal %s: %w", proposalID, err)
		}
		if proposal.Status != types.ProposalStatusPending {
			return types.ErrProposalNotPending
		}

		proposal.Status = newStatus
		buf, err := json.Marshal(proposal)
		if err != nil {
			return fmt.Errorf("marshal proposal: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, string(proposalID), buf)
			pipe.Expire(ctx, key, s.ttl)
			return nil
		})
		if err == nil {
			updated = proposal
		}
		return err
	}

	for i := 0; i < casRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, types.ErrProposalNotFound) || errors.Is(err, types.ErrProposalNotPending) {
				return types.Proposal{}, err
			}
			return types.Proposal{}, wrapErr("update agreed position", err)
		}
		return updated, nil
	}
	return types.Proposal{}, wrapErr("update agreed position", errors.New("transaction contention"))
}

// --- closure singleton ---

// SetClosureProposal overwrites the chat's closure singleton.
func (s *Store) SetClosureProposal(ctx context.Context, chatID types.ChatIdType, closure types.ClosureProposal) error {
	raw, err := json.Marshal(closure)
	if err != nil {
		return fmt.Errorf("marshal closure: %w", err)
	}

	if err := s.client.Set(ctx, closureKey(chatID), raw, s.ttl).Err(); err != nil {
		return wrapErr("set closure", err)
	}
	return nil
}

// GetClosureProposal returns the current closure, or nil when none is set.
func (s *Store) GetClosureProposal(ctx context.Context, chatID types.ChatIdType) (*types.ClosureProposal, error) {
	raw, err := s.client.Get(ctx, closureKey(chatID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("get closure", err)
	}

	var closure types.ClosureProposal
	if err := json.Unmarshal([]byte(raw), &closure); err != nil {
		return nil, fmt.Errorf("corrupt closure for chat %s: %w", chatID, err)
	}
	return &closure, nil
}

// ClearClosureProposal removes the singleton. Clearing an absent closure is
// a no-op.
func (s *Store) ClearClosureProposal(ctx context.Context, chatID types.ChatIdType) error {
	if err := s.client.Del(ctx, closureKey(chatID)).Err(); err != nil {
		return wrapErr("clear closure", err)
	}
	return nil
}

// --- export ---

// GetChatExportData assembles the flat snapshot consumed by the archival
// exporter. Reads are best-effort consistent: the caller invokes this only
// from the single handler that is terminating the chat.
func (s *Store) GetChatExportData(ctx context.Context, chatID types.ChatIdType) (types.ExportData, error) {
	meta, err := s.GetChatMetadata(ctx, chatID)
	if err != nil {
		return types.ExportData{}, err
	}

	messages, err := s.GetMessages(ctx, chatID, 0, -1)
	if err != nil {
		return types.ExportData{}, err
	}

	positions, err := s.GetAllAgreedPositions(ctx, chatID)
	if err != nil {
		return types.ExportData{}, err
	}

	closure, err := s.GetClosureProposal(ctx, chatID)
	if err != nil {
		return types.ExportData{}, err
	}

	return types.ExportData{
		Messages:        messages,
		AgreedPositions: positions,
		AgreedClosure:   closure,
		Metadata:        meta,
		ExportTime:      nowStamp(),
	}, nil
}
