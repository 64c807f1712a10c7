// Package types holds the semantic identifier types, domain records, and
// shared interfaces of the chat server. Every other package imports this one;
// it imports nothing from the rest of internal/v1.
package types

import (
	"errors"
	"unicode/utf8"
)

// --- Core Domain Types ---

// UserIdType is the stable internal user id resolved from the identity
// provider subject at handshake time.
type UserIdType string

// SessionIdType identifies a single websocket connection. A user may hold
// several concurrent sessions (multi-device).
type SessionIdType string

// ChatIdType identifies a two-party chat. It equals the chat_log row id.
type ChatIdType string

// ProposalIdType identifies an agreed-position proposal within a chat.
type ProposalIdType string

// MessageType classifies chat messages.
type MessageType string

const (
	MessageTypeText             MessageType = "text"
	MessageTypePositionProposal MessageType = "agreed_position_proposal"
	MessageTypeClosureProposal  MessageType = "agreed_closure_proposal"
	MessageTypeSystem           MessageType = "system"
)

// ProposalStatus is the lifecycle state of a proposal. Pending is the only
// state a proposal can leave; every other status is terminal.
type ProposalStatus string

const (
	ProposalStatusPending  ProposalStatus = "pending"
	ProposalStatusAccepted ProposalStatus = "accepted"
	ProposalStatusRejected ProposalStatus = "rejected"
	ProposalStatusModified ProposalStatus = "modified"
)

// EndType records why a chat terminated.
type EndType string

const (
	EndTypeUserExit      EndType = "user_exit"
	EndTypeAgreedClosure EndType = "agreed_closure"
)

// MaxProposalContentLen bounds proposal and message content, in characters.
const MaxProposalContentLen = 1000

// --- Domain Records ---

// ChatMessage is an append-only record in a chat's message list.
type ChatMessage struct {
	ID       string      `json:"id"`
	ChatID   ChatIdType  `json:"chatLogId"`
	Sender   UserIdType  `json:"sender"`
	Type     MessageType `json:"type"`
	Content  string      `json:"content"`
	TargetID string      `json:"targetId,omitempty"`
	SendTime string      `json:"sendTime"`
}

// Proposal is a statement one party offers as common ground. A proposal
// produced by a modify action carries the id of the proposal it supersedes.
type Proposal struct {
	ID         ProposalIdType `json:"id"`
	ProposerID UserIdType     `json:"proposerId"`
	Content    string         `json:"content"`
	ParentID   ProposalIdType `json:"parentId,omitempty"`
	Status     ProposalStatus `json:"status"`
	IsClosure  bool           `json:"isClosure"`
	Timestamp  string         `json:"timestamp"`
}

// ClosureProposal is the per-chat singleton: the closure statement currently
// on the table. Overwritten by each closure propose/modify, cleared on reject.
type ClosureProposal struct {
	ID         ProposalIdType `json:"id"`
	ProposerID UserIdType     `json:"proposerId"`
	Content    string         `json:"content"`
	Timestamp  string         `json:"timestamp"`
}

// ChatMetadata authorizes participant-bound operations for the chat lifetime.
type ChatMetadata struct {
	ChatID       ChatIdType   `json:"chatId"`
	Participants []UserIdType `json:"participants"`
	StartTime    string       `json:"startTime"`
}

// ExportData is the snapshot written to the relational chat_log row at
// termination. The field names are external contract: the admin UI and
// post-chat analytics read them. Do not rename.
type ExportData struct {
	Messages        []ChatMessage               `json:"messages"`
	AgreedPositions map[ProposalIdType]Proposal `json:"agreedPositions"`
	AgreedClosure   *ClosureProposal            `json:"agreedClosure"`
	Metadata        ChatMetadata                `json:"metadata"`
	ExportTime      string                      `json:"exportTime"`
	EndedByUserID   UserIdType                  `json:"endedByUserId,omitempty"`
}

// Card is the UI payload shape produced by the REST side's card queue. The
// chat server only relays it: on catch-up queries and inbound pub/sub events.
type Card struct {
	RequestID         string `json:"requestId"`
	ChatLogID         string `json:"chatLogId,omitempty"`
	InitiatorID       string `json:"initiatorId"`
	InitiatorName     string `json:"initiatorName"`
	PositionID        string `json:"positionId"`
	PositionStatement string `json:"positionStatement"`
	Category          string `json:"category,omitempty"`
	Location          string `json:"location,omitempty"`
	CreatedTime       string `json:"createdTime"`
	DeliveryContext   string `json:"deliveryContext,omitempty"`
}

// --- Availability ---

// Availability classifies a user for chat-request delivery.
type Availability string

const (
	AvailabilityOnline     Availability = "online"     // swiping right now
	AvailabilityNotifiable Availability = "notifiable" // in-app but not swiping
	AvailabilityNone       Availability = "none"       // neither key present
)

// --- Error Codes (operation-local, returned in ack payloads) ---

const (
	CodeNotAuthenticated   = "NOT_AUTHENTICATED"
	CodeMissingChatID      = "MISSING_CHAT_ID"
	CodeNotParticipant     = "NOT_PARTICIPANT"
	CodeInvalidAction      = "INVALID_ACTION"
	CodeMissingContent     = "MISSING_CONTENT"
	CodeContentTooLong     = "CONTENT_TOO_LONG"
	CodeMissingProposalID  = "MISSING_PROPOSAL_ID"
	CodeProposalNotFound   = "PROPOSAL_NOT_FOUND"
	CodeProposalNotPending = "PROPOSAL_NOT_PENDING"
	CodeCannotAcceptOwn    = "CANNOT_ACCEPT_OWN"
	CodeCannotRejectOwn    = "CANNOT_REJECT_OWN"
	CodeCannotModifyOwn    = "CANNOT_MODIFY_OWN"
	CodeExportFailed       = "EXPORT_FAILED"
	CodeChatNotFound       = "CHAT_NOT_FOUND"
	CodeStoreUnavailable   = "STORE_UNAVAILABLE"
	CodeInternal           = "INTERNAL"
)

// --- Sentinel errors shared across packages ---

var (
	// ErrStoreUnavailable wraps any KV backend failure; callers treat it as
	// transient and surface an operation-level error to the client.
	ErrStoreUnavailable = errors.New("kv store unavailable")

	ErrChatNotFound       = errors.New("chat not found")
	ErrProposalNotFound   = errors.New("proposal not found")
	ErrProposalNotPending = errors.New("proposal is not pending")
	ErrNotParticipant     = errors.New("user is not a chat participant")
	ErrUserNotFound       = errors.New("user not found")
)

// ValidateProposalContent enforces the content rules shared by propose and
// modify actions. Returns the error code to surface, or "" when valid.
func ValidateProposalContent(content string) string {
	if content == "" {
		return CodeMissingContent
	}
	if utf8.RuneCountInString(content) > MaxProposalContentLen {
		return CodeContentTooLong
	}
	return ""
}
