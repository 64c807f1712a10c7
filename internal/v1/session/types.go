// Package session implements the websocket surface of the chat server: the
// hub that owns every connection, the per-connection client pumps, and the
// event handlers that drive chats from handshake to archival.
package session

import (
	"encoding/json"

	"github.com/agoracivic/chat-server/internal/v1/types"
)

// ClientMessage is the inbound wire envelope. Clients attach a monotonically
// increasing ackId to events they want an acknowledgment for; the server
// echoes it back on the matching ack frame.
type ClientMessage struct {
	Event string          `json:"event"`
	AckID int64           `json:"ackId,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ServerMessage is the outbound wire envelope. Acks use Event "ack" with the
// client's ackId; server-initiated events carry no ackId.
type ServerMessage struct {
	Event string `json:"event"`
	AckID int64  `json:"ackId,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// Inbound event names.
const (
	EventJoinChat          = "join_chat"
	EventMessage           = "message"
	EventGetMessages       = "get_messages"
	EventTyping            = "typing"
	EventMarkRead          = "mark_read"
	EventAgreedPosition    = "agreed_position"
	EventStartChat         = "start_chat"
	EventExitChat          = "exit_chat"
	EventNotifyChatRequest = "notify_chat_request"
	EventPing              = "ping"
)

// Outbound event names.
const (
	EventAck                 = "ack"
	EventAuthenticated       = "authenticated"
	EventChatRequestReceived = "chat_request_received"
	EventChatRequestAccepted = "chat_request_accepted"
	EventChatRequestDeclined = "chat_request_declined"
	EventChatStarted         = "chat_started"
	EventReadReceipt         = "read_receipt"
	EventStatus              = "status"
)

// --- inbound payloads ---

type joinChatPayload struct {
	ChatID types.ChatIdType `json:"chatId"`
}

type messagePayload struct {
	ChatID      types.ChatIdType `json:"chatId"`
	Content     string           `json:"content"`
	MessageType string           `json:"messageType,omitempty"`
}

type getMessagesPayload struct {
	ChatID types.ChatIdType `json:"chatId"`
	Start  *int64           `json:"start,omitempty"`
	End    *int64           `json:"end,omitempty"`
}

type typingPayload struct {
	ChatID   types.ChatIdType `json:"chatId"`
	IsTyping bool             `json:"isTyping"`
}

type markReadPayload struct {
	ChatID    types.ChatIdType `json:"chatId"`
	MessageID string           `json:"messageId"`
}

type agreedPositionPayload struct {
	ChatID     types.ChatIdType     `json:"chatId"`
	Action     string               `json:"action"`
	ProposalID types.ProposalIdType `json:"proposalId,omitempty"`
	Content    string               `json:"content,omitempty"`
	IsClosure  bool                 `json:"isClosure,omitempty"`
}

type startChatPayload struct {
	ChatRequestID string `json:"chatRequestId"`
}

type exitChatPayload struct {
	ChatID types.ChatIdType `json:"chatId"`
}

type notifyChatRequestPayload struct {
	UserID      types.UserIdType `json:"userId"`
	RequestID   string           `json:"requestId"`
	Initiator   string           `json:"initiator"`
	Position    string           `json:"position"`
	CreatedTime string           `json:"createdTime"`
}

// --- error acks ---

type errorAck struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

var errorMessages = map[string]string{
	types.CodeNotAuthenticated:   "session is not authenticated",
	types.CodeMissingChatID:      "chatId is required",
	types.CodeNotParticipant:     "user is not a participant of this chat",
	types.CodeInvalidAction:      "unknown action",
	types.CodeMissingContent:     "content is required",
	types.CodeContentTooLong:     "content exceeds the maximum length",
	types.CodeMissingProposalID:  "proposalId is required",
	types.CodeProposalNotFound:   "no proposal with that id in this chat",
	types.CodeProposalNotPending: "proposal is no longer pending",
	types.CodeCannotAcceptOwn:    "cannot accept your own proposal",
	types.CodeCannotRejectOwn:    "cannot reject your own proposal",
	types.CodeCannotModifyOwn:    "cannot modify your own proposal",
	types.CodeExportFailed:       "failed to archive the chat",
	types.CodeChatNotFound:       "chat not found",
	types.CodeStoreUnavailable:   "chat state is temporarily unavailable",
	types.CodeInternal:           "internal error",
}

func newErrorAck(code string) errorAck {
	msg, ok := errorMessages[code]
	if !ok {
		msg = errorMessages[types.CodeInternal]
	}
	return errorAck{Status: "error", Code: code, Message: msg}
}
