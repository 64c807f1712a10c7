package session

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/agoracivic/chat-server/internal/v1/bus"
	"github.com/agoracivic/chat-server/internal/v1/logging"
	"github.com/agoracivic/chat-server/internal/v1/metrics"
	"github.com/agoracivic/chat-server/internal/v1/rooms"
	"github.com/agoracivic/chat-server/internal/v1/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// handleStartChat creates a chat directly from an accepted request: archival
// row first, then live KV state, then the room.
func (h *Hub) handleStartChat(ctx context.Context, client *Client, msg *ClientMessage) {
	var payload startChatPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil || payload.ChatRequestID == "" {
		client.ackError(msg.AckID, types.CodeInvalidAction)
		return
	}

	chatID, err := h.archive.CreateChatLog(ctx, payload.ChatRequestID)
	if err != nil {
		logging.Error(ctx, "Failed to create chat_log row", zap.Error(err))
		client.ackError(msg.AckID, types.CodeInternal)
		return
	}
	ctx = chatContext(ctx, chatID)

	participants, err := h.archive.GetChatParticipants(ctx, chatID)
	if err != nil {
		logging.Error(ctx, "Failed to resolve chat participants", zap.Error(err))
		client.ackError(msg.AckID, types.CodeInternal)
		return
	}

	if err := h.store.CreateChat(ctx, chatID, participants); err != nil {
		client.ackError(msg.AckID, types.CodeStoreUnavailable)
		return
	}
	metrics.ActiveChats.Inc()

	for _, userID := range participants {
		h.joinUserSessions(userID, chatID)
	}

	h.emitToRoom(rooms.ChatRoom(chatID), EventStatus, gin.H{
		"chatId":       chatID,
		"status":       "active",
		"participants": participants,
	})

	// Let the other replicas pull their sessions into the room too.
	if h.publisher != nil && len(participants) == 2 {
		ev := bus.ChatAcceptedEvent{
			Event:           bus.EventChatAccepted,
			ChatLogID:       string(chatID),
			ChatRequestID:   payload.ChatRequestID,
			InitiatorUserID: string(participants[0]),
			ResponderUserID: string(participants[1]),
		}
		if err := h.publisher.Publish(ctx, bus.EventChatAccepted, ev); err != nil {
			logging.Warn(ctx, "Failed to publish chat_accepted", zap.Error(err))
		}
	}

	client.ack(msg.AckID, gin.H{"status": "ok", "chatId": chatID, "participants": participants})
}

// handleExitChat terminates a chat unilaterally. Export comes first; if the
// archive write fails the chat stays live and the client sees EXPORT_FAILED.
func (h *Hub) handleExitChat(ctx context.Context, client *Client, msg *ClientMessage) {
	var payload exitChatPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		client.ackError(msg.AckID, types.CodeMissingChatID)
		return
	}
	ctx = chatContext(ctx, payload.ChatID)

	if code := h.authorizeParticipant(ctx, client, payload.ChatID); code != "" {
		client.ackError(msg.AckID, code)
		return
	}

	if !h.terminateChat(ctx, payload.ChatID, types.EndTypeUserExit, client.UserID, "") {
		client.ackError(msg.AckID, types.CodeExportFailed)
		return
	}

	client.ack(msg.AckID, gin.H{"status": "ended", "chatId": payload.ChatID})
}

// terminateChat is the single path from active to ended: snapshot, archive,
// notify, tear down. Returns false when the archival write fails, in which
// case nothing is torn down and the chat stays live.
func (h *Hub) terminateChat(ctx context.Context, chatID types.ChatIdType, endType types.EndType, exitedBy types.UserIdType, closureContent string) bool {
	export, err := h.store.GetChatExportData(ctx, chatID)
	if err != nil {
		if errors.Is(err, types.ErrChatNotFound) {
			logging.Warn(ctx, "Terminating a chat that no longer exists")
		} else {
			logging.Error(ctx, "Failed to read export snapshot", zap.Error(err))
		}
		metrics.ChatExports.WithLabelValues(string(endType), "error").Inc()
		return false
	}
	if exitedBy != "" {
		export.EndedByUserID = exitedBy
	}

	if err := h.archive.ExportChat(ctx, chatID, export, endType); err != nil {
		logging.Error(ctx, "Chat export failed, keeping chat live", zap.Error(err))
		metrics.ChatExports.WithLabelValues(string(endType), "error").Inc()
		return false
	}
	metrics.ChatExports.WithLabelValues(string(endType), "ok").Inc()

	// Durability reached: everything below is cleanup and best-effort.
	if exitedBy != "" {
		for _, userID := range export.Metadata.Participants {
			if userID != exitedBy {
				h.emitToUser(userID, EventStatus, gin.H{
					"chatId": chatID,
					"status": "user_left",
					"userId": exitedBy,
				})
			}
		}
	}

	statusPayload := gin.H{
		"chatId":  chatID,
		"status":  "ended",
		"endType": endType,
	}
	if closureContent != "" {
		statusPayload["agreedClosure"] = closureContent
	}
	h.emitToRoom(rooms.ChatRoom(chatID), EventStatus, statusPayload)

	h.rooms.CloseRoom(rooms.ChatRoom(chatID))

	if err := h.store.DeleteChat(ctx, chatID); err != nil {
		logging.Error(ctx, "Failed to delete chat state after export", zap.Error(err))
	}
	metrics.ActiveChats.Dec()

	logging.Info(ctx, "Chat ended", zap.String("end_type", string(endType)))
	return true
}
