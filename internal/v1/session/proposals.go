package session

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/agoracivic/chat-server/internal/v1/logging"
	"github.com/agoracivic/chat-server/internal/v1/rooms"
	"github.com/agoracivic/chat-server/internal/v1/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// handleAgreedPosition implements the proposal state machine. A proposal
// leaves pending exactly once; the KV store serializes concurrent
// transitions, so of two racing accepts one wins and the other acks
// PROPOSAL_NOT_PENDING.
func (h *Hub) handleAgreedPosition(ctx context.Context, client *Client, msg *ClientMessage) {
	var payload agreedPositionPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		client.ackError(msg.AckID, types.CodeMissingChatID)
		return
	}
	ctx = chatContext(ctx, payload.ChatID)

	if code := h.authorizeParticipant(ctx, client, payload.ChatID); code != "" {
		client.ackError(msg.AckID, code)
		return
	}

	switch payload.Action {
	case "propose":
		h.handlePropose(ctx, client, msg.AckID, payload)
	case "accept":
		h.handleAccept(ctx, client, msg.AckID, payload)
	case "reject":
		h.handleReject(ctx, client, msg.AckID, payload)
	case "modify":
		h.handleModify(ctx, client, msg.AckID, payload)
	default:
		client.ackError(msg.AckID, types.CodeInvalidAction)
	}
}

func (h *Hub) handlePropose(ctx context.Context, client *Client, ackID int64, payload agreedPositionPayload) {
	if code := types.ValidateProposalContent(payload.Content); code != "" {
		client.ackError(ackID, code)
		return
	}

	proposal, err := h.store.AddAgreedPosition(ctx, payload.ChatID, client.UserID, payload.Content, payload.IsClosure, "")
	if err != nil {
		client.ackError(ackID, types.CodeStoreUnavailable)
		return
	}

	if payload.IsClosure {
		if err := h.store.SetClosureProposal(ctx, payload.ChatID, closureFrom(proposal)); err != nil {
			client.ackError(ackID, types.CodeStoreUnavailable)
			return
		}
	}

	h.recordProposalMessage(ctx, payload.ChatID, client.UserID, proposal)

	h.emitToRoom(rooms.ChatRoom(payload.ChatID), EventAgreedPosition, gin.H{
		"action":     "propose",
		"proposal":   proposal,
		"proposerId": client.UserID,
		"isClosure":  proposal.IsClosure,
	})
	client.ack(ackID, gin.H{"status": "ok", "proposalId": proposal.ID})
}

func (h *Hub) handleAccept(ctx context.Context, client *Client, ackID int64, payload agreedPositionPayload) {
	if payload.ProposalID == "" {
		client.ackError(ackID, types.CodeMissingProposalID)
		return
	}

	existing, err := h.store.GetAgreedPosition(ctx, payload.ChatID, payload.ProposalID)
	if code := proposalLookupCode(err); code != "" {
		client.ackError(ackID, code)
		return
	}
	if existing.ProposerID == client.UserID {
		client.ackError(ackID, types.CodeCannotAcceptOwn)
		return
	}

	proposal, err := h.store.UpdateAgreedPositionStatus(ctx, payload.ChatID, payload.ProposalID, types.ProposalStatusAccepted)
	if code := proposalTransitionCode(err); code != "" {
		client.ackError(ackID, code)
		return
	}

	h.emitToRoom(rooms.ChatRoom(payload.ChatID), EventAgreedPosition, gin.H{
		"action":     "accept",
		"proposal":   proposal,
		"accepterId": client.UserID,
		"isClosure":  proposal.IsClosure,
	})

	if proposal.IsClosure {
		// The chat ends here. Export failures leave the chat open; the
		// proposal stays accepted and a retried accept would surface
		// PROPOSAL_NOT_PENDING, so clients retry via exit_chat instead.
		if !h.terminateChat(ctx, payload.ChatID, types.EndTypeAgreedClosure, "", proposal.Content) {
			client.ackError(ackID, types.CodeExportFailed)
			return
		}
	}

	client.ack(ackID, gin.H{"status": "accepted", "proposalId": proposal.ID})
}

func (h *Hub) handleReject(ctx context.Context, client *Client, ackID int64, payload agreedPositionPayload) {
	if payload.ProposalID == "" {
		client.ackError(ackID, types.CodeMissingProposalID)
		return
	}

	existing, err := h.store.GetAgreedPosition(ctx, payload.ChatID, payload.ProposalID)
	if code := proposalLookupCode(err); code != "" {
		client.ackError(ackID, code)
		return
	}
	if existing.ProposerID == client.UserID {
		client.ackError(ackID, types.CodeCannotRejectOwn)
		return
	}

	proposal, err := h.store.UpdateAgreedPositionStatus(ctx, payload.ChatID, payload.ProposalID, types.ProposalStatusRejected)
	if code := proposalTransitionCode(err); code != "" {
		client.ackError(ackID, code)
		return
	}

	if proposal.IsClosure {
		if err := h.store.ClearClosureProposal(ctx, payload.ChatID); err != nil {
			logging.Error(ctx, "Failed to clear closure singleton", zap.Error(err))
		}
	}

	h.emitToRoom(rooms.ChatRoom(payload.ChatID), EventAgreedPosition, gin.H{
		"action":     "reject",
		"proposal":   proposal,
		"rejecterId": client.UserID,
		"isClosure":  proposal.IsClosure,
	})
	client.ack(ackID, gin.H{"status": "rejected", "proposalId": proposal.ID})
}

func (h *Hub) handleModify(ctx context.Context, client *Client, ackID int64, payload agreedPositionPayload) {
	if payload.ProposalID == "" {
		client.ackError(ackID, types.CodeMissingProposalID)
		return
	}
	if code := types.ValidateProposalContent(payload.Content); code != "" {
		client.ackError(ackID, code)
		return
	}

	original, err := h.store.GetAgreedPosition(ctx, payload.ChatID, payload.ProposalID)
	if code := proposalLookupCode(err); code != "" {
		client.ackError(ackID, code)
		return
	}
	if original.ProposerID == client.UserID {
		client.ackError(ackID, types.CodeCannotModifyOwn)
		return
	}

	if _, err := h.store.UpdateAgreedPositionStatus(ctx, payload.ChatID, payload.ProposalID, types.ProposalStatusModified); err != nil {
		client.ackError(ackID, proposalTransitionCode(err))
		return
	}

	// The counter-offer inherits the closure flag and points back at the
	// proposal it supersedes.
	replacement, err := h.store.AddAgreedPosition(ctx, payload.ChatID, client.UserID, payload.Content, original.IsClosure, original.ID)
	if err != nil {
		client.ackError(ackID, types.CodeStoreUnavailable)
		return
	}

	if replacement.IsClosure {
		if err := h.store.SetClosureProposal(ctx, payload.ChatID, closureFrom(replacement)); err != nil {
			client.ackError(ackID, types.CodeStoreUnavailable)
			return
		}
	}

	h.recordProposalMessage(ctx, payload.ChatID, client.UserID, replacement)

	h.emitToRoom(rooms.ChatRoom(payload.ChatID), EventAgreedPosition, gin.H{
		"action":             "modify",
		"originalProposalId": original.ID,
		"proposal":           replacement,
		"proposerId":         client.UserID,
		"isClosure":          replacement.IsClosure,
	})
	client.ack(ackID, gin.H{"status": "ok", "proposalId": replacement.ID})
}

// recordProposalMessage appends the proposal to the chat transcript so the
// archived log shows negotiations inline with messages.
func (h *Hub) recordProposalMessage(ctx context.Context, chatID types.ChatIdType, sender types.UserIdType, proposal types.Proposal) {
	msgType := types.MessageTypePositionProposal
	if proposal.IsClosure {
		msgType = types.MessageTypeClosureProposal
	}
	if _, err := h.store.AddMessage(ctx, chatID, sender, msgType, proposal.Content, string(proposal.ID)); err != nil {
		logging.Error(ctx, "Failed to record proposal message", zap.Error(err))
	}
}

func closureFrom(p types.Proposal) types.ClosureProposal {
	return types.ClosureProposal{
		ID:         p.ID,
		ProposerID: p.ProposerID,
		Content:    p.Content,
		Timestamp:  p.Timestamp,
	}
}

func proposalLookupCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, types.ErrProposalNotFound):
		return types.CodeProposalNotFound
	default:
		return types.CodeStoreUnavailable
	}
}

func proposalTransitionCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, types.ErrProposalNotFound):
		return types.CodeProposalNotFound
	case errors.Is(err, types.ErrProposalNotPending):
		return types.CodeProposalNotPending
	default:
		return types.CodeStoreUnavailable
	}
}
