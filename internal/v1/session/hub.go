package session

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/agoracivic/chat-server/internal/v1/auth"
	"github.com/agoracivic/chat-server/internal/v1/bus"
	"github.com/agoracivic/chat-server/internal/v1/logging"
	"github.com/agoracivic/chat-server/internal/v1/metrics"
	"github.com/agoracivic/chat-server/internal/v1/presence"
	"github.com/agoracivic/chat-server/internal/v1/ratelimit"
	"github.com/agoracivic/chat-server/internal/v1/rooms"
	"github.com/agoracivic/chat-server/internal/v1/store"
	"github.com/agoracivic/chat-server/internal/v1/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Sessions idle longer than this are disconnected by the reaper. Clients
// send application pings well inside the window.
const idleTimeout = 120 * time.Second

// Archiver is the slice of the relational exporter the hub depends on.
type Archiver interface {
	CreateChatLog(ctx context.Context, chatRequestID string) (types.ChatIdType, error)
	GetChatParticipants(ctx context.Context, chatID types.ChatIdType) ([]types.UserIdType, error)
	ExportChat(ctx context.Context, chatID types.ChatIdType, export types.ExportData, endType types.EndType) error
	GetPendingChatRequests(ctx context.Context, userID types.UserIdType) ([]types.Card, error)
	ResolveKeycloakID(ctx context.Context, subject string) (types.UserIdType, error)
}

// Publisher is the outbound side of the event bus.
type Publisher interface {
	Publish(ctx context.Context, event string, payload any) error
}

// Hub owns every websocket session on this node. It authenticates
// handshakes, routes inbound events to handlers, fans broadcasts out through
// the room manager, and reacts to bus events from the REST side.
type Hub struct {
	validator auth.TokenValidator
	store     *store.Store
	archive   Archiver
	rooms     *rooms.Manager
	presence  *presence.Tracker
	publisher Publisher
	limiter   *ratelimit.RateLimiter

	mu      sync.RWMutex
	clients map[types.SessionIdType]*Client
}

// NewHub wires the hub's dependencies. The limiter may be nil (tests,
// single-tenant deployments); the publisher may be nil for single-node runs.
func NewHub(validator auth.TokenValidator, kv *store.Store, archive Archiver, tracker *presence.Tracker, publisher Publisher, limiter *ratelimit.RateLimiter) *Hub {
	return &Hub{
		validator: validator,
		store:     kv,
		archive:   archive,
		rooms:     rooms.NewManager(),
		presence:  tracker,
		publisher: publisher,
		limiter:   limiter,
		clients:   make(map[types.SessionIdType]*Client),
	}
}

// ServeWs authenticates the handshake and upgrades it to a websocket.
// The token arrives as a query parameter; its subject is resolved to the
// internal user id before the upgrade so failures stay plain HTTP.
func (h *Hub) ServeWs(c *gin.Context) {
	if h.limiter != nil && !h.limiter.CheckWebSocket(c) {
		return
	}

	tokenString := c.Query("token")
	if tokenString == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	claims, err := h.validator.ValidateToken(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
		return
	}

	ctx := c.Request.Context()
	userID, err := h.archive.ResolveKeycloakID(ctx, claims.Subject)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}

	if h.limiter != nil {
		if err := h.limiter.CheckWebSocketUser(ctx, string(userID)); err != nil {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections"})
			return
		}
	}

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			originURL, err := url.Parse(origin)
			if err != nil {
				return false
			}
			for _, allowed := range allowedOrigins {
				allowedURL, err := url.Parse(allowed)
				if err != nil {
					continue
				}
				if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
					return true
				}
			}
			return false
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(ctx, "Failed to upgrade connection", zap.Error(err))
		return
	}

	sessionID := types.SessionIdType(uuid.NewString())
	client := newClient(conn, h, sessionID, userID)
	h.register(client)
	metrics.IncConnection()

	go client.writePump()
	go client.readPump()

	h.afterConnect(client)
}

// afterConnect runs the post-handshake sequence: join the personal room and
// every active chat room, confirm authentication, then deliver catch-up
// cards. Card delivery failures are logged, never fatal to the session.
func (h *Hub) afterConnect(client *Client) {
	ctx := client.logContext(context.Background())

	h.rooms.JoinRoom(client.SessionID, rooms.UserRoom(client.UserID))

	activeChats, err := h.store.GetUserActiveChats(ctx, client.UserID)
	if err != nil {
		logging.Error(ctx, "Failed to read active chats on connect", zap.Error(err))
		activeChats = []types.ChatIdType{}
	}
	for _, chatID := range activeChats {
		h.rooms.JoinRoom(client.SessionID, rooms.ChatRoom(chatID))
	}

	client.emit(EventAuthenticated, 0, gin.H{
		"userId":      client.UserID,
		"activeChats": activeChats,
	})

	cards, err := h.archive.GetPendingChatRequests(ctx, client.UserID)
	if err != nil {
		logging.Error(ctx, "Failed to fetch pending chat requests", zap.Error(err))
		return
	}
	for _, card := range cards {
		client.emit(EventChatRequestReceived, 0, card)
	}
}

func (h *Hub) register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.SessionID] = client
	h.rooms.AddSession(client.SessionID, client.UserID)
}

// handleDisconnect tears the session down. Chat state in the KV store is
// untouched: chats persist across brief disconnects.
func (h *Hub) handleDisconnect(client *Client) {
	h.mu.Lock()
	delete(h.clients, client.SessionID)
	h.mu.Unlock()

	h.rooms.RemoveSession(client.SessionID)
	client.close()
	logging.Info(client.logContext(context.Background()), "Session disconnected")
}

func (h *Hub) clientBySession(sessionID types.SessionIdType) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[sessionID]
}

// emitToRoom fans an event out to every session in a room, minus any skipped
// session ids.
func (h *Hub) emitToRoom(room string, event string, data any, skip ...types.SessionIdType) {
	skipped := make(map[types.SessionIdType]bool, len(skip))
	for _, sid := range skip {
		skipped[sid] = true
	}
	for _, sid := range h.rooms.RoomSessions(room) {
		if skipped[sid] {
			continue
		}
		if client := h.clientBySession(sid); client != nil {
			client.emit(event, 0, data)
		}
	}
}

// emitToUser delivers to every session of one user.
func (h *Hub) emitToUser(userID types.UserIdType, event string, data any) {
	h.emitToRoom(rooms.UserRoom(userID), event, data)
}

// --- bus event handlers ---

// HandleChatAccepted reacts to the REST side accepting a chat request:
// create the live chat, pull both users' sessions into the room, and tell
// each side the chat started.
func (h *Hub) HandleChatAccepted(ctx context.Context, ev bus.ChatAcceptedEvent) {
	chatID := types.ChatIdType(ev.ChatLogID)
	initiator := types.UserIdType(ev.InitiatorUserID)
	responder := types.UserIdType(ev.ResponderUserID)

	if err := h.store.CreateChat(ctx, chatID, []types.UserIdType{initiator, responder}); err != nil {
		logging.Error(ctx, "Failed to create chat from bus event",
			zap.String("chat_id", string(chatID)), zap.Error(err))
		return
	}
	metrics.ActiveChats.Inc()

	h.joinUserSessions(initiator, chatID)
	h.joinUserSessions(responder, chatID)

	h.emitToUser(initiator, EventChatStarted, gin.H{
		"chatId":            chatID,
		"otherUserId":       responder,
		"positionStatement": ev.PositionStatement,
		"role":              "initiator",
	})
	h.emitToUser(responder, EventChatStarted, gin.H{
		"chatId":            chatID,
		"otherUserId":       initiator,
		"positionStatement": ev.PositionStatement,
		"role":              "responder",
	})
}

// HandleChatRequestResponse relays the outcome of a request to its
// initiator.
func (h *Hub) HandleChatRequestResponse(ctx context.Context, ev bus.ChatRequestResponseEvent) {
	initiator := types.UserIdType(ev.InitiatorUserID)
	if ev.Response == "accepted" {
		h.emitToUser(initiator, EventChatRequestAccepted, gin.H{
			"requestId": ev.RequestID,
			"chatLogId": ev.ChatLogID,
		})
		return
	}
	h.emitToUser(initiator, EventChatRequestDeclined, gin.H{
		"requestId": ev.RequestID,
	})
}

// HandleChatRequestReceived relays a new card to the target user.
func (h *Hub) HandleChatRequestReceived(ctx context.Context, ev bus.ChatRequestReceivedEvent) {
	h.emitToUser(types.UserIdType(ev.UserID), EventChatRequestReceived, ev.Card)
}

// joinUserSessions pulls all of a user's live sessions into a chat room.
func (h *Hub) joinUserSessions(userID types.UserIdType, chatID types.ChatIdType) {
	for _, sid := range h.rooms.GetUserSessions(userID) {
		h.rooms.JoinRoom(sid, rooms.ChatRoom(chatID))
	}
}

// StartReaper disconnects sessions that went silent. Runs until the context
// is cancelled.
func (h *Hub) StartReaper(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, sid := range h.rooms.TimedOutSessions(idleTimeout) {
					if client := h.clientBySession(sid); client != nil {
						logging.Info(client.logContext(ctx), "Reaping idle session")
						client.close()
					}
				}
			}
		}
	}()
}

// Shutdown closes every session. Called during graceful server shutdown.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		client.close()
	}
	logging.Info(ctx, "Hub shut down", zap.Int("sessions_closed", len(clients)))
}
