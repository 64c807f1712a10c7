// Package archive persists terminated chats to the relational store and
// answers the lookups that bridge the relational world into a live session:
// identity resolution, chat-request participants, and catch-up cards.
//
// It writes only chat_log rows; every other table is read-only here.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agoracivic/chat-server/internal/v1/types"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const queryTimeout = 10 * time.Second

// Exporter is the relational adapter. Safe for concurrent use.
type Exporter struct {
	db *sql.DB
}

// New opens a connection pool against the DATABASE_URL and verifies
// connectivity. The pool is kept small: the exporter only sees termination
// writes and reconnect catch-up reads.
func New(databaseURL string) (*Exporter, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return NewWithDB(db), nil
}

// NewWithDB wraps an existing handle. Used by tests with sqlmock.
func NewWithDB(db *sql.DB) *Exporter {
	return &Exporter{db: db}
}

// Ping verifies backend connectivity. Used by readiness probes.
func (e *Exporter) Ping(ctx context.Context) error {
	return e.db.PingContext(ctx)
}

// Close releases the connection pool.
func (e *Exporter) Close() error {
	return e.db.Close()
}

// CreateChatLog inserts a new active archival row for an accepted chat
// request and returns its generated id, which doubles as the chat id.
func (e *Exporter) CreateChatLog(ctx context.Context, chatRequestID string) (types.ChatIdType, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var id string
	err := e.db.QueryRowContext(ctx,
		`INSERT INTO chat_log (chat_request_id, start_time, status)
		 VALUES ($1, NOW(), 'active')
		 RETURNING id`,
		chatRequestID,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("create chat_log for request %s: %w", chatRequestID, err)
	}
	return types.ChatIdType(id), nil
}

// GetChatParticipants recovers the two parties of a chat by walking
// chat_log -> chat_request -> user_position. The initiator comes from the
// request, the responder is the owner of the position being discussed.
func (e *Exporter) GetChatParticipants(ctx context.Context, chatID types.ChatIdType) ([]types.UserIdType, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var initiator, responder string
	err := e.db.QueryRowContext(ctx,
		`SELECT cr.initiator_user_id, up.user_id
		 FROM chat_log cl
		 JOIN chat_request cr ON cr.id = cl.chat_request_id
		 JOIN user_position up ON up.id = cr.user_position_id
		 WHERE cl.id = $1`,
		string(chatID),
	).Scan(&initiator, &responder)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrChatNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get participants for chat %s: %w", chatID, err)
	}
	return []types.UserIdType{types.UserIdType(initiator), types.UserIdType(responder)}, nil
}

// ExportChat writes the serialized chat snapshot onto the archival row and
// marks it archived. This is the durability point: only after it returns nil
// may the caller delete the live KV state.
func (e *Exporter) ExportChat(ctx context.Context, chatID types.ChatIdType, export types.ExportData, endType types.EndType) error {
	log, err := json.Marshal(export)
	if err != nil {
		return fmt.Errorf("marshal export for chat %s: %w", chatID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	res, err := e.db.ExecContext(ctx,
		`UPDATE chat_log
		 SET log = $1, end_time = NOW(), end_type = $2, status = 'archived'
		 WHERE id = $3`,
		log, string(endType), string(chatID),
	)
	if err != nil {
		return fmt.Errorf("export chat %s: %w", chatID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("export chat %s: %w", chatID, err)
	}
	if affected == 0 {
		return types.ErrChatNotFound
	}
	return nil
}

// GetPendingChatRequests returns card-shaped rows for every chat request
// still pending against one of the user's positions. Delivered as catch-up
// on reconnect.
func (e *Exporter) GetPendingChatRequests(ctx context.Context, userID types.UserIdType) ([]types.Card, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := e.db.QueryContext(ctx,
		`SELECT cr.id, cr.initiator_user_id, u.display_name, p.id, p.statement,
		        COALESCE(pc.name, ''), COALESCE(l.name, ''),
		        cr.created_time, cr.delivery_context
		 FROM chat_request cr
		 JOIN user_position up ON up.id = cr.user_position_id
		 JOIN position p ON p.id = up.position_id
		 JOIN users u ON u.id = cr.initiator_user_id
		 LEFT JOIN position_category pc ON pc.id = p.category_id
		 LEFT JOIN location l ON l.id = p.location_id
		 WHERE up.user_id = $1 AND cr.response = 'pending'
		 ORDER BY cr.created_time`,
		string(userID),
	)
	if err != nil {
		return nil, fmt.Errorf("get pending requests for user %s: %w", userID, err)
	}
	defer rows.Close()

	cards := make([]types.Card, 0)
	for rows.Next() {
		var c types.Card
		var created time.Time
		if err := rows.Scan(
			&c.RequestID, &c.InitiatorID, &c.InitiatorName,
			&c.PositionID, &c.PositionStatement,
			&c.Category, &c.Location,
			&created, &c.DeliveryContext,
		); err != nil {
			return nil, fmt.Errorf("scan pending request: %w", err)
		}
		c.CreatedTime = created.UTC().Format(time.RFC3339Nano)
		cards = append(cards, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get pending requests for user %s: %w", userID, err)
	}
	return cards, nil
}

// ResolveKeycloakID maps the identity-provider subject from a validated JWT
// onto the internal user id.
func (e *Exporter) ResolveKeycloakID(ctx context.Context, subject string) (types.UserIdType, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var id string
	err := e.db.QueryRowContext(ctx,
		`SELECT id FROM users WHERE keycloak_id = $1`,
		subject,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", types.ErrUserNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve keycloak subject: %w", err)
	}
	return types.UserIdType(id), nil
}
