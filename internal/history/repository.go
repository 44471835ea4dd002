package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message roles, matching the language model's chat vocabulary.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one turn of a session's conversation.
type Message struct {
	ID        string
	SessionID string
	Role      string
	Content   string
	CreatedAt time.Time
}

// Repository defines the interface for chat transcript persistence.
type Repository interface {
	Append(ctx context.Context, msg *Message) error
	List(ctx context.Context, sessionID string, limit int) ([]Message, error)
	Clear(ctx context.Context, sessionID string) (int64, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewRepository creates a new SQLite-backed transcript repository.
func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Append inserts a message. The ID is generated if empty.
func (r *SQLiteRepository) Append(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = "msg-" + uuid.NewString()[:16]
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO chat_messages (id, session_id, role, content, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content,
		msg.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("appending chat message: %w", err)
	}

	return nil
}

// List returns the most recent messages of a session in chronological
// order. A limit of zero or less means no limit.
func (r *SQLiteRepository) List(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	// rowid preserves insertion order; created_at alone has second
	// resolution and ties on back-to-back turns.
	query := `SELECT id, session_id, role, content, created_at
	          FROM chat_messages WHERE session_id = ?
	          ORDER BY rowid DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing chat messages: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	var messages []Message
	for rows.Next() {
		var m Message
		var createdAt string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning chat message: %w", err)
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chat messages: %w", err)
	}

	// Rows arrive newest first so LIMIT keeps the tail; flip to
	// chronological order for the caller.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

// Clear removes a session's entire transcript.
//
// Returns:
//   - int64: Number of messages removed
func (r *SQLiteRepository) Clear(ctx context.Context, sessionID string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM chat_messages WHERE session_id = ?`, sessionID,
	)
	if err != nil {
		return 0, fmt.Errorf("clearing chat history: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting cleared messages: %w", err)
	}

	return n, nil
}
