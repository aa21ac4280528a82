// Package mailbox is a local SQLite-backed message store that serves as a
// source tool. Its messages are untrusted content: bodies are stored as
// received and only ever handed to the reference extractor.
package mailbox

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	rgotel "github.com/dativo-io/refguard/internal/otel"
)

var tracer = rgotel.Tracer("github.com/dativo-io/refguard/internal/mailbox")

// Store persists messages in SQLite.
type Store struct {
	db *sql.DB
}

// Message is one stored message.
type Message struct {
	ID         string    `json:"id"`
	From       string    `json:"from"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}

// NewStore opens (or creates) the mailbox database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening mailbox database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		sender TEXT NOT NULL,
		subject TEXT NOT NULL,
		body TEXT NOT NULL,
		received_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_received ON messages(received_at);
	`
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating mailbox schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Add stores msg, assigning an ID and receive time when missing.
func (s *Store) Add(ctx context.Context, msg Message) (Message, error) {
	ctx, span := tracer.Start(ctx, "mailbox.add")
	defer span.End()

	if msg.ID == "" {
		msg.ID = "msg_" + uuid.NewString()[:12]
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	span.SetAttributes(attribute.String("mailbox.message_id", msg.ID))

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, sender, subject, body, received_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.From, msg.Subject, msg.Body, msg.ReceivedAt,
	)
	if err != nil {
		return Message{}, fmt.Errorf("storing message: %w", err)
	}
	return msg, nil
}

// List returns the newest messages whose sender, subject or body contains
// query (case-insensitive). An empty query matches everything; limit <= 0
// means no limit.
func (s *Store) List(ctx context.Context, query string, limit int) ([]Message, error) {
	ctx, span := tracer.Start(ctx, "mailbox.list",
		trace.WithAttributes(attribute.Int("mailbox.limit", limit)))
	defer span.End()

	q := `SELECT id, sender, subject, body, received_at FROM messages`
	args := []interface{}{}
	if query = strings.TrimSpace(query); query != "" {
		like := "%" + escapeLike(strings.ToLower(query)) + "%"
		q += ` WHERE lower(sender) LIKE ? ESCAPE '\' OR lower(subject) LIKE ? ESCAPE '\' OR lower(body) LIKE ? ESCAPE '\'`
		args = append(args, like, like, like)
	}
	q += ` ORDER BY received_at DESC, id`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.From, &m.Subject, &m.Body, &m.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	span.SetAttributes(attribute.Int("mailbox.returned", len(out)))
	return out, nil
}

// PurgeBefore deletes messages received before cutoff.
func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE received_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging messages: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the number of stored messages.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return n, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
