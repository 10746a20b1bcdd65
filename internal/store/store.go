// Package store persists chats, messages, usage records, and audit events
// in SQLite.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/blazehq/blaze/model"
)

// Store manages all persistence.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database at the given path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL keeps concurrent readers cheap while a stream is writing.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS chats (
			id          TEXT PRIMARY KEY,
			title       TEXT NOT NULL DEFAULT '',
			project_dir TEXT NOT NULL,
			created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
			updated_at  DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE TABLE IF NOT EXISTS messages (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id    TEXT NOT NULL,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT (datetime('now')),
			FOREIGN KEY (chat_id) REFERENCES chats(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_chat_id
			ON messages(chat_id);

		CREATE TABLE IF NOT EXISTS usage_records (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			context    TEXT NOT NULL,
			metric     TEXT NOT NULL,
			value      INTEGER NOT NULL,
			created_at DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_usage_context_metric
			ON usage_records(context, metric);

		CREATE TABLE IF NOT EXISTS audit_events (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			context       TEXT NOT NULL,
			action        TEXT NOT NULL,
			resource_type TEXT NOT NULL,
			resource_id   TEXT NOT NULL DEFAULT '',
			created_at    DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_audit_context
			ON audit_events(context);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateChat inserts a new chat.
func (s *Store) CreateChat(chat *model.Chat) error {
	now := time.Now().UTC()
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = now
	}
	if chat.UpdatedAt.IsZero() {
		chat.UpdatedAt = now
	}
	_, err := s.db.Exec(
		`INSERT INTO chats (id, title, project_dir, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		chat.ID, chat.Title, chat.ProjectDir, chat.CreatedAt, chat.UpdatedAt,
	)
	return err
}

// GetChat retrieves a chat by ID.
func (s *Store) GetChat(id string) (*model.Chat, error) {
	row := s.db.QueryRow(
		`SELECT id, title, project_dir, created_at, updated_at
		 FROM chats WHERE id = ?`, id,
	)
	return scanChat(row)
}

// ListChats returns all chats ordered by last update (newest first).
func (s *Store) ListChats() ([]*model.Chat, error) {
	rows, err := s.db.Query(
		`SELECT id, title, project_dir, created_at, updated_at
		 FROM chats ORDER BY updated_at DESC, id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []*model.Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// TouchChat updates a chat's title (if non-empty) and bumps updated_at.
func (s *Store) TouchChat(id, title string) error {
	_, err := s.db.Exec(
		`UPDATE chats SET
			title = CASE WHEN ? != '' THEN ? ELSE title END,
			updated_at = ?
		 WHERE id = ?`,
		title, title, time.Now().UTC(), id,
	)
	return err
}

// AddMessage inserts a new message into a chat.
func (s *Store) AddMessage(msg *model.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	result, err := s.db.Exec(
		`INSERT INTO messages (chat_id, role, content, created_at)
		 VALUES (?, ?, ?, ?)`,
		msg.ChatID, msg.Role, msg.Content, msg.CreatedAt,
	)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	msg.ID = id
	return nil
}

// GetMessages returns all messages for a chat in insertion order.
func (s *Store) GetMessages(chatID string) ([]*model.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, chat_id, role, content, created_at
		 FROM messages
		 WHERE chat_id = ?
		 ORDER BY id ASC`,
		chatID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*model.Message
	for rows.Next() {
		m := &model.Message{}
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// AddUsageRecord inserts a usage record and returns its ID on the record.
func (s *Store) AddUsageRecord(rec *model.UsageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	result, err := s.db.Exec(
		`INSERT INTO usage_records (context, metric, value, created_at)
		 VALUES (?, ?, ?, ?)`,
		rec.Context, string(rec.Metric), rec.Value, rec.CreatedAt,
	)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	rec.ID = id
	return nil
}

// SumUsage totals the recorded value of one metric within a context.
func (s *Store) SumUsage(context string, metric model.UsageMetric) (int64, error) {
	row := s.db.QueryRow(
		`SELECT COALESCE(SUM(value), 0) FROM usage_records
		 WHERE context = ? AND metric = ?`,
		context, string(metric),
	)
	var total int64
	if err := row.Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

// AddAuditEvent inserts an audit event and returns its ID on the event.
func (s *Store) AddAuditEvent(ev *model.AuditEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	result, err := s.db.Exec(
		`INSERT INTO audit_events (context, action, resource_type, resource_id, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		ev.Context, ev.Action, ev.ResourceType, ev.ResourceID, ev.CreatedAt,
	)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	ev.ID = id
	return nil
}

// GetAuditEvents returns the audit trail for a context in insertion order.
func (s *Store) GetAuditEvents(context string) ([]*model.AuditEvent, error) {
	rows, err := s.db.Query(
		`SELECT id, context, action, resource_type, resource_id, created_at
		 FROM audit_events
		 WHERE context = ?
		 ORDER BY id ASC`,
		context,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*model.AuditEvent
	for rows.Next() {
		e := &model.AuditEvent{}
		if err := rows.Scan(&e.ID, &e.Context, &e.Action, &e.ResourceType, &e.ResourceID, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Scan helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanChat(row scannable) (*model.Chat, error) {
	c := &model.Chat{}
	err := row.Scan(&c.ID, &c.Title, &c.ProjectDir, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}
