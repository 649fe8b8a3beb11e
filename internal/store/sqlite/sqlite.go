// Package sqlite implements the message archive over a local SQLite
// file using the pure-Go driver. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/goswarm/internal/bus"
	"github.com/nextlevelbuilder/goswarm/internal/clock"
	"github.com/nextlevelbuilder/goswarm/internal/store"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Store archives bus messages in a single SQLite file, typically
// <runtimeDir>/messages.db.
type Store struct {
	db *sql.DB
}

var _ store.Archive = (*Store)(nil)

// New opens the archive at dbPath. It uses SetMaxOpenConns(1) so all
// goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors from concurrent writers opening independent connections.
func New(dbPath string) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with
		// the blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	return &Store{db: db}
}

// Init creates the schema. Safe to call on every start.
func (s *Store) Init(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			from_agent TEXT NOT NULL,
			to_agent TEXT NOT NULL,
			task_id TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL,
			created_ms INTEGER NOT NULL,
			scheduled_at TEXT NOT NULL DEFAULT '',
			delivered_at TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_from ON messages(from_agent, created_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_to ON messages(to_agent, created_ms)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Record upserts one message. Replaying the same id overwrites the row,
// which is how delayed messages pick up their delivered_at.
func (s *Store) Record(ctx context.Context, msg *bus.Message) error {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO messages
			(id, from_agent, to_agent, task_id, payload, created_at, created_ms, scheduled_at, delivered_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.From, msg.To, msg.TaskID, string(payload),
		msg.CreatedAt.String(), msg.CreatedAt.UnixMilli(),
		msg.ScheduledDeliveryTime.String(), msg.DeliveredAt.String(),
	)
	if err != nil {
		return fmt.Errorf("record message: %w", err)
	}
	return nil
}

// History returns the most recent messages the agent sent or received,
// oldest first within the page.
func (s *Store) History(ctx context.Context, agentID string, limit int) ([]bus.Message, error) {
	if limit <= 0 {
		limit = store.DefaultHistoryLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, from_agent, to_agent, task_id, payload, created_at, scheduled_at, delivered_at
		 FROM messages
		 WHERE from_agent = ? OR to_agent = ?
		 ORDER BY created_ms DESC, id DESC
		 LIMIT ?`,
		agentID, agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var messages []bus.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	// Reverse to chronological order (oldest first).
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func scanMessage(rows *sql.Rows) (bus.Message, error) {
	var msg bus.Message
	var payload, createdAt, scheduledAt, deliveredAt string
	if err := rows.Scan(&msg.ID, &msg.From, &msg.To, &msg.TaskID,
		&payload, &createdAt, &scheduledAt, &deliveredAt); err != nil {
		return bus.Message{}, fmt.Errorf("scan message: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &msg.Payload); err != nil {
		return bus.Message{}, fmt.Errorf("unmarshal payload %s: %w", msg.ID, err)
	}
	var err error
	if msg.CreatedAt, err = parseStamp(createdAt); err != nil {
		return bus.Message{}, err
	}
	if msg.ScheduledDeliveryTime, err = parseStamp(scheduledAt); err != nil {
		return bus.Message{}, err
	}
	if msg.DeliveredAt, err = parseStamp(deliveredAt); err != nil {
		return bus.Message{}, err
	}
	return msg, nil
}

func parseStamp(s string) (clock.Stamp, error) {
	if s == "" {
		return clock.Stamp{}, nil
	}
	t, err := clock.Parse(s)
	if err != nil {
		return clock.Stamp{}, err
	}
	return clock.StampOf(t), nil
}
