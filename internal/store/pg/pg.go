// Package pg implements the message archive over Postgres for managed
// deployments. The schema lives in migrations/ and is applied with the
// migrate command; this package assumes it is present.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver

	"github.com/nextlevelbuilder/goswarm/internal/bus"
	"github.com/nextlevelbuilder/goswarm/internal/clock"
	"github.com/nextlevelbuilder/goswarm/internal/store"
)

// OpenDB opens a pgx-backed *sql.DB and verifies connectivity.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// PGArchive implements store.Archive backed by Postgres.
type PGArchive struct {
	db *sql.DB
}

var _ store.Archive = (*PGArchive)(nil)

func NewPGArchive(db *sql.DB) *PGArchive {
	return &PGArchive{db: db}
}

func (a *PGArchive) Record(ctx context.Context, msg *bus.Message) error {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = a.db.ExecContext(ctx,
		`INSERT INTO messages (id, from_agent, to_agent, task_id, payload, created_at, scheduled_at, delivered_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
			scheduled_at = EXCLUDED.scheduled_at,
			delivered_at = EXCLUDED.delivered_at`,
		msg.ID, msg.From, msg.To, msg.TaskID, payload,
		msg.CreatedAt.Time, nullTime(msg.ScheduledDeliveryTime), nullTime(msg.DeliveredAt),
	)
	if err != nil {
		return fmt.Errorf("record message: %w", err)
	}
	return nil
}

func (a *PGArchive) History(ctx context.Context, agentID string, limit int) ([]bus.Message, error) {
	if limit <= 0 {
		limit = store.DefaultHistoryLimit
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, from_agent, to_agent, task_id, payload, created_at, scheduled_at, delivered_at
		 FROM messages
		 WHERE from_agent = $1 OR to_agent = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		agentID, limit,
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

func (a *PGArchive) Close() error {
	return a.db.Close()
}

func scanMessage(rows *sql.Rows) (bus.Message, error) {
	var msg bus.Message
	var payload []byte
	var createdAt time.Time
	var scheduledAt, deliveredAt sql.NullTime
	if err := rows.Scan(&msg.ID, &msg.From, &msg.To, &msg.TaskID,
		&payload, &createdAt, &scheduledAt, &deliveredAt); err != nil {
		return bus.Message{}, fmt.Errorf("scan message: %w", err)
	}
	if err := json.Unmarshal(payload, &msg.Payload); err != nil {
		return bus.Message{}, fmt.Errorf("unmarshal payload %s: %w", msg.ID, err)
	}
	msg.CreatedAt = clock.StampOf(createdAt)
	if scheduledAt.Valid {
		msg.ScheduledDeliveryTime = clock.StampOf(scheduledAt.Time)
	}
	if deliveredAt.Valid {
		msg.DeliveredAt = clock.StampOf(deliveredAt.Time)
	}
	return msg, nil
}

func nullTime(s clock.Stamp) interface{} {
	if s.IsZero() {
		return nil
	}
	return s.Time
}
