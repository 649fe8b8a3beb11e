// Package store persists the bus message log that backs UI replay and
// the messages.history gateway method.
//
// Standalone deployments use the sqlite backend (messages.db under the
// runtime directory). Managed deployments point the pg backend at
// Postgres; its schema is owned by the migrations/ directory and applied
// with the migrate command. Both backends implement Archive, and the
// Recorder tails bus events into whichever one is configured.
package store

import (
	"context"

	"github.com/nextlevelbuilder/goswarm/internal/bus"
)

// DefaultHistoryLimit is the History page size when the caller passes no
// limit.
const DefaultHistoryLimit = 50

// Archive is the persisted message log. Record upserts one message keyed
// by its id: immediate messages arrive once via bus.send, delayed ones
// once via bus.delayed with deliveredAt already set, so a plain upsert
// covers both without coordination.
type Archive interface {
	Record(ctx context.Context, msg *bus.Message) error
	// History returns the most recent messages the agent sent or
	// received, oldest first within the page.
	History(ctx context.Context, agentID string, limit int) ([]bus.Message, error)
	Close() error
}
