// Package eventstore persists conversation event logs. The engine hands the
// whole log to the store after every batch; Load replays it on
// initialization. Two implementations: an in-memory store for tests and
// embedded hosts, and a SQLite store for durable single-node deployments.
package eventstore

import (
	"context"

	"github.com/convoyai/convoy/pkg/models"
)

// Store persists per-conversation event logs.
type Store interface {
	// Save replaces the stored log for a conversation. The engine calls
	// this with the full log after every batch, including failure paths.
	Save(ctx context.Context, conversationID string, events []models.Event) error

	// Load returns the stored log in index order. A conversation that was
	// never saved loads as an empty log.
	Load(ctx context.Context, conversationID string) ([]models.Event, error)

	// Conversations lists every stored conversation id.
	Conversations(ctx context.Context) ([]string, error)

	// Close releases the store.
	Close() error
}
