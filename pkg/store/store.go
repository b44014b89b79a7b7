// Package store defines the server-side storage contract for serialized
// thread envelopes.
package store

import (
	"context"
	"time"
)

// ThreadInfo is summary metadata for a stored thread.
type ThreadInfo struct {
	ID        string
	Size      int64
	UpdatedAt time.Time
}

// ThreadStore persists serialized thread envelopes keyed by thread ID.
type ThreadStore interface {
	// Load returns the stored envelope for a thread. A missing thread is
	// reported via found, not an error.
	Load(ctx context.Context, threadID string) (data []byte, found bool, err error)

	// Save writes (or overwrites) the envelope for a thread.
	Save(ctx context.Context, threadID string, data []byte) error

	// Delete removes a thread. Deleting a missing thread is not an error.
	Delete(ctx context.Context, threadID string) error

	// List returns metadata for every stored thread.
	List(ctx context.Context) ([]ThreadInfo, error)

	// Close releases underlying resources.
	Close() error
}
