package thread

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SaveMode is the cheapest persistence strategy applicable given what
// changed on a thread since it was created or last restored.
type SaveMode string

const (
	// SaveModeNone means nothing observably changed; skip the save.
	SaveModeNone SaveMode = "none"
	// SaveModeMerge means only queued operations (and possibly metadata)
	// exist and no state load ever occurred: a partial write suffices.
	SaveModeMerge SaveMode = "merge"
	// SaveModeFull means a load occurred and the state or metadata
	// differs from the restored snapshot: the complete materialized
	// envelope must be sent.
	SaveModeFull SaveMode = "full"
)

// MergePayload is the body of a merge-mode save: the pending operation
// log plus the thread's metadata when it was modified without a load.
type MergePayload struct {
	Operations []Operation    `json:"operations,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Thread is a durable, cross-request conversation context: a lazy state
// container plus a separately dirty-tracked metadata slot, identified by
// a caller-generated id that stays stable for the conversation's
// lifetime.
type Thread struct {
	id     string
	state  *Container
	logger *slog.Logger

	mu            sync.Mutex
	metadata      map[string]any
	metadataKnown bool
	metadataDirty bool
	lastUsed      time.Time
}

// NewThread creates a thread whose state is restored on first read via
// restore. If metadata is non-nil it is taken as the initial metadata
// snapshot, so reading metadata will not force a network round trip; pass
// nil when no snapshot is known.
func NewThread(id string, restore RestoreFunc, metadata map[string]any, logger *slog.Logger) *Thread {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Thread{
		id:       id,
		logger:   logger,
		lastUsed: time.Now(),
	}
	if metadata != nil {
		t.metadata = deepCopyMap(metadata)
		t.metadataKnown = true
	}
	// The container's restore also captures the metadata side of the
	// envelope, so one round trip serves both.
	t.state = NewContainer(func(ctx context.Context) (*Envelope, error) {
		env, err := restore(ctx)
		if err != nil {
			return nil, err
		}
		t.mu.Lock()
		if !t.metadataKnown {
			merged := deepCopyMap(env.Metadata)
			// Metadata set before the load wins over the restored values.
			for k, v := range t.metadata {
				merged[k] = v
			}
			t.metadata = merged
			t.metadataKnown = true
		}
		t.mu.Unlock()
		return env, nil
	}, logger)
	return t
}

// ID returns the thread identifier.
func (t *Thread) ID() string { return t.id }

// State returns the thread's lazy state container.
func (t *Thread) State() *Container { return t.state }

// Metadata returns a copy of the metadata map. It triggers a restore only
// when no initial snapshot was supplied at construction and no load has
// happened yet.
func (t *Thread) Metadata(ctx context.Context) (map[string]any, error) {
	t.mu.Lock()
	known := t.metadataKnown
	t.mu.Unlock()
	if !known {
		if err := t.state.load(ctx); err != nil {
			return nil, err
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return deepCopyMap(t.metadata), nil
}

// SetMetadata merges patch into the metadata slot. It never requires or
// triggers a state load.
func (t *Thread) SetMetadata(patch map[string]any) {
	if len(patch) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.metadata == nil {
		t.metadata = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		t.metadata[k] = v
	}
	t.metadataDirty = true
}

// SaveMode reports the cheapest way to persist this thread right now.
// It never triggers a load.
func (t *Thread) SaveMode() SaveMode {
	t.mu.Lock()
	metaDirty := t.metadataDirty
	t.mu.Unlock()

	if t.state.Loaded() {
		if t.state.Dirty() || metaDirty {
			return SaveModeFull
		}
		return SaveModeNone
	}
	if len(t.state.PendingOperations()) > 0 || metaDirty {
		return SaveModeMerge
	}
	return SaveModeNone
}

// PendingOperations exposes the raw queued-mutation log for a merge-mode
// save. Empty unless writes were issued before any load.
func (t *Thread) PendingOperations() []Operation {
	return t.state.PendingOperations()
}

// MergePayload builds the body of a merge-mode save.
func (t *Thread) MergePayload() MergePayload {
	p := MergePayload{Operations: t.state.PendingOperations()}
	t.mu.Lock()
	if t.metadataDirty {
		p.Metadata = deepCopyMap(t.metadata)
	}
	t.mu.Unlock()
	return p
}

// Serialize triggers a load if necessary and returns the full
// {state, metadata} envelope for a full-mode save.
func (t *Thread) Serialize(ctx context.Context) ([]byte, error) {
	env, err := t.Envelope(ctx)
	if err != nil {
		return nil, err
	}
	return env.Encode()
}

// Envelope returns the materialized envelope, loading state if necessary.
func (t *Thread) Envelope(ctx context.Context) (*Envelope, error) {
	state, err := t.state.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	meta := deepCopyMap(t.metadata)
	t.mu.Unlock()
	return &Envelope{State: state, Metadata: meta}, nil
}

// Empty reports whether both state and metadata are empty once loaded,
// used to decide whether the thread is worth persisting at all.
func (t *Thread) Empty(ctx context.Context) (bool, error) {
	size, err := t.state.Size(ctx)
	if err != nil {
		return false, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return size == 0 && len(t.metadata) == 0, nil
}

// Touch records activity for idle expiry.
func (t *Thread) Touch() {
	t.mu.Lock()
	t.lastUsed = time.Now()
	t.mu.Unlock()
}

// LastUsed returns the time of the most recent Touch.
func (t *Thread) LastUsed() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastUsed
}
