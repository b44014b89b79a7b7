package thread

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
)

// RestoreFunc fetches a thread's initial state and metadata from durable
// storage. It must be idempotent and safely retryable: the container calls
// it again from scratch after a failed attempt.
type RestoreFunc func(ctx context.Context) (*Envelope, error)

type containerPhase int

const (
	phaseIdle containerPhase = iota
	phasePendingWrites
	phaseLoaded
)

// Container is a per-thread key/value store that defers calling its
// restore function until the first read. Mutations issued before that
// point are recorded in an ordered pending-operation log and replayed
// against the restored snapshot, so a read never observes state that is
// missing writes already issued on the same container.
//
// Concurrent readers share a single outstanding restore attempt. A failed
// restore keeps the pending log intact and does not poison the container;
// the next read retries.
type Container struct {
	restore RestoreFunc
	logger  *slog.Logger

	mu       sync.Mutex
	phase    containerPhase
	pending  []Operation
	data     map[string]any
	baseline map[string]any
	inflight *loadAttempt
}

// loadAttempt is the shared handle for one restore call. err is written
// before done closes and read only after done is closed.
type loadAttempt struct {
	done chan struct{}
	err  error
}

// NewContainer creates an idle container around restore.
func NewContainer(restore RestoreFunc, logger *slog.Logger) *Container {
	if logger == nil {
		logger = slog.Default()
	}
	return &Container{restore: restore, logger: logger}
}

// load materializes the container, sharing one restore call among
// concurrent readers. Returns nil immediately once loaded.
func (c *Container) load(ctx context.Context) error {
	c.mu.Lock()
	if c.phase == phaseLoaded {
		c.mu.Unlock()
		return nil
	}
	if a := c.inflight; a != nil {
		c.mu.Unlock()
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	attempt := &loadAttempt{done: make(chan struct{})}
	c.inflight = attempt
	c.mu.Unlock()

	env, err := c.restore(ctx)

	c.mu.Lock()
	c.inflight = nil
	if err != nil {
		// Pending operations stay queued for the next attempt.
		c.mu.Unlock()
		attempt.err = fmt.Errorf("restore: %w", err)
		close(attempt.done)
		return attempt.err
	}

	data := make(map[string]any, len(env.State))
	for k, v := range env.State {
		data[k] = v
	}
	// Dirty is measured against the restored snapshot, so replayed queued
	// writes count as modifications.
	baseline := deepCopyMap(data)
	ReplayOperations(data, c.pending, c.logger)
	c.pending = nil
	c.data = data
	c.baseline = baseline
	c.phase = phaseLoaded
	c.mu.Unlock()
	close(attempt.done)
	return nil
}

// Get returns the value for key, triggering a restore on first use.
func (c *Container) Get(ctx context.Context, key string) (any, bool, error) {
	if err := c.load(ctx); err != nil {
		return nil, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

// Has reports whether key exists.
func (c *Container) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := c.Get(ctx, key)
	return ok, err
}

// Size returns the number of keys.
func (c *Container) Size(ctx context.Context) (int, error) {
	if err := c.load(ctx); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data), nil
}

// Keys returns all keys in sorted order.
func (c *Container) Keys(ctx context.Context) ([]string, error) {
	if err := c.load(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.data))
	for k := range c.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Values returns all values, ordered by their sorted keys.
func (c *Container) Values(ctx context.Context) ([]any, error) {
	keys, err := c.Keys(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	values := make([]any, len(keys))
	for i, k := range keys {
		values[i] = c.data[k]
	}
	return values, nil
}

// Entry is one key/value pair of the materialized state.
type Entry struct {
	Key   string
	Value any
}

// Entries returns all pairs, ordered by key.
func (c *Container) Entries(ctx context.Context) ([]Entry, error) {
	keys, err := c.Keys(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := make([]Entry, len(keys))
	for i, k := range keys {
		entries[i] = Entry{Key: k, Value: c.data[k]}
	}
	return entries, nil
}

// Snapshot returns a deep copy of the materialized state, triggering a
// restore if necessary.
func (c *Container) Snapshot(ctx context.Context) (map[string]any, error) {
	if err := c.load(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return deepCopyMap(c.data), nil
}

// Set writes key. Before load it is queued; after load it applies
// directly.
func (c *Container) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == phaseLoaded {
		c.data[key] = value
		return
	}
	c.pending = append(c.pending, Operation{Op: OpSet, Key: key, Value: value})
	c.phase = phasePendingWrites
}

// Delete removes key.
func (c *Container) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == phaseLoaded {
		delete(c.data, key)
		return
	}
	c.pending = append(c.pending, Operation{Op: OpDelete, Key: key})
	c.phase = phasePendingWrites
}

// Clear removes every key. While queued, a clear truncates the log to
// itself: nothing recorded before it can matter once it applies, but
// operations issued after it are preserved.
func (c *Container) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == phaseLoaded {
		c.data = make(map[string]any)
		return
	}
	c.pending = []Operation{{Op: OpClear}}
	c.phase = phasePendingWrites
}

// Push appends value to the list at key, creating the list if absent.
// maxRecords > 0 trims the list from the front after appending so only
// the most recent maxRecords elements remain.
//
// Pushing onto a loaded non-list value returns ErrNotAList. The same
// misuse queued before load is skipped at replay time instead, since this
// call already returned successfully.
func (c *Container) Push(key string, value any, maxRecords int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == phaseLoaded {
		return ApplyOperation(c.data, Operation{Op: OpPush, Key: key, Value: value, MaxRecords: maxRecords})
	}
	c.pending = append(c.pending, Operation{Op: OpPush, Key: key, Value: value, MaxRecords: maxRecords})
	c.phase = phasePendingWrites
	return nil
}

// Loaded reports whether a restore has completed.
func (c *Container) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase == phaseLoaded
}

// Dirty reports whether the materialized state differs from the restored
// snapshot, counting queued writes replayed at load time. Always false
// before load.
func (c *Container) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != phaseLoaded {
		return false
	}
	return !reflect.DeepEqual(c.data, c.baseline)
}

// PendingOperations returns a copy of the queued mutation log. Empty once
// loaded.
func (c *Container) PendingOperations() []Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	ops := make([]Operation, len(c.pending))
	copy(ops, c.pending)
	return ops
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = deepCopyValue(x)
		}
		return out
	default:
		return v
	}
}
