package thread

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/threadkit/threadkit/pkg/wire"
)

// Persistence is the transport the provider persists threads through.
// The duplex client implements it; a disk-backed store can stand in when
// no remote store is reachable.
type Persistence interface {
	// Restore fetches the serialized envelope for a thread. found is
	// false when the thread does not exist; that is not an error.
	Restore(ctx context.Context, threadID string) (data []byte, found bool, err error)
	// Save persists a payload under the given mode.
	Save(ctx context.Context, threadID string, mode wire.SaveMode, payload []byte) error
	// Delete removes a thread from the store.
	Delete(ctx context.Context, threadID string) error
}

// ProviderConfig tunes the thread registry.
type ProviderConfig struct {
	// IdleTTL is how long an untouched thread stays in the registry.
	// Defaults to one hour.
	IdleTTL time.Duration
	// SweepInterval is how often expired threads are evicted. Defaults
	// to one minute.
	SweepInterval time.Duration
	Logger        *slog.Logger
}

// Provider owns the live threads of one process: it hands out a Thread
// per conversation id, persists them with the cheapest applicable save
// mode, and evicts threads that have been idle past their TTL.
type Provider struct {
	persistence Persistence
	idleTTL     time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	threads map[string]*Thread

	done      chan struct{}
	closeOnce sync.Once
}

// NewProvider creates a provider over p and starts the idle sweep.
func NewProvider(p Persistence, cfg ProviderConfig) *Provider {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	pr := &Provider{
		persistence: p,
		idleTTL:     cfg.IdleTTL,
		logger:      cfg.Logger,
		threads:     make(map[string]*Thread),
		done:        make(chan struct{}),
	}
	go pr.sweepLoop(cfg.SweepInterval)
	return pr
}

// Restore returns the live thread for threadID, creating it on first
// reference. Creation is cheap: no network call happens until the
// thread's state or metadata is actually read.
func (pr *Provider) Restore(ctx context.Context, threadID string) (*Thread, error) {
	if threadID == "" {
		return nil, fmt.Errorf("restore: empty thread id")
	}
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if t, ok := pr.threads[threadID]; ok {
		t.Touch()
		return t, nil
	}
	t := NewThread(threadID, pr.restoreFunc(threadID), nil, pr.logger)
	pr.threads[threadID] = t
	return t, nil
}

// restoreFunc adapts the persistence transport into the thread's restore
// function.
func (pr *Provider) restoreFunc(threadID string) RestoreFunc {
	return func(ctx context.Context) (*Envelope, error) {
		data, found, err := pr.persistence.Restore(ctx, threadID)
		if err != nil {
			return nil, err
		}
		if !found {
			return &Envelope{}, nil
		}
		return ParseEnvelope(data)
	}
}

// Save persists t using the cheapest applicable mode. A thread with
// nothing to save is a no-op.
func (pr *Provider) Save(ctx context.Context, t *Thread) error {
	t.Touch()
	switch mode := t.SaveMode(); mode {
	case SaveModeNone:
		return nil
	case SaveModeMerge:
		payload, err := json.Marshal(t.MergePayload())
		if err != nil {
			return fmt.Errorf("save thread %s: %w", t.ID(), err)
		}
		if err := pr.persistence.Save(ctx, t.ID(), wire.SaveModeMerge, payload); err != nil {
			return fmt.Errorf("save thread %s: %w", t.ID(), err)
		}
		return nil
	case SaveModeFull:
		payload, err := t.Serialize(ctx)
		if err != nil {
			return fmt.Errorf("save thread %s: %w", t.ID(), err)
		}
		if err := pr.persistence.Save(ctx, t.ID(), wire.SaveModeFull, payload); err != nil {
			return fmt.Errorf("save thread %s: %w", t.ID(), err)
		}
		return nil
	default:
		return fmt.Errorf("save thread %s: unknown save mode %q", t.ID(), mode)
	}
}

// Destroy deletes t from the store and drops it from the registry.
func (pr *Provider) Destroy(ctx context.Context, t *Thread) error {
	pr.mu.Lock()
	delete(pr.threads, t.ID())
	pr.mu.Unlock()
	if err := pr.persistence.Delete(ctx, t.ID()); err != nil {
		return fmt.Errorf("destroy thread %s: %w", t.ID(), err)
	}
	return nil
}

// Len returns the number of live threads.
func (pr *Provider) Len() int {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return len(pr.threads)
}

// Close stops the idle sweep. It does not save anything; saving is the
// caller's policy.
func (pr *Provider) Close() {
	pr.closeOnce.Do(func() { close(pr.done) })
}

func (pr *Provider) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-pr.done:
			return
		case <-ticker.C:
			pr.sweep(time.Now())
		}
	}
}

// sweep evicts threads idle past the TTL. Exclusive thread ownership is
// the provider's: once evicted, the next Restore builds a fresh lazy
// thread that reloads from the store.
func (pr *Provider) sweep(now time.Time) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	for id, t := range pr.threads {
		if now.Sub(t.LastUsed()) > pr.idleTTL {
			delete(pr.threads, id)
			pr.logger.Debug("evicted idle thread", "thread_id", id)
		}
	}
}
