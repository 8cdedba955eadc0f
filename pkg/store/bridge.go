package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voicekit-dev/go-voicekit/internal/log"
)

const (
	defaultQueueSize   = 128
	defaultWriteBudget = 5 * time.Second
)

// Bridge runs Store writes on a background worker so the realtime
// event loop never blocks on storage. Writes are fire-and-forget;
// failures are logged and reported through the optional per-call
// completion hook, never to the caller's goroutine.
type Bridge struct {
	store  Store
	log    *slog.Logger
	budget time.Duration

	jobs chan job
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

type job struct {
	run func(ctx context.Context)

	// flush jobs carry only a signal channel.
	flushed chan struct{}
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithQueueSize bounds the pending write queue.
func WithQueueSize(n int) BridgeOption {
	return func(b *Bridge) {
		if n > 0 {
			b.jobs = make(chan job, n)
		}
	}
}

// WithWriteBudget bounds the time each store call may take.
func WithWriteBudget(d time.Duration) BridgeOption {
	return func(b *Bridge) {
		if d > 0 {
			b.budget = d
		}
	}
}

// WithBridgeLogger overrides the bridge's logger.
func WithBridgeLogger(logger *slog.Logger) BridgeOption {
	return func(b *Bridge) {
		b.log = logger
	}
}

// NewBridge starts the worker immediately.
func NewBridge(s Store, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		store:  s,
		log:    log.Component("store.bridge"),
		budget: defaultWriteBudget,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.jobs == nil {
		b.jobs = make(chan job, defaultQueueSize)
	}

	go b.worker()
	return b
}

func (b *Bridge) worker() {
	defer close(b.done)

	for j := range b.jobs {
		if j.flushed != nil {
			close(j.flushed)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), b.budget)
		j.run(ctx)
		cancel()
	}
}

// enqueue hands a job to the worker without blocking. A full queue or
// a closed bridge drops the write; losing a record beats stalling the
// event loop.
func (b *Bridge) enqueue(name string, j job) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		b.log.Warn("write after close dropped", "op", name)
		return
	}

	select {
	case b.jobs <- j:
	default:
		b.log.Warn("write queue full, dropping", "op", name)
	}
}

// CreateSession schedules the session insert.
func (b *Bridge) CreateSession(sess *Session) {
	cp := *sess
	b.enqueue("create_session", job{run: func(ctx context.Context) {
		if err := b.store.CreateSession(ctx, &cp); err != nil {
			b.log.Error("create session failed", "session_id", cp.ID, "error", err)
		}
	}})
}

// InsertTurn schedules the turn insert. The optional hook runs on the
// worker goroutine after the write completes, with the write's error.
func (b *Bridge) InsertTurn(t *Turn, then func(err error)) {
	cp := *t
	b.enqueue("insert_turn", job{run: func(ctx context.Context) {
		err := b.store.InsertTurn(ctx, &cp)
		if err != nil {
			b.log.Error("insert turn failed",
				"session_id", cp.SessionID, "idx", cp.Index, "error", err)
		}
		if then != nil {
			then(err)
		}
	}})
}

// UpdateSessionTotals schedules a totals update.
func (b *Bridge) UpdateSessionTotals(sessionID string, c Counters) {
	b.enqueue("update_totals", job{run: func(ctx context.Context) {
		if err := b.store.UpdateSessionTotals(ctx, sessionID, c); err != nil {
			b.log.Error("update session totals failed", "session_id", sessionID, "error", err)
		}
	}})
}

// CloseSession schedules the final status write.
func (b *Bridge) CloseSession(sessionID string, status Status, endedAt time.Time, durationMs int64) {
	b.enqueue("close_session", job{run: func(ctx context.Context) {
		if err := b.store.CloseSession(ctx, sessionID, status, endedAt, durationMs); err != nil {
			b.log.Error("close session failed", "session_id", sessionID, "error", err)
		}
	}})
}

// Flush blocks until every write enqueued before the call has
// completed, or ctx is done.
func (b *Bridge) Flush(ctx context.Context) error {
	flushed := make(chan struct{})

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil
		}
		select {
		case b.jobs <- job{flushed: flushed}:
			b.mu.Unlock()
		default:
			// Queue is full; wait for the worker to drain a little.
			b.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}
		break
	}

	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains pending writes and stops the worker. Safe to call more
// than once. The underlying Store is not closed.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.jobs)
	b.mu.Unlock()

	<-b.done
	return nil
}
