// Package history keeps the ordered sequence of observed fixes. A single
// writer goroutine persists each fix, mirrors it to the sinks and then
// publishes the whole sequence to subscribers.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fivegen/aquariuslocation/internal/eventlog"
	"github.com/fivegen/aquariuslocation/internal/pubsub"
	"github.com/fivegen/aquariuslocation/internal/queue"
	"github.com/fivegen/aquariuslocation/internal/storage"
	"github.com/fivegen/aquariuslocation/pkg/core"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fivegen/aquariuslocation/internal/history"

// ErrClosed is returned by operations issued after Close.
var ErrClosed = errors.New("history closed")

// opTimeout bounds each backend or sink call made by the writer.
const opTimeout = 5 * time.Second

// Sink receives a best-effort copy of every stored fix.
type Sink interface {
	Name() string
	WriteFix(ctx context.Context, f core.Fix) error
	Clear(ctx context.Context) error
}

type op struct {
	fix   core.Fix
	clear bool
	done  chan error // nil for fire-and-forget appends
}

// History is the observable location history.
type History struct {
	backend storage.Backend
	events  *eventlog.Log
	logger  *slog.Logger
	sinks   []Sink

	hub *pubsub.Hub[[]core.Fix]

	mu    sync.RWMutex
	fixes []core.Fix

	pending *queue.Queue[op]
	signal  chan struct{}
	stop    chan struct{}
	stopped chan struct{}

	lifeMu  sync.Mutex
	running bool
	closed  bool

	persisted metric.Int64Counter
	failures  metric.Int64Counter
}

// New creates a history on top of backend. events receives persistence
// failures; logger mirrors them to the structured log.
func New(backend storage.Backend, events *eventlog.Log, logger *slog.Logger, sinks ...Sink) *History {
	if logger == nil {
		logger = slog.Default()
	}
	h := &History{
		backend: backend,
		events:  events,
		logger:  logger.With("component", "history"),
		sinks:   sinks,
		hub:     pubsub.NewHub[[]core.Fix](pubsub.Latest, 1),
		pending: queue.New[op](0),
		signal:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	h.initMetrics()
	return h
}

func (h *History) initMetrics() {
	m := otel.Meter(instrumentationName)
	var err error
	h.persisted, err = m.Int64Counter("history.fixes.persisted",
		metric.WithDescription("Fixes written to the storage backend"),
		metric.WithUnit("{fix}"))
	if err != nil {
		h.logger.Warn("failed to create metric", "name", "history.fixes.persisted", "error", err)
	}
	h.failures, err = m.Int64Counter("history.persist.errors",
		metric.WithDescription("Fixes the storage backend rejected"),
		metric.WithUnit("{fix}"))
	if err != nil {
		h.logger.Warn("failed to create metric", "name", "history.persist.errors", "error", err)
	}
}

// Open loads the stored history, ordered by observation time, and starts
// the writer. It must be called once before Append has any effect.
func (h *History) Open(ctx context.Context) error {
	h.lifeMu.Lock()
	defer h.lifeMu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if h.running {
		return nil
	}

	stored, err := h.backend.Fixes(ctx)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	h.hub.Update(func() ([]core.Fix, bool) {
		h.mu.Lock()
		h.fixes = stored
		h.mu.Unlock()
		return h.view(), true
	})

	h.running = true
	go h.run()
	h.logger.Info("History opened", "fixes", len(stored))
	return nil
}

// Append queues f for the writer and returns immediately.
func (h *History) Append(f core.Fix) {
	h.enqueue(op{fix: f})
}

// Clear deletes every stored fix and publishes the empty sequence. It
// waits for fixes appended earlier to be written first.
func (h *History) Clear(ctx context.Context) error {
	done := make(chan error, 1)
	if !h.enqueue(op{clear: true, done: done}) {
		return ErrClosed
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sync blocks until everything queued before the call has been processed.
func (h *History) Sync(ctx context.Context) error {
	done := make(chan error, 1)
	if !h.enqueue(op{done: done}) {
		return ErrClosed
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *History) enqueue(o op) bool {
	h.lifeMu.Lock()
	defer h.lifeMu.Unlock()
	if h.closed {
		return false
	}
	h.pending.Push(o)
	select {
	case h.signal <- struct{}{}:
	default:
	}
	return true
}

// Subscribe emits the current sequence, then the full sequence after each
// append or clear. A slow subscriber only ever sees the latest sequence.
func (h *History) Subscribe() *pubsub.Subscription[[]core.Fix] {
	return h.hub.Subscribe(func() [][]core.Fix {
		return [][]core.Fix{h.view()}
	})
}

// Snapshot returns the current sequence. Callers must not modify it.
func (h *History) Snapshot() []core.Fix {
	return h.view()
}

// Len returns the number of fixes held in memory.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.fixes)
}

// Last returns the most recent fix, if any.
func (h *History) Last() (core.Fix, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.fixes) == 0 {
		return core.Fix{}, false
	}
	return h.fixes[len(h.fixes)-1], true
}

// Pending returns the number of queued writer operations.
func (h *History) Pending() int {
	return h.pending.Len()
}

// Close drains the queue, stops the writer and ends all subscriptions.
// The backend is not closed.
func (h *History) Close() {
	h.lifeMu.Lock()
	if h.closed {
		h.lifeMu.Unlock()
		return
	}
	h.closed = true
	running := h.running
	close(h.stop)
	h.lifeMu.Unlock()

	if running {
		<-h.stopped
	} else {
		for !h.pending.Empty() {
			if o := h.pending.Pop(); o.done != nil {
				o.done <- ErrClosed
			}
		}
	}
	h.hub.Close()
}

// view shares the backing array with the writer; the capacity is clipped
// so later appends never show through.
func (h *History) view() []core.Fix {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := len(h.fixes)
	return h.fixes[:n:n]
}

func (h *History) run() {
	defer close(h.stopped)
	for {
		select {
		case <-h.signal:
			h.drain()
		case <-h.stop:
			h.drain()
			return
		}
	}
}

func (h *History) drain() {
	for !h.pending.Empty() {
		o := h.pending.Pop()
		switch {
		case o.clear:
			err := h.clear()
			o.done <- err
		case o.done != nil:
			o.done <- nil
		default:
			h.store(o.fix)
		}
	}
}

func (h *History) store(f core.Fix) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := h.backend.InsertFix(ctx, f); err != nil {
		if h.failures != nil {
			h.failures.Add(ctx, 1)
		}
		h.logger.Error("Failed to persist fix", "observedAt", f.ObservedAt, "error", err)
		if h.events != nil {
			h.events.Append(fmt.Sprintf("History write failed: %v", err), true)
		}
	} else if h.persisted != nil {
		h.persisted.Add(ctx, 1)
	}

	for _, s := range h.sinks {
		if err := s.WriteFix(ctx, f); err != nil {
			h.logger.Warn("Sink write failed", "sink", s.Name(), "error", err)
		}
	}

	h.hub.Update(func() ([]core.Fix, bool) {
		h.mu.Lock()
		h.fixes = append(h.fixes, f)
		h.mu.Unlock()
		return h.view(), true
	})
}

func (h *History) clear() error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := h.backend.DeleteFixes(ctx); err != nil {
		h.logger.Error("Failed to clear history", "error", err)
		return fmt.Errorf("clear history: %w", err)
	}
	for _, s := range h.sinks {
		if err := s.Clear(ctx); err != nil {
			h.logger.Warn("Sink clear failed", "sink", s.Name(), "error", err)
		}
	}

	h.hub.Update(func() ([]core.Fix, bool) {
		h.mu.Lock()
		h.fixes = nil
		h.mu.Unlock()
		return h.view(), true
	})
	return nil
}
