// Package pubsub is a small publish-subscribe registry used by the event log and
// the location history. Publishing never blocks: every subscriber owns a pending
// queue that is drained by its own goroutine.
package pubsub

import (
	"sync"
	"sync/atomic"

	"github.com/fivegen/aquariuslocation/internal/queue"
)

// Mode selects how a subscriber's pending queue behaves when it falls behind.
type Mode int

const (
	// Backlog keeps up to Limit pending items and drops the oldest on overflow.
	Backlog Mode = iota
	// Latest keeps only the most recent item. Used for whole-snapshot streams.
	Latest
)

// Hub is a registry of subscribers for values of type T.
// Producer state that must stay consistent with replay is mutated inside Update,
// which runs under the same lock as Subscribe.
type Hub[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription[T]
	nextID uint64
	mode   Mode
	limit  int
	closed bool
}

// NewHub creates a hub. limit bounds each subscriber's pending queue in Backlog mode.
func NewHub[T any](mode Mode, limit int) *Hub[T] {
	return &Hub[T]{
		subs:  make(map[uint64]*Subscription[T]),
		mode:  mode,
		limit: limit,
	}
}

// Update runs fn under the hub lock and publishes its result when ok is true.
func (h *Hub[T]) Update(fn func() (v T, ok bool)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := fn()
	if !ok || h.closed {
		return
	}
	for _, s := range h.subs {
		s.enqueue(v)
	}
}

// Publish delivers v to every current subscriber.
func (h *Hub[T]) Publish(v T) {
	h.Update(func() (T, bool) { return v, true })
}

// Subscribe registers a new subscriber. seed is called under the hub lock and its
// result is queued ahead of anything published afterwards.
func (h *Hub[T]) Subscribe(seed func() []T) *Subscription[T] {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	limit := h.limit
	if h.mode == Latest {
		limit = 1
	}
	s := &Subscription[T]{
		id:      h.nextID,
		hub:     h,
		mode:    h.mode,
		pending: queue.New[T](limit),
		signal:  make(chan struct{}, 1),
		out:     make(chan T),
		done:    make(chan struct{}),
	}
	if seed != nil {
		for _, v := range seed() {
			s.enqueue(v)
		}
	}
	if h.closed {
		s.closeLocked()
	} else {
		h.subs[s.id] = s
	}
	go s.pump()
	return s
}

// Len returns the number of active subscribers.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close detaches every subscriber and closes their channels.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subs {
		delete(h.subs, id)
		s.closeLocked()
	}
}

func (h *Hub[T]) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

// Subscription is one consumer of a Hub.
type Subscription[T any] struct {
	id      uint64
	hub     *Hub[T]
	mode    Mode
	pending *queue.Queue[T]
	signal  chan struct{}
	out     chan T
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

// C returns the delivery channel. It is closed after Close or when the hub closes.
func (s *Subscription[T]) C() <-chan T {
	return s.out
}

// Dropped returns how many values this subscriber lost because it fell behind.
func (s *Subscription[T]) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription[T]) Close() {
	s.hub.remove(s.id)
	s.closeLocked()
}

func (s *Subscription[T]) closeLocked() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscription[T]) enqueue(v T) {
	var dropped int
	if s.mode == Latest {
		dropped = s.pending.Replace(v)
	} else {
		dropped = s.pending.Push(v)
	}
	if dropped > 0 {
		s.dropped.Add(uint64(dropped))
	}
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription[T]) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}
		for {
			v, ok := s.next()
			if !ok {
				break
			}
			select {
			case s.out <- v:
			case <-s.done:
				return
			}
		}
	}
}

func (s *Subscription[T]) next() (T, bool) {
	if s.pending.Empty() {
		var zero T
		return zero, false
	}
	return s.pending.Pop(), true
}
