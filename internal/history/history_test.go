package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fivegen/aquariuslocation/internal/config"
	"github.com/fivegen/aquariuslocation/internal/eventlog"
	"github.com/fivegen/aquariuslocation/internal/storage"
	"github.com/fivegen/aquariuslocation/internal/storage/memory"
	"github.com/fivegen/aquariuslocation/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixAt(sec int64) core.Fix {
	return core.Fix{Latitude: float64(sec), Longitude: float64(sec) / 2, ObservedAt: time.Unix(sec, 0).UTC()}
}

func openHistory(t *testing.T, backend storage.Backend, sinks ...Sink) (*History, *eventlog.Log) {
	t.Helper()
	events := eventlog.New(100, nil)
	h := New(backend, events, nil, sinks...)
	require.NoError(t, h.Open(context.Background()))
	t.Cleanup(h.Close)
	return h, events
}

// waitFor reads until an emission of length n arrives.
func waitFor(t *testing.T, ch <-chan []core.Fix, n int) []core.Fix {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case got, ok := <-ch:
			require.True(t, ok, "subscription closed early")
			if len(got) == n {
				return got
			}
		case <-timeout:
			t.Fatalf("no emission with %d fixes", n)
		}
	}
}

func TestSubscribe_FinalEmissionIsFullSequence(t *testing.T) {
	h, _ := openHistory(t, memory.New(config.MemoryConfig{}))
	early := h.Subscribe()
	defer early.Close()

	f1, f2, f3 := fixAt(1), fixAt(2), fixAt(3)
	h.Append(f1)
	mid := h.Subscribe()
	defer mid.Close()
	h.Append(f2)
	h.Append(f3)
	require.NoError(t, h.Sync(context.Background()))
	late := h.Subscribe()
	defer late.Close()

	want := []core.Fix{f1, f2, f3}
	for _, sub := range [](<-chan []core.Fix){early.C(), mid.C(), late.C()} {
		assert.Equal(t, want, waitFor(t, sub, 3))
	}
}

func TestSubscribe_EmissionsNeverReorder(t *testing.T) {
	h, _ := openHistory(t, memory.New(config.MemoryConfig{}))
	sub := h.Subscribe()
	defer sub.Close()

	const n = 200
	go func() {
		for i := int64(1); i <= n; i++ {
			h.Append(fixAt(i))
		}
	}()

	prev := 0
	timeout := time.After(5 * time.Second)
	for prev < n {
		select {
		case snap := <-sub.C():
			require.GreaterOrEqual(t, len(snap), prev)
			for i, f := range snap {
				require.Equal(t, float64(i+1), f.Latitude)
			}
			prev = len(snap)
		case <-timeout:
			t.Fatalf("stalled at %d fixes", prev)
		}
	}
}

func TestAppend_KeepsDuplicatesAndArrivalOrder(t *testing.T) {
	h, events := openHistory(t, memory.New(config.MemoryConfig{}))

	h.Append(fixAt(5))
	h.Append(fixAt(1))
	h.Append(fixAt(5))
	require.NoError(t, h.Sync(context.Background()))

	assert.Equal(t, []core.Fix{fixAt(5), fixAt(1), fixAt(5)}, h.Snapshot())

	// the duplicate key is rejected by the backend and reported
	entries := events.Entries()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].IsError)
	assert.Contains(t, entries[0].Message, "History write failed")
}

func TestOpen_ReloadsStoredFixesOrdered(t *testing.T) {
	backend := memory.New(config.MemoryConfig{})
	ctx := context.Background()
	require.NoError(t, backend.InsertFix(ctx, fixAt(20)))
	require.NoError(t, backend.InsertFix(ctx, fixAt(10)))

	h, _ := openHistory(t, backend)
	assert.Equal(t, []core.Fix{fixAt(10), fixAt(20)}, h.Snapshot())

	last, ok := h.Last()
	require.True(t, ok)
	assert.Equal(t, fixAt(20), last)

	// Open twice is a no-op
	require.NoError(t, h.Open(ctx))
	assert.Equal(t, 2, h.Len())
}

func TestClear(t *testing.T) {
	h, _ := openHistory(t, memory.New(config.MemoryConfig{}))
	sub := h.Subscribe()
	defer sub.Close()

	h.Append(fixAt(1))
	h.Append(fixAt(2))
	require.NoError(t, h.Clear(context.Background()))

	assert.Empty(t, h.Snapshot())
	_, ok := h.Last()
	assert.False(t, ok)

	stored, err := h.backend.Fixes(context.Background())
	require.NoError(t, err)
	assert.Empty(t, stored)

	h.Append(fixAt(3))
	assert.Equal(t, []core.Fix{fixAt(3)}, waitFor(t, sub.C(), 1))
}

type recordingSink struct {
	mu      sync.Mutex
	fixes   []core.Fix
	clears  int
	failFix error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) WriteFix(_ context.Context, f core.Fix) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fixes = append(s.fixes, f)
	return s.failFix
}

func (s *recordingSink) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
	return nil
}

func TestSinks_MirrorEveryFix(t *testing.T) {
	good := &recordingSink{}
	bad := &recordingSink{failFix: errors.New("unreachable")}
	h, events := openHistory(t, memory.New(config.MemoryConfig{}), good, bad)

	h.Append(fixAt(1))
	h.Append(fixAt(2))
	require.NoError(t, h.Clear(context.Background()))

	assert.Len(t, good.fixes, 2)
	assert.Len(t, bad.fixes, 2)
	assert.Equal(t, 1, good.clears)
	// sink failures stay out of the event log
	assert.Zero(t, events.Len())
}

type failingBackend struct {
	*memory.Backend
}

func (failingBackend) InsertFix(context.Context, core.Fix) error {
	return errors.New("disk full")
}

func TestPersistFailure_StillPublished(t *testing.T) {
	h, events := openHistory(t, failingBackend{memory.New(config.MemoryConfig{})})

	h.Append(fixAt(1))
	require.NoError(t, h.Sync(context.Background()))

	assert.Equal(t, []core.Fix{fixAt(1)}, h.Snapshot())
	require.Equal(t, 1, events.Len())
	assert.Contains(t, events.Entries()[0].Message, "disk full")
}

func TestClose(t *testing.T) {
	h := New(memory.New(config.MemoryConfig{}), nil, nil)
	require.NoError(t, h.Open(context.Background()))
	sub := h.Subscribe()

	h.Append(fixAt(1))
	h.Close()
	h.Close()

	assert.Equal(t, 1, h.Len(), "queued fixes are drained on close")

	for range sub.C() {
	}
	assert.ErrorIs(t, h.Sync(context.Background()), ErrClosed)
	assert.ErrorIs(t, h.Clear(context.Background()), ErrClosed)
	assert.ErrorIs(t, h.Open(context.Background()), ErrClosed)
	h.Append(fixAt(2))
	assert.Equal(t, 1, h.Len())
}

func TestClose_NeverOpened(t *testing.T) {
	h := New(memory.New(config.MemoryConfig{}), nil, nil)
	done := make(chan error, 1)
	go func() { done <- h.Sync(context.Background()) }()

	assert.Eventually(t, func() bool { return h.Pending() == 1 }, time.Second, 5*time.Millisecond)
	h.Close()
	assert.ErrorIs(t, <-done, ErrClosed)
}
