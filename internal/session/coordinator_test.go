package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fivegen/aquariuslocation/internal/acquisition"
	"github.com/fivegen/aquariuslocation/internal/eventlog"
	"github.com/fivegen/aquariuslocation/internal/logging"
	"github.com/fivegen/aquariuslocation/pkg/core"
)

type fakeSession struct {
	stops atomic.Int32
}

func (s *fakeSession) Stop() {
	s.stops.Add(1)
}

type started struct {
	cfg      acquisition.Configuration
	listener acquisition.Listener
	session  *fakeSession
}

type fakeLibrary struct {
	mu      sync.Mutex
	starts  []started
	err     error
	onStart func(acquisition.Listener)
}

func (l *fakeLibrary) Start(cfg acquisition.Configuration, listener acquisition.Listener) (acquisition.Session, error) {
	l.mu.Lock()
	if l.err != nil {
		l.mu.Unlock()
		return nil, l.err
	}
	s := &fakeSession{}
	l.starts = append(l.starts, started{cfg: cfg, listener: listener, session: s})
	hook := l.onStart
	l.mu.Unlock()

	if hook != nil {
		hook(listener)
	}
	return s, nil
}

func (l *fakeLibrary) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.starts)
}

func (l *fakeLibrary) at(i int) started {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.starts[i]
}

type fakeSettings struct {
	snap core.Settings
	err  error
}

func (s fakeSettings) Get(context.Context) (core.Settings, error) {
	return s.snap, s.err
}

type fakeHistory struct {
	mu    sync.Mutex
	fixes []core.Fix
}

func (h *fakeHistory) Append(f core.Fix) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fixes = append(h.fixes, f)
}

func (h *fakeHistory) Fixes() []core.Fix {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]core.Fix(nil), h.fixes...)
}

type fixture struct {
	lib     *fakeLibrary
	history *fakeHistory
	events  *eventlog.Log
	c       *Coordinator
}

func newFixture(t *testing.T, settings fakeSettings) *fixture {
	t.Helper()
	f := &fixture{
		lib:     &fakeLibrary{},
		history: &fakeHistory{},
		events:  eventlog.New(200, nil),
	}
	f.c = New(Dependencies{
		Library:  f.lib,
		Settings: settings,
		History:  f.history,
		Events:   f.events,
	})
	t.Cleanup(f.c.Close)
	return f
}

func (f *fixture) messages() []string {
	var out []string
	for _, e := range f.events.Entries() {
		out = append(out, e.Message)
	}
	return out
}

func (f *fixture) errors() []string {
	var out []string
	for _, e := range f.events.Entries() {
		if e.IsError {
			out = append(out, e.Message)
		}
	}
	return out
}

func TestBuildConfiguration(t *testing.T) {
	s := core.Settings{
		AcceptableTimePeriod:     1000,
		RequiredTimeInterval:     2000,
		RequiredDistanceInterval: 7,
		AcceptableAccuracy:       12.5,
		GPSWaitPeriod:            3000,
		NetworkWaitPeriod:        4000,
	}
	cfg := BuildConfiguration(s)

	assert.True(t, cfg.KeepTracking)
	require.NotNil(t, cfg.PlayServices)
	assert.True(t, cfg.PlayServices.FallbackToDefault)
	assert.False(t, cfg.PlayServices.IgnoreLastKnownLocation)

	dp := cfg.DefaultProviders
	require.NotNil(t, dp)
	assert.Equal(t, time.Second, dp.AcceptableTimePeriod)
	assert.Equal(t, 2*time.Second, dp.RequiredTimeInterval)
	assert.Equal(t, int64(7), dp.RequiredDistanceInterval)
	assert.Equal(t, float32(12.5), dp.AcceptableAccuracy)
	assert.Equal(t, 3*time.Second, dp.WaitPeriod(acquisition.ProviderGPS))
	assert.Equal(t, 4*time.Second, dp.WaitPeriod(acquisition.ProviderNetwork))
}

func TestStart_LogsConfigurationAndBecomesActiveOnFix(t *testing.T) {
	f := newFixture(t, fakeSettings{snap: core.DefaultSettings()})
	assert.Equal(t, StateIdle, f.c.State())

	require.NoError(t, f.c.Start(context.Background()))
	assert.Equal(t, StateConfiguring, f.c.State())
	assert.NotEmpty(t, f.c.SessionID())

	msgs := f.messages()
	assert.Contains(t, msgs, " acceptableTimePeriod: 5000")
	assert.Contains(t, msgs, " requiredDistanceInterval: 5")
	assert.Contains(t, msgs, " acceptableAccuracy: 10")
	assert.Contains(t, msgs, " networkWaitPeriod: 20000")

	l := f.lib.at(0).listener
	l.StatusChanged(acquisition.ProcessGPSProvider)
	l.ProviderEnabled("gps")
	l.PermissionGranted(true)
	fix := core.Fix{Latitude: 48.1173, Longitude: 11.516667, ObservedAt: time.Now(), Provider: "gps"}
	l.LocationChanged(fix)

	assert.Equal(t, StateActive, f.c.State())
	assert.Equal(t, []core.Fix{fix}, f.history.Fixes())
	assert.Equal(t, "querying-gps", f.c.Phase())
	msgs = f.messages()
	assert.Contains(t, msgs, "New location: 48.117300 11.516667")
	assert.Contains(t, msgs, "Status changed: querying-gps")
	assert.Contains(t, msgs, "Provider enabled: gps")
	assert.Empty(t, f.errors())

	st := f.c.Status()
	assert.Equal(t, uint64(1), st.Fixes)
	assert.Equal(t, fix.ObservedAt, st.LastFix)
}

func TestStart_TearsDownPreviousSession(t *testing.T) {
	f := newFixture(t, fakeSettings{snap: core.DefaultSettings()})
	require.NoError(t, f.c.Start(context.Background()))
	first := f.c.SessionID()
	require.NoError(t, f.c.Start(context.Background()))

	assert.Equal(t, 2, f.lib.count())
	assert.Equal(t, int32(1), f.lib.at(0).session.stops.Load())
	assert.Equal(t, int32(0), f.lib.at(1).session.stops.Load())
	assert.NotEqual(t, first, f.c.SessionID())

	f.lib.at(0).listener.LocationChanged(core.Fix{ObservedAt: time.Now()})
	assert.Empty(t, f.history.Fixes(), "stale session callbacks are discarded")
}

func TestTimeout_RestartsExactlyOnce(t *testing.T) {
	f := newFixture(t, fakeSettings{snap: core.DefaultSettings()})
	require.NoError(t, f.c.Start(context.Background()))

	l := f.lib.at(0).listener
	l.LocationFailed(acquisition.FailTimeout)
	l.LocationFailed(acquisition.FailTimeout)

	require.Eventually(t, func() bool { return f.lib.count() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, f.lib.count())
	assert.Equal(t, int32(1), f.lib.at(0).session.stops.Load())
	assert.Equal(t, StateConfiguring, f.c.State())
	assert.Equal(t, uint64(1), f.c.Status().Restarts)
	assert.Equal(t, []string{"Location failed: TIMEOUT"}, f.errors())
}

func TestTimeout_StopWinsOverRestart(t *testing.T) {
	f := newFixture(t, fakeSettings{snap: core.DefaultSettings()})
	require.NoError(t, f.c.Start(context.Background()))

	// Hold the lifecycle lock so the restart goroutine queues behind a stop.
	f.c.lifecycleMu.Lock()
	f.lib.at(0).listener.LocationFailed(acquisition.FailTimeout)
	f.c.stopLocked()
	f.c.lifecycleMu.Unlock()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.lib.count())
	assert.Equal(t, StateStopped, f.c.State())
}

func TestTerminalFailure_ReleasesSession(t *testing.T) {
	f := newFixture(t, fakeSettings{snap: core.DefaultSettings()})
	require.NoError(t, f.c.Start(context.Background()))

	f.lib.at(0).listener.LocationFailed(acquisition.FailPermissionDenied)

	assert.Equal(t, StateFailed, f.c.State())
	assert.Equal(t, acquisition.FailPermissionDenied, f.c.Status().Failure)
	assert.Eventually(t, func() bool { return f.lib.at(0).session.stops.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.lib.count())
	assert.Equal(t, []string{"Location failed: PERMISSION_DENIED"}, f.errors())

	require.NoError(t, f.c.Reset(context.Background()))
	assert.Equal(t, 2, f.lib.count())
	assert.Equal(t, StateConfiguring, f.c.State())
}

func TestTerminalFailureDuringStart(t *testing.T) {
	f := newFixture(t, fakeSettings{snap: core.DefaultSettings()})
	f.lib.onStart = func(l acquisition.Listener) {
		l.LocationFailed(acquisition.FailPlayServicesUnavailable)
	}

	require.NoError(t, f.c.Start(context.Background()))
	assert.Equal(t, StateFailed, f.c.State())
	assert.Eventually(t, func() bool { return f.lib.at(0).session.stops.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestStop_Idempotent(t *testing.T) {
	f := newFixture(t, fakeSettings{snap: core.DefaultSettings()})
	require.NoError(t, f.c.Start(context.Background()))
	l := f.lib.at(0).listener

	f.c.Stop()
	f.c.Stop()

	assert.Equal(t, StateStopped, f.c.State())
	assert.Equal(t, int32(1), f.lib.at(0).session.stops.Load())

	before := len(f.events.Entries())
	l.LocationChanged(core.Fix{ObservedAt: time.Now()})
	l.LocationFailed(acquisition.FailTimeout)
	l.StatusChanged(acquisition.ProcessNetworkProvider)

	assert.Empty(t, f.history.Fixes())
	assert.Len(t, f.events.Entries(), before)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.lib.count())
}

func TestEnsureStarted(t *testing.T) {
	f := newFixture(t, fakeSettings{snap: core.DefaultSettings()})

	require.NoError(t, f.c.EnsureStarted(context.Background()))
	require.NoError(t, f.c.EnsureStarted(context.Background()))
	assert.Equal(t, 1, f.lib.count())

	f.c.Stop()
	require.NoError(t, f.c.EnsureStarted(context.Background()))
	assert.Equal(t, 2, f.lib.count())
}

func TestStart_SettingsErrorUsesDefaults(t *testing.T) {
	f := newFixture(t, fakeSettings{snap: core.DefaultSettings(), err: errors.New("disk on fire")})

	require.NoError(t, f.c.Start(context.Background()))
	cfg := f.lib.at(0).cfg
	assert.Equal(t, 5*time.Second, cfg.DefaultProviders.AcceptableTimePeriod)
	require.Len(t, f.errors(), 1)
	assert.Contains(t, f.errors()[0], "disk on fire")
}

func TestStart_LibraryError(t *testing.T) {
	f := newFixture(t, fakeSettings{snap: core.DefaultSettings()})
	f.lib.err = acquisition.ErrNoProviders

	err := f.c.Start(context.Background())
	assert.ErrorIs(t, err, acquisition.ErrNoProviders)
	assert.Equal(t, StateFailed, f.c.State())
}

func TestClose_RejectsStart(t *testing.T) {
	f := newFixture(t, fakeSettings{snap: core.DefaultSettings()})
	require.NoError(t, f.c.Start(context.Background()))
	f.c.Close()

	assert.ErrorIs(t, f.c.Start(context.Background()), ErrClosed)
	assert.Equal(t, StateStopped, f.c.State())
}

func TestSubscribe_ReceivesStateChanges(t *testing.T) {
	f := newFixture(t, fakeSettings{snap: core.DefaultSettings()})
	sub := f.c.Subscribe()
	defer sub.Close()

	next := func() Status {
		select {
		case st := <-sub.C():
			return st
		case <-time.After(time.Second):
			t.Fatal("no status")
			return Status{}
		}
	}
	assert.Equal(t, StateIdle, next().State)

	require.NoError(t, f.c.Start(context.Background()))
	assert.Eventually(t, func() bool {
		select {
		case st := <-sub.C():
			return st.State == StateConfiguring
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "configuring", StateConfiguring.String())
	assert.True(t, StateActive.Running())
	assert.False(t, StateFailed.Running())
	assert.Equal(t, "unknown", State(42).String())
}

// Events mirrored to a logger that asks the coordinator for its session id
// must not block on the lock callbacks hold.
func TestStatusPayload(t *testing.T) {
	since := time.Unix(100, 0).UTC()
	failed := Status{State: StateFailed, Failure: acquisition.FailTimeout, Since: since, Fixes: 2, Restarts: 1}
	p := failed.Payload()
	assert.Equal(t, "failed", p.State)
	assert.Equal(t, "TIMEOUT", p.Failure)
	assert.Equal(t, since, p.Since)
	assert.Equal(t, uint64(2), p.Fixes)

	active := Status{State: StateActive, Failure: acquisition.FailTimeout, Phase: "gps-tracking", SessionID: "abc"}
	p = active.Payload()
	assert.Empty(t, p.Failure)
	assert.Equal(t, "gps-tracking", p.Phase)
	assert.Equal(t, "abc", p.SessionID)
}

func TestCallbacksLogWithSessionContext(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	f := &fixture{lib: &fakeLibrary{}, history: &fakeHistory{}}
	var c *Coordinator
	handler := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(logging.NewContextHandler(handler, func() []slog.Attr {
		mu.Lock()
		seen = append(seen, c.SessionID()+"/"+c.Phase())
		mu.Unlock()
		return nil
	}))
	f.events = eventlog.New(50, logger)
	c = New(Dependencies{Library: f.lib, Settings: fakeSettings{snap: core.DefaultSettings()}, History: f.history, Events: f.events})
	f.c = c
	t.Cleanup(c.Close)

	require.NoError(t, c.Start(context.Background()))
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.lib.at(0).listener.OnStatusChanged(acquisition.ProcessGPSProvider)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("status callback deadlocked")
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.Equal(t, c.SessionID()+"/"+acquisition.ProcessGPSProvider.String(), seen[len(seen)-1])
}
