// Package session owns the single acquisition session of the process: it
// builds the configuration from stored settings, starts and tears down the
// library session, and republishes callbacks to the event log and history.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/fivegen/aquariuslocation/internal/acquisition"
	"github.com/fivegen/aquariuslocation/internal/eventlog"
	"github.com/fivegen/aquariuslocation/internal/pubsub"
	"github.com/fivegen/aquariuslocation/pkg/core"
)

const instrumentationName = "github.com/fivegen/aquariuslocation/internal/session"

// ErrClosed is returned by lifecycle calls after Close.
var ErrClosed = errors.New("coordinator closed")

// SettingsSource supplies the snapshot a session is configured from.
type SettingsSource interface {
	Get(ctx context.Context) (core.Settings, error)
}

// FixSink receives every reported fix. Append must not block.
type FixSink interface {
	Append(f core.Fix)
}

// Dependencies holds the collaborators of a Coordinator.
type Dependencies struct {
	Library  acquisition.Library
	Settings SettingsSource
	History  FixSink
	Events   *eventlog.Log
	Logger   *slog.Logger
}

// Coordinator enforces one acquisition session at a time.
//
// lifecycleMu serializes Start, Stop and restarts. mu guards the session
// handle and generation; callbacks hold it while they run so a teardown
// either waits for an in-flight callback or makes it a no-op.
type Coordinator struct {
	lib      acquisition.Library
	settings SettingsSource
	history  FixSink
	events   *eventlog.Log
	logger   *slog.Logger
	now      func() time.Time

	lifecycleMu sync.Mutex

	mu         sync.Mutex
	session    acquisition.Session
	generation uint64
	status     Status
	closed     bool

	background sync.WaitGroup

	hub       *pubsub.Hub[Status]
	published Status // guarded by the hub lock

	// Readable without mu: log handlers query it while callbacks hold mu.
	label atomic.Pointer[sessionLabel]

	fixCounter     metric.Int64Counter
	failureCounter metric.Int64Counter
	restartCounter metric.Int64Counter
}

// New creates an idle coordinator. Nothing starts until Start or EnsureStarted.
func New(deps Dependencies) *Coordinator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		lib:      deps.Library,
		settings: deps.Settings,
		history:  deps.History,
		events:   deps.Events,
		logger:   logger.With("component", "session"),
		now:      time.Now,
		hub:      pubsub.NewHub[Status](pubsub.Latest, 1),
	}
	c.status = Status{State: StateIdle, Since: c.now()}
	c.published = c.status
	c.label.Store(&sessionLabel{})
	c.initMetrics()
	return c
}

func (c *Coordinator) initMetrics() {
	m := otel.Meter(instrumentationName)
	var err error
	c.fixCounter, err = m.Int64Counter("session.fixes",
		metric.WithDescription("Fixes reported by the acquisition library"),
		metric.WithUnit("{fix}"))
	if err != nil {
		c.logger.Warn("failed to create metric", "name", "session.fixes", "error", err)
	}
	c.failureCounter, err = m.Int64Counter("session.failures",
		metric.WithDescription("Acquisition failures by kind"),
		metric.WithUnit("{failure}"))
	if err != nil {
		c.logger.Warn("failed to create metric", "name", "session.failures", "error", err)
	}
	c.restartCounter, err = m.Int64Counter("session.restarts",
		metric.WithDescription("Automatic restarts after a timeout"),
		metric.WithUnit("{restart}"))
	if err != nil {
		c.logger.Warn("failed to create metric", "name", "session.restarts", "error", err)
	}
}

// Start tears down any current session, then starts a new one from the
// stored settings.
func (c *Coordinator) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	return c.startLocked(ctx)
}

// Reset is Stop followed by Start; new settings take effect immediately.
func (c *Coordinator) Reset(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	c.teardown()
	return c.startLocked(ctx)
}

// EnsureStarted starts a session unless one is configuring or active.
func (c *Coordinator) EnsureStarted(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if c.State().Running() {
		return nil
	}
	return c.startLocked(ctx)
}

// Stop tears down the current session synchronously. No callback of that
// session has any effect once Stop returns. Stopping twice is harmless.
func (c *Coordinator) Stop() {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	c.stopLocked()
}

func (c *Coordinator) stopLocked() {
	c.teardown()
	c.mu.Lock()
	c.setStateLocked(StateStopped)
	c.mu.Unlock()
}

// Close stops the session, waits for background releases and restarts,
// and ends every status subscription.
func (c *Coordinator) Close() {
	c.lifecycleMu.Lock()
	c.stopLocked()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.lifecycleMu.Unlock()

	c.background.Wait()
	c.hub.Close()
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status.State
}

// Status returns a copy of the current status.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

type sessionLabel struct {
	sessionID string
	phase     string
}

// SessionID identifies the current session for log correlation.
// It never blocks on the coordinator lock.
func (c *Coordinator) SessionID() string {
	return c.label.Load().sessionID
}

// Phase is the last phase the library reported.
func (c *Coordinator) Phase() string {
	return c.label.Load().phase
}

func (c *Coordinator) relabelLocked() {
	c.label.Store(&sessionLabel{sessionID: c.status.SessionID, phase: c.status.Phase})
}

// Subscribe delivers the current status and every later change, conflated.
func (c *Coordinator) Subscribe() *pubsub.Subscription[Status] {
	return c.hub.Subscribe(func() []Status { return []Status{c.published} })
}

func (c *Coordinator) startLocked(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	c.teardown()

	snap, err := c.settings.Get(ctx)
	if err != nil {
		c.events.Errorf("Settings unavailable, using defaults: %v", err)
	}
	for _, line := range configurationLines(snap) {
		c.events.Debug(line)
	}
	cfg := BuildConfiguration(snap)

	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.status.SessionID = uuid.NewString()
	c.status.Generation = gen
	c.status.Phase = ""
	c.status.Failure = acquisition.FailUnknown
	c.relabelLocked()
	c.setStateLocked(StateConfiguring)
	c.mu.Unlock()

	sess, err := c.lib.Start(cfg, c.listener(gen))
	if err != nil {
		c.mu.Lock()
		if c.generation == gen {
			c.status.Failure = acquisition.FailUnknown
			c.setStateLocked(StateFailed)
		}
		c.mu.Unlock()
		c.events.Errorf("Location start failed: %v", err)
		return fmt.Errorf("start acquisition: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen || c.status.State == StateFailed {
		// A terminal failure arrived before Start returned.
		c.release(sess)
		return nil
	}
	c.session = sess
	return nil
}

// teardown detaches the session, invalidates its callbacks and stops it.
// The state is left to the caller.
func (c *Coordinator) teardown() {
	c.mu.Lock()
	sess := c.session
	c.session = nil
	c.generation++
	c.mu.Unlock()

	if sess != nil {
		sess.Stop()
	}
}

// release stops a session that can no longer call back, without blocking
// the caller. It is used from callbacks, which must not wait for their own
// session to finish.
func (c *Coordinator) release(sess acquisition.Session) {
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		sess.Stop()
	}()
}

func (c *Coordinator) setStateLocked(s State) {
	if c.status.State != s {
		c.status.Since = c.now()
	}
	c.status.State = s
	st := c.status
	c.hub.Update(func() (Status, bool) {
		c.published = st
		return st, true
	})
}

// current runs fn under mu when gen is still the live generation.
func (c *Coordinator) current(gen uint64, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return
	}
	fn()
}

func (c *Coordinator) listener(gen uint64) acquisition.Listener {
	return acquisition.Listener{
		OnLocationChanged: func(f core.Fix) {
			c.current(gen, func() { c.onFix(f) })
		},
		OnLocationFailed: func(kind acquisition.FailType) {
			c.current(gen, func() { c.onFailure(gen, kind) })
		},
		OnStatusChanged: func(p acquisition.ProcessType) {
			c.current(gen, func() { c.onStatus(p) })
		},
		OnProviderEnabled: func(name string) {
			c.current(gen, func() { c.events.Debugf("Provider enabled: %s", name) })
		},
		OnProviderDisabled: func(name string) {
			c.current(gen, func() { c.events.Debugf("Provider disabled: %s", name) })
		},
		OnPermissionGranted: func(bool) {},
	}
}

func (c *Coordinator) onFix(f core.Fix) {
	c.history.Append(f)
	c.events.Debugf("New location: %s", f.FormatLatLon())

	c.status.Fixes++
	c.status.LastFix = f.ObservedAt
	if c.fixCounter != nil {
		c.fixCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("provider", f.Provider)))
	}
	if c.status.State == StateConfiguring {
		c.setStateLocked(StateActive)
	}
}

func (c *Coordinator) onStatus(p acquisition.ProcessType) {
	c.status.Phase = p.String()
	c.relabelLocked()
	c.events.Debugf("Status changed: %s", p)
}

func (c *Coordinator) onFailure(gen uint64, kind acquisition.FailType) {
	if c.status.State == StateFailed {
		return
	}
	c.events.Errorf("Location failed: %s", kind)
	if c.failureCounter != nil {
		c.failureCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind.String())))
	}

	c.status.Failure = kind
	c.setStateLocked(StateFailed)

	if kind.Recoverable() {
		c.background.Add(1)
		go func() {
			defer c.background.Done()
			c.restart(gen)
		}()
		return
	}

	if c.session != nil {
		c.release(c.session)
		c.session = nil
	}
}

// restart starts a new session unless gen has been superseded by a
// Start, Reset or Stop in the meantime.
func (c *Coordinator) restart(gen uint64) {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.mu.Lock()
	stale := gen != c.generation || c.closed
	if !stale {
		c.status.Restarts++
	}
	c.mu.Unlock()
	if stale {
		return
	}

	if c.restartCounter != nil {
		c.restartCounter.Add(context.Background(), 1)
	}
	c.logger.Info("restarting after timeout", "generation", gen)
	if err := c.startLocked(context.Background()); err != nil {
		c.logger.Error("restart failed", "error", err)
	}
}
