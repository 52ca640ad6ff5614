// Package app wires every component of the host: storage, settings, event
// log, history and its sinks, the acquisition library, the coordinator, the
// command dispatcher, the presenters, the HTTP surface and the monitor.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/fivegen/aquariuslocation/internal/acquisition"
	"github.com/fivegen/aquariuslocation/internal/acquisition/nmea"
	"github.com/fivegen/aquariuslocation/internal/api"
	"github.com/fivegen/aquariuslocation/internal/cache"
	"github.com/fivegen/aquariuslocation/internal/config"
	"github.com/fivegen/aquariuslocation/internal/dispatcher"
	"github.com/fivegen/aquariuslocation/internal/eventlog"
	"github.com/fivegen/aquariuslocation/internal/handlers"
	"github.com/fivegen/aquariuslocation/internal/history"
	"github.com/fivegen/aquariuslocation/internal/influx"
	"github.com/fivegen/aquariuslocation/internal/logging"
	"github.com/fivegen/aquariuslocation/internal/monitor"
	"github.com/fivegen/aquariuslocation/internal/presenter"
	"github.com/fivegen/aquariuslocation/internal/session"
	"github.com/fivegen/aquariuslocation/internal/settings"
	"github.com/fivegen/aquariuslocation/internal/storage"
	wsrelay "github.com/fivegen/aquariuslocation/internal/storage/websocket"
)

const shutdownTimeout = 10 * time.Second

// Options configures Build. Zero sections disable the optional parts.
type Options struct {
	Storage     config.StorageConfig
	Acquisition config.AcquisitionConfig
	Server      config.ServerConfig
	Influx      config.InfluxConfig
	Redis       config.RedisConfig
	Relay       config.RelayConfig
	EventLog    config.EventLogConfig
	Monitor     config.MonitorConfig
	StatusFile  string

	LogManager *logging.SlogManager
	ZeroLog    zerolog.Logger

	// Overrides used by tests.
	Backend storage.Backend
	Library acquisition.Library
}

// App holds the wired components.
type App struct {
	opts   Options
	logger *slog.Logger

	Backend     storage.Backend
	Settings    *settings.Store
	Events      *eventlog.Log
	LastKnown   cache.LastKnown
	History     *history.History
	Library     acquisition.Library
	Coordinator *session.Coordinator
	Dispatcher  *dispatcher.Dispatcher
	LogView     *presenter.LogView
	Map         *presenter.MapState
	Server      *api.Server
	Monitor     *monitor.Service

	relay  *wsrelay.Relay
	influx *influx.Manager

	closers []func() error
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	closeMu sync.Mutex
	closed  bool
}

// Build wires every component. Nothing runs until Run.
func Build(ctx context.Context, opts Options) (a *App, err error) {
	lm := opts.LogManager
	if lm == nil {
		lm = logging.NewSlogManager()
	}
	a = &App{opts: opts, logger: lm.Logger().With("component", "app")}
	defer func() {
		if err != nil {
			_ = a.closeAll()
		}
	}()

	a.Backend = opts.Backend
	if a.Backend == nil {
		if a.Backend, err = OpenBackend(opts.Storage, lm, opts.ZeroLog); err != nil {
			return nil, err
		}
	}
	a.onClose(a.Backend.Close)

	a.Settings = settings.NewStore(a.Backend)
	a.Events = eventlog.New(opts.EventLog.Capacity, lm.Logger())
	a.onClose(func() error { a.Events.Close(); return nil })

	sinks, err := a.buildSinks(ctx)
	if err != nil {
		return nil, err
	}

	a.History = history.New(a.Backend, a.Events, lm.Logger(), sinks...)
	a.onClose(func() error { a.History.Close(); return nil })
	if err := a.History.Open(ctx); err != nil {
		return nil, err
	}

	a.Library = opts.Library
	if a.Library == nil {
		a.Library = nmea.New(nmea.ConfigFrom(opts.Acquisition, a.LastKnown, opts.ZeroLog))
	}

	a.Coordinator = session.New(session.Dependencies{
		Library:  a.Library,
		Settings: a.Settings,
		History:  a.History,
		Events:   a.Events,
		Logger:   lm.Logger(),
	})
	a.onClose(func() error { a.Coordinator.Close(); return nil })

	a.Dispatcher, err = dispatcher.New(logging.NewDispatcherLogger(lm.Logger()))
	if err != nil {
		return nil, fmt.Errorf("create dispatcher: %w", err)
	}
	a.onClose(func() error { a.Dispatcher.Close(); return nil })

	handlers.NewService(handlers.Dependencies{
		Session:    a.Coordinator,
		History:    a.History,
		NewForm:    a.NewForm,
		LogManager: lm,
	}).Register(a.Dispatcher)

	a.LogView = presenter.NewLogView(a.Events.Capacity())
	a.Map = presenter.NewMapState()

	a.Server = api.NewServer(api.Dependencies{
		Commands: a.Dispatcher,
		Session:  a.Coordinator,
		History:  a.History,
		Settings: a.Settings,
		Events:   a.Events,
		LogView:  a.LogView,
		Map:      a.Map,
		APIKey:   opts.Server.APIKey,
		Logger:   lm.Logger(),
	})

	mon := monitor.Dependencies{
		Session:    a.Coordinator,
		History:    a.History,
		Events:     a.Events,
		StatusFile: opts.StatusFile,
		Interval:   opts.Monitor.Interval,
		Logger:     lm.Logger(),
	}
	if a.influx != nil {
		mon.Points = a.influx
	}
	a.Monitor = monitor.NewService(mon)
	a.onClose(func() error { a.Monitor.Stop(); return nil })

	return a, nil
}

// buildSinks creates the last-known cache and the optional mirrors of the
// history. Optional sinks that cannot connect are logged and skipped.
func (a *App) buildSinks(ctx context.Context) ([]history.Sink, error) {
	opts := a.opts

	if opts.Redis.Enabled {
		rc, err := cache.NewRedisCache(ctx, opts.Redis)
		if err != nil {
			a.logger.Warn("Redis unavailable, using in-process last-known cache", "error", err)
		} else {
			a.onClose(rc.Close)
			a.LastKnown = rc
		}
	}
	if a.LastKnown == nil {
		a.LastKnown = cache.NewLocationCache()
	}
	sinks := []history.Sink{a.LastKnown}

	if opts.Influx.Enabled {
		m := influx.NewManager(opts.Influx, opts.ZeroLog)
		if err := m.Connect(ctx); err != nil {
			a.logger.Warn("InfluxDB setup failed", "error", err)
		} else {
			a.influx = m
			a.onClose(m.Close)
			sinks = append(sinks, m)
		}
	}

	if opts.Relay.Enabled {
		r := wsrelay.New(wsrelay.Config{URL: opts.Relay.URL, Secret: opts.Relay.Secret}, a.logger)
		if err := r.Init(); err != nil {
			a.logger.Warn("History relay unavailable", "url", opts.Relay.URL, "error", err)
		} else {
			a.relay = r
			a.onClose(r.Close)
			sinks = append(sinks, r)
		}
	}
	return sinks, nil
}

// NewForm returns a settings form bound to the store and the coordinator.
func (a *App) NewForm() *presenter.SettingsForm {
	return presenter.NewSettingsForm(a.Settings, a.Coordinator, nil)
}

// Start launches the presenters, the relay announcer, the monitor and the
// HTTP server, then starts a session when auto start is configured.
func (a *App) Start(ctx context.Context) (net.Addr, error) {
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.follow(func() { a.LogView.Run(runCtx, a.Events.Subscribe()) })
	a.follow(func() { presenter.NewMapController(a.Map).Run(runCtx, a.History.Subscribe()) })
	if a.relay != nil {
		a.follow(func() { a.announce(runCtx) })
	}

	if err := a.Monitor.Start(); err != nil {
		return nil, fmt.Errorf("start monitor: %w", err)
	}

	var addr net.Addr
	if a.opts.Server.Listen != "" {
		var err error
		if addr, err = a.Server.Start(a.opts.Server.Listen); err != nil {
			return nil, err
		}
	}

	if a.opts.Acquisition.AutoStart {
		if err := a.Coordinator.EnsureStarted(ctx); err != nil {
			a.logger.Error("Auto start failed", "error", err)
		}
	}
	return addr, nil
}

func (a *App) follow(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// announce forwards every coordinator status to the relay.
func (a *App) announce(ctx context.Context) {
	sub := a.Coordinator.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-sub.C():
			if !ok {
				return
			}
			if err := a.relay.Announce(st.Payload()); err != nil {
				a.logger.Warn("Relay announce failed", "error", err)
			}
		}
	}
}

// Run starts the app and blocks until ctx ends, then shuts down.
func (a *App) Run(ctx context.Context) error {
	if _, err := a.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return a.Close()
}

// Close stops the server, the session and every component, in reverse
// order of construction. Safe to call more than once.
func (a *App) Close() error {
	a.closeMu.Lock()
	if a.closed {
		a.closeMu.Unlock()
		return nil
	}
	a.closed = true
	a.closeMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if a.Server != nil {
		errs = append(errs, a.Server.Shutdown(ctx))
	}
	if a.cancel != nil {
		a.cancel()
	}
	errs = append(errs, a.closeAll())
	a.wg.Wait()
	return errors.Join(errs...)
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Labels feeds the logging context with the coordinator's session id and
// phase. It is created before the coordinator exists and bound later.
type Labels struct {
	c atomic.Pointer[session.Coordinator]
}

func (l *Labels) Bind(c *session.Coordinator) {
	l.c.Store(c)
}

func (l *Labels) SessionID() string {
	if c := l.c.Load(); c != nil {
		return c.SessionID()
	}
	return ""
}

func (l *Labels) Phase() string {
	if c := l.c.Load(); c != nil {
		return c.Phase()
	}
	return ""
}

// Provider returns the logging context provider.
func (l *Labels) Provider() logging.ContextProvider {
	return logging.SessionContext(l.SessionID, l.Phase)
}
