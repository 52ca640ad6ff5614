// Package monitor periodically samples the coordinator and history, writes
// a human-readable status file and mirrors the sample to InfluxDB.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/fivegen/aquariuslocation/internal/influx"
	"github.com/fivegen/aquariuslocation/internal/session"
)

const defaultInterval = 30 * time.Second

type SessionSource interface {
	Status() session.Status
}

type HistorySource interface {
	Len() int
	Pending() int
}

type EventSource interface {
	Len() int
	Capacity() int
}

// PointWriter receives one status point per tick.
type PointWriter interface {
	WritePoint(ctx context.Context, point *influxdb2_write.Point) error
}

// Dependencies holds all dependencies for the monitor service
type Dependencies struct {
	Session    SessionSource
	History    HistorySource
	Events     EventSource
	Points     PointWriter // optional
	StatusFile string      // optional, rewritten every tick
	Interval   time.Duration
	Logger     *slog.Logger
	Now        func() time.Time
}

// Service manages status monitoring
type Service struct {
	deps      Dependencies
	isRunning bool
	mu        sync.RWMutex
	stopChan  chan struct{}
	doneChan  chan struct{}
}

// NewService creates a stopped monitor.
func NewService(deps Dependencies) *Service {
	if deps.Interval <= 0 {
		deps.Interval = defaultInterval
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Service{deps: deps}
}

// IsRunning returns whether the status monitor is running
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// StatusLines renders the current sample.
func (s *Service) StatusLines() []string {
	st := s.deps.Session.Status()
	now := s.deps.Now()

	lines := []string{
		fmt.Sprintf("state: %s", describeState(st)),
		fmt.Sprintf("since: %s", humanize.RelTime(st.Since, now, "ago", "from now")),
		fmt.Sprintf("fixes: %s (restarts: %s)", humanize.Comma(int64(st.Fixes)), humanize.Comma(int64(st.Restarts))),
	}
	if !st.LastFix.IsZero() {
		lines = append(lines, fmt.Sprintf("last fix: %s", humanize.RelTime(st.LastFix, now, "ago", "from now")))
	}
	lines = append(lines, fmt.Sprintf("history: %s stored, %d pending",
		humanize.Comma(int64(s.deps.History.Len())), s.deps.History.Pending()))
	if s.deps.Events != nil {
		lines = append(lines, fmt.Sprintf("event log: %d/%d", s.deps.Events.Len(), s.deps.Events.Capacity()))
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	lines = append(lines, fmt.Sprintf("heap: %s, goroutines: %d",
		humanize.IBytes(mem.HeapAlloc), runtime.NumGoroutine()))
	return lines
}

func describeState(st session.Status) string {
	out := st.State.String()
	if st.State == session.StateFailed {
		out += " (" + st.Failure.String() + ")"
	}
	if st.Phase != "" && st.State.Running() {
		out += ", " + st.Phase
	}
	return out
}

// Tick takes one sample: status file, debug log and influx point.
func (s *Service) Tick(ctx context.Context) {
	lines := s.StatusLines()

	if s.deps.StatusFile != "" {
		if err := os.WriteFile(s.deps.StatusFile, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
			s.deps.Logger.Error("Error writing status file", "path", s.deps.StatusFile, "error", err)
		}
	}
	s.deps.Logger.Debug("status", "summary", strings.Join(lines, "; "))

	if s.deps.Points != nil {
		st := s.deps.Session.Status()
		p := influx.StatusPoint(st.State.String(), st.Phase, st.Fixes, st.Restarts,
			s.deps.History.Len(), s.deps.History.Pending(), s.deps.Now())
		if err := s.deps.Points.WritePoint(ctx, p); err != nil {
			s.deps.Logger.Warn("Error writing status point", "error", err)
		}
	}
}

// Start starts the status monitor goroutine
func (s *Service) Start() error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.doneChan = make(chan struct{})
	stop, done := s.stopChan, s.doneChan
	s.mu.Unlock()

	go func() {
		defer close(done)

		s.deps.Logger.Debug("Starting status monitor goroutine", "interval", s.deps.Interval)
		ticker := time.NewTicker(s.deps.Interval)
		defer ticker.Stop()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			<-stop
			cancel()
		}()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()

	return nil
}

// Stop stops the status monitor and waits for the last tick to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	stop, done := s.stopChan, s.doneChan
	s.isRunning = false
	s.mu.Unlock()

	close(stop)
	<-done
}
