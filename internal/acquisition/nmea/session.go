package nmea

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tevino/abool/v2"

	"github.com/fivegen/aquariuslocation/internal/acquisition"
	"github.com/fivegen/aquariuslocation/internal/cache"
	"github.com/fivegen/aquariuslocation/internal/channel"
	"github.com/fivegen/aquariuslocation/pkg/core"
)

const (
	lineBuffer  = 64
	redialDelay = time.Second
)

var providerOrder = []acquisition.ProviderType{acquisition.ProviderGPS, acquisition.ProviderNetwork}

type outcome int

const (
	outcomeStopped outcome = iota
	outcomeNoFix
	outcomeDone
)

// Session is one running acquisition. Callbacks are delivered from a single
// goroutine. Stop must not be called from inside a callback.
type Session struct {
	lib      *Library
	cfg      acquisition.Configuration
	listener acquisition.Listener
	log      zerolog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	finished chan struct{}

	stopped   *abool.AtomicBool
	connected *abool.AtomicBool

	mu       sync.Mutex
	conn     io.ReadCloser
	provider string
}

func newSession(lib *Library, cfg acquisition.Configuration, listener acquisition.Listener) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		lib:       lib,
		cfg:       cfg,
		listener:  listener,
		log:       lib.log,
		ctx:       ctx,
		cancel:    cancel,
		finished:  make(chan struct{}),
		stopped:   abool.New(),
		connected: abool.New(),
	}
}

// Stop ends the session and waits until its goroutine has returned.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.stopped.Set()
		s.cancel()
		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.mu.Unlock()
	})
	<-s.finished
}

// Connected reports whether a receiver stream is open.
func (s *Session) Connected() bool {
	return s.connected.IsSet()
}

// Provider is the provider currently being queried.
func (s *Session) Provider() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provider
}

func (s *Session) emit(fn func(acquisition.Listener)) {
	if s.stopped.IsSet() {
		return
	}
	fn(s.listener)
}

func (s *Session) run() {
	defer close(s.finished)
	defer s.connected.UnSet()

	s.emit(func(l acquisition.Listener) { l.StatusChanged(acquisition.ProcessAskingPermissions) })
	s.emit(func(l acquisition.Listener) { l.PermissionGranted(true) })

	if ps := s.cfg.PlayServices; ps != nil {
		s.emit(func(l acquisition.Listener) { l.StatusChanged(acquisition.ProcessPlayServices) })
		if !ps.FallbackToDefault || s.cfg.DefaultProviders == nil {
			s.emit(func(l acquisition.Listener) { l.LocationFailed(acquisition.FailPlayServicesUnavailable) })
			return
		}
	}
	dp := *s.cfg.DefaultProviders
	f := &filter{cfg: dp}

	if s.deliverLastKnown(dp, f) && !s.cfg.KeepTracking {
		return
	}

	configured := 0
	for i := 0; i < len(providerOrder); i++ {
		p := providerOrder[i]
		source := s.lib.cfg.Sources[p]
		if source == "" {
			s.emit(func(l acquisition.Listener) { l.ProviderDisabled(p.String()) })
			continue
		}
		configured++

		switch s.track(p, source, dp.WaitPeriod(p), f) {
		case outcomeStopped, outcomeDone:
			return
		case outcomeNoFix:
			continue
		}
	}

	if s.stopped.IsSet() {
		return
	}
	if configured == 0 {
		s.emit(func(l acquisition.Listener) { l.LocationFailed(acquisition.FailNetworkUnavailable) })
		return
	}
	s.emit(func(l acquisition.Listener) { l.LocationFailed(acquisition.FailTimeout) })
}

func (s *Session) deliverLastKnown(dp acquisition.DefaultProviderConfiguration, f *filter) bool {
	if s.cfg.PlayServices != nil && s.cfg.PlayServices.IgnoreLastKnownLocation {
		return false
	}
	lk := s.lib.cfg.LastKnown
	if lk == nil {
		return false
	}
	fix, ok, err := lk.Get(s.ctx, cache.AnyProvider)
	if err != nil {
		s.log.Warn().Err(err).Str("cache", lk.Name()).Msg("last-known lookup failed")
		return false
	}
	maxAge := dp.AcceptableTimePeriod
	if maxAge <= 0 {
		maxAge = s.lib.cfg.LastKnownMaxAge
	}
	if !ok || !cache.Fresh(fix, maxAge, time.Now()) || s.lib.alreadyDelivered(fix.ObservedAt) {
		return false
	}
	f.last = &fix
	s.deliverFix(fix)
	return true
}

func (s *Session) deliverFix(fix core.Fix) {
	s.emit(func(l acquisition.Listener) {
		s.lib.delivered(fix.ObservedAt)
		l.LocationChanged(fix)
	})
}

// track reads one provider. Without a fix inside wait the next provider is
// tried. Once a fix arrived, a dropped stream is redialed while tracking.
func (s *Session) track(p acquisition.ProviderType, source string, wait time.Duration, f *filter) outcome {
	status := acquisition.ProcessGPSProvider
	if p == acquisition.ProviderNetwork {
		status = acquisition.ProcessNetworkProvider
	}
	s.emit(func(l acquisition.Listener) { l.StatusChanged(status) })

	var deadline <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		deadline = timer.C
	}

	gotFix := false
	for {
		conn, err := s.lib.open(s.ctx, source)
		if err != nil {
			if s.stopped.IsSet() {
				return outcomeStopped
			}
			s.log.Debug().Err(err).Str("provider", p.String()).Msg("source unavailable")
			s.emit(func(l acquisition.Listener) { l.ProviderDisabled(p.String()) })
			if !gotFix {
				return outcomeNoFix
			}
			select {
			case <-s.ctx.Done():
				return outcomeStopped
			case <-time.After(redialDelay):
			}
			continue
		}
		if !s.attach(p, conn) {
			return outcomeStopped
		}
		s.emit(func(l acquisition.Listener) { l.ProviderEnabled(p.String()) })

		res := s.read(p, conn, deadline, f, &gotFix)
		s.detach(conn)

		switch res {
		case outcomeStopped:
			return outcomeStopped
		case outcomeDone:
			return outcomeDone
		}
		if !gotFix {
			return outcomeNoFix
		}
		s.emit(func(l acquisition.Listener) { l.ProviderDisabled(p.String()) })
		deadline = nil
	}
}

func (s *Session) attach(p acquisition.ProviderType, conn io.ReadCloser) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped.IsSet() {
		_ = conn.Close()
		return false
	}
	s.conn = conn
	s.provider = p.String()
	s.connected.Set()
	return true
}

func (s *Session) detach(conn io.ReadCloser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = conn.Close()
	s.conn = nil
	s.connected.UnSet()
}

// read consumes the stream until it ends, the deadline passes before a first
// fix, or the session stops. outcomeNoFix here means the stream ended or timed out.
func (s *Session) read(p acquisition.ProviderType, conn io.Reader, deadline <-chan time.Time, f *filter, gotFix *bool) outcome {
	lines := channel.New[string](lineBuffer)
	quit := make(chan struct{})
	defer close(quit)

	go func() {
		defer lines.Close()
		sc := bufio.NewScanner(conn)
		for sc.Scan() {
			if !lines.SendOrDone(sc.Text(), quit) {
				return
			}
		}
		if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) && !s.stopped.IsSet() {
			s.log.Debug().Err(err).Str("provider", p.String()).Msg("stream read failed")
		}
	}()

	asm := newAssembler(p.String(), s.lib.cfg.AccuracyPerHDOP)
	for {
		select {
		case <-s.ctx.Done():
			return outcomeStopped
		case <-deadline:
			if !*gotFix {
				s.log.Debug().Str("provider", p.String()).Msg("wait period elapsed")
				return outcomeNoFix
			}
		case line, ok := <-lines.Receive():
			if !ok {
				if s.stopped.IsSet() {
					return outcomeStopped
				}
				return outcomeNoFix
			}
			fix, complete, err := asm.feed(strings.TrimSpace(line))
			if err != nil {
				s.log.Trace().Err(err).Msg("skipping sentence")
				continue
			}
			if !complete || !f.accept(fix) {
				continue
			}
			*gotFix = true
			s.deliverFix(fix)
			if !s.cfg.KeepTracking {
				return outcomeDone
			}
		}
	}
}
