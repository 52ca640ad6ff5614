// Package nmea is the host acquisition library: it reads NMEA 0183 sentences
// from TCP or serial receivers, one source per provider type, and drives an
// acquisition.Listener the way a platform location manager would.
package nmea

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/ratelimit"

	"github.com/fivegen/aquariuslocation/internal/acquisition"
	"github.com/fivegen/aquariuslocation/internal/cache"
	"github.com/fivegen/aquariuslocation/internal/config"
)

const defaultDialTimeout = 5 * time.Second

// Config configures the Library. A provider without a source is reported
// as disabled when a session reaches it.
type Config struct {
	Sources         map[acquisition.ProviderType]string
	DialTimeout     time.Duration
	ReconnectPerSec int
	AccuracyPerHDOP float64
	LastKnown       cache.LastKnown
	LastKnownMaxAge time.Duration
	Logger          zerolog.Logger
	Dial            DialFunc
}

// ConfigFrom maps the acquisition config section onto a library Config.
func ConfigFrom(c config.AcquisitionConfig, lastKnown cache.LastKnown, log zerolog.Logger) Config {
	sources := make(map[acquisition.ProviderType]string)
	if c.GPSSource != "" {
		sources[acquisition.ProviderGPS] = c.GPSSource
	}
	if c.NetworkSource != "" {
		sources[acquisition.ProviderNetwork] = c.NetworkSource
	}
	return Config{
		Sources:         sources,
		DialTimeout:     c.DialTimeout,
		ReconnectPerSec: c.ReconnectPerSec,
		AccuracyPerHDOP: c.AccuracyPerHDOP,
		LastKnown:       lastKnown,
		LastKnownMaxAge: c.LastKnownMaxAge,
		Logger:          log,
	}
}

// Library implements acquisition.Library.
type Library struct {
	cfg     Config
	limiter ratelimit.Limiter
	log     zerolog.Logger

	mu            sync.Mutex
	current       *Session
	lastDelivered time.Time
}

// New creates a library reading the sources in cfg.
func New(cfg Config) *Library {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.Dial == nil {
		cfg.Dial = Dial
	}
	limiter := ratelimit.NewUnlimited()
	if cfg.ReconnectPerSec > 0 {
		limiter = ratelimit.New(cfg.ReconnectPerSec)
	}
	return &Library{
		cfg:     cfg,
		limiter: limiter,
		log:     cfg.Logger.With().Str("component", "nmea").Logger(),
	}
}

// Start launches a session. It fails only when the configuration enables
// neither the fused strategy nor the default providers.
func (l *Library) Start(cfg acquisition.Configuration, listener acquisition.Listener) (acquisition.Session, error) {
	if cfg.PlayServices == nil && cfg.DefaultProviders == nil {
		return nil, acquisition.ErrNoProviders
	}
	s := newSession(l, cfg, listener)

	l.mu.Lock()
	l.current = s
	l.mu.Unlock()

	go s.run()
	return s, nil
}

// Connected reports whether the most recent session is reading from a receiver.
func (l *Library) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current != nil && l.current.Connected()
}

// Provider returns the provider the most recent session is using, if any.
func (l *Library) Provider() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return ""
	}
	return l.current.Provider()
}

// delivered records the newest fix handed to any listener. A cached fix at or
// before it is not announced again as last-known.
func (l *Library) delivered(at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if at.After(l.lastDelivered) {
		l.lastDelivered = at
	}
}

func (l *Library) alreadyDelivered(at time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !at.After(l.lastDelivered)
}

func (l *Library) open(ctx context.Context, source string) (io.ReadCloser, error) {
	l.limiter.Take()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.cfg.Dial(ctx, source, l.cfg.DialTimeout)
}
