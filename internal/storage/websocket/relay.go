// Package websocket relays the location history to a remote collector over
// a WebSocket. It is wired as a history sink: every stored fix is pushed
// fire-and-forget, a clear waits for the collector's ack.
package websocket

import (
	"context"
	"log/slog"

	"github.com/fivegen/aquariuslocation/pkg/core"
	"github.com/fivegen/aquariuslocation/pkg/streaming"
)

// Config holds the collector endpoint.
type Config struct {
	URL    string
	Secret string
}

// Relay is a history sink backed by one reconnecting WebSocket.
type Relay struct {
	conn *connection
	cfg  Config
}

// New creates a relay; Init dials the collector.
func New(cfg Config, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		conn: newConnection(logger.With("component", "relay")),
		cfg:  cfg,
	}
}

// Init connects to the collector.
func (r *Relay) Init() error {
	return r.conn.dial(r.cfg.URL, r.cfg.Secret)
}

// Close disconnects from the collector.
func (r *Relay) Close() error {
	return r.conn.close()
}

func (r *Relay) Name() string {
	return "websocket"
}

// WriteFix pushes one stored fix.
func (r *Relay) WriteFix(_ context.Context, f core.Fix) error {
	data, err := streaming.Encode(streaming.TypeFix, streaming.NewFixPayload(f))
	if err != nil {
		return err
	}
	r.conn.send(data)
	return nil
}

// Clear tells the collector to drop the history and waits for its ack.
func (r *Relay) Clear(ctx context.Context) error {
	data, err := streaming.Encode(streaming.TypeHistoryClear, struct{}{})
	if err != nil {
		return err
	}
	return r.conn.sendAndWait(ctx, data, streaming.TypeHistoryClear)
}

// Announce sends the session state and keeps it as the message replayed
// first after a reconnect.
func (r *Relay) Announce(st streaming.SessionStatePayload) error {
	data, err := streaming.Encode(streaming.TypeSessionState, st)
	if err != nil {
		return err
	}
	r.conn.mu.Lock()
	r.conn.hello = data
	r.conn.mu.Unlock()
	r.conn.send(data)
	return nil
}
