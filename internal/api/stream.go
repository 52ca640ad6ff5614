package api

import (
	"errors"
	"net/http"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/fivegen/aquariuslocation/internal/eventlog"
	"github.com/fivegen/aquariuslocation/pkg/streaming"
)

const streamWriteWait = 10 * time.Second

var errShuttingDown = errors.New("server shutting down")

// trackStream registers a stream unless shutdown has begun.
func (s *Server) trackStream() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.streams.Add(1)
	return true
}

func logEntryPayload(e eventlog.Entry) streaming.LogEntryPayload {
	return streaming.LogEntryPayload{
		Time:    e.Time,
		Message: e.Message,
		IsError: e.IsError,
		Line:    eventlog.Format(e),
	}
}

// handleStream upgrades to WebSocket and pushes every log entry, history
// snapshot and session state until the peer goes away or the server shuts down.
// A new viewer first receives the retained log, the current history and state.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !s.trackStream() {
		writeError(w, http.StatusServiceUnavailable, errShuttingDown)
		return
	}
	defer s.streams.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	logSub := s.deps.Events.Subscribe()
	defer logSub.Close()
	histSub := s.deps.History.Subscribe()
	defer histSub.Close()
	stateSub := s.deps.Session.Subscribe()
	defer stateSub.Close()

	// The read pump only notices the peer closing; viewers send nothing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.logger.Debug("stream opened", "remote", r.RemoteAddr)
	defer s.logger.Debug("stream closed", "remote", r.RemoteAddr)

	for {
		var (
			typ     string
			payload any
		)
		select {
		case <-gone:
			return
		case <-s.quit:
			_ = conn.WriteControl(ws.CloseMessage,
				ws.FormatCloseMessage(ws.CloseGoingAway, "server shutting down"),
				time.Now().Add(streamWriteWait))
			return
		case e, ok := <-logSub.C():
			if !ok {
				return
			}
			typ, payload = streaming.TypeLogEntry, logEntryPayload(e)
		case fixes, ok := <-histSub.C():
			if !ok {
				return
			}
			typ, payload = streaming.TypeHistory, streaming.NewHistoryPayload(fixes)
		case st, ok := <-stateSub.C():
			if !ok {
				return
			}
			typ, payload = streaming.TypeSessionState, st.Payload()
		}

		b, err := streaming.Encode(typ, payload)
		if err != nil {
			s.logger.Warn("encode stream message", "type", typ, "error", err)
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		if err := conn.WriteMessage(ws.TextMessage, b); err != nil {
			s.logger.Debug("stream write failed", "error", err)
			return
		}
	}
}
