// Package api serves the host control surface over HTTP and streams log,
// history and session updates over WebSocket. Client talks to it from the CLI.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/fivegen/aquariuslocation/internal/dispatcher"
	"github.com/fivegen/aquariuslocation/internal/eventlog"
	"github.com/fivegen/aquariuslocation/internal/geo"
	"github.com/fivegen/aquariuslocation/internal/handlers"
	"github.com/fivegen/aquariuslocation/internal/presenter"
	"github.com/fivegen/aquariuslocation/internal/pubsub"
	"github.com/fivegen/aquariuslocation/internal/session"
	"github.com/fivegen/aquariuslocation/internal/settings"
	"github.com/fivegen/aquariuslocation/internal/storage"
	"github.com/fivegen/aquariuslocation/pkg/core"
)

const (
	apiKeyHeader      = "X-API-Key"
	geoJSONType       = "application/geo+json"
	readHeaderTimeout = 10 * time.Second

	defaultRevisionLimit = 20
)

// Commander runs control commands.
type Commander interface {
	Dispatch(e dispatcher.Event) (any, error)
}

// SessionSource exposes the coordinator status.
type SessionSource interface {
	Status() session.Status
	Subscribe() *pubsub.Subscription[session.Status]
}

// HistorySource exposes the location history.
type HistorySource interface {
	Snapshot() []core.Fix
	Subscribe() *pubsub.Subscription[[]core.Fix]
}

// SettingsSource reads the stored settings.
type SettingsSource interface {
	Get(ctx context.Context) (core.Settings, error)
	Revisions(ctx context.Context, limit int) ([]storage.Revision, error)
}

// Dependencies holds what the server reads from and commands.
type Dependencies struct {
	Commands Commander
	Session  SessionSource
	History  HistorySource
	Settings SettingsSource
	Events   *eventlog.Log
	LogView  *presenter.LogView
	Map      *presenter.MapState
	APIKey   string
	Logger   *slog.Logger
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	State      string    `json:"state"`
	Failure    string    `json:"failure,omitempty"`
	Phase      string    `json:"phase,omitempty"`
	SessionID  string    `json:"sessionId,omitempty"`
	Since      time.Time `json:"since"`
	Fixes      uint64    `json:"fixes"`
	Restarts   uint64    `json:"restarts"`
	LastFix    time.Time `json:"lastFix,omitempty"`
	History    int       `json:"history"`
	LogEntries int       `json:"logEntries"`
}

// SettingsResponse is the body of GET /api/settings.
type SettingsResponse struct {
	Values  map[string]string `json:"values"`
	Warning string            `json:"warning,omitempty"`
}

// Server is the HTTP control surface.
type Server struct {
	deps     Dependencies
	logger   *slog.Logger
	upgrader ws.Upgrader

	mu       sync.Mutex
	http     *http.Server
	closing  bool
	quit     chan struct{}
	quitOnce sync.Once
	streams  sync.WaitGroup
}

// NewServer creates a server; nothing listens until Start.
func NewServer(deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		deps:     deps,
		logger:   logger.With("component", "api"),
		upgrader: ws.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		quit:     make(chan struct{}),
	}
}

// Handler returns the routed handler with logging and auth applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthcheck", s.handleHealthcheck)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("POST /api/settings", s.handleApplySettings)
	mux.HandleFunc("GET /api/settings/revisions", s.handleRevisions)
	mux.HandleFunc("POST /api/session/{action}", s.handleSession)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("DELETE /api/history", s.handleClearHistory)
	mux.HandleFunc("GET /api/log", s.handleLog)
	mux.HandleFunc("GET /api/map", s.handleMap)
	mux.HandleFunc("GET /api/stream", s.handleStream)
	return s.logging(s.authenticate(mux))
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: readHeaderTimeout}

	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", "error", err)
		}
	}()
	s.logger.Info("http server listening", "addr", ln.Addr().String())
	return ln.Addr(), nil
}

// Shutdown stops accepting requests, closes every stream and waits for
// in-flight requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	srv := s.http
	s.mu.Unlock()
	s.quitOnce.Do(func() { close(s.quit) })

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	s.streams.Wait()
	return err
}

func (s *Server) handleHealthcheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.deps.Session.Status()
	resp := StatusResponse{
		State:      st.State.String(),
		Phase:      st.Phase,
		SessionID:  st.SessionID,
		Since:      st.Since,
		Fixes:      st.Fixes,
		Restarts:   st.Restarts,
		LastFix:    st.LastFix,
		History:    len(s.deps.History.Snapshot()),
		LogEntries: s.deps.Events.Len(),
	}
	if st.State == session.StateFailed {
		resp.Failure = st.Failure.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Settings.Get(r.Context())
	resp := SettingsResponse{Values: settings.Encode(snap)}
	if err != nil {
		resp.Warning = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRevisions lists applied settings snapshots, newest first. limit
// defaults to defaultRevisionLimit.
func (s *Server) handleRevisions(w http.ResponseWriter, r *http.Request) {
	limit := defaultRevisionLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}
	revs, err := s.deps.Settings.Revisions(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if revs == nil {
		revs = []storage.Revision{}
	}
	writeJSON(w, http.StatusOK, revs)
}

// handleApplySettings accepts a JSON object of setting keys. Values may be
// strings, which go through the edit policy, or numbers.
func (s *Server) handleApplySettings(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode settings: %w", err))
		return
	}
	args, err := keyValueArgs(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.command(w, handlers.CmdSettingsApply, args...)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	var cmd string
	switch r.PathValue("action") {
	case "start":
		cmd = handlers.CmdSessionStart
	case "stop":
		cmd = handlers.CmdSessionStop
	case "reset":
		cmd = handlers.CmdSessionReset
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown session action %q", r.PathValue("action")))
		return
	}
	s.command(w, cmd)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	fc := geo.FixesCollection(s.deps.History.Snapshot(), projection(r))
	w.Header().Set("Content-Type", geoJSONType)
	if err := json.NewEncoder(w).Encode(fc); err != nil {
		s.logger.Warn("encode history", "error", err)
	}
}

func (s *Server) handleClearHistory(w http.ResponseWriter, _ *http.Request) {
	s.command(w, handlers.CmdHistoryClear)
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") == "json" {
		writeJSON(w, http.StatusOK, s.deps.LogView.Lines())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(s.deps.LogView.Text()))
}

func (s *Server) handleMap(w http.ResponseWriter, r *http.Request) {
	b, err := s.deps.Map.GeoJSON(projection(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", geoJSONType)
	_, _ = w.Write(b)
}

func (s *Server) command(w http.ResponseWriter, cmd string, args ...string) {
	_, err := s.deps.Commands.Dispatch(dispatcher.Event{Command: cmd, Args: args, Timestamp: time.Now()})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, handlers.ErrBadArgs):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, dispatcher.ErrUnknownCommand):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, dispatcher.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func projection(r *http.Request) geo.Projection {
	switch r.URL.Query().Get("proj") {
	case "3857", "EPSG:3857", "webmercator":
		return geo.WebMercator
	default:
		return geo.WGS84
	}
}

func keyValueArgs(body map[string]any) ([]string, error) {
	keys := make([]string, 0, len(body))
	for k := range body {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]string, 0, len(keys))
	for _, k := range keys {
		var v string
		switch raw := body[k].(type) {
		case nil:
		case string:
			v = raw
		case float64:
			v = strconv.FormatFloat(raw, 'f', -1, 64)
		default:
			return nil, fmt.Errorf("%w: %s must be a string or number", handlers.ErrBadArgs, k)
		}
		args = append(args, k+"="+v)
	}
	return args, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
