package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fivegen/aquariuslocation/internal/acquisition"
	"github.com/fivegen/aquariuslocation/internal/dispatcher"
	"github.com/fivegen/aquariuslocation/internal/eventlog"
	"github.com/fivegen/aquariuslocation/internal/handlers"
	"github.com/fivegen/aquariuslocation/internal/presenter"
	"github.com/fivegen/aquariuslocation/internal/pubsub"
	"github.com/fivegen/aquariuslocation/internal/session"
	"github.com/fivegen/aquariuslocation/internal/storage"
	"github.com/fivegen/aquariuslocation/pkg/core"
	"github.com/fivegen/aquariuslocation/pkg/streaming"
)

type fakeCommander struct {
	mu     sync.Mutex
	events []dispatcher.Event
	err    error
}

func (f *fakeCommander) Dispatch(e dispatcher.Event) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil, f.err
}

func (f *fakeCommander) last() dispatcher.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return dispatcher.Event{}
	}
	return f.events[len(f.events)-1]
}

type fakeSession struct {
	hub *pubsub.Hub[session.Status]
	st  session.Status
}

func (f *fakeSession) Status() session.Status { return f.st }

func (f *fakeSession) Subscribe() *pubsub.Subscription[session.Status] {
	return f.hub.Subscribe(func() []session.Status { return []session.Status{f.st} })
}

type fakeHistory struct {
	hub   *pubsub.Hub[[]core.Fix]
	fixes []core.Fix
}

func (f *fakeHistory) Snapshot() []core.Fix { return f.fixes }

func (f *fakeHistory) Subscribe() *pubsub.Subscription[[]core.Fix] {
	return f.hub.Subscribe(func() [][]core.Fix { return [][]core.Fix{f.fixes} })
}

type fakeSettings struct {
	snap core.Settings
	err  error
	revs []storage.Revision
}

func (f fakeSettings) Get(context.Context) (core.Settings, error) { return f.snap, f.err }

func (f fakeSettings) Revisions(_ context.Context, limit int) ([]storage.Revision, error) {
	if limit > 0 && limit < len(f.revs) {
		return f.revs[:limit], nil
	}
	return f.revs, nil
}

type fixture struct {
	srv      *Server
	http     *httptest.Server
	commands *fakeCommander
	events   *eventlog.Log
}

func newFixture(t *testing.T, apiKey string) *fixture {
	t.Helper()
	at := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	fixes := []core.Fix{
		{Latitude: 48.1, Longitude: 11.5, ObservedAt: at},
		{Latitude: 48.2, Longitude: 11.6, ObservedAt: at.Add(time.Second)},
	}
	events := eventlog.New(10, nil)
	events.Debug("Status changed: asking-permissions")
	view := presenter.NewLogView(10)
	for _, e := range events.Entries() {
		view.Add(e)
	}
	mapState := presenter.NewMapState()
	presenter.NewMapController(mapState).Render(fixes)

	commands := &fakeCommander{}
	srv := NewServer(Dependencies{
		Commands: commands,
		Session: &fakeSession{
			hub: pubsub.NewHub[session.Status](pubsub.Latest, 1),
			st: session.Status{
				State:     session.StateFailed,
				Failure:   acquisition.FailNetworkUnavailable,
				SessionID: "s-1",
				Fixes:     2,
			},
		},
		History: &fakeHistory{hub: pubsub.NewHub[[]core.Fix](pubsub.Latest, 1), fixes: fixes},
		Settings: fakeSettings{snap: core.DefaultSettings(), revs: []storage.Revision{
			{AppliedAt: at, Values: map[string]string{"gpsWaitPeriod": "30000"}},
			{AppliedAt: at.Add(-time.Hour), Values: map[string]string{"gpsWaitPeriod": "20000"}},
		}},
		Events:  events,
		LogView: view,
		Map:     mapState,
		APIKey:  apiKey,
	})
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return &fixture{srv: srv, http: hs, commands: commands, events: events}
}

func TestServer_Status(t *testing.T) {
	fx := newFixture(t, "")
	st, err := New(fx.http.URL, "").Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "failed", st.State)
	assert.Equal(t, "NETWORK_NOT_AVAILABLE", st.Failure)
	assert.Equal(t, "s-1", st.SessionID)
	assert.Equal(t, uint64(2), st.Fixes)
	assert.Equal(t, 2, st.History)
	assert.Equal(t, 1, st.LogEntries)
}

func TestServer_SessionActions(t *testing.T) {
	fx := newFixture(t, "")
	c := New(fx.http.URL, "")

	for action, cmd := range map[string]string{
		"start": handlers.CmdSessionStart,
		"stop":  handlers.CmdSessionStop,
		"reset": handlers.CmdSessionReset,
	} {
		require.NoError(t, c.SessionCommand(context.Background(), action))
		assert.Equal(t, cmd, fx.commands.last().Command)
		assert.False(t, fx.commands.last().Timestamp.IsZero())
	}

	err := c.SessionCommand(context.Background(), "explode")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestServer_ApplySettingsBuildsKeyValues(t *testing.T) {
	fx := newFixture(t, "")
	resp, err := http.Post(fx.http.URL+"/api/settings", "application/json",
		strings.NewReader(`{"gpsWaitPeriod":"30000","acceptableAccuracy":7.5,"requiredTimeInterval":null}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	e := fx.commands.last()
	assert.Equal(t, handlers.CmdSettingsApply, e.Command)
	assert.Equal(t, []string{"acceptableAccuracy=7.5", "gpsWaitPeriod=30000", "requiredTimeInterval="}, e.Args)
}

func TestServer_ApplySettingsRejectsObjects(t *testing.T) {
	fx := newFixture(t, "")
	resp, err := http.Post(fx.http.URL+"/api/settings", "application/json",
		strings.NewReader(`{"gpsWaitPeriod":{"x":1}}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, fx.commands.events)
}

func TestServer_CommandErrorsMapToStatus(t *testing.T) {
	fx := newFixture(t, "")
	tests := []struct {
		err  error
		want int
	}{
		{handlers.ErrBadArgs, http.StatusBadRequest},
		{dispatcher.ErrUnknownCommand, http.StatusNotFound},
		{dispatcher.ErrClosed, http.StatusServiceUnavailable},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		fx.commands.err = tt.err
		req, _ := http.NewRequest(http.MethodDelete, fx.http.URL+"/api/history", nil)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, tt.want, resp.StatusCode, tt.err.Error())
	}
}

func TestServer_RequiresKeyForMutations(t *testing.T) {
	fx := newFixture(t, "topsecret")

	require.Error(t, New(fx.http.URL, "").ClearHistory(context.Background()))
	assert.Empty(t, fx.commands.events)

	require.NoError(t, New(fx.http.URL, "topsecret").ClearHistory(context.Background()))
	assert.Equal(t, handlers.CmdHistoryClear, fx.commands.last().Command)

	resp, err := http.Post(fx.http.URL+"/api/session/stop?secret=topsecret", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// reads stay open
	_, err = New(fx.http.URL, "").Status(context.Background())
	require.NoError(t, err)
}

func TestServer_SettingsAndLog(t *testing.T) {
	fx := newFixture(t, "")
	c := New(fx.http.URL, "")

	s, err := c.Settings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "20000", s.Values["gpsWaitPeriod"])
	assert.Empty(t, s.Warning)

	text, err := c.Log(context.Background())
	require.NoError(t, err)
	assert.Contains(t, text, ":  Status changed: asking-permissions")
}

func TestServer_Revisions(t *testing.T) {
	fx := newFixture(t, "")
	c := New(fx.http.URL, "")

	revs, err := c.Revisions(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, revs, 1)
	assert.Equal(t, "30000", revs[0].Values["gpsWaitPeriod"])

	revs, err = c.Revisions(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, revs, 2)

	resp, err := http.Get(fx.http.URL + "/api/settings/revisions?limit=x")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_HistoryAndMap(t *testing.T) {
	fx := newFixture(t, "")

	fixes, err := New(fx.http.URL, "").History(context.Background())
	require.NoError(t, err)
	require.Len(t, fixes, 2)
	assert.Equal(t, 48.2, fixes[1].Latitude)

	resp, err := http.Get(fx.http.URL + "/api/map?proj=3857")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, geoJSONType, resp.Header.Get("Content-Type"))
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	assert.Contains(t, buf.String(), "FeatureCollection")
}

func TestServer_StreamSeedsAndFollows(t *testing.T) {
	fx := newFixture(t, "")
	url := "ws" + strings.TrimPrefix(fx.http.URL, "http") + "/api/stream"
	conn, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	seen := map[string]int{}
	read := func() streaming.Envelope {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var env streaming.Envelope
		require.NoError(t, conn.ReadJSON(&env))
		seen[env.Type]++
		return env
	}
	for i := 0; i < 3; i++ {
		read()
	}
	assert.Equal(t, map[string]int{
		streaming.TypeLogEntry:     1,
		streaming.TypeHistory:      1,
		streaming.TypeSessionState: 1,
	}, seen)

	fx.events.Error("Location failed: TIMEOUT")
	env := read()
	require.Equal(t, streaming.TypeLogEntry, env.Type)
	var p streaming.LogEntryPayload
	require.NoError(t, env.Decode(&p))
	assert.True(t, p.IsError)
	assert.Equal(t, "Location failed: TIMEOUT", p.Message)
	assert.Contains(t, p.Line, "[ERR] Location failed: TIMEOUT")
}

func TestServer_ShutdownClosesStreams(t *testing.T) {
	fx := newFixture(t, "")
	url := "ws" + strings.TrimPrefix(fx.http.URL, "http") + "/api/stream"
	conn, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, fx.srv.Shutdown(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			assert.True(t, ws.IsCloseError(err, ws.CloseGoingAway), "unexpected error: %v", err)
			return
		}
	}
}

func TestServer_StartAndShutdown(t *testing.T) {
	srv := NewServer(Dependencies{})
	addr, err := srv.Start("127.0.0.1:0")
	require.NoError(t, err)

	require.NoError(t, New("http://"+addr.String(), "").Healthcheck())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.Error(t, New("http://"+addr.String(), "").Healthcheck())
}
