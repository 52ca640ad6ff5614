// Package handlers binds the host control commands to the session
// coordinator, the settings form and the location history.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fivegen/aquariuslocation/internal/dispatcher"
	"github.com/fivegen/aquariuslocation/internal/logging"
	"github.com/fivegen/aquariuslocation/internal/presenter"
	"github.com/fivegen/aquariuslocation/internal/settings"
	"github.com/fivegen/aquariuslocation/internal/util"
)

// Control commands.
const (
	CmdSessionStart  = ":SESSION:START:"
	CmdSessionStop   = ":SESSION:STOP:"
	CmdSessionReset  = ":SESSION:RESET:"
	CmdSettingsApply = ":SETTINGS:APPLY:"
	CmdHistoryClear  = ":HISTORY:CLEAR:"
)

const defaultTimeout = 30 * time.Second

// ErrBadArgs is returned when a command's arguments cannot be used.
var ErrBadArgs = errors.New("bad command arguments")

// Session is the part of the coordinator the commands drive.
type Session interface {
	EnsureStarted(ctx context.Context) error
	Stop()
	Reset(ctx context.Context) error
}

// History is the part of the location history the commands drive.
type History interface {
	Clear(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Session    Session
	History    History
	NewForm    func() *presenter.SettingsForm
	LogManager *logging.SlogManager
	Timeout    time.Duration
}

// Service provides the command handlers.
type Service struct {
	deps         Dependencies
	writeLogFunc func(functionName, data, level string)

	// applyMu serializes load, edit and apply so partial applies never
	// overwrite each other's fields.
	applyMu sync.Mutex
}

// NewService creates a new handler service
func NewService(deps Dependencies) *Service {
	if deps.Timeout <= 0 {
		deps.Timeout = defaultTimeout
	}
	s := &Service{deps: deps}
	s.writeLogFunc = func(functionName, data, level string) {
		if deps.LogManager != nil {
			deps.LogManager.WriteLog(functionName, data, level)
		}
	}
	return s
}

func (s *Service) writeLog(functionName, data, level string) {
	s.writeLogFunc(functionName, data, level)
}

// Register installs every control command on d. None of them returns data.
func (s *Service) Register(d *dispatcher.Dispatcher) {
	d.Register(CmdSessionStart, s.handleSessionStart, dispatcher.Logged())
	d.Register(CmdSessionStop, s.handleSessionStop, dispatcher.Logged())
	d.Register(CmdSessionReset, s.handleSessionReset, dispatcher.Logged())
	d.Register(CmdSettingsApply, s.handleSettingsApply, dispatcher.Logged())
	d.Register(CmdHistoryClear, s.handleHistoryClear, dispatcher.Logged())
}

func (s *Service) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.deps.Timeout)
}

func (s *Service) handleSessionStart(e dispatcher.Event) (any, error) {
	ctx, cancel := s.context()
	defer cancel()
	if err := s.deps.Session.EnsureStarted(ctx); err != nil {
		s.writeLog(e.Command, fmt.Sprintf("start failed: %v", err), "ERROR")
		return nil, err
	}
	return nil, nil
}

func (s *Service) handleSessionStop(e dispatcher.Event) (any, error) {
	s.deps.Session.Stop()
	s.writeLog(e.Command, "session stopped", "INFO")
	return nil, nil
}

func (s *Service) handleSessionReset(e dispatcher.Event) (any, error) {
	ctx, cancel := s.context()
	defer cancel()
	if err := s.deps.Session.Reset(ctx); err != nil {
		s.writeLog(e.Command, fmt.Sprintf("reset failed: %v", err), "ERROR")
		return nil, err
	}
	return nil, nil
}

// handleSettingsApply takes either the six values in key order, a single
// bracketed array of them, or key=value pairs for a subset. Values go
// through the form's edit policy before being applied.
func (s *Service) handleSettingsApply(e dispatcher.Event) (any, error) {
	fields, err := SettingsFields(e.Args)
	if err != nil {
		s.writeLog(e.Command, err.Error(), "ERROR")
		return nil, err
	}

	ctx, cancel := s.context()
	defer cancel()

	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	form := s.deps.NewForm()
	if err := form.Load(ctx); err != nil {
		s.writeLog(e.Command, fmt.Sprintf("stored settings unreadable, editing defaults: %v", err), "WARN")
	}
	if err := form.EditAll(fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadArgs, err)
	}
	if err := form.Apply(ctx); err != nil {
		s.writeLog(e.Command, fmt.Sprintf("apply failed: %v", err), "ERROR")
		return nil, err
	}
	s.writeLog(e.Command, fmt.Sprintf("applied %d fields", len(fields)), "INFO")
	return nil, nil
}

func (s *Service) handleHistoryClear(e dispatcher.Event) (any, error) {
	ctx, cancel := s.context()
	defer cancel()
	if err := s.deps.History.Clear(ctx); err != nil {
		s.writeLog(e.Command, fmt.Sprintf("clear failed: %v", err), "ERROR")
		return nil, err
	}
	return nil, nil
}

// SettingsFields maps :SETTINGS:APPLY: arguments onto settings keys.
func SettingsFields(args []string) (map[string]string, error) {
	args = util.CleanArgs(append([]string(nil), args...))
	if len(args) == 1 {
		args = util.ParseStringArray(args[0])
	}
	if util.IsKeyValue(args) {
		fields, err := util.ParseKeyValues(args)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadArgs, err)
		}
		return fields, nil
	}
	if len(args) != len(settings.Keys) {
		return nil, fmt.Errorf("%w: want %d values or key=value pairs, got %d", ErrBadArgs, len(settings.Keys), len(args))
	}
	fields := make(map[string]string, len(args))
	for i, key := range settings.Keys {
		fields[key] = args[i]
	}
	return fields, nil
}
