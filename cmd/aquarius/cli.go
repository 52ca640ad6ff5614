package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/fivegen/aquariuslocation/internal/api"
	"github.com/fivegen/aquariuslocation/internal/config"
	"github.com/fivegen/aquariuslocation/internal/storage"
	"github.com/fivegen/aquariuslocation/internal/storage/memory"
	"github.com/fivegen/aquariuslocation/internal/util"
	"github.com/fivegen/aquariuslocation/pkg/core"
)

var errUsage = errors.New("usage")

// controlClient is the part of api.Client the subcommands use.
type controlClient interface {
	Status(ctx context.Context) (api.StatusResponse, error)
	SessionCommand(ctx context.Context, action string) error
	Settings(ctx context.Context) (api.SettingsResponse, error)
	ApplySettings(ctx context.Context, values map[string]string) error
	Revisions(ctx context.Context, limit int) ([]storage.Revision, error)
	History(ctx context.Context) ([]core.Fix, error)
	ClearHistory(ctx context.Context) error
	Log(ctx context.Context) (string, error)
}

func newClient() *api.Client {
	sc := config.GetServerConfig()
	return api.New(sc.URL, sc.APIKey)
}

func runClient(ctx context.Context, c controlClient, cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "status":
		st, err := c.Status(ctx)
		if err != nil {
			return err
		}
		printStatus(out, st)
		return nil

	case "start", "stop", "reset":
		if err := c.SessionCommand(ctx, cmd); err != nil {
			return err
		}
		fmt.Fprintf(out, "session %s: ok\n", cmd)
		return nil

	case "settings":
		if len(args) > 0 {
			values, err := util.ParseKeyValues(args)
			if err != nil {
				return err
			}
			if err := c.ApplySettings(ctx, values); err != nil {
				return err
			}
			fmt.Fprintln(out, "settings applied, session restarted")
			return nil
		}
		s, err := c.Settings(ctx)
		if err != nil {
			return err
		}
		printSettings(out, s)
		return nil

	case "revisions":
		revs, err := c.Revisions(ctx, 10)
		if err != nil {
			return err
		}
		for _, r := range revs {
			fmt.Fprintf(out, "%s\n", r.AppliedAt.Local().Format(time.DateTime))
			printSettings(out, api.SettingsResponse{Values: r.Values})
		}
		if len(revs) == 0 {
			fmt.Fprintln(out, "no revisions recorded")
		}
		return nil

	case "history":
		fixes, err := c.History(ctx)
		if err != nil {
			return err
		}
		for _, f := range fixes {
			fmt.Fprintf(out, "%s  %s  alt %.1f\n", f.ObservedAt.Local().Format(time.DateTime), f.FormatLatLon(), f.Altitude)
		}
		fmt.Fprintf(out, "%d fixes\n", len(fixes))
		return nil

	case "clear-history":
		if err := c.ClearHistory(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "history cleared")
		return nil

	case "log":
		text, err := c.Log(ctx)
		if err != nil {
			return err
		}
		fmt.Fprint(out, text)
		if text != "" && !strings.HasSuffix(text, "\n") {
			fmt.Fprintln(out)
		}
		return nil

	case "export":
		if len(args) != 1 {
			return errUsage
		}
		fixes, err := c.History(ctx)
		if err != nil {
			return err
		}
		path, err := memory.WriteExport(args[0], true, fixes, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "exported %d fixes to %s\n", len(fixes), path)
		return nil

	default:
		return errUsage
	}
}

func printStatus(out io.Writer, st api.StatusResponse) {
	state := st.State
	if st.Failure != "" {
		state += " (" + st.Failure + ")"
	}
	fmt.Fprintf(out, "state:    %s\n", state)
	if st.Phase != "" {
		fmt.Fprintf(out, "phase:    %s\n", st.Phase)
	}
	if st.SessionID != "" {
		fmt.Fprintf(out, "session:  %s\n", st.SessionID)
	}
	fmt.Fprintf(out, "fixes:    %d (restarts %d)\n", st.Fixes, st.Restarts)
	fmt.Fprintf(out, "history:  %d\n", st.History)
	fmt.Fprintf(out, "log:      %d entries\n", st.LogEntries)
}

func printSettings(out io.Writer, s api.SettingsResponse) {
	keys := make([]string, 0, len(s.Values))
	for k := range s.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "%-26s %s\n", k, s.Values[k])
	}
	if s.Warning != "" {
		fmt.Fprintf(out, "warning: %s\n", s.Warning)
	}
}
