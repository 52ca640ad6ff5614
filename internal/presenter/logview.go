package presenter

import (
	"context"
	"strings"

	"github.com/fivegen/aquariuslocation/internal/eventlog"
	"github.com/fivegen/aquariuslocation/internal/pubsub"
	"github.com/fivegen/aquariuslocation/internal/queue"
)

// LogView accumulates formatted event log lines. With a positive limit
// only the newest limit lines are kept.
type LogView struct {
	lines *queue.Queue[string]
}

// NewLogView creates a view keeping at most limit formatted lines.
func NewLogView(limit int) *LogView {
	return &LogView{lines: queue.New[string](limit)}
}

// Add appends one entry.
func (v *LogView) Add(e eventlog.Entry) {
	v.lines.Push(eventlog.Format(e) + "\n")
}

// Text is the whole view, one entry per line.
func (v *LogView) Text() string {
	return strings.Join(v.lines.Snapshot(), "")
}

// Lines returns the formatted lines without their newline.
func (v *LogView) Lines() []string {
	raw := v.lines.Snapshot()
	out := make([]string, len(raw))
	for i, l := range raw {
		out[i] = strings.TrimSuffix(l, "\n")
	}
	return out
}

// Run adds every entry of sub until ctx ends or sub closes.
func (v *LogView) Run(ctx context.Context, sub *pubsub.Subscription[eventlog.Entry]) {
	consume(ctx, sub, v.Add)
}
