// Package eventlog keeps the bounded, human-readable diagnostic log shown next to the
// settings panel. Appending never blocks; the oldest entries are dropped on overflow.
package eventlog

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fivegen/aquariuslocation/internal/pubsub"
	"github.com/fivegen/aquariuslocation/internal/queue"
)

// DefaultCapacity is used when a non-positive capacity is configured.
const DefaultCapacity = 1000

const timeLayout = "15:04:05"

// Entry is one timestamped diagnostic message.
type Entry struct {
	Time    time.Time
	Message string
	IsError bool
}

// Format renders an entry as "HH:MM:SS: [ERR] message".
// Non-error entries keep the separator, giving "HH:MM:SS:  message".
func Format(e Entry) string {
	tag := ""
	if e.IsError {
		tag = "[ERR]"
	}
	return fmt.Sprintf("%s: %s %s", e.Time.Format(timeLayout), tag, e.Message)
}

func (e Entry) String() string {
	return Format(e)
}

// Log is a bounded broadcast log with backlog replay for new subscribers.
type Log struct {
	ring   *queue.Queue[Entry]
	hub    *pubsub.Hub[Entry]
	logger *slog.Logger
	now    func() time.Time
}

// New creates a log retaining at most capacity entries.
// logger receives a mirror of every Debug/Error entry; nil disables mirroring.
func New(capacity int, logger *slog.Logger) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		ring:   queue.New[Entry](capacity),
		hub:    pubsub.NewHub[Entry](pubsub.Backlog, capacity),
		logger: logger,
		now:    time.Now,
	}
}

// Append records a message with the current time.
func (l *Log) Append(message string, isError bool) {
	e := Entry{Time: l.now(), Message: message, IsError: isError}
	l.hub.Update(func() (Entry, bool) {
		l.ring.Push(e)
		return e, true
	})
}

// Debug mirrors msg to the structured logger and appends it.
func (l *Log) Debug(msg string) {
	if l.logger != nil {
		l.logger.Debug(msg, "source", "eventlog")
	}
	l.Append(msg, false)
}

// Error mirrors msg to the structured logger and appends it as an error.
func (l *Log) Error(msg string) {
	if l.logger != nil {
		l.logger.Error(msg, "source", "eventlog")
	}
	l.Append(msg, true)
}

// Debugf is Debug with formatting.
func (l *Log) Debugf(format string, args ...any) {
	l.Debug(fmt.Sprintf(format, args...))
}

// Errorf is Error with formatting.
func (l *Log) Errorf(format string, args ...any) {
	l.Error(fmt.Sprintf(format, args...))
}

// Subscribe replays the retained backlog, then delivers new entries in order.
func (l *Log) Subscribe() *pubsub.Subscription[Entry] {
	return l.hub.Subscribe(l.ring.Snapshot)
}

// Entries returns a copy of the retained entries, oldest first.
func (l *Log) Entries() []Entry {
	return l.ring.Snapshot()
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	return l.ring.Len()
}

// Capacity returns the retention bound.
func (l *Log) Capacity() int {
	return l.ring.Limit()
}

// Close ends every subscription.
func (l *Log) Close() {
	l.hub.Close()
}
