package logging

import (
	"context"
	"log/slog"
)

// ContextProvider returns attributes evaluated at the time of each record.
type ContextProvider func() []slog.Attr

// SessionContext reports the current session id and coordinator phase.
// Empty values are omitted.
func SessionContext(sessionID, phase func() string) ContextProvider {
	return func() []slog.Attr {
		attrs := make([]slog.Attr, 0, 2)
		if sessionID != nil {
			if id := sessionID(); id != "" {
				attrs = append(attrs, slog.String("session", id))
			}
		}
		if phase != nil {
			if p := phase(); p != "" {
				attrs = append(attrs, slog.String("phase", p))
			}
		}
		return attrs
	}
}

// ContextHandler wraps another handler and injects dynamic attributes.
type ContextHandler struct {
	inner    slog.Handler
	provider ContextProvider
}

// NewContextHandler wraps inner so every record carries the provider attributes.
func NewContextHandler(inner slog.Handler, provider ContextProvider) *ContextHandler {
	return &ContextHandler{inner: inner, provider: provider}
}

// Enabled delegates to the inner handler.
func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle adds the provider attributes and delegates to the inner handler.
func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.provider != nil {
		if attrs := h.provider(); len(attrs) > 0 {
			r = r.Clone()
			r.AddAttrs(attrs...)
		}
	}
	return h.inner.Handle(ctx, r)
}

// WithAttrs returns a ContextHandler with the attributes added to inner.
func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{inner: h.inner.WithAttrs(attrs), provider: h.provider}
}

// WithGroup returns a ContextHandler with the group opened on inner.
func (h *ContextHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &ContextHandler{inner: h.inner.WithGroup(name), provider: h.provider}
}
