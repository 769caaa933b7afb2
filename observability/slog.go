package observability

import (
	"context"
	"io"
	"log/slog"
	"sort"
)

// SlogObserver writes events to a slog.Logger. The event type becomes the
// log message and Data keys become top-level attributes in sorted order.
type SlogObserver struct {
	logger *slog.Logger
	min    Level
}

// NewSlogObserver creates a SlogObserver that emits every event to logger.
func NewSlogObserver(logger *slog.Logger) *SlogObserver {
	return &SlogObserver{logger: logger}
}

// NewLogger builds the process logger. Format "json" selects the JSON handler;
// anything else selects text.
func NewLogger(w io.Writer, format string, level Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level.SlogLevel()}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// WithMinLevel drops events below min before they reach the logger.
func (o *SlogObserver) WithMinLevel(min Level) *SlogObserver {
	return &SlogObserver{logger: o.logger, min: min}
}

func (o *SlogObserver) OnEvent(ctx context.Context, event Event) {
	if event.Level < o.min {
		return
	}

	keys := make([]string, 0, len(event.Data))
	for k := range event.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]slog.Attr, 0, len(keys)+1)
	attrs = append(attrs, slog.String("source", event.Source))
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, event.Data[k]))
	}

	o.logger.LogAttrs(ctx, event.Level.SlogLevel(), string(event.Type), attrs...)
}
