package logger

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// ColorTextHandler wraps slog.TextHandler to add ANSI color codes for log
// levels and to highlight the "service" attribute that every engine log
// line carries, so a service name stands out in a scrolling console of
// interleaved supervisor and health-check output.
type ColorTextHandler struct {
	*slog.TextHandler
	showTime bool
}

// NewColorTextHandler creates a new ColorTextHandler. When showTime is
// false, the record's timestamp is dropped before formatting — useful for
// a console stream running alongside a timestamped session log file.
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ColorTextHandler {
	return &ColorTextHandler{
		TextHandler: slog.NewTextHandler(w, opts),
		showTime:    showTime,
	}
}

const (
	colorReset  = "\033[0m"
	colorDebug  = "\033[36m" // cyan
	colorInfo   = "\033[32m" // green
	colorWarn   = "\033[33m" // yellow
	colorError  = "\033[31m" // red
	colorTagged = "\033[35m" // magenta, for the service tag
)

// Handle implements slog.Handler.
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.showTime {
		r.Time = time.Time{}
	}

	var levelColor string
	switch r.Level {
	case slog.LevelDebug:
		levelColor = colorDebug
	case slog.LevelInfo:
		levelColor = colorInfo
	case slog.LevelWarn:
		levelColor = colorWarn
	case slog.LevelError:
		levelColor = colorError
	default:
		levelColor = colorReset
	}

	prefix := levelColor + r.Level.String() + colorReset + "  "
	if service := serviceAttr(r); service != "" {
		prefix += colorTagged + "[" + service + "]" + colorReset + " "
	}
	r.Message = prefix + r.Message

	return h.TextHandler.Handle(ctx, r)
}

// serviceAttr pulls the "service" attribute off a record, if present, so it
// can be surfaced in the colorized prefix instead of buried among the
// trailing key=value pairs.
func serviceAttr(r slog.Record) string {
	service := ""
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "service" {
			service = a.Value.String()
			return false
		}
		return true
	})
	return service
}
