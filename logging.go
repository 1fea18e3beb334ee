package apprun

import (
	"context"
	"io"
	"log/slog"

	"github.com/chainguard-dev/clog"
	charmlog "github.com/charmbracelet/log"
	"github.com/mattn/go-isatty"
)

// WithLogger returns ctx carrying a logger which writes to w at level, and
// makes it the default slog logger. Timestamps are only reported when w is
// not a terminal, e.g. when logging to a file.
func WithLogger(ctx context.Context, w io.Writer, level slog.Level) context.Context {
	tty := false
	if f, ok := w.(interface{ Fd() uintptr }); ok {
		tty = isatty.IsTerminal(f.Fd())
	}
	l := charmlog.NewWithOptions(w, charmlog.Options{
		Level:           charmlog.Level(level),
		ReportTimestamp: !tty,
		Prefix:          "apprun",
	})
	ctx = clog.WithLogger(ctx, clog.New(l))
	slog.SetDefault(slog.New(l))
	return ctx
}
