package cli

import (
	"io"
	"log/slog"
)

func newLogger(inv Invocation, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if inv.Debug {
		opts.Level = slog.LevelDebug
	}
	if inv.LogFormat == LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
