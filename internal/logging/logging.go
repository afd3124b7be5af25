// Package logging installs the process-wide slog logger.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/juju/lumberjack/v2"
	"github.com/mattn/go-isatty"
	"github.com/treykane/approval-relay/internal/appconfig"
	"github.com/treykane/approval-relay/internal/events"
	"github.com/treykane/approval-relay/internal/security"
)

// Options tune Setup for the running mode.
type Options struct {
	// Console mirrors records to stderr when it is a terminal. The dashboard
	// turns this off because it owns the screen.
	Console bool
	// Bus receives warn and error records as log events.
	Bus *events.Bus
}

// Setup points slog's default logger at a rotating file and returns the
// closer for that file.
func Setup(cfg appconfig.Config, opts Options) (io.Closer, error) {
	path, err := cfg.LogFilePath()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	file := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		Compress:   true,
	}

	var w io.Writer = file
	if opts.Console && isatty.IsTerminal(os.Stderr.Fd()) {
		w = io.MultiWriter(file, os.Stderr)
	}

	var h slog.Handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(cfg.Log.Level)})
	if opts.Bus != nil {
		h = &busHandler{Handler: h, bus: opts.Bus}
	}
	slog.SetDefault(slog.New(h))
	return file, nil
}

// ParseLevel maps config level names onto slog levels, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// busHandler mirrors warn and error records onto the event bus.
type busHandler struct {
	slog.Handler
	bus   *events.Bus
	attrs []slog.Attr
}

func (h *busHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		source := "relay"
		var b strings.Builder
		b.WriteString(r.Message)
		visit := func(a slog.Attr) bool {
			if a.Key == "component" {
				source = a.Value.String()
				return true
			}
			fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
			return true
		}
		for _, a := range h.attrs {
			visit(a)
		}
		r.Attrs(visit)
		sev := events.SeverityWarn
		if r.Level >= slog.LevelError {
			sev = events.SeverityError
		}
		h.bus.Log(source, sev, security.RedactMessage(b.String()))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *busHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &busHandler{
		Handler: h.Handler.WithAttrs(attrs),
		bus:     h.bus,
		attrs:   append(append([]slog.Attr(nil), h.attrs...), attrs...),
	}
}

func (h *busHandler) WithGroup(name string) slog.Handler {
	return &busHandler{Handler: h.Handler.WithGroup(name), bus: h.bus, attrs: h.attrs}
}
