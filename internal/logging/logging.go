// Package logging hands out component-scoped slog loggers backed by one
// process-wide handler.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
)

// Component names used across the module.
const (
	CompCatalog = "catalog"
	CompSearch  = "search"
	CompWatch   = "watch"
	CompArchive = "archive"
	CompMCP     = "mcp"
	CompCLI     = "cli"
)

var (
	level   = new(slog.LevelVar)
	handler atomic.Pointer[slog.Handler]
)

func init() {
	level.Set(slog.LevelWarn)
	var h slog.Handler = slog.NewTextHandler(io.Discard, nil)
	handler.Store(&h)
}

// Setup routes all component loggers to w at the given level.
func Setup(w io.Writer, lvl string) error {
	parsed, err := ParseLevel(lvl)
	if err != nil {
		return err
	}
	level.Set(parsed)
	var h slog.Handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	handler.Store(&h)
	return nil
}

// ParseLevel accepts debug, info, warn or error (empty means warn).
func ParseLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "", "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelWarn, fmt.Errorf("unknown log level %q", value)
	}
}

// For returns a logger tagged with component. It follows later Setup calls.
func For(component string) *slog.Logger {
	return slog.New(forwarder{}).With(slog.String("component", component))
}

// forwarder resolves the current handler on every call so loggers created
// at package init pick up Setup. ops replays WithAttrs/WithGroup in order.
type forwarder struct {
	ops []func(slog.Handler) slog.Handler
}

func (f forwarder) current() slog.Handler {
	h := *handler.Load()
	for _, op := range f.ops {
		h = op(h)
	}
	return h
}

func (f forwarder) with(op func(slog.Handler) slog.Handler) forwarder {
	ops := make([]func(slog.Handler) slog.Handler, len(f.ops), len(f.ops)+1)
	copy(ops, f.ops)
	return forwarder{ops: append(ops, op)}
}

func (f forwarder) Enabled(ctx context.Context, l slog.Level) bool {
	return f.current().Enabled(ctx, l)
}

func (f forwarder) Handle(ctx context.Context, r slog.Record) error {
	return f.current().Handle(ctx, r)
}

func (f forwarder) WithAttrs(attrs []slog.Attr) slog.Handler {
	return f.with(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (f forwarder) WithGroup(name string) slog.Handler {
	return f.with(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}
