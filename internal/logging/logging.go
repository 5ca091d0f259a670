// Package logging holds the process-wide slog setup.
//
// Loggers returned by L and For forward to whatever handler the last
// Configure call installed, so packages may build their component loggers
// before the command line has been parsed.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

const (
	EnvLevel  = "CONVEYOR_LOG_LEVEL"
	EnvJSON   = "CONVEYOR_LOG_JSON"
	EnvSource = "CONVEYOR_LOG_SOURCE"
)

type Options struct {
	Level     string // debug|info|warn|error, or a slog level such as "DEBUG+2"
	JSON      bool
	AddSource bool
	Output    io.Writer // stderr when nil
}

type root struct{ h slog.Handler }

var (
	level   slog.LevelVar
	current atomic.Pointer[root]
)

func init() {
	current.Store(&root{h: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})})
}

// Configure replaces the output of every logger handed out so far.
func Configure(opts Options) error {
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return err
	}
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	ho := &slog.HandlerOptions{Level: &level, AddSource: opts.AddSource}
	var h slog.Handler = slog.NewTextHandler(out, ho)
	if opts.JSON {
		h = slog.NewJSONHandler(out, ho)
	}
	level.Set(lvl)
	current.Store(&root{h: h})
	return nil
}

// ParseLevel accepts the short names used on the command line as well as
// anything slog.Level understands. The empty string is info.
func ParseLevel(s string) (slog.Level, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "":
		return slog.LevelInfo, nil
	case "warning":
		return slog.LevelWarn, nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("logging: unknown level %q", s)
	}
	return l, nil
}

// Level reports the level currently in force.
func Level() slog.Level { return level.Level() }

func L() *slog.Logger { return slog.New(&forwarder{}) }

// For returns a logger tagged with a component name.
func For(component string) *slog.Logger {
	return L().With("component", component)
}

// OptionsFromEnv reads CONVEYOR_LOG_LEVEL, CONVEYOR_LOG_JSON and
// CONVEYOR_LOG_SOURCE. Unset variables keep their defaults.
func OptionsFromEnv() (Options, error) {
	opts := Options{Level: os.Getenv(EnvLevel)}
	var err error
	if opts.JSON, err = envBool(EnvJSON); err != nil {
		return opts, err
	}
	if opts.AddSource, err = envBool(EnvSource); err != nil {
		return opts, err
	}
	return opts, nil
}

func InitFromEnv() error {
	opts, err := OptionsFromEnv()
	if err != nil {
		return err
	}
	return Configure(opts)
}

func envBool(key string) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("logging: %s=%q is not a boolean", key, v)
	}
	return b, nil
}

// forwarder replays the attrs and groups added through With onto the
// current root handler. The result is cached until the root changes.
type forwarder struct {
	ops   []func(slog.Handler) slog.Handler
	cache atomic.Pointer[resolved]
}

type resolved struct {
	from *root
	h    slog.Handler
}

func (f *forwarder) handler() slog.Handler {
	r := current.Load()
	if c := f.cache.Load(); c != nil && c.from == r {
		return c.h
	}
	h := r.h
	for _, op := range f.ops {
		h = op(h)
	}
	f.cache.Store(&resolved{from: r, h: h})
	return h
}

func (f *forwarder) Enabled(_ context.Context, l slog.Level) bool { return l >= level.Level() }

func (f *forwarder) Handle(ctx context.Context, r slog.Record) error {
	return f.handler().Handle(ctx, r)
}

func (f *forwarder) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return f
	}
	return f.with(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (f *forwarder) WithGroup(name string) slog.Handler {
	if name == "" {
		return f
	}
	return f.with(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (f *forwarder) with(op func(slog.Handler) slog.Handler) *forwarder {
	ops := make([]func(slog.Handler) slog.Handler, len(f.ops), len(f.ops)+1)
	copy(ops, f.ops)
	return &forwarder{ops: append(ops, op)}
}
