// Package source defines the record sources a pipeline can ingest from.
package source

import (
	"context"
	"fmt"
	"sort"

	"conveyor/internal/record"
)

// EmitFunc receives records in arrival order. A non-nil error stops the
// source, which returns it from Run.
type EmitFunc func(*record.Record) error

// Adapter is the common behaviour every source exposes.
type Adapter interface {
	Configure(any) error                 // driver-specific config struct
	Run(context.Context, EmitFunc) error // read to exhaustion; nil at end of input
	Close() error                        // idempotent
}

/*──────── registry ───────*/

type Factory func() Adapter

var registry = map[string]Factory{}

// Register is called from each driver's init().
func Register(name string, f Factory) { registry[name] = f }

func NewAdapter(name string) (Adapter, error) {
	if f, ok := registry[name]; ok {
		return f(), nil
	}
	return nil, fmt.Errorf("source: unsupported kind %q (have %v)", name, Kinds())
}

func Kinds() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
