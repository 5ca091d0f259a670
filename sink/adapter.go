// Package sink defines the lane outputs a pipeline writes to.
package sink

import (
	"fmt"
	"sort"

	"conveyor/internal/record"
)

// Adapter is the common behaviour every sink exposes. Push is called from a
// single lane writer goroutine, in lane order.
type Adapter interface {
	Configure(any) error       // driver-specific config struct
	Push(*record.Record) error // consume one record
	Close() error              // flush and release; idempotent
}

/*──────── registry ───────*/

type factory = func() Adapter

var reg = map[string]factory{}

func Register(name string, f factory) { reg[name] = f }

func NewAdapter(name string) (Adapter, error) {
	if f, ok := reg[name]; ok {
		return f(), nil
	}
	return nil, fmt.Errorf("unknown sink %q (have %v)", name, Kinds())
}

func Kinds() []string {
	out := make([]string, 0, len(reg))
	for k := range reg {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
