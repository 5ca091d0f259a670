package state

import "context"

// Snapshot is a point-in-time copy of the store.
type Snapshot map[string]any

func (s Snapshot) Int(key string) int64 {
	n, _ := toInt(s[key])
	return n
}

func (s Snapshot) String(key string) string {
	v, _ := s[key].(string)
	return v
}

func (s Snapshot) Strings(key string) []string {
	v, _ := s[key].([]string)
	return v
}

// Yielder lets a blocked Await hand its worker slot back to the pool.
// Resume must be called exactly once after each Yield.
type Yielder interface {
	Yield()
	Resume(ctx context.Context) error
}

type yielderKey struct{}

func WithYielder(ctx context.Context, y Yielder) context.Context {
	return context.WithValue(ctx, yielderKey{}, y)
}

func yielderFrom(ctx context.Context) Yielder {
	y, _ := ctx.Value(yielderKey{}).(Yielder)
	return y
}
