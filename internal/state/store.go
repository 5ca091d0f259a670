// Package state implements the store shared by every worker of a pipeline run.
//
// All mutations are serialized by a single mutex, so every observer sees the
// same order of increments and replacements. Await is a condition-variable
// wait: it re-evaluates its predicate after each mutation and never holds the
// lock while parked.
package state

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"conveyor/internal/failure"
	"conveyor/internal/telemetry"
)

var (
	ErrUnknownKey = errors.New("state: unknown key")
	ErrNotNumeric = errors.New("state: value is not numeric")
)

// Entry is an initial key/value pair.
type Entry struct {
	Key   string
	Value any
}

// ParseEntries reads "Key|Value" specs. A numeric value is stored as int64,
// anything else as a string; a spec without "|" seeds the key with nil.
func ParseEntries(specs []string) ([]Entry, error) {
	out := make([]Entry, 0, len(specs))
	for _, s := range specs {
		key, val, hasVal := strings.Cut(s, "|")
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("state: empty key in %q", s)
		}
		e := Entry{Key: key}
		if hasVal {
			if n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64); err == nil {
				e.Value = n
			} else {
				e.Value = val
			}
		}
		out = append(out, e)
	}
	return out, nil
}

type Option func(*Store)

// WithAwaitTimeout bounds every Await call. Zero means no bound.
func WithAwaitTimeout(d time.Duration) Option {
	return func(s *Store) { s.awaitTimeout = d }
}

type Store struct {
	mu   sync.Mutex
	cond *sync.Cond
	data map[string]any

	awaitTimeout time.Duration
}

func New(entries []Entry, opts ...Option) *Store {
	s := &Store{data: make(map[string]any, len(entries))}
	s.cond = sync.NewCond(&s.mu)
	for _, e := range entries {
		s.data[e.Key] = normalize(e.Value)
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

// Int returns the numeric value under key, or 0.
func (s *Store) Int(key string) int64 {
	v, _ := s.Get(key)
	n, _ := toInt(v)
	return n
}

// Replace atomically swaps the value under key with fn(old). fn runs with the
// store locked and must not call back into the store.
func (s *Store) Replace(key string, fn func(old any) any) error {
	s.mu.Lock()
	old, ok := s.data[key]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w %q", ErrUnknownKey, key)
	}
	s.data[key] = normalize(fn(old))
	s.mu.Unlock()
	s.cond.Broadcast()
	return nil
}

// Increment adds one to the numeric value under key and returns the result.
func (s *Store) Increment(key string) (int64, error) {
	return s.Add(key, 1)
}

func (s *Store) Add(key string, delta int64) (int64, error) {
	s.mu.Lock()
	old, ok := s.data[key]
	if !ok {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w %q", ErrUnknownKey, key)
	}
	n, ok := toInt(old)
	if !ok {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: %q holds %T", ErrNotNumeric, key, old)
	}
	n += delta
	s.data[key] = n
	s.mu.Unlock()
	s.cond.Broadcast()
	return n, nil
}

// Snapshot copies the current contents.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	out := make(Snapshot, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

// Await blocks until pred holds for a snapshot of the store, the context is
// done, or the await timeout passes. pred receives a copy and must not call
// the store. A worker slot attached to ctx with WithYielder is given back for
// the duration of the wait.
func (s *Store) Await(ctx context.Context, pred func(Snapshot) bool) (err error) {
	s.mu.Lock()
	if pred(s.snapshotLocked()) {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	started := time.Now()
	defer func() { telemetry.AwaitSeconds.Observe(time.Since(started).Seconds()) }()

	waitCtx := ctx
	if s.awaitTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.awaitTimeout)
		defer cancel()
	}
	stop := context.AfterFunc(waitCtx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	if y := yielderFrom(ctx); y != nil {
		y.Yield()
		defer func() {
			if rerr := y.Resume(ctx); rerr != nil && err == nil {
				err = failure.Canceled("await", rerr)
			}
		}()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for !pred(s.snapshotLocked()) {
		if werr := waitCtx.Err(); werr != nil {
			if ctx.Err() == nil && errors.Is(werr, context.DeadlineExceeded) {
				return failure.Deadlock("await", fmt.Errorf("predicate still false after %s", s.awaitTimeout))
			}
			return failure.Canceled("await", context.Cause(ctx))
		}
		s.cond.Wait()
	}
	return nil
}

func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case uint32:
		return int64(n)
	default:
		return v
	}
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint32:
		return int64(n), true
	default:
		return 0, false
	}
}
