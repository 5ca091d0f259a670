// Package transform runs the caller's cluster transform on a bounded pool of
// workers.
//
// Two limits apply. Concurrency bounds how many transforms execute at once.
// MaxInFlight bounds how many submitted clusters may be unfinished, which is
// what makes Submit block the builder. A transform parked in
// state.Store.Await gives back both its worker slot and its window unit, so
// the clusters it waits for can still be submitted and run.
package transform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"golang.org/x/sync/semaphore"

	"conveyor/internal/failure"
	"conveyor/internal/logging"
	"conveyor/internal/record"
	"conveyor/internal/state"
	"conveyor/internal/telemetry"
)

// Func transforms one cluster. It owns the cluster for the duration of the
// call, may mutate its records and property bin, and may use the shared
// store through c.State(). Returning nil keeps the input cluster.
type Func func(ctx context.Context, c *record.Cluster) (*record.Cluster, error)

// Completer receives every submitted cluster exactly once, in completion
// order. err is non-nil when the cluster must not be written.
type Completer interface {
	Complete(ctx context.Context, c *record.Cluster, err error)
}

type ErrorPolicy string

const (
	// PolicyAbort cancels the pipeline on the first transform error.
	PolicyAbort ErrorPolicy = "abort"
	// PolicyDrain stops accepting clusters and lets in-flight work finish;
	// the run then ends aborted.
	PolicyDrain ErrorPolicy = "drain"
	// PolicySkip attaches the error to the cluster, leaves it out of the
	// output and keeps going.
	PolicySkip ErrorPolicy = "skip"
)

func (p ErrorPolicy) Valid() bool {
	switch p {
	case PolicyAbort, PolicyDrain, PolicySkip:
		return true
	}
	return false
}

// ErrHalted is returned by Submit once a drain has started.
var ErrHalted = errors.New("transform: stage halted after error")

type Config struct {
	Concurrency int
	MaxInFlight int
	Policy      ErrorPolicy
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.MaxInFlight < c.Concurrency {
		c.MaxInFlight = 8 * c.Concurrency
	}
	if c.Policy == "" {
		c.Policy = PolicyDrain
	}
}

type Stage struct {
	cfg   Config
	fn    Func
	next  Completer
	abort func(error)
	log   *slog.Logger

	workers *semaphore.Weighted
	window  *semaphore.Weighted
	wg      conc.WaitGroup

	halted    atomic.Bool
	processed atomic.Int64

	mu      sync.Mutex
	errs    *multierror.Error
	skipped []error
}

// New builds a stage. abort is called with the error that must end the run
// immediately.
func New(cfg Config, fn Func, next Completer, abort func(error)) *Stage {
	cfg.applyDefaults()
	return &Stage{
		cfg:     cfg,
		fn:      fn,
		next:    next,
		abort:   abort,
		log:     logging.For("transform"),
		workers: semaphore.NewWeighted(int64(cfg.Concurrency)),
		window:  semaphore.NewWeighted(int64(cfg.MaxInFlight)),
	}
}

// Submit hands an eligible cluster to the pool, blocking while MaxInFlight
// clusters hold a window unit.
func (s *Stage) Submit(ctx context.Context, c *record.Cluster) error {
	if s.halted.Load() {
		return ErrHalted
	}
	if err := s.window.Acquire(ctx, 1); err != nil {
		return failure.Canceled(c.String(), context.Cause(ctx))
	}
	telemetry.InFlight.Inc()
	sl := &slot{workers: s.workers, window: s.window, inWindow: true}
	s.wg.Go(func() { s.run(ctx, c, sl) })
	return nil
}

// Wait blocks until every submitted cluster has been completed.
func (s *Stage) Wait() { s.wg.Wait() }

// Err returns the fatal transform errors collected so far.
func (s *Stage) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errs.ErrorOrNil()
}

func (s *Stage) Errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errs == nil {
		return nil
	}
	return append([]error(nil), s.errs.Errors...)
}

// Skipped returns the errors of clusters dropped under PolicySkip.
func (s *Stage) Skipped() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.skipped...)
}

func (s *Stage) Processed() int64 { return s.processed.Load() }

func (s *Stage) run(ctx context.Context, c *record.Cluster, sl *slot) {
	out, err := s.apply(ctx, c, sl)
	if err == nil && out != c {
		// completion is keyed by the hand-off ordinal of the input
		if out.Ordinal() != c.Ordinal() {
			err = fmt.Errorf("transform returned a cluster with ordinal %d in place of %d", out.Ordinal(), c.Ordinal())
		} else {
			out.Seal()
		}
	}

	if err == nil {
		// an early hand-off may still be receiving records
		select {
		case <-c.Sealed():
		case <-ctx.Done():
			err = failure.Canceled(c.String(), context.Cause(ctx))
		}
	}
	if err != nil {
		err = s.fail(ctx, c, err)
		s.next.Complete(ctx, c, err)
		return
	}
	s.processed.Add(1)
	telemetry.ClustersTransformed.WithLabelValues("ok").Inc()
	s.next.Complete(ctx, out, nil)
}

func (s *Stage) apply(ctx context.Context, c *record.Cluster, sl *slot) (*record.Cluster, error) {
	defer sl.release()
	if err := sl.Resume(ctx); err != nil {
		return nil, failure.Canceled(c.String(), context.Cause(ctx))
	}

	var out *record.Cluster
	var err error
	wctx := state.WithYielder(ctx, sl)
	if r := panics.Try(func() { out, err = s.fn(wctx, c) }); r != nil {
		err = fmt.Errorf("transform panicked: %w", r.AsError())
	}
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = c
	}
	return out, nil
}

// fail classifies and records a transform error according to the policy and
// returns the error handed to the completer.
func (s *Stage) fail(ctx context.Context, c *record.Cluster, err error) error {
	if ctx.Err() != nil && errors.Is(err, failure.ErrCanceled) {
		// the run is already ending; the cause is recorded elsewhere
		telemetry.ClustersTransformed.WithLabelValues("canceled").Inc()
		return err
	}
	if !errors.Is(err, failure.ErrTransform) {
		err = failure.Transform(c.String(), err)
	}
	fatal := failure.KindOf(err) == failure.KindDeadlock
	telemetry.ClustersTransformed.WithLabelValues("error").Inc()

	switch {
	case s.cfg.Policy == PolicySkip && !fatal:
		c.SetErr(err)
		s.mu.Lock()
		s.skipped = append(s.skipped, err)
		s.mu.Unlock()
		s.log.Warn("cluster skipped", "cluster", c.Pos.String(), "err", err)
	case s.cfg.Policy == PolicyDrain && !fatal:
		s.record(err)
		if !s.halted.Swap(true) {
			s.log.Error("transform failed; draining in-flight clusters", "cluster", c.Pos.String(), "err", err)
		}
	default:
		s.record(err)
		s.halted.Store(true)
		s.log.Error("transform failed; aborting", "cluster", c.Pos.String(), "err", err)
		s.abort(err)
	}
	return err
}

func (s *Stage) record(err error) {
	s.mu.Lock()
	s.errs = multierror.Append(s.errs, err)
	s.mu.Unlock()
}

// slot is what a running transform holds: one unit of worker concurrency and
// one unit of the in-flight window. Await yields both while parked.
type slot struct {
	workers  *semaphore.Weighted
	window   *semaphore.Weighted
	working  bool
	inWindow bool
}

func (s *slot) Yield() {
	if s.working {
		s.working = false
		s.workers.Release(1)
	}
	if s.inWindow {
		s.inWindow = false
		s.window.Release(1)
		telemetry.InFlight.Dec()
	}
}

// Resume takes the window unit back before the worker slot, in the same order
// as Submit followed by apply.
func (s *slot) Resume(ctx context.Context) error {
	if !s.inWindow {
		if err := s.window.Acquire(ctx, 1); err != nil {
			return err
		}
		s.inWindow = true
		telemetry.InFlight.Inc()
	}
	if !s.working {
		if err := s.workers.Acquire(ctx, 1); err != nil {
			return err
		}
		s.working = true
	}
	return nil
}

func (s *slot) release() { s.Yield() }
