package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"conveyor/internal/cluster"
	"conveyor/internal/dispatch"
	"conveyor/internal/failure"
	"conveyor/internal/logging"
	"conveyor/internal/record"
	"conveyor/internal/state"
	"conveyor/internal/transform"
	"conveyor/sink"
	"conveyor/source"
)

// ErrStopped is the cancellation cause recorded by Stop.
var ErrStopped = errors.New("pipeline: stop requested")

type Status int

const (
	StatusIdle Status = iota
	StatusRunning
	StatusCompleted
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusAborted:
		return "aborted"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Config is everything a Runner needs besides its source and sinks.
type Config struct {
	State        []state.Entry
	AwaitTimeout time.Duration // bound on every state.Store.Await; zero = none
	Cluster      cluster.Config
	Transform    transform.Config
	Func         transform.Func
	Router       dispatch.RouterFunc
}

// Result is the only state visible after a run.
type Result struct {
	Status            Status
	RecordsRead       int64
	ClustersRead      int64 // built, head and foot included
	ClustersProcessed int64 // transformed without error
	ClustersWritten   int64
	Boundaries        int64
	LaneClusters      []int64
	LaneRecords       []int64
	State             state.Snapshot
	// Err is nil exactly when Status is StatusCompleted. Its kind is
	// available through failure.KindOf.
	Err error
	// Skipped holds the transform errors of clusters left out under the
	// skip policy.
	Skipped []error
	Elapsed time.Duration
}

type Runner struct {
	cfg    Config
	source source.Adapter
	sinks  []sink.Adapter
	log    *slog.Logger

	mu      sync.Mutex
	status  Status
	cancel  context.CancelCauseFunc
	stopped bool
}

func NewRunner(cfg Config) *Runner {
	return &Runner{cfg: cfg, log: logging.For("runner")}
}

func (r *Runner) SetSource(s source.Adapter) { r.source = s }

// AddSink appends an output lane; lanes are indexed in the order added.
func (r *Runner) AddSink(s sink.Adapter) { r.sinks = append(r.sinks, s) }

func (r *Runner) Lanes() int { return len(r.sinks) }

func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Stop cancels a running pipeline. Workers parked in Await are woken and the
// run ends aborted. Stop before Run makes Run abort immediately.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.cancel != nil {
		r.cancel(ErrStopped)
	}
}

func (r *Runner) validate() error {
	switch {
	case r.source == nil:
		return errors.New("runner: no source configured")
	case len(r.sinks) == 0:
		return errors.New("runner: no output lanes configured")
	case r.cfg.Func == nil:
		return errors.New("runner: no transform configured")
	case r.cfg.Router == nil:
		return errors.New("runner: no router configured")
	case r.cfg.Cluster.Deferral != "" && !r.cfg.Cluster.Deferral.Valid():
		return fmt.Errorf("runner: unknown deferral policy %q", r.cfg.Cluster.Deferral)
	case r.cfg.Transform.Policy != "" && !r.cfg.Transform.Policy.Valid():
		return fmt.Errorf("runner: unknown error policy %q", r.cfg.Transform.Policy)
	}
	return nil
}

// Run drives the pipeline to completion. A Runner runs once.
func (r *Runner) Run(ctx context.Context) Result {
	start := time.Now()
	r.mu.Lock()
	if r.status != StatusIdle {
		r.mu.Unlock()
		return Result{Status: StatusAborted, Err: errors.New("runner: already used")}
	}
	if err := r.validate(); err != nil {
		r.status = StatusAborted
		r.mu.Unlock()
		return Result{Status: StatusAborted, Err: err}
	}
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	r.status, r.cancel = StatusRunning, cancel
	if r.stopped {
		cancel(ErrStopped)
	}
	r.mu.Unlock()

	st := state.New(r.cfg.State, state.WithAwaitTimeout(r.cfg.AwaitTimeout))
	abort := func(err error) { cancel(err) }

	lanes := make([]dispatch.Sink, len(r.sinks))
	for i, s := range r.sinks {
		lanes[i] = s
	}
	disp := dispatch.New(r.cfg.Router, lanes, abort)
	stage := transform.New(r.cfg.Transform, r.cfg.Func, disp, abort)
	b := cluster.New(r.cfg.Cluster, st, stage)

	r.log.Info("pipeline started", "lanes", len(r.sinks), "concurrency", r.cfg.Transform.Concurrency)
	ingestErr := r.ingest(ctx, b)
	if ingestErr != nil {
		abort(ingestErr)
	}

	stage.Wait()
	outErr := disp.Close()
	if errors.Is(outErr, dispatch.ErrUnreleased) && (ctx.Err() != nil || ingestErr != nil || stage.Err() != nil) {
		// clusters cut off by an abort or a drain are expected holes
		outErr = nil
	}
	var closeErrs *multierror.Error
	for i, s := range r.sinks {
		if err := s.Close(); err != nil {
			closeErrs = multierror.Append(closeErrs, failure.Output(fmt.Sprintf("lane %d", i), err))
		}
	}
	if err := r.source.Close(); err != nil {
		r.log.Warn("source close failed", "err", err)
	}

	res := r.result(b, stage, disp, st)
	res.Err = collect(ctx, stage.Errors(), ingestErr, outErr, closeErrs.ErrorOrNil())
	res.Status = StatusCompleted
	if res.Err != nil {
		res.Status = StatusAborted
	}
	res.Elapsed = time.Since(start)

	r.mu.Lock()
	r.status = res.Status
	r.mu.Unlock()

	if res.Err != nil {
		r.log.Error("pipeline aborted", "kind", failure.KindOf(res.Err).String(), "err", res.Err)
	} else {
		r.log.Info("pipeline completed", "clusters", res.ClustersWritten, "records", res.RecordsRead,
			"skipped", len(res.Skipped), "elapsed", res.Elapsed)
	}
	return res
}

// ingest runs the source into the builder. It returns the error that must
// abort the run; a halted transform stage ends ingestion without one.
func (r *Runner) ingest(ctx context.Context, b *cluster.Builder) error {
	defer b.Abandon()

	err := b.Start(ctx)
	if err == nil {
		err = r.source.Run(ctx, func(rec *record.Record) error { return b.Push(ctx, rec) })
	}
	if err == nil {
		err = b.Finish(ctx)
	}
	switch {
	case err == nil, errors.Is(err, transform.ErrHalted):
		return nil
	case ctx.Err() != nil:
		// cancellation is reported through the context cause
		return nil
	case failure.KindOf(err) == failure.KindUnknown:
		return failure.Ingestion("source", err)
	default:
		return err
	}
}

func (r *Runner) result(b *cluster.Builder, stage *transform.Stage, disp *dispatch.Dispatcher, st *state.Store) Result {
	bs, ds := b.Stats(), disp.Stats()
	return Result{
		RecordsRead:       bs.Records,
		ClustersRead:      bs.Clusters,
		Boundaries:        bs.Boundaries,
		ClustersProcessed: stage.Processed(),
		ClustersWritten:   ds.Routed,
		LaneClusters:      ds.LaneClusters,
		LaneRecords:       ds.LaneRecords,
		State:             st.Snapshot(),
		Skipped:           stage.Skipped(),
	}
}

// collect merges the errors of a run, the cancellation cause first, without
// repeating an error that was also the cause.
func collect(ctx context.Context, stageErrs []error, errs ...error) error {
	var out *multierror.Error
	var cause error
	if ctx.Err() != nil {
		cause = context.Cause(ctx)
		if failure.KindOf(cause) == failure.KindUnknown {
			cause = failure.Canceled("pipeline", cause)
		}
		out = multierror.Append(out, cause)
	}
	for _, err := range append(stageErrs, errs...) {
		if err == nil || err == context.Cause(ctx) {
			continue
		}
		out = multierror.Append(out, err)
	}
	if out == nil {
		return nil
	}
	if len(out.Errors) == 1 {
		return out.Errors[0]
	}
	return out
}
