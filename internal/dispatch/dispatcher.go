// Package dispatch routes transformed clusters to output lanes in the order
// the builder produced them.
//
// Clusters arrive from the transform stage in completion order. They are held
// in a reorder buffer keyed by hand-off ordinal and released past a watermark,
// so every lane sees its clusters in build order. Each lane is drained by its
// own writer goroutine so a slow sink does not stall the others.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"conveyor/internal/failure"
	"conveyor/internal/logging"
	"conveyor/internal/record"
	"conveyor/internal/telemetry"
)

// ErrUnreleased reports clusters left behind the watermark at Close because
// an earlier ordinal was never completed.
var ErrUnreleased = errors.New("dispatch: clusters never released")

// RouterFunc picks the output lane of a transformed cluster. It must be a
// deterministic function of the cluster's records and property bin.
type RouterFunc func(c *record.Cluster) int

// Sink receives the records of one lane, in order.
type Sink interface {
	Push(rec *record.Record) error
}

// ByLaneKey routes on the lane stored in the property bin under
// record.LaneKey, falling back to def.
func ByLaneKey(def int) RouterFunc {
	return func(c *record.Cluster) int {
		if l, ok := record.Get(&c.Bin, record.LaneKey); ok {
			return l
		}
		return def
	}
}

type pending struct {
	c    *record.Cluster
	skip bool
}

type lane struct {
	idx      int
	name     string
	sink     Sink
	ch       chan *record.Cluster
	clusters int64
	records  atomic.Int64
}

type Dispatcher struct {
	route RouterFunc
	abort func(error)
	log   *slog.Logger
	lanes []*lane
	pool  *pool.Pool

	mu      sync.Mutex
	buf     map[uint64]pending
	next    uint64
	routed  int64
	dropped int64
	failed  bool

	errOnce sync.Once
	err     error // first output error; read after the writers exit
}

// New starts one writer per sink. abort is called with each routing or
// output error and must tolerate repeated calls.
func New(route RouterFunc, sinks []Sink, abort func(error)) *Dispatcher {
	d := &Dispatcher{
		route: route,
		abort: abort,
		log:   logging.For("dispatch"),
		buf:   make(map[uint64]pending),
		pool:  pool.New(),
	}
	for i, s := range sinks {
		l := &lane{idx: i, name: strconv.Itoa(i), sink: s, ch: make(chan *record.Cluster, 64)}
		d.lanes = append(d.lanes, l)
		d.pool.Go(func() { d.write(l) })
	}
	return d
}

// Complete hands over a finished cluster. err marks a cluster that must not
// be written; it still advances the watermark.
func (d *Dispatcher) Complete(ctx context.Context, c *record.Cluster, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.buf[c.Ordinal()] = pending{c: c, skip: err != nil || c.Err() != nil}
	for {
		p, ok := d.buf[d.next]
		if !ok {
			return
		}
		delete(d.buf, d.next)
		d.next++
		d.release(ctx, p)
	}
}

// release routes one cluster whose predecessors have all been released. Must
// be called with d.mu held.
func (d *Dispatcher) release(ctx context.Context, p pending) {
	if p.skip || d.failed || ctx.Err() != nil {
		d.dropped++
		return
	}
	idx, err := d.pick(p.c)
	if err != nil {
		d.failed = true
		d.log.Error("routing failed", "cluster", p.c.Pos.String(), "err", err)
		d.abort(err)
		return
	}
	l := d.lanes[idx]
	select {
	case l.ch <- p.c:
		d.routed++
		l.clusters++
	case <-ctx.Done():
		d.dropped++
	}
}

func (d *Dispatcher) pick(c *record.Cluster) (int, error) {
	var idx int
	if r := panics.Try(func() { idx = d.route(c) }); r != nil {
		return 0, failure.Routing(c.String(), fmt.Errorf("router panicked: %w", r.AsError()))
	}
	if idx < 0 || idx >= len(d.lanes) {
		return 0, failure.Routing(c.String(), fmt.Errorf("lane %d out of range [0, %d)", idx, len(d.lanes)))
	}
	return idx, nil
}

// write drains one lane. After a sink failure the lane keeps draining so
// that release never blocks, but nothing more is written.
func (d *Dispatcher) write(l *lane) {
	var werr error
	for c := range l.ch {
		if werr != nil {
			continue
		}
		recs := c.Records()
		for _, r := range recs {
			if err := l.sink.Push(r); err != nil {
				werr = failure.Output("lane "+l.name, err)
				d.log.Error("lane sink failed", "lane", l.idx, "err", err)
				d.errOnce.Do(func() { d.err = werr })
				d.abort(werr)
				break
			}
		}
		if werr == nil {
			telemetry.LaneClusters.WithLabelValues(l.name).Inc()
			telemetry.LaneRecords.WithLabelValues(l.name).Add(float64(len(recs)))
			l.records.Add(int64(len(recs)))
			d.log.Debug("cluster written", "lane", l.idx, "cluster", c.Pos.String(), "records", len(recs))
		}
	}
}

// Close stops the lane writers after they have drained and returns the first
// output error. Clusters still waiting on a predecessor are discarded; when
// there is no output error that is reported as ErrUnreleased.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	var lost error
	if n := len(d.buf); n > 0 {
		d.log.Warn("discarding clusters never released by the watermark", "count", n, "watermark", d.next)
		d.dropped += int64(n)
		d.buf = map[uint64]pending{}
		lost = failure.Output("dispatch", fmt.Errorf("%w: %d behind ordinal %d", ErrUnreleased, n, d.next))
	}
	for _, l := range d.lanes {
		close(l.ch)
	}
	d.mu.Unlock()
	d.pool.Wait()
	if d.err != nil {
		return d.err
	}
	return lost
}

type Stats struct {
	Routed       int64
	Dropped      int64
	LaneClusters []int64
	LaneRecords  []int64
}

// Stats is meaningful after Close.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := Stats{Routed: d.routed, Dropped: d.dropped}
	for _, l := range d.lanes {
		s.LaneClusters = append(s.LaneClusters, l.clusters)
		s.LaneRecords = append(s.LaneRecords, l.records.Load())
	}
	return s
}
