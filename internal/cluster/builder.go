// Package cluster groups an ordered record stream into clusters and hands
// them to the transform stage as they become eligible.
//
// The builder is single-threaded: boundary detection depends on the record
// immediately before, so Push must be called in arrival order from one
// goroutine.
package cluster

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sourcegraph/conc/panics"

	"conveyor/internal/failure"
	"conveyor/internal/logging"
	"conveyor/internal/record"
	"conveyor/internal/state"
	"conveyor/internal/telemetry"
)

// MarkerFunc decides where clusters split. recNo is the record's sequence
// number; prev is nil for the first record.
type MarkerFunc func(rec, prev *record.Record, recNo int64) bool

// InitiatorFunc runs once per record right after it joins the cluster under
// construction. Returning true makes that cluster eligible for transformation
// before it is complete (see DeferralPolicy).
type InitiatorFunc func(rec *record.Record, st *state.Store) (bool, error)

// Submitter receives eligible clusters. Submit may block to apply
// back-pressure.
type Submitter interface {
	Submit(ctx context.Context, c *record.Cluster) error
}

type DeferralPolicy string

const (
	// DeferNone hands a cluster over when it is sealed. The initiator's
	// result is ignored.
	DeferNone DeferralPolicy = "none"
	// DeferPerCluster hands over the cluster under construction as soon as
	// the initiator returns true for one of its records.
	DeferPerCluster DeferralPolicy = "per_cluster"
	// DeferUntilRecordInitiation holds every cluster until the initiator
	// first returns true, then releases the held ones in order and behaves
	// like DeferPerCluster.
	DeferUntilRecordInitiation DeferralPolicy = "until_record_initiation"
)

func (p DeferralPolicy) Valid() bool {
	switch p {
	case DeferNone, DeferPerCluster, DeferUntilRecordInitiation:
		return true
	}
	return false
}

type Config struct {
	Marker MarkerFunc
	// MarkerStartsCluster selects whether a marker match is the first record
	// of a new cluster (true) or the last record of the current one (false).
	MarkerStartsCluster bool
	PrependHead         bool
	AppendFoot          bool
	Initiator           InitiatorFunc
	Deferral            DeferralPolicy
}

type Stats struct {
	Records    int64
	Clusters   int64
	Boundaries int64
}

type Builder struct {
	cfg   Config
	store *state.Store
	next  Submitter
	log   *slog.Logger

	cur         *record.Cluster
	curReleased bool
	prev        *record.Record
	ordinal     uint64
	position    int64
	triggered   bool
	held        []*record.Cluster
	stats       Stats

	// set when a last-record marker closed the previous cluster; the split
	// only counts as a boundary once another record follows
	closedByMarker bool
}

func New(cfg Config, st *state.Store, next Submitter) *Builder {
	if cfg.Deferral == "" {
		cfg.Deferral = DeferNone
	}
	return &Builder{
		cfg:   cfg,
		store: st,
		next:  next,
		log:   logging.For("builder"),
	}
}

func (b *Builder) Stats() Stats { return b.stats }

// Start emits the head cluster when configured.
func (b *Builder) Start(ctx context.Context) error {
	if !b.cfg.PrependHead {
		return nil
	}
	head := b.newCluster(record.HeadPosition)
	head.Seal()
	return b.release(ctx, head)
}

// Push appends one record in arrival order.
func (b *Builder) Push(ctx context.Context, rec *record.Record) error {
	b.stats.Records++
	rec.SeqNo = b.stats.Records
	telemetry.RecordsIngested.Inc()

	where := fmt.Sprintf("record %d", rec.SeqNo)
	var match bool
	if b.cfg.Marker != nil {
		if r := panics.Try(func() { match = b.cfg.Marker(rec, b.prev, rec.SeqNo) }); r != nil {
			return failure.Ingestion(where, fmt.Errorf("cluster marker panicked: %w", r.AsError()))
		}
	}

	if b.cfg.MarkerStartsCluster && match && b.cur != nil && b.cur.Len() > 0 {
		b.stats.Boundaries++
		if err := b.closeCurrent(ctx); err != nil {
			return err
		}
	}
	if b.cur == nil {
		if b.closedByMarker {
			b.stats.Boundaries++
			b.closedByMarker = false
		}
		b.cur = b.newCluster(record.Position(b.position))
		b.curReleased = false
		b.position++
	}
	b.cur.Append(rec)
	b.prev = rec

	if b.cfg.Initiator != nil {
		var eligible bool
		var err error
		if r := panics.Try(func() { eligible, err = b.cfg.Initiator(rec, b.store) }); r != nil {
			err = fmt.Errorf("record initiator panicked: %w", r.AsError())
		}
		if err != nil {
			return failure.Ingestion(where, err)
		}
		if eligible {
			if err := b.initiated(ctx); err != nil {
				return err
			}
		}
	}

	if !b.cfg.MarkerStartsCluster && match {
		b.closedByMarker = true
		return b.closeCurrent(ctx)
	}
	return nil
}

// Finish seals the last cluster, emits the foot, and releases anything still
// held back by deferral.
func (b *Builder) Finish(ctx context.Context) error {
	if b.cur != nil {
		if err := b.closeCurrent(ctx); err != nil {
			return err
		}
	}
	if b.cfg.Deferral == DeferUntilRecordInitiation && !b.triggered {
		if len(b.held) > 0 {
			b.log.Warn("record initiator never released transformation; releasing at end of input",
				"held", len(b.held))
		}
		b.triggered = true
		if err := b.flushHeld(ctx); err != nil {
			return err
		}
	}
	if b.cfg.AppendFoot {
		foot := b.newCluster(record.FootPosition)
		foot.Seal()
		if err := b.release(ctx, foot); err != nil {
			return err
		}
	}
	return nil
}

// Abandon seals the cluster under construction without releasing it. Used
// when ingestion stops early so a worker that received it ahead of closure
// is not left waiting.
func (b *Builder) Abandon() {
	if b.cur != nil {
		b.cur.Seal()
		b.cur = nil
	}
}

func (b *Builder) newCluster(pos record.Position) *record.Cluster {
	c := record.NewCluster(pos, b.ordinal, b.store)
	b.ordinal++
	b.stats.Clusters++
	telemetry.ClustersBuilt.Inc()
	return c
}

// initiated handles an initiator returning true for the current record.
func (b *Builder) initiated(ctx context.Context) error {
	switch b.cfg.Deferral {
	case DeferUntilRecordInitiation:
		if !b.triggered {
			b.triggered = true
			b.log.Debug("transformation released by record initiator", "held", len(b.held))
			if err := b.flushHeld(ctx); err != nil {
				return err
			}
		}
	case DeferPerCluster:
	default:
		return nil
	}
	if b.curReleased {
		return nil
	}
	b.curReleased = true
	return b.next.Submit(ctx, b.cur)
}

func (b *Builder) closeCurrent(ctx context.Context) error {
	c := b.cur
	released := b.curReleased
	b.cur, b.curReleased = nil, false
	c.Seal()
	if released {
		return nil
	}
	return b.release(ctx, c)
}

func (b *Builder) release(ctx context.Context, c *record.Cluster) error {
	if b.cfg.Deferral == DeferUntilRecordInitiation && !b.triggered {
		b.held = append(b.held, c)
		return nil
	}
	return b.next.Submit(ctx, c)
}

func (b *Builder) flushHeld(ctx context.Context) error {
	held := b.held
	b.held = nil
	for _, c := range held {
		if err := b.next.Submit(ctx, c); err != nil {
			return err
		}
	}
	return nil
}
