package record

import (
	"fmt"
	"math"
	"sync"

	"conveyor/internal/state"
)

// Position orders clusters. Ordinary clusters are numbered from 0 in the
// order they were built; the head sorts before all of them and the foot after.
type Position int64

const (
	HeadPosition Position = math.MinInt64
	FootPosition Position = math.MaxInt64
)

func (p Position) IsHead() bool { return p == HeadPosition }
func (p Position) IsFoot() bool { return p == FootPosition }

func (p Position) String() string {
	switch p {
	case HeadPosition:
		return "head"
	case FootPosition:
		return "foot"
	default:
		return fmt.Sprintf("#%d", int64(p))
	}
}

// Cluster is a contiguous group of records transformed and routed as a unit.
//
// The record list is append-only while the cluster is open. A cluster handed
// to the transform stage before it is sealed may still receive records from
// the builder; Records returns whatever has been appended at the time of the
// call. Routing happens only after Seal.
type Cluster struct {
	Pos Position
	Bin PropertyBin

	ordinal  uint64
	startSeq int64
	store    *state.Store

	mu      sync.Mutex
	records []*Record
	err     error

	sealOnce sync.Once
	sealed   chan struct{}
}

// NewCluster creates an open cluster. ordinal is the dense hand-off index used
// to restore build order downstream: the head gets 0, the foot the last one.
func NewCluster(pos Position, ordinal uint64, store *state.Store) *Cluster {
	return &Cluster{
		Pos:     pos,
		ordinal: ordinal,
		store:   store,
		sealed:  make(chan struct{}),
	}
}

func (c *Cluster) Ordinal() uint64 { return c.ordinal }

// State is the pipeline-wide store shared by every cluster.
func (c *Cluster) State() *state.Store { return c.store }

// StartSeq is the sequence number of the first ingested record, 0 for
// head, foot, and clusters that only hold synthesized records.
func (c *Cluster) StartSeq() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startSeq
}

// Append adds records at the end of the cluster.
func (c *Cluster) Append(recs ...*Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range recs {
		if c.startSeq == 0 && r.SeqNo > 0 && len(c.records) == 0 {
			c.startSeq = r.SeqNo
		}
		c.records = append(c.records, r)
	}
}

// Records returns the records appended so far. The slice is a copy; the
// records themselves are shared with the cluster.
func (c *Cluster) Records() []*Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Record, len(c.records))
	copy(out, c.records)
	return out
}

// Record returns the i-th record or nil.
func (c *Cluster) Record(i int) *Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 || i >= len(c.records) {
		return nil
	}
	return c.records[i]
}

func (c *Cluster) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Replace swaps the whole record list, e.g. after a transform filtered it.
func (c *Cluster) Replace(recs []*Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append([]*Record(nil), recs...)
}

// Seal closes the cluster for appends by the builder. Safe to call twice.
func (c *Cluster) Seal() { c.sealOnce.Do(func() { close(c.sealed) }) }

// Sealed is closed once the builder is done with the cluster.
func (c *Cluster) Sealed() <-chan struct{} { return c.sealed }

func (c *Cluster) IsSealed() bool {
	select {
	case <-c.sealed:
		return true
	default:
		return false
	}
}

// SetErr attaches a transform error to the cluster.
func (c *Cluster) SetErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *Cluster) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Cluster) String() string { return "cluster " + c.Pos.String() }
