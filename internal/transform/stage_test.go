package transform

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"conveyor/internal/failure"
	"conveyor/internal/record"
	"conveyor/internal/state"
)

type collector struct {
	mu   sync.Mutex
	done map[record.Position]error
}

func (c *collector) Complete(_ context.Context, cl *record.Cluster, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		c.done = make(map[record.Position]error)
	}
	c.done[cl.Pos] = err
}

func (c *collector) results() map[record.Position]error {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[record.Position]error, len(c.done))
	for k, v := range c.done {
		out[k] = v
	}
	return out
}

func sealed(pos int64, st *state.Store) *record.Cluster {
	c := record.NewCluster(record.Position(pos), uint64(pos), st)
	c.Seal()
	return c
}

func TestStage_RespectsConcurrency(t *testing.T) {
	defer goleak.VerifyNone(t)

	var active, peak atomic.Int32
	fn := func(ctx context.Context, c *record.Cluster) (*record.Cluster, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return nil, nil
	}
	col := &collector{}
	s := New(Config{Concurrency: 3}, fn, col, func(error) {})
	for i := range 20 {
		require.NoError(t, s.Submit(context.Background(), sealed(int64(i), nil)))
	}
	s.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Len(t, col.results(), 20)
	assert.Equal(t, int64(20), s.Processed())
	require.NoError(t, s.Err())
}

// A single worker parked in Await must not keep the cluster it waits for
// from running.
func TestStage_AwaitYieldsWorkerSlot(t *testing.T) {
	defer goleak.VerifyNone(t)

	st := state.New([]state.Entry{{Key: "n", Value: 0}}, state.WithAwaitTimeout(2*time.Second))
	fn := func(ctx context.Context, c *record.Cluster) (*record.Cluster, error) {
		if c.Pos == 0 {
			return nil, c.State().Await(ctx, func(gc state.Snapshot) bool { return gc.Int("n") == 1 })
		}
		_, err := c.State().Increment("n")
		return nil, err
	}
	col := &collector{}
	s := New(Config{Concurrency: 1, MaxInFlight: 2}, fn, col, func(error) {})
	require.NoError(t, s.Submit(context.Background(), sealed(0, st)))
	require.NoError(t, s.Submit(context.Background(), sealed(1, st)))
	s.Wait()

	res := col.results()
	require.Len(t, res, 2)
	assert.NoError(t, res[0])
	assert.NoError(t, res[1])
}

func TestStage_WaitsForSealBeforeCompleting(t *testing.T) {
	defer goleak.VerifyNone(t)

	col := &collector{}
	s := New(Config{Concurrency: 1}, func(_ context.Context, c *record.Cluster) (*record.Cluster, error) {
		return nil, nil
	}, col, func(error) {})

	c := record.NewCluster(0, 0, nil)
	require.NoError(t, s.Submit(context.Background(), c))
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, col.results())

	c.Append(&record.Record{SeqNo: 1})
	c.Seal()
	s.Wait()
	assert.Len(t, col.results(), 1)
}

func TestStage_PolicySkip(t *testing.T) {
	defer goleak.VerifyNone(t)

	boom := errors.New("boom")
	col := &collector{}
	var aborted atomic.Bool
	s := New(Config{Concurrency: 2, Policy: PolicySkip}, func(_ context.Context, c *record.Cluster) (*record.Cluster, error) {
		if c.Pos == 2 {
			return nil, boom
		}
		return nil, nil
	}, col, func(error) { aborted.Store(true) })

	for i := range 5 {
		require.NoError(t, s.Submit(context.Background(), sealed(int64(i), nil)))
	}
	s.Wait()

	res := col.results()
	require.ErrorIs(t, res[2], failure.ErrTransform)
	require.ErrorIs(t, res[2], boom)
	assert.Len(t, s.Skipped(), 1)
	require.NoError(t, s.Err())
	assert.False(t, aborted.Load())
	assert.Equal(t, int64(4), s.Processed())
}

func TestStage_PolicyDrainHaltsIntake(t *testing.T) {
	defer goleak.VerifyNone(t)

	col := &collector{}
	s := New(Config{Concurrency: 1, Policy: PolicyDrain}, func(context.Context, *record.Cluster) (*record.Cluster, error) {
		return nil, errors.New("bad claim")
	}, col, func(error) { t.Error("drain must not abort") })

	require.NoError(t, s.Submit(context.Background(), sealed(0, nil)))
	s.Wait()
	require.ErrorIs(t, s.Submit(context.Background(), sealed(1, nil)), ErrHalted)
	require.ErrorIs(t, s.Err(), failure.ErrTransform)
}

func TestStage_PanicIsTransformError(t *testing.T) {
	defer goleak.VerifyNone(t)

	var cause error
	col := &collector{}
	s := New(Config{Concurrency: 1, Policy: PolicyAbort}, func(context.Context, *record.Cluster) (*record.Cluster, error) {
		panic("nil map")
	}, col, func(err error) { cause = err })

	require.NoError(t, s.Submit(context.Background(), sealed(0, nil)))
	s.Wait()
	require.ErrorIs(t, cause, failure.ErrTransform)
	assert.Contains(t, cause.Error(), "nil map")
}

func TestStage_DeadlockAlwaysAborts(t *testing.T) {
	defer goleak.VerifyNone(t)

	st := state.New([]state.Entry{{Key: "n", Value: 0}}, state.WithAwaitTimeout(20*time.Millisecond))
	var cause error
	col := &collector{}
	s := New(Config{Concurrency: 1, Policy: PolicySkip}, func(ctx context.Context, c *record.Cluster) (*record.Cluster, error) {
		return nil, c.State().Await(ctx, func(gc state.Snapshot) bool { return gc.Int("n") > 0 })
	}, col, func(err error) { cause = err })

	require.NoError(t, s.Submit(context.Background(), sealed(0, st)))
	s.Wait()
	require.ErrorIs(t, cause, failure.ErrDeadlockTimeout)
	assert.Empty(t, s.Skipped())
}

func TestStage_SubmitBlocksOnWindow(t *testing.T) {
	defer goleak.VerifyNone(t)

	release := make(chan struct{})
	s := New(Config{Concurrency: 1, MaxInFlight: 1}, func(context.Context, *record.Cluster) (*record.Cluster, error) {
		<-release
		return nil, nil
	}, &collector{}, func(error) {})

	require.NoError(t, s.Submit(context.Background(), sealed(0, nil)))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Submit(ctx, sealed(1, nil))
	require.ErrorIs(t, err, failure.ErrCanceled)

	close(release)
	s.Wait()
}

// More parked clusters than the window holds must not starve the cluster
// they wait for of a window unit.
func TestStage_AwaitYieldsWindowUnit(t *testing.T) {
	defer goleak.VerifyNone(t)

	const waiters = 6
	st := state.New([]state.Entry{{Key: "n", Value: 0}}, state.WithAwaitTimeout(2*time.Second))
	fn := func(ctx context.Context, c *record.Cluster) (*record.Cluster, error) {
		if c.Pos < waiters {
			return nil, c.State().Await(ctx, func(gc state.Snapshot) bool { return gc.Int("n") == 1 })
		}
		_, err := c.State().Increment("n")
		return nil, err
	}
	col := &collector{}
	s := New(Config{Concurrency: 1, MaxInFlight: 2}, fn, col, func(err error) { t.Errorf("aborted: %v", err) })

	submitted := make(chan error, 1)
	go func() {
		for i := range waiters + 1 {
			if err := s.Submit(context.Background(), sealed(int64(i), st)); err != nil {
				submitted <- err
				return
			}
		}
		submitted <- nil
	}()
	select {
	case err := <-submitted:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Submit blocked behind parked clusters")
	}
	s.Wait()

	res := col.results()
	require.Len(t, res, waiters+1)
	for pos, err := range res {
		assert.NoError(t, err, "cluster %d", pos)
	}
	require.NoError(t, s.Err())
}

func TestStage_ForeignClusterIsTransformError(t *testing.T) {
	defer goleak.VerifyNone(t)

	var cause error
	col := &collector{}
	s := New(Config{Concurrency: 1, Policy: PolicyAbort}, func(_ context.Context, c *record.Cluster) (*record.Cluster, error) {
		return record.NewCluster(c.Pos, c.Ordinal()+99, nil), nil
	}, col, func(err error) { cause = err })

	require.NoError(t, s.Submit(context.Background(), sealed(0, nil)))
	s.Wait()

	require.ErrorIs(t, cause, failure.ErrTransform)
	assert.Contains(t, cause.Error(), "ordinal 99 in place of 0")
	require.ErrorIs(t, col.results()[0], failure.ErrTransform)
	assert.Zero(t, s.Processed())
}

func TestStage_ReplacementClusterIsSealed(t *testing.T) {
	defer goleak.VerifyNone(t)

	var got *record.Cluster
	col := &collector{}
	s := New(Config{Concurrency: 1}, func(_ context.Context, c *record.Cluster) (*record.Cluster, error) {
		got = record.NewCluster(c.Pos, c.Ordinal(), nil)
		got.Append(&record.Record{SeqNo: 7})
		return got, nil
	}, col, func(error) {})

	require.NoError(t, s.Submit(context.Background(), sealed(3, nil)))
	s.Wait()

	require.NoError(t, col.results()[3])
	assert.True(t, got.IsSealed())
	assert.Equal(t, int64(1), s.Processed())
}

// Once the run is aborted, clusters cancelled out of Await are not
// recorded as errors of their own.
func TestStage_CanceledSiblingsAreNotRecorded(t *testing.T) {
	defer goleak.VerifyNone(t)

	boom := errors.New("boom")
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	st := state.New([]state.Entry{{Key: "n", Value: 0}})
	fn := func(ctx context.Context, c *record.Cluster) (*record.Cluster, error) {
		if c.Pos < 4 {
			return nil, c.State().Await(ctx, func(gc state.Snapshot) bool { return gc.Int("n") > 0 })
		}
		time.Sleep(20 * time.Millisecond)
		return nil, boom
	}
	col := &collector{}
	s := New(Config{Concurrency: 1, MaxInFlight: 8, Policy: PolicyAbort}, fn, col, cancel)
	for i := range 5 {
		require.NoError(t, s.Submit(ctx, sealed(int64(i), st)))
	}
	s.Wait()

	require.Len(t, s.Errors(), 1)
	require.ErrorIs(t, s.Err(), boom)
	res := col.results()
	require.Len(t, res, 5)
	for pos := range record.Position(4) {
		require.ErrorIs(t, res[pos], failure.ErrCanceled, "cluster %d", pos)
	}
}
