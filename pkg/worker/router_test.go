package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/models"
)

var testLanes = []models.LaneConfig{
	{Name: models.LaneBulk, Priority: 2, Workers: 2, MaxQueued: 10},
	{Name: models.LaneCritical, Priority: 0, Workers: 2, MaxQueued: 10},
	{Name: models.LaneAlerts, Priority: 1, Workers: 1, MaxQueued: 10},
}

func TestRouterStrictPriority(t *testing.T) {
	var mu sync.Mutex
	var order []string
	done := make(chan struct{}, 16)

	r := NewRouter(testLanes, func(ctx context.Context, task string) {
		mu.Lock()
		order = append(order, task)
		mu.Unlock()
		done <- struct{}{}
	}, 1)

	// Queue everything before any worker runs.
	require.NoError(t, r.Submit(models.LaneBulk, "bulk-1"))
	require.NoError(t, r.Submit(models.LaneAlerts, "alerts-1"))
	require.NoError(t, r.Submit(models.LaneBulk, "bulk-2"))
	require.NoError(t, r.Submit(models.LaneCritical, "critical-1"))
	require.NoError(t, r.Submit(models.LaneCritical, "critical-2"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	for i := 0; i < 5; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for tasks")
		}
	}

	assert.Equal(t, []string{"critical-1", "critical-2", "alerts-1", "bulk-1", "bulk-2"}, order)
}

func TestRouterLaneWorkerLimit(t *testing.T) {
	release := make(chan struct{})
	var inFlight, maxInFlight int32
	var bulkRan atomic.Bool

	lanes := []models.LaneConfig{
		{Name: models.LaneCritical, Priority: 0, Workers: 1, MaxQueued: 10},
		{Name: models.LaneBulk, Priority: 1, Workers: 1, MaxQueued: 10},
	}
	r := NewRouter(lanes, func(ctx context.Context, task string) {
		if task == "bulk" {
			bulkRan.Store(true)
			return
		}
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&inFlight, -1)
	}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	require.NoError(t, r.Submit(models.LaneCritical, "c1"))
	require.NoError(t, r.Submit(models.LaneCritical, "c2"))
	require.NoError(t, r.Submit(models.LaneBulk, "bulk"))

	// The bulk lane is not starved by a critical lane at its limit.
	assert.Eventually(t, bulkRan.Load, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		for _, s := range r.Stats() {
			if s.Name == models.LaneCritical {
				return s.InFlight == 1 && s.Depth == 1
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	close(release)
	assert.Eventually(t, func() bool {
		return r.Stats()[0].Completed == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
}

func TestRouterSubmitErrors(t *testing.T) {
	lanes := []models.LaneConfig{{Name: models.LaneBulk, Priority: 0, Workers: 1, MaxQueued: 2}}
	r := NewRouter(lanes, func(ctx context.Context, task int) {}, 0)

	assert.ErrorIs(t, r.Submit("express", 1), ErrUnknownLane)
	require.NoError(t, r.Submit(models.LaneBulk, 1))
	require.NoError(t, r.Submit(models.LaneBulk, 2))
	assert.Equal(t, 0, r.Free(models.LaneBulk))
	assert.ErrorIs(t, r.Submit(models.LaneBulk, 3), ErrLaneFull)

	stats := r.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 2, stats[0].Depth)
	assert.Equal(t, uint64(2), stats[0].Submitted)
	assert.Equal(t, uint64(1), stats[0].Rejected)
}

func TestRouterRecoversPanics(t *testing.T) {
	lanes := []models.LaneConfig{{Name: models.LaneBulk, Priority: 0, Workers: 1, MaxQueued: 4}}
	var ran atomic.Int32
	r := NewRouter(lanes, func(ctx context.Context, task int) {
		ran.Add(1)
		if task == 1 {
			panic("bad batch")
		}
	}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	require.NoError(t, r.Submit(models.LaneBulk, 1))
	require.NoError(t, r.Submit(models.LaneBulk, 2))

	assert.Eventually(t, func() bool { return ran.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return r.Stats()[0].Completed == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), r.Stats()[0].Panics)

	cancel()
	r.Wait()
	assert.ErrorIs(t, r.Submit(models.LaneBulk, 3), ErrStopped)
}
