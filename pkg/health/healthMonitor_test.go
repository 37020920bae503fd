package health

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/datawriter"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/worker"
)

type fakeLanes []worker.LaneStats

func (f fakeLanes) Stats() []worker.LaneStats { return f }

type fakeSink datawriter.Stats

func (f fakeSink) Stats() datawriter.Stats { return datawriter.Stats(f) }

type fakeState struct{}

func (fakeState) Stats() (uint64, uint64, uint64) { return 10, 2, 1 }

func newMonitor(lanes fakeLanes) (*HealthMonitor, *time.Time) {
	hm := NewHealthMonitor(lanes, fakeSink{Dropped: 5}, fakeState{}, time.Minute, 3)
	clock := hm.startedAt
	hm.now = func() time.Time { return clock }
	return hm, &clock
}

func TestReport_ReadyAfterTick(t *testing.T) {
	hm, clock := newMonitor(nil)
	hm.SchedulerTick(*clock)

	r := hm.Report()
	assert.True(t, r.Ready)
	assert.Empty(t, r.Problems)
	assert.EqualValues(t, 1, r.Scheduler.Ticks)
	require.NotNil(t, r.Sink)
	assert.EqualValues(t, 5, r.Sink.Dropped)
	require.NotNil(t, r.State)
	assert.EqualValues(t, 2, r.State.Stale)
}

func TestReport_SchedulerStall(t *testing.T) {
	hm, clock := newMonitor(nil)
	hm.SchedulerTick(*clock)
	*clock = clock.Add(2 * time.Minute)

	r := hm.Report()
	assert.False(t, r.Ready)
	require.Len(t, r.Problems, 1)
	assert.Contains(t, r.Problems[0], "scheduler")
}

func TestReport_InventoryFailures(t *testing.T) {
	hm, clock := newMonitor(nil)
	hm.SchedulerTick(*clock)
	for i := 0; i < 3; i++ {
		hm.InventoryFailure(errors.New("dial tcp: connection refused"))
	}

	r := hm.Report()
	assert.False(t, r.Ready)
	assert.EqualValues(t, 3, r.Scheduler.InventoryFailures)
	assert.Equal(t, "dial tcp: connection refused", r.Scheduler.LastInventoryError)

	hm.SchedulerTick(*clock)
	r = hm.Report()
	assert.True(t, r.Ready)
	assert.EqualValues(t, 3, r.Scheduler.InventoryFailures)
	assert.Zero(t, r.Scheduler.ConsecutiveInventoryFailures)
}

func TestReport_StalledLane(t *testing.T) {
	lanes := fakeLanes{
		{Name: "critical", Depth: 0},
		{Name: "bulk", Depth: 4},
	}
	hm, clock := newMonitor(lanes)
	lanes[1].LastCompleted = clock.Add(30 * time.Second)
	*clock = clock.Add(time.Minute)
	hm.SchedulerTick(*clock)
	assert.True(t, hm.Report().Ready)

	*clock = clock.Add(45 * time.Second)
	hm.SchedulerTick(*clock)
	r := hm.Report()
	assert.False(t, r.Ready)
	require.Len(t, r.Problems, 1)
	assert.Contains(t, r.Problems[0], "lane bulk")
}

func TestDeferred_Accumulates(t *testing.T) {
	hm, _ := newMonitor(nil)
	hm.Deferred("reachability", 10)
	hm.Deferred("reachability", 5)
	hm.Deferred("evaluate", 1)

	r := hm.Report()
	assert.Equal(t, map[string]uint64{"reachability": 15, "evaluate": 1}, r.Scheduler.Deferred)
}
