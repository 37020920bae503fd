package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/models"
)

type fakeInventory struct {
	devices []models.Device
	err     error
	calls   int
}

func (f *fakeInventory) ListDevices(ctx context.Context) ([]models.Device, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.devices, nil
}

type fakeRouter struct {
	lanes     map[string]models.LaneConfig
	submitted []*models.PollTask
	depth     map[string]int
}

func newFakeRouter(lanes ...models.LaneConfig) *fakeRouter {
	r := &fakeRouter{lanes: make(map[string]models.LaneConfig), depth: make(map[string]int)}
	for _, l := range lanes {
		r.lanes[l.Name] = l
	}
	return r
}

func (r *fakeRouter) Submit(lane string, task *models.PollTask) error {
	r.submitted = append(r.submitted, task)
	r.depth[lane]++
	return nil
}

func (r *fakeRouter) Free(lane string) int { return r.lanes[lane].MaxQueued - r.depth[lane] }

func (r *fakeRouter) Lane(name string) (models.LaneConfig, bool) {
	l, ok := r.lanes[name]
	return l, ok
}

type fakeRecorder struct {
	ticks     []time.Time
	failures  int
	deferrals map[string]int
}

func newFakeRecorder() *fakeRecorder { return &fakeRecorder{deferrals: make(map[string]int)} }

func (r *fakeRecorder) SchedulerTick(at time.Time) { r.ticks = append(r.ticks, at) }
func (r *fakeRecorder) InventoryFailure(err error) { r.failures++ }
func (r *fakeRecorder) Deferred(check string, count int) { r.deferrals[check] += count }

var (
	criticalLane = models.LaneConfig{Name: models.LaneCritical, Priority: 0, Workers: 4, MaxQueued: 100}
	pingCheck    = models.Check{
		Name: "reachability", Protocol: models.ProtocolICMP, Interval: time.Minute,
		Lane: models.LaneCritical, BatchSize: 2, Timeout: time.Second, UpdatesState: true,
	}
)

func devices(ids ...int64) []models.Device {
	out := make([]models.Device, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.Device{ID: id, IPAddress: "10.0.0.1", Status: models.DeviceActive})
	}
	return out
}

func newTestScheduler(inv Inventory, router Submitter, rec Recorder, checks ...models.Check) (*Scheduler, *time.Time) {
	sched := NewScheduler(checks, inv, router, rec, nil, time.Second, time.Second)
	clock := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	sched.now = func() time.Time { return clock }
	return sched, &clock
}

func deviceIDs(task *models.PollTask) []int64 {
	ids := make([]int64, 0, len(task.Devices))
	for _, d := range task.Devices {
		ids = append(ids, d.ID)
	}
	return ids
}

func TestTickBatchesNewDevicesImmediately(t *testing.T) {
	inv := &fakeInventory{devices: devices(1, 2, 3)}
	router := newFakeRouter(criticalLane)
	rec := newFakeRecorder()
	sched, _ := newTestScheduler(inv, router, rec, pingCheck)

	sched.Tick(context.Background())

	require.Len(t, router.submitted, 2)
	assert.Equal(t, []int64{1, 2}, deviceIDs(router.submitted[0]))
	assert.Equal(t, []int64{3}, deviceIDs(router.submitted[1]))
	assert.Equal(t, models.ProtocolICMP, router.submitted[0].Protocol)
	assert.True(t, router.submitted[0].UpdateState)
	assert.Len(t, rec.ticks, 1)
	assert.Equal(t, 3, sched.queue.Len(), "every entry is re-queued")
}

func TestTickRequeuesAtNextInterval(t *testing.T) {
	inv := &fakeInventory{devices: devices(1)}
	router := newFakeRouter(criticalLane)
	sched, clock := newTestScheduler(inv, router, newFakeRecorder(), pingCheck)

	sched.Tick(context.Background())
	require.Len(t, router.submitted, 1)

	*clock = clock.Add(30 * time.Second)
	sched.Tick(context.Background())
	assert.Len(t, router.submitted, 1, "not due yet")

	*clock = clock.Add(30 * time.Second)
	sched.Tick(context.Background())
	assert.Len(t, router.submitted, 2, "due exactly one interval later")

	// A stalled scheduler does not burst to catch up.
	*clock = clock.Add(10 * time.Minute)
	sched.Tick(context.Background())
	require.Len(t, router.submitted, 3)
	assert.Equal(t, clock.Add(time.Minute), sched.queue.Peek().Deadline)
}

func TestTickSkippedWhenInventoryFails(t *testing.T) {
	inv := &fakeInventory{devices: devices(1, 2)}
	router := newFakeRouter(criticalLane)
	rec := newFakeRecorder()
	sched, clock := newTestScheduler(inv, router, rec, pingCheck)

	sched.Tick(context.Background())
	require.Len(t, router.submitted, 1)
	queued := sched.queue.Len()

	inv.err = errors.New("connection refused")
	*clock = clock.Add(2 * time.Minute)
	sched.Tick(context.Background())

	assert.Len(t, router.submitted, 1, "no submissions on a skipped tick")
	assert.Equal(t, queued, sched.queue.Len(), "no pops on a skipped tick")
	assert.Equal(t, 1, rec.failures)
	assert.Len(t, rec.ticks, 1)

	inv.err = nil
	sched.Tick(context.Background())
	assert.Len(t, router.submitted, 2, "retried on the next tick")
}

func TestTickDropsDeletedDevicesLazily(t *testing.T) {
	inv := &fakeInventory{devices: devices(1, 2)}
	router := newFakeRouter(criticalLane)
	sched, clock := newTestScheduler(inv, router, newFakeRecorder(), pingCheck)

	sched.Tick(context.Background())
	inv.devices = devices(2)
	*clock = clock.Add(time.Minute)
	sched.Tick(context.Background())

	require.Len(t, router.submitted, 2)
	assert.Equal(t, []int64{2}, deviceIDs(router.submitted[1]))
	assert.Equal(t, 1, sched.queue.Len())
	_, stillKnown := sched.known[entryKey{Check: pingCheck.Name, DeviceID: 1}]
	assert.False(t, stillKnown)
}

func TestTickDefersWhenLaneFull(t *testing.T) {
	inv := &fakeInventory{devices: devices(1, 2, 3, 4, 5)}
	lane := models.LaneConfig{Name: models.LaneCritical, Workers: 100, MaxQueued: 2}
	router := newFakeRouter(lane)
	rec := newFakeRecorder()
	check := pingCheck
	check.BatchSize = 1
	sched, clock := newTestScheduler(inv, router, rec, check)

	sched.Tick(context.Background())

	assert.Len(t, router.submitted, 2)
	assert.Equal(t, 3, rec.deferrals[check.Name])

	// Lane drains; deferred entries are still due and go out next tick.
	router.depth[models.LaneCritical] = 0
	*clock = clock.Add(time.Second)
	sched.Tick(context.Background())
	require.Len(t, router.submitted, 4)
	assert.Equal(t, []int64{3}, deviceIDs(router.submitted[2]))
}

func TestTickHonoursOverridesAndScope(t *testing.T) {
	devs := devices(1, 2)
	devs[0].PollingIntervalSeconds = 10
	devs[1].IsCriticalLink = true
	inv := &fakeInventory{devices: devs}
	router := newFakeRouter(criticalLane)

	uplink := pingCheck
	uplink.Name = "uplink"
	uplink.CriticalOnly = true
	uplink.BatchSize = 10
	ping := pingCheck
	ping.BatchSize = 10

	sched, clock := newTestScheduler(inv, router, newFakeRecorder(), ping, uplink)
	sched.Tick(context.Background())

	require.Len(t, router.submitted, 2)
	assert.Equal(t, "reachability", router.submitted[0].Check)
	assert.Equal(t, []int64{1, 2}, deviceIDs(router.submitted[0]))
	assert.Equal(t, "uplink", router.submitted[1].Check)
	assert.Equal(t, []int64{2}, deviceIDs(router.submitted[1]))

	*clock = clock.Add(10 * time.Second)
	sched.Tick(context.Background())
	require.Len(t, router.submitted, 3)
	assert.Equal(t, []int64{1}, deviceIDs(router.submitted[2]), "device override shortens the interval")
}

func TestProcessEventReloadsChecks(t *testing.T) {
	inv := &fakeInventory{devices: devices(1)}
	router := newFakeRouter(criticalLane)
	eval := models.Check{Name: "evaluate", Protocol: models.ProtocolEvaluate, Interval: time.Minute, Lane: models.LaneCritical, BatchSize: 10}
	sched, clock := newTestScheduler(inv, router, newFakeRecorder(), pingCheck, eval)

	sched.Tick(context.Background())
	require.Equal(t, 2, sched.queue.Len())

	sched.processEvent(models.Event{Type: models.EventChecksReloaded, Payload: []models.Check{eval}})
	assert.Equal(t, 1, sched.queue.Len())

	*clock = clock.Add(time.Minute)
	sched.Tick(context.Background())
	require.Len(t, router.submitted, 3)
	assert.Equal(t, "evaluate", router.submitted[2].Check)
}

func TestEffectiveBatchSize(t *testing.T) {
	lane := models.LaneConfig{Workers: 4}

	tests := []struct {
		name       string
		check      models.Check
		population int
		want       int
	}{
		{"configured size wins", models.Check{BatchSize: 50, Interval: time.Minute, Timeout: time.Second}, 100, 50},
		// 4 workers × 60 batches per interval = 240 batches; 24000 / 240 = 100
		{"grows to fit lane", models.Check{BatchSize: 50, Interval: time.Minute, Timeout: time.Second}, 24000, 100},
		// retries triple the per-batch cost: 4 × 20 = 80 batches
		{"retries count", models.Check{BatchSize: 10, Interval: time.Minute, Timeout: time.Second, Retries: 2}, 8000, 100},
		// timeout longer than interval still allows one batch per worker
		{"slow check", models.Check{BatchSize: 1, Interval: time.Second, Timeout: 10 * time.Second}, 10, 3},
		{"engine work", models.Check{BatchSize: 1, Interval: time.Minute}, 100, 25},
		{"empty population", models.Check{BatchSize: 0}, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EffectiveBatchSize(tt.check, lane, tt.population))
		})
	}
}

func TestDeadlineQueueOrder(t *testing.T) {
	now := time.Now()
	pq := make(DeadlineQueue, 0)
	pq.PushBatch([]*CheckDeadline{
		{Check: "b", DeviceID: 1, Deadline: now.Add(time.Second)},
		{Check: "a", DeviceID: 2, Deadline: now},
	})
	pq.PushBatch([]*CheckDeadline{
		{Check: "a", DeviceID: 1, Deadline: now},
		{Check: "c", DeviceID: 1, Deadline: now.Add(time.Hour)},
	})

	expired := pq.PopExpired(now.Add(time.Second))
	require.Len(t, expired, 3)
	assert.Equal(t, int64(1), expired[0].DeviceID)
	assert.Equal(t, "a", expired[0].Check)
	assert.Equal(t, int64(2), expired[1].DeviceID)
	assert.Equal(t, "b", expired[2].Check)
	assert.Equal(t, 1, pq.Len())

	pq.Filter(func(e *CheckDeadline) bool { return e.Check != "c" })
	assert.Nil(t, pq.Peek())
}
