package scheduler

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/models"
)

// Inventory returns the devices eligible for polling.
type Inventory interface {
	ListDevices(ctx context.Context) ([]models.Device, error)
}

// Submitter is the lane router the scheduler feeds.
type Submitter interface {
	Submit(lane string, task *models.PollTask) error
	Free(lane string) int
	Lane(name string) (models.LaneConfig, bool)
}

// Recorder receives scheduler progress for the health surface.
type Recorder interface {
	SchedulerTick(at time.Time)
	InventoryFailure(err error)
	Deferred(check string, count int)
}

// Scheduler manages the scheduling of (check, device) pairs based on deadlines.
// Uses a min-heap priority queue to efficiently find expired deadlines.
// It runs on a single goroutine; nothing else touches its state.
type Scheduler struct {
	// Priority queue ordered by deadline (min-heap)
	queue DeadlineQueue
	// Keys currently present in the queue
	known map[entryKey]struct{}

	checks     map[string]models.Check
	checkOrder []string

	inventory Inventory
	router    Submitter
	recorder  Recorder

	// Channels - received from outside for event-driven communication
	events <-chan models.Event // Check set reloads

	// Config
	tickInterval     time.Duration
	inventoryTimeout time.Duration

	now func() time.Time
}

// NewScheduler creates a new Scheduler instance.
func NewScheduler(
	checks []models.Check,
	inventory Inventory,
	router Submitter,
	recorder Recorder,
	events <-chan models.Event,
	tickInterval, inventoryTimeout time.Duration,
) *Scheduler {
	sched := &Scheduler{
		queue:            make(DeadlineQueue, 0),
		known:            make(map[entryKey]struct{}),
		inventory:        inventory,
		router:           router,
		recorder:         recorder,
		events:           events,
		tickInterval:     tickInterval,
		inventoryTimeout: inventoryTimeout,
		now:              time.Now,
	}
	sched.setChecks(checks)
	return sched
}

func (sched *Scheduler) setChecks(checks []models.Check) {
	sched.checks = make(map[string]models.Check, len(checks))
	sched.checkOrder = sched.checkOrder[:0]
	for _, c := range checks {
		sched.checks[c.Name] = c
		sched.checkOrder = append(sched.checkOrder, c.Name)
	}
}

// Run starts the main loop.
func (sched *Scheduler) Run(ctx context.Context) {
	slog.Info("Starting main loop", "component", "Scheduler", "tick_interval", sched.tickInterval.String(), "checks", len(sched.checks))
	ticker := time.NewTicker(sched.tickInterval)
	defer ticker.Stop()

	sched.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Context cancelled, shutting down", "component", "Scheduler")
			return

		case event := <-sched.events:
			slog.Debug("Received event", "component", "Scheduler", "event_type", event.Type)
			sched.processEvent(event)

		case <-ticker.C:
			sched.Tick(ctx)
		}
	}
}

// processEvent applies a reloaded check set. In-flight batches are not
// touched; queued entries keep their deadlines and entries for removed
// checks are dropped.
func (sched *Scheduler) processEvent(event models.Event) {
	if event.Type != models.EventChecksReloaded {
		return
	}
	checks, ok := event.Payload.([]models.Check)
	if !ok {
		slog.Error("Invalid payload type in checks event", "component", "Scheduler")
		return
	}

	sched.setChecks(checks)
	sched.queue.Filter(func(e *CheckDeadline) bool {
		if _, ok := sched.checks[e.Check]; ok {
			return true
		}
		delete(sched.known, e.key())
		return false
	})
	slog.Info("Check set reloaded", "component", "Scheduler", "checks", len(checks), "queue_size", sched.queue.Len())
}

// Tick refreshes the inventory, pops due entries and submits batches.
// When the inventory is unavailable the whole tick is skipped.
func (sched *Scheduler) Tick(ctx context.Context) {
	now := sched.now()

	invCtx, cancel := context.WithTimeout(ctx, sched.inventoryTimeout)
	devices, err := sched.inventory.ListDevices(invCtx)
	cancel()
	if err != nil {
		slog.Error("Inventory unavailable, skipping tick", "component", "Scheduler", "error", err)
		sched.recorder.InventoryFailure(err)
		return
	}

	byID := make(map[int64]*models.Device, len(devices))
	for i := range devices {
		d := &devices[i]
		if d.Status != "" && d.Status != models.DeviceActive {
			continue
		}
		byID[d.ID] = d
	}

	population := sched.reconcile(byID, now)

	// 1. Pop all expired entries from queue
	expired := sched.queue.PopExpired(now)
	due := make(map[string][]*CheckDeadline)
	for _, entry := range expired {
		check, okCheck := sched.checks[entry.Check]
		device, okDevice := byID[entry.DeviceID]
		if !okCheck || !okDevice || !check.Applies(device) {
			// Lazy deletion: the device or check is gone.
			delete(sched.known, entry.key())
			continue
		}
		due[entry.Check] = append(due[entry.Check], entry)
	}

	// 2. Batch per check and submit in configured check order
	for _, name := range sched.checkOrder {
		entries := due[name]
		if len(entries) == 0 {
			continue
		}
		sched.dispatch(sched.checks[name], entries, byID, population[name], now)
	}

	sched.recorder.SchedulerTick(now)
	slog.Debug("Tick complete", "component", "Scheduler", "due", len(expired), "queue_size", sched.queue.Len())
}

// reconcile pushes new (check, device) keys with an immediate deadline and
// returns how many devices each check covers.
func (sched *Scheduler) reconcile(byID map[int64]*models.Device, now time.Time) map[string]int {
	population := make(map[string]int, len(sched.checks))
	fresh := make([]*CheckDeadline, 0)

	ids := make([]int64, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, name := range sched.checkOrder {
		check := sched.checks[name]
		for _, id := range ids {
			if !check.Applies(byID[id]) {
				continue
			}
			population[name]++
			k := entryKey{Check: name, DeviceID: id}
			if _, ok := sched.known[k]; ok {
				continue
			}
			sched.known[k] = struct{}{}
			fresh = append(fresh, &CheckDeadline{Check: name, DeviceID: id, Deadline: now})
		}
	}
	if len(fresh) > 0 {
		sched.queue.PushBatch(fresh)
		slog.Debug("Added new entries to queue", "component", "Scheduler", "count", len(fresh))
	}
	return population
}

// dispatch partitions due entries into batches and submits them to the
// check's lane. Entries that do not fit the lane are pushed back unchanged.
func (sched *Scheduler) dispatch(check models.Check, entries []*CheckDeadline, byID map[int64]*models.Device, population int, now time.Time) {
	lane, ok := sched.router.Lane(check.Lane)
	if !ok {
		slog.Error("Check references unknown lane", "component", "Scheduler", "check", check.Name, "lane", check.Lane)
		sched.queue.PushBatch(entries)
		return
	}

	size := EffectiveBatchSize(check, lane, population)
	free := sched.router.Free(check.Lane)
	requeue := make([]*CheckDeadline, 0, len(entries))

	for start := 0; start < len(entries); start += size {
		end := min(start+size, len(entries))
		batch := entries[start:end]

		if free <= 0 {
			sched.deferEntries(check, entries[start:])
			break
		}

		task := &models.PollTask{
			Check:       check.Name,
			Protocol:    check.Protocol,
			Lane:        check.Lane,
			Devices:     make([]*models.Device, 0, len(batch)),
			Timeout:     check.Timeout,
			Retries:     check.Retries,
			UpdateState: check.UpdatesState,
			ScheduledAt: now,
		}
		for _, e := range batch {
			d := *byID[e.DeviceID]
			task.Devices = append(task.Devices, &d)
		}

		if err := sched.router.Submit(check.Lane, task); err != nil {
			slog.Warn("Lane rejected batch", "component", "Scheduler", "check", check.Name, "lane", check.Lane, "error", err)
			sched.deferEntries(check, entries[start:])
			break
		}
		free--

		for _, e := range batch {
			e.Deadline = nextDeadline(e.Deadline, check.IntervalFor(byID[e.DeviceID]), now)
			requeue = append(requeue, e)
		}
	}

	sched.queue.PushBatch(requeue)
	slog.Debug("Dispatched check", "component", "Scheduler", "check", check.Name, "lane", check.Lane,
		"batch_size", size, "submitted", len(requeue), "due", len(entries))
}

func (sched *Scheduler) deferEntries(check models.Check, entries []*CheckDeadline) {
	sched.queue.PushBatch(entries)
	sched.recorder.Deferred(check.Name, len(entries))
	slog.Warn("Lane backlogged, deferring entries", "component", "Scheduler", "check", check.Name, "lane", check.Lane, "count", len(entries))
}

// nextDeadline keeps the cadence anchored to the previous deadline, unless
// that would already be in the past.
func nextDeadline(prev time.Time, interval time.Duration, now time.Time) time.Time {
	next := prev.Add(interval)
	if !next.After(now) {
		return now.Add(interval)
	}
	return next
}

// EffectiveBatchSize grows the configured batch size so that the number of
// batches per interval does not exceed what the lane can run per interval:
//
//	budget = workers × max(1, interval / (timeout × (retries+1)))
//	size   = max(batch_size, ceil(population / budget))
func EffectiveBatchSize(check models.Check, lane models.LaneConfig, population int) int {
	size := max(check.BatchSize, 1)
	if population <= 0 {
		return size
	}

	perWorker := 1.0
	if cost := check.Timeout * time.Duration(check.Retries+1); cost > 0 {
		perWorker = math.Max(1, math.Floor(float64(check.Interval)/float64(cost)))
	}
	budget := float64(max(lane.Workers, 1)) * perWorker

	need := int(math.Ceil(float64(population) / budget))
	return max(size, need)
}
