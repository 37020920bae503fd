// Package health aggregates progress signals from the engine's components
// into liveness, readiness and counters for the operational surface.
package health

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/datawriter"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/worker"
)

// LaneSource reports router lane statistics.
type LaneSource interface {
	Stats() []worker.LaneStats
}

// SinkSource reports data writer counters.
type SinkSource interface {
	Stats() datawriter.Stats
}

// StateSource reports state machine counters.
type StateSource interface {
	Stats() (applied, stale, failures uint64)
}

// SchedulerReport is the scheduler section of a Report.
type SchedulerReport struct {
	LastTick                     time.Time         `json:"last_tick"`
	Ticks                        uint64            `json:"ticks"`
	InventoryFailures            uint64            `json:"inventory_failures"`
	ConsecutiveInventoryFailures int               `json:"consecutive_inventory_failures"`
	LastInventoryError           string            `json:"last_inventory_error,omitempty"`
	Deferred                     map[string]uint64 `json:"deferred"`
}

// StateReport is the state machine section of a Report.
type StateReport struct {
	Applied  uint64 `json:"applied"`
	Stale    uint64 `json:"stale"`
	Failures uint64 `json:"failures"`
}

// Report is the full operational snapshot.
type Report struct {
	Ready     bool               `json:"ready"`
	Problems  []string           `json:"problems,omitempty"`
	Scheduler SchedulerReport    `json:"scheduler"`
	Lanes     []worker.LaneStats `json:"lanes"`
	Sink      *datawriter.Stats  `json:"sink,omitempty"`
	State     *StateReport       `json:"state,omitempty"`
}

// HealthMonitor records scheduler progress and evaluates readiness.
type HealthMonitor struct {
	mu        sync.Mutex
	scheduler SchedulerReport

	lanes LaneSource
	sink  SinkSource
	state StateSource

	stallAfter       time.Duration
	failureThreshold int
	startedAt        time.Time
	now              func() time.Time
}

// NewHealthMonitor creates a new HealthMonitor instance. The engine is not
// ready when the scheduler has not ticked, or a lane with queued work has
// not completed anything, within stallAfter; or when the inventory failed
// failureThreshold times in a row.
func NewHealthMonitor(lanes LaneSource, sink SinkSource, state StateSource, stallAfter time.Duration, failureThreshold int) *HealthMonitor {
	if failureThreshold < 1 {
		failureThreshold = 3
	}
	return &HealthMonitor{
		scheduler:        SchedulerReport{Deferred: make(map[string]uint64)},
		lanes:            lanes,
		sink:             sink,
		state:            state,
		stallAfter:       stallAfter,
		failureThreshold: failureThreshold,
		startedAt:        time.Now(),
		now:              time.Now,
	}
}

func (hm *HealthMonitor) SchedulerTick(at time.Time) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.scheduler.LastTick = at
	hm.scheduler.Ticks++
	if hm.scheduler.ConsecutiveInventoryFailures > 0 {
		slog.Info("Inventory recovered", "component", "HealthMonitor", "after_failures", hm.scheduler.ConsecutiveInventoryFailures)
	}
	hm.scheduler.ConsecutiveInventoryFailures = 0
	hm.scheduler.LastInventoryError = ""
}

func (hm *HealthMonitor) InventoryFailure(err error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.scheduler.InventoryFailures++
	hm.scheduler.ConsecutiveInventoryFailures++
	hm.scheduler.LastInventoryError = err.Error()
	if hm.scheduler.ConsecutiveInventoryFailures == hm.failureThreshold {
		slog.Warn("Inventory failing, engine degraded", "component", "HealthMonitor",
			"count", hm.scheduler.ConsecutiveInventoryFailures, "error", err)
	}
}

func (hm *HealthMonitor) Deferred(check string, count int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.scheduler.Deferred[check] += uint64(count)
}

// Report builds a snapshot and evaluates readiness.
func (hm *HealthMonitor) Report() Report {
	now := hm.now()

	hm.mu.Lock()
	sched := hm.scheduler
	sched.Deferred = make(map[string]uint64, len(hm.scheduler.Deferred))
	for k, v := range hm.scheduler.Deferred {
		sched.Deferred[k] = v
	}
	hm.mu.Unlock()

	r := Report{Scheduler: sched}
	if hm.lanes != nil {
		r.Lanes = hm.lanes.Stats()
	}
	if hm.sink != nil {
		s := hm.sink.Stats()
		r.Sink = &s
	}
	if hm.state != nil {
		applied, stale, failures := hm.state.Stats()
		r.State = &StateReport{Applied: applied, Stale: stale, Failures: failures}
	}

	last := sched.LastTick
	if last.IsZero() {
		last = hm.startedAt
	}
	if now.Sub(last) > hm.stallAfter {
		r.Problems = append(r.Problems, fmt.Sprintf("scheduler: no successful tick for %s", now.Sub(last).Truncate(time.Second)))
	}
	if sched.ConsecutiveInventoryFailures >= hm.failureThreshold {
		r.Problems = append(r.Problems, fmt.Sprintf("inventory: %d consecutive failures", sched.ConsecutiveInventoryFailures))
	}
	for _, l := range r.Lanes {
		if l.Depth == 0 {
			continue
		}
		progress := l.LastCompleted
		if progress.Before(hm.startedAt) {
			progress = hm.startedAt
		}
		if now.Sub(progress) > hm.stallAfter {
			r.Problems = append(r.Problems, fmt.Sprintf("lane %s: %d queued, nothing completed for %s", l.Name, l.Depth, now.Sub(progress).Truncate(time.Second)))
		}
	}
	sort.Strings(r.Problems)
	r.Ready = len(r.Problems) == 0
	return r
}
