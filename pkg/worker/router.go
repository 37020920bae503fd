package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/models"
)

var (
	ErrUnknownLane = errors.New("unknown lane")
	ErrLaneFull    = errors.New("lane full")
	ErrStopped     = errors.New("router stopped")
)

// Handler executes one task. It must honour ctx.
type Handler[T any] func(ctx context.Context, task T)

// LaneStats is a point-in-time view of one lane.
type LaneStats struct {
	Name          string    `json:"name"`
	Priority      int       `json:"priority"`
	Workers       int       `json:"workers"`
	MaxQueued     int       `json:"max_queued"`
	Depth         int       `json:"depth"`
	InFlight      int       `json:"in_flight"`
	Submitted     uint64    `json:"submitted"`
	Completed     uint64    `json:"completed"`
	Rejected      uint64    `json:"rejected"`
	Panics        uint64    `json:"panics"`
	LastCompleted time.Time `json:"last_completed"`
}

type queued[T any] struct {
	task     T
	enqueued time.Time
}

type lane[T any] struct {
	cfg   models.LaneConfig
	queue []queued[T]
	stats LaneStats
}

// Router is a priority router over a fixed set of lanes. A free worker always
// takes the oldest task of the highest-priority non-empty lane whose in-flight
// count is below its worker limit. Tasks within a lane run in FIFO order.
type Router[T any] struct {
	mu      sync.Mutex
	cond    *sync.Cond
	lanes   []*lane[T] // highest priority first
	byName  map[string]*lane[T]
	handler Handler[T]
	workers int
	stopped bool
	wg      sync.WaitGroup
}

// NewRouter creates a router. totalWorkers caps the number of worker
// goroutines; zero means the sum of the lanes' worker limits.
func NewRouter[T any](lanes []models.LaneConfig, handler Handler[T], totalWorkers int) *Router[T] {
	r := &Router[T]{
		byName:  make(map[string]*lane[T], len(lanes)),
		handler: handler,
	}
	r.cond = sync.NewCond(&r.mu)

	sum := 0
	for _, cfg := range lanes {
		l := &lane[T]{cfg: cfg}
		l.stats = LaneStats{Name: cfg.Name, Priority: cfg.Priority, Workers: cfg.Workers, MaxQueued: cfg.MaxQueued}
		r.lanes = append(r.lanes, l)
		r.byName[cfg.Name] = l
		sum += cfg.Workers
	}
	sort.SliceStable(r.lanes, func(i, j int) bool { return r.lanes[i].cfg.Priority < r.lanes[j].cfg.Priority })

	r.workers = sum
	if totalWorkers > 0 && totalWorkers < sum {
		r.workers = totalWorkers
	}
	return r
}

// Start begins the worker goroutines (call once at startup). Workers exit
// when ctx is cancelled; queued tasks are abandoned.
func (r *Router[T]) Start(ctx context.Context) {
	slog.Info("Starting router", "component", "Router", "worker_count", r.workers, "lanes", len(r.lanes))

	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx, i)
	}

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		r.stopped = true
		r.mu.Unlock()
		r.cond.Broadcast()
	}()
}

// Wait blocks until every worker has returned.
func (r *Router[T]) Wait() {
	r.wg.Wait()
	slog.Info("All workers stopped", "component", "Router")
}

// Submit queues a task on the named lane without blocking.
func (r *Router[T]) Submit(laneName string, task T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return ErrStopped
	}
	l, ok := r.byName[laneName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLane, laneName)
	}
	if len(l.queue) >= l.cfg.MaxQueued {
		l.stats.Rejected++
		return fmt.Errorf("%w: %s", ErrLaneFull, laneName)
	}
	l.queue = append(l.queue, queued[T]{task: task, enqueued: time.Now()})
	l.stats.Submitted++
	r.cond.Signal()
	return nil
}

// Free returns how many more tasks the lane accepts before it is full.
func (r *Router[T]) Free(laneName string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.byName[laneName]
	if !ok {
		return 0
	}
	return l.cfg.MaxQueued - len(l.queue)
}

// Lane returns the configuration of the named lane.
func (r *Router[T]) Lane(name string) (models.LaneConfig, bool) {
	l, ok := r.byName[name]
	if !ok {
		return models.LaneConfig{}, false
	}
	return l.cfg, true
}

// Stats returns a snapshot of every lane, highest priority first.
func (r *Router[T]) Stats() []LaneStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LaneStats, 0, len(r.lanes))
	for _, l := range r.lanes {
		s := l.stats
		s.Depth = len(l.queue)
		out = append(out, s)
	}
	return out
}

// next pops the task the next free worker should run. Caller holds r.mu.
func (r *Router[T]) next() (*lane[T], T, bool) {
	for _, l := range r.lanes {
		if len(l.queue) == 0 || l.stats.InFlight >= l.cfg.Workers {
			continue
		}
		item := l.queue[0]
		var zero queued[T]
		l.queue[0] = zero
		l.queue = l.queue[1:]
		l.stats.InFlight++
		return l, item.task, true
	}
	var zero T
	return nil, zero, false
}

func (r *Router[T]) worker(ctx context.Context, id int) {
	defer r.wg.Done()
	slog.Debug("Worker started", "component", "Router", "worker_id", id)

	for {
		r.mu.Lock()
		var (
			l    *lane[T]
			task T
			ok   bool
		)
		for {
			if r.stopped {
				r.mu.Unlock()
				slog.Debug("Worker stopping", "component", "Router", "worker_id", id)
				return
			}
			if l, task, ok = r.next(); ok {
				break
			}
			r.cond.Wait()
		}
		r.mu.Unlock()

		panicked := r.run(ctx, l.cfg.Name, task)

		r.mu.Lock()
		l.stats.InFlight--
		l.stats.Completed++
		l.stats.LastCompleted = time.Now()
		if panicked {
			l.stats.Panics++
		}
		r.mu.Unlock()
		// A slot on this lane is free again; wake anyone waiting for it.
		r.cond.Broadcast()
	}
}

func (r *Router[T]) run(ctx context.Context, laneName string, task T) (panicked bool) {
	defer func() {
		if rec := recover(); rec != nil {
			panicked = true
			slog.Error("Task panicked", "component", "Router", "lane", laneName, "panic", fmt.Sprint(rec))
		}
	}()
	r.handler(ctx, task)
	return false
}
