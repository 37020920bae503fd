package statemachine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/models"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/persistence"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/retry"
)

// Options configures a Machine.
type Options struct {
	Policy
	Shards       int
	ShardBuffer  int
	StoreTimeout time.Duration
	StoreRetries int
	RetryBackoff time.Duration
}

// EventHandler receives every emitted transition event.
type EventHandler func(ctx context.Context, ev *models.TransitionEvent)

// Machine owns device state. Results for one device are applied in arrival
// order by a single shard goroutine; different devices proceed in parallel.
type Machine struct {
	store   persistence.StateStore
	opts    Options
	onEvent EventHandler
	policy  atomic.Pointer[Policy]

	shards []chan models.PollResult
	wg     sync.WaitGroup

	applied  atomic.Uint64
	stale    atomic.Uint64
	failures atomic.Uint64
}

// NewMachine creates a state machine backed by store.
func NewMachine(store persistence.StateStore, opts Options, onEvent EventHandler) *Machine {
	if opts.Shards < 1 {
		opts.Shards = 1
	}
	if opts.ShardBuffer < 1 {
		opts.ShardBuffer = 256
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 2 * time.Second
	}
	opts.Policy = opts.Policy.normalized()

	m := &Machine{store: store, opts: opts, onEvent: onEvent}
	m.policy.Store(&opts.Policy)
	m.shards = make([]chan models.PollResult, opts.Shards)
	for i := range m.shards {
		m.shards[i] = make(chan models.PollResult, opts.ShardBuffer)
	}
	return m
}

// SetPolicy replaces the hysteresis and flap settings. Results applied after
// the call use the new policy.
func (m *Machine) SetPolicy(p Policy) {
	p = p.normalized()
	m.policy.Store(&p)
	slog.Info("State policy updated", "component", "StateMachine",
		"failure_threshold", p.FailureThreshold, "flap_window", p.FlapWindow.String(), "flap_threshold", p.FlapThreshold)
}

// Policy returns the policy currently in effect.
func (m *Machine) Policy() Policy { return *m.policy.Load() }

// Apply applies one result synchronously and returns the emitted event, if any.
// A result not newer than the stored state returns ErrStaleResult and changes nothing.
func (m *Machine) Apply(ctx context.Context, result models.PollResult) (*models.TransitionEvent, error) {
	var ev *models.TransitionEvent
	policy := m.Policy()
	err := retry.Do(ctx, m.opts.StoreRetries+1, m.opts.StoreTimeout, m.opts.RetryBackoff, func(ctx context.Context) error {
		ev = nil
		stale := false
		_, err := m.store.Update(ctx, result.DeviceID, func(s *models.DeviceState) error {
			e, err := Step(s, result, policy)
			if errors.Is(err, ErrStaleResult) {
				stale = true
				return persistence.ErrNoChange
			}
			if err != nil {
				return err
			}
			ev = e
			return s.Validate()
		})
		if stale {
			return &retry.Permanent{Err: ErrStaleResult}
		}
		if errors.Is(err, models.ErrStateInvariant) {
			return &retry.Permanent{Err: err}
		}
		return err
	})
	if err != nil {
		if errors.Is(err, ErrStaleResult) {
			m.stale.Add(1)
			return nil, ErrStaleResult
		}
		m.failures.Add(1)
		return nil, fmt.Errorf("apply result for device %d: %w", result.DeviceID, err)
	}
	m.applied.Add(1)
	return ev, nil
}

// Run starts the shard goroutines. It returns when ctx is cancelled and
// every shard has drained what it already holds.
func (m *Machine) Run(ctx context.Context) {
	p := m.Policy()
	slog.Info("Starting state machine", "component", "StateMachine", "shards", len(m.shards),
		"failure_threshold", p.FailureThreshold, "flap_window", p.FlapWindow.String(), "flap_threshold", p.FlapThreshold)

	for i, ch := range m.shards {
		m.wg.Add(1)
		go m.shard(ctx, i, ch)
	}
	m.wg.Wait()
	slog.Info("State machine stopped", "component", "StateMachine")
}

// Submit queues a result on its device's shard. It blocks while the shard is
// full and gives up when ctx ends.
func (m *Machine) Submit(ctx context.Context, result models.PollResult) error {
	ch := m.shards[shardFor(result.DeviceID, len(m.shards))]
	select {
	case ch <- result:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func shardFor(deviceID int64, n int) int {
	u := uint64(deviceID)
	return int(u % uint64(n))
}

func (m *Machine) shard(ctx context.Context, id int, ch <-chan models.PollResult) {
	defer m.wg.Done()
	// A queued result is applied even during shutdown. Each store attempt
	// is still bounded by StoreTimeout.
	applyCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			m.drain(applyCtx, id, ch)
			return
		case result := <-ch:
			m.handle(applyCtx, result)
		}
	}
}

// drain applies whatever is already buffered on ch without waiting for more.
func (m *Machine) drain(ctx context.Context, id int, ch <-chan models.PollResult) {
	n := 0
	for {
		select {
		case result := <-ch:
			m.handle(ctx, result)
			n++
		default:
			if n > 0 {
				slog.Info("Drained shard", "component", "StateMachine", "shard", id, "results", n)
			}
			return
		}
	}
}

func (m *Machine) handle(ctx context.Context, result models.PollResult) {
	ev, err := m.Apply(ctx, result)
	if err != nil {
		if errors.Is(err, ErrStaleResult) {
			slog.Debug("Ignoring stale result", "component", "StateMachine", "device_id", result.DeviceID)
			return
		}
		slog.Error("Failed to apply result", "component", "StateMachine", "device_id", result.DeviceID, "error", err)
		return
	}
	if ev == nil {
		return
	}
	slog.Info("Device state changed", "component", "StateMachine", "device_id", ev.DeviceID, "kind", ev.Kind, "downtime", ev.Downtime.String())
	if m.onEvent != nil {
		m.onEvent(ctx, ev)
	}
}

// Stats reports counters for the health surface.
func (m *Machine) Stats() (applied, stale, failures uint64) {
	return m.applied.Load(), m.stale.Load(), m.failures.Load()
}
