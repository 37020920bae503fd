// Package pipeline runs router tasks: it polls devices and routes each
// result to the state machine, the sample buffer and the alert evaluator.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/alerting"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/metricsink"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/models"
)

// Executor polls a batch of devices.
type Executor interface {
	Poll(ctx context.Context, devices []*models.Device, protocol models.Protocol, timeout time.Duration, retries int) []models.PollResult
}

// StateMachine accepts poll results for state tracking.
type StateMachine interface {
	Submit(ctx context.Context, result models.PollResult) error
}

// SampleWriter buffers samples for the metrics sink without blocking.
type SampleWriter interface {
	Enqueue(samples ...metricsink.Sample) int
}

// Evaluator runs alert rules.
type Evaluator interface {
	EvaluateDevices(ctx context.Context, devices []*models.Device) (alerting.Summary, error)
	EvaluateDevice(ctx context.Context, d *models.Device) (alerting.Summary, error)
}

// Learner refreshes baselines.
type Learner interface {
	LearnDevices(ctx context.Context, devices []*models.Device) error
}

// TransitionPublisher receives device state events.
type TransitionPublisher interface {
	PublishTransition(ctx context.Context, ev models.TransitionEvent) error
}

// Pipeline is the router's task handler.
type Pipeline struct {
	executor  Executor
	state     StateMachine
	writer    SampleWriter
	latest    *alerting.LatestIndex
	evaluator Evaluator
	learner   Learner
	publisher TransitionPublisher

	// Last seen copy of every polled device, for triggered evaluation.
	// Devices not seen for retention are dropped.
	devicesMu sync.RWMutex
	devices   map[int64]seenDevice
	lastPrune time.Time
	retention time.Duration
	now       func() time.Time

	trigger chan int64
}

// DefaultDeviceRetention is how long a device absent from every task stays
// known to the triggered evaluation loop.
const DefaultDeviceRetention = 15 * time.Minute

type seenDevice struct {
	device *models.Device
	at     time.Time
}

// New creates a pipeline. learner and publisher may be nil.
func New(executor Executor, state StateMachine, writer SampleWriter, latest *alerting.LatestIndex,
	evaluator Evaluator, learner Learner, publisher TransitionPublisher, triggerBuffer int) *Pipeline {
	if triggerBuffer < 1 {
		triggerBuffer = 1024
	}
	return &Pipeline{
		executor:  executor,
		state:     state,
		writer:    writer,
		latest:    latest,
		evaluator: evaluator,
		learner:   learner,
		publisher: publisher,
		devices:   make(map[int64]seenDevice),
		retention: DefaultDeviceRetention,
		now:       time.Now,
		trigger:   make(chan int64, triggerBuffer),
	}
}

// Handle executes one task. It never fails the batch: per-device problems
// become failure results and internal faults are logged.
func (p *Pipeline) Handle(ctx context.Context, task *models.PollTask) {
	start := time.Now()
	switch task.Protocol {
	case models.ProtocolEvaluate:
		p.remember(task.Devices)
		sum, err := p.evaluator.EvaluateDevices(ctx, task.Devices)
		if err != nil {
			slog.Warn("Evaluation incomplete", "component", "Pipeline", "check", task.Check, "error", err)
		}
		slog.Debug("Evaluated batch", "component", "Pipeline", "check", task.Check, "devices", len(task.Devices),
			"opened", sum.Opened, "escalated", sum.Escalated, "resolved", sum.Resolved)
	case models.ProtocolBaseline:
		if p.learner == nil {
			return
		}
		if err := p.learner.LearnDevices(ctx, task.Devices); err != nil {
			slog.Warn("Baseline learning incomplete", "component", "Pipeline", "check", task.Check, "error", err)
		}
	default:
		p.poll(ctx, task)
	}
	slog.Debug("Task done", "component", "Pipeline", "check", task.Check, "lane", task.Lane,
		"devices", len(task.Devices), "duration", time.Since(start).String())
}

func (p *Pipeline) poll(ctx context.Context, task *models.PollTask) {
	p.remember(task.Devices)
	results := p.executor.Poll(ctx, task.Devices, task.Protocol, task.Timeout, task.Retries)

	samples := make([]metricsink.Sample, 0, len(results)*2)
	failed := 0
	for i, r := range results {
		d := task.Devices[i]
		if !r.Success {
			failed++
		}
		for _, s := range r.Samples {
			p.latest.Observe(d.ID, s.Name, s.Value, r.Timestamp)
			samples = append(samples, metricsink.Sample{
				DeviceID:  d.ID,
				Metric:    s.Name,
				Value:     s.Value,
				Timestamp: r.Timestamp,
				Labels:    metricsink.Labels{Hostname: d.Hostname, IP: d.IPAddress, Critical: d.IsCriticalLink},
			})
		}
		if task.UpdateState {
			if err := p.state.Submit(ctx, r); err != nil {
				slog.Warn("State update not queued", "component", "Pipeline", "device_id", r.DeviceID, "error", err)
			}
		}
	}
	p.writer.Enqueue(samples...)
	slog.Debug("Polled batch", "component", "Pipeline", "check", task.Check, "devices", len(results), "failed", failed)
}

// remember records the task's devices and, at most once per retention
// period, forgets devices that stopped appearing in tasks.
func (p *Pipeline) remember(devices []*models.Device) {
	now := p.now()
	p.devicesMu.Lock()
	defer p.devicesMu.Unlock()
	for _, d := range devices {
		p.devices[d.ID] = seenDevice{device: d, at: now}
	}
	if now.Sub(p.lastPrune) < p.retention {
		return
	}
	removed := 0
	for id, s := range p.devices {
		if now.Sub(s.at) > p.retention {
			delete(p.devices, id)
			removed++
		}
	}
	p.lastPrune = now
	if removed > 0 {
		slog.Debug("Forgot devices no longer scheduled", "component", "Pipeline", "removed", removed, "known", len(p.devices))
	}
}

func (p *Pipeline) device(id int64) (*models.Device, bool) {
	p.devicesMu.RLock()
	defer p.devicesMu.RUnlock()
	s, ok := p.devices[id]
	return s.device, ok
}

// OnTransition publishes a state event and queues an immediate evaluation
// of the device. It is the state machine's event handler.
func (p *Pipeline) OnTransition(ctx context.Context, ev *models.TransitionEvent) {
	if p.publisher != nil {
		if err := p.publisher.PublishTransition(ctx, *ev); err != nil {
			slog.Warn("Failed to publish state event", "component", "Pipeline", "device_id", ev.DeviceID, "error", err)
		}
	}
	select {
	case p.trigger <- ev.DeviceID:
	default:
		slog.Debug("Evaluation trigger buffer full, leaving device to the next tick", "component", "Pipeline", "device_id", ev.DeviceID)
	}
}

// Run evaluates devices queued by OnTransition until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	slog.Info("Starting evaluation trigger loop", "component", "Pipeline")
	for {
		select {
		case <-ctx.Done():
			slog.Info("Evaluation trigger loop stopped", "component", "Pipeline")
			return
		case id := <-p.trigger:
			d, ok := p.device(id)
			if !ok {
				continue
			}
			if _, err := p.evaluator.EvaluateDevice(ctx, d); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("Triggered evaluation failed", "component", "Pipeline", "device_id", id, "error", err)
			}
		}
	}
}
