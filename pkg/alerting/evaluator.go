// Package alerting evaluates typed alert rules against device state, the
// latest metric values and learned baselines, and manages the lifecycle of
// alert instances.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/baseline"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/metricsink"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/models"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/persistence"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/retry"
)

// StateReader reads device state. persistence.StateStore satisfies it.
type StateReader interface {
	Get(ctx context.Context, deviceID int64) (*models.DeviceState, error)
}

// Sink receives alert lifecycle events.
type Sink interface {
	PublishAlert(ctx context.Context, ev models.AlertEvent) error
}

// Options configures an Evaluator.
type Options struct {
	Location     *time.Location
	LatestMaxAge time.Duration
	StoreTimeout time.Duration
	StoreRetries int
	RetryBackoff time.Duration
	Stripes      int
}

// Summary counts the lifecycle changes of one evaluation pass.
type Summary struct {
	Evaluated int
	Opened    int
	Escalated int
	Resolved  int
}

func (s *Summary) add(o Summary) {
	s.Evaluated += o.Evaluated
	s.Opened += o.Opened
	s.Escalated += o.Escalated
	s.Resolved += o.Resolved
}

type outcome int

const (
	unknown outcome = iota
	miss
	hit
)

type verdict struct {
	outcome  outcome
	severity models.Severity
	value    float64
	message  string
}

// Evaluator applies the current rule set to devices.
type Evaluator struct {
	rules     atomic.Pointer[RuleSet]
	states    StateReader
	alerts    persistence.AlertStore
	latest    *LatestIndex
	metrics   metricsink.Reader
	baselines *baseline.Cache
	sink      Sink
	opts      Options

	stripes []sync.Mutex
	openMu  sync.Mutex
	open    map[models.AlertKey]*models.AlertInstance

	now func() time.Time
}

// NewEvaluator creates an evaluator. metrics may be nil, in which case only
// the latest index is consulted.
func NewEvaluator(rules *RuleSet, states StateReader, alerts persistence.AlertStore, latest *LatestIndex,
	metrics metricsink.Reader, baselines *baseline.Cache, sink Sink, opts Options) *Evaluator {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.LatestMaxAge <= 0 {
		opts.LatestMaxAge = 10 * time.Minute
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 2 * time.Second
	}
	if opts.Stripes < 1 {
		opts.Stripes = 64
	}
	if rules == nil {
		rules = newRuleSet(nil)
	}
	e := &Evaluator{
		states:    states,
		alerts:    alerts,
		latest:    latest,
		metrics:   metrics,
		baselines: baselines,
		sink:      sink,
		opts:      opts,
		stripes:   make([]sync.Mutex, opts.Stripes),
		open:      make(map[models.AlertKey]*models.AlertInstance),
		now:       time.Now,
	}
	e.rules.Store(rules)
	return e
}

// Rules returns the active rule set.
func (e *Evaluator) Rules() *RuleSet { return e.rules.Load() }

// SetRules swaps the active rule set.
func (e *Evaluator) SetRules(rs *RuleSet) {
	e.rules.Store(rs)
	slog.Info("Alert rules loaded", "component", "AlertEvaluator", "rules", rs.Len())
}

// ReloadRules loads path and swaps it in. On error the current set stays active.
func (e *Evaluator) ReloadRules(path string) error {
	rs, err := LoadRules(path)
	if err != nil {
		slog.Error("Rule reload rejected", "component", "AlertEvaluator", "path", path, "error", err)
		return err
	}
	e.SetRules(rs)
	return nil
}

// LoadOpen seeds the dedup index with the open instances in the store.
func (e *Evaluator) LoadOpen(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.opts.StoreTimeout)
	defer cancel()
	open, err := e.alerts.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("load open alerts: %w", err)
	}
	e.openMu.Lock()
	for _, inst := range open {
		e.open[inst.Key()] = inst
	}
	e.openMu.Unlock()
	slog.Info("Loaded open alerts", "component", "AlertEvaluator", "count", len(open))
	return nil
}

// OpenCount reports how many instances are currently open.
func (e *Evaluator) OpenCount() int {
	e.openMu.Lock()
	defer e.openMu.Unlock()
	return len(e.open)
}

// EvaluateDevices runs every rule against every in-scope device.
func (e *Evaluator) EvaluateDevices(ctx context.Context, devices []*models.Device) (Summary, error) {
	var total Summary
	var errs []error
	for _, d := range devices {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		s, err := e.EvaluateDevice(ctx, d)
		total.add(s)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// EvaluateDevice runs every rule against one device.
func (e *Evaluator) EvaluateDevice(ctx context.Context, d *models.Device) (Summary, error) {
	rs := e.rules.Load()
	var sum Summary
	var errs []error

	var state *models.DeviceState
	if rs.needsState() {
		var err error
		state, err = e.loadState(ctx, d.ID)
		if err != nil {
			errs = append(errs, err)
		}
	}

	for i := range rs.rules {
		rule := &rs.rules[i]
		if !rule.InScope(d) {
			continue
		}
		var v verdict
		switch rule.Kind {
		case models.RuleState:
			v = e.evalState(rule, d, state)
		case models.RuleThreshold:
			v = e.evalThreshold(ctx, rule, d)
		case models.RuleAnomaly:
			v = e.evalAnomaly(ctx, rule, d)
		}
		sum.Evaluated++
		if err := e.apply(ctx, rule, d, v, &sum); err != nil {
			errs = append(errs, err)
		}
	}
	return sum, errors.Join(errs...)
}

func (e *Evaluator) loadState(ctx context.Context, deviceID int64) (*models.DeviceState, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.StoreTimeout)
	defer cancel()
	s, err := e.states.Get(ctx, deviceID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state for device %d: %w", deviceID, err)
	}
	return s, nil
}

func (e *Evaluator) evalState(rule *models.AlertRule, d *models.Device, s *models.DeviceState) verdict {
	if s == nil {
		return verdict{}
	}
	switch rule.State.Condition {
	case models.ConditionDeviceDown:
		if s.IsFlapping && rule.State.Suppressed() {
			return verdict{}
		}
		if !s.IsDown {
			return verdict{outcome: miss}
		}
		down := e.now().Sub(*s.DownSince)
		if down < rule.State.MinDuration {
			return verdict{outcome: miss}
		}
		return verdict{
			outcome:  hit,
			severity: rule.Severity,
			value:    down.Seconds(),
			message:  fmt.Sprintf("%s (%s) down since %s", d.Hostname, d.IPAddress, s.DownSince.UTC().Format(time.RFC3339)),
		}
	case models.ConditionDeviceFlapping:
		if !s.IsFlapping {
			return verdict{outcome: miss}
		}
		return verdict{
			outcome:  hit,
			severity: rule.Severity,
			value:    float64(s.TransitionCountWindow),
			message:  fmt.Sprintf("%s (%s) flapping, %d transitions in window", d.Hostname, d.IPAddress, s.TransitionCountWindow),
		}
	}
	return verdict{}
}

// latestValue returns the newest value of metric if it is younger than maxAge.
func (e *Evaluator) latestValue(ctx context.Context, deviceID int64, metric string, maxAge time.Duration) (metricsink.Point, bool) {
	if maxAge <= 0 {
		maxAge = e.opts.LatestMaxAge
	}
	p, ok := e.latest.Get(deviceID, metric)
	if !ok && e.metrics != nil {
		qctx, cancel := context.WithTimeout(ctx, e.opts.StoreTimeout)
		defer cancel()
		var err error
		p, ok, err = e.metrics.Latest(qctx, deviceID, metric)
		if err != nil {
			slog.Debug("Latest metric lookup failed", "component", "AlertEvaluator", "device_id", deviceID, "metric", metric, "error", err)
			return metricsink.Point{}, false
		}
		if ok {
			e.latest.Observe(deviceID, metric, p.Value, p.Timestamp)
		}
	}
	if !ok || e.now().Sub(p.Timestamp) > maxAge {
		return metricsink.Point{}, false
	}
	return p, true
}

func (e *Evaluator) evalThreshold(ctx context.Context, rule *models.AlertRule, d *models.Device) verdict {
	p, ok := e.latestValue(ctx, d.ID, rule.Metric, rule.Threshold.MaxAge)
	if !ok {
		return verdict{}
	}
	cmp := operators[rule.Threshold.Operator]
	if cmp == nil || !cmp(p.Value, rule.Threshold.Value) {
		return verdict{outcome: miss, value: p.Value}
	}
	return verdict{
		outcome:  hit,
		severity: rule.Severity,
		value:    p.Value,
		message:  fmt.Sprintf("%s %s = %g %s %g", d.Hostname, rule.Metric, p.Value, rule.Threshold.Operator, rule.Threshold.Value),
	}
}

func (e *Evaluator) evalAnomaly(ctx context.Context, rule *models.AlertRule, d *models.Device) verdict {
	if e.baselines == nil {
		return verdict{}
	}
	p, ok := e.latestValue(ctx, d.ID, rule.Metric, rule.Anomaly.MaxAge)
	if !ok {
		return verdict{}
	}
	b, ok := e.baselines.Lookup(d.ID, rule.Metric, p.Timestamp, e.opts.Location)
	if !ok || b.Confidence < rule.Anomaly.MinConfidence || b.StdDev < 1e-9 {
		return verdict{}
	}
	z := (p.Value - b.Mean) / b.StdDev
	if math.Abs(z) < rule.Anomaly.ZCutoff {
		return verdict{outcome: miss, value: p.Value}
	}
	return verdict{
		outcome:  hit,
		severity: tierFor(rule, math.Abs(z)),
		value:    p.Value,
		message: fmt.Sprintf("%s %s = %g deviates from baseline %.1f±%.1f (z=%.2f)",
			d.Hostname, rule.Metric, p.Value, b.Mean, b.StdDev, z),
	}
}

// tierFor returns the severity of the highest tier reached by absZ.
func tierFor(rule *models.AlertRule, absZ float64) models.Severity {
	sev := rule.Severity
	for _, t := range rule.Anomaly.Tiers {
		if absZ >= t.MinZ {
			sev = t.Severity
		}
	}
	return sev
}

func (e *Evaluator) stripe(key models.AlertKey) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key.RuleID))
	var buf [8]byte
	for i := range buf {
		buf[i] = byte(key.DeviceID >> (8 * i))
	}
	h.Write(buf[:])
	return &e.stripes[h.Sum32()%uint32(len(e.stripes))]
}

func (e *Evaluator) getOpen(key models.AlertKey) *models.AlertInstance {
	e.openMu.Lock()
	defer e.openMu.Unlock()
	return e.open[key]
}

func (e *Evaluator) setOpen(key models.AlertKey, inst *models.AlertInstance) {
	e.openMu.Lock()
	defer e.openMu.Unlock()
	if inst == nil {
		delete(e.open, key)
		return
	}
	e.open[key] = inst
}

func (e *Evaluator) storeCall(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, e.opts.StoreRetries+1, e.opts.StoreTimeout, e.opts.RetryBackoff, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, persistence.ErrAlreadyOpen) || errors.Is(err, persistence.ErrNotFound) {
			return &retry.Permanent{Err: err}
		}
		return err
	})
}

// apply moves the (rule, device) instance through its lifecycle.
func (e *Evaluator) apply(ctx context.Context, rule *models.AlertRule, d *models.Device, v verdict, sum *Summary) error {
	if v.outcome == unknown {
		return nil
	}
	key := models.AlertKey{RuleID: rule.ID, DeviceID: d.ID}
	mu := e.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	open := e.getOpen(key)
	now := e.now().UTC()

	switch {
	case v.outcome == hit && open == nil:
		inst := &models.AlertInstance{
			ID:          uuid.NewString(),
			RuleID:      rule.ID,
			DeviceID:    d.ID,
			Severity:    v.severity,
			Message:     v.message,
			Value:       v.value,
			TriggeredAt: now,
		}
		err := e.storeCall(ctx, func(ctx context.Context) error { return e.alerts.Create(ctx, inst) })
		if errors.Is(err, persistence.ErrAlreadyOpen) {
			// Another writer got there first; adopt its instance.
			var existing *models.AlertInstance
			gerr := e.storeCall(ctx, func(ctx context.Context) error {
				var err error
				existing, err = e.alerts.GetOpen(ctx, key)
				return err
			})
			if gerr != nil {
				return fmt.Errorf("adopt open alert %s/%d: %w", rule.ID, d.ID, gerr)
			}
			e.setOpen(key, existing)
			return nil
		}
		if err != nil {
			return fmt.Errorf("open alert %s/%d: %w", rule.ID, d.ID, err)
		}
		e.setOpen(key, inst)
		sum.Opened++
		e.publish(ctx, models.AlertOpened, inst, rule, now)

	case v.outcome == hit && v.severity.Rank() > open.Severity.Rank():
		next := *open
		next.Severity = v.severity
		next.Message = v.message
		next.Value = v.value
		next.EscalatedAt = &now
		if err := e.storeCall(ctx, func(ctx context.Context) error { return e.alerts.Update(ctx, &next) }); err != nil {
			return fmt.Errorf("escalate alert %s: %w", open.ID, err)
		}
		e.setOpen(key, &next)
		sum.Escalated++
		e.publish(ctx, models.AlertEscalated, &next, rule, now)

	case v.outcome == miss && open != nil:
		next := *open
		next.ResolvedAt = &now
		err := e.storeCall(ctx, func(ctx context.Context) error { return e.alerts.Update(ctx, &next) })
		if err != nil && !errors.Is(err, persistence.ErrNotFound) {
			return fmt.Errorf("resolve alert %s: %w", open.ID, err)
		}
		e.setOpen(key, nil)
		if err == nil {
			sum.Resolved++
			e.publish(ctx, models.AlertResolved, &next, rule, now)
		}
	}
	return nil
}

func (e *Evaluator) publish(ctx context.Context, typ models.AlertEventType, inst *models.AlertInstance, rule *models.AlertRule, at time.Time) {
	slog.Info("Alert "+string(typ), "component", "AlertEvaluator", "alert_id", inst.ID, "rule_id", rule.ID,
		"device_id", inst.DeviceID, "severity", inst.Severity)
	if e.sink == nil {
		return
	}
	ev := models.AlertEvent{Type: typ, Instance: *inst, RuleName: rule.Name, At: at}
	if err := e.sink.PublishAlert(ctx, ev); err != nil {
		slog.Warn("Failed to publish alert event", "component", "AlertEvaluator", "alert_id", inst.ID, "error", err)
	}
}
