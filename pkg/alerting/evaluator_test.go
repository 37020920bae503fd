package alerting

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/baseline"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/models"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/persistence"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/statemachine"
)

// Monday 2025-03-10 14:10 UTC.
var evalNow = time.Date(2025, 3, 10, 14, 10, 0, 0, time.UTC)

type recordingSink struct {
	mu     sync.Mutex
	events []models.AlertEvent
}

func (s *recordingSink) PublishAlert(ctx context.Context, ev models.AlertEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) types() []models.AlertEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.AlertEventType, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

type harness struct {
	eval   *Evaluator
	states *persistence.MemoryStateStore
	alerts *persistence.MemoryAlertStore
	latest *LatestIndex
	cache  *baseline.Cache
	sink   *recordingSink
}

func newHarness(t *testing.T, rules string) *harness {
	t.Helper()
	rs, err := ParseRules([]byte(rules))
	require.NoError(t, err)
	h := &harness{
		states: persistence.NewMemoryStateStore(),
		alerts: persistence.NewMemoryAlertStore(),
		latest: NewLatestIndex(),
		cache:  baseline.NewCache(),
		sink:   &recordingSink{},
	}
	h.eval = NewEvaluator(rs, h.states, h.alerts, h.latest, nil, h.cache, h.sink, Options{Location: time.UTC})
	h.eval.now = func() time.Time { return evalNow }
	return h
}

func (h *harness) openAlerts(t *testing.T) []*models.AlertInstance {
	t.Helper()
	open, err := h.alerts.ListOpen(context.Background())
	require.NoError(t, err)
	return open
}

const downRule = `
rules:
  - id: device-down
    name: Device Down
    kind: state
    severity: critical
    state:
      condition: device_down
`

var router = &models.Device{ID: 42, Hostname: "core-rtr-1", IPAddress: "10.0.0.1", Status: models.DeviceActive}

func TestEvaluate_DeviceDownLifecycle(t *testing.T) {
	h := newHarness(t, downRule)
	ctx := context.Background()
	machine := statemachine.NewMachine(h.states, statemachine.Options{
		Policy: statemachine.Policy{FailureThreshold: 1, FlapWindow: 5 * time.Minute, FlapThreshold: 3},
	}, nil)

	healthy := evalNow.Add(-time.Hour)
	_, err := machine.Apply(ctx, models.PollResult{DeviceID: 42, Success: true, Timestamp: healthy})
	require.NoError(t, err)
	sum, err := h.eval.EvaluateDevice(ctx, router)
	require.NoError(t, err)
	assert.Zero(t, sum.Opened)

	firstFailure := evalNow.Add(-3 * time.Minute)
	for i := 0; i < 3; i++ {
		_, err := machine.Apply(ctx, models.PollResult{DeviceID: 42, Success: false, Timestamp: firstFailure.Add(time.Duration(i) * time.Minute)})
		require.NoError(t, err)
		_, err = h.eval.EvaluateDevice(ctx, router)
		require.NoError(t, err)
	}

	state, err := h.states.Get(ctx, 42)
	require.NoError(t, err)
	require.NotNil(t, state.DownSince)
	assert.True(t, state.DownSince.Equal(firstFailure))

	open := h.openAlerts(t)
	require.Len(t, open, 1)
	assert.Equal(t, "device-down", open[0].RuleID)
	assert.Equal(t, models.SeverityCritical, open[0].Severity)
	assert.Equal(t, []models.AlertEventType{models.AlertOpened}, h.sink.types())

	_, err = machine.Apply(ctx, models.PollResult{DeviceID: 42, Success: true, Timestamp: evalNow})
	require.NoError(t, err)
	sum, err = h.eval.EvaluateDevice(ctx, router)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Resolved)
	assert.Empty(t, h.openAlerts(t))
	assert.Equal(t, []models.AlertEventType{models.AlertOpened, models.AlertResolved}, h.sink.types())
	assert.Zero(t, h.eval.OpenCount())

	recent, err := h.alerts.ListRecent(ctx, evalNow.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.NotNil(t, recent[0].ResolvedAt)
}

func TestEvaluate_DownHeldWhileFlapping(t *testing.T) {
	h := newHarness(t, downRule+`
  - id: flapping
    name: Device Flapping
    kind: state
    severity: major
    state:
      condition: device_flapping
`)
	ctx := context.Background()
	machine := statemachine.NewMachine(h.states, statemachine.Options{
		Policy: statemachine.Policy{FailureThreshold: 1, FlapWindow: 5 * time.Minute, FlapThreshold: 3},
	}, nil)

	for i := 0; i < 4; i++ {
		_, err := machine.Apply(ctx, models.PollResult{DeviceID: 42, Success: i%2 == 1, Timestamp: evalNow.Add(time.Duration(i-4) * 30 * time.Second)})
		require.NoError(t, err)
	}
	// One more failure leaves the device down and flapping.
	_, err := machine.Apply(ctx, models.PollResult{DeviceID: 42, Success: false, Timestamp: evalNow})
	require.NoError(t, err)

	_, err = h.eval.EvaluateDevice(ctx, router)
	require.NoError(t, err)

	open := h.openAlerts(t)
	require.Len(t, open, 1)
	assert.Equal(t, "flapping", open[0].RuleID)
}

func TestEvaluate_MinDuration(t *testing.T) {
	h := newHarness(t, `
rules:
  - id: long-down
    name: Down for 5m
    kind: state
    severity: major
    state:
      condition: device_down
      min_duration: 5m
`)
	ctx := context.Background()
	since := evalNow.Add(-2 * time.Minute)
	_, err := h.states.Update(ctx, 42, func(s *models.DeviceState) error {
		s.IsDown = true
		s.DownSince = &since
		s.LastCheckedAt = since
		return nil
	})
	require.NoError(t, err)

	_, err = h.eval.EvaluateDevice(ctx, router)
	require.NoError(t, err)
	assert.Empty(t, h.openAlerts(t))

	h.eval.now = func() time.Time { return evalNow.Add(4 * time.Minute) }
	_, err = h.eval.EvaluateDevice(ctx, router)
	require.NoError(t, err)
	assert.Len(t, h.openAlerts(t), 1)
}

const anomalyRule = `
rules:
  - id: rx-anomaly
    name: Traffic anomaly
    kind: anomaly
    severity: info
    metric: rx_bps
    anomaly:
      z_cutoff: 3
      min_confidence: 0.5
`

func seedMonday14(h *harness, confidence float64) {
	h.cache.Replace([]models.Baseline{{
		ResourceID: 42, Metric: "rx_bps", Hour: 14, DayOfWeek: int(time.Monday),
		Mean: 320, StdDev: 80, SampleCount: 200, Confidence: confidence,
	}})
}

func TestEvaluate_AnomalyHighestTier(t *testing.T) {
	h := newHarness(t, anomalyRule)
	seedMonday14(h, 0.95)
	h.latest.Observe(42, "rx_bps", 850, evalNow.Add(-time.Minute))

	sum, err := h.eval.EvaluateDevice(context.Background(), router)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Opened)

	open := h.openAlerts(t)
	require.Len(t, open, 1)
	assert.Equal(t, models.SeverityCritical, open[0].Severity)
	assert.Equal(t, 850.0, open[0].Value)
	assert.Contains(t, open[0].Message, "z=6.6")
}

func TestEvaluate_AnomalyEscalatesInPlace(t *testing.T) {
	h := newHarness(t, anomalyRule)
	seedMonday14(h, 0.95)
	ctx := context.Background()

	h.latest.Observe(42, "rx_bps", 600, evalNow.Add(-2*time.Minute))
	_, err := h.eval.EvaluateDevice(ctx, router)
	require.NoError(t, err)
	first := h.openAlerts(t)
	require.Len(t, first, 1)
	assert.Equal(t, models.SeverityWarning, first[0].Severity)

	h.latest.Observe(42, "rx_bps", 850, evalNow.Add(-time.Minute))
	sum, err := h.eval.EvaluateDevice(ctx, router)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Escalated)

	second := h.openAlerts(t)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, models.SeverityCritical, second[0].Severity)
	assert.NotNil(t, second[0].EscalatedAt)

	// Lower severity hit is a no-op.
	h.latest.Observe(42, "rx_bps", 600, evalNow)
	sum, err = h.eval.EvaluateDevice(ctx, router)
	require.NoError(t, err)
	assert.Equal(t, Summary{Evaluated: 1}, sum)
	assert.Equal(t, []models.AlertEventType{models.AlertOpened, models.AlertEscalated}, h.sink.types())
}

func TestEvaluate_AnomalySkippedOnLowConfidence(t *testing.T) {
	h := newHarness(t, anomalyRule)
	seedMonday14(h, 0.2)
	h.latest.Observe(42, "rx_bps", 850, evalNow)

	_, err := h.eval.EvaluateDevice(context.Background(), router)
	require.NoError(t, err)
	assert.Empty(t, h.openAlerts(t))
}

const rttRule = `
rules:
  - id: high-rtt
    name: High RTT
    kind: threshold
    severity: warning
    scope: critical_only
    metric: rtt_ms
    threshold:
      operator: ">"
      value: 100
      max_age: 5m
`

func TestEvaluate_ThresholdAndScope(t *testing.T) {
	h := newHarness(t, rttRule)
	ctx := context.Background()
	uplink := &models.Device{ID: 7, Hostname: "uplink", IsCriticalLink: true}
	access := &models.Device{ID: 8, Hostname: "access"}

	h.latest.Observe(7, "rtt_ms", 150, evalNow)
	h.latest.Observe(8, "rtt_ms", 150, evalNow)
	sum, err := h.eval.EvaluateDevices(ctx, []*models.Device{uplink, access})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Opened)
	assert.Equal(t, 1, sum.Evaluated)

	// Stale data changes nothing.
	h.eval.now = func() time.Time { return evalNow.Add(time.Hour) }
	sum, err = h.eval.EvaluateDevice(ctx, uplink)
	require.NoError(t, err)
	assert.Zero(t, sum.Resolved)
	assert.Len(t, h.openAlerts(t), 1)

	h.latest.Observe(7, "rtt_ms", 20, evalNow.Add(time.Hour))
	sum, err = h.eval.EvaluateDevice(ctx, uplink)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Resolved)
	assert.Empty(t, h.openAlerts(t))
}

func TestEvaluate_AdoptsInstanceOpenedElsewhere(t *testing.T) {
	h := newHarness(t, rttRule)
	ctx := context.Background()
	uplink := &models.Device{ID: 7, IsCriticalLink: true}
	require.NoError(t, h.alerts.Create(ctx, &models.AlertInstance{
		ID: "existing", RuleID: "high-rtt", DeviceID: 7, Severity: models.SeverityWarning, TriggeredAt: evalNow,
	}))

	h.latest.Observe(7, "rtt_ms", 150, evalNow)
	sum, err := h.eval.EvaluateDevice(ctx, uplink)
	require.NoError(t, err)
	assert.Zero(t, sum.Opened)
	assert.Len(t, h.openAlerts(t), 1)
	assert.Equal(t, 1, h.eval.OpenCount())
	assert.Empty(t, h.sink.types())
}

// flakyAlerts fails the first GetOpen calls with a transient error.
type flakyAlerts struct {
	*persistence.MemoryAlertStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyAlerts) GetOpen(ctx context.Context, key models.AlertKey) (*models.AlertInstance, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return nil, errors.New("connection reset by peer")
	}
	return f.MemoryAlertStore.GetOpen(ctx, key)
}

func TestEvaluate_AdoptRetriesTransientStoreErrors(t *testing.T) {
	rs, err := ParseRules([]byte(rttRule))
	require.NoError(t, err)
	alerts := &flakyAlerts{MemoryAlertStore: persistence.NewMemoryAlertStore(), failures: 1}
	latest := NewLatestIndex()
	sink := &recordingSink{}
	eval := NewEvaluator(rs, persistence.NewMemoryStateStore(), alerts, latest, nil, baseline.NewCache(), sink,
		Options{Location: time.UTC, StoreRetries: 2, RetryBackoff: time.Millisecond})
	eval.now = func() time.Time { return evalNow }
	ctx := context.Background()

	require.NoError(t, alerts.Create(ctx, &models.AlertInstance{
		ID: "existing", RuleID: "high-rtt", DeviceID: 7, Severity: models.SeverityWarning, TriggeredAt: evalNow,
	}))
	latest.Observe(7, "rtt_ms", 150, evalNow)

	sum, err := eval.EvaluateDevice(ctx, &models.Device{ID: 7, IsCriticalLink: true})
	require.NoError(t, err)
	assert.Zero(t, sum.Opened)
	assert.Equal(t, 1, eval.OpenCount())
	assert.Equal(t, 2, alerts.calls)
	assert.Empty(t, sink.types())
}

func TestEvaluate_LoadOpenSeedsDedup(t *testing.T) {
	h := newHarness(t, rttRule)
	ctx := context.Background()
	require.NoError(t, h.alerts.Create(ctx, &models.AlertInstance{
		ID: "existing", RuleID: "high-rtt", DeviceID: 7, Severity: models.SeverityWarning, TriggeredAt: evalNow,
	}))
	require.NoError(t, h.eval.LoadOpen(ctx))
	assert.Equal(t, 1, h.eval.OpenCount())

	h.latest.Observe(7, "rtt_ms", 10, evalNow)
	sum, err := h.eval.EvaluateDevice(ctx, &models.Device{ID: 7, IsCriticalLink: true})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Resolved)
}

func TestEvaluate_ConcurrentHitsOpenOnce(t *testing.T) {
	h := newHarness(t, rttRule)
	uplink := &models.Device{ID: 7, IsCriticalLink: true}
	h.latest.Observe(7, "rtt_ms", 150, evalNow)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.eval.EvaluateDevice(context.Background(), uplink)
		}()
	}
	wg.Wait()
	assert.Len(t, h.openAlerts(t), 1)
	assert.Equal(t, []models.AlertEventType{models.AlertOpened}, h.sink.types())
}

func TestReloadRules_KeepsPreviousOnError(t *testing.T) {
	h := newHarness(t, rttRule)
	path := filepath.Join(t.TempDir(), "rules.yaml")

	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - id: x\n    kind: bogus\n"), 0o644))
	assert.Error(t, h.eval.ReloadRules(path))
	assert.Equal(t, 1, h.eval.Rules().Len())

	require.NoError(t, os.WriteFile(path, []byte(validRules), 0o644))
	require.NoError(t, h.eval.ReloadRules(path))
	assert.Equal(t, 3, h.eval.Rules().Len())
}

func TestWatchRules_ReloadsOnWrite(t *testing.T) {
	h := newHarness(t, rttRule)
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(rttRule), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- WatchRules(ctx, path, h.eval) }()

	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte(validRules), 0o644)
		return h.eval.Rules().Len() == 3
	}, 5*time.Second, 300*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
