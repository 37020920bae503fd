package baseline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/metricsink"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/models"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/persistence"
)

// Monday 2025-03-17 10:30 UTC.
var now = time.Date(2025, 3, 17, 10, 30, 0, 0, time.UTC)

var monday14 = models.BucketKey{Hour: 14, DayOfWeek: int(time.Monday)}

func newTestLearner(t *testing.T, sink *metricsink.Memory) (*Learner, *persistence.MemoryBaselineStore) {
	t.Helper()
	store := persistence.NewMemoryBaselineStore()
	l := NewLearner(sink, store, NewCache(), Options{
		LookbackDays: 28,
		MinSamples:   1,
		FullSamples:  2,
		Location:     time.UTC,
		Metrics:      []string{"rx_bps"},
	})
	l.now = func() time.Time { return now }
	return l, store
}

func seed(t *testing.T, sink *metricsink.Memory, deviceID int64) {
	t.Helper()
	require.NoError(t, sink.Write(context.Background(), []metricsink.Sample{
		{DeviceID: deviceID, Metric: "rx_bps", Value: 400, Timestamp: time.Date(2025, 3, 10, 14, 20, 0, 0, time.UTC)},
		{DeviceID: deviceID, Metric: "rx_bps", Value: 240, Timestamp: time.Date(2025, 3, 3, 14, 5, 0, 0, time.UTC)},
		// Outside the 28 day lookback.
		{DeviceID: deviceID, Metric: "rx_bps", Value: 9000, Timestamp: time.Date(2025, 2, 10, 14, 0, 0, 0, time.UTC)},
		{DeviceID: deviceID, Metric: "rx_bps", Value: 50, Timestamp: time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC)},
	}))
}

func TestLearn_BucketStatistics(t *testing.T) {
	sink := metricsink.NewMemory(0)
	seed(t, sink, 1)
	l, _ := newTestLearner(t, sink)

	got, err := l.Learn(context.Background(), 1, "rx_bps", 28)
	require.NoError(t, err)
	require.Len(t, got, models.BucketsPerWeek)

	b := got[monday14]
	assert.Equal(t, 2, b.SampleCount)
	assert.InDelta(t, 320.0, b.Mean, 1e-9)
	assert.InDelta(t, 80.0, b.StdDev, 1e-9)
	assert.InDelta(t, 0.9, b.Confidence, 1e-9)
	assert.Equal(t, now.Truncate(time.Hour), b.ComputedAt)

	tuesday9 := got[models.BucketKey{Hour: 9, DayOfWeek: int(time.Tuesday)}]
	assert.Equal(t, 1, tuesday9.SampleCount)
	assert.Zero(t, tuesday9.StdDev)

	empty := got[models.BucketKey{Hour: 3, DayOfWeek: int(time.Sunday)}]
	assert.Zero(t, empty.SampleCount)
	assert.Zero(t, empty.Confidence)
	assert.Equal(t, int64(1), empty.ResourceID)
}

func TestLearn_Location(t *testing.T) {
	sink := metricsink.NewMemory(0)
	seed(t, sink, 1)
	l, _ := newTestLearner(t, sink)
	l.opts.Location = time.FixedZone("UTC+4", 4*3600)

	got, err := l.Learn(context.Background(), 1, "rx_bps", 28)
	require.NoError(t, err)
	assert.Zero(t, got[monday14].SampleCount)
	assert.Equal(t, 2, got[models.BucketKey{Hour: 18, DayOfWeek: int(time.Monday)}].SampleCount)
}

func TestLearn_ThresholdsChangeAtRuntime(t *testing.T) {
	sink := metricsink.NewMemory(0)
	seed(t, sink, 1)
	l, _ := newTestLearner(t, sink)
	ctx := context.Background()

	got, err := l.Learn(ctx, 1, "rx_bps", 0)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, got[monday14].Confidence, 1e-9)

	l.SetThresholds(Thresholds{LookbackDays: 28, MinSamples: 3, FullSamples: 10})
	got, err = l.Learn(ctx, 1, "rx_bps", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, got[monday14].SampleCount)
	assert.Zero(t, got[monday14].Confidence)

	l.SetThresholds(Thresholds{LookbackDays: 7, MinSamples: 1, FullSamples: 2})
	got, err = l.Learn(ctx, 1, "rx_bps", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, got[monday14].SampleCount)
	assert.InDelta(t, 400.0, got[monday14].Mean, 1e-9)

	require.NoError(t, l.LearnDevices(ctx, []*models.Device{{ID: 1}}))
	cached, ok := l.Cache().Get(1, "rx_bps", monday14)
	require.True(t, ok)
	assert.Equal(t, 1, cached.SampleCount)
}

func TestThresholdsNormalized(t *testing.T) {
	th := Thresholds{MinSamples: 10, FullSamples: 5}.normalized()
	assert.Equal(t, 28, th.LookbackDays)
	assert.Equal(t, 10, th.FullSamples)
}

func TestLearn_Deterministic(t *testing.T) {
	sink := metricsink.NewMemory(0)
	seed(t, sink, 1)
	l, store := newTestLearner(t, sink)
	ctx := context.Background()

	first, err := l.Learn(ctx, 1, "rx_bps", 28)
	require.NoError(t, err)
	l.now = func() time.Time { return now.Add(20 * time.Minute) }
	second, err := l.Learn(ctx, 1, "rx_bps", 28)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	require.NoError(t, l.LearnDevices(ctx, []*models.Device{{ID: 1}}))
	rows1, err := store.List(ctx)
	require.NoError(t, err)
	require.NoError(t, l.LearnDevices(ctx, []*models.Device{{ID: 1}}))
	rows2, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, rows1, models.BucketsPerWeek)
	assert.Equal(t, rows1, rows2)
}

func TestLearnDevices_PublishesToCache(t *testing.T) {
	sink := metricsink.NewMemory(0)
	seed(t, sink, 1)
	seed(t, sink, 2)
	l, _ := newTestLearner(t, sink)

	require.NoError(t, l.LearnDevices(context.Background(), []*models.Device{{ID: 1}, {ID: 2}}))
	assert.Equal(t, 2*models.BucketsPerWeek, l.Cache().Len())

	b, ok := l.Cache().Lookup(2, "rx_bps", time.Date(2025, 3, 17, 14, 45, 0, 0, time.UTC), time.UTC)
	require.True(t, ok)
	assert.InDelta(t, 320.0, b.Mean, 1e-9)
}

func TestCache_WarmAndReplace(t *testing.T) {
	store := persistence.NewMemoryBaselineStore()
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, []models.Baseline{
		{ResourceID: 5, Metric: "rtt_ms", Hour: 14, DayOfWeek: 1, Mean: 10, StdDev: 2, SampleCount: 50, Confidence: 0.5},
	}))

	c := NewCache()
	require.NoError(t, c.Warm(ctx, store))
	b, ok := c.Get(5, "rtt_ms", monday14)
	require.True(t, ok)
	assert.Equal(t, 10.0, b.Mean)

	c.Replace(nil)
	_, ok = c.Get(5, "rtt_ms", monday14)
	assert.False(t, ok)
}

func TestConfidence(t *testing.T) {
	tests := []struct {
		n    int
		want float64
	}{
		{0, 0},
		{9, 0},
		{10, 0.9 * 1 / 91},
		{55, 0.9 * 46 / 91},
		{100, 0.9},
		{200, 0.95},
		{1000, 0.99},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, Confidence(tt.n, 10, 100), 1e-12, "n=%d", tt.n)
	}

	prev := -1.0
	for n := 0; n < 500; n++ {
		c := Confidence(n, 10, 100)
		assert.GreaterOrEqual(t, c, prev, "n=%d", n)
		assert.LessOrEqual(t, c, 1.0)
		prev = c
	}
}
