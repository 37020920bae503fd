// Package baseline learns per (hour-of-day, day-of-week) statistics for
// device metrics from the metrics sink.
package baseline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/metricsink"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/models"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/persistence"
)

// Options configures a Learner.
type Options struct {
	LookbackDays int
	MinSamples   int
	FullSamples  int
	Location     *time.Location
	Metrics      []string
	Concurrency  int
	Timeout      time.Duration
}

// Thresholds are the learner settings that may change while running.
type Thresholds struct {
	LookbackDays int
	MinSamples   int
	FullSamples  int
}

func (t Thresholds) normalized() Thresholds {
	if t.LookbackDays < 1 {
		t.LookbackDays = 28
	}
	if t.MinSamples < 1 {
		t.MinSamples = 1
	}
	if t.FullSamples < t.MinSamples {
		t.FullSamples = t.MinSamples
	}
	return t
}

// Learner computes baselines and keeps the cache current.
type Learner struct {
	reader     metricsink.Reader
	store      persistence.BaselineStore
	cache      *Cache
	opts       Options
	thresholds atomic.Pointer[Thresholds]
	now        func() time.Time
}

func NewLearner(reader metricsink.Reader, store persistence.BaselineStore, cache *Cache, opts Options) *Learner {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	l := &Learner{reader: reader, store: store, cache: cache, opts: opts, now: time.Now}
	th := Thresholds{LookbackDays: opts.LookbackDays, MinSamples: opts.MinSamples, FullSamples: opts.FullSamples}.normalized()
	l.thresholds.Store(&th)
	return l
}

// SetThresholds swaps the lookback and sample thresholds. Runs already in
// progress finish with the values they started with.
func (l *Learner) SetThresholds(t Thresholds) {
	t = t.normalized()
	l.thresholds.Store(&t)
	slog.Info("Baseline thresholds updated", "component", "BaselineLearner",
		"lookback_days", t.LookbackDays, "min_samples", t.MinSamples, "full_samples", t.FullSamples)
}

func (l *Learner) Thresholds() Thresholds { return *l.thresholds.Load() }

func (l *Learner) Cache() *Cache { return l.cache }

func (l *Learner) Location() *time.Location { return l.opts.Location }

// cycleStart anchors a learning run so repeated runs over the same history
// produce identical rows.
func (l *Learner) cycleStart() time.Time {
	return l.now().UTC().Truncate(time.Hour)
}

// Learn computes all 168 buckets for one (device, metric) from the samples
// in [start - lookbackDays, start). Buckets without samples get a row with
// zero count and zero confidence.
func (l *Learner) Learn(ctx context.Context, deviceID int64, metric string, lookbackDays int) (map[models.BucketKey]models.Baseline, error) {
	th := l.Thresholds()
	if lookbackDays > 0 {
		th.LookbackDays = lookbackDays
	}
	return l.learn(ctx, deviceID, metric, th)
}

func (l *Learner) learn(ctx context.Context, deviceID int64, metric string, th Thresholds) (map[models.BucketKey]models.Baseline, error) {
	start := l.cycleStart()
	from := start.AddDate(0, 0, -th.LookbackDays)

	qctx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
	defer cancel()
	points, err := l.reader.Query(qctx, deviceID, metric, from, start)
	if err != nil {
		return nil, fmt.Errorf("load history for device %d %s: %w", deviceID, metric, err)
	}
	return l.compute(deviceID, metric, points, start, th), nil
}

func (l *Learner) compute(deviceID int64, metric string, points []metricsink.Point, computedAt time.Time, th Thresholds) map[models.BucketKey]models.Baseline {
	sorted := append([]metricsink.Point(nil), points...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	buckets := make(map[models.BucketKey][]float64, models.BucketsPerWeek)
	for _, p := range sorted {
		k := models.BucketFor(p.Timestamp, l.opts.Location)
		buckets[k] = append(buckets[k], p.Value)
	}

	out := make(map[models.BucketKey]models.Baseline, models.BucketsPerWeek)
	for day := 0; day < 7; day++ {
		for hour := 0; hour < 24; hour++ {
			k := models.BucketKey{Hour: hour, DayOfWeek: day}
			values := buckets[k]
			m := mean(values)
			out[k] = models.Baseline{
				ResourceID:  deviceID,
				Metric:      metric,
				Hour:        hour,
				DayOfWeek:   day,
				Mean:        m,
				StdDev:      stdDev(values, m),
				SampleCount: len(values),
				Confidence:  Confidence(len(values), th.MinSamples, th.FullSamples),
				ComputedAt:  computedAt,
			}
		}
	}
	return out
}

// LearnDevices learns every configured metric for devices, upserts the rows
// and publishes them to the cache in one swap. Failures for one series do
// not stop the others.
func (l *Learner) LearnDevices(ctx context.Context, devices []*models.Device) error {
	slog.Info("Learning baselines", "component", "BaselineLearner", "devices", len(devices), "metrics", len(l.opts.Metrics))

	th := l.Thresholds()
	var (
		mu   sync.Mutex
		rows []models.Baseline
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.opts.Concurrency)
	for _, d := range devices {
		for _, metric := range l.opts.Metrics {
			g.Go(func() error {
				learned, err := l.learn(gctx, d.ID, metric, th)
				if err == nil {
					batch := sortedRows(learned)
					if err = l.upsert(gctx, batch); err == nil {
						mu.Lock()
						rows = append(rows, batch...)
						mu.Unlock()
						return nil
					}
				}
				slog.Warn("Baseline learning failed", "component", "BaselineLearner", "device_id", d.ID, "metric", metric, "error", err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait()

	if len(rows) > 0 {
		l.cache.Merge(rows)
	}
	slog.Info("Baselines learned", "component", "BaselineLearner", "rows", len(rows), "failures", len(errs))
	return errors.Join(errs...)
}

func (l *Learner) upsert(ctx context.Context, rows []models.Baseline) error {
	uctx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
	defer cancel()
	if err := l.store.Upsert(uctx, rows); err != nil {
		return fmt.Errorf("upsert baselines: %w", err)
	}
	return nil
}

func sortedRows(m map[models.BucketKey]models.Baseline) []models.Baseline {
	rows := make([]models.Baseline, 0, len(m))
	for _, b := range m {
		rows = append(rows, b)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].DayOfWeek != rows[j].DayOfWeek {
			return rows[i].DayOfWeek < rows[j].DayOfWeek
		}
		return rows[i].Hour < rows[j].Hour
	})
	return rows
}
