package metricsink

import (
	"context"
	"sort"
	"sync"
	"time"
)

type seriesKey struct {
	deviceID int64
	metric   string
}

// Memory is an in-process sink used when no metrics database is configured.
// It keeps at most Retention of history per series.
type Memory struct {
	mu        sync.RWMutex
	series    map[seriesKey][]Point
	Retention time.Duration
}

func NewMemory(retention time.Duration) *Memory {
	return &Memory{series: make(map[seriesKey][]Point), Retention: retention}
}

func (m *Memory) Write(ctx context.Context, samples []Sample) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	touched := map[seriesKey]time.Time{}
	for _, s := range samples {
		k := seriesKey{s.DeviceID, s.Metric}
		m.series[k] = append(m.series[k], Point{Timestamp: s.Timestamp.UTC(), Value: s.Value})
		if s.Timestamp.After(touched[k]) {
			touched[k] = s.Timestamp
		}
	}
	for k, newest := range touched {
		pts := m.series[k]
		sort.SliceStable(pts, func(i, j int) bool { return pts[i].Timestamp.Before(pts[j].Timestamp) })
		if m.Retention > 0 {
			cutoff := newest.Add(-m.Retention)
			i := sort.Search(len(pts), func(i int) bool { return !pts[i].Timestamp.Before(cutoff) })
			pts = pts[i:]
		}
		m.series[k] = pts
	}
	return nil
}

func (m *Memory) Query(ctx context.Context, deviceID int64, metric string, from, to time.Time) ([]Point, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Point
	for _, p := range m.series[seriesKey{deviceID, metric}] {
		if !p.Timestamp.Before(from) && p.Timestamp.Before(to) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Memory) Latest(ctx context.Context, deviceID int64, metric string) (Point, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pts := m.series[seriesKey{deviceID, metric}]
	if len(pts) == 0 {
		return Point{}, false, nil
	}
	return pts[len(pts)-1], true, nil
}
