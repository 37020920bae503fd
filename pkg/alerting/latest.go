package alerting

import (
	"sync"
	"time"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/metricsink"
)

type latestKey struct {
	deviceID int64
	metric   string
}

// LatestIndex holds the newest observed value per (device, metric) so rule
// evaluation does not read the metrics sink on every tick.
type LatestIndex struct {
	mu     sync.RWMutex
	points map[latestKey]metricsink.Point
}

func NewLatestIndex() *LatestIndex {
	return &LatestIndex{points: make(map[latestKey]metricsink.Point)}
}

// Observe records a value unless a newer one is already held.
func (l *LatestIndex) Observe(deviceID int64, metric string, value float64, at time.Time) {
	k := latestKey{deviceID, metric}
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.points[k]; ok && cur.Timestamp.After(at) {
		return
	}
	l.points[k] = metricsink.Point{Timestamp: at, Value: value}
}

func (l *LatestIndex) Get(deviceID int64, metric string) (metricsink.Point, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.points[latestKey{deviceID, metric}]
	return p, ok
}
