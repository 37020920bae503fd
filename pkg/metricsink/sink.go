// Package metricsink is the client for the time-series store that keeps raw
// poll samples.
package metricsink

import (
	"context"
	"time"
)

// Labels identify where a sample came from.
type Labels struct {
	Hostname string
	IP       string
	Critical bool
}

// Sample is one numeric observation for a device.
type Sample struct {
	DeviceID  int64
	Metric    string
	Value     float64
	Timestamp time.Time
	Labels    Labels
}

// Point is a stored (timestamp, value) pair.
type Point struct {
	Timestamp time.Time
	Value     float64
}

// Writer accepts sample batches.
type Writer interface {
	Write(ctx context.Context, samples []Sample) error
}

// Reader serves range and latest-value queries.
type Reader interface {
	// Query returns the points in [from, to) ordered by timestamp.
	Query(ctx context.Context, deviceID int64, metric string, from, to time.Time) ([]Point, error)
	Latest(ctx context.Context, deviceID int64, metric string) (Point, bool, error)
}

// Sink is both ends of the metrics store.
type Sink interface {
	Writer
	Reader
}
