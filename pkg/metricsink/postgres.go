package metricsink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS metric_samples (
	device_id BIGINT NOT NULL,
	metric    TEXT NOT NULL,
	value     DOUBLE PRECISION NOT NULL,
	ts        TIMESTAMPTZ NOT NULL,
	hostname  TEXT NOT NULL DEFAULT '',
	ip        TEXT NOT NULL DEFAULT '',
	critical  BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_metric_samples_series ON metric_samples (device_id, metric, ts DESC);
`

var sampleColumns = []string{"device_id", "metric", "value", "ts", "hostname", "ip", "critical"}

// Store writes samples to Postgres with COPY and reads them back.
type Store struct {
	Pool *pgxpool.Pool
}

// NewStore opens a pool and checks connectivity.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	if s.Pool != nil {
		s.Pool.Close()
	}
}

// EnsureSchema creates the samples table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create metric_samples: %w", err)
	}
	return nil
}

func (s *Store) Write(ctx context.Context, samples []Sample) error {
	if len(samples) == 0 {
		return nil
	}
	_, err := s.Pool.CopyFrom(ctx, pgx.Identifier{"metric_samples"}, sampleColumns,
		pgx.CopyFromSlice(len(samples), func(i int) ([]any, error) {
			smp := samples[i]
			return []any{smp.DeviceID, smp.Metric, smp.Value, smp.Timestamp.UTC(),
				smp.Labels.Hostname, smp.Labels.IP, smp.Labels.Critical}, nil
		}))
	if err != nil {
		return fmt.Errorf("copy %d samples: %w", len(samples), err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, deviceID int64, metric string, from, to time.Time) ([]Point, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT ts, value FROM metric_samples
		WHERE device_id=$1 AND metric=$2 AND ts >= $3 AND ts < $4
		ORDER BY ts`, deviceID, metric, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("query %s for device %d: %w", metric, deviceID, err)
	}
	points, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Point, error) {
		var p Point
		err := row.Scan(&p.Timestamp, &p.Value)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s for device %d: %w", metric, deviceID, err)
	}
	return points, nil
}

func (s *Store) Latest(ctx context.Context, deviceID int64, metric string) (Point, bool, error) {
	var p Point
	row := s.Pool.QueryRow(ctx, `
		SELECT ts, value FROM metric_samples
		WHERE device_id=$1 AND metric=$2
		ORDER BY ts DESC LIMIT 1`, deviceID, metric)
	if err := row.Scan(&p.Timestamp, &p.Value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Point{}, false, nil
		}
		return Point{}, false, fmt.Errorf("latest %s for device %d: %w", metric, deviceID, err)
	}
	return p, true, nil
}
