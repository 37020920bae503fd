// Package datawriter buffers poll samples in front of the metrics sink so
// polling never waits on sink I/O.
package datawriter

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/metricsink"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/retry"
)

// Options configures a Writer.
type Options struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	Timeout       time.Duration
	Retries       int
	Backoff       time.Duration
}

// Stats is a snapshot of the writer counters.
type Stats struct {
	Buffered int    `json:"buffered"`
	Written  uint64 `json:"written"`
	Dropped  uint64 `json:"dropped"`
	Failures uint64 `json:"flush_failures"`
}

// Writer handles persistence of poll samples.
type Writer struct {
	sink    metricsink.Writer
	opts    Options
	samples chan metricsink.Sample

	written  atomic.Uint64
	dropped  atomic.Uint64
	failures atomic.Uint64
}

// NewWriter creates a new data writer service.
func NewWriter(sink metricsink.Writer, opts Options) *Writer {
	if opts.BufferSize < 1 {
		opts.BufferSize = 1
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 2 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	return &Writer{
		sink:    sink,
		opts:    opts,
		samples: make(chan metricsink.Sample, opts.BufferSize),
	}
}

// Enqueue adds samples to the buffer without blocking. Samples that do not
// fit are dropped and counted. It returns how many were accepted.
func (w *Writer) Enqueue(samples ...metricsink.Sample) int {
	accepted := 0
	for _, s := range samples {
		select {
		case w.samples <- s:
			accepted++
		default:
			w.dropped.Add(1)
		}
	}
	if dropped := len(samples) - accepted; dropped > 0 {
		slog.Warn("Sample buffer full, dropping", "component", "DataWriter", "count", dropped)
	}
	return accepted
}

// Run starts the data writer's main loop. On cancellation it drains the
// buffer with one final flush.
func (w *Writer) Run(ctx context.Context) {
	slog.Info("Starting data writer", "component", "DataWriter",
		"buffer_size", w.opts.BufferSize, "batch_size", w.opts.BatchSize, "flush_interval", w.opts.FlushInterval.String())

	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]metricsink.Sample, 0, w.opts.BatchSize)
	for {
		select {
		case <-ctx.Done():
			w.drain(batch)
			slog.Info("Data writer stopped", "component", "DataWriter")
			return
		case s := <-w.samples:
			batch = append(batch, s)
			if len(batch) >= w.opts.BatchSize {
				w.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

func (w *Writer) drain(batch []metricsink.Sample) {
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.Timeout*time.Duration(w.opts.Retries+1))
	defer cancel()
	for {
		select {
		case s := <-w.samples:
			batch = append(batch, s)
			if len(batch) >= w.opts.BatchSize {
				w.flush(ctx, batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				w.flush(ctx, batch)
			}
			return
		}
	}
}

// flush writes one batch. A batch that still fails after the retries is dropped.
func (w *Writer) flush(ctx context.Context, batch []metricsink.Sample) {
	err := retry.Do(ctx, w.opts.Retries+1, w.opts.Timeout, w.opts.Backoff, func(ctx context.Context) error {
		return w.sink.Write(ctx, batch)
	})
	if err != nil {
		w.failures.Add(1)
		w.dropped.Add(uint64(len(batch)))
		slog.Error("Failed to flush samples, dropping batch", "component", "DataWriter", "count", len(batch), "error", err)
		return
	}
	w.written.Add(uint64(len(batch)))
	slog.Debug("Flushed samples", "component", "DataWriter", "count", len(batch))
}

func (w *Writer) Stats() Stats {
	return Stats{
		Buffered: len(w.samples),
		Written:  w.written.Load(),
		Dropped:  w.dropped.Load(),
		Failures: w.failures.Load(),
	}
}
