package datawriter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/metricsink"
)

type flakySink struct {
	mu      sync.Mutex
	down    bool
	calls   int
	written []metricsink.Sample
}

func (f *flakySink) Write(ctx context.Context, samples []metricsink.Sample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.down {
		return errors.New("connection refused")
	}
	f.written = append(f.written, samples...)
	return nil
}

func (f *flakySink) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func (f *flakySink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

func samples(n int) []metricsink.Sample {
	out := make([]metricsink.Sample, n)
	for i := range out {
		out[i] = metricsink.Sample{DeviceID: int64(i + 1), Metric: "reachability", Value: 1, Timestamp: time.Now()}
	}
	return out
}

func TestEnqueue_DropsWhenFull(t *testing.T) {
	w := NewWriter(&flakySink{}, Options{BufferSize: 3, BatchSize: 10})

	assert.Equal(t, 3, w.Enqueue(samples(5)...))
	st := w.Stats()
	assert.Equal(t, 3, st.Buffered)
	assert.EqualValues(t, 2, st.Dropped)
}

func TestRun_FlushesOnBatchSizeAndInterval(t *testing.T) {
	sink := &flakySink{}
	w := NewWriter(sink, Options{BufferSize: 100, BatchSize: 4, FlushInterval: 20 * time.Millisecond, Timeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	w.Enqueue(samples(6)...)
	require.Eventually(t, func() bool { return sink.count() == 6 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.EqualValues(t, 6, w.Stats().Written)
	assert.Zero(t, w.Stats().Dropped)
}

func TestRun_SinkOutageDropsAndRecovers(t *testing.T) {
	sink := &flakySink{down: true}
	w := NewWriter(sink, Options{BufferSize: 100, BatchSize: 5, FlushInterval: 10 * time.Millisecond,
		Timeout: 50 * time.Millisecond, Retries: 1, Backoff: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	w.Enqueue(samples(5)...)
	require.Eventually(t, func() bool { return w.Stats().Dropped == 5 }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, w.Stats().Failures, uint64(1))

	sink.setDown(false)
	w.Enqueue(samples(3)...)
	require.Eventually(t, func() bool { return sink.count() == 3 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.EqualValues(t, 3, w.Stats().Written)
	assert.EqualValues(t, 5, w.Stats().Dropped)
}

func TestRun_FinalFlushOnShutdown(t *testing.T) {
	sink := &flakySink{}
	w := NewWriter(sink, Options{BufferSize: 100, BatchSize: 1000, FlushInterval: time.Hour, Timeout: time.Second})

	w.Enqueue(samples(7)...)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Run(ctx)

	assert.Equal(t, 7, sink.count())
	assert.Zero(t, w.Stats().Buffered)
}
