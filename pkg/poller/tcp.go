package poller

import (
	"context"
	"net"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/models"
)

// pollTCP opens a TCP connection to every target in parallel. Parallelism is
// bounded by the shared in-flight semaphore.
func (e *Executor) pollTCP(ctx context.Context, devices []*models.Device, timeout time.Duration, retries int, results []*models.PollResult) {
	var g errgroup.Group
	for i, d := range devices {
		g.Go(func() error {
			results[i] = e.dialWithRetry(ctx, d, timeout, retries)
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Executor) dialWithRetry(ctx context.Context, d *models.Device, timeout time.Duration, retries int) *models.PollResult {
	if d.Port <= 0 {
		return e.failure(d, models.ReasonUnreachable)
	}
	addr := net.JoinHostPort(d.IPAddress, strconv.Itoa(d.Port))

	reason := models.ReasonUnreachable
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 && !e.pause(ctx, attempt) {
			return e.failure(d, models.ReasonTimeout)
		}
		elapsed, err := e.dial(ctx, addr, timeout)
		if err == nil {
			return e.success(d,
				models.Sample{Name: models.MetricReachability, Value: 1},
				models.Sample{Name: models.MetricConnect, Value: float64(elapsed.Microseconds()) / 1000},
			)
		}
		reason = reasonFor(ctx, err)
		if ctx.Err() != nil {
			break
		}
	}
	return e.failure(d, reason)
}

func (e *Executor) dial(ctx context.Context, addr string, timeout time.Duration) (time.Duration, error) {
	held, err := e.acquire(ctx, 1)
	if err != nil {
		return 0, err
	}
	defer e.sem.Release(held)

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var dialer net.Dialer
	start := time.Now()
	conn, err := dialer.DialContext(attemptCtx, "tcp", addr)
	if err != nil {
		if attemptCtx.Err() != nil {
			return 0, context.DeadlineExceeded
		}
		return 0, err
	}
	elapsed := time.Since(start)
	_ = conn.Close()
	return elapsed, nil
}
