package poller

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/models"
)

// fping sends probes 10ms apart by default; the process deadline allows for that.
const fpingPerTarget = 10 * time.Millisecond

var rttPattern = regexp.MustCompile(`\(([0-9.]+) ms`)

// pollICMP runs one fping per attempt over the targets that have not answered yet.
func (e *Executor) pollICMP(ctx context.Context, devices []*models.Device, timeout time.Duration, retries int, results []*models.PollResult) {
	pending := make([]int, len(devices))
	for i := range devices {
		pending[i] = i
	}

	for attempt := 0; attempt <= retries && len(pending) > 0; attempt++ {
		if attempt > 0 && !e.pause(ctx, attempt) {
			break
		}

		ips := make([]string, 0, len(pending))
		seen := make(map[string]bool)
		for _, i := range pending {
			ip := devices[i].IPAddress
			if !seen[ip] {
				ips = append(ips, ip)
				seen[ip] = true
			}
		}

		alive, err := e.performBatchFping(ctx, ips, timeout)
		if err != nil {
			slog.Error("fping attempt failed", "component", "Executor", "attempt", attempt, "targets", len(ips), "error", err)
		}

		still := pending[:0]
		for _, i := range pending {
			rtt, ok := alive[devices[i].IPAddress]
			if !ok {
				still = append(still, i)
				continue
			}
			samples := []models.Sample{{Name: models.MetricReachability, Value: 1}}
			if rtt >= 0 {
				samples = append(samples, models.Sample{Name: models.MetricRTT, Value: rtt})
			}
			results[i] = e.success(devices[i], samples...)
		}
		pending = still
	}

	reason := models.ReasonUnreachable
	if ctx.Err() != nil {
		reason = models.ReasonTimeout
	}
	for _, i := range pending {
		results[i] = e.failure(devices[i], reason)
	}
}

// performBatchFping runs fping against a list of IPs and returns the
// reachable ones with their round trip time (-1 when fping did not report it).
func (e *Executor) performBatchFping(ctx context.Context, ips []string, timeout time.Duration) (map[string]float64, error) {
	alive := make(map[string]float64)
	if len(ips) == 0 {
		return alive, nil
	}

	held, err := e.acquire(ctx, len(ips))
	if err != nil {
		return alive, err
	}
	defer e.sem.Release(held)

	// -a: show alive hosts
	// -e: show elapsed time on returned packets
	// -t: timeout in ms
	// -r: retry count (retries are driven here, per attempt)
	args := []string{
		"-a",
		"-e",
		"-t", strconv.FormatInt(timeout.Milliseconds(), 10),
		"-r", "0",
	}
	args = append(args, ips...)

	deadline := timeout + time.Duration(len(ips))*fpingPerTarget + 500*time.Millisecond
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	cmd := exec.CommandContext(runCtx, e.fpingPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	// Parse stdout for reachable IPs (one per line)
	for _, line := range strings.Split(strings.TrimSpace(stdout.String()), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		rtt := -1.0
		if m := rttPattern.FindStringSubmatch(line); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				rtt = v
			}
		}
		alive[fields[0]] = rtt
	}

	// fping exits 1 when some hosts are unreachable and 2 for unknown hosts;
	// only higher codes or a failure to start are errors.
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) && exitErr.ExitCode() > 0 && exitErr.ExitCode() <= 2 {
			return alive, nil
		}
		return alive, fmt.Errorf("fping: %w: %s", runErr, strings.TrimSpace(stderr.String()))
	}
	return alive, nil
}
