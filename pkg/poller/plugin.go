package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/models"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/plugin"
)

// Plugins run their tasks concurrently; the process deadline adds start-up slack.
const pluginOverhead = 2 * time.Second

// pollPlugin runs the plugin binary once per attempt with the targets that
// have no successful result yet. Targets missing from the plugin output are
// retried and finally failed.
func (e *Executor) pollPlugin(ctx context.Context, pluginID string, devices []*models.Device, timeout time.Duration, retries int, results []*models.PollResult) {
	binPath, ok := e.plugins[pluginID]
	if !ok {
		slog.Error("Plugin not found", "component", "Executor", "plugin_id", pluginID, "device_count", len(devices))
		for i, d := range devices {
			results[i] = e.failure(d, models.ReasonPluginError)
		}
		return
	}

	tasks := e.createTasks(ctx, devices, timeout, results)

	pending := make([]int, 0, len(devices))
	for i := range devices {
		if results[i] == nil {
			pending = append(pending, i)
		}
	}

	lastReason := make(map[int]string)
	for attempt := 0; attempt <= retries && len(pending) > 0; attempt++ {
		if attempt > 0 && !e.pause(ctx, attempt) {
			break
		}

		batch := make([]plugin.Task, 0, len(pending))
		for _, i := range pending {
			batch = append(batch, tasks[i])
		}

		out, err := e.executePlugin(ctx, binPath, batch, timeout)
		if err != nil {
			slog.Error("Plugin attempt failed", "component", "Executor", "plugin_id", pluginID, "attempt", attempt, "error", err)
		}

		byDevice := make(map[int64]plugin.Result, len(out))
		for _, r := range out {
			byDevice[r.DeviceID] = r
		}

		still := pending[:0]
		for _, i := range pending {
			r, found := byDevice[devices[i].ID]
			switch {
			case found && r.Success:
				samples := []models.Sample{{Name: models.MetricReachability, Value: 1}}
				for _, m := range r.Metrics {
					samples = append(samples, models.Sample{Name: m.Name, Value: m.Value})
				}
				results[i] = e.success(devices[i], samples...)
			case found:
				slog.Debug("Plugin reported failure", "component", "Executor", "plugin_id", pluginID, "device_id", devices[i].ID, "error", r.Error)
				lastReason[i] = models.ReasonPluginError
				still = append(still, i)
			default:
				if ctx.Err() != nil {
					lastReason[i] = models.ReasonTimeout
				} else {
					lastReason[i] = models.ReasonPluginError
				}
				still = append(still, i)
			}
		}
		pending = still
	}

	for _, i := range pending {
		reason := lastReason[i]
		if reason == "" {
			reason = models.ReasonTimeout
		}
		results[i] = e.failure(devices[i], reason)
	}
}

// createTasks converts devices to plugin.Task. Devices whose credential
// profile cannot be resolved get a no_credentials result immediately.
func (e *Executor) createTasks(ctx context.Context, devices []*models.Device, timeout time.Duration, results []*models.PollResult) []plugin.Task {
	tasks := make([]plugin.Task, len(devices))

	// Cache credentials by profile ID to avoid duplicate lookups
	type resolved struct {
		payload string
		err     error
	}
	credCache := make(map[int64]resolved)

	for i, d := range devices {
		task := plugin.Task{
			DeviceID:  d.ID,
			Target:    d.IPAddress,
			Port:      d.Port,
			TimeoutMs: timeout.Milliseconds(),
		}

		if d.CredentialProfileID != 0 {
			cred, exists := credCache[d.CredentialProfileID]
			if !exists {
				if e.creds == nil {
					cred.err = fmt.Errorf("no credential resolver")
				} else {
					cred.payload, cred.err = e.creds.ResolveCredentials(ctx, d.CredentialProfileID)
				}
				credCache[d.CredentialProfileID] = cred
			}
			if cred.err != nil {
				slog.Error("Failed to resolve credentials", "component", "Executor", "device_id", d.ID, "profile_id", d.CredentialProfileID, "error", cred.err)
				results[i] = e.failure(d, models.ReasonNoCredentials)
				continue
			}
			task.Credentials = cred.payload
		}
		tasks[i] = task
	}
	return tasks
}

// executePlugin runs the plugin binary with the batch of tasks
func (e *Executor) executePlugin(ctx context.Context, binPath string, tasks []plugin.Task, timeout time.Duration) ([]plugin.Result, error) {
	slog.Debug("Executing plugin", "component", "Executor", "bin_path", binPath, "task_count", len(tasks))

	inputJSON, err := json.Marshal(tasks)
	if err != nil {
		return nil, fmt.Errorf("marshal tasks: %w", err)
	}

	held, err := e.acquire(ctx, len(tasks))
	if err != nil {
		return nil, err
	}
	defer e.sem.Release(held)

	runCtx, cancel := context.WithTimeout(ctx, timeout+pluginOverhead)
	defer cancel()

	cmd := exec.CommandContext(runCtx, binPath)
	cmd.Stdin = bytes.NewReader(inputJSON)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("plugin %s: %w: %s", binPath, err, stderr.String())
	}

	var results []plugin.Result
	if err := json.Unmarshal(stdout.Bytes(), &results); err != nil {
		return nil, fmt.Errorf("parse plugin output: %w", err)
	}

	slog.Debug("Plugin returned results", "component", "Executor", "bin_path", binPath, "result_count", len(results))
	return results, nil
}
