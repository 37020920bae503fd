package poller

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/models"
)

// CredentialResolver returns the decrypted credential payload for a profile.
type CredentialResolver interface {
	ResolveCredentials(ctx context.Context, profileID int64) (string, error)
}

// Options configures an Executor.
type Options struct {
	FpingPath   string
	PluginsDir  string
	MaxInFlight int           // ceiling on concurrent network calls across all lanes
	Backoff     time.Duration // sleep before retry n is Backoff × n
}

// Executor performs network polls. It keeps no state between calls apart
// from the shared in-flight semaphore.
type Executor struct {
	fpingPath string
	pluginDir string
	plugins   map[string]string // pluginID -> binary path
	creds     CredentialResolver

	sem      *semaphore.Weighted
	maxSlots int64
	backoff  time.Duration
	now      func() time.Time
}

// NewExecutor creates an Executor and scans the plugin directory.
func NewExecutor(opts Options, creds CredentialResolver) *Executor {
	slots := int64(max(opts.MaxInFlight, 1))
	e := &Executor{
		fpingPath: opts.FpingPath,
		pluginDir: opts.PluginsDir,
		plugins:   make(map[string]string),
		creds:     creds,
		sem:       semaphore.NewWeighted(slots),
		maxSlots:  slots,
		backoff:   opts.Backoff,
		now:       time.Now,
	}
	e.loadPlugins()
	return e
}

// loadPlugins scans the plugin directory and populates the plugins map.
// Each subdirectory is a plugin; the binary must be named the same as the directory.
func (e *Executor) loadPlugins() {
	if e.pluginDir == "" {
		return
	}
	entries, err := os.ReadDir(e.pluginDir)
	if err != nil {
		slog.Warn("Failed to scan plugin directory", "component", "Executor", "dir", e.pluginDir, "error", err)
		return
	}

	for _, entry := range entries {
		pluginID := entry.Name()
		var binPath string

		if entry.IsDir() {
			// Option 1: pluginDir/ID/ID
			binPath = filepath.Join(e.pluginDir, pluginID, pluginID)
			if _, err := os.Stat(binPath); err != nil {
				continue
			}
		} else {
			// Option 2: pluginDir/ID
			binPath = filepath.Join(e.pluginDir, pluginID)
		}

		e.plugins[pluginID] = binPath
		slog.Info("Loaded plugin", "component", "Executor", "plugin_id", pluginID, "path", binPath)
	}
	slog.Info("Plugins loaded", "component", "Executor", "count", len(e.plugins))
}

// Plugins returns the ids of the loaded plugins.
func (e *Executor) Plugins() []string {
	ids := make([]string, 0, len(e.plugins))
	for id := range e.plugins {
		ids = append(ids, id)
	}
	return ids
}

// Poll polls every device once with the given protocol. It returns exactly
// one result per device, in input order. Each target gets one attempt with
// a hard timeout and up to retries further attempts.
func (e *Executor) Poll(ctx context.Context, devices []*models.Device, protocol models.Protocol, timeout time.Duration, retries int) []models.PollResult {
	results := make([]*models.PollResult, len(devices))
	if len(devices) == 0 {
		return nil
	}

	switch {
	case protocol == models.ProtocolICMP:
		e.pollICMP(ctx, devices, timeout, retries, results)
	case protocol == models.ProtocolTCP:
		e.pollTCP(ctx, devices, timeout, retries, results)
	case protocol.PluginID() != "":
		e.pollPlugin(ctx, protocol.PluginID(), devices, timeout, retries, results)
	default:
		slog.Error("Unsupported protocol", "component", "Executor", "protocol", protocol)
	}

	out := make([]models.PollResult, len(devices))
	for i, r := range results {
		if r == nil {
			// Never fewer results than targets.
			r = e.failure(devices[i], models.ReasonPluginError)
		}
		out[i] = *r
	}
	return out
}

func (e *Executor) success(d *models.Device, samples ...models.Sample) *models.PollResult {
	return &models.PollResult{
		DeviceID:  d.ID,
		Target:    d.IPAddress,
		Success:   true,
		Timestamp: e.now(),
		Samples:   samples,
	}
}

func (e *Executor) failure(d *models.Device, reason string) *models.PollResult {
	return &models.PollResult{
		DeviceID:  d.ID,
		Target:    d.IPAddress,
		Success:   false,
		Error:     reason,
		Timestamp: e.now(),
		Samples:   []models.Sample{{Name: models.MetricReachability, Value: 0}},
	}
}

// acquire takes up to n slots of the in-flight semaphore and returns how many it holds.
func (e *Executor) acquire(ctx context.Context, n int) (int64, error) {
	w := min(int64(max(n, 1)), e.maxSlots)
	if err := e.sem.Acquire(ctx, w); err != nil {
		return 0, err
	}
	return w, nil
}

// pause sleeps before retry attempt n. It returns false when ctx ends first.
func (e *Executor) pause(ctx context.Context, attempt int) bool {
	if e.backoff <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(e.backoff * time.Duration(attempt)):
		return true
	}
}

func reasonFor(ctx context.Context, err error) string {
	if ctx.Err() != nil {
		return models.ReasonTimeout
	}
	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return models.ReasonTimeout
	}
	return models.ReasonUnreachable
}
