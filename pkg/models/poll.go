package models

import (
	"strings"
	"time"
)

// Protocol identifies how a check talks to a device.
type Protocol string

const (
	ProtocolICMP Protocol = "icmp"
	ProtocolTCP  Protocol = "tcp"

	// Internal protocols: the task is not a network poll but engine work
	// scheduled through the same lanes.
	ProtocolEvaluate Protocol = "evaluate"
	ProtocolBaseline Protocol = "baseline"

	pluginPrefix = "plugin:"
)

// PluginProtocol builds the protocol name for a plugin binary.
func PluginProtocol(pluginID string) Protocol {
	return Protocol(pluginPrefix + pluginID)
}

// PluginID returns the plugin id for plugin protocols and "" otherwise.
func (p Protocol) PluginID() string {
	if !strings.HasPrefix(string(p), pluginPrefix) {
		return ""
	}
	return strings.TrimPrefix(string(p), pluginPrefix)
}

// IsPoll reports whether the protocol performs network I/O against devices.
func (p Protocol) IsPoll() bool {
	return p == ProtocolICMP || p == ProtocolTCP || p.PluginID() != ""
}

// Lane names, highest priority first.
const (
	LaneCritical     = "critical"
	LaneAlerts       = "alerts"
	LaneBulk         = "bulk"
	LaneHousekeeping = "housekeeping"
)

// Check describes one recurring unit of work applied to every eligible device.
type Check struct {
	Name         string        `mapstructure:"name" validate:"required"`
	Protocol     Protocol      `mapstructure:"protocol" validate:"required"`
	Interval     time.Duration `mapstructure:"interval" validate:"required,gt=0"`
	Lane         string        `mapstructure:"lane" validate:"required"`
	BatchSize    int           `mapstructure:"batch_size" validate:"gte=1"`
	Timeout      time.Duration `mapstructure:"timeout" validate:"gte=0"`
	Retries      int           `mapstructure:"retries" validate:"gte=0"`
	UpdatesState bool          `mapstructure:"updates_state"`
	CriticalOnly bool          `mapstructure:"critical_only"`
}

// Applies reports whether the check covers the given device.
func (c *Check) Applies(d *Device) bool {
	if c.CriticalOnly && !d.IsCriticalLink {
		return false
	}
	if pid := c.Protocol.PluginID(); pid != "" && d.PluginID != "" && d.PluginID != pid {
		return false
	}
	return true
}

// IntervalFor returns the effective interval for a device. Device overrides
// only apply to network polls; engine work keeps the check's cadence.
func (c *Check) IntervalFor(d *Device) time.Duration {
	if c.Protocol.IsPoll() {
		if o := d.IntervalOverride(); o > 0 {
			return o
		}
	}
	return c.Interval
}

// LaneConfig describes one priority lane of the router.
type LaneConfig struct {
	Name      string `mapstructure:"name" validate:"required"`
	Priority  int    `mapstructure:"priority" validate:"gte=0"`
	Workers   int    `mapstructure:"workers" validate:"gte=1"`
	MaxQueued int    `mapstructure:"max_queued" validate:"gte=1"`
}

// PollTask is one batch of devices to run through a check.
type PollTask struct {
	Check       string        `json:"check"`
	Protocol    Protocol      `json:"protocol"`
	Lane        string        `json:"lane"`
	Devices     []*Device     `json:"devices"`
	Timeout     time.Duration `json:"timeout"`
	Retries     int           `json:"retries"`
	UpdateState bool          `json:"update_state"`
	ScheduledAt time.Time     `json:"scheduled_at"`
}

// Failure reasons carried by unsuccessful poll results.
const (
	ReasonTimeout       = "timeout"
	ReasonUnreachable   = "unreachable"
	ReasonPluginError   = "plugin_error"
	ReasonNoCredentials = "no_credentials"
)

// Well-known metric names produced by the executor.
const (
	MetricReachability = "reachability"
	MetricRTT          = "rtt_ms"
	MetricConnect      = "connect_ms"
)

// Sample is a single named numeric value.
type Sample struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// PollResult is the outcome of polling one device once.
// Exactly one result exists per target of a batch.
type PollResult struct {
	DeviceID  int64     `json:"device_id"`
	Target    string    `json:"target"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"` // failure reason
	Timestamp time.Time `json:"timestamp"`
	Samples   []Sample  `json:"samples,omitempty"`
}
