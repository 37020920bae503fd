package models

import (
	"time"
)

// Severity of an alert. Ordered: info < warning < major < critical.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityMajor    Severity = "major"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     1,
	SeverityWarning:  2,
	SeverityMajor:    3,
	SeverityCritical: 4,
}

// Rank returns the ordering weight of the severity, 0 for unknown values.
func (s Severity) Rank() int { return severityRank[s] }

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool { return s.Rank() > 0 }

// RuleKind selects which parameter block of an AlertRule is active.
type RuleKind string

const (
	RuleThreshold RuleKind = "threshold"
	RuleAnomaly   RuleKind = "anomaly"
	RuleState     RuleKind = "state"
)

// RuleScope restricts which devices a rule applies to.
type RuleScope string

const (
	ScopeAll          RuleScope = "all"
	ScopeCriticalOnly RuleScope = "critical_only"
	ScopeNonCritical  RuleScope = "non_critical"
)

// State rule conditions.
const (
	ConditionDeviceDown     = "device_down"
	ConditionDeviceFlapping = "device_flapping"
)

// ThresholdParams compares the latest metric value with a fixed bound.
type ThresholdParams struct {
	Operator string        `yaml:"operator" json:"operator" validate:"required"`
	Value    float64       `yaml:"value" json:"value"`
	MaxAge   time.Duration `yaml:"max_age" json:"max_age" validate:"gte=0"`
}

// SeverityTier maps a minimum |z| to a severity.
type SeverityTier struct {
	MinZ     float64  `yaml:"min_z" json:"min_z" validate:"gt=0"`
	Severity Severity `yaml:"severity" json:"severity" validate:"required,oneof=info warning major critical"`
}

// AnomalyParams compares the latest value with the learned baseline bucket.
type AnomalyParams struct {
	ZCutoff       float64        `yaml:"z_cutoff" json:"z_cutoff" validate:"gt=0,lte=20"`
	MinConfidence float64        `yaml:"min_confidence" json:"min_confidence" validate:"gte=0,lte=1"`
	MaxAge        time.Duration  `yaml:"max_age" json:"max_age" validate:"gte=0"`
	Tiers         []SeverityTier `yaml:"tiers" json:"tiers" validate:"dive"`
}

// StateParams matches on the device state record.
type StateParams struct {
	Condition            string        `yaml:"condition" json:"condition" validate:"required,oneof=device_down device_flapping"`
	MinDuration          time.Duration `yaml:"min_duration" json:"min_duration" validate:"gte=0"`
	SuppressWhenFlapping *bool         `yaml:"suppress_when_flapping" json:"suppress_when_flapping,omitempty"`
}

// Suppressed reports whether flapping devices are held for this rule.
func (p *StateParams) Suppressed() bool {
	if p.SuppressWhenFlapping == nil {
		return true
	}
	return *p.SuppressWhenFlapping
}

// AlertRule is one typed alert rule. Exactly one of Threshold, Anomaly or
// State is set, matching Kind.
type AlertRule struct {
	ID        string           `yaml:"id" json:"id" validate:"required"`
	Name      string           `yaml:"name" json:"name" validate:"required"`
	Kind      RuleKind         `yaml:"kind" json:"kind" validate:"required,oneof=threshold anomaly state"`
	Severity  Severity         `yaml:"severity" json:"severity" validate:"required,oneof=info warning major critical"`
	Scope     RuleScope        `yaml:"scope" json:"scope" validate:"omitempty,oneof=all critical_only non_critical"`
	Metric    string           `yaml:"metric" json:"metric,omitempty"`
	Threshold *ThresholdParams `yaml:"threshold" json:"threshold,omitempty"`
	Anomaly   *AnomalyParams   `yaml:"anomaly" json:"anomaly,omitempty"`
	State     *StateParams     `yaml:"state" json:"state,omitempty"`
}

// InScope reports whether the rule applies to the device.
func (r *AlertRule) InScope(d *Device) bool {
	switch r.Scope {
	case ScopeCriticalOnly:
		return d.IsCriticalLink
	case ScopeNonCritical:
		return !d.IsCriticalLink
	default:
		return true
	}
}

// AlertInstance is one alert occurrence for a (rule, device) pair.
// At most one instance per pair has ResolvedAt == nil.
type AlertInstance struct {
	ID          string     `gorm:"primaryKey;type:uuid" json:"id"`
	RuleID      string     `gorm:"not null;index:idx_alert_open,unique,where:resolved_at IS NULL" json:"rule_id"`
	DeviceID    int64      `gorm:"not null;index:idx_alert_open,unique,where:resolved_at IS NULL" json:"device_id"`
	Severity    Severity   `gorm:"not null" json:"severity"`
	Message     string     `json:"message"`
	Value       float64    `json:"value"`
	TriggeredAt time.Time  `gorm:"not null" json:"triggered_at"`
	EscalatedAt *time.Time `json:"escalated_at,omitempty"`
	ResolvedAt  *time.Time `gorm:"index" json:"resolved_at,omitempty"`
}

func (AlertInstance) TableName() string { return "alert_instances" }

// Open reports whether the instance has not been resolved.
func (a *AlertInstance) Open() bool { return a.ResolvedAt == nil }

// AlertKey identifies the (rule, device) pair an instance belongs to.
type AlertKey struct {
	RuleID   string
	DeviceID int64
}

func (a *AlertInstance) Key() AlertKey {
	return AlertKey{RuleID: a.RuleID, DeviceID: a.DeviceID}
}

// AlertEventType is the lifecycle step reported to the alert sink.
type AlertEventType string

const (
	AlertOpened    AlertEventType = "opened"
	AlertEscalated AlertEventType = "escalated"
	AlertResolved  AlertEventType = "resolved"
)

// AlertEvent is published on every alert lifecycle change.
type AlertEvent struct {
	Type     AlertEventType `json:"type"`
	Instance AlertInstance  `json:"instance"`
	RuleName string         `json:"rule_name"`
	At       time.Time      `json:"at"`
}
