package models

import (
	"errors"
	"time"
)

// DeviceState is the durable reachability state of a single device.
// It is mutated only by the state machine.
type DeviceState struct {
	DeviceID              int64       `gorm:"primaryKey;autoIncrement:false" json:"device_id"`
	IsDown                bool        `gorm:"not null;default:false" json:"is_down"`
	DownSince             *time.Time  `json:"down_since,omitempty"`
	TransitionCountWindow int         `gorm:"not null;default:0" json:"transition_count_window"`
	TransitionTimes       []time.Time `gorm:"serializer:json" json:"transition_times"`
	IsFlapping            bool        `gorm:"not null;default:false" json:"is_flapping"`
	FlapQuietSince        *time.Time  `json:"flap_quiet_since,omitempty"`
	ConsecutiveFailures   int         `gorm:"not null;default:0" json:"consecutive_failures"`
	FirstFailureAt        *time.Time  `json:"first_failure_at,omitempty"`
	LastCheckedAt         time.Time   `json:"last_checked_at"`
	LastTransitionAt      *time.Time  `json:"last_transition_at,omitempty"`
	Version               int64       `gorm:"not null;default:0" json:"version"`
}

func (DeviceState) TableName() string { return "device_states" }

var ErrStateInvariant = errors.New("down_since must be set exactly when device is down")

// Validate checks the down_since / is_down invariant.
func (s *DeviceState) Validate() error {
	if s.IsDown != (s.DownSince != nil) {
		return ErrStateInvariant
	}
	return nil
}

// Clone returns a deep copy so stores never share slices or pointers with callers.
func (s *DeviceState) Clone() *DeviceState {
	if s == nil {
		return nil
	}
	c := *s
	c.DownSince = cloneTime(s.DownSince)
	c.FlapQuietSince = cloneTime(s.FlapQuietSince)
	c.FirstFailureAt = cloneTime(s.FirstFailureAt)
	c.LastTransitionAt = cloneTime(s.LastTransitionAt)
	if s.TransitionTimes != nil {
		c.TransitionTimes = append([]time.Time(nil), s.TransitionTimes...)
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TransitionKind names a state change event.
type TransitionKind string

const (
	TransitionDown            TransitionKind = "down"
	TransitionUp              TransitionKind = "up"
	TransitionFlappingStarted TransitionKind = "flapping_started"
	TransitionFlappingCleared TransitionKind = "flapping_cleared"
)

// TransitionEvent is emitted by the state machine when a device changes state.
type TransitionEvent struct {
	DeviceID int64          `json:"device_id"`
	Kind     TransitionKind `json:"kind"`
	At       time.Time      `json:"at"`
	Downtime time.Duration  `json:"downtime,omitempty"` // set on up
	State    *DeviceState   `json:"state"`
}
