package persistence

import (
	"time"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/models"
)

// dynamoState is the item layout of the device state table. Timestamps are
// stored as unix milliseconds; zero means unset.
type dynamoState struct {
	DeviceID              int64   `dynamodbav:"device_id"`
	IsDown                bool    `dynamodbav:"is_down"`
	DownSince             int64   `dynamodbav:"down_since,omitempty"`
	TransitionCountWindow int     `dynamodbav:"transition_count_window"`
	TransitionTimes       []int64 `dynamodbav:"transition_times,omitempty"`
	IsFlapping            bool    `dynamodbav:"is_flapping"`
	FlapQuietSince        int64   `dynamodbav:"flap_quiet_since,omitempty"`
	ConsecutiveFailures   int     `dynamodbav:"consecutive_failures"`
	FirstFailureAt        int64   `dynamodbav:"first_failure_at,omitempty"`
	LastCheckedAt         int64   `dynamodbav:"last_checked_at"`
	LastTransitionAt      int64   `dynamodbav:"last_transition_at,omitempty"`
	Version               int64   `dynamodbav:"version"`
}

func fromModel(s *models.DeviceState) dynamoState {
	rec := dynamoState{
		DeviceID:              s.DeviceID,
		IsDown:                s.IsDown,
		DownSince:             millis(s.DownSince),
		TransitionCountWindow: s.TransitionCountWindow,
		IsFlapping:            s.IsFlapping,
		FlapQuietSince:        millis(s.FlapQuietSince),
		ConsecutiveFailures:   s.ConsecutiveFailures,
		FirstFailureAt:        millis(s.FirstFailureAt),
		LastCheckedAt:         millis(&s.LastCheckedAt),
		LastTransitionAt:      millis(s.LastTransitionAt),
		Version:               s.Version,
	}
	for _, t := range s.TransitionTimes {
		rec.TransitionTimes = append(rec.TransitionTimes, t.UnixMilli())
	}
	return rec
}

func (r *dynamoState) model() *models.DeviceState {
	s := &models.DeviceState{
		DeviceID:              r.DeviceID,
		IsDown:                r.IsDown,
		DownSince:             fromMillis(r.DownSince),
		TransitionCountWindow: r.TransitionCountWindow,
		IsFlapping:            r.IsFlapping,
		FlapQuietSince:        fromMillis(r.FlapQuietSince),
		ConsecutiveFailures:   r.ConsecutiveFailures,
		FirstFailureAt:        fromMillis(r.FirstFailureAt),
		LastTransitionAt:      fromMillis(r.LastTransitionAt),
		Version:               r.Version,
	}
	if r.LastCheckedAt != 0 {
		s.LastCheckedAt = time.UnixMilli(r.LastCheckedAt).UTC()
	}
	for _, ms := range r.TransitionTimes {
		s.TransitionTimes = append(s.TransitionTimes, time.UnixMilli(ms).UTC())
	}
	return s
}

func millis(t *time.Time) int64 {
	if t == nil || t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) *time.Time {
	if ms == 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
