package statemachine

import (
	"errors"
	"time"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/models"
)

// ErrStaleResult is returned for a result not newer than the last one applied.
var ErrStaleResult = errors.New("stale poll result")

// Policy holds the hysteresis and flap detection settings.
type Policy struct {
	FailureThreshold int           // consecutive failures before Down
	FlapWindow       time.Duration // trailing window for transition counting
	FlapThreshold    int           // transitions in the window that mean flapping
}

func (p Policy) normalized() Policy {
	if p.FailureThreshold < 1 {
		p.FailureThreshold = 1
	}
	if p.FlapWindow <= 0 {
		p.FlapWindow = 5 * time.Minute
	}
	if p.FlapThreshold < 2 {
		p.FlapThreshold = 2
	}
	return p
}

// Step applies one poll result to s in place and returns the event to emit,
// or nil. It is deterministic in (s, r, p) so a retried store update
// produces the same outcome.
func Step(s *models.DeviceState, r models.PollResult, p Policy) (*models.TransitionEvent, error) {
	p = p.normalized()
	// Stores keep millisecond precision; compare at that precision so a
	// redelivered result is stale after a round trip.
	ts := r.Timestamp.UTC().Truncate(time.Millisecond)

	if !s.LastCheckedAt.IsZero() && !ts.After(s.LastCheckedAt) {
		return nil, ErrStaleResult
	}
	s.LastCheckedAt = ts

	var kind models.TransitionKind
	var downtime time.Duration

	if r.Success {
		s.ConsecutiveFailures = 0
		s.FirstFailureAt = nil
		if s.IsDown {
			downtime = ts.Sub(*s.DownSince)
			s.IsDown = false
			s.DownSince = nil
			kind = models.TransitionUp
		}
	} else {
		s.ConsecutiveFailures++
		if s.FirstFailureAt == nil {
			first := ts
			s.FirstFailureAt = &first
		}
		if !s.IsDown && s.ConsecutiveFailures >= p.FailureThreshold {
			since := *s.FirstFailureAt
			s.IsDown = true
			s.DownSince = &since
			kind = models.TransitionDown
		}
	}

	// Rolling transition window.
	cutoff := ts.Add(-p.FlapWindow)
	kept := s.TransitionTimes[:0]
	for _, t := range s.TransitionTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.TransitionTimes = kept
	if kind != "" {
		s.TransitionTimes = append(s.TransitionTimes, ts)
		at := ts
		s.LastTransitionAt = &at
	}
	s.TransitionCountWindow = len(s.TransitionTimes)

	emit := kind
	if !s.IsFlapping {
		if s.TransitionCountWindow >= p.FlapThreshold {
			s.IsFlapping = true
			s.FlapQuietSince = nil
			emit = models.TransitionFlappingStarted
		}
	} else {
		// Individual transitions are suppressed while flapping.
		emit = ""
		if s.TransitionCountWindow >= p.FlapThreshold {
			s.FlapQuietSince = nil
		} else {
			if s.FlapQuietSince == nil {
				quiet := ts
				s.FlapQuietSince = &quiet
			}
			if ts.Sub(*s.FlapQuietSince) >= p.FlapWindow {
				s.IsFlapping = false
				s.FlapQuietSince = nil
				emit = models.TransitionFlappingCleared
			}
		}
	}

	if emit == "" {
		return nil, nil
	}
	return &models.TransitionEvent{
		DeviceID: s.DeviceID,
		Kind:     emit,
		At:       ts,
		Downtime: downtime,
		State:    s.Clone(),
	}, nil
}
