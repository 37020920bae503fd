// Package communication delivers alert and state events to the outside
// world: NATS subjects, websocket clients and the log.
package communication

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/models"
)

// Publisher receives alert lifecycle and device state events.
type Publisher interface {
	PublishAlert(ctx context.Context, ev models.AlertEvent) error
	PublishTransition(ctx context.Context, ev models.TransitionEvent) error
}

// AlertSubject is the NATS subject of an alert event.
func AlertSubject(t models.AlertEventType) string { return "alerts." + string(t) }

// StateSubject is the NATS subject of a state transition.
func StateSubject(k models.TransitionKind) string { return "state." + string(k) }

// FanOut delivers every event to all publishers. One failing publisher does
// not stop delivery to the others.
type FanOut []Publisher

func (f FanOut) PublishAlert(ctx context.Context, ev models.AlertEvent) error {
	var errs []error
	for _, p := range f {
		if err := p.PublishAlert(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f FanOut) PublishTransition(ctx context.Context, ev models.TransitionEvent) error {
	var errs []error
	for _, p := range f {
		if err := p.PublishTransition(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes events as structured log lines.
type LogSink struct{}

func (LogSink) PublishAlert(ctx context.Context, ev models.AlertEvent) error {
	slog.Info("Alert event", "component", "AlertSink", "subject", AlertSubject(ev.Type),
		"alert_id", ev.Instance.ID, "rule", ev.RuleName, "device_id", ev.Instance.DeviceID,
		"severity", ev.Instance.Severity, "message", ev.Instance.Message)
	return nil
}

func (LogSink) PublishTransition(ctx context.Context, ev models.TransitionEvent) error {
	slog.Info("State event", "component", "AlertSink", "subject", StateSubject(ev.Kind),
		"device_id", ev.DeviceID, "downtime", ev.Downtime.String())
	return nil
}
