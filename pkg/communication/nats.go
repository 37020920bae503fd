package communication

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/models"
)

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher publishes events as JSON on NATS subjects.
type NATSPublisher struct {
	Conn Conn
	nc   *nats.Conn
}

// NewNATSPublisher connects to url. Reconnects are handled by the client.
func NewNATSPublisher(url string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("ward-flux-engine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", "component", "NATSPublisher", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("NATS reconnected", "component", "NATSPublisher", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATSPublisher{Conn: nc, nc: nc}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

func (p *NATSPublisher) publish(subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := p.Conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (p *NATSPublisher) PublishAlert(ctx context.Context, ev models.AlertEvent) error {
	return p.publish(AlertSubject(ev.Type), ev)
}

func (p *NATSPublisher) PublishTransition(ctx context.Context, ev models.TransitionEvent) error {
	return p.publish(StateSubject(ev.Kind), ev)
}
