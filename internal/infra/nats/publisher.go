// Package nats publishes job lifecycle events to NATS subjects.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"keeper/internal/domain"

	"github.com/nats-io/nats.go"
)

const (
	SubjectSubmitted = "keeper.jobs.submitted"
	SubjectFinished  = "keeper.jobs.finished"
)

type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// Publisher sends each JobEvent as JSON on the subject for its type.
type Publisher struct {
	conn   conn
	logger *slog.Logger
}

// NewPublisher connects to url. An empty url yields a publisher that drops
// every event.
func NewPublisher(url string, logger *slog.Logger) (domain.EventPublisher, error) {
	logger = logger.With("component", "nats-publisher")
	if url == "" {
		logger.Info("nats url not set, lifecycle events disabled")
		return noopPublisher{}, nil
	}

	nc, err := nats.Connect(url,
		nats.Name("keeper"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected from nats", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to nats", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	logger.Info("connected to nats", "url", url)
	return newPublisher(nc, logger), nil
}

func newPublisher(c conn, logger *slog.Logger) *Publisher {
	return &Publisher{conn: c, logger: logger}
}

func subjectFor(t domain.JobEventType) (string, error) {
	switch t {
	case domain.JobEventSubmitted:
		return SubjectSubmitted, nil
	case domain.JobEventFinished:
		return SubjectFinished, nil
	default:
		return "", fmt.Errorf("unknown job event type %q", t)
	}
}

func (p *Publisher) Publish(ctx context.Context, event domain.JobEvent) error {
	subject, err := subjectFor(event.Type)
	if err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize job event: %w", err)
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	p.logger.Debug("published job event", "subject", subject, "job_id", event.JobID.String())
	return nil
}

// Close flushes pending messages before disconnecting.
func (p *Publisher) Close() error {
	return p.conn.Drain()
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, domain.JobEvent) error { return nil }

func (noopPublisher) Close() error { return nil }
