package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Event types published after a review is finalized.
const (
	EventApplicationAdvanced = "application_advanced"
	EventApplicationApproved = "application_approved"
	EventApplicationRejected = "application_rejected"
	EventApplicationSentBack = "application_sent_back"
)

// ReviewEvent is the JSON schema published to NATS.
type ReviewEvent struct {
	EventType        string    `json:"event_type"`
	ApplicationID    string    `json:"application_id"`
	TenantID         string    `json:"tenant_id"`
	BranchID         string    `json:"branch_id,omitempty"`
	RecordID         string    `json:"record_id"`
	ActorID          string    `json:"actor_id"`
	Role             string    `json:"role"`
	Decision         string    `json:"decision"`
	VisitNumber      int       `json:"visit_number"`
	StatusBefore     string    `json:"status_before"`
	StatusAfter      string    `json:"status_after"`
	LoanScoredAmount string    `json:"loan_scored_amount"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// Publisher is the part of *nats.Conn the event publisher needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// EventPublisher publishes pipeline events to NATS for downstream consumers
// (notifications, disbursement).
//
// Subject convention: <prefix>.<event_type>
//
// Publishing is non-fatal: errors are logged, never returned, so a broker
// outage cannot undo or block a finalized review.
type EventPublisher struct {
	nats   Publisher
	prefix string
	log    zerolog.Logger
}

// NewEventPublisher creates a publisher. A nil conn yields a publisher that drops events.
func NewEventPublisher(conn Publisher, prefix string, log zerolog.Logger) *EventPublisher {
	if prefix == "" {
		prefix = "lending.verification"
	}
	return &EventPublisher{nats: conn, prefix: prefix, log: log}
}

// Connect dials NATS with reconnect logging.
func Connect(url, name string, log zerolog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats: disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats: reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	return nc, nil
}

// Subject returns the subject an event type is published on.
func (p *EventPublisher) Subject(eventType string) string {
	return fmt.Sprintf("%s.%s", p.prefix, eventType)
}

// PublishReviewEvent publishes ev. The context is accepted for symmetry with
// other clients; core NATS publish does not block on the server.
func (p *EventPublisher) PublishReviewEvent(_ context.Context, ev *ReviewEvent) {
	if p == nil || p.nats == nil || ev == nil {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", ev.EventType).Msg("events: failed to marshal event")
		return
	}

	subject := p.Subject(ev.EventType)
	if err := p.nats.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("application_id", ev.ApplicationID).
			Msg("events: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("application_id", ev.ApplicationID).
		Msg("events: event published")
}
