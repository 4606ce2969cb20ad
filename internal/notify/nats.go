package notify

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"civicwater/internal/domain"
)

const DefaultSubjectPrefix = "notifications.portal"

// NotificationEvent is the JSON body published to NATS.
type NotificationEvent struct {
	EventID      int64          `json:"event_id"`
	EventType    string         `json:"event_type"`
	EntityID     string         `json:"entity_id,omitempty"`
	ActorID      string         `json:"actor_id"`
	Recipients   []string       `json:"recipients,omitempty"`
	ResourceType string         `json:"resource_type"`
	Severity     string         `json:"severity"`
	Category     string         `json:"category"`
	TS           string         `json:"ts"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// NATSPublisher publishes outbox events on <prefix>.<event type>.
// Publishing is non-fatal: failures are logged and the event is dropped.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	log    zerolog.Logger
}

// ConnectNATS dials url. The returned publisher owns the connection.
func ConnectNATS(url, prefix string, log zerolog.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("civicwater"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("notify: nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("notify: nats reconnected")
		}),
	)
	if err != nil {
		return nil, err
	}
	return NewNATSPublisher(nc, prefix, log), nil
}

func NewNATSPublisher(nc *nats.Conn, prefix string, log zerolog.Logger) *NATSPublisher {
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{conn: nc, prefix: strings.TrimSuffix(prefix, "."), log: log}
}

// Subject returns the subject an event type is published on.
func (p *NATSPublisher) Subject(eventType string) string {
	return p.prefix + "." + eventType
}

func (p *NATSPublisher) Publish(_ context.Context, evt domain.Event) error {
	if p == nil || p.conn == nil {
		return nil
	}
	data, err := json.Marshal(toNotification(evt))
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", evt.Type).Msg("notify: failed to marshal event")
		return nil
	}
	subject := p.Subject(evt.Type)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Int64("event_id", evt.ID).
			Msg("notify: failed to publish NATS event (non-fatal)")
		return nil
	}
	p.log.Debug().Str("subject", subject).Int64("event_id", evt.ID).Msg("notify: event published")
	return nil
}

// Close drains the connection.
func (p *NATSPublisher) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}

func toNotification(evt domain.Event) NotificationEvent {
	payload := map[string]any{}
	if evt.Payload != "" {
		_ = json.Unmarshal([]byte(evt.Payload), &payload)
	}
	n := NotificationEvent{
		EventID:      evt.ID,
		EventType:    evt.Type,
		EntityID:     evt.EntityID,
		ActorID:      evt.ActorID,
		ResourceType: evt.EntityKind,
		Severity:     "info",
		Category:     "water_portal",
		TS:           evt.TS,
		Payload:      payload,
	}
	if m, ok := payload["mobile"].(string); ok && m != "" {
		n.Recipients = []string{m}
	}
	if evt.Type == "record.overdue" {
		n.Severity = "warning"
	}
	return n
}
