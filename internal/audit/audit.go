// Package audit publishes security-relevant gateway events to the
// audit topic. Publishing is best-effort: a failed write is logged and
// never fails the operation that produced it.
package audit

import (
	"time"

	"github.com/google/uuid"

	"cardroom/railbird/pkg/kafka"
	"cardroom/railbird/pkg/logging"
)

// Audit event types.
const (
	EventLogin              = "login"
	EventRateLimitExceeded  = "rate_limit_exceeded"
	EventDisconnect         = "disconnect"
	EventSuspiciousActivity = "suspicious_activity"
)

// Severity levels attached to audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Sink is the audit surface consumed by the rest of the gateway.
type Sink interface {
	Login(principalID, username, role, tableID string)
	RateLimitExceeded(principalID, channel, tableID string, blocked uint64)
	Disconnect(principalID, tableID, reason string, graceful bool)
	SuspiciousActivity(principalID, tableID, detail string)
}

// Publisher writes audit events through the shared Kafka producer.
type Publisher struct {
	producer kafka.ProducerInterface
	source   string
	logger   logging.Logger
}

var _ Sink = (*Publisher)(nil)

// NewPublisher builds a Publisher. Source identifies this gateway
// instance in the event envelope.
func NewPublisher(producer kafka.ProducerInterface, source string, logger logging.Logger) *Publisher {
	return &Publisher{
		producer: producer,
		source:   source,
		logger:   logger,
	}
}

// Login records a successful WebSocket authentication.
func (p *Publisher) Login(principalID, username, role, tableID string) {
	p.publish(&kafka.Event{
		Type:    EventLogin,
		TableID: tableID,
		UserID:  principalID,
		Data: map[string]interface{}{
			"severity": SeverityInfo,
			"username": username,
			"role":     role,
		},
	})
}

// RateLimitExceeded records a blocked write with the bucket's running
// denial count. It satisfies the rate limiter's sink contract.
func (p *Publisher) RateLimitExceeded(principalID, channel, tableID string, blocked uint64) {
	p.publish(&kafka.Event{
		Type:    EventRateLimitExceeded,
		TableID: tableID,
		UserID:  principalID,
		Channel: channel,
		Data: map[string]interface{}{
			"severity": SeverityWarning,
			"blocked":  blocked,
		},
	})
}

// Disconnect records a connection teardown. Graceful closes are
// informational; abrupt ones are warnings since they start grace
// timers at live tables.
func (p *Publisher) Disconnect(principalID, tableID, reason string, graceful bool) {
	severity := SeverityInfo
	if !graceful {
		severity = SeverityWarning
	}
	p.publish(&kafka.Event{
		Type:    EventDisconnect,
		TableID: tableID,
		UserID:  principalID,
		Data: map[string]interface{}{
			"severity": severity,
			"reason":   reason,
			"graceful": graceful,
		},
	})
}

// SuspiciousActivity records a protocol violation or internal
// inconsistency serious enough to terminate the connection.
func (p *Publisher) SuspiciousActivity(principalID, tableID, detail string) {
	p.publish(&kafka.Event{
		Type:    EventSuspiciousActivity,
		TableID: tableID,
		UserID:  principalID,
		Data: map[string]interface{}{
			"severity": SeverityCritical,
			"detail":   detail,
		},
	})
}

func (p *Publisher) publish(event *kafka.Event) {
	event.ID = uuid.NewString()
	event.Source = p.source
	event.Timestamp = time.Now().UTC()

	if err := p.producer.PublishEvent(kafka.TopicAuditEvents, event); err != nil && p.logger != nil {
		p.logger.WithError(err).WithFields(logging.Fields{
			"event_type": event.Type,
			"user_id":    event.UserID,
		}).Error("Failed to publish audit event")
	}
}

// NopSink discards every event. It stands in when auditing is not
// configured, keeping call sites nil-safe.
type NopSink struct{}

var _ Sink = NopSink{}

func (NopSink) Login(principalID, username, role, tableID string)                      {}
func (NopSink) RateLimitExceeded(principalID, channel, tableID string, blocked uint64) {}
func (NopSink) Disconnect(principalID, tableID, reason string, graceful bool)          {}
func (NopSink) SuspiciousActivity(principalID, tableID, detail string)                 {}
