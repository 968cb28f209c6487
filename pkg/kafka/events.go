package kafka

import (
	"context"
	"time"
)

// Topics the gateway consumes and produces.
const (
	// TopicTableEvents carries game engine state deltas fanned out to
	// table subscribers.
	TopicTableEvents = "table_events"
	// TopicAuditEvents receives login, rate limit, disconnect and
	// suspicious activity records.
	TopicAuditEvents = "audit_events"
	// TopicThreatAlerts carries security monitor alerts relayed to the
	// admin channel.
	TopicThreatAlerts = "threat_alerts"
	// TopicDeadLetter receives messages whose handlers failed, wrapped
	// in a DLQPayload for later inspection or replay.
	TopicDeadLetter = "dead_letter"
)

// Event is the envelope shared by all gateway topics.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	TableID   string                 `json:"table_id,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	Channel   string                 `json:"channel,omitempty"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// ConsumerInterface defines the interface for Kafka consumers
type ConsumerInterface interface {
	AddHandler(topic string, handler Handler)
	Start(ctx context.Context) error
	Close() error
	GetMetrics() (map[string]interface{}, error)
	HealthCheck() error
}

// ProducerInterface defines the interface for Kafka producers
type ProducerInterface interface {
	ProduceMessage(topic string, key []byte, value []byte, headers map[string]string) error
	PublishEvent(topic string, event *Event) error
	Close() error
	HealthCheck() error
	GetMetrics() (map[string]interface{}, error)
}

var (
	_ ConsumerInterface = (*Consumer)(nil)
	_ ProducerInterface = (*KafkaProducer)(nil)
)
