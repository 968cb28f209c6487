// Package handlers wires the gateway's HTTP surface and the Kafka
// intake that feeds table broadcasts.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"cardroom/railbird/internal/metrics"
	"cardroom/railbird/internal/websocket"
	"cardroom/railbird/pkg/api/common"
	"cardroom/railbird/pkg/api/railbird"
	"cardroom/railbird/pkg/kafka"
	"cardroom/railbird/pkg/logging"
	"cardroom/railbird/pkg/middleware"
	"cardroom/railbird/pkg/version"
)

// RailbirdHandlers contains the HTTP handlers and Kafka event handlers
// for the service.
type RailbirdHandlers struct {
	hub       *websocket.Hub
	gateway   *websocket.Gateway
	consumer  kafka.ConsumerInterface
	metrics   *metrics.Metrics
	logger    logging.Logger
	startTime time.Time
}

// NewRailbirdHandlers creates a new handlers instance.
func NewRailbirdHandlers(hub *websocket.Hub, gateway *websocket.Gateway, consumer kafka.ConsumerInterface, m *metrics.Metrics, logger logging.Logger) *RailbirdHandlers {
	return &RailbirdHandlers{
		hub:       hub,
		gateway:   gateway,
		consumer:  consumer,
		metrics:   m,
		logger:    logger,
		startTime: time.Now(),
	}
}

// HandleWebSocket serves the gateway's websocket endpoint.
func (h *RailbirdHandlers) HandleWebSocket(c *gin.Context) {
	h.gateway.HandleWebSocket(c)
}

// HandleStats reports service health plus a hub snapshot. Mounted
// behind service auth for operators and dashboards.
func (h *RailbirdHandlers) HandleStats(c *gin.Context) {
	stats := h.hub.Stats()
	h.metrics.ObserveHub(stats)

	health := railbird.HealthResponse{
		Status:    "healthy",
		Service:   "railbird",
		Version:   version.Version,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).String(),
		WebSocket: stats,
	}

	if h.consumer != nil {
		if err := h.consumer.HealthCheck(); err != nil {
			h.logger.WithError(err).Error("Kafka health check failed")
			health.Status = "unhealthy"
			health.KafkaError = err.Error()
			c.JSON(http.StatusServiceUnavailable, health)
			return
		}
		health.Kafka = "connected"
	}

	c.JSON(http.StatusOK, health)
}

// HandleNotFound provides a custom 404 handler.
func (h *RailbirdHandlers) HandleNotFound(c *gin.Context) {
	middleware.GetContextLogger(c, h.logger).Debug("Unknown endpoint")
	c.JSON(http.StatusNotFound, railbird.ErrorResponse{
		ErrorResponse: common.ErrorResponse{
			Error:   "not_found",
			Service: "railbird",
		},
		Message: "Endpoint not found",
	})
}

// RegisterConsumers subscribes the Kafka intake handlers to their
// topics.
func (h *RailbirdHandlers) RegisterConsumers() {
	if h.consumer == nil {
		return
	}
	h.consumer.AddHandler(kafka.TopicTableEvents, h.HandleTableEvent)
	h.consumer.AddHandler(kafka.TopicThreatAlerts, h.HandleThreatAlert)
}

// frameTypeFor maps engine event types onto wire frame types. Full
// snapshots travel as table_state, incremental deltas as game_update.
func frameTypeFor(eventType string) string {
	switch eventType {
	case "table_state", "table_snapshot", "hand_ended":
		return railbird.TypeTableState
	default:
		return railbird.TypeGameUpdate
	}
}

// HandleTableEvent fans one engine event out to the table's
// subscribers. Malformed events are dropped and committed; returning
// an error is reserved for transient failures since it blocks the
// partition.
func (h *RailbirdHandlers) HandleTableEvent(ctx context.Context, msg kafka.Message) error {
	var event kafka.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		h.logger.WithError(err).WithFields(logging.Fields{
			"topic":  msg.Topic,
			"offset": msg.Offset,
		}).Warn("Dropping undecodable table event")
		return nil
	}

	tableID := event.TableID
	if tableID == "" {
		if v, ok := event.Data["table_id"].(string); ok {
			tableID = v
		}
	}
	if tableID == "" {
		// No table context; drop instead of guessing where state belongs.
		h.logger.WithField("event_type", event.Type).Warn("Dropping table event without table_id")
		return nil
	}

	frameType := frameTypeFor(event.Type)
	frame, err := railbird.NewFrame(frameType, event.Data)
	if err != nil {
		h.logger.WithError(err).WithField("event_type", event.Type).Warn("Dropping unencodable table event")
		return nil
	}

	_, delivered := h.hub.BroadcastToTable(tableID, frame)
	h.metrics.ObserveBroadcast(msg.Topic, frameType, event.Timestamp)

	h.logger.WithFields(logging.Fields{
		"event_type": event.Type,
		"source":     event.Source,
		"table_id":   tableID,
		"frame_type": frameType,
		"delivered":  delivered,
	}).Debug("Fanned table event out to subscribers")

	return nil
}

// HandleThreatAlert relays a security monitor alert to admin channel
// subscribers. The gateway rebroadcasts alerts without interpreting
// them.
func (h *RailbirdHandlers) HandleThreatAlert(ctx context.Context, msg kafka.Message) error {
	var event kafka.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		h.logger.WithError(err).WithFields(logging.Fields{
			"topic":  msg.Topic,
			"offset": msg.Offset,
		}).Warn("Dropping undecodable threat alert")
		return nil
	}

	frame, err := railbird.NewFrame(railbird.TypeSystem, map[string]interface{}{
		"alert":   event.Type,
		"userId":  event.UserID,
		"tableId": event.TableID,
		"data":    event.Data,
	})
	if err != nil {
		h.logger.WithError(err).WithField("alert_type", event.Type).Warn("Dropping unencodable threat alert")
		return nil
	}

	delivered := h.hub.BroadcastToChannel(railbird.ChannelAdmin, "", frame)
	h.metrics.ObserveBroadcast(msg.Topic, railbird.TypeSystem, event.Timestamp)

	h.logger.WithFields(logging.Fields{
		"alert_type": event.Type,
		"user_id":    event.UserID,
		"table_id":   event.TableID,
		"delivered":  delivered,
	}).Info("Relayed threat alert to admin channel")

	return nil
}
