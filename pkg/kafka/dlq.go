package kafka

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// DLQPayload captures enough context to replay or inspect a failed Kafka message.
type DLQPayload struct {
	Topic       string            `json:"topic"`
	Partition   int32             `json:"partition"`
	Offset      int64             `json:"offset"`
	Timestamp   time.Time         `json:"timestamp"`
	TableID     string            `json:"table_id,omitempty"`
	KeyBase64   string            `json:"key_base64,omitempty"`
	ValueBase64 string            `json:"value_base64"`
	Headers     map[string]string `json:"headers,omitempty"`
	Error       string            `json:"error"`
	Consumer    string            `json:"consumer"`
}

// EncodeDLQMessage serializes a Kafka message into a DLQ-safe payload. The
// table id is recovered from the message body or headers when present so
// operators can route replays without decoding the value.
func EncodeDLQMessage(msg Message, err error, consumer string) ([]byte, error) {
	payload := DLQPayload{
		Topic:       msg.Topic,
		Partition:   msg.Partition,
		Offset:      msg.Offset,
		Timestamp:   msg.Timestamp,
		ValueBase64: base64.StdEncoding.EncodeToString(msg.Value),
		Headers:     msg.Headers,
		Consumer:    consumer,
	}

	if len(msg.Key) > 0 {
		payload.KeyBase64 = base64.StdEncoding.EncodeToString(msg.Key)
	}

	if err != nil {
		payload.Error = err.Error()
	}

	payload.TableID = extractTableID(msg)
	if payload.TableID != "" {
		if payload.Headers == nil {
			payload.Headers = make(map[string]string, 1)
		}
		if _, ok := payload.Headers["table_id"]; !ok {
			payload.Headers["table_id"] = payload.TableID
		}
	}

	b, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		return nil, fmt.Errorf("marshal dlq payload: %w", marshalErr)
	}

	return b, nil
}

func extractTableID(msg Message) string {
	var body struct {
		TableID string `json:"table_id"`
	}
	if len(msg.Value) > 0 && json.Unmarshal(msg.Value, &body) == nil && body.TableID != "" {
		return body.TableID
	}
	return msg.Headers["table_id"]
}
