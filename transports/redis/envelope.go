package redis

import (
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/intrbiz/util-sub000/messaging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// envelope is the list element stored for every queued message
type envelope struct {
	ID            string         `json:"id"`
	ContentType   string         `json:"content_type,omitempty"`
	Body          []byte         `json:"body,omitempty"`
	Headers       map[string]any `json:"headers,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	ReplyTo       string         `json:"reply_to,omitempty"`
	MessageID     string         `json:"message_id,omitempty"`
	RoutingKey    string         `json:"routing_key,omitempty"`
	Timestamp     int64          `json:"timestamp,omitempty"`
	Expires       int64          `json:"expires,omitempty"`
	Redelivered   bool           `json:"redelivered,omitempty"`
}

func newEnvelope(id string, key messaging.RoutingKey, msg messaging.Publishing, now time.Time) envelope {
	env := envelope{
		ID:            id,
		ContentType:   msg.ContentType,
		Body:          msg.Body,
		Headers:       msg.Headers,
		CorrelationID: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		MessageID:     msg.MessageID,
		RoutingKey:    key.String(),
	}
	if !msg.Timestamp.IsZero() {
		env.Timestamp = msg.Timestamp.UnixMilli()
	}
	if msg.TTL > 0 {
		env.Expires = now.Add(msg.TTL).UnixMilli()
	}
	return env
}

func (e envelope) expired(now time.Time) bool {
	return e.Expires > 0 && now.UnixMilli() > e.Expires
}

func encodeEnvelope(e envelope) (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeEnvelope(raw string) (envelope, error) {
	var e envelope
	err := json.Unmarshal([]byte(raw), &e)
	return e, err
}
