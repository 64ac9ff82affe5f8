package metrics

import (
	"time"

	"github.com/intrbiz/util-sub000/messaging"
)

// Multi forwards every record to each of its collectors in order
type Multi []messaging.MetricsCollector

func (m Multi) RecordPublish(exchange string, success bool) {
	for _, c := range m {
		c.RecordPublish(exchange, success)
	}
}

func (m Multi) RecordDelivery(queue string, outcome string, duration time.Duration) {
	for _, c := range m {
		c.RecordDelivery(queue, outcome, duration)
	}
}

func (m Multi) RecordRPC(exchange string, outcome string, duration time.Duration) {
	for _, c := range m {
		c.RecordRPC(exchange, outcome, duration)
	}
}

func (m Multi) RecordLateReply(exchange string) {
	for _, c := range m {
		c.RecordLateReply(exchange)
	}
}

func (m Multi) RecordReconnect(role string, delay time.Duration) {
	for _, c := range m {
		c.RecordReconnect(role, delay)
	}
}

func (m Multi) RecordState(role string, state messaging.State) {
	for _, c := range m {
		c.RecordState(role, state)
	}
}
