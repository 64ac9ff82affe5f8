package messaging

import "time"

// Delivery outcomes reported to MetricsCollector.RecordDelivery
const (
	OutcomeAck     = "ack"
	OutcomeNack    = "nack"
	OutcomeRequeue = "requeue"
	OutcomeDropped = "dropped"
)

// RPC outcomes reported to MetricsCollector.RecordRPC
const (
	OutcomeSuccess = "success"
	OutcomeTimeout = "timeout"
	OutcomeError   = "error"
)

// MetricsCollector collects messaging metrics
type MetricsCollector interface {
	// RecordPublish records a publish attempt
	RecordPublish(exchange string, success bool)

	// RecordDelivery records how an inbound message was settled
	RecordDelivery(queue string, outcome string, duration time.Duration)

	// RecordRPC records the completion of a client request
	RecordRPC(exchange string, outcome string, duration time.Duration)

	// RecordLateReply records a reply whose request was no longer pending
	RecordLateReply(exchange string)

	// RecordReconnect records a scheduled reconnect attempt
	RecordReconnect(role string, delay time.Duration)

	// RecordState records a lifecycle state transition
	RecordState(role string, state State)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordPublish does nothing
func (n *NoOpMetricsCollector) RecordPublish(exchange string, success bool) {}

// RecordDelivery does nothing
func (n *NoOpMetricsCollector) RecordDelivery(queue string, outcome string, duration time.Duration) {}

// RecordRPC does nothing
func (n *NoOpMetricsCollector) RecordRPC(exchange string, outcome string, duration time.Duration) {}

// RecordLateReply does nothing
func (n *NoOpMetricsCollector) RecordLateReply(exchange string) {}

// RecordReconnect does nothing
func (n *NoOpMetricsCollector) RecordReconnect(role string, delay time.Duration) {}

// RecordState does nothing
func (n *NoOpMetricsCollector) RecordState(role string, state State) {}
