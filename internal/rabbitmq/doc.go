// Package rabbitmq binds the messaging transport interfaces to AMQP 0-9-1.
//
// This package includes:
//   - ConnectionManager: dials and shares one AMQP connection, redialling lazily
//     after it is lost, and opens a channel per handle
//   - Handle: a messaging.TransportHandle backed by a single AMQP channel
//   - Topology helpers mapping exchanges and queues onto AMQP declare flags
//
// Reconnection is not handled here. A lost channel is reported through the
// handle's NotifyClose callback and the owning lifecycle asks for a new handle.
package rabbitmq
