// Package messaging provides broker-agnostic publish/subscribe and
// request/reply roles on top of a BrokerConnectionPool.
//
// Roles:
//   - Producer: publishes encoded payloads to an exchange
//   - Consumer: consumes a queue bound to an exchange, with a binding set that
//     survives reconnects
//   - RPCClient: publishes requests and correlates replies, with timeouts
//   - RPCServer: answers requests and replies to the caller's reply queue
//
// Every role owns a Lifecycle that keeps one transport handle alive, runs the
// role's setup after each connect and reconnects with step backoff when the
// handle is lost. Operations attempted while reconnecting fail fast with
// ErrNotConnected.
//
// Example usage:
//
//	factory := messaging.NewFactory(pool, messaging.WithLogger(logger))
//	defer factory.Close()
//
//	orders := messaging.NewExchange("orders", messaging.Topic)
//
//	consumer, err := messaging.NewConsumer(factory, orders,
//		func(ctx context.Context, headers map[string]any, order Order) error {
//			return process(order)
//		},
//		serialization.JSON[Order](),
//		messaging.WithBindings(messaging.TopicKey("orders", "*")),
//	)
//
//	producer, err := messaging.NewProducer(factory, orders, serialization.JSON[Order]())
//	err = producer.Publish(ctx, order, messaging.WithRoutingKey("orders.created"))
package messaging
