// Package interceptors wraps consumer delivery handlers with cross-cutting
// behaviour.
//
// A Chain turns a messaging.DeliveryHandler into another one, running each
// interceptor around the next. Built-in interceptors cover logging, timeouts,
// validation, filtering, in-process retry and circuit breaking:
//
//	chain := interceptors.NewChain[Order](
//		interceptors.NewLoggingInterceptor[Order](logger, slog.LevelDebug),
//		interceptors.NewRetryInterceptor[Order](interceptors.FixedDelay(100*time.Millisecond, 3), logger),
//	)
//	consumer, err := messaging.NewConsumer(f, exchange, chain.Then(handle), serialization.JSON[Order]())
//
// Interceptors run in the order they are added, the final handler last.
package interceptors
