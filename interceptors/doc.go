// Package interceptors adds cross-cutting concerns to message handlers.
//
// An Interceptor wraps a messaging.MessageHandler. Chain turns a list of
// interceptors into a messaging.Middleware for a Subscriber:
//
//	subscriber := messaging.NewSubscriber(registry, consumer, publisher,
//		messaging.WithMiddleware(interceptors.Chain(
//			interceptors.NewRecoveryInterceptor(logger),
//			interceptors.NewTracingInterceptor(nil),
//			interceptors.NewLoggingInterceptor(logger),
//			interceptors.NewMetricsInterceptor(collector),
//		)))
//
// Interceptors run in the order given, the handler last.
package interceptors
