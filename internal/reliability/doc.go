// Package reliability holds the failure policies of the bus.
//
//   - Retry policies (exponential backoff, fixed delay) and Permanent errors
//   - Redeliverer: bounded redelivery through the x-retry-count header, then a
//     dead-letter queue
//   - CircuitBreaker: fail fast when a synchronous responder stops answering
package reliability
