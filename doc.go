// Package paybridge relays payment requests between a publish/subscribe event
// bus and the Kody e-commerce payments gRPC API.
//
// Requests and responses travel as Avro-encoded envelopes on one shared topic
// and are matched by correlation id. Two roles share the topic:
//
//   - Service runs the Responder. It pulls request envelopes in batches,
//     resolves the method in the payments registry, calls the backend with
//     the credential carried in the envelope and publishes every backend
//     message as a response under the request's correlation id. Failures are
//     published as response.error envelopes.
//   - Client runs the Correlator. SendAndWait publishes a request and blocks
//     until the matching response arrives or the timeout elapses. Streaming
//     methods (InitiatePaymentStream, Refund) return the first terminal
//     update, or the latest one when the timeout is reached.
//
// # Transports
//
// The bus is selected by Config.PubSubSystem: channel (in-process), nats,
// nats-jetstream, kafka, rabbitmq, aws (SNS/SQS) or http. Push transports
// are adapted to credit-based pulling; JetStream pulls natively.
//
// # Configuration
//
// LoadConfig reads PAYBRIDGE_* environment variables first, then
// arguments-<environment>.yaml from /app/config or config/. Credentials are
// masked wherever a Config or Envelope is printed.
//
// # Observability
//
// With MetricsEnabled the Service serves Prometheus metrics on /metrics and a
// JSON view of the method table and responder state on /api/methods and
// /api/status. Dispatches and SendAndWait calls open OpenTelemetry spans, and
// backend channels carry the otelgrpc stats handler. DispatchHooks add custom
// callbacks around every dispatched request.
package paybridge
