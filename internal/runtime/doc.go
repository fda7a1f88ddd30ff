/*
Package runtime wires the bridge roles onto a configured event bus.

# Architecture Overview

Both roles share one topic. Request envelopes carry a request.* method and
the caller's credential; response envelopes carry response.* (or
response.error) and the correlation id of the request they answer.

## Service (service.go)

The Service is the responder side. It wires together:
  - the bus selected by Config.PubSubSystem, under the durable SubscriberGroup
  - the Avro codec (embedded schema or Config.SchemaFile)
  - the payments method registry bound to a per-call gRPC backend client
  - the Responder, which pulls, dispatches and publishes responses
  - optional HTTP servers for Prometheus metrics and the status API

## Client (client.go)

The Client is the requester side. It opens the bus under a private
consumer group so every instance sees every response, and waits on the
Correlator for the response matching each published request.

## Status API (webui.go)

GET /api/methods and GET /api/status on the metrics port.

# Sub-packages

  - backend/: per-call gRPC channels carrying the credential header
  - bus/: transport selection and the batch Pump shared by both roles
  - codec/: Avro envelope encoding
  - config/: configuration, loaded with viper, and validation
  - correlator/: pending-call map and send-and-wait
  - envelope/: envelope model and method-name helpers
  - errors/: sentinel errors, error types and metric categories
  - ids/: ULID and correlation id generation
  - jsoncodec/: JSON marshaling on sonic
  - logging/: logger interface and adapters
  - metadata/: message metadata keys
  - metrics/: Prometheus collectors
  - registry/: request method table
  - responder/: batch dispatch and dispatch hooks

# Usage Example

	cfg, err := config.Load("sandbox")
	if err != nil {
		return err
	}
	svc, err := runtime.NewService(ctx, cfg, logger, runtime.ServiceDependencies{})
	if err != nil {
		return err
	}
	return svc.Start(ctx)
*/
package runtime
