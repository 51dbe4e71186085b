// Package rpcflow implements request/response RPC and telemetry on top of
// Watermill pub/sub transports. It gives every command a correlation id,
// matches responses back to their callers, and keeps handler side effects
// exactly-once-effective on at-least-once brokers: redelivered requests are
// answered from a response cache instead of re-running the handler.
//
// A Service owns the broker connection and the client identity. Command
// invokers publish requests and await correlated responses; command executors
// subscribe to request topics, run registered handlers under an execution
// timeout, and publish the outcome. Stream invokers and executors extend the
// same correlation model to ordered bidirectional streams with explicit end
// markers and cancellation. Telemetry senders and receivers provide
// fire-and-forget publish/subscribe with no correlation at all.
//
// # Transports
//
// Rpcflow supports 5 message transports out of the box:
//   - channel: In-memory Go channels for testing
//   - kafka: High-throughput streaming with consumer groups
//   - rabbitmq: AMQP-based durable queues
//   - nats: High-performance messaging
//   - nats-jetstream: NATS with persistent streams
//
// Import the transports you need for side-effect registration, or import
// transport/transports to get all of them:
//
//	import _ "github.com/rpcflow/rpcflow/transport/transports"
//
// Payloads larger than the transport's message size limit are transparently
// chunked on publish and reassembled on receive.
//
// # Topics
//
// Topic patterns may reference tokens in curly braces, resolved from layered
// token maps. The built-in tokens {clientId} and {commandName} always win,
// so callers cannot impersonate another client by shadowing them.
//
// # Typed bindings
//
// The byte-level API moves []byte payloads. RegisterJSONHandler and
// NewJSONInvoker layer serializers on top, so application code works with
// typed request and response values; CBOR and protobuf serializers are
// available for the same shape.
//
// A minimal setup fills Config, creates a Service, registers handlers or
// creates invokers, and defers Service.Close.
package rpcflow
