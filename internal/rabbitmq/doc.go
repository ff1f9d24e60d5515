// Package rabbitmq provides the broker layer of the resume messaging core.
//
// This package includes:
//   - ConnectionManager: owns the single process-wide connection and re-dials it after transport loss
//   - Channel/Connection: narrow interfaces over amqp091 so higher layers can run against a fake broker
//   - Topology helpers: idempotent declaration of the event exchange, work, reply and request queues
//   - Consume: the manual-ack delivery loop shared by event subscribers and RPC responders
//   - Publish: a single publish with typed error wrapping
//
// Channels are never pooled: every publish, subscription and RPC call opens
// its own channel so acknowledgment state cannot leak between operations.
package rabbitmq
