// Package sink delivers transport events to downstream consumers.
//
// Two adapters share one Event shape. The Feed is the pull surface: an
// in-memory ring with monotonic offsets, polled via "give me everything
// after offset N", so the consumer owns its cursor and a re-poll after a
// crash redelivers (at-least-once). The Publisher is the push surface:
// events are forwarded to Kafka/Redpanda topics keyed by endpoint, with
// full-ISR acks and bounded retries.
//
// Both adapters are non-blocking from the producer's point of view; the
// transport server must never stall on a slow consumer.
package sink
