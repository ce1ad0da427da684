// Package rabbitmq provides the broker plumbing used by the order service.
//
// This package includes:
//   - ConnectionManager: owns the single connection and channel, establishes them with
//     bounded exponential backoff and re-establishes them after the broker drops the session
//   - TopologyManager: declares exchanges, queues and bindings on a session
//   - Publisher: fire-and-forget direct and fanout sends with retry
//   - Consumer: long-lived queue consumers with per-delivery trace extraction
//
// Every reconnect produces a new Session with a fresh ID. Components that keep
// per-session state (the RPC reply queue, declared exchanges) compare IDs to
// notice that the state has to be rebuilt.
package rabbitmq
