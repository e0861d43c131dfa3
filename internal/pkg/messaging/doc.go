// Package messaging provides a broker-agnostic API for publishing and
// consuming messages.
//
// The goal is to keep business code independent from the underlying messaging
// system. NATS is the backend in use today; use-case code relies only on the
// interfaces in this package, so another broker can be added without touching
// it.
package messaging
