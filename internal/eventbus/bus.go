// Package eventbus carries contract events between chains and the relayer.
// Delivery is at-least-once: handlers must tolerate repeats, and publishers
// set the record ID as the de-duplication key.
package eventbus

import (
	"context"
	"strings"

	"yar/internal/events"
)

// DefaultPrefix is the first subject token of every Yar event.
const DefaultPrefix = "yar"

// MaxDeliver bounds redelivery of a record whose handler keeps failing.
const MaxDeliver = 5

// Handler processes one record. A non-nil error requests redelivery.
type Handler func(ctx context.Context, rec events.Record) error

// Subscription is an active consumer.
type Subscription interface {
	Unsubscribe() error
}

// Bus publishes records by subject and fans them out to subscribers.
type Bus interface {
	Publish(ctx context.Context, rec events.Record) error
	// Subscribe consumes records whose subject matches filter. Consumers
	// sharing a durable name share progress across restarts where the
	// implementation persists it.
	Subscribe(ctx context.Context, durable, filter string, h Handler) (Subscription, error)
	Close() error
}

// EventFilter matches one event name on every chain and contract.
func EventFilter(prefix, name string) string {
	return strings.Join([]string{prefix, "*", "*", name}, ".")
}

// MatchSubject reports whether subject matches a NATS-style pattern, where
// "*" matches one token and a trailing ">" matches one or more.
func MatchSubject(pattern, subject string) bool {
	p := strings.Split(pattern, ".")
	s := strings.Split(subject, ".")
	for i, tok := range p {
		if tok == ">" {
			return len(s) > i
		}
		if i >= len(s) {
			return false
		}
		if tok != "*" && tok != s[i] {
			return false
		}
	}
	return len(p) == len(s)
}
