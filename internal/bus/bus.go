// Package bus is the fan-out between hub sessions and user listeners.
// Channels are dot-delimited ("{user_id}.{hub_id}.{sensor_id}.{type}") and
// subscribers select them with patterns: "*" matches exactly one token, and a
// trailing "*" matches the rest of the channel (one or more tokens).
// Delivery is at-most-once; a slow subscriber loses messages instead of
// holding up publishers.
package bus

import (
	"context"
	"strings"
)

// Message is one delivery to a subscriber.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live pattern subscription.
type Subscription interface {
	// Next blocks until a message arrives, ctx is done or the subscription
	// ends, in which case it returns errors.ErrClosed.
	Next(ctx context.Context) (Message, error)
	Unsubscribe() error
}

// Bus publishes envelopes on channels and hands out pattern subscriptions.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	SubscribePattern(ctx context.Context, pattern string) (Subscription, error)
}

const wildcard = "*"

// Matches reports whether channel is selected by pattern.
func Matches(pattern, channel string) bool {
	p := strings.Split(pattern, ".")
	c := strings.Split(channel, ".")

	for i, token := range p {
		last := i == len(p)-1
		if i >= len(c) {
			return false
		}
		if last && token == wildcard {
			return true
		}
		if token != wildcard && token != c[i] {
			return false
		}
	}
	return len(p) == len(c)
}

// natsSubject rewrites a pattern into NATS subject syntax: a trailing "*"
// becomes the full wildcard ">".
func natsSubject(pattern string) string {
	if pattern == wildcard {
		return ">"
	}
	if strings.HasSuffix(pattern, "."+wildcard) {
		return strings.TrimSuffix(pattern, wildcard) + ">"
	}
	return pattern
}
