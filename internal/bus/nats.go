package bus

import (
	"context"
	stderrors "errors"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/RatDesert/ruth-data/internal/errors"
)

// NATSBus publishes on core NATS subjects. Core NATS is fire-and-forget and
// drops messages for slow consumers, which is the delivery contract we want.
type NATSBus struct {
	conn *nats.Conn
	log  zerolog.Logger
}

func NewNATSBus(conn *nats.Conn, log zerolog.Logger) *NATSBus {
	return &NATSBus{conn: conn, log: log.With().Str("component", "bus").Logger()}
}

func (b *NATSBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.Wrap(b.conn.Publish(channel, payload), "NATSBus", "Publish", "publish "+channel)
}

func (b *NATSBus) SubscribePattern(_ context.Context, pattern string) (Subscription, error) {
	sub, err := b.conn.SubscribeSync(natsSubject(pattern))
	if err != nil {
		return nil, errors.Wrap(err, "NATSBus", "SubscribePattern", "subscribe "+pattern)
	}
	return &natsSubscription{sub: sub, next: sub, pattern: pattern, log: b.log}, nil
}

// receiver is the blocking half of a synchronous *nats.Subscription.
type receiver interface {
	NextMsgWithContext(ctx context.Context) (*nats.Msg, error)
}

type natsSubscription struct {
	sub     *nats.Subscription
	next    receiver
	pattern string
	log     zerolog.Logger
}

// Next returns the next message. Once the pending limits overflow, NATS
// discards messages and reports nats.ErrSlowConsumer a single time; that is
// logged and the subscription keeps delivering.
func (s *natsSubscription) Next(ctx context.Context) (Message, error) {
	for {
		msg, err := s.next.NextMsgWithContext(ctx)
		switch {
		case err == nil:
			return Message{Channel: msg.Subject, Payload: msg.Data}, nil
		case ctx.Err() != nil:
			return Message{}, ctx.Err()
		case stderrors.Is(err, nats.ErrSlowConsumer):
			s.log.Warn().Str("pattern", s.pattern).Msg("slow subscriber, messages dropped")
		case stderrors.Is(err, nats.ErrBadSubscription), stderrors.Is(err, nats.ErrConnectionClosed):
			return Message{}, errors.ErrClosed
		default:
			return Message{}, errors.Wrap(err, "NATSBus", "Next", "receive")
		}
	}
}

func (s *natsSubscription) Unsubscribe() error {
	err := s.sub.Unsubscribe()
	if stderrors.Is(err, nats.ErrBadSubscription) || stderrors.Is(err, nats.ErrConnectionClosed) {
		return nil
	}
	return errors.Wrap(err, "NATSBus", "Unsubscribe", "unsubscribe")
}
