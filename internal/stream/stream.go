// Package stream drives user listener sessions: an initial device-state
// snapshot followed by every event published under the user's namespace.
package stream

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/RatDesert/ruth-data/internal/bus"
	"github.com/RatDesert/ruth-data/internal/config"
	"github.com/RatDesert/ruth-data/internal/data"
	"github.com/RatDesert/ruth-data/internal/errors"
	"github.com/RatDesert/ruth-data/internal/metric"
)

// Sink receives outbound payloads for one user.
type Sink interface {
	Send(ctx context.Context, payload []byte) error
}

// Snapshotter produces a user's current device state.
type Snapshotter interface {
	Snapshot(ctx context.Context, userID int64) (data.DeviceState, error)
}

type Streamer struct {
	bus       bus.Bus
	snapshots Snapshotter
	idle      time.Duration
	metrics   *metric.Metrics
	log       zerolog.Logger
}

func NewStreamer(b bus.Bus, snapshots Snapshotter, cfg config.StreamConfig, metrics *metric.Metrics, log zerolog.Logger) *Streamer {
	return &Streamer{
		bus:       b,
		snapshots: snapshots,
		idle:      cfg.IdleTimeout,
		metrics:   metrics,
		log:       log.With().Str("component", "stream").Logger(),
	}
}

// Run subscribes to the user's namespace, sends the snapshot and forwards
// events until ctx ends, the sink fails or no event arrives within the idle
// timeout (errors.ErrTimeout). A zero idle timeout waits forever.
func (s *Streamer) Run(ctx context.Context, userID int64, sink Sink) error {
	log := s.log.With().Int64("user_id", userID).Logger()

	// subscribe first so nothing published while the snapshot is built is lost
	sub, err := s.bus.SubscribePattern(ctx, data.UserPattern(userID))
	if err != nil {
		return err
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Msg("unsubscribe failed")
		}
	}()
	defer s.metrics.SessionOpened("user")()

	devices, err := s.snapshots.Snapshot(ctx, userID)
	if err != nil {
		return err
	}
	initial, err := json.Marshal(map[string]data.DeviceState{"state": devices})
	if err != nil {
		return errors.Wrap(err, "Streamer", "Run", "encode snapshot")
	}
	if err := sink.Send(ctx, initial); err != nil {
		return err
	}
	log.Debug().Int("hubs", len(devices)).Msg("snapshot sent")

	for {
		msg, err := s.next(ctx, sub)
		if err != nil {
			return err
		}
		if err := sink.Send(ctx, msg.Payload); err != nil {
			return err
		}
	}
}

func (s *Streamer) next(ctx context.Context, sub bus.Subscription) (bus.Message, error) {
	if s.idle <= 0 {
		return sub.Next(ctx)
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.idle)
	defer cancel()

	msg, err := sub.Next(waitCtx)
	if err != nil && ctx.Err() == nil && stderrors.Is(err, context.DeadlineExceeded) {
		return bus.Message{}, errors.ErrTimeout
	}
	return msg, err
}
