package ingest

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/RatDesert/ruth-data/internal/bus"
	"github.com/RatDesert/ruth-data/internal/data"
	"github.com/RatDesert/ruth-data/internal/errors"
	"github.com/RatDesert/ruth-data/internal/metric"
	"github.com/RatDesert/ruth-data/internal/presence"
	"github.com/RatDesert/ruth-data/internal/state"
)

// Pipeline processes the frames of admitted sessions. It holds no per-session
// state, so one Pipeline serves every connection.
type Pipeline struct {
	store    *state.Store
	presence *presence.Registry
	bus      bus.Bus
	minDelay float64
	now      func() time.Time
	metrics  *metric.Metrics
	log      zerolog.Logger
}

// Process runs one frame through decode, classification, validation,
// throttling and acceptance. Frame-local failures leave every store
// untouched and are reported with errors.IsFrameLocal.
func (p *Pipeline) Process(ctx context.Context, s *Session, raw []byte) error {
	header, payload, err := data.DecodeFrame(raw)
	if err != nil {
		return errors.WrapFrame(err, "Pipeline", "Process", "decode frame")
	}

	route, err := Classify(header)
	if err != nil {
		return errors.WrapFrame(err, "Pipeline", "Process", "classify header")
	}

	clean, err := route.Schema().Check(payload)
	if err != nil {
		return errors.WrapFrame(err, "Pipeline", "Process", "validate payload")
	}

	// A heartbeat's own timestamp is only validated; the hub's clock never
	// drives throttling or last-seen.
	msg := data.Message{Hub: s.Hub, Header: header, Data: clean, Timestamp: data.Timestamp(p.now())}

	sensor, err := p.store.GetSensor(ctx, s.Hub.ID, route.SensorID)
	if stderrors.Is(err, errors.ErrNotFound) {
		return errors.WrapFrame(err, "Pipeline", "Process", "resolve sensor")
	}
	if err != nil {
		return err
	}

	if msg.Timestamp-sensor.LastMessageAt < p.minDelay {
		return errors.WrapFrame(
			fmt.Errorf("%w: sensor %s of hub %d", errors.ErrThrottled, route.SensorID, s.Hub.ID),
			"Pipeline", "Process", "throttle")
	}

	if err := p.accept(ctx, s, route, sensor, msg); err != nil {
		return err
	}
	p.metrics.FrameAccepted(route.Kind.String())
	return nil
}

func (p *Pipeline) accept(ctx context.Context, s *Session, route Route, sensor *data.Sensor, msg data.Message) error {
	sensor.LastMessageAt = msg.Timestamp
	if err := p.store.SaveSensor(ctx, sensor); err != nil {
		return err
	}

	if route.Kind == SensorReading {
		payload := make(map[string]any, len(msg.Data)+1)
		for k, v := range msg.Data {
			payload[k] = v
		}
		payload["timestamp"] = msg.Timestamp

		event := data.Event{MessageType: data.MessageData, Hub: s.Hub, SensorID: sensor.ID, Data: payload}
		if err := publish(ctx, p.bus, event); err != nil {
			return err
		}
		p.metrics.EventPublished(data.MessageData)
	}

	if s.Hub.Touch(msg.Timestamp) {
		if err := p.store.SaveHub(ctx, s.Hub); err != nil {
			return err
		}
	}

	if err := p.presence.Refresh(ctx, s.presence); err != nil {
		if !stderrors.Is(err, errors.ErrSessionLost) {
			return err
		}
		p.metrics.PresenceMiss()
		p.log.Warn().Int64("hub_id", s.Hub.ID).Msg("presence expired under a live session, not refreshed")
	}
	return nil
}

func publish(ctx context.Context, b bus.Bus, event data.Event) error {
	envelope, err := event.MarshalEnvelope()
	if err != nil {
		return errors.Wrap(err, "Pipeline", "publish", "encode envelope")
	}
	return b.Publish(ctx, event.Channel(), envelope)
}
