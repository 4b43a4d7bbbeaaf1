// Package snapshot assembles a user's full device state from the caches and
// the presence registry. It never writes.
package snapshot

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/RatDesert/ruth-data/internal/data"
	"github.com/RatDesert/ruth-data/internal/errors"
	"github.com/RatDesert/ruth-data/internal/metric"
	"github.com/RatDesert/ruth-data/internal/presence"
	"github.com/RatDesert/ruth-data/internal/state"
)

type Aggregator struct {
	store    *state.Store
	presence *presence.Registry
	metrics  *metric.Metrics
	log      zerolog.Logger
}

func NewAggregator(store *state.Store, registry *presence.Registry, metrics *metric.Metrics, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		store:    store,
		presence: registry,
		metrics:  metrics,
		log:      log.With().Str("component", "snapshot").Logger(),
	}
}

// Snapshot returns every hub in the user's hub map with its presence and the
// last-seen of each of its sensors.
func (a *Aggregator) Snapshot(ctx context.Context, userID int64) (data.DeviceState, error) {
	start := time.Now()
	defer func() { a.metrics.ObserveSnapshot(time.Since(start).Seconds()) }()

	hubs, err := a.store.Hubs(ctx, userID)
	if err != nil {
		return nil, err
	}

	devices := make(data.DeviceState, len(hubs))
	for hubKey, lastSeen := range hubs {
		hubID, err := strconv.ParseInt(hubKey, 10, 64)
		if err != nil {
			a.log.Warn().Int64("user_id", userID).Str("hub_id", hubKey).Msg("skipping malformed hub id")
			continue
		}
		hub, err := a.hub(ctx, hubID, lastSeen)
		if err != nil {
			return nil, errors.Wrap(err, "Aggregator", "Snapshot", "collect hub "+hubKey)
		}
		devices[hubKey] = hub
	}
	return devices, nil
}

// Hub returns the state of a single hub, with its last-seen read from the
// owner's hub map.
func (a *Aggregator) Hub(ctx context.Context, hub *data.Hub) (data.HubState, error) {
	return a.hub(ctx, hub.ID, hub.LastMessageAt)
}

func (a *Aggregator) hub(ctx context.Context, hubID int64, lastSeen float64) (data.HubState, error) {
	host, online, err := a.presence.Host(ctx, hubID)
	if err != nil {
		return data.HubState{}, err
	}

	system := data.SystemState{LastMessageAt: lastSeen, IsOnline: online}
	if online {
		system.IP = &host
	}

	sensors, err := a.store.Sensors(ctx, hubID)
	if err != nil {
		return data.HubState{}, err
	}

	result := data.HubState{System: system, Sensors: make(map[string]data.SensorState, len(sensors))}
	for sensorID, ts := range sensors {
		if sensorID == data.SystemSensor {
			continue
		}
		result.Sensors[sensorID] = data.SensorState{LastMessageAt: ts, IsOnline: online}
	}
	return result, nil
}
