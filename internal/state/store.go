// Package state is the cache-through store for hub and sensor "last seen"
// state. Identity lives in the relational directory and is never cached;
// recency lives in two hash families: one hash per hub (sensor id ->
// last seen) and one hash per user (hub id -> last seen).
package state

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/RatDesert/ruth-data/internal/data"
	"github.com/RatDesert/ruth-data/internal/errors"
	"github.com/RatDesert/ruth-data/internal/storage"
)

// Store resolves hubs and sensors against the directory and the caches.
type Store struct {
	dir     storage.Directory
	sensors storage.Hashes // hub_id -> sensor_id -> last_message_at
	hubs    storage.Hashes // user_id -> hub_id -> last_message_at
	log     zerolog.Logger
}

func NewStore(dir storage.Directory, sensors, hubs storage.Hashes, log zerolog.Logger) *Store {
	return &Store{
		dir:     dir,
		sensors: sensors,
		hubs:    hubs,
		log:     log.With().Str("component", "state").Logger(),
	}
}

// SensorExists checks the hub's sensor map first. On a miss it consults the
// directory and, if the sensor is provisioned there, backfills the cache with
// a zero last-seen before reporting true.
func (s *Store) SensorExists(ctx context.Context, hubID int64, sensorID string) (bool, error) {
	hash := strconv.FormatInt(hubID, 10)

	cached, err := s.sensors.HExists(ctx, hash, sensorID)
	if err != nil {
		return false, errors.Wrap(err, "Store", "SensorExists", "read sensor map")
	}
	if cached {
		return true, nil
	}

	id, err := strconv.ParseInt(sensorID, 10, 64)
	if err != nil {
		return false, nil
	}
	exists, err := s.dir.SensorExists(ctx, hubID, id)
	if err != nil {
		return false, errors.Wrap(err, "Store", "SensorExists", "query directory")
	}
	if !exists {
		return false, nil
	}

	if err := s.sensors.HSet(ctx, hash, sensorID, formatTimestamp(0)); err != nil {
		return false, errors.Wrap(err, "Store", "SensorExists", "backfill sensor map")
	}
	s.log.Debug().Int64("hub_id", hubID).Str("sensor_id", sensorID).Msg("sensor provisioned in cache")
	return true, nil
}

// GetSensor resolves a sensor of hubID. The system sensor always resolves;
// any other id must exist, otherwise the error matches errors.ErrNotFound.
func (s *Store) GetSensor(ctx context.Context, hubID int64, sensorID string) (*data.Sensor, error) {
	if sensorID != data.SystemSensor {
		exists, err := s.SensorExists(ctx, hubID, sensorID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("sensor %s of hub %d: %w", sensorID, hubID, errors.ErrNotFound)
		}
	}

	raw, _, err := s.sensors.HGet(ctx, strconv.FormatInt(hubID, 10), sensorID)
	if err != nil {
		return nil, errors.Wrap(err, "Store", "GetSensor", "read sensor map")
	}
	lastSeen, err := parseTimestamp(raw)
	if err != nil {
		return nil, errors.Wrap(err, "Store", "GetSensor", "decode last seen")
	}

	return &data.Sensor{ID: sensorID, HubID: hubID, LastMessageAt: lastSeen}, nil
}

// SaveSensor writes the sensor's last-seen into its hub's sensor map.
func (s *Store) SaveSensor(ctx context.Context, sensor *data.Sensor) error {
	err := s.sensors.HSet(ctx, strconv.FormatInt(sensor.HubID, 10), sensor.ID, formatTimestamp(sensor.LastMessageAt))
	return errors.Wrap(err, "Store", "SaveSensor", "write sensor map")
}

// GetHub reads identity from the directory and adds the cached last-seen
// from the owner's hub map. A hub that has never been seen reports 0.
func (s *Store) GetHub(ctx context.Context, hubID int64) (*data.Hub, error) {
	rec, err := s.dir.FindHub(ctx, hubID)
	if err != nil {
		return nil, err
	}

	hub := &data.Hub{
		ID:       rec.ID,
		UserID:   rec.UserID,
		Password: rec.Password,
		Name:     rec.Name,
	}

	raw, ok, err := s.hubs.HGet(ctx, strconv.FormatInt(rec.UserID, 10), hub.Key())
	if err != nil {
		s.log.Warn().Err(err).Int64("hub_id", hubID).Msg("hub last seen unavailable")
		return hub, nil
	}
	if ok {
		if hub.LastMessageAt, err = parseTimestamp(raw); err != nil {
			s.log.Warn().Err(err).Int64("hub_id", hubID).Msg("hub last seen unreadable")
		}
	}
	return hub, nil
}

// SaveHub writes the hub's last-seen into its owner's hub map.
func (s *Store) SaveHub(ctx context.Context, hub *data.Hub) error {
	err := s.hubs.HSet(ctx, strconv.FormatInt(hub.UserID, 10), hub.Key(), formatTimestamp(hub.LastMessageAt))
	return errors.Wrap(err, "Store", "SaveHub", "write hub map")
}

// Hubs returns the user's hub map: hub id -> last seen.
func (s *Store) Hubs(ctx context.Context, userID int64) (map[string]float64, error) {
	raw, err := s.hubs.HGetAll(ctx, strconv.FormatInt(userID, 10))
	if err != nil {
		return nil, errors.Wrap(err, "Store", "Hubs", "read hub map")
	}
	return s.decodeMap(raw, "user_id", userID), nil
}

// Sensors returns the hub's sensor map: sensor id -> last seen. The system
// sensor is included when the hub has sent a heartbeat.
func (s *Store) Sensors(ctx context.Context, hubID int64) (map[string]float64, error) {
	raw, err := s.sensors.HGetAll(ctx, strconv.FormatInt(hubID, 10))
	if err != nil {
		return nil, errors.Wrap(err, "Store", "Sensors", "read sensor map")
	}
	return s.decodeMap(raw, "hub_id", hubID), nil
}

// HubOwnedBy reports whether userID owns hubID according to the directory.
func (s *Store) HubOwnedBy(ctx context.Context, hubID, userID int64) (bool, error) {
	owned, err := s.dir.HubOwnedBy(ctx, hubID, userID)
	if err != nil {
		return false, errors.Wrap(err, "Store", "HubOwnedBy", "query directory")
	}
	return owned, nil
}

func (s *Store) decodeMap(raw map[string]string, owner string, ownerID int64) map[string]float64 {
	result := make(map[string]float64, len(raw))
	for field, value := range raw {
		ts, err := parseTimestamp(value)
		if err != nil {
			s.log.Warn().Err(err).Int64(owner, ownerID).Str("field", field).Msg("skipping unreadable last seen")
			continue
		}
		result[field] = ts
	}
	return result
}

func formatTimestamp(ts float64) string {
	return strconv.FormatFloat(ts, 'f', -1, 64)
}

func parseTimestamp(raw string) (float64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseFloat(raw, 64)
}
