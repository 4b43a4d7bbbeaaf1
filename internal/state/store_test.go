package state

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RatDesert/ruth-data/internal/data"
	"github.com/RatDesert/ruth-data/internal/errors"
	"github.com/RatDesert/ruth-data/internal/storage"
)

type fixture struct {
	store   *Store
	dir     *storage.MemoryDirectory
	sensors *storage.MemoryHashes
	hubs    *storage.MemoryHashes
}

func newFixture() fixture {
	dir := storage.NewMemoryDirectory()
	dir.AddHub(storage.HubRecord{ID: 5, UserID: 2, Password: "hash", Name: "garden"})
	dir.AddSensor(5, 42)

	sensors := storage.NewMemoryHashes()
	hubs := storage.NewMemoryHashes()
	return fixture{
		store:   NewStore(dir, sensors, hubs, zerolog.Nop()),
		dir:     dir,
		sensors: sensors,
		hubs:    hubs,
	}
}

func TestSensorExists(t *testing.T) {
	ctx := context.Background()

	t.Run("backfills cache from directory", func(t *testing.T) {
		f := newFixture()

		ok, err := f.store.SensorExists(ctx, 5, "42")
		require.NoError(t, err)
		assert.True(t, ok)

		value, cached, err := f.sensors.HGet(ctx, "5", "42")
		require.NoError(t, err)
		assert.True(t, cached)
		assert.Equal(t, "0", value)
	})

	t.Run("cache hit skips directory", func(t *testing.T) {
		f := newFixture()
		require.NoError(t, f.sensors.HSet(ctx, "5", "77", "12.5"))

		ok, err := f.store.SensorExists(ctx, 5, "77")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("unknown sensor leaves cache untouched", func(t *testing.T) {
		f := newFixture()

		ok, err := f.store.SensorExists(ctx, 5, "43")
		require.NoError(t, err)
		assert.False(t, ok)

		all, err := f.sensors.HGetAll(ctx, "5")
		require.NoError(t, err)
		assert.Empty(t, all)
	})
}

func TestGetSensor(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	system, err := f.store.GetSensor(ctx, 5, data.SystemSensor)
	require.NoError(t, err)
	assert.Equal(t, 0.0, system.LastMessageAt)

	_, err = f.store.GetSensor(ctx, 5, "43")
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.True(t, errors.IsFrameLocal(err))

	sensor, err := f.store.GetSensor(ctx, 5, "42")
	require.NoError(t, err)
	assert.Equal(t, int64(5), sensor.HubID)

	sensor.LastMessageAt = 1700000000.25
	require.NoError(t, f.store.SaveSensor(ctx, sensor))

	again, err := f.store.GetSensor(ctx, 5, "42")
	require.NoError(t, err)
	assert.Equal(t, 1700000000.25, again.LastMessageAt)
}

func TestGetHub(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	_, err := f.store.GetHub(ctx, 6)
	assert.ErrorIs(t, err, errors.ErrNotFound)

	hub, err := f.store.GetHub(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(2), hub.UserID)
	assert.Equal(t, "hash", hub.Password)
	assert.Equal(t, 0.0, hub.LastMessageAt)

	hub.LastMessageAt = 1700000001
	require.NoError(t, f.store.SaveHub(ctx, hub))

	raw, ok, err := f.hubs.HGet(ctx, "2", "5")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1700000001", raw)

	hub, err = f.store.GetHub(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 1700000001.0, hub.LastMessageAt)
}

func TestHubsAndSensors(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	require.NoError(t, f.hubs.HSet(ctx, "2", "5", "10"))
	require.NoError(t, f.hubs.HSet(ctx, "2", "9", "garbage"))
	require.NoError(t, f.sensors.HSet(ctx, "5", "42", "11.5"))
	require.NoError(t, f.sensors.HSet(ctx, "5", data.SystemSensor, "12"))

	hubs, err := f.store.Hubs(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"5": 10}, hubs)

	sensors, err := f.store.Sensors(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"42": 11.5, "system": 12}, sensors)

	owned, err := f.store.HubOwnedBy(ctx, 5, 2)
	require.NoError(t, err)
	assert.True(t, owned)

	owned, err = f.store.HubOwnedBy(ctx, 5, 3)
	require.NoError(t, err)
	assert.False(t, owned)
}
