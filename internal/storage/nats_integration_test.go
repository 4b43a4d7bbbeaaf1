//go:build integration

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RatDesert/ruth-data/internal/natsclient"
)

func TestNATSHashes(t *testing.T) {
	client := natsclient.NewTestClient(t)
	ctx := context.Background()

	kv, err := client.JS.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: "test_hashes"})
	require.NoError(t, err)
	h := NewNATSHashes(kv)

	_, ok, err := h.HGet(ctx, "5", "42")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, h.HSet(ctx, "5", "42", "0"))
	require.NoError(t, h.HSet(ctx, "5", "system", "1700000000.5"))
	require.NoError(t, h.HSet(ctx, "55", "1", "7"))

	exists, err := h.HExists(ctx, "5", "42")
	require.NoError(t, err)
	assert.True(t, exists)

	all, err := h.HGetAll(ctx, "5")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"42": "0", "system": "1700000000.5"}, all)

	empty, err := h.HGetAll(ctx, "404")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestNATSLeases(t *testing.T) {
	client := natsclient.NewTestClient(t)
	ctx := context.Background()

	kv, err := client.JS.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: "test_leases", History: 1})
	require.NoError(t, err)
	leases := NewNATSLeases(kv)

	now := time.Now()
	first := Lease{Value: "10.0.0.1", Owner: "a", ExpiresAt: now.Add(time.Minute)}
	require.NoError(t, leases.Acquire(ctx, "5", first))

	err = leases.Acquire(ctx, "5", Lease{Value: "10.0.0.2", Owner: "b", ExpiresAt: now.Add(time.Minute)})
	assert.ErrorIs(t, err, ErrKeyExists)

	got, err := leases.Get(ctx, "5")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Owner)

	assert.ErrorIs(t, leases.Renew(ctx, "5", Lease{Owner: "b", ExpiresAt: now.Add(time.Hour)}), ErrLeaseLost)
	require.NoError(t, leases.Renew(ctx, "5", Lease{Value: "10.0.0.1", Owner: "a", ExpiresAt: now.Add(time.Hour)}))

	// an expired holder can be replaced
	leases.now = func() time.Time { return now.Add(2 * time.Hour) }
	_, err = leases.Get(ctx, "5")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	require.NoError(t, leases.Acquire(ctx, "5", Lease{Value: "10.0.0.3", Owner: "c", ExpiresAt: now.Add(3 * time.Hour)}))

	require.NoError(t, leases.Release(ctx, "5"))
	require.NoError(t, leases.Release(ctx, "5"))
	_, err = leases.Get(ctx, "5")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	// create after delete succeeds
	require.NoError(t, leases.Acquire(ctx, "5", first))
}
