package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RatDesert/ruth-data/internal/config"
	"github.com/RatDesert/ruth-data/internal/errors"
	"github.com/RatDesert/ruth-data/internal/storage"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newRegistry() (*Registry, *clock) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	cfg := config.ConnectionConfig{Timeout: 240 * time.Second, Grace: 5 * time.Second}
	return NewRegistry(storage.NewMemoryLeases(c.Now), cfg, c.Now, zerolog.Nop()), c
}

func TestRegisterAndExists(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry()

	online, err := r.Exists(ctx, 5)
	require.NoError(t, err)
	assert.False(t, online)

	session, err := r.Register(ctx, 5, "10.0.0.1")
	require.NoError(t, err)
	assert.NotEmpty(t, session.Token)

	online, err = r.Exists(ctx, 5)
	require.NoError(t, err)
	assert.True(t, online)

	host, online, err := r.Host(ctx, 5)
	require.NoError(t, err)
	assert.True(t, online)
	assert.Equal(t, "10.0.0.1", host)
}

func TestRegisterRejectsSecondSession(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry()

	_, err := r.Register(ctx, 5, "10.0.0.1")
	require.NoError(t, err)

	_, err = r.Register(ctx, 5, "10.0.0.2")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDuplicateSession)
	assert.True(t, errors.IsTerminal(err))

	host, _, err := r.Host(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", host, "existing key must not be touched")
}

func TestRegisterUsesGraceTTL(t *testing.T) {
	ctx := context.Background()
	r, c := newRegistry()

	_, err := r.Register(ctx, 5, "10.0.0.1")
	require.NoError(t, err)

	c.Advance(244 * time.Second)
	online, err := r.Exists(ctx, 5)
	require.NoError(t, err)
	assert.True(t, online, "still inside timeout+grace")

	c.Advance(time.Second)
	online, err = r.Exists(ctx, 5)
	require.NoError(t, err)
	assert.False(t, online)
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()

	t.Run("extends by timeout", func(t *testing.T) {
		r, c := newRegistry()
		session, err := r.Register(ctx, 5, "10.0.0.1")
		require.NoError(t, err)

		c.Advance(200 * time.Second)
		require.NoError(t, r.Refresh(ctx, session))

		c.Advance(239 * time.Second)
		online, err := r.Exists(ctx, 5)
		require.NoError(t, err)
		assert.True(t, online)

		c.Advance(time.Second)
		online, err = r.Exists(ctx, 5)
		require.NoError(t, err)
		assert.False(t, online)
	})

	t.Run("does not resurrect an expired key", func(t *testing.T) {
		r, c := newRegistry()
		session, err := r.Register(ctx, 5, "10.0.0.1")
		require.NoError(t, err)

		c.Advance(time.Hour)
		assert.ErrorIs(t, r.Refresh(ctx, session), errors.ErrSessionLost)

		online, err := r.Exists(ctx, 5)
		require.NoError(t, err)
		assert.False(t, online)
	})

	t.Run("does not take over another session's key", func(t *testing.T) {
		r, _ := newRegistry()
		stale, err := r.Register(ctx, 5, "10.0.0.1")
		require.NoError(t, err)
		require.NoError(t, r.Drop(ctx, 5))

		_, err = r.Register(ctx, 5, "10.0.0.2")
		require.NoError(t, err)

		assert.ErrorIs(t, r.Refresh(ctx, stale), errors.ErrSessionLost)
		host, _, err := r.Host(ctx, 5)
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.2", host)
	})
}

func TestDropIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry()

	_, err := r.Register(ctx, 5, "10.0.0.1")
	require.NoError(t, err)

	require.NoError(t, r.Drop(ctx, 5))
	require.NoError(t, r.Drop(ctx, 5))

	_, online, err := r.Host(ctx, 5)
	require.NoError(t, err)
	assert.False(t, online)

	_, err = r.Register(ctx, 5, "10.0.0.3")
	assert.NoError(t, err)
}
