//go:build integration

package bus

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RatDesert/ruth-data/internal/errors"
	"github.com/RatDesert/ruth-data/internal/natsclient"
)

func TestNATSBus(t *testing.T) {
	client := natsclient.NewTestClient(t)
	b := NewNATSBus(client.Conn, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	seven, err := b.SubscribePattern(ctx, "7.*")
	require.NoError(t, err)
	eight, err := b.SubscribePattern(ctx, "8.*")
	require.NoError(t, err)
	require.NoError(t, client.Conn.Flush())

	require.NoError(t, b.Publish(ctx, "7.3.9.data", []byte(`{"data":{"3":{"9":{"value":1}}}}`)))

	msg, err := seven.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "7.3.9.data", msg.Channel)

	short, cancelShort := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancelShort()
	_, err = eight.Next(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, seven.Unsubscribe())
	_, err = seven.Next(ctx)
	assert.ErrorIs(t, err, errors.ErrClosed)
}
