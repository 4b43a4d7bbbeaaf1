// Package natsclient connects to NATS and provisions the JetStream KV buckets
// the relay keeps its cache and presence state in.
package natsclient

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/RatDesert/ruth-data/internal/config"
	"github.com/RatDesert/ruth-data/internal/errors"
)

// Client bundles a NATS connection with its JetStream context.
type Client struct {
	Conn *nats.Conn
	JS   jetstream.JetStream
	log  zerolog.Logger
}

// Buckets are the KV buckets backing the state store and presence registry.
type Buckets struct {
	Presence  jetstream.KeyValue
	HubSensor jetstream.KeyValue
	UserHub   jetstream.KeyValue
}

// Connect dials url and keeps reconnecting forever in the background.
func Connect(url, name string, log zerolog.Logger) (*Client, error) {
	log = log.With().Str("component", "nats").Logger()

	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.PingInterval(30*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "Client", "Connect", "dial "+url)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "Client", "Connect", "create JetStream context")
	}

	log.Info().Str("url", conn.ConnectedUrl()).Msg("connected to NATS")
	return &Client{Conn: conn, JS: js, log: log}, nil
}

// EnsureBuckets creates or updates the relay's KV buckets. The presence
// bucket's TTL caps how long an abandoned presence key can linger.
func (c *Client) EnsureBuckets(ctx context.Context, cfg config.NATSConfig, conn config.ConnectionConfig) (*Buckets, error) {
	presence, err := c.bucket(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.PresenceBucket,
		Description: "hub presence keys",
		History:     1,
		TTL:         conn.RegisterTTL(),
		Storage:     jetstream.MemoryStorage,
	})
	if err != nil {
		return nil, err
	}

	hubSensor, err := c.bucket(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.HubSensorBucket,
		Description: "last seen per sensor, keyed hub_id.sensor_id",
		History:     1,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, err
	}

	userHub, err := c.bucket(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.UserHubBucket,
		Description: "last seen per hub, keyed user_id.hub_id",
		History:     1,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, err
	}

	return &Buckets{Presence: presence, HubSensor: hubSensor, UserHub: userHub}, nil
}

func (c *Client) bucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	kv, err := c.JS.CreateOrUpdateKeyValue(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "Client", "EnsureBuckets", fmt.Sprintf("provision bucket %s", cfg.Bucket))
	}
	c.log.Debug().Str("bucket", cfg.Bucket).Msg("KV bucket ready")
	return kv, nil
}

// Close drains outstanding publishes and closes the connection.
func (c *Client) Close() {
	if err := c.Conn.Drain(); err != nil {
		c.log.Warn().Err(err).Msg("drain failed, closing")
		c.Conn.Close()
	}
}
