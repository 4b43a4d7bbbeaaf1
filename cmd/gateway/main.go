// cmd/gateway/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/RatDesert/ruth-data/internal/alerting"
	"github.com/RatDesert/ruth-data/internal/api"
	"github.com/RatDesert/ruth-data/internal/auth"
	"github.com/RatDesert/ruth-data/internal/bus"
	"github.com/RatDesert/ruth-data/internal/config"
	"github.com/RatDesert/ruth-data/internal/ingest"
	"github.com/RatDesert/ruth-data/internal/logging"
	"github.com/RatDesert/ruth-data/internal/metric"
	"github.com/RatDesert/ruth-data/internal/natsclient"
	"github.com/RatDesert/ruth-data/internal/presence"
	"github.com/RatDesert/ruth-data/internal/snapshot"
	"github.com/RatDesert/ruth-data/internal/state"
	"github.com/RatDesert/ruth-data/internal/storage"
	"github.com/RatDesert/ruth-data/internal/stream"
)

const shutdownTimeout = 10 * time.Second

// backend is the storage and fan-out wiring selected by storage.driver.
type backend struct {
	dir      storage.Directory
	sensors  storage.Hashes
	hubs     storage.Hashes
	leases   storage.Leases
	bus      bus.Bus
	closeAll func()
}

func main() {
	configPath := flag.String("config", ".", "Path to the configuration file directory")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logging: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("relay stopped")
	}
	log.Info().Msg("relay stopped")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	reg := prometheus.NewRegistry()
	metrics := metric.NewMetrics(reg)

	be, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer be.closeAll()

	store := state.NewStore(be.dir, be.sensors, be.hubs, log)
	registry := presence.NewRegistry(be.leases, cfg.Connection, nil, log)

	var notifier alerting.Notifier = alerting.Nop{}
	if cfg.Notifications.URL != "" {
		dispatcher := alerting.NewDispatcher(cfg.Notifications, metrics, log)
		dispatcher.Start(context.WithoutCancel(ctx))
		defer dispatcher.Stop()
		notifier = dispatcher
	} else {
		log.Warn().Msg("notifications.url not set, owner notifications disabled")
	}

	aggregator := snapshot.NewAggregator(store, registry, metrics, log)
	handler := api.NewAPIHandler(api.Deps{
		Ingest: ingest.NewService(ingest.Deps{
			Auth:     auth.NewHubAuthenticator(store, cfg.Auth, log),
			Store:    store,
			Presence: registry,
			Bus:      be.bus,
			Notifier: notifier,
			Metrics:  metrics,
		}, cfg.Message, log),
		Streamer:  stream.NewStreamer(be.bus, aggregator, cfg.Stream, metrics, log),
		Snapshots: aggregator,
		Store:     store,
		Users:     auth.NewUserVerifier(cfg.Auth),
	}, cfg, log)

	baseContext := func(net.Listener) context.Context { return ctx }
	dataServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.DataPort),
		Handler:     api.SetupDataRouter(handler),
		BaseContext: baseContext,
	}
	uiServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.UIPort),
		Handler:     api.SetupUIRouter(handler, reg),
		BaseContext: baseContext,
	}

	g, gctx := errgroup.WithContext(ctx)
	for name, srv := range map[string]*http.Server{"data": dataServer, "ui": uiServer} {
		g.Go(func() error {
			log.Info().Str("server", name).Str("addr", srv.Addr).Msg("listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("%s server: %w", name, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// websocket connections are closed through their request context,
		// which is derived from ctx
		dataErr := dataServer.Shutdown(shutdownCtx)
		uiErr := uiServer.Shutdown(shutdownCtx)
		if err := handler.Wait(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("websocket sessions still running at shutdown")
		}
		if dataErr != nil {
			return dataErr
		}
		return uiErr
	})
	return g.Wait()
}

func openBackend(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*backend, error) {
	switch cfg.Storage.Driver {
	case "memory":
		b := bus.NewMemoryBus(log)
		busCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		go b.Run(busCtx)
		dir := storage.NewMemoryDirectory()
		for _, hub := range cfg.Storage.Seed {
			dir.AddHub(storage.HubRecord{ID: hub.ID, UserID: hub.UserID, Name: hub.Name, Password: hub.Password})
			for _, sensorID := range hub.Sensors {
				dir.AddSensor(hub.ID, sensorID)
			}
		}
		log.Warn().Int("hubs", len(cfg.Storage.Seed)).Msg("memory storage driver: state is local to this process")
		return &backend{
			dir:      dir,
			sensors:  storage.NewMemoryHashes(),
			hubs:     storage.NewMemoryHashes(),
			leases:   storage.NewMemoryLeases(nil),
			bus:      b,
			closeAll: cancel,
		}, nil

	case "nats":
		db, err := storage.OpenPostgres(cfg.Postgres.DSN, cfg.Postgres.MaxOpenConns)
		if err != nil {
			return nil, err
		}
		client, err := natsclient.Connect(cfg.NATS.URL, cfg.NATS.Name, log)
		if err != nil {
			closeDB(db, log)
			return nil, err
		}
		buckets, err := client.EnsureBuckets(ctx, cfg.NATS, cfg.Connection)
		if err != nil {
			client.Close()
			closeDB(db, log)
			return nil, err
		}
		return &backend{
			dir:     storage.NewPostgresDirectory(db),
			sensors: storage.NewNATSHashes(buckets.HubSensor),
			hubs:    storage.NewNATSHashes(buckets.UserHub),
			leases:  storage.NewNATSLeases(buckets.Presence),
			bus:     bus.NewNATSBus(client.Conn, log),
			closeAll: func() {
				client.Close()
				closeDB(db, log)
			},
		}, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
}

func closeDB(db *gorm.DB, log zerolog.Logger) {
	sqlDB, err := db.DB()
	if err == nil {
		err = sqlDB.Close()
	}
	if err != nil {
		log.Warn().Err(err).Msg("closing database failed")
	}
}
