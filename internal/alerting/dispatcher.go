package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/RatDesert/ruth-data/internal/config"
	"github.com/RatDesert/ruth-data/internal/errors"
	"github.com/RatDesert/ruth-data/internal/metric"
)

// Dispatcher errors
var (
	ErrQueueFull  = stderrors.New("notification queue is full")
	ErrNotStarted = stderrors.New("dispatcher not started")
)

// Dispatcher delivers notifications over HTTP from a bounded queue served by
// a fixed set of workers. Notify never blocks: when the queue is full the
// notification is dropped and counted.
type Dispatcher struct {
	cfg     config.NotificationsConfig
	client  *http.Client
	queue   chan Notification
	metrics *metric.Metrics
	log     zerolog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	wg      sync.WaitGroup
}

func NewDispatcher(cfg config.NotificationsConfig, metrics *metric.Metrics, log zerolog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	return &Dispatcher{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		queue:   make(chan Notification, cfg.QueueSize),
		metrics: metrics,
		log:     log.With().Str("component", "alerting").Logger(),
	}
}

// Start launches the workers. They exit once Stop has drained the queue.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	d.log.Info().Int("workers", d.cfg.Workers).Str("url", d.cfg.URL).Msg("notification dispatcher started")
}

// Stop closes the queue and waits for in-flight deliveries.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started || d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
}

// Notify implements Notifier.
func (d *Dispatcher) Notify(n Notification) {
	if err := d.Submit(n); err != nil {
		d.metrics.Notification("dropped")
		d.log.Warn().Err(err).Int64("user_id", n.UserID).Str("type", n.Type).Msg("notification dropped")
	}
}

// Submit queues n without blocking.
func (d *Dispatcher) Submit(n Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started || d.stopped {
		return ErrNotStarted
	}
	select {
	case d.queue <- n:
		d.metrics.Notification("queued")
		return nil
	default:
		return ErrQueueFull
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for n := range d.queue {
		if err := d.send(ctx, n); err != nil {
			d.metrics.Notification("failed")
			d.log.Error().Err(err).Int64("user_id", n.UserID).Str("target", n.Target).Msg("notification delivery failed")
			continue
		}
		d.metrics.Notification("sent")
	}
}

func (d *Dispatcher) send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return errors.Wrap(err, "Dispatcher", "send", "encode notification")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "Dispatcher", "send", "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	if d.cfg.APIKey != "" {
		req.Header.Set(d.cfg.APIKeyHeader, d.cfg.APIKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "Dispatcher", "send", "post notification")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("notifications service answered %s", resp.Status)
	}
	return nil
}
