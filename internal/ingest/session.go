package ingest

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/RatDesert/ruth-data/internal/alerting"
	"github.com/RatDesert/ruth-data/internal/bus"
	"github.com/RatDesert/ruth-data/internal/config"
	"github.com/RatDesert/ruth-data/internal/data"
	"github.com/RatDesert/ruth-data/internal/errors"
	"github.com/RatDesert/ruth-data/internal/metric"
	"github.com/RatDesert/ruth-data/internal/presence"
	"github.com/RatDesert/ruth-data/internal/state"
)

const cleanupTimeout = 5 * time.Second

// State is a hub connection's lifecycle stage.
type State int

const (
	StateAuthenticating State = iota
	StateAdmitting
	StateActive
	StateTerminating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateAdmitting:
		return "admitting"
	case StateActive:
		return "active"
	case StateTerminating:
		return "terminating"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// FrameSource yields inbound frames. ReadFrame returns errors.ErrTimeout when
// no frame arrives within the session timeout and errors.ErrClosed when the
// peer goes away.
type FrameSource interface {
	ReadFrame(ctx context.Context) ([]byte, error)
}

// Authenticator resolves a hub from its id and Authorization header. Any
// failure must match errors.ErrAuthentication.
type Authenticator interface {
	Authenticate(ctx context.Context, hubID int64, authorization string) (*data.Hub, error)
}

// Session is one admitted hub connection.
type Session struct {
	Hub      *data.Hub
	Host     string
	State    State
	presence *presence.Session
}

// Service admits hub connections and drives their sessions.
type Service struct {
	auth     Authenticator
	presence *presence.Registry
	bus      bus.Bus
	notifier alerting.Notifier
	pipeline *Pipeline
	now      func() time.Time
	metrics  *metric.Metrics
	log      zerolog.Logger
}

// Deps are the collaborators of a Service.
type Deps struct {
	Auth     Authenticator
	Store    *state.Store
	Presence *presence.Registry
	Bus      bus.Bus
	Notifier alerting.Notifier
	Metrics  *metric.Metrics
	Now      func() time.Time
}

func NewService(deps Deps, cfg config.MessageConfig, log zerolog.Logger) *Service {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = alerting.Nop{}
	}
	log = log.With().Str("component", "ingest").Logger()

	return &Service{
		auth:     deps.Auth,
		presence: deps.Presence,
		bus:      deps.Bus,
		notifier: notifier,
		pipeline: &Pipeline{
			store:    deps.Store,
			presence: deps.Presence,
			bus:      deps.Bus,
			minDelay: cfg.MinDelay,
			now:      now,
			metrics:  deps.Metrics,
			log:      log,
		},
		now:     now,
		metrics: deps.Metrics,
		log:     log,
	}
}

// Serve runs a hub connection from authentication to cleanup and returns the
// error that ended it. errors.IsTerminal reports orderly endings; anything
// else is unexpected.
func (s *Service) Serve(ctx context.Context, src FrameSource, hubID int64, authorization, host string) (err error) {
	log := s.log.With().Int64("hub_id", hubID).Str("host", host).Logger()

	hub, err := s.auth.Authenticate(ctx, hubID, authorization)
	if err != nil {
		s.metrics.Admission(errors.Reason(err))
		log.Info().Err(err).Msg("hub authentication failed")
		return err
	}

	session, err := s.Admit(ctx, hub, host)
	if err != nil {
		log.Info().Err(err).Msg("hub admission refused")
		return err
	}
	defer s.metrics.SessionOpened("hub")()
	defer func() { s.terminate(session, err, log) }()

	return s.run(ctx, src, session, log)
}

// Admit claims presence for hub and announces the connection. A hub that
// already holds a session is refused with errors.ErrDuplicateSession and its
// owner is alerted; the existing session is left alone.
func (s *Service) Admit(ctx context.Context, hub *data.Hub, host string) (*Session, error) {
	session := &Session{Hub: hub, Host: host, State: StateAdmitting}

	online, err := s.presence.Exists(ctx, hub.ID)
	if err != nil {
		s.metrics.Admission("unexpected")
		return nil, err
	}
	if online {
		return nil, s.refuseDuplicate(hub, host)
	}

	ps, err := s.presence.Register(ctx, hub.ID, host)
	if stderrors.Is(err, errors.ErrDuplicateSession) {
		return nil, s.refuseDuplicate(hub, host)
	}
	if err != nil {
		s.metrics.Admission("unexpected")
		return nil, err
	}
	session.presence = ps
	session.State = StateActive

	s.announce(ctx, session, "connected")
	s.notifier.Notify(alerting.HubOnline(hub.UserID, hub.ID, hub.Name, host, s.now()))
	s.metrics.Admission("admitted")

	s.log.Info().Int64("hub_id", hub.ID).Int64("user_id", hub.UserID).Str("host", host).Msg("hub session admitted")
	return session, nil
}

func (s *Service) refuseDuplicate(hub *data.Hub, host string) error {
	s.metrics.Admission(errors.Reason(errors.ErrDuplicateSession))
	s.notifier.Notify(alerting.DuplicateConnection(hub.UserID, hub.ID, host, s.now()))
	return errors.WrapTerminal(errors.ErrDuplicateSession, "Service", "Admit", "register presence")
}

func (s *Service) run(ctx context.Context, src FrameSource, session *Session, log zerolog.Logger) error {
	for {
		raw, err := src.ReadFrame(ctx)
		if err != nil {
			return err
		}
		s.metrics.FrameReceived()

		err = s.pipeline.Process(ctx, session, raw)
		if err == nil {
			continue
		}
		if errors.IsFrameLocal(err) {
			s.metrics.FrameRejected(errors.Reason(err))
			log.Debug().Err(err).Msg("frame rejected")
			continue
		}
		return err
	}
}

// terminate always runs once an admitted session ends: it drops presence,
// publishes the disconnected event and tells the owner how the session ended.
func (s *Service) terminate(session *Session, cause error, log zerolog.Logger) {
	session.State = StateTerminating
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if err := s.presence.Drop(ctx, session.Hub.ID); err != nil {
		log.Error().Err(err).Msg("failed to drop presence")
	}
	s.announce(ctx, session, "disconnected")

	hub := session.Hub
	if errors.IsTerminal(cause) {
		s.notifier.Notify(alerting.HubOffline(hub.UserID, hub.ID, hub.Name, session.Host, s.now()))
		log.Info().Str("reason", errors.Reason(cause)).Msg("hub session closed")
	} else {
		s.notifier.Notify(alerting.ConnectionError(hub.UserID, hub.ID, session.Host, s.now()))
		log.Error().Err(cause).Msg("hub session failed")
	}
	session.State = StateClosed
}

// announce publishes a connection event under the hub's system sensor.
// Fan-out is best effort, so a failure is only logged.
func (s *Service) announce(ctx context.Context, session *Session, kind string) {
	event := data.Event{
		MessageType: data.MessageEvents,
		Hub:         session.Hub,
		SensorID:    data.SystemSensor,
		Data: map[string]any{
			kind: map[string]any{
				"ip":        session.Host,
				"timestamp": data.Timestamp(s.now()),
			},
		},
	}
	if err := publish(ctx, s.bus, event); err != nil {
		s.log.Warn().Err(err).Int64("hub_id", session.Hub.ID).Str("event", kind).Msg("failed to publish connection event")
		return
	}
	s.metrics.EventPublished(data.MessageEvents)
}
