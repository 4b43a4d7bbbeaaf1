// Package presence tracks which hubs currently hold a live session. A hub is
// online exactly while its presence key exists; the key carries the client
// host and the token of the session that registered it.
package presence

import (
	"context"
	stderrors "errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/RatDesert/ruth-data/internal/config"
	"github.com/RatDesert/ruth-data/internal/errors"
	"github.com/RatDesert/ruth-data/internal/storage"
)

// Session identifies one admitted connection's claim on a hub's key.
type Session struct {
	HubID int64
	Host  string
	Token string
}

// Registry is the single-session presence registry.
type Registry struct {
	leases storage.Leases
	cfg    config.ConnectionConfig
	now    func() time.Time
	log    zerolog.Logger
}

// NewRegistry creates a registry over leases. A nil clock means time.Now.
func NewRegistry(leases storage.Leases, cfg config.ConnectionConfig, now func() time.Time, log zerolog.Logger) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		leases: leases,
		cfg:    cfg,
		now:    now,
		log:    log.With().Str("component", "presence").Logger(),
	}
}

func key(hubID int64) string {
	return strconv.FormatInt(hubID, 10)
}

// Exists reports whether hubID has a live presence key.
func (r *Registry) Exists(ctx context.Context, hubID int64) (bool, error) {
	_, err := r.leases.Get(ctx, key(hubID))
	switch {
	case err == nil:
		return true, nil
	case stderrors.Is(err, storage.ErrKeyNotFound):
		return false, nil
	default:
		return false, errors.Wrap(err, "Registry", "Exists", "read presence key")
	}
}

// Register claims hubID for a new session with the registration TTL
// (timeout plus grace). If a live key already exists it fails with
// errors.ErrDuplicateSession and leaves that key untouched.
func (r *Registry) Register(ctx context.Context, hubID int64, host string) (*Session, error) {
	session := &Session{HubID: hubID, Host: host, Token: uuid.NewString()}

	err := r.leases.Acquire(ctx, key(hubID), storage.Lease{
		Value:     host,
		Owner:     session.Token,
		ExpiresAt: r.now().Add(r.cfg.RegisterTTL()),
	})
	if stderrors.Is(err, storage.ErrKeyExists) {
		return nil, errors.WrapTerminal(errors.ErrDuplicateSession, "Registry", "Register", "claim presence key")
	}
	if err != nil {
		return nil, errors.Wrap(err, "Registry", "Register", "claim presence key")
	}

	r.log.Debug().Int64("hub_id", hubID).Str("host", host).Msg("presence registered")
	return session, nil
}

// Refresh extends the session's key by the steady-state timeout. A key that
// has expired, was dropped or now belongs to another session is not
// recreated; the call returns errors.ErrSessionLost instead.
func (r *Registry) Refresh(ctx context.Context, session *Session) error {
	err := r.leases.Renew(ctx, key(session.HubID), storage.Lease{
		Value:     session.Host,
		Owner:     session.Token,
		ExpiresAt: r.now().Add(r.cfg.Timeout),
	})
	if stderrors.Is(err, storage.ErrLeaseLost) {
		return errors.ErrSessionLost
	}
	return errors.Wrap(err, "Registry", "Refresh", "renew presence key")
}

// Drop deletes hubID's key unconditionally. Dropping an absent key is not
// an error.
func (r *Registry) Drop(ctx context.Context, hubID int64) error {
	if err := r.leases.Release(ctx, key(hubID)); err != nil {
		return errors.Wrap(err, "Registry", "Drop", "delete presence key")
	}
	r.log.Debug().Int64("hub_id", hubID).Msg("presence dropped")
	return nil
}

// Host returns the client host stored for hubID and whether the hub is
// online.
func (r *Registry) Host(ctx context.Context, hubID int64) (string, bool, error) {
	lease, err := r.leases.Get(ctx, key(hubID))
	switch {
	case err == nil:
		return lease.Value, true, nil
	case stderrors.Is(err, storage.ErrKeyNotFound):
		return "", false, nil
	default:
		return "", false, errors.Wrap(err, "Registry", "Host", "read presence key")
	}
}
