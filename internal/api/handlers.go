package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	gwebsocket "github.com/gorilla/websocket" // Alias to avoid name conflict
	"github.com/rs/zerolog"

	"github.com/RatDesert/ruth-data/internal/auth"
	"github.com/RatDesert/ruth-data/internal/config"
	"github.com/RatDesert/ruth-data/internal/data"
	"github.com/RatDesert/ruth-data/internal/errors"
	"github.com/RatDesert/ruth-data/internal/ingest"
	"github.com/RatDesert/ruth-data/internal/snapshot"
	"github.com/RatDesert/ruth-data/internal/state"
	"github.com/RatDesert/ruth-data/internal/stream"
	"github.com/RatDesert/ruth-data/internal/validate"
	"github.com/RatDesert/ruth-data/internal/websocket"
)

type APIHandler struct {
	ingest    *ingest.Service
	streamer  *stream.Streamer
	snapshots *snapshot.Aggregator
	store     *state.Store
	users     *auth.UserVerifier
	cfg       *config.Config
	upgrader  gwebsocket.Upgrader
	sessions  sync.WaitGroup
	log       zerolog.Logger
}

// Deps are the services the handlers delegate to.
type Deps struct {
	Ingest    *ingest.Service
	Streamer  *stream.Streamer
	Snapshots *snapshot.Aggregator
	Store     *state.Store
	Users     *auth.UserVerifier
}

func NewAPIHandler(deps Deps, cfg *config.Config, log zerolog.Logger) *APIHandler {
	return &APIHandler{
		ingest:    deps.Ingest,
		streamer:  deps.Streamer,
		snapshots: deps.Snapshots,
		store:     deps.Store,
		users:     deps.Users,
		cfg:       cfg,
		upgrader: gwebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(cfg.Server.CORSOrigins),
		},
		log: log.With().Str("component", "api").Logger(),
	}
}

// checkOrigin accepts requests without an Origin header (hubs) and browser
// requests from the configured origins.
func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// HandleHubData upgrades a hub connection and runs its session until it ends.
func (h *APIHandler) HandleHubData(w http.ResponseWriter, r *http.Request) {
	hubID, ok := parseHubID(chi.URLParam(r, "hub_id"))
	if !ok {
		http.Error(w, "hub_id must be an integer in (0, 2147483647)", http.StatusUnprocessableEntity)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Int64("hub_id", hubID).Msg("hub websocket upgrade failed")
		return
	}
	h.sessions.Add(1)
	defer h.sessions.Done()

	// closing the socket unblocks a pending read when the server shuts down
	stop := context.AfterFunc(r.Context(), func() { _ = conn.Close() })
	defer stop()

	hc := websocket.NewHubConn(conn, h.cfg.Connection.Timeout)
	err = h.ingest.Serve(r.Context(), hc, hubID, r.Header.Get("Authorization"), clientHost(r))
	hc.Close(err)
}

// HandleUserData streams the user's device state and live events.
func (h *APIHandler) HandleUserData(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserFromContext(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Int64("user_id", userID).Msg("user websocket upgrade failed")
		return
	}
	h.sessions.Add(1)
	defer h.sessions.Done()

	uc := websocket.NewUserConn(conn, h.log)
	go uc.WritePump()
	go uc.ReadPump()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-uc.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	err = h.streamer.Run(ctx, userID, uc)
	if errors.IsTerminal(err) {
		h.log.Debug().Int64("user_id", userID).Str("reason", errors.Reason(err)).Msg("user stream closed")
	} else {
		h.log.Error().Err(err).Int64("user_id", userID).Msg("user stream failed")
	}
	uc.Close(err)
}

// Wait blocks until every websocket session has finished its cleanup or ctx
// is done. http.Server.Shutdown does not track hijacked connections.
func (h *APIHandler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleDevices returns the user's full device state.
func (h *APIHandler) HandleDevices(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserFromContext(r.Context())

	devices, err := h.snapshots.Snapshot(r.Context(), userID)
	if err != nil {
		h.log.Error().Err(err).Int64("user_id", userID).Msg("snapshot failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

// HandleHub returns the state of one hub owned by the user.
func (h *APIHandler) HandleHub(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserFromContext(r.Context())
	hubID, ok := parseHubID(chi.URLParam(r, "hub_id"))
	if !ok {
		http.NotFound(w, r)
		return
	}

	owned, err := h.store.HubOwnedBy(r.Context(), hubID, userID)
	if err != nil {
		h.log.Error().Err(err).Int64("hub_id", hubID).Msg("ownership check failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if !owned {
		http.NotFound(w, r)
		return
	}

	hub, err := h.store.GetHub(r.Context(), hubID)
	if err != nil {
		h.log.Error().Err(err).Int64("hub_id", hubID).Msg("hub lookup failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	hubState, err := h.snapshots.Hub(r.Context(), hub)
	if err != nil {
		h.log.Error().Err(err).Int64("hub_id", hubID).Msg("hub state failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, data.DeviceState{hub.Key(): hubState})
}

// HandleHealth reports liveness.
func (h *APIHandler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseHubID(raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 || id >= validate.Int32Max {
		return 0, false
	}
	return id, true
}

func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
