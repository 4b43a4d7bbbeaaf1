package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gwebsocket "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RatDesert/ruth-data/internal/alerting"
	"github.com/RatDesert/ruth-data/internal/auth"
	"github.com/RatDesert/ruth-data/internal/bus"
	"github.com/RatDesert/ruth-data/internal/config"
	"github.com/RatDesert/ruth-data/internal/ingest"
	"github.com/RatDesert/ruth-data/internal/metric"
	"github.com/RatDesert/ruth-data/internal/presence"
	"github.com/RatDesert/ruth-data/internal/snapshot"
	"github.com/RatDesert/ruth-data/internal/state"
	"github.com/RatDesert/ruth-data/internal/storage"
	"github.com/RatDesert/ruth-data/internal/stream"
)

var hubToken = strings.Repeat("c0ffee", 10) + "beef"

type testServers struct {
	data     *httptest.Server
	ui       *httptest.Server
	users    *auth.UserVerifier
	presence *presence.Registry
}

func newServers(t *testing.T) *testServers {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := &config.Config{
		Connection: config.ConnectionConfig{Timeout: 5 * time.Second, Grace: 5 * time.Second},
		Message:    config.MessageConfig{MinDelay: 1},
		Auth:       config.AuthConfig{JWTSecret: "s3cret", TokenLength: 64, CookieName: "access_jwt"},
	}
	log := zerolog.Nop()

	dir := storage.NewMemoryDirectory()
	dir.AddHub(storage.HubRecord{ID: 5, UserID: 2, Name: "garden", Password: auth.MakePassword(hubToken, "salt", 100)})
	dir.AddSensor(5, 42)

	store := state.NewStore(dir, storage.NewMemoryHashes(), storage.NewMemoryHashes(), log)
	registry := presence.NewRegistry(storage.NewMemoryLeases(nil), cfg.Connection, nil, log)
	b := bus.NewMemoryBus(log)
	go b.Run(ctx)

	reg := prometheus.NewRegistry()
	metrics := metric.NewMetrics(reg)
	aggregator := snapshot.NewAggregator(store, registry, metrics, log)
	users := auth.NewUserVerifier(cfg.Auth)

	h := NewAPIHandler(Deps{
		Ingest: ingest.NewService(ingest.Deps{
			Auth:     auth.NewHubAuthenticator(store, cfg.Auth, log),
			Store:    store,
			Presence: registry,
			Bus:      b,
			Notifier: alerting.Nop{},
			Metrics:  metrics,
		}, cfg.Message, log),
		Streamer:  stream.NewStreamer(b, aggregator, cfg.Stream, metrics, log),
		Snapshots: aggregator,
		Store:     store,
		Users:     users,
	}, cfg, log)

	s := &testServers{
		data:     httptest.NewServer(SetupDataRouter(h)),
		ui:       httptest.NewServer(SetupUIRouter(h, reg)),
		users:    users,
		presence: registry,
	}
	t.Cleanup(s.data.Close)
	t.Cleanup(s.ui.Close)
	return s
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func (s *testServers) cookie(t *testing.T, userID int64) string {
	t.Helper()
	token, err := s.users.GenerateJWT(userID, time.Minute)
	require.NoError(t, err)
	return "access_jwt=" + token
}

func (s *testServers) dialHub(t *testing.T, hubID int64, token string) *gwebsocket.Conn {
	t.Helper()
	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, _, err := gwebsocket.DefaultDialer.Dial(wsURL(s.data, fmt.Sprintf("/hubs/%d/data/", hubID)), header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (s *testServers) dialUser(t *testing.T, userID int64) *gwebsocket.Conn {
	t.Helper()
	conn, _, err := gwebsocket.DefaultDialer.Dial(wsURL(s.ui, "/user/data/"), http.Header{"Cookie": {s.cookie(t, userID)}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (s *testServers) get(t *testing.T, path string, userID int64) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, s.ui.URL+path, nil)
	require.NoError(t, err)
	if userID > 0 {
		req.Header.Set("Cookie", s.cookie(t, userID))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func readUntil(t *testing.T, conn *gwebsocket.Conn, substr string) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %q", substr)
		if strings.Contains(string(msg), substr) {
			return string(msg)
		}
	}
}

func closeCode(t *testing.T, conn *gwebsocket.Conn) int {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var closeErr *gwebsocket.CloseError
			require.ErrorAs(t, err, &closeErr)
			return closeErr.Code
		}
	}
}

func waitOffline(t *testing.T, registry *presence.Registry, hubID int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		online, err := registry.Exists(context.Background(), hubID)
		return err == nil && !online
	}, 3*time.Second, 20*time.Millisecond)
}

func TestHubToUserRelay(t *testing.T) {
	s := newServers(t)

	user := s.dialUser(t, 2)
	assert.JSONEq(t, `{"state":{}}`, readUntil(t, user, `"state"`))

	hub := s.dialHub(t, 5, hubToken)
	connected := readUntil(t, user, `"connected"`)
	assert.Contains(t, connected, `"events":{"5":{"system":`)

	now := float64(time.Now().Unix())
	require.NoError(t, hub.WriteMessage(gwebsocket.TextMessage, []byte(fmt.Sprintf(`{"system":{"timestamp":%.0f}}`, now))))
	require.NoError(t, hub.WriteMessage(gwebsocket.TextMessage, []byte(`not json`)))
	require.NoError(t, hub.WriteMessage(gwebsocket.TextMessage, []byte(`{"42":{"value":1.5,"signal":80,"charge":90}}`)))

	var envelope map[string]map[string]map[string]map[string]float64
	require.NoError(t, json.Unmarshal([]byte(readUntil(t, user, `"data"`)), &envelope))
	reading := envelope["data"]["5"]["42"]
	assert.Equal(t, 1.5, reading["value"])
	assert.Equal(t, 80.0, reading["signal"])
	assert.Equal(t, 90.0, reading["charge"])
	assert.Greater(t, reading["timestamp"], 0.0)

	status, body := s.get(t, "/api/user/devices/", 2)
	assert.Equal(t, http.StatusOK, status)
	var devices map[string]map[string]map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &devices))
	require.Contains(t, devices, "5")
	assert.Equal(t, true, devices["5"]["system"]["is_online"])
	assert.Equal(t, "127.0.0.1", devices["5"]["system"]["ip"])
	assert.GreaterOrEqual(t, devices["5"]["system"]["last_message_at"], now)
	assert.Equal(t, true, devices["5"]["42"]["is_online"])

	status, body = s.get(t, "/api/user/hubs/5/", 2)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"5"`)

	require.NoError(t, hub.WriteMessage(gwebsocket.CloseMessage, gwebsocket.FormatCloseMessage(gwebsocket.CloseNormalClosure, "")))
	readUntil(t, user, `"disconnected"`)
	waitOffline(t, s.presence, 5)
}

func TestHubRejectedWithBadToken(t *testing.T) {
	s := newServers(t)

	hub := s.dialHub(t, 5, strings.Repeat("x", 64))
	assert.Equal(t, gwebsocket.ClosePolicyViolation, closeCode(t, hub))

	online, err := s.presence.Exists(context.Background(), 5)
	require.NoError(t, err)
	assert.False(t, online)
}

func TestSecondHubConnectionRefused(t *testing.T) {
	s := newServers(t)
	user := s.dialUser(t, 2)
	readUntil(t, user, `"state"`)

	first := s.dialHub(t, 5, hubToken)
	readUntil(t, user, `"connected"`)

	second := s.dialHub(t, 5, hubToken)
	assert.Equal(t, gwebsocket.ClosePolicyViolation, closeCode(t, second))

	host, online, err := s.presence.Host(context.Background(), 5)
	require.NoError(t, err)
	assert.True(t, online, "first session keeps presence")
	assert.Equal(t, "127.0.0.1", host)

	require.NoError(t, first.WriteMessage(gwebsocket.TextMessage, []byte(`{"system":{"timestamp":1700000000}}`)))
	require.NoError(t, first.Close())
	waitOffline(t, s.presence, 5)
}

func TestHubIDValidation(t *testing.T) {
	s := newServers(t)

	for _, id := range []string{"0", "-1", "2147483647", "abc"} {
		resp, err := http.Get(s.data.URL + "/hubs/" + id + "/data/")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, id)
	}
}

func TestUserEndpointsRequireToken(t *testing.T) {
	s := newServers(t)

	status, _ := s.get(t, "/api/user/devices/", 0)
	assert.Equal(t, http.StatusUnauthorized, status)

	_, resp, err := gwebsocket.DefaultDialer.Dial(wsURL(s.ui, "/user/data/"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHubEndpointChecksOwnership(t *testing.T) {
	s := newServers(t)

	status, _ := s.get(t, "/api/user/hubs/5/", 3)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = s.get(t, "/api/user/hubs/6/", 2)
	assert.Equal(t, http.StatusNotFound, status)

	status, body := s.get(t, "/api/user/hubs/5/", 2)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"5":{"system":{"last_message_at":0,"is_online":false,"ip":null}}}`, body)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newServers(t)

	for _, srv := range []*httptest.Server{s.data, s.ui} {
		resp, err := http.Get(srv.URL + "/healthz")
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `{"status":"ok"}`, string(body))
	}

	status, body := s.get(t, "/metrics", 0)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "relay_snapshot_duration_seconds")
}
