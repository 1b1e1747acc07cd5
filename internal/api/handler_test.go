//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ashureev/anm-bot/internal/domain"
	"github.com/ashureev/anm-bot/internal/hub"
	"github.com/ashureev/anm-bot/internal/store"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

type fakeSession struct {
	view     domain.SessionView
	startErr error
	calls    []string
}

func (s *fakeSession) View() domain.SessionView { return s.view }
func (s *fakeSession) State() domain.Event      { return s.view.State() }
func (s *fakeSession) Start(context.Context) error {
	s.calls = append(s.calls, "start")
	return s.startErr
}
func (s *fakeSession) Stop(context.Context) error  { s.calls = append(s.calls, "stop"); return nil }
func (s *fakeSession) Reset(context.Context) error { s.calls = append(s.calls, "reset"); return nil }

type fakeChats int

func (c fakeChats) Len() int { return int(c) }

type nopObserver struct{ id string }

func (o nopObserver) ID() string              { return o.id }
func (o nopObserver) Send(domain.Event) error { return nil }
func (o nopObserver) Close(string) error      { return nil }

type apiFixture struct {
	router  chi.Router
	session *fakeSession
	hub     *hub.Hub
	repo    *store.SQLiteStore
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	session := &fakeSession{view: domain.SessionView{Status: domain.StatusAwaitingAuth, QRCode: "2@qr", ClientActive: true}}
	h := hub.New(session, nil)
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	handler := NewHandler(session, h, fakeChats(3), repo)
	r := chi.NewRouter()
	handler.RegisterHealth(r)
	handler.RegisterRoutes(r)
	return &apiFixture{router: r, session: session, hub: h, repo: repo}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var got map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	}
	return rec, got
}

func TestRoot(t *testing.T) {
	f := newAPIFixture(t)
	rec, _ := f.do(t, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ANM Bot Server Running", rec.Body.String())
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	f.hub.Attach(nopObserver{id: "a"})
	f.hub.Attach(nopObserver{id: "b"})

	rec, got := f.do(t, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", got["status"])
	assert.Equal(t, true, got["clientActive"])
	assert.Equal(t, float64(2), got["observerCount"])
	assert.NotEmpty(t, got["timestamp"])
	checks := got["checks"].(map[string]interface{})
	assert.Equal(t, "ok", checks["database"])
	assert.Equal(t, "awaiting_auth", checks["session"])
}

func TestHealth_DatabaseDown(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.repo.Close())

	rec, got := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", got["status"])
}

func TestGetState(t *testing.T) {
	f := newAPIFixture(t)

	rec, got := f.do(t, http.MethodGet, "/api/state", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	state := got["state"].(map[string]interface{})
	assert.Equal(t, "qr", state["type"])
	assert.Equal(t, "2@qr", state["code"])
	assert.Equal(t, float64(3), got["activeChats"])
}

func TestPostCommand(t *testing.T) {
	f := newAPIFixture(t)

	rec, got := f.do(t, http.MethodPost, "/api/commands", `{"type":"ping"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", got["reply"].(map[string]interface{})["type"])

	rec, got = f.do(t, http.MethodPost, "/api/commands", `{"type":"reset"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "reset", got["command"])
	assert.Equal(t, []string{"reset"}, f.session.calls)
}

func TestPostCommand_Malformed(t *testing.T) {
	f := newAPIFixture(t)
	for _, body := range []string{``, `nope`, `{"type":"explode"}`} {
		rec, got := f.do(t, http.MethodPost, "/api/commands", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.Contains(t, got["error"], "malformed command")
	}
	assert.Empty(t, f.session.calls)
}

func TestPostCommand_StartFailure(t *testing.T) {
	f := newAPIFixture(t)
	f.session.startErr = errors.Join(domain.ErrTransportConstruction, errors.New("no device"))

	rec, got := f.do(t, http.MethodPost, "/api/commands", `{"type":"start"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, got["error"], "no device")
}

func TestListEventsAndHandoffs(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	require.NoError(t, f.repo.RecordLifecycleEvent(ctx, domain.Event{Type: domain.EventReady}, time.Now()))
	require.NoError(t, f.repo.RecordHandoff(ctx, "5215550001@s.whatsapp.net", "combo:2", time.Now()))
	require.NoError(t, f.repo.RecordHandoff(ctx, "5215550002@s.whatsapp.net", "menu", time.Now()))

	rec, got := f.do(t, http.MethodGet, "/api/events", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, got["events"], 1)

	rec, got = f.do(t, http.MethodGet, "/api/handoffs?limit=1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	handoffs := got["handoffs"].([]interface{})
	require.Len(t, handoffs, 1)
	assert.Equal(t, "menu", handoffs[0].(map[string]interface{})["source"])
}

func TestHealthReporter(t *testing.T) {
	srv, reporter := NewGRPCServer()
	defer srv.Stop()
	ctx := context.Background()
	check := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := reporter.server.Check(ctx, &healthpb.HealthCheckRequest{Service: SessionServiceName})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())

	reporter.Publish(domain.Event{Type: domain.EventReady})
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check())

	reporter.Publish(domain.Event{Type: domain.EventAuthenticated})
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check())

	reporter.Publish(domain.Disconnected("connection_lost"))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())
}
