package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/opcproxy/internal/backend"
	"github.com/nerrad567/opcproxy/internal/backend/simulated"
	"github.com/nerrad567/opcproxy/internal/dispatch"
	"github.com/nerrad567/opcproxy/internal/infrastructure/config"
	"github.com/nerrad567/opcproxy/internal/infrastructure/database"
	"github.com/nerrad567/opcproxy/internal/infrastructure/logging"
	"github.com/nerrad567/opcproxy/internal/item"
	"github.com/nerrad567/opcproxy/internal/journal"
	"github.com/nerrad567/opcproxy/internal/metrics"
	"github.com/nerrad567/opcproxy/internal/store"
	"github.com/nerrad567/opcproxy/migrations"
)

type testEnv struct {
	srv      *Server
	router   http.Handler
	d        *dispatch.Dispatcher
	sim      *simulated.Backend
	reloads  int
	reloadMu sync.Mutex
}

func testItems() []item.Definition {
	return []item.Definition{
		{Name: "flag", Type: item.TypeBool},
		{Name: "speed", Type: item.TypeWord, Description: "conveyor speed"},
	}
}

// testServer creates a Server backed by a dispatcher on the simulated
// backend, a migrated SQLite journal and a fresh Prometheus registry.
func testServer(t *testing.T, mutate func(*Deps)) *testEnv {
	t.Helper()
	env := &testEnv{}

	db, err := database.Open(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "api.db"), BusyTimeout: 5})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	repo := journal.NewSQLiteRepository(db.DB)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	d, err := dispatch.New(dispatch.Options{Store: store.New(), Journal: repo, Metrics: m})
	if err != nil {
		t.Fatalf("dispatch.New() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })

	profile := dispatch.Profile{
		Settings: backend.Settings{Items: testItems(), Retry: backend.RetryPolicy{Attempts: 1}},
		Factory: func(s backend.Settings) (backend.Backend, error) {
			env.sim = simulated.New(s)
			return env.sim, nil
		},
		PersistencePath: filepath.Join(t.TempDir(), "config.opc"),
	}
	if err := d.LoadGeneration(context.Background(), profile); err != nil {
		t.Fatalf("LoadGeneration() error = %v", err)
	}

	log := logging.NewWithWriter(io.Discard, config.LoggingConfig{Level: "error"}, "test")
	deps := Deps{
		Config:   config.APIConfig{Host: "127.0.0.1", Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5}},
		WS:       config.WebSocketConfig{Path: "/ws", MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10},
		Logger:   log,
		Operator: d,
		Journal:  repo,
		Gatherer: reg,
		Reload: func(ctx context.Context) error {
			env.reloadMu.Lock()
			env.reloads++
			env.reloadMu.Unlock()
			return d.ReloadConfiguration(ctx, profile)
		},
		Version: "test",
	}
	if mutate != nil {
		mutate(&deps)
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	d.AddObserver(srv.Hub())

	env.srv = srv
	env.router = srv.buildRouter()
	env.d = d
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response %q: %v", w.Body.String(), err)
	}
	return resp
}

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("New() without logger should fail")
	}
	if _, err := New(Deps{Logger: logging.Default()}); err == nil {
		t.Error("New() without operator should fail")
	}
}

// ─── Health and Status ─────────────────────────────────────────────

func TestHealth(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(t, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	resp := decode(t, w)
	if resp["status"] != "ok" || resp["version"] != "test" {
		t.Errorf("health = %v, want status ok version test", resp)
	}
}

func TestHealth_Degraded(t *testing.T) {
	env := testServer(t, func(d *Deps) {
		d.Health = []HealthCheck{
			{Name: "database", Check: func(context.Context) error { return nil }},
			{Name: "mqtt", Check: func(context.Context) error { return errors.New("not connected") }},
		}
	})

	w := env.do(t, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("health status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	resp := decode(t, w)
	checks, _ := resp["checks"].(map[string]any)
	if resp["status"] != "degraded" || checks["mqtt"] != "not connected" || checks["database"] != "ok" {
		t.Errorf("health = %v", resp)
	}
}

func TestStatus(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(t, http.MethodGet, "/api/v1/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	proxy, _ := decode(t, w)["proxy"].(map[string]any)
	if proxy["backend"] != simulated.Kind {
		t.Errorf("backend = %v, want %s", proxy["backend"], simulated.Kind)
	}
	if proxy["items"] != float64(2) || proxy["generation"] != float64(1) {
		t.Errorf("items/generation = %v/%v, want 2/1", proxy["items"], proxy["generation"])
	}
}

// ─── Items ─────────────────────────────────────────────────────────

func TestListItems(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(t, http.MethodGet, "/api/v1/items", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	resp := decode(t, w)
	if resp["count"] != float64(2) {
		t.Errorf("count = %v, want 2", resp["count"])
	}
}

func TestGetItem(t *testing.T) {
	env := testServer(t, nil)

	tests := []struct {
		path string
		want int
	}{
		{"/api/v1/items/speed", http.StatusOK},
		{"/api/v1/items/ghost", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := env.do(t, http.MethodGet, tt.path, "")
			if w.Code != tt.want {
				t.Errorf("GET %s = %d, want %d", tt.path, w.Code, tt.want)
			}
		})
	}

	resp := decode(t, env.do(t, http.MethodGet, "/api/v1/items/speed", ""))
	if resp["type"] != "WORD" || resp["description"] != "conveyor speed" || resp["quality"] != "Good" {
		t.Errorf("item = %v", resp)
	}
}

func TestErrorResponseShape(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(t, http.MethodGet, "/api/v1/items/ghost", "")
	var body ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	if body.Error.Code != ErrCodeNotFound || body.Error.Message != "item not found" {
		t.Errorf("error body = %+v, want code %q", body, ErrCodeNotFound)
	}
}

func TestWriteItem(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(t, http.MethodPut, "/api/v1/items/speed", `{"value":"120"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("PUT status = %d, body %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["value"] != "120" || resp["write_count"] != float64(1) {
		t.Errorf("item after write = %v", resp)
	}
}

func TestWriteItem_Errors(t *testing.T) {
	env := testServer(t, nil)
	env.sim.Reject("flag", errors.New("plc offline"))

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"invalid json", "/api/v1/items/speed", `{`, http.StatusBadRequest},
		{"unknown item", "/api/v1/items/ghost", `{"value":"1"}`, http.StatusNotFound},
		{"unknown type", "/api/v1/items/speed", `{"value":"1","type":"FLOAT"}`, http.StatusBadRequest},
		{"invalid value", "/api/v1/items/speed", `{"value":"fast"}`, http.StatusBadRequest},
		{"backend rejects", "/api/v1/items/flag", `{"value":"true"}`, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPut, tt.path, tt.body)
			if w.Code != tt.want {
				t.Errorf("PUT %s %s = %d, want %d (%s)", tt.path, tt.body, w.Code, tt.want, w.Body.String())
			}
		})
	}
}

// ─── Snapshot, Reload, Journal ─────────────────────────────────────

func TestSnapshot_SaveAndLoad(t *testing.T) {
	env := testServer(t, nil)
	path := filepath.Join(t.TempDir(), "manual.opc")

	if w := env.do(t, http.MethodPut, "/api/v1/items/speed", `{"value":"55"}`); w.Code != http.StatusOK {
		t.Fatalf("PUT status = %d", w.Code)
	}

	w := env.do(t, http.MethodPost, "/api/v1/snapshot/save", `{"path":"`+path+`"}`)
	if w.Code != http.StatusOK || decode(t, w)["path"] != path {
		t.Fatalf("save = %d %s", w.Code, w.Body.String())
	}

	if w := env.do(t, http.MethodPut, "/api/v1/items/speed", `{"value":"1"}`); w.Code != http.StatusOK {
		t.Fatalf("PUT status = %d", w.Code)
	}

	w = env.do(t, http.MethodPost, "/api/v1/snapshot/load", `{"path":"`+path+`"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("load = %d %s", w.Code, w.Body.String())
	}
	if decode(t, w)["applied"] != float64(2) {
		t.Errorf("applied = %v, want 2", decode(t, w)["applied"])
	}

	resp := decode(t, env.do(t, http.MethodGet, "/api/v1/items/speed", ""))
	if resp["value"] != "55" {
		t.Errorf("speed after load = %v, want 55", resp["value"])
	}
}

func TestSnapshot_LoadErrors(t *testing.T) {
	env := testServer(t, nil)

	if w := env.do(t, http.MethodPost, "/api/v1/snapshot/load", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("load without path = %d, want 400", w.Code)
	}
	missing := filepath.Join(t.TempDir(), "missing.opc")
	if w := env.do(t, http.MethodPost, "/api/v1/snapshot/load", `{"path":"`+missing+`"}`); w.Code != http.StatusNotFound {
		t.Errorf("load missing = %d, want 404", w.Code)
	}
}

func TestSnapshot_SaveEmptyBody(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(t, http.MethodPost, "/api/v1/snapshot/save", "")
	if w.Code != http.StatusOK {
		t.Fatalf("save = %d %s", w.Code, w.Body.String())
	}
	if p, _ := decode(t, w)["path"].(string); !strings.HasSuffix(p, ".opc") {
		t.Errorf("path = %q, want timestamped .opc", p)
	}
}

func TestReload(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(t, http.MethodPost, "/api/v1/reload", "")
	if w.Code != http.StatusOK {
		t.Fatalf("reload = %d %s", w.Code, w.Body.String())
	}
	if decode(t, w)["generation"] != float64(2) {
		t.Errorf("generation = %v, want 2", decode(t, w)["generation"])
	}
	if env.reloads != 1 {
		t.Errorf("reloads = %d, want 1", env.reloads)
	}
}

func TestReload_NotConfigured(t *testing.T) {
	env := testServer(t, func(d *Deps) { d.Reload = nil })

	if w := env.do(t, http.MethodPost, "/api/v1/reload", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("reload = %d, want 503", w.Code)
	}
}

func TestJournal(t *testing.T) {
	env := testServer(t, nil)
	env.sim.Reject("flag", errors.New("plc offline"))

	env.do(t, http.MethodPut, "/api/v1/items/speed", `{"value":"9"}`)
	env.do(t, http.MethodPut, "/api/v1/items/flag", `{"value":"true"}`)

	w := env.do(t, http.MethodGet, "/api/v1/journal?source=operator&failed=true", "")
	if w.Code != http.StatusOK {
		t.Fatalf("journal = %d %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["total"] != float64(1) {
		t.Fatalf("total = %v, want 1", resp["total"])
	}
	entries, _ := resp["entries"].([]any)
	first, _ := entries[0].(map[string]any)
	if first["item"] != "flag" || first["success"] != false {
		t.Errorf("entry = %v, want failed flag write", first)
	}

	if w := env.do(t, http.MethodGet, "/api/v1/journal?limit=-1", ""); w.Code != http.StatusBadRequest {
		t.Errorf("journal with bad limit = %d, want 400", w.Code)
	}
}

// ─── Metrics, CORS, WebSocket ──────────────────────────────────────

func TestMetrics(t *testing.T) {
	env := testServer(t, nil)
	env.do(t, http.MethodPut, "/api/v1/items/speed", `{"value":"3"}`)

	w := env.do(t, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics = %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{"opcproxy_backend_writes_total", "opcproxy_items 2"} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	env := testServer(t, func(d *Deps) { d.Config.CORS.AllowedOrigins = []string{"http://hmi.local"} })

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/items", nil)
	req.Header.Set("Origin", "http://hmi.local")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://hmi.local" {
		t.Errorf("Allow-Origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/items", nil)
	req.Header.Set("Origin", "http://evil.local")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin for unlisted origin = %q, want empty", got)
	}
}

func TestRequestIDHeader(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(t, http.MethodGet, "/api/v1/health", "")
	if id := w.Header().Get("X-Request-ID"); !strings.HasPrefix(id, "req-") {
		t.Errorf("X-Request-ID = %q, want req- prefix", id)
	}
}

func dialFeed(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(env.router)
	t.Cleanup(ts.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) FeedMessage {
	t.Helper()
	//nolint:errcheck // test deadline
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg FeedMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return msg
}

func TestWebSocket_SnapshotThenChanges(t *testing.T) {
	env := testServer(t, nil)
	conn := dialFeed(t, env)

	first := readFrame(t, conn)
	if first.Type != FeedSnapshot || len(first.Snapshot) != 2 {
		t.Fatalf("first frame = %+v, want snapshot of 2 items", first)
	}

	if err := env.d.WriteItem(context.Background(), "speed", "77", item.TypeWord); err != nil {
		t.Fatalf("WriteItem() error = %v", err)
	}

	msg := readFrame(t, conn)
	if msg.Type != FeedChange || msg.Change == nil {
		t.Fatalf("frame = %+v, want change", msg)
	}
	if msg.Change.Name != "speed" || msg.Change.Value != "77" || msg.Change.Source != item.SourceOperator {
		t.Errorf("change = %+v", *msg.Change)
	}
}

func TestWebSocket_WatchFiltersItems(t *testing.T) {
	env := testServer(t, nil)
	conn := dialFeed(t, env)
	_ = readFrame(t, conn) // snapshot

	if err := conn.WriteJSON(FeedMessage{Type: FeedWatch, ID: "w1", Items: []string{"flag"}}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if ack := readFrame(t, conn); ack.Type != FeedAck || ack.ID != "w1" {
		t.Fatalf("reply = %+v, want ack w1", ack)
	}

	ctx := context.Background()
	if err := env.d.WriteItem(ctx, "speed", "5", item.TypeWord); err != nil {
		t.Fatalf("WriteItem(speed) error = %v", err)
	}
	if err := env.d.WriteItem(ctx, "flag", "true", item.TypeBool); err != nil {
		t.Fatalf("WriteItem(flag) error = %v", err)
	}

	msg := readFrame(t, conn)
	if msg.Change == nil || msg.Change.Name != "flag" {
		t.Errorf("frame = %+v, want only the watched flag change", msg)
	}
}

func TestWebSocket_Ping(t *testing.T) {
	env := testServer(t, nil)
	conn := dialFeed(t, env)
	_ = readFrame(t, conn) // snapshot

	if err := conn.WriteJSON(FeedMessage{Type: FeedPing, ID: "p1"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if msg := readFrame(t, conn); msg.Type != FeedPong || msg.ID != "p1" {
		t.Errorf("reply = %+v, want pong p1", msg)
	}

	if err := conn.WriteJSON(map[string]string{"type": "subscribe"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if msg := readFrame(t, conn); msg.Type != FeedError {
		t.Errorf("reply to unknown frame = %+v, want error", msg)
	}
}
