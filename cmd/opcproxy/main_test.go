package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/opcproxy/internal/infrastructure/config"
	"github.com/nerrad567/opcproxy/internal/infrastructure/logging"
	"github.com/nerrad567/opcproxy/internal/server"
)

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("OPCPROXY_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestRun_MQTTBackendWithoutBroker verifies validation rejects an MQTT
// backend when the broker connection is disabled.
func TestRun_MQTTBackendWithoutBroker(t *testing.T) {
	configPath := writeConfig(t, `
proxy:
  port: 9100
backend:
  type: mqtt
mqtt:
  enabled: false
api:
  enabled: false
`)
	t.Setenv("OPCPROXY_CONFIG", configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil || !strings.Contains(err.Error(), "mqtt.enabled") {
		t.Fatalf("run() error = %v, want mqtt.enabled validation error", err)
	}
}

// TestGetConfigPath_Default verifies default config path.
func TestGetConfigPath_Default(t *testing.T) {
	t.Setenv("OPCPROXY_CONFIG", "")

	if path := getConfigPath(); path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

// TestGetConfigPath_EnvOverride verifies environment variable override.
func TestGetConfigPath_EnvOverride(t *testing.T) {
	expected := "/custom/path/config.yaml"
	t.Setenv("OPCPROXY_CONFIG", expected)

	if path := getConfigPath(); path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}

func TestBackendFactory(t *testing.T) {
	log := logging.NewWithWriter(&strings.Builder{}, config.LoggingConfig{Level: "error", Format: "text"}, "test")

	tests := []struct {
		name    string
		typ     string
		wantErr bool
	}{
		{name: "simulated", typ: config.BackendSimulated},
		{name: "opcua", typ: config.BackendOPCUA},
		{name: "mqtt without client", typ: config.BackendMQTT, wantErr: true},
		{name: "unknown", typ: "modbus", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{}
			cfg.Backend.Type = tt.typ

			factory, err := backendFactory(cfg, nil, log)
			if (err != nil) != tt.wantErr {
				t.Fatalf("backendFactory(%q) error = %v, wantErr %v", tt.typ, err, tt.wantErr)
			}
			if !tt.wantErr && factory == nil {
				t.Errorf("backendFactory(%q) returned nil factory", tt.typ)
			}
		})
	}
}

func TestBuildProfile(t *testing.T) {
	log := logging.NewWithWriter(&strings.Builder{}, config.LoggingConfig{Level: "error", Format: "text"}, "test")
	path := writeConfig(t, `
backend:
  type: simulated
  write_retries: 2
persistence:
  enabled: true
items:
  - name: pump_speed
    type: WORD
  - name: spare
    type: BOOL
    enabled: false
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}

	profile, err := buildProfile(cfg, nil, log)
	if err != nil {
		t.Fatalf("buildProfile() error = %v", err)
	}
	if got := len(profile.Settings.Items); got != 1 {
		t.Errorf("len(Settings.Items) = %d, want 1", got)
	}
	if profile.Settings.Retry.Attempts != 2 {
		t.Errorf("Retry.Attempts = %d, want 2", profile.Settings.Retry.Attempts)
	}
	if want := strings.TrimSuffix(path, ".yaml") + ".opc"; profile.PersistencePath != want {
		t.Errorf("PersistencePath = %q, want %q", profile.PersistencePath, want)
	}
	if profile.Factory == nil {
		t.Error("Factory is nil")
	}
}

// TestRun_SimulatedBackendServesClients starts the proxy against the
// simulated backend and performs a write/read round trip.
func TestRun_SimulatedBackendServesClients(t *testing.T) {
	port := freePort(t)
	dbPath := filepath.Join(t.TempDir(), "journal.db")
	configPath := writeConfig(t, fmt.Sprintf(`
proxy:
  host: 127.0.0.1
  port: %d
backend:
  type: simulated
database:
  enabled: true
  path: %q
api:
  enabled: false
logging:
  level: error
  format: text
  output: stderr
items:
  - name: tank_level
    type: WORD
`, port, dbPath))
	t.Setenv("OPCPROXY_CONFIG", configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx) }()

	conn := dialWithRetry(t, fmt.Sprintf("127.0.0.1:%d", port), 5*time.Second)
	defer conn.Close()

	if got := readMsg(t, conn); got != server.ServerHello {
		t.Fatalf("greeting = %q, want %q", got, server.ServerHello)
	}
	send(t, conn, server.ClientHello)
	time.Sleep(100 * time.Millisecond)

	send(t, conn, "ESTSHOPCSVC.WRITE:tank_level:250:WORD")
	if got := readMsg(t, conn); got != "ESTSHOPCSVC.RESULT:250:Good" {
		t.Errorf("WRITE reply = %q, want %q", got, "ESTSHOPCSVC.RESULT:250:Good")
	}

	send(t, conn, "ESTSHOPCSVC.READ:tank_level")
	if got := readMsg(t, conn); got != "ESTSHOPCSVC.RESULT:250:Good" {
		t.Errorf("READ reply = %q, want %q", got, "ESTSHOPCSVC.RESULT:250:Good")
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("run() error = %v, want nil after shutdown", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run() did not return after context cancellation")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "opcproxy.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func dialWithRetry(t *testing.T, addr string, within time.Duration) net.Conn {
	t.Helper()
	deadline := time.Now().Add(within)
	for {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			return conn
		}
		if time.Now().After(deadline) {
			t.Fatalf("dial %s: %v", addr, err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func readMsg(t *testing.T, conn net.Conn) string {
	t.Helper()
	buf := make([]byte, 4096)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(buf[:n])
}

func send(t *testing.T, conn net.Conn, msg string) {
	t.Helper()
	if _, err := conn.Write([]byte(msg)); err != nil {
		t.Fatalf("write %q: %v", msg, err)
	}
}
