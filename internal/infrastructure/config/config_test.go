package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/opcproxy/internal/item"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "opcproxy.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
proxy:
  port: 9200
  client_timeout: 120
backend:
  type: opcua
  host: "plc01"
  channel: "Channel1"
  device: "Device1"
  opcua:
    namespace: 2
persistence:
  enabled: true
items:
  - name: "speed"
    type: "WORD"
    description: "Line speed"
  - name: "running"
    type: "bool"
  - name: "spare"
    type: "STRING"
    enabled: false
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Proxy.Port != 9200 {
		t.Errorf("Proxy.Port = %d, want 9200", cfg.Proxy.Port)
	}
	if cfg.Proxy.HandshakeTimeout != 60 {
		t.Errorf("Proxy.HandshakeTimeout = %d, want default 60", cfg.Proxy.HandshakeTimeout)
	}
	if cfg.Backend.OPCUA.Namespace != 2 {
		t.Errorf("Backend.OPCUA.Namespace = %d, want 2", cfg.Backend.OPCUA.Namespace)
	}
	if cfg.Path() != path {
		t.Errorf("Path() = %q, want %q", cfg.Path(), path)
	}

	wantSnapshot := strings.TrimSuffix(path, ".yaml") + ".opc"
	if got := cfg.PersistencePath(); got != wantSnapshot {
		t.Errorf("PersistencePath() = %q, want %q", got, wantSnapshot)
	}

	defs := cfg.EnabledItems()
	if len(defs) != 2 {
		t.Fatalf("EnabledItems() returned %d items, want 2", len(defs))
	}
	if defs[0].Name != "speed" || defs[0].Type != item.TypeWord || defs[0].Description != "Line speed" {
		t.Errorf("EnabledItems()[0] = %+v", defs[0])
	}
	if defs[1].Type != item.TypeBool {
		t.Errorf("EnabledItems()[1].Type = %v, want BOOL", defs[1].Type)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/opcproxy.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "invalid: [yaml: content")

	_, err := Load(path)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_UnknownItemType(t *testing.T) {
	path := writeConfig(t, `
items:
  - name: "speed"
    type: "FLOAT"
`)

	_, err := Load(path)
	if err == nil {
		t.Error("Load() expected error for unknown item type, got nil")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			modify: func(*Config) {},
		},
		{
			name:    "invalid proxy port",
			modify:  func(c *Config) { c.Proxy.Port = 0 },
			wantErr: "proxy.port",
		},
		{
			name:    "non-positive client timeout",
			modify:  func(c *Config) { c.Proxy.ClientTimeout = 0 },
			wantErr: "proxy.client_timeout",
		},
		{
			name:    "unknown backend type",
			modify:  func(c *Config) { c.Backend.Type = "modbus" },
			wantErr: "backend.type",
		},
		{
			name:    "mqtt backend without mqtt",
			modify:  func(c *Config) { c.Backend.Type = BackendMQTT },
			wantErr: "mqtt.enabled",
		},
		{
			name:    "namespace out of range",
			modify:  func(c *Config) { c.Backend.OPCUA.Namespace = 70000 },
			wantErr: "namespace",
		},
		{
			name: "duplicate item",
			modify: func(c *Config) {
				c.Items = []ItemConfig{
					{Name: "a", Type: item.TypeLong},
					{Name: "a", Type: item.TypeLong},
				}
			},
			wantErr: "duplicate name",
		},
		{
			name: "item name with colon",
			modify: func(c *Config) {
				c.Items = []ItemConfig{{Name: "a:b", Type: item.TypeLong}}
			},
			wantErr: "items[0]",
		},
		{
			name:    "invalid qos",
			modify:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: "mqtt.qos",
		},
		{
			name:    "influxdb without url",
			modify:  func(c *Config) { c.InfluxDB.Enabled = true },
			wantErr: "influxdb.url",
		},
		{
			name:    "api port ignored when disabled",
			modify:  func(c *Config) { c.API.Enabled = false; c.API.Port = 0 },
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ValidateCollectsAllErrors(t *testing.T) {
	cfg := defaultConfig()
	cfg.Proxy.Port = 0
	cfg.MQTT.QoS = 5

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() error = nil")
	}
	if !strings.Contains(err.Error(), "proxy.port") || !strings.Contains(err.Error(), "mqtt.qos") {
		t.Errorf("Validate() error = %q, want both failures", err)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("OPCPROXY_PROXY_PORT", "9300")
	t.Setenv("OPCPROXY_BACKEND_TYPE", "simulated")
	t.Setenv("OPCPROXY_MQTT_HOST", "broker.local")
	t.Setenv("OPCPROXY_PROXY_CLIENT_TIMEOUT", "not-a-number")

	cfg := defaultConfig()
	applyEnvOverrides(cfg)

	if cfg.Proxy.Port != 9300 {
		t.Errorf("Proxy.Port = %d, want 9300", cfg.Proxy.Port)
	}
	if cfg.Backend.Type != BackendSimulated {
		t.Errorf("Backend.Type = %q, want %q", cfg.Backend.Type, BackendSimulated)
	}
	if cfg.MQTT.Broker.Host != "broker.local" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "broker.local")
	}
	if cfg.Proxy.ClientTimeout != 300 {
		t.Errorf("Proxy.ClientTimeout = %d, want default 300 for malformed override", cfg.Proxy.ClientTimeout)
	}
}

func TestConfig_BackendSettings(t *testing.T) {
	cfg := defaultConfig()
	cfg.Backend.Channel = "Channel1"
	cfg.Backend.Device = "Device1"
	cfg.Backend.RetryDelayMS = 50
	cfg.Items = []ItemConfig{{Name: "speed", Type: item.TypeWord}}

	s := cfg.BackendSettings()
	if got := s.ItemPath("speed"); got != "Channel1.Device1.speed" {
		t.Errorf("ItemPath() = %q, want %q", got, "Channel1.Device1.speed")
	}
	if s.Retry.Attempts != 3 || s.Retry.Delay != 50*time.Millisecond {
		t.Errorf("Retry = %+v, want 3 attempts, 50ms", s.Retry)
	}
}

func TestConfig_PersistenceDisabled(t *testing.T) {
	cfg := defaultConfig()
	cfg.Persistence.Path = "/var/lib/opcproxy/items.opc"

	if got := cfg.PersistencePath(); got != "" {
		t.Errorf("PersistencePath() = %q, want empty when disabled", got)
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := defaultConfig()

	if got := cfg.GetReadTimeout(); got != 30*time.Second {
		t.Errorf("GetReadTimeout() = %v, want 30s", got)
	}
	if got := cfg.GetWriteTimeout(); got != 30*time.Second {
		t.Errorf("GetWriteTimeout() = %v, want 30s", got)
	}
	if got := cfg.GetIdleTimeout(); got != 60*time.Second {
		t.Errorf("GetIdleTimeout() = %v, want 60s", got)
	}
	if got := cfg.ListenAddr(); got != "0.0.0.0:9100" {
		t.Errorf("ListenAddr() = %q, want %q", got, "0.0.0.0:9100")
	}
}
