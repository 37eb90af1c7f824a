package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/opcproxy/internal/infrastructure/config"
)

const (
	connectTimeout      = 10 * time.Second
	operationTimeout    = 5 * time.Second
	disconnectQuiesceMS = 1000
	keepAlive           = 60 * time.Second

	maxQoS = 2

	// maxPayloadSize caps outbound messages at 1MB.
	maxPayloadSize = 1 << 20
)

// Presence states.
const (
	presenceOnline  = "online"
	presenceOffline = "offline"
)

func brokerURL(cfg config.MQTTConfig) string {
	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port)
}

// newClientOptions maps the mqtt config section onto paho options: clean
// session, auto-reconnect bounded by reconnect.initial_delay/max_delay,
// optional credentials and TLS 1.2+, and a retained Last Will on the
// presence topic.
func newClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions().
		AddBroker(brokerURL(cfg)).
		SetClientID(cfg.Broker.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(config.Seconds(cfg.Reconnect.InitialDelay)).
		SetMaxReconnectInterval(config.Seconds(cfg.Reconnect.MaxDelay)).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(keepAlive).
		SetWill(Topics{}.Presence(), presencePayload(presenceOffline, cfg.Broker.ClientID, "connection_lost"), 1, true)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}
	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	return opts
}

// Presence is the retained payload on Topics.Presence.
type Presence struct {
	State    string `json:"state"`
	Service  string `json:"service"`
	ClientID string `json:"client_id"`
	Reason   string `json:"reason,omitempty"`
	Since    string `json:"since"`
}

func presencePayload(state, clientID, reason string) string {
	data, _ := json.Marshal(Presence{ //nolint:errchkjson // string fields only
		State:    state,
		Service:  "opcproxy",
		ClientID: clientID,
		Reason:   reason,
		Since:    time.Now().UTC().Format(time.RFC3339),
	})
	return string(data)
}

// await waits for tok within d.
func await(tok pahomqtt.Token, d time.Duration) error {
	if !tok.WaitTimeout(d) {
		return fmt.Errorf("%w after %v", ErrTimeout, d)
	}
	return tok.Error()
}
