// OPC Proxy - plaintext TCP gateway to industrial device registers.
//
// This is the main entry point. The proxy serves the ESTSHOPC protocol to
// legacy clients and forwards reads and writes to a device backend (OPC UA,
// an MQTT field gateway, or the in-memory simulator), with an operator HTTP
// API alongside.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nerrad567/opcproxy/internal/api"
	"github.com/nerrad567/opcproxy/internal/backend"
	"github.com/nerrad567/opcproxy/internal/backend/mqttgw"
	"github.com/nerrad567/opcproxy/internal/backend/opcua"
	"github.com/nerrad567/opcproxy/internal/backend/simulated"
	"github.com/nerrad567/opcproxy/internal/dispatch"
	"github.com/nerrad567/opcproxy/internal/infrastructure/config"
	"github.com/nerrad567/opcproxy/internal/infrastructure/database"
	"github.com/nerrad567/opcproxy/internal/infrastructure/influxdb"
	"github.com/nerrad567/opcproxy/internal/infrastructure/logging"
	"github.com/nerrad567/opcproxy/internal/infrastructure/mqtt"
	"github.com/nerrad567/opcproxy/internal/journal"
	"github.com/nerrad567/opcproxy/internal/metrics"
	"github.com/nerrad567/opcproxy/internal/notify"
	"github.com/nerrad567/opcproxy/internal/server"
	"github.com/nerrad567/opcproxy/internal/store"
	"github.com/nerrad567/opcproxy/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // linear startup sequence
	log := logging.Default()
	log.Info("starting OPC Proxy",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"items", len(cfg.EnabledItems()),
		"backend", cfg.Backend.Type,
	)

	var health []api.HealthCheck

	// Write journal (optional)
	var journalRepo *journal.SQLiteRepository
	if cfg.Database.Enabled {
		db, openErr := database.Open(cfg.Database)
		if openErr != nil {
			return fmt.Errorf("opening database: %w", openErr)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
			return fmt.Errorf("running migrations: %w", migrateErr)
		}
		journalRepo = journal.NewSQLiteRepository(db.DB)
		health = append(health, api.HealthCheck{Name: "database", Check: db.HealthCheck})
		log.Info("write journal enabled", "path", db.Path())
	}

	// MQTT broker (optional unless the backend is the MQTT gateway)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.Component("mqtt"))
		mqttClient.SetOnConnect(func() { log.Info("MQTT reconnected") })
		mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
		health = append(health, api.HealthCheck{Name: "mqtt", Check: mqttClient.HealthCheck})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	}

	// InfluxDB item history (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		health = append(health, api.HealthCheck{Name: "influxdb", Check: influxClient.HealthCheck})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// Dispatcher and observers
	values := store.New()
	dispatchOpts := dispatch.Options{
		Store:   values,
		Logger:  log.Component("dispatch"),
		Metrics: m,
	}
	if journalRepo != nil {
		dispatchOpts.Journal = journalRepo
	}
	dispatcher, err := dispatch.New(dispatchOpts)
	if err != nil {
		return fmt.Errorf("creating dispatcher: %w", err)
	}
	dispatcher.AddObserver(dispatch.ObserverFunc(m.ItemChanged))
	if influxClient != nil {
		dispatcher.AddObserver(dispatch.ObserverFunc(influxClient.ItemChanged))
	}

	if mqttClient != nil && cfg.MQTT.PublishState {
		publisher := notify.NewStatePublisher(mqttClient, 0, log.Component("notify"))
		dispatcher.AddObserver(publisher)

		pubCtx, pubCancel := context.WithCancel(ctx)
		pubDone := make(chan struct{})
		go func() {
			publisher.Run(pubCtx)
			close(pubDone)
		}()
		defer func() {
			pubCancel()
			<-pubDone
			log.Info("state publisher stopped", "published", publisher.Published(), "dropped", publisher.Dropped())
		}()
	}

	profile, err := buildProfile(cfg, mqttClient, log)
	if err != nil {
		return err
	}
	if err := dispatcher.LoadGeneration(ctx, profile); err != nil {
		return fmt.Errorf("loading configuration generation: %w", err)
	}
	defer func() {
		log.Info("closing backend")
		if closeErr := dispatcher.Close(); closeErr != nil {
			log.Error("error closing backend", "error", closeErr)
		}
	}()

	// Protocol server
	listener, err := server.New(server.Options{
		Addr:             cfg.ListenAddr(),
		ClientTimeout:    config.Seconds(cfg.Proxy.ClientTimeout),
		HandshakeTimeout: config.Seconds(cfg.Proxy.HandshakeTimeout),
		ReapInterval:     config.Seconds(cfg.Proxy.ReapInterval),
		SocketTimeout:    config.Seconds(cfg.Proxy.SocketTimeout),
		Values:           values,
		Writes:           dispatcher,
		Logger:           log.Component("server"),
		Metrics:          m,
	})
	if err != nil {
		return fmt.Errorf("creating protocol server: %w", err)
	}
	if err := listener.Start(ctx); err != nil {
		return fmt.Errorf("starting protocol server: %w", err)
	}
	defer listener.Terminate()
	dispatcher.SetSessionSource(listener)

	reload := func(ctx context.Context) error {
		return dispatcher.Reload(ctx, func() (dispatch.Profile, error) {
			next, loadErr := config.Load(configPath)
			if loadErr != nil {
				return dispatch.Profile{}, fmt.Errorf("loading config: %w", loadErr)
			}
			return buildProfile(next, mqttClient, log)
		})
	}

	// Operator API (optional)
	if cfg.API.Enabled {
		apiDeps := api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Logger:   log.Component("api"),
			Operator: dispatcher,
			Reload:   reload,
			Gatherer: reg,
			Health:   health,
			Version:  version,
		}
		if journalRepo != nil {
			apiDeps.Journal = journalRepo
		}
		apiServer, apiErr := api.New(apiDeps)
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		dispatcher.AddObserver(apiServer.Hub())
		if startErr := apiServer.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	go reloadOnHangup(ctx, reload, log)

	log.Info("initialisation complete, waiting for shutdown signal", "listen", cfg.ListenAddr())
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses OPCPROXY_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("OPCPROXY_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// buildProfile assembles the reloadable dispatcher profile for cfg.
//
// Parameters:
//   - cfg: Loaded and validated configuration
//   - mqttClient: Shared broker client (nil when MQTT is disabled)
//   - log: Logger instance
//
// Returns:
//   - dispatch.Profile: Backend settings, factory and snapshot path
//   - error: If the backend type is unknown
func buildProfile(cfg *config.Config, mqttClient *mqtt.Client, log *logging.Logger) (dispatch.Profile, error) {
	factory, err := backendFactory(cfg, mqttClient, log.Component("backend"))
	if err != nil {
		return dispatch.Profile{}, err
	}
	return dispatch.Profile{
		Settings:        cfg.BackendSettings(),
		Factory:         factory,
		PersistencePath: cfg.PersistencePath(),
	}, nil
}

// backendFactory selects the adapter named by backend.type.
func backendFactory(cfg *config.Config, mqttClient *mqtt.Client, log *logging.Logger) (backend.Factory, error) {
	switch cfg.Backend.Type {
	case config.BackendOPCUA:
		ua := cfg.Backend.OPCUA
		return opcua.NewFactory(opcua.Config{
			Endpoint:        ua.Endpoint,
			Namespace:       uint16(ua.Namespace), //nolint:gosec // validated to 0..65535
			SecurityMode:    ua.SecurityMode,
			SecurityPolicy:  ua.SecurityPolicy,
			Username:        ua.Username,
			Password:        ua.Password,
			PublishInterval: time.Duration(ua.PublishIntervalMS) * time.Millisecond,
		}, log), nil

	case config.BackendMQTT:
		if mqttClient == nil {
			return nil, fmt.Errorf("backend type %q requires mqtt.enabled", cfg.Backend.Type)
		}
		return mqttgw.NewFactory(mqttClient, mqttgw.Config{
			QoS:        byte(cfg.MQTT.QoS), //nolint:gosec // validated to 0..2
			AckTimeout: config.Seconds(cfg.Backend.MQTT.AckTimeout),
		}, log), nil

	case config.BackendSimulated:
		return simulated.Factory, nil

	default:
		return nil, fmt.Errorf("unknown backend type %q", cfg.Backend.Type)
	}
}

// reloadOnHangup reloads the configuration on every SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, reload func(context.Context) error, log *logging.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			log.Info("SIGHUP received, reloading configuration")
			if err := reload(ctx); err != nil {
				log.Error("configuration reload failed", "error", err)
				continue
			}
			log.Info("configuration reloaded")
		}
	}
}
