// canbridge - MQTT to CAN bus translation bridge
//
// canbridge subscribes to MQTT command topics, encodes each JSON payload
// into a CAN frame using a table-driven conversion engine, and writes it to
// a SocketCAN interface. Frames read from the bus are decoded with the same
// table and published back to MQTT as JSON state messages.
//
// Configuration is read from configs/canbridge.yaml, or from the file named
// by CANBRIDGE_CONFIG.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nerrad567/canbridge/internal/api"
	"github.com/nerrad567/canbridge/internal/audit"
	"github.com/nerrad567/canbridge/internal/bridges/can"
	"github.com/nerrad567/canbridge/internal/conversion"
	"github.com/nerrad567/canbridge/internal/infrastructure/config"
	"github.com/nerrad567/canbridge/internal/infrastructure/database"
	"github.com/nerrad567/canbridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/canbridge/internal/infrastructure/logging"
	"github.com/nerrad567/canbridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/canbridge/internal/panel"
	"github.com/nerrad567/canbridge/internal/slcan"
	"github.com/nerrad567/canbridge/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/canbridge.yaml"

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
	log.Info("starting canbridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	defer func() {
		_ = log.Close()
	}()
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Conversion table first: a broken table should fail before anything
	// touches the broker or the bus.
	tables, err := conversion.NewStore(cfg.Conversion.Table)
	if err != nil {
		return fmt.Errorf("loading conversion table: %w", err)
	}
	log.Info("conversion table loaded",
		"path", cfg.Conversion.Table,
		"entries", tables.Current().Len(),
	)

	// Database (optional)
	var db *database.DB
	var auditStore *audit.Store
	if cfg.Database.Enabled {
		db, err = database.Open(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		log.Info("database connected", "path", cfg.Database.Path)

		if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
			return fmt.Errorf("running migrations: %w", migrateErr)
		}
		log.Info("database migrations complete")

		auditStore = audit.NewStore(db.DB)
		startup := conversion.ReloadResult{
			Source:  audit.SourceStartup,
			Path:    tables.Path(),
			Entries: tables.Current().Len(),
			At:      time.Now().UTC(),
		}
		if auditErr := auditStore.Record(ctx, audit.TableLoadEntry(audit.ActionTableLoad, startup)); auditErr != nil {
			log.Warn("recording table load failed", "error", auditErr)
		}
		tables.OnReloadResult(audit.Observe(auditStore, log.Component("audit")))
	} else {
		log.Info("database disabled")
	}

	// Hot reload, after the audit observer is registered
	if cfg.Conversion.Watch {
		watcher, watchErr := conversion.NewWatcher(tables, log.Component("table"))
		if watchErr != nil {
			return fmt.Errorf("creating table watcher: %w", watchErr)
		}
		if startErr := watcher.Start(ctx); startErr != nil {
			return fmt.Errorf("starting table watcher: %w", startErr)
		}
		defer watcher.Stop()
	}

	will, err := json.Marshal(can.NewLWTMessage(cfg.Bridge.ID))
	if err != nil {
		return fmt.Errorf("encoding MQTT will: %w", err)
	}
	mqttClient, err := mqtt.Connect(cfg.MQTT,
		mqtt.WithLogger(log.Component("mqtt")),
		mqtt.WithWill(mqtt.Will{
			Topic:    mqtt.Topics{}.BridgeHealth(cfg.Bridge.ID),
			Payload:  will,
			QoS:      byte(cfg.MQTT.QoS),
			Retained: true,
		}),
	)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB, influxdb.WithTag("bridge", cfg.Bridge.ID))
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	// CAN interface: either slcand owns it, or we optionally configure an
	// existing SocketCAN link.
	switch cfg.CAN.Adapter {
	case config.AdapterSlcan:
		slcanManager, startErr := startSlcan(ctx, cfg, log)
		if startErr != nil {
			return fmt.Errorf("starting slcand: %w", startErr)
		}
		defer func() {
			log.Info("stopping slcand")
			if stopErr := slcanManager.Stop(); stopErr != nil {
				log.Error("error stopping slcand", "error", stopErr)
			}
		}()
	default:
		if cfg.CAN.SetupLink {
			if linkErr := can.SetupLink(ctx, can.LinkConfig{
				Interface: cfg.CAN.Interface,
				Bitrate:   cfg.CAN.Bitrate,
			}, log); linkErr != nil {
				return fmt.Errorf("configuring CAN link: %w", linkErr)
			}
		}
	}

	bus, err := can.Dial(ctx, can.Config{
		Interface: cfg.CAN.Interface,
		QueueSize: cfg.Bridge.QueueSize,
	})
	if err != nil {
		return fmt.Errorf("opening CAN interface: %w", err)
	}
	bus.SetLogger(log.Component("socketcan"))
	defer func() {
		log.Info("closing CAN interface")
		if closeErr := bus.Close(); closeErr != nil {
			log.Error("error closing CAN interface", "error", closeErr)
		}
	}()
	log.Info("CAN interface open", "interface", cfg.CAN.Interface)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := can.NewMetrics(reg, bus, tables)

	// Event sinks, in delivery order
	var sinks []can.EventSink

	var recorder *can.Recorder
	if db != nil {
		recorder = can.NewRecorder(db.DB, cfg.Bridge.RecordDrops)
		recorder.SetLogger(log.Component("recorder"))
		if startErr := recorder.Start(); startErr != nil {
			return fmt.Errorf("starting frame recorder: %w", startErr)
		}
		defer recorder.Stop()
		sinks = append(sinks, recorder)
	}

	if influxClient != nil {
		sinks = append(sinks, can.NewTelemetry(influxClient))
	}

	var hub *api.Hub
	if cfg.API.Enabled {
		hub = api.NewHub(cfg.WebSocket, log.Component("monitor"))
		go hub.Run(ctx)
		sinks = append(sinks, hub)
	}

	bridge, err := can.NewBridge(can.BridgeOptions{
		Config: can.BridgeConfig{
			ID:             cfg.Bridge.ID,
			Version:        version,
			StateSuffix:    cfg.Bridge.StateSuffix,
			QoS:            byte(cfg.MQTT.QoS), //nolint:gosec // validated 0-2
			QueueSize:      cfg.Bridge.QueueSize,
			Tunnel:         cfg.Conversion.Tunnel,
			HealthInterval: cfg.GetHealthInterval(),
		},
		MQTTClient: &mqttBridgeAdapter{client: mqttClient},
		Bus:        bus,
		Tables:     tables,
		Logger:     log.Component("bridge"),
		Metrics:    metrics,
		Sinks:      sinks,
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	defer func() {
		log.Info("stopping bridge")
		bridge.Stop()
	}()
	if startErr := bridge.Start(ctx); startErr != nil {
		return fmt.Errorf("starting bridge: %w", startErr)
	}
	log.Info("bridge started", "subscriptions", len(bridge.Subscriptions()))

	// Replace the will the broker may have published while we were away.
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected", "stats", mqttClient.Stats())
		if pubErr := bridge.PublishHealth(); pubErr != nil {
			log.Warn("republishing health failed", "error", pubErr)
		}
	})

	if cfg.API.Enabled {
		deps := api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Logger:   log,
			Tables:   tables,
			Bridge:   bridge,
			MQTT:     mqttClient,
			DB:       sqlDB(db),
			Gatherer: reg,
			Hub:      hub,
			Tunnel:   cfg.Conversion.Tunnel,
			Version:  version,
		}
		if cfg.API.Monitor.Enabled {
			deps.Panel = panel.Handler(cfg.API.Monitor.Dir)
		}
		// Typed nils must not leak into the interface fields.
		if recorder != nil {
			deps.Recorder = recorder
		}
		if auditStore != nil {
			deps.Audit = auditStore
		}

		server, newErr := api.New(deps)
		if newErr != nil {
			return fmt.Errorf("creating API server: %w", newErr)
		}
		if startErr := server.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			log.Info("stopping API server")
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error stopping API server", "error", closeErr)
			}
		}()
		log.Info("API server started", "addr", server.Addr())
	} else {
		log.Info("API server disabled")
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse: API, bridge, recorder, CAN socket,
	// slcand, InfluxDB, MQTT, table watcher, database.
	log.Info("canbridge stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses CANBRIDGE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("CANBRIDGE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

func sqlDB(db *database.DB) *sql.DB {
	if db == nil {
		return nil
	}
	return db.DB
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database to check (may be nil if disabled)
//   - mqttClient: MQTT client to check
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if db != nil {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	// The CAN socket and bridge verify themselves in Dial() and Start().
	return nil
}

// slcanConfig converts the YAML slcan section into the manager's config.
func slcanConfig(cfg *config.Config) slcan.Config {
	s := cfg.CAN.Slcan
	return slcan.Config{
		Binary:             s.Binary,
		Device:             s.Device,
		Interface:          cfg.CAN.Interface,
		Speed:              s.Speed,
		SerialBaud:         s.SerialBaud,
		RestartOnFailure:   s.RestartOnFailure,
		RestartDelay:       time.Duration(s.RestartDelaySeconds) * time.Second,
		MaxRestartAttempts: s.MaxRestartAttempts,
		USBVendorID:        s.USBVendorID,
		USBProductID:       s.USBProductID,
		USBResetOnRetry:    s.USBResetOnRetry,
	}
}

// startSlcan starts slcand and waits for its network interface.
//
// Parameters:
//   - ctx: Context for startup/cancellation
//   - cfg: Application configuration
//   - log: Logger instance
//
// Returns:
//   - *slcan.Manager: Running slcand manager
//   - error: If slcand fails to start or the interface never appears
func startSlcan(ctx context.Context, cfg *config.Config, log *logging.Logger) (*slcan.Manager, error) {
	manager, err := slcan.NewManager(slcanConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("creating slcan manager: %w", err)
	}
	manager.SetLogger(log.Component("slcan"))

	log.Info("starting slcand",
		"device", cfg.CAN.Slcan.Device,
		"interface", cfg.CAN.Interface,
		"speed", cfg.CAN.Slcan.Speed,
	)

	if err := manager.Start(ctx); err != nil {
		return nil, err
	}

	stats := manager.Stats()
	log.Info("slcand started",
		"interface", stats.Interface,
		"bitrate", stats.Bitrate,
		"pid", stats.PID,
	)
	return manager, nil
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to the bridge's
// MQTTClient interface. The difference is the Subscribe handler signature:
// - Infrastructure mqtt: func(topic, payload []byte) error
// - CAN bridge expects: func(topic, payload []byte)
type mqttBridgeAdapter struct {
	client mqttClient
}

// mqttClient is the subset of *mqtt.Client the adapter uses.
type mqttClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// Publish implements can.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements can.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	// Bridge handlers report problems through drop events, not errors.
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// Unsubscribe implements can.MQTTClient.
func (a *mqttBridgeAdapter) Unsubscribe(topic string) error {
	return a.client.Unsubscribe(topic)
}

// IsConnected implements can.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}
