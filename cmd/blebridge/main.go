// BLE Bridge - Bluetooth Low Energy to MQTT
//
// This is the main entry point for the BLE bridge. The bridge connects a
// fleet of Bluetooth Low Energy peripherals to an MQTT broker:
//   - One supervisor per configured peripheral, with failure-aware backoff
//   - Home Assistant MQTT discovery for every device entity
//   - Host adapter recovery when the Bluetooth stack wedges
//   - Optional connection journal (SQLite) and state telemetry (InfluxDB)
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/nerrad567/gray-logic-ble/migrations"

	"github.com/nerrad567/gray-logic-ble/internal/bluez"
	"github.com/nerrad567/gray-logic-ble/internal/bridges/ble"
	"github.com/nerrad567/gray-logic-ble/internal/devices"
	"github.com/nerrad567/gray-logic-ble/internal/discovery"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-ble/internal/journal"
	"github.com/nerrad567/gray-logic-ble/internal/telemetry"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting BLE bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Build the device fleet from configuration
	fleet, err := buildDevices(cfg.Devices, log)
	if err != nil {
		return fmt.Errorf("building devices: %w", err)
	}
	log.Info("devices configured", "count", len(fleet))

	// Open the connection journal (optional)
	var events ble.EventRecorder
	if cfg.Journal.Enabled {
		db, err := database.Open(database.Config{
			Path:        cfg.Journal.Path,
			WALMode:     cfg.Journal.WALMode,
			BusyTimeout: cfg.Journal.BusyTimeout,
		})
		if err != nil {
			return fmt.Errorf("opening journal database: %w", err)
		}
		defer func() {
			log.Info("closing journal database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing journal database", "error", closeErr)
			}
		}()

		if migrateErr := db.Migrate(ctx); migrateErr != nil {
			return fmt.Errorf("running migrations: %w", migrateErr)
		}
		log.Info("journal database ready", "path", cfg.Journal.Path)

		repo := journal.NewRepository(db.DB)
		if cfg.Journal.RetentionDays > 0 {
			cutoff := time.Now().AddDate(0, 0, -cfg.Journal.RetentionDays)
			pruned, pruneErr := repo.Prune(ctx, cutoff)
			if pruneErr != nil {
				log.Warn("journal prune failed", "error", pruneErr)
			} else if pruned > 0 {
				log.Info("journal pruned",
					"entries", pruned,
					"older_than_days", cfg.Journal.RetentionDays,
				)
			}
		}
		events = &journalRecorder{repo: repo}
	} else {
		log.Info("journal disabled")
	}

	// Connect to InfluxDB telemetry (optional)
	var states ble.StateRecorder
	if cfg.Telemetry.Enabled {
		influxClient, err := influxdb.Connect(cfg.Telemetry)
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
		log.Info("InfluxDB connected",
			"url", cfg.Telemetry.URL,
			"org", cfg.Telemetry.Org,
			"bucket", cfg.Telemetry.Bucket,
		)
		states = &stateRecorder{rec: telemetry.NewRecorder(influxClient)}
	} else {
		log.Info("telemetry disabled")
	}

	// Adapter restart monitor, shared by the scanner and every supervisor
	monitor := bluez.NewMonitor(bluez.Config{Adapter: cfg.Bluetooth.Adapter})
	monitor.SetLogger(log)

	// Host Bluetooth stack
	stack, err := ble.NewStack(cfg.Bluetooth.Adapter, cfg.Bluetooth.PassiveScan, log)
	if err != nil {
		return fmt.Errorf("opening Bluetooth adapter %s: %w", cfg.Bluetooth.Adapter, err)
	}
	defer func() {
		log.Info("closing Bluetooth adapter")
		if closeErr := stack.Close(); closeErr != nil {
			log.Error("error closing Bluetooth adapter", "error", closeErr)
		}
	}()
	log.Info("Bluetooth adapter ready",
		"adapter", cfg.Bluetooth.Adapter,
		"passive_scan", cfg.Bluetooth.PassiveScan,
	)

	// Home Assistant discovery (optional)
	var publisher ble.ConfigPublisher
	if cfg.Discovery.Enabled {
		pub, err := discovery.NewPublisher(discovery.Config{
			Prefix:                  cfg.Discovery.Prefix,
			ConfigPrefix:            cfg.Discovery.ConfigPrefix,
			BaseTopic:               cfg.MQTT.BaseTopic,
			BridgeAvailabilityTopic: mqtt.Topics{Base: cfg.MQTT.BaseTopic}.BridgeState(),
			Version:                 version,
			QoS:                     byte(cfg.MQTT.QoS),
		})
		if err != nil {
			return fmt.Errorf("creating discovery publisher: %w", err)
		}
		publisher = pub
	} else {
		log.Info("discovery disabled")
	}

	// The fleet dials a fresh broker session for every connection epoch,
	// so the dialer captures the config rather than a live client.
	dialBroker := func(_ context.Context) (ble.BrokerClient, error) {
		client, err := mqtt.Connect(cfg.MQTT)
		if err != nil {
			return nil, err
		}
		client.SetLogger(log)
		return &brokerSession{client: client}, nil
	}

	coordinator, err := ble.NewFleetCoordinator(ble.FleetOptions{
		Devices:           fleet,
		DialBroker:        dialBroker,
		Transport:         stack,
		Radio:             stack,
		Restarter:         monitor,
		BaseTopic:         cfg.MQTT.BaseTopic,
		QoS:               byte(cfg.MQTT.QoS),
		ReconnectInterval: cfg.GetReconnectInterval(),
		Scan: ble.ScannerConfig{
			Window:         time.Duration(cfg.Bluetooth.ScanWindow) * time.Second,
			Pause:          time.Duration(cfg.Bluetooth.ScanPause) * time.Second,
			EmptyScanLimit: cfg.Bluetooth.EmptyScanLimit,
		},
		Discovery:     publisher,
		Events:        events,
		States:        states,
		HardwareFault: bluez.IsHardwareFault,
		FatalBrokerError: func(err error) bool {
			return errors.Is(err, mqtt.ErrAuthFailed)
		},
		Logger: log,
	})
	if err != nil {
		return fmt.Errorf("creating fleet coordinator: %w", err)
	}

	log.Info("initialisation complete")

	// Run until the shutdown signal or a permanent broker refusal.
	if err := coordinator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("fleet coordinator: %w", err)
	}

	log.Info("BLE bridge stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses BLEBRIDGE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("BLEBRIDGE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// buildDevices constructs one device per configuration entry.
func buildDevices(entries []config.DeviceConfig, log *logging.Logger) ([]ble.Device, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("no devices configured")
	}

	fleet := make([]ble.Device, 0, len(entries))
	for i, entry := range entries {
		dev, err := devices.New(entry.Type, deviceOptions(entry, log))
		if err != nil {
			return nil, fmt.Errorf("devices[%d] (%s): %w", i, entry.Address, err)
		}
		fleet = append(fleet, dev)
	}
	return fleet, nil
}

// deviceOptions maps one configuration entry to device constructor options.
func deviceOptions(entry config.DeviceConfig, log *logging.Logger) devices.Options {
	mode := ble.ConnectionMode(strings.ToLower(entry.ConnectionMode))
	if mode == "" && entry.Passive != nil && *entry.Passive {
		mode = ble.ModePassive
	}
	return devices.Options{
		Address:                 entry.Address,
		Name:                    entry.Name,
		Key:                     entry.Key,
		Mode:                    mode,
		Threshold:               time.Duration(entry.Threshold) * time.Second,
		ReconnectionInterval:    time.Duration(entry.ReconnectionInterval) * time.Second,
		ActiveInterval:          time.Duration(entry.ActiveInterval) * time.Second,
		PassiveInterval:         time.Duration(entry.PassiveInterval) * time.Second,
		ConnectionFailuresLimit: entry.ConnectionFailuresLimit,
		Logger:                  log,
	}
}

// brokerSession adapts the infrastructure MQTT client to the fleet's broker
// interface. The only mismatch is the Subscribe handler type: the fleet uses
// a plain func signature while the client declares a named handler type.
type brokerSession struct {
	client *mqtt.Client
}

func (s *brokerSession) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return s.client.Publish(topic, payload, qos, retained)
}

func (s *brokerSession) Subscribe(topic string, qos byte, handler func(topic string, payload []byte) error) error {
	return s.client.Subscribe(topic, qos, handler)
}

func (s *brokerSession) SetOnDisconnect(callback func(err error)) {
	s.client.SetOnDisconnect(callback)
}

func (s *brokerSession) IsConnected() bool {
	return s.client.IsConnected()
}

func (s *brokerSession) Close() error {
	return s.client.Close()
}

// journalRecorder adapts the journal repository to the fleet's event
// recorder interface.
type journalRecorder struct {
	repo *journal.Repository
}

func (j *journalRecorder) RecordEvent(ctx context.Context, ev ble.ConnectionEvent) error {
	return j.repo.Record(ctx, journal.Entry{
		Device:  ev.Device,
		Address: ev.Address,
		Event:   ev.Event,
		Detail:  ev.Detail,
		RSSI:    ev.RSSI,
	})
}

// stateRecorder adapts the telemetry recorder to the fleet's state recorder
// interface. Telemetry writes are batched and never block.
type stateRecorder struct {
	rec *telemetry.Recorder
}

func (s *stateRecorder) RecordState(_ context.Context, sample ble.StateSample) error {
	s.rec.Record(sample.Device, sample.Entity, sample.Payload)
	return nil
}
