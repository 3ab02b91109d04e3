// Onecta Bridge
//
// Connects local device clients to Daikin Onecta cloud accounts. Each
// configured account holds its own OAuth tokens and request budget; each
// configured device mirrors one remote climate-control unit and accepts
// power, mode and setpoint commands over MQTT and the HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	_ "github.com/nerrad567/onecta-bridge/migrations"

	"github.com/nerrad567/onecta-bridge/internal/api"
	"github.com/nerrad567/onecta-bridge/internal/audit"
	"github.com/nerrad567/onecta-bridge/internal/bridges/onecta"
	"github.com/nerrad567/onecta-bridge/internal/infrastructure/config"
	"github.com/nerrad567/onecta-bridge/internal/infrastructure/database"
	"github.com/nerrad567/onecta-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/onecta-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/onecta-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/onecta-bridge/internal/kvstore"
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

// run wires the components, blocks until ctx is cancelled and shuts down in
// reverse order. Separated from main for testability.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting onecta bridge",
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
		"accounts", len(cfg.Accounts),
		"devices", len(cfg.Devices),
	)

	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	// The recorder outlives the bridge so late command entries are written.
	auditRepo := audit.NewSQLiteRepository(db.DB)
	recorder := audit.NewRecorder(auditRepo, log.With("component", "audit"))
	recorderCtx, stopRecorder := context.WithCancel(context.WithoutCancel(ctx))
	var recorderWG sync.WaitGroup
	recorderWG.Add(1)
	go func() {
		defer recorderWG.Done()
		recorder.Run(recorderCtx)
	}()
	defer func() {
		stopRecorder()
		recorderWG.Wait()
	}()

	opts := onecta.BridgeOptions{
		Config:  cfg,
		Store:   kvstore.NewSQLiteStore(db.DB),
		Audit:   recorder,
		Version: version,
		Logger:  log.With("component", "onecta"),
	}

	// Interface fields stay nil unless the client exists.
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = connectMQTT(cfg, log)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		opts.Publisher = mqttClient
	} else {
		log.Info("MQTT disabled, commands accepted over the API only")
	}

	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(ctx, cfg.InfluxDB)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
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
		opts.Metrics = influxClient
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	bridge, err := onecta.NewBridge(opts)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	defer bridge.Stop()

	apiDeps := api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		HookPath: cfg.Onecta.HookPath,
		Logger:   log,
		Bridge:   bridge,
		Audit:    auditRepo,
		DB:       db.DB,
		Version:  version,
	}
	if mqttClient != nil {
		apiDeps.MQTT = mqttClient
	}
	apiServer, err := api.New(apiDeps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := apiServer.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	for _, acc := range bridge.Accounts() {
		st := acc.Status()
		log.Info("account ready",
			"account", acc.ID,
			"status", st.StatusText,
			"redirect_uri", st.RedirectURI,
		)
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	return nil
}

func connectMQTT(cfg *config.Config, log *logging.Logger) (*mqtt.Client, error) {
	client, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	client.SetLogger(log.With("component", "mqtt"))
	client.SetOnConnect(func() {
		log.Info("MQTT connected")
	})
	client.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"topic_prefix", cfg.MQTT.TopicPrefix,
	)
	return client, nil
}

// getConfigPath returns ONECTA_CONFIG or the default path.
func getConfigPath() string {
	if path := os.Getenv("ONECTA_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
