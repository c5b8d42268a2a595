package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"

	"chargeamps-bridge/internal/api"
	"chargeamps-bridge/internal/bridge"
	"chargeamps-bridge/internal/chargeamps"
	"chargeamps-bridge/internal/config"
	"chargeamps-bridge/internal/metrics"
	"chargeamps-bridge/internal/mqtt"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the Charge Amps bridge service",
	Long: `Start the bridge and begin synchronizing the configured charge points.

The service will:
- Log in to the Charge Amps cloud for every configured device
- Poll charger status and consumption on an adaptive schedule
- Publish state and events to MQTT (when enabled)
- Accept control commands via MQTT and the local HTTP API`,
	RunE: runService,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runService(cmd *cobra.Command, args []string) error {
	// Load configuration first
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Create logger from config
	logger, err := CreateLoggerFromConfig(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	// Initialize Datadog tracing if enabled
	if cfg.Datadog.Enabled {
		tracer.Start(
			tracer.WithService(cfg.Datadog.ServiceName),
			tracer.WithEnv(cfg.Datadog.Environment),
			tracer.WithAgentAddr(fmt.Sprintf("%s:%d", cfg.Datadog.AgentHost, cfg.Datadog.AgentPort)),
		)
		defer tracer.Stop()
		logger.Info("Datadog tracing initialized",
			zap.String("service", cfg.Datadog.ServiceName),
			zap.String("environment", cfg.Datadog.Environment),
		)
	}

	logger.Info("Starting Charge Amps bridge")
	logger.Info("Configuration loaded",
		zap.Int("devices", len(cfg.Devices)),
		zap.String("cloud", cfg.Cloud.BaseURL),
		zap.Bool("mqtt_enabled", cfg.MQTT.Enabled),
		zap.Bool("metrics_enabled", cfg.Metrics.Enabled),
		zap.Bool("datadog_enabled", cfg.Datadog.Enabled),
	)

	var appMetrics *metrics.Bridge
	if cfg.Metrics.Enabled {
		appMetrics = metrics.New()
	}

	// Initialize MQTT publisher if enabled
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Enabled {
		mqttPub, err = mqtt.NewPublisher(cfg.MQTT, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize MQTT publisher: %w", err)
		}
		defer mqttPub.Close()
	}

	// One cloud client shared by all devices; the limiter keeps a fleet of
	// chargers from hammering the vendor API.
	limiter := rate.NewLimiter(rate.Limit(cfg.Cloud.RateLimitRPS), cfg.Cloud.RateLimitBurst)
	client := chargeamps.NewClient(cfg.Cloud.BaseURL, limiter, appMetrics, logger.Named("cloud"))

	service := bridge.NewService(logger, appMetrics)

	var deviceList []mqtt.DeviceInfo
	for _, dc := range cfg.Devices {
		model, err := bridge.ModelByName(dc.Model)
		if err != nil {
			return fmt.Errorf("device %s: %w", dc.Name, err)
		}
		model = model.WithPollBounds(dc.PollMin(), dc.PollMax())

		// Sessions are per device, never shared, even on the same account.
		email, password, apiKey := cfg.AccountFor(dc)
		session := chargeamps.NewSession(client, email, password, apiKey)

		var pub bridge.Publisher
		if mqttPub != nil {
			pub = mqttPub
		}

		service.Add(bridge.NewDevice(dc.Name, dc.ID, model, session, client, pub, appMetrics, logger))
		deviceList = append(deviceList, mqtt.DeviceInfo{Name: dc.Name, ID: dc.ID, Model: model.Name})
	}

	// Start syncing. Devices that fail to start (bad credentials, cloud
	// down) are logged and skipped; only a fully dead fleet is fatal.
	if started := service.StartAll(context.Background()); started == 0 {
		return fmt.Errorf("no device could be started")
	}

	if mqttPub != nil {
		if err := mqttPub.PublishDeviceList(deviceList); err != nil {
			logger.Warn("Failed to publish device list", zap.Error(err))
		}
		if err := mqttPub.SubscribeToCommands(service); err != nil {
			return fmt.Errorf("failed to subscribe to MQTT commands: %w", err)
		}
	}

	// Start API server for control commands
	listenAddr := fmt.Sprintf("localhost:%d", cfg.API.Port)
	apiServer := api.NewServer(service, logger, listenAddr, cfg.API.Auth, appMetrics)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("API server failed", zap.Error(err))
		}
	}()

	logger.Info("Charge Amps bridge is running. Press Ctrl+C to stop.")
	logger.Info("API server listening", zap.String("url", fmt.Sprintf("http://%s", listenAddr)))

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("Received shutdown signal")

	// Stop the poll and renewal timers; in-flight calls finish on their own.
	service.StopAll()

	logger.Info("Charge Amps bridge stopped")
	return nil
}
