package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"chargeamps-bridge/internal/config"
)

var cfgFile string

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "chargeamps-bridge",
	Short: "Bridge Charge Amps EV chargers into home automation",
	Long: `A standalone bridge for Charge Amps charge points (Halo, Aura, Dawn).

It polls the Charge Amps cloud API, mirrors charger state to MQTT and a
local HTTP API, and forwards control commands (charging on/off, current
limit, RFID, cable lock, lights, outlet) back to the cloud.`,
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
}

// CreateLoggerFromConfig creates a logger from configuration: level and
// encoder from the config, stdout always, plus a rotated file sink when a
// filename is set.
func CreateLoggerFromConfig(logCfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(logCfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var encoder zapcore.Encoder
	if logCfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		encoderCfg := zap.NewDevelopmentEncoderConfig()
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	sink := zapcore.AddSync(os.Stdout)
	if logCfg.File.Filename != "" {
		rotated := &lumberjack.Logger{
			Filename:   logCfg.File.Filename,
			MaxSize:    logCfg.File.MaxSizeMB,
			MaxBackups: logCfg.File.MaxBackups,
			MaxAge:     logCfg.File.MaxAgeDays,
			Compress:   logCfg.File.Compress,
		}
		sink = zapcore.NewMultiWriteSyncer(sink, zapcore.AddSync(rotated))
	}

	core := zapcore.NewCore(encoder, sink, level)
	return zap.New(core, zap.AddCaller()), nil
}
