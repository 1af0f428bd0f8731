// Command collector runs one preset's market-data ingestion pipeline.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantfeeds/collector/config"
	"github.com/quantfeeds/collector/internal/observability"
	"github.com/quantfeeds/collector/internal/supervisor"
	"github.com/quantfeeds/collector/internal/telemetry"
)

const telemetryShutdownTimeout = 5 * time.Second

func main() {
	presetID := flag.String("preset", "perp-core", "preset identifier")
	sinks := flag.String("sinks", "both", "sink selection: columnar, cache, or both")
	configPath := flag.String("config", "", "optional YAML configuration file")
	flag.Parse()

	if err := run(*presetID, config.SinkSelection(*sinks), *configPath); err != nil {
		fmt.Fprintln(os.Stderr, "collector:", err)
		os.Exit(1)
	}
}

func run(presetID string, sinks config.SinkSelection, configPath string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.FromYAML(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	cfg = config.FromEnv(cfg)
	cfg = config.Apply(cfg, config.WithSinks(sinks))

	preset, err := config.FindPreset(presetID)
	if err != nil {
		return err
	}

	observability.SetLogger(observability.NewConsoleLogger(preset.Label, cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mp, shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			observability.Log().Warn("telemetry shutdown", observability.F("error", err.Error()))
		}
	}()

	sup, err := supervisor.New(cfg, preset, mp)
	if err != nil {
		return err
	}
	return sup.Run(ctx)
}
