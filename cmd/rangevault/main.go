package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"rangevault/internal/config"
)

func main() {
	root := &cobra.Command{
		Use:          "rangevault",
		Short:        "Multi-range liquidity position reshaper",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	simulateCmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a scenario file against the simulated venue",
		RunE:  runSimulate,
	}

	simulateCmd.Flags().String("scenario", "", "scenario JSONL path")
	simulateCmd.Flags().String("out", "./data/events.jsonl", "output events JSONL path")
	simulateCmd.Flags().String("pg-dsn", "", "optional Postgres DSN for snapshots and the event journal")
	simulateCmd.Flags().Int32("tick-spacing", 60, "pool tick spacing")
	simulateCmd.Flags().Int32("initial-tick", 0, "pool initial active tick")
	simulateCmd.Flags().String("dust-tolerance", "100", "per-asset conservation tolerance")
	simulateCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(simulateCmd)

	demoCmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a fixed create-then-reshape walkthrough",
		RunE:  runDemo,
	}

	demoCmd.Flags().String("out", "./data/events.jsonl", "output events JSONL path")
	demoCmd.Flags().Int32("tick-spacing", 60, "pool tick spacing")
	demoCmd.Flags().String("dust-tolerance", "100", "per-asset conservation tolerance")
	demoCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(demoCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runScenario(ctx, cfg, logger)
}

func runDemo(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runFixedDemo(ctx, cfg, logger)
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
