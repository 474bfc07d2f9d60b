package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tradepilot/tradepilot/internal/app"
	"github.com/tradepilot/tradepilot/internal/config"
	"github.com/tradepilot/tradepilot/internal/snapcache"
)

const (
	appName = "tradepilot"
	version = "v1.0.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	var configPath string
	var verbose bool

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Live trading control plane",
		Version: version,
		Long: `tradepilot runs the live trading control plane: multi-exchange market
data aggregation, pre-trade risk, TRS compliance monitoring, order
management, and the supervisor with its emergency stop.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			}
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runControlPlane(configPath)
		},
	}

	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Print the latest dashboard snapshot from Redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(configPath)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n", appName, version)
		},
	}

	rootCmd.AddCommand(runCmd, monitorCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func runControlPlane(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, log.Logger)
	if err != nil {
		return fmt.Errorf("assemble control plane: %w", err)
	}
	return application.Run(ctx)
}

func runMonitor(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("monitor requires redis.addr in config")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cache := snapcache.New(ctx, cfg.Redis, log.Logger)
	defer cache.Close()

	dash, err := cache.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch dashboard: %w", err)
	}
	out, err := json.MarshalIndent(dash, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
