package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"offgrid/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "offgrid",
	Short: "Offline-first caching proxy with a durable mutation queue",
	Long: `offgrid sits between an application and its origin. Reads are answered
cache-first or network-first depending on the route, writes made while the
origin is unreachable are queued on disk and replayed once it is back.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	rootCmd.SetContext(ctx)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", getenvDefault("OFFGRID_CONFIG", "/offgrid.yaml"), "path to offgrid.yaml or offgrid.toml")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newQueueCmd())
	rootCmd.AddCommand(newSendCmd())
}
