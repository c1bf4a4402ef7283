package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	serverrun "github.com/rzbill/dispatch/internal/cmd/server"
	cfgpkg "github.com/rzbill/dispatch/internal/config"
	pebblestore "github.com/rzbill/dispatch/internal/storage/pebble"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dispatchd",
		Short: "Dispatch runtime CLI",
		Long:  "Dispatch is a durable, priority-ordered task engine. This CLI manages the server.",
	}

	configCmd := &cobra.Command{Use: "config", Short: "Configuration commands"}
	configShowCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := cfgpkg.Load(path)
			if err != nil {
				return err
			}
			cfgpkg.FromEnv(&cfg)
			out, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	configShowCmd.Flags().String("config", "", "Config file (JSON or YAML)")
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)

	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the dispatch server",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, _ := cmd.Flags().GetString("data-dir")
			configPath, _ := cmd.Flags().GetString("config")
			fsyncMode, _ := cmd.Flags().GetString("fsync")
			fsyncIntervalMs, _ := cmd.Flags().GetInt("fsync-interval-ms")
			logLevel, _ := cmd.Flags().GetString("log-level")
			logFormat, _ := cmd.Flags().GetString("log-format")
			workers, _ := cmd.Flags().GetInt("workers")
			statsEveryMs, _ := cmd.Flags().GetInt("stats-every-ms")

			mode := pebblestore.FsyncModeAlways
			switch fsyncMode {
			case "always":
				mode = pebblestore.FsyncModeAlways
			case "interval":
				mode = pebblestore.FsyncModeInterval
			case "never":
				mode = pebblestore.FsyncModeNever
			default:
				return fmt.Errorf("invalid --fsync; use always|interval|never")
			}

			if logLevel != "" {
				_ = os.Setenv("DISPATCH_LOG_LEVEL", logLevel)
			}
			if logFormat != "" {
				_ = os.Setenv("DISPATCH_LOG_FORMAT", logFormat)
			}

			cfg, err := cfgpkg.Load(configPath)
			if err != nil {
				return err
			}
			if workers > 0 {
				cfg.Workers = workers
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := serverrun.Run(ctx, serverrun.Options{
				DataDir:       dataDir,
				Fsync:         mode,
				FsyncInterval: time.Duration(fsyncIntervalMs) * time.Millisecond,
				Config:        cfg,
				StatsEvery:    time.Duration(statsEveryMs) * time.Millisecond,
			}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			// brief delay to allow logs flush
			time.Sleep(100 * time.Millisecond)
			return nil
		},
	}
	serverStartCmd.Flags().String("data-dir", "", "Data directory (if not specified, uses OS-specific application data directory)")
	serverStartCmd.Flags().String("config", "", "Config file (JSON or YAML)")
	serverStartCmd.Flags().String("fsync", "always", "Fsync mode: always|interval|never")
	serverStartCmd.Flags().Int("fsync-interval-ms", 5, "When --fsync=interval, group-commit window in ms (default 5)")
	serverStartCmd.Flags().String("log-level", os.Getenv("DISPATCH_LOG_LEVEL"), "Log level: debug|info|warn|error")
	serverStartCmd.Flags().String("log-format", os.Getenv("DISPATCH_LOG_FORMAT"), "Log format: text|json (default text)")
	serverStartCmd.Flags().Int("workers", 0, "Override the configured worker count")
	serverStartCmd.Flags().Int("stats-every-ms", 0, "Log queue stats at this interval (0 disables)")
	serverCmd.AddCommand(serverStartCmd)
	rootCmd.AddCommand(serverCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
