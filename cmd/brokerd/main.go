package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/agentmesh/brokerd/pkg/broker"
	"github.com/agentmesh/brokerd/pkg/config"
	"github.com/agentmesh/brokerd/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "brokerd",
	Short: "brokerd - local agent message broker",
	Long: `brokerd spawns PTY-attached agent processes, routes messages between
them with verified at-least-once delivery, mirrors traffic to a cloud
relay, and persists enough state to survive a crash.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"brokerd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker, reading control frames from stdin and writing replies/events to stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromEnv()

		if v, _ := cmd.Flags().GetString("state-dir"); v != "" {
			cfg.StateDir = v
		}
		if v, _ := cmd.Flags().GetString("cloud-endpoint"); v != "" {
			cfg.CloudEndpoint = v
		}
		if v, _ := cmd.Flags().GetString("cloud-token"); v != "" {
			cfg.CloudToken = v
		}
		if v, _ := cmd.Flags().GetString("activity-patterns"); v != "" {
			cfg.ActivityPatternsPath = v
		}
		if rootCmd.PersistentFlags().Changed("log-level") {
			logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
			cfg.LogLevel = log.Level(logLevel)
		}
		if rootCmd.PersistentFlags().Changed("log-json") {
			logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
			cfg.LogJSON = logJSON
		}

		b, err := broker.New(cfg, os.Stdin, os.Stdout)
		if err != nil {
			return fmt.Errorf("failed to construct broker: %v", err)
		}

		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		if metricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			go func() {
				if err := http.ListenAndServe(metricsAddr, mux); err != nil && err != http.ErrServerClosed {
					log.Logger.Error().Err(err).Msg("metrics server exited")
				}
			}()
			log.Logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		errCh := make(chan error, 1)
		go func() {
			errCh <- b.Run(ctx)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.Logger.Info().Msg("received shutdown signal")
			cancel()
			return <-errCh
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("broker exited: %v", err)
			}
			return nil
		}
	},
}

func init() {
	serveCmd.Flags().String("state-dir", "", "Directory for broker state (overrides BROKER_STATE_DIR)")
	serveCmd.Flags().String("cloud-endpoint", "", "Cloud relay HTTP endpoint (overrides BROKER_CLOUD_ENDPOINT)")
	serveCmd.Flags().String("cloud-token", "", "Cloud relay auth token (overrides BROKER_CLOUD_TOKEN)")
	serveCmd.Flags().String("activity-patterns", "", "Path to a YAML output pattern set (overrides BROKER_ACTIVITY_PATTERNS_PATH)")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9091", "Address to serve Prometheus metrics on (empty to disable)")
}
