// Command conduit-router runs the Conduit Router standalone: the
// multi-client-facing TLS listener that authorizes clients and brokers
// tunnel creation (spec.md §6: "Router entrypoint: cmd/conduit-router").
// Kept as its own binary, separate from the conduit CLI, the way the
// teacher splits cmd/server from cmd/giraffecloud.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"

	"conduit/internal/config/env"
	"conduit/internal/logging"
	"conduit/internal/router"
)

var logger *logging.Logger

func initLogger(logFile string) {
	l, err := logging.InitGlobalLogger(logging.Config{
		File:       logFile,
		Level:      os.Getenv("CONDUIT_LOG_LEVEL"),
		MaxSize:    100,
		MaxBackups: 10,
		MaxAge:     30,
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger = l
}

var rootCmd = &cobra.Command{
	Use:   "conduit-router",
	Short: "Conduit Router - accepts client connections and brokers tunnels",
	RunE: func(cmd *cobra.Command, args []string) error {
		bind, _ := cmd.Flags().GetString("bind")
		cert, _ := cmd.Flags().GetString("cert")
		key, _ := cmd.Flags().GetString("key")
		clientCA, _ := cmd.Flags().GetString("client-ca")
		logFile, _ := cmd.Flags().GetString("log-file")

		initLogger(logFile)
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered: %v\n%s", r, debug.Stack())
				os.Exit(1)
			}
		}()

		cfg := router.DefaultConfig
		cfg.BindAddr = bind
		cfg.CertPath = cert
		cfg.KeyPath = key
		cfg.ClientCACertPath = clientCA

		if overrides, err := env.LoadRouterOverrides(); err != nil {
			logger.Warn("router: failed to parse CONDUIT_ROUTER_* environment overrides: %v", err)
		} else {
			overrides.Apply(&cfg)
		}

		srv := router.New(cfg)
		defer srv.Close()

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		logger.Info("router: listening on %s", cfg.BindAddr)
		if err := srv.Serve(ctx); err != nil {
			logger.Error("router: exited: %v", err)
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.Flags().String("bind", ":8443", "address to bind the router's TLS listener")
	rootCmd.Flags().String("cert", "", "router TLS certificate")
	rootCmd.Flags().String("key", "", "router TLS key")
	rootCmd.Flags().String("client-ca", "", "CA bundle used to verify client certificates")
	rootCmd.Flags().String("log-file", "/var/log/conduit-router.log", "log file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
