package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"conduit/internal/router"
)

// runRouterForeground binds and serves the Router until interrupted,
// backing the `conduit router` subcommand (spec.md §6; Router server
// wiring C3+C4+C5+C7 in internal/router).
func runRouterForeground(cmd *cobra.Command) error {
	bind, _ := cmd.Flags().GetString("bind")
	cert, _ := cmd.Flags().GetString("cert")
	key, _ := cmd.Flags().GetString("key")
	clientCA, _ := cmd.Flags().GetString("client-ca")

	cfg := router.DefaultConfig
	cfg.BindAddr = bind
	cfg.CertPath = cert
	cfg.KeyPath = key
	cfg.ClientCACertPath = clientCA

	srv := router.New(cfg)

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("cli: starting router on %s", bind)
	err := srv.Serve(ctx)
	srv.Close()
	return err
}
