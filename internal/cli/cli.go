// Package cli wires the subcommands spec.md §6 names ("the core must
// support via hooks into C8/C9/C10; parsing itself is external") onto the
// control-plane operations in internal/tunnelctl, internal/process,
// internal/registry, and internal/keys, following the teacher's
// cmd/giraffecloud/main.go command layout and cobra usage.
package cli

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"conduit/internal/client"
	"conduit/internal/config"
	"conduit/internal/config/env"
	"conduit/internal/errs"
	"conduit/internal/keys"
	"conduit/internal/logging"
	"conduit/internal/process"
	"conduit/internal/protocol"
	"conduit/internal/registry"
	"conduit/internal/tlsconfig"
	"conduit/internal/tunnelctl"
)

// Version is reported by the version subcommand. Build/release tooling is
// explicitly external to this module (spec.md Non-goals); this is a plain
// constant, not a generated build-info stamp.
const Version = "0.1.0"

var logger *logging.Logger

func initLogger() {
	logPath := config.DefaultConfig.Logging.File
	if h, err := home(); err == nil {
		logPath = h + "/conduit.log"
	}

	if _, err := logging.InitGlobalLogger(logging.Config{
		File:       logPath,
		Level:      os.Getenv("CONDUIT_LOG_LEVEL"),
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     7,
	}); err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger = logging.GetGlobalLogger()
}

var rootCmd = &cobra.Command{
	Use:   "conduit",
	Short: "Conduit CLI - point-to-point network tunnel client",
	Long: `Conduit CLI manages tunnels between this host and a Conduit Router:
registering with the router, spawning worker processes, and reporting on
their live status through each worker's control socket.`,
}

// Execute runs the root command, exiting non-zero on any surfaced error
// (spec.md §6: "Exit code 0 on success, non-zero on any surfaced error").
func Execute() {
	initLogger()
	if err := rootCmd.Execute(); err != nil {
		if logger != nil {
			logger.Error("%v", err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(downCmd)
	rootCmd.AddCommand(routerCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(killCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	upCmd.Flags().StringP("file", "f", "", "tunnel config file to bring up")
	downCmd.Flags().StringP("file", "f", "", "tunnel config file to tear down")

	listCmd.Flags().Bool("tunnels", false, "list tunnels (default)")
	listCmd.Flags().Bool("connections", false, "list active connections")
	listCmd.Flags().String("format", "table", "output format: table|json|yaml")

	killCmd.Flags().Bool("all", false, "kill every tracked tunnel")
	killCmd.Flags().String("tunnel", "", "kill the named tunnel")
	killCmd.Flags().String("connection", "", "connection ID; closing a single connection is not supported and always returns an error")
	killCmd.Flags().Bool("force", false, "skip the graceful shutdown grace period")

	statusCmd.Flags().String("format", "table", "output format: table|json|yaml")
	statusCmd.Flags().Bool("detailed", false, "include live worker metrics and the latest session rollup")

	routerCmd.Flags().String("bind", ":8443", "address the router listens on")
	routerCmd.Flags().String("cert", "", "router TLS certificate")
	routerCmd.Flags().String("key", "", "router TLS key")
	routerCmd.Flags().String("client-ca", "", "CA bundle verifying client certificates")
}

// --- shared runtime bootstrap -------------------------------------------------

// home returns (and creates) ~/.conduit.
func home() (string, error) {
	h, err := os.UserHomeDir()
	if err != nil {
		return "", errs.Wrap(errs.KindConfiguration, "failed to resolve home directory", err)
	}
	dir := h + "/.conduit"
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", errs.Wrap(errs.KindConfiguration, "failed to create conduit home", err)
	}
	return dir, nil
}

func openStore(ctx context.Context) (*registry.Store, error) {
	dir, err := home()
	if err != nil {
		return nil, err
	}
	return registry.Open(ctx, dir+"/registry.db", nil)
}

func openKeys() (*keys.Manager, error) {
	dir, err := home()
	if err != nil {
		return nil, err
	}
	return keys.NewManager(dir+"/keys", keys.DefaultRotationConfig)
}

// buildTLSConfig mirrors the teacher's main.go: full mTLS when all three
// files are configured, otherwise a plain TLS config honoring
// InsecureSkipVerify.
func buildTLSConfig(sec config.SecurityConfig) (*tls.Config, error) {
	if sec.CertFile != "" && sec.KeyFile != "" && sec.CAFile != "" {
		return tlsconfig.ClientConfig(sec.CAFile, sec.CertFile, sec.KeyFile)
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS13, InsecureSkipVerify: sec.InsecureSkipVerify}
	if sec.CAFile != "" {
		caCert, err := os.ReadFile(sec.CAFile)
		if err != nil {
			return nil, errs.Wrap(errs.KindConfiguration, "failed to read CA certificate", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errs.New(errs.KindConfiguration, "failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	return tlsCfg, nil
}

// runtime bundles the pieces a command needs to talk to the router and the
// local worker fleet, and must be closed by the caller.
type runtime struct {
	cfg     *config.Config
	store   *registry.Store
	procs   *process.Manager
	router  *client.Handler
	ctl     *tunnelctl.Controller
	session string
}

func (r *runtime) Close() {
	if r.router != nil {
		_ = r.router.Disconnect()
	}
	if r.store != nil {
		_ = r.store.Close()
	}
}

// openRuntime loads the on-disk config, connects and authenticates to the
// router, and assembles the tunnelctl.Controller every mutating command
// goes through.
func openRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)

	store, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	keyMgr, err := openKeys()
	if err != nil {
		store.Close()
		return nil, err
	}
	active, err := keyMgr.GetActive()
	if err != nil {
		store.Close()
		return nil, errs.Wrap(errs.KindAuth, "no client key found, run `conduit init` first", err)
	}

	tlsCfg, err := buildTLSConfig(cfg.Security)
	if err != nil {
		store.Close()
		return nil, err
	}

	procs := process.NewManager(store)
	ctl := tunnelctl.New(nil, store, procs)
	router := client.New(client.DefaultConfig, tlsCfg, active.KeyPair, ctl)

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	if err := router.Connect(ctx, serverAddr); err != nil {
		store.Close()
		return nil, err
	}

	sessionID, err := router.Authenticate(ctx, cfg.Token, active.Metadata.KeyID, Version, nil)
	if err != nil {
		router.Disconnect()
		store.Close()
		return nil, err
	}

	ctl = tunnelctl.New(router, store, procs)
	return &runtime{cfg: cfg, store: store, procs: procs, router: router, ctl: ctl, session: sessionID}, nil
}

// --- output rendering ---------------------------------------------------------

func renderOutput(format string, data interface{}, table func()) error {
	switch strings.ToLower(format) {
	case "", "table":
		table()
		return nil
	case "json":
		raw, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(raw))
		return nil
	case "yaml":
		raw, err := yaml.Marshal(data)
		if err != nil {
			return err
		}
		fmt.Print(string(raw))
		return nil
	default:
		return errs.New(errs.KindConfiguration, "unknown format: "+format)
	}
}

// --- init ----------------------------------------------------------------

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a client key pair and a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		keyMgr, err := openKeys()
		if err != nil {
			return err
		}
		keyID, err := keyMgr.Generate(keys.PurposeClientAuth)
		if err != nil {
			return err
		}

		cfg := config.DefaultConfig
		if err := config.SaveConfig(&cfg); err != nil {
			return err
		}

		path, _ := config.GetConfigPath()
		color.Green("generated client key %s", keyID)
		color.Green("wrote default config to %s", path)
		fmt.Println("edit the config's token and endpoints, then run `conduit up`.")
		return nil
	},
}

// --- start / up / down ----------------------------------------------------

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Bring up every endpoint in the default config",
	RunE: func(cmd *cobra.Command, args []string) error {
		return bringUp(cmd.Context(), "")
	},
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Bring up the tunnels described by a config file (-f)",
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		return bringUp(cmd.Context(), file)
	},
}

func loadConfigFile(path string) (*config.Config, error) {
	if path == "" {
		cfg, err := config.LoadConfig()
		if err != nil {
			return nil, err
		}
		applyEnvOverrides(cfg)
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, "failed to read config file", err)
	}
	var cfg config.Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, "failed to parse config file", err)
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, "invalid config file", err)
	}
	return &cfg, nil
}

// applyEnvOverrides layers CONDUIT_* environment variables onto cfg,
// logging but not failing the caller if the environment can't be parsed.
func applyEnvOverrides(cfg *config.Config) {
	overrides, err := env.LoadClientOverrides()
	if err != nil {
		logger.Warn("cli: failed to parse CONDUIT_* environment overrides: %v", err)
		return
	}
	overrides.Apply(cfg)
}

func bringUp(ctx context.Context, file string) error {
	cfg, err := loadConfigFile(file)
	if err != nil {
		return err
	}

	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	s := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
	s.Suffix = " bringing up tunnels..."
	s.Start()
	defer s.Stop()

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	var failed []string
	for _, ep := range cfg.Endpoints {
		tunnelID, err := rt.ctl.CreateTunnel(ctx, tunnelctl.CreateOptions{
			Name:       ep.Name,
			RouterAddr: serverAddr,
			SourceAddr: ep.Remote,
			BindAddr:   ep.Local,
			Protocol:   ep.Protocol,
			Config:     protocol.DefaultTunnelConfig,
		})
		if err != nil {
			failed = append(failed, ep.Name+": "+err.Error())
			continue
		}
		logger.Info("cli: tunnel %s (%s) is up", ep.Name, tunnelID)
		fmt.Printf("%s %s -> %s (%s)\n", color.GreenString("up"), ep.Name, tunnelID, ep.Protocol)
	}

	if len(failed) > 0 {
		return errs.New(errs.KindNetwork, "failed to bring up: "+strings.Join(failed, "; "))
	}
	return nil
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Tear down the tunnels described by a config file (-f), or every tunnel",
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")

		ctx := cmd.Context()
		rt, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		var names map[string]bool
		if file != "" {
			cfg, err := loadConfigFile(file)
			if err != nil {
				return err
			}
			names = make(map[string]bool, len(cfg.Endpoints))
			for _, ep := range cfg.Endpoints {
				names[ep.Name] = true
			}
		}

		records, err := rt.ctl.ListTunnels(ctx)
		if err != nil {
			return err
		}

		var failed []string
		for _, record := range records {
			if names != nil && !names[record.Name] {
				continue
			}
			if record.Status == registry.StatusExited || record.Status == registry.StatusStopped {
				continue
			}
			if err := rt.ctl.StopTunnel(ctx, record.ID, false); err != nil {
				failed = append(failed, record.Name+": "+err.Error())
				continue
			}
			fmt.Printf("%s %s (%s)\n", color.YellowString("down"), record.Name, record.ID)
		}

		if len(failed) > 0 {
			return errs.New(errs.KindProcess, "failed to tear down: "+strings.Join(failed, "; "))
		}
		return nil
	},
}

// --- list / status ---------------------------------------------------------

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked tunnels or their active connections",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		wantConnections, _ := cmd.Flags().GetBool("connections")
		format, _ := cmd.Flags().GetString("format")

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		records, err := store.ListAllTunnels(ctx)
		if err != nil {
			return err
		}

		if !wantConnections {
			return renderOutput(format, records, func() {
				fmt.Printf("%-36s  %-20s  %-8s  %s\n", "ID", "NAME", "STATUS", "SOCKET_HASH")
				for _, r := range records {
					fmt.Printf("%-36s  %-20s  %-8s  %s\n", r.ID, r.Name, r.Status, r.SocketPathHash)
				}
			})
		}

		procs := process.NewManager(store)
		ctl := tunnelctl.New(nil, store, procs)
		type connRow struct {
			TunnelID   string
			ID         string
			ClientAddr string
			BytesSent  int64
			BytesRecv  int64
		}
		var rows []connRow
		byTunnel := ctl.ListAllConnections(ctx, records)
		for _, r := range records {
			for _, c := range byTunnel[r.ID] {
				rows = append(rows, connRow{TunnelID: r.ID, ID: c.ID, ClientAddr: c.ClientAddr, BytesSent: c.BytesSent, BytesRecv: c.BytesReceived})
			}
		}
		return renderOutput(format, rows, func() {
			fmt.Printf("%-36s  %-36s  %-22s  %10s  %10s\n", "TUNNEL", "CONNECTION", "CLIENT", "BYTES SENT", "BYTES RECV")
			for _, row := range rows {
				fmt.Printf("%-36s  %-36s  %-22s  %10d  %10d\n", row.TunnelID, row.ID, row.ClientAddr, row.BytesSent, row.BytesRecv)
			}
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of every tracked tunnel",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		format, _ := cmd.Flags().GetString("format")
		detailed, _ := cmd.Flags().GetBool("detailed")

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()
		procs := process.NewManager(store)
		ctl := tunnelctl.New(nil, store, procs)

		records, err := ctl.ListTunnels(ctx)
		if err != nil {
			return err
		}

		statuses := ctl.ListTunnelStatuses(ctx, records)

		return renderOutput(format, statuses, func() {
			for _, st := range statuses {
				live := color.RedString("unreachable")
				if st.LiveReached {
					live = color.GreenString("reachable")
				}
				fmt.Printf("%-36s  %-20s  %-8s  worker:%s\n", st.Record.ID, st.Record.Name, st.Record.Status, live)
				if detailed && st.LiveReached {
					fmt.Printf("    connections=%d sent=%d received=%d uptime=%ds\n",
						st.Live.Metrics.ActiveConnections, st.Live.Metrics.TotalBytesSent, st.Live.Metrics.TotalBytesReceived, st.Live.Metrics.UptimeSeconds)
				}
				if detailed {
					if session, err := store.GetLatestSession(ctx, st.Record.ID); err == nil && session != nil {
						fmt.Printf("    session=%s total_connections=%d total_sent=%d total_received=%d avg_latency_ms=%.1f errors=%d\n",
							session.ID, session.TotalConnections, session.TotalBytesSent, session.TotalBytesReceived, session.AvgLatencyMs, session.ErrorCount)
					}
				}
			}
		})
	},
}

// --- kill -------------------------------------------------------------------

var killCmd = &cobra.Command{
	Use:   "kill",
	Short: "Stop one tunnel or every tracked tunnel (--connection always returns an error)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		all, _ := cmd.Flags().GetBool("all")
		tunnelName, _ := cmd.Flags().GetString("tunnel")
		connID, _ := cmd.Flags().GetString("connection")
		force, _ := cmd.Flags().GetBool("force")

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()
		procs := process.NewManager(store)
		ctl := tunnelctl.New(nil, store, procs)

		switch {
		case all:
			killed, err := procs.StopAll(ctx, force)
			if err != nil {
				return err
			}
			for _, id := range killed {
				fmt.Printf("%s %s\n", color.RedString("killed"), id)
			}
			return nil

		case tunnelName != "":
			records, err := ctl.ListTunnels(ctx)
			if err != nil {
				return err
			}
			for _, r := range records {
				if r.Name != tunnelName {
					continue
				}
				if err := ctl.StopTunnel(ctx, r.ID, force); err != nil {
					return err
				}
				fmt.Printf("%s %s (%s)\n", color.RedString("killed"), r.Name, r.ID)
				return nil
			}
			return errs.New(errs.KindRegistry, "no tunnel named "+tunnelName)

		case connID != "":
			return errs.New(errs.KindConfiguration, "killing a single connection is a worker-local operation not yet exposed over the control socket")

		default:
			return errs.New(errs.KindConfiguration, "kill requires --all, --tunnel NAME, or --connection ID")
		}
	},
}

// --- router ------------------------------------------------------------------

var routerCmd = &cobra.Command{
	Use:   "router",
	Short: "Run the Conduit router server in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRouterForeground(cmd)
	},
}

// --- config ------------------------------------------------------------------

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show, validate, or generate the client config file",
}

func init() {
	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the current config as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			raw, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(raw))
			return nil
		},
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file on disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.LoadConfig(); err != nil {
				return err
			}
			color.Green("config is valid")
			return nil
		},
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "generate",
		Short: "Write a fresh default config, overwriting any existing file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig
			if err := config.SaveConfig(&cfg); err != nil {
				return err
			}
			path, _ := config.GetConfigPath()
			color.Green("wrote default config to %s", path)
			return nil
		},
	})
}

// --- version -----------------------------------------------------------------

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the conduit CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("conduit " + Version)
	},
}
