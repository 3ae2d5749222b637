package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowdeck/fleet/pkg/agent"
	"github.com/flowdeck/fleet/pkg/api"
	"github.com/flowdeck/fleet/pkg/breaker"
	"github.com/flowdeck/fleet/pkg/cluster"
	"github.com/flowdeck/fleet/pkg/config"
	"github.com/flowdeck/fleet/pkg/controller"
	"github.com/flowdeck/fleet/pkg/events"
	"github.com/flowdeck/fleet/pkg/log"
	"github.com/flowdeck/fleet/pkg/metrics"
	"github.com/flowdeck/fleet/pkg/reaper"
	"github.com/flowdeck/fleet/pkg/reconciler"
	"github.com/flowdeck/fleet/pkg/registry"
	"github.com/flowdeck/fleet/pkg/stats"
	"github.com/flowdeck/fleet/pkg/usage"
	"github.com/flowdeck/fleet/pkg/watcher"
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
	Use:   "fleetd",
	Short: "Fleetd - editor pod fleet controller",
	Long: `Fleetd manages the fleet of per-tenant editor pods for the FlowDeck
platform. It keeps a pool of warm pods ready, assigns them to tenants on
demand, evicts idle and unhealthy sessions, and reconciles its registry
against the cluster.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Fleetd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the fleet controller",
	Long: `Run the fleet controller: the warm pool filler, the idle/health
reaper, the reconciler, the cluster watcher, the usage collector, and the
HTTP API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		kubeconfig, _ := cmd.Flags().GetString("kubeconfig")
		listenAddr, _ := cmd.Flags().GetString("listen")
		logLevel, _ := cmd.Flags().GetString("log-level")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if listenAddr != "" {
			cfg.ListenAddr = listenAddr
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}

		return serve(cfg, kubeconfig)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to config file")
	serveCmd.Flags().String("kubeconfig", "", "Path to kubeconfig (in-cluster config used when empty)")
	serveCmd.Flags().String("listen", "", "API listen address (overrides config)")
	serveCmd.Flags().String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
}

func serve(cfg *config.Config, kubeconfig string) error {
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	logger := log.WithComponent("main")
	metrics.SetVersion(Version)

	logger.Info().Str("version", Version).Str("namespace", cfg.Namespace).
		Int("pool_target", cfg.PoolTarget).Msg("starting fleet controller")

	store, err := registry.NewPostgresStore(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("failed to open registry: %w", err)
	}
	defer store.Close()

	kube, err := cluster.NewKubeClient(cfg, kubeconfig)
	if err != nil {
		return fmt.Errorf("failed to create cluster client: %w", err)
	}

	prober := agent.NewClient(cfg.EditorPort, cfg.ProbeTimeout)
	brk := breaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown)
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	ctrl := controller.New(cfg, store, kube, prober, brk, broker)
	rec := reconciler.NewReconciler(cfg, store, kube, brk, ctrl)
	reap := reaper.NewReaper(cfg, store, prober, ctrl)
	watch := watcher.NewWatcher(cfg, store, kube, ctrl)
	collector := usage.NewCollector(cfg, kube, brk)
	statsSvc := stats.NewService(store, collector, ctrl)

	// The reconciler runs its startup pass before the filler so orphans
	// from a previous run are repaired before new pods are provisioned.
	rec.Start()
	ctrl.Start()
	reap.Start()
	watch.Start()
	collector.Start()

	metrics.RegisterComponent("controller", true, "")
	metrics.RegisterComponent("reaper", true, "")
	metrics.RegisterComponent("reconciler", true, "")
	metrics.RegisterComponent("watcher", true, "")

	server := api.NewServer(ctrl, statsSvc, rec)
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.ListenAddr); err != nil {
			errCh <- fmt.Errorf("API server error: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("API server failed")
	}

	// Stop the loops first so nothing races the drain, then let active
	// sessions finish within the grace period.
	watch.Stop()
	reap.Stop()
	rec.Stop()
	collector.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+30*time.Second)
	defer cancel()

	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("fleet shutdown incomplete")
	}
	ctrl.Stop()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("API server shutdown failed")
	}

	logger.Info().Msg("fleet controller stopped")
	return nil
}
