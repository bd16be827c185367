package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/hotspot/pkg/accounting"
	"github.com/codelaboratoryltd/hotspot/pkg/config"
	"github.com/codelaboratoryltd/hotspot/pkg/database"
	"github.com/codelaboratoryltd/hotspot/pkg/orchestrator"
	"github.com/codelaboratoryltd/hotspot/pkg/scheduler"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hotspotd",
	Short: "Hotspot session identity and enforcement",
	Long: `hotspotd - voucher session tracking for WiFi hotspots.

Keeps the fleet-wide session record in Redis, recognises returning
devices by fingerprint, disconnects terminated sessions on the NAS via
RADIUS CoA and reconciles RADIUS accounting against the session store.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the hotspot daemon",
	RunE:  runHotspot,
}

var (
	configFile string
	logLevel   string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"Configuration file path (YAML)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "",
		"Log level (debug, info, warn, error); overrides the config file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(coaCmd)
	rootCmd.AddCommand(fingerprintCmd)
	rootCmd.AddCommand(configCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("hotspotd version %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
	},
}

func runHotspot(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := initLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting hotspotd",
		zap.String("version", version),
		zap.String("commit", commit),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	a, err := newApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.Close()

	runner := scheduler.NewRunner(a.cache, a.cfg.Orchestrator.NodeID, logger)
	runner.SetMetrics(a.metrics)

	if err := runner.Add(scheduler.Job{
		Name:       "session_stats",
		Interval:   time.Minute,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			a.orch.SessionStatistics(ctx)
			return nil
		},
	}); err != nil {
		return err
	}

	var reconciler *accounting.Reconciler
	if a.pool != nil {
		source := a.pool
		if cfg.Accounting.SourceDSN != "" {
			srcCfg := cfg.Database
			srcCfg.DSN = cfg.Accounting.SourceDSN
			source, err = database.Connect(ctx, srcCfg, logger)
			if err != nil {
				return fmt.Errorf("failed to connect to accounting source: %w", err)
			}
			defer source.Close()
		}

		records := accounting.NewPostgresRepository(a.pool)
		collector := accounting.NewCollector(accounting.NewPostgresSource(source), records, a.clock, cfg.Accounting, logger)
		collector.SetMetrics(a.metrics)

		// Overuse findings end the session like an admin reset would, with
		// their own terminate cause.
		enforcer := accounting.EnforcerFunc(func(ctx context.Context, voucherCode string) bool {
			return a.orch.TerminateWithCause(ctx, voucherCode, orchestrator.CauseOveruse)
		})
		reconciler = accounting.NewReconciler(records, a.store, enforcer, a.clock, cfg.Accounting, logger)
		reconciler.SetMetrics(a.metrics)

		if err := runner.Add(scheduler.Job{
			Name:       "accounting_collect",
			Interval:   cfg.Accounting.PollInterval,
			RunOnStart: true,
			Run:        collector.Run,
		}); err != nil {
			return err
		}
		if err := runner.Add(scheduler.Job{
			Name:     "accounting_reconcile",
			Interval: cfg.Accounting.ReconcileInterval,
			Run:      reconciler.Run,
		}); err != nil {
			return err
		}
	} else {
		logger.Warn("No database configured, accounting collection and reconciliation disabled")
	}

	if err := runner.Start(ctx); err != nil {
		return err
	}
	defer runner.Stop()

	var opsServer *http.Server
	if cfg.OpsAddr != "" {
		opsServer = &http.Server{
			Addr:              cfg.OpsAddr,
			Handler:           newOpsRouter(a, reconciler),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("Starting ops server", zap.String("addr", cfg.OpsAddr))
			if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Ops server error", zap.Error(err))
			}
		}()
	}

	logger.Info("hotspotd started successfully",
		zap.String("node_id", cfg.Orchestrator.NodeID),
		zap.String("ops", cfg.OpsAddr),
		zap.Bool("redis", cfg.Cache.Addr != ""),
		zap.Bool("accounting", a.pool != nil),
		zap.String("failure_policy", string(cfg.Orchestrator.FailurePolicy)),
	)

	<-ctx.Done()

	if opsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to stop ops server", zap.Error(err))
		}
	}
	logger.Info("hotspotd stopped")
	return nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if cfg.Orchestrator.NodeID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Orchestrator.NodeID = host
		}
	}
	return cfg, nil
}

func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info", "":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	config := zap.NewProductionConfig()
	config.Level = zapLevel
	config.Encoding = "json"

	return config.Build()
}
