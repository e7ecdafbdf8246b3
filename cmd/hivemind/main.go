package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"hivemind/internal/advisor"
	"hivemind/internal/bus"
	"hivemind/internal/clock"
	"hivemind/internal/config"
	"hivemind/internal/conflict"
	"hivemind/internal/experiment"
	"hivemind/internal/logging"
	"hivemind/internal/store"
	"hivemind/internal/worker"
)

var (
	// Global flags
	verbose    bool
	configPath string
	dbPath     string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "hivemind",
	Short: "hivemind - cooperating background workers with a shared knowledge bus",
	Long: `hivemind runs a swarm of background workers that exchange typed knowledge
over a decaying shared bus, detect and resolve contradictions between each
other's findings, and evolve their own behavior through gated experiments.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// runCmd starts the worker swarm and blocks until interrupted.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start all workers and run until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := logging.Initialize("."); err != nil {
			return fmt.Errorf("failed to initialize debug logging: %w", err)
		}
		defer logging.CloseAll()

		st, err := store.NewLocalStore(cfg.Storage.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer st.Close()

		clk := clock.NewSystem()
		knowledgeBus := bus.New(cfg, st, clk)

		adv, err := buildAdvisor(cfg)
		if err != nil {
			return err
		}
		coordinator := experiment.NewCoordinator(cfg, st, adv, clk)

		engine := conflict.NewEngine(st, clk)
		manager := conflict.NewManager(engine, st, clk, cfg)

		controller := worker.NewController(cfg, worker.Deps{
			Bus:         knowledgeBus,
			Coordinator: coordinator,
			Conflicts:   engine,
			Stats:       st,
			Clock:       clk,
		})
		workers := []worker.Worker{
			worker.NewRiskScan(knowledgeBus, clk),
			worker.NewDecisionTracker(knowledgeBus, clk),
			worker.NewPatternMiner(knowledgeBus, clk),
			worker.NewContextEnricher(knowledgeBus, clk),
		}
		for _, w := range workers {
			if _, err := controller.Register(w); err != nil {
				return err
			}
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		// Hot-reload tunables on config file changes.
		watcher, err := config.NewWatcher(configPath)
		if err != nil {
			logger.Warn("config watcher unavailable", zap.Error(err))
		} else {
			watcher.OnReload(func(next *config.Config) {
				coordinator.ApplyConfig(next)
				manager.ApplyConfig(next)
				logger.Info("configuration reloaded",
					zap.Float64("evolution_rate", next.Workers.EvolutionRate))
			})
			if err := watcher.Start(ctx); err != nil {
				logger.Warn("config watcher failed to start", zap.Error(err))
			} else {
				defer watcher.Stop()
			}
		}

		controller.StartAll(ctx)
		manager.Start(ctx)
		logger.Info("hivemind running",
			zap.Int("workers", len(workers)),
			zap.String("db", cfg.Storage.DatabasePath))

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			logger.Info("shutting down", zap.String("signal", sig.String()))
		case <-ctx.Done():
		}

		manager.Stop()
		controller.StopAll()
		return nil
	},
}

// loadConfig loads and validates the configuration file.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.Storage.DatabasePath = dbPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// buildAdvisor selects the experiment advisor from configuration.
func buildAdvisor(cfg *config.Config) (advisor.Advisor, error) {
	switch cfg.Advisor.Provider {
	case "gemini":
		return advisor.NewGemini(cfg.Advisor.APIKey, cfg.Advisor.Model, cfg.AdvisorTimeout())
	case "static", "":
		return advisor.NewStatic(), nil
	default:
		return nil, fmt.Errorf("unknown advisor provider %q", cfg.Advisor.Provider)
	}
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", ".hivemind/config.yaml", "path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "override the database path")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(knowledgeCmd)
	rootCmd.AddCommand(conflictsCmd)
	rootCmd.AddCommand(experimentsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
