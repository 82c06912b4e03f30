package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/resurrect/internal/config"
	"github.com/BadgerOps/resurrect/internal/engine"
	"github.com/BadgerOps/resurrect/internal/estimate"
	"github.com/BadgerOps/resurrect/internal/notify"
	"github.com/BadgerOps/resurrect/internal/provider"
	"github.com/BadgerOps/resurrect/internal/provider/s3glacier"
	"github.com/BadgerOps/resurrect/internal/provider/simulated"
	"github.com/BadgerOps/resurrect/internal/safety"
	"github.com/BadgerOps/resurrect/internal/store"
	"github.com/BadgerOps/resurrect/internal/validate"
)

var (
	// Global flags
	cfgPath       string
	dbPath        string
	inventoryPath string
	logLevel      string
	logFormat     string
	quiet         bool
	jsonOutput    bool
	globalCfg     *config.Config
	logger        *slog.Logger

	// Global components
	globalStore    *store.Store
	globalOrch     *engine.Orchestrator
	globalRegistry *provider.Registry
)

// initializeComponents opens the store and wires the provider, notifier and
// orchestrator from the loaded config.
func initializeComponents(ctx context.Context) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	// Initialize store
	path := globalCfg.DBPath()
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	st, err := store.New(path, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	globalStore = st

	p, err := initializeProviders(ctx)
	if err != nil {
		return err
	}

	notifier, err := buildNotifier()
	if err != nil {
		return err
	}

	pol, err := globalCfg.ApprovalPolicy()
	if err != nil {
		return err
	}

	model := globalCfg.Model()
	oc := globalCfg.Orchestrator
	globalOrch, err = engine.New(engine.Deps{
		Repo:      globalStore,
		Provider:  p,
		Notifier:  notifier,
		Estimator: estimate.New(model),
		Validator: validate.New(model),
		Policy:    pol,
		Logger:    logger,
	}, engine.Options{
		PollInterval:         oc.PollInterval,
		ScanInterval:         oc.ScanInterval,
		OverrunFactor:        oc.OverrunFactor,
		RetryAttempts:        oc.RetryAttempts,
		RetryInitialInterval: oc.RetryInitialInterval,
		RetryMaxInterval:     oc.RetryMaxInterval,
		IssueWorkers:         oc.IssueWorkers,
		NotifyTimeout:        oc.NotifyTimeout,
		OrphanTimeout:        oc.OrphanTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize orchestrator: %w", err)
	}

	logger.Debug("components initialized successfully", "provider", p.Name(), "db_path", path)
	return nil
}

// initializeProviders registers every configured provider and returns the
// active one. The simulated provider is always available; --inventory points
// it at a file and selects it.
func initializeProviders(ctx context.Context) (provider.Provider, error) {
	globalRegistry = provider.NewRegistry()
	model := globalCfg.Model()

	simCfg := &config.SimulatedProviderConfig{}
	if raw, ok := globalCfg.Providers["simulated"]; ok {
		parsed, err := config.ParseProviderConfig[config.SimulatedProviderConfig](raw)
		if err != nil {
			return nil, fmt.Errorf("simulated provider: %w", err)
		}
		simCfg = parsed
	}
	invPath := simCfg.Inventory
	if inventoryPath != "" {
		invPath = inventoryPath
	}
	inv := simulated.Inventory{}
	if invPath != "" {
		loaded, err := simulated.LoadInventory(invPath)
		if err != nil {
			return nil, err
		}
		inv = loaded
	}
	globalRegistry.Register(simulated.New(inv, simulated.Options{Model: model, TimeScale: simCfg.TimeScale}))

	if globalCfg.ProviderEnabled("s3") {
		s3cfg, err := config.ParseProviderConfig[config.S3ProviderConfig](globalCfg.Providers["s3"])
		if err != nil {
			return nil, fmt.Errorf("s3 provider: %w", err)
		}
		s3p, err := s3glacier.NewFromConfig(ctx, s3glacier.Config{
			Bucket:       s3cfg.Bucket,
			Prefix:       s3cfg.Prefix,
			Region:       s3cfg.Region,
			Endpoint:     s3cfg.Endpoint,
			UsePathStyle: s3cfg.UsePathStyle,
		})
		if err != nil {
			return nil, err
		}
		globalRegistry.Register(s3p)
	}

	name := globalCfg.Provider
	if inventoryPath != "" {
		name = "simulated"
	}
	p, ok := globalRegistry.Get(name)
	if !ok {
		return nil, fmt.Errorf("provider %q is not configured (available: %s)", name, strings.Join(globalRegistry.Names(), ", "))
	}
	return p, nil
}

// buildNotifier fans out to every configured notification channel.
func buildNotifier() (notify.Notifier, error) {
	nc := globalCfg.Notify
	var notifiers notify.Multi

	if nc.Log {
		notifiers = append(notifiers, notify.NewLog(logger))
	}
	if nc.CloudEvents.Sink != "" {
		if u, err := safety.ParseEndpoint(nc.CloudEvents.Sink); err == nil && safety.InsecureRemote(u) {
			logger.Warn("CloudEvents sink is a remote plain-HTTP endpoint", "sink", nc.CloudEvents.Sink)
		}
		ce, err := notify.NewCloudEvents(nc.CloudEvents.Sink, nc.CloudEvents.Source)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, ce)
	}
	if nc.SMTP.Host != "" {
		notifiers = append(notifiers, notify.NewEmail(notify.SMTPConfig{
			Host:     nc.SMTP.Host,
			Port:     nc.SMTP.Port,
			From:     nc.SMTP.From,
			Username: nc.SMTP.Username,
			Password: nc.SMTP.Password,
		}))
	}

	if len(notifiers) == 0 {
		return notify.Discard{}, nil
	}
	return notifiers, nil
}

// shouldSkipComponentInit checks if a command should skip component initialization
func shouldSkipComponentInit(cmdName string) bool {
	skipInitCmds := map[string]bool{
		"help":       true,
		"version":    true,
		"config":     true,
		"show":       true,
		"tiers":      true,
		"completion": true,
	}
	return skipInitCmds[cmdName]
}

// closeStore closes the global store connection
func closeStore() {
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
		globalStore = nil
	}
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resurrect",
		Short: "Restore archived projects from cold storage",
		Long: `resurrect brings archived projects back from cold storage. It estimates
what a restoration will cost and how long it will take, collects the approvals
the cost calls for, and then drives the restore through metadata, asset and
verification phases while tracking progress.`,
		Example: `  resurrect estimate --project film-2019 --tier bulk
  resurrect submit --project film-2019 --reason "director's cut" --tier standard
  resurrect approve 3f2a... --role MANAGER --actor dana
  resurrect status
  resurrect serve --listen 0.0.0.0:8080`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Initialize logging
			setupLogging()

			// Skip config loading for commands that don't need it
			if shouldSkipConfig(cmd.Name()) {
				return nil
			}

			// Load config
			if cfgPath == "" {
				var err error
				cfgPath, err = config.FindConfigFile()
				if err != nil {
					logger.Debug("config file not found, using defaults", "error", err)
				}
			}

			if cfgPath != "" {
				var err error
				globalCfg, err = config.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			} else {
				globalCfg = config.DefaultConfig()
			}

			// Override with command-line flags if provided
			if dbPath != "" {
				globalCfg.Server.DBPath = dbPath
			}

			logger.Debug("config loaded", "path", cfgPath, "db_path", globalCfg.DBPath())

			// Initialize components after config is loaded
			if !shouldSkipComponentInit(cmd.Name()) {
				if err := initializeComponents(cmd.Context()); err != nil {
					return fmt.Errorf("failed to initialize components: %w", err)
				}
			}

			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeStore()
		},
	}

	// Add persistent flags
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "override database path")
	cmd.PersistentFlags().StringVar(&inventoryPath, "inventory", "", "YAML asset inventory; selects the simulated provider")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")

	// Add subcommands
	cmd.AddCommand(
		newServeCmd(),
		newEstimateCmd(),
		newSubmitCmd(),
		newApproveCmd(),
		newCancelCmd(),
		newStatusCmd(),
		newHistoryCmd(),
		newTiersCmd(),
		newConfigCmd(),
	)

	return cmd
}

// setupLogging initializes the slog logger based on flags
func setupLogging() {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if quiet {
		level = slog.LevelError
	}

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":       true,
		"version":    true,
		"completion": true,
	}
	return skipConfigCmds[cmdName]
}
