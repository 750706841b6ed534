// File: cmd/indexer/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/smartdevs17/sage-points-indexer/internal/cache"
	"github.com/smartdevs17/sage-points-indexer/internal/config"
	"github.com/smartdevs17/sage-points-indexer/internal/connection"
	"github.com/smartdevs17/sage-points-indexer/internal/decoder"
	"github.com/smartdevs17/sage-points-indexer/internal/ledger"
	"github.com/smartdevs17/sage-points-indexer/internal/metrics"
	"github.com/smartdevs17/sage-points-indexer/internal/monitor"
	"github.com/smartdevs17/sage-points-indexer/internal/notification"
	"github.com/smartdevs17/sage-points-indexer/internal/points"
	"github.com/smartdevs17/sage-points-indexer/internal/server"
	"github.com/smartdevs17/sage-points-indexer/internal/service"
	"github.com/smartdevs17/sage-points-indexer/internal/storage"
	"github.com/smartdevs17/sage-points-indexer/pkg/utils"
)

// AppVersion contains the application version
const AppVersion = "1.0.0"

// Application represents the main application
type Application struct {
	config      *config.Config
	logger      *logrus.Entry
	metrics     *metrics.Manager
	connection  *connection.ConnectionManager
	storage     storage.Storage
	cache       cache.PositionCache
	ledger      *ledger.Ledger
	engine      *points.Engine
	coordinator *monitor.Coordinator
	server      *server.HTTPServer
}

// NewApplication creates a new application instance
func NewApplication(cfg *config.Config) (*Application, error) {
	app := &Application{config: cfg}

	if err := app.initializeLogger(); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := app.initializeComponents(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	return app, nil
}

// initializeLogger initializes the application logger
func (app *Application) initializeLogger() error {
	logCfg := app.config.Logging
	level := logCfg.Level
	if app.config.App.Debug {
		level = "debug"
	}

	if err := utils.InitLogger(level, logCfg.Format, logCfg.Output, logCfg.File); err != nil {
		return err
	}

	app.logger = utils.ComponentLogger("app")
	app.logger.WithFields(logrus.Fields{
		"level":  level,
		"format": logCfg.Format,
		"output": logCfg.Output,
	}).Info("Logger initialized")
	return nil
}

// initializeComponents wires every component; nothing is started here
func (app *Application) initializeComponents() error {
	app.logger.Info("Initializing application components")

	app.metrics = metrics.NewManager()

	if err := app.initializeStorage(); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	positionCache, err := cache.New(&app.config.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	app.cache = positionCache

	dec := decoder.MustNew()
	app.connection = connection.NewConnectionManager(&app.config.Chain,
		connection.WithTopics(dec.Topics()),
		connection.WithMetrics(app.metrics),
	)

	app.ledger = ledger.New(app.storage,
		ledger.WithCache(app.cache),
		ledger.WithMetrics(app.metrics),
	)
	app.engine = points.NewEngineFromConfig(&app.config.Points)

	reporter := notification.NewReporterWithMetrics(
		notification.NewReporter(&app.config.Notifications), app.metrics)

	app.coordinator = monitor.NewCoordinator(
		app.connection,
		app.storage,
		app.ledger,
		dec,
		monitor.NewConfig(&app.config.Chain, &app.config.Sync, &app.config.Storage),
		monitor.WithReporter(reporter),
		monitor.WithMetrics(app.metrics),
		monitor.WithPointsSummary(app.engine),
	)

	app.server = server.NewHTTPServer(
		&server.ServerConfig{
			Port:          app.config.Server.Port,
			Host:          app.config.Server.Host,
			ReadTimeout:   app.config.Server.ReadTimeout,
			WriteTimeout:  app.config.Server.WriteTimeout,
			EnableMetrics: app.config.Server.EnableMetrics,
			Version:       AppVersion,
		},
		service.NewReadService(app.storage, app.ledger, app.engine),
		app.storage,
		app.coordinator,
		app.metrics,
	)

	app.logger.Info("All components initialized successfully")
	return nil
}

// initializeStorage connects and migrates the configured backend
func (app *Application) initializeStorage() error {
	store, err := openStorage(&app.config.Storage)
	if err != nil {
		return err
	}
	app.storage = storage.NewStorageWithMetrics(store, app.metrics)
	return nil
}

// Run starts ingestion and the HTTP server and blocks until ctx is cancelled
// or either of them fails
func (app *Application) Run(ctx context.Context) error {
	app.logger.WithFields(logrus.Fields{
		"version":     AppVersion,
		"environment": app.config.App.Environment,
		"contract":    app.config.Chain.ContractAddress,
		"rpc_url":     app.config.Chain.RPCURL,
		"storage":     app.config.Storage.Type,
	}).Info("Starting SAGE points indexer")

	if err := app.connection.Connect(ctx); err != nil {
		app.logger.WithError(err).Warn("RPC not reachable at startup, sync will keep retrying")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.coordinator.Run(gctx)
	})
	g.Go(func() error {
		return app.server.Run(gctx)
	})

	err := g.Wait()
	app.logger.Info("SAGE points indexer stopped")
	return err
}

// Close releases every resource that was opened
func (app *Application) Close() {
	if app.connection != nil {
		if err := app.connection.Close(); err != nil {
			app.logger.WithError(err).Error("Failed to close connection")
		}
	}
	if app.cache != nil {
		if err := app.cache.Close(); err != nil {
			app.logger.WithError(err).Error("Failed to close cache")
		}
	}
	if app.storage != nil {
		if err := app.storage.Close(); err != nil {
			app.logger.WithError(err).Error("Failed to close storage")
		}
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if viper.GetBool("debug") {
		cfg.App.Debug = true
	}
	if level := viper.GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	return cfg, nil
}

func openStorage(cfg *config.StorageConfig) (storage.Storage, error) {
	store, err := storage.NewStorage(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}
	if err := store.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to storage: %w", err)
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to run storage migrations: %w", err)
	}
	return store, nil
}

// CLI Commands

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:           "indexer",
	Short:         "SAGE staking points indexer",
	Long:          `Indexes SAGE staking contract events into positions and serves derived points over HTTP.`,
	Version:       AppVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runIndexer,
}

// runIndexer is the main command to run the indexer
func runIndexer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	app, err := NewApplication(cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("SAGE points indexer %s\n", AppVersion)
	},
}

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

// validateConfigCmd validates the configuration
var validateConfigCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}

		fmt.Printf("Configuration is valid!\n")
		fmt.Printf("Environment: %s\n", cfg.App.Environment)
		fmt.Printf("RPC: %s\n", cfg.Chain.RPCURL)
		fmt.Printf("Contract: %s\n", cfg.Chain.ContractAddress)
		fmt.Printf("Deployment block: %d\n", cfg.Sync.DeploymentBlock)
		fmt.Printf("Database: %s\n", cfg.Storage.Type)
		fmt.Printf("Cache: %s\n", cfg.Cache.Type)
		return nil
	},
}

// testCmd checks RPC and storage connectivity
var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Test connectivity and configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		utils.InitLogger("warn", "text", "stdout", "")

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()

		fmt.Printf("Testing RPC connection to %s...\n", cfg.Chain.RPCURL)
		conn := connection.NewConnectionManager(&cfg.Chain)
		defer conn.Close()
		head, err := conn.HeadBlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("failed to reach RPC endpoint: %w", err)
		}
		fmt.Printf("RPC connection successful, head block %d\n", head)

		fmt.Printf("Testing storage connection (%s)...\n", cfg.Storage.Type)
		store, err := openStorage(&cfg.Storage)
		if err != nil {
			return err
		}
		defer store.Close()
		fmt.Println("Storage connection successful")

		if cfg.Cache.Type == "redis" {
			fmt.Printf("Testing redis at %s...\n", cfg.Cache.RedisAddr)
			c, err := cache.New(&cfg.Cache)
			if err != nil {
				return err
			}
			c.Close()
			fmt.Println("Redis connection successful")
		}

		fmt.Println("\nAll connectivity tests passed!")
		return nil
	},
}

// checkpointCmd groups the sync checkpoint administration commands
var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect or reset the sync checkpoint",
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the last committed block",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		utils.InitLogger("warn", "text", "stdout", "")

		store, err := openStorage(&cfg.Storage)
		if err != nil {
			return err
		}
		defer store.Close()

		block, ok, err := store.GetCheckpoint(cmd.Context())
		if err != nil {
			return err
		}
		if !ok {
			fmt.Printf("No checkpoint recorded, sync starts at deployment block %d\n", cfg.Sync.DeploymentBlock)
			return nil
		}
		fmt.Printf("Last processed block: %d\n", block)
		return nil
	},
}

var checkpointResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Move the checkpoint to --block; events after it are replayed idempotently",
	RunE: func(cmd *cobra.Command, args []string) error {
		block, err := cmd.Flags().GetUint64("block")
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		utils.InitLogger("info", "text", "stdout", "")

		store, err := openStorage(&cfg.Storage)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.ResetCheckpoint(cmd.Context(), block); err != nil {
			return err
		}
		fmt.Printf("Checkpoint reset to block %d\n", block)
		return nil
	},
}

// leaderboardCmd prints the ranking straight from storage
var leaderboardCmd = &cobra.Command{
	Use:   "leaderboard",
	Short: "Print the points leaderboard",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, err := cmd.Flags().GetInt("limit")
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		utils.InitLogger("warn", "text", "stdout", "")

		store, err := openStorage(&cfg.Storage)
		if err != nil {
			return err
		}
		defer store.Close()

		svc := service.NewReadService(store, ledger.New(store), points.NewEngineFromConfig(&cfg.Points))
		entries, err := svc.GetLeaderboard(cmd.Context(), limit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "RANK\tADDRESS\tSAGE\tFORMATION\tTOTAL")
		for _, e := range entries {
			fmt.Fprintf(w, "%d\t%s\t%.4f\t%.4f\t%.4f\n", e.Rank, e.Address, e.SagePoints, e.FormationPoints, e.TotalPoints)
		}
		return w.Flush()
	},
}

// init initializes the CLI commands
func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug mode")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	checkpointResetCmd.Flags().Uint64("block", 0, "block number to reset the checkpoint to")
	checkpointResetCmd.MarkFlagRequired("block")
	leaderboardCmd.Flags().Int("limit", service.DefaultLeaderboardLimit, "number of entries to print")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(leaderboardCmd)
	configCmd.AddCommand(validateConfigCmd)
	checkpointCmd.AddCommand(checkpointShowCmd)
	checkpointCmd.AddCommand(checkpointResetCmd)
}

// main is the entry point
func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
