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

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gigcrew/internal/api"
	"gigcrew/internal/auth"
	"gigcrew/internal/config"
	"gigcrew/internal/crew/catalog"
	"gigcrew/internal/logging"
	"gigcrew/internal/paywall"
	"gigcrew/internal/redis"
	"gigcrew/internal/service/llm"
	"gigcrew/internal/service/runs"
	"gigcrew/internal/service/status"
	"gigcrew/internal/service/tools"
	"gigcrew/internal/storage"
	"gigcrew/internal/worker"
)

const (
	tokenTTL = 24 * time.Hour
	// shutdownGrace is added to the run timeout so streaming kickoffs can finish.
	shutdownGrace = 10 * time.Second
)

var (
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:           "gigcrew",
	Short:         "Serve LLM agent crews over HTTP",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server (default)",
	RunE:  runServe,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv(config.EnvConfigPath), "Config file (JSON or YAML)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.AddCommand(serveCmd, statusCmd, articleCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(debug || cfg.BasicConfig.Debug)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()
	basic := cfg.BasicConfig

	dbType := basic.Database
	logger.Info("opening database", zap.String("driver", dbType))
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	// Create necessary tables: clients, client_tokens, runs, run_steps, uploads
	if err := storage.Migrate(db, dbType); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	var cache *redis.Client
	if cfg.Redis.Enabled {
		cache, err = redis.NewRedisClient(cfg)
		if err != nil {
			return fmt.Errorf("create redis client: %w", err)
		}
		defer cache.Close()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runService := runs.NewService(db, runs.Options{
		UploadDir: basic.FileBaseDir,
		UploadTTL: time.Duration(basic.TempFileTTL) * time.Minute,
		Cache:     cache,
		Logger:    logger,
	})
	runService.StartUploadCleaner(ctx, time.Duration(basic.TempCleanInterval)*time.Minute)

	crews, err := catalog.LoadFile(basic.CrewsFile)
	if err != nil {
		return err
	}
	factory := llm.NewFactory(cfg, logger)
	dispatcher := worker.NewDispatcher(worker.Options{
		MinWorkers:  basic.MinWorkers,
		MaxWorkers:  basic.MaxWorkers,
		QueueSize:   basic.QueueSize,
		IdleTimeout: time.Duration(basic.WorkerIdleTimeout) * time.Minute,
		Logger:      logger,
	})
	defer dispatcher.Close()

	handlers := api.NewHandler(api.Options{
		Auth:       auth.NewService(db, cache, tokenTTL),
		Runs:       runService,
		Catalog:    crews,
		Models:     factory,
		Tools:      tools.NewRegistry(tools.OptionsFromConfig(cfg, logger)),
		Dispatcher: dispatcher,
		Paywall: paywall.New(paywall.Options{
			FreePerWeek:      *cfg.Paywall.FreePerWeek,
			Price:            cfg.Paywall.Price,
			AcceptAnyPayload: cfg.Paywall.AcceptAnyPayload,
			Cache:            cache,
			Logger:           logger,
		}),
		Status:          status.NewChecker(cfg.Credentials, factory, logger),
		DefaultProvider: factory.DefaultProvider(),
		RunTimeout:      time.Duration(basic.RunTimeout) * time.Second,
		Logger:          logger,
	})

	if !basic.Debug && !debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	handlers.RegisterRoutes(router)

	srv := &http.Server{Addr: basic.ServerAddress, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", basic.ServerAddress), zap.Strings("crews", crews.Names()))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server stopped: %w", err)
	case <-ctx.Done():
	}
	timeout := shutdownTimeout(basic.RunTimeout)
	logger.Info("shutting down", zap.Duration("timeout", timeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	shutdownErr := srv.Shutdown(shutdownCtx)
	// runs still open here were cut off and would otherwise stay pending or running
	n, err := runService.FailOpenRuns(context.Background(), "server shut down before the run finished")
	if err != nil {
		logger.Warn("fail open runs", zap.Error(err))
	} else if n > 0 {
		logger.Warn("failed interrupted runs", zap.Int64("runs", n))
	}
	return shutdownErr
}

func shutdownTimeout(runTimeoutSeconds int) time.Duration {
	return time.Duration(runTimeoutSeconds)*time.Second + shutdownGrace
}
