package cmd

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

	"mathtutor/internal/api"
	"mathtutor/internal/logger"
	"mathtutor/internal/redis"
	"mathtutor/internal/service/assistant"
	"mathtutor/internal/storage"
	"mathtutor/internal/worker"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	parts, err := buildComponents(ctx, cfg, log)
	if err != nil {
		return err
	}

	var (
		pipelineOpts []assistant.PipelineOption
		managerOpts  = []worker.Option{worker.WithLogger(logger.Component(log, "worker"))}
		history      api.History
	)

	dbType := cfg.BasicConfig.Database
	if v := os.Getenv("MATHTUTOR_DB"); v != "" {
		dbType = v
	}
	if dbType != "" {
		db, err := storage.Open(dbType, cfg)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		if err := storage.Migrate(db, dbType); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		archive := storage.NewArchive(db, logger.Component(log, "storage"))
		pipelineOpts = append(pipelineOpts, assistant.WithRecorder(archive))
		managerOpts = append(managerOpts, worker.WithTranscripts(archive))
		history = archive
		log.Info("run archive enabled", zap.String("driver", dbType))
	}

	if cfg.Redis.Enabled() {
		rdb, err := redis.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("create redis client: %w", err)
		}
		defer rdb.Close()
		managerOpts = append(managerOpts, worker.WithMirror(rdb))
		log.Info("state mirror enabled", zap.String("host", cfg.Redis.Host), zap.Int("port", cfg.Redis.Port))
	}

	pipeline, err := parts.pipeline(ctx, cfg, log, pipelineOpts...)
	if err != nil {
		return err
	}
	manager := worker.NewManager(pipeline, assistant.NewRelay(logger.Component(log, "relay")), worker.Config{
		MinWorkers:   cfg.BasicConfig.MinWorkers,
		MaxWorkers:   cfg.BasicConfig.MaxWorkers,
		QueueSize:    cfg.BasicConfig.QueueSize,
		WorkspaceTTL: time.Duration(cfg.BasicConfig.WorkspaceTTL) * time.Minute,
	}, managerOpts...)
	defer manager.Close()
	manager.StartJanitor(ctx, time.Minute)

	if cfg.BasicConfig.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	apiLog := logger.Component(log, "api")
	router := gin.New()
	router.Use(gin.Recovery(), api.RequestLogger(apiLog))
	api.NewHandler(manager, history, cfg.BasicConfig.MaxUploadBytes, apiLog).RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.BasicConfig.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening",
			zap.String("addr", srv.Addr),
			zap.String("vision_model", cfg.Pipeline.Model),
			zap.String("chat_provider", cfg.Chat.Provider))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
