// mediascribe/main.go
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"mediascribe/api"
	"mediascribe/config"
	"mediascribe/doubao"
	"mediascribe/download"
	"mediascribe/engine"
	"mediascribe/ffmpeg"
	"mediascribe/logging"
	"mediascribe/media"
	"mediascribe/metrics"
	"mediascribe/process"
	"mediascribe/task"
	"mediascribe/tingwu"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	if !cfg.LogDevelopment {
		gin.SetMode(gin.ReleaseMode)
	}

	// 2. Initialize dependencies
	monitor := process.NewMonitor(logger.Named("process"))
	signed := media.NewSigned(cfg.PublicMediaDir, cfg.PublicMediaTTL, cfg.PublicMediaSecret,
		cfg.PublicBaseURL(), logger.Named("media"))
	publisher, mediaServer, err := buildPublisher(cfg, signed, logger)
	if err != nil {
		logger.Fatal("Failed to initialize media publisher", zap.Error(err))
	}

	pipelines := engine.Pipelines(engine.Deps{
		Config:    cfg,
		Fetcher:   download.NewDownloader(cfg, monitor, logger.Named("download")),
		Converter: ffmpeg.NewConverter(cfg, monitor, logger.Named("ffmpeg")),
		Guard:     ffmpeg.NewResourceGuard(cfg, logger.Named("resources")),
		Runner:    monitor,
		Publisher: publisher,
		Tingwu:    tingwu.NewClient(cfg, logger.Named("tingwu")),
		Doubao:    doubao.NewClient(cfg, logger.Named("doubao")),
		Log:       logger.Named("engine"),
	})

	// 3. Initialize task manager and register the engines
	m := metrics.New()
	taskManager := task.NewManager(cfg, task.NewRegistry(), logger.Named("task"), m)
	for name, p := range pipelines {
		taskManager.Register(name, p)
	}
	taskManager.SetDefault(cfg.DefaultEngine)

	// 4. Set up router and server
	router := api.SetupRouter(api.Deps{
		Tasks:   taskManager,
		Media:   mediaServer,
		Metrics: m.Handler(),
		Log:     logger.Named("http"),
	})
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 5. Start background services and HTTP server
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	taskManager.Start(ctx)

	go func() {
		logger.Info("Server starting", zap.String("port", cfg.Port), zap.String("publish_mode", cfg.PublishMode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	// 6. Wait for interrupt signal for graceful shutdown
	<-ctx.Done()

	// Restore default behavior on the interrupt signal and notify user of shutdown.
	stop()
	logger.Info("Shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	// Running tasks were canceled with ctx; wait for them to unwind.
	done := make(chan struct{})
	go func() {
		taskManager.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		logger.Warn("Tasks still running at exit")
	}

	logger.Info("Server exiting")
}

// buildPublisher selects how media is made fetchable for remote vendors.
// The local signed publisher is always served so links minted before a mode
// switch keep working until they expire.
func buildPublisher(cfg *config.Config, signed *media.Signed, logger *zap.Logger) (media.Publisher, api.MediaServer, error) {
	switch cfg.PublishMode {
	case "object":
		store, err := media.NewObjectStore(cfg, logger.Named("objectstore"))
		if err != nil {
			return nil, nil, err
		}
		return store, signed, nil
	case "", "local":
		if config.Optional(cfg.PublicMediaSecret) == "" {
			logger.Warn("PUBLIC_MEDIA_SECRET is a placeholder; published links are forgeable")
		}
		return signed, signed, nil
	default:
		return nil, nil, errors.New("unknown PUBLISH_MODE: " + cfg.PublishMode)
	}
}
