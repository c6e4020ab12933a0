package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/tendant/simple-media/pkg/simplemedia/api"
	"github.com/tendant/simple-media/pkg/simplemedia/config"
)

func main() {
	envHelp := flag.Bool("env-help", false, "print the supported environment variables and exit")
	flag.Parse()
	if *envHelp {
		fmt.Println(config.EnvUsage())
		return
	}

	// Load configuration from environment
	serverConfig, err := config.Load(config.WithEnv())
	if err != nil {
		log.Fatalf("Failed to load server configuration: %v", err)
	}
	logger := serverConfig.NewLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, cleanup, err := serverConfig.BuildService(ctx, logger)
	if err != nil {
		log.Fatalf("Failed to build service: %v", err)
	}

	if serverConfig.RecoverOnStart {
		n, err := svc.RecoverPending(ctx, serverConfig.ProblemScanLimit)
		if err != nil {
			logger.Warn("recover pending optimizations", slog.String("error", err.Error()))
		} else if n > 0 {
			logger.Info("requeued pending optimizations", slog.Int("count", n))
		}
	}
	if serverConfig.ProblemScanInterval > 0 {
		svc.StartProblemScan(ctx, serverConfig.ProblemScanInterval, serverConfig.ProblemScanLimit)
	}

	httpServer := &http.Server{
		Addr: fmt.Sprintf(":%s", serverConfig.Port),
		Handler: api.NewRouter(svc, logger, api.RouterConfig{
			RequestTimeout: 60 * time.Second,
			Metrics:        true,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in a goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("simple-media server starting",
			slog.String("port", serverConfig.Port),
			slog.String("env", serverConfig.Environment),
			slog.String("database", serverConfig.DatabaseType),
			slog.String("storage", serverConfig.Storage.Type))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down server")
	case err := <-serverErr:
		if err != nil {
			logger.Error("server error", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", slog.String("error", err.Error()))
	}
	report, err := svc.Shutdown(shutdownCtx)
	if err != nil {
		logger.Warn("optimization queue did not drain in time", slog.String("error", err.Error()))
	}
	logger.Info("optimization queue stopped",
		slog.Int("abandoned", report.Abandoned),
		slog.Int("completed", report.Completed))
	cleanup()

	logger.Info("server exiting")
}
