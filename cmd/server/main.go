// Package main initializes and starts the smart-lock HTTP server,
// setting up configuration, logging, the database connection,
// repositories, services, and handlers.
package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	nethttp "net/http"

	"go.uber.org/zap"

	"github.com/HienTruongTHMH/Smart-Lock/internal/config"
	"github.com/HienTruongTHMH/Smart-Lock/internal/db"
	"github.com/HienTruongTHMH/Smart-Lock/internal/logger"
	"github.com/HienTruongTHMH/Smart-Lock/internal/repository"
	"github.com/HienTruongTHMH/Smart-Lock/internal/server/handler/http"
	"github.com/HienTruongTHMH/Smart-Lock/internal/service"
)

var (
	// version holds the build version set via ldflags.
	version string
	// buildDate holds the build timestamp set via ldflags.
	buildDate string
)

func main() {
	// Parse command-line, file, and environment configuration.
	options := config.Parse()

	// Print build metadata (or "N/A" if unset).
	fmt.Printf("Build version: %s\n", cmp.Or(version, "N/A"))
	fmt.Printf("Build date: %s\n", cmp.Or(buildDate, "N/A"))

	// Initialize structured logging.
	log := logger.New()
	if err := log.Init(options.LogLevel); err != nil {
		log.Log.Fatal("failed to init logger", zap.Error(err))
	}
	defer func() { _ = log.Log.Sync() }()
	zapLogger := log.Log

	// Initialize PostgreSQL connection and schema.
	postgresDB, err := db.InitPostgres(options.DatabaseDSN)
	if err != nil {
		zapLogger.Fatal("cannot init database", zap.Error(err))
	}
	defer postgresDB.Close()

	// Initialize repositories.
	sessionRepo := repository.NewPostgresSessionRepository(postgresDB)
	userRepo := repository.NewPostgresUserRepository(postgresDB)
	accessRepo := repository.NewPostgresAccessRepository(postgresDB)

	// Initialize business-logic services.
	enrollmentService := service.NewEnrollmentService(sessionRepo, zapLogger)
	accessService := service.NewAccessService(userRepo, accessRepo, zapLogger)

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Supervise stale enrollment sessions.
	db.StartStaleSessionCleaner(ctx, enrollmentService,
		options.CleanerInterval,
		options.SessionMaxAge,
		zapLogger,
	)

	// Create HTTP handlers and the router.
	sessionHandler := &http.SessionHandler{Enrollment: enrollmentService}
	lockHandler := &http.LockHandler{Access: accessService}
	router := http.NewRouter(sessionHandler, lockHandler, zapLogger)

	server := &nethttp.Server{
		Addr:    options.Addr,
		Handler: router,
	}

	go func() {
		zapLogger.Info("starting HTTP server", zap.String("addr", options.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			zapLogger.Fatal("failed to start HTTP server", zap.Error(err))
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("server shutdown failed", zap.Error(err))
	}
	zapLogger.Info("server stopped")
}
