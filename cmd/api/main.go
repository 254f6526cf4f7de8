package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Cypherspark/signalerr/internal/config"
	dbpkg "github.com/Cypherspark/signalerr/internal/db"
	httpapi "github.com/Cypherspark/signalerr/internal/http"
	"github.com/Cypherspark/signalerr/internal/logging"
	"github.com/Cypherspark/signalerr/internal/store"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

func main() {
	var exitCode int
	defer func() {
		os.Exit(exitCode)
	}()

	cfg := config.Load()
	logger, err := logging.New(cfg.LogLevel, cfg.Development())
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		exitCode = 1
		return
	}
	defer func() { _ = logger.Sync() }()

	// ---- Context / signals ----
	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// ---- DB ----
	database, err := dbpkg.Open(rootCtx, cfg.DatabaseURL, 8)
	if err != nil {
		logger.Error("db", zap.Error(err))
		exitCode = 1
		return
	}
	defer database.Close()
	if err := database.Migrate(rootCtx); err != nil {
		logger.Error("migrate", zap.Error(err))
		exitCode = 1
		return
	}

	if cfg.AdminAPIKey == "" {
		logger.Warn("ADMIN_API_KEY is not set, every /api request will be rejected")
	}

	// ---- HTTP server ----
	srv := httpapi.NewServer(store.NewPostgres(database), cfg.AdminAPIKey, clockwork.NewRealClock(), logger)
	server := &http.Server{
		Addr:         cfg.APIAddr(),
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("HTTP listening", zap.String("addr", server.Addr))
		errc <- server.ListenAndServe()
	}()

	// ---- Graceful shutdown ----
	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server", zap.Error(err))
			exitCode = 1
		}
		return
	case <-rootCtx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
}
