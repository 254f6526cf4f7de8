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

	"github.com/Cypherspark/signalerr/internal/bot"
	"github.com/Cypherspark/signalerr/internal/catalog"
	"github.com/Cypherspark/signalerr/internal/config"
	dbpkg "github.com/Cypherspark/signalerr/internal/db"
	"github.com/Cypherspark/signalerr/internal/events"
	httpapi "github.com/Cypherspark/signalerr/internal/http"
	"github.com/Cypherspark/signalerr/internal/lifecycle"
	"github.com/Cypherspark/signalerr/internal/logging"
	"github.com/Cypherspark/signalerr/internal/metrics"
	"github.com/Cypherspark/signalerr/internal/notify"
	"github.com/Cypherspark/signalerr/internal/quota"
	"github.com/Cypherspark/signalerr/internal/router"
	"github.com/Cypherspark/signalerr/internal/scheduler"
	"github.com/Cypherspark/signalerr/internal/settings"
	"github.com/Cypherspark/signalerr/internal/store"
	"github.com/Cypherspark/signalerr/internal/transport"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:          "signalerr-bot",
	Short:        "Signal chat bot for requesting movies and shows through Overseerr",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg = config.Load()
		var err error
		logger, err = logging.New(cfg.LogLevel, cfg.Development())
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bot until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return runBot(ctx)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := dbpkg.Open(cmd.Context(), cfg.DatabaseURL, 2)
		if err != nil {
			return err
		}
		defer database.Close()
		if err := database.Migrate(cmd.Context()); err != nil {
			return err
		}
		logger.Info("migrations applied")
		return nil
	},
}

var seedAdminsCmd = &cobra.Command{
	Use:   "seed-admins",
	Short: "Create admin users from ADMIN_PHONE_NUMBERS when no users exist",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		database, err := dbpkg.Open(ctx, cfg.DatabaseURL, 2)
		if err != nil {
			return err
		}
		defer database.Close()
		st := store.NewPostgres(database)
		reader := settings.New(st)
		if err := reader.Seed(ctx, cfg.AdminPhoneNumbers); err != nil {
			return err
		}
		n, err := bot.SeedAdmins(ctx, st, reader, cfg.AdminPhoneNumbers, time.Now())
		if err != nil {
			return err
		}
		logger.Info("admins seeded", zap.Int("created", n))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd, migrateCmd, seedAdminsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runBot(ctx context.Context) error {
	if err := cfg.ValidateBot(); err != nil {
		return err
	}

	// ---- DB ----
	database, err := dbpkg.Open(ctx, cfg.DatabaseURL, int32(cfg.SweepConcurrency)+4)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := database.Migrate(ctx); err != nil {
		return err
	}
	st := store.NewPostgres(database)

	metrics.MustRegister()
	poolStats := metrics.NewPGXPoolStats(database.Pool)

	clock := clockwork.NewRealClock()
	reader := settings.New(st)

	// ---- Collaborators ----
	cat := catalog.NewOverseerr(cfg.OverseerrURL, cfg.OverseerrAPIKey, logger)
	signalCLI := transport.NewSignalCLI(cfg.SignalCLIPath, cfg.SignalPhoneNumber, cfg.SignalCLIConfigDir, logger)
	tr := transport.NewLimited(signalCLI, cfg.SendQPS, cfg.SendBurst)

	sinks := events.Multi{events.Audit{Log: st}}
	if cfg.RabbitMQURL != "" {
		broker := events.NewAMQPPublisher(cfg.RabbitMQURL, logger)
		defer broker.Close()
		sinks = append(sinks, broker)
	}
	ev := events.Logged{Next: sinks, Log: logger}

	// ---- Core ----
	eng := lifecycle.NewEngine(st, cat, ev, clock, logger)
	notifier := notify.NewNotifier(st, reader, tr, ev, clock, logger)
	sched := scheduler.New(eng, st, notifier, reader.PollGrace, clock, logger, scheduler.Options{
		SweepInterval: cfg.SweepInterval,
		RecheckDelay:  cfg.RecheckDelay,
		JobTimeout:    cfg.JobTimeout,
		Concurrency:   cfg.SweepConcurrency,
	})

	admins := bot.Admins{Users: st, Settings: reader, Transport: tr, Log: logger}
	lc := &bot.Lifecycle{
		Store:       st,
		Settings:    reader,
		Catalog:     cat,
		Admins:      admins,
		AdminPhones: cfg.AdminPhoneNumbers,
		Clock:       clock,
		Log:         logger,
	}
	sched.Every("trim-logs", 24*time.Hour, lc.TrimLogs)
	sched.Every("daily-digest", 24*time.Hour, lc.Digest)

	rt := router.New(router.Deps{
		Users:     st,
		Requests:  st,
		Settings:  reader,
		Catalog:   cat,
		Engine:    eng,
		Quota:     quota.NewTracker(st, clock, time.Local),
		Checks:    sched,
		Notifier:  notifier,
		Transport: tr,
		Clock:     clock,
		Log:       logger,
	})
	loop := bot.NewLoop(tr, st, reader, rt, admins, ev, clock, logger)

	if err := signalCLI.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = signalCLI.Stop() }()
	if err := lc.Startup(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error {
		poolStats.Start(15*time.Second, gctx.Done())
		return nil
	})
	g.Go(func() error { return serveOps(gctx, cfg.HealthAddr, st) })

	err = g.Wait()
	if err != nil {
		logger.Error("bot stopped with error", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	lc.Shutdown(shutdownCtx)
	return err
}

// serveOps runs the health and metrics listener until ctx is done.
func serveOps(ctx context.Context, addr string, st store.Store) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      httpapi.OpsHandler(st),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("ops listener started", zap.String("addr", addr))
		errc <- server.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("ops listener: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
