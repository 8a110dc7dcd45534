package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"taskpulse/internal/api"
	"taskpulse/internal/config"
	httph "taskpulse/internal/handlers/http"
	"taskpulse/internal/handlers/shell"
	"taskpulse/internal/logging"
	"taskpulse/internal/metrics"
	"taskpulse/internal/notify"
	"taskpulse/internal/schedule"
	"taskpulse/internal/scheduler"
	"taskpulse/internal/service"
	"taskpulse/internal/store"
	"taskpulse/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatcher and the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), mgr, cfg)
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "HTTP bind address")
	serveCmd.Flags().Int("workers", 0, "number of concurrent executions")
	rootCmd.AddCommand(serveCmd)
}

func serve(parent context.Context, mgr *config.Manager, cfg *config.Config) error {
	if err := logging.Setup(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format, File: cfg.Logging.File}); err != nil {
		return err
	}
	defer logging.Close()

	r, err := cfg.Resolve()
	if err != nil {
		return err
	}

	db, err := store.Open(cfg.Storage.Path, r.BusyTimeout)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.Migrate(db); err != nil {
		return err
	}
	repo := store.NewSQLiteRepo(db)

	reg := metrics.NewRegistry()
	m := metrics.New(reg)

	handlers := worker.NewRegistry()
	handlers.Register("shell", shell.Shell{})
	handlers.Register("http", httph.HTTP{Client: &http.Client{}})

	emOpts := []notify.Option{notify.WithQueueSize(cfg.Notifier.QueueSize)}
	var telegram *notify.TelegramSink
	if tc := cfg.Notifier.Telegram; tc.Enabled {
		telegram, err = notify.NewTelegramSink(notify.TelegramConfig{
			Token:       tc.Token,
			ChatID:      tc.ChatID,
			MinPriority: r.MinPriority,
			RatePerSec:  tc.RatePerSec,
			APIURL:      tc.APIURL,
		})
		if err != nil {
			return err
		}
		emOpts = append(emOpts, notify.WithSink(telegram))
	}
	em := notify.NewEmitter(repo, m, emOpts...)

	calc := schedule.NewCalculator(r.Location)
	dispatcher := scheduler.NewService(repo, calc, handlers, em, scheduler.Config{
		Tick:         r.Tick,
		Workers:      cfg.Dispatcher.Workers,
		MaxExecution: r.MaxExecution,
		ClaimTimeout: r.ClaimTimeout,
	}, scheduler.WithMetrics(m))
	svc := service.New(repo, calc, handlers, em, dispatcher)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := em.Reconcile(ctx); err != nil {
		log.Warn().Err(err).Msg("unread counter reconcile failed")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		em.Run(ctx, r.Reconcile)
	}()
	go dispatcher.Start(ctx)
	go func() {
		if err := mgr.Watch(ctx); err != nil {
			log.Warn().Err(err).Msg("config watch stopped")
		}
	}()
	go applyReloads(ctx, mgr.Subscribe(1), telegram)

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: api.NewServer(svc, api.Options{
			Gatherer:  reg,
			RateLimit: cfg.Server.RateLimit,
			RateBurst: cfg.Server.RateBurst,
			Pprof:     cfg.Server.Pprof,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Str("db", cfg.Storage.Path).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Debug().Err(err).Msg("sd_notify ready")
	}

	select {
	case <-ctx.Done():
	case err = <-errc:
		log.Error().Err(err).Msg("http server")
	}

	log.Info().Msg("shutting down")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stop()
	dispatcher.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	// Executions settle on their own context; wait for them before closing the db.
	dispatcher.Wait()
	<-done
	return err
}

// applyReloads pushes hot-reloadable settings to running components.
func applyReloads(ctx context.Context, updates <-chan *config.Config, telegram *notify.TelegramSink) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg := <-updates:
			if err := logging.SetLevel(cfg.Logging.Level); err != nil {
				log.Warn().Err(err).Msg("log level not applied")
			} else {
				log.Info().Str("level", cfg.Logging.Level).Msg("log level applied")
			}
			if telegram != nil {
				telegram.SetRate(cfg.Notifier.Telegram.RatePerSec)
			}
		}
	}
}
