package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	httpAdapter "github.com/cwygoda/uplink/internal/adapter/http"
	"github.com/cwygoda/uplink/internal/adapter/memory"
	"github.com/cwygoda/uplink/internal/adapter/sqlite"
	"github.com/cwygoda/uplink/internal/adapter/uploader"
	"github.com/cwygoda/uplink/internal/config"
	"github.com/cwygoda/uplink/internal/domain"
	"github.com/cwygoda/uplink/internal/logging"
	"github.com/cwygoda/uplink/internal/scheduler"
	"github.com/cwygoda/uplink/internal/vault"
	"github.com/cwygoda/uplink/internal/worker"
)

func main() {
	boot := logging.NewConsole()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		boot.Fatal().Err(err).Msg("load config")
	}

	log, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}, os.Stderr)
	if err != nil {
		boot.Fatal().Err(err).Msg("configure logging")
	}

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("uplink stopped")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	log.Info().Str("config", cfg.Path).Str("store", cfg.Store.Driver).Msg("starting uplink")

	var repo domain.JobRepository
	switch cfg.Store.Driver {
	case "memory":
		log.Warn().Msg("using in-memory store, jobs are lost on exit")
		repo = memory.New()
	default:
		db, err := sqlite.New(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer db.Close()
		log.Info().Str("path", cfg.Store.Path).Msg("database opened")
		repo = db
	}

	v, err := vault.New(cfg.Vault.Dir, log)
	if err != nil {
		return err
	}

	registry := uploader.NewRegistry()
	uploaders, err := uploader.FromConfig(cfg.Uploaders)
	if err != nil {
		return err
	}
	registry.Replace(uploaders)
	if len(uploaders) == 0 {
		log.Warn().Msg("no uploaders configured, due jobs will fail")
	}

	svc := domain.NewJobService(repo, cfg.Limits())
	sched, err := scheduler.New(svc, v, registry, scheduler.Options{
		Worker: worker.Config{
			PollInterval:  cfg.PollInterval,
			MaxConcurrent: cfg.MaxConcurrent,
			ShutdownGrace: cfg.ShutdownGrace,
			ProgressRate:  cfg.ProgressRate,
			Policy:        cfg.RetryPolicy(),
		},
		RetentionSchedule: cfg.Retention.Schedule,
		RetentionKeep:     cfg.Retention.Keep,
	}, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sched.Start(ctx); err != nil {
		return err
	}
	go logProgress(ctx, sched.Progress(), log)

	if cfg.Path != "" {
		go func() {
			err := config.Watch(ctx, cfg.Path, log, func(next *config.Config) {
				us, err := uploader.FromConfig(next.Uploaders)
				if err != nil {
					log.Error().Err(err).Msg("uploader reload rejected")
					return
				}
				registry.Replace(us)
				log.Info().Interface("platforms", registry.Platforms()).Msg("uploaders reloaded")
			})
			if err != nil {
				log.Warn().Err(err).Msg("config hot reload disabled")
			}
		}()
	}

	srv := httpAdapter.NewServer(sched, v, cfg.HTTP.Addr, cfg.HTTP.Secret, log)
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+10*time.Second)
	defer stopCancel()
	if err := sched.Stop(stopCtx); err != nil {
		log.Error().Err(err).Msg("scheduler shutdown error")
	}
	cancel()

	log.Info().Msg("shutdown complete")
	return nil
}

func logProgress(ctx context.Context, ch <-chan domain.Progress, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-ch:
			log.Debug().Str("job", p.JobID).Str("platform", string(p.Platform)).
				Str("sent", humanize.IBytes(uint64(p.BytesSent))).
				Str("total", humanize.IBytes(uint64(p.TotalBytes))).
				Float64("percent", p.Percent()).Msg("upload progress")
		}
	}
}
