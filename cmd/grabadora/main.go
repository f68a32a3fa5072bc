package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/snarg/grabadora/internal/api"
	"github.com/snarg/grabadora/internal/auth"
	"github.com/snarg/grabadora/internal/config"
	"github.com/snarg/grabadora/internal/database"
	"github.com/snarg/grabadora/internal/engine"
	"github.com/snarg/grabadora/internal/live"
	"github.com/snarg/grabadora/internal/metrics"
	"github.com/snarg/grabadora/internal/queue"
	"github.com/snarg/grabadora/internal/storage"
	"github.com/snarg/grabadora/internal/worker"
)

var version = "dev"

// watchUserEmail owns transcripts ingested from the watch folder.
const watchUserEmail = "watch-folder@grabadora.local"

func main() {
	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file")
	flag.StringVar(&overrides.HTTPAddr, "addr", "", "HTTP listen address")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level")
	flag.IntVar(&overrides.Workers, "workers", 0, "worker pool size")
	flag.Parse()

	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var out = zerolog.New(os.Stdout)
	if cfg.Env == "development" {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	log := out.With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("grabadora starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, cfg.DatabaseURL, log.With().Str("component", "database").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()
	prometheus.MustRegister(metrics.NewPoolCollector(db.Pool))

	blobs, err := storage.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open blob store")
	}
	for _, bucket := range []string{cfg.AudioBucket, cfg.TranscriptBucket} {
		if err := blobs.EnsureBucket(ctx, bucket); err != nil {
			log.Fatal().Err(err).Str("bucket", bucket).Msg("failed to ensure bucket")
		}
	}

	q, err := queue.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open job queue")
	}
	defer q.Close()

	eng := engine.NewService(cfg, log)
	go eng.Warmup(ctx)

	jobs := worker.NewJobs(cfg, db, blobs, eng, q, log)
	pool := worker.NewPool(cfg, q, log)
	jobs.Register(pool)
	pool.Start()
	defer pool.Stop()

	var watcher *worker.Watcher
	if cfg.WatchDir != "" {
		ownerID, err := resolveWatchUser(ctx, db)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to resolve watch-folder user")
		}
		watcher = worker.NewWatcher(cfg, db, blobs, q, ownerID, log)
		if err := watcher.Start(); err != nil {
			log.Fatal().Err(err).Str("dir", cfg.WatchDir).Msg("failed to start watch folder")
		}
		defer watcher.Stop()
	}

	tokens := auth.NewTokens(cfg.JWTSecret, cfg.JWTExpiry)
	lm := live.NewManager(cfg, eng, db, blobs, log)

	srv := api.NewServer(api.Deps{
		Config:  cfg,
		DB:      db,
		Blobs:   blobs,
		Queue:   q,
		Live:    lm,
		Tokens:  tokens,
		Workers: pool,
		Debug:   eng.Debug,
		Log:     log,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("grabadora stopped")
}

// resolveWatchUser returns the id of the account that owns watch-folder
// ingests, creating it on first run. The account has an unusable password
// hash, so nobody can log in as it.
func resolveWatchUser(ctx context.Context, db *database.DB) (int, error) {
	u, err := db.CreateUser(ctx, watchUserEmail, "*")
	if errors.Is(err, database.ErrDuplicateEmail) {
		u, err = db.GetUserByEmail(ctx, watchUserEmail)
	}
	if err != nil {
		return 0, err
	}
	return u.ID, nil
}
