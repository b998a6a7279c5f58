package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/datapr/internal/config"
	"github.com/gosuda/datapr/internal/pipeline"
	"github.com/gosuda/datapr/internal/secrets"
	"github.com/gosuda/datapr/internal/store/postgres"
	redisstore "github.com/gosuda/datapr/internal/store/redis"
)

func main() {
	once := flag.Bool("once", false, "drain the queue once and exit")
	flag.Parse()

	if err := run(*once); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("worker failed")
	}
}

func run(once bool) error {
	// Local development convenience; a missing .env is fine.
	_ = godotenv.Load()

	initLogging()

	ctx := context.Background()

	// Load configuration from environment.
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateWorker(); err != nil {
		return err
	}

	if cfg.Database.MaxConns < 0 || cfg.Database.MaxConns > math.MaxInt32 {
		return fmt.Errorf("database max_conns %d out of int32 range", cfg.Database.MaxConns)
	}

	// Connect to PostgreSQL.
	store, err := postgres.New(ctx, cfg.Database.DSN(), int32(cfg.Database.MaxConns)) //nolint:gosec // bounds checked above
	if err != nil {
		return err
	}
	defer store.Close()

	// Connect to the Redis dispatch queue.
	queue, err := redisstore.NewQueue(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
		cfg.Redis.Stream, cfg.Redis.Group, cfg.Redis.Consumer)
	if err != nil {
		return err
	}
	defer queue.Close()

	// Encrypted secret access for the git token.
	vault, err := secrets.NewVault(cfg.VaultKey)
	if err != nil {
		return err
	}
	secretStore := secrets.NewStore(store.Secrets(), vault)

	// Assemble the provisioning pipeline.
	git := pipeline.NewGitGateway(cfg.Git.RepoURL, cfg.Git.AuthorName, cfg.Git.AuthorEmail)
	prs := pipeline.NewGitHubGateway(cfg.Git.Owner, cfg.Git.Name)
	provisioner := pipeline.NewProvisioner(git, prs, secretStore, pipeline.ProvisionerConfig{
		TokenSecretName: cfg.Git.TokenSecretName,
		DatasetsDir:     cfg.Git.DatasetsDir,
	})

	worker := pipeline.NewWorker(queue, store.Requests(), provisioner, pipeline.WorkerConfig{
		BatchSize:     int64(cfg.Worker.BatchSize),
		MaxIterations: cfg.Worker.MaxIterations,
		PullBlock:     cfg.Worker.PullBlock,
		ClaimMinIdle:  cfg.Worker.ClaimMinIdle,
	})

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if once {
		n, err := worker.Drain(ctx)
		if err != nil {
			return err
		}
		log.Info().Int("processed", n).Msg("drain complete")
		return nil
	}

	log.Info().
		Str("stream", cfg.Redis.Stream).
		Str("group", cfg.Redis.Group).
		Str("consumer", cfg.Redis.Consumer).
		Dur("interval", cfg.Worker.DrainInterval).
		Msg("starting worker")

	return worker.Run(ctx, cfg.Worker.DrainInterval)
}

// initLogging configures structured logging from environment.
func initLogging() {
	level, parseErr := zerolog.ParseLevel(os.Getenv("DATAPR_LOG_LEVEL"))
	if parseErr != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if os.Getenv("DATAPR_LOG_FORMAT") == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
}
