// Command easel runs the render coordinator: the HTTP API, the worker pool
// that drives generation engines, and the optional AMQP intake.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/easel/internal/api"
	"github.com/seantiz/easel/internal/backend"
	"github.com/seantiz/easel/internal/backend/remote"
	"github.com/seantiz/easel/internal/backend/synthetic"
	"github.com/seantiz/easel/internal/config"
	"github.com/seantiz/easel/internal/engine"
	"github.com/seantiz/easel/internal/preview"
	"github.com/seantiz/easel/internal/queue"
	"github.com/seantiz/easel/internal/store"
)

const remoteBackendName = "remote"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("load .env: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("easel exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Info("easel: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"workers", cfg.Workers,
		"device", cfg.Device,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	reg, err := buildRegistry(ctx, cfg, logger)
	if err != nil {
		return err
	}

	opts := engine.Options{
		Workers:         cfg.Workers,
		QueueSize:       cfg.QueueSize,
		Device:          cfg.Device,
		DefaultTimeoutS: cfg.RenderTimeoutS,
		SaveRoot:        cfg.SaveRoot,
	}
	if cfg.RedisAddr != "" {
		mirror, err := preview.NewRedisMirror(ctx, cfg.RedisAddr, cfg.PreviewTTL)
		if err != nil {
			return fmt.Errorf("connect preview mirror: %w", err)
		}
		defer mirror.Close()
		opts.Previews = mirror
		logger.Info("preview mirror enabled", "redis_addr", cfg.RedisAddr, "ttl", cfg.PreviewTTL)
	}

	eng := engine.NewEngine(db, reg, logger, opts)

	var consumer *queue.Consumer
	if cfg.AMQPURL != "" {
		consumer, err = queue.Dial(cfg.AMQPURL, cfg.AMQPQueue, eng, logger)
		if err != nil {
			return fmt.Errorf("connect amqp: %w", err)
		}
		defer consumer.Close()
	}

	// gctx is cancelled once Wait returns, which also stops the workers.
	g, gctx := errgroup.WithContext(ctx)
	eng.Start(gctx)
	defer eng.Wait()

	srv := api.NewServer(api.Options{
		Addr:        cfg.ListenAddr,
		SubmitRPS:   cfg.SubmitRPS,
		SubmitBurst: cfg.SubmitBurst,
	}, db, reg, eng, logger)

	g.Go(func() error {
		return srv.Run(gctx)
	})

	if consumer != nil {
		g.Go(func() error {
			return consumer.Run(gctx)
		})
	}

	return g.Wait()
}

// buildRegistry registers the synthetic engine and, when configured, a
// remote engine which then becomes the default.
func buildRegistry(ctx context.Context, cfg config.Config, logger *slog.Logger) (*backend.Registry, error) {
	reg := backend.NewRegistry()
	reg.Register(synthetic.Name, synthetic.New(synthetic.Config{
		StepDelay: cfg.SyntheticStepDelay,
		Device:    cfg.Device,
	}))

	if cfg.EngineAddr == "" {
		return reg, nil
	}

	client, err := remote.Dial(ctx, cfg.EngineAddr, logger.With("backend", remoteBackendName))
	if err != nil {
		return nil, fmt.Errorf("connect engine %s: %w", cfg.EngineAddr, err)
	}
	reg.Register(remoteBackendName, client)
	if err := reg.SetDefault(remoteBackendName); err != nil {
		return nil, err
	}

	caps := client.Capabilities()
	logger.Info("remote engine registered",
		"addr", cfg.EngineAddr,
		"engine", caps.Name,
		"device", caps.Device,
	)
	return reg, nil
}
