// testserver starts an easel API server backed by an in-memory store, the
// synthetic engine, a loopback remote engine and an in-process Redis, for
// end-to-end testing without external services.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/seantiz/easel/internal/api"
	"github.com/seantiz/easel/internal/backend"
	"github.com/seantiz/easel/internal/backend/remote"
	"github.com/seantiz/easel/internal/backend/synthetic"
	"github.com/seantiz/easel/internal/engine"
	"github.com/seantiz/easel/internal/preview"
	"github.com/seantiz/easel/internal/store"
)

const stepDelay = 20 * time.Millisecond

func main() {
	addr := ":8080"
	if v := os.Getenv("EASEL_LISTEN_ADDR"); v != "" {
		addr = v
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	reg := backend.NewRegistry()
	reg.Register(synthetic.Name, synthetic.New(synthetic.Config{StepDelay: stepDelay}))

	// The remote engine is served from this process over a unix socket.
	dir, err := os.MkdirTemp("", "easel-testserver")
	if err != nil {
		log.Fatalf("temp dir: %v", err)
	}
	defer os.RemoveAll(dir)
	sock := filepath.Join(dir, "engine.sock")
	l, err := net.Listen("unix", sock)
	if err != nil {
		log.Fatalf("listen on %s: %v", sock, err)
	}
	engineSrv := remote.NewServer(synthetic.New(synthetic.Config{StepDelay: stepDelay, Device: "loopback"}), logger)
	go func() {
		if err := engineSrv.Serve(l); err != nil {
			logger.Error("engine server", "error", err)
		}
	}()
	defer l.Close()

	client, err := remote.Dial(ctx, "unix://"+sock, logger)
	if err != nil {
		log.Fatalf("dial engine: %v", err)
	}
	reg.Register("remote", client)

	mr, err := miniredis.Run()
	if err != nil {
		log.Fatalf("start redis: %v", err)
	}
	defer mr.Close()
	mirror, err := preview.NewRedisMirror(ctx, mr.Addr(), preview.DefaultTTL)
	if err != nil {
		log.Fatalf("connect redis: %v", err)
	}
	defer mirror.Close()

	eng := engine.NewEngine(db, reg, logger, engine.Options{Workers: 2, Previews: mirror})
	eng.Start(ctx)
	defer eng.Wait()

	srv := api.NewServer(api.Options{Addr: addr}, db, reg, eng, logger)

	logger.Info("testserver: starting", "addr", addr)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
