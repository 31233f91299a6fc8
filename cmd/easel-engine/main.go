// Command easel-engine serves the synthetic generation engine over the
// remote engine protocol, on tcp, a unix socket, or vsock inside a VM.
//
// Usage: easel-engine -listen vsock://3:7000
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seantiz/easel/internal/backend/remote"
	"github.com/seantiz/easel/internal/backend/synthetic"
	"github.com/seantiz/easel/internal/config"
)

func main() {
	listen := flag.String("listen", "tcp://127.0.0.1:7070", "address to serve on (tcp://, unix:// or vsock://)")
	device := flag.String("device", "cpu", "device reported in capabilities")
	stepDelay := flag.Duration("step-delay", 50*time.Millisecond, "time spent per inference step")
	upscale := flag.Int("upscale", 2, "upscale filter factor")
	logLevel := flag.String("log-level", "info", "debug, info, warn or error")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		log.Fatalf("log level: %v", err)
	}
	logger := config.NewLogger(os.Stderr, level)

	addr, err := remote.ParseAddress(*listen)
	if err != nil {
		log.Fatalf("parse listen address: %v", err)
	}
	if addr.Network == "unix" {
		_ = os.Remove(addr.Addr)
	}

	l, err := addr.Listen()
	if err != nil {
		log.Fatalf("listen on %s: %v", addr, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	context.AfterFunc(ctx, func() { l.Close() })

	eng := synthetic.New(synthetic.Config{
		StepDelay:     *stepDelay,
		UpscaleFactor: *upscale,
		Device:        *device,
	})
	srv := remote.NewServer(eng, logger)

	logger.Info("easel-engine listening", "addr", addr.String(), "device", *device)
	if err := srv.Serve(l); err != nil {
		log.Fatalf("serve: %v", err)
	}
	logger.Info("easel-engine stopped")
}
