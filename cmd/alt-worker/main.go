// Command alt-worker runs one extension command per process. The host
// speaks framed CBOR on stdin and stdout; anything written to stderr shows up
// in the extension console.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/machinefabric/altport-go/internal/config"
	"github.com/machinefabric/altport-go/internal/logger"
	"github.com/machinefabric/altport-go/worker"
)

func main() {
	cfg, err := config.NewConfig(os.Getenv("ALTPORT_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Initialize(&cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.CloseGlobal()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []worker.Option{worker.WithLogger(logger.GetWorkerLogger())}
	if cfg.Runner.DevMode {
		opts = append(opts, worker.WithStackTraces())
	}
	rt := worker.NewRuntime(opts...)
	worker.Builtins(rt)

	if err := rt.ServeStdio(ctx); err != nil {
		log := logger.GetWorkerLogger()
		log.Error().Err(err).Msg("worker stopped")
		stop()
		os.Exit(1)
	}
}
