package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/machinefabric/altport-go/internal/logger"
	"github.com/machinefabric/altport-go/internal/server"
	"github.com/machinefabric/altport-go/relay"
	"github.com/machinefabric/altport-go/runner"
	"github.com/spf13/cobra"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the runner host to palette UIs over websockets",
	Long: `Start the websocket server. Routes:
  GET /ws          port session (extension:execute, extension:kill, file:*)
  GET /healthz     liveness
  GET /executions  live executions
  GET /commands    installed commands`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (overrides server.host)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Listen port (overrides server.port)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := appConfig
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry, err := loadRegistry(&cfg.Runner)
	if err != nil {
		return err
	}
	store, err := newFileStore(ctx, &cfg.Relay)
	if err != nil {
		return err
	}
	defer store.Close()

	fanout := server.NewFanout(runner.LogSink{Log: logger.GetRunnerLogger()})
	stack, err := newHost(cfg, runner.WithSink(fanout))
	if err != nil {
		return err
	}
	defer stack.Close()

	background := &relay.Background{Store: store, Log: logger.GetRelayLogger()}
	srv := server.New(&cfg.Server, stack.host, fanout, registry, background)
	return srv.Run(ctx)
}
