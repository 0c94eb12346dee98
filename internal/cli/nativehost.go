package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/machinefabric/altport-go/internal/logger"
	"github.com/machinefabric/altport-go/port"
	"github.com/machinefabric/altport-go/relay"
	"github.com/spf13/cobra"
)

var nativeHostCmd = &cobra.Command{
	Use:   "native-host [origin]",
	Short: "Serve the file relay to a browser extension over native messaging",
	Long: `Speak the browser native messaging protocol on stdin/stdout and answer
file:store and file:request. Browsers pass the calling extension origin as
the first argument. Logs go to stderr or the configured log file, never to
stdout.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runNativeHost,
}

func init() {
	rootCmd.AddCommand(nativeHostCmd)
}

func runNativeHost(cmd *cobra.Command, args []string) error {
	log := logger.GetRelayLogger()
	if len(args) == 1 {
		log = log.With().Str("origin", args[0]).Logger()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := newFileStore(ctx, &appConfig.Relay)
	if err != nil {
		return err
	}
	defer store.Close()

	bg := &relay.Background{Store: store, Log: log}
	log.Info().Str("store", appConfig.Relay.Store).Msg("native host started")
	return bg.Serve(ctx, port.NewNativeChannel(os.Stdin, os.Stdout, os.Stdin))
}
