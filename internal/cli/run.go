package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/machinefabric/altport-go/events"
	"github.com/machinefabric/altport-go/manifest"
	"github.com/machinefabric/altport-go/runner"
	"github.com/spf13/cobra"
)

var (
	runArgs    []string
	runContext []string
)

var runCmd = &cobra.Command{
	Use:   "run <extension> <command>",
	Short: "Run one extension command and print its console output",
	Args:  cobra.ExactArgs(2),
	RunE:  runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringArrayVarP(&runArgs, "arg", "a", nil, "Command argument as name=value (repeatable)")
	runCmd.Flags().StringArrayVar(&runContext, "context", nil, "Launch context entry as key=value (repeatable)")
}

// printSink writes console output the way a terminal user expects it.
type printSink struct {
	out io.Writer
}

func (s printSink) Console(_ *runner.Execution, msg events.ConsoleMessage) {
	fmt.Fprintf(s.out, "[%s] %s\n", msg.Level, strings.Join(msg.Args, " "))
}

func (s printSink) Finished(*runner.Execution, runner.Outcome) {}

func parsePairs(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected name=value, got %q", p)
		}
		out[k] = v
	}
	return out, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	registry, err := loadRegistry(&appConfig.Runner)
	if err != nil {
		return err
	}
	arguments, err := parsePairs(runArgs)
	if err != nil {
		return err
	}
	launchCtx, err := parsePairs(runContext)
	if err != nil {
		return err
	}
	launch := manifest.Launch{Arguments: arguments, Context: map[string]interface{}{}}
	for k, v := range launchCtx {
		launch.Context[k] = v
	}

	payload, err := registry.Payload(args[0], args[1], launch)
	if err != nil {
		return err
	}

	stack, err := newHost(appConfig, runner.WithSink(printSink{out: cmd.OutOrStdout()}))
	if err != nil {
		return err
	}
	defer stack.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := stack.host.Execute(ctx, payload)
	if err != nil {
		return err
	}

	select {
	case <-e.Done():
	case <-ctx.Done():
		if err := e.Kill(); err != nil {
			return err
		}
	}
	out, err := e.Wait(context.Background())
	if err != nil {
		return err
	}
	switch out.State {
	case runner.StateFinished:
		return nil
	case runner.StateKilled:
		return fmt.Errorf("%s/%s killed", args[0], args[1])
	default:
		return fmt.Errorf("%s/%s %s: %s", args[0], args[1], out.State, out.Error)
	}
}
