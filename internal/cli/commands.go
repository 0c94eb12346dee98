package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var commandsCmd = &cobra.Command{
	Use:   "commands",
	Short: "List the commands of installed extensions",
	RunE:  runCommands,
}

func init() {
	rootCmd.AddCommand(commandsCmd)
}

func runCommands(cmd *cobra.Command, args []string) error {
	registry, err := loadRegistry(&appConfig.Runner)
	if err != nil {
		return err
	}
	entries := registry.Commands()
	if len(entries) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No extensions in %s\n", appConfig.Runner.ExtensionsDir)
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "EXTENSION\tCOMMAND\tTYPE\tTITLE")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Extension, e.ID, e.Type, e.Title)
	}
	return w.Flush()
}
