package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/fnhost/internal/core"
	"github.com/hugo-lorenzo-mato/fnhost/internal/project"
)

var introspectCmd = &cobra.Command{
	Use:   "introspect",
	Short: "List the functions registered in the runtime",
	RunE:  runIntrospect,
}

var introspectJSON bool

func init() {
	rootCmd.AddCommand(introspectCmd)
	introspectCmd.Flags().BoolVar(&introspectJSON, "json", false, "print the manifest as JSON")
}

func runIntrospect(cmd *cobra.Command, _ []string) error {
	return withRunningProject(cmd.Context(), func(ctx context.Context, pc *project.ProjectContext) error {
		var intro *core.Introspection
		err := retryWhileStarting(ctx, func() error {
			var err error
			intro, err = pc.Runtime.Introspect(ctx)
			return err
		})
		if err != nil {
			return fmt.Errorf("introspect: %w", err)
		}

		out := cmd.OutOrStdout()
		if introspectJSON {
			return printJSON(out, intro)
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "FUNCTION\tFILE")
		for _, fn := range intro.Functions {
			fmt.Fprintf(w, "%s\t%s\n", fn.Name, fn.File)
		}
		return w.Flush()
	})
}
