package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/fnhost/internal/core"
	"github.com/hugo-lorenzo-mato/fnhost/internal/datasource"
	"github.com/hugo-lorenzo-mato/fnhost/internal/project"
)

var execCmd = &cobra.Command{
	Use:   "exec <function>",
	Short: "Build the project and call one function",
	Long: `Build the project, start the runtime, call a function and print its
JSON result.

Examples:
  fnhost exec hello
  fnhost exec createOrder --params '{"sku":"A-1","qty":2}'`,
	Args: cobra.ExactArgs(1),
	RunE: runExec,
}

var (
	execParams string
	execDebug  bool
)

func init() {
	rootCmd.AddCommand(execCmd)
	execCmd.Flags().StringVar(&execParams, "params", "", "function parameters as a JSON object")
	execCmd.Flags().BoolVar(&execDebug, "debug", false, "report the call duration")
}

func runExec(cmd *cobra.Command, args []string) error {
	params, err := parseParams(execParams)
	if err != nil {
		return err
	}
	name := args[0]

	return withRunningProject(cmd.Context(), func(ctx context.Context, pc *project.ProjectContext) error {
		var res core.ExecResult
		err := retryWhileStarting(ctx, func() error {
			if execDebug {
				query, _ := json.Marshal(map[string]any{
					"action":     datasource.ActionDebugExec,
					"function":   name,
					"parameters": params,
				})
				res = pc.Data.ExecPrivate(ctx, datasource.LocalID, query)
				return resultError(res)
			}
			data, err := pc.Runtime.Execute(ctx, name, params)
			res = core.ExecResult{Data: data}
			return err
		})
		if err != nil {
			return fmt.Errorf("exec %s: %w", name, err)
		}
		return printJSON(cmd.OutOrStdout(), res.Data)
	})
}
