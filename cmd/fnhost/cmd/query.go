package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/fnhost/internal/core"
	"github.com/hugo-lorenzo-mato/fnhost/internal/project"
)

var queryCmd = &cobra.Command{
	Use:   "query [node]",
	Short: "Run a query node or an ad hoc query",
	Long: `Run a query against a data source and print the {data} or {error}
result.

With a node name, the query node of that name in the application document
is executed. Without one, --datasource and --query describe the query.

Examples:
  fnhost query listOrders --params '{"status":"open"}'
  fnhost query --datasource reports --query '"SELECT count(*) AS n FROM orders"'
  fnhost query --datasource local --query '"hello"' --transform 'len(data)'`,
	Args: cobra.MaximumNArgs(1),
	RunE: runQuery,
}

var (
	queryDataSource string
	queryText       string
	queryParams     string
	queryTransform  string
)

func init() {
	rootCmd.AddCommand(queryCmd)
	queryCmd.Flags().StringVar(&queryDataSource, "datasource", "", "data source id for an ad hoc query")
	queryCmd.Flags().StringVar(&queryText, "query", "", "query as JSON, e.g. '\"SELECT 1\"' or '{\"function\":\"hello\"}'")
	queryCmd.Flags().StringVar(&queryParams, "params", "", "query parameters as a JSON object")
	queryCmd.Flags().StringVar(&queryTransform, "transform", "", "transform expression applied to the result")
}

func runQuery(cmd *cobra.Command, args []string) error {
	params, err := parseParams(queryParams)
	if err != nil {
		return err
	}

	var desc core.QueryDescriptor
	if len(args) == 0 {
		if queryDataSource == "" {
			return errors.New("either a query node name or --datasource is required")
		}
		desc = core.QueryDescriptor{DataSourceID: queryDataSource, Params: params}
		if queryText != "" {
			if !json.Valid([]byte(queryText)) {
				return fmt.Errorf("--query is not valid JSON")
			}
			desc.Query = json.RawMessage(queryText)
		}
		if queryTransform != "" {
			desc.Transform = &core.Transform{Enabled: true, Expression: queryTransform}
		}
	}

	return withRunningProject(cmd.Context(), func(ctx context.Context, pc *project.ProjectContext) error {
		var res core.ExecResult
		_ = retryWhileStarting(ctx, func() error {
			if len(args) == 1 {
				res = pc.Data.ExecDataNodeQuery(ctx, args[0], params)
			} else {
				res = pc.Data.ExecQuery(ctx, desc)
			}
			return resultError(res)
		})
		if err := printJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
		if res.Error != nil {
			return res.Error
		}
		return nil
	})
}
