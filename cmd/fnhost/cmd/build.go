package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/fnhost/internal/build"
	"github.com/hugo-lorenzo-mato/fnhost/internal/project"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Bundle the project functions once",
	Long: `Bundle the functions under the resources directory and report
compilation errors with a code frame. Exits with an error if the build fails.`,
	RunE: runBuild,
}

var buildJSON bool

func init() {
	rootCmd.AddCommand(buildCmd)
	buildCmd.Flags().BoolVar(&buildJSON, "json", false, "print the build result as JSON")
}

func runBuild(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	pc, err := project.NewProjectContext(cmd.Context(), cfg,
		project.WithContextLogger(logger),
		project.WithWatch(false),
	)
	if err != nil {
		return err
	}
	defer pc.Close()

	st, err := pc.Builds.Build(cmd.Context())
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}

	out := cmd.OutOrStdout()
	if buildJSON {
		if err := printJSON(out, buildSummary(st)); err != nil {
			return err
		}
	} else {
		printBuild(out, st)
	}
	if !st.OK() {
		return fmt.Errorf("build failed with %d error(s)", len(st.Errors))
	}
	return nil
}

type buildResult struct {
	OK         bool     `json:"ok"`
	Generation int64    `json:"generation"`
	OutputFile string   `json:"output_file,omitempty"`
	Functions  []string `json:"functions"`
	Errors     []string `json:"errors,omitempty"`
}

func buildSummary(st *build.State) buildResult {
	res := buildResult{
		OK:         st.OK(),
		Generation: st.Generation,
		OutputFile: st.OutputFile,
		Functions:  st.FunctionNames(),
	}
	for i := range st.Errors {
		res.Errors = append(res.Errors, st.Errors[i].Error())
	}
	return res
}

func printBuild(w io.Writer, st *build.State) {
	if st.OK() {
		fmt.Fprintf(w, "Built %d function(s) in %s\n", len(st.Functions), st.OutputFile)
		for _, name := range st.FunctionNames() {
			fmt.Fprintf(w, "  %s\n", name)
		}
		return
	}
	for i := range st.Errors {
		e := &st.Errors[i]
		fmt.Fprintf(w, "error: %s\n", e.Error())
		if e.CodeFrame != "" {
			fmt.Fprintln(w, e.CodeFrame)
		}
	}
}
