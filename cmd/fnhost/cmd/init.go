package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/fnhost/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Initialize a new fnhost project",
	Long: `Initialize a new fnhost project in dir (default: the project directory).
Creates fnhost.yaml, an example function, an empty .env file and an
application document with one query node.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

var initForce bool

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing configuration")
}

const exampleFunction = `// Every function module exports a default function. Its file name is the
// function name.
export default async function hello(params: { name?: string }) {
  return { message: "Hello, " + (params.name ?? "world") };
}
`

const exampleDocument = `version: 1
nodes:
  - name: helloQuery
    dataSource: local
    query:
      function: hello
    params:
      name: fnhost
`

func runInit(cmd *cobra.Command, args []string) error {
	dir := projectDir
	if len(args) == 1 {
		dir = args[0]
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolving project directory: %w", err)
	}

	configPath := filepath.Join(root, config.DefaultConfigName)
	if _, err := os.Stat(configPath); err == nil && !initForce {
		return fmt.Errorf("configuration already exists, use --force to overwrite")
	}
	if err := config.AtomicWrite(configPath, []byte(config.DefaultConfigYAML)); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	// Scaffold files are never overwritten.
	scaffold := []struct {
		path    string
		content string
	}{
		{filepath.Join(root, "resources", "hello.ts"), exampleFunction},
		{filepath.Join(root, ".env"), "# KEY=value pairs passed to the runtime process\n"},
		{filepath.Join(root, "application.yaml"), exampleDocument},
	}
	for _, f := range scaffold {
		if _, err := os.Stat(f.path); err == nil {
			continue
		}
		if err := config.AtomicWrite(f.path, []byte(f.content)); err != nil {
			return fmt.Errorf("writing %s: %w", f.path, err)
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Initialized fnhost project in %s\n", root)
	fmt.Fprintln(cmd.OutOrStdout(), "Run 'fnhost dev' to start the development server.")
	return nil
}
