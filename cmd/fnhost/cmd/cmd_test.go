package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/fnhost/internal/config"
	"github.com/hugo-lorenzo-mato/fnhost/internal/core"
)

// runCommand executes the root command with args and returns its output.
func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()

	viper.Reset()
	cfgFile = ""
	projectDir = "."
	quiet = false
	initForce = false
	buildJSON = false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	err := rootCmd.Execute()
	return out.String(), err
}

func TestHelp(t *testing.T) {
	out, err := runCommand(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "fnhost")
	for _, sub := range []string{"dev", "start", "build", "exec", "query", "introspect", "config", "init", "version"} {
		assert.Contains(t, out, sub)
	}
}

func TestVersionCommand(t *testing.T) {
	SetVersion("v1.2.3", "abc123def", "2026-01-15")
	assert.Equal(t, "v1.2.3", GetVersion())

	out, err := runCommand(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "fnhost v1.2.3")
	assert.Contains(t, out, "abc123def")
	assert.Contains(t, out, "2026-01-15")
}

func TestInit(t *testing.T) {
	dir := t.TempDir()

	out, err := runCommand(t, "-q", "init", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Initialized fnhost project")

	for _, name := range []string{"fnhost.yaml", "resources/hello.ts", ".env", "application.yaml"} {
		assert.FileExists(t, filepath.Join(dir, name))
	}

	_, err = runCommand(t, "-q", "init", dir)
	assert.ErrorContains(t, err, "already exists")

	// --force rewrites the config but keeps user files.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "resources", "hello.ts"), []byte("export default () => 1;\n"), 0o600))
	_, err = runCommand(t, "-q", "init", "--force", dir)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(dir, "resources", "hello.ts"))
	require.NoError(t, err)
	assert.Equal(t, "export default () => 1;\n", string(data))
}

func TestConfigShow(t *testing.T) {
	dir := t.TempDir()
	cfg := `mode: production
server:
  addr: 127.0.0.1:4000
datasources:
  warehouse:
    type: postgres
    dsn: postgres://app:hunter2@db:5432/app
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fnhost.yaml"), []byte(cfg), 0o600))

	out, err := runCommand(t, "-C", dir, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "mode: production")
	assert.Contains(t, out, "addr: 127.0.0.1:4000")
	assert.Contains(t, out, "warehouse")
	assert.NotContains(t, out, "hunter2")
}

func TestConfigValidate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fnhost.yaml"), []byte("mode: staging\n"), 0o600))

	_, err := runCommand(t, "-C", dir, "config", "validate")
	assert.ErrorContains(t, err, "mode")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "fnhost.yaml"), []byte("mode: development\n"), 0o600))
	out, err := runCommand(t, "-C", dir, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")
}

func TestBuild(t *testing.T) {
	dir := t.TempDir()
	_, err := runCommand(t, "-q", "init", dir)
	require.NoError(t, err)

	out, err := runCommand(t, "-q", "-C", dir, "build", "--json")
	require.NoError(t, err, out)

	var res buildResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.OK)
	assert.Equal(t, []string{"hello"}, res.Functions)
	assert.FileExists(t, res.OutputFile)
}

func TestBuild_Errors(t *testing.T) {
	dir := t.TempDir()
	_, err := runCommand(t, "-q", "init", dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "resources", "broken.ts"),
		[]byte("export default function broken( {\n"), 0o600))

	out, err := runCommand(t, "-q", "-C", dir, "build")
	assert.ErrorContains(t, err, "build failed")
	assert.Contains(t, out, "broken.ts")
}

func TestParseParams(t *testing.T) {
	params, err := parseParams(`{"a":1,"b":"x"}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": float64(1), "b": "x"}, params)

	params, err = parseParams("")
	require.NoError(t, err)
	assert.Nil(t, params)

	_, err = parseParams("[1]")
	assert.Error(t, err)
}

func TestQuery_RequiresTarget(t *testing.T) {
	_, err := runCommand(t, "-q", "-C", t.TempDir(), "query")
	assert.ErrorContains(t, err, "--datasource is required")
}

func TestRetryWhileStarting(t *testing.T) {
	attempts := 0
	err := retryWhileStarting(context.Background(), func() error {
		attempts++
		switch attempts {
		case 1:
			return core.ErrNotRunning()
		case 2:
			return core.ErrAborted("runtime restarting")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)

	attempts = 0
	err = retryWhileStarting(context.Background(), func() error {
		attempts++
		return core.ErrUnknownFunction("nope")
	})
	var de *core.DomainError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, core.CodeUnknownFunction, de.Code)
	assert.Equal(t, 1, attempts)
}

func TestResultError(t *testing.T) {
	assert.NoError(t, resultError(core.ExecResult{Data: 1}))

	err := resultError(core.ExecResult{Error: &core.SerializedError{Code: core.CodeNotRunning}})
	assert.True(t, core.IsRetryable(err))

	err = resultError(core.ExecResult{Error: &core.SerializedError{Code: core.CodeAborted, Message: "restart"}})
	assert.True(t, core.IsRetryable(err))
	assert.True(t, core.IsCategory(err, core.ErrCatAborted))

	err = resultError(core.ExecResult{Error: &core.SerializedError{Code: core.CodeQueryFailed, Message: "db down"}})
	assert.False(t, core.IsRetryable(err))
	assert.ErrorContains(t, err, "db down")
}

func TestNewLogger_RedactsConfiguredPatterns(t *testing.T) {
	quiet = false
	logFile := filepath.Join(t.TempDir(), "fnhost.log")
	cfg := &config.Config{Log: config.LogConfig{
		Level:  "info",
		Format: "json",
		File:   logFile,
		Redact: []string{`acct-[0-9]{8}`},
	}}

	logger, closeLog, err := newLogger(cfg)
	require.NoError(t, err)
	logger.Info("charged acct-12345678")
	closeLog()

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "charged")
	assert.NotContains(t, string(data), "acct-12345678")
}
