package supervisor

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/fnhost/internal/build"
	"github.com/hugo-lorenzo-mato/fnhost/internal/core"
	"github.com/hugo-lorenzo-mato/fnhost/internal/envfile"
)

func requireNode(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping node end-to-end test in short mode")
	}
	node, err := exec.LookPath("node")
	if err != nil {
		t.Skip("node not found on PATH")
	}
	return node
}

func writeProjectFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o750))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
}

func TestEndToEnd_Node(t *testing.T) {
	node := requireNode(t)
	root := t.TempDir()

	writeProjectFile(t, root, ".env", "GREETING=hello\n")
	writeProjectFile(t, root, "resources/greet.ts", `
export default async function greet(params: { name: string }) {
  return { message: process.env.GREETING + " " + params.name };
}
greet.parameters = { name: "string" };

export function fail() {
  throw new RangeError("out of range");
}

export function hang() {
  return new Promise(() => {});
}
`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pipeline := build.New(build.Options{Root: root, Debounce: 20 * time.Millisecond})
	defer pipeline.Dispose()
	env := envfile.New(filepath.Join(root, ".env"), envfile.WithWatch(true), envfile.WithDebounce(20*time.Millisecond))
	defer env.Close()

	sup := New(pipeline, Options{
		Command:        node,
		Args:           []string{"--enable-source-maps"},
		Dir:            root,
		Development:    true,
		RequestTimeout: 10 * time.Second,
		ShutdownGrace:  time.Second,
		MaxRestarts:    2,
	}, WithEnv(env))
	defer sup.Close()

	go func() { _ = pipeline.Watch(ctx) }()
	go func() { _ = env.Watch(ctx) }()
	go func() { _ = sup.Run(ctx) }()

	greet := func() (string, error) {
		callCtx, callCancel := context.WithTimeout(ctx, 10*time.Second)
		defer callCancel()
		raw, err := sup.Execute(callCtx, "greet", map[string]any{"name": "ada"})
		if err != nil {
			return "", err
		}
		var out struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return "", err
		}
		return out.Message, nil
	}

	msg, err := greet()
	require.NoError(t, err)
	assert.Equal(t, "hello ada", msg)

	_, err = sup.Execute(ctx, "greet.fail", nil)
	var remote *core.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "RangeError", remote.Name)
	assert.Equal(t, "out of range", remote.Message)

	_, err = sup.Execute(ctx, "nope", nil)
	var de *core.DomainError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, core.CodeUnknownFunction, de.Code)

	info, err := sup.Introspect(ctx)
	require.NoError(t, err)
	names := make([]string, 0, len(info.Functions))
	for _, fn := range info.Functions {
		names = append(names, fn.Name)
	}
	assert.ElementsMatch(t, []string{"greet", "greet.fail", "greet.hang"}, names)

	// Killing the process fails the in-flight call; the next one succeeds
	// after the automatic restart.
	pid := sup.Status(ctx).PID
	require.NotZero(t, pid)
	hung := make(chan error, 1)
	go func() {
		_, err := sup.Execute(ctx, "greet.hang", nil)
		hung <- err
	}()
	eventually(t, func() bool { return sup.Client().Pending() == 1 }, "hang call never became pending")
	proc, err := os.FindProcess(pid)
	require.NoError(t, err)
	require.NoError(t, proc.Kill())
	select {
	case err := <-hung:
		assert.True(t, core.IsCategory(err, core.ErrCatAborted), "got %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("in-flight call was not aborted")
	}
	eventually(t, func() bool {
		msg, err := greet()
		return err == nil && msg == "hello ada" && sup.Status(ctx).PID != pid
	}, "runtime did not restart after being killed")

	time.Sleep(100 * time.Millisecond)

	// Environment change restarts the runtime.
	writeProjectFile(t, root, ".env", "GREETING=bonjour\n")
	eventually(t, func() bool {
		msg, err := greet()
		return err == nil && msg == "bonjour ada"
	}, "runtime did not pick up the new environment")

	// A syntax error gates requests without stopping the process.
	writeProjectFile(t, root, "resources/greet.ts", "export default function (: {\n")
	eventually(t, func() bool {
		_, err := greet()
		return core.IsCategory(err, core.ErrCatBuild)
	}, "build error did not gate requests")

	// Fixing the source rebuilds and restarts.
	writeProjectFile(t, root, "resources/greet.ts", `
export default function greet(params: { name: string }) {
  return { message: "hi " + params.name };
}
`)
	eventually(t, func() bool {
		msg, err := greet()
		return err == nil && msg == "hi ada"
	}, "runtime did not pick up the fixed source")
}
