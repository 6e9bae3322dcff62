package project

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/fnhost/internal/config"
	"github.com/hugo-lorenzo-mato/fnhost/internal/core"
	"github.com/hugo-lorenzo-mato/fnhost/internal/rpc"
)

const helperEnv = "FNHOST_PROJECT_HELPER"

// TestHelperProcess is not a real test. It is re-executed as the project
// runtime and answers every exec with the function name and parameters.
func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	in := os.NewFile(3, "requests")
	enc := rpc.NewEncoder(os.NewFile(4, "responses"))
	_ = rpc.ReadMessages(in, func(msg *rpc.Message) {
		switch msg.Kind {
		case rpc.KindExec:
			data, _ := json.Marshal(map[string]any{"name": msg.Name, "params": msg.Parameters, "mode": os.Getenv("FNHOST_MODE")})
			_ = enc.Encode(&rpc.Message{Kind: rpc.KindResult, ID: msg.ID, Data: data})
		case rpc.KindIntrospect:
			data, _ := json.Marshal(core.Introspection{Functions: []core.FunctionInfo{{Name: "hello"}}})
			_ = enc.Encode(&rpc.Message{Kind: rpc.KindResult, ID: msg.ID, Data: data})
		}
	}, nil)
	os.Exit(0)
}

func setupTestProject(t *testing.T, mode string) *config.Config {
	t.Helper()
	root := t.TempDir()

	files := map[string]string{
		"resources/hello.ts": "export default function hello(p: { who: string }) { return 'hi ' + p.who; }\n",
		".env":               "GREETING=hello\n",
		"application.yaml": `
nodes:
  - name: greet
    dataSource: local
    query: {function: hello}
    params: {who: node}
  - name: countItems
    dataSource: db
    query: "select count(*) as n from items"
    transform: {enabled: true, expression: "get(first(data), 'n')"}
`,
	}
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	cfg, err := config.NewLoader().WithProjectDir(root).Load()
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	cfg.Mode = mode
	cfg.Runtime.Command = os.Args[0]
	cfg.Runtime.Args = []string{"-test.run=^TestHelperProcess$", "--"}
	cfg.Runtime.RequestTimeout = "5s"
	cfg.DataSources = map[string]config.DataSourceConfig{
		"db": {Type: config.DataSourceSQLite, DSN: "data/app.db"},
	}
	if err := os.MkdirAll(filepath.Join(root, "data"), 0o750); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestNewProjectContext(t *testing.T) {
	cfg := setupTestProject(t, config.ModeProduction)

	pc, err := NewProjectContext(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewProjectContext failed: %v", err)
	}
	defer pc.Close()

	if pc.ID != filepath.Base(cfg.Project.Root) {
		t.Errorf("ID = %q, want directory name", pc.ID)
	}
	if pc.Watching() {
		t.Error("production projects must not watch by default")
	}
	if got := pc.Data.IDs(); len(got) != 2 || got[0] != "db" || got[1] != "local" {
		t.Errorf("data sources = %v, want [db local]", got)
	}
	if _, err := os.Stat(filepath.Join(cfg.Project.Root, "data", "app.db")); err != nil {
		t.Errorf("sqlite path not resolved against project root: %v", err)
	}
}

func TestNewProjectContext_InvalidConfig(t *testing.T) {
	cfg := setupTestProject(t, "staging")
	if _, err := NewProjectContext(context.Background(), cfg); err == nil {
		t.Fatal("expected validation error")
	}

	cfg = setupTestProject(t, config.ModeProduction)
	cfg.Project.Root = filepath.Join(cfg.Project.Root, "missing")
	_, err := NewProjectContext(context.Background(), cfg)
	if !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}
}

func TestProjectContext_WatchOverride(t *testing.T) {
	cfg := setupTestProject(t, config.ModeDevelopment)
	pc, err := NewProjectContext(context.Background(), cfg, WithWatch(false))
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()
	if pc.Watching() {
		t.Error("WithWatch(false) must disable watching")
	}
}

func TestProjectContext_EventBufferSize(t *testing.T) {
	cfg := setupTestProject(t, config.ModeProduction)
	pc, err := NewProjectContext(context.Background(), cfg, WithEventBufferSize(3))
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()

	ch := pc.EventBus.Subscribe()
	defer pc.EventBus.Unsubscribe(ch)
	if cap(ch) != 3 {
		t.Errorf("subscriber buffer = %d, want 3", cap(ch))
	}
}

func TestProjectContext_RunServesQueries(t *testing.T) {
	t.Setenv(helperEnv, "1")
	cfg := setupTestProject(t, config.ModeProduction)

	pc, err := NewProjectContext(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pc.Run(ctx) }()

	callCtx, callCancel := context.WithTimeout(ctx, 20*time.Second)
	defer callCancel()

	res := pc.Data.ExecDataNodeQuery(callCtx, "greet", map[string]any{"who": "ada"})
	if res.Error != nil {
		t.Fatalf("greet failed: %v", res.Error)
	}
	var out struct {
		Name   string         `json:"name"`
		Params map[string]any `json:"params"`
		Mode   string         `json:"mode"`
	}
	if err := json.Unmarshal(res.Data.(json.RawMessage), &out); err != nil {
		t.Fatal(err)
	}
	if out.Name != "hello" || out.Params["who"] != "ada" || out.Mode != config.ModeProduction {
		t.Errorf("unexpected result: %+v", out)
	}

	if r := pc.Data.ExecQuery(callCtx, core.QueryDescriptor{
		DataSourceID: "db",
		Query:        json.RawMessage(`"create table items (id integer primary key)"`),
	}); r.Error != nil {
		t.Fatalf("create table: %v", r.Error)
	}
	res = pc.Data.ExecDataNodeQuery(callCtx, "countItems", nil)
	if res.Error != nil || res.Data != float64(0) {
		t.Fatalf("countItems = %v, %v", res.Data, res.Error)
	}

	if err := pc.Run(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run = %v, want ErrAlreadyRunning", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestProjectContext_CloseStopsRun(t *testing.T) {
	t.Setenv(helperEnv, "1")
	cfg := setupTestProject(t, config.ModeDevelopment)

	pc, err := NewProjectContext(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- pc.Run(context.Background()) }()

	callCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if _, err := pc.Runtime.Introspect(callCtx); err != nil {
		t.Fatalf("introspect: %v", err)
	}

	if err := pc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after Close")
	}

	if err := pc.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if !pc.IsClosed() {
		t.Error("IsClosed should be true")
	}
	if err := pc.Run(context.Background()); !errors.Is(err, ErrContextClosed) {
		t.Errorf("Run after Close = %v, want ErrContextClosed", err)
	}
}
