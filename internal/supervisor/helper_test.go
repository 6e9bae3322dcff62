package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/fnhost/internal/build"
	"github.com/hugo-lorenzo-mato/fnhost/internal/core"
	"github.com/hugo-lorenzo-mato/fnhost/internal/rpc"
)

const helperEnv = "FNHOST_HELPER_PROCESS"

// TestHelperProcess is not a real test. It is re-executed by the supervisor
// as a stand-in runtime speaking the fd 3 / fd 4 protocol.
func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	os.Exit(fakeRuntime())
}

func fakeRuntime() int {
	bundlePath := os.Args[len(os.Args)-1]
	bundle, err := os.ReadFile(bundlePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cannot read bundle:", err)
		return 1
	}
	if strings.Contains(string(bundle), "crash-on-start") {
		fmt.Fprintln(os.Stderr, "Error: top-level failure")
		return 3
	}

	in := os.NewFile(3, "requests")
	out := os.NewFile(4, "responses")
	enc := rpc.NewEncoder(out)
	var encMu sync.Mutex
	send := func(msg *rpc.Message) {
		encMu.Lock()
		defer encMu.Unlock()
		_ = enc.Encode(msg)
	}
	reply := func(id int64, data any, se *core.SerializedError) {
		msg := &rpc.Message{Kind: rpc.KindResult, ID: id, Error: se}
		if se == nil {
			msg.Data, _ = json.Marshal(data)
		}
		send(msg)
	}
	var late sync.WaitGroup

	_ = rpc.ReadMessages(in, func(msg *rpc.Message) {
		switch msg.Kind {
		case rpc.KindExec:
			switch msg.Name {
			case "echo":
				reply(msg.ID, map[string]any{
					"params":   msg.Parameters,
					"bundle":   strings.TrimSpace(string(bundle)),
					"greeting": os.Getenv("GREETING"),
					"mode":     os.Getenv("FNHOST_MODE"),
					"pid":      os.Getpid(),
				}, nil)
			case "nothing":
				send(&rpc.Message{Kind: rpc.KindResult, ID: msg.ID})
			case "slow":
				// Answers after a delay, even once input is closed.
				late.Add(1)
				go func(id int64) {
					defer late.Done()
					time.Sleep(300 * time.Millisecond)
					reply(id, map[string]any{"slow": true}, nil)
				}(msg.ID)
			case "fail":
				reply(msg.ID, nil, &core.SerializedError{Name: "TypeError", Message: "boom", Stack: "TypeError: boom\n    at fail"})
			case "hang":
			case "crash":
				fmt.Fprintln(os.Stderr, "fatal: crashing on request")
				os.Exit(2)
			default:
				reply(msg.ID, nil, &core.SerializedError{
					Name:    "UnknownFunctionError",
					Message: "Unknown function: " + msg.Name,
					Code:    core.CodeUnknownFunction,
				})
			}
		case rpc.KindIntrospect:
			reply(msg.ID, core.Introspection{Functions: []core.FunctionInfo{
				{Name: "echo", File: "resources/echo.ts", Parameters: map[string]any{"name": "string"}},
			}}, nil)
		default:
			fmt.Fprintln(os.Stderr, "unknown kind", msg.Kind)
		}
	}, nil)
	late.Wait()
	if strings.Contains(string(bundle), "linger") {
		// Slow shutdown: keeps running after input closes until signalled.
		time.Sleep(10 * time.Second)
	}
	return 0
}

// fakeBuilds is a BuildSource driven by the test.
type fakeBuilds struct {
	mu        sync.Mutex
	state     *build.State
	gen       int64
	completed chan struct{}
	subs      []chan *build.State
}

func newFakeBuilds() *fakeBuilds {
	return &fakeBuilds{completed: make(chan struct{})}
}

func (f *fakeBuilds) State() *build.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeBuilds) WaitCompleted(ctx context.Context) (*build.State, error) {
	select {
	case <-f.completed:
		return f.State(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeBuilds) Subscribe() (<-chan *build.State, func()) {
	ch := make(chan *build.State, 1)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch, func() {}
}

// succeed writes a bundle with the given content and publishes it.
func (f *fakeBuilds) succeed(t *testing.T, dir, content string) *build.State {
	t.Helper()
	out := filepath.Join(dir, "main.js")
	if err := os.WriteFile(out, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return f.publish(&build.State{OutputFile: out})
}

func (f *fakeBuilds) fail(msg string) *build.State {
	return f.publish(&build.State{Errors: []core.BuildError{{Message: msg, File: "resources/a.ts", Line: 1, Column: 1}}})
}

func (f *fakeBuilds) publish(st *build.State) *build.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gen++
	st.Generation = f.gen
	st.BuiltAt = time.Now()
	f.state = st
	select {
	case <-f.completed:
	default:
		close(f.completed)
	}
	for _, ch := range f.subs {
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
	return st
}

// fakeEnv is an EnvSource driven by the test.
type fakeEnv struct {
	mu     sync.Mutex
	values map[string]string
	ch     chan struct{}
}

func newFakeEnv(values map[string]string) *fakeEnv {
	return &fakeEnv{values: values, ch: make(chan struct{}, 1)}
}

func (e *fakeEnv) Values(context.Context) (map[string]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(e.values))
	for k, v := range e.values {
		out[k] = v
	}
	return out, nil
}

func (e *fakeEnv) Subscribe() (<-chan struct{}, func()) {
	return e.ch, func() {}
}

func (e *fakeEnv) set(key, value string) {
	e.mu.Lock()
	e.values[key] = value
	e.mu.Unlock()
	select {
	case e.ch <- struct{}{}:
	default:
	}
}

func helperOptions(dev bool) Options {
	return Options{
		Command:        os.Args[0],
		Args:           []string{"-test.run=^TestHelperProcess$", "--"},
		ExtraEnv:       []string{helperEnv + "=1"},
		Development:    dev,
		RequestTimeout: 5 * time.Second,
		ShutdownGrace:  500 * time.Millisecond,
		MaxRestarts:    3,
		InitialBackoff: 20 * time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
	}
}
