package supervisor

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hugo-lorenzo-mato/fnhost/internal/logging"
	"github.com/hugo-lorenzo-mato/fnhost/internal/rpc"
)

// stderrTailLines is how much runtime stderr is kept for crash reports.
const stderrTailLines = 20

var errHandleClosed = errors.New("runtime process is not accepting requests")

// handle is one running runtime process. It is the rpc.Channel requests are
// sent through.
type handle struct {
	id        string
	cmd       *exec.Cmd
	startedAt time.Time

	reqW *os.File
	enc  *rpc.Encoder

	stderr *lineLogger

	// stopping is set when the supervisor ends the process on purpose.
	stopping atomic.Bool
	closeIn  sync.Once

	done    chan struct{}
	waitErr error
}

// Send implements rpc.Channel.
func (h *handle) Send(msg *rpc.Message) error {
	select {
	case <-h.done:
		return errHandleClosed
	default:
	}
	if h.stopping.Load() {
		return errHandleClosed
	}
	return h.enc.Encode(msg)
}

// Done implements rpc.Channel.
func (h *handle) Done() <-chan struct{} {
	return h.done
}

// PID returns the process id.
func (h *handle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// ExitCode returns the exit status after done is closed, or -1.
func (h *handle) ExitCode() int {
	if h.cmd.ProcessState == nil {
		return -1
	}
	return h.cmd.ProcessState.ExitCode()
}

// closeInput closes the request pipe. The runtime exits on end of input.
func (h *handle) closeInput() {
	h.closeIn.Do(func() { _ = h.reqW.Close() })
}

// exitReason describes why the process ended, with the tail of its stderr.
func (h *handle) exitReason() string {
	var b strings.Builder
	if h.waitErr != nil {
		b.WriteString(h.waitErr.Error())
	} else {
		fmt.Fprintf(&b, "exit status %d", h.ExitCode())
	}
	if tail := h.stderr.Tail(); tail != "" {
		b.WriteString("\n")
		b.WriteString(tail)
	}
	return b.String()
}

// spawnSpec is everything needed to start one runtime process.
type spawnSpec struct {
	command string
	args    []string
	dir     string
	env     []string
	grace   time.Duration
}

// spawn starts the runtime with the request pipe on fd 3 and the response
// pipe on fd 4. deliver is called for every decoded response.
func spawn(spec spawnSpec, logger *logging.Logger, deliver func(*rpc.Message) bool) (*handle, error) {
	reqR, reqW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating request pipe: %w", err)
	}
	resR, resW, err := os.Pipe()
	if err != nil {
		reqR.Close()
		reqW.Close()
		return nil, fmt.Errorf("creating response pipe: %w", err)
	}

	id := uuid.NewString()
	log := logger.With("handle_id", id)

	cmd := exec.Command(spec.command, spec.args...)
	cmd.Dir = spec.dir
	cmd.Env = spec.env
	cmd.ExtraFiles = []*os.File{reqR, resW}
	cmd.WaitDelay = spec.grace
	stdout := newLineLogger(log, "stdout", 0)
	stderr := newLineLogger(log, "stderr", stderrTailLines)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	configureProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{reqR, reqW, resR, resW} {
			f.Close()
		}
		return nil, fmt.Errorf("starting %s: %w", spec.command, err)
	}
	// The child holds its own copies.
	reqR.Close()
	resW.Close()

	h := &handle{
		id:        id,
		cmd:       cmd,
		startedAt: time.Now(),
		reqW:      reqW,
		enc:       rpc.NewEncoder(reqW),
		stderr:    stderr,
		done:      make(chan struct{}),
	}

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer resR.Close()
		err := rpc.ReadMessages(resR, func(msg *rpc.Message) { deliver(msg) }, func(line []byte, err error) {
			log.Warn("invalid message from runtime", "error", err, "line", truncate(string(line), 200))
		})
		if err != nil {
			log.Warn("runtime response stream failed", "error", err)
		}
	}()

	go func() {
		h.waitErr = cmd.Wait()
		// Drain responses written just before exit so they resolve their
		// requests instead of being aborted.
		select {
		case <-readerDone:
		case <-time.After(spec.grace):
		}
		stdout.Flush()
		stderr.Flush()
		h.closeInput()
		close(h.done)
	}()

	return h, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// lineLogger forwards runtime output to the logger one line at a time and
// keeps the last few lines.
type lineLogger struct {
	logger *logging.Logger
	stream string

	mu   sync.Mutex
	buf  bytes.Buffer
	keep int
	tail []string
}

func newLineLogger(logger *logging.Logger, stream string, keep int) *lineLogger {
	return &lineLogger{logger: logger, stream: stream, keep: keep}
}

func (w *lineLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Partial line: put it back for the next write.
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		w.emit(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

// Flush emits a trailing partial line.
func (w *lineLogger) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
}

func (w *lineLogger) emit(line string) {
	if line == "" {
		return
	}
	if w.stream == "stderr" {
		w.logger.Warn(line, "stream", w.stream)
	} else {
		w.logger.Info(line, "stream", w.stream)
	}
	if w.keep > 0 {
		w.tail = append(w.tail, line)
		if len(w.tail) > w.keep {
			w.tail = w.tail[len(w.tail)-w.keep:]
		}
	}
}

// Tail returns the kept lines joined by newlines.
func (w *lineLogger) Tail() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.Join(w.tail, "\n")
}
