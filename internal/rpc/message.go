// Package rpc implements the correlated request/response protocol spoken between
// the host and the function runtime process.
package rpc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/hugo-lorenzo-mato/fnhost/internal/core"
)

// Kind tags a protocol message.
type Kind string

const (
	KindExec       Kind = "exec"
	KindIntrospect Kind = "introspect"
	KindResult     Kind = "result"
)

// Message is the single wire shape used in both directions.
type Message struct {
	Kind       Kind                  `json:"kind"`
	ID         int64                 `json:"id"`
	Name       string                `json:"name,omitempty"`
	Parameters map[string]any        `json:"parameters,omitempty"`
	Data       json.RawMessage       `json:"data,omitempty"`
	Error      *core.SerializedError `json:"error,omitempty"`
}

// Encoder writes newline-delimited JSON messages. It is safe for concurrent use.
type Encoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

// Encode writes one message followed by a newline.
func (e *Encoder) Encode(msg *Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.Encode(msg)
}

// maxLineSize bounds a single message; function results can be large.
const maxLineSize = 64 << 20

// ReadMessages decodes newline-delimited messages from r and calls handle for
// each one until r is exhausted. Lines that are not valid JSON are passed to
// onInvalid (if non-nil) and skipped. It returns nil on EOF.
func ReadMessages(r io.Reader, handle func(*Message), onInvalid func(line []byte, err error)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			if onInvalid != nil {
				onInvalid(append([]byte(nil), line...), err)
			}
			continue
		}
		handle(&msg)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading messages: %w", err)
	}
	return nil
}
