package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/fnhost/internal/core"
)

// DefaultTimeout is the per-request deadline.
const DefaultTimeout = 60 * time.Second

// Channel is one end of a connection to a runtime process.
type Channel interface {
	// Send transmits a message to the remote side.
	Send(msg *Message) error
	// Done is closed once the remote side is gone.
	Done() <-chan struct{}
}

// outcome is the terminal event of a pending request.
type outcome struct {
	msg *Message
	err error
}

// pending is one in-flight request. It is removed from the map exactly once
// and whoever removes it delivers the outcome.
type pending struct {
	ch    chan outcome
	timer *time.Timer
}

// Client matches responses to requests by a monotonically increasing id.
// The id counter and pending map live for the lifetime of the Client, which
// outlives any single runtime process.
type Client struct {
	mu      sync.Mutex
	last    int64
	pending map[int64]*pending
	timeout time.Duration
	logger  *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout overrides the per-request deadline.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a client with no pending requests.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		pending: make(map[int64]*pending),
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call assigns the next id to msg, sends it through ch and waits for exactly one
// terminal event: the correlated result, the request timeout, ctx cancellation,
// the channel going away, or a CancelAll sweep.
//
// A result carrying an error is returned as a *core.RemoteError (or an
// UnknownFunction domain error); the response message is returned in both cases.
func (c *Client) Call(ctx context.Context, ch Channel, msg *Message) (*Message, error) {
	p := &pending{ch: make(chan outcome, 1)}

	c.mu.Lock()
	c.last++
	id := c.last
	msg.ID = id
	c.pending[id] = p
	p.timer = time.AfterFunc(c.timeout, func() {
		c.finish(id, outcome{err: core.ErrTimeout(fmt.Sprintf("request %d (%s) timed out after %s", id, msg.Kind, c.timeout))})
	})
	c.mu.Unlock()

	if err := ch.Send(msg); err != nil {
		c.finish(id, outcome{err: core.ErrAborted("sending request failed").WithCause(err)})
	}

	select {
	case out := <-p.ch:
		return resolve(out)
	case <-ctx.Done():
		c.finish(id, outcome{err: ctx.Err()})
	case <-ch.Done():
		c.finish(id, outcome{err: core.ErrAborted("runtime process exited")})
	}
	// Someone else may have won the race to finish; the buffered channel always
	// holds the single outcome that did.
	return resolve(<-p.ch)
}

func resolve(out outcome) (*Message, error) {
	if out.err != nil {
		return nil, out.err
	}
	if out.msg.Error != nil {
		return out.msg, core.NewRemoteError(out.msg.Error)
	}
	return out.msg, nil
}

// finish removes id and delivers out. It reports whether id was still pending.
func (c *Client) finish(id int64, out outcome) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	p.timer.Stop()
	p.ch <- out
	return true
}

// Deliver routes a message received from the runtime. Results for unknown ids
// are dropped; they belong to requests that already timed out or were aborted.
// It reports whether the message resolved a pending request.
func (c *Client) Deliver(msg *Message) bool {
	if msg.Kind != KindResult {
		c.logger.Warn("ignoring message with unrecognized kind", "kind", string(msg.Kind), "id", msg.ID)
		return false
	}
	if !c.finish(msg.ID, outcome{msg: msg}) {
		c.logger.Debug("dropping result for unknown request", "id", msg.ID)
		return false
	}
	return true
}

// CancelAll rejects every pending request with reason and clears their timers.
// It returns the number of requests cancelled.
func (c *Client) CancelAll(reason error) int {
	c.mu.Lock()
	all := c.pending
	c.pending = make(map[int64]*pending)
	c.mu.Unlock()

	for _, p := range all {
		p.timer.Stop()
		p.ch <- outcome{err: reason}
	}
	return len(all)
}

// Pending returns the number of in-flight requests.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// LastID returns the most recently assigned id.
func (c *Client) LastID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
