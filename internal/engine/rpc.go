package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrRPCClosed is returned by Call after the client's transport has closed.
var ErrRPCClosed = errors.New("rpc client closed")

// rpcMessage is the wire shape for requests, responses, and notifications:
// newline-delimited JSON objects on stdio. A message with an ID and a Method
// is a request; ID without Method is a response; Method without ID is a
// notification.
type rpcMessage struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

// rpcError is the error member of a response.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Notification is a server-initiated message forwarded to the driver.
type Notification struct {
	Method string
	Params json.RawMessage
}

// rpcClient multiplexes JSON-RPC requests over a single stdio pair. A reader
// goroutine routes responses to per-call channels keyed by request id and
// forwards notifications to the Notifications channel. Unknown incoming
// methods are ignored per the wire contract.
type rpcClient struct {
	mu      sync.Mutex
	enc     *json.Encoder
	nextID  int64
	pending map[int64]chan *rpcMessage
	closed  bool

	// Notifications receives server notifications in arrival order. The
	// channel is buffered; the driver must drain it while a turn is active.
	Notifications chan Notification

	done chan struct{}
}

// newRPCClient wires a client over the subprocess stdin/stdout and starts
// the reader goroutine.
func newRPCClient(stdin io.Writer, stdout io.Reader) *rpcClient {
	c := &rpcClient{
		enc:           json.NewEncoder(stdin),
		pending:       make(map[int64]chan *rpcMessage),
		Notifications: make(chan Notification, 256),
		done:          make(chan struct{}),
	}
	go c.readLoop(stdout)
	return c
}

// readLoop decodes newline-delimited JSON from stdout until EOF, routing
// responses and notifications. On exit all pending calls fail with
// ErrRPCClosed.
func (c *rpcClient) readLoop(stdout io.Reader) {
	defer c.shutdown()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue // not a JSON-RPC frame; ignore
		}
		switch {
		case msg.ID != nil && msg.Method == "":
			c.mu.Lock()
			ch, ok := c.pending[*msg.ID]
			if ok {
				delete(c.pending, *msg.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- &msg
			}
		case msg.Method != "":
			select {
			case c.Notifications <- Notification{Method: msg.Method, Params: msg.Params}:
			default:
				// Slow consumer: drop rather than deadlock the reader.
			}
		}
	}
}

// shutdown fails all pending calls and marks the client closed.
func (c *rpcClient) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	close(c.done)
}

// Call sends a request and waits for its response or ctx cancellation. The
// result is unmarshaled into result when non-nil.
func (c *rpcClient) Call(ctx context.Context, method string, params, result any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("rpc: %s: %w", method, ErrRPCClosed)
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *rpcMessage, 1)
	c.pending[id] = ch

	var rawParams json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			delete(c.pending, id)
			c.mu.Unlock()
			return fmt.Errorf("rpc: encoding %s params: %w", method, err)
		}
		rawParams = data
	}
	err := c.enc.Encode(rpcMessage{ID: &id, Method: method, Params: rawParams})
	c.mu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("rpc: sending %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("rpc: %s: %w", method, ctx.Err())
	case msg, ok := <-ch:
		if !ok {
			return fmt.Errorf("rpc: %s: %w", method, ErrRPCClosed)
		}
		if msg.Error != nil {
			return fmt.Errorf("rpc: %s: %w", method, msg.Error)
		}
		if result != nil && len(msg.Result) > 0 {
			if err := json.Unmarshal(msg.Result, result); err != nil {
				return fmt.Errorf("rpc: decoding %s result: %w", method, err)
			}
		}
		return nil
	}
}

// Notify sends a notification (no id, no response expected).
func (c *rpcClient) Notify(method string, params any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("rpc: %s: %w", method, ErrRPCClosed)
	}
	var rawParams json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("rpc: encoding %s params: %w", method, err)
		}
		rawParams = data
	}
	if err := c.enc.Encode(rpcMessage{Method: method, Params: rawParams}); err != nil {
		return fmt.Errorf("rpc: sending %s: %w", method, err)
	}
	return nil
}

// Done is closed when the transport has shut down.
func (c *rpcClient) Done() <-chan struct{} { return c.done }
