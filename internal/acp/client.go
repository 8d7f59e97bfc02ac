package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/routa-run/routa/internal/logger"
	"go.uber.org/zap"
)

// NotificationHandler handles an inbound notification (no id, no reply
// expected).
type NotificationHandler func(method string, params json.RawMessage)

// RequestHandler handles an inbound request and returns the result to send
// back, or an error to send back as a JSON-RPC error.
type RequestHandler func(ctx context.Context, method string, params json.RawMessage) (any, error)

// pendingCall is the one-shot slot for an outbound request awaiting its
// response.
type pendingCall struct {
	ch chan Response
}

// Client is the low-level JSON-RPC 2.0 transport over a child process's
// stdin/stdout: line-delimited framing, request/response correlation via a
// one-shot slot per ID, and dispatch of inbound notifications/requests to
// registered handlers.
type Client struct {
	stdin  io.Writer
	stdout io.Reader
	log    *logger.Logger

	nextID int64

	mu               sync.Mutex
	pending          map[int64]*pendingCall
	notificationFunc NotificationHandler
	requestFunc      RequestHandler

	writeMu sync.Mutex

	done     chan struct{}
	closeErr error
}

// NewClient constructs a Client over the given stdin writer and stdout
// reader. Start must be called to begin reading.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:   stdin,
		stdout:  stdout,
		log:     log.With(zap.String("component", "acp-jsonrpc")),
		pending: make(map[int64]*pendingCall),
		done:    make(chan struct{}),
	}
}

// SetNotificationHandler registers the callback invoked for every inbound
// notification.
func (c *Client) SetNotificationHandler(h NotificationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notificationFunc = h
}

// SetRequestHandler registers the callback invoked for every inbound
// request (a message with both an id and a method).
func (c *Client) SetRequestHandler(h RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestFunc = h
}

// Start begins the read loop in a background goroutine and returns a
// channel closed once the loop has begun scanning.
func (c *Client) Start(ctx context.Context) <-chan struct{} {
	ready := make(chan struct{})
	go c.readLoop(ctx, ready)
	return ready
}

// Stop halts the read loop and fails every pending call with "client
// stopped". Safe to call more than once.
func (c *Client) Stop() {
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return
	default:
		close(c.done)
	}
	pending := c.pending
	c.pending = make(map[int64]*pendingCall)
	c.mu.Unlock()

	for _, p := range pending {
		select {
		case p.ch <- Response{Error: &RPCError{Code: InternalError, Message: "client stopped"}}:
		default:
		}
	}
}

// Call sends a request and blocks until a response arrives, the context is
// cancelled, or timeout elapses — whichever comes first. On timeout the
// pending slot is removed so a late response is silently discarded.
func (c *Client) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := atomic.AddInt64(&c.nextID, 1)

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	slot := &pendingCall{ch: make(chan Response, 1)}
	c.mu.Lock()
	c.pending[id] = slot
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := Request{JSONRPC: "2.0", ID: id, Method: method, Params: raw}
	// The write runs on its own goroutine so a child that stops reading
	// stdin cannot hold Call past its deadline, cancellation, or Stop.
	written := make(chan error, 1)
	go func() { written <- c.writeLine(req) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case err := <-written:
			if err != nil {
				return nil, fmt.Errorf("write request: %w", err)
			}
			written = nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, fmt.Errorf("%s: timed out after %s", method, timeout)
		case <-c.done:
			return nil, fmt.Errorf("%s: client stopped", method)
		case resp := <-slot.ch:
			if resp.Error != nil {
				return nil, resp.Error
			}
			return resp.Result, nil
		}
	}
}

// Notify sends a fire-and-forget notification; no reply is awaited.
func (c *Client) Notify(method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	return c.writeLine(Notification{JSONRPC: "2.0", Method: method, Params: raw})
}

// SendResponse replies to an inbound request with either a result or an
// error (exactly one of the two should be non-nil).
func (c *Client) SendResponse(id any, result any, rpcErr *RPCError) error {
	resp := Response{JSONRPC: "2.0", ID: id}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		resp.Result = raw
	}
	return c.writeLine(resp)
}

func (c *Client) writeLine(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.stdin.Write(data)
	return err
}

func (c *Client) readLoop(ctx context.Context, ready chan<- struct{}) {
	scanner := bufio.NewScanner(c.stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	close(ready)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.handleLine(line)
	}

	if err := scanner.Err(); err != nil {
		c.log.Warn("read loop error", zap.Error(err))
	}
}

func (c *Client) handleLine(line []byte) {
	parsed := line
	if !json.Valid(line) {
		balanced, ok := findBalancedJSON(line)
		if !ok {
			c.log.Debug("dropping unparseable line", zap.ByteString("line", line))
			return
		}
		parsed = balanced
	}

	var envelope struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(parsed, &envelope); err != nil {
		c.log.Debug("dropping unparseable line", zap.Error(err), zap.ByteString("line", parsed))
		return
	}

	switch {
	case envelope.ID != nil && envelope.Method == "" && (envelope.Result != nil || envelope.Error != nil):
		c.handleResponse(envelope.ID, envelope.Result, envelope.Error)
	case envelope.ID != nil && envelope.Method != "":
		var full Request
		if err := json.Unmarshal(parsed, &full); err != nil {
			return
		}
		c.handleRequest(full)
	case envelope.Method != "":
		var note Notification
		if err := json.Unmarshal(parsed, &note); err != nil {
			return
		}
		c.handleNotification(note)
	}
}

func (c *Client) handleResponse(rawID json.RawMessage, result json.RawMessage, rpcErr *RPCError) {
	var id int64
	if err := json.Unmarshal(rawID, &id); err != nil {
		return
	}

	c.mu.Lock()
	slot, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		c.log.Debug("response for unknown or already-resolved id", zap.Int64("id", id))
		return
	}

	select {
	case slot.ch <- Response{Result: result, Error: rpcErr}:
	default:
	}
}

func (c *Client) handleNotification(note Notification) {
	c.mu.Lock()
	h := c.notificationFunc
	c.mu.Unlock()

	if h == nil {
		return
	}
	h(note.Method, note.Params)
}

func (c *Client) handleRequest(req Request) {
	c.mu.Lock()
	h := c.requestFunc
	c.mu.Unlock()

	if h == nil {
		_ = c.SendResponse(req.ID, map[string]any{}, nil)
		return
	}

	result, err := h(context.Background(), req.Method, req.Params)
	if err != nil {
		_ = c.SendResponse(req.ID, nil, &RPCError{Code: InternalError, Message: err.Error()})
		return
	}
	_ = c.SendResponse(req.ID, result, nil)
}
