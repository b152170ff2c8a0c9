package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloud-codex/cloud-codex/internal/common/logger"
	"go.uber.org/zap"
)

// DefaultRequestTimeout bounds every outgoing request unless the client is
// configured otherwise.
const DefaultRequestTimeout = 60 * time.Second

// Client handles Codex JSON-RPC communication over stdin/stdout streams.
// It is the single writer on stdin and the single reader on stdout.
type Client struct {
	stdin  io.Writer
	stdout io.Reader

	requestID      atomic.Int64
	pending        map[interface{}]chan *Response
	mu             sync.Mutex
	requestTimeout time.Duration

	onNotification func(method string, params json.RawMessage)
	onRequest      func(id interface{}, method string, params json.RawMessage)

	logger   *logger.Logger
	done     chan struct{}
	stopOnce sync.Once
}

// NewClient creates a new Codex JSON-RPC client.
func NewClient(stdin io.Writer, stdout io.Reader, requestTimeout time.Duration, log *logger.Logger) *Client {
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	return &Client{
		stdin:          stdin,
		stdout:         stdout,
		pending:        make(map[interface{}]chan *Response),
		requestTimeout: requestTimeout,
		logger:         log.Named("codex-client"),
		done:           make(chan struct{}),
	}
}

// SetNotificationHandler sets the handler for incoming notifications.
func (c *Client) SetNotificationHandler(handler func(method string, params json.RawMessage)) {
	c.onNotification = handler
}

// SetRequestHandler sets the handler for incoming requests from the agent
// (e.g. approval requests). The handler must eventually call SendResponse
// with the same id.
func (c *Client) SetRequestHandler(handler func(id interface{}, method string, params json.RawMessage)) {
	c.onRequest = handler
}

// SendResponse sends a response to an agent request.
func (c *Client) SendResponse(id interface{}, result interface{}, rpcErr *Error) error {
	var resultJSON json.RawMessage
	if result != nil && rpcErr == nil {
		var marshalErr error
		resultJSON, marshalErr = json.Marshal(result)
		if marshalErr != nil {
			return fmt.Errorf("failed to marshal result: %w", marshalErr)
		}
	}
	resp := &Response{ID: id, Result: resultJSON, Error: rpcErr}
	return c.send(resp)
}

// Start begins reading messages from stdout.
func (c *Client) Start(ctx context.Context) {
	go c.readLoop(ctx)
}

// Stop stops the client and rejects all in-flight calls. Safe to call twice.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
}

// Call sends a request and waits for the response, the per-request deadline,
// or cancellation, whichever comes first. After a timeout the waiter entry is
// removed, so a late-arriving response is discarded silently by the read loop.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	id := c.requestID.Add(1)

	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	req := &Request{ID: id, Method: method, Params: paramsJSON}

	respCh := make(chan *Response, 1)
	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("request %q timed out after %s", method, c.requestTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("client closed")
	}
}

// Notify sends a notification (no response expected).
func (c *Client) Notify(method string, params interface{}) error {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
	}
	notif := &Notification{Method: method, Params: paramsJSON}
	return c.send(notif)
}

func (c *Client) send(msg interface{}) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	c.logger.Debug("sent message", zap.ByteString("data", data))
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(c.stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

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

		msg, err := Decode(line)
		if err != nil {
			// a malformed line must not abort the stream
			c.logger.Warn("dropping malformed line", zap.Error(err), zap.ByteString("data", line))
			continue
		}

		switch msg.Kind {
		case KindResponse:
			c.handleResponse(&Response{ID: msg.ID, Result: msg.Result, Error: msg.Error})
		case KindRequest:
			c.handleRequest(msg.ID, msg.Method, msg.Params)
		case KindNotification:
			if c.onNotification != nil {
				c.onNotification(msg.Method, msg.Params)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("read loop error", zap.Error(err))
	}
}

// handleResponse resolves the matching waiter with take-and-remove semantics.
// A response whose waiter is gone (timed out or cancelled) is dropped.
func (c *Client) handleResponse(resp *Response) {
	id := NormalizeID(resp.ID)

	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if ok {
		ch <- resp
	} else {
		c.logger.Debug("discarding response with no waiter", zap.Any("id", resp.ID))
	}
}

func (c *Client) handleRequest(id interface{}, method string, params json.RawMessage) {
	if c.onRequest != nil {
		c.onRequest(id, method, params)
		return
	}
	c.logger.Warn("received request but no handler registered",
		zap.Any("id", id),
		zap.String("method", method))
	if err := c.SendResponse(id, nil, &Error{Code: MethodNotFound, Message: "Method not found"}); err != nil {
		c.logger.Warn("failed to send method not found response", zap.Error(err))
	}
}
