package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/projectwise/catalog"
	"github.com/effective-security/xlog"
)

const notificationToolsChanged = "notifications/tools/list_changed"

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jsonRPCMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type listToolsResult struct {
	Tools []catalog.Descriptor `json:"tools"`
}

// HTTPTransport speaks JSON-RPC 2.0 to a tool registry over HTTP POST.
// Server-pushed notifications ride along in batch response envelopes
// and are dispatched to registered handlers.
type HTTPTransport struct {
	endpoint string
	client   *http.Client

	mu             sync.RWMutex
	toolsChanged   func()
	sessionStarted bool

	idCounter atomic.Int64
}

// NewHTTPTransport creates a transport for the given registry endpoint.
func NewHTTPTransport(endpoint string) *HTTPTransport {
	return &HTTPTransport{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 60 * time.Second},
	}
}

// WithClient overrides the HTTP client, mainly for tests.
func (t *HTTPTransport) WithClient(client *http.Client) *HTTPTransport {
	t.client = client
	return t
}

// Start performs the initialize handshake.
func (t *HTTPTransport) Start(ctx context.Context) error {
	_, err := t.roundTrip(ctx, "initialize", map[string]any{
		"protocolVersion": "2025-03-26",
		"clientInfo": map[string]any{
			"name": "projectwise",
		},
	})
	if err != nil {
		return errors.WithMessage(err, "handshake failed")
	}
	t.mu.Lock()
	t.sessionStarted = true
	t.mu.Unlock()
	return nil
}

// Close marks the session closed. The underlying HTTP client keeps no
// per-session state to release.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	t.sessionStarted = false
	t.mu.Unlock()
	return nil
}

// ListTools fetches the registry's tool descriptors.
func (t *HTTPTransport) ListTools(ctx context.Context) ([]catalog.Descriptor, error) {
	raw, err := t.roundTrip(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var res listToolsResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, errors.Wrap(err, "failed to parse tools/list result")
	}
	return res.Tools, nil
}

// CallTool invokes a named tool.
func (t *HTTPTransport) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	if args == nil {
		args = map[string]any{}
	}
	return t.roundTrip(ctx, "tools/call", callToolParams{Name: name, Arguments: args})
}

// OnToolsChanged registers the catalog-changed handler.
func (t *HTTPTransport) OnToolsChanged(handler func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.toolsChanged = handler
}

func (t *HTTPTransport) roundTrip(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := t.idCounter.Add(1)
	body, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// a failed round trip means the stream is gone
		return nil, errors.Mark(errors.Wrapf(err, "registry call %s failed", method), ErrStreamClosed)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to read response"), ErrStreamClosed)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Mark(errors.Newf("registry returned status %d", resp.StatusCode), ErrStreamClosed)
	}

	msg, err := t.dispatch(ctx, data, id)
	if err != nil {
		return nil, err
	}
	if msg.Error != nil {
		return nil, &ProtocolError{Code: msg.Error.Code, Message: msg.Error.Message}
	}
	return msg.Result, nil
}

// dispatch parses a response body, hands any piggybacked notifications
// to their handlers, and returns the message answering the request ID.
func (t *HTTPTransport) dispatch(ctx context.Context, data []byte, id int64) (*jsonRPCMessage, error) {
	var msgs []jsonRPCMessage
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &msgs); err != nil {
			return nil, errors.Wrap(err, "failed to parse batch response")
		}
	} else {
		var msg jsonRPCMessage
		if err := json.Unmarshal(trimmed, &msg); err != nil {
			return nil, errors.Wrap(err, "failed to parse response")
		}
		msgs = []jsonRPCMessage{msg}
	}

	var answer *jsonRPCMessage
	for i := range msgs {
		msg := &msgs[i]
		if msg.ID == nil {
			t.handleNotification(ctx, msg.Method)
			continue
		}
		if *msg.ID == id {
			answer = msg
		}
	}
	if answer == nil {
		return nil, errors.Newf("no response for request %d", id)
	}
	return answer, nil
}

func (t *HTTPTransport) handleNotification(ctx context.Context, method string) {
	logger.ContextKV(ctx, xlog.DEBUG, "notification", method)
	if method != notificationToolsChanged {
		return
	}
	t.mu.RLock()
	handler := t.toolsChanged
	t.mu.RUnlock()
	if handler != nil {
		handler()
	}
}
