package registry_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/projectwise/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcEnvelope struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func rpcServer(t *testing.T, handler func(env rpcEnvelope) string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env rpcEnvelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(handler(env)))
	}))
}

func TestHTTPTransportListAndCall(t *testing.T) {
	srv := rpcServer(t, func(env rpcEnvelope) string {
		switch env.Method {
		case "initialize":
			return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{}}`, env.ID)
		case "tools/list":
			return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"tools":[{"name":"search","description":"Searches.","argument_schema":{"type":"object"}}]}}`, env.ID)
		case "tools/call":
			return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"hits":2}}`, env.ID)
		default:
			return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"method not found"}}`, env.ID)
		}
	})
	defer srv.Close()

	ctx := context.Background()
	tr := registry.NewHTTPTransport(srv.URL)
	require.NoError(t, tr.Start(ctx))

	tools, err := tr.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "search", tools[0].Name)

	raw, err := tr.CallTool(ctx, "search", map[string]any{"query": "pricing"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"hits":2}`, string(raw))

	require.NoError(t, tr.Close())
}

func TestHTTPTransportProtocolError(t *testing.T) {
	srv := rpcServer(t, func(env rpcEnvelope) string {
		return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32602,"message":"invalid params"}}`, env.ID)
	})
	defer srv.Close()

	tr := registry.NewHTTPTransport(srv.URL)
	_, err := tr.CallTool(context.Background(), "search", nil)
	require.Error(t, err)

	var perr *registry.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, -32602, perr.Code)
	assert.False(t, registry.IsStreamClosed(err), "protocol errors are not connectivity errors")
}

func TestHTTPTransportStreamErrors(t *testing.T) {
	// unreachable endpoint
	tr := registry.NewHTTPTransport("http://127.0.0.1:1")
	_, err := tr.CallTool(context.Background(), "search", nil)
	require.Error(t, err)
	assert.True(t, registry.IsStreamClosed(err))

	// non-200 status
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	tr = registry.NewHTTPTransport(srv.URL)
	err = tr.Start(context.Background())
	require.Error(t, err)
	assert.True(t, registry.IsStreamClosed(err))
	assert.True(t, errors.Is(err, registry.ErrStreamClosed))
}

func TestHTTPTransportNotificationDispatch(t *testing.T) {
	srv := rpcServer(t, func(env rpcEnvelope) string {
		// the answer rides in a batch together with an ID-less notification
		return fmt.Sprintf(`[
			{"jsonrpc":"2.0","method":"notifications/tools/list_changed"},
			{"jsonrpc":"2.0","id":%d,"result":{"tools":[]}}
		]`, env.ID)
	})
	defer srv.Close()

	tr := registry.NewHTTPTransport(srv.URL)
	var notified atomic.Int32
	tr.OnToolsChanged(func() { notified.Add(1) })

	tools, err := tr.ListTools(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tools)
	assert.Equal(t, int32(1), notified.Load())
}
