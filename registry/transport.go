package registry

import (
	"context"
	"encoding/json"

	"github.com/effective-security/projectwise/catalog"
)

// Transport is the wire session to a remote tool registry. Connection
// owns the lifecycle; implementations only move bytes.
type Transport interface {
	// Start opens the transport and performs the handshake.
	Start(ctx context.Context) error
	// Close releases the transport. Idempotent.
	Close() error

	// ListTools fetches the current tool descriptors.
	ListTools(ctx context.Context) ([]catalog.Descriptor, error)
	// CallTool invokes a named tool and returns its raw result.
	// Dead-stream failures are marked with ErrStreamClosed; remote
	// rejections are returned as *ProtocolError.
	CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)

	// OnToolsChanged registers a handler for server-pushed
	// catalog-changed notifications.
	OnToolsChanged(handler func())
}
