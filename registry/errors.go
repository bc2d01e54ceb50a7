package registry

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// ErrStreamClosed marks transport failures caused by a dead stream.
// Invoke recovers from these with exactly one reconnect-and-retry.
var ErrStreamClosed = errors.New("stream closed")

// ErrNotConnected is returned when an operation requires an
// established session and reconnection failed.
var ErrNotConnected = errors.New("registry not connected")

// ProtocolError is a remote-side rejection. It is never retried.
type ProtocolError struct {
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("registry protocol error %d: %s", e.Code, e.Message)
}

// IsStreamClosed reports whether the error belongs to the dead-stream
// class that warrants a transparent reconnect.
func IsStreamClosed(err error) bool {
	return errors.Is(err, ErrStreamClosed)
}
