// Package transport provides the wire-level pipes an mcp.Engine runs over:
// line-delimited stdio (for subprocess-hosted servers), a spawned child
// process, and streamable HTTP (POST + SSE) for networked deployments.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Send/Close once a transport has been closed.
var ErrClosed = errors.New("transport: closed")

// Transport is the contract mcp.Engine depends on (mirrored there as
// mcp.RawTransport so this package need not import the root package).
// Implementations push one framed message per Send call and deliver
// inbound frames to the callback registered via SetOnMessage.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	SetOnMessage(func(data []byte))
	SetOnClose(func(err error))
	Close() error
}
