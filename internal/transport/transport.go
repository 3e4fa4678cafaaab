// Package transport abstracts the framed duplex connection a session owns:
// ordered delivery, binary-safe payloads, clean close notification.
package transport

import (
	"context"
	"errors"
)

// CloseCode is the small fixed set of session failure codes surfaced to
// clients on close.
type CloseCode string

const (
	CloseNormal         CloseCode = "normal"
	CloseTimeout        CloseCode = "timeout"
	CloseProtocol       CloseCode = "protocol"
	CloseBackPressure   CloseCode = "backpressure"
	CloseServerShutdown CloseCode = "server_shutdown"
)

// ErrClosed is returned by Read and Write after the connection is closed.
var ErrClosed = errors.New("transport closed")

// Conn is a message-framed duplex connection. Implementations guarantee
// ordered delivery for the lifetime of the connection.
type Conn interface {
	// Read blocks until the next inbound frame, the context is done, or
	// the connection closes (ErrClosed).
	Read(ctx context.Context) ([]byte, error)
	// Write sends one frame. Frames are delivered in write order.
	Write(ctx context.Context, data []byte) error
	// Close tears the connection down, notifying the peer with the code.
	// Subsequent calls are no-ops.
	Close(code CloseCode, reason string) error
}
