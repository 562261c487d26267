// Package dialer builds the grpc.DialOption used to connect to the
// control-plane endpoint named by SERVER_URL, bounding the initial TCP
// handshake independently of any per-RPC timeout.
package dialer

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
)

// ContextDialer matches the shape grpc.WithContextDialer expects.
type ContextDialer func(ctx context.Context, addr string) (net.Conn, error)

var std net.Dialer

// DialTCP is the default ContextDialer, a thin wrapper over net.Dialer.
func DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	return std.DialContext(ctx, "tcp", addr)
}

// WithTimeout bounds each dial attempt to timeout, independent of the
// context passed by the caller (which may have no deadline at all, e.g. the
// initial connection established at startup).
func WithTimeout(timeout time.Duration, next ContextDialer) ContextDialer {
	return func(ctx context.Context, addr string) (net.Conn, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return next(ctx, addr)
	}
}

// DialOption returns a grpc.DialOption wiring a ContextDialer bounded by
// timeout into the connection.
func DialOption(timeout time.Duration) grpc.DialOption {
	return grpc.WithContextDialer(WithTimeout(timeout, DialTCP))
}
