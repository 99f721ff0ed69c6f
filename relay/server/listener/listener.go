package listener

import (
	"context"
	"net"
)

// Listener accepts transport connections and hands them to the relay
type Listener interface {
	// Listen binds the listener and blocks until it is closed. It returns an error only if the listener cannot be
	// bound.
	Listen(acceptFn func(conn net.Conn)) error
	Close(ctx context.Context) error
	Protocol() string
}
