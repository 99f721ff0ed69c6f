package dialer

import (
	"context"
	"net"
)

// Dialer opens the transport connection to the relay server. The returned connection carries raw bytes, framing is
// set up by the caller.
type Dialer interface {
	Dial(ctx context.Context, address string) (net.Conn, error)
	Protocol() string
}
