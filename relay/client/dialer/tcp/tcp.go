package tcp

import (
	"context"
	"fmt"
	"net"
)

const Network = "tcp"

type Dialer struct {
	dialer net.Dialer
}

func New() *Dialer {
	return &Dialer{}
}

func (d *Dialer) Protocol() string {
	return Network
}

func (d *Dialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	conn, err := d.dialer.DialContext(ctx, Network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return conn, nil
}
