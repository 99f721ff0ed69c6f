package ws

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/coder/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/meetrelay/meetrelay/relay/messages"
)

const Network = "ws"

type Dialer struct {
}

func New() *Dialer {
	return &Dialer{}
}

func (d *Dialer) Protocol() string {
	return Network
}

// Dial opens a WebSocket to the meeting endpoint of address. A bare host:port is dialed over plain ws.
func (d *Dialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	wsURL := prepareURL(address)

	wsConn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	if resp != nil && resp.Body != nil {
		if err := resp.Body.Close(); err != nil {
			log.Debugf("failed to close response body: %s", err)
		}
	}

	// the context only bounds the handshake, the connection lives until closed
	return websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary), nil
}

func prepareURL(address string) string {
	if !strings.HasPrefix(address, "ws://") && !strings.HasPrefix(address, "wss://") {
		address = "ws://" + address
	}
	if strings.HasSuffix(address, messages.WebSocketPath) {
		return address
	}
	return strings.TrimSuffix(address, "/") + messages.WebSocketPath
}
