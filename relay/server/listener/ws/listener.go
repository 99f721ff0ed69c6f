package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/meetrelay/meetrelay/relay/messages"
)

// Listener accepts WebSocket connections on messages.WebSocketPath. Every binary WebSocket message carries a chunk
// of the same framed stream the TCP listener serves.
type Listener struct {
	address string

	wg       sync.WaitGroup
	server   *http.Server
	serverMu sync.Mutex
	closed   bool
	acceptFn func(conn net.Conn)
}

func NewListener(address string) *Listener {
	return &Listener{
		address: address,
	}
}

func (l *Listener) Listen(acceptFn func(conn net.Conn)) error {
	mux := http.NewServeMux()
	mux.HandleFunc(messages.WebSocketPath, l.onAccept)

	l.serverMu.Lock()
	if l.closed {
		l.serverMu.Unlock()
		return nil
	}
	l.acceptFn = acceptFn
	l.server = &http.Server{
		Addr:              l.address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	server := l.server
	l.serverMu.Unlock()

	log.Infof("WS server is listening on address: %s", l.address)
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (l *Listener) Close(ctx context.Context) error {
	l.serverMu.Lock()
	l.closed = true
	server := l.server
	l.serverMu.Unlock()

	if server == nil {
		return nil
	}

	log.Debugf("closing WS server")
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %v", err)
	}

	l.wg.Wait()
	return nil
}

func (l *Listener) Protocol() string {
	return "ws"
}

func (l *Listener) onAccept(w http.ResponseWriter, r *http.Request) {
	l.wg.Add(1)
	defer l.wg.Done()

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Errorf("failed to accept ws connection from %s: %s", r.RemoteAddr, err)
		return
	}
	wsConn.SetReadLimit(messages.MaxFrameSize + 4)

	// the connection outlives the handler, it is closed by the relay session
	conn := websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary)
	l.acceptFn(conn)
}
