package tcp

import (
	"context"
	"errors"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Listener accepts plain TCP connections. Framing is done by the relay on top of the stream.
type Listener struct {
	address string

	wg       sync.WaitGroup
	quit     chan struct{}
	listener net.Listener
	closed   bool
	lock     sync.Mutex
}

func NewListener(address string) *Listener {
	return &Listener{
		address: address,
		quit:    make(chan struct{}),
	}
}

// NewListenerFrom wraps an already bound listener
func NewListenerFrom(ln net.Listener) *Listener {
	return &Listener{
		address:  ln.Addr().String(),
		quit:     make(chan struct{}),
		listener: ln,
	}
}

func (l *Listener) Listen(acceptFn func(conn net.Conn)) error {
	l.lock.Lock()
	if l.closed {
		l.lock.Unlock()
		return nil
	}

	if l.listener == nil {
		li, err := net.Listen("tcp", l.address)
		if err != nil {
			log.Errorf("failed to listen on address: %s, %s", l.address, err)
			l.lock.Unlock()
			return err
		}
		l.listener = li
	}
	log.Infof("TCP server is listening on address: %s", l.listener.Addr())

	l.wg.Add(1)
	go l.acceptLoop(acceptFn)
	l.lock.Unlock()

	<-l.quit
	return nil
}

func (l *Listener) Close(ctx context.Context) error {
	l.lock.Lock()
	if l.closed {
		l.lock.Unlock()
		return nil
	}
	l.closed = true
	close(l.quit)

	var err error
	if l.listener != nil {
		err = l.listener.Close()
	}
	l.lock.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Listener) Protocol() string {
	return "tcp"
}

// Addr returns the bound address, nil before Listen
func (l *Listener) Addr() net.Addr {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

func (l *Listener) acceptLoop(acceptFn func(conn net.Conn)) {
	defer l.wg.Done()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Errorf("failed to accept connection: %s", err)
			continue
		}
		go acceptFn(conn)
	}
}
