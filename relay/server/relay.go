package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/meetrelay/meetrelay/relay/messages"
	"github.com/meetrelay/meetrelay/relay/metrics"
)

const (
	// rejectLinger bounds how long a rejected connection is drained after the room-full notice, so the notice is not
	// lost to a reset caused by unread client data
	rejectLinger = 2 * time.Second
)

// Relay admits peer connections into the room and fans out every message it receives to the other sessions. It
// does not interpret chat or media payloads.
type Relay struct {
	metrics       *metrics.Metrics
	registry      *Registry
	writeTimeout  time.Duration
	acceptLimiter *rate.Limiter

	wg      sync.WaitGroup
	closed  bool
	closeMu sync.RWMutex
}

// NewRelay creates a new Relay instance
//
// Parameters:
// meter: used to create the relay instruments.
// capacity: maximum number of simultaneous sessions, DefaultCapacity if not positive.
// writeTimeout: upper bound of a single write to a peer, zero disables the deadline.
// limiter: admission rate limiter, nil to accept connections at any rate.
func NewRelay(meter metric.Meter, capacity int, writeTimeout time.Duration, limiter *rate.Limiter) (*Relay, error) {
	m, err := metrics.NewMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("creating app metrics: %v", err)
	}

	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}

	return &Relay{
		metrics:       m,
		registry:      NewRegistry(capacity),
		writeTimeout:  writeTimeout,
		acceptLimiter: limiter,
	}, nil
}

// Accept admits a new peer connection or rejects it if the room is full
func (r *Relay) Accept(conn net.Conn) {
	if !r.admit(conn) {
		// the room-full notice and the drain run without the close lock so Shutdown is never held up by them
		r.reject(conn)
	}
}

// admit registers conn and starts its read loop. It returns false only when the room is full; every other refusal
// closes conn itself.
func (r *Relay) admit(conn net.Conn) bool {
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed {
		_ = conn.Close()
		return true
	}

	if !r.acceptLimiter.Allow() {
		log.Warnf("connection rate exceeded, dropping connection from %s", conn.RemoteAddr())
		r.metrics.ConnectionRejected(metrics.RejectReasonRateLimit)
		if err := conn.Close(); err != nil {
			log.Debugf("failed to close connection, %s: %s", conn.RemoteAddr(), err)
		}
		return true
	}

	session, ok := r.registry.Admit(func() *Session {
		return NewSession(conn, r.writeTimeout)
	})
	if !ok {
		return false
	}

	session.logger().Infof("peer connected")
	r.metrics.SessionAdmitted()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.serve(session)
	}()
	return true
}

// Broadcast writes msg to every registered session except exclude. A failed write does not stop the fan-out; the
// failing session's transport is closed afterwards so its read loop tears it down.
func (r *Relay) Broadcast(msg messages.Message, exclude *Session) {
	var failed []*Session
	r.registry.ForEach(func(s *Session) {
		if s == exclude {
			return
		}

		if err := s.Send(msg); err != nil {
			s.logger().Warnf("failed to relay %s message: %s", msg.Type(), err)
			r.metrics.DeliveryFailed(msg.Type().String())
			failed = append(failed, s)
			return
		}
		r.metrics.MessageRelayed(msg.Type().String(), payloadSize(msg))
	})

	for _, s := range failed {
		if err := s.Close(); err != nil {
			s.logger().Debugf("failed to close connection: %s", err)
		}
	}
}

// Shutdown closes the connection of every session and stops accepting new connections. It waits for the read loops
// to exit or for ctx to expire.
func (r *Relay) Shutdown(ctx context.Context) error {
	log.Infof("close connection with all peers")
	r.closeMu.Lock()
	r.closed = true
	r.closeMu.Unlock()

	for _, s := range r.registry.Sessions() {
		if err := s.Close(); err != nil {
			s.logger().Debugf("failed to close connection: %s", err)
		}
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SessionCount returns the number of admitted sessions
func (r *Relay) SessionCount() int {
	return r.registry.Len()
}

func (r *Relay) serve(s *Session) {
	defer r.teardown(s)

	for {
		msg, err := s.readMessage()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				s.logger().Debugf("connection closed by peer")
			} else {
				s.logger().Infof("failed to read message: %s", err)
			}
			return
		}

		r.metrics.MessageReceived(msg.Type().String())
		r.handleMessage(s, msg)
	}
}

func (r *Relay) handleMessage(s *Session, msg messages.Message) {
	switch msg.Type() {
	case messages.TypeJoin:
		if s.SetUsername(msg.Sender()) {
			s.logger().Infof("user joined")
		}
		r.Broadcast(msg, s)
	case messages.TypePing:
		if err := s.Send(messages.NewPong(messages.ServerSender)); err != nil {
			s.logger().Debugf("failed to answer ping: %s", err)
			if errors.Is(err, messages.ErrPartialFrame) {
				_ = s.Close()
			}
		}
	case messages.TypePong:
	case messages.TypeLeave,
		messages.TypeChat,
		messages.TypeInfo,
		messages.TypeVideo,
		messages.TypeAudio,
		messages.TypeCameraOff:
		r.Broadcast(msg, s)
	default:
		s.logger().Warnf("dropping message of unknown type: %d", msg.Type())
	}
}

func (r *Relay) teardown(s *Session) {
	if err := s.Close(); err != nil {
		s.logger().Debugf("failed to close connection: %s", err)
	}

	if !r.registry.Remove(s) {
		return
	}
	r.metrics.SessionClosed()
	s.logger().Infof("peer disconnected")

	if username, ok := s.Username(); ok {
		r.Broadcast(messages.NewServerLeave(username), nil)
	}
}

func (r *Relay) reject(conn net.Conn) {
	log.Infof("room is full, rejecting connection from %s", conn.RemoteAddr())
	r.metrics.ConnectionRejected(metrics.RejectReasonRoomFull)

	c := messages.NewConn(conn)
	if err := c.WriteMessageTimeout(messages.NewRoomFull(r.registry.Capacity()), r.writeTimeout); err != nil {
		log.Debugf("failed to send room full notice to %s: %s", conn.RemoteAddr(), err)
	}

	lingerClose(conn)
}

// lingerClose half-closes conn and drains what the peer already sent before closing it for good
func lingerClose(conn net.Conn) {
	if hc, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := hc.CloseWrite(); err == nil {
			_ = conn.SetReadDeadline(time.Now().Add(rejectLinger))
			_, _ = io.Copy(io.Discard, conn)
		}
	}

	if err := conn.Close(); err != nil {
		log.Debugf("failed to close connection, %s: %s", conn.RemoteAddr(), err)
	}
}

func payloadSize(msg messages.Message) int {
	if msg.Payload() == messages.PayloadBinary {
		return len(msg.Data())
	}
	return len(msg.Text())
}
