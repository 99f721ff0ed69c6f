package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/meetrelay/meetrelay/relay/client/dialer"
	"github.com/meetrelay/meetrelay/relay/client/dialer/tcp"
	"github.com/meetrelay/meetrelay/relay/healthcheck"
	"github.com/meetrelay/meetrelay/relay/messages"
)

const (
	DefaultConnectTimeout    = 5 * time.Second
	DefaultHeartbeatInterval = healthcheck.DefaultInterval
	DefaultWriteTimeout      = 10 * time.Second
)

var (
	ErrNotConnected = errors.New("not connected to the relay server")
)

type Config struct {
	ServerAddress      string
	Username           string
	ConnectTimeout     time.Duration
	HeartbeatInterval  time.Duration
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	WriteTimeout       time.Duration
}

func (c *Config) setDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
}

func (c Config) Validate() error {
	if c.ServerAddress == "" {
		return errors.New("server address is required")
	}
	if c.Username == "" {
		return errors.New("username is required")
	}
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return fmt.Errorf("reconnect max delay %s is lower than the base delay %s", c.ReconnectMaxDelay, c.ReconnectBaseDelay)
	}
	return nil
}

type Option func(*Manager)

// WithDialer replaces the default TCP transport
func WithDialer(d dialer.Dialer) Option {
	return func(m *Manager) {
		m.dialer = d
	}
}

// Manager keeps one peer connected to the relay server.
//
// Connect starts a campaign that dials the server, announces the user with a JOIN and then serves the connection
// until the receive side fails. A lost connection or a failed attempt is retried after an exponentially growing
// delay. The campaign runs until Disconnect is called or the parent context is done.
type Manager struct {
	ctx        context.Context
	log        *log.Entry
	config     Config
	dialer     dialer.Dialer
	dispatcher Dispatcher

	// writeMu serializes every write on the transport. It is taken before mu.
	writeMu sync.Mutex

	mu             sync.Mutex
	state          State
	conn           *messages.Conn
	reconnectDelay time.Duration
	connectedCh    chan struct{}
	campaignCancel context.CancelFunc
	campaignDone   chan struct{}
}

func NewManager(ctx context.Context, config Config, dispatcher Dispatcher, opts ...Option) *Manager {
	config.setDefaults()
	if dispatcher == nil {
		dispatcher = DispatchFuncs{}
	}

	m := &Manager{
		ctx:            ctx,
		log:            log.WithFields(log.Fields{"user": config.Username, "server": config.ServerAddress}),
		config:         config,
		dialer:         tcp.New(),
		dispatcher:     dispatcher,
		state:          StateDisconnected,
		reconnectDelay: config.ReconnectBaseDelay,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect starts the connection campaign in the background. It is a no-op while a campaign is already running.
func (m *Manager) Connect() error {
	if err := m.config.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ctx.Err(); err != nil {
		return err
	}
	if m.campaignDone != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(m.ctx)
	done := make(chan struct{})
	m.campaignCancel = cancel
	m.campaignDone = done
	m.state = StateConnecting

	m.log.Infof("connecting to relay server over %s", m.dialer.Protocol())
	go func() {
		defer close(done)
		m.runCampaign(ctx)
	}()
	return nil
}

// Disconnect stops the campaign, closes the transport and waits for the background tasks to exit. The manager does
// not reconnect afterwards until Connect is called again.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	cancel, done := m.campaignCancel, m.campaignDone
	m.campaignCancel, m.campaignDone = nil, nil
	if cancel != nil {
		cancel()
	}
	wasRunning := done != nil
	m.state = StateDisconnected
	m.mu.Unlock()

	if !wasRunning {
		return nil
	}

	<-done
	m.log.Infof("disconnected from relay server")
	m.statusLine("disconnected")
	return nil
}

// Send writes msg to the server. It performs no write and returns ErrNotConnected unless the manager is Connected.
func (m *Manager) Send(msg messages.Message) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	conn, state := m.conn, m.state
	m.mu.Unlock()

	if state != StateConnected || conn == nil {
		return ErrNotConnected
	}

	if err := m.writeLocked(conn, msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type(), err)
	}
	return nil
}

// WaitConnected blocks until the manager is Connected or ctx is done
func (m *Manager) WaitConnected(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	if m.connectedCh == nil {
		m.connectedCh = make(chan struct{})
	}
	ch := m.connectedCh
	m.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ReconnectDelay returns the wait before the next reconnection attempt. It is the base delay while connected.
func (m *Manager) ReconnectDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnectDelay
}

// connect runs the first phase of connection establishment: the transport within the connect timeout, then the
// message codec on top of it
func (m *Manager) connect(ctx context.Context) (*messages.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.config.ConnectTimeout)
	defer cancel()

	raw, err := m.dialer.Dial(dialCtx, m.config.ServerAddress)
	if err != nil {
		return nil, err
	}
	return messages.NewConn(raw), nil
}

// serveConnection announces the user and runs the receive and heartbeat tasks until the receive side fails or ctx is
// canceled. Both tasks and the transport are gone when it returns.
func (m *Manager) serveConnection(ctx context.Context, conn *messages.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !m.enterConnected(ctx, conn) {
		_ = conn.Close()
		return ctx.Err()
	}
	defer m.clearConn(conn)

	m.log.Infof("connected to relay server %s", conn.RemoteAddr())
	m.statusLine(fmt.Sprintf("connected to %s", m.config.ServerAddress))

	hc := healthcheck.NewSender(m.log, m.config.HeartbeatInterval)

	g, gctx := errgroup.WithContext(connCtx)
	g.Go(func() error {
		return m.receiveLoop(conn, hc)
	})
	g.Go(func() error {
		hc.StartHealthCheck(gctx)
		return nil
	})
	g.Go(func() error {
		m.heartbeatLoop(gctx, conn, hc)
		return nil
	})
	g.Go(func() error {
		// unblocks the pending read once the connection is over for any reason
		<-gctx.Done()
		if err := conn.Close(); err != nil {
			m.log.Debugf("failed to close connection: %s", err)
		}
		return nil
	})

	return g.Wait()
}

// enterConnected publishes conn and sends the JOIN before any other write can reach the transport
func (m *Manager) enterConnected(ctx context.Context, conn *messages.Conn) bool {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		return false
	}
	m.conn = conn
	m.state = StateConnected
	if m.connectedCh != nil {
		// there are goroutines waiting on this channel -> release them
		close(m.connectedCh)
		m.connectedCh = nil
	}
	m.mu.Unlock()

	if err := m.writeLocked(conn, messages.NewJoin(m.config.Username)); err != nil {
		// the server does not know us without a JOIN, start over on a new connection
		m.log.Warnf("failed to send join: %s", err)
		m.closeConn(conn)
	}
	return true
}

func (m *Manager) clearConn(conn *messages.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == conn {
		m.conn = nil
	}
}

func (m *Manager) receiveLoop(conn *messages.Conn, hc *healthcheck.Sender) error {
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}

		switch msg.Type() {
		case messages.TypePing:
			if err := m.write(conn, messages.NewPong(m.config.Username)); err != nil {
				m.log.Debugf("failed to answer ping: %s", err)
			}
		case messages.TypePong:
			hc.OnHCResponse()
		default:
			dispatch(m.dispatcher, m.config.Username, msg)
		}
	}
}

// heartbeatLoop turns every pulse into a PING. Failed writes are left to the receive side to detect.
func (m *Manager) heartbeatLoop(ctx context.Context, conn *messages.Conn, hc *healthcheck.Sender) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-hc.HealthCheck:
			if !ok {
				return
			}
			if err := m.write(conn, messages.NewPing(m.config.Username)); err != nil {
				m.log.Debugf("failed to send heartbeat: %s", err)
			}
		}
	}
}

func (m *Manager) write(conn *messages.Conn, msg messages.Message) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.writeLocked(conn, msg)
}

// writeLocked writes msg with writeMu held. A write that stopped in the middle of a frame leaves the server waiting
// for bytes that never come, so the transport is closed and the receive task takes the connection down. A write that
// sent nothing keeps the connection.
func (m *Manager) writeLocked(conn *messages.Conn, msg messages.Message) error {
	err := conn.WriteMessageTimeout(msg, m.config.WriteTimeout)
	if errors.Is(err, messages.ErrPartialFrame) {
		m.log.Warnf("dropping connection after a partial %s write: %s", msg.Type(), err)
		m.closeConn(conn)
	}
	return err
}

func (m *Manager) closeConn(conn *messages.Conn) {
	if err := conn.Close(); err != nil {
		m.log.Debugf("failed to close connection: %s", err)
	}
}

// setState ignores transitions of a campaign that has been canceled, Disconnect owns the state from then on
func (m *Manager) setState(ctx context.Context, state State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	m.state = state
	return true
}

func (m *Manager) enterReconnecting(ctx context.Context, delay time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	m.state = StateReconnecting
	m.reconnectDelay = delay
	return true
}

func (m *Manager) resetReconnectDelay() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnectDelay = m.config.ReconnectBaseDelay
}

func (m *Manager) statusLine(line string) {
	m.dispatcher.OnDisplayLine(line)
}
