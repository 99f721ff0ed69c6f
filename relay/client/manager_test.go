package client

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/meetrelay/meetrelay/relay/messages"
	"github.com/meetrelay/meetrelay/relay/server"
	"github.com/meetrelay/meetrelay/util"
)

const waitTimeout = 3 * time.Second

func TestMain(m *testing.M) {
	_ = util.InitLog("error", util.LogConsole)
	code := m.Run()
	os.Exit(code)
}

type funcDialer func(ctx context.Context, address string) (net.Conn, error)

func (f funcDialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	return f(ctx, address)
}

func (f funcDialer) Protocol() string {
	return "test"
}

func startServer(t *testing.T) (*server.Server, string) {
	t.Helper()
	srv, err := server.NewServer(server.Config{
		Meter:        otel.Meter(""),
		Capacity:     server.DefaultCapacity,
		WriteTimeout: time.Second,
	})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		_ = srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv, ln.Addr().String()
}

func testConfig(address, username string) Config {
	return Config{
		ServerAddress:      address,
		Username:           username,
		ConnectTimeout:     time.Second,
		HeartbeatInterval:  time.Minute,
		ReconnectBaseDelay: 100 * time.Millisecond,
		ReconnectMaxDelay:  time.Second,
		WriteTimeout:       time.Second,
	}
}

func connectManager(t *testing.T, config Config, d Dispatcher, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(context.Background(), config, d, opts...)
	require.NoError(t, m.Connect())
	t.Cleanup(func() {
		_ = m.Disconnect()
	})

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, m.WaitConnected(ctx))
	return m
}

func TestManager_SendWhenDisconnected(t *testing.T) {
	var dials atomic.Int32
	d := funcDialer(func(ctx context.Context, address string) (net.Conn, error) {
		dials.Add(1)
		return nil, errors.New("unreachable")
	})

	m := NewManager(context.Background(), testConfig("127.0.0.1:1", "alice"), nil, WithDialer(d))

	assert.Equal(t, StateDisconnected, m.State())
	err := m.Send(messages.NewChat("alice", "hello"))
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Zero(t, dials.Load())
}

func TestManager_ConnectValidatesConfig(t *testing.T) {
	m := NewManager(context.Background(), Config{ServerAddress: "127.0.0.1:5000"}, nil)
	assert.Error(t, m.Connect())
	assert.Equal(t, StateDisconnected, m.State())

	m = NewManager(context.Background(), Config{Username: "alice"}, nil)
	assert.Error(t, m.Connect())
}

func TestConfig_Defaults(t *testing.T) {
	m := NewManager(context.Background(), Config{ServerAddress: "127.0.0.1:5000", Username: "alice"}, nil)
	assert.Equal(t, DefaultConnectTimeout, m.config.ConnectTimeout)
	assert.Equal(t, DefaultHeartbeatInterval, m.config.HeartbeatInterval)
	assert.Equal(t, DefaultReconnectBaseDelay, m.config.ReconnectBaseDelay)
	assert.Equal(t, DefaultReconnectMaxDelay, m.config.ReconnectMaxDelay)
	assert.Equal(t, DefaultWriteTimeout, m.config.WriteTimeout)
	assert.Equal(t, DefaultReconnectBaseDelay, m.ReconnectDelay())
}

func TestManager_PeerJoinAndLeave(t *testing.T) {
	_, addr := startServer(t)

	bobEvents := &recorder{}
	connectManager(t, testConfig(addr, "bob"), bobEvents)

	alice := connectManager(t, testConfig(addr, "alice"), &recorder{})

	require.Eventually(t, func() bool {
		return bobEvents.has("line:alice joined") && bobEvents.has("joined:alice")
	}, waitTimeout, 10*time.Millisecond)

	// alice goes away without saying goodbye, the relay announces it
	require.NoError(t, alice.Disconnect())

	require.Eventually(t, func() bool {
		return bobEvents.has("line:alice left the meeting") && bobEvents.has("left:alice")
	}, waitTimeout, 10*time.Millisecond)
}

func TestManager_ChatIsDelivered(t *testing.T) {
	_, addr := startServer(t)

	aliceEvents := &recorder{}
	bobEvents := &recorder{}
	alice := connectManager(t, testConfig(addr, "alice"), aliceEvents)
	connectManager(t, testConfig(addr, "bob"), bobEvents)

	require.Eventually(t, func() bool {
		return aliceEvents.has("joined:bob")
	}, waitTimeout, 10*time.Millisecond)

	require.NoError(t, alice.Send(messages.NewChat("alice", "hi")))
	require.NoError(t, alice.Send(messages.NewVideo("alice", []byte{1, 2, 3, 4})))

	require.Eventually(t, func() bool {
		return bobEvents.has("line:alice: hi") && bobEvents.has("video:alice:4")
	}, waitTimeout, 10*time.Millisecond)

	for _, e := range aliceEvents.Events() {
		assert.NotEqual(t, "line:alice: hi", e, "own chat came back")
	}
}

func TestManager_RoomFullNoticeIsDisplayed(t *testing.T) {
	_, addr := startServer(t)

	for _, name := range []string{"p1", "p2", "p3", "p4"} {
		connectManager(t, testConfig(addr, name), nil)
	}

	fifth := &recorder{}
	connectManager(t, testConfig(addr, "p5"), fifth)

	require.Eventually(t, func() bool {
		for _, e := range fifth.Events() {
			if strings.HasPrefix(e, "line:room is full") {
				return true
			}
		}
		return false
	}, waitTimeout, 10*time.Millisecond)
}

// fakeRelay accepts connections and hands them to handle one by one
func fakeRelay(t *testing.T, handle func(conn *messages.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = ln.Close()
	})

	go func() {
		for {
			raw, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer raw.Close()
				handle(messages.NewConn(raw))
			}()
		}
	}()
	return ln.Addr().String()
}

func TestManager_JoinIsSentFirstAndHeartbeatFollows(t *testing.T) {
	received := make(chan messages.Message, 16)
	addr := fakeRelay(t, func(conn *messages.Conn) {
		for {
			msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			select {
			case received <- msg:
			default:
			}
			if msg.Type() == messages.TypePing {
				_ = conn.WriteMessage(messages.NewPong(messages.ServerSender))
			}
		}
	})

	config := testConfig(addr, "alice")
	config.HeartbeatInterval = 50 * time.Millisecond
	connectManager(t, config, nil)

	first := <-received
	assert.Equal(t, messages.TypeJoin, first.Type())
	assert.Equal(t, "alice", first.Sender())

	for i := 0; i < 2; i++ {
		select {
		case msg := <-received:
			assert.Equal(t, messages.TypePing, msg.Type())
		case <-time.After(waitTimeout):
			t.Fatalf("no heartbeat received")
		}
	}
}

func TestManager_AnswersPing(t *testing.T) {
	pong := make(chan messages.Message, 1)
	addr := fakeRelay(t, func(conn *messages.Conn) {
		if _, err := conn.ReadMessage(); err != nil {
			return
		}
		if err := conn.WriteMessage(messages.NewPing(messages.ServerSender)); err != nil {
			return
		}
		msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		pong <- msg
		_, _ = conn.ReadMessage()
	})

	events := &recorder{}
	connectManager(t, testConfig(addr, "alice"), events)

	select {
	case msg := <-pong:
		assert.Equal(t, messages.TypePong, msg.Type())
		assert.Equal(t, "alice", msg.Sender())
	case <-time.After(waitTimeout):
		t.Fatalf("ping not answered")
	}
	for _, e := range events.Events() {
		assert.False(t, strings.Contains(e, "Servidor"), "ping reached the dispatcher: %s", e)
	}
}

func TestManager_ReconnectsAfterConnectionLoss(t *testing.T) {
	var accepted atomic.Int32
	addr := fakeRelay(t, func(conn *messages.Conn) {
		if accepted.Add(1) == 1 {
			// drop the first connection right after the JOIN
			_, _ = conn.ReadMessage()
			return
		}
		for {
			if _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	events := &recorder{}
	m := connectManager(t, testConfig(addr, "alice"), events)

	require.Eventually(t, func() bool {
		return accepted.Load() == 2 && m.State() == StateConnected
	}, waitTimeout, 10*time.Millisecond)

	assert.True(t, events.has("line:connection lost, reconnecting in 100ms"))
	assert.Equal(t, 100*time.Millisecond, m.ReconnectDelay())
}

func TestManager_ReconnectDelayGrows(t *testing.T) {
	const (
		connectTimeout = 50 * time.Millisecond
		baseDelay      = 200 * time.Millisecond
		tolerance      = 100 * time.Millisecond
	)

	var mu sync.Mutex
	var starts, ends []time.Time
	d := funcDialer(func(ctx context.Context, address string) (net.Conn, error) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()

		// a server that never answers
		<-ctx.Done()

		mu.Lock()
		ends = append(ends, time.Now())
		mu.Unlock()
		return nil, ctx.Err()
	})

	config := testConfig("192.0.2.1:5000", "alice")
	config.ConnectTimeout = connectTimeout
	config.ReconnectBaseDelay = baseDelay
	config.ReconnectMaxDelay = 10 * baseDelay

	events := &recorder{}
	m := NewManager(context.Background(), config, events, WithDialer(d))
	require.NoError(t, m.Connect())
	defer func() {
		_ = m.Disconnect()
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(starts) >= 3
	}, waitTimeout, 5*time.Millisecond)

	mu.Lock()
	firstWait := starts[1].Sub(ends[0])
	secondWait := starts[2].Sub(ends[1])
	attempt := ends[0].Sub(starts[0])
	mu.Unlock()

	assert.InDelta(t, connectTimeout, attempt, float64(tolerance), "connect attempt is bounded by the timeout")
	assert.InDelta(t, baseDelay, firstWait, float64(tolerance))
	assert.InDelta(t, 2*baseDelay, secondWait, float64(tolerance))
	assert.True(t, events.has("line:connection failed: context deadline exceeded, retrying in 200ms"))
}

func TestManager_DisconnectStopsReconnecting(t *testing.T) {
	var dials atomic.Int32
	d := funcDialer(func(ctx context.Context, address string) (net.Conn, error) {
		dials.Add(1)
		return nil, errors.New("connection refused")
	})

	config := testConfig("127.0.0.1:1", "alice")
	config.ReconnectBaseDelay = 20 * time.Millisecond
	config.ReconnectMaxDelay = 20 * time.Millisecond

	m := NewManager(context.Background(), config, nil, WithDialer(d))
	require.NoError(t, m.Connect())

	require.Eventually(t, func() bool {
		return dials.Load() >= 2
	}, waitTimeout, 5*time.Millisecond)

	require.NoError(t, m.Disconnect())
	assert.Equal(t, StateDisconnected, m.State())

	after := dials.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, after, dials.Load(), "dialed after disconnect")
	assert.Equal(t, StateDisconnected, m.State())
	assert.ErrorIs(t, m.Send(messages.NewChat("alice", "late")), ErrNotConnected)
}

func TestManager_ConnectIsSingleFlight(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	d := funcDialer(func(ctx context.Context, address string) (net.Conn, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			current := maxInFlight.Load()
			if n <= current || maxInFlight.CompareAndSwap(current, n) {
				break
			}
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})

	config := testConfig("192.0.2.1:5000", "alice")
	config.ConnectTimeout = 50 * time.Millisecond
	config.ReconnectBaseDelay = 10 * time.Millisecond
	config.ReconnectMaxDelay = 10 * time.Millisecond

	m := NewManager(context.Background(), config, nil, WithDialer(d))
	for i := 0; i < 5; i++ {
		require.NoError(t, m.Connect())
	}
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, m.Disconnect())

	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestManager_ReconnectAfterDisconnect(t *testing.T) {
	_, addr := startServer(t)

	m := connectManager(t, testConfig(addr, "alice"), nil)
	require.NoError(t, m.Disconnect())
	require.NoError(t, m.Disconnect())

	require.NoError(t, m.Connect())
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, m.WaitConnected(ctx))
	assert.NoError(t, m.Send(messages.NewChat("alice", "back")))
}

// pipeDialer connects every attempt to a new in-memory pipe whose server end is passed to handle
func pipeDialer(handle func(attempt int, server net.Conn)) (funcDialer, *atomic.Int32) {
	var dials atomic.Int32
	d := funcDialer(func(ctx context.Context, address string) (net.Conn, error) {
		attempt := int(dials.Add(1))
		clientEnd, serverEnd := net.Pipe()
		go func() {
			defer serverEnd.Close()
			handle(attempt, serverEnd)
		}()
		return clientEnd, nil
	})
	return d, &dials
}

func TestManager_StalledWriteKeepsConnectionUsable(t *testing.T) {
	resume := make(chan struct{})
	received := make(chan messages.Message, 4)
	d, dials := pipeDialer(func(attempt int, server net.Conn) {
		conn := messages.NewConn(server)
		if _, err := conn.ReadMessage(); err != nil {
			return
		}
		<-resume
		for {
			msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- msg
		}
	})

	config := testConfig("pipe", "alice")
	config.WriteTimeout = 100 * time.Millisecond
	m := connectManager(t, config, nil, WithDialer(d))

	err := m.Send(messages.NewVideo("alice", make([]byte, 64<<10)))
	require.Error(t, err, "nobody reads the other end")
	assert.NotErrorIs(t, err, messages.ErrPartialFrame)
	assert.Equal(t, StateConnected, m.State())

	close(resume)
	require.NoError(t, m.Send(messages.NewChat("alice", "after the stall")))

	select {
	case msg := <-received:
		assert.Equal(t, messages.TypeChat, msg.Type())
		assert.Equal(t, "after the stall", msg.Text())
	case <-time.After(waitTimeout):
		t.Fatalf("frame after the stall not received")
	}
	assert.Equal(t, int32(1), dials.Load())
}

func TestManager_PartialWriteReconnects(t *testing.T) {
	received := make(chan messages.Message, 4)
	d, dials := pipeDialer(func(attempt int, server net.Conn) {
		conn := messages.NewConn(server)
		if _, err := conn.ReadMessage(); err != nil {
			return
		}
		if attempt == 1 {
			// take the beginning of the next frame and stop reading
			_, _ = io.ReadFull(server, make([]byte, 1000))
			time.Sleep(500 * time.Millisecond)
			_, _ = io.Copy(io.Discard, server)
			return
		}
		for {
			msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- msg
		}
	})

	config := testConfig("pipe", "alice")
	config.WriteTimeout = 100 * time.Millisecond
	config.ReconnectBaseDelay = 50 * time.Millisecond
	events := &recorder{}
	m := connectManager(t, config, events, WithDialer(d))

	err := m.Send(messages.NewVideo("alice", make([]byte, 64<<10)))
	assert.ErrorIs(t, err, messages.ErrPartialFrame)

	require.Eventually(t, func() bool {
		return dials.Load() == 2 && m.State() == StateConnected
	}, waitTimeout, 10*time.Millisecond)
	assert.True(t, events.has("line:connection lost, reconnecting in 50ms"))

	require.NoError(t, m.Send(messages.NewChat("alice", "on the new connection")))
	select {
	case msg := <-received:
		assert.Equal(t, "on the new connection", msg.Text())
	case <-time.After(waitTimeout):
		t.Fatalf("frame on the new connection not received")
	}
}

// writeGate lets reads through and fails every write while closed
type writeGate struct {
	net.Conn
	closed   atomic.Bool
	attempts atomic.Int32
}

func (g *writeGate) Write(p []byte) (int, error) {
	if g.closed.Load() {
		g.attempts.Add(1)
		return 0, errors.New("write blocked")
	}
	return g.Conn.Write(p)
}

func TestManager_FailedHeartbeatDoesNotReconnect(t *testing.T) {
	speak := make(chan struct{})
	joined := make(chan struct{}, 1)
	addr := fakeRelay(t, func(conn *messages.Conn) {
		if _, err := conn.ReadMessage(); err != nil {
			return
		}
		joined <- struct{}{}
		<-speak
		if err := conn.WriteMessage(messages.NewChat("bob", "still here")); err != nil {
			return
		}
		for {
			if _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	var dials atomic.Int32
	gate := &writeGate{}
	d := funcDialer(func(ctx context.Context, address string) (net.Conn, error) {
		dials.Add(1)
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, err
		}
		gate.Conn = conn
		return gate, nil
	})

	config := testConfig(addr, "alice")
	config.HeartbeatInterval = 30 * time.Millisecond
	events := &recorder{}
	m := connectManager(t, config, events, WithDialer(d))

	select {
	case <-joined:
	case <-time.After(waitTimeout):
		t.Fatalf("join not received")
	}
	gate.closed.Store(true)

	require.Eventually(t, func() bool {
		return gate.attempts.Load() >= 3
	}, waitTimeout, 10*time.Millisecond, "heartbeats were not attempted")
	assert.Equal(t, StateConnected, m.State())

	close(speak)
	require.Eventually(t, func() bool {
		return events.has("line:bob: still here")
	}, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, int32(1), dials.Load())
}
