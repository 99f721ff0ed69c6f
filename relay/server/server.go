package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/meetrelay/meetrelay/relay/server/listener"
	"github.com/meetrelay/meetrelay/relay/server/listener/tcp"
	"github.com/meetrelay/meetrelay/relay/server/listener/ws"
)

const DefaultWriteTimeout = 10 * time.Second

// ListenerConfig is the configuration for the listeners
type ListenerConfig struct {
	// Address is the TCP listen address, e.g. ":5000"
	Address string
	// WSAddress enables the WebSocket listener when not empty
	WSAddress string
}

// Config is the configuration of the relay server
type Config struct {
	Meter metric.Meter
	// Capacity is the maximum number of simultaneous sessions
	Capacity     int
	WriteTimeout time.Duration
	// AcceptRate is the sustained number of accepted connections per second, zero disables the limit
	AcceptRate  float64
	AcceptBurst int
}

func (c *Config) validate() error {
	if c.Meter == nil {
		return fmt.Errorf("meter is required")
	}
	if c.Capacity < 0 {
		return fmt.Errorf("invalid capacity: %d", c.Capacity)
	}
	if c.AcceptRate < 0 {
		return fmt.Errorf("invalid accept rate: %f", c.AcceptRate)
	}
	return nil
}

// Server is the main entry point for the relay server.
// It binds the listeners and hands every accepted connection to the Relay.
type Server struct {
	relay *Relay

	listeners   []listener.Listener
	listenersMu sync.Mutex

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// NewServer creates a new relay server instance.
func NewServer(config Config) (*Server, error) {
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var limiter *rate.Limiter
	if config.AcceptRate > 0 {
		burst := config.AcceptBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.AcceptRate), burst)
	}

	relay, err := NewRelay(config.Meter, config.Capacity, config.WriteTimeout, limiter)
	if err != nil {
		return nil, err
	}

	return &Server{
		relay:      relay,
		shutdownCh: make(chan struct{}),
	}, nil
}

// Listen binds the configured listeners and serves them until Shutdown. It returns an error if any listener cannot
// be bound; the listeners already running are then closed.
func (r *Server) Listen(cfg ListenerConfig) error {
	listeners := []listener.Listener{tcp.NewListener(cfg.Address)}
	if cfg.WSAddress != "" {
		listeners = append(listeners, ws.NewListener(cfg.WSAddress))
	}
	return r.serve(listeners...)
}

// Serve serves an already bound TCP listener until Shutdown
func (r *Server) Serve(ln net.Listener) error {
	return r.serve(tcp.NewListenerFrom(ln))
}

func (r *Server) serve(listeners ...listener.Listener) error {
	r.listenersMu.Lock()
	select {
	case <-r.shutdownCh:
		r.listenersMu.Unlock()
		return fmt.Errorf("server is shut down")
	default:
	}
	r.listeners = append(r.listeners, listeners...)
	r.listenersMu.Unlock()

	g, ctx := errgroup.WithContext(context.Background())
	for _, l := range listeners {
		g.Go(func() error {
			if err := l.Listen(r.relay.Accept); err != nil {
				return fmt.Errorf("%s listener: %w", l.Protocol(), err)
			}
			return nil
		})
	}

	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			for _, l := range listeners {
				if err := l.Close(context.Background()); err != nil {
					log.Debugf("failed to close %s listener: %s", l.Protocol(), err)
				}
			}
		case <-stopped:
		}
	}()

	err := g.Wait()
	close(stopped)
	return err
}

// Shutdown stops the listeners and closes every session
func (r *Server) Shutdown(ctx context.Context) error {
	r.listenersMu.Lock()
	r.shutdownOnce.Do(func() {
		close(r.shutdownCh)
	})
	listeners := r.listeners
	r.listenersMu.Unlock()

	var errs error
	for _, l := range listeners {
		if err := l.Close(ctx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("close %s listener: %w", l.Protocol(), err))
		}
	}

	if err := r.relay.Shutdown(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("close sessions: %w", err))
	}
	return errs
}

// SessionCount returns the number of admitted sessions
func (r *Server) SessionCount() int {
	return r.relay.SessionCount()
}
