package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/meetrelay/meetrelay/relay/server"
	"github.com/meetrelay/meetrelay/shared/metrics"
	"github.com/meetrelay/meetrelay/util"
)

const shutdownTimeout = 30 * time.Second

type Config struct {
	ListenAddress string
	// WSListenAddress enables the WebSocket transport for peers that cannot open a raw TCP stream
	WSListenAddress string
	Capacity        int
	WriteTimeout    time.Duration
	AcceptRate      float64
	AcceptBurst     int
	MetricsPort     int
	LogLevel        string
	LogFile         string
}

func (c Config) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.Capacity < 1 {
		return fmt.Errorf("invalid capacity %d: must be at least 1", c.Capacity)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("invalid write timeout %s", c.WriteTimeout)
	}
	if c.AcceptRate < 0 {
		return fmt.Errorf("invalid accept rate %f", c.AcceptRate)
	}
	if c.AcceptRate > 0 && c.AcceptBurst < 1 {
		return fmt.Errorf("accept burst must be at least 1 when the accept rate is limited")
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port %d: must be between 0 and 65535", c.MetricsPort)
	}
	if c.ListenAddress == c.WSListenAddress {
		return fmt.Errorf("websocket listen address must differ from the listen address")
	}
	return nil
}

var (
	cobraConfig *Config
	rootCmd     = &cobra.Command{
		Use:           "meetrelay",
		Short:         "Meeting relay server",
		Long:          "Relays chat, video and audio between the participants of one meeting room",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          execute,
	}
)

func init() {
	_ = util.InitLog("trace", util.LogConsole)
	cobraConfig = &Config{}
	rootCmd.PersistentFlags().StringVarP(&cobraConfig.ListenAddress, "listen-address", "l", ":5000", "listen address of the TCP transport")
	rootCmd.PersistentFlags().StringVar(&cobraConfig.WSListenAddress, "ws-listen-address", "", "listen address of the WebSocket transport, disabled when empty")
	rootCmd.PersistentFlags().IntVarP(&cobraConfig.Capacity, "capacity", "c", server.DefaultCapacity, "maximum number of participants in the room")
	rootCmd.PersistentFlags().DurationVar(&cobraConfig.WriteTimeout, "write-timeout", server.DefaultWriteTimeout, "time allowed for a single write to a participant")
	rootCmd.PersistentFlags().Float64Var(&cobraConfig.AcceptRate, "accept-rate", 0, "accepted connections per second, 0 means unlimited")
	rootCmd.PersistentFlags().IntVar(&cobraConfig.AcceptBurst, "accept-burst", 10, "connections accepted in a burst when the accept rate is limited")
	rootCmd.PersistentFlags().IntVar(&cobraConfig.MetricsPort, "metrics-port", 9090, "metrics endpoint http port. Metrics are accessible under host:metrics-port/metrics, 0 disables it")
	rootCmd.PersistentFlags().StringVar(&cobraConfig.LogLevel, "log-level", "info", "log level")
	rootCmd.PersistentFlags().StringVar(&cobraConfig.LogFile, "log-file", util.LogConsole, "log file")

	util.SetFlagsFromEnvVars(rootCmd)
}

func Execute() error {
	return rootCmd.Execute()
}

func waitForExitSignal() {
	osSigs := make(chan os.Signal, 1)
	signal.Notify(osSigs, syscall.SIGINT, syscall.SIGTERM)
	<-osSigs
}

func execute(cmd *cobra.Command, args []string) error {
	wg := sync.WaitGroup{}
	err := cobraConfig.Validate()
	if err != nil {
		log.Debugf("invalid config: %s", err)
		return fmt.Errorf("invalid config: %s", err)
	}

	err = util.InitLog(cobraConfig.LogLevel, cobraConfig.LogFile)
	if err != nil {
		log.Debugf("failed to initialize log: %s", err)
		return fmt.Errorf("failed to initialize log: %s", err)
	}

	metricsServer, err := metrics.NewServer(cobraConfig.MetricsPort, "")
	if err != nil {
		log.Debugf("setup metrics: %v", err)
		return fmt.Errorf("setup metrics: %v", err)
	}

	srv, err := server.NewServer(server.Config{
		Meter:        metricsServer.Meter,
		Capacity:     cobraConfig.Capacity,
		WriteTimeout: cobraConfig.WriteTimeout,
		AcceptRate:   cobraConfig.AcceptRate,
		AcceptBurst:  cobraConfig.AcceptBurst,
	})
	if err != nil {
		return fmt.Errorf("failed to create relay server: %v", err)
	}

	srvListenerCfg := server.ListenerConfig{
		Address:   cobraConfig.ListenAddress,
		WSAddress: cobraConfig.WSListenAddress,
	}
	startServers(&wg, metricsServer, srv, srvListenerCfg)

	waitForExitSignal()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err = shutdownServers(ctx, metricsServer, srv)
	wg.Wait()
	return err
}

func startServers(wg *sync.WaitGroup, metricsServer *metrics.Metrics, srv *server.Server, srvListenerCfg server.ListenerConfig) {
	if cobraConfig.MetricsPort > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Infof("running metrics server: %s%s", metricsServer.Addr, metricsServer.Endpoint)
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("failed to start metrics server: %v", err)
			}
		}()
	}

	log.Infof("meeting room open on %s for %d participants", srvListenerCfg.Address, cobraConfig.Capacity)
	if srvListenerCfg.WSAddress != "" {
		log.Infof("websocket transport available on %s", srvListenerCfg.WSAddress)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Listen(srvListenerCfg); err != nil {
			log.Fatalf("failed to bind relay server: %s", err)
		}
	}()
}

func shutdownServers(ctx context.Context, metricsServer *metrics.Metrics, srv *server.Server) error {
	var errs error

	if err := srv.Shutdown(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to close relay server: %w", err))
	}

	log.Infof("shutting down metrics server")
	if err := metricsServer.Shutdown(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to close metrics server: %w", err))
	}

	return errs
}
