package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/meetrelay/meetrelay/relay/client"
	"github.com/meetrelay/meetrelay/relay/client/dialer"
	"github.com/meetrelay/meetrelay/relay/client/dialer/tcp"
	"github.com/meetrelay/meetrelay/relay/client/dialer/ws"
	"github.com/meetrelay/meetrelay/util"
)

type Config struct {
	ServerAddress      string
	Username           string
	Transport          string
	ConnectTimeout     time.Duration
	HeartbeatInterval  time.Duration
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	LogLevel           string
	LogFile            string
}

func (c Config) Validate() error {
	if c.ServerAddress == "" {
		return fmt.Errorf("server address is required")
	}
	if c.Username == "" {
		return fmt.Errorf("username is required")
	}
	if c.Transport != tcp.Network && c.Transport != ws.Network {
		return fmt.Errorf("unknown transport %q: must be %s or %s", c.Transport, tcp.Network, ws.Network)
	}
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return fmt.Errorf("reconnect max delay %s is lower than the base delay %s", c.ReconnectMaxDelay, c.ReconnectBaseDelay)
	}
	return nil
}

func (c Config) dialer() dialer.Dialer {
	if c.Transport == ws.Network {
		return ws.New()
	}
	return tcp.New()
}

var (
	cobraConfig *Config
	rootCmd     = &cobra.Command{
		Use:           "meetpeer",
		Short:         "Meeting console peer",
		Long:          "Joins a meeting room from the terminal. Typed lines are sent as chat, /cam-off announces a closed camera and /quit leaves the room.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          execute,
	}
)

func init() {
	cobraConfig = &Config{}
	rootCmd.PersistentFlags().StringVarP(&cobraConfig.ServerAddress, "server", "s", "127.0.0.1:5000", "address of the relay server")
	rootCmd.PersistentFlags().StringVarP(&cobraConfig.Username, "username", "u", "", "name shown to the other participants")
	rootCmd.PersistentFlags().StringVarP(&cobraConfig.Transport, "transport", "t", tcp.Network, "transport to the relay server: tcp or ws")
	rootCmd.PersistentFlags().DurationVar(&cobraConfig.ConnectTimeout, "connect-timeout", client.DefaultConnectTimeout, "time allowed for one connection attempt")
	rootCmd.PersistentFlags().DurationVar(&cobraConfig.HeartbeatInterval, "heartbeat-interval", client.DefaultHeartbeatInterval, "interval between heartbeats while connected")
	rootCmd.PersistentFlags().DurationVar(&cobraConfig.ReconnectBaseDelay, "reconnect-base-delay", client.DefaultReconnectBaseDelay, "first wait before reconnecting")
	rootCmd.PersistentFlags().DurationVar(&cobraConfig.ReconnectMaxDelay, "reconnect-max-delay", client.DefaultReconnectMaxDelay, "longest wait before reconnecting")
	rootCmd.PersistentFlags().StringVar(&cobraConfig.LogLevel, "log-level", "warn", "log level")
	rootCmd.PersistentFlags().StringVar(&cobraConfig.LogFile, "log-file", util.LogConsole, "log file")

	util.SetFlagsFromEnvVars(rootCmd)
}

func Execute() error {
	return rootCmd.Execute()
}

func execute(cmd *cobra.Command, args []string) error {
	err := cobraConfig.Validate()
	if err != nil {
		log.Debugf("invalid config: %s", err)
		return fmt.Errorf("invalid config: %s", err)
	}

	err = util.InitLog(cobraConfig.LogLevel, cobraConfig.LogFile)
	if err != nil {
		return fmt.Errorf("failed to initialize log: %s", err)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	out := newConsole(cmd.OutOrStdout())
	m := client.NewManager(ctx, client.Config{
		ServerAddress:      cobraConfig.ServerAddress,
		Username:           cobraConfig.Username,
		ConnectTimeout:     cobraConfig.ConnectTimeout,
		HeartbeatInterval:  cobraConfig.HeartbeatInterval,
		ReconnectBaseDelay: cobraConfig.ReconnectBaseDelay,
		ReconnectMaxDelay:  cobraConfig.ReconnectMaxDelay,
	}, out, client.WithDialer(cobraConfig.dialer()))

	if err := m.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	runConsole(ctx, m, cobraConfig.Username, os.Stdin, out)
	return m.Disconnect()
}
