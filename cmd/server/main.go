package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/b-xiang/redis-websocket-pubsub/internal/pubsub"
	"github.com/b-xiang/redis-websocket-pubsub/internal/server"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		bindHost   string
		bindPort   int
		redisHost  string
		redisPort  int
		logPath    string
		useTLS     bool
		tlsChain   string
		tlsKey     string
		tlsCiphers string
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "WebSocket pub/sub bridge backed by redis",
		Long: `A WebSocket server that bridges clients to redis publish/subscribe.

Clients upgrade over HTTP/1.1, then exchange JSON envelopes of the shape
{"action": "pub"|"sub"|"unsub", "key": <channel>, "data": <payload>}.
Messages published on a channel are fanned out to every connected client
subscribed to it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := server.LoadConfig()

			flags := cmd.Flags()
			if flags.Changed("bind_host") {
				cfg.BindHost = bindHost
			}
			if flags.Changed("bind_port") {
				cfg.BindPort = bindPort
			}
			if flags.Changed("redis_host") {
				cfg.RedisHost = redisHost
			}
			if flags.Changed("redis_port") {
				cfg.RedisPort = redisPort
			}
			if flags.Changed("log") {
				cfg.LogPath = logPath
			}
			if flags.Changed("ssl") {
				cfg.TLS = useTLS
			}
			if flags.Changed("ssl_certificate_chain") {
				cfg.TLSCertificateChain = tlsChain
			}
			if flags.Changed("ssl_private_key") {
				cfg.TLSPrivateKey = tlsKey
			}
			if flags.Changed("ssl_ciphers") {
				cfg.TLSCiphers = strings.Split(tlsCiphers, ",")
			}

			return run(cfg)
		},
	}

	cmd.Flags().StringVar(&bindHost, "bind_host", "0.0.0.0", "address to listen on")
	cmd.Flags().IntVarP(&bindPort, "bind_port", "p", 9999, "port to listen on")
	cmd.Flags().StringVarP(&redisHost, "redis_host", "H", "127.0.0.1", "redis server host")
	cmd.Flags().IntVarP(&redisPort, "redis_port", "P", 6379, "redis server port")
	cmd.Flags().StringVarP(&logPath, "log", "l", "", "log file path (default stdout)")
	cmd.Flags().BoolVar(&useTLS, "ssl", false, "serve TLS on the listening socket")
	cmd.Flags().StringVar(&tlsChain, "ssl_certificate_chain", "", "path to the PEM certificate chain")
	cmd.Flags().StringVar(&tlsKey, "ssl_private_key", "", "path to the PEM private key")
	cmd.Flags().StringVar(&tlsCiphers, "ssl_ciphers", "", "comma-separated TLS cipher suite names")

	return cmd
}

func run(cfg server.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	logSink := os.Stdout
	if cfg.LogPath != "" {
		f, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		logSink = f
	}
	logger := slog.New(slog.NewJSONHandler(logSink, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	broker, err := pubsub.NewRedisBroker(ctx, cfg.RedisAddr(), logger)
	if err != nil {
		return err
	}
	defer broker.Close()

	srv, err := server.New(cfg, logger, broker)
	if err != nil {
		return err
	}

	broker.SetMessageHandler(srv.HandleBrokerMessage)
	go broker.Run(ctx)

	if err := srv.Run(ctx); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
