package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/life-stream-dev/life-stream-control-channel/internal/client"
	"github.com/life-stream-dev/life-stream-control-channel/internal/config"
	"github.com/life-stream-dev/life-stream-control-channel/internal/event"
	"github.com/life-stream-dev/life-stream-control-channel/internal/logger"
	"github.com/life-stream-dev/life-stream-control-channel/internal/utils"
)

func newClientCommand() *cobra.Command {
	var (
		publish   string
		subscribe []string
	)
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Publish stdin lines on a channel and print messages received on others",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cleaner, err := bootstrap()
			if err != nil {
				return err
			}
			return runClient(cmd.Context(), cfg, cleaner, publish, subscribe)
		},
	}
	cmd.Flags().StringVarP(&publish, "publish", "p", "test", "channel that stdin lines are published to")
	cmd.Flags().StringSliceVarP(&subscribe, "subscribe", "s", []string{"test-backchannel"}, "channels to print")
	return cmd
}

func runClient(ctx context.Context, cfg config.Config, cleaner *event.Cleaner, publish string, subscribe []string) error {
	opts := []client.Option{
		client.WithRetryDelay(utils.ParseStringTime(cfg.Client.RetryDelay)),
		client.WithDialTimeout(utils.ParseStringTime(cfg.Client.DialTimeout)),
	}
	if cfg.Client.Secure {
		secure, err := clientTLSOption(cfg.Client)
		if err != nil {
			return err
		}
		opts = append(opts, secure)
	}

	c := client.New(cfg.Client.Host, cfg.Client.Port, cfg.Client.AuthData, opts...)
	cleaner.Add(event.CallableFunc(func(context.Context) error { return c.Close() }))

	for _, name := range subscribe {
		name := name
		err := c.RegisterChannelHandler(name, func(data []byte) {
			fmt.Printf("[%s] %s\n", name, data)
		})
		if err != nil {
			return err
		}
	}
	c.OnChannelRegistered(func(name string) {
		logger.InfoF("Subscribed to channel %s", name)
	})
	if err := c.Open(ctx); err != nil && !c.CanUse() {
		return err
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := c.Send(ctx, publish, line); err != nil {
			return err
		}
		if c.Pending() > 0 {
			logger.InfoF("%d message(s) queued until the server is reachable", c.Pending())
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	errs := cleaner.Clean()
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func clientTLSOption(cfg config.ClientConfig) (client.Option, error) {
	var clientCert *tls.Certificate
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		clientCert = &cert
	}
	if cfg.SkipVerify {
		logger.Warn("Server certificate verification disabled")
		return client.WithSecure(func([]*x509.Certificate) error { return nil }, clientCert), nil
	}
	return client.WithSecure(nil, clientCert), nil
}
