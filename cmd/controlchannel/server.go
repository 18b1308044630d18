package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"slices"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/life-stream-dev/life-stream-control-channel/internal/admin"
	"github.com/life-stream-dev/life-stream-control-channel/internal/config"
	"github.com/life-stream-dev/life-stream-control-channel/internal/database"
	"github.com/life-stream-dev/life-stream-control-channel/internal/event"
	"github.com/life-stream-dev/life-stream-control-channel/internal/logger"
	"github.com/life-stream-dev/life-stream-control-channel/internal/metrics"
	"github.com/life-stream-dev/life-stream-control-channel/internal/server"
	"github.com/life-stream-dev/life-stream-control-channel/internal/utils"
)

func newServerCommand() *cobra.Command {
	var echo []string
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the control channel server with its admin endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cleaner, err := bootstrap()
			if err != nil {
				return err
			}
			return runServer(cfg, cleaner, echo)
		},
	}
	cmd.Flags().StringSliceVar(&echo, "echo", nil, "channels whose messages are echoed back on <channel>-backchannel")
	return cmd
}

func runServer(cfg config.Config, cleaner *event.Cleaner, echo []string) error {
	store, err := openSessionStore(cfg)
	if err != nil {
		return err
	}
	if closer, ok := store.(event.Callable); ok {
		cleaner.Add(closer)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []server.Option{
		server.WithSessionStore(store),
		server.WithMetrics(metrics.New(registry)),
		server.WithMaxConnections(cfg.Server.MaxConnections),
	}
	tlsOpts, err := serverTLSOptions(cfg.Server)
	if err != nil {
		return err
	}
	opts = append(opts, tlsOpts...)

	s := server.New(cfg.Server.Host, cfg.Server.Port, tokenAuthorizer(cfg.Server.AuthTokens), opts...)
	for _, name := range echo {
		backchannel := name + "-backchannel"
		err := s.RegisterChannelHandler(name, func(session *server.Session, data []byte) {
			if err := session.Send(context.Background(), backchannel, data); err != nil {
				logger.WarnF("[%s] Fail to echo on %s, details: %v", session.ID(), backchannel, err)
			}
		})
		if err != nil {
			return err
		}
	}
	if err := s.Open(); err != nil {
		return err
	}
	cleaner.Add(event.CallableFunc(func(context.Context) error { return s.Close() }))

	endpoints, err := admin.Start(cfg.Admin, s, store, registry)
	if err != nil {
		return err
	}
	cleaner.Add(endpoints)

	select {}
}

func openSessionStore(cfg config.Config) (database.SessionStore, error) {
	if !cfg.Database.Enabled {
		logger.Info("Database disabled, keeping session records in memory")
		return database.NewMemoryStore(cfg.Database.CacheSize, utils.ParseStringTime(cfg.Database.CacheTTL)), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), utils.ParseStringTime(cfg.Database.ConnectTimeout)+utils.ParseStringTime(cfg.Database.OperationTimeout))
	defer cancel()
	store, err := database.Connect(ctx, cfg.Database, cfg.AppName)
	if err != nil {
		return nil, fmt.Errorf("error occured while initializing database, details: %w", err)
	}
	return store, nil
}

// tokenAuthorizer 未配置token时接受所有会话
func tokenAuthorizer(tokens []string) server.AuthorizeFunc {
	if len(tokens) == 0 {
		return nil
	}
	return func(session *server.Session) bool {
		return slices.Contains(tokens, session.ClientData()["token"])
	}
}

func serverTLSOptions(cfg config.ServerConfig) ([]server.Option, error) {
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		logger.Warn("No certificate configured, control channel server runs without TLS")
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	opts := []server.Option{server.WithCertificate(cert)}

	switch {
	case cfg.ClientCAFile != "":
		pem, err := os.ReadFile(cfg.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("read client ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificate found in %s", cfg.ClientCAFile)
		}
		opts = append(opts, server.WithClientValidation(func(cert *x509.Certificate) error {
			_, err := cert.Verify(x509.VerifyOptions{
				Roots:     pool,
				KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
			})
			return err
		}))
	case cfg.RequireClientCert:
		opts = append(opts, server.WithClientValidation(func(*x509.Certificate) error { return nil }))
	}
	return opts, nil
}
