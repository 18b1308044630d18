package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/life-stream-dev/life-stream-control-channel/internal/admin"
	"github.com/life-stream-dev/life-stream-control-channel/internal/config"
)

func newSessionsCommand() *cobra.Command {
	var (
		history bool
		limit   int
		address string
	)
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions through the admin gRPC service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if address == "" {
				cfg, err := config.ReadConfig(configPath)
				if err != nil {
					return err
				}
				address = cfg.Admin.GrpcAddress
			}
			conn, c, err := admin.Dial(address)
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			resp, err := c.ListSessions(ctx, &admin.ListSessionsRequest{IncludeHistory: history, Limit: limit})
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			return encoder.Encode(resp.Sessions)
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "include disconnected sessions from the session store")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of sessions")
	cmd.Flags().StringVar(&address, "address", "", "admin gRPC address, defaults to the configured one")
	return cmd
}
