package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/metalagman/appforge/internal/app"
	"github.com/metalagman/appforge/internal/mcpserver"
	"github.com/spf13/cobra"
)

// version is set at build time.
var version = "dev"

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "mcp",
		Short:        "Serve the generator as an MCP tool over stdio",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = a.Close(stopCtx)
			}()

			var history mcpserver.History
			if a.Store != nil {
				history = a.Store
			}
			return mcpserver.New(a, history, version).Serve(ctx)
		},
	}
}
