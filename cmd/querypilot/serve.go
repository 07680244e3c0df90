package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudbro-kube-ai/querypilot/pkg/ai"
	"github.com/cloudbro-kube-ai/querypilot/pkg/datasource"
	"github.com/cloudbro-kube-ai/querypilot/pkg/db"
	"github.com/cloudbro-kube-ai/querypilot/pkg/log"
	"github.com/cloudbro-kube-ai/querypilot/pkg/web"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var host string
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and websocket API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			history, err := openHistory(ctx, cfg)
			if err != nil {
				return err
			}
			defer history.Close()

			if history != nil && cfg.History.RetentionDays > 0 {
				retention, err := db.NewRetention(history, cfg.History.RetentionDays, cfg.History.RetentionSchedule)
				if err != nil {
					return err
				}
				if err := retention.Start(); err != nil {
					return err
				}
				defer retention.Stop()
			}

			client, err := newLLMClient(cfg)
			if err != nil {
				return err
			}

			conns := datasource.NewManager()
			connectConfigured(ctx, cfg, conns)

			svc := newService(cfg, conns, ai.NewSQLGenerator(client), history)
			srv, err := web.NewServer(web.Options{
				Config:      cfg,
				Service:     svc,
				Connections: conns,
				History:     history,
				LLM:         client,
				Version:     Version,
			})
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			select {
			case err := <-errCh:
				conns.CloseAll()
				return err
			case <-ctx.Done():
			}

			log.Infof("shutting down")
			timeout := cfg.Server.ShutdownTimeout
			if timeout <= 0 {
				timeout = 10 * time.Second
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := srv.Stop(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return <-errCh
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "Listen host (overrides config)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Listen port (overrides config)")
	return cmd
}
