package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	mqlog "github.com/holon-run/mergequeue/pkg/log"
	"github.com/holon-run/mergequeue/pkg/scheduler"
	"github.com/holon-run/mergequeue/pkg/serve"
	"github.com/holon-run/mergequeue/pkg/store"
)

var (
	servePort     int
	skipPreflight bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Receive GitHub webhooks and run the merge queue",
	Long: `Run the webhook server and the scheduler.

Webhook deliveries are validated, normalized and appended to a durable event
stream below the state directory. The scheduler processes them one repository
at a time, persists the queues and trains, and resumes unacknowledged events
after a restart.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = servePort
		}
		dir, err := absStateDir()
		if err != nil {
			return err
		}
		states, err := openStateStore()
		if err != nil {
			return err
		}
		stream, err := store.OpenFileStream(dir)
		if err != nil {
			return err
		}
		defer stream.Close()

		if err := newPreflight(dir, true).Run(cmd.Context()); err != nil {
			return err
		}
		client, err := newGitHubClient()
		if err != nil {
			return err
		}
		secret := cfg.WebhookSecret()

		ws, err := serve.NewWebhookServer(serve.WebhookConfig{
			Port:     cfg.Server.Port,
			Secret:   secret,
			Stream:   stream,
			StateDir: dir,
		})
		if err != nil {
			return err
		}
		defer ws.Close()

		schedCfg, err := schedulerConfig()
		if err != nil {
			return err
		}
		sched := scheduler.New(newEngine(client), states, stream, schedCfg)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		mqlog.Info("mergequeue started", "state_dir", dir, "port", cfg.Server.Port, "workers", cfg.Scheduler.Workers)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return ws.Start(gctx) })
		g.Go(func() error { return sched.Run(gctx) })
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("serve failed: %w", err)
		}
		mqlog.Info("mergequeue stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8080, "Port to listen on for webhooks")
	serveCmd.Flags().BoolVar(&skipPreflight, "skip-preflight", false, "Skip preflight checks")
	rootCmd.AddCommand(serveCmd)
}
