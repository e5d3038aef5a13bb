package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ternarybob/handover/internal/app"
	"github.com/ternarybob/handover/internal/common"
	"github.com/ternarybob/handover/internal/services/browser"
)

// openApp builds the full application, prompting for the secret if needed
func openApp(cmd *cobra.Command) (*app.App, error) {
	if err := ensureSecret(cmd.ErrOrStderr()); err != nil {
		return nil, err
	}
	application, err := app.New(config, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize application: %w", err)
	}
	return application, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Poll the mailbox on a schedule until interrupted",
		Long:  "Starts the scheduler: the mailbox poll runs every poll_interval and the drive report runs on report_schedule. On SIGINT or SIGTERM an in-flight browser session gets shutdown_grace to finish before it is cancelled.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	common.PrintBanner(common.Version)

	application, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer application.Close()

	if err := application.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if path := config.Automation.FlowFile; path != "" {
		common.SafeGo(logger, "flow-watcher", func() {
			if err := browser.WatchFlowFile(ctx, path, logger, application.DispatcherService.SetFlow); err != nil {
				logger.Warn().Err(err).Msg("Flow file watcher stopped")
			}
		})
	}

	logger.Info().
		Str("poll_interval", config.Mailbox.PollInterval).
		Str("account", config.Automation.AccountEmail).
		Msg("Handover running - Press Ctrl+C to stop")

	<-ctx.Done()

	logger.Info().Str("grace", config.Automation.ShutdownGrace).Msg("Interrupt signal received, shutting down")
	return nil
}
