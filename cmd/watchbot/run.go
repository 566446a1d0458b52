package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"watchbot/internal/app"
	logx "watchbot/pkg/logx"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the bot and block until SIGINT/SIGTERM",
	RunE:  runBot,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runBot(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}

	log := logx.NewConsole("INFO").With(logx.String("comp", "main"))
	app.NotifyReady(log)

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}
	app.NotifyStopping(log)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		log.Warn("shutdown finished with errors", logx.Err(err))
	}
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}
