package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"subwatch/internal/app"
	"subwatch/internal/config"
)

var cfgPath string

func main() {
	root := &cobra.Command{
		Use:           "subwatch",
		Short:         "Watch live streams and feeds, notify chat channels on changes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to the configuration file")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the watcher daemon",
			RunE:  func(*cobra.Command, []string) error { return run() },
		},
		&cobra.Command{
			Use:   "check",
			Short: "Validate the configuration and exit",
			RunE: func(*cobra.Command, []string) error {
				cfg, err := config.Load(cfgPath)
				if err != nil {
					return err
				}
				n := 0
				for _, name := range cfg.SubscriptionNames() {
					n += len(cfg.Subscriptions[name])
				}
				fmt.Printf("ok: %d subscriptions, %d notify targets\n", n, len(cfg.Notify))
				return nil
			},
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	return a.Stop(stopCtx)
}
