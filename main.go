package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/chirino/thread-sync/internal/cmd/serve"
	"github.com/chirino/thread-sync/internal/cmd/thread"
	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var level string
	app := &cli.Command{
		Name:  "thread-sync",
		Usage: "Keep agent threads in sync between an execution store and a persistent store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Sources:     cli.EnvVars("THREAD_SYNC_LOG_LEVEL"),
				Destination: &level,
				Value:       "info",
				Usage:       "Log level (debug|info|warn|error)",
			},
		},
		Before: func(ctx context.Context, _ *cli.Command) (context.Context, error) {
			lvl, err := log.ParseLevel(level)
			if err != nil {
				return ctx, err
			}
			log.SetLevel(lvl)
			return ctx, nil
		},
		Commands: []*cli.Command{
			serve.Command(),
			thread.Command(),
		},
	}
	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
