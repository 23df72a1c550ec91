package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tryosschat/openchat-sub000/internal/app"
	"github.com/tryosschat/openchat-sub000/internal/config"
	"github.com/tryosschat/openchat-sub000/internal/logging"
	"github.com/tryosschat/openchat-sub000/internal/store/rabbitmq"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

func main() {
	cmd := &cli.Command{
		Name:            "worker",
		Usage:           "Run stream jobs from the queue",
		HideHelpCommand: true,
		DefaultCommand:  "run",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "concurrency",
				Usage: "Jobs run at once (overrides WORKER_CONCURRENCY)",
			},
		},
		Commands: []*cli.Command{runCommand(), reapCommand()},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return app.Build(ctx, cfg, log)
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Consume jobs and reap stale ones until interrupted",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			defer a.Log.Sync()

			concurrency := a.Cfg.WorkerConcurrency
			if n := cmd.Int("concurrency"); n > 0 {
				concurrency = int(n)
			}

			pub, err := rabbitmq.NewPublisher(a.Cfg.RabbitURL, a.Cfg.RabbitQueue)
			if err != nil {
				return fmt.Errorf("rabbit: %w", err)
			}
			defer pub.Close()

			consumer := rabbitmq.NewConsumer(pub, a.Worker(), concurrency, a.Log)
			reaper := a.Reaper()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return consumer.Run(gctx) })
			g.Go(func() error { return reaper.Run(gctx) })
			return g.Wait()
		},
	}
}

func reapCommand() *cli.Command {
	return &cli.Command{
		Name:  "reap",
		Usage: "Fail stale jobs once and exit",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.Reaper().Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("reaped %d stale jobs\n", n)
			return nil
		},
	}
}
