package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tryosschat/openchat-sub000/internal/app"
	"github.com/tryosschat/openchat-sub000/internal/config"
	"github.com/tryosschat/openchat-sub000/internal/httpapi"
	"github.com/tryosschat/openchat-sub000/internal/httpapi/handlers"
	"github.com/tryosschat/openchat-sub000/internal/logging"
	"github.com/tryosschat/openchat-sub000/internal/store/rabbitmq"
	"github.com/tryosschat/openchat-sub000/internal/streamjob"
	"github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:  "api",
		Usage: "Serve the chat HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "Listen address (overrides HTTP_ADDR)"},
			&cli.BoolFlag{Name: "inline", Usage: "Run jobs in this process instead of publishing to RabbitMQ"},
		},
		Action: serve,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if addr := cmd.String("addr"); addr != "" {
		cfg.HTTPAddr = addr
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	var queue streamjob.Enqueuer
	var inline *streamjob.InlineQueue
	if cmd.Bool("inline") {
		inline = streamjob.NewInlineQueue(a.Worker(), log)
		queue = inline
		// no separate worker process, so reap here too
		go func() { _ = a.Reaper().Run(ctx) }()
	} else {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			return fmt.Errorf("rabbit: %w", err)
		}
		defer pub.Close()
		queue = pub
	}

	h := &handlers.Handler{
		Chat:               a.Chat,
		Jobs:               a.Jobs,
		Submitter:          streamjob.NewSubmitter(a.Jobs, a.Chat, a.Meter, queue, a.StreamConfig(), log).WithFanout(a.Fanout),
		Fanout:             a.Fanout,
		Usage:              a.Meter,
		Keys:               a.Keys,
		DailyLimitCents:    cfg.DailyLimitCents,
		SubsidizedProvider: cfg.SubsidizedProvider,
		Log:                log,
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(h, httpapi.RouterConfig{JWTSecret: cfg.JWTSecret, SubmitPerMinute: cfg.SubmitPerMinute}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infow("api listening", "addr", cfg.HTTPAddr, "inline", inline != nil)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("shutdown", "err", err)
	}
	if inline != nil {
		inline.Wait()
	}
	return nil
}
