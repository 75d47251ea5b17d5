package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"bookshare/internal/util"
	"bookshare/pkg/queue"
	"bookshare/pkg/sms"
	"bookshare/services/notifier/internal/app"
	"bookshare/services/notifier/internal/config"
	"bookshare/services/notifier/internal/server"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := util.InitLogger("notifier", cfg.LogLevel)

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer client.Close()
	retryDelay, _ := config.RetryDelay(cfg.QueueRetryDelay)
	q, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Client:     client,
		Stream:     cfg.SMSStream,
		Group:      cfg.QueueGroup,
		Consumer:   util.NewID(),
		MaxRetries: cfg.QueueMaxRetries,
		RetryDelay: retryDelay,
	})
	if err != nil {
		util.Fatal("failed to init queue", "err", err)
	}

	var sender sms.Sender = sms.LogSender{}
	if !cfg.DryRun {
		sender, err = sms.NewTwilioSender(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber)
		if err != nil {
			util.Fatal("failed to init twilio sender", "err", err)
		}
	}

	appCore, err := app.New(app.Config{Queue: q, Sender: sender, Concurrency: cfg.QueueConcurrency})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.New(server.Config{App: appCore, InternalToken: cfg.InternalToken}).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("notifier consuming", "stream", cfg.SMSStream, "group", cfg.QueueGroup, "dry_run", cfg.DryRun)
		return appCore.Run(ctx)
	})
	g.Go(func() error {
		slog.Info("notifier server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("notifier stopped", "err", err)
	}
}
