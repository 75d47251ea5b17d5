package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"bookshare/internal/ratelimit"
	"bookshare/internal/usertoken"
	"bookshare/internal/util"
	"bookshare/pkg/events"
	"bookshare/pkg/queue"
	"bookshare/services/lending/internal/app"
	"bookshare/services/lending/internal/config"
	"bookshare/services/lending/internal/server"
)

func main() {
	// .env is optional; real env vars win.
	_ = godotenv.Load()

	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := util.InitLogger("lending", cfg.LogLevel)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer redisClient.Close()
	}

	var jobs app.JobQueue
	if cfg.SMSEnabled {
		q, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
			Client: redisClient,
			Stream: cfg.SMSStream,
			Group:  "notifier",
		})
		if err != nil {
			util.Fatal("failed to init sms queue", "err", err)
		}
		jobs = q
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.AMQPURL != "" {
		p, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			util.Fatal("failed to connect event broker", "err", err)
		}
		publisher = p
	}
	defer publisher.Close()

	var limiter *ratelimit.FixedWindow
	if cfg.RequestRateLimit > 0 {
		window, _ := config.ParseDuration(cfg.RequestRateWindow)
		limiter, err = ratelimit.NewFixedWindow(redisClient, "bookshare:ratelimit:requests", cfg.RequestRateLimit, window)
		if err != nil {
			util.Fatal("failed to init rate limiter", "err", err)
		}
	}

	var verifier *usertoken.Verifier
	if cfg.JWKSURL != "" {
		leeway, _ := config.ParseDuration(cfg.JWTLeeway)
		verifier, err = usertoken.NewVerifier(usertoken.Config{
			JWKSURL:           cfg.JWKSURL,
			Issuer:            cfg.JWTIssuer,
			AuthorizedParties: cfg.AuthorizedParties,
			Leeway:            leeway,
			HTTPClient:        &http.Client{Timeout: 5 * time.Second},
		})
		if err != nil {
			util.Fatal("failed to init jwks verifier", "err", err)
		}
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		util.Fatal("invalid trustedProxies", "err", err)
	}

	appCore, err := app.New(app.Config{
		DatabaseURL:        cfg.DatabaseURL,
		MinioEndpoint:      cfg.MinioEndpoint,
		MinioAccessKey:     cfg.MinioAccessKey,
		MinioSecretKey:     cfg.MinioSecretKey,
		MinioBucket:        cfg.MinioBucket,
		MinioUseSSL:        cfg.MinioUseSSL,
		PublicImageBaseURL: cfg.PublicImageBaseURL,
		UploadDir:          cfg.UploadDir,
		MaxUploadBytes:     cfg.MaxUploadBytes,
		Jobs:               jobs,
		Events:             publisher,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		TokenVerifier:  verifier,
		IdentityHeader: cfg.IdentityHeader,
		WebhookSecret:  cfg.WebhookSecret,
		RequestLimiter: limiter,
		MaxUploadBytes: cfg.MaxUploadBytes,
		CORSOrigins:    cfg.CORSOrigins,
		TrustedProxies: trusted,
	})
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("lending server listening", "addr", addr, "sms", jobs != nil, "events", cfg.AMQPURL != "")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
