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
	"bookshare/services/chat/internal/app"
	"bookshare/services/chat/internal/config"
	"bookshare/services/chat/internal/hub"
	"bookshare/services/chat/internal/server"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := util.InitLogger("chat", cfg.LogLevel)

	var limiter *ratelimit.FixedWindow
	if cfg.MessageRateLimit > 0 {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer client.Close()
		window, _ := config.ParseDuration(cfg.MessageRateWindow)
		limiter, err = ratelimit.NewFixedWindow(client, "bookshare:ratelimit:chat", cfg.MessageRateLimit, window)
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
		DatabaseURL:  cfg.DatabaseURL,
		HistoryLimit: cfg.HistoryLimit,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		Hub:            hub.New(cfg.ClientBuffer),
		TokenVerifier:  verifier,
		IdentityHeader: cfg.IdentityHeader,
		MessageLimiter: limiter,
		CORSOrigins:    cfg.CORSOrigins,
		TrustedProxies: trusted,
	})
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}

	addr := ":" + cfg.Port
	// Read and write deadlines would outlive the upgrade and cut websocket
	// connections, so only the header read is bounded.
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	slog.Info("chat server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
