package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"wa-session-server/internal/auth"
	"wa-session-server/internal/config"
	"wa-session-server/internal/diagnostics"
	"wa-session-server/internal/driver/bridge"
	"wa-session-server/internal/hub"
	"wa-session-server/internal/middleware"
	"wa-session-server/internal/orchestrator"
	"wa-session-server/internal/server"
	"wa-session-server/internal/store"
	"wa-session-server/internal/telemetry"
)

const serviceName = "wa-session-server"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.NewProvider(ctx, cfg.OTLPEndpoint, serviceName, cfg.OTLPInsecure)
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	tel.SetGlobal()
	defer func() { _ = tel.Shutdown(context.Background()) }()

	st, err := store.Open(ctx, cfg.DatabaseURL, store.Options{LogRetention: cfg.LogRetention})
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer st.Close()
	go store.RunRetention(ctx, st, cfg.PurgeInterval)

	newDriver, err := bridge.NewFactory(bridge.Options{BaseURL: cfg.DriverBridgeURL})
	if err != nil {
		log.Fatalf("driver: %v", err)
	}

	wsHub := hub.New()
	sessions, err := orchestrator.New(orchestrator.Options{
		Store:           st,
		Publisher:       wsHub,
		NewDriver:       newDriver,
		WatchdogTimeout: cfg.WatchdogTimeout,
		TeardownTimeout: cfg.TeardownTimeout,
		AutoRestore:     cfg.AutoRestoreSessions,
		Meter:           tel.MeterProvider.Meter(serviceName),
	})
	if err != nil {
		log.Fatalf("orchestrator: %v", err)
	}
	if _, err := sessions.Restore(ctx); err != nil {
		log.Printf("orchestrator: restore failed: %v", err)
	}

	tokens := auth.DefaultTokenConfig(cfg.MasterSecret)
	if cfg.TokenExpiry > 0 {
		tokens.Expiry = cfg.TokenExpiry
	}

	router := server.NewRouter(server.Deps{
		Sessions: sessions,
		Hub:      wsHub,
		Auth: middleware.Authenticator{
			Tokens:   tokens,
			AllowRaw: cfg.AuthAllowRawToken,
		},
		AdminUserIDs:       cfg.AdminIDs(),
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		Sampler:            diagnostics.NewSampler(),
	})

	log.Printf("listening on %s", fmt.Sprintf(":%d", cfg.Port))
	if err := server.Run(ctx, cfg, router); err != nil {
		log.Printf("server: %v", err)
	}
	sessions.Shutdown(context.Background())
}
