package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/vpnpower/server/internal/alias"
	"github.com/vpnpower/server/internal/auth"
	"github.com/vpnpower/server/internal/config"
	"github.com/vpnpower/server/internal/db"
	httphandler "github.com/vpnpower/server/internal/http"
	"github.com/vpnpower/server/internal/http/handlers"
	"github.com/vpnpower/server/internal/logger"
	"github.com/vpnpower/server/internal/middleware"
	"github.com/vpnpower/server/internal/nodesync"
	"github.com/vpnpower/server/internal/repo"
	"github.com/vpnpower/server/internal/slots"
	"github.com/vpnpower/server/internal/subscription"
)

func main() {
	// Load .env from CWD or server/ so it works from repo root or server/ (env vars override)
	_ = godotenv.Load(".env")
	_ = godotenv.Load("server/.env")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logg := logger.FromEnv("vpnpower-api", cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logg)

	// Create context for startup operations
	ctx := context.Background()

	// Open database connection
	database, err := db.Open(ctx, cfg.DatabaseURL, logg)
	if err != nil {
		logg.Error("failed to open database", logger.Error(err))
		os.Exit(1)
	}
	defer database.Close()

	// Run migrations
	if err := db.Migrate(database); err != nil {
		logg.Error("failed to run migrations", logger.Error(err))
		os.Exit(1)
	}

	store := repo.NewStore(database)

	// Token service and issuance
	tokens := auth.NewTokenService(auth.TokenConfig{
		Secret:    cfg.JWTSecret,
		Algorithm: cfg.JWTAlgo,
		Issuer:    cfg.JWTIssuer,
		TTL:       cfg.TokenTTL,
	})
	if tokens.Algorithm() != cfg.JWTAlgo {
		logg.Warn("unsupported JWT_ALGO, signing with fallback",
			slog.String("configured", cfg.JWTAlgo), slog.String("using", tokens.Algorithm()))
	}
	authService := auth.NewService(store, tokens, auth.ServiceConfig{
		TrialDays:     cfg.TrialDays,
		PublicBaseURL: cfg.PublicBaseURL,
		OpaqueTTL:     cfg.OpaqueTTL,
	}, logg)

	// Redemption pipeline
	slotManager := slots.NewManager(store, cfg.SubMaxDevices, slots.Policy(cfg.SlotPolicy), logg)
	nodeCache := subscription.NewNodeCache(store.Repos().Nodes, cfg.NodeCacheTTL)
	composer := subscription.NewComposer(nodeCache, cfg.BrandName)
	redeemer := subscription.NewRedeemer(authService, slotManager, composer, logg)
	aliasService := alias.NewService(store, authService, redeemer, logg)
	syncService := nodesync.NewService(store.Repos().Devices, cfg.NodeSyncSecret)

	for name, secret := range map[string]string{
		"NODE_SYNC_SECRET": cfg.NodeSyncSecret,
		"TG_LINK_SECRET":   cfg.TGLinkSecret,
		"ADMIN_SECRET":     cfg.AdminSecret,
	} {
		if secret == "" {
			logg.Warn("secret not set, endpoint disabled", slog.String("var", name))
		}
	}

	// IP rate limit on issuance and alias creation: 60 per minute
	limiter := middleware.NewRateLimiter(time.Minute, 60)
	defer limiter.Stop()

	// Create router
	router := httphandler.NewRouter(httphandler.Handlers{
		Auth:         handlers.NewAuthHandler(authService, logg),
		Subscription: handlers.NewSubscriptionHandler(redeemer, logg),
		Alias:        handlers.NewAliasHandler(aliasService, logg),
		Nodes:        handlers.NewNodesHandler(syncService, nodeCache, logg),
	}, httphandler.Secrets{Admin: cfg.AdminSecret, Link: cfg.TGLinkSecret}, limiter)

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      35 * time.Second,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          slog.NewLogLogger(logg.Handler(), slog.LevelWarn),
	}

	// Start server in a goroutine
	go func() {
		logg.Info("server starting", slog.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error("server failed to start", logger.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logg.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logg.Error("server forced to shutdown", logger.Error(err))
		return
	}

	logg.Info("server exited")
}
