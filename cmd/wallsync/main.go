package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/macjediwizard/wallsync/internal/activity"
	"github.com/macjediwizard/wallsync/internal/caldav"
	"github.com/macjediwizard/wallsync/internal/config"
	"github.com/macjediwizard/wallsync/internal/db"
	"github.com/macjediwizard/wallsync/internal/google"
	"github.com/macjediwizard/wallsync/internal/notify"
	"github.com/macjediwizard/wallsync/internal/scheduler"
	"github.com/macjediwizard/wallsync/internal/syncer"
	"github.com/macjediwizard/wallsync/internal/web"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 30 * time.Second
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 30 * time.Second
	validateTimeout = 15 * time.Second
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Starting WallSync...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	validateCtx, cancelValidate := context.WithTimeout(context.Background(), validateTimeout)
	if err := cfg.Validate(validateCtx); err != nil {
		if cfg.IsProduction() {
			cancelValidate()
			log.Fatalf("Invalid configuration: %v", err)
		}
		log.Printf("Warning: configuration validation failed: %v", err)
	}
	cancelValidate()

	// Set Gin mode
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize database
	database, err := db.New(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer func() {
		if err := database.Close(); err != nil {
			log.Printf("Error closing database: %v", err)
		}
	}()

	if err := seedAccounts(database, cfg); err != nil {
		log.Fatalf("Failed to store account settings: %v", err)
	}

	// Providers run in this order on every sync
	var googleTransport google.Transport
	if cfg.GoogleEnabled() {
		client, err := google.NewClient(context.Background(), google.ClientConfig{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			RefreshToken: cfg.Google.RefreshToken,
			Timeout:      cfg.Sync.HTTPTimeout,
		})
		if err != nil {
			log.Fatalf("Failed to initialize Google client: %v", err)
		}
		googleTransport = client
		log.Printf("Google Calendar sync enabled")
	}

	var icloudTransport caldav.Transport
	if cfg.ICloudEnabled() {
		client, err := caldav.NewClient(caldav.ClientConfig{
			BaseURL:           cfg.ICloud.ServerURL,
			Username:          cfg.ICloud.Email,
			Password:          cfg.ICloud.AppPassword,
			Timeout:           cfg.Sync.HTTPTimeout,
			RequestsPerSecond: cfg.ICloud.RateLimitRPS,
		})
		if err != nil {
			log.Fatalf("Failed to initialize CalDAV client: %v", err)
		}
		icloudTransport = client
		log.Printf("iCloud sync enabled for %s", cfg.ICloud.Email)
	}

	manager := syncer.New(
		syncer.NewGuard(),
		activity.NewTracker(),
		database,
		google.NewProvider(database, database, googleTransport, google.Window{PastDays: cfg.Sync.PastDays, FutureDays: cfg.Sync.FutureDays}),
		caldav.NewICloud(database, database, icloudTransport, caldav.Window{PastDays: cfg.Sync.PastDays, FutureDays: cfg.Sync.FutureDays}),
	)

	// Initialize scheduler
	sched := scheduler.New(cfg.Sync.Schedule, manager, database)

	// Initialize notifier for alerts
	notifier := notify.New(notify.Config{
		WebhookURL:     cfg.Alerts.WebhookURL,
		CooldownPeriod: cfg.Alerts.Cooldown,
	})
	alertCtx, stopAlerts := context.WithCancel(context.Background())
	defer stopAlerts()
	if notifier.IsEnabled() {
		log.Printf("Alert notifications enabled (cooldown: %v)", cfg.Alerts.Cooldown)
		go notifier.Watch(alertCtx, manager.Tracker())
	}

	// Setup Gin router
	handlers := web.NewHandlers(database, manager, sched, time.Local)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(web.RequestLogger())
	router.Use(web.SecurityHeaders())

	web.SetupRoutes(router, handlers, web.RouteConfig{
		APIUsername: cfg.Server.APIUsername,
		APIPassword: cfg.Server.APIPassword,
		RateLimit:   cfg.RateLimiting.RPS,
		RateBurst:   cfg.RateLimiting.Burst,

		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	if !cfg.BasicAuthEnabled() {
		log.Printf("Warning: API basic auth is disabled")
	}

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	// Start scheduler
	if err := sched.Start(cfg.Sync.OnStart); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Stop scheduler; a running sync stops at its next checkpoint
	sched.Stop()
	stopAlerts()

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

// seedAccounts mirrors the configured account identities into the settings
// table the providers read.
func seedAccounts(database *db.DB, cfg *config.Config) error {
	if cfg.ICloudEnabled() {
		if err := database.SaveICloudAccount(cfg.ICloud.Email, cfg.ICloud.ServerURL); err != nil {
			return err
		}
	} else if err := database.ClearICloudAccount(); err != nil {
		return err
	}

	if cfg.GoogleEnabled() {
		return database.SaveGoogleAccount(cfg.Google.AccountEmail)
	}
	return nil
}
