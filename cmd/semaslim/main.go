package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"

	billingstripe "github.com/eddieom08-star/sema-slim-companion-sub000/internal/billing/stripe"
	"github.com/eddieom08-star/sema-slim-companion-sub000/internal/database"
	"github.com/eddieom08-star/sema-slim-companion-sub000/internal/logging"
	"github.com/eddieom08-star/sema-slim-companion-sub000/internal/server"
	"github.com/eddieom08-star/sema-slim-companion-sub000/internal/store"
)

func main() {
	logger := logging.Setup(os.Getenv("SEMASLIM_LOG_LEVEL"))

	dbPath := os.Getenv("SEMASLIM_DB_PATH")
	if dbPath == "" {
		dbPath = "semaslim.db"
	}

	db, err := database.Open(dbPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// "create-client <name>" registers a backend API client and prints
	// its key once; the database only keeps the hash.
	if len(os.Args) > 1 && os.Args[1] == "create-client" {
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: semaslim create-client <name>")
			os.Exit(1)
		}
		if err := createClient(db, os.Args[2]); err != nil {
			slog.Error("create client", "error", err)
			os.Exit(1)
		}
		return
	}

	port := os.Getenv("SEMASLIM_PORT")
	if port == "" {
		port = "8080"
	}

	cfg := server.Config{
		Stripe: billingstripe.Config{
			SecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
			WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		},
	}

	srv, err := server.New(db, cfg, logger)
	if err != nil {
		slog.Error("failed to build server", "error", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				srv.RateLimiter().Cleanup()
			case <-cleanupCtx.Done():
				return
			}
		}
	}()

	go func() {
		slog.Info("entitlements service starting", "addr", ":"+port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	cleanupCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

func createClient(db *sql.DB, name string) error {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("generate secret: %w", err)
	}
	secret := hex.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash secret: %w", err)
	}

	clients := store.NewAPIClientStore(db)
	if _, err := clients.Create(context.Background(), name, string(hash)); err != nil {
		return err
	}

	fmt.Printf("%s.%s\n", name, secret)
	return nil
}
