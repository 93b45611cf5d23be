package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"govwatch/internal/app"
	"govwatch/internal/config"
	"govwatch/internal/diff"
	"govwatch/internal/diffcache"
	"govwatch/internal/docstore"
	"govwatch/internal/fetch"
	"govwatch/internal/ingest"
	"govwatch/internal/mailbox"
	"govwatch/internal/tagindex"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	store, err := docstore.Open(cfg.StoreDir)
	if err != nil {
		log.Fatalf("version store failed: %v", err)
	}

	diffs, err := diffcache.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer diffs.Close()

	subs, err := mailbox.OpenSubscriptionStore(cfg.SubsDBPath)
	if err != nil {
		log.Fatalf("subscription store failed: %v", err)
	}
	defer subs.Close()

	fetcher := fetch.New(cfg.FetchTimeout, cfg.FetchMaxBytes)
	index := tagindex.New()

	reader, err := mailbox.NewReader(mailbox.ReaderConfig{
		InboxDir:      cfg.InboxDir,
		OutboxDir:     cfg.OutboxDir,
		QuarantineDir: cfg.QuarantineDir,
		TrackedHost:   cfg.TrackedHost,
		ConfirmPrefix: cfg.ConfirmPrefix,
		Confirm: func(ctx context.Context, url string) error {
			_, err := fetcher.Fetch(ctx, url)
			return err
		},
		Subscriptions: subs,
	})
	if err != nil {
		log.Fatalf("mailbox setup failed: %v", err)
	}

	service := app.NewService(store, index, diffs, diff.NewEngine(cfg.DiffMaxBytes))
	if err := service.Bootstrap(); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}

	ingestCtx, stopIngest := context.WithCancel(context.Background())
	defer stopIngest()
	pipeline := &ingest.Pipeline{
		Reader:       reader,
		Fetcher:      fetcher,
		Store:        store,
		Index:        index,
		TrackedHost:  cfg.TrackedHost,
		InboxDir:     cfg.InboxDir,
		PollInterval: cfg.PollInterval,
	}
	go func() {
		if err := pipeline.Run(ingestCtx); err != nil && err != context.Canceled {
			log.Printf("ingest stopped: %v", err)
		}
	}()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("govwatch listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	stopIngest()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
