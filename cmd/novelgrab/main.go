// Package main wires together the novel crawl service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/inkbound/novelgrab/internal/api"
	"github.com/inkbound/novelgrab/internal/archive"
	"github.com/inkbound/novelgrab/internal/broadcast"
	"github.com/inkbound/novelgrab/internal/config"
	"github.com/inkbound/novelgrab/internal/crawl"
	"github.com/inkbound/novelgrab/internal/extract"
	"github.com/inkbound/novelgrab/internal/fetch"
	"github.com/inkbound/novelgrab/internal/logging"
	"github.com/inkbound/novelgrab/internal/netguard"
	"github.com/inkbound/novelgrab/internal/publisher"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Safety.AllowPrivate {
		logger.Warn("private target blocking is DISABLED; do not run this way outside development")
	}

	classifier := netguard.Classifier{AllowPrivate: cfg.Safety.AllowPrivate}
	resolver := netguard.NewResolver(classifier)
	fetcher := fetch.New(resolver, fetch.Config{
		MaxRedirects: cfg.Fetch.MaxRedirects,
		MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
		HopTimeout:   cfg.FetchTimeout(),
		UserAgent:    cfg.Fetch.UserAgent,
	}, logger.Named("fetch"))

	hub := broadcast.NewHub(logger.Named("broadcast"))

	var store archive.Store
	if cfg.Archive.Provider == "gcs" {
		storageClient, err := storage.NewClient(ctx)
		if err != nil {
			logger.Fatal("storage client init failed", zap.Error(err))
		}
		defer storageClient.Close() //nolint:errcheck // best-effort close
		store, err = archive.NewGCS(storageClient, cfg.Archive.Bucket)
		if err != nil {
			logger.Fatal("archive init failed", zap.Error(err))
		}
	}

	var mirror publisher.Publisher
	if cfg.Mirror.Provider == "pubsub" {
		pubsubClient, err := pubsub.NewClient(ctx, cfg.Mirror.ProjectID)
		if err != nil {
			logger.Fatal("pubsub client init failed", zap.Error(err))
		}
		defer pubsubClient.Close() //nolint:errcheck // best-effort close
		mirror, err = publisher.NewPubSub(pubsubClient.Topic(cfg.Mirror.TopicID))
		if err != nil {
			logger.Fatal("mirror init failed", zap.Error(err))
		}
	}

	extractor := extract.New(resolver, extract.Config{
		UserAgent:      cfg.Fetch.UserAgent,
		RequestTimeout: cfg.FetchTimeout(),
		MaxChapters:    cfg.Extract.MaxChapters,
	}, logger.Named("extract"))

	orchestrator := crawl.NewOrchestrator(extractor, hub, mirror, cfg.Mirror.TopicID, logger.Named("crawl"))
	batch := fetch.NewBatch(fetcher, store, hub, fetch.BatchConfig{
		Concurrency:   cfg.Batch.Concurrency,
		ArchivePrefix: cfg.Archive.Prefix,
	}, logger.Named("batch"))

	apiServer := api.NewServer(orchestrator, batch, fetcher, hub, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
