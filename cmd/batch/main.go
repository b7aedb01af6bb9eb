// Package main runs one ASIN discovery batch in the foreground and prints its stats.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/asin-matcher/internal/app"
	"github.com/asin-matcher/internal/config"
	"github.com/asin-matcher/internal/logging"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	defaults := app.DefaultBatchOptions(cfg)

	var (
		batchSize      = flag.Int("batch-size", defaults.BatchSize, "Products per chunk")
		maxConcurrency = flag.Int("max-concurrency", defaults.MaxConcurrency, "Products processed concurrently within a chunk")
		skipRecent     = flag.Bool("skip-recent", defaults.SkipRecentlyProcessed, "Skip products found within the last 24h")
		onlyWithCodes  = flag.Bool("only-with-codes", defaults.OnlyWithUPCOrMPN, "Only select products with a UPC or MPN")
		productID      = flag.String("product", "", "Process a single product id instead of a batch")
	)
	flag.Parse()

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().Component("batch-cli")

	// SIGINT halts the run at the next group boundary
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize application")
	}
	defer application.Shutdown(30 * time.Second)

	var result interface{}
	if *productID != "" {
		result, err = application.Controller.ProcessSingle(ctx, *productID)
	} else {
		opts := defaults
		opts.BatchSize = *batchSize
		opts.MaxConcurrency = *maxConcurrency
		opts.SkipRecentlyProcessed = *skipRecent
		opts.OnlyWithUPCOrMPN = *onlyWithCodes
		result, err = application.Processor.StartBatchProcessing(ctx, opts)
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if encErr := encoder.Encode(result); encErr != nil {
		logger.WithError(encErr).Error("Failed to encode result")
	}

	if err != nil {
		logger.WithError(err).Error("ASIN discovery failed")
		application.Shutdown(30 * time.Second)
		os.Exit(1)
	}
}
