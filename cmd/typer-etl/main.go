package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/raaihank/pattern-typer/internal/cache"
	"github.com/raaihank/pattern-typer/internal/config"
	"github.com/raaihank/pattern-typer/internal/etl"
	"github.com/raaihank/pattern-typer/internal/logger"
	"github.com/raaihank/pattern-typer/internal/store"
)

func main() {
	var (
		configPath = flag.String("config", "", "Configuration file path")
		inputFile  = flag.String("input", "", "Input token file (CSV, Parquet, or JSON lines)")
		outputFile = flag.String("output", "", "Output file for classified tokens (.parquet or JSON lines)")
		batchSize  = flag.Int("batch-size", 1000, "Batch size for processing")
		runID      = flag.String("run-id", "", "Run identifier stored with every row (default: random UUID)")
		dryRun     = flag.Bool("dry-run", false, "Dry run - don't write to database")
		showStats  = flag.Bool("stats", false, "Show per-type token counts and exit")
		clearCache = flag.Bool("clear-cache", false, "Remove all cached classification results and exit")
	)
	flag.Parse()

	if *inputFile == "" && !*showStats && !*clearCache {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --input tokens.csv --batch-size 500\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --input tokens.parquet --output typed.parquet --dry-run\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --stats --run-id nightly-42\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --clear-cache\n", os.Args[0])
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting pattern-typer ETL pipeline",
		zap.String("version", "0.1.0"),
		zap.String("config", *configPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Received shutdown signal, cancelling operations...")
		cancel()
	}()

	switch {
	case *clearCache:
		err = clearResultCache(ctx, cfg, log)
	case *showStats:
		err = showTypeStats(ctx, cfg, *runID, log)
	default:
		err = processDataset(ctx, cfg, &etl.Config{
			BatchSize:      *batchSize,
			RunID:          *runID,
			DryRun:         *dryRun,
			ProgressReport: 10000,
		}, *inputFile, *outputFile, log)
	}
	if err != nil {
		log.Error("ETL pipeline failed", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}

	log.Info("ETL pipeline completed successfully")
}

func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (*store.Store, error) {
	log.Info("Initializing token store...")
	return store.NewStore(ctx, &store.Config{
		DatabaseURL:     cfg.Database.DatabaseURL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}, log.WithComponent("store").Logger)
}

// processDataset classifies the input file with the configured rules
func processDataset(ctx context.Context, cfg *config.Config, etlConfig *etl.Config, inputFile, outputFile string, log *logger.Logger) error {
	if _, err := os.Stat(inputFile); os.IsNotExist(err) {
		return fmt.Errorf("input file does not exist: %s", inputFile)
	}

	table, err := cfg.Rules.BuildTable()
	if err != nil {
		return fmt.Errorf("failed to build rule table: %w", err)
	}
	log.Info("Rules loaded", logger.RuleFields(table.Len(), string(table.Dialect()), table.Fingerprint())...)

	var tokenStore etl.TokenStore
	if !etlConfig.DryRun {
		s, err := openStore(ctx, cfg, log)
		if err != nil {
			return fmt.Errorf("failed to initialize token store: %w", err)
		}
		defer s.Close()
		tokenStore = s
	}

	pipeline := etl.NewPipeline(tokenStore, table, etlConfig, log.WithComponent("etl").Logger)
	result, err := pipeline.ProcessFile(ctx, inputFile, outputFile)
	if err != nil {
		return fmt.Errorf("pipeline processing failed: %w", err)
	}

	log.Info("Dataset processing completed",
		zap.String("file", inputFile),
		zap.String("run_id", result.RunID),
		zap.Int64("total_records", result.TotalRecords),
		zap.Int64("processed_ok", result.ProcessedOK),
		zap.Int64("processed_failed", result.ProcessedFailed),
		zap.Int("distinct_types", len(result.TypeCounts)),
		zap.Duration("total_duration", result.Duration),
		zap.Duration("database_time", result.DatabaseTime),
		zap.Duration("output_time", result.OutputTime),
		zap.Float64("records_per_second", float64(result.TotalRecords)/result.Duration.Seconds()))

	if len(result.Errors) > 0 {
		log.Warn("Processing completed with errors", zap.Strings("errors", result.Errors))
	}

	return nil
}

// showTypeStats prints per-type counts from the database, and cache
// statistics when the cache is enabled
func showTypeStats(ctx context.Context, cfg *config.Config, runID string, log *logger.Logger) error {
	s, err := openStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize token store: %w", err)
	}
	defer s.Close()

	counts, err := s.TypeStats(ctx, runID)
	if err != nil {
		return err
	}

	var total int64
	for _, c := range counts {
		total += c.Count
	}

	fmt.Printf("\n=== Classified Token Statistics ===\n")
	if runID != "" {
		fmt.Printf("Run:    %s\n", runID)
	}
	fmt.Printf("Tokens: %d\n\n", total)
	fmt.Print(etl.FormatTypeCounts(counts))

	if cfg.Cache.Enabled {
		rc, err := newResultCache(cfg, log)
		if err != nil {
			log.Warn("Cache statistics unavailable", zap.Error(err))
			return nil
		}
		defer rc.Close()

		cacheStats, err := rc.GetStats(ctx)
		if err == nil {
			fmt.Printf("\n=== Cache Statistics ===\n")
			fmt.Printf("Total Keys:         %d\n", cacheStats.TotalKeys)
			fmt.Printf("Memory Usage:       %.2f MB\n", float64(cacheStats.MemoryUsage)/1024/1024)
		}
	}

	return nil
}

func clearResultCache(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	rc, err := newResultCache(cfg, log)
	if err != nil {
		return err
	}
	defer rc.Close()

	deleted, err := rc.Clear(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d cached results\n", deleted)
	return nil
}

func newResultCache(cfg *config.Config, log *logger.Logger) (*cache.ResultCache, error) {
	return cache.NewResultCache(&cache.Config{
		RedisURL:       cfg.Cache.RedisURL,
		MaxConnections: cfg.Cache.MaxConnections,
		MinIdleConns:   cfg.Cache.MinIdleConns,
		DefaultTTL:     cfg.Cache.DefaultTTL,
		KeyPrefix:      cfg.Cache.KeyPrefix,
	}, log.WithComponent("cache").Logger)
}
