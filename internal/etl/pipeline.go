package etl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/raaihank/pattern-typer/internal/classify"
	"github.com/raaihank/pattern-typer/internal/store"
	"github.com/raaihank/pattern-typer/internal/token"
)

// TokenStore is the persistence the pipeline writes classified batches to
type TokenStore interface {
	BatchInsert(ctx context.Context, rows []*store.ClassifiedToken) (*store.BatchInsertResult, error)
}

// Pipeline classifies token datasets in batches
type Pipeline struct {
	store  TokenStore
	table  *classify.RuleTable
	config *Config
	logger *zap.Logger
	stats  *ProcessingStats
	mu     sync.RWMutex
}

// NewPipeline creates a new ETL pipeline. store may be nil, in which case
// nothing is written to the database.
func NewPipeline(tokenStore TokenStore, table *classify.RuleTable, config *Config, logger *zap.Logger) *Pipeline {
	if config.BatchSize <= 0 {
		config.BatchSize = 1000
	}
	if config.ProgressReport <= 0 {
		config.ProgressReport = 10000
	}
	if config.MaxErrors <= 0 {
		config.MaxErrors = 100
	}
	if config.RunID == "" {
		config.RunID = uuid.NewString()
	}
	return &Pipeline{
		store:  tokenStore,
		table:  table,
		config: config,
		logger: logger,
		stats:  &ProcessingStats{StartTime: time.Now()},
	}
}

// RunID identifies the rows this pipeline writes
func (p *Pipeline) RunID() string {
	return p.config.RunID
}

// ProcessFile classifies every token in inputPath. Classified batches go to
// the store unless the run is dry, and to outputPath when it is not empty.
// Malformed records are counted and skipped; an invalid type template
// aborts the run.
func (p *Pipeline) ProcessFile(ctx context.Context, inputPath, outputPath string) (*ProcessingResult, error) {
	p.logger.Info("Starting ETL pipeline",
		zap.String("input", inputPath),
		zap.String("output", outputPath),
		zap.String("format", string(DetectFileFormat(inputPath))),
		zap.String("run_id", p.config.RunID),
		zap.Int("batch_size", p.config.BatchSize),
		zap.Bool("dry_run", p.config.DryRun),
		zap.Int("rules", p.table.Len()))

	start := time.Now()
	result := &ProcessingResult{
		RunID:      p.config.RunID,
		TypeCounts: make(map[string]int64),
	}
	p.resetStats()

	src, err := openSource(inputPath)
	if err != nil {
		return result, err
	}
	defer src.Close()

	var out sink
	if outputPath != "" {
		out, err = openSink(outputPath)
		if err != nil {
			return result, err
		}
	}

	err = p.run(ctx, classify.New(src, p.table), out, result)
	if out != nil {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	result.Duration = time.Since(start)
	if err != nil {
		return result, err
	}

	p.logger.Info("ETL pipeline completed",
		zap.Int64("total_records", result.TotalRecords),
		zap.Int64("processed_ok", result.ProcessedOK),
		zap.Int64("processed_failed", result.ProcessedFailed),
		zap.Int64("batches", result.Batches),
		zap.Duration("total_duration", result.Duration),
		zap.Duration("database_time", result.DatabaseTime),
		zap.Duration("output_time", result.OutputTime))

	return result, nil
}

func (p *Pipeline) run(ctx context.Context, stream *classify.PatternClassifier, out sink, result *ProcessingResult) error {
	batch := make([]*token.Token, 0, p.config.BatchSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		tok, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if skip := p.recordFailure(err, result); skip {
				continue
			}
			return err
		}

		result.TotalRecords++
		result.TypeCounts[tok.Type]++
		p.mu.Lock()
		p.stats.RecordsRead++
		p.mu.Unlock()

		batch = append(batch, tok)
		if len(batch) >= p.config.BatchSize {
			if err := p.flush(ctx, batch, out, result); err != nil {
				return err
			}
			batch = batch[:0]
		}

		if result.TotalRecords%int64(p.config.ProgressReport) == 0 {
			p.reportProgress(result)
		}
	}

	if len(batch) > 0 {
		return p.flush(ctx, batch, out, result)
	}
	return nil
}

// recordFailure counts err against the run and reports whether the run may
// continue past it
func (p *Pipeline) recordFailure(err error, result *ProcessingResult) bool {
	var recErr *RecordError
	var matchErr *classify.MatchError
	var tmplErr *classify.InvalidTemplateError

	switch {
	case errors.As(err, &tmplErr):
		p.logger.Error("Invalid type template, aborting run",
			zap.Int("rule_index", tmplErr.Index),
			zap.String("pattern", tmplErr.Pattern),
			zap.String("template", tmplErr.Template),
			zap.Error(err))
		return false
	case errors.As(err, &recErr):
		p.logger.Warn("Skipping malformed record", zap.Int64("line", recErr.Line), zap.Error(recErr.Err))
	case errors.As(err, &matchErr):
		p.logger.Warn("Skipping token that could not be matched",
			zap.Int("rule_index", matchErr.Index),
			zap.String("term", matchErr.Term),
			zap.Error(err))
	default:
		return false
	}

	result.TotalRecords++
	result.ProcessedFailed++
	if len(result.Errors) < p.config.MaxErrors {
		result.Errors = append(result.Errors, err.Error())
	}
	p.mu.Lock()
	p.stats.RecordsRead++
	p.stats.RecordsFailed++
	p.mu.Unlock()
	return true
}

// flush writes one classified batch to the store and the output file. A
// store failure is counted against the run but the batch still reaches the
// output file, which always carries every classified token.
func (p *Pipeline) flush(ctx context.Context, batch []*token.Token, out sink, result *ProcessingResult) error {
	result.Batches++
	p.mu.Lock()
	p.stats.CurrentBatch = result.Batches
	p.mu.Unlock()

	var failed int64
	if p.store != nil && !p.config.DryRun {
		failed = p.insert(ctx, batch, result)
	}

	if out != nil {
		outStart := time.Now()
		if err := out.Write(batch); err != nil {
			return err
		}
		result.OutputTime += time.Since(outStart)
		p.mu.Lock()
		p.stats.OutputWrites += int64(len(batch))
		p.mu.Unlock()
	}

	result.ProcessedOK += int64(len(batch)) - failed
	result.ProcessedFailed += failed
	p.logger.Debug("Batch processed",
		zap.Int64("batch", result.Batches),
		zap.Int("batch_size", len(batch)),
		zap.Int64("failed", failed))
	return nil
}

// insert writes batch to the store and returns how many rows did not make it
func (p *Pipeline) insert(ctx context.Context, batch []*token.Token, result *ProcessingResult) int64 {
	rows := make([]*store.ClassifiedToken, len(batch))
	for i, tok := range batch {
		rows[i] = store.FromToken(p.config.RunID, tok)
	}

	dbStart := time.Now()
	batchResult, err := p.store.BatchInsert(ctx, rows)
	result.DatabaseTime += time.Since(dbStart)

	inserted, failed := int64(0), int64(len(rows))
	if batchResult != nil {
		inserted, failed = batchResult.Inserted, batchResult.Failed
	} else if err == nil {
		inserted, failed = int64(len(rows)), 0
	}
	if err != nil && failed == 0 {
		failed = int64(len(rows)) - inserted
	}
	failed = min(max(failed, 0), int64(len(rows)))
	if err != nil {
		p.logger.Error("Batch insert failed",
			zap.Int64("batch", result.Batches),
			zap.Int64("failed", failed),
			zap.Error(err))
		if len(result.Errors) < p.config.MaxErrors {
			result.Errors = append(result.Errors, err.Error())
		}
	}

	p.mu.Lock()
	p.stats.DatabaseWrites += inserted
	p.stats.RecordsFailed += failed
	p.mu.Unlock()
	return failed
}

// reportProgress reports current processing progress
func (p *Pipeline) reportProgress(result *ProcessingResult) {
	p.mu.Lock()
	elapsed := time.Since(p.stats.StartTime)
	rate := float64(result.TotalRecords) / elapsed.Seconds()
	p.stats.ProcessingRate = rate
	p.mu.Unlock()

	p.logger.Info("Processing progress",
		zap.Int64("records_processed", result.TotalRecords),
		zap.Int64("records_ok", result.ProcessedOK),
		zap.Int64("records_failed", result.ProcessedFailed),
		zap.Float64("rate_per_sec", rate),
		zap.Duration("elapsed", elapsed))
}

// resetStats resets processing statistics
func (p *Pipeline) resetStats() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats = &ProcessingStats{
		StartTime: time.Now(),
	}
}

// GetStats returns current processing statistics
func (p *Pipeline) GetStats() *ProcessingStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := *p.stats
	return &stats
}

// FormatTypeCounts renders per-type counts as aligned lines, most frequent first
func FormatTypeCounts(counts []store.TypeCount) string {
	width := len("type")
	for _, c := range counts {
		width = max(width, len(c.Type))
	}
	out := fmt.Sprintf("%-*s  %s\n", width, "type", "count")
	for _, c := range counts {
		out += fmt.Sprintf("%-*s  %d\n", width, c.Type, c.Count)
	}
	return out
}
