package etl

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ProcessingResult represents the result of classifying a dataset
type ProcessingResult struct {
	RunID           string           `json:"run_id"`
	TotalRecords    int64            `json:"total_records"`
	ProcessedOK     int64            `json:"processed_ok"`
	ProcessedFailed int64            `json:"processed_failed"`
	Batches         int64            `json:"batches"`
	TypeCounts      map[string]int64 `json:"type_counts"`
	Duration        time.Duration    `json:"duration"`
	DatabaseTime    time.Duration    `json:"database_time"`
	OutputTime      time.Duration    `json:"output_time"`
	Errors          []string         `json:"errors,omitempty"`
}

// Config contains ETL pipeline configuration
type Config struct {
	BatchSize      int    `yaml:"batch_size" mapstructure:"batch_size"`           // 1000
	RunID          string `yaml:"run_id" mapstructure:"run_id"`                   // generated when empty
	DryRun         bool   `yaml:"dry_run" mapstructure:"dry_run"`                 // skip the database
	ProgressReport int    `yaml:"progress_report" mapstructure:"progress_report"` // 10000
	MaxErrors      int    `yaml:"max_errors" mapstructure:"max_errors"`           // errors kept in the result
}

// ProcessingStats tracks real-time processing statistics
type ProcessingStats struct {
	StartTime      time.Time `json:"start_time"`
	RecordsRead    int64     `json:"records_read"`
	RecordsFailed  int64     `json:"records_failed"`
	DatabaseWrites int64     `json:"database_writes"`
	OutputWrites   int64     `json:"output_writes"`
	CurrentBatch   int64     `json:"current_batch"`
	ProcessingRate float64   `json:"processing_rate"` // records per second
}

// RecordError reports an input record that could not be turned into a
// token. The pipeline skips such records and keeps reading.
type RecordError struct {
	Line int64
	Err  error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record at line %d: %v", e.Line, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// FileFormat represents supported file formats
type FileFormat string

const (
	FormatCSV     FileFormat = "csv"
	FormatParquet FileFormat = "parquet"
	FormatJSONL   FileFormat = "jsonl"
)

// DetectFileFormat detects file format from extension. Unknown extensions
// are treated as JSON lines.
func DetectFileFormat(filename string) FileFormat {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return FormatCSV
	case ".parquet":
		return FormatParquet
	default:
		return FormatJSONL
	}
}
