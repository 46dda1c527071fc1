package etl

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/segmentio/parquet-go"

	"github.com/raaihank/pattern-typer/internal/token"
)

// sink receives classified batches
type sink interface {
	Write(tokens []*token.Token) error
	Close() error
}

// openSink creates filePath and writes Parquet for a .parquet extension,
// JSON lines otherwise
func openSink(filePath string) (sink, error) {
	file, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}

	if DetectFileFormat(filePath) == FormatParquet {
		return &parquetSink{
			file:   file,
			writer: parquet.NewWriter(file, parquet.SchemaOf(token.Token{})),
		}, nil
	}

	buf := bufio.NewWriter(file)
	return &jsonlSink{file: file, buf: buf, enc: json.NewEncoder(buf)}, nil
}

type jsonlSink struct {
	file *os.File
	buf  *bufio.Writer
	enc  *json.Encoder
}

func (s *jsonlSink) Write(tokens []*token.Token) error {
	for _, tok := range tokens {
		if err := s.enc.Encode(tok); err != nil {
			return fmt.Errorf("failed to write JSON line: %w", err)
		}
	}
	return nil
}

func (s *jsonlSink) Close() error {
	if err := s.buf.Flush(); err != nil {
		s.file.Close()
		return fmt.Errorf("failed to flush output: %w", err)
	}
	return s.file.Close()
}

type parquetSink struct {
	file   *os.File
	writer *parquet.Writer
}

func (s *parquetSink) Write(tokens []*token.Token) error {
	for _, tok := range tokens {
		if err := s.writer.Write(tok); err != nil {
			return fmt.Errorf("failed to write Parquet row: %w", err)
		}
	}
	return nil
}

func (s *parquetSink) Close() error {
	if err := s.writer.Close(); err != nil {
		s.file.Close()
		return fmt.Errorf("failed to finalize Parquet output: %w", err)
	}
	return s.file.Close()
}
