package etl

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/segmentio/parquet-go"

	"github.com/raaihank/pattern-typer/internal/token"
)

// source is a token stream over an input file
type source interface {
	token.Stream
	io.Closer
}

// openSource opens filePath as a token stream in the format its extension names
func openSource(filePath string) (source, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open input file: %w", err)
	}

	var src source
	switch DetectFileFormat(filePath) {
	case FormatCSV:
		src, err = newCSVSource(file)
	case FormatParquet:
		src, err = newParquetSource(file)
	default:
		src = newJSONLSource(file)
	}
	if err != nil {
		file.Close()
		return nil, err
	}
	return src, nil
}

var csvColumns = []string{"term", "start_offset", "end_offset", "position_increment", "position_length"}

// csvSource reads tokens from a CSV file with a header row. term,
// start_offset and end_offset are required; the position columns are
// optional and default to 1.
type csvSource struct {
	file   *os.File
	reader *csv.Reader
	cols   map[string]int
}

func newCSVSource(file *os.File) (*csvSource, error) {
	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(name))
		if i == 0 {
			name = strings.TrimPrefix(name, "\ufeff")
		}
		cols[name] = i
	}
	for _, required := range csvColumns[:3] {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("CSV header is missing column %q", required)
		}
	}

	return &csvSource{file: file, reader: reader, cols: cols}, nil
}

func (s *csvSource) Next() (*token.Token, error) {
	record, err := s.reader.Read()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			return nil, &RecordError{Line: int64(parseErr.Line), Err: parseErr.Err}
		}
		return nil, fmt.Errorf("failed to read CSV record: %w", err)
	}
	line, _ := s.reader.FieldPos(0)

	tok := token.New("", 0, 0)
	values := make(map[string]int, 4)
	for _, name := range csvColumns {
		idx, ok := s.cols[name]
		if !ok {
			continue
		}
		if idx >= len(record) {
			return nil, &RecordError{Line: int64(line), Err: fmt.Errorf("missing field %s", name)}
		}
		if name == "term" {
			tok.Term = record[idx]
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(record[idx]))
		if err != nil {
			return nil, &RecordError{Line: int64(line), Err: fmt.Errorf("invalid %s: %w", name, err)}
		}
		values[name] = n
	}
	tok.StartOffset = values["start_offset"]
	tok.EndOffset = values["end_offset"]
	if v, ok := values["position_increment"]; ok {
		tok.PositionIncrement = v
	}
	if v, ok := values["position_length"]; ok {
		tok.PositionLength = v
	}

	if err := validateToken(tok); err != nil {
		return nil, &RecordError{Line: int64(line), Err: err}
	}
	return tok, nil
}

func (s *csvSource) Close() error {
	return s.file.Close()
}

// jsonlSource reads one token object per line. Blank lines are skipped.
type jsonlSource struct {
	file    *os.File
	scanner *bufio.Scanner
	line    int64
}

func newJSONLSource(file *os.File) *jsonlSource {
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &jsonlSource{file: file, scanner: scanner}
}

func (s *jsonlSource) Next() (*token.Token, error) {
	for s.scanner.Scan() {
		s.line++
		raw := strings.TrimSpace(s.scanner.Text())
		if raw == "" {
			continue
		}
		var tok token.Token
		if err := json.Unmarshal([]byte(raw), &tok); err != nil {
			return nil, &RecordError{Line: s.line, Err: err}
		}
		if err := validateToken(&tok); err != nil {
			return nil, &RecordError{Line: s.line, Err: err}
		}
		return &tok, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read JSON lines: %w", err)
	}
	return nil, io.EOF
}

func (s *jsonlSource) Close() error {
	return s.file.Close()
}

// parquetSource reads token rows. Columns missing from the file read as
// zero values; a zero position length is raised to 1.
type parquetSource struct {
	file   *os.File
	reader *parquet.Reader
	row    int64
}

func newParquetSource(file *os.File) (*parquetSource, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat Parquet file: %w", err)
	}
	pf, err := parquet.OpenFile(file, info.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to open Parquet file: %w", err)
	}
	return &parquetSource{file: file, reader: parquet.NewReader(pf)}, nil
}

func (s *parquetSource) Next() (*token.Token, error) {
	var tok token.Token
	if err := s.reader.Read(&tok); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read Parquet row: %w", err)
	}
	s.row++
	tok.Normalize()
	if tok.PositionLength == 0 {
		tok.PositionLength = 1
	}
	if err := validateToken(&tok); err != nil {
		return nil, &RecordError{Line: s.row, Err: err}
	}
	return &tok, nil
}

func (s *parquetSource) Close() error {
	s.reader.Close()
	return s.file.Close()
}

func validateToken(tok *token.Token) error {
	switch {
	case tok.StartOffset < 0:
		return fmt.Errorf("negative start offset %d", tok.StartOffset)
	case tok.EndOffset < tok.StartOffset:
		return fmt.Errorf("end offset %d before start offset %d", tok.EndOffset, tok.StartOffset)
	case tok.PositionIncrement < 0:
		return fmt.Errorf("negative position increment %d", tok.PositionIncrement)
	case tok.PositionLength < 1:
		return fmt.Errorf("position length %d is less than 1", tok.PositionLength)
	}
	return nil
}
