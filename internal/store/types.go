package store

import (
	"time"

	"github.com/raaihank/pattern-typer/internal/token"
)

// ClassifiedToken is one row of the classified_tokens table
type ClassifiedToken struct {
	ID                int64     `db:"id" json:"id"`
	RunID             string    `db:"run_id" json:"run_id"`
	Term              string    `db:"term" json:"term"`
	TermHash          string    `db:"term_hash" json:"term_hash"`
	StartOffset       int       `db:"start_offset" json:"start_offset"`
	EndOffset         int       `db:"end_offset" json:"end_offset"`
	PositionIncrement int       `db:"position_increment" json:"position_increment"`
	PositionLength    int       `db:"position_length" json:"position_length"`
	Type              string    `db:"type" json:"type"`
	Flags             int       `db:"flags" json:"flags"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
}

// FromToken builds a row for tok under runID
func FromToken(runID string, tok *token.Token) *ClassifiedToken {
	return &ClassifiedToken{
		RunID:             runID,
		Term:              tok.Term,
		TermHash:          HashTerm(tok.Term),
		StartOffset:       tok.StartOffset,
		EndOffset:         tok.EndOffset,
		PositionIncrement: tok.PositionIncrement,
		PositionLength:    tok.PositionLength,
		Type:              tok.Type,
		Flags:             tok.Flags,
	}
}

// TypeCount is the number of stored tokens carrying one type label
type TypeCount struct {
	Type  string `db:"type" json:"type"`
	Count int64  `db:"count" json:"count"`
}

// BatchInsertResult represents the result of a batch insert operation
type BatchInsertResult struct {
	Inserted int64         `json:"inserted"`
	Failed   int64         `json:"failed"`
	Duration time.Duration `json:"duration"`
	Errors   []error       `json:"errors,omitempty"`
}
