package token

import (
	"encoding/json"
	"fmt"
)

// DefaultType is the type label a token carries until something reclassifies it.
const DefaultType = "word"

// Token is one lexical unit flowing through an analysis pipeline.
//
// Classification stages only ever write Type and Flags; the term and the
// positional attributes are owned by whoever produced the token.
type Token struct {
	Term              string `json:"term" parquet:"term"`
	StartOffset       int    `json:"start_offset" parquet:"start_offset"`
	EndOffset         int    `json:"end_offset" parquet:"end_offset"`
	PositionIncrement int    `json:"position_increment" parquet:"position_increment"`
	PositionLength    int    `json:"position_length" parquet:"position_length"`
	Type              string `json:"type" parquet:"type"`
	Flags             int    `json:"flags" parquet:"flags"`
}

// New creates a token with default type, zero flags and unit position attributes.
func New(term string, startOffset, endOffset int) *Token {
	return &Token{
		Term:              term,
		StartOffset:       startOffset,
		EndOffset:         endOffset,
		PositionIncrement: 1,
		PositionLength:    1,
		Type:              DefaultType,
	}
}

// UnmarshalJSON fills in the defaults for attributes the payload omits.
func (t *Token) UnmarshalJSON(data []byte) error {
	type plain Token
	decoded := plain{PositionIncrement: 1, PositionLength: 1}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*t = Token(decoded)
	t.Normalize()
	return nil
}

// Normalize restores the default type label when it is empty.
func (t *Token) Normalize() {
	if t.Type == "" {
		t.Type = DefaultType
	}
}

func (t *Token) String() string {
	return fmt.Sprintf("%q [%d,%d) type=%s flags=%d", t.Term, t.StartOffset, t.EndOffset, t.Type, t.Flags)
}
