package token

import (
	"errors"
	"io"
)

// Stream is a pull-based source of tokens. Next returns io.EOF once the
// stream is exhausted.
type Stream interface {
	Next() (*Token, error)
}

// SliceStream replays a fixed sequence of tokens.
type SliceStream struct {
	tokens []*Token
	pos    int
}

// FromSlice returns a stream over tokens. The tokens are handed out as-is,
// so downstream stages mutate the caller's values.
func FromSlice(tokens []*Token) *SliceStream {
	return &SliceStream{tokens: tokens}
}

// Next implements Stream.
func (s *SliceStream) Next() (*Token, error) {
	if s.pos >= len(s.tokens) {
		return nil, io.EOF
	}
	tok := s.tokens[s.pos]
	s.pos++
	return tok, nil
}

// Reset rewinds the stream to its first token.
func (s *SliceStream) Reset() {
	s.pos = 0
}

// Collect drains a stream. On error it returns the tokens read so far.
func Collect(s Stream) ([]*Token, error) {
	var out []*Token
	for {
		tok, err := s.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, tok)
	}
}
