package classify

import (
	"github.com/raaihank/pattern-typer/internal/token"
)

// Apply classifies tok in place against table and returns the rule that
// fired, or nil when no pattern matches the whole term. Only Type and Flags
// are ever written.
func Apply(table *RuleTable, tok *token.Token) (*Rule, error) {
	for _, rule := range table.rules {
		g, ok, err := rule.matcher.fullMatch(tok.Term)
		if err != nil {
			return nil, &MatchError{
				Index:   rule.index,
				Pattern: rule.spec.Pattern,
				Term:    tok.Term,
				Timeout: table.timeout,
				Err:     err,
			}
		}
		if !ok {
			continue
		}
		if f := rule.template.fault; f != nil {
			return nil, rule.templateError(f.offset, f.reason)
		}
		tok.Type = rule.template.expand(g)
		tok.Flags = rule.spec.Flags
		return rule, nil
	}
	return nil, nil
}

// PatternClassifier is a token stream stage that types each upstream token
// with the first matching rule of its table and passes it on. Tokens are
// forwarded one for one, in order.
//
// A PatternClassifier holds no state between tokens but is meant to be
// driven by a single goroutine; share the RuleTable, not the classifier.
type PatternClassifier struct {
	upstream token.Stream
	table    *RuleTable
}

// New returns a classifier reading from upstream.
func New(upstream token.Stream, table *RuleTable) *PatternClassifier {
	return &PatternClassifier{upstream: upstream, table: table}
}

// Next implements token.Stream. Upstream errors, including io.EOF, are
// returned unchanged. When classification fails the offending token is
// returned alongside the error, untouched.
func (c *PatternClassifier) Next() (*token.Token, error) {
	tok, err := c.upstream.Next()
	if err != nil {
		return nil, err
	}
	if _, err := Apply(c.table, tok); err != nil {
		return tok, err
	}
	return tok, nil
}

// Table returns the rule table the classifier applies.
func (c *PatternClassifier) Table() *RuleTable {
	return c.table
}
