package classify

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/pattern-typer/internal/token"
)

func legalTable(t *testing.T, opts ...Option) *RuleTable {
	t.Helper()
	table, err := NewRuleTable([]RuleSpec{
		{Pattern: `(\d+)\(?([a-z])\)?`, Template: "legal2_$1_$2", Flags: 2},
	}, opts...)
	require.NoError(t, err)
	return table
}

func hyphenTable(t *testing.T, opts ...Option) *RuleTable {
	t.Helper()
	table, err := NewRuleTable([]RuleSpec{
		{Pattern: `(\d+)-(\d+)`, Template: "$1_hnum_$2", Flags: 6},
		{Pattern: `(\w+)-(\w+)`, Template: "$1_hword_$2", Flags: 2},
	}, opts...)
	require.NoError(t, err)
	return table
}

func classifyAll(t *testing.T, table *RuleTable, tokens []*token.Token) []*token.Token {
	t.Helper()
	out, err := token.Collect(New(token.FromSlice(tokens), table))
	require.NoError(t, err)
	return out
}

func types(tokens []*token.Token) []string {
	out := make([]string, len(tokens))
	for i, tok := range tokens {
		out[i] = tok.Type
	}
	return out
}

func flags(tokens []*token.Token) []int {
	out := make([]int, len(tokens))
	for i, tok := range tokens {
		out[i] = tok.Flags
	}
	return out
}

func TestPatterns(t *testing.T) {
	for _, dialect := range []Dialect{DialectRE2, DialectRegexp2} {
		t.Run(string(dialect), func(t *testing.T) {
			tokens := []*token.Token{
				token.New("One", 0, 2),
				token.New("401(k)", 4, 9),
				token.New("two", 11, 13),
				token.New("three", 15, 19),
				token.New("401k", 21, 24),
			}

			out := classifyAll(t, legalTable(t, WithDialect(dialect)), tokens)

			require.Len(t, out, 5)
			assert.Equal(t, []string{"word", "legal2_401_k", "word", "word", "legal2_401_k"}, types(out))
			assert.Equal(t, []int{0, 2, 0, 0, 2}, flags(out))
		})
	}
}

func TestFirstPatternWins(t *testing.T) {
	for _, dialect := range []Dialect{DialectRE2, DialectRegexp2} {
		t.Run(string(dialect), func(t *testing.T) {
			tokens := []*token.Token{
				token.New("One", 0, 2),
				token.New("forty-two", 11, 13),
				token.New("4-2", 15, 19),
			}

			out := classifyAll(t, hyphenTable(t, WithDialect(dialect)), tokens)

			assert.Equal(t, []string{"word", "forty_hword_two", "4_hnum_2"}, types(out))
			assert.Equal(t, []int{0, 2, 6}, flags(out))
		})
	}
}

func TestApplyReturnsFiringRule(t *testing.T) {
	table := hyphenTable(t)

	tok := token.New("4-2", 0, 3)
	rule, err := Apply(table, tok)
	require.NoError(t, err)
	require.NotNil(t, rule)
	assert.Equal(t, 0, rule.Index())

	tok = token.New("forty-two", 0, 9)
	rule, err = Apply(table, tok)
	require.NoError(t, err)
	require.NotNil(t, rule)
	assert.Equal(t, 1, rule.Index())

	tok = token.New("plain", 0, 5)
	rule, err = Apply(table, tok)
	require.NoError(t, err)
	assert.Nil(t, rule)
}

func TestFullMatchRequired(t *testing.T) {
	table, err := NewRuleTable([]RuleSpec{
		{Pattern: `\d+`, Template: "num", Flags: 1},
		{Pattern: `a|ab`, Template: "ab", Flags: 3},
	})
	require.NoError(t, err)

	cases := map[string]string{
		"123":  "num",
		"a123": "word",
		"123a": "word",
		"ab":   "ab",
		"abc":  "word",
	}
	for term, want := range cases {
		tok := token.New(term, 0, len(term))
		_, err := Apply(table, tok)
		require.NoError(t, err)
		assert.Equal(t, want, tok.Type, term)
	}
}

func TestNoMatchLeavesTypeAndFlagsAlone(t *testing.T) {
	table := legalTable(t)

	tok := token.New("hello", 0, 5)
	tok.Type = "upstream"
	tok.Flags = 9

	rule, err := Apply(table, tok)
	require.NoError(t, err)
	assert.Nil(t, rule)
	assert.Equal(t, "upstream", tok.Type)
	assert.Equal(t, 9, tok.Flags)
}

func TestTermAndOffsetsUnchanged(t *testing.T) {
	table := hyphenTable(t)
	tok := &token.Token{
		Term:              "4-2",
		StartOffset:       15,
		EndOffset:         19,
		PositionIncrement: 3,
		PositionLength:    2,
		Type:              token.DefaultType,
	}
	before := *tok

	_, err := Apply(table, tok)
	require.NoError(t, err)

	assert.Equal(t, before.Term, tok.Term)
	assert.Equal(t, before.StartOffset, tok.StartOffset)
	assert.Equal(t, before.EndOffset, tok.EndOffset)
	assert.Equal(t, before.PositionIncrement, tok.PositionIncrement)
	assert.Equal(t, before.PositionLength, tok.PositionLength)
	assert.Equal(t, "4_hnum_2", tok.Type)
}

func TestClassificationIsIdempotent(t *testing.T) {
	table := hyphenTable(t)
	tok := token.New("forty-two", 0, 9)

	_, err := Apply(table, tok)
	require.NoError(t, err)
	firstType, firstFlags := tok.Type, tok.Flags

	for i := 0; i < 3; i++ {
		_, err := Apply(table, tok)
		require.NoError(t, err)
		assert.Equal(t, firstType, tok.Type)
		assert.Equal(t, firstFlags, tok.Flags)
	}
}

func TestInvalidTemplateSurfacesOnMatch(t *testing.T) {
	table, err := NewRuleTable([]RuleSpec{
		{Pattern: `(\d+)-(\d+)`, Template: "$1_$3", Flags: 1},
	})
	require.NoError(t, err)

	quiet := token.New("hello", 0, 5)
	_, err = Apply(table, quiet)
	require.NoError(t, err)

	tok := token.New("4-2", 0, 3)
	_, err = Apply(table, tok)
	require.Error(t, err)

	var tmplErr *InvalidTemplateError
	require.True(t, errors.As(err, &tmplErr))
	assert.Equal(t, 0, tmplErr.Index)
	assert.Equal(t, "$1_$3", tmplErr.Template)
	assert.Equal(t, 3, tmplErr.Offset)
	assert.Contains(t, tmplErr.Reason, "no group 3")
	assert.Equal(t, "word", tok.Type, "token must not be partially rewritten")
	assert.Equal(t, 0, tok.Flags)
}

func TestClassifierForwardsOffendingToken(t *testing.T) {
	table, err := NewRuleTable([]RuleSpec{{Pattern: `(x)`, Template: "$2", Flags: 1}})
	require.NoError(t, err)

	c := New(token.FromSlice([]*token.Token{token.New("a", 0, 1), token.New("x", 2, 3)}), table)

	tok, err := c.Next()
	require.NoError(t, err)
	assert.Equal(t, "a", tok.Term)

	tok, err = c.Next()
	var tmplErr *InvalidTemplateError
	require.ErrorAs(t, err, &tmplErr)
	require.NotNil(t, tok)
	assert.Equal(t, "x", tok.Term)

	_, err = c.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.Same(t, table, c.Table())
}

func TestRegexp2Lookaround(t *testing.T) {
	specs := []RuleSpec{{Pattern: `(?!un)(\w+)able`, Template: "adj_$1", Flags: 4}}

	_, err := NewRuleTable(specs)
	var compileErr *RuleCompilationError
	require.ErrorAs(t, err, &compileErr, "RE2 has no lookahead")

	table, err := NewRuleTable(specs, WithDialect(DialectRegexp2))
	require.NoError(t, err)

	out := classifyAll(t, table, []*token.Token{token.New("readable", 0, 8), token.New("unable", 9, 15)})
	assert.Equal(t, []string{"adj_read", "word"}, types(out))
	assert.Equal(t, []int{4, 0}, flags(out))
}

func TestRegexp2ExtendedModeComments(t *testing.T) {
	cases := []struct {
		name    string
		pattern string
	}{
		{"trailing comment", `(?x)(\d+) - (\d+)  # hyphenated number`},
		{"comment then more pattern", "(?x)(\\d+) # left\n - (\\d+)"},
		{"scoped extended group", `(?x: (\d+) - (\d+) )`},
		{"inline comment", `(\d+)-(\d+)(?#hyphenated number)`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			table, err := NewRuleTable([]RuleSpec{{Pattern: tc.pattern, Template: "$1_hnum_$2", Flags: 6}},
				WithDialect(DialectRegexp2))
			require.NoError(t, err)

			out := classifyAll(t, table, []*token.Token{
				token.New("4-2", 0, 3),
				token.New("4-2x", 4, 8),
				token.New("4-2\n", 9, 13),
			})
			assert.Equal(t, []string{"4_hnum_2", "word", "word"}, types(out))
		})
	}
}

func TestNamedGroups(t *testing.T) {
	re2, err := NewRuleTable([]RuleSpec{{Pattern: `(?P<num>\d+)(?P<unit>[a-z]+)`, Template: "${unit}_${num}", Flags: 1}})
	require.NoError(t, err)
	tok := token.New("12kg", 0, 4)
	_, err = Apply(re2, tok)
	require.NoError(t, err)
	assert.Equal(t, "kg_12", tok.Type)

	re2b, err := NewRuleTable([]RuleSpec{{Pattern: `(?<num>\d+)(?<unit>[a-z]+)`, Template: "${unit}_${num}", Flags: 1}},
		WithDialect(DialectRegexp2))
	require.NoError(t, err)
	tok = token.New("12kg", 0, 4)
	_, err = Apply(re2b, tok)
	require.NoError(t, err)
	assert.Equal(t, "kg_12", tok.Type)
}
