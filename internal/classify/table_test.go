package classify

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleTablePreservesOrder(t *testing.T) {
	specs := []RuleSpec{
		{Pattern: `z+`, Template: "zs", Flags: 1},
		{Pattern: `a+`, Template: "as", Flags: 2},
		{Pattern: `m+`, Template: "ms", Flags: 3},
	}
	table, err := NewRuleTable(specs)
	require.NoError(t, err)

	require.Equal(t, 3, table.Len())
	for i, rule := range table.All() {
		assert.Equal(t, i, rule.Index())
		assert.Equal(t, specs[i], rule.Spec())
		assert.Same(t, rule, table.Rule(i))
	}

	rules := table.Rules()
	rules[0] = nil
	assert.NotNil(t, table.Rule(0), "Rules must return a copy")
}

func TestAllStopsEarly(t *testing.T) {
	table, err := NewRuleTable([]RuleSpec{
		{Pattern: `a`, Template: "a"},
		{Pattern: `b`, Template: "b"},
		{Pattern: `c`, Template: "c"},
	})
	require.NoError(t, err)

	var seen []string
	for _, rule := range table.All() {
		seen = append(seen, rule.Pattern())
		if len(seen) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"a", "b"}, seen)
}

func TestRuleCompilationErrors(t *testing.T) {
	cases := []struct {
		name   string
		specs  []RuleSpec
		index  int
		reason string
		wraps  bool
	}{
		{
			name:   "unbalanced paren",
			specs:  []RuleSpec{{Pattern: `ok`, Template: "ok"}, {Pattern: `(\d+`, Template: "x"}},
			index:  1,
			reason: "invalid regular expression",
			wraps:  true,
		},
		{
			name:   "stray close paren",
			specs:  []RuleSpec{{Pattern: `a)(b`, Template: "x"}},
			index:  0,
			reason: "invalid regular expression",
			wraps:  true,
		},
		{
			name:   "duplicate pattern",
			specs:  []RuleSpec{{Pattern: `a+`, Template: "x"}, {Pattern: `b`, Template: "y"}, {Pattern: `a+`, Template: "z"}},
			index:  2,
			reason: "duplicate pattern",
		},
		{
			name:   "negative flags",
			specs:  []RuleSpec{{Pattern: `a`, Template: "x", Flags: -1}},
			index:  0,
			reason: "negative flags",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			table, err := NewRuleTable(tc.specs)
			assert.Nil(t, table)

			var compileErr *RuleCompilationError
			require.True(t, errors.As(err, &compileErr))
			assert.Equal(t, tc.index, compileErr.Index)
			assert.Contains(t, compileErr.Reason, tc.reason)
			if tc.wraps {
				assert.NotNil(t, errors.Unwrap(err))
			}
		})
	}
}

func TestStrictTemplatesFailConstruction(t *testing.T) {
	specs := []RuleSpec{
		{Pattern: `(a)`, Template: "$1", Flags: 1},
		{Pattern: `(b)(c)`, Template: "${missing}", Flags: 1},
	}

	_, err := NewRuleTable(specs)
	require.NoError(t, err, "lenient tables defer template errors")

	_, err = NewRuleTable(specs, WithStrictTemplates())
	var tmplErr *InvalidTemplateError
	require.ErrorAs(t, err, &tmplErr)
	assert.Equal(t, 1, tmplErr.Index)
	assert.Contains(t, tmplErr.Reason, "no group with name {missing}")
}

func TestNewRuleTableFromMappings(t *testing.T) {
	order := []string{`(\d+)-(\d+)`, `(\w+)-(\w+)`}
	templates := map[string]string{
		`(\d+)-(\d+)`: "$1_hnum_$2",
		`(\w+)-(\w+)`: "$1_hword_$2",
	}
	flagMap := map[string]int{`(\d+)-(\d+)`: 6}

	table, err := NewRuleTableFromMappings(order, templates, flagMap)
	require.NoError(t, err)
	require.Equal(t, 2, table.Len())
	assert.Equal(t, `(\d+)-(\d+)`, table.Rule(0).Pattern())
	assert.Equal(t, 6, table.Rule(0).Flags())
	assert.Equal(t, 0, table.Rule(1).Flags())

	_, err = NewRuleTableFromMappings([]string{`x`}, map[string]string{}, nil)
	var compileErr *RuleCompilationError
	require.ErrorAs(t, err, &compileErr)
	assert.Contains(t, compileErr.Reason, "no type template")
}

func TestFingerprint(t *testing.T) {
	a := []RuleSpec{{Pattern: `a`, Template: "x", Flags: 1}, {Pattern: `b`, Template: "y", Flags: 2}}
	b := []RuleSpec{{Pattern: `b`, Template: "y", Flags: 2}, {Pattern: `a`, Template: "x", Flags: 1}}

	t1, err := NewRuleTable(a)
	require.NoError(t, err)
	t2, err := NewRuleTable(a)
	require.NoError(t, err)
	t3, err := NewRuleTable(b)
	require.NoError(t, err)
	t4, err := NewRuleTable(a, WithDialect(DialectRegexp2))
	require.NoError(t, err)

	assert.Equal(t, t1.Fingerprint(), t2.Fingerprint())
	assert.NotEqual(t, t1.Fingerprint(), t3.Fingerprint(), "order is part of the identity")
	assert.NotEqual(t, t1.Fingerprint(), t4.Fingerprint(), "dialect is part of the identity")
	assert.Len(t, t1.Fingerprint(), 64)
}

func TestParseDialect(t *testing.T) {
	d, err := ParseDialect("")
	require.NoError(t, err)
	assert.Equal(t, DialectRE2, d)

	d, err = ParseDialect("regexp2")
	require.NoError(t, err)
	assert.Equal(t, DialectRegexp2, d)

	_, err = ParseDialect("pcre")
	assert.Error(t, err)
}

func TestMatchTimeoutOnlyAppliesToRegexp2(t *testing.T) {
	table, err := NewRuleTable([]RuleSpec{{Pattern: `a+`, Template: "a"}},
		WithDialect(DialectRegexp2), WithMatchTimeout(50*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, DialectRegexp2, table.Dialect())

	m, ok := table.Rule(0).matcher.(*regexp2Matcher)
	require.True(t, ok)
	assert.Equal(t, 50*time.Millisecond, m.re.MatchTimeout)
}
