package classify

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"iter"
	"strconv"
	"time"
)

// RuleSpec is the construction input for one rule: a pattern, the type
// template written when the pattern matches, and the flags value.
type RuleSpec struct {
	Pattern  string
	Template string
	Flags    int
}

// Rule is a compiled RuleSpec. Rules are immutable.
type Rule struct {
	index    int
	spec     RuleSpec
	matcher  matcher
	template template
}

// Index is the rule's position in its table.
func (r *Rule) Index() int { return r.index }

// Pattern returns the pattern as supplied, without anchoring.
func (r *Rule) Pattern() string { return r.spec.Pattern }

// Template returns the type template as supplied.
func (r *Rule) Template() string { return r.spec.Template }

// Flags returns the flags value written on a match.
func (r *Rule) Flags() int { return r.spec.Flags }

// Spec returns the RuleSpec the rule was built from.
func (r *Rule) Spec() RuleSpec { return r.spec }

func (r *Rule) templateError(offset int, reason string) *InvalidTemplateError {
	return &InvalidTemplateError{
		Index:    r.index,
		Pattern:  r.spec.Pattern,
		Template: r.spec.Template,
		Offset:   offset,
		Reason:   reason,
	}
}

// RuleTable is an ordered, immutable list of rules. Order is priority: the
// first rule whose pattern matches a term wins. A table may be shared by any
// number of goroutines.
type RuleTable struct {
	rules       []*Rule
	dialect     Dialect
	timeout     time.Duration
	fingerprint string
}

type tableOptions struct {
	dialect         Dialect
	timeout         time.Duration
	strictTemplates bool
}

// Option configures table construction.
type Option func(*tableOptions)

// WithDialect selects the regex engine. The default is DialectRE2.
func WithDialect(d Dialect) Option {
	return func(o *tableOptions) { o.dialect = d }
}

// WithMatchTimeout bounds a single match attempt. Only the regexp2 dialect
// honours it; RE2 matching is linear.
func WithMatchTimeout(d time.Duration) Option {
	return func(o *tableOptions) { o.timeout = d }
}

// WithStrictTemplates makes construction fail with an InvalidTemplateError
// when a template references groups its pattern does not define, instead
// of failing when the rule first fires.
func WithStrictTemplates() Option {
	return func(o *tableOptions) { o.strictTemplates = true }
}

// NewRuleTable compiles specs in the order given.
func NewRuleTable(specs []RuleSpec, opts ...Option) (*RuleTable, error) {
	o := tableOptions{dialect: DialectRE2}
	for _, opt := range opts {
		opt(&o)
	}

	table := &RuleTable{
		rules:   make([]*Rule, 0, len(specs)),
		dialect: o.dialect,
		timeout: o.timeout,
	}
	seen := make(map[string]int, len(specs))

	for i, spec := range specs {
		if first, dup := seen[spec.Pattern]; dup {
			return nil, &RuleCompilationError{
				Index:   i,
				Pattern: spec.Pattern,
				Reason:  fmt.Sprintf("duplicate pattern (first defined by rule %d)", first),
			}
		}
		seen[spec.Pattern] = i

		if spec.Flags < 0 {
			return nil, &RuleCompilationError{
				Index:   i,
				Pattern: spec.Pattern,
				Reason:  fmt.Sprintf("negative flags value %d", spec.Flags),
			}
		}

		m, err := compileMatcher(o.dialect, spec.Pattern, o.timeout)
		if err != nil {
			return nil, &RuleCompilationError{
				Index:   i,
				Pattern: spec.Pattern,
				Reason:  "invalid regular expression",
				Err:     err,
			}
		}

		rule := &Rule{
			index:    i,
			spec:     spec,
			matcher:  m,
			template: compileTemplate(spec.Template, m),
		}
		if o.strictTemplates && rule.template.fault != nil {
			return nil, rule.templateError(rule.template.fault.offset, rule.template.fault.reason)
		}
		table.rules = append(table.rules, rule)
	}

	table.fingerprint = fingerprint(table.dialect, specs)
	return table, nil
}

// NewRuleTableFromMappings builds a table from an ordered list of patterns,
// a pattern-to-template map and a pattern-to-flags map. order fixes rule
// priority; a pattern absent from flags gets 0.
func NewRuleTableFromMappings(order []string, templates map[string]string, flags map[string]int, opts ...Option) (*RuleTable, error) {
	specs := make([]RuleSpec, 0, len(order))
	for i, pattern := range order {
		tmpl, ok := templates[pattern]
		if !ok {
			return nil, &RuleCompilationError{Index: i, Pattern: pattern, Reason: "no type template for pattern"}
		}
		specs = append(specs, RuleSpec{Pattern: pattern, Template: tmpl, Flags: flags[pattern]})
	}
	return NewRuleTable(specs, opts...)
}

// Len returns the number of rules.
func (t *RuleTable) Len() int { return len(t.rules) }

// Rule returns the rule at position i.
func (t *RuleTable) Rule(i int) *Rule { return t.rules[i] }

// Rules returns the rules in priority order. The slice is a copy.
func (t *RuleTable) Rules() []*Rule {
	out := make([]*Rule, len(t.rules))
	copy(out, t.rules)
	return out
}

// All iterates the rules in priority order.
func (t *RuleTable) All() iter.Seq2[int, *Rule] {
	return func(yield func(int, *Rule) bool) {
		for i, r := range t.rules {
			if !yield(i, r) {
				return
			}
		}
	}
}

// Dialect returns the engine the table was compiled with.
func (t *RuleTable) Dialect() Dialect { return t.dialect }

// Fingerprint identifies the table's content: two tables with the same
// dialect and the same rules in the same order share a fingerprint.
func (t *RuleTable) Fingerprint() string { return t.fingerprint }

func fingerprint(dialect Dialect, specs []RuleSpec) string {
	h := sha256.New()
	h.Write([]byte(dialect))
	for _, s := range specs {
		// Length-prefix each field so adjacent fields cannot run together.
		for _, field := range []string{s.Pattern, s.Template, strconv.Itoa(s.Flags)} {
			h.Write([]byte(strconv.Itoa(len(field))))
			h.Write([]byte{':'})
			h.Write([]byte(field))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
