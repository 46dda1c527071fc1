package classify

import (
	"fmt"
	"time"
)

// RuleCompilationError reports a rule that could not be turned into a table
// entry. Table construction stops at the first one; no partial table is built.
type RuleCompilationError struct {
	Index   int
	Pattern string
	Reason  string
	Err     error
}

func (e *RuleCompilationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rule %d (%q): %s: %v", e.Index, e.Pattern, e.Reason, e.Err)
	}
	return fmt.Sprintf("rule %d (%q): %s", e.Index, e.Pattern, e.Reason)
}

func (e *RuleCompilationError) Unwrap() error {
	return e.Err
}

// InvalidTemplateError reports a type template whose back-references do not
// fit the rule's pattern.
type InvalidTemplateError struct {
	Index    int
	Pattern  string
	Template string
	// Offset is the byte position in Template where expansion failed.
	Offset int
	Reason string
}

func (e *InvalidTemplateError) Error() string {
	return fmt.Sprintf("rule %d (%q): invalid type template %q at offset %d: %s",
		e.Index, e.Pattern, e.Template, e.Offset, e.Reason)
}

// MatchError reports a regex engine failure while matching a term, such as
// a backtracking engine running past its match timeout.
type MatchError struct {
	Index   int
	Pattern string
	Term    string
	Timeout time.Duration
	Err     error
}

func (e *MatchError) Error() string {
	return fmt.Sprintf("rule %d (%q): matching %q: %v", e.Index, e.Pattern, e.Term, e.Err)
}

func (e *MatchError) Unwrap() error {
	return e.Err
}
