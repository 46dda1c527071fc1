package classify

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
)

// Dialect selects the regular expression engine rules are compiled with.
type Dialect string

const (
	// DialectRE2 compiles patterns with the standard library (RE2 syntax,
	// linear-time matching).
	DialectRE2 Dialect = "re2"
	// DialectRegexp2 compiles patterns with a backtracking engine that
	// understands Java/.NET syntax such as lookaround.
	DialectRegexp2 Dialect = "regexp2"
)

// ParseDialect maps a configuration string to a Dialect. The empty string
// selects DialectRE2.
func ParseDialect(s string) (Dialect, error) {
	switch Dialect(s) {
	case "", DialectRE2:
		return DialectRE2, nil
	case DialectRegexp2:
		return DialectRegexp2, nil
	default:
		return "", fmt.Errorf("unknown regex dialect %q (must be %s or %s)", s, DialectRE2, DialectRegexp2)
	}
}

// groups holds the capture groups of one successful match. Index 0 is the
// whole match.
type groups struct {
	values  []string
	matched []bool
}

func (g groups) get(i int) (string, bool) {
	if i < 0 || i >= len(g.values) {
		return "", false
	}
	return g.values[i], g.matched[i]
}

// matcher is a compiled, fully anchored pattern.
type matcher interface {
	// fullMatch reports whether the whole of text matches.
	fullMatch(text string) (groups, bool, error)
	// hasGroup reports whether n names a capture group of the pattern.
	hasGroup(n int) bool
	// groupNumber resolves a named group, returning -1 when absent.
	groupNumber(name string) int
}

// anchor wraps a pattern so that it only matches an entire input. The
// wrapper group is non-capturing, so group numbers are unchanged.
func anchor(pattern string) string {
	return `\A(?:` + pattern + `)\z`
}

// anchorLine is anchor with the pattern terminated by a newline, which
// extended mode skips as whitespace. Inline options are scoped to the
// wrapper group, so the anchor itself is parsed normally.
func anchorLine(pattern string) string {
	return `\A(?:` + pattern + "\n" + `)\z`
}

func compileMatcher(dialect Dialect, pattern string, timeout time.Duration) (matcher, error) {
	switch dialect {
	case DialectRE2, "":
		// Compile the bare pattern first so syntax errors point at the user's text.
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, err
		}
		re, err := regexp.Compile(anchor(pattern))
		if err != nil {
			return nil, err
		}
		return &re2Matcher{re: re}, nil
	case DialectRegexp2:
		if _, err := regexp2.Compile(pattern, regexp2.None); err != nil {
			return nil, err
		}
		re, err := regexp2.Compile(anchor(pattern), regexp2.None)
		if err != nil {
			// A trailing (?x) comment runs to end of line and eats the anchor.
			re, err = regexp2.Compile(anchorLine(pattern), regexp2.None)
			if err != nil {
				return nil, err
			}
		}
		if timeout > 0 {
			re.MatchTimeout = timeout
		}
		return newRegexp2Matcher(re, pattern), nil
	default:
		return nil, fmt.Errorf("unknown regex dialect %q", dialect)
	}
}

type re2Matcher struct {
	re *regexp.Regexp
}

func (m *re2Matcher) fullMatch(text string) (groups, bool, error) {
	idx := m.re.FindStringSubmatchIndex(text)
	if idx == nil {
		return groups{}, false, nil
	}
	n := len(idx) / 2
	g := groups{values: make([]string, n), matched: make([]bool, n)}
	for i := 0; i < n; i++ {
		start, end := idx[2*i], idx[2*i+1]
		if start < 0 {
			continue
		}
		g.values[i] = text[start:end]
		g.matched[i] = true
	}
	return g, true, nil
}

func (m *re2Matcher) hasGroup(n int) bool {
	return n >= 0 && n <= m.re.NumSubexp()
}

func (m *re2Matcher) groupNumber(name string) int {
	if name == "" {
		return -1
	}
	return m.re.SubexpIndex(name)
}

// regexp2Matcher numbers groups by the position of their opening
// parenthesis, named or not. The engine itself numbers named groups after
// all unnamed ones, so group numbers are translated on the way out.
type regexp2Matcher struct {
	re *regexp2.Regexp

	// engine maps a group number as seen by templates to the engine's.
	engine map[int]int
	names  map[string]int
	last   int
}

func newRegexp2Matcher(re *regexp2.Regexp, pattern string) *regexp2Matcher {
	m := &regexp2Matcher{re: re, engine: map[int]int{0: 0}, names: make(map[string]int)}
	if m.numberByPosition(pattern) {
		return m
	}

	// Constructs the scanner does not follow (balancing groups, duplicate
	// or numeric names) keep the engine's numbering.
	m.engine = make(map[int]int)
	m.names = make(map[string]int)
	m.last = 0
	for _, n := range re.GetGroupNumbers() {
		m.engine[n] = n
		m.last = max(m.last, n)
	}
	for _, name := range re.GetGroupNames() {
		if n := re.GroupNumberFromName(name); n >= 0 {
			m.names[name] = n
		}
	}
	return m
}

func (m *regexp2Matcher) numberByPosition(pattern string) bool {
	captures, ok := captureNames(pattern)
	if !ok || len(captures) != len(m.re.GetGroupNumbers())-1 {
		return false
	}

	seen := map[int]bool{0: true}
	unnamed := 0
	for i, name := range captures {
		var n int
		if name == "" {
			unnamed++
			n = unnamed
		} else {
			if _, dup := m.names[name]; dup {
				return false
			}
			n = m.re.GroupNumberFromName(name)
			if n < 0 {
				return false
			}
			m.names[name] = i + 1
		}
		if seen[n] {
			return false
		}
		seen[n] = true
		m.engine[i+1] = n
	}
	m.last = len(captures)
	return true
}

func (m *regexp2Matcher) fullMatch(text string) (groups, bool, error) {
	match, err := m.re.FindStringMatch(text)
	if err != nil {
		return groups{}, false, err
	}
	if match == nil {
		return groups{}, false, nil
	}

	g := groups{values: make([]string, m.last+1), matched: make([]bool, m.last+1)}
	for n, engine := range m.engine {
		grp := match.GroupByNumber(engine)
		if grp == nil || len(grp.Captures) == 0 {
			continue
		}
		g.values[n] = grp.String()
		g.matched[n] = true
	}
	return g, true, nil
}

func (m *regexp2Matcher) hasGroup(n int) bool {
	_, ok := m.engine[n]
	return ok
}

func (m *regexp2Matcher) groupNumber(name string) int {
	if n, ok := m.names[name]; ok && name != "" {
		return n
	}
	return -1
}

// captureNames lists the capturing groups of pattern in the order their
// opening parentheses appear, with "" for unnamed groups. It reports false
// when the pattern uses syntax it cannot follow.
func captureNames(pattern string) ([]string, bool) {
	var names []string
	extended := false
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '\\':
			i++
		case '[':
			end := skipClass(pattern, i)
			if end < 0 {
				return nil, false
			}
			i = end
		case '#':
			if extended {
				nl := strings.IndexByte(pattern[i:], '\n')
				if nl < 0 {
					return names, true
				}
				i += nl
			}
		case '(':
			rest := pattern[i+1:]
			if !strings.HasPrefix(rest, "?") {
				names = append(names, "")
				continue
			}
			switch {
			case strings.HasPrefix(rest, "?#"):
				end := strings.IndexByte(rest, ')')
				if end < 0 {
					return nil, false
				}
				i += end + 1
			case strings.HasPrefix(rest, "?<=") || strings.HasPrefix(rest, "?<!"):
			case strings.HasPrefix(rest, "?<") || strings.HasPrefix(rest, "?P<"):
				start := strings.IndexByte(rest, '<') + 1
				end := strings.IndexByte(rest[start:], '>')
				if end < 0 {
					return nil, false
				}
				names = append(names, rest[start:start+end])
			case strings.HasPrefix(rest, "?'"):
				end := strings.IndexByte(rest[2:], '\'')
				if end < 0 {
					return nil, false
				}
				names = append(names, rest[2:2+end])
			default:
				opts := rest[1:]
				end := strings.IndexAny(opts, ":)")
				if end < 0 {
					continue
				}
				flags := opts[:end]
				if strings.Trim(flags, "imnsx-") != "" {
					continue
				}
				if strings.Contains(flags, "n") {
					return nil, false
				}
				on, _, _ := strings.Cut(flags, "-")
				if strings.Contains(on, "x") {
					extended = true
				} else if strings.Contains(flags, "x") {
					extended = false
				}
			}
		}
	}
	return names, true
}

// skipClass returns the index of the ']' closing the character class that
// opens at i, or -1.
func skipClass(pattern string, i int) int {
	j := i + 1
	if j < len(pattern) && pattern[j] == '^' {
		j++
	}
	if j < len(pattern) && pattern[j] == ']' {
		j++
	}
	depth := 1
	for ; j < len(pattern); j++ {
		switch pattern[j] {
		case '\\':
			j++
		case '[':
			if pattern[j-1] == '-' {
				depth++
			}
		case ']':
			depth--
			if depth == 0 {
				return j
			}
		}
	}
	return -1
}
