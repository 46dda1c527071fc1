package classify

import (
	"fmt"
	"strings"
)

// segment is either literal text or a reference to a capture group.
type segment struct {
	literal string
	group   int
}

// template is a type template compiled against one pattern. Group numbers
// are fixed by the pattern, so every reference error is known up front; it
// is kept in fault and reported when the rule first fires.
type template struct {
	raw      string
	segments []segment
	fault    *templateFault
}

type templateFault struct {
	offset int
	reason string
}

// compileTemplate parses raw using the back-reference syntax of Java's
// Matcher.appendReplacement:
//
//	$n       numbered group; digits are consumed while the number still names a group
//	${name}  named group
//	\c       literal c
func compileTemplate(raw string, m matcher) template {
	t := template{raw: raw}
	var lit strings.Builder

	flush := func() {
		if lit.Len() > 0 {
			t.segments = append(t.segments, segment{literal: lit.String(), group: -1})
			lit.Reset()
		}
	}
	fail := func(offset int, format string, args ...any) template {
		t.segments = nil
		t.fault = &templateFault{offset: offset, reason: fmt.Sprintf(format, args...)}
		return t
	}

	for i := 0; i < len(raw); {
		c := raw[i]
		switch c {
		case '\\':
			if i+1 >= len(raw) {
				return fail(i, "character to be escaped is missing")
			}
			// Escapes may cover a multi-byte rune; copy the whole rune.
			j := i + 1
			for j+1 < len(raw) && raw[j+1]&0xC0 == 0x80 {
				j++
			}
			lit.WriteString(raw[i+1 : j+1])
			i = j + 1
		case '$':
			start := i
			i++
			if i >= len(raw) {
				return fail(start, "illegal group reference: group index is missing")
			}
			if raw[i] == '{' {
				i++
				nameStart := i
				for i < len(raw) && isASCIIAlnum(raw[i]) {
					i++
				}
				if i == nameStart {
					return fail(start, "named capturing group has 0 length name")
				}
				if i >= len(raw) || raw[i] != '}' {
					return fail(start, "named capturing group is missing trailing '}'")
				}
				name := raw[nameStart:i]
				i++
				if isASCIIDigit(name[0]) {
					return fail(start, "capturing group name {%s} starts with digit character", name)
				}
				n := m.groupNumber(name)
				if n < 0 {
					return fail(start, "no group with name {%s}", name)
				}
				flush()
				t.segments = append(t.segments, segment{group: n})
				continue
			}
			if !isASCIIDigit(raw[i]) {
				return fail(start, "illegal group reference")
			}
			ref := int(raw[i] - '0')
			i++
			for i < len(raw) && isASCIIDigit(raw[i]) {
				next := ref*10 + int(raw[i]-'0')
				if !m.hasGroup(next) {
					break
				}
				ref = next
				i++
			}
			if !m.hasGroup(ref) {
				return fail(start, "no group %d", ref)
			}
			flush()
			t.segments = append(t.segments, segment{group: ref})
		default:
			lit.WriteByte(c)
			i++
		}
	}
	flush()
	return t
}

// expand renders the template for one match. Groups that exist but did not
// take part in the match contribute nothing.
func (t template) expand(g groups) string {
	if len(t.segments) == 1 && t.segments[0].group < 0 {
		return t.segments[0].literal
	}
	var b strings.Builder
	for _, s := range t.segments {
		if s.group < 0 {
			b.WriteString(s.literal)
			continue
		}
		if v, ok := g.get(s.group); ok {
			b.WriteString(v)
		}
	}
	return b.String()
}

func isASCIIDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isASCIIAlnum(c byte) bool {
	return isASCIIDigit(c) || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
