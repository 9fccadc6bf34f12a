// Package sqlsanitize removes the artifacts language models leave in generated SQL: stray percent
// signs glued to table aliases, needless identifier quoting and ragged whitespace.
package sqlsanitize

import (
	"regexp"
	"strings"
)

var (
	quotedIdentifier = regexp.MustCompile(`(^|[^"])"([A-Za-z_][A-Za-z0-9_]*)"([^"]|$)`)
	aliasBeforeDot   = regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_]*)%\.`)
	trailingAlias    = regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_]{0,3})%(\s|,|\)|;|$)`)
	whitespaceRun    = regexp.MustCompile(`\s+`)
)

// maxPasses bounds the fixed-point loop. Every rule only removes characters, so the loop ends
// well before this on real input.
const maxPasses = 16

// Sanitize is deterministic and idempotent. String literals are left untouched, whitespace included,
// since their contents are compared as data.
func Sanitize(sql string) string {
	out := sql
	for i := 0; i < maxPasses; i++ {
		next := sanitizeOnce(out)
		if next == out {
			break
		}
		out = next
	}
	return out
}

func sanitizeOnce(sql string) string {
	segments := splitLiterals(sql)
	var b strings.Builder
	b.Grow(len(sql))
	for i, seg := range segments {
		if seg.literal {
			b.WriteString(seg.text)
			continue
		}
		last := i == len(segments)-1
		b.WriteString(cleanCode(seg.text, last))
	}
	return strings.TrimSpace(b.String())
}

// cleanCode rewrites a run of SQL outside string literals. A segment that is followed by a literal
// gets a temporary quote appended so end-of-input rules do not fire at the boundary.
func cleanCode(code string, last bool) string {
	if !last {
		code += "'"
	}
	code = quotedIdentifier.ReplaceAllString(code, "${1}${2}${3}")
	code = aliasBeforeDot.ReplaceAllString(code, "${1}.")
	code = trailingAlias.ReplaceAllString(code, "${1}${2}")
	code = whitespaceRun.ReplaceAllString(code, " ")
	if !last {
		code = strings.TrimSuffix(code, "'")
	}
	return code
}

type segment struct {
	text    string
	literal bool
}

// splitLiterals cuts sql into alternating code and single-quoted literal segments. Doubled quotes
// inside a literal are an escape. An unterminated literal runs to the end.
func splitLiterals(sql string) []segment {
	var segments []segment
	start := 0
	inLiteral := false
	for i := 0; i < len(sql); i++ {
		if sql[i] != '\'' {
			continue
		}
		if !inLiteral {
			if i > start {
				segments = append(segments, segment{text: sql[start:i]})
			}
			start = i
			inLiteral = true
			continue
		}
		if i+1 < len(sql) && sql[i+1] == '\'' {
			i++
			continue
		}
		segments = append(segments, segment{text: sql[start : i+1], literal: true})
		start = i + 1
		inLiteral = false
	}
	if start < len(sql) {
		segments = append(segments, segment{text: sql[start:], literal: inLiteral})
	}
	return segments
}
