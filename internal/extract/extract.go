// Package extract pulls a single JSON object out of free-form model output and repairs the
// formatting artifacts models tend to leave in it.
package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrNoObjectFound   = errors.New("no json object found")
	ErrMalformedObject = errors.New("malformed json object")
)

type Kind string

const (
	KindNoObject  Kind = "no_object"
	KindMalformed Kind = "malformed"
)

// Error carries the unmodified model output so callers can surface it.
type Error struct {
	Kind Kind
	Raw  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

func (e *Error) Is(target error) bool {
	switch e.Kind {
	case KindNoObject:
		return target == ErrNoObjectFound
	case KindMalformed:
		return target == ErrMalformedObject
	}
	return false
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	fencePattern         = regexp.MustCompile("```(?:json|JSON)?")
	concatenationPattern = regexp.MustCompile(`"\s*\+\s*"`)
	whitespaceRun        = regexp.MustCompile(`\s+`)
)

// Object returns the first balanced JSON object in raw. Each field named in repairFields is
// normalized to a single line with single spaces, both to rescue objects whose string values carry
// raw newlines and to clean values that already parse.
func Object(raw string, repairFields ...string) ([]byte, error) {
	cleaned := fencePattern.ReplaceAllString(raw, "")
	cleaned = concatenationPattern.ReplaceAllString(cleaned, "")

	candidate, ok := firstObject(cleaned)
	if !ok {
		return nil, &Error{Kind: KindNoObject, Raw: raw, Err: ErrNoObjectFound}
	}

	if json.Valid([]byte(candidate)) {
		if len(repairFields) == 0 {
			return []byte(candidate), nil
		}
		return normalizeFields([]byte(candidate), repairFields)
	}

	repaired := repairStrings(candidate, repairFields)
	if !json.Valid([]byte(repaired)) {
		return nil, &Error{
			Kind: KindMalformed,
			Raw:  raw,
			Err:  fmt.Errorf("%w: %s", ErrMalformedObject, syntaxError(repaired)),
		}
	}
	return normalizeFields([]byte(repaired), repairFields)
}

// Decode extracts the object from raw and unmarshals it into dst.
func Decode(raw string, dst any, repairFields ...string) error {
	obj, err := Object(raw, repairFields...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(obj, dst); err != nil {
		return &Error{Kind: KindMalformed, Raw: raw, Err: fmt.Errorf("%w: %v", ErrMalformedObject, err)}
	}
	return nil
}

// firstObject scans from the first '{' to its matching '}'. Braces inside string literals are
// ignored.
func firstObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

// repairStrings replaces raw control whitespace inside string literals. Values of repairFields
// collapse to single spaces; other strings get their control characters escaped.
func repairStrings(candidate string, repairFields []string) string {
	fields := make(map[string]bool, len(repairFields))
	for _, f := range repairFields {
		fields[f] = true
	}

	var (
		out       strings.Builder
		literal   strings.Builder
		inString  bool
		escaped   bool
		lastKey   string
		expectKey = true
	)
	out.Grow(len(candidate))
	for i := 0; i < len(candidate); i++ {
		c := candidate[i]
		if !inString {
			switch c {
			case '"':
				inString = true
				literal.Reset()
			case '{', ',':
				expectKey = true
			case ':':
				expectKey = false
			}
			out.WriteByte(c)
			continue
		}

		switch {
		case escaped:
			escaped = false
			literal.WriteByte(c)
		case c == '\\':
			escaped = true
			literal.WriteByte(c)
		case c == '"':
			inString = false
			value := literal.String()
			if expectKey {
				lastKey = value
			} else if fields[lastKey] {
				value = strings.TrimSpace(whitespaceRun.ReplaceAllString(value, " "))
			}
			out.WriteString(escapeControl(value))
			out.WriteByte('"')
		default:
			literal.WriteByte(c)
		}
	}
	if inString {
		out.WriteString(literal.String())
	}
	return out.String()
}

func escapeControl(value string) string {
	if !strings.ContainsAny(value, "\n\r\t") {
		return value
	}
	return strings.NewReplacer("\n", `\n`, "\r", `\r`, "\t", `\t`).Replace(value)
}

func normalizeFields(obj []byte, repairFields []string) ([]byte, error) {
	if len(repairFields) == 0 {
		return obj, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(obj, &fields); err != nil {
		return obj, nil
	}
	changed := false
	for _, name := range repairFields {
		rawValue, ok := fields[name]
		if !ok {
			continue
		}
		var value string
		if err := json.Unmarshal(rawValue, &value); err != nil {
			continue
		}
		normalized := strings.TrimSpace(whitespaceRun.ReplaceAllString(value, " "))
		if normalized == value {
			continue
		}
		encoded, err := json.Marshal(normalized)
		if err != nil {
			return nil, fmt.Errorf("encode repaired field %s: %w", name, err)
		}
		fields[name] = encoded
		changed = true
	}
	if !changed {
		return obj, nil
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode repaired object: %w", err)
	}
	return out, nil
}

func syntaxError(candidate string) string {
	var probe any
	err := json.Unmarshal([]byte(candidate), &probe)
	if err == nil {
		return "invalid json"
	}
	return err.Error()
}
