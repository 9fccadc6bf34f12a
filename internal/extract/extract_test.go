package extract

import (
	"errors"
	"strings"
	"testing"
)

type sqlResult struct {
	SQL         string `json:"sql"`
	Explanation string `json:"explanation"`
}

func TestDecodeRepairsFencedObjectWithRawControlCharacters(t *testing.T) {
	raw := "```json\n{\"sql\": \"SELECT 1\nFROM\tT\", \"explanation\": \"ok\"}\n```"

	var got sqlResult
	if err := Decode(raw, &got, "sql"); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.SQL != "SELECT 1 FROM T" {
		t.Fatalf("SQL = %q", got.SQL)
	}
	if got.Explanation != "ok" {
		t.Fatalf("Explanation = %q", got.Explanation)
	}
}

func TestDecodeNormalizesRepairFieldsOfValidObject(t *testing.T) {
	raw := `Here you go: {"sql": "SELECT a,\n    b\n  FROM t", "explanation": "two\nlines"}`

	var got sqlResult
	if err := Decode(raw, &got, "sql"); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.SQL != "SELECT a, b FROM t" {
		t.Fatalf("SQL = %q", got.SQL)
	}
	if got.Explanation != "two\nlines" {
		t.Fatalf("Explanation = %q, fields outside the repair list must keep their content", got.Explanation)
	}
}

func TestDecodeEscapesControlCharactersOutsideRepairFields(t *testing.T) {
	raw := "{\"sql\": \"SELECT 1\", \"explanation\": \"line one\nline two\"}"

	var got sqlResult
	if err := Decode(raw, &got, "sql"); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Explanation != "line one\nline two" {
		t.Fatalf("Explanation = %q", got.Explanation)
	}
}

func TestObjectHandlesBracesInsideStrings(t *testing.T) {
	raw := `{"allowed": true, "explanation": "use {curly} braces } freely", "resolvedQuery": "count {orders}"} trailing {"other": 1}`

	obj, err := Object(raw)
	if err != nil {
		t.Fatalf("Object() error = %v", err)
	}
	want := `{"allowed": true, "explanation": "use {curly} braces } freely", "resolvedQuery": "count {orders}"}`
	if string(obj) != want {
		t.Fatalf("Object() = %s", obj)
	}
}

func TestObjectRemovesConcatenationArtifacts(t *testing.T) {
	raw := `{"sql": "SELECT a " + "FROM t", "explanation": "ok"}`

	var got sqlResult
	if err := Decode(raw, &got, "sql"); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.SQL != "SELECT a FROM t" {
		t.Fatalf("SQL = %q", got.SQL)
	}
}

func TestObjectWithoutBracesFails(t *testing.T) {
	raw := "I cannot answer that."
	_, err := Object(raw)
	if !errors.Is(err, ErrNoObjectFound) {
		t.Fatalf("Object() error = %v, want %v", err, ErrNoObjectFound)
	}
	var extractErr *Error
	if !errors.As(err, &extractErr) || extractErr.Raw != raw {
		t.Fatalf("Object() error = %#v, want raw text preserved", err)
	}
}

func TestObjectWithUnbalancedBracesFails(t *testing.T) {
	if _, err := Object(`{"sql": "SELECT 1"`); !errors.Is(err, ErrNoObjectFound) {
		t.Fatalf("Object() error = %v, want %v", err, ErrNoObjectFound)
	}
}

func TestObjectMalformedAfterRepairKeepsRawText(t *testing.T) {
	raw := "```\n{\"sql\": SELECT 1, \"explanation\": \"ok\"}\n```"
	_, err := Object(raw, "sql")
	if !errors.Is(err, ErrMalformedObject) {
		t.Fatalf("Object() error = %v, want %v", err, ErrMalformedObject)
	}
	if errors.Is(err, ErrNoObjectFound) {
		t.Fatal("malformed object must not match ErrNoObjectFound")
	}
	var extractErr *Error
	if !errors.As(err, &extractErr) || extractErr.Raw != raw || extractErr.Kind != KindMalformed {
		t.Fatalf("Object() error = %#v", err)
	}
}

func TestDecodeTypeMismatchIsMalformed(t *testing.T) {
	var got sqlResult
	err := Decode(`{"sql": 42, "explanation": "ok"}`, &got)
	if !errors.Is(err, ErrMalformedObject) {
		t.Fatalf("Decode() error = %v", err)
	}
}

func TestObjectPreservesEscapedQuotes(t *testing.T) {
	raw := "{\"sql\": \"SELECT \\\"a b\\\"\n FROM t\", \"explanation\": \"ok\"}"

	var got sqlResult
	if err := Decode(raw, &got, "sql"); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.SQL != `SELECT "a b" FROM t` {
		t.Fatalf("SQL = %q", got.SQL)
	}
	if strings.Contains(got.SQL, "\n") {
		t.Fatalf("SQL still contains newline: %q", got.SQL)
	}
}
