package sqlsanitize

import (
	"testing"

	"pgregory.net/rapid"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "alias percent and quoted table",
			in:   `SELECT fp%.CREATED_EPOCH FROM "FACT_PAYMENT" fp%`,
			want: `SELECT fp.CREATED_EPOCH FROM FACT_PAYMENT fp`,
		},
		{
			name: "percent before comma and paren",
			in:   "SELECT COUNT(o%.id) FROM orders o%, users u% WHERE (u%.id = o%.user_id)",
			want: "SELECT COUNT(o.id) FROM orders o, users u WHERE (u.id = o.user_id)",
		},
		{
			name: "whitespace collapsed",
			in:   "  SELECT a,\n\t  b\r\nFROM   t ;  ",
			want: "SELECT a, b FROM t ;",
		},
		{
			name: "identifier needing quotes stays quoted",
			in:   `SELECT "order id", "select" FROM "my-table"`,
			want: `SELECT "order id", select FROM "my-table"`,
		},
		{
			name: "adjacent quoted identifiers",
			in:   `SELECT "s"."t"."c" FROM "s"."t"`,
			want: `SELECT s.t.c FROM s.t`,
		},
		{
			name: "string literals untouched",
			in:   `SELECT * FROM t% WHERE name LIKE 'ab% "X"  %' AND code = 'it''s  x%'`,
			want: `SELECT * FROM t WHERE name LIKE 'ab% "X"  %' AND code = 'it''s  x%'`,
		},
		{
			name: "whitespace inside literals is data",
			in:   "SELECT id\n\nFROM notes WHERE body = 'a\n\n  b'\nORDER BY id",
			want: "SELECT id FROM notes WHERE body = 'a\n\n  b' ORDER BY id",
		},
		{
			name: "long words keep percent",
			in:   "SELECT amount%2 FROM payments%",
			want: "SELECT amount%2 FROM payments%",
		},
		{
			name: "modulo operator untouched",
			in:   "SELECT a % b FROM t",
			want: "SELECT a % b FROM t",
		},
		{
			name: "empty",
			in:   "   ",
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.in); got != tt.want {
				t.Fatalf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSplitLiteralsHandlesUnterminatedLiteral(t *testing.T) {
	segments := splitLiterals("SELECT 'abc")
	if len(segments) != 2 {
		t.Fatalf("splitLiterals() = %+v", segments)
	}
	if segments[0].literal || segments[0].text != "SELECT " {
		t.Fatalf("first segment = %+v", segments[0])
	}
	if !segments[1].literal || segments[1].text != "'abc" {
		t.Fatalf("second segment = %+v", segments[1])
	}
}

func TestSanitizeIsIdempotentProperty(t *testing.T) {
	token := rapid.SampledFrom([]string{
		"SELECT", "FROM", "fp", "o", "abcde", "_x", "%", "%.", ".", ",", "(", ")", ";",
		`"`, `"ID"`, `"a b"`, "'", "''", " ", "  ", "\n", "\t", "COL_1", "2",
	})
	rapid.Check(t, func(t *rapid.T) {
		parts := rapid.SliceOfN(token, 0, 40).Draw(t, "tokens")
		in := ""
		for _, p := range parts {
			in += p
		}
		once := Sanitize(in)
		twice := Sanitize(once)
		if once != twice {
			t.Fatalf("Sanitize not idempotent for %q: %q then %q", in, once, twice)
		}
	})
}
