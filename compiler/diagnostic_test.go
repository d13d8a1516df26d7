package compiler

import (
	"strings"
	"testing"
)

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "ab", 2},
		{"kitten", "sitting", 3},
		{"count", "cout", 1},
		{"flaw", "lawn", 2},
		{"日本", "日本語", 1},
	}
	for _, tc := range tests {
		if got := Levenshtein(tc.a, tc.b); got != tc.want {
			t.Errorf("Levenshtein(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestFindSimilar(t *testing.T) {
	candidates := []string{"count", "counter", "total", "println"}
	tests := []struct {
		name string
		want string
	}{
		{"cout", "count"},
		{"countes", "counter"},
		{"totl", "total"},
		{"printn", "println"},
		{"xyz", ""},
	}
	for _, tc := range tests {
		if got := FindSimilar(tc.name, candidates); got != tc.want {
			t.Errorf("FindSimilar(%q) = %q, want %q", tc.name, got, tc.want)
		}
	}
	if got := FindSimilar("count", []string{"count"}); got != "" {
		t.Errorf("exact match suggested %q", got)
	}
}

func TestDiagnosticString(t *testing.T) {
	d := &Diagnostic{
		Kind:       SemanticError,
		Severity:   SeverityError,
		Code:       CodeUndefinedName,
		Message:    "undefined variable 'cout'",
		Pos:        Position{Line: 3, Column: 5},
		Suggestion: "count",
	}
	if got, want := d.Error(), "3:5: error: undefined variable 'cout'"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if got := d.String(); !strings.HasSuffix(got, "(did you mean 'count'?)") {
		t.Errorf("String() = %q", got)
	}
	if SemanticError.String() != "semantic error" || DiagnosticKind(99).String() != "DiagnosticKind(99)" {
		t.Error("DiagnosticKind names")
	}
	if SeverityWarning.String() != "warning" || SeverityInfo.String() != "info" {
		t.Error("Severity names")
	}
}

func TestDiagnosticFormat(t *testing.T) {
	source := "fn main() {\n    let x = 1;\n    cout + 1\n}"
	d := &Diagnostic{
		Severity:   SeverityError,
		Code:       CodeUndefinedName,
		Message:    "undefined variable 'cout'",
		Pos:        Position{Line: 3, Column: 5},
		End:        Position{Line: 3, Column: 9},
		Suggestion: "count",
		Notes:      []string{"declared names are visible after their binding"},
	}
	want := strings.Join([]string{
		"error: undefined variable 'cout'",
		"  --> main.ql:3:5",
		"   |",
		" 3 |     cout + 1",
		"   |     ^^^^",
		"  [E002]",
		"  help: did you mean 'count'?",
		"  note: declared names are visible after their binding",
		"",
	}, "\n")
	if got := d.Format("main.ql", source); got != want {
		t.Errorf("Format() =\n%s\nwant\n%s", got, want)
	}

	// A position outside the source renders without a snippet.
	d = &Diagnostic{Severity: SeverityWarning, Message: "m", Pos: Position{Line: 40, Column: 1}}
	if got := d.Format("main.ql", source); strings.Contains(got, "|") {
		t.Errorf("Format() with bad line rendered a snippet:\n%s", got)
	}
}

func TestDiagnosticHelpers(t *testing.T) {
	var l diagnosticList
	l.add(SyntaxError, CodeSyntax, Span{Start: Position{Line: 2, Column: 1}}, "second %d", 2)
	l.warn(CodegenError, CodeUnsupported, Span{Start: Position{Line: 1, Column: 4}}, "first")
	l.add(SyntaxError, CodeSyntax, Span{Start: Position{Line: 1, Column: 4}}, "first again")

	diags := l.items
	if !HasErrors(diags) {
		t.Error("HasErrors = false")
	}
	if HasErrors(diags[1:2]) {
		t.Error("a warning counts as an error")
	}
	if n := CountKind(diags, SyntaxError); n != 2 {
		t.Errorf("CountKind(syntax) = %d, want 2", n)
	}

	SortDiagnostics(diags)
	got := []string{diags[0].Message, diags[1].Message, diags[2].Message}
	want := []string{"first", "first again", "second 2"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sorted = %v, want %v", got, want)
			break
		}
	}
}
