package compiler

import (
	"fmt"
	"sort"
	"strings"
)

// ---------------------------------------------------------------------------
// Diagnostics
// ---------------------------------------------------------------------------

// DiagnosticKind classifies which pass produced a diagnostic.
type DiagnosticKind int

const (
	LexicalError DiagnosticKind = iota
	SyntaxError
	SemanticError
	BorrowError
	SplitError
	CodegenError
)

var diagnosticKindNames = map[DiagnosticKind]string{
	LexicalError:  "lexical error",
	SyntaxError:   "syntax error",
	SemanticError: "semantic error",
	BorrowError:   "borrow error",
	SplitError:    "split error",
	CodegenError:  "codegen error",
}

func (k DiagnosticKind) String() string {
	if name, ok := diagnosticKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("DiagnosticKind(%d)", k)
}

// Severity of a diagnostic. Only SeverityError blocks code generation.
type Severity int

const (
	SeverityError Severity = iota
	SeverityWarning
	SeverityInfo
)

func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	default:
		return "info"
	}
}

// FixIt is a mechanical correction: replace the text between Start and End
// (an empty range means insertion) with Replacement.
type FixIt struct {
	Start       Position
	End         Position
	Replacement string
	Message     string
}

// Diagnostic is a single compiler message.
type Diagnostic struct {
	Kind       DiagnosticKind
	Severity   Severity
	Code       string
	Message    string
	Pos        Position
	End        Position
	FixIt      *FixIt
	Suggestion string // did-you-mean candidate, empty when none
	Notes      []string
}

// Error codes shared by the passes.
const (
	CodeTypeMismatch     = "E001"
	CodeUndefinedName    = "E002"
	CodeUndefinedFunc    = "E003"
	CodeSyntax           = "E004"
	CodeBorrow           = "E005"
	CodeMarkup           = "E006"
	CodeArity            = "E007"
	CodeImmutable        = "E008"
	CodeUnknownField     = "E017"
	CodeNonExhaustive    = "E018"
	CodeDuplicate        = "E019"
	CodeSplit            = "E020"
	CodeUnsupported      = "E030"
	CodeLexical          = "E040"
	CodeMissingSemicolon = "E041"
)

func (d *Diagnostic) Error() string {
	return fmt.Sprintf("%d:%d: %s: %s", d.Pos.Line, d.Pos.Column, d.Severity, d.Message)
}

// String renders the diagnostic on one line.
func (d *Diagnostic) String() string {
	s := d.Error()
	if d.Suggestion != "" {
		s += fmt.Sprintf(" (did you mean '%s'?)", d.Suggestion)
	}
	return s
}

// Format renders the diagnostic in long form with a source snippet:
//
//	error: undefined variable 'cout'
//	  --> main.ql:3:5
//	   |
//	 3 |     cout + 1
//	   |     ^^^^
//	  help: did you mean 'count'?
func (d *Diagnostic) Format(filename, source string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s\n", d.Severity, d.Message)
	if d.Pos.Line > 0 {
		fmt.Fprintf(&sb, "  --> %s:%d:%d\n", filename, d.Pos.Line, d.Pos.Column)
		sb.WriteString(d.snippet(source))
	}
	if d.Code != "" {
		fmt.Fprintf(&sb, "  [%s]\n", d.Code)
	}
	if d.Suggestion != "" {
		fmt.Fprintf(&sb, "  help: did you mean '%s'?\n", d.Suggestion)
	}
	if d.FixIt != nil && d.FixIt.Message != "" {
		fmt.Fprintf(&sb, "  help: %s\n", d.FixIt.Message)
	}
	for _, note := range d.Notes {
		fmt.Fprintf(&sb, "  note: %s\n", note)
	}
	return sb.String()
}

func (d *Diagnostic) snippet(source string) string {
	lines := strings.Split(source, "\n")
	if d.Pos.Line < 1 || d.Pos.Line > len(lines) {
		return ""
	}
	text := strings.TrimRight(lines[d.Pos.Line-1], "\r")
	gutter := len(fmt.Sprint(d.Pos.Line))
	width := 1
	if d.End.Line == d.Pos.Line && d.End.Column > d.Pos.Column {
		width = d.End.Column - d.Pos.Column
	}
	pad := strings.Repeat(" ", gutter)
	var sb strings.Builder
	fmt.Fprintf(&sb, " %s |\n", pad)
	fmt.Fprintf(&sb, " %d | %s\n", d.Pos.Line, text)
	fmt.Fprintf(&sb, " %s | %s%s\n", pad, strings.Repeat(" ", max(d.Pos.Column-1, 0)), strings.Repeat("^", width))
	return sb.String()
}

// HasErrors reports whether any diagnostic has error severity.
func HasErrors(diags []*Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// CountKind returns the number of diagnostics of the given kind.
func CountKind(diags []*Diagnostic, kind DiagnosticKind) int {
	n := 0
	for _, d := range diags {
		if d.Kind == kind {
			n++
		}
	}
	return n
}

// SortDiagnostics orders diagnostics by source position. Diagnostics at the
// same position keep their relative order.
func SortDiagnostics(diags []*Diagnostic) {
	sort.SliceStable(diags, func(i, j int) bool {
		return diags[i].Pos.Before(diags[j].Pos)
	})
}

// diagnosticList accumulates diagnostics for one pass.
type diagnosticList struct {
	items []*Diagnostic
}

func (l *diagnosticList) add(kind DiagnosticKind, code string, span Span, format string, args ...interface{}) *Diagnostic {
	d := &Diagnostic{
		Kind:     kind,
		Severity: SeverityError,
		Code:     code,
		Message:  fmt.Sprintf(format, args...),
		Pos:      span.Start,
		End:      span.End,
	}
	l.items = append(l.items, d)
	return d
}

func (l *diagnosticList) warn(kind DiagnosticKind, code string, span Span, format string, args ...interface{}) *Diagnostic {
	d := l.add(kind, code, span, format, args...)
	d.Severity = SeverityWarning
	return d
}

// ---------------------------------------------------------------------------
// Did-you-mean
// ---------------------------------------------------------------------------

// FindSimilar returns the candidate closest to name by edit distance, or ""
// when no candidate is within two edits.
func FindSimilar(name string, candidates []string) string {
	best := ""
	bestDist := 3
	for _, c := range candidates {
		if c == name {
			continue
		}
		if d := Levenshtein(name, c); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

// Levenshtein returns the edit distance between a and b, counted in runes.
func Levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}
