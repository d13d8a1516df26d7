package compiler

import (
	"strings"
	"testing"
)

// borrowCheck parses, analyzes and borrow-checks source. Semantic errors
// fail the test.
func borrowCheck(t *testing.T, source string) []*Diagnostic {
	t.Helper()
	file := parseOK(t, source)
	a := Analyze(file)
	if HasErrors(a.Diagnostics) {
		t.Fatalf("semantic errors: %v", a.Diagnostics)
	}
	return CheckBorrows(file, a)
}

const borrowPrelude = `
struct P { x: i64 }
fn take(p: P) {}
fn takeAll(v: [i64]) {}
`

func TestBorrowAccepts(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"copy values", `let n = 1; let m = n; let k = n + m; let s = "a"; let t = s; println(s, t, k);`},
		{"single move", `let a = P { x: 1 }; take(a);`},
		{"borrow does not move", `let a = P { x: 1 }; let r = &a; take(a);`},
		{"builtins do not move", `let a = P { x: 1 }; println(a); take(a);`},
		{"field read does not move", `let a = P { x: 1 }; let n = a.x; take(a);`},
		{"reassignment restores", `let mut a = P { x: 1 }; take(a); a = P { x: 2 }; take(a);`},
		{"move on each branch", `let a = P { x: 1 }; if true { take(a); } else { take(a); }`},
		{"ternary branches", `let a = P { x: 1 }; let b = true ? a : P { x: 2 };`},
		{"move in match arms", `let a = P { x: 1 }; match 1 { 0 => take(a), _ => take(a) }`},
		{"loop-local value", `while true { let a = P { x: 1 }; take(a); }`},
		{"closure-local value", `let g = || { let a = P { x: 1 }; take(a) };`},
		{"closure reads capture", `let a = P { x: 1 }; let g = || a.x;`},
		{"moved into struct", `let v = [1, 2]; let w = [v];`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			diags := borrowCheck(t, borrowPrelude+"fn f() { "+tc.body+" }")
			if len(diags) != 0 {
				t.Errorf("unexpected diagnostics: %v", diags)
			}
		})
	}
}

func TestBorrowRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		msg  string
	}{
		{"use after move", `let a = P { x: 1 }; take(a); take(a);`, "use of moved value 'a'"},
		{"read after move", `let a = P { x: 1 }; take(a); let n = a.x;`, "use of moved value 'a'"},
		{"move via let", `let a = P { x: 1 }; let b = a; take(a);`, "use of moved value 'a'"},
		{"move on one branch", `let a = P { x: 1 }; if true { take(a); } take(a);`, "use of moved value 'a'"},
		{"move in one arm", `let a = P { x: 1 }; match 1 { 0 => take(a), _ => () } take(a);`, "use of moved value 'a'"},
		{"move in while", `let v = [1]; while true { takeAll(v); }`, "value 'v' moved inside a loop"},
		{"move in for", `let a = P { x: 1 }; for i in 0..3 { take(a); }`, "value 'a' moved inside a loop"},
		{"move out of closure", `let a = P { x: 1 }; let g = || take(a);`, "cannot move captured value 'a' out of a closure"},
		{"moved into array", `let v = [1]; let w = [v]; takeAll(v);`, "use of moved value 'v'"},
		{"moved out of if branch", `let a = P { x: 1 }; let b = if true { a } else { P { x: 2 } }; take(a);`, "use of moved value 'a'"},
		{"moved out of block", `let a = P { x: 1 }; let b = { a }; take(a);`, "use of moved value 'a'"},
		{"moved out of match arm", `let a = P { x: 1 }; let b = match 1 { 0 => a, _ => P { x: 2 } }; take(a);`, "use of moved value 'a'"},
		{"moved into struct field", `let a = P { x: 1 }; let b = P { x: a.x }; let c = [a]; take(a);`, "use of moved value 'a'"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			diags := borrowCheck(t, borrowPrelude+"fn f() { "+tc.body+" }")
			if len(diags) == 0 {
				t.Fatal("no diagnostics")
			}
			d := diags[0]
			if d.Kind != BorrowError || d.Code != CodeBorrow {
				t.Errorf("kind/code = %v/%s, want borrow error/%s", d.Kind, d.Code, CodeBorrow)
			}
			if d.Message != tc.msg {
				t.Errorf("message = %q, want %q", d.Message, tc.msg)
			}
		})
	}
}

func TestBorrowNotes(t *testing.T) {
	src := borrowPrelude + "fn f() {\n\tlet a = P { x: 1 };\n\ttake(a);\n\ttake(a);\n}"
	diags := borrowCheck(t, src)
	if len(diags) != 1 {
		t.Fatalf("got %d diagnostics, want 1: %v", len(diags), diags)
	}
	d := diags[0]
	if d.Pos.Line != 8 {
		t.Errorf("reported at line %d, want 8", d.Pos.Line)
	}
	notes := strings.Join(d.Notes, "\n")
	if !strings.Contains(notes, "value moved at line 7, column 7") {
		t.Errorf("notes = %q, want move location", notes)
	}
	if !strings.Contains(notes, "'a' has type P, which is not copied") {
		t.Errorf("notes = %q, want type explanation", notes)
	}
}

func TestBorrowReportsOnce(t *testing.T) {
	diags := borrowCheck(t, borrowPrelude+`fn f() { let a = P { x: 1 }; take(a); take(a); take(a); let n = a.x; }`)
	if len(diags) != 1 {
		t.Errorf("got %d diagnostics, want 1: %v", len(diags), diags)
	}
}

func TestBorrowParamsAndGlobals(t *testing.T) {
	diags := borrowCheck(t, borrowPrelude+`fn f(p: P) { take(p); take(p); }`)
	if len(diags) != 1 || diags[0].Message != "use of moved value 'p'" {
		t.Errorf("param: got %v", diags)
	}

	// Globals are not tracked.
	diags = borrowCheck(t, borrowPrelude+`let G = [1, 2]; fn f() { takeAll(G); takeAll(G); }`)
	if len(diags) != 0 {
		t.Errorf("global: unexpected %v", diags)
	}
}

func TestBorrowShadowing(t *testing.T) {
	// A new binding with the same name in an inner block is a different value.
	diags := borrowCheck(t, borrowPrelude+`fn f() { let a = P { x: 1 }; { let a = P { x: 2 }; take(a); } take(a); }`)
	if len(diags) != 0 {
		t.Errorf("unexpected diagnostics: %v", diags)
	}
}

func TestBorrowWithoutAnalysisIsLenient(t *testing.T) {
	file := parseOK(t, borrowPrelude+`fn f() { let a = P { x: 1 }; take(a); take(a); }`)
	if diags := NewBorrowChecker(nil).Check(file); len(diags) != 0 {
		t.Errorf("without types every value is copy; got %v", diags)
	}
}
