package compiler

import (
	"strconv"
	"strings"
	"testing"
)

// parseOK parses source and fails the test on any diagnostic.
func parseOK(t *testing.T, source string) *File {
	t.Helper()
	file, diags := Parse("test.ql", source)
	if len(diags) > 0 {
		t.Fatalf("parse errors for %q: %v", source, diags)
	}
	return file
}

// parseExpr parses a single expression.
func parseExpr(t *testing.T, source string) Expr {
	t.Helper()
	p := NewParser(source)
	e := p.ParseExpression()
	if len(p.Errors()) > 0 {
		t.Fatalf("parse errors for %q: %v", source, p.Errors())
	}
	if e == nil {
		t.Fatalf("nil expression for %q", source)
	}
	return e
}

func TestParserLiterals(t *testing.T) {
	tests := []struct {
		input string
		check func(Expr) bool
		desc  string
	}{
		{"42", func(e Expr) bool { return e.(*IntLiteral).Value == 42 }, "integer"},
		{"3.14", func(e Expr) bool { return e.(*FloatLiteral).Value == 3.14 }, "float"},
		{`"hello"`, func(e Expr) bool { return e.(*StringLiteral).Value == "hello" }, "string"},
		{"true", func(e Expr) bool { return e.(*BoolLiteral).Value }, "true"},
		{"false", func(e Expr) bool { return !e.(*BoolLiteral).Value }, "false"},
		{"count", func(e Expr) bool { return e.(*Identifier).Name == "count" }, "identifier"},
		{"Color::Red", func(e Expr) bool {
			p := e.(*PathExpr)
			return p.Type == "Color" && p.Member == "Red"
		}, "path"},
		{"()", func(e Expr) bool { b := e.(*BlockExpr); return len(b.Stmts) == 0 && b.Tail == nil }, "unit"},
		{"[1, 2, 3]", func(e Expr) bool { return len(e.(*ArrayLiteral).Elements) == 3 }, "array"},
	}

	for _, tc := range tests {
		e := parseExpr(t, tc.input)
		if !tc.check(e) {
			t.Errorf("%s: unexpected result %#v", tc.desc, e)
		}
	}
}

func TestParserPrecedence(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"1 + 2 * 3", "(1 + (2 * 3))"},
		{"(1 + 2) * 3", "((1 + 2) * 3)"},
		{"a - b - c", "((a - b) - c)"},
		{"a < b == c < d", "((a < b) == (c < d))"},
		{"a && b || c", "((a && b) || c)"},
		{"a || b && c", "(a || (b && c))"},
		{"-a * b", "((-a) * b)"},
		{"!a && b", "((!a) && b)"},
		{"0..n + 1", "(0 .. (n + 1))"},
		{"a % b + c", "((a % b) + c)"},
		{"f(x).y", "f(x).y"},
		{"a[i] + 1", "(a[i] + 1)"},
		{"c ? a : b", "(c ? a : b)"},
		{"c ? a : d ? x : y", "(c ? a : (d ? x : y))"},
		{"a == b ? 1 : 2", "((a == b) ? 1 : 2)"},
	}

	for _, tc := range tests {
		got := exprString(parseExpr(t, tc.input))
		if got != tc.want {
			t.Errorf("Parse(%q) = %s, want %s", tc.input, got, tc.want)
		}
	}
}

// exprString renders an expression fully parenthesized.
func exprString(e Expr) string {
	switch n := e.(type) {
	case *IntLiteral:
		return strconv.FormatInt(n.Value, 10)
	case *BoolLiteral:
		return strconv.FormatBool(n.Value)
	case *Identifier:
		return n.Name
	case *BinaryExpr:
		return "(" + exprString(n.Left) + " " + n.Op.String() + " " + exprString(n.Right) + ")"
	case *UnaryExpr:
		return "(" + n.Op.String() + exprString(n.Operand) + ")"
	case *CallExpr:
		args := make([]string, len(n.Args))
		for i, a := range n.Args {
			args[i] = exprString(a.Value)
		}
		return exprString(n.Callee) + "(" + strings.Join(args, ", ") + ")"
	case *FieldExpr:
		return exprString(n.Receiver) + "." + n.Field
	case *IndexExpr:
		return exprString(n.Receiver) + "[" + exprString(n.Index) + "]"
	case *TernaryExpr:
		return "(" + exprString(n.Cond) + " ? " + exprString(n.Then) + " : " + exprString(n.Else) + ")"
	case *TryExpr:
		return exprString(n.Operand) + "?"
	}
	return "?"
}

func TestParserTryOperator(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"load()?", "load()?"},
		{"f(x?)", "f(x?)"},
		{"a? + 1", "(a? + 1)"},
	}
	for _, tc := range tests {
		if got := exprString(parseExpr(t, tc.input)); got != tc.want {
			t.Errorf("Parse(%q) = %s, want %s", tc.input, got, tc.want)
		}
	}
}

func TestParserCallArguments(t *testing.T) {
	call := parseExpr(t, "greet(name: who, 3)").(*CallExpr)
	if len(call.Args) != 2 {
		t.Fatalf("got %d args, want 2", len(call.Args))
	}
	if call.Args[0].Name != "name" || call.Args[0].Value.(*Identifier).Name != "who" {
		t.Errorf("arg 0 = %+v, want name: who", call.Args[0])
	}
	if call.Args[1].Name != "" {
		t.Errorf("arg 1 named %q, want positional", call.Args[1].Name)
	}
}

func TestParserLambda(t *testing.T) {
	lam := parseExpr(t, "|x, y: i64| x + y").(*LambdaExpr)
	if len(lam.Params) != 2 {
		t.Fatalf("got %d params, want 2", len(lam.Params))
	}
	if lam.Params[1].Type == nil || lam.Params[1].Type.Name != "i64" {
		t.Errorf("param y type = %v, want i64", lam.Params[1].Type)
	}
	if _, ok := lam.Body.(*BinaryExpr); !ok {
		t.Errorf("body = %T, want *BinaryExpr", lam.Body)
	}

	empty := parseExpr(t, "|| 1").(*LambdaExpr)
	if len(empty.Params) != 0 {
		t.Errorf("|| lambda has %d params", len(empty.Params))
	}
}

func TestParserStructLiteral(t *testing.T) {
	lit := parseExpr(t, "Point { x: 1, y }").(*StructLiteral)
	if lit.Name != "Point" || len(lit.Fields) != 2 {
		t.Fatalf("got %+v", lit)
	}
	if id, ok := lit.Fields[1].Value.(*Identifier); !ok || id.Name != "y" {
		t.Errorf("shorthand field = %#v, want identifier y", lit.Fields[1].Value)
	}
}

func TestParserStructLiteralNotInCondition(t *testing.T) {
	file := parseOK(t, "fn f(Ready: bool) { if Ready { 1 } else { 2 } }")
	fn := file.Items[0].(*FnDecl)
	ifx, ok := fn.Body.Tail.(*IfExpr)
	if !ok {
		t.Fatalf("tail = %T, want *IfExpr", fn.Body.Tail)
	}
	if _, ok := ifx.Cond.(*Identifier); !ok {
		t.Errorf("condition = %T, want *Identifier", ifx.Cond)
	}
}

// ---------------------------------------------------------------------------
// Items and statements
// ---------------------------------------------------------------------------

func TestParserItems(t *testing.T) {
	src := `
struct Point { x: i64, y: i64 }
enum Shape { Circle(f64), Square(f64), Empty }
const LIMIT: i64 = 10;
let greeting = "hi";
fn add(a: i64, b: i64) -> i64 { a + b }
@server fn load() -> Vec<string> { [] }
client fn click() { }
component Counter(start: i64) { <p>{start}</p> }
`
	file := parseOK(t, src)
	if len(file.Items) != 8 {
		t.Fatalf("got %d items, want 8", len(file.Items))
	}

	st := file.Items[0].(*StructDecl)
	if st.Name != "Point" || len(st.Fields) != 2 || st.Fields[1].Type.Name != "i64" {
		t.Errorf("struct = %+v", st)
	}

	en := file.Items[1].(*EnumDecl)
	if len(en.Variants) != 3 || len(en.Variants[0].Fields) != 1 || len(en.Variants[2].Fields) != 0 {
		t.Errorf("enum = %+v", en)
	}

	c := file.Items[2].(*GlobalDecl)
	if !c.IsConst || c.Name != "LIMIT" || c.Type.Name != "i64" {
		t.Errorf("const = %+v", c)
	}
	if g := file.Items[3].(*GlobalDecl); g.IsConst {
		t.Errorf("let global marked const")
	}

	add := file.Items[4].(*FnDecl)
	if add.Annotation != AnnotNone || len(add.Params) != 2 || add.Result.Name != "i64" {
		t.Errorf("fn add = %+v", add)
	}

	load := file.Items[5].(*FnDecl)
	if load.Annotation != AnnotServer {
		t.Errorf("load annotation = %v, want server", load.Annotation)
	}
	if load.Result.Name != "Vec" || len(load.Result.Args) != 1 || load.Result.Args[0].Name != "string" {
		t.Errorf("load result = %s, want Vec<string>", load.Result)
	}

	if click := file.Items[6].(*FnDecl); click.Annotation != AnnotClient {
		t.Errorf("click annotation = %v, want client", click.Annotation)
	}

	comp := file.Items[7].(*FnDecl)
	if !comp.IsComponent || comp.Annotation != AnnotClient {
		t.Errorf("component = %+v", comp)
	}
	if _, ok := comp.Body.Tail.(*Element); !ok {
		t.Errorf("component body tail = %T, want *Element", comp.Body.Tail)
	}
}

func TestParserTypes(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"i64", "i64"},
		{"[string]", "[string]"},
		{"()", "()"},
		{"fn(i64, bool) -> f64", "fn(i64, bool) -> f64"},
		{"Map<string, [i64]>", "Map<string, [i64]>"},
	}
	for _, tc := range tests {
		file := parseOK(t, "fn f(x: "+tc.input+") {}")
		got := file.Items[0].(*FnDecl).Params[0].Type.String()
		if got != tc.want {
			t.Errorf("type %q parsed as %q", tc.input, got)
		}
	}
}

func TestParserStatements(t *testing.T) {
	src := `fn main() {
	let x = 1;
	let mut y: i64 = 2;
	const Z = 3;
	y = x + Z;
	while y > 0 { y = y - 1; }
	for i in 0..10 { println(i); }
	if x == 1 { println(x); }
	return y;
}`
	file := parseOK(t, src)
	body := file.Items[0].(*FnDecl).Body
	if len(body.Stmts) != 8 {
		t.Fatalf("got %d statements, want 8", len(body.Stmts))
	}

	if let := body.Stmts[0].(*LetStmt); let.Mutable || let.Name != "x" {
		t.Errorf("stmt 0 = %+v", let)
	}
	let := body.Stmts[1].(*LetStmt)
	if !let.Mutable || let.Type.Name != "i64" {
		t.Errorf("stmt 1 = %+v", let)
	}
	if let.NamePos.Column != 10 {
		t.Errorf("NamePos column = %d, want 10", let.NamePos.Column)
	}
	if c := body.Stmts[2].(*LetStmt); !c.IsConst {
		t.Errorf("stmt 2 not const")
	}
	if _, ok := body.Stmts[3].(*AssignStmt); !ok {
		t.Errorf("stmt 3 = %T, want *AssignStmt", body.Stmts[3])
	}
	if _, ok := body.Stmts[4].(*WhileStmt); !ok {
		t.Errorf("stmt 4 = %T, want *WhileStmt", body.Stmts[4])
	}
	loop := body.Stmts[5].(*ForStmt)
	if loop.Var != "i" {
		t.Errorf("for var = %q", loop.Var)
	}
	if r, ok := loop.Iter.(*BinaryExpr); !ok || r.Op != TokenDotDot {
		t.Errorf("for iter = %#v, want range", loop.Iter)
	}
	if es, ok := body.Stmts[6].(*ExprStmt); !ok {
		t.Errorf("stmt 6 = %T, want *ExprStmt", body.Stmts[6])
	} else if _, ok := es.Expr.(*IfExpr); !ok {
		t.Errorf("stmt 6 expr = %T, want *IfExpr", es.Expr)
	}
	if _, ok := body.Stmts[7].(*ReturnStmt); !ok {
		t.Errorf("stmt 7 = %T, want *ReturnStmt", body.Stmts[7])
	}
}

func TestParserBlockTail(t *testing.T) {
	file := parseOK(t, "fn f() -> i64 { let a = 1; a + 1 }")
	body := file.Items[0].(*FnDecl).Body
	if len(body.Stmts) != 1 || body.Tail == nil {
		t.Fatalf("stmts = %d tail = %v", len(body.Stmts), body.Tail)
	}

	file = parseOK(t, "fn g() { f(); }")
	if file.Items[0].(*FnDecl).Body.Tail != nil {
		t.Error("block ending in ';' has a tail")
	}
}

func TestParserIfElseChain(t *testing.T) {
	e := parseExpr(t, "if a { 1 } else if b { 2 } else { 3 }").(*IfExpr)
	inner, ok := e.Else.(*IfExpr)
	if !ok {
		t.Fatalf("else = %T, want *IfExpr", e.Else)
	}
	if _, ok := inner.Else.(*BlockExpr); !ok {
		t.Errorf("final else = %T, want *BlockExpr", inner.Else)
	}
}

func TestParserMatchPatterns(t *testing.T) {
	e := parseExpr(t, `match s {
		0 => "zero",
		-1 => "minus one",
		Shape::Circle(r) => "circle",
		Square(side) => "square",
		Empty => "empty",
		other => "binding",
		_ => "rest",
	}`).(*MatchExpr)

	want := []struct {
		kind    PatternKind
		enum    string
		variant string
		name    string
		binds   int
	}{
		{PatLiteral, "", "", "", 0},
		{PatLiteral, "", "", "", 0},
		{PatVariant, "Shape", "Circle", "", 1},
		{PatVariant, "", "Square", "", 1},
		{PatVariant, "", "Empty", "", 0},
		{PatBinding, "", "", "other", 0},
		{PatWildcard, "", "", "", 0},
	}
	if len(e.Arms) != len(want) {
		t.Fatalf("got %d arms, want %d", len(e.Arms), len(want))
	}
	for i, w := range want {
		p := e.Arms[i].Pattern
		if p.Kind != w.kind || p.Enum != w.enum || p.Variant != w.variant || p.Name != w.name || len(p.Bindings) != w.binds {
			t.Errorf("arm %d pattern = %+v, want %+v", i, p, w)
		}
	}
}

// ---------------------------------------------------------------------------
// Markup
// ---------------------------------------------------------------------------

func TestParserElement(t *testing.T) {
	el := parseExpr(t, `<div class="box" id={name} hidden>Hello, {name}!<br/><span>inner</span></div>`).(*Element)
	if el.Tag != "div" || el.SelfClosing {
		t.Fatalf("element = %+v", el)
	}
	if len(el.Attrs) != 3 {
		t.Fatalf("got %d attrs, want 3", len(el.Attrs))
	}
	if s, ok := el.Attrs[0].Value.(*StringLiteral); !ok || s.Value != "box" {
		t.Errorf("class = %#v", el.Attrs[0].Value)
	}
	if _, ok := el.Attrs[1].Value.(*Identifier); !ok {
		t.Errorf("id = %#v, want interpolated identifier", el.Attrs[1].Value)
	}
	if el.Attrs[2].Value != nil {
		t.Errorf("bare attribute has value %#v", el.Attrs[2].Value)
	}

	kinds := []string{"text", "expr", "text", "element", "element"}
	if len(el.Children) != len(kinds) {
		t.Fatalf("got %d children, want %d: %#v", len(el.Children), len(kinds), el.Children)
	}
	for i, k := range kinds {
		var got string
		switch c := el.Children[i].(type) {
		case *TextNode:
			got = "text"
		case *ExprChild:
			got = "expr"
		case *Element:
			got = "element"
			if i == 3 && (!c.SelfClosing || c.Tag != "br") {
				t.Errorf("child 3 = %+v, want <br/>", c)
			}
		}
		if got != k {
			t.Errorf("child %d = %s, want %s", i, got, k)
		}
	}
	if txt := el.Children[0].(*TextNode).Text; txt != "Hello," {
		t.Errorf("text = %q, want %q", txt, "Hello,")
	}
}

func TestParserElementThenCode(t *testing.T) {
	// Tokens after the closing '>' are read in code mode again.
	file := parseOK(t, `fn f() { let e = <p>hi</p>; let n = 1 < 2; }`)
	body := file.Items[0].(*FnDecl).Body
	if len(body.Stmts) != 2 {
		t.Fatalf("got %d statements, want 2", len(body.Stmts))
	}
	if _, ok := body.Stmts[1].(*LetStmt).Value.(*BinaryExpr); !ok {
		t.Errorf("second let = %T, want comparison", body.Stmts[1].(*LetStmt).Value)
	}
}

func TestParserElementInterpolationWithMarkup(t *testing.T) {
	el := parseExpr(t, `<ul>{ ok ? <li>yes</li> : <li>no</li> }</ul>`).(*Element)
	if len(el.Children) != 1 {
		t.Fatalf("got %d children, want 1", len(el.Children))
	}
	tern, ok := el.Children[0].(*ExprChild).Expr.(*TernaryExpr)
	if !ok {
		t.Fatalf("child = %T, want ternary", el.Children[0].(*ExprChild).Expr)
	}
	if _, ok := tern.Then.(*Element); !ok {
		t.Errorf("then = %T, want *Element", tern.Then)
	}
}

// ---------------------------------------------------------------------------
// Errors and recovery
// ---------------------------------------------------------------------------

func TestParserMismatchedClosingTag(t *testing.T) {
	_, diags := Parse("test.ql", "fn f() { <div>text</span> }")
	if len(diags) == 0 {
		t.Fatal("expected an error")
	}
	d := diags[0]
	if d.Code != CodeMarkup {
		t.Errorf("code = %s, want %s", d.Code, CodeMarkup)
	}
	if d.Message != "mismatched closing tag: expected div, found span" {
		t.Errorf("message = %q", d.Message)
	}
}

func TestParserUnclosedElement(t *testing.T) {
	_, diags := Parse("test.ql", "fn f() { <div>text")
	found := false
	for _, d := range diags {
		if d.Code == CodeMarkup && strings.Contains(d.Message, "unclosed element <div>") {
			found = true
		}
	}
	if !found {
		t.Errorf("no unclosed-element error in %v", diags)
	}
}

func TestParserMissingSemicolonFixIt(t *testing.T) {
	_, diags := Parse("test.ql", "fn f() {\n\tlet x = 1\n\tx\n}")
	if len(diags) == 0 {
		t.Fatal("expected an error")
	}
	d := diags[0]
	if d.Code != CodeMissingSemicolon {
		t.Fatalf("code = %s, want %s (%v)", d.Code, CodeMissingSemicolon, diags)
	}
	if d.FixIt == nil || d.FixIt.Replacement != ";" {
		t.Fatalf("fix-it = %+v, want insertion of ';'", d.FixIt)
	}
	if d.FixIt.Start.Line != 2 || d.FixIt.Start.Column != 11 {
		t.Errorf("fix-it at %d:%d, want 2:11", d.FixIt.Start.Line, d.FixIt.Start.Column)
	}
}

func TestParserKeywordNotIdentifier(t *testing.T) {
	tests := []string{
		"fn f() { let match = 1; }",
		"fn while() {}",
		"fn f(return: i64) {}",
	}
	for _, src := range tests {
		_, diags := Parse("test.ql", src)
		if !HasErrors(diags) {
			t.Errorf("Parse(%q): no error", src)
			continue
		}
		if !strings.Contains(diags[0].Message, "keyword") {
			t.Errorf("Parse(%q): first error %q does not mention the keyword", src, diags[0].Message)
		}
	}
}

func TestParserGroupRejectsStatements(t *testing.T) {
	for _, src := range []string{
		"fn f() { (let x = 1) }",
		"fn f() { (a; b) }",
	} {
		_, diags := Parse("test.ql", src)
		if !HasErrors(diags) {
			t.Errorf("Parse(%q): no error", src)
			continue
		}
		if !strings.Contains(diags[0].Message, "'{ ... }' block expression") {
			t.Errorf("Parse(%q): message = %q", src, diags[0].Message)
		}
	}
}

func TestParserRecoversAcrossItems(t *testing.T) {
	src := `
fn a() { let = 1; }
fn b() -> i64 { 2 }
fn c( { }
fn d() { 4 }
`
	file, diags := Parse("test.ql", src)
	if len(diags) < 2 {
		t.Errorf("got %d diagnostics, want at least 2: %v", len(diags), diags)
	}
	names := map[string]bool{}
	for _, it := range file.Items {
		names[it.ItemName()] = true
	}
	for _, want := range []string{"a", "b", "d"} {
		if !names[want] {
			t.Errorf("item %s lost during recovery; items = %v", want, names)
		}
	}
}

func TestParserLexicalErrorsReported(t *testing.T) {
	_, diags := Parse("test.ql", "fn f() { let s = \"open; }")
	if CountKind(diags, LexicalError) == 0 {
		t.Errorf("no lexical error in %v", diags)
	}
}

func TestParserDiagnosticsSorted(t *testing.T) {
	_, diags := Parse("test.ql", "fn a() { let = 1; }\nfn b() { let = 2; }")
	for i := 1; i < len(diags); i++ {
		if diags[i].Pos.Before(diags[i-1].Pos) {
			t.Errorf("diagnostic %d (%v) precedes %d (%v)", i, diags[i].Pos, i-1, diags[i-1].Pos)
		}
	}
}

func TestParserSpans(t *testing.T) {
	file := parseOK(t, "fn add(a: i64) -> i64 {\n\ta + 1\n}")
	fn := file.Items[0].(*FnDecl)
	if fn.Span().Start.Line != 1 || fn.Span().End.Line != 3 {
		t.Errorf("fn span = %+v", fn.Span())
	}
	bin := fn.Body.Tail.(*BinaryExpr)
	if bin.Span().Start.Column != 2 || bin.Span().End.Column != 7 {
		t.Errorf("a + 1 span = %+v, want columns 2..7", bin.Span())
	}
}
