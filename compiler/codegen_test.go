package compiler

import (
	"bytes"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/chazu/quill/pkg/bytecode"
)

// compileBytecode runs the front end and the bytecode backend. Front-end
// errors fail the test; codegen diagnostics are returned.
func compileBytecode(t *testing.T, source string) (*bytecode.Module, []*Diagnostic) {
	t.Helper()
	file := parseOK(t, source)
	a := Analyze(file)
	if HasErrors(a.Diagnostics) {
		t.Fatalf("semantic errors: %v", a.Diagnostics)
	}
	return Generate(file, CollectLambdas(file), a)
}

// mustCompile is compileBytecode for programs the target fully supports.
func mustCompile(t *testing.T, source string) *bytecode.Module {
	t.Helper()
	m, diags := compileBytecode(t, source)
	if len(diags) != 0 {
		t.Fatalf("codegen diagnostics: %v", diags)
	}
	return m
}

func invoke(t *testing.T, m *bytecode.Module, host *bytecode.RuntimeHost, name string, args ...uint64) uint64 {
	t.Helper()
	if host == nil {
		host = bytecode.NewRuntimeHost(nil)
	}
	v, err := bytecode.NewVM(m, host).Invoke(name, args...)
	if err != nil {
		t.Fatalf("Invoke(%s): %v\n%s", name, err, m.Disassemble())
	}
	return v
}

func TestCodegenClosureCapture(t *testing.T) {
	m := mustCompile(t, `
fn main() {
	let n = 10;
	let f = |x| x + n;
	return f(5);
}`)

	host := bytecode.NewRuntimeHost(nil)
	if got := int64(invoke(t, m, host, "main")); got != 15 {
		t.Errorf("main() = %d, want 15", got)
	}
	if len(host.Allocations) != 1 || host.Allocations[0].Size != bytecode.WordSize {
		t.Errorf("allocations = %+v, want one 8-byte environment", host.Allocations)
	}

	if len(m.Table) != 1 {
		t.Fatalf("table size = %d, want 1", len(m.Table))
	}
	lambda := m.Functions[m.Table[0]]
	if lambda.Name != "main.lambda0" || lambda.ParamCount != 2 {
		t.Errorf("lambda = %s/%d params, want main.lambda0/2", lambda.Name, lambda.ParamCount)
	}
	if _, ok := m.LookupExport("main.lambda0"); ok {
		t.Error("lambda bodies must not be exported")
	}
}

func TestCodegenIntegers(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int64
	}{
		{"precedence", `2 + 3 * 4`, 14},
		{"grouping", `(10 - 4) / 2`, 3},
		{"remainder", `17 % 5`, 2},
		{"negation", `-(3 - 10)`, 7},
		{"large constant", `5000000000 + 1`, 5000000001},
		{"if", `if 3 > 2 { 1 } else { 0 }`, 1},
		{"else if", `if 1 > 2 { 1 } else if 2 >= 2 { 2 } else { 3 }`, 2},
		{"not", `!true ? 1 : 2`, 2},
		{"and", `(true && false) ? 1 : 2`, 2},
		{"or", `(false || true) ? 1 : 2`, 1},
		{"block", `{ let a = 4; a * a }`, 16},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := mustCompile(t, "fn main() -> i64 { "+tc.body+" }")
			if got := int64(invoke(t, m, nil, "main")); got != tc.want {
				t.Errorf("%s = %d, want %d", tc.body, got, tc.want)
			}
		})
	}
}

func TestCodegenFunctions(t *testing.T) {
	m := mustCompile(t, `
fn fib(n: i64) -> i64 {
	if n < 2 { n } else { fib(n - 1) + fib(n - 2) }
}

fn sub(a: i64, b: i64) -> i64 { a - b }

fn named() -> i64 { sub(b: 1, a: 10) }

fn classify(n: i64) -> i64 {
	match n {
		0 => 10,
		1 => 20,
		other => other * 2,
	}
}

fn apply(f: fn(i64) -> i64, x: i64) -> i64 { f(x) }

fn tripled() -> i64 { apply(|v| v * 3, 4) }
`)

	tests := []struct {
		fn   string
		args []uint64
		want int64
	}{
		{"fib", []uint64{10}, 55},
		{"sub", []uint64{3, 5}, -2},
		{"named", nil, 9},
		{"classify", []uint64{0}, 10},
		{"classify", []uint64{1}, 20},
		{"classify", []uint64{7}, 14},
		{"tripled", nil, 12},
	}
	for _, tc := range tests {
		if got := int64(invoke(t, m, nil, tc.fn, tc.args...)); got != tc.want {
			t.Errorf("%s%v = %d, want %d", tc.fn, tc.args, got, tc.want)
		}
	}
}

func TestCodegenLoops(t *testing.T) {
	m := mustCompile(t, `
fn sum(n: i64) -> i64 {
	let mut total = 0;
	for i in 0..n {
		total = total + i;
	}
	total
}

fn pow2(n: i64) -> i64 {
	let mut i = 0;
	let mut acc = 1;
	while i < n {
		acc = acc * 2;
		i = i + 1;
	}
	acc
}
`)
	if got := invoke(t, m, nil, "sum", 5); got != 10 {
		t.Errorf("sum(5) = %d, want 10", got)
	}
	if got := invoke(t, m, nil, "sum", 0); got != 0 {
		t.Errorf("sum(0) = %d, want 0", got)
	}
	if got := invoke(t, m, nil, "pow2", 10); got != 1024 {
		t.Errorf("pow2(10) = %d, want 1024", got)
	}
}

func TestCodegenFloats(t *testing.T) {
	m := mustCompile(t, `
fn half(x: f64) -> f64 { x / 2 }
fn area(r: f64) -> f64 { 3.0 * r * r }
fn widen(n: i64) -> f64 { let mut x: f64 = 1; x = x + n; x - 0.75 }
fn less(a: f64) -> bool { a < 1 }
`)
	f := func(v float64) uint64 { return math.Float64bits(v) }
	tests := []struct {
		fn   string
		arg  uint64
		want float64
	}{
		{"half", f(5), 2.5},
		{"area", f(2), 12},
		{"widen", 3, 3.25},
	}
	for _, tc := range tests {
		if got := math.Float64frombits(invoke(t, m, nil, tc.fn, tc.arg)); got != tc.want {
			t.Errorf("%s = %v, want %v", tc.fn, got, tc.want)
		}
	}
	if got := invoke(t, m, nil, "less", f(0.5)); got != 1 {
		t.Errorf("less(0.5) = %d, want 1", got)
	}
}

func TestCodegenClosureFloatArguments(t *testing.T) {
	m := mustCompile(t, `
fn scaled() -> f64 { let f = |x| x * 2.0; return f(1.5); }
fn widened() -> f64 { let g = |x| x * 2.0; g(2) }
fn shifted(n: f64) -> f64 { let h = |x| x + n; h(0.5) }
fn mapped() -> f64 { apply(|v| v / 4.0, 3.0) }
fn apply(f: fn(f64) -> f64, x: f64) -> f64 { f(x) }
fn whole() -> f64 { 2 }
fn pick(c: bool) -> f64 { if c { 1 } else { 0.5 } }
`)
	f := func(v float64) uint64 { return math.Float64bits(v) }
	tests := []struct {
		fn   string
		args []uint64
		want float64
	}{
		{"scaled", nil, 3},
		{"widened", nil, 4},
		{"shifted", []uint64{f(1)}, 1.5},
		{"mapped", nil, 0.75},
		{"whole", nil, 2},
		{"pick", []uint64{1}, 1},
		{"pick", []uint64{0}, 0.5},
	}
	for _, tc := range tests {
		if got := math.Float64frombits(invoke(t, m, nil, tc.fn, tc.args...)); got != tc.want {
			t.Errorf("%s%v = %v, want %v", tc.fn, tc.args, got, tc.want)
		}
	}
}

func TestCodegenSkipsUntypedClosures(t *testing.T) {
	m, diags := compileBytecode(t, `
fn mixed() -> f64 { let g = |x| x * 2.0; g(1) + g(1.5) }
fn copied() -> i64 { let g = |x| x + 1; let h = g; h(2) }
fn main() -> i64 { let k = |x| x + 1; k(2) }
`)
	if HasErrors(diags) {
		t.Fatalf("skips must be warnings: %v", diags)
	}
	if len(diags) != 2 {
		t.Fatalf("got %d diagnostics, want 2: %v", len(diags), diags)
	}
	for _, d := range diags {
		if d.Code != CodeUnsupported || !strings.Contains(d.Message, "annotate the closure parameters") {
			t.Errorf("diagnostic = %v", d)
		}
	}
	if !strings.Contains(diags[0].Message, "function 'mixed'") || !strings.Contains(diags[1].Message, "function 'copied'") {
		t.Errorf("messages = %q, %q", diags[0].Message, diags[1].Message)
	}
	for _, name := range []string{"mixed", "copied"} {
		if _, ok := m.LookupExport(name); ok {
			t.Errorf("%s exported", name)
		}
	}
	if got := invoke(t, m, nil, "main"); got != 3 {
		t.Errorf("main() = %d, want 3", got)
	}
}

func TestCodegenFunctionTooLarge(t *testing.T) {
	var locals strings.Builder
	locals.WriteString("fn many() -> i64 {\n")
	for i := 0; i < 300; i++ {
		fmt.Fprintf(&locals, "\tlet v%d = %d;\n", i, i)
	}
	locals.WriteString("\tv299\n}\nfn main() -> i64 { 1 }\n")

	var jumps strings.Builder
	jumps.WriteString("fn far(c: bool) -> i64 {\n\tlet mut x = 0;\n\tif c {\n")
	for i := 0; i < 5000; i++ {
		jumps.WriteString("\t\tx = x + 1000;\n")
	}
	jumps.WriteString("\t}\n\tx\n}\nfn main() -> i64 { 1 }\n")

	tests := []struct {
		name   string
		source string
		fn     string
		err    error
	}{
		{"locals", locals.String(), "many", bytecode.ErrTooManyLocals},
		{"jump", jumps.String(), "far", bytecode.ErrJumpTooFar},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, diags := compileBytecode(t, tc.source)
			if len(diags) != 1 || !HasErrors(diags) {
				t.Fatalf("diagnostics = %v, want one error", diags)
			}
			d := diags[0]
			want := fmt.Sprintf("function '%s' does not fit the bytecode target: %v", tc.fn, tc.err)
			if d.Kind != CodegenError || d.Code != CodeUnsupported || d.Message != want {
				t.Errorf("diagnostic = %v, want %q", d, want)
			}
			idx, ok := m.LookupExport(tc.fn)
			if !ok {
				t.Fatalf("%s not exported", tc.fn)
			}
			if code := m.Functions[idx].Code; len(code) != 1 || bytecode.Opcode(code[0]) != bytecode.OpTrap {
				t.Errorf("%s body = % x, want TRAP", tc.fn, code)
			}
			if got := invoke(t, m, nil, "main"); got != 1 {
				t.Errorf("main() = %d, want 1", got)
			}
		})
	}
}

func TestCodegenGlobals(t *testing.T) {
	m := mustCompile(t, `
const LIMIT = -3;
let counter = 0;
fn bump() -> i64 { counter = counter + 1; counter }
fn limit() -> i64 { LIMIT }
`)
	vm := bytecode.NewVM(m, nil)
	for want := uint64(1); want <= 2; want++ {
		got, err := vm.Invoke("bump")
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("bump() = %d, want %d", got, want)
		}
	}
	if got := int64(invoke(t, m, nil, "limit")); got != -3 {
		t.Errorf("limit() = %d, want -3", got)
	}
	if len(m.Globals) != 2 || m.Globals[0].Mutable || !m.Globals[1].Mutable {
		t.Errorf("globals = %+v", m.Globals)
	}
}

func TestCodegenPrint(t *testing.T) {
	m := mustCompile(t, `fn main() { println(1, 2.5); print(-4); }`)
	var out bytes.Buffer
	invoke(t, m, bytecode.NewRuntimeHost(&out), "main")
	if got, want := out.String(), "1\n2.5\n-4\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestCodegenNestedClosures(t *testing.T) {
	m := mustCompile(t, `
fn main() -> i64 {
	let a = 1;
	let b = 2;
	let outer = || {
		let inner = || a + b;
		inner()
	};
	outer()
}

fn counter() -> i64 {
	let mut n = 0;
	let bump = || { n = n + 1; n };
	bump();
	bump()
}

fn pure() -> i64 {
	let k = |x| x * x;
	k(7)
}
`)

	host := bytecode.NewRuntimeHost(nil)
	if got := invoke(t, m, host, "main"); got != 3 {
		t.Errorf("main() = %d, want 3", got)
	}
	if len(host.Allocations) != 2 || host.BytesAllocated() != 32 {
		t.Errorf("allocations = %+v, want two 16-byte environments", host.Allocations)
	}

	// The closure writes to its own environment record.
	if got := invoke(t, m, nil, "counter"); got != 2 {
		t.Errorf("counter() = %d, want 2", got)
	}

	host = bytecode.NewRuntimeHost(nil)
	if got := invoke(t, m, host, "pure"); got != 49 {
		t.Errorf("pure() = %d, want 49", got)
	}
	if len(host.Allocations) != 0 {
		t.Errorf("a closure without captures allocated %+v", host.Allocations)
	}
}

func TestCodegenSkipsUnsupported(t *testing.T) {
	m, diags := compileBytecode(t, `
fn greet() -> string { "hi" }
fn helper() -> i64 { let s = "x"; 1 }
fn caller() -> i64 { helper() }
fn main() -> i64 { 1 }
component Banner() { <p>hello</p> }
`)
	if HasErrors(diags) {
		t.Fatalf("skips must be warnings: %v", diags)
	}
	if len(diags) != 3 {
		t.Fatalf("got %d diagnostics, want 3: %v", len(diags), diags)
	}
	for _, d := range diags {
		if d.Code != CodeUnsupported || d.Severity != SeverityWarning {
			t.Errorf("diagnostic %v: code/severity = %s/%s", d, d.Code, d.Severity)
		}
	}
	if got, want := diags[0].Message, "function 'greet' is not compiled to bytecode: it returns string"; got != want {
		t.Errorf("message = %q, want %q", got, want)
	}
	if !strings.Contains(diags[2].Message, "it calls 'helper', which is not compiled") {
		t.Errorf("message = %q, want transitive skip", diags[2].Message)
	}

	for _, name := range []string{"greet", "helper", "caller", "Banner"} {
		if _, ok := m.LookupExport(name); ok {
			t.Errorf("%s exported", name)
		}
	}
	if got := invoke(t, m, nil, "main"); got != 1 {
		t.Errorf("main() = %d, want 1", got)
	}
}

func TestCodegenAggregateCapture(t *testing.T) {
	_, diags := compileBytecode(t, `
struct P { x: i64 }
fn main() -> i64 {
	let p = P { x: 1 };
	let g = || p.x;
	g()
}`)
	if !HasErrors(diags) {
		t.Fatalf("expected an error, got %v", diags)
	}
	d := diags[0]
	if d.Kind != CodegenError || d.Message != "cannot capture 'p' of type P in a closure" {
		t.Errorf("diagnostic = %v", d)
	}
	if len(d.Notes) == 0 {
		t.Error("missing note")
	}
}

func TestCodegenSkippedLambdaTraps(t *testing.T) {
	m, _ := compileBytecode(t, `fn f() -> string { let g = || 1; "s" }`)
	if len(m.Table) != 1 {
		t.Fatalf("table size = %d, want 1", len(m.Table))
	}
	body := m.Functions[m.Table[0]].Code
	if len(body) != 1 || bytecode.Opcode(body[0]) != bytecode.OpTrap {
		t.Errorf("lambda of a skipped function = % x, want TRAP", body)
	}
}

func TestCodegenRequiresSealedTable(t *testing.T) {
	file := parseOK(t, `fn main() {}`)
	defer func() {
		if recover() == nil {
			t.Error("Generate accepted an unsealed table")
		}
	}()
	Generate(file, &LambdaTable{}, nil)
}

// countingEnvironment records each allocation request before delegating.
type countingEnvironment struct {
	sizes []uint32
}

func (c *countingEnvironment) EmitAlloc(m *bytecode.Module, f *bytecode.Function, size uint32) {
	c.sizes = append(c.sizes, size)
	UnmanagedEnvironment{}.EmitAlloc(m, f, size)
}

func (c *countingEnvironment) Releases() bool { return false }

func TestCodegenEnvironmentPolicy(t *testing.T) {
	file := parseOK(t, `fn main() -> i64 { let a = 1; let b = 2.5; let g = || b; let h = || a; h() }`)
	policy := &countingEnvironment{}
	m, diags := GenerateWithOptions(file, CollectLambdas(file), nil, CodegenOptions{Environment: policy})
	if len(diags) != 0 {
		t.Fatalf("diagnostics: %v", diags)
	}
	if len(policy.sizes) != 2 || policy.sizes[0] != 8 || policy.sizes[1] != 8 {
		t.Errorf("alloc sizes = %v, want [8 8]", policy.sizes)
	}
	if (UnmanagedEnvironment{}).Releases() {
		t.Error("UnmanagedEnvironment releases records")
	}
	if got := invoke(t, m, nil, "main"); got != 1 {
		t.Errorf("main() = %d, want 1", got)
	}
}

func TestCodegenEncodedModuleRuns(t *testing.T) {
	m := mustCompile(t, `fn main() { let n = 10; let f = |x| x + n; return f(5); }`)
	data, err := bytecode.Encode(m)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := bytecode.Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if got := invoke(t, decoded, nil, "main"); got != 15 {
		t.Errorf("decoded main() = %d, want 15", got)
	}
	if !strings.Contains(decoded.Disassemble(), "main.lambda0") {
		t.Error("disassembly does not name the lambda")
	}
}
