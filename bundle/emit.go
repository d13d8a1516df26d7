package bundle

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/chazu/quill/compiler"
)

// ---------------------------------------------------------------------------
// Script emission
// ---------------------------------------------------------------------------

const (
	DefaultRPCPrefix = "/_rpc"
	DefaultRuntime   = "quill/runtime"
)

// runtimeNames are the primitives the script runtime module exports.
var runtimeNames = map[string]bool{
	"h":         true,
	"signal":    true,
	"computed":  true,
	"effect":    true,
	"rpc":       true,
	"encode":    true,
	"decode":    true,
	"propagate": true,
}

// jsReserved are names a Quill identifier may use that the script target
// cannot. They are emitted with a '$' prefix.
var jsReserved = map[string]bool{
	"await": true, "break": true, "case": true, "catch": true, "class": true,
	"continue": true, "debugger": true, "default": true, "delete": true,
	"do": true, "export": true, "extends": true, "finally": true,
	"function": true, "import": true, "instanceof": true, "new": true,
	"null": true, "super": true, "switch": true, "this": true, "throw": true,
	"try": true, "typeof": true, "var": true, "void": true, "with": true,
	"yield": true, "static": true, "implements": true, "interface": true,
	"package": true, "private": true, "protected": true, "public": true,
	"undefined": true, "arguments": true, "eval": true, "NaN": true,
	"Infinity": true, "console": true, "Math": true, "Array": true,
	"Object": true, "String": true, "Number": true, "Error": true,
	"endpoints": true,
}

// Options controls script emission.
type Options struct {
	RPCPrefix string // path prefix of remote calls, DefaultRPCPrefix when empty
	Runtime   string // module specifier of the runtime, DefaultRuntime when empty
}

// Output holds the two emitted bundles and the endpoints connecting them.
type Output struct {
	Client    string
	Server    string
	Endpoints []Endpoint
}

// Emit generates the client and server bundles for a partition. Both carry
// the Shared declarations; the client replaces every reachable Server
// function with a remote-call stub of the same name and the server exposes
// a dispatch endpoint for each.
func Emit(p *Partition, opts Options) (*Output, []*compiler.Diagnostic) {
	if opts.RPCPrefix == "" {
		opts.RPCPrefix = DefaultRPCPrefix
	}
	if opts.Runtime == "" {
		opts.Runtime = DefaultRuntime
	}
	opts.RPCPrefix = strings.TrimRight(opts.RPCPrefix, "/")

	out := &Output{}
	var diags []*compiler.Diagnostic
	for _, fn := range p.Remote {
		ep, ds := p.endpoint(fn, opts.RPCPrefix)
		diags = append(diags, ds...)
		out.Endpoints = append(out.Endpoints, ep)
	}

	out.Client = p.emitBundle(Client, opts, out.Endpoints)
	out.Server = p.emitBundle(Server, opts, out.Endpoints)
	compiler.SortDiagnostics(diags)
	return out, diags
}

// endpoint describes fn as a remote call and rejects signatures that cannot
// cross the network.
func (p *Partition) endpoint(fn *compiler.FnDecl, prefix string) (Endpoint, []*compiler.Diagnostic) {
	var diags []*compiler.Diagnostic
	reject := func(node compiler.Node, format string, args ...interface{}) {
		diags = append(diags, &compiler.Diagnostic{
			Kind:     compiler.CodegenError,
			Severity: compiler.SeverityError,
			Code:     compiler.CodeUnsupported,
			Message:  fmt.Sprintf("server function '%s' cannot be called remotely: ", fn.Name) + fmt.Sprintf(format, args...),
			Pos:      node.Span().Start,
			End:      node.Span().End,
		})
	}

	ep := Endpoint{Name: fn.Name, Path: prefix + "/" + fn.Name, Params: []Param{}}
	for _, prm := range fn.Params {
		desc := "any"
		if prm.Type != nil {
			desc = prm.Type.String()
			if prm.Type.Kind == compiler.TypeRefFunc {
				reject(prm, "parameter '%s' has function type %s", prm.Name, desc)
			}
		}
		ep.Params = append(ep.Params, Param{Name: prm.Name, Type: desc})
	}
	ep.Result = p.resultDescriptor(fn)
	if fn.Result != nil && fn.Result.Kind == compiler.TypeRefFunc {
		reject(fn.Result, "result has function type %s", ep.Result)
	}
	return ep, diags
}

func (p *Partition) resultDescriptor(fn *compiler.FnDecl) string {
	if fn.Result != nil {
		return fn.Result.String()
	}
	if p.Analysis != nil {
		if sym := p.Analysis.Lookup(fn.Name); sym != nil {
			if k, ok := sym.Type.(compiler.KnownType); ok {
				if f, ok := k.Shape.(compiler.FuncShape); ok && compiler.IsKnown(f.Result) {
					return f.Result.String()
				}
			}
		}
		return "any"
	}
	return "()"
}

// emitBundle writes the bundle for one side: Shared and side-local items
// in source order, then stubs or endpoints.
func (p *Partition) emitBundle(side Side, opts Options, endpoints []Endpoint) string {
	st := &emitState{p: p, used: make(map[string]bool)}
	w := &writer{emitState: st}

	var exports []string
	for _, item := range p.File.Items {
		if p.items[item.ItemName()] != item {
			continue
		}
		s := p.sides[item.ItemName()]
		if s != Shared && s != side {
			continue
		}
		w.item(item)
		if fn, ok := item.(*compiler.FnDecl); ok {
			exports = append(exports, mangle(fn.Name))
		}
	}

	switch side {
	case Client:
		for i, fn := range p.Remote {
			w.stub(fn, endpoints[i])
			exports = append(exports, mangle(fn.Name))
		}
	case Server:
		w.endpoints(p.Remote, endpoints)
		exports = append(exports, "endpoints")
	}
	if len(exports) > 0 {
		w.line("export { %s };", strings.Join(exports, ", "))
	}

	var sb strings.Builder
	sb.WriteString("// Code generated by quill. DO NOT EDIT.\n")
	if len(st.used) > 0 {
		names := make([]string, 0, len(st.used))
		for name := range st.used {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintf(&sb, "import { %s } from %s;\n", strings.Join(names, ", "), jsString(opts.Runtime))
	}
	sb.WriteString("\n")
	sb.WriteString(w.String())
	return sb.String()
}

// emitState is shared by a bundle's writer and its nested writers.
type emitState struct {
	p    *Partition
	used map[string]bool // runtime primitives referenced
	tmp  int
}

// writer accumulates indented script text.
type writer struct {
	*emitState
	sb    strings.Builder
	depth int
}

func (w *writer) String() string { return w.sb.String() }

func (w *writer) pad() string { return strings.Repeat("  ", w.depth) }

func (w *writer) line(format string, args ...interface{}) {
	w.sb.WriteString(w.pad())
	fmt.Fprintf(&w.sb, format, args...)
	w.sb.WriteByte('\n')
}

func (w *writer) blank() { w.sb.WriteByte('\n') }

// sub returns a writer for text nested one level deeper than w.
func (w *writer) sub() *writer {
	return &writer{emitState: w.emitState, depth: w.depth + 1}
}

// runtime marks a runtime primitive as used and returns its name.
func (w *writer) runtime(name string) string {
	w.used[name] = true
	return name
}

func (w *writer) temp(prefix string) string {
	name := fmt.Sprintf("$%s%d", prefix, w.tmp)
	w.tmp++
	return name
}

// iife renders body as an immediately invoked arrow function.
func (w *writer) iife(params, args string, body func(*writer)) string {
	s := w.sub()
	body(s)
	return "((" + params + ") => {\n" + s.String() + w.pad() + "})(" + args + ")"
}

func mangle(name string) string {
	if jsReserved[name] || runtimeNames[name] {
		return "$" + name
	}
	return name
}

// jsString quotes s as a script string literal.
func jsString(s string) string {
	var sb strings.Builder
	sb.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			sb.WriteString(`\\`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\t':
			sb.WriteString(`\t`)
		case '\u2028', '\u2029':
			fmt.Fprintf(&sb, `\u%04x`, r)
		default:
			if r < 0x20 || r == 0x7f {
				fmt.Fprintf(&sb, `\x%02x`, r)
			} else {
				sb.WriteRune(r)
			}
		}
	}
	sb.WriteByte('"')
	return sb.String()
}

// ---------------------------------------------------------------------------
// Declarations
// ---------------------------------------------------------------------------

func (w *writer) item(item compiler.Item) {
	switch it := item.(type) {
	case *compiler.FnDecl:
		w.line("function %s(%s) {", mangle(it.Name), paramList(it.Params))
		s := w.sub()
		s.block(it.Body, true)
		w.sb.WriteString(s.String())
		w.line("}")
		w.blank()
	case *compiler.GlobalDecl:
		kw := "let"
		if it.IsConst {
			kw = "const"
		}
		w.line("%s %s = %s;", kw, mangle(it.Name), w.bare(it.Value))
		w.blank()
	case *compiler.EnumDecl:
		w.line("const %s = Object.freeze({", mangle(it.Name))
		for _, v := range it.Variants {
			if len(v.Fields) == 0 {
				w.line("  %s: Object.freeze({ tag: %s, values: [] }),", v.Name, jsString(v.Name))
				continue
			}
			vals := make([]string, len(v.Fields))
			for i := range v.Fields {
				vals[i] = "v" + strconv.Itoa(i)
			}
			list := strings.Join(vals, ", ")
			w.line("  %s: (%s) => ({ tag: %s, values: [%s] }),", v.Name, list, jsString(v.Name), list)
		}
		w.line("});")
		w.blank()
	case *compiler.StructDecl:
		// Struct values are plain objects.
	}
}

func paramList(params []*compiler.Param) string {
	names := make([]string, len(params))
	for i, p := range params {
		names[i] = mangle(p.Name)
	}
	return strings.Join(names, ", ")
}

// stub writes the client-side replacement of a Server function. It keeps
// the function's name and parameter order so call sites are unchanged.
func (w *writer) stub(fn *compiler.FnDecl, ep Endpoint) {
	fields := make([]string, len(fn.Params))
	for i, prm := range fn.Params {
		fields[i] = fmt.Sprintf("%s: %s(%s, %s)", jsString(prm.Name), w.runtime("encode"), mangle(prm.Name), jsString(ep.Params[i].Type))
	}
	w.line("function %s(%s) {", mangle(fn.Name), paramList(fn.Params))
	w.line("  return %s(%s, { %s }, %s);", w.runtime("rpc"), jsString(ep.Path), strings.Join(fields, ", "), jsString(ep.Result))
	w.line("}")
	w.blank()
}

// endpoints writes the dispatch table mapping request paths to handlers.
func (w *writer) endpoints(fns []*compiler.FnDecl, eps []Endpoint) {
	w.line("const endpoints = {")
	for i, fn := range fns {
		ep := eps[i]
		args := make([]string, len(fn.Params))
		for j, prm := range fn.Params {
			args[j] = fmt.Sprintf("%s(payload[%s], %s)", w.runtime("decode"), jsString(prm.Name), jsString(ep.Params[j].Type))
		}
		w.line("  %s: async (payload) => {", jsString(ep.Path))
		w.line("    try {")
		w.line("      const result = await %s(%s);", mangle(fn.Name), strings.Join(args, ", "))
		w.line("      return { ok: %s(result, %s) };", w.runtime("encode"), jsString(ep.Result))
		w.line("    } catch (err) {")
		w.line("      return { error: String(err && err.message !== undefined ? err.message : err) };")
		w.line("    }")
		w.line("  },")
	}
	w.line("};")
	w.blank()
}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

// block writes the statements of b. With ret set the tail expression is
// returned.
func (w *writer) block(b *compiler.BlockExpr, ret bool) {
	if b == nil {
		return
	}
	for _, st := range b.Stmts {
		w.stmt(st)
	}
	if b.Tail != nil {
		w.tail(b.Tail, ret)
	}
}

func (w *writer) stmt(st compiler.Stmt) {
	switch s := st.(type) {
	case *compiler.LetStmt:
		kw := "const"
		if s.Mutable {
			kw = "let"
		}
		w.line("%s %s = %s;", kw, mangle(s.Name), w.bare(s.Value))
	case *compiler.AssignStmt:
		w.line("%s = %s;", w.expr(s.Target), w.bare(s.Value))
	case *compiler.ReturnStmt:
		if s.Value == nil {
			w.line("return;")
		} else {
			w.line("return %s;", w.bare(s.Value))
		}
	case *compiler.ExprStmt:
		w.tail(s.Expr, false)
	case *compiler.WhileStmt:
		w.line("while (%s) {", w.test(s.Cond))
		w.nested(s.Body, false)
		w.line("}")
	case *compiler.ForStmt:
		v := mangle(s.Var)
		if r, ok := s.Iter.(*compiler.BinaryExpr); ok && r.Op == compiler.TokenDotDot {
			end := w.temp("end")
			w.line("for (let %s = %s, %s = %s; %s < %s; %s++) {", v, w.expr(r.Left), end, w.expr(r.Right), v, end, v)
		} else {
			w.line("for (const %s of %s) {", v, w.expr(s.Iter))
		}
		w.nested(s.Body, false)
		w.line("}")
	}
}

func (w *writer) nested(b *compiler.BlockExpr, ret bool) {
	s := w.sub()
	s.block(b, ret)
	w.sb.WriteString(s.String())
}

// tail writes an expression in statement position. Conditionals and blocks
// become statements instead of nested functions.
func (w *writer) tail(e compiler.Expr, ret bool) {
	switch x := e.(type) {
	case *compiler.IfExpr:
		w.line("if (%s) {", w.test(x.Cond))
		for x != nil {
			w.nested(x.Then, ret)
			next := x
			x = nil
			switch els := next.Else.(type) {
			case *compiler.IfExpr:
				w.line("} else if (%s) {", w.test(els.Cond))
				x = els
			case *compiler.BlockExpr:
				w.line("} else {")
				w.nested(els, ret)
			}
		}
		w.line("}")
	case *compiler.BlockExpr:
		w.line("{")
		w.nested(x, ret)
		w.line("}")
	default:
		if ret {
			w.line("return %s;", w.bare(e))
		} else {
			w.line("%s;", w.bare(e))
		}
	}
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

func (w *writer) expr(e compiler.Expr) string {
	switch x := e.(type) {
	case *compiler.IntLiteral:
		return strconv.FormatInt(x.Value, 10)
	case *compiler.FloatLiteral:
		return strconv.FormatFloat(x.Value, 'g', -1, 64)
	case *compiler.StringLiteral:
		return jsString(x.Value)
	case *compiler.BoolLiteral:
		return strconv.FormatBool(x.Value)
	case *compiler.Identifier:
		if w.isBuiltin(x) {
			return w.builtinValue(x.Name)
		}
		return mangle(x.Name)
	case *compiler.PathExpr:
		return mangle(x.Type) + "." + x.Member
	case *compiler.BinaryExpr:
		return w.binary(x)
	case *compiler.UnaryExpr:
		switch x.Op {
		case compiler.TokenMinus:
			return "(-" + w.expr(x.Operand) + ")"
		case compiler.TokenBang:
			return "(!" + w.expr(x.Operand) + ")"
		}
		// References have no runtime representation.
		return w.expr(x.Operand)
	case *compiler.CallExpr:
		return w.call(x)
	case *compiler.FieldExpr:
		return w.expr(x.Receiver) + "." + x.Field
	case *compiler.IndexExpr:
		return w.expr(x.Receiver) + "[" + w.expr(x.Index) + "]"
	case *compiler.TryExpr:
		return w.runtime("propagate") + "(" + w.expr(x.Operand) + ")"
	case *compiler.LambdaExpr:
		return w.lambda(x)
	case *compiler.BlockExpr:
		return w.iife("", "", func(s *writer) { s.block(x, true) })
	case *compiler.IfExpr:
		return w.iife("", "", func(s *writer) { s.tail(x, true) })
	case *compiler.TernaryExpr:
		return "(" + w.test(x.Cond) + " ? " + w.expr(x.Then) + " : " + w.expr(x.Else) + ")"
	case *compiler.MatchExpr:
		return w.match(x)
	case *compiler.ArrayLiteral:
		elems := make([]string, len(x.Elements))
		for i, el := range x.Elements {
			elems[i] = w.expr(el)
		}
		return "[" + strings.Join(elems, ", ") + "]"
	case *compiler.StructLiteral:
		if len(x.Fields) == 0 {
			return "{}"
		}
		fields := make([]string, len(x.Fields))
		for i, f := range x.Fields {
			fields[i] = f.Name + ": " + w.expr(f.Value)
		}
		return "{ " + strings.Join(fields, ", ") + " }"
	case *compiler.Element:
		return w.element(x)
	}
	return "undefined"
}

// parenthesized reports whether the rendering of e is a single
// parenthesized operation.
func (w *writer) parenthesized(e compiler.Expr) bool {
	switch x := e.(type) {
	case *compiler.BinaryExpr:
		return x.Op != compiler.TokenDotDot && !w.intDivision(x)
	case *compiler.UnaryExpr:
		return x.Op == compiler.TokenMinus || x.Op == compiler.TokenBang
	}
	return false
}

// test renders a condition without its outer parentheses.
func (w *writer) test(e compiler.Expr) string {
	s := w.expr(e)
	if w.parenthesized(e) {
		return s[1 : len(s)-1]
	}
	return s
}

// bare renders an expression in a position that needs no grouping.
func (w *writer) bare(e compiler.Expr) string {
	if _, ok := e.(*compiler.TernaryExpr); ok {
		s := w.expr(e)
		return s[1 : len(s)-1]
	}
	return w.test(e)
}

func (w *writer) intDivision(x *compiler.BinaryExpr) bool {
	if x.Op != compiler.TokenSlash || w.p.Analysis == nil {
		return false
	}
	p, ok := compiler.PrimitiveOf(w.p.Analysis.TypeOf(x))
	return ok && p == compiler.PrimInt
}

func (w *writer) binary(x *compiler.BinaryExpr) string {
	l, r := w.expr(x.Left), w.expr(x.Right)
	switch x.Op {
	case compiler.TokenEq:
		return "(" + l + " === " + r + ")"
	case compiler.TokenNotEq:
		return "(" + l + " !== " + r + ")"
	case compiler.TokenDotDot:
		return "((lo, hi) => Array.from({ length: Math.max(hi - lo, 0) }, (_, i) => lo + i))(" + l + ", " + r + ")"
	case compiler.TokenSlash:
		if w.intDivision(x) {
			return "Math.trunc(" + l + " / " + r + ")"
		}
	}
	return "(" + l + " " + x.Op.String() + " " + r + ")"
}

func (w *writer) isBuiltin(id *compiler.Identifier) bool {
	if w.p.Analysis == nil {
		_, top := w.p.items[id.Name]
		return !top && compiler.IsBuiltin(id.Name)
	}
	sym := w.p.Analysis.References[id]
	return sym != nil && sym.Kind == compiler.SymBuiltin
}

// builtinValue is a builtin used as a value rather than called.
func (w *writer) builtinValue(name string) string {
	switch name {
	case "println", "print":
		return "console.log"
	case "len":
		return "((v) => v.length)"
	case "to_string":
		return "String"
	}
	if runtimeNames[name] {
		return w.runtime(name)
	}
	return mangle(name)
}

func (w *writer) call(x *compiler.CallExpr) string {
	id, _ := x.Callee.(*compiler.Identifier)
	if id != nil && w.isBuiltin(id) {
		args := make([]string, len(x.Args))
		for i, a := range x.Args {
			args[i] = w.expr(a.Value)
		}
		switch id.Name {
		case "len":
			if len(args) == 1 {
				return args[0] + ".length"
			}
		case "to_string":
			if len(args) == 1 {
				return "String(" + args[0] + ")"
			}
		}
		return w.builtinValue(id.Name) + "(" + strings.Join(args, ", ") + ")"
	}

	var decl *compiler.FnDecl
	if id != nil {
		decl = w.calleeDecl(id)
	}
	return w.expr(x.Callee) + "(" + strings.Join(w.args(x, decl), ", ") + ")"
}

func (w *writer) calleeDecl(id *compiler.Identifier) *compiler.FnDecl {
	if w.p.Analysis != nil {
		if sym := w.p.Analysis.References[id]; sym != nil {
			fn, _ := sym.Decl.(*compiler.FnDecl)
			return fn
		}
		return nil
	}
	fn, _ := w.p.items[id.Name].(*compiler.FnDecl)
	return fn
}

// args renders call arguments in parameter order. Named arguments are
// placed by the declaration's parameter names.
func (w *writer) args(x *compiler.CallExpr, decl *compiler.FnDecl) []string {
	if decl == nil {
		out := make([]string, len(x.Args))
		for i, a := range x.Args {
			out[i] = w.expr(a.Value)
		}
		return out
	}
	out := make([]string, len(decl.Params))
	for i, a := range x.Args {
		idx := i
		if a.Name != "" {
			idx = -1
			for j, p := range decl.Params {
				if p.Name == a.Name {
					idx = j
				}
			}
		}
		if idx >= 0 && idx < len(out) {
			out[idx] = w.expr(a.Value)
		}
	}
	for i := range out {
		if out[i] == "" {
			out[i] = "undefined"
		}
	}
	return out
}

func (w *writer) lambda(x *compiler.LambdaExpr) string {
	head := "(" + paramList(x.Params) + ") => "
	if b, ok := x.Body.(*compiler.BlockExpr); ok {
		s := w.sub()
		s.block(b, true)
		return head + "{\n" + s.String() + w.pad() + "}"
	}
	if _, ok := x.Body.(*compiler.StructLiteral); ok {
		return head + "(" + w.expr(x.Body) + ")"
	}
	return head + w.bare(x.Body)
}

// match lowers a match expression to a function over the subject that
// tests the arms in order.
func (w *writer) match(x *compiler.MatchExpr) string {
	m := w.temp("m")
	return w.iife(m, w.expr(x.Subject), func(s *writer) {
		for _, arm := range x.Arms {
			pat := arm.Pattern
			if pat == nil {
				continue
			}
			switch pat.Kind {
			case compiler.PatWildcard:
				s.arm(arm.Body)
				return
			case compiler.PatBinding:
				s.line("{")
				in := s.sub()
				in.line("const %s = %s;", mangle(pat.Name), m)
				in.arm(arm.Body)
				s.sb.WriteString(in.String())
				s.line("}")
				return
			case compiler.PatLiteral:
				s.line("if (%s === %s) {", m, s.expr(pat.Literal))
			case compiler.PatVariant:
				s.line("if (%s.tag === %s) {", m, jsString(pat.Variant))
			}
			in := s.sub()
			if len(pat.Bindings) > 0 {
				names := make([]string, len(pat.Bindings))
				for i, b := range pat.Bindings {
					names[i] = mangle(b)
				}
				in.line("const [%s] = %s.values;", strings.Join(names, ", "), m)
			}
			in.arm(arm.Body)
			s.sb.WriteString(in.String())
			s.line("}")
		}
		s.line("throw new Error(\"non-exhaustive match\");")
	})
}

func (w *writer) arm(body compiler.Expr) {
	if b, ok := body.(*compiler.BlockExpr); ok {
		w.block(b, true)
		if b.Tail == nil {
			w.line("return;")
		}
		return
	}
	w.tail(body, true)
}

// element lowers markup to h(tag, attrs, children). Component tags pass the
// component function itself.
func (w *writer) element(el *compiler.Element) string {
	tag := jsString(el.Tag)
	if compiler.IsTypeName(el.Tag) {
		tag = mangle(el.Tag)
	}
	attrs := "{}"
	if len(el.Attrs) > 0 {
		parts := make([]string, len(el.Attrs))
		for i, a := range el.Attrs {
			val := "true"
			if a.Value != nil {
				val = w.expr(a.Value)
			}
			parts[i] = jsString(a.Name) + ": " + val
		}
		attrs = "{ " + strings.Join(parts, ", ") + " }"
	}
	children := make([]string, 0, len(el.Children))
	for _, c := range el.Children {
		switch ch := c.(type) {
		case *compiler.TextNode:
			children = append(children, jsString(ch.Text))
		case *compiler.ExprChild:
			children = append(children, w.expr(ch.Expr))
		case *compiler.Element:
			children = append(children, w.element(ch))
		}
	}
	return w.runtime("h") + "(" + tag + ", " + attrs + ", [" + strings.Join(children, ", ") + "])"
}
