package compiler

import (
	"fmt"
	"math"

	"github.com/chazu/quill/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Codegen: compile shared functions to the bytecode target
// ---------------------------------------------------------------------------

// EnvironmentPolicy controls how closure environment records are managed.
// EmitAlloc must leave the address of a record of size bytes on the stack.
type EnvironmentPolicy interface {
	EmitAlloc(m *bytecode.Module, f *bytecode.Function, size uint32)
	// Releases reports whether records are ever freed. Policies that
	// return true must also emit the matching release code.
	Releases() bool
}

// UnmanagedEnvironment allocates every closure environment with rt.alloc
// and never frees it. Records live until the host discards linear memory,
// so a program that creates closures in a loop grows without bound.
type UnmanagedEnvironment struct{}

// EmitAlloc implements EnvironmentPolicy.
func (UnmanagedEnvironment) EmitAlloc(m *bytecode.Module, f *bytecode.Function, size uint32) {
	alloc := m.AddImport(bytecode.RuntimeModule, bytecode.ImportAlloc, 1, 1)
	f.EmitI64(int64(size))
	f.EmitCall(bytecode.OpCallImport, alloc, 1)
}

// Releases implements EnvironmentPolicy.
func (UnmanagedEnvironment) Releases() bool { return false }

// CodegenOptions configures Generate.
type CodegenOptions struct {
	Environment EnvironmentPolicy // defaults to UnmanagedEnvironment
}

// local is a variable slot in the function being emitted.
type local struct {
	slot uint8
	typ  Type
}

// generator holds all state for one compilation unit.
type generator struct {
	module   *bytecode.Module
	table    *LambdaTable
	analysis *Analysis
	policy   EnvironmentPolicy
	diags    diagnosticList

	decls   map[string]*FnDecl
	funcs   map[string]uint32 // top-level function -> function index
	lambdas []uint32          // lambda index -> function index
	globals map[string]uint16
	skipped map[string]bool

	paramTypes    map[*Param]Type        // inferred types of unannotated lambda parameters
	lambdaResults map[*LambdaExpr][]Type // result types the lambda's contexts expect
	operands      map[Expr]Type
}

// Generate compiles every function of the file the target can express into
// a bytecode module. The lambda table must come from CollectLambdas over the
// same file. Functions using constructs the target cannot express are
// skipped with a warning; capturing a non-scalar value is an error.
func Generate(file *File, table *LambdaTable, analysis *Analysis) (*bytecode.Module, []*Diagnostic) {
	return GenerateWithOptions(file, table, analysis, CodegenOptions{})
}

// GenerateWithOptions is Generate with an explicit environment policy.
func GenerateWithOptions(file *File, table *LambdaTable, analysis *Analysis, opts CodegenOptions) (*bytecode.Module, []*Diagnostic) {
	if !table.Sealed() {
		panic("compiler: Generate requires a lambda table built by CollectLambdas")
	}
	if analysis == nil {
		analysis = Analyze(file)
	}
	policy := opts.Environment
	if policy == nil {
		policy = UnmanagedEnvironment{}
	}

	g := &generator{
		module:   bytecode.NewModule(),
		table:    table,
		analysis: analysis,
		policy:   policy,
		decls:    make(map[string]*FnDecl),
		funcs:    make(map[string]uint32),
		globals:  make(map[string]uint16),
		skipped:  make(map[string]bool),

		paramTypes:    make(map[*Param]Type),
		lambdaResults: make(map[*LambdaExpr][]Type),
		operands:      make(map[Expr]Type),
	}

	var fns []*FnDecl
	for _, item := range file.Items {
		switch it := item.(type) {
		case *FnDecl:
			g.decls[it.Name] = it
			fns = append(fns, it)
		case *GlobalDecl:
			g.addGlobal(it)
		}
	}

	g.selectFunctions(fns)

	// Reserve every function index and size the table before any body is
	// emitted, so calls and closures can refer forward.
	for _, fn := range fns {
		if !g.skipped[fn.Name] {
			g.funcs[fn.Name] = g.module.AddFunction(fn.Name, uint8(len(fn.Params)))
		}
	}
	g.module.SetTableSize(table.Len())
	g.lambdas = make([]uint32, table.Len())
	for i, info := range table.All() {
		g.lambdas[i] = g.module.AddFunction(fmt.Sprintf("%s.lambda%d", info.Func, info.Index), uint8(len(info.Params)+1))
		if err := g.module.SetTableEntry(i, g.lambdas[i]); err != nil {
			panic(err)
		}
	}

	for _, fn := range fns {
		if idx, ok := g.funcs[fn.Name]; ok {
			f := g.module.Functions[idx]
			g.emitFunction(fn, f)
			g.checkLimits(f, fn.Name, fn)
			g.module.AddExport(fn.Name, idx)
		}
	}
	for i, info := range table.All() {
		f := g.module.Functions[g.lambdas[i]]
		if g.skipped[info.Func] || g.decls[info.Func] == nil {
			f.Emit(bytecode.OpTrap)
			continue
		}
		g.emitLambda(info, f)
		g.checkLimits(f, info.Func, info.Expr)
	}

	SortDiagnostics(g.diags.items)
	return g.module, g.diags.items
}

// checkLimits reports code that overflowed an operand width of the target
// and replaces it with a trap.
func (g *generator) checkLimits(f *bytecode.Function, owner string, node Node) {
	err := f.Err()
	if err == nil {
		return
	}
	g.diags.add(CodegenError, CodeUnsupported, node.Span(), "function '%s' does not fit the bytecode target: %v", owner, err)
	f.Clear()
	f.Emit(bytecode.OpTrap)
}

// addGlobal maps a top-level binding with a literal scalar initializer to a
// module global.
func (g *generator) addGlobal(decl *GlobalDecl) {
	var init uint64
	switch v := decl.Value.(type) {
	case *IntLiteral:
		init = uint64(v.Value)
	case *FloatLiteral:
		init = bytecodeFloat(v.Value)
	case *BoolLiteral:
		if v.Value {
			init = 1
		}
	case *UnaryExpr:
		switch lit := v.Operand.(type) {
		case *IntLiteral:
			if v.Op != TokenMinus {
				return
			}
			init = uint64(-lit.Value)
		case *FloatLiteral:
			if v.Op != TokenMinus {
				return
			}
			init = bytecodeFloat(-lit.Value)
		default:
			return
		}
	default:
		return
	}
	g.globals[decl.Name] = g.module.AddGlobal(decl.Name, init, !decl.IsConst)
}

// ---------------------------------------------------------------------------
// Target support checks
// ---------------------------------------------------------------------------

// selectFunctions decides which functions are compiled. A function is
// skipped when it uses a construct the target cannot express or calls a
// skipped function; capturing a non-scalar value is reported as an error.
func (g *generator) selectFunctions(fns []*FnDecl) {
	for _, fn := range fns {
		if fn.IsComponent {
			g.skipped[fn.Name] = true
			continue
		}
		if g.checkCaptures(fn) {
			g.skipped[fn.Name] = true
			continue
		}
		g.inferParams(fn)
		if node, reason := g.unsupported(fn); node != nil {
			g.skip(fn, node, reason)
		}
	}

	for changed := true; changed; {
		changed = false
		for _, fn := range fns {
			if g.skipped[fn.Name] {
				continue
			}
			Inspect(fn.Body, func(n Node) bool {
				if g.skipped[fn.Name] {
					return false
				}
				call, ok := n.(*CallExpr)
				if !ok {
					return true
				}
				if id, ok := call.Callee.(*Identifier); ok && g.isTopLevelFunc(id) && g.skipped[id.Name] {
					g.skip(fn, call, fmt.Sprintf("it calls '%s', which is not compiled", id.Name))
					changed = true
				}
				return true
			})
		}
	}
}

func (g *generator) skip(fn *FnDecl, node Node, reason string) {
	g.skipped[fn.Name] = true
	g.diags.warn(CodegenError, CodeUnsupported, node.Span(), "function '%s' is not compiled to bytecode: %s", fn.Name, reason)
}

func (g *generator) isTopLevelFunc(id *Identifier) bool {
	sym := g.analysis.References[id]
	return sym != nil && (sym.Kind == SymFunction || sym.Kind == SymComponent)
}

// checkCaptures reports every lambda in fn that captures a value wider than
// one environment slot. It returns true if any was found.
func (g *generator) checkCaptures(fn *FnDecl) bool {
	found := false
	Inspect(fn.Body, func(n Node) bool {
		lam, ok := n.(*LambdaExpr)
		if !ok {
			return true
		}
		info, ok := g.table.Lookup(lam)
		if !ok {
			return true
		}
		for _, name := range info.Captures {
			t := g.captureType(lam, name)
			if !IsScalar(t) {
				d := g.diags.add(CodegenError, CodeUnsupported, lam.Span(), "cannot capture '%s' of type %s in a closure", name, t)
				d.Notes = append(d.Notes, "closure environments hold only scalar values (i64, f64, bool, closures)")
				found = true
			}
		}
		return true
	})
	return found
}

// captureType returns the analyzed type of the first reference to name in
// the lambda body.
func (g *generator) captureType(lam *LambdaExpr, name string) Type {
	var t Type = Unknown
	done := false
	Inspect(lam.Body, func(n Node) bool {
		if done {
			return false
		}
		if id, ok := n.(*Identifier); ok && id.Name == name {
			t = g.analysis.TypeOf(id)
			done = true
		}
		return true
	})
	return t
}

// unsupported returns the first node in fn the target cannot express.
func (g *generator) unsupported(fn *FnDecl) (Node, string) {
	if sym := g.analysis.Lookup(fn.Name); sym != nil {
		if k, ok := sym.Type.(KnownType); ok {
			if sh, ok := k.Shape.(FuncShape); ok {
				for i, pt := range sh.Params {
					if !IsScalar(pt) && i < len(fn.Params) {
						return fn.Params[i], fmt.Sprintf("parameter '%s' has type %s", fn.Params[i].Name, pt)
					}
				}
				if !IsScalar(sh.Result) {
					return fn, fmt.Sprintf("it returns %s", sh.Result)
				}
			}
		}
	}

	var node Node
	var reason string
	fail := func(n Node, r string) bool {
		node, reason = n, r
		return false
	}
	callees := make(map[*Identifier]bool)
	result := g.declaredResult(fn)
	returns := make(map[*ReturnStmt]bool)
	for _, r := range fnReturns(fn.Body) {
		returns[r] = true
	}
	Inspect(fn.Body, func(n Node) bool {
		if node != nil {
			return false
		}
		switch x := n.(type) {
		case *StringLiteral:
			return fail(x, "string values are not supported by this target")
		case *Element:
			return fail(x, "markup is not supported by this target")
		case *StructLiteral:
			return fail(x, "struct values are not supported by this target")
		case *ArrayLiteral:
			return fail(x, "array values are not supported by this target")
		case *PathExpr:
			return fail(x, "enum values are not supported by this target")
		case *FieldExpr:
			return fail(x, "field access is not supported by this target")
		case *IndexExpr:
			return fail(x, "indexing is not supported by this target")
		case *TryExpr:
			return fail(x, "the '?' operator is not supported by this target")
		case *ForStmt:
			if r, ok := x.Iter.(*BinaryExpr); !ok || r.Op != TokenDotDot {
				return fail(x, "only 'for' over an integer range is supported by this target")
			}
		case *BinaryExpr:
			if x.Op != TokenDotDot && !IsScalar(g.analysis.TypeOf(x)) {
				return fail(x, fmt.Sprintf("values of type %s are not supported by this target", g.analysis.TypeOf(x)))
			}
			if _, arith := intOps[x.Op]; arith && (!g.numeric(x.Left) || !g.numeric(x.Right)) {
				return fail(x, fmt.Sprintf("the operands of '%s' are not known to be integers or floats; annotate the closure parameters", x.Op))
			}
		case *UnaryExpr:
			if x.Op == TokenMinus && !g.numeric(x.Operand) {
				return fail(x, "the operand of '-' is not known to be an integer or a float; annotate the closure parameters")
			}
		case *LambdaExpr:
			for _, want := range g.lambdaResults[x] {
				if got := g.lambdaResult(x); IsKnown(want) && (!IsKnown(got) || !Compatible(want, got)) {
					return fail(x, fmt.Sprintf("closure result %s does not match the expected %s", got, want))
				}
			}
		case *ReturnStmt:
			if returns[x] && x.Value != nil && !g.representable(result, x.Value) {
				return fail(x, "the returned value is not known to be an integer or a float")
			}
		case *MatchExpr:
			for _, arm := range x.Arms {
				if arm.Pattern.Kind == PatVariant {
					return fail(arm.Pattern, "enum patterns are not supported by this target")
				}
				if arm.Pattern.Kind == PatLiteral && !g.numeric(x.Subject) {
					return fail(x.Subject, "the match subject is not known to be an integer or a float")
				}
			}
		case *CallExpr:
			expected := g.expectedArgs(x)
			for _, a := range x.Args {
				if pt, ok := expected[a]; ok && !g.representable(pt, a.Value) {
					return fail(a.Value, fmt.Sprintf("the argument is not known to be %s", pt))
				}
			}
			id, ok := x.Callee.(*Identifier)
			if !ok {
				return true
			}
			sym := g.analysis.References[id]
			if sym == nil {
				return true
			}
			switch sym.Kind {
			case SymBuiltin:
				if id.Name != "println" && id.Name != "print" {
					return fail(x, fmt.Sprintf("builtin '%s' is not available on this target", id.Name))
				}
				for _, a := range x.Args {
					if !IsKnown(g.operandType(a.Value)) {
						return fail(a.Value, fmt.Sprintf("the argument of '%s' is not known to be an integer or a float", id.Name))
					}
				}
				callees[id] = true
			case SymFunction, SymComponent:
				callees[id] = true
			default:
				for _, a := range x.Args {
					if a.Name != "" {
						return fail(x, "named arguments require a declared function")
					}
				}
			}
		case *Identifier:
			sym := g.analysis.References[x]
			if sym == nil || callees[x] {
				return true
			}
			switch sym.Kind {
			case SymFunction, SymComponent:
				return fail(x, fmt.Sprintf("function '%s' used as a value", x.Name))
			case SymBuiltin:
				return fail(x, fmt.Sprintf("builtin '%s' used as a value", x.Name))
			case SymGlobal, SymConst:
				if _, ok := g.globals[x.Name]; !ok {
					return fail(x, fmt.Sprintf("global '%s' does not have a scalar literal value", x.Name))
				}
			}
		case *LetStmt:
			if t := g.analysis.TypeOf(x.Value); !IsScalar(t) {
				return fail(x, fmt.Sprintf("'%s' has type %s", x.Name, t))
			}
			if x.Type != nil && x.Type.Kind == TypeRefNamed {
				if t, ok := primitiveByName[x.Type.Name]; ok && !g.representable(t, x.Value) {
					return fail(x, fmt.Sprintf("the value of '%s' is not known to be a %s", x.Name, t))
				}
			}
		}
		return true
	})
	if node == nil && fn.Body != nil && fn.Body.Tail != nil && !g.representable(result, fn.Body.Tail) {
		return fn.Body.Tail, "the result is not known to be an integer or a float"
	}
	return node, reason
}

// ---------------------------------------------------------------------------
// Word representation
// ---------------------------------------------------------------------------

// Integers and floats share one word, so every arithmetic operand must have
// a known primitive type. Unannotated lambda parameters take the type of the
// arguments at every place the lambda is known to be called; a lambda that
// escapes anywhere else keeps them unknown.

// inferParams fills paramTypes and lambdaResults for the lambdas in fn.
func (g *generator) inferParams(fn *FnDecl) {
	if fn.Body == nil {
		return
	}
	sites := make(map[*LambdaExpr][][]Type)
	handled := make(map[Expr]bool)
	expect := func(x Expr, t Type) {
		lam := g.lambdaOf(x)
		if lam == nil {
			return
		}
		sh, ok := funcShape(t)
		if !ok {
			return
		}
		handled[x] = true
		sites[lam] = append(sites[lam], sh.Params)
		g.lambdaResults[lam] = append(g.lambdaResults[lam], sh.Result)
	}

	Inspect(fn.Body, func(n Node) bool {
		call, ok := n.(*CallExpr)
		if !ok {
			return true
		}
		if lam := g.lambdaOf(call.Callee); lam != nil {
			handled[call.Callee] = true
			args := make([]Type, len(call.Args))
			for i, a := range call.Args {
				args[i] = g.analysis.TypeOf(a.Value)
			}
			sites[lam] = append(sites[lam], args)
		}
		for a, pt := range g.expectedArgs(call) {
			expect(a.Value, pt)
		}
		return true
	})
	result := g.declaredResult(fn)
	for _, r := range fnReturns(fn.Body) {
		if r.Value != nil {
			expect(r.Value, result)
		}
	}
	if fn.Body.Tail != nil {
		expect(fn.Body.Tail, result)
	}

	escaped := make(map[*LambdaExpr]bool)
	Inspect(fn.Body, func(n Node) bool {
		switch x := n.(type) {
		case *LetStmt:
			if lam, ok := x.Value.(*LambdaExpr); ok && (x.Mutable || x.Type != nil) {
				escaped[lam] = true
			}
		case *Identifier:
			if lam := g.lambdaOf(x); lam != nil && !handled[x] {
				escaped[lam] = true
			}
		case *LambdaExpr:
			if !handled[x] && !g.isBound(fn, x) {
				escaped[x] = true
			}
		}
		return true
	})

	for lam, calls := range sites {
		if escaped[lam] {
			continue
		}
		for i, p := range lam.Params {
			if p.Type != nil {
				continue
			}
			var t Type
			agree := true
			for _, args := range calls {
				if i >= len(args) || !isWord(args[i]) || (t != nil && !Compatible(t, args[i])) {
					agree = false
					break
				}
				t = args[i]
			}
			if agree && t != nil {
				g.paramTypes[p] = t
			}
		}
	}
}

// isBound reports whether lam is the value of a let binding in fn.
func (g *generator) isBound(fn *FnDecl, lam *LambdaExpr) bool {
	found := false
	Inspect(fn.Body, func(n Node) bool {
		if st, ok := n.(*LetStmt); ok && st.Value == Expr(lam) {
			found = true
		}
		return !found
	})
	return found
}

// lambdaOf returns the lambda x evaluates to: a lambda literal or a name
// bound to one by an immutable, unannotated let.
func (g *generator) lambdaOf(x Expr) *LambdaExpr {
	switch n := x.(type) {
	case *LambdaExpr:
		return n
	case *Identifier:
		sym := g.analysis.References[n]
		if sym == nil {
			return nil
		}
		if st, ok := sym.Local.(*LetStmt); ok && !st.Mutable && st.Type == nil {
			lam, _ := st.Value.(*LambdaExpr)
			return lam
		}
	}
	return nil
}

func (g *generator) lambdaParamType(p *Param) Type {
	if p.Type != nil {
		return g.typeOfParam(p)
	}
	if t, ok := g.paramTypes[p]; ok {
		return t
	}
	return Unknown
}

// lambdaResult returns the type of the value a lambda returns.
func (g *generator) lambdaResult(lam *LambdaExpr) Type {
	body := lam.Body
	if block, ok := body.(*BlockExpr); ok {
		if block.Tail == nil {
			return TypeUnit
		}
		body = block.Tail
	}
	return g.operandType(body)
}

func (g *generator) declaredResult(fn *FnDecl) Type {
	if sym := g.analysis.Lookup(fn.Name); sym != nil && sym.Decl == Node(fn) {
		if sh, ok := funcShape(sym.Type); ok {
			return sh.Result
		}
	}
	return Unknown
}

// operandType is the analyzed type of x, refined where the analysis left it
// unknown because it depends on an unannotated lambda parameter.
func (g *generator) operandType(x Expr) Type {
	if x == nil {
		return Unknown
	}
	t := g.analysis.TypeOf(x)
	if IsKnown(t) {
		return t
	}
	if cached, ok := g.operands[x]; ok {
		return cached
	}
	g.operands[x] = Unknown
	t = g.refine(x, t)
	g.operands[x] = t
	return t
}

func (g *generator) refine(x Expr, t Type) Type {
	switch n := x.(type) {
	case *Identifier:
		sym := g.analysis.References[n]
		if sym == nil {
			return t
		}
		switch d := sym.Local.(type) {
		case *Param:
			return g.lambdaParamType(d)
		case *LetStmt:
			if d.Type == nil {
				return g.operandType(d.Value)
			}
		}
	case *BinaryExpr:
		switch n.Op {
		case TokenEq, TokenNotEq, TokenLt, TokenLtEq, TokenGt, TokenGtEq, TokenAndAnd, TokenOrOr:
			return TypeBool
		}
		r, _ := Arithmetic(n.Op, g.operandType(n.Left), g.operandType(n.Right))
		return r
	case *UnaryExpr:
		if n.Op == TokenBang {
			return TypeBool
		}
		return g.operandType(n.Operand)
	case *BlockExpr:
		if n.Tail != nil {
			return g.operandType(n.Tail)
		}
	case *IfExpr:
		if n.Else != nil {
			return sameType(g.operandType(n.Then), g.operandType(n.Else))
		}
	case *TernaryExpr:
		return sameType(g.operandType(n.Then), g.operandType(n.Else))
	case *CallExpr:
		if lam := g.lambdaOf(n.Callee); lam != nil {
			return g.lambdaResult(lam)
		}
	}
	return t
}

// numeric reports whether x is known to be an integer, float or bool word.
func (g *generator) numeric(x Expr) bool {
	return isWord(g.operandType(x))
}

// representable reports whether value can be stored where t is expected:
// an i64 or f64 destination needs a value of known representation.
func (g *generator) representable(t Type, value Expr) bool {
	if !isPrim(t, PrimInt) && !isPrim(t, PrimFloat) {
		return true
	}
	return g.numeric(value)
}

// closureParams returns the parameter types of the closure a call invokes.
func (g *generator) closureParams(call *CallExpr) []Type {
	if lam := g.lambdaOf(call.Callee); lam != nil {
		params := make([]Type, len(lam.Params))
		for i, p := range lam.Params {
			params[i] = g.lambdaParamType(p)
		}
		return params
	}
	if sh, ok := funcShape(g.analysis.TypeOf(call.Callee)); ok {
		return sh.Params
	}
	return nil
}

// expectedArgs maps each argument of a call to the type of the parameter it
// is passed as, where that type is known.
func (g *generator) expectedArgs(call *CallExpr) map[*Arg]Type {
	out := make(map[*Arg]Type)
	if id, ok := call.Callee.(*Identifier); ok {
		if sym := g.analysis.References[id]; sym != nil {
			switch sym.Kind {
			case SymBuiltin, SymComponent:
				return out
			case SymFunction:
				decl := g.decls[id.Name]
				if decl == nil {
					return out
				}
				var params []Type
				if sh, ok := funcShape(sym.Type); ok {
					params = sh.Params
				}
				for i, a := range call.Args {
					idx := i
					if a.Name != "" {
						idx = paramIndex(decl, a.Name)
					}
					if idx >= 0 && idx < len(params) {
						out[a] = params[idx]
					}
				}
				return out
			}
		}
	}
	for i, pt := range g.closureParams(call) {
		if i < len(call.Args) {
			out[call.Args[i]] = pt
		}
	}
	return out
}

// fnReturns returns the return statements of a function body, excluding
// those of nested lambdas.
func fnReturns(body *BlockExpr) []*ReturnStmt {
	var out []*ReturnStmt
	if body == nil {
		return out
	}
	Inspect(body, func(n Node) bool {
		switch r := n.(type) {
		case *LambdaExpr:
			return false
		case *ReturnStmt:
			out = append(out, r)
		}
		return true
	})
	return out
}

func funcShape(t Type) (FuncShape, bool) {
	k, ok := t.(KnownType)
	if !ok {
		return FuncShape{}, false
	}
	sh, ok := k.Shape.(FuncShape)
	return sh, ok
}

// isWord reports whether t is an integer, float or bool.
func isWord(t Type) bool {
	p, ok := PrimitiveOf(t)
	return ok && (p == PrimInt || p == PrimFloat || p == PrimBool)
}

// sameType returns a when both branches have the same known type.
func sameType(a, b Type) Type {
	if IsKnown(a) && IsKnown(b) && Compatible(a, b) {
		return a
	}
	return Unknown
}

// ---------------------------------------------------------------------------
// Function emission
// ---------------------------------------------------------------------------

// emitter emits the body of one function or lambda.
type emitter struct {
	g      *generator
	fn     *bytecode.Function
	scopes *ScopeStack[local]
	lambda *LambdaInfo // nil for a top-level function
	result Type        // declared result of a top-level function
}

func (g *generator) newEmitter(f *bytecode.Function, lambda *LambdaInfo) *emitter {
	return &emitter{g: g, fn: f, scopes: NewScopeStack[local](), lambda: lambda, result: Unknown}
}

func (g *generator) emitFunction(decl *FnDecl, f *bytecode.Function) {
	e := g.newEmitter(f, nil)
	f.LocalCount = 0
	var params []Type
	if sym := g.analysis.Lookup(decl.Name); sym != nil {
		if sh, ok := funcShape(sym.Type); ok {
			params = sh.Params
			e.result = sh.Result
		}
	}
	for i, p := range decl.Params {
		var t Type = Unknown
		if i < len(params) {
			t = params[i]
		}
		e.scopes.Define(p.Name, local{slot: f.AddLocal(p.Name), typ: t})
	}
	e.emitBody(decl.Body)
}

func (g *generator) emitLambda(info *LambdaInfo, f *bytecode.Function) {
	e := g.newEmitter(f, info)
	f.LocalCount = 0
	f.AddLocal("env")
	for _, p := range info.Expr.Params {
		e.scopes.Define(p.Name, local{slot: f.AddLocal(p.Name), typ: g.lambdaParamType(p)})
	}
	if block, ok := info.Expr.Body.(*BlockExpr); ok {
		e.emitBody(block)
		return
	}
	e.mark(info.Expr.Body)
	e.emitExpr(info.Expr.Body)
	f.Emit(bytecode.OpReturn)
}

func (g *generator) typeOfParam(p *Param) Type {
	if p.Type == nil {
		return Unknown
	}
	if t, ok := primitiveByName[p.Type.Name]; ok && p.Type.Kind == TypeRefNamed {
		return t
	}
	return Unknown
}

func (e *emitter) emitBody(body *BlockExpr) {
	for _, stmt := range body.Stmts {
		e.emitStmt(stmt)
	}
	if body.Tail != nil {
		e.mark(body.Tail)
		e.emitExpr(body.Tail)
		e.convertTo(e.result, body.Tail)
		e.fn.Emit(bytecode.OpReturn)
		return
	}
	e.fn.Emit(bytecode.OpReturnUnit)
}

// mark records the source position of the code emitted next.
func (e *emitter) mark(n Node) {
	pos := n.Span().Start
	e.fn.AddSourceLocation(uint32(pos.Line), uint16(pos.Column))
}

func (e *emitter) isFloat(x Expr) bool {
	return isPrim(e.g.operandType(x), PrimFloat)
}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

func (e *emitter) emitStmt(stmt Stmt) {
	e.mark(stmt)
	switch st := stmt.(type) {
	case *LetStmt:
		typ := e.g.operandType(st.Value)
		e.emitExpr(st.Value)
		if st.Type != nil && st.Type.Kind == TypeRefNamed {
			if t, ok := primitiveByName[st.Type.Name]; ok {
				e.convertTo(t, st.Value)
				typ = t
			}
		}
		slot := e.fn.AddLocal(st.Name)
		e.fn.EmitWithOperand(bytecode.OpLocalSet, slot)
		e.scopes.Define(st.Name, local{slot: slot, typ: typ})

	case *AssignStmt:
		e.emitAssign(st)

	case *ReturnStmt:
		if st.Value == nil {
			e.fn.Emit(bytecode.OpReturnUnit)
			return
		}
		e.emitExpr(st.Value)
		e.convertTo(e.result, st.Value)
		e.fn.Emit(bytecode.OpReturn)

	case *ExprStmt:
		e.emitExpr(st.Expr)
		e.fn.Emit(bytecode.OpPop)

	case *WhileStmt:
		loopStart := e.fn.CurrentOffset()
		e.emitExpr(st.Cond)
		exit := e.fn.EmitJump(bytecode.OpJumpIfFalse)
		e.emitBlock(st.Body)
		e.fn.Emit(bytecode.OpPop)
		e.fn.EmitLoop(loopStart)
		e.fn.PatchJump(exit)

	case *ForStmt:
		e.emitForRange(st)
	}
}

// emitForRange emits `for i in lo..hi` as a counting loop.
func (e *emitter) emitForRange(st *ForStmt) {
	r := st.Iter.(*BinaryExpr)
	e.scopes.Push()
	defer e.scopes.Pop()

	i := e.fn.AddLocal(st.Var)
	end := e.fn.AddLocal("")
	e.emitExpr(r.Left)
	e.fn.EmitWithOperand(bytecode.OpLocalSet, i)
	e.emitExpr(r.Right)
	e.fn.EmitWithOperand(bytecode.OpLocalSet, end)
	e.scopes.Define(st.Var, local{slot: i, typ: TypeInt})

	loopStart := e.fn.CurrentOffset()
	e.fn.EmitWithOperand(bytecode.OpLocalGet, i)
	e.fn.EmitWithOperand(bytecode.OpLocalGet, end)
	e.fn.Emit(bytecode.OpI64Lt)
	exit := e.fn.EmitJump(bytecode.OpJumpIfFalse)
	e.emitBlock(st.Body)
	e.fn.Emit(bytecode.OpPop)
	e.fn.EmitWithOperand(bytecode.OpLocalGet, i)
	e.fn.Emit(bytecode.OpConstOne)
	e.fn.Emit(bytecode.OpI64Add)
	e.fn.EmitWithOperand(bytecode.OpLocalSet, i)
	e.fn.EmitLoop(loopStart)
	e.fn.PatchJump(exit)
}

func (e *emitter) emitAssign(st *AssignStmt) {
	id, ok := st.Target.(*Identifier)
	if !ok {
		e.g.diags.add(CodegenError, CodeUnsupported, st.Target.Span(), "unsupported assignment target")
		return
	}
	if l, ok := e.scopes.Lookup(id.Name); ok {
		e.emitExpr(st.Value)
		e.convertTo(l.typ, st.Value)
		e.fn.EmitWithOperand(bytecode.OpLocalSet, l.slot)
		return
	}
	if e.lambda != nil {
		if slot := e.lambda.CaptureSlot(id.Name); slot >= 0 {
			// Writes go to this closure's environment record only.
			e.fn.EmitWithOperand(bytecode.OpLocalGet, 0)
			e.emitExpr(st.Value)
			e.convertTo(e.g.operandType(id), st.Value)
			e.fn.EmitU32(bytecode.OpStore64, uint32(slot*bytecode.WordSize))
			return
		}
	}
	if idx, ok := e.g.globals[id.Name]; ok {
		e.emitExpr(st.Value)
		e.convertTo(e.g.operandType(id), st.Value)
		e.fn.EmitU16(bytecode.OpGlobalSet, idx)
		return
	}
	e.g.diags.add(CodegenError, CodeUndefinedName, id.Span(), "cannot resolve '%s' in bytecode", id.Name)
}

// convertTo widens an integer value to float when stored into a float slot.
func (e *emitter) convertTo(dst Type, value Expr) {
	if isPrim(dst, PrimFloat) && isPrim(e.g.operandType(value), PrimInt) {
		e.fn.Emit(bytecode.OpF64ConvertI64)
	}
}

// emitBlock emits a block in its own scope, leaving its value on the stack.
func (e *emitter) emitBlock(b *BlockExpr) {
	e.scopes.Push()
	defer e.scopes.Pop()
	for _, stmt := range b.Stmts {
		e.emitStmt(stmt)
	}
	if b.Tail != nil {
		e.emitExpr(b.Tail)
		return
	}
	e.fn.Emit(bytecode.OpConstZero)
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

// emitExpr emits code leaving exactly one word on the stack.
func (e *emitter) emitExpr(x Expr) {
	switch n := x.(type) {
	case *IntLiteral:
		e.fn.EmitI64(n.Value)

	case *FloatLiteral:
		e.fn.EmitF64(n.Value)

	case *BoolLiteral:
		if n.Value {
			e.fn.Emit(bytecode.OpConstOne)
		} else {
			e.fn.Emit(bytecode.OpConstZero)
		}

	case *Identifier:
		e.emitLoad(n)

	case *BinaryExpr:
		e.emitBinary(n)

	case *UnaryExpr:
		e.emitExpr(n.Operand)
		switch n.Op {
		case TokenMinus:
			if e.isFloat(n.Operand) {
				e.fn.Emit(bytecode.OpF64Neg)
			} else {
				e.fn.Emit(bytecode.OpI64Neg)
			}
		case TokenBang:
			e.fn.Emit(bytecode.OpI64Eqz)
		}

	case *CallExpr:
		e.emitCall(n)

	case *LambdaExpr:
		e.emitClosure(n)

	case *BlockExpr:
		e.emitBlock(n)

	case *IfExpr:
		t := e.g.operandType(n)
		e.emitExpr(n.Cond)
		elseJump := e.fn.EmitJump(bytecode.OpJumpIfFalse)
		e.emitBlock(n.Then)
		e.convertTo(t, n.Then)
		endJump := e.fn.EmitJump(bytecode.OpJump)
		e.fn.PatchJump(elseJump)
		if n.Else != nil {
			e.emitExpr(n.Else)
			e.convertTo(t, n.Else)
		} else {
			e.fn.Emit(bytecode.OpConstZero)
		}
		e.fn.PatchJump(endJump)

	case *TernaryExpr:
		t := e.g.operandType(n)
		e.emitExpr(n.Cond)
		elseJump := e.fn.EmitJump(bytecode.OpJumpIfFalse)
		e.emitExpr(n.Then)
		e.convertTo(t, n.Then)
		endJump := e.fn.EmitJump(bytecode.OpJump)
		e.fn.PatchJump(elseJump)
		e.emitExpr(n.Else)
		e.convertTo(t, n.Else)
		e.fn.PatchJump(endJump)

	case *MatchExpr:
		e.emitMatch(n)

	default:
		e.g.diags.add(CodegenError, CodeUnsupported, x.Span(), "expression is not supported by the bytecode target")
		e.fn.Emit(bytecode.OpConstZero)
	}
}

// emitLoad pushes the value of a name: a local slot, a capture loaded from
// the environment record in local 0, or a global.
func (e *emitter) emitLoad(id *Identifier) {
	if l, ok := e.scopes.Lookup(id.Name); ok {
		e.fn.EmitWithOperand(bytecode.OpLocalGet, l.slot)
		return
	}
	if e.lambda != nil {
		if slot := e.lambda.CaptureSlot(id.Name); slot >= 0 {
			e.fn.EmitWithOperand(bytecode.OpLocalGet, 0)
			e.fn.EmitU32(bytecode.OpLoad64, uint32(slot*bytecode.WordSize))
			return
		}
	}
	if idx, ok := e.g.globals[id.Name]; ok {
		e.fn.EmitU16(bytecode.OpGlobalGet, idx)
		return
	}
	e.g.diags.add(CodegenError, CodeUndefinedName, id.Span(), "cannot resolve '%s' in bytecode", id.Name)
	e.fn.Emit(bytecode.OpConstZero)
}

func (e *emitter) emitBinary(n *BinaryExpr) {
	switch n.Op {
	case TokenAndAnd, TokenOrOr:
		e.emitExpr(n.Left)
		e.fn.Emit(bytecode.OpDup)
		jump := bytecode.OpJumpIfFalse
		if n.Op == TokenOrOr {
			jump = bytecode.OpJumpIfTrue
		}
		end := e.fn.EmitJump(jump)
		e.fn.Emit(bytecode.OpPop)
		e.emitExpr(n.Right)
		e.fn.PatchJump(end)
		return
	}

	lf, rf := e.isFloat(n.Left), e.isFloat(n.Right)
	e.emitExpr(n.Left)
	e.emitExpr(n.Right)
	float := lf || rf
	if float && !lf {
		e.fn.Emit(bytecode.OpF64ConvertLHS)
	}
	if float && !rf {
		e.fn.Emit(bytecode.OpF64ConvertI64)
	}

	ops := intOps
	if float {
		ops = floatOps
	}
	op, ok := ops[n.Op]
	if !ok {
		e.g.diags.add(CodegenError, CodeUnsupported, n.Span(), "operator '%s' is not supported by the bytecode target", n.Op)
		return
	}
	e.fn.Emit(op)
}

var intOps = map[TokenType]bytecode.Opcode{
	TokenPlus:    bytecode.OpI64Add,
	TokenMinus:   bytecode.OpI64Sub,
	TokenStar:    bytecode.OpI64Mul,
	TokenSlash:   bytecode.OpI64Div,
	TokenPercent: bytecode.OpI64Rem,
	TokenEq:      bytecode.OpI64Eq,
	TokenNotEq:   bytecode.OpI64Ne,
	TokenLt:      bytecode.OpI64Lt,
	TokenLtEq:    bytecode.OpI64Le,
	TokenGt:      bytecode.OpI64Gt,
	TokenGtEq:    bytecode.OpI64Ge,
}

var floatOps = map[TokenType]bytecode.Opcode{
	TokenPlus:  bytecode.OpF64Add,
	TokenMinus: bytecode.OpF64Sub,
	TokenStar:  bytecode.OpF64Mul,
	TokenSlash: bytecode.OpF64Div,
	TokenEq:    bytecode.OpF64Eq,
	TokenNotEq: bytecode.OpF64Ne,
	TokenLt:    bytecode.OpF64Lt,
	TokenLtEq:  bytecode.OpF64Le,
	TokenGt:    bytecode.OpF64Gt,
	TokenGtEq:  bytecode.OpF64Ge,
}

func (e *emitter) emitCall(n *CallExpr) {
	if id, ok := n.Callee.(*Identifier); ok {
		if _, isLocal := e.scopes.Lookup(id.Name); !isLocal && (e.lambda == nil || !e.lambda.IsCapture(id.Name)) {
			if idx, ok := e.g.funcs[id.Name]; ok {
				e.emitArgs(n, e.g.decls[id.Name])
				e.fn.EmitCall(bytecode.OpCall, uint16(idx), uint8(len(n.Args)))
				return
			}
			if id.Name == "println" || id.Name == "print" {
				e.emitPrint(n)
				return
			}
		}
	}

	// Closure call: the environment is the implicit first argument.
	tmp := e.fn.AddLocal("")
	e.emitExpr(n.Callee)
	e.fn.EmitWithOperand(bytecode.OpLocalSet, tmp)
	e.fn.EmitWithOperand(bytecode.OpLocalGet, tmp)
	e.fn.Emit(bytecode.OpClosureEnv)
	e.emitArgs(n, nil)
	e.fn.EmitWithOperand(bytecode.OpLocalGet, tmp)
	e.fn.Emit(bytecode.OpClosureIndex)
	e.fn.EmitWithOperand(bytecode.OpCallIndirect, uint8(len(n.Args)+1))
}

// emitArgs pushes call arguments in parameter order. Named arguments are
// placed by the declaration's parameter names.
func (e *emitter) emitArgs(n *CallExpr, decl *FnDecl) {
	if decl == nil {
		params := e.g.closureParams(n)
		for i, a := range n.Args {
			e.emitExpr(a.Value)
			if i < len(params) {
				e.convertTo(params[i], a.Value)
			}
		}
		return
	}
	ordered := make([]*Arg, len(decl.Params))
	for i, a := range n.Args {
		idx := i
		if a.Name != "" {
			idx = paramIndex(decl, a.Name)
		}
		if idx >= 0 && idx < len(ordered) {
			ordered[idx] = a
		}
	}
	for i, a := range ordered {
		if a == nil {
			e.fn.Emit(bytecode.OpConstZero)
			continue
		}
		e.emitExpr(a.Value)
		var pt Type = Unknown
		if p := decl.Params[i]; p.Type != nil {
			pt = e.g.typeOfParam(p)
		}
		e.convertTo(pt, a.Value)
	}
}

func (e *emitter) emitPrint(n *CallExpr) {
	if len(n.Args) == 0 {
		e.fn.Emit(bytecode.OpConstZero)
		return
	}
	for i, a := range n.Args {
		name := bytecode.ImportPrint
		if e.isFloat(a.Value) {
			name = bytecode.ImportPrintF
		}
		imp := e.g.module.AddImport(bytecode.RuntimeModule, name, 1, 0)
		e.emitExpr(a.Value)
		e.fn.EmitCall(bytecode.OpCallImport, imp, 1)
		if i < len(n.Args)-1 {
			e.fn.Emit(bytecode.OpPop)
		}
	}
}

// emitClosure builds a closure value: allocate the environment record, store
// each capture at its slot, then pack the table slot with the record
// address.
func (e *emitter) emitClosure(lam *LambdaExpr) {
	info, ok := e.g.table.Lookup(lam)
	if !ok {
		panic("compiler: lambda missing from table")
	}
	if len(info.Captures) == 0 {
		e.fn.Emit(bytecode.OpConstZero)
		e.fn.EmitU16(bytecode.OpClosureMake, uint16(info.Index))
		return
	}

	env := e.fn.AddLocal("")
	e.g.policy.EmitAlloc(e.g.module, e.fn, uint32(len(info.Captures)*bytecode.WordSize))
	e.fn.EmitWithOperand(bytecode.OpLocalSet, env)
	for i, name := range info.Captures {
		e.fn.EmitWithOperand(bytecode.OpLocalGet, env)
		e.emitLoad(&Identifier{SpanVal: lam.SpanVal, Name: name})
		e.fn.EmitU32(bytecode.OpStore64, uint32(i*bytecode.WordSize))
	}
	e.fn.EmitWithOperand(bytecode.OpLocalGet, env)
	e.fn.EmitU16(bytecode.OpClosureMake, uint16(info.Index))
}

// emitMatch lowers a match over scalar literals to a chain of comparisons.
func (e *emitter) emitMatch(n *MatchExpr) {
	subject := e.fn.AddLocal("")
	e.emitExpr(n.Subject)
	e.fn.EmitWithOperand(bytecode.OpLocalSet, subject)
	float := e.isFloat(n.Subject)
	result := e.g.operandType(n)

	var ends []int
	for _, arm := range n.Arms {
		e.scopes.Push()
		next := -1
		switch arm.Pattern.Kind {
		case PatLiteral:
			e.fn.EmitWithOperand(bytecode.OpLocalGet, subject)
			e.emitExpr(arm.Pattern.Literal)
			if float {
				if !e.isFloat(arm.Pattern.Literal) {
					e.fn.Emit(bytecode.OpF64ConvertI64)
				}
				e.fn.Emit(bytecode.OpF64Eq)
			} else {
				e.fn.Emit(bytecode.OpI64Eq)
			}
			next = e.fn.EmitJump(bytecode.OpJumpIfFalse)
		case PatBinding:
			e.scopes.Define(arm.Pattern.Name, local{slot: subject, typ: e.g.operandType(n.Subject)})
		}
		e.emitExpr(arm.Body)
		e.convertTo(result, arm.Body)
		ends = append(ends, e.fn.EmitJump(bytecode.OpJump))
		if next >= 0 {
			e.fn.PatchJump(next)
		}
		e.scopes.Pop()
	}
	e.fn.Emit(bytecode.OpTrap)
	for _, j := range ends {
		e.fn.PatchJump(j)
	}
}

func bytecodeFloat(f float64) uint64 { return math.Float64bits(f) }
