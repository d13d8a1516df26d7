package compiler

import (
	"fmt"
	"sort"
	"strings"
)

// ---------------------------------------------------------------------------
// Semantic Analyzer: name binding, type resolution and checking
// ---------------------------------------------------------------------------

// SymbolKind classifies a bound name.
type SymbolKind int

const (
	SymFunction SymbolKind = iota
	SymComponent
	SymStruct
	SymEnum
	SymGlobal
	SymConst
	SymParam
	SymLocal
	SymBuiltin
)

var symbolKindNames = map[SymbolKind]string{
	SymFunction:  "function",
	SymComponent: "component",
	SymStruct:    "struct",
	SymEnum:      "enum",
	SymGlobal:    "global",
	SymConst:     "constant",
	SymParam:     "parameter",
	SymLocal:     "variable",
	SymBuiltin:   "builtin",
}

func (k SymbolKind) String() string { return symbolKindNames[k] }

// Symbol is a named entity known to the analyzer.
type Symbol struct {
	Name       string
	Kind       SymbolKind
	Type       Type
	Mutable    bool
	Span       Span     // declaration span
	NamePos    Position // position of the name in a let binding
	Annotation Annotation
	Decl       Node // declaring node for top-level symbols
	Local      Node // declaring *Param or *LetStmt of a local binding
}

// Analysis is the result of semantic analysis of one file.
type Analysis struct {
	Types       map[Expr]Type
	Symbols     []*Symbol // top-level declarations in source order
	Locals      []*Symbol // every parameter and local binding
	References  map[*Identifier]*Symbol
	Structs     map[string]*StructDecl
	Enums       map[string]*EnumDecl
	Diagnostics []*Diagnostic
}

// TypeOf returns the recorded type of e, or Unknown.
func (a *Analysis) TypeOf(e Expr) Type {
	if a == nil {
		return Unknown
	}
	if t, ok := a.Types[e]; ok {
		return t
	}
	return Unknown
}

// Lookup returns the top-level symbol with the given name.
func (a *Analysis) Lookup(name string) *Symbol {
	for _, s := range a.Symbols {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// SemanticAnalyzer performs name resolution and type checking on a file.
type SemanticAnalyzer struct {
	diags    diagnosticList
	scopes   *ScopeStack[*Symbol]
	result   *Analysis
	returns  []Type // expected return type per enclosing function or lambda
	builtins map[string]Type
}

// NewSemanticAnalyzer creates a new semantic analyzer.
func NewSemanticAnalyzer() *SemanticAnalyzer {
	return &SemanticAnalyzer{
		builtins: defaultBuiltins(),
	}
}

// defaultBuiltins returns the functions every program can call. The
// reactive primitives are provided by the scripting runtime.
func defaultBuiltins() map[string]Type {
	variadic := func(result Type) Type {
		return KnownType{Shape: FuncShape{Result: result, Variadic: true}}
	}
	return map[string]Type{
		"println":   variadic(TypeUnit),
		"print":     variadic(TypeUnit),
		"len":       FuncOf([]Type{Any}, TypeInt),
		"to_string": FuncOf([]Type{Any}, TypeString),
		"signal":    FuncOf([]Type{Any}, Any),
		"computed":  FuncOf([]Type{Any}, Any),
		"effect":    FuncOf([]Type{Any}, TypeUnit),
	}
}

// IsBuiltin reports whether name is a builtin function.
func IsBuiltin(name string) bool {
	_, ok := defaultBuiltins()[name]
	return ok
}

// Builtins returns the names of the builtin functions in sorted order.
func Builtins() []string {
	names := make([]string, 0, 8)
	for name := range defaultBuiltins() {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AddBuiltin makes an additional global function available to programs.
func (s *SemanticAnalyzer) AddBuiltin(name string, t Type) {
	s.builtins[name] = t
}

func (s *SemanticAnalyzer) errorAt(node Node, code string, format string, args ...interface{}) *Diagnostic {
	return s.diags.add(SemanticError, code, node.Span(), format, args...)
}

// Analyze checks the file and returns the analysis. Diagnostics are sorted
// by position.
func (s *SemanticAnalyzer) Analyze(file *File) *Analysis {
	s.result = &Analysis{
		Types:      make(map[Expr]Type),
		References: make(map[*Identifier]*Symbol),
		Structs:    make(map[string]*StructDecl),
		Enums:      make(map[string]*EnumDecl),
	}
	s.scopes = NewScopeStack[*Symbol]()

	names := make([]string, 0, len(s.builtins))
	for name := range s.builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s.scopes.Define(name, &Symbol{Name: name, Kind: SymBuiltin, Type: s.builtins[name]})
	}

	s.hoist(file)
	s.scopes.Push()
	for _, item := range file.Items {
		switch it := item.(type) {
		case *FnDecl:
			s.analyzeFn(it)
		case *GlobalDecl:
			s.analyzeGlobal(it)
		}
	}
	s.scopes.Pop()

	s.result.Diagnostics = s.diags.items
	SortDiagnostics(s.result.Diagnostics)
	return s.result
}

// hoist registers every top-level name before bodies are analyzed so items
// may refer to each other regardless of order.
func (s *SemanticAnalyzer) hoist(file *File) {
	seen := make(map[string]Item)
	declare := func(it Item) bool {
		if prev, dup := seen[it.ItemName()]; dup {
			d := s.errorAt(it, CodeDuplicate, "duplicate definition of '%s'", it.ItemName())
			p := prev.Span().Start
			d.Notes = append(d.Notes, fmt.Sprintf("previous definition at line %d, column %d", p.Line, p.Column))
			return false
		}
		seen[it.ItemName()] = it
		return true
	}

	// Types first so signatures can refer to them.
	for _, item := range file.Items {
		switch it := item.(type) {
		case *StructDecl:
			if declare(it) {
				s.result.Structs[it.Name] = it
			}
		case *EnumDecl:
			if declare(it) {
				s.result.Enums[it.Name] = it
			}
		}
	}

	for _, item := range file.Items {
		var sym *Symbol
		switch it := item.(type) {
		case *StructDecl:
			if s.result.Structs[it.Name] != it {
				continue
			}
			sym = &Symbol{Name: it.Name, Kind: SymStruct, Type: KnownType{Shape: NamedShape{Name: it.Name, Kind: NamedStruct}}}
			for _, f := range it.Fields {
				s.resolveType(f.Type)
			}
		case *EnumDecl:
			if s.result.Enums[it.Name] != it {
				continue
			}
			sym = &Symbol{Name: it.Name, Kind: SymEnum, Type: KnownType{Shape: NamedShape{Name: it.Name, Kind: NamedEnum}}}
			for _, v := range it.Variants {
				for _, f := range v.Fields {
					s.resolveType(f)
				}
			}
		case *FnDecl:
			if !declare(it) {
				continue
			}
			kind := SymFunction
			if it.IsComponent {
				kind = SymComponent
			}
			sym = &Symbol{Name: it.Name, Kind: kind, Type: s.signature(it)}
		case *GlobalDecl:
			if !declare(it) {
				continue
			}
			kind := SymGlobal
			if it.IsConst {
				kind = SymConst
			}
			t := Unknown
			if it.Type != nil {
				t = s.resolveType(it.Type)
			}
			sym = &Symbol{Name: it.Name, Kind: kind, Type: t}
		default:
			continue
		}
		sym.Span = item.Span()
		sym.Decl = item
		if fn, ok := item.(*FnDecl); ok {
			sym.Annotation = fn.Annotation
		}
		s.scopes.Define(sym.Name, sym)
		s.result.Symbols = append(s.result.Symbols, sym)
	}
}

// signature computes the function type of a declaration from its
// annotations. A missing result annotation leaves the result Unknown until
// the body has been analyzed.
func (s *SemanticAnalyzer) signature(fn *FnDecl) Type {
	params := make([]Type, len(fn.Params))
	for i, p := range fn.Params {
		params[i] = s.resolveType(p.Type)
	}
	result := Unknown
	switch {
	case fn.Result != nil:
		result = s.resolveType(fn.Result)
	case fn.IsComponent:
		result = TypeElement
	}
	return FuncOf(params, result)
}

// resolveType converts a type annotation to a Type. A nil annotation is
// Unknown.
func (s *SemanticAnalyzer) resolveType(ref *TypeRef) Type {
	if ref == nil {
		return Unknown
	}
	switch ref.Kind {
	case TypeRefUnit:
		return TypeUnit
	case TypeRefArray:
		return ArrayOf(s.resolveType(ref.Elem))
	case TypeRefFunc:
		params := make([]Type, len(ref.Args))
		for i, a := range ref.Args {
			params[i] = s.resolveType(a)
		}
		result := TypeUnit
		if ref.Elem != nil {
			result = s.resolveType(ref.Elem)
		}
		return FuncOf(params, result)
	}

	if ref.Name == "_" {
		return Unknown
	}
	if t, ok := primitiveByName[ref.Name]; ok {
		return t
	}
	if _, ok := s.result.Structs[ref.Name]; ok {
		return KnownType{Shape: NamedShape{Name: ref.Name, Kind: NamedStruct}}
	}
	if _, ok := s.result.Enums[ref.Name]; ok {
		return KnownType{Shape: NamedShape{Name: ref.Name, Kind: NamedEnum}}
	}
	if ref.Name == "Vec" && len(ref.Args) == 1 {
		return ArrayOf(s.resolveType(ref.Args[0]))
	}
	if len(ref.Args) > 0 {
		// Generic types from the runtime (Signal<T>, Option<T>, ...) are
		// not modelled.
		return Any
	}

	d := s.errorAt(ref, CodeUndefinedName, "unknown type '%s'", ref.Name)
	d.Suggestion = FindSimilar(ref.Name, s.typeNames())
	return Unknown
}

func (s *SemanticAnalyzer) typeNames() []string {
	names := []string{"i64", "i32", "f64", "string", "bool", "Element"}
	for n := range s.result.Structs {
		names = append(names, n)
	}
	for n := range s.result.Enums {
		names = append(names, n)
	}
	sort.Strings(names[6:])
	return names
}

func (s *SemanticAnalyzer) define(sym *Symbol) {
	s.scopes.Define(sym.Name, sym)
	s.result.Locals = append(s.result.Locals, sym)
}

func (s *SemanticAnalyzer) record(e Expr, t Type) Type {
	s.result.Types[e] = t
	return t
}

// ---------------------------------------------------------------------------
// Declarations
// ---------------------------------------------------------------------------

func (s *SemanticAnalyzer) analyzeFn(fn *FnDecl) {
	sym, _ := s.scopes.Lookup(fn.Name)
	var sig FuncShape
	if sym != nil && sym.Decl == Node(fn) {
		sig = sym.Type.(KnownType).Shape.(FuncShape)
	} else {
		sig = s.signature(fn).(KnownType).Shape.(FuncShape)
	}

	s.scopes.Push()
	for i, p := range fn.Params {
		s.define(&Symbol{Name: p.Name, Kind: SymParam, Type: sig.Params[i], Mutable: true, Span: p.Span(), NamePos: p.Span().Start, Local: p})
	}

	s.returns = append(s.returns, sig.Result)
	bodyType := s.analyzeBlock(fn.Body)
	s.returns = s.returns[:len(s.returns)-1]
	s.scopes.Pop()

	if fn.Result != nil && fn.Body.Tail != nil && !Assignable(sig.Result, bodyType) {
		s.mismatch(fn.Body.Tail, sig.Result, bodyType)
	}

	// Infer the result of unannotated functions from the body.
	if fn.Result == nil && !fn.IsComponent && sym != nil && sym.Decl == Node(fn) {
		result := bodyType
		if fn.Body.Tail == nil {
			result = s.inferReturn(fn.Body)
		}
		sym.Type = KnownType{Shape: FuncShape{Params: sig.Params, Result: result}}
	}
}

// inferReturn joins the types of the return statements directly reachable in
// a body without a tail expression. A body with no valued return yields ().
func (s *SemanticAnalyzer) inferReturn(body *BlockExpr) Type {
	var result Type = Unknown
	found := false
	Inspect(body, func(n Node) bool {
		switch r := n.(type) {
		case *LambdaExpr:
			return false
		case *ReturnStmt:
			if r.Value != nil {
				found = true
				result = Join(result, s.result.TypeOf(r.Value))
			}
		}
		return true
	})
	if !found {
		return TypeUnit
	}
	return result
}

func (s *SemanticAnalyzer) analyzeGlobal(g *GlobalDecl) {
	t := s.analyzeExpr(g.Value)
	sym, _ := s.scopes.Lookup(g.Name)
	if sym == nil || sym.Decl != Node(g) {
		return
	}
	if g.Type != nil {
		if !Assignable(sym.Type, t) {
			s.mismatch(g.Value, sym.Type, t)
		}
		return
	}
	sym.Type = t
}

func (s *SemanticAnalyzer) mismatch(node Node, expected, found Type) {
	d := s.errorAt(node, CodeTypeMismatch, "mismatched types: expected %s, found %s", expected, found)
	d.Notes = append(d.Notes, fmt.Sprintf("expected type '%s' because of the declared type", expected))
}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

// analyzeBlock analyzes a block in its own scope and returns its type: the
// tail expression's type, or () without a tail.
func (s *SemanticAnalyzer) analyzeBlock(b *BlockExpr) Type {
	s.scopes.Push()
	defer s.scopes.Pop()
	for _, stmt := range b.Stmts {
		s.analyzeStmt(stmt)
	}
	if b.Tail == nil {
		return s.record(b, TypeUnit)
	}
	return s.record(b, s.analyzeExpr(b.Tail))
}

func (s *SemanticAnalyzer) analyzeStmt(stmt Stmt) {
	switch st := stmt.(type) {
	case *LetStmt:
		t := s.analyzeExpr(st.Value)
		if st.Type != nil {
			declared := s.resolveType(st.Type)
			if !Assignable(declared, t) {
				s.mismatch(st.Value, declared, t)
			}
			t = declared
		}
		kind := SymLocal
		if st.IsConst {
			kind = SymConst
		}
		s.define(&Symbol{Name: st.Name, Kind: kind, Type: t, Mutable: st.Mutable, Span: st.Span(), NamePos: st.NamePos, Local: st})

	case *AssignStmt:
		s.analyzeAssign(st)

	case *ReturnStmt:
		var t Type = TypeUnit
		if st.Value != nil {
			t = s.analyzeExpr(st.Value)
		}
		if len(s.returns) > 0 {
			expected := s.returns[len(s.returns)-1]
			if !Assignable(expected, t) {
				node := Node(st)
				if st.Value != nil {
					node = st.Value
				}
				s.mismatch(node, expected, t)
			}
		}

	case *ExprStmt:
		s.analyzeExpr(st.Expr)

	case *WhileStmt:
		s.expectBool(st.Cond, s.analyzeExpr(st.Cond))
		s.analyzeBlock(st.Body)

	case *ForStmt:
		iter := s.analyzeExpr(st.Iter)
		elem := s.elementType(st.Iter, iter)
		s.scopes.Push()
		s.define(&Symbol{Name: st.Var, Kind: SymLocal, Type: elem, Span: st.Span(), NamePos: st.Span().Start})
		s.analyzeBlock(st.Body)
		s.scopes.Pop()
	}
}

func (s *SemanticAnalyzer) analyzeAssign(st *AssignStmt) {
	value := s.analyzeExpr(st.Value)
	target := s.analyzeExpr(st.Target)

	if id, ok := st.Target.(*Identifier); ok {
		sym := s.result.References[id]
		switch {
		case sym == nil:
		case sym.Kind == SymConst:
			s.errorAt(id, CodeImmutable, "cannot assign to constant '%s'", id.Name)
		case sym.Kind == SymLocal && !sym.Mutable:
			d := s.errorAt(id, CodeImmutable, "cannot assign twice to immutable variable '%s'", id.Name)
			d.FixIt = &FixIt{
				Start:       sym.NamePos,
				End:         sym.NamePos,
				Replacement: "mut ",
				Message:     fmt.Sprintf("make this binding mutable: 'let mut %s'", id.Name),
			}
		case sym.Kind == SymFunction || sym.Kind == SymComponent || sym.Kind == SymBuiltin:
			s.errorAt(id, CodeImmutable, "cannot assign to %s '%s'", sym.Kind, id.Name)
		}
	}

	if !Assignable(target, value) {
		s.mismatch(st.Value, target, value)
	}
}

func (s *SemanticAnalyzer) expectBool(node Node, t Type) {
	if !IsKnown(t) || isPrim(t, PrimBool) {
		return
	}
	s.errorAt(node, CodeTypeMismatch, "mismatched types: expected bool, found %s", t)
}

// elementType returns the type of the loop variable when iterating over a
// value of type t.
func (s *SemanticAnalyzer) elementType(node Node, t Type) Type {
	k, ok := t.(KnownType)
	if !ok {
		return t
	}
	switch sh := k.Shape.(type) {
	case ArrayShape:
		return sh.Elem
	case Primitive:
		if sh == PrimString {
			return TypeString
		}
	}
	s.errorAt(node, CodeTypeMismatch, "cannot iterate over a value of type %s", t)
	return Unknown
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

func (s *SemanticAnalyzer) analyzeExpr(e Expr) Type {
	if e == nil {
		return Unknown
	}
	return s.record(e, s.exprType(e))
}

func (s *SemanticAnalyzer) exprType(e Expr) Type {
	switch n := e.(type) {
	case *IntLiteral:
		return TypeInt
	case *FloatLiteral:
		return TypeFloat
	case *StringLiteral:
		return TypeString
	case *BoolLiteral:
		return TypeBool

	case *Identifier:
		return s.resolveIdent(n, false)

	case *PathExpr:
		return s.analyzePath(n)

	case *BinaryExpr:
		return s.analyzeBinary(n)

	case *UnaryExpr:
		t := s.analyzeExpr(n.Operand)
		switch n.Op {
		case TokenMinus:
			if IsKnown(t) && !IsNumeric(t) {
				s.errorAt(n, CodeTypeMismatch, "mismatched types: cannot negate %s", t)
				return Unknown
			}
		case TokenBang:
			s.expectBool(n.Operand, t)
			if IsKnown(t) {
				return TypeBool
			}
		}
		return t

	case *CallExpr:
		return s.analyzeCall(n)

	case *FieldExpr:
		return s.analyzeField(n)

	case *IndexExpr:
		recv := s.analyzeExpr(n.Receiver)
		idx := s.analyzeExpr(n.Index)
		if IsKnown(idx) && !isPrim(idx, PrimInt) {
			s.errorAt(n.Index, CodeTypeMismatch, "mismatched types: index must be i64, found %s", idx)
		}
		k, ok := recv.(KnownType)
		if !ok {
			return recv
		}
		switch sh := k.Shape.(type) {
		case ArrayShape:
			return sh.Elem
		case Primitive:
			if sh == PrimString {
				return TypeString
			}
		}
		s.errorAt(n, CodeTypeMismatch, "cannot index into a value of type %s", recv)
		return Unknown

	case *TryExpr:
		return s.analyzeExpr(n.Operand)

	case *LambdaExpr:
		s.scopes.Push()
		params := make([]Type, len(n.Params))
		for i, p := range n.Params {
			params[i] = s.resolveType(p.Type)
			s.define(&Symbol{Name: p.Name, Kind: SymParam, Type: params[i], Mutable: true, Span: p.Span(), NamePos: p.Span().Start, Local: p})
		}
		s.returns = append(s.returns, Unknown)
		body := s.analyzeExpr(n.Body)
		s.returns = s.returns[:len(s.returns)-1]
		s.scopes.Pop()
		return FuncOf(params, body)

	case *BlockExpr:
		return s.analyzeBlock(n)

	case *IfExpr:
		s.expectBool(n.Cond, s.analyzeExpr(n.Cond))
		then := s.analyzeBlock(n.Then)
		if n.Else == nil {
			return TypeUnit
		}
		return Join(then, s.analyzeExpr(n.Else))

	case *TernaryExpr:
		s.expectBool(n.Cond, s.analyzeExpr(n.Cond))
		return Join(s.analyzeExpr(n.Then), s.analyzeExpr(n.Else))

	case *MatchExpr:
		return s.analyzeMatch(n)

	case *ArrayLiteral:
		var elem Type = Unknown
		for _, el := range n.Elements {
			elem = Join(elem, s.analyzeExpr(el))
		}
		return ArrayOf(elem)

	case *StructLiteral:
		return s.analyzeStructLiteral(n)

	case *Element:
		s.analyzeElement(n)
		return TypeElement
	}
	return Unknown
}

// resolveIdent looks up an identifier, reporting undefined names with a
// did-you-mean suggestion drawn from the visible scope.
func (s *SemanticAnalyzer) resolveIdent(id *Identifier, callee bool) Type {
	sym, ok := s.scopes.Lookup(id.Name)
	if !ok {
		var d *Diagnostic
		if callee {
			d = s.errorAt(id, CodeUndefinedFunc, "undefined function '%s'", id.Name)
		} else {
			d = s.errorAt(id, CodeUndefinedName, "undefined variable '%s'", id.Name)
		}
		d.Suggestion = FindSimilar(id.Name, s.scopes.VisibleNames())
		return Unknown
	}
	s.result.References[id] = sym
	return sym.Type
}

func (s *SemanticAnalyzer) analyzePath(n *PathExpr) Type {
	enum, ok := s.result.Enums[n.Type]
	if !ok {
		if _, isStruct := s.result.Structs[n.Type]; isStruct {
			s.errorAt(n, CodeUndefinedName, "struct '%s' has no associated item '%s'", n.Type, n.Member)
			return Unknown
		}
		d := s.errorAt(n, CodeUndefinedName, "undefined type '%s'", n.Type)
		d.Suggestion = FindSimilar(n.Type, s.typeNames())
		return Unknown
	}
	enumType := KnownType{Shape: NamedShape{Name: enum.Name, Kind: NamedEnum}}
	for _, v := range enum.Variants {
		if v.Name != n.Member {
			continue
		}
		if len(v.Fields) == 0 {
			return enumType
		}
		params := make([]Type, len(v.Fields))
		for i, f := range v.Fields {
			params[i] = s.resolveType(f)
		}
		return FuncOf(params, enumType)
	}
	d := s.errorAt(n, CodeUndefinedName, "no variant '%s' in enum '%s'", n.Member, n.Type)
	d.Suggestion = FindSimilar(n.Member, variantNames(enum))
	return Unknown
}

func variantNames(e *EnumDecl) []string {
	out := make([]string, len(e.Variants))
	for i, v := range e.Variants {
		out[i] = v.Name
	}
	return out
}

func (s *SemanticAnalyzer) analyzeBinary(n *BinaryExpr) Type {
	l := s.analyzeExpr(n.Left)
	r := s.analyzeExpr(n.Right)

	switch n.Op {
	case TokenPlus, TokenMinus, TokenStar, TokenSlash, TokenPercent:
		t, ok := Arithmetic(n.Op, l, r)
		if !ok {
			s.errorAt(n, CodeTypeMismatch, "mismatched types: cannot apply '%s' to %s and %s", n.Op, l, r)
		}
		return t

	case TokenEq, TokenNotEq, TokenLt, TokenGt, TokenLtEq, TokenGtEq:
		t, ok := Comparison(n.Op, l, r)
		if !ok {
			s.errorAt(n, CodeTypeMismatch, "mismatched types: cannot compare %s and %s with '%s'", l, r, n.Op)
		}
		return t

	case TokenAndAnd, TokenOrOr:
		t, ok := Logical(l, r)
		if !ok {
			s.errorAt(n, CodeTypeMismatch, "mismatched types: '%s' requires bool operands, found %s and %s", n.Op, l, r)
		}
		return t

	case TokenDotDot:
		if (IsKnown(l) && !isPrim(l, PrimInt)) || (IsKnown(r) && !isPrim(r, PrimInt)) {
			s.errorAt(n, CodeTypeMismatch, "mismatched types: range bounds must be i64, found %s and %s", l, r)
		}
		return ArrayOf(TypeInt)
	}
	return Unknown
}

func (s *SemanticAnalyzer) analyzeCall(n *CallExpr) Type {
	var callee Type
	var decl *FnDecl
	if id, ok := n.Callee.(*Identifier); ok {
		callee = s.record(id, s.resolveIdent(id, true))
		if sym := s.result.References[id]; sym != nil {
			decl, _ = sym.Decl.(*FnDecl)
		}
	} else {
		callee = s.analyzeExpr(n.Callee)
	}

	args := make([]Type, len(n.Args))
	for i, a := range n.Args {
		args[i] = s.analyzeExpr(a.Value)
	}

	k, ok := callee.(KnownType)
	if !ok {
		return callee
	}
	fn, ok := k.Shape.(FuncShape)
	if !ok {
		s.errorAt(n.Callee, CodeTypeMismatch, "expression of type %s is not callable", callee)
		return Unknown
	}
	if fn.Variadic {
		return fn.Result
	}

	if len(n.Args) != len(fn.Params) {
		s.errorAt(n, CodeArity, "%s expects %d argument%s, found %d", describeCallee(n.Callee), len(fn.Params), plural(len(fn.Params)), len(n.Args))
		return fn.Result
	}

	// Named arguments are matched against the declaration's parameter names.
	ordered := make([]Type, len(fn.Params))
	for i, a := range n.Args {
		if a.Name == "" || decl == nil {
			ordered[i] = args[i]
			continue
		}
		idx := paramIndex(decl, a.Name)
		if idx < 0 {
			d := s.errorAt(a.Value, CodeArity, "%s has no parameter named '%s'", describeCallee(n.Callee), a.Name)
			d.Suggestion = FindSimilar(a.Name, paramNames(decl))
			continue
		}
		ordered[idx] = args[i]
	}
	for i, pt := range fn.Params {
		if ordered[i] != nil && !Assignable(pt, ordered[i]) {
			s.errorAt(n, CodeTypeMismatch, "mismatched types: argument %d of %s expects %s, found %s", i+1, describeCallee(n.Callee), pt, ordered[i])
		}
	}
	return fn.Result
}

func describeCallee(e Expr) string {
	if id, ok := e.(*Identifier); ok {
		return "function '" + id.Name + "'"
	}
	return "this function"
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

func paramIndex(fn *FnDecl, name string) int {
	for i, p := range fn.Params {
		if p.Name == name {
			return i
		}
	}
	return -1
}

func paramNames(fn *FnDecl) []string {
	out := make([]string, len(fn.Params))
	for i, p := range fn.Params {
		out[i] = p.Name
	}
	return out
}

func (s *SemanticAnalyzer) analyzeField(n *FieldExpr) Type {
	recv := s.analyzeExpr(n.Receiver)
	k, ok := recv.(KnownType)
	if !ok {
		return recv
	}
	switch sh := k.Shape.(type) {
	case NamedShape:
		st, isStruct := s.result.Structs[sh.Name]
		if !isStruct {
			break
		}
		for _, f := range st.Fields {
			if f.Name == n.Field {
				return s.resolveType(f.Type)
			}
		}
		names := make([]string, len(st.Fields))
		for i, f := range st.Fields {
			names[i] = f.Name
		}
		d := s.errorAt(n, CodeUnknownField, "no field '%s' on struct '%s'", n.Field, sh.Name)
		d.Suggestion = FindSimilar(n.Field, names)
		return Unknown
	case ArrayShape:
		if n.Field == "len" || n.Field == "length" {
			return TypeInt
		}
	case Primitive:
		if sh == PrimString && (n.Field == "len" || n.Field == "length") {
			return TypeInt
		}
	}
	s.errorAt(n, CodeUnknownField, "no field '%s' on type %s", n.Field, recv)
	return Unknown
}

func (s *SemanticAnalyzer) analyzeStructLiteral(n *StructLiteral) Type {
	st, ok := s.result.Structs[n.Name]
	for _, f := range n.Fields {
		s.analyzeExpr(f.Value)
	}
	if !ok {
		d := s.errorAt(n, CodeUndefinedName, "undefined struct '%s'", n.Name)
		d.Suggestion = FindSimilar(n.Name, s.typeNames())
		return Unknown
	}

	declared := make(map[string]*FieldDecl, len(st.Fields))
	names := make([]string, len(st.Fields))
	for i, f := range st.Fields {
		declared[f.Name] = f
		names[i] = f.Name
	}
	given := make(map[string]bool, len(n.Fields))
	for _, f := range n.Fields {
		fd, ok := declared[f.Name]
		if !ok {
			d := s.diags.add(SemanticError, CodeUnknownField, f.SpanVal, "struct '%s' has no field named '%s'", n.Name, f.Name)
			d.Suggestion = FindSimilar(f.Name, names)
			continue
		}
		given[f.Name] = true
		ft := s.resolveType(fd.Type)
		if vt := s.result.TypeOf(f.Value); !Assignable(ft, vt) {
			s.mismatch(f.Value, ft, vt)
		}
	}
	var missing []string
	for _, f := range st.Fields {
		if !given[f.Name] {
			missing = append(missing, "'"+f.Name+"'")
		}
	}
	if len(missing) > 0 {
		s.errorAt(n, CodeUnknownField, "missing field%s %s in initializer of '%s'", plural(len(missing)), strings.Join(missing, ", "), n.Name)
	}
	return KnownType{Shape: NamedShape{Name: n.Name, Kind: NamedStruct}}
}

func (s *SemanticAnalyzer) analyzeMatch(n *MatchExpr) Type {
	subject := s.analyzeExpr(n.Subject)
	enum := s.subjectEnum(n, subject)

	var result Type = Unknown
	catchAll := false
	covered := make(map[string]bool)

	for _, arm := range n.Arms {
		s.scopes.Push()
		pat := arm.Pattern
		switch pat.Kind {
		case PatWildcard:
			catchAll = true
		case PatBinding:
			catchAll = true
			s.define(&Symbol{Name: pat.Name, Kind: SymLocal, Type: subject, Span: pat.Span(), NamePos: pat.Span().Start})
		case PatLiteral:
			lt := s.analyzeExpr(pat.Literal)
			if !Compatible(subject, lt) {
				s.errorAt(pat, CodeTypeMismatch, "mismatched types: pattern of type %s cannot match %s", lt, subject)
			}
			if b, ok := pat.Literal.(*BoolLiteral); ok {
				covered[fmt.Sprint(b.Value)] = true
			}
		case PatVariant:
			s.checkVariantPattern(pat, enum, covered)
		}
		result = Join(result, s.analyzeExpr(arm.Body))
		s.scopes.Pop()
	}

	if !catchAll {
		s.checkExhaustive(n, subject, enum, covered)
	}
	return result
}

// subjectEnum finds the enum a match is over, from the subject type or
// from qualified variant patterns when the subject type is not known.
func (s *SemanticAnalyzer) subjectEnum(n *MatchExpr, subject Type) *EnumDecl {
	if k, ok := subject.(KnownType); ok {
		if sh, ok := k.Shape.(NamedShape); ok && sh.Kind == NamedEnum {
			return s.result.Enums[sh.Name]
		}
		return nil
	}
	for _, arm := range n.Arms {
		if arm.Pattern.Kind == PatVariant && arm.Pattern.Enum != "" {
			return s.result.Enums[arm.Pattern.Enum]
		}
	}
	return nil
}

func (s *SemanticAnalyzer) checkVariantPattern(pat *Pattern, enum *EnumDecl, covered map[string]bool) {
	if pat.Enum != "" {
		if _, ok := s.result.Enums[pat.Enum]; !ok {
			d := s.errorAt(pat, CodeUndefinedName, "undefined type '%s'", pat.Enum)
			d.Suggestion = FindSimilar(pat.Enum, s.typeNames())
			return
		}
		if enum != nil && pat.Enum != enum.Name {
			s.errorAt(pat, CodeTypeMismatch, "mismatched types: pattern of enum '%s' cannot match '%s'", pat.Enum, enum.Name)
			return
		}
		enum = s.result.Enums[pat.Enum]
	}
	if enum == nil {
		for _, b := range pat.Bindings {
			s.define(&Symbol{Name: b, Kind: SymLocal, Type: Unknown, Span: pat.Span(), NamePos: pat.Span().Start})
		}
		return
	}
	for _, v := range enum.Variants {
		if v.Name != pat.Variant {
			continue
		}
		covered[v.Name] = true
		if len(pat.Bindings) != len(v.Fields) {
			s.errorAt(pat, CodeArity, "variant '%s::%s' has %d field%s, pattern binds %d", enum.Name, v.Name, len(v.Fields), plural(len(v.Fields)), len(pat.Bindings))
		}
		for i, b := range pat.Bindings {
			var t Type = Unknown
			if i < len(v.Fields) {
				t = s.resolveType(v.Fields[i])
			}
			s.define(&Symbol{Name: b, Kind: SymLocal, Type: t, Span: pat.Span(), NamePos: pat.Span().Start})
		}
		return
	}
	d := s.errorAt(pat, CodeUndefinedName, "no variant '%s' in enum '%s'", pat.Variant, enum.Name)
	d.Suggestion = FindSimilar(pat.Variant, variantNames(enum))
}

func (s *SemanticAnalyzer) checkExhaustive(n *MatchExpr, subject Type, enum *EnumDecl, covered map[string]bool) {
	var missing []string
	switch {
	case enum != nil:
		for _, v := range enum.Variants {
			if !covered[v.Name] {
				missing = append(missing, enum.Name+"::"+v.Name)
			}
		}
	case isPrim(subject, PrimBool):
		for _, b := range []string{"true", "false"} {
			if !covered[b] {
				missing = append(missing, b)
			}
		}
	case IsKnown(subject):
		d := s.errorAt(n, CodeNonExhaustive, "non-exhaustive match over %s", subject)
		d.Notes = append(d.Notes, "add a '_ => ...' arm to cover the remaining values")
		return
	}
	if len(missing) > 0 {
		s.errorAt(n, CodeNonExhaustive, "non-exhaustive match: missing %s", strings.Join(missing, ", "))
	}
}

func (s *SemanticAnalyzer) analyzeElement(el *Element) {
	if IsTypeName(el.Tag) {
		sym, ok := s.scopes.Lookup(el.Tag)
		if !ok || (sym.Kind != SymComponent && sym.Kind != SymFunction) {
			d := s.diags.add(SemanticError, CodeUndefinedName, el.SpanVal, "undefined component '%s'", el.Tag)
			d.Suggestion = FindSimilar(el.Tag, s.componentNames())
		}
	}
	for _, a := range el.Attrs {
		if a.Value != nil {
			s.analyzeExpr(a.Value)
		}
	}
	for _, c := range el.Children {
		switch ch := c.(type) {
		case *ExprChild:
			s.analyzeExpr(ch.Expr)
		case *Element:
			s.record(ch, TypeElement)
			s.analyzeElement(ch)
		}
	}
}

func (s *SemanticAnalyzer) componentNames() []string {
	var out []string
	for _, sym := range s.result.Symbols {
		if sym.Kind == SymComponent {
			out = append(out, sym.Name)
		}
	}
	return out
}

// Analyze is a convenience wrapper running a fresh analyzer over file.
func Analyze(file *File) *Analysis {
	return NewSemanticAnalyzer().Analyze(file)
}
