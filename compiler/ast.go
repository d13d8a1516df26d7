package compiler

// ---------------------------------------------------------------------------
// AST: Abstract Syntax Tree for Quill
// ---------------------------------------------------------------------------

// Position represents a source location.
type Position struct {
	Offset int // byte offset
	Line   int // 1-based line number
	Column int // 1-based column number
}

// Before reports whether p comes before q in the source.
func (p Position) Before(q Position) bool {
	if p.Line != q.Line {
		return p.Line < q.Line
	}
	return p.Column < q.Column
}

// Span represents a range in source code.
type Span struct {
	Start Position
	End   Position
}

// Contains reports whether pos falls inside the span (line/column based).
func (s Span) Contains(pos Position) bool {
	return !pos.Before(s.Start) && pos.Before(s.End)
}

// MakeSpan creates a span from start and end positions.
func MakeSpan(start, end Position) Span {
	return Span{Start: start, End: end}
}

// Node is the interface implemented by all AST nodes.
type Node interface {
	Span() Span
	node() // marker method
}

// Expr is the interface for expression nodes.
type Expr interface {
	Node
	expr() // marker method
}

// Stmt is the interface for statement nodes.
type Stmt interface {
	Node
	stmt() // marker method
}

// Item is the interface for top-level declarations.
type Item interface {
	Node
	item() // marker method
	ItemName() string
}

// Child is a child of a markup element: text, an interpolated expression,
// or a nested element.
type Child interface {
	Node
	child() // marker method
}

// ---------------------------------------------------------------------------
// File and declarations
// ---------------------------------------------------------------------------

// File is the root of a parsed compilation unit.
type File struct {
	SpanVal Span
	Name    string
	Items   []Item
}

func (n *File) Span() Span { return n.SpanVal }
func (n *File) node()      {}

// Annotation is the placement annotation on a function declaration.
type Annotation int

const (
	AnnotNone Annotation = iota
	AnnotServer
	AnnotClient
)

func (a Annotation) String() string {
	switch a {
	case AnnotServer:
		return "server"
	case AnnotClient:
		return "client"
	}
	return ""
}

// Param is a function or lambda parameter.
type Param struct {
	SpanVal Span
	Name    string
	Type    *TypeRef // nil when omitted
}

func (n *Param) Span() Span { return n.SpanVal }
func (n *Param) node()      {}

// FnDecl is a function or component declaration.
type FnDecl struct {
	SpanVal     Span
	Name        string
	Annotation  Annotation
	IsComponent bool
	Params      []*Param
	Result      *TypeRef // nil when omitted
	Body        *BlockExpr
}

func (n *FnDecl) Span() Span       { return n.SpanVal }
func (n *FnDecl) node()            {}
func (n *FnDecl) item()            {}
func (n *FnDecl) ItemName() string { return n.Name }

// FieldDecl is a struct field declaration.
type FieldDecl struct {
	SpanVal Span
	Name    string
	Type    *TypeRef
}

func (n *FieldDecl) Span() Span { return n.SpanVal }
func (n *FieldDecl) node()      {}

// StructDecl declares a struct type.
type StructDecl struct {
	SpanVal Span
	Name    string
	Fields  []*FieldDecl
}

func (n *StructDecl) Span() Span       { return n.SpanVal }
func (n *StructDecl) node()            {}
func (n *StructDecl) item()            {}
func (n *StructDecl) ItemName() string { return n.Name }

// VariantDecl is a single enum variant, optionally carrying payload types.
type VariantDecl struct {
	SpanVal Span
	Name    string
	Fields  []*TypeRef
}

func (n *VariantDecl) Span() Span { return n.SpanVal }
func (n *VariantDecl) node()      {}

// EnumDecl declares an enum type.
type EnumDecl struct {
	SpanVal  Span
	Name     string
	Variants []*VariantDecl
}

func (n *EnumDecl) Span() Span       { return n.SpanVal }
func (n *EnumDecl) node()            {}
func (n *EnumDecl) item()            {}
func (n *EnumDecl) ItemName() string { return n.Name }

// GlobalDecl is a top-level let or const binding.
type GlobalDecl struct {
	SpanVal Span
	Name    string
	IsConst bool
	Type    *TypeRef
	Value   Expr
}

func (n *GlobalDecl) Span() Span       { return n.SpanVal }
func (n *GlobalDecl) node()            {}
func (n *GlobalDecl) item()            {}
func (n *GlobalDecl) ItemName() string { return n.Name }

// TypeRefKind distinguishes the syntactic forms of a type annotation.
type TypeRefKind int

const (
	TypeRefNamed TypeRefKind = iota
	TypeRefArray
	TypeRefFunc
	TypeRefUnit
)

// TypeRef is a type annotation as written in the source.
type TypeRef struct {
	SpanVal Span
	Kind    TypeRefKind
	Name    string     // TypeRefNamed
	Args    []*TypeRef // generic arguments (TypeRefNamed) or parameters (TypeRefFunc)
	Elem    *TypeRef   // TypeRefArray element, TypeRefFunc result
}

func (n *TypeRef) Span() Span { return n.SpanVal }
func (n *TypeRef) node()      {}

func (n *TypeRef) String() string {
	if n == nil {
		return "_"
	}
	switch n.Kind {
	case TypeRefArray:
		return "[" + n.Elem.String() + "]"
	case TypeRefUnit:
		return "()"
	case TypeRefFunc:
		s := "fn("
		for i, a := range n.Args {
			if i > 0 {
				s += ", "
			}
			s += a.String()
		}
		s += ")"
		if n.Elem != nil {
			s += " -> " + n.Elem.String()
		}
		return s
	}
	if len(n.Args) == 0 {
		return n.Name
	}
	s := n.Name + "<"
	for i, a := range n.Args {
		if i > 0 {
			s += ", "
		}
		s += a.String()
	}
	return s + ">"
}

// ---------------------------------------------------------------------------
// Statement nodes
// ---------------------------------------------------------------------------

// LetStmt is a local let, let mut or const binding.
type LetStmt struct {
	SpanVal Span
	Name    string
	NamePos Position
	Mutable bool
	IsConst bool
	Type    *TypeRef
	Value   Expr
}

func (n *LetStmt) Span() Span { return n.SpanVal }
func (n *LetStmt) node()      {}
func (n *LetStmt) stmt()      {}

// AssignStmt assigns to an identifier, field or index target.
type AssignStmt struct {
	SpanVal Span
	Target  Expr
	Value   Expr
}

func (n *AssignStmt) Span() Span { return n.SpanVal }
func (n *AssignStmt) node()      {}
func (n *AssignStmt) stmt()      {}

// ReturnStmt returns from the enclosing function or lambda.
type ReturnStmt struct {
	SpanVal Span
	Value   Expr // nil for a bare return
}

func (n *ReturnStmt) Span() Span { return n.SpanVal }
func (n *ReturnStmt) node()      {}
func (n *ReturnStmt) stmt()      {}

// ExprStmt is an expression evaluated for its effect.
type ExprStmt struct {
	SpanVal Span
	Expr    Expr
}

func (n *ExprStmt) Span() Span { return n.SpanVal }
func (n *ExprStmt) node()      {}
func (n *ExprStmt) stmt()      {}

// WhileStmt is a while loop.
type WhileStmt struct {
	SpanVal Span
	Cond    Expr
	Body    *BlockExpr
}

func (n *WhileStmt) Span() Span { return n.SpanVal }
func (n *WhileStmt) node()      {}
func (n *WhileStmt) stmt()      {}

// ForStmt is a for-in loop.
type ForStmt struct {
	SpanVal Span
	Var     string
	Iter    Expr
	Body    *BlockExpr
}

func (n *ForStmt) Span() Span { return n.SpanVal }
func (n *ForStmt) node()      {}
func (n *ForStmt) stmt()      {}

// ---------------------------------------------------------------------------
// Expression nodes
// ---------------------------------------------------------------------------

// IntLiteral represents an integer literal.
type IntLiteral struct {
	SpanVal Span
	Value   int64
}

func (n *IntLiteral) Span() Span { return n.SpanVal }
func (n *IntLiteral) node()      {}
func (n *IntLiteral) expr()      {}

// FloatLiteral represents a floating-point literal.
type FloatLiteral struct {
	SpanVal Span
	Value   float64
}

func (n *FloatLiteral) Span() Span { return n.SpanVal }
func (n *FloatLiteral) node()      {}
func (n *FloatLiteral) expr()      {}

// StringLiteral represents a string literal.
type StringLiteral struct {
	SpanVal Span
	Value   string
}

func (n *StringLiteral) Span() Span { return n.SpanVal }
func (n *StringLiteral) node()      {}
func (n *StringLiteral) expr()      {}

// BoolLiteral represents true or false.
type BoolLiteral struct {
	SpanVal Span
	Value   bool
}

func (n *BoolLiteral) Span() Span { return n.SpanVal }
func (n *BoolLiteral) node()      {}
func (n *BoolLiteral) expr()      {}

// Identifier is a reference to a named binding. Its Name is never a
// reserved word.
type Identifier struct {
	SpanVal Span
	Name    string
}

func (n *Identifier) Span() Span { return n.SpanVal }
func (n *Identifier) node()      {}
func (n *Identifier) expr()      {}

// PathExpr is a qualified name such as Color::Red.
type PathExpr struct {
	SpanVal Span
	Type    string
	Member  string
}

func (n *PathExpr) Span() Span { return n.SpanVal }
func (n *PathExpr) node()      {}
func (n *PathExpr) expr()      {}

// BinaryExpr is a binary operation. Op is the operator token type.
type BinaryExpr struct {
	SpanVal Span
	Op      TokenType
	Left    Expr
	Right   Expr
}

func (n *BinaryExpr) Span() Span { return n.SpanVal }
func (n *BinaryExpr) node()      {}
func (n *BinaryExpr) expr()      {}

// UnaryExpr is a prefix operation: -, !, & or &mut.
type UnaryExpr struct {
	SpanVal Span
	Op      TokenType
	Mutable bool // &mut
	Operand Expr
}

func (n *UnaryExpr) Span() Span { return n.SpanVal }
func (n *UnaryExpr) node()      {}
func (n *UnaryExpr) expr()      {}

// Arg is a call argument, optionally named.
type Arg struct {
	Name  string // empty for positional arguments
	Value Expr
}

// CallExpr is a call.
type CallExpr struct {
	SpanVal Span
	Callee  Expr
	Args    []*Arg
}

func (n *CallExpr) Span() Span { return n.SpanVal }
func (n *CallExpr) node()      {}
func (n *CallExpr) expr()      {}

// FieldExpr is a field access receiver.field.
type FieldExpr struct {
	SpanVal  Span
	Receiver Expr
	Field    string
}

func (n *FieldExpr) Span() Span { return n.SpanVal }
func (n *FieldExpr) node()      {}
func (n *FieldExpr) expr()      {}

// IndexExpr is an index access receiver[index].
type IndexExpr struct {
	SpanVal  Span
	Receiver Expr
	Index    Expr
}

func (n *IndexExpr) Span() Span { return n.SpanVal }
func (n *IndexExpr) node()      {}
func (n *IndexExpr) expr()      {}

// TryExpr is the error-propagation operator expr?.
type TryExpr struct {
	SpanVal Span
	Operand Expr
}

func (n *TryExpr) Span() Span { return n.SpanVal }
func (n *TryExpr) node()      {}
func (n *TryExpr) expr()      {}

// LambdaExpr is an anonymous function |params| body.
type LambdaExpr struct {
	SpanVal Span
	Params  []*Param
	Body    Expr
}

func (n *LambdaExpr) Span() Span { return n.SpanVal }
func (n *LambdaExpr) node()      {}
func (n *LambdaExpr) expr()      {}

// BlockExpr is a braced statement sequence with an optional tail expression
// that gives the block its value.
type BlockExpr struct {
	SpanVal Span
	Stmts   []Stmt
	Tail    Expr // nil when the block ends with a statement
}

func (n *BlockExpr) Span() Span { return n.SpanVal }
func (n *BlockExpr) node()      {}
func (n *BlockExpr) expr()      {}

// IfExpr is an if/else expression. Else is a *BlockExpr, an *IfExpr or nil.
type IfExpr struct {
	SpanVal Span
	Cond    Expr
	Then    *BlockExpr
	Else    Expr
}

func (n *IfExpr) Span() Span { return n.SpanVal }
func (n *IfExpr) node()      {}
func (n *IfExpr) expr()      {}

// TernaryExpr is cond ? then : else.
type TernaryExpr struct {
	SpanVal Span
	Cond    Expr
	Then    Expr
	Else    Expr
}

func (n *TernaryExpr) Span() Span { return n.SpanVal }
func (n *TernaryExpr) node()      {}
func (n *TernaryExpr) expr()      {}

// PatternKind distinguishes match patterns.
type PatternKind int

const (
	PatWildcard PatternKind = iota
	PatLiteral
	PatBinding
	PatVariant
)

// Pattern is a match arm pattern.
type Pattern struct {
	SpanVal  Span
	Kind     PatternKind
	Literal  Expr     // PatLiteral
	Name     string   // PatBinding
	Enum     string   // PatVariant, empty for a bare variant name
	Variant  string   // PatVariant
	Bindings []string // PatVariant payload bindings
}

func (n *Pattern) Span() Span { return n.SpanVal }
func (n *Pattern) node()      {}

// MatchArm is pattern => body.
type MatchArm struct {
	SpanVal Span
	Pattern *Pattern
	Body    Expr
}

func (n *MatchArm) Span() Span { return n.SpanVal }
func (n *MatchArm) node()      {}

// MatchExpr is a match expression.
type MatchExpr struct {
	SpanVal Span
	Subject Expr
	Arms    []*MatchArm
}

func (n *MatchExpr) Span() Span { return n.SpanVal }
func (n *MatchExpr) node()      {}
func (n *MatchExpr) expr()      {}

// ArrayLiteral is [a, b, c].
type ArrayLiteral struct {
	SpanVal  Span
	Elements []Expr
}

func (n *ArrayLiteral) Span() Span { return n.SpanVal }
func (n *ArrayLiteral) node()      {}
func (n *ArrayLiteral) expr()      {}

// FieldInit is one name: value entry of a struct literal.
type FieldInit struct {
	SpanVal Span
	Name    string
	Value   Expr
}

// StructLiteral is Name { field: value, ... }.
type StructLiteral struct {
	SpanVal Span
	Name    string
	Fields  []*FieldInit
}

func (n *StructLiteral) Span() Span { return n.SpanVal }
func (n *StructLiteral) node()      {}
func (n *StructLiteral) expr()      {}

// ---------------------------------------------------------------------------
// Markup nodes
// ---------------------------------------------------------------------------

// Attribute is a markup attribute. Value is a *StringLiteral, an
// interpolated expression, or nil for a bare attribute.
type Attribute struct {
	SpanVal Span
	Name    string
	Value   Expr
}

// Element is a markup element. It is both an expression and a child of
// another element.
type Element struct {
	SpanVal     Span
	Tag         string
	Attrs       []*Attribute
	Children    []Child
	SelfClosing bool
}

func (n *Element) Span() Span { return n.SpanVal }
func (n *Element) node()      {}
func (n *Element) expr()      {}
func (n *Element) child()     {}

// TextNode is literal text inside an element.
type TextNode struct {
	SpanVal Span
	Text    string
}

func (n *TextNode) Span() Span { return n.SpanVal }
func (n *TextNode) node()      {}
func (n *TextNode) child()     {}

// ExprChild is an interpolated {expr} inside an element.
type ExprChild struct {
	SpanVal Span
	Expr    Expr
}

func (n *ExprChild) Span() Span { return n.SpanVal }
func (n *ExprChild) node()      {}
func (n *ExprChild) child()     {}

// ---------------------------------------------------------------------------
// Traversal
// ---------------------------------------------------------------------------

// Inspect traverses the tree rooted at node in depth-first source order,
// calling f for each node. If f returns false the children of that node are
// skipped.
func Inspect(node Node, f func(Node) bool) {
	if node == nil || !f(node) {
		return
	}
	visitExpr := func(e Expr) {
		if e != nil {
			Inspect(e, f)
		}
	}
	switch n := node.(type) {
	case *File:
		for _, it := range n.Items {
			Inspect(it, f)
		}
	case *FnDecl:
		for _, p := range n.Params {
			Inspect(p, f)
		}
		if n.Body != nil {
			Inspect(n.Body, f)
		}
	case *GlobalDecl:
		visitExpr(n.Value)
	case *LetStmt:
		visitExpr(n.Value)
	case *AssignStmt:
		visitExpr(n.Target)
		visitExpr(n.Value)
	case *ReturnStmt:
		visitExpr(n.Value)
	case *ExprStmt:
		visitExpr(n.Expr)
	case *WhileStmt:
		visitExpr(n.Cond)
		Inspect(n.Body, f)
	case *ForStmt:
		visitExpr(n.Iter)
		Inspect(n.Body, f)
	case *BinaryExpr:
		visitExpr(n.Left)
		visitExpr(n.Right)
	case *UnaryExpr:
		visitExpr(n.Operand)
	case *CallExpr:
		visitExpr(n.Callee)
		for _, a := range n.Args {
			visitExpr(a.Value)
		}
	case *FieldExpr:
		visitExpr(n.Receiver)
	case *IndexExpr:
		visitExpr(n.Receiver)
		visitExpr(n.Index)
	case *TryExpr:
		visitExpr(n.Operand)
	case *LambdaExpr:
		for _, p := range n.Params {
			Inspect(p, f)
		}
		visitExpr(n.Body)
	case *BlockExpr:
		for _, s := range n.Stmts {
			Inspect(s, f)
		}
		visitExpr(n.Tail)
	case *IfExpr:
		visitExpr(n.Cond)
		Inspect(n.Then, f)
		visitExpr(n.Else)
	case *TernaryExpr:
		visitExpr(n.Cond)
		visitExpr(n.Then)
		visitExpr(n.Else)
	case *MatchExpr:
		visitExpr(n.Subject)
		for _, arm := range n.Arms {
			Inspect(arm, f)
		}
	case *MatchArm:
		Inspect(n.Pattern, f)
		visitExpr(n.Body)
	case *Pattern:
		visitExpr(n.Literal)
	case *ArrayLiteral:
		for _, e := range n.Elements {
			visitExpr(e)
		}
	case *StructLiteral:
		for _, fi := range n.Fields {
			visitExpr(fi.Value)
		}
	case *Element:
		for _, a := range n.Attrs {
			visitExpr(a.Value)
		}
		for _, c := range n.Children {
			Inspect(c, f)
		}
	case *ExprChild:
		visitExpr(n.Expr)
	}
}
