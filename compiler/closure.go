package compiler

// ---------------------------------------------------------------------------
// Closure Analyzer: lambda discovery and capture computation
// ---------------------------------------------------------------------------

// LambdaInfo describes one lambda of the compilation unit.
type LambdaInfo struct {
	Index    int    // dense table index in source order
	Func     string // enclosing top-level declaration
	Parent   int    // index of the enclosing lambda, -1 if none
	Params   []string
	Locals   []string // names bound inside the body, in binding order
	Captures []string // free names bound in an enclosing scope, first reference first
	Expr     *LambdaExpr
}

// IsCapture reports whether name is captured by the lambda.
func (l *LambdaInfo) IsCapture(name string) bool {
	return l.CaptureSlot(name) >= 0
}

// CaptureSlot returns the environment slot of a captured name, or -1.
func (l *LambdaInfo) CaptureSlot(name string) int {
	for i, c := range l.Captures {
		if c == name {
			return i
		}
	}
	return -1
}

// LambdaTable is the compile-wide registry of lambdas. A table can only be
// built by CollectLambdas, which registers every lambda of the unit and then
// seals it; code generation refuses any other table.
type LambdaTable struct {
	sealed  bool
	lambdas []*LambdaInfo
	byExpr  map[*LambdaExpr]*LambdaInfo
}

// Len returns the number of lambdas.
func (t *LambdaTable) Len() int { return len(t.lambdas) }

// At returns the lambda with the given index.
func (t *LambdaTable) At(i int) *LambdaInfo { return t.lambdas[i] }

// Lookup returns the entry for a lambda expression.
func (t *LambdaTable) Lookup(e *LambdaExpr) (*LambdaInfo, bool) {
	info, ok := t.byExpr[e]
	return info, ok
}

// All returns the lambdas in index order.
func (t *LambdaTable) All() []*LambdaInfo {
	out := make([]*LambdaInfo, len(t.lambdas))
	copy(out, t.lambdas)
	return out
}

// Sealed reports whether the table was completed by CollectLambdas.
func (t *LambdaTable) Sealed() bool { return t != nil && t.sealed }

// binder records which lambda (nil for a function body) bound a name.
type binder struct {
	owner *LambdaInfo
}

type closureCollector struct {
	table  *LambdaTable
	scopes *ScopeStack[binder]
	stack  []*LambdaInfo
	fn     string
}

// CollectLambdas walks every declaration in source order, registers each
// lambda with the next index (an enclosing lambda before the lambdas inside
// it) and computes its captures. The returned table is sealed.
func CollectLambdas(file *File) *LambdaTable {
	c := &closureCollector{
		table:  &LambdaTable{byExpr: make(map[*LambdaExpr]*LambdaInfo)},
		scopes: NewScopeStack[binder](),
	}
	for _, item := range file.Items {
		c.fn = item.ItemName()
		switch it := item.(type) {
		case *FnDecl:
			c.scopes.Push()
			for _, p := range it.Params {
				c.bind(p.Name)
			}
			c.walkBlock(it.Body)
			c.scopes.Pop()
		case *GlobalDecl:
			c.walkExpr(it.Value)
		}
	}
	c.table.sealed = true
	return c.table
}

func (c *closureCollector) current() *LambdaInfo {
	if len(c.stack) == 0 {
		return nil
	}
	return c.stack[len(c.stack)-1]
}

func (c *closureCollector) bind(name string) {
	cur := c.current()
	c.scopes.Define(name, binder{owner: cur})
	if cur != nil {
		cur.Locals = appendOnce(cur.Locals, name)
	}
}

// reference classifies a name used in the current lambda. A name bound by
// an enclosing function or lambda becomes a capture of every lambda between
// the reference and the binding scope. Names bound at the outermost level
// (globals, functions, builtins) are never captured.
func (c *closureCollector) reference(name string) {
	b, depth, ok := c.scopes.LookupDepth(name)
	if !ok || depth == 0 {
		return
	}
	for i := len(c.stack) - 1; i >= 0; i-- {
		if c.stack[i] == b.owner {
			break
		}
		c.stack[i].Captures = appendOnce(c.stack[i].Captures, name)
	}
}

func appendOnce(list []string, name string) []string {
	for _, n := range list {
		if n == name {
			return list
		}
	}
	return append(list, name)
}

func (c *closureCollector) walkBlock(b *BlockExpr) {
	if b == nil {
		return
	}
	c.scopes.Push()
	for _, stmt := range b.Stmts {
		c.walkStmt(stmt)
	}
	c.walkExpr(b.Tail)
	c.scopes.Pop()
}

func (c *closureCollector) walkStmt(stmt Stmt) {
	switch st := stmt.(type) {
	case *LetStmt:
		c.walkExpr(st.Value)
		c.bind(st.Name)
	case *AssignStmt:
		c.walkExpr(st.Target)
		c.walkExpr(st.Value)
	case *ReturnStmt:
		c.walkExpr(st.Value)
	case *ExprStmt:
		c.walkExpr(st.Expr)
	case *WhileStmt:
		c.walkExpr(st.Cond)
		c.walkBlock(st.Body)
	case *ForStmt:
		c.walkExpr(st.Iter)
		c.scopes.Push()
		c.bind(st.Var)
		c.walkBlock(st.Body)
		c.scopes.Pop()
	}
}

func (c *closureCollector) walkExpr(e Expr) {
	switch n := e.(type) {
	case nil:
	case *Identifier:
		c.reference(n.Name)
	case *BinaryExpr:
		c.walkExpr(n.Left)
		c.walkExpr(n.Right)
	case *UnaryExpr:
		c.walkExpr(n.Operand)
	case *CallExpr:
		c.walkExpr(n.Callee)
		for _, a := range n.Args {
			c.walkExpr(a.Value)
		}
	case *FieldExpr:
		c.walkExpr(n.Receiver)
	case *IndexExpr:
		c.walkExpr(n.Receiver)
		c.walkExpr(n.Index)
	case *TryExpr:
		c.walkExpr(n.Operand)
	case *LambdaExpr:
		c.walkLambda(n)
	case *BlockExpr:
		c.walkBlock(n)
	case *IfExpr:
		c.walkExpr(n.Cond)
		c.walkBlock(n.Then)
		c.walkExpr(n.Else)
	case *TernaryExpr:
		c.walkExpr(n.Cond)
		c.walkExpr(n.Then)
		c.walkExpr(n.Else)
	case *MatchExpr:
		c.walkExpr(n.Subject)
		for _, arm := range n.Arms {
			c.scopes.Push()
			switch arm.Pattern.Kind {
			case PatBinding:
				c.bind(arm.Pattern.Name)
			case PatVariant:
				for _, name := range arm.Pattern.Bindings {
					c.bind(name)
				}
			}
			c.walkExpr(arm.Body)
			c.scopes.Pop()
		}
	case *ArrayLiteral:
		for _, el := range n.Elements {
			c.walkExpr(el)
		}
	case *StructLiteral:
		for _, f := range n.Fields {
			c.walkExpr(f.Value)
		}
	case *Element:
		c.walkElement(n)
	}
}

func (c *closureCollector) walkElement(el *Element) {
	if IsTypeName(el.Tag) {
		c.reference(el.Tag)
	}
	for _, a := range el.Attrs {
		c.walkExpr(a.Value)
	}
	for _, ch := range el.Children {
		switch n := ch.(type) {
		case *ExprChild:
			c.walkExpr(n.Expr)
		case *Element:
			c.walkElement(n)
		}
	}
}

func (c *closureCollector) walkLambda(e *LambdaExpr) {
	parent := -1
	if cur := c.current(); cur != nil {
		parent = cur.Index
	}
	info := &LambdaInfo{
		Index:  len(c.table.lambdas),
		Func:   c.fn,
		Parent: parent,
		Expr:   e,
	}
	for _, p := range e.Params {
		info.Params = append(info.Params, p.Name)
	}
	c.table.lambdas = append(c.table.lambdas, info)
	c.table.byExpr[e] = info

	c.stack = append(c.stack, info)
	c.scopes.Push()
	for _, p := range e.Params {
		c.scopes.Define(p.Name, binder{owner: info})
	}
	c.walkExpr(e.Body)
	c.scopes.Pop()
	c.stack = c.stack[:len(c.stack)-1]
}
