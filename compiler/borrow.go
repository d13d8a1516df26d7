package compiler

import "fmt"

// ---------------------------------------------------------------------------
// Borrow Checker: single-ownership and move validation
// ---------------------------------------------------------------------------

// ownership tracks the move state of one binding.
type ownership struct {
	name    string
	moved   bool
	movedAt Span
	depth   int  // number of enclosing loop or closure bodies at declaration
	noted   bool // a use-after-move was already reported
}

// barrier is a loop or closure body. Values declared outside a barrier
// cannot be moved inside it because the body may run more than once.
type barrier int

const (
	barrierLoop barrier = iota
	barrierClosure
)

// BorrowChecker validates that values of move types are not used after
// being moved. It runs on a file the analyzer has already accepted and is
// purely additive: disabling it changes no other pass.
type BorrowChecker struct {
	analysis *Analysis
	scopes   *ScopeStack[*ownership]
	barriers []barrier
	diags    diagnosticList
}

// NewBorrowChecker creates a borrow checker that consults the analysis for
// the types of identifiers. A nil analysis treats every value as copy.
func NewBorrowChecker(analysis *Analysis) *BorrowChecker {
	return &BorrowChecker{analysis: analysis}
}

// Check validates every function body and global initializer in the file.
func (b *BorrowChecker) Check(file *File) []*Diagnostic {
	b.scopes = NewScopeStack[*ownership]()
	for _, item := range file.Items {
		switch it := item.(type) {
		case *FnDecl:
			b.checkFn(it)
		case *GlobalDecl:
			b.consume(it.Value)
		}
	}
	SortDiagnostics(b.diags.items)
	return b.diags.items
}

// CheckBorrows runs a fresh borrow checker over the file.
func CheckBorrows(file *File, analysis *Analysis) []*Diagnostic {
	return NewBorrowChecker(analysis).Check(file)
}

func (b *BorrowChecker) checkFn(fn *FnDecl) {
	b.scopes.Push()
	defer b.scopes.Pop()
	for _, p := range fn.Params {
		b.declare(p.Name)
	}
	if fn.Body == nil {
		return
	}
	b.scopes.Push()
	for _, stmt := range fn.Body.Stmts {
		b.checkStmt(stmt)
	}
	if fn.Body.Tail != nil {
		b.consume(fn.Body.Tail)
	}
	b.scopes.Pop()
}

func (b *BorrowChecker) declare(name string) {
	b.scopes.Define(name, &ownership{name: name, depth: len(b.barriers)})
}

func (b *BorrowChecker) isMove(id *Identifier) bool {
	if b.analysis == nil {
		return false
	}
	return !IsCopy(b.analysis.TypeOf(id))
}

// use records a read of id and reports it if the value has been moved.
func (b *BorrowChecker) use(id *Identifier) *ownership {
	own, ok := b.scopes.Lookup(id.Name)
	if !ok {
		// Globals, functions and builtins are not tracked.
		return nil
	}
	if own.moved && !own.noted {
		own.noted = true
		d := b.diags.add(BorrowError, CodeBorrow, id.SpanVal, "use of moved value '%s'", id.Name)
		at := own.movedAt.Start
		d.Notes = append(d.Notes, fmt.Sprintf("value moved at line %d, column %d", at.Line, at.Column))
		if b.analysis != nil {
			d.Notes = append(d.Notes, fmt.Sprintf("move occurs because '%s' has type %s, which is not copied", id.Name, b.analysis.TypeOf(id)))
		}
	}
	return own
}

// consume checks e in a position that takes ownership of its value. A bare
// identifier of a move type is moved.
func (b *BorrowChecker) consume(e Expr) {
	id, ok := e.(*Identifier)
	if !ok {
		b.expr(e, true)
		return
	}
	own := b.use(id)
	if own == nil || own.moved || !b.isMove(id) {
		return
	}
	if own.depth < len(b.barriers) {
		switch b.barriers[own.depth] {
		case barrierLoop:
			d := b.diags.add(BorrowError, CodeBorrow, id.SpanVal, "value '%s' moved inside a loop", id.Name)
			d.Notes = append(d.Notes, fmt.Sprintf("'%s' is declared outside the loop and would be used again by the next iteration", id.Name))
		case barrierClosure:
			d := b.diags.add(BorrowError, CodeBorrow, id.SpanVal, "cannot move captured value '%s' out of a closure", id.Name)
			d.Notes = append(d.Notes, "the closure may be called more than once")
		}
		own.noted = true
	}
	own.moved = true
	own.movedAt = id.SpanVal
}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

func (b *BorrowChecker) checkStmt(stmt Stmt) {
	switch st := stmt.(type) {
	case *LetStmt:
		b.consume(st.Value)
		b.declare(st.Name)

	case *AssignStmt:
		b.consume(st.Value)
		if id, ok := st.Target.(*Identifier); ok {
			if own, found := b.scopes.Lookup(id.Name); found {
				own.moved = false
				own.noted = false
			}
			return
		}
		b.checkExpr(st.Target)

	case *ReturnStmt:
		if st.Value != nil {
			b.consume(st.Value)
		}

	case *ExprStmt:
		b.checkExpr(st.Expr)

	case *WhileStmt:
		b.barriers = append(b.barriers, barrierLoop)
		b.checkExpr(st.Cond)
		b.checkBlock(st.Body)
		b.barriers = b.barriers[:len(b.barriers)-1]

	case *ForStmt:
		b.consume(st.Iter)
		b.barriers = append(b.barriers, barrierLoop)
		b.scopes.Push()
		b.declare(st.Var)
		b.checkBlock(st.Body)
		b.scopes.Pop()
		b.barriers = b.barriers[:len(b.barriers)-1]
	}
}

func (b *BorrowChecker) checkBlock(block *BlockExpr) {
	b.block(block, false)
}

// block checks a block whose tail is consumed when the block's value is.
func (b *BorrowChecker) block(block *BlockExpr, consumed bool) {
	if block == nil {
		return
	}
	b.scopes.Push()
	defer b.scopes.Pop()
	for _, stmt := range block.Stmts {
		b.checkStmt(stmt)
	}
	if block.Tail != nil {
		b.value(block.Tail, consumed)
	}
}

func (b *BorrowChecker) value(e Expr, consumed bool) {
	if consumed {
		b.consume(e)
		return
	}
	b.checkExpr(e)
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

func (b *BorrowChecker) checkExpr(e Expr) {
	b.expr(e, false)
}

// expr checks e. When consumed is set, the value e yields is moved: the tail
// of a block and every branch of a conditional or match.
func (b *BorrowChecker) expr(e Expr, consumed bool) {
	switch n := e.(type) {
	case nil:
	case *Identifier:
		b.use(n)

	case *BinaryExpr:
		b.checkExpr(n.Left)
		b.checkExpr(n.Right)

	case *UnaryExpr:
		// &x borrows; it never moves.
		b.checkExpr(n.Operand)

	case *CallExpr:
		b.checkExpr(n.Callee)
		builtin := false
		if id, ok := n.Callee.(*Identifier); ok && b.analysis != nil {
			if sym := b.analysis.References[id]; sym != nil && sym.Kind == SymBuiltin {
				builtin = true
			}
		}
		for _, a := range n.Args {
			if builtin {
				b.checkExpr(a.Value)
			} else {
				b.consume(a.Value)
			}
		}

	case *FieldExpr:
		b.checkExpr(n.Receiver)

	case *IndexExpr:
		b.checkExpr(n.Receiver)
		b.checkExpr(n.Index)

	case *TryExpr:
		b.checkExpr(n.Operand)

	case *LambdaExpr:
		b.barriers = append(b.barriers, barrierClosure)
		b.scopes.Push()
		for _, p := range n.Params {
			b.declare(p.Name)
		}
		b.checkExpr(n.Body)
		b.scopes.Pop()
		b.barriers = b.barriers[:len(b.barriers)-1]

	case *BlockExpr:
		b.block(n, consumed)

	case *IfExpr:
		b.checkExpr(n.Cond)
		paths := []func(){func() { b.block(n.Then, consumed) }}
		if n.Else != nil {
			paths = append(paths, func() { b.value(n.Else, consumed) })
		}
		b.branches(paths...)

	case *TernaryExpr:
		b.checkExpr(n.Cond)
		b.branches(func() { b.value(n.Then, consumed) }, func() { b.value(n.Else, consumed) })

	case *MatchExpr:
		b.checkExpr(n.Subject)
		paths := make([]func(), len(n.Arms))
		for i, arm := range n.Arms {
			arm := arm
			paths[i] = func() {
				b.scopes.Push()
				switch arm.Pattern.Kind {
				case PatBinding:
					b.declare(arm.Pattern.Name)
				case PatVariant:
					for _, name := range arm.Pattern.Bindings {
						b.declare(name)
					}
				}
				b.value(arm.Body, consumed)
				b.scopes.Pop()
			}
		}
		b.branches(paths...)

	case *ArrayLiteral:
		for _, el := range n.Elements {
			b.consume(el)
		}

	case *StructLiteral:
		for _, f := range n.Fields {
			b.consume(f.Value)
		}

	case *Element:
		b.checkElement(n)
	}
}

func (b *BorrowChecker) checkElement(el *Element) {
	for _, a := range el.Attrs {
		b.checkExpr(a.Value)
	}
	for _, c := range el.Children {
		switch ch := c.(type) {
		case *ExprChild:
			b.checkExpr(ch.Expr)
		case *Element:
			b.checkElement(ch)
		}
	}
}

// moveState is the recorded state of one binding.
type moveState struct {
	moved   bool
	movedAt Span
	noted   bool
}

func (b *BorrowChecker) snapshot() map[*ownership]moveState {
	snap := make(map[*ownership]moveState)
	b.scopes.Each(func(_ string, o *ownership) {
		snap[o] = moveState{moved: o.moved, movedAt: o.movedAt, noted: o.noted}
	})
	return snap
}

func restore(snap map[*ownership]moveState) {
	for o, st := range snap {
		o.moved, o.movedAt, o.noted = st.moved, st.movedAt, st.noted
	}
}

// branches checks alternative control-flow paths from the same starting
// state and merges the results: a binding moved on any path is moved
// afterwards.
func (b *BorrowChecker) branches(paths ...func()) {
	before := b.snapshot()
	after := make([]map[*ownership]moveState, 0, len(paths))
	for _, path := range paths {
		restore(before)
		path()
		after = append(after, b.snapshot())
	}
	restore(before)
	for _, snap := range after {
		for o, st := range snap {
			if _, existed := before[o]; !existed {
				continue
			}
			if st.moved && !o.moved {
				o.moved = true
				o.movedAt = st.movedAt
			}
			o.noted = o.noted || st.noted
		}
	}
}
