package compiler

import "fmt"

// ---------------------------------------------------------------------------
// Scope stack shared by the analysis passes
// ---------------------------------------------------------------------------

// Scope is one lexical scope: an ordered list of bindings.
type Scope[T any] struct {
	names    []string
	bindings map[string]T
}

// Names returns the bound names in declaration order.
func (s *Scope[T]) Names() []string {
	return s.names
}

// ScopeStack is a LIFO stack of lexical scopes. Push and Pop must be
// balanced; popping an empty stack is a compiler bug and panics.
type ScopeStack[T any] struct {
	scopes []*Scope[T]
}

// NewScopeStack returns a stack holding a single outermost scope.
func NewScopeStack[T any]() *ScopeStack[T] {
	s := &ScopeStack[T]{}
	s.Push()
	return s
}

// Push opens a new innermost scope.
func (s *ScopeStack[T]) Push() {
	s.scopes = append(s.scopes, &Scope[T]{bindings: make(map[string]T)})
}

// Pop closes the innermost scope and returns it.
func (s *ScopeStack[T]) Pop() *Scope[T] {
	if len(s.scopes) == 0 {
		panic("compiler: scope stack underflow")
	}
	top := s.scopes[len(s.scopes)-1]
	s.scopes = s.scopes[:len(s.scopes)-1]
	return top
}

// Depth returns the number of open scopes.
func (s *ScopeStack[T]) Depth() int {
	return len(s.scopes)
}

// Define binds name in the innermost scope, shadowing outer bindings.
func (s *ScopeStack[T]) Define(name string, value T) {
	if len(s.scopes) == 0 {
		panic(fmt.Sprintf("compiler: define %q with no open scope", name))
	}
	top := s.scopes[len(s.scopes)-1]
	if _, exists := top.bindings[name]; !exists {
		top.names = append(top.names, name)
	}
	top.bindings[name] = value
}

// Lookup finds the innermost binding of name.
func (s *ScopeStack[T]) Lookup(name string) (T, bool) {
	v, _, ok := s.LookupDepth(name)
	return v, ok
}

// LookupDepth finds the innermost binding of name and the index of the scope
// that holds it (0 is the outermost).
func (s *ScopeStack[T]) LookupDepth(name string) (T, int, bool) {
	for i := len(s.scopes) - 1; i >= 0; i-- {
		if v, ok := s.scopes[i].bindings[name]; ok {
			return v, i, true
		}
	}
	var zero T
	return zero, -1, false
}

// LookupLocal finds name in the innermost scope only.
func (s *ScopeStack[T]) LookupLocal(name string) (T, bool) {
	if len(s.scopes) == 0 {
		var zero T
		return zero, false
	}
	v, ok := s.scopes[len(s.scopes)-1].bindings[name]
	return v, ok
}

// Update replaces the innermost binding of name. It reports false when name
// is not bound.
func (s *ScopeStack[T]) Update(name string, value T) bool {
	for i := len(s.scopes) - 1; i >= 0; i-- {
		if _, ok := s.scopes[i].bindings[name]; ok {
			s.scopes[i].bindings[name] = value
			return true
		}
	}
	return false
}

// VisibleNames returns every name visible from the innermost scope, inner
// scopes first, each name once.
func (s *ScopeStack[T]) VisibleNames() []string {
	seen := make(map[string]bool)
	var out []string
	for i := len(s.scopes) - 1; i >= 0; i-- {
		for _, n := range s.scopes[i].names {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	return out
}

// Each calls fn for every binding on the stack, outermost scope first.
// Shadowed bindings are included.
func (s *ScopeStack[T]) Each(fn func(name string, value T)) {
	for _, sc := range s.scopes {
		for _, n := range sc.names {
			fn(n, sc.bindings[n])
		}
	}
}
