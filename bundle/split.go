// Package bundle partitions a Quill file into Shared, Server and Client
// declarations and emits the two script bundles that run on either side of
// the network, together with the remote-call manifest that ties them.
package bundle

import (
	"fmt"

	"github.com/chazu/quill/compiler"
)

// Side is the partition a top-level declaration belongs to.
type Side int

const (
	Shared Side = iota
	Server
	Client
)

func (s Side) String() string {
	switch s {
	case Server:
		return "server"
	case Client:
		return "client"
	}
	return "shared"
}

// SideOf returns the partition of a top-level item. Unannotated functions,
// types and globals are Shared; components always run on the client.
func SideOf(item compiler.Item) Side {
	fn, ok := item.(*compiler.FnDecl)
	if !ok {
		return Shared
	}
	switch {
	case fn.IsComponent, fn.Annotation == compiler.AnnotClient:
		return Client
	case fn.Annotation == compiler.AnnotServer:
		return Server
	}
	return Shared
}

// Partition is the result of splitting a file.
type Partition struct {
	File     *compiler.File
	Analysis *compiler.Analysis

	Shared []compiler.Item
	Server []compiler.Item
	Client []compiler.Item

	// Remote lists the Server functions referenced from Shared or Client
	// code, in source order. Each gets one stub and one endpoint.
	Remote []*compiler.FnDecl

	sides map[string]Side
	items map[string]compiler.Item
}

// Side returns the partition of the top-level declaration called name.
func (p *Partition) Side(name string) (Side, bool) {
	s, ok := p.sides[name]
	return s, ok
}

// Item returns the top-level declaration called name.
func (p *Partition) Item(name string) compiler.Item {
	return p.items[name]
}

// IsRemote reports whether name is a Server function reachable from the
// client.
func (p *Partition) IsRemote(name string) bool {
	for _, fn := range p.Remote {
		if fn.Name == name {
			return true
		}
	}
	return false
}

// reference is one use of a top-level name inside an item.
type reference struct {
	name string
	pos  compiler.Position
}

// Split assigns every top-level item to exactly one partition and checks
// that no Server or Shared declaration depends on a Client-only one. The
// analysis is used to resolve references; with a nil analysis names are
// matched textually.
func Split(file *compiler.File, a *compiler.Analysis) (*Partition, []*compiler.Diagnostic) {
	p := &Partition{
		File:     file,
		Analysis: a,
		sides:    make(map[string]Side),
		items:    make(map[string]compiler.Item),
	}
	for _, item := range file.Items {
		if _, dup := p.items[item.ItemName()]; dup {
			continue
		}
		side := SideOf(item)
		p.sides[item.ItemName()] = side
		p.items[item.ItemName()] = item
		switch side {
		case Server:
			p.Server = append(p.Server, item)
		case Client:
			p.Client = append(p.Client, item)
		default:
			p.Shared = append(p.Shared, item)
		}
	}

	var diags []*compiler.Diagnostic
	remote := make(map[string]bool)
	for _, item := range file.Items {
		if p.items[item.ItemName()] != item {
			continue
		}
		from := p.sides[item.ItemName()]
		seen := make(map[string]bool)
		for _, ref := range p.references(item) {
			to, ok := p.sides[ref.name]
			if !ok {
				continue
			}
			if to == Server && from != Server {
				remote[ref.name] = true
			}
			if to == Client && from != Client && !seen[ref.name] {
				seen[ref.name] = true
				diags = append(diags, p.splitError(item, from, ref))
			}
		}
	}
	for _, item := range p.Server {
		if fn, ok := item.(*compiler.FnDecl); ok && remote[fn.Name] {
			p.Remote = append(p.Remote, fn)
		}
	}
	compiler.SortDiagnostics(diags)
	return p, diags
}

func (p *Partition) splitError(item compiler.Item, from Side, ref reference) *compiler.Diagnostic {
	kind := "function"
	if _, ok := item.(*compiler.FnDecl); !ok {
		kind = "declaration"
	}
	target := p.items[ref.name]
	d := &compiler.Diagnostic{
		Kind:     compiler.SplitError,
		Severity: compiler.SeverityError,
		Code:     compiler.CodeSplit,
		Message:  fmt.Sprintf("%s %s '%s' references client-only '%s'", from, kind, item.ItemName(), ref.name),
		Pos:      ref.pos,
		End:      ref.pos,
	}
	start := target.Span().Start
	d.Notes = append(d.Notes,
		fmt.Sprintf("'%s' is declared at line %d, column %d", ref.name, start.Line, start.Column),
		fmt.Sprintf("%s code cannot call into the client", from))
	return d
}

// references collects the top-level names an item uses: identifiers,
// struct literal and path types, and component tags.
func (p *Partition) references(item compiler.Item) []reference {
	var refs []reference
	locals := p.Analysis == nil
	compiler.Inspect(item, func(n compiler.Node) bool {
		switch x := n.(type) {
		case *compiler.Identifier:
			if locals {
				refs = append(refs, reference{x.Name, x.SpanVal.Start})
				return true
			}
			if sym := p.Analysis.References[x]; sym != nil && sym.Decl != nil {
				refs = append(refs, reference{sym.Name, x.SpanVal.Start})
			}
		case *compiler.StructLiteral:
			refs = append(refs, reference{x.Name, x.SpanVal.Start})
		case *compiler.PathExpr:
			refs = append(refs, reference{x.Type, x.SpanVal.Start})
		case *compiler.Element:
			if compiler.IsTypeName(x.Tag) {
				refs = append(refs, reference{x.Tag, x.SpanVal.Start})
			}
		}
		return true
	})
	if locals {
		// Without an analysis, parameters and local bindings that shadow a
		// top-level name are not references to it.
		shadowed := localNames(item)
		kept := refs[:0]
		for _, r := range refs {
			if !shadowed[r.name] {
				kept = append(kept, r)
			}
		}
		refs = kept
	}
	return refs
}

func localNames(item compiler.Item) map[string]bool {
	names := make(map[string]bool)
	compiler.Inspect(item, func(n compiler.Node) bool {
		switch x := n.(type) {
		case *compiler.Param:
			names[x.Name] = true
		case *compiler.LetStmt:
			names[x.Name] = true
		case *compiler.ForStmt:
			names[x.Var] = true
		case *compiler.Pattern:
			if x.Kind == compiler.PatBinding {
				names[x.Name] = true
			}
			for _, b := range x.Bindings {
				names[b] = true
			}
		}
		return true
	})
	return names
}
