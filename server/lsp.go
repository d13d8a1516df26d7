// Package server implements the Quill language server. Every open document
// is compiled on open and on change; diagnostics are published from the
// result and the navigation features read the analysis it carries.
package server

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/tliron/commonlog"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
	glspserver "github.com/tliron/glsp/server"

	"github.com/chazu/quill/build"
	"github.com/chazu/quill/compiler"

	_ "github.com/tliron/commonlog/simple"
)

const lspName = "quill-lsp"

var log = commonlog.GetLogger("quill.lsp")

// document is an open buffer and its latest compilation.
type document struct {
	text   string
	result *build.Result
}

// LspServer serves editor features for Quill sources.
type LspServer struct {
	opts build.Options

	mu   sync.Mutex
	docs map[protocol.DocumentUri]*document

	handler protocol.Handler
	server  *glspserver.Server
	version string
}

// NewLSP creates a language server that compiles documents with opts.
// Buffers change on every keystroke, so the build cache is never used.
func NewLSP(opts build.Options) *LspServer {
	opts.Cache = nil
	s := &LspServer{
		opts:    opts,
		docs:    make(map[protocol.DocumentUri]*document),
		version: "0.1.0",
	}

	s.handler = protocol.Handler{
		Initialize:  s.initialize,
		Initialized: s.initialized,
		Shutdown:    s.shutdown,
		SetTrace:    s.setTrace,

		TextDocumentDidOpen:   s.textDocumentDidOpen,
		TextDocumentDidChange: s.textDocumentDidChange,
		TextDocumentDidClose:  s.textDocumentDidClose,

		TextDocumentCompletion:     s.textDocumentCompletion,
		TextDocumentHover:          s.textDocumentHover,
		TextDocumentDefinition:     s.textDocumentDefinition,
		TextDocumentReferences:     s.textDocumentReferences,
		TextDocumentDocumentSymbol: s.textDocumentDocumentSymbol,
		TextDocumentCodeAction:     s.textDocumentCodeAction,
	}

	s.server = glspserver.NewServer(&s.handler, lspName, false)

	return s
}

// Run starts the LSP server on stdio. Blocks until the client disconnects.
func (s *LspServer) Run() error {
	return s.server.RunStdio()
}

// --- LSP lifecycle handlers ---

func (s *LspServer) initialize(ctx *glsp.Context, params *protocol.InitializeParams) (any, error) {
	log.Info("initializing")

	capabilities := s.handler.CreateServerCapabilities()

	syncKind := protocol.TextDocumentSyncKindFull
	capabilities.TextDocumentSync = &protocol.TextDocumentSyncOptions{
		OpenClose: boolPtr(true),
		Change:    &syncKind,
	}

	capabilities.CompletionProvider = &protocol.CompletionOptions{
		TriggerCharacters: []string{"."},
	}

	capabilities.HoverProvider = true
	capabilities.DefinitionProvider = true
	capabilities.ReferencesProvider = true
	capabilities.DocumentSymbolProvider = true

	return protocol.InitializeResult{
		Capabilities: capabilities,
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    lspName,
			Version: &s.version,
		},
	}, nil
}

func (s *LspServer) initialized(ctx *glsp.Context, params *protocol.InitializedParams) error {
	return nil
}

func (s *LspServer) shutdown(ctx *glsp.Context) error {
	s.mu.Lock()
	n := len(s.docs)
	s.docs = make(map[protocol.DocumentUri]*document)
	s.mu.Unlock()
	log.Infof("shutting down with %d open documents", n)
	return nil
}

func (s *LspServer) setTrace(ctx *glsp.Context, params *protocol.SetTraceParams) error {
	return nil
}

// --- Document synchronization ---

func (s *LspServer) textDocumentDidOpen(ctx *glsp.Context, params *protocol.DidOpenTextDocumentParams) error {
	uri := params.TextDocument.URI
	s.publish(ctx, uri, s.update(uri, params.TextDocument.Text))
	return nil
}

func (s *LspServer) textDocumentDidChange(ctx *glsp.Context, params *protocol.DidChangeTextDocumentParams) error {
	uri := params.TextDocument.URI

	// With Full sync, the last change event contains the full text
	if len(params.ContentChanges) > 0 {
		last := params.ContentChanges[len(params.ContentChanges)-1]
		if whole, ok := last.(protocol.TextDocumentContentChangeEventWhole); ok {
			s.publish(ctx, uri, s.update(uri, whole.Text))
		}
	}
	return nil
}

func (s *LspServer) textDocumentDidClose(ctx *glsp.Context, params *protocol.DidCloseTextDocumentParams) error {
	uri := params.TextDocument.URI

	s.mu.Lock()
	delete(s.docs, uri)
	s.mu.Unlock()

	// Clear diagnostics for the closed document
	s.publish(ctx, uri, []protocol.Diagnostic{})
	return nil
}

// update compiles text as the new content of uri and returns its
// diagnostics in protocol form.
func (s *LspServer) update(uri protocol.DocumentUri, text string) []protocol.Diagnostic {
	r := build.Compile(documentName(uri), []byte(text), s.opts)

	s.mu.Lock()
	s.docs[uri] = &document{text: text, result: r}
	s.mu.Unlock()

	log.Debugf("%s: %d diagnostics", uri, len(r.Diagnostics))
	return convertDiagnostics(r.Diagnostics)
}

func (s *LspServer) publish(ctx *glsp.Context, uri protocol.DocumentUri, diagnostics []protocol.Diagnostic) {
	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: diagnostics,
	})
}

func (s *LspServer) document(uri protocol.DocumentUri) *document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docs[uri]
}

// --- Language features ---

func (s *LspServer) textDocumentCompletion(ctx *glsp.Context, params *protocol.CompletionParams) (any, error) {
	doc := s.document(params.TextDocument.URI)
	if doc == nil {
		return nil, nil
	}
	return s.complete(doc, params.Position), nil
}

func (s *LspServer) textDocumentHover(ctx *glsp.Context, params *protocol.HoverParams) (*protocol.Hover, error) {
	doc := s.document(params.TextDocument.URI)
	if doc == nil {
		return nil, nil
	}
	return s.hover(doc, params.Position), nil
}

func (s *LspServer) textDocumentDefinition(ctx *glsp.Context, params *protocol.DefinitionParams) (any, error) {
	doc := s.document(params.TextDocument.URI)
	if doc == nil {
		return nil, nil
	}
	loc := s.definition(doc, params.TextDocument.URI, params.Position)
	if loc == nil {
		return nil, nil
	}
	return *loc, nil
}

func (s *LspServer) textDocumentReferences(ctx *glsp.Context, params *protocol.ReferenceParams) ([]protocol.Location, error) {
	doc := s.document(params.TextDocument.URI)
	if doc == nil {
		return nil, nil
	}
	return s.references(doc, params.TextDocument.URI, params.Position, params.Context.IncludeDeclaration), nil
}

func (s *LspServer) textDocumentDocumentSymbol(ctx *glsp.Context, params *protocol.DocumentSymbolParams) (any, error) {
	doc := s.document(params.TextDocument.URI)
	if doc == nil {
		return nil, nil
	}
	return s.symbols(doc), nil
}

func (s *LspServer) textDocumentCodeAction(ctx *glsp.Context, params *protocol.CodeActionParams) (any, error) {
	doc := s.document(params.TextDocument.URI)
	if doc == nil {
		return nil, nil
	}
	return s.codeActions(doc, params.TextDocument.URI, params.Range), nil
}

// --- Analysis-backed logic ---

// complete offers keywords, builtins, top-level declarations and the
// locals bound earlier in the item around the cursor.
func (s *LspServer) complete(doc *document, pos protocol.Position) []protocol.CompletionItem {
	prefix := extractPrefix(doc.text, pos)
	if prefix == "" {
		return nil
	}
	lowerPrefix := strings.ToLower(prefix)
	at := toPosition(pos)

	seen := make(map[string]bool)
	var items []protocol.CompletionItem
	add := func(label, detail string, kind protocol.CompletionItemKind) {
		if seen[label] || label == prefix || !strings.HasPrefix(strings.ToLower(label), lowerPrefix) {
			return
		}
		seen[label] = true
		k := kind
		d := detail
		l := label
		items = append(items, protocol.CompletionItem{
			Label:      label,
			Kind:       &k,
			Detail:     &d,
			InsertText: &l,
		})
	}

	if a := doc.result.Analysis; a != nil {
		var enclosing compiler.Span
		if file := doc.result.File; file != nil {
			for _, it := range file.Items {
				if it.Span().Contains(at) {
					enclosing = it.Span()
				}
			}
		}
		for _, sym := range a.Locals {
			if sym.NamePos.Before(at) && enclosing.Contains(sym.NamePos) {
				add(sym.Name, describeType(sym.Type), protocol.CompletionItemKindVariable)
			}
		}
		for _, sym := range a.Symbols {
			add(sym.Name, sym.Kind.String(), completionKind(sym.Kind))
		}
	}
	for _, name := range compiler.Builtins() {
		add(name, "builtin", protocol.CompletionItemKindFunction)
	}
	for t := compiler.TokenFn; t <= compiler.TokenFalse; t++ {
		add(t.String(), "keyword", protocol.CompletionItemKindKeyword)
	}

	// Limit results
	const maxItems = 100
	if len(items) > maxItems {
		items = items[:maxItems]
	}

	return items
}

func (s *LspServer) hover(doc *document, pos protocol.Position) *protocol.Hover {
	sym, id := s.symbolAt(doc, pos)
	if sym == nil {
		return nil
	}

	t := sym.Type
	if id != nil {
		if it := doc.result.Analysis.TypeOf(id); compiler.IsKnown(it) {
			t = it
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**%s**", sym.Name)
	if ts := describeType(t); ts != "" {
		fmt.Fprintf(&b, ": `%s`", ts)
	}
	b.WriteString("\n\n")

	kind := sym.Kind.String()
	if sym.Annotation != compiler.AnnotNone {
		kind = sym.Annotation.String() + " " + kind
	} else if sym.Mutable && sym.Kind == compiler.SymLocal {
		kind = "mutable " + kind
	}
	b.WriteString(kind)

	if r := doc.result; r.Partition != nil && r.Manifest != nil && r.Partition.IsRemote(sym.Name) {
		for _, ep := range r.Manifest.Endpoints {
			if ep.Name == sym.Name {
				fmt.Fprintf(&b, "\n\n---\n\nRemote endpoint `%s` returning `%s`", ep.Path, ep.Result)
				break
			}
		}
	}

	return &protocol.Hover{
		Contents: protocol.MarkupContent{
			Kind:  protocol.MarkupKindMarkdown,
			Value: b.String(),
		},
	}
}

func (s *LspServer) definition(doc *document, uri protocol.DocumentUri, pos protocol.Position) *protocol.Location {
	sym, _ := s.symbolAt(doc, pos)
	if sym == nil || sym.Kind == compiler.SymBuiltin {
		return nil
	}
	return &protocol.Location{URI: uri, Range: declarationRange(doc.text, sym)}
}

// references lists every use of the symbol under the cursor in document
// order.
func (s *LspServer) references(doc *document, uri protocol.DocumentUri, pos protocol.Position, includeDeclaration bool) []protocol.Location {
	sym, _ := s.symbolAt(doc, pos)
	if sym == nil {
		return nil
	}

	var spans []compiler.Span
	for id, target := range doc.result.Analysis.References {
		if target == sym {
			spans = append(spans, id.Span())
		}
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].Start.Before(spans[j].Start) })

	var locations []protocol.Location
	if includeDeclaration && sym.Kind != compiler.SymBuiltin {
		locations = append(locations, protocol.Location{URI: uri, Range: declarationRange(doc.text, sym)})
	}
	for _, sp := range spans {
		locations = append(locations, protocol.Location{URI: uri, Range: toRange(sp)})
	}
	return locations
}

func (s *LspServer) symbols(doc *document) []protocol.DocumentSymbol {
	a := doc.result.Analysis
	if a == nil {
		return nil
	}
	var out []protocol.DocumentSymbol
	for _, sym := range a.Symbols {
		detail := describeType(sym.Type)
		if sym.Annotation != compiler.AnnotNone {
			detail = "@" + sym.Annotation.String() + " " + detail
		}
		ds := protocol.DocumentSymbol{
			Name:           sym.Name,
			Detail:         &detail,
			Kind:           symbolKind(sym.Kind),
			Range:          toRange(sym.Span),
			SelectionRange: declarationRange(doc.text, sym),
		}
		if st, ok := sym.Decl.(*compiler.StructDecl); ok {
			for _, f := range st.Fields {
				fd := f.Type.String()
				ds.Children = append(ds.Children, protocol.DocumentSymbol{
					Name:           f.Name,
					Detail:         &fd,
					Kind:           protocol.SymbolKindField,
					Range:          toRange(f.Span()),
					SelectionRange: toRange(f.Span()),
				})
			}
		}
		if en, ok := sym.Decl.(*compiler.EnumDecl); ok {
			for _, v := range en.Variants {
				ds.Children = append(ds.Children, protocol.DocumentSymbol{
					Name:           v.Name,
					Kind:           protocol.SymbolKindEnumMember,
					Range:          toRange(v.Span()),
					SelectionRange: toRange(v.Span()),
				})
			}
		}
		out = append(out, ds)
	}
	return out
}

// codeActions turns the fix-its of diagnostics overlapping rng into quick
// fixes.
func (s *LspServer) codeActions(doc *document, uri protocol.DocumentUri, rng protocol.Range) []protocol.CodeAction {
	var actions []protocol.CodeAction
	kind := protocol.CodeActionKindQuickFix
	for _, d := range doc.result.Diagnostics {
		if d.FixIt == nil {
			continue
		}
		dr := diagnosticRange(d)
		if !overlaps(dr, rng) {
			continue
		}
		title := d.FixIt.Message
		if title == "" {
			title = fmt.Sprintf("Replace with '%s'", d.FixIt.Replacement)
		}
		actions = append(actions, protocol.CodeAction{
			Title:       title,
			Kind:        &kind,
			Diagnostics: convertDiagnostics([]*compiler.Diagnostic{d}),
			IsPreferred: boolPtr(true),
			Edit: &protocol.WorkspaceEdit{
				Changes: map[protocol.DocumentUri][]protocol.TextEdit{
					uri: {{
						Range:   protocol.Range{Start: toProtocol(d.FixIt.Start), End: toProtocol(d.FixIt.End)},
						NewText: d.FixIt.Replacement,
					}},
				},
			},
		})
	}
	return actions
}

// symbolAt resolves the identifier under the cursor. Uses resolve through
// the analysis; a declaration name falls back to the top-level symbol of
// that name.
func (s *LspServer) symbolAt(doc *document, pos protocol.Position) (*compiler.Symbol, *compiler.Identifier) {
	r := doc.result
	if r.Analysis == nil || r.File == nil {
		return nil, nil
	}
	at := toPosition(pos)

	var found *compiler.Identifier
	compiler.Inspect(r.File, func(n compiler.Node) bool {
		if found != nil || !n.Span().Contains(at) && n != compiler.Node(r.File) {
			return false
		}
		if id, ok := n.(*compiler.Identifier); ok {
			found = id
			return false
		}
		return true
	})
	if found != nil {
		if sym := r.Analysis.References[found]; sym != nil {
			return sym, found
		}
	}

	word := extractWord(doc.text, pos)
	if word == "" {
		return nil, nil
	}
	for _, sym := range r.Analysis.Locals {
		if sym.Name == word && sym.NamePos.Line == at.Line {
			return sym, nil
		}
	}
	return r.Analysis.Lookup(word), nil
}

// --- Conversion helpers ---

func convertDiagnostics(diags []*compiler.Diagnostic) []protocol.Diagnostic {
	out := make([]protocol.Diagnostic, 0, len(diags))
	source := "quill"
	for _, d := range diags {
		severity := protocol.DiagnosticSeverityError
		if d.Severity == compiler.SeverityWarning {
			severity = protocol.DiagnosticSeverityWarning
		}
		msg := d.Message
		if d.Suggestion != "" {
			msg += fmt.Sprintf(" (did you mean '%s'?)", d.Suggestion)
		}
		for _, note := range d.Notes {
			msg += "\n" + note
		}
		pd := protocol.Diagnostic{
			Range:    diagnosticRange(d),
			Severity: &severity,
			Source:   &source,
			Message:  msg,
		}
		if d.Code != "" {
			pd.Code = &protocol.IntegerOrString{Value: d.Code}
		}
		out = append(out, pd)
	}
	return out
}

func diagnosticRange(d *compiler.Diagnostic) protocol.Range {
	end := d.End
	if end.Line == 0 || end.Before(d.Pos) {
		end = d.Pos
	}
	return protocol.Range{Start: toProtocol(d.Pos), End: toProtocol(end)}
}

// declarationRange locates the declared name of sym. Top-level symbols
// only record the span of the whole declaration, so the name is searched
// for in the text from its start.
func declarationRange(text string, sym *compiler.Symbol) protocol.Range {
	start := sym.NamePos
	if start.Line == 0 {
		start = sym.Span.Start
		off := start.Offset
		if off >= 0 && off <= len(text) {
			if i := indexWord(text[off:], sym.Name); i >= 0 {
				start = advance(start, text[off:off+i])
			}
		}
	}
	end := start
	end.Offset += len(sym.Name)
	end.Column += utf8.RuneCountInString(sym.Name)
	return protocol.Range{Start: toProtocol(start), End: toProtocol(end)}
}

// indexWord finds name in s as a whole identifier.
func indexWord(s, name string) int {
	for base := 0; ; {
		i := strings.Index(s[base:], name)
		if i < 0 {
			return -1
		}
		i += base
		end := i + len(name)
		before := i == 0 || !isIdentByte(s[i-1])
		after := end == len(s) || !isIdentByte(s[end])
		if before && after {
			return i
		}
		base = i + 1
	}
}

// advance moves p over text.
func advance(p compiler.Position, text string) compiler.Position {
	for _, r := range text {
		if r == '\n' {
			p.Line++
			p.Column = 1
		} else {
			p.Column++
		}
	}
	p.Offset += len(text)
	return p
}

func toPosition(p protocol.Position) compiler.Position {
	return compiler.Position{Line: int(p.Line) + 1, Column: int(p.Character) + 1}
}

func toProtocol(p compiler.Position) protocol.Position {
	line, col := p.Line-1, p.Column-1
	if line < 0 {
		line = 0
	}
	if col < 0 {
		col = 0
	}
	return protocol.Position{Line: protocol.UInteger(line), Character: protocol.UInteger(col)}
}

func toRange(s compiler.Span) protocol.Range {
	return protocol.Range{Start: toProtocol(s.Start), End: toProtocol(s.End)}
}

func overlaps(a, b protocol.Range) bool {
	return !before(a.End, b.Start) && !before(b.End, a.Start)
}

func before(p, q protocol.Position) bool {
	if p.Line != q.Line {
		return p.Line < q.Line
	}
	return p.Character < q.Character
}

func describeType(t compiler.Type) string {
	if t == nil {
		return ""
	}
	return t.String()
}

func symbolKind(k compiler.SymbolKind) protocol.SymbolKind {
	switch k {
	case compiler.SymFunction:
		return protocol.SymbolKindFunction
	case compiler.SymComponent:
		return protocol.SymbolKindClass
	case compiler.SymStruct:
		return protocol.SymbolKindStruct
	case compiler.SymEnum:
		return protocol.SymbolKindEnum
	case compiler.SymConst:
		return protocol.SymbolKindConstant
	}
	return protocol.SymbolKindVariable
}

func completionKind(k compiler.SymbolKind) protocol.CompletionItemKind {
	switch k {
	case compiler.SymFunction:
		return protocol.CompletionItemKindFunction
	case compiler.SymComponent:
		return protocol.CompletionItemKindClass
	case compiler.SymStruct:
		return protocol.CompletionItemKindStruct
	case compiler.SymEnum:
		return protocol.CompletionItemKindEnum
	case compiler.SymConst:
		return protocol.CompletionItemKindConstant
	}
	return protocol.CompletionItemKindVariable
}

// documentName derives the file name used in diagnostics from a URI.
func documentName(uri protocol.DocumentUri) string {
	s := string(uri)
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if s == "" {
		return "untitled.ql"
	}
	return path.Base(s)
}

// --- Text extraction helpers ---

// extractPrefix returns the word fragment before the cursor for completion.
func extractPrefix(text string, pos protocol.Position) string {
	line, col, ok := lineAt(text, pos)
	if !ok {
		return ""
	}

	// Walk backwards from cursor to find the start of the identifier
	start := col
	for start > 0 && isIdentByte(line[start-1]) {
		start--
	}

	if start == col {
		return ""
	}

	return line[start:col]
}

// extractWord returns the full identifier under the cursor.
func extractWord(text string, pos protocol.Position) string {
	line, col, ok := lineAt(text, pos)
	if !ok {
		return ""
	}

	start := col
	for start > 0 && isIdentByte(line[start-1]) {
		start--
	}
	end := col
	for end < len(line) && isIdentByte(line[end]) {
		end++
	}

	if start == end {
		return ""
	}

	return line[start:end]
}

// lineAt returns the line under pos and the byte index of its character
// offset, clamped to the line length.
func lineAt(text string, pos protocol.Position) (string, int, bool) {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return "", 0, false
	}
	line := lines[pos.Line]
	col := 0
	for i := 0; i < int(pos.Character) && col < len(line); i++ {
		_, size := utf8.DecodeRuneInString(line[col:])
		col += size
	}
	return line, col, true
}

func isIdentByte(b byte) bool {
	return b == '_' || b < utf8.RuneSelf && (unicode.IsLetter(rune(b)) || unicode.IsDigit(rune(b)))
}

func boolPtr(b bool) *bool {
	return &b
}
