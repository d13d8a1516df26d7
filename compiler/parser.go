package compiler

import (
	"strconv"
	"unicode"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// Parser: Recursive descent parser for Quill
// ---------------------------------------------------------------------------

// Operator precedence tiers, lowest first.
const (
	precLowest = iota
	precTernary
	precOr
	precAnd
	precEquality
	precCompare
	precRange
	precSum
	precProduct
	precPrefix
	precPostfix
)

var infixPrecedence = map[TokenType]int{
	TokenQuestion: precTernary,
	TokenOrOr:     precOr,
	TokenAndAnd:   precAnd,
	TokenEq:       precEquality,
	TokenNotEq:    precEquality,
	TokenLt:       precCompare,
	TokenGt:       precCompare,
	TokenLtEq:     precCompare,
	TokenGtEq:     precCompare,
	TokenDotDot:   precRange,
	TokenPlus:     precSum,
	TokenMinus:    precSum,
	TokenStar:     precProduct,
	TokenSlash:    precProduct,
	TokenPercent:  precProduct,
	TokenLParen:   precPostfix,
	TokenDot:      precPostfix,
	TokenLBracket: precPostfix,
}

// Parser parses Quill source code into an AST.
//
// The lookahead token is fetched lazily and only when a grammar decision
// needs it, so no token is ever lexed ahead of a markup mode switch.
type Parser struct {
	lexer     *Lexer
	curToken  Token
	peekToken *Token // nil until peek is called
	prevEnd   Position
	diags     diagnosticList
	noStruct  bool // struct literals are not allowed (if/while/match heads)
	input     string
}

// NewParser creates a new parser for the given input.
func NewParser(input string) *Parser {
	p := &Parser{
		lexer: NewLexer(input),
		input: input,
	}
	p.nextToken()
	return p
}

// Parse parses a whole file and returns it with its diagnostics sorted by
// position.
func Parse(filename, input string) (*File, []*Diagnostic) {
	p := NewParser(input)
	file := p.ParseFile()
	file.Name = filename
	diags := p.Diagnostics()
	SortDiagnostics(diags)
	return file, diags
}

// Lexer returns the parser's lexer.
func (p *Parser) Lexer() *Lexer {
	return p.lexer
}

// nextToken advances to the next token, reporting and skipping lexical
// errors.
func (p *Parser) nextToken() {
	p.prevEnd = tokenEnd(p.curToken)
	if p.peekToken != nil {
		p.curToken = *p.peekToken
		p.peekToken = nil
		return
	}
	p.curToken = p.lex()
}

// lex reads one token from the lexer, turning error tokens into
// diagnostics.
func (p *Parser) lex() Token {
	for {
		tok := p.lexer.NextToken()
		if tok.Type != TokenError {
			return tok
		}
		p.diags.add(LexicalError, CodeLexical, tokenSpan(tok), "%s", tok.Literal)
	}
}

// peek returns the token after the current one without consuming it.
func (p *Parser) peek() Token {
	if p.peekToken == nil {
		tok := p.lex()
		p.peekToken = &tok
	}
	return *p.peekToken
}

// curTokenIs checks if the current token is of the given type.
func (p *Parser) curTokenIs(t TokenType) bool {
	return p.curToken.Type == t
}

// peekTokenIs checks if the token after the current one is of the given type.
func (p *Parser) peekTokenIs(t TokenType) bool {
	return p.peek().Type == t
}

// expect advances if the current token matches, otherwise records an error.
func (p *Parser) expect(t TokenType) bool {
	if p.curTokenIs(t) {
		p.nextToken()
		return true
	}
	p.errorf("expected '%s', found %s", t, describe(p.curToken))
	return false
}

// expectIdent consumes an identifier and returns its name. Reserved words
// are never accepted as identifiers.
func (p *Parser) expectIdent() (string, bool) {
	if p.curTokenIs(TokenIdentifier) {
		name := p.curToken.Literal
		p.nextToken()
		return name, true
	}
	if p.curToken.Type.IsKeyword() {
		p.errorf("expected identifier, found keyword '%s'", p.curToken.Literal)
	} else {
		p.errorf("expected identifier, found %s", describe(p.curToken))
	}
	return "", false
}

// expectSemicolon consumes a ';' or records an error with an insertion
// fix-it after the previous token.
func (p *Parser) expectSemicolon(after string) {
	if p.curTokenIs(TokenSemicolon) {
		p.nextToken()
		return
	}
	at := p.prevEnd
	d := p.diags.add(SyntaxError, CodeMissingSemicolon, Span{Start: at, End: at}, "expected ';' after %s", after)
	d.FixIt = &FixIt{Start: at, End: at, Replacement: ";", Message: "insert ';'"}
}

// errorf records a syntax error at the current token.
func (p *Parser) errorf(format string, args ...interface{}) *Diagnostic {
	return p.diags.add(SyntaxError, CodeSyntax, tokenSpan(p.curToken), format, args...)
}

// Diagnostics returns accumulated lexical and syntax diagnostics.
func (p *Parser) Diagnostics() []*Diagnostic {
	return p.diags.items
}

// Errors returns accumulated diagnostics as strings.
func (p *Parser) Errors() []string {
	out := make([]string, len(p.diags.items))
	for i, d := range p.diags.items {
		out[i] = d.Error()
	}
	return out
}

func (p *Parser) span(start Position) Span {
	return Span{Start: start, End: p.prevEnd}
}

func tokenEnd(t Token) Position {
	n := utf8.RuneCountInString(t.Literal)
	if t.Type == TokenString {
		n += 2
	}
	return Position{Offset: t.Pos.Offset + len(t.Literal), Line: t.Pos.Line, Column: t.Pos.Column + n}
}

func tokenSpan(t Token) Span {
	return Span{Start: t.Pos, End: tokenEnd(t)}
}

func describe(t Token) string {
	switch t.Type {
	case TokenEOF:
		return "end of input"
	case TokenIdentifier:
		return "identifier '" + t.Literal + "'"
	case TokenText:
		return "text"
	}
	if t.Type.IsKeyword() {
		return "keyword '" + t.Literal + "'"
	}
	return "'" + t.Literal + "'"
}

// ---------------------------------------------------------------------------
// Recovery
// ---------------------------------------------------------------------------

func isItemStart(t TokenType) bool {
	switch t {
	case TokenFn, TokenComponent, TokenStruct, TokenEnum, TokenAt, TokenServer, TokenClient:
		return true
	}
	return false
}

// synchronizeItem skips to the next token that can begin a top-level item
// at brace depth zero.
func (p *Parser) synchronizeItem() {
	depth := 0
	p.nextToken()
	for !p.curTokenIs(TokenEOF) {
		switch {
		case p.curTokenIs(TokenLBrace):
			depth++
		case p.curTokenIs(TokenRBrace):
			if depth > 0 {
				depth--
			}
		case depth == 0 && (isItemStart(p.curToken.Type) || p.curTokenIs(TokenLet) || p.curTokenIs(TokenConst)):
			return
		}
		p.nextToken()
	}
}

// synchronizeStmt skips to the end of the current statement: past the next
// ';', or up to the '}' closing the current block.
func (p *Parser) synchronizeStmt() {
	depth := 0
	for !p.curTokenIs(TokenEOF) {
		switch p.curToken.Type {
		case TokenSemicolon:
			if depth == 0 {
				p.nextToken()
				return
			}
		case TokenLBrace:
			depth++
		case TokenRBrace:
			if depth == 0 {
				return
			}
			depth--
		}
		p.nextToken()
	}
}

// ---------------------------------------------------------------------------
// Items
// ---------------------------------------------------------------------------

// ParseFile parses a sequence of top-level items until end of input.
func (p *Parser) ParseFile() *File {
	start := p.curToken.Pos
	file := &File{}
	for !p.curTokenIs(TokenEOF) {
		item := p.parseItem()
		if item == nil {
			p.synchronizeItem()
			continue
		}
		file.Items = append(file.Items, item)
	}
	file.SpanVal = Span{Start: start, End: p.curToken.Pos}
	return file
}

func (p *Parser) parseItem() Item {
	start := p.curToken.Pos
	annot := AnnotNone

	switch p.curToken.Type {
	case TokenAt:
		p.nextToken()
		switch p.curToken.Type {
		case TokenServer:
			annot = AnnotServer
		case TokenClient:
			annot = AnnotClient
		default:
			p.errorf("unknown annotation %s, expected '@server' or '@client'", describe(p.curToken))
			return nil
		}
		p.nextToken()
		if !p.curTokenIs(TokenFn) {
			p.errorf("expected 'fn' after annotation, found %s", describe(p.curToken))
			return nil
		}
		return p.parseFn(start, annot, false)

	case TokenServer, TokenClient:
		if p.curTokenIs(TokenServer) {
			annot = AnnotServer
		} else {
			annot = AnnotClient
		}
		p.nextToken()
		if !p.curTokenIs(TokenFn) {
			p.errorf("expected 'fn' after '%s', found %s", annot, describe(p.curToken))
			return nil
		}
		return p.parseFn(start, annot, false)

	case TokenFn:
		return p.parseFn(start, AnnotNone, false)

	case TokenComponent:
		return p.parseFn(start, AnnotClient, true)

	case TokenStruct:
		return p.parseStruct()

	case TokenEnum:
		return p.parseEnum()

	case TokenLet, TokenConst:
		return p.parseGlobal()
	}

	p.errorf("expected item, found %s", describe(p.curToken))
	return nil
}

func (p *Parser) parseFn(start Position, annot Annotation, component bool) *FnDecl {
	p.nextToken() // fn / component

	name, ok := p.expectIdent()
	if !ok {
		return nil
	}
	fn := &FnDecl{Name: name, Annotation: annot, IsComponent: component}

	if !p.expect(TokenLParen) {
		return nil
	}
	fn.Params = p.parseParams(TokenRParen)
	if !p.expect(TokenRParen) {
		return nil
	}

	if p.curTokenIs(TokenArrow) {
		p.nextToken()
		fn.Result = p.parseType()
	}

	if !p.curTokenIs(TokenLBrace) {
		p.errorf("expected '{' to begin body of '%s', found %s", name, describe(p.curToken))
		return nil
	}
	fn.Body = p.parseBlock()
	fn.SpanVal = p.span(start)
	return fn
}

// parseParams parses a comma-separated parameter list up to (not including)
// the closing token.
func (p *Parser) parseParams(closing TokenType) []*Param {
	var params []*Param
	for !p.curTokenIs(closing) && !p.curTokenIs(TokenEOF) {
		start := p.curToken.Pos
		name, ok := p.expectIdent()
		if !ok {
			for !p.curTokenIs(closing) && !p.curTokenIs(TokenEOF) && !p.curTokenIs(TokenLBrace) {
				p.nextToken()
			}
			return params
		}
		param := &Param{Name: name}
		if p.curTokenIs(TokenColon) {
			p.nextToken()
			param.Type = p.parseType()
		}
		param.SpanVal = p.span(start)
		params = append(params, param)
		if !p.curTokenIs(TokenComma) {
			break
		}
		p.nextToken()
	}
	return params
}

func (p *Parser) parseStruct() *StructDecl {
	start := p.curToken.Pos
	p.nextToken() // struct
	name, ok := p.expectIdent()
	if !ok || !p.expect(TokenLBrace) {
		return nil
	}
	decl := &StructDecl{Name: name}
	for !p.curTokenIs(TokenRBrace) && !p.curTokenIs(TokenEOF) {
		fstart := p.curToken.Pos
		fname, ok := p.expectIdent()
		if !ok || !p.expect(TokenColon) {
			return nil
		}
		decl.Fields = append(decl.Fields, &FieldDecl{Name: fname, Type: p.parseType(), SpanVal: p.span(fstart)})
		if !p.curTokenIs(TokenComma) {
			break
		}
		p.nextToken()
	}
	if !p.expect(TokenRBrace) {
		return nil
	}
	decl.SpanVal = p.span(start)
	return decl
}

func (p *Parser) parseEnum() *EnumDecl {
	start := p.curToken.Pos
	p.nextToken() // enum
	name, ok := p.expectIdent()
	if !ok || !p.expect(TokenLBrace) {
		return nil
	}
	decl := &EnumDecl{Name: name}
	for !p.curTokenIs(TokenRBrace) && !p.curTokenIs(TokenEOF) {
		vstart := p.curToken.Pos
		vname, ok := p.expectIdent()
		if !ok {
			return nil
		}
		variant := &VariantDecl{Name: vname}
		if p.curTokenIs(TokenLParen) {
			p.nextToken()
			for !p.curTokenIs(TokenRParen) && !p.curTokenIs(TokenEOF) {
				variant.Fields = append(variant.Fields, p.parseType())
				if !p.curTokenIs(TokenComma) {
					break
				}
				p.nextToken()
			}
			if !p.expect(TokenRParen) {
				return nil
			}
		}
		variant.SpanVal = p.span(vstart)
		decl.Variants = append(decl.Variants, variant)
		if !p.curTokenIs(TokenComma) {
			break
		}
		p.nextToken()
	}
	if !p.expect(TokenRBrace) {
		return nil
	}
	decl.SpanVal = p.span(start)
	return decl
}

func (p *Parser) parseGlobal() *GlobalDecl {
	start := p.curToken.Pos
	isConst := p.curTokenIs(TokenConst)
	p.nextToken()
	name, ok := p.expectIdent()
	if !ok {
		return nil
	}
	decl := &GlobalDecl{Name: name, IsConst: isConst}
	if p.curTokenIs(TokenColon) {
		p.nextToken()
		decl.Type = p.parseType()
	}
	if !p.expect(TokenAssign) {
		return nil
	}
	decl.Value = p.parseExpression(precLowest)
	if decl.Value == nil {
		return nil
	}
	p.expectSemicolon("top-level binding")
	decl.SpanVal = p.span(start)
	return decl
}

// parseType parses a type annotation.
func (p *Parser) parseType() *TypeRef {
	start := p.curToken.Pos
	switch p.curToken.Type {
	case TokenLBracket:
		p.nextToken()
		elem := p.parseType()
		p.expect(TokenRBracket)
		return &TypeRef{Kind: TypeRefArray, Elem: elem, SpanVal: p.span(start)}

	case TokenLParen:
		p.nextToken()
		p.expect(TokenRParen)
		return &TypeRef{Kind: TypeRefUnit, SpanVal: p.span(start)}

	case TokenFn:
		p.nextToken()
		t := &TypeRef{Kind: TypeRefFunc}
		p.expect(TokenLParen)
		for !p.curTokenIs(TokenRParen) && !p.curTokenIs(TokenEOF) {
			t.Args = append(t.Args, p.parseType())
			if !p.curTokenIs(TokenComma) {
				break
			}
			p.nextToken()
		}
		p.expect(TokenRParen)
		if p.curTokenIs(TokenArrow) {
			p.nextToken()
			t.Elem = p.parseType()
		}
		t.SpanVal = p.span(start)
		return t

	case TokenIdentifier:
		t := &TypeRef{Kind: TypeRefNamed, Name: p.curToken.Literal}
		p.nextToken()
		if p.curTokenIs(TokenLt) {
			p.nextToken()
			for !p.curTokenIs(TokenGt) && !p.curTokenIs(TokenEOF) {
				t.Args = append(t.Args, p.parseType())
				if !p.curTokenIs(TokenComma) {
					break
				}
				p.nextToken()
			}
			p.expect(TokenGt)
		}
		t.SpanVal = p.span(start)
		return t
	}

	p.errorf("expected type, found %s", describe(p.curToken))
	return &TypeRef{Kind: TypeRefNamed, Name: "_", SpanVal: tokenSpan(p.curToken)}
}

// ---------------------------------------------------------------------------
// Blocks and statements
// ---------------------------------------------------------------------------

// parseBlock parses { stmt* tail? }. The current token must be '{'. It never
// returns nil.
func (p *Parser) parseBlock() *BlockExpr {
	start := p.curToken.Pos
	block := &BlockExpr{}
	saved := p.noStruct
	p.noStruct = false
	defer func() { p.noStruct = saved }()

	p.nextToken() // {
	for !p.curTokenIs(TokenRBrace) && !p.curTokenIs(TokenEOF) {
		if tail, done := p.parseBlockEntry(block); done {
			block.Tail = tail
			break
		}
	}
	if !p.curTokenIs(TokenRBrace) {
		p.errorf("expected '}' to close block, found %s", describe(p.curToken))
	} else {
		p.nextToken()
	}
	block.SpanVal = p.span(start)
	return block
}

// parseBlockEntry parses one statement into block. When the entry turns out
// to be the block's tail expression it is returned with done set.
func (p *Parser) parseBlockEntry(block *BlockExpr) (Expr, bool) {
	start := p.curToken.Pos
	switch p.curToken.Type {
	case TokenLet, TokenConst:
		if s := p.parseLet(); s != nil {
			block.Stmts = append(block.Stmts, s)
		} else {
			p.synchronizeStmt()
		}
		return nil, false
	case TokenReturn:
		block.Stmts = append(block.Stmts, p.parseReturn())
		return nil, false
	case TokenWhile:
		if s := p.parseWhile(); s != nil {
			block.Stmts = append(block.Stmts, s)
		}
		return nil, false
	case TokenFor:
		if s := p.parseFor(); s != nil {
			block.Stmts = append(block.Stmts, s)
		} else {
			p.synchronizeStmt()
		}
		return nil, false
	case TokenSemicolon:
		p.nextToken()
		return nil, false
	}

	expr := p.parseExpression(precLowest)
	if expr == nil {
		p.synchronizeStmt()
		return nil, false
	}

	switch {
	case p.curTokenIs(TokenAssign):
		p.nextToken()
		value := p.parseExpression(precLowest)
		if value == nil {
			p.synchronizeStmt()
			return nil, false
		}
		switch expr.(type) {
		case *Identifier, *FieldExpr, *IndexExpr:
		default:
			p.diags.add(SyntaxError, CodeSyntax, expr.Span(), "invalid assignment target")
		}
		p.expectSemicolon("assignment")
		block.Stmts = append(block.Stmts, &AssignStmt{Target: expr, Value: value, SpanVal: p.span(start)})
	case p.curTokenIs(TokenSemicolon):
		p.nextToken()
		block.Stmts = append(block.Stmts, &ExprStmt{Expr: expr, SpanVal: p.span(start)})
	case p.curTokenIs(TokenRBrace):
		return expr, true
	case endsWithBlock(expr):
		block.Stmts = append(block.Stmts, &ExprStmt{Expr: expr, SpanVal: expr.Span()})
	default:
		p.expectSemicolon("expression")
		block.Stmts = append(block.Stmts, &ExprStmt{Expr: expr, SpanVal: expr.Span()})
	}
	return nil, false
}

// endsWithBlock reports whether an expression statement may omit its ';'.
func endsWithBlock(e Expr) bool {
	switch e.(type) {
	case *IfExpr, *MatchExpr, *BlockExpr:
		return true
	}
	return false
}

func (p *Parser) parseLet() Stmt {
	start := p.curToken.Pos
	stmt := &LetStmt{IsConst: p.curTokenIs(TokenConst)}
	p.nextToken()
	if !stmt.IsConst && p.curTokenIs(TokenMut) {
		stmt.Mutable = true
		p.nextToken()
	}
	stmt.NamePos = p.curToken.Pos
	name, ok := p.expectIdent()
	if !ok {
		return nil
	}
	stmt.Name = name
	if p.curTokenIs(TokenColon) {
		p.nextToken()
		stmt.Type = p.parseType()
	}
	if !p.expect(TokenAssign) {
		return nil
	}
	stmt.Value = p.parseExpression(precLowest)
	if stmt.Value == nil {
		return nil
	}
	p.expectSemicolon("let binding")
	stmt.SpanVal = p.span(start)
	return stmt
}

func (p *Parser) parseReturn() Stmt {
	start := p.curToken.Pos
	p.nextToken() // return
	stmt := &ReturnStmt{}
	if !p.curTokenIs(TokenSemicolon) && !p.curTokenIs(TokenRBrace) {
		stmt.Value = p.parseExpression(precLowest)
		if stmt.Value == nil {
			p.synchronizeStmt()
			stmt.SpanVal = p.span(start)
			return stmt
		}
	}
	if !p.curTokenIs(TokenRBrace) {
		p.expectSemicolon("return")
	}
	stmt.SpanVal = p.span(start)
	return stmt
}

func (p *Parser) parseWhile() Stmt {
	start := p.curToken.Pos
	p.nextToken() // while
	cond := p.parseCondition()
	if cond == nil || !p.curTokenIs(TokenLBrace) {
		if cond != nil {
			p.errorf("expected '{' after while condition, found %s", describe(p.curToken))
		}
		p.synchronizeStmt()
		return nil
	}
	return &WhileStmt{Cond: cond, Body: p.parseBlock(), SpanVal: p.span(start)}
}

func (p *Parser) parseFor() Stmt {
	start := p.curToken.Pos
	p.nextToken() // for
	name, ok := p.expectIdent()
	if !ok || !p.expect(TokenIn) {
		return nil
	}
	iter := p.parseCondition()
	if iter == nil {
		return nil
	}
	if !p.curTokenIs(TokenLBrace) {
		p.errorf("expected '{' after for iterator, found %s", describe(p.curToken))
		return nil
	}
	return &ForStmt{Var: name, Iter: iter, Body: p.parseBlock(), SpanVal: p.span(start)}
}

// parseCondition parses an expression in a position directly followed by a
// block, where 'Name {' must not be read as a struct literal.
func (p *Parser) parseCondition() Expr {
	saved := p.noStruct
	p.noStruct = true
	e := p.parseExpression(precLowest)
	p.noStruct = saved
	return e
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

// ParseExpression parses a single expression.
func (p *Parser) ParseExpression() Expr {
	return p.parseExpression(precLowest)
}

func (p *Parser) parseExpression(prec int) Expr {
	left := p.parsePrefix()
	if left == nil {
		return nil
	}
	for {
		opPrec, ok := infixPrecedence[p.curToken.Type]
		if !ok || opPrec <= prec {
			if p.curTokenIs(TokenQuestion) && prec < precPostfix && p.isTryOperator() {
				left = p.parseTry(left)
				continue
			}
			return left
		}
		switch p.curToken.Type {
		case TokenQuestion:
			if p.isTryOperator() {
				left = p.parseTry(left)
				continue
			}
			left = p.parseTernary(left)
		case TokenLParen:
			left = p.parseCall(left)
		case TokenDot:
			left = p.parseField(left)
		case TokenLBracket:
			left = p.parseIndex(left)
		default:
			left = p.parseBinary(left, opPrec)
		}
		if left == nil {
			return nil
		}
	}
}

// isTryOperator decides whether the current '?' is the postfix
// error-propagation operator rather than the start of a ternary. It is
// postfix when the following token cannot begin an expression.
func (p *Parser) isTryOperator() bool {
	switch p.peek().Type {
	case TokenSemicolon, TokenRParen, TokenRBrace, TokenRBracket, TokenComma, TokenDot,
		TokenQuestion, TokenEOF, TokenColon, TokenPlus, TokenStar, TokenSlash, TokenPercent,
		TokenEq, TokenNotEq, TokenLtEq, TokenGtEq, TokenGt, TokenAndAnd, TokenOrOr,
		TokenAssign, TokenFatArrow, TokenDotDot:
		return true
	}
	return false
}

func (p *Parser) parsePrefix() Expr {
	tok := p.curToken
	start := tok.Pos

	switch tok.Type {
	case TokenInteger:
		p.nextToken()
		v, err := strconv.ParseInt(tok.Literal, 10, 64)
		if err != nil {
			p.diags.add(SyntaxError, CodeSyntax, tokenSpan(tok), "integer literal %s out of range", tok.Literal)
		}
		return &IntLiteral{Value: v, SpanVal: p.span(start)}

	case TokenFloat:
		p.nextToken()
		v, err := strconv.ParseFloat(tok.Literal, 64)
		if err != nil {
			p.diags.add(SyntaxError, CodeSyntax, tokenSpan(tok), "invalid float literal %s", tok.Literal)
		}
		return &FloatLiteral{Value: v, SpanVal: p.span(start)}

	case TokenString:
		p.nextToken()
		return &StringLiteral{Value: tok.Literal, SpanVal: p.span(start)}

	case TokenTrue, TokenFalse:
		p.nextToken()
		return &BoolLiteral{Value: tok.Type == TokenTrue, SpanVal: p.span(start)}

	case TokenIdentifier:
		return p.parseIdentifier()

	case TokenLParen:
		return p.parseGroup()

	case TokenLBracket:
		return p.parseArray()

	case TokenLBrace:
		return p.parseBlock()

	case TokenIf:
		return p.parseIf()

	case TokenMatch:
		return p.parseMatch()

	case TokenBar, TokenOrOr:
		return p.parseLambda()

	case TokenMinus, TokenBang:
		p.nextToken()
		operand := p.parseExpression(precPrefix)
		if operand == nil {
			return nil
		}
		return &UnaryExpr{Op: tok.Type, Operand: operand, SpanVal: p.span(start)}

	case TokenAmp:
		p.nextToken()
		mutable := false
		if p.curTokenIs(TokenMut) {
			mutable = true
			p.nextToken()
		}
		operand := p.parseExpression(precPrefix)
		if operand == nil {
			return nil
		}
		return &UnaryExpr{Op: TokenAmp, Mutable: mutable, Operand: operand, SpanVal: p.span(start)}

	case TokenLt:
		depth := p.lexer.MarkupDepth()
		el := p.parseElement()
		if el == nil {
			p.lexer.resetMarkup(depth)
			return nil
		}
		p.nextToken() // final '>' of the element, read in the enclosing mode
		el.SpanVal = p.span(start)
		return el

	case TokenLet, TokenConst, TokenReturn, TokenWhile, TokenFor:
		p.errorf("expected expression, found keyword '%s'", tok.Literal)
		return nil
	}

	if tok.Type.IsKeyword() {
		p.errorf("expected expression, found keyword '%s'", tok.Literal)
	} else {
		p.errorf("expected expression, found %s", describe(tok))
	}
	return nil
}

func (p *Parser) parseIdentifier() Expr {
	tok := p.curToken
	start := tok.Pos
	p.nextToken()

	if p.curTokenIs(TokenColonColon) {
		p.nextToken()
		member, ok := p.expectIdent()
		if !ok {
			return nil
		}
		return &PathExpr{Type: tok.Literal, Member: member, SpanVal: p.span(start)}
	}

	if p.curTokenIs(TokenLBrace) && !p.noStruct && IsTypeName(tok.Literal) {
		return p.parseStructLiteral(tok.Literal, start)
	}

	return &Identifier{Name: tok.Literal, SpanVal: p.span(start)}
}

// IsTypeName reports whether an identifier is written like a type name:
// its first rune is an uppercase letter.
func IsTypeName(name string) bool {
	r, _ := utf8.DecodeRuneInString(name)
	return unicode.IsUpper(r)
}

func (p *Parser) parseStructLiteral(name string, start Position) Expr {
	p.nextToken() // {
	lit := &StructLiteral{Name: name}
	for !p.curTokenIs(TokenRBrace) && !p.curTokenIs(TokenEOF) {
		fstart := p.curToken.Pos
		fname, ok := p.expectIdent()
		if !ok {
			return nil
		}
		init := &FieldInit{Name: fname}
		if p.curTokenIs(TokenColon) {
			p.nextToken()
			init.Value = p.parseExpression(precLowest)
			if init.Value == nil {
				return nil
			}
		} else {
			init.Value = &Identifier{Name: fname, SpanVal: p.span(fstart)}
		}
		init.SpanVal = p.span(fstart)
		lit.Fields = append(lit.Fields, init)
		if !p.curTokenIs(TokenComma) {
			break
		}
		p.nextToken()
	}
	if !p.expect(TokenRBrace) {
		return nil
	}
	lit.SpanVal = p.span(start)
	return lit
}

// parseGroup parses a parenthesized expression. Statement sequences are
// only legal inside braces, so a statement keyword or a ';' inside the
// parentheses is a syntax error.
func (p *Parser) parseGroup() Expr {
	start := p.curToken.Pos
	p.nextToken() // (
	if p.curTokenIs(TokenRParen) {
		p.nextToken()
		return &BlockExpr{SpanVal: p.span(start)}
	}

	switch p.curToken.Type {
	case TokenLet, TokenConst, TokenReturn, TokenWhile, TokenFor:
		d := p.errorf("statements are not allowed inside '(...)'; use a '{ ... }' block expression")
		d.Notes = append(d.Notes, "statement sequences are only legal inside '{}' blocks")
		p.skipGroup()
		return nil
	}

	saved := p.noStruct
	p.noStruct = false
	e := p.parseExpression(precLowest)
	p.noStruct = saved
	if e == nil {
		p.skipGroup()
		return nil
	}
	if p.curTokenIs(TokenSemicolon) {
		p.errorf("statement sequences are not allowed inside '(...)'; use a '{ ... }' block expression")
		p.skipGroup()
		return nil
	}
	if !p.expect(TokenRParen) {
		return nil
	}
	return e
}

// skipGroup skips to and past the ')' matching an already consumed '('.
func (p *Parser) skipGroup() {
	depth := 0
	for !p.curTokenIs(TokenEOF) {
		switch p.curToken.Type {
		case TokenLParen:
			depth++
		case TokenRParen:
			if depth == 0 {
				p.nextToken()
				return
			}
			depth--
		case TokenRBrace:
			if depth == 0 {
				return
			}
		}
		p.nextToken()
	}
}

func (p *Parser) parseArray() Expr {
	start := p.curToken.Pos
	p.nextToken() // [
	saved := p.noStruct
	p.noStruct = false
	defer func() { p.noStruct = saved }()

	arr := &ArrayLiteral{}
	for !p.curTokenIs(TokenRBracket) && !p.curTokenIs(TokenEOF) {
		e := p.parseExpression(precLowest)
		if e == nil {
			return nil
		}
		arr.Elements = append(arr.Elements, e)
		if !p.curTokenIs(TokenComma) {
			break
		}
		p.nextToken()
	}
	if !p.expect(TokenRBracket) {
		return nil
	}
	arr.SpanVal = p.span(start)
	return arr
}

func (p *Parser) parseIf() Expr {
	start := p.curToken.Pos
	p.nextToken() // if
	cond := p.parseCondition()
	if cond == nil {
		return nil
	}
	if !p.curTokenIs(TokenLBrace) {
		p.errorf("expected '{' after if condition, found %s", describe(p.curToken))
		return nil
	}
	expr := &IfExpr{Cond: cond, Then: p.parseBlock()}
	if p.curTokenIs(TokenElse) {
		p.nextToken()
		switch {
		case p.curTokenIs(TokenIf):
			expr.Else = p.parseIf()
		case p.curTokenIs(TokenLBrace):
			expr.Else = p.parseBlock()
		default:
			p.errorf("expected 'if' or '{' after 'else', found %s", describe(p.curToken))
			return nil
		}
		if expr.Else == nil {
			return nil
		}
	}
	expr.SpanVal = p.span(start)
	return expr
}

func (p *Parser) parseMatch() Expr {
	start := p.curToken.Pos
	p.nextToken() // match
	subject := p.parseCondition()
	if subject == nil {
		return nil
	}
	if !p.expect(TokenLBrace) {
		return nil
	}
	m := &MatchExpr{Subject: subject}
	for !p.curTokenIs(TokenRBrace) && !p.curTokenIs(TokenEOF) {
		astart := p.curToken.Pos
		pat := p.parsePattern()
		if pat == nil || !p.expect(TokenFatArrow) {
			return nil
		}
		body := p.parseExpression(precLowest)
		if body == nil {
			return nil
		}
		m.Arms = append(m.Arms, &MatchArm{Pattern: pat, Body: body, SpanVal: p.span(astart)})
		if p.curTokenIs(TokenComma) {
			p.nextToken()
		} else if !endsWithBlock(body) {
			break
		}
	}
	if !p.expect(TokenRBrace) {
		return nil
	}
	m.SpanVal = p.span(start)
	return m
}

// parsePattern parses a match pattern. A lowercase identifier binds the
// subject; an identifier written like a type name is a variant.
func (p *Parser) parsePattern() *Pattern {
	start := p.curToken.Pos
	tok := p.curToken
	switch tok.Type {
	case TokenInteger, TokenFloat, TokenString, TokenTrue, TokenFalse, TokenMinus:
		lit := p.parsePrefix()
		if lit == nil {
			return nil
		}
		return &Pattern{Kind: PatLiteral, Literal: lit, SpanVal: p.span(start)}

	case TokenIdentifier:
		p.nextToken()
		if tok.Literal == "_" {
			return &Pattern{Kind: PatWildcard, SpanVal: p.span(start)}
		}
		pat := &Pattern{Kind: PatVariant, Variant: tok.Literal}
		if p.curTokenIs(TokenColonColon) {
			p.nextToken()
			variant, ok := p.expectIdent()
			if !ok {
				return nil
			}
			pat.Enum, pat.Variant = tok.Literal, variant
		} else if !IsTypeName(tok.Literal) && !p.curTokenIs(TokenLParen) {
			return &Pattern{Kind: PatBinding, Name: tok.Literal, SpanVal: p.span(start)}
		}
		if p.curTokenIs(TokenLParen) {
			p.nextToken()
			for !p.curTokenIs(TokenRParen) && !p.curTokenIs(TokenEOF) {
				name, ok := p.expectIdent()
				if !ok {
					return nil
				}
				pat.Bindings = append(pat.Bindings, name)
				if !p.curTokenIs(TokenComma) {
					break
				}
				p.nextToken()
			}
			if !p.expect(TokenRParen) {
				return nil
			}
		}
		pat.SpanVal = p.span(start)
		return pat
	}
	p.errorf("expected pattern, found %s", describe(tok))
	return nil
}

func (p *Parser) parseLambda() Expr {
	start := p.curToken.Pos
	lam := &LambdaExpr{}
	if p.curTokenIs(TokenOrOr) {
		p.nextToken()
	} else {
		p.nextToken() // |
		lam.Params = p.parseParams(TokenBar)
		if !p.expect(TokenBar) {
			return nil
		}
	}
	saved := p.noStruct
	p.noStruct = false
	lam.Body = p.parseExpression(precLowest)
	p.noStruct = saved
	if lam.Body == nil {
		return nil
	}
	lam.SpanVal = p.span(start)
	return lam
}

func (p *Parser) parseBinary(left Expr, prec int) Expr {
	op := p.curToken.Type
	p.nextToken()
	right := p.parseExpression(prec)
	if right == nil {
		return nil
	}
	return &BinaryExpr{Op: op, Left: left, Right: right, SpanVal: Span{Start: left.Span().Start, End: p.prevEnd}}
}

func (p *Parser) parseTernary(cond Expr) Expr {
	p.nextToken() // ?
	then := p.parseExpression(precLowest)
	if then == nil || !p.expect(TokenColon) {
		return nil
	}
	els := p.parseExpression(precTernary - 1)
	if els == nil {
		return nil
	}
	return &TernaryExpr{Cond: cond, Then: then, Else: els, SpanVal: Span{Start: cond.Span().Start, End: p.prevEnd}}
}

func (p *Parser) parseTry(operand Expr) Expr {
	p.nextToken() // ?
	return &TryExpr{Operand: operand, SpanVal: Span{Start: operand.Span().Start, End: p.prevEnd}}
}

func (p *Parser) parseCall(callee Expr) Expr {
	p.nextToken() // (
	saved := p.noStruct
	p.noStruct = false
	defer func() { p.noStruct = saved }()

	call := &CallExpr{Callee: callee}
	for !p.curTokenIs(TokenRParen) && !p.curTokenIs(TokenEOF) {
		arg := &Arg{}
		if p.curTokenIs(TokenIdentifier) && p.peekTokenIs(TokenColon) {
			arg.Name = p.curToken.Literal
			p.nextToken()
			p.nextToken()
		}
		arg.Value = p.parseExpression(precLowest)
		if arg.Value == nil {
			return nil
		}
		call.Args = append(call.Args, arg)
		if !p.curTokenIs(TokenComma) {
			break
		}
		p.nextToken()
	}
	if !p.expect(TokenRParen) {
		return nil
	}
	call.SpanVal = Span{Start: callee.Span().Start, End: p.prevEnd}
	return call
}

func (p *Parser) parseField(receiver Expr) Expr {
	p.nextToken() // .
	var field string
	switch p.curToken.Type {
	case TokenIdentifier, TokenInteger:
		field = p.curToken.Literal
		p.nextToken()
	default:
		p.errorf("expected field name after '.', found %s", describe(p.curToken))
		return nil
	}
	return &FieldExpr{Receiver: receiver, Field: field, SpanVal: Span{Start: receiver.Span().Start, End: p.prevEnd}}
}

func (p *Parser) parseIndex(receiver Expr) Expr {
	p.nextToken() // [
	saved := p.noStruct
	p.noStruct = false
	index := p.parseExpression(precLowest)
	p.noStruct = saved
	if index == nil || !p.expect(TokenRBracket) {
		return nil
	}
	return &IndexExpr{Receiver: receiver, Index: index, SpanVal: Span{Start: receiver.Span().Start, End: p.prevEnd}}
}

// ---------------------------------------------------------------------------
// Markup
// ---------------------------------------------------------------------------

// parseElement parses a markup element starting at '<'. It returns with the
// current token on the element's final '>' without consuming it, so the
// caller can set the lexer mode before the following token is read.
func (p *Parser) parseElement() *Element {
	start := p.curToken.Pos
	p.nextToken() // <
	return p.parseElementAfterLt(start)
}

func (p *Parser) parseElementAfterLt(start Position) *Element {
	if !p.curTokenIs(TokenIdentifier) {
		p.errorf("expected element name after '<', found %s", describe(p.curToken))
		return nil
	}
	el := &Element{Tag: p.curToken.Literal}
	p.nextToken()

	for p.curTokenIs(TokenIdentifier) || p.curToken.Type.IsKeyword() {
		attr := p.parseAttribute()
		if attr == nil {
			return nil
		}
		el.Attrs = append(el.Attrs, attr)
	}

	switch {
	case p.curTokenIs(TokenSlash):
		p.nextToken()
		if !p.curTokenIs(TokenGt) {
			p.errorf("expected '>' after '/' in <%s/>, found %s", el.Tag, describe(p.curToken))
			return nil
		}
		el.SelfClosing = true
		el.SpanVal = Span{Start: start, End: tokenEnd(p.curToken)}
		return el

	case p.curTokenIs(TokenGt):
		p.lexer.EnterMarkup()
		p.nextToken()

	default:
		p.errorf("expected '>' or '/>' to end <%s>, found %s", el.Tag, describe(p.curToken))
		return nil
	}

	for {
		switch p.curToken.Type {
		case TokenText:
			el.Children = append(el.Children, &TextNode{Text: p.curToken.Literal, SpanVal: tokenSpan(p.curToken)})
			p.nextToken()

		case TokenLBrace:
			cstart := p.curToken.Pos
			p.nextToken()
			e := p.parseExpression(precLowest)
			if e == nil {
				p.skipInterpolation()
			} else {
				el.Children = append(el.Children, &ExprChild{Expr: e, SpanVal: Span{Start: cstart, End: tokenEnd(p.curToken)}})
				if !p.curTokenIs(TokenRBrace) {
					p.errorf("expected '}' to close interpolation, found %s", describe(p.curToken))
					p.skipInterpolation()
				}
			}
			if p.curTokenIs(TokenRBrace) {
				p.nextToken()
			}

		case TokenLt:
			cstart := p.curToken.Pos
			p.lexer.ExitMarkup()
			p.nextToken()
			if p.curTokenIs(TokenSlash) {
				p.nextToken()
				return p.finishClosingTag(el, start)
			}
			child := p.parseElementAfterLt(cstart)
			if child == nil {
				return nil
			}
			el.Children = append(el.Children, child)
			p.lexer.EnterMarkup()
			p.nextToken()

		case TokenEOF:
			p.lexer.ExitMarkup()
			d := p.diags.add(SyntaxError, CodeMarkup, Span{Start: start, End: start}, "unclosed element <%s>", el.Tag)
			d.Notes = append(d.Notes, "expected '</"+el.Tag+">' before end of input")
			return nil

		default:
			p.errorf("unexpected %s inside <%s>", describe(p.curToken), el.Tag)
			p.nextToken()
		}
	}
}

// finishClosingTag parses the name and '>' of a closing tag whose '</' has
// been consumed.
func (p *Parser) finishClosingTag(el *Element, start Position) *Element {
	if !p.curTokenIs(TokenIdentifier) {
		p.errorf("expected element name in closing tag, found %s", describe(p.curToken))
		return nil
	}
	if name := p.curToken.Literal; name != el.Tag {
		p.diags.add(SyntaxError, CodeMarkup, tokenSpan(p.curToken), "mismatched closing tag: expected %s, found %s", el.Tag, name)
	}
	p.nextToken()
	if !p.curTokenIs(TokenGt) {
		p.errorf("expected '>' to end closing tag </%s>, found %s", el.Tag, describe(p.curToken))
		return nil
	}
	el.SpanVal = Span{Start: start, End: tokenEnd(p.curToken)}
	return el
}

// skipInterpolation skips to the '}' closing the current interpolation.
func (p *Parser) skipInterpolation() {
	depth := 0
	for !p.curTokenIs(TokenEOF) {
		switch p.curToken.Type {
		case TokenLBrace:
			depth++
		case TokenRBrace:
			if depth == 0 {
				return
			}
			depth--
		}
		p.nextToken()
	}
}

func (p *Parser) parseAttribute() *Attribute {
	start := p.curToken.Pos
	attr := &Attribute{Name: p.curToken.Literal}
	p.nextToken()
	if !p.curTokenIs(TokenAssign) {
		attr.SpanVal = p.span(start)
		return attr
	}
	p.nextToken() // =
	switch p.curToken.Type {
	case TokenString:
		attr.Value = &StringLiteral{Value: p.curToken.Literal, SpanVal: tokenSpan(p.curToken)}
		p.nextToken()
	case TokenLBrace:
		p.nextToken()
		attr.Value = p.parseExpression(precLowest)
		if attr.Value == nil || !p.expect(TokenRBrace) {
			return nil
		}
	default:
		p.errorf("expected string or '{expression}' for attribute '%s', found %s", attr.Name, describe(p.curToken))
		return nil
	}
	attr.SpanVal = p.span(start)
	return attr
}
