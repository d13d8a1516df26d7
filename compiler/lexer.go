package compiler

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// ---------------------------------------------------------------------------
// Lexer: dual-mode tokenizer for Quill source and embedded markup
// ---------------------------------------------------------------------------

// Lexer tokenizes Quill source code.
//
// The lexer has two modes. In ordinary mode it produces code tokens. In
// markup mode, entered and left only through EnterMarkup and ExitMarkup, it
// produces TokenText runs between tags and treats braces as interpolation
// delimiters. The mode is never inferred from the input.
type Lexer struct {
	input     string
	pos       int  // current position in input
	readPos   int  // reading position (after current char)
	ch        rune // current character
	line      int  // current line (1-based)
	lineStart int  // offset of current line start

	braceDepth int   // open '{' count, tracked in both modes
	baselines  []int // brace depth at each EnterMarkup
}

// NewLexer creates a new lexer for the given input.
func NewLexer(input string) *Lexer {
	l := &Lexer{
		input: input,
		line:  1,
	}
	l.readChar()
	return l
}

// EnterMarkup switches the lexer into markup mode for one more element level.
func (l *Lexer) EnterMarkup() {
	l.baselines = append(l.baselines, l.braceDepth)
}

// ExitMarkup leaves one element level of markup mode. Calling it at depth
// zero has no effect.
func (l *Lexer) ExitMarkup() {
	if len(l.baselines) > 0 {
		l.baselines = l.baselines[:len(l.baselines)-1]
	}
}

// resetMarkup drops markup levels entered after depth. The parser uses it
// to recover from a malformed element.
func (l *Lexer) resetMarkup(depth int) {
	if depth < len(l.baselines) {
		l.baselines = l.baselines[:depth]
	}
}

// InMarkup reports whether the lexer is in markup mode.
func (l *Lexer) InMarkup() bool {
	return len(l.baselines) > 0
}

// MarkupDepth returns the number of markup levels currently entered.
func (l *Lexer) MarkupDepth() int {
	return len(l.baselines)
}

// atTextPosition reports whether the next token should be read as markup
// text: markup mode is on and no interpolation brace is open at this level.
func (l *Lexer) atTextPosition() bool {
	n := len(l.baselines)
	return n > 0 && l.braceDepth == l.baselines[n-1]
}

// readChar reads the next character.
func (l *Lexer) readChar() {
	if l.ch == '\n' {
		l.line++
		l.lineStart = l.readPos
	}
	if l.readPos >= len(l.input) {
		l.ch = 0 // EOF
		l.pos = len(l.input)
		return
	}
	r, size := utf8.DecodeRuneInString(l.input[l.readPos:])
	l.ch = r
	l.pos = l.readPos
	l.readPos += size
}

// peekChar returns the next character without consuming it.
func (l *Lexer) peekChar() rune {
	if l.readPos >= len(l.input) {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(l.input[l.readPos:])
	return r
}

// position returns the current position.
func (l *Lexer) position() Position {
	return Position{
		Offset: l.pos,
		Line:   l.line,
		Column: utf8.RuneCountInString(l.input[l.lineStart:l.pos]) + 1,
	}
}

// NextToken returns the next token.
func (l *Lexer) NextToken() Token {
	if l.atTextPosition() {
		if tok, ok := l.readText(); ok {
			return tok
		}
	} else {
		if tok, ok := l.skipWhitespaceAndComments(); !ok {
			return tok
		}
	}

	pos := l.position()

	simple := func(t TokenType, width int) Token {
		start := l.pos
		for i := 0; i < width; i++ {
			l.readChar()
		}
		return Token{Type: t, Literal: l.input[start:l.pos], Pos: pos}
	}

	switch {
	case l.ch == 0:
		return Token{Type: TokenEOF, Literal: "", Pos: pos}

	case l.ch == '{':
		l.braceDepth++
		return simple(TokenLBrace, 1)

	case l.ch == '}':
		if l.braceDepth > 0 {
			l.braceDepth--
		}
		return simple(TokenRBrace, 1)

	case l.ch == '(':
		return simple(TokenLParen, 1)
	case l.ch == ')':
		return simple(TokenRParen, 1)
	case l.ch == '[':
		return simple(TokenLBracket, 1)
	case l.ch == ']':
		return simple(TokenRBracket, 1)
	case l.ch == ',':
		return simple(TokenComma, 1)
	case l.ch == ';':
		return simple(TokenSemicolon, 1)
	case l.ch == '@':
		return simple(TokenAt, 1)
	case l.ch == '?':
		return simple(TokenQuestion, 1)
	case l.ch == '+':
		return simple(TokenPlus, 1)
	case l.ch == '*':
		return simple(TokenStar, 1)
	case l.ch == '/':
		return simple(TokenSlash, 1)
	case l.ch == '%':
		return simple(TokenPercent, 1)

	case l.ch == '.':
		if l.peekChar() == '.' {
			return simple(TokenDotDot, 2)
		}
		return simple(TokenDot, 1)

	case l.ch == ':':
		if l.peekChar() == ':' {
			return simple(TokenColonColon, 2)
		}
		return simple(TokenColon, 1)

	case l.ch == '-':
		if l.peekChar() == '>' {
			return simple(TokenArrow, 2)
		}
		return simple(TokenMinus, 1)

	case l.ch == '=':
		switch l.peekChar() {
		case '=':
			return simple(TokenEq, 2)
		case '>':
			return simple(TokenFatArrow, 2)
		}
		return simple(TokenAssign, 1)

	case l.ch == '!':
		if l.peekChar() == '=' {
			return simple(TokenNotEq, 2)
		}
		return simple(TokenBang, 1)

	case l.ch == '<':
		if l.peekChar() == '=' {
			return simple(TokenLtEq, 2)
		}
		return simple(TokenLt, 1)

	case l.ch == '>':
		if l.peekChar() == '=' {
			return simple(TokenGtEq, 2)
		}
		return simple(TokenGt, 1)

	case l.ch == '&':
		if l.peekChar() == '&' {
			return simple(TokenAndAnd, 2)
		}
		return simple(TokenAmp, 1)

	case l.ch == '|':
		if l.peekChar() == '|' {
			return simple(TokenOrOr, 2)
		}
		return simple(TokenBar, 1)

	case l.ch == '"':
		return l.readString(pos)

	case isDigit(l.ch):
		return l.readNumber(pos)

	case isIdentStart(l.ch):
		return l.readIdentifierOrKeyword(pos)

	default:
		ch := l.ch
		l.readChar()
		return Token{Type: TokenError, Literal: fmt.Sprintf("unexpected character: %c", ch), Pos: pos}
	}
}

// skipWhitespaceAndComments skips whitespace, line comments and block
// comments. It returns false with an error token when a block comment runs
// off the end of the input.
func (l *Lexer) skipWhitespaceAndComments() (Token, bool) {
	for {
		for l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r' {
			l.readChar()
		}

		if l.ch == '/' && l.peekChar() == '/' {
			for l.ch != '\n' && l.ch != 0 {
				l.readChar()
			}
			continue
		}

		if l.ch == '/' && l.peekChar() == '*' {
			pos := l.position()
			l.readChar()
			l.readChar()
			for !(l.ch == '*' && l.peekChar() == '/') {
				if l.ch == 0 {
					return Token{Type: TokenError, Literal: "unterminated block comment", Pos: pos}, false
				}
				l.readChar()
			}
			l.readChar()
			l.readChar()
			continue
		}

		return Token{}, true
	}
}

// readText reads a run of markup text up to the next '<' or '{'. The content
// is trimmed at both ends; inner newlines are kept. Whitespace-only runs
// yield no token and the caller continues with ordinary lexing of the
// delimiter.
func (l *Lexer) readText() (Token, bool) {
	for l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r' {
		l.readChar()
	}
	pos := l.position()
	start := l.pos
	for l.ch != '<' && l.ch != '{' && l.ch != 0 {
		l.readChar()
	}
	text := strings.TrimSpace(l.input[start:l.pos])
	if text == "" {
		return Token{}, false
	}
	return Token{Type: TokenText, Literal: text, Pos: pos}, true
}

// readString reads a double-quoted string literal with backslash escapes.
func (l *Lexer) readString(pos Position) Token {
	l.readChar() // consume opening "

	var sb strings.Builder
	for l.ch != '"' {
		if l.ch == 0 {
			return Token{Type: TokenError, Literal: "unterminated string", Pos: pos}
		}
		if l.ch == '\\' {
			l.readChar()
			switch l.ch {
			case 'n':
				sb.WriteRune('\n')
			case 't':
				sb.WriteRune('\t')
			case 'r':
				sb.WriteRune('\r')
			case '0':
				sb.WriteRune(0)
			case '"', '\\', '{', '}':
				sb.WriteRune(l.ch)
			case 0:
				return Token{Type: TokenError, Literal: "unterminated string", Pos: pos}
			default:
				sb.WriteRune('\\')
				sb.WriteRune(l.ch)
			}
			l.readChar()
			continue
		}
		sb.WriteRune(l.ch)
		l.readChar()
	}
	l.readChar() // consume closing "

	return Token{Type: TokenString, Literal: sb.String(), Pos: pos}
}

// readNumber reads an integer or float literal. Underscores may separate
// digit groups.
func (l *Lexer) readNumber(pos Position) Token {
	start := l.pos
	isFloat := false

	for isDigit(l.ch) || l.ch == '_' {
		l.readChar()
	}

	// A '.' followed by a digit makes a float; "1..5" stays a range.
	if l.ch == '.' && isDigit(l.peekChar()) {
		isFloat = true
		l.readChar()
		for isDigit(l.ch) || l.ch == '_' {
			l.readChar()
		}
	}

	if l.ch == 'e' || l.ch == 'E' {
		next := l.peekChar()
		if isDigit(next) || next == '+' || next == '-' {
			isFloat = true
			l.readChar()
			if l.ch == '+' || l.ch == '-' {
				l.readChar()
			}
			for isDigit(l.ch) {
				l.readChar()
			}
		}
	}

	literal := strings.ReplaceAll(l.input[start:l.pos], "_", "")
	if isFloat {
		return Token{Type: TokenFloat, Literal: literal, Pos: pos}
	}
	return Token{Type: TokenInteger, Literal: literal, Pos: pos}
}

// readIdentifierOrKeyword reads an identifier or reserved word. Identifiers
// are returned in Unicode normalization form C.
func (l *Lexer) readIdentifierOrKeyword(pos Position) Token {
	start := l.pos
	for isIdentPart(l.ch) {
		l.readChar()
	}
	literal := l.input[start:l.pos]

	if tokType, ok := reservedWords[literal]; ok {
		return Token{Type: tokType, Literal: literal, Pos: pos}
	}
	return Token{Type: TokenIdentifier, Literal: norm.NFC.String(literal), Pos: pos}
}

// Helper functions

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r)
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

// Tokenize returns all tokens from the input in ordinary mode, ending with
// the EOF token. Error tokens are included and lexing continues after them.
func Tokenize(input string) []Token {
	l := NewLexer(input)
	var tokens []Token
	for {
		tok := l.NextToken()
		tokens = append(tokens, tok)
		if tok.Type == TokenEOF {
			break
		}
	}
	return tokens
}
