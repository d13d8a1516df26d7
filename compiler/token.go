package compiler

import "fmt"

// ---------------------------------------------------------------------------
// Token types for the Quill lexer
// ---------------------------------------------------------------------------

// TokenType represents the type of a token.
type TokenType int

const (
	// Special tokens
	TokenEOF TokenType = iota
	TokenError

	// Literals
	TokenInteger    // 42
	TokenFloat      // 3.14, 1.5e10
	TokenString     // "hello"
	TokenIdentifier // foo, Bar
	TokenText       // markup text between tags

	// Operators
	TokenPlus     // +
	TokenMinus    // -
	TokenStar     // *
	TokenSlash    // /
	TokenPercent  // %
	TokenBang     // !
	TokenAssign   // =
	TokenEq       // ==
	TokenNotEq    // !=
	TokenLt       // <
	TokenGt       // >
	TokenLtEq     // <=
	TokenGtEq     // >=
	TokenAndAnd   // &&
	TokenOrOr     // ||
	TokenAmp      // &
	TokenBar      // |
	TokenQuestion // ?
	TokenArrow    // ->
	TokenFatArrow // =>
	TokenDotDot   // ..
	TokenAt       // @

	// Delimiters
	TokenLParen     // (
	TokenRParen     // )
	TokenLBracket   // [
	TokenRBracket   // ]
	TokenLBrace     // {
	TokenRBrace     // }
	TokenComma      // ,
	TokenDot        // .
	TokenColon      // :
	TokenColonColon // ::
	TokenSemicolon  // ;

	// Keywords
	TokenFn
	TokenLet
	TokenMut
	TokenConst
	TokenReturn
	TokenIf
	TokenElse
	TokenWhile
	TokenFor
	TokenIn
	TokenMatch
	TokenStruct
	TokenEnum
	TokenComponent
	TokenServer
	TokenClient
	TokenTrue
	TokenFalse
)

var tokenNames = map[TokenType]string{
	TokenEOF:        "EOF",
	TokenError:      "ERROR",
	TokenInteger:    "INTEGER",
	TokenFloat:      "FLOAT",
	TokenString:     "STRING",
	TokenIdentifier: "IDENTIFIER",
	TokenText:       "TEXT",
	TokenPlus:       "+",
	TokenMinus:      "-",
	TokenStar:       "*",
	TokenSlash:      "/",
	TokenPercent:    "%",
	TokenBang:       "!",
	TokenAssign:     "=",
	TokenEq:         "==",
	TokenNotEq:      "!=",
	TokenLt:         "<",
	TokenGt:         ">",
	TokenLtEq:       "<=",
	TokenGtEq:       ">=",
	TokenAndAnd:     "&&",
	TokenOrOr:       "||",
	TokenAmp:        "&",
	TokenBar:        "|",
	TokenQuestion:   "?",
	TokenArrow:      "->",
	TokenFatArrow:   "=>",
	TokenDotDot:     "..",
	TokenAt:         "@",
	TokenLParen:     "(",
	TokenRParen:     ")",
	TokenLBracket:   "[",
	TokenRBracket:   "]",
	TokenLBrace:     "{",
	TokenRBrace:     "}",
	TokenComma:      ",",
	TokenDot:        ".",
	TokenColon:      ":",
	TokenColonColon: "::",
	TokenSemicolon:  ";",
	TokenFn:         "fn",
	TokenLet:        "let",
	TokenMut:        "mut",
	TokenConst:      "const",
	TokenReturn:     "return",
	TokenIf:         "if",
	TokenElse:       "else",
	TokenWhile:      "while",
	TokenFor:        "for",
	TokenIn:         "in",
	TokenMatch:      "match",
	TokenStruct:     "struct",
	TokenEnum:       "enum",
	TokenComponent:  "component",
	TokenServer:     "server",
	TokenClient:     "client",
	TokenTrue:       "true",
	TokenFalse:      "false",
}

func (t TokenType) String() string {
	if name, ok := tokenNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Token(%d)", t)
}

// IsKeyword reports whether the token type is a reserved word.
func (t TokenType) IsKeyword() bool {
	return t >= TokenFn && t <= TokenFalse
}

// Token represents a lexical token.
type Token struct {
	Type    TokenType
	Literal string   // raw text; trimmed content for TokenText
	Pos     Position // start position
}

func (t Token) String() string {
	if t.Type == TokenEOF {
		return "EOF"
	}
	if t.Type == TokenError {
		return fmt.Sprintf("ERROR(%s)", t.Literal)
	}
	if len(t.Literal) > 20 {
		return fmt.Sprintf("%s(%q...)", t.Type, t.Literal[:20])
	}
	return fmt.Sprintf("%s(%q)", t.Type, t.Literal)
}

// Reserved words mapped to their token types.
var reservedWords = map[string]TokenType{
	"fn":        TokenFn,
	"let":       TokenLet,
	"mut":       TokenMut,
	"const":     TokenConst,
	"return":    TokenReturn,
	"if":        TokenIf,
	"else":      TokenElse,
	"while":     TokenWhile,
	"for":       TokenFor,
	"in":        TokenIn,
	"match":     TokenMatch,
	"struct":    TokenStruct,
	"enum":      TokenEnum,
	"component": TokenComponent,
	"server":    TokenServer,
	"client":    TokenClient,
	"true":      TokenTrue,
	"false":     TokenFalse,
}

// IsReserved reports whether name is a reserved word and cannot be used as
// an identifier.
func IsReserved(name string) bool {
	_, ok := reservedWords[name]
	return ok
}
