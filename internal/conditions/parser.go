// Package conditions parses and evaluates the access-condition expressions
// attached to guidance targets.
//
// Grammar:
//
//	expr    := or
//	or      := and (("or" | "||") and)*
//	and     := unary (("and" | "&&") unary)*
//	unary   := ("not" | "!") unary | primary
//	primary := "(" expr ")" | atom
//	atom    := path [":" value | op value]
//	op      := "==" | "!=" | "<" | "<=" | ">" | ">="
//
// A path is a dotted key into the user context ("user.plan"). A bare path is
// true when its value is truthy; "path:value" is equality, or membership when
// the context value is a list.
package conditions

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseError reports a malformed expression.
type ParseError struct {
	Pos int
	Msg string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("conditions: %s at position %d", e.Msg, e.Pos)
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokWord
	tokString
	tokLParen
	tokRParen
	tokColon
	tokAnd
	tokOr
	tokNot
	tokOp
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// lexer holds the cursor over the raw expression.
type lexer struct {
	input string
	pos   int
}

func (l *lexer) eof() bool { return l.pos >= len(l.input) }

func (l *lexer) currentChar() byte { return l.input[l.pos] }

func (l *lexer) startsWith(s string) bool { return strings.HasPrefix(l.input[l.pos:], s) }

func (l *lexer) consumeWhitespace() {
	for !l.eof() {
		switch l.currentChar() {
		case ' ', '\t', '\n', '\r':
			l.pos++
		default:
			return
		}
	}
}

func isWordChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
		c == '_' || c == '.' || c == '-' || c == '+' || c == '@' || c == '/'
}

func (l *lexer) next() (token, error) {
	l.consumeWhitespace()
	start := l.pos
	if l.eof() {
		return token{kind: tokEOF, pos: start}, nil
	}
	for _, op := range []string{"&&", "||", "==", "!=", "<=", ">="} {
		if l.startsWith(op) {
			l.pos += 2
			switch op {
			case "&&":
				return token{kind: tokAnd, text: op, pos: start}, nil
			case "||":
				return token{kind: tokOr, text: op, pos: start}, nil
			}
			return token{kind: tokOp, text: op, pos: start}, nil
		}
	}
	switch c := l.currentChar(); c {
	case '(':
		l.pos++
		return token{kind: tokLParen, text: "(", pos: start}, nil
	case ')':
		l.pos++
		return token{kind: tokRParen, text: ")", pos: start}, nil
	case ':':
		l.pos++
		return token{kind: tokColon, text: ":", pos: start}, nil
	case '!':
		l.pos++
		return token{kind: tokNot, text: "!", pos: start}, nil
	case '<', '>':
		l.pos++
		return token{kind: tokOp, text: string(c), pos: start}, nil
	case '=':
		return token{}, &ParseError{Pos: start, Msg: "unexpected '=' (use '==' or ':')"}
	case '"', '\'':
		return l.quoted(c)
	}

	for !l.eof() && isWordChar(l.currentChar()) {
		l.pos++
	}
	if l.pos == start {
		return token{}, &ParseError{Pos: start, Msg: fmt.Sprintf("unexpected character %q", l.currentChar())}
	}
	word := l.input[start:l.pos]
	switch strings.ToLower(word) {
	case "and":
		return token{kind: tokAnd, text: word, pos: start}, nil
	case "or":
		return token{kind: tokOr, text: word, pos: start}, nil
	case "not":
		return token{kind: tokNot, text: word, pos: start}, nil
	}
	return token{kind: tokWord, text: word, pos: start}, nil
}

func (l *lexer) quoted(quote byte) (token, error) {
	start := l.pos
	l.pos++
	var b strings.Builder
	for !l.eof() {
		c := l.currentChar()
		switch {
		case c == '\\' && l.pos+1 < len(l.input):
			b.WriteByte(l.input[l.pos+1])
			l.pos += 2
		case c == quote:
			l.pos++
			return token{kind: tokString, text: b.String(), pos: start}, nil
		default:
			b.WriteByte(c)
			l.pos++
		}
	}
	return token{}, &ParseError{Pos: start, Msg: "unterminated string"}
}

// parser is a recursive-descent parser with one token of lookahead.
type parser struct {
	lex *lexer
	tok token
}

// Expr is a parsed expression. The zero Expr, and any expression parsed
// from blank input, always allows.
type Expr struct {
	src  string
	root node
}

// Parse compiles an expression.
func Parse(src string) (*Expr, error) {
	if strings.TrimSpace(src) == "" {
		return &Expr{src: src}, nil
	}
	p := &parser{lex: &lexer{input: src}}
	if err := p.advance(); err != nil {
		return nil, err
	}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, &ParseError{Pos: p.tok.pos, Msg: fmt.Sprintf("unexpected %q", p.tok.text)}
	}
	return &Expr{src: src, root: root}, nil
}

// MustParse is Parse for expressions known to be valid. It panics otherwise.
func MustParse(src string) *Expr {
	e, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return e
}

// Validate reports whether src parses.
func Validate(src string) error {
	_, err := Parse(src)
	return err
}

// String returns the normalized form of the expression.
func (e *Expr) String() string {
	if e == nil || e.root == nil {
		return ""
	}
	return e.root.String()
}

func (p *parser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = tok
	return nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOr {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &orNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokAnd {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &andNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.tok.kind == tokNot {
		if err := p.advance(); err != nil {
			return nil, err
		}
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notNode{x: x}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	switch p.tok.kind {
	case tokLParen:
		open := p.tok.pos
		if err := p.advance(); err != nil {
			return nil, err
		}
		x, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, &ParseError{Pos: open, Msg: "unclosed '('"}
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &groupNode{x: x}, nil
	case tokWord:
		return p.parseAtom()
	case tokEOF:
		return nil, &ParseError{Pos: p.tok.pos, Msg: "unexpected end of expression"}
	}
	return nil, &ParseError{Pos: p.tok.pos, Msg: fmt.Sprintf("unexpected %q", p.tok.text)}
}

func validPath(s string) bool {
	c := s[0]
	if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_') {
		return false
	}
	for _, part := range strings.Split(s, ".") {
		if part == "" {
			return false
		}
	}
	return true
}

func (p *parser) parseAtom() (node, error) {
	name := p.tok
	if !validPath(name.text) {
		return nil, &ParseError{Pos: name.pos, Msg: fmt.Sprintf("invalid name %q", name.text)}
	}
	if err := p.advance(); err != nil {
		return nil, err
	}

	switch p.tok.kind {
	case tokColon:
		if err := p.advance(); err != nil {
			return nil, err
		}
		lit, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		return &matchNode{path: name.text, value: lit}, nil
	case tokOp:
		op := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		lit, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		return &compareNode{path: name.text, op: op, value: lit}, nil
	}
	return &truthyNode{path: name.text}, nil
}

func (p *parser) parseLiteral() (literal, error) {
	tok := p.tok
	if tok.kind != tokWord && tok.kind != tokString {
		if tok.kind == tokEOF {
			return literal{}, &ParseError{Pos: tok.pos, Msg: "missing value"}
		}
		return literal{}, &ParseError{Pos: tok.pos, Msg: fmt.Sprintf("expected value, got %q", tok.text)}
	}
	if err := p.advance(); err != nil {
		return literal{}, err
	}
	lit := literal{text: tok.text, quoted: tok.kind == tokString}
	if !lit.quoted {
		if f, err := strconv.ParseFloat(tok.text, 64); err == nil {
			lit.num, lit.isNum = f, true
		}
	}
	return lit, nil
}
