package config

import (
	"errors"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokLiteral
	tokAssign
	tokLBrace
	tokRBrace
	tokLBracket
	tokRBracket
	tokComma
	tokNewline
)

type token struct {
	kind tokenKind
	text string
	line int
}

// lexer splits config content into tokens. Comments are skipped and
// strings are unescaped. Every byte is visited once.
type lexer struct {
	src  []byte
	pos  int
	line int
}

var (
	errUnterminatedString  = errors.New("unterminated string")
	errUnterminatedComment = errors.New("unterminated block comment")
	errHeredoc             = errors.New("heredoc strings are not supported")
)

func (l *lexer) peek(offset int) byte {
	if l.pos+offset < len(l.src) {
		return l.src[l.pos+offset]
	}
	return 0
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\r':
			l.pos++

		case c == '\n':
			l.pos++
			l.line++
			return token{kind: tokNewline, line: l.line - 1}, nil

		case c == '#' || (c == '/' && l.peek(1) == '/'):
			l.skipLine()

		case c == '/' && l.peek(1) == '*':
			if err := l.skipBlockComment(); err != nil {
				return token{}, err
			}

		case c == '"':
			return l.readString()

		case c == '<' && l.peek(1) == '<':
			return token{}, errHeredoc

		case c == '=' && l.peek(1) != '=':
			l.pos++
			return token{kind: tokAssign, line: l.line}, nil

		case c == ':':
			l.pos++
			return token{kind: tokAssign, line: l.line}, nil

		case c == '{':
			l.pos++
			return token{kind: tokLBrace, line: l.line}, nil

		case c == '}':
			l.pos++
			return token{kind: tokRBrace, line: l.line}, nil

		case c == '[':
			l.pos++
			return token{kind: tokLBracket, line: l.line}, nil

		case c == ']':
			l.pos++
			return token{kind: tokRBracket, line: l.line}, nil

		case c == ',':
			l.pos++
			return token{kind: tokComma, line: l.line}, nil

		case isIdentStart(c):
			return l.readWhile(tokIdent, isIdentPart), nil

		default:
			return l.readWhile(tokLiteral, isLiteralPart), nil
		}
	}
	return token{kind: tokEOF, line: l.line}, nil
}

func (l *lexer) skipLine() {
	for l.pos < len(l.src) && l.src[l.pos] != '\n' {
		l.pos++
	}
}

func (l *lexer) skipBlockComment() error {
	l.pos += 2
	for l.pos < len(l.src) {
		if l.src[l.pos] == '*' && l.peek(1) == '/' {
			l.pos += 2
			return nil
		}
		if l.src[l.pos] == '\n' {
			l.line++
		}
		l.pos++
	}
	return errUnterminatedComment
}

func (l *lexer) readString() (token, error) {
	start := l.line
	l.pos++
	var b strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch c {
		case '\\':
			if l.pos+1 >= len(l.src) {
				return token{}, errUnterminatedString
			}
			esc := l.src[l.pos+1]
			switch esc {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(esc)
			}
			l.pos += 2
		case '"':
			l.pos++
			return token{kind: tokString, text: b.String(), line: start}, nil
		case '\n':
			return token{}, errUnterminatedString
		default:
			b.WriteByte(c)
			l.pos++
		}
	}
	return token{}, errUnterminatedString
}

func (l *lexer) readWhile(kind tokenKind, accept func(byte) bool) token {
	start := l.pos
	l.pos++
	for l.pos < len(l.src) && accept(l.src[l.pos]) {
		l.pos++
	}
	return token{kind: kind, text: string(l.src[start:l.pos]), line: l.line}
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9') || c == '-' || c == '.'
}

func isLiteralPart(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', ',', '{', '}', '[', ']', '"', '=', ':', '#':
		return false
	}
	return true
}
