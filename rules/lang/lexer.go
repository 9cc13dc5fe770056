package lang

import (
	"strings"
)

// lexer produces a token stream with Python-style INDENT/DEDENT tokens.
// Inside brackets, newlines and indentation are not significant.
type lexer struct {
	src    string
	pos    int
	line   int
	col    int
	depth  int // bracket nesting
	indent []int
	queue  []token
	atLineStart bool
}

func newLexer(src string) *lexer {
	return &lexer{
		src:         src,
		line:        1,
		col:         1,
		indent:      []int{0},
		atLineStart: true,
	}
}

func (l *lexer) tokens() ([]token, error) {
	var toks []token
	for {
		t, err := l.next()
		if err != nil {
			return nil, err
		}
		toks = append(toks, t)
		if t.kind == tokEOF {
			return toks, nil
		}
	}
}

func (l *lexer) peekByte() (byte, bool) {
	if l.pos >= len(l.src) {
		return 0, false
	}
	return l.src[l.pos], true
}

func (l *lexer) advance() byte {
	c := l.src[l.pos]
	l.pos++
	if c == '\n' {
		l.line++
		l.col = 1
	} else {
		l.col++
	}
	return c
}

func (l *lexer) next() (token, error) {
	if len(l.queue) > 0 {
		t := l.queue[0]
		l.queue = l.queue[1:]
		return t, nil
	}

	if l.atLineStart && l.depth == 0 {
		if t, emitted, err := l.handleIndent(); err != nil {
			return token{}, err
		} else if emitted {
			return t, nil
		}
	}

	for {
		c, ok := l.peekByte()
		if !ok {
			return l.finish()
		}
		switch {
		case c == ' ' || c == '\t' || c == '\r':
			l.advance()
		case c == '#':
			for {
				c, ok := l.peekByte()
				if !ok || c == '\n' {
					break
				}
				l.advance()
			}
		case c == '\n':
			l.advance()
			if l.depth > 0 {
				continue // implicit line joining inside brackets
			}
			l.atLineStart = true
			return token{kind: tokNewline, line: l.line - 1, col: l.col}, nil
		default:
			return l.scanToken()
		}
	}
}

// handleIndent measures leading whitespace and emits INDENT/DEDENT tokens.
// Blank and comment-only lines are skipped entirely.
func (l *lexer) handleIndent() (token, bool, error) {
	for {
		width := 0
		for {
			c, ok := l.peekByte()
			if !ok {
				break
			}
			if c == ' ' {
				width++
				l.advance()
			} else if c == '\t' {
				width += 8 - width%8
				l.advance()
			} else {
				break
			}
		}
		c, ok := l.peekByte()
		if !ok {
			l.atLineStart = false
			return token{}, false, nil
		}
		if c == '\n' {
			l.advance()
			continue // blank line
		}
		if c == '\r' {
			l.advance()
			continue
		}
		if c == '#' {
			for {
				c, ok := l.peekByte()
				if !ok || c == '\n' {
					break
				}
				l.advance()
			}
			continue
		}
		l.atLineStart = false
		current := l.indent[len(l.indent)-1]
		if width > current {
			l.indent = append(l.indent, width)
			return token{kind: tokIndent, line: l.line, col: 1}, true, nil
		}
		if width < current {
			for len(l.indent) > 1 && l.indent[len(l.indent)-1] > width {
				l.indent = l.indent[:len(l.indent)-1]
				l.queue = append(l.queue, token{kind: tokDedent, line: l.line, col: 1})
			}
			if l.indent[len(l.indent)-1] != width {
				return token{}, false, errorAt(l.line, 1, "inconsistent indentation")
			}
			t := l.queue[0]
			l.queue = l.queue[1:]
			return t, true, nil
		}
		return token{}, false, nil
	}
}

func (l *lexer) finish() (token, error) {
	for len(l.indent) > 1 {
		l.indent = l.indent[:len(l.indent)-1]
		l.queue = append(l.queue, token{kind: tokDedent, line: l.line, col: l.col})
	}
	l.queue = append(l.queue, token{kind: tokEOF, line: l.line, col: l.col})
	t := l.queue[0]
	l.queue = l.queue[1:]
	return t, nil
}

func (l *lexer) scanToken() (token, error) {
	line, col := l.line, l.col
	c, _ := l.peekByte()

	switch {
	case isNameStart(c):
		start := l.pos
		for {
			c, ok := l.peekByte()
			if !ok || !isNameChar(c) {
				break
			}
			l.advance()
		}
		text := l.src[start:l.pos]
		kind := tokName
		if keywords[text] {
			kind = tokKeyword
		}
		return token{kind: kind, text: text, line: line, col: col}, nil

	case c >= '0' && c <= '9':
		start := l.pos
		sawDot := false
		for {
			c, ok := l.peekByte()
			if !ok {
				break
			}
			if c == '.' && !sawDot {
				sawDot = true
				l.advance()
				continue
			}
			if c < '0' || c > '9' {
				break
			}
			l.advance()
		}
		return token{kind: tokNumber, text: l.src[start:l.pos], line: line, col: col}, nil

	case c == '\'' || c == '"':
		return l.scanString()
	}

	// operators, longest first
	two := ""
	if l.pos+1 < len(l.src) {
		two = l.src[l.pos : l.pos+2]
	}
	switch two {
	case "==", "!=", "<=", ">=":
		l.advance()
		l.advance()
		return token{kind: tokOp, text: two, line: line, col: col}, nil
	}
	switch c {
	case '(', '[', '{':
		l.depth++
	case ')', ']', '}':
		if l.depth > 0 {
			l.depth--
		}
	}
	if strings.IndexByte("()[]{},:;=+-*/<>.", c) >= 0 {
		l.advance()
		return token{kind: tokOp, text: string(c), line: line, col: col}, nil
	}
	return token{}, errorAt(line, col, "unexpected character %q", string(c))
}

func (l *lexer) scanString() (token, error) {
	line, col := l.line, l.col
	quote := l.advance()
	var sb strings.Builder
	for {
		c, ok := l.peekByte()
		if !ok || c == '\n' {
			return token{}, errorAt(line, col, "unterminated string")
		}
		l.advance()
		if c == quote {
			return token{kind: tokString, text: sb.String(), line: line, col: col}, nil
		}
		if c == '\\' {
			e, ok := l.peekByte()
			if !ok {
				return token{}, errorAt(line, col, "unterminated string")
			}
			l.advance()
			switch e {
			case 'n':
				sb.WriteByte('\n')
			case 'r':
				sb.WriteByte('\r')
			case 't':
				sb.WriteByte('\t')
			case '0':
				sb.WriteByte(0)
			case '\\', '\'', '"':
				sb.WriteByte(e)
			default:
				return token{}, errorAt(l.line, l.col, "unknown escape \\%s", string(e))
			}
			continue
		}
		sb.WriteByte(c)
	}
}

func isNameStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isNameChar(c byte) bool {
	return isNameStart(c) || (c >= '0' && c <= '9')
}
