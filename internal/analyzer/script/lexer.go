package script

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pkg/errors"
)

type tokKind int

const (
	tkEOF tokKind = iota
	tkIdent
	tkString
	tkNumber
	tkOpaque // regex literals and similar values we never trace
	tkOp
	tkNewline
)

// fpart is one piece of an f-string or template literal.
type fpart struct {
	text   string
	isExpr bool
	line   int
}

type token struct {
	kind  tokKind
	text  string // source text
	value string // decoded string value
	line  int
	col   int
	// format strings carry their pieces instead of a single value
	format bool
	parts  []fpart
}

func (t token) is(kind tokKind, text string) bool { return t.kind == kind && t.text == text }
func (t token) op(text string) bool            { return t.kind == tkOp && t.text == text }
func (t token) ident(text string) bool         { return t.kind == tkIdent && t.text == text }

type dialect int

const (
	dialectPython dialect = iota
	dialectJS
)

var operators = []string{
	"**=", "//=", ">>=", "<<=", "===", "!==", "...", ">>>",
	"**", "//", "==", "!=", "<=", ">=", "+=", "-=", "*=", "/=", "%=", "&=", "|=", "^=",
	":=", "->", "=>", "&&", "||", "??", "?.", "<<", ">>", "++", "--",
}

type lexer struct {
	src     string
	pos     int
	line    int
	col     int
	dialect dialect
	depth   int
	toks    []token
	// lineStart is true until the first token of a physical line is read.
	lineStart bool
}

func lex(src string, d dialect) ([]token, error) {
	l := &lexer{src: src, line: 1, dialect: d, lineStart: true}
	if err := l.run(); err != nil {
		return nil, err
	}
	return l.toks, nil
}

func (l *lexer) peek(off int) byte {
	if l.pos+off < len(l.src) {
		return l.src[l.pos+off]
	}
	return 0
}

func (l *lexer) emit(t token) {
	if l.lineStart {
		t.col = l.col
		l.lineStart = false
	} else {
		t.col = -1
	}
	l.toks = append(l.toks, t)
}

func (l *lexer) newline() {
	l.line++
	l.col = 0
	l.lineStart = true
	if l.depth == 0 && len(l.toks) > 0 && l.toks[len(l.toks)-1].kind != tkNewline {
		l.toks = append(l.toks, token{kind: tkNewline, line: l.line - 1, col: -1})
	}
}

func (l *lexer) run() error {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == '\n':
			l.pos++
			l.newline()
		case c == ' ' || c == '\t' || c == '\r' || c == '\f':
			if l.lineStart {
				if c == '\t' {
					l.col += 4
				} else {
					l.col++
				}
			}
			l.pos++
		case c == '\\' && l.peek(1) == '\n':
			l.pos += 2
			l.line++
		case c == '#' && l.dialect == dialectPython:
			l.skipLine()
		case c == '/' && l.peek(1) == '/' && l.dialect == dialectJS:
			l.skipLine()
		case c == '/' && l.peek(1) == '*' && l.dialect == dialectJS:
			end := strings.Index(l.src[l.pos+2:], "*/")
			if end < 0 {
				l.pos = len(l.src)
				break
			}
			l.line += strings.Count(l.src[l.pos:l.pos+2+end], "\n")
			l.pos += end + 4
		case c == '"' || c == '\'' || (c == '`' && l.dialect == dialectJS):
			if err := l.lexString(""); err != nil {
				return err
			}
		case isIdentStart(c):
			l.lexIdent()
		case c >= '0' && c <= '9' || (c == '.' && isDigit(l.peek(1))):
			l.lexNumber()
		case c == '/' && l.dialect == dialectJS && l.regexAllowed():
			l.lexRegex()
		case c >= utf8.RuneSelf:
			r, size := utf8.DecodeRuneInString(l.src[l.pos:])
			if unicode.IsLetter(r) {
				l.lexIdent()
				break
			}
			l.pos += size
		default:
			l.lexOp()
		}
	}
	if len(l.toks) > 0 && l.toks[len(l.toks)-1].kind != tkNewline {
		l.toks = append(l.toks, token{kind: tkNewline, line: l.line, col: -1})
	}
	return nil
}

func (l *lexer) skipLine() {
	for l.pos < len(l.src) && l.src[l.pos] != '\n' {
		l.pos++
	}
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func (l *lexer) lexIdent() {
	start := l.pos
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if isIdentStart(c) || isDigit(c) {
			l.pos++
			continue
		}
		if c >= utf8.RuneSelf {
			r, size := utf8.DecodeRuneInString(l.src[l.pos:])
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				l.pos += size
				continue
			}
		}
		break
	}
	word := l.src[start:l.pos]
	if l.dialect == dialectPython && l.pos < len(l.src) && (l.src[l.pos] == '"' || l.src[l.pos] == '\'') {
		switch strings.ToLower(word) {
		case "r", "b", "u", "f", "rb", "br", "fr", "rf":
			_ = l.lexString(strings.ToLower(word))
			return
		}
	}
	l.emit(token{kind: tkIdent, text: word, line: l.line})
}

func (l *lexer) lexNumber() {
	start := l.pos
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if isDigit(c) || isIdentStart(c) || c == '.' {
			l.pos++
			continue
		}
		break
	}
	l.emit(token{kind: tkNumber, text: l.src[start:l.pos], line: l.line})
}

func (l *lexer) lexOp() {
	for _, op := range operators {
		if strings.HasPrefix(l.src[l.pos:], op) {
			l.pos += len(op)
			l.emit(token{kind: tkOp, text: op, line: l.line})
			return
		}
	}
	c := l.src[l.pos]
	l.pos++
	switch c {
	case '(', '[':
		l.depth++
	case ')', ']':
		if l.depth > 0 {
			l.depth--
		}
	case '{':
		if l.dialect == dialectPython {
			l.depth++
		}
	case '}':
		if l.dialect == dialectPython && l.depth > 0 {
			l.depth--
		}
	}
	l.emit(token{kind: tkOp, text: string(c), line: l.line})
}

// regexAllowed decides whether a slash starts a regular expression literal.
func (l *lexer) regexAllowed() bool {
	if len(l.toks) == 0 {
		return true
	}
	prev := l.toks[len(l.toks)-1]
	switch prev.kind {
	case tkIdent:
		switch prev.text {
		case "return", "typeof", "case", "in", "of", "new", "delete", "void", "throw":
			return true
		}
		return false
	case tkNumber, tkString, tkOpaque:
		return false
	case tkOp:
		return prev.text != ")" && prev.text != "]" && prev.text != "}"
	}
	return true
}

func (l *lexer) lexRegex() {
	start := l.pos
	line := l.line
	l.pos++
	inClass := false
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '\n' {
			break
		}
		l.pos++
		if c == '\\' {
			l.pos++
			continue
		}
		if c == '[' {
			inClass = true
		} else if c == ']' {
			inClass = false
		} else if c == '/' && !inClass {
			break
		}
	}
	for l.pos < len(l.src) && isIdentStart(l.src[l.pos]) {
		l.pos++
	}
	l.emit(token{kind: tkOpaque, text: l.src[start:min(l.pos, len(l.src))], line: line})
}

func (l *lexer) lexString(prefix string) error {
	start := l.pos - len(prefix)
	line := l.line
	q := l.src[l.pos]
	triple := l.dialect == dialectPython && strings.HasPrefix(l.src[l.pos:], strings.Repeat(string(q), 3))
	closer := string(q)
	if triple {
		closer = strings.Repeat(string(q), 3)
	}
	l.pos += len(closer)
	bodyStart := l.pos
	raw := strings.Contains(prefix, "r")
	for {
		if l.pos >= len(l.src) {
			return errors.Errorf("line %d: unterminated string", line)
		}
		c := l.src[l.pos]
		if c == '\\' {
			if l.peek(1) == '\n' {
				l.line++
			}
			l.pos += 2
			continue
		}
		if c == '\n' {
			if !triple && q != '`' {
				return errors.Errorf("line %d: unterminated string", line)
			}
			l.line++
		}
		if q == '`' && c == '$' && l.peek(1) == '{' {
			l.pos = l.skipBraces(l.pos + 1)
			continue
		}
		if strings.HasPrefix(l.src[l.pos:], closer) {
			break
		}
		l.pos++
	}
	body := l.src[bodyStart:l.pos]
	l.pos += len(closer)
	t := token{kind: tkString, text: l.src[start:l.pos], line: line}
	switch {
	case q == '`':
		t.format = strings.Contains(body, "${")
		t.parts = splitTemplate(body, line)
		t.value = decodeEscapes(body)
	case strings.Contains(prefix, "f"):
		t.format = true
		t.parts = splitFString(body, line, raw)
		t.value = body
	case raw:
		t.value = body
	default:
		t.value = decodeEscapes(body)
	}
	l.emit(t)
	return nil
}

// skipBraces returns the index just past the brace matching src[open].
func (l *lexer) skipBraces(open int) int {
	depth := 0
	for i := open; i < len(l.src); i++ {
		switch l.src[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		case '\n':
			l.line++
		}
	}
	return len(l.src)
}

func splitTemplate(body string, line int) []fpart {
	var parts []fpart
	for {
		i := strings.Index(body, "${")
		if i < 0 {
			if body != "" {
				parts = append(parts, fpart{text: decodeEscapes(body), line: line})
			}
			return parts
		}
		if i > 0 {
			parts = append(parts, fpart{text: decodeEscapes(body[:i]), line: line})
		}
		line += strings.Count(body[:i], "\n")
		end := matchBrace(body, i+1)
		parts = append(parts, fpart{text: body[i+2 : end], isExpr: true, line: line})
		if end+1 > len(body) {
			return parts
		}
		body = body[end+1:]
	}
}

func splitFString(body string, line int, raw bool) []fpart {
	var parts []fpart
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			s := lit.String()
			if !raw {
				s = decodeEscapes(s)
			}
			parts = append(parts, fpart{text: s, line: line})
			lit.Reset()
		}
	}
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case c == '{' && i+1 < len(body) && body[i+1] == '{':
			lit.WriteByte('{')
			i++
		case c == '}' && i+1 < len(body) && body[i+1] == '}':
			lit.WriteByte('}')
			i++
		case c == '{':
			flush()
			end := matchBrace(body, i)
			expr := body[i+1 : min(end, len(body))]
			if j := strings.IndexAny(expr, "!:="); j > 0 && !strings.ContainsAny(expr[:j], "([") {
				expr = expr[:j]
			}
			parts = append(parts, fpart{text: expr, isExpr: true, line: line})
			i = end
		default:
			lit.WriteByte(c)
		}
	}
	flush()
	return parts
}

func matchBrace(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return len(s)
}

// decodeEscapes interprets the common backslash escapes shared by Python
// and JavaScript string literals. Unknown escapes are kept verbatim.
func decodeEscapes(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			b.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case '0':
			b.WriteByte(0)
		case '\\', '\'', '"', '`', '$':
			b.WriteByte(s[i])
		case '\n':
		case 'x':
			if i+2 < len(s) {
				if v, err := strconv.ParseUint(s[i+1:i+3], 16, 8); err == nil {
					b.WriteRune(rune(v))
					i += 2
					continue
				}
			}
			b.WriteString(`\x`)
		case 'u':
			if i+1 < len(s) && s[i+1] == '{' {
				if end := strings.IndexByte(s[i:], '}'); end > 0 {
					if v, err := strconv.ParseUint(s[i+2:i+end], 16, 32); err == nil {
						b.WriteRune(rune(v))
						i += end
						continue
					}
				}
			}
			if i+4 < len(s) {
				if v, err := strconv.ParseUint(s[i+1:i+5], 16, 16); err == nil {
					b.WriteRune(rune(v))
					i += 4
					continue
				}
			}
			b.WriteString(`\u`)
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
