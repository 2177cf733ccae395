package script

import (
	"strings"
)

// parser lowers Python or JavaScript tokens. Statement structure lives in
// python.go and javascript.go; expressions are shared.
type parser struct {
	*builder
	d dialect
}

// cursor walks a token slice. Newlines are invisible to expressions.
type cursor struct {
	ts []token
	i  int
}

var eofToken = token{kind: tkEOF}

func (c *cursor) skipNewlines() {
	for c.i < len(c.ts) && c.ts[c.i].kind == tkNewline {
		c.i++
	}
}

func (c *cursor) peek() token {
	c.skipNewlines()
	if c.i >= len(c.ts) {
		return eofToken
	}
	return c.ts[c.i]
}

func (c *cursor) next() token {
	t := c.peek()
	if c.i < len(c.ts) {
		c.i++
	}
	return t
}

func (c *cursor) done() bool { return c.peek().kind == tkEOF }

// group returns the tokens up to the bracket matching an opener that was
// just consumed, and moves past the closer.
func (c *cursor) group(open, close string) []token {
	start := c.i
	depth := 1
	for c.i < len(c.ts) {
		t := c.ts[c.i]
		c.i++
		if t.kind != tkOp {
			continue
		}
		switch t.text {
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return c.ts[start : c.i-1]
			}
		}
	}
	return c.ts[start:]
}

// expectGroup consumes an opener if present and returns its contents.
func (c *cursor) expectGroup(open, close string) []token {
	if !c.peek().op(open) {
		return nil
	}
	c.next()
	return c.group(open, close)
}

func isOpen(t token) bool  { return t.kind == tkOp && (t.text == "(" || t.text == "[" || t.text == "{") }
func isClose(t token) bool { return t.kind == tkOp && (t.text == ")" || t.text == "]" || t.text == "}") }

// splitTop splits ts on the operator sep at bracket depth zero.
func splitTop(ts []token, sep string) [][]token {
	var out [][]token
	depth, start := 0, 0
	for i, t := range ts {
		switch {
		case isOpen(t):
			depth++
		case isClose(t):
			depth--
		case depth == 0 && t.op(sep):
			out = append(out, ts[start:i])
			start = i + 1
		}
	}
	if start < len(ts) {
		out = append(out, ts[start:])
	}
	return out
}

// indexTop returns the first index at depth zero where match holds.
func indexTop(ts []token, match func(token) bool) int {
	depth := 0
	for i, t := range ts {
		switch {
		case isOpen(t):
			depth++
		case isClose(t):
			depth--
		case depth == 0 && match(t):
			return i
		}
	}
	return -1
}

func trimNewlines(ts []token) []token {
	out := ts[:0:0]
	for _, t := range ts {
		if t.kind != tkNewline {
			out = append(out, t)
		}
	}
	return out
}

// tokText renders tokens compactly, with spaces only between words.
func tokText(ts []token) string {
	var b strings.Builder
	prevWord := false
	for _, t := range ts {
		if t.kind == tkNewline {
			continue
		}
		word := t.kind == tkIdent || t.kind == tkNumber
		if word && prevWord {
			b.WriteByte(' ')
		}
		b.WriteString(t.text)
		prevWord = word
	}
	return b.String()
}

func firstLine(ts []token) int {
	for _, t := range ts {
		if t.kind != tkNewline {
			return t.line
		}
	}
	return 0
}

// exprs lowers a comma-separated expression list.
func (p *parser) exprs(ts []token) []*Expr {
	var out []*Expr
	for _, part := range splitTop(ts, ",") {
		if e := p.expr(part); e != nil {
			out = append(out, e)
		}
	}
	return out
}

// expr lowers one expression. Trailing tokens it does not understand are
// ignored.
func (p *parser) expr(ts []token) *Expr {
	ts = trimNewlines(ts)
	if len(ts) == 0 {
		return nil
	}
	c := &cursor{ts: ts}
	e := p.ternary(c)
	// Anything left over (type annotations, casts) may still hide calls.
	for !c.done() {
		before := c.i
		p.ternary(c)
		if c.i == before {
			c.next()
		}
	}
	return e
}

func (p *parser) ternary(c *cursor) *Expr {
	line := c.peek().line
	if p.d == dialectPython && c.peek().ident("lambda") {
		c.next()
		for !c.done() && !c.peek().op(":") {
			c.next()
		}
		c.next()
		return &Expr{Kind: Other, Args: []*Expr{p.ternary(c)}, Line: line}
	}
	e := p.binary(c, 1)
	switch {
	case p.d == dialectPython && c.peek().ident("if"):
		c.next()
		cond := p.binary(c, 1)
		var alt *Expr
		if c.peek().ident("else") {
			c.next()
			alt = p.ternary(c)
		}
		return &Expr{Kind: Other, Args: compact(e, cond, alt), Line: line}
	case p.d == dialectJS && c.peek().op("?"):
		c.next()
		a := p.ternary(c)
		var b *Expr
		if c.peek().op(":") {
			c.next()
			b = p.ternary(c)
		}
		return &Expr{Kind: Other, Args: compact(e, a, b), Line: line}
	case c.peek().op(":="):
		c.next()
		v := p.ternary(c)
		if e != nil && e.Kind == Name {
			p.bind(e.Value, v, line, false)
		}
		return v
	case p.d == dialectJS && isAssignOp(c.peek()):
		op := c.next()
		v := p.ternary(c)
		if e != nil && e.Kind == Name && e.Recv == nil {
			if op.text == "+=" {
				v = &Expr{Kind: Concat, Args: []*Expr{{Kind: Name, Value: e.Value, Line: line}, v}, Line: line}
			}
			p.bind(e.Value, v, line, false)
		}
		return v
	}
	return e
}

func compact(es ...*Expr) []*Expr {
	var out []*Expr
	for _, e := range es {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

func isAssignOp(t token) bool {
	if t.kind != tkOp {
		return false
	}
	switch t.text {
	case "=", "+=", "-=", "*=", "/=", "%=", "**=", "//=", "&=", "|=", "^=", ">>=", "<<=", "??=", "||=", "&&=":
		return true
	}
	return false
}

func (p *parser) precedence(t token) int {
	if t.kind == tkIdent {
		if p.d == dialectPython {
			switch t.text {
			case "or":
				return 1
			case "and":
				return 2
			case "in", "is", "not":
				return 3
			}
		} else if t.text == "instanceof" || t.text == "in" {
			return 3
		}
		return 0
	}
	if t.kind != tkOp {
		return 0
	}
	switch t.text {
	case "||", "??":
		return 1
	case "&&":
		return 2
	case "==", "!=", "===", "!==", "<", ">", "<=", ">=":
		return 3
	case "|", "^", "&":
		return 4
	case "<<", ">>", ">>>":
		return 5
	case "+", "-":
		return 6
	case "*", "/", "//", "%", "@":
		return 7
	case "**":
		return 8
	}
	return 0
}

func (p *parser) binary(c *cursor, minPrec int) *Expr {
	left := p.unary(c)
	for {
		t := c.peek()
		prec := p.precedence(t)
		if prec == 0 || prec < minPrec {
			return left
		}
		c.next()
		if t.ident("not") && c.peek().ident("in") {
			c.next()
		} else if t.ident("is") && c.peek().ident("not") {
			c.next()
		}
		right := p.binary(c, prec+1)
		switch {
		case t.op("+"):
			left = concat(left, right, t.line)
		case t.op("%") && left != nil && left.Kind == Lit:
			args := []*Expr{left}
			if right != nil && right.Kind == List {
				args = append(args, right.Args...)
			} else if right != nil {
				args = append(args, right)
			}
			left = &Expr{Kind: Concat, Args: args, Line: t.line}
		default:
			left = &Expr{Kind: Other, Args: compact(left, right), Line: t.line}
		}
	}
}

// concat flattens chains of + into one Concat.
func concat(l, r *Expr, line int) *Expr {
	var args []*Expr
	if l != nil && l.Kind == Concat && l.Callee == "+" {
		args = append(args, l.Args...)
	} else if l != nil {
		args = append(args, l)
	}
	if r != nil {
		args = append(args, r)
	}
	return &Expr{Kind: Concat, Callee: "+", Args: args, Line: line}
}

func (p *parser) unary(c *cursor) *Expr {
	t := c.peek()
	switch {
	case t.kind == tkOp && (t.text == "-" || t.text == "+" || t.text == "!" || t.text == "~" || t.text == "*" || t.text == "**" || t.text == "..." || t.text == "++" || t.text == "--"):
		c.next()
		return p.unary(c)
	case t.kind == tkIdent && (t.text == "not" && p.d == dialectPython):
		c.next()
		return p.unary(c)
	case t.kind == tkIdent && (t.text == "await" || t.text == "typeof" || t.text == "void" || t.text == "delete" || t.text == "yield"):
		c.next()
		if c.done() {
			return nil
		}
		return p.unary(c)
	case t.kind == tkIdent && t.text == "new" && p.d == dialectJS:
		c.next()
		e := p.primary(c)
		if e != nil && e.Kind == Name && !c.peek().op("(") {
			// new Foo without arguments
			return p.callExpr(e, nil, t.line)
		}
		return e
	}
	return p.primary(c)
}

func (p *parser) primary(c *cursor) *Expr {
	t := c.next()
	var e *Expr
	switch t.kind {
	case tkEOF:
		return nil
	case tkString:
		e = p.strTok(t)
		for p.d == dialectPython && c.peek().kind == tkString {
			e = concat(e, p.strTok(c.next()), t.line)
		}
	case tkNumber, tkOpaque:
		e = &Expr{Kind: Other, Line: t.line}
	case tkIdent:
		switch {
		case t.text == "function" && p.d == dialectJS:
			return p.functionExpr(c, t.line)
		case t.text == "async" && p.d == dialectJS && !c.peek().op(".") && !c.peek().op("="):
			return p.primary(c)
		case t.text == "True" || t.text == "False" || t.text == "None" || t.text == "true" || t.text == "false" || t.text == "null" || t.text == "undefined":
			e = &Expr{Kind: Other, Line: t.line}
		default:
			e = &Expr{Kind: Name, Value: t.text, Line: t.line}
			if p.d == dialectJS && c.peek().op("=>") {
				c.next()
				return p.arrowBody(c, t.line)
			}
		}
	case tkOp:
		switch t.text {
		case "(":
			inner := c.group("(", ")")
			if p.d == dialectJS && c.peek().op("=>") {
				c.next()
				return p.arrowBody(c, t.line)
			}
			items := p.exprs(inner)
			if len(items) == 1 && indexTop(inner, func(t token) bool { return t.op(",") }) < 0 {
				e = items[0]
			} else {
				e = &Expr{Kind: List, Args: items, Line: t.line}
			}
		case "[":
			e = p.listExpr(c.group("[", "]"), t.line)
		case "{":
			e = p.objectExpr(c.group("{", "}"), t.line)
		default:
			e = &Expr{Kind: Other, Line: t.line}
		}
	}
	return p.postfix(c, e)
}

func (p *parser) strTok(t token) *Expr {
	if !t.format {
		return p.str(t.value, t.text, t.line)
	}
	out := &Expr{Kind: Concat, Callee: "format", Line: t.line, Raw: t.text}
	for _, part := range t.parts {
		if part.isExpr {
			if sub := p.subExpr(part.text, part.line); sub != nil {
				out.Args = append(out.Args, sub)
			}
			continue
		}
		out.Args = append(out.Args, p.str(part.text, part.text, part.line))
	}
	return out
}

// subExpr lowers an interpolated expression from a format string.
func (p *parser) subExpr(src string, line int) *Expr {
	toks, err := lex(src, p.d)
	if err != nil {
		return &Expr{Kind: Other, Line: line}
	}
	for i := range toks {
		toks[i].line += line - 1
	}
	return p.expr(toks)
}

func (p *parser) listExpr(ts []token, line int) *Expr {
	if i := indexTop(ts, func(t token) bool { return t.ident("for") }); i >= 0 {
		return &Expr{Kind: List, Args: compact(p.expr(ts[:i])), Line: line}
	}
	return &Expr{Kind: List, Args: p.exprs(ts), Line: line}
}

// objectExpr lowers dict and object literals, recording prose values
// stored under natural-language keys.
func (p *parser) objectExpr(ts []token, line int) *Expr {
	out := &Expr{Kind: Other, Line: line}
	for _, entry := range splitTop(ts, ",") {
		entry = trimNewlines(entry)
		if len(entry) == 0 {
			continue
		}
		colon := indexTop(entry, func(t token) bool { return t.op(":") })
		if colon < 0 {
			// JS shorthand, spread, or a method definition
			if m := indexTop(entry, func(t token) bool { return t.op("(") }); m > 0 && p.d == dialectJS {
				c := &cursor{ts: entry[m+1:]}
				c.group("(", ")")
				if body := c.expectGroup("{", "}"); body != nil {
					p.jsBlock(body)
					continue
				}
			}
			if v := p.expr(entry); v != nil {
				out.Args = append(out.Args, v)
			}
			continue
		}
		key := entryKey(entry[:colon])
		v := p.expr(entry[colon+1:])
		if v == nil {
			continue
		}
		if key != "" {
			p.literal(key, v, entry[0].line)
		}
		v.Key = key
		out.Args = append(out.Args, v)
	}
	return out
}

func entryKey(ts []token) string {
	if len(ts) != 1 {
		return ""
	}
	switch ts[0].kind {
	case tkIdent:
		return ts[0].text
	case tkString:
		return ts[0].value
	}
	return ""
}

func (p *parser) postfix(c *cursor, e *Expr) *Expr {
	for e != nil {
		t := c.peek()
		switch {
		case t.op(".") || t.op("?."):
			c.next()
			n := c.peek()
			if n.kind != tkIdent {
				continue
			}
			c.next()
			e = member(e, n.text, n.line)
		case t.op("("):
			c.next()
			args := p.args(c.group("(", ")"))
			e = p.callExpr(e, args, t.line)
		case t.op("["):
			c.next()
			e = p.index(e, c.group("[", "]"), t.line)
		case p.d == dialectJS && t.kind == tkString && strings.HasPrefix(t.text, "`"):
			c.next()
			e = &Expr{Kind: Other, Args: compact(e, p.strTok(t)), Line: t.line}
		default:
			return e
		}
	}
	return e
}

// moduleName returns the module loaded by require/__import__ style calls.
func moduleName(e *Expr) (string, bool) {
	if e == nil || e.Kind != Call || e.Recv != nil {
		return "", false
	}
	switch e.Callee {
	case "require", "__import__", "importlib.import_module", "import":
	default:
		return "", false
	}
	pos := e.Positional()
	if len(pos) == 0 || pos[0].Kind != Lit {
		return "", false
	}
	return pos[0].Value, true
}

func member(e *Expr, name string, line int) *Expr {
	if e.Kind == Name && e.Recv == nil {
		return &Expr{Kind: Name, Value: e.Value + "." + name, Line: line}
	}
	if mod, ok := moduleName(e); ok {
		return &Expr{Kind: Name, Value: mod + "." + name, Line: line}
	}
	return &Expr{Kind: Name, Value: "." + name, Recv: e, Line: line}
}

func (p *parser) args(ts []token) []*Expr {
	var out []*Expr
	for _, part := range splitTop(ts, ",") {
		part = trimNewlines(part)
		if len(part) == 0 {
			continue
		}
		if p.d == dialectPython && len(part) > 2 && part[0].kind == tkIdent && part[1].op("=") {
			v := p.expr(part[2:])
			if v != nil {
				p.literal(part[0].text, v, part[0].line)
				v.Key = part[0].text
				out = append(out, v)
			}
			continue
		}
		if e := p.expr(part); e != nil {
			out = append(out, e)
		}
	}
	return out
}

func (p *parser) callExpr(fn *Expr, args []*Expr, line int) *Expr {
	if fn.Kind == Name && fn.Recv != nil {
		recv := fn.Recv
		switch fn.Value {
		case ".join":
			var parts []*Expr
			for _, a := range args {
				if a.Kind == List {
					parts = append(parts, a.Args...)
				} else {
					parts = append(parts, a)
				}
			}
			if recv.Kind == List {
				// [a, b].join(sep)
				return &Expr{Kind: Concat, Callee: "join", Args: recv.Args, Line: line}
			}
			return &Expr{Kind: Concat, Callee: "join", Args: parts, Line: line}
		case ".format", ".concat":
			if recv.Kind == Lit || recv.Kind == Concat || recv.Kind == Name {
				return &Expr{Kind: Concat, Callee: "format", Args: append([]*Expr{recv}, args...), Line: line}
			}
		}
		return p.call(&Expr{Kind: Call, Callee: fn.Value, Recv: recv, Args: args, Line: line})
	}
	if fn.Kind != Name {
		return p.call(&Expr{Kind: Call, Callee: "()", Recv: fn, Args: args, Line: line})
	}
	if fn.Value == "getattr" && len(args) >= 2 && args[0].Kind == Name && args[0].Recv == nil && args[1].Kind == Lit {
		return &Expr{Kind: Name, Value: args[0].Value + "." + args[1].Value, Line: line}
	}
	return p.call(&Expr{Kind: Call, Callee: fn.Value, Args: args, Line: line})
}

var globalScopes = map[string]bool{
	"__builtins__": true, "builtins": true, "window": true, "globalThis": true, "global": true, "self": true,
}

func (p *parser) index(e *Expr, ts []token, line int) *Expr {
	idx := p.expr(ts)
	if idx != nil && idx.Kind == Lit {
		if e.Kind == Call && e.Recv == nil && (e.Callee == "globals" || e.Callee == "locals" || e.Callee == "vars") {
			return &Expr{Kind: Name, Value: idx.Value, Line: line}
		}
		if e.Kind == Name && e.Recv == nil {
			if globalScopes[e.Value] {
				return &Expr{Kind: Name, Value: idx.Value, Line: line}
			}
			return &Expr{Kind: Name, Value: e.Value + "." + idx.Value, Line: line}
		}
	}
	return &Expr{Kind: Other, Args: compact(e, idx), Line: line}
}

// functionExpr lowers `function name(params) { body }` used as a value.
func (p *parser) functionExpr(c *cursor, line int) *Expr {
	for !c.done() && !c.peek().op("(") {
		c.next()
	}
	c.expectGroup("(", ")")
	if body := c.expectGroup("{", "}"); body != nil {
		p.jsBlock(body)
	}
	return &Expr{Kind: Other, Line: line}
}

func (p *parser) arrowBody(c *cursor, line int) *Expr {
	if c.peek().op("{") {
		c.next()
		p.jsBlock(c.group("{", "}"))
		return &Expr{Kind: Other, Line: line}
	}
	return &Expr{Kind: Other, Args: compact(p.ternary(c)), Line: line}
}
