package script

import (
	"github.com/pkg/errors"
)

func parseJS(src, lang string) (*Program, error) {
	toks, err := lex(src, dialectJS)
	if err != nil {
		return nil, errors.Wrap(err, lang)
	}
	p := &parser{builder: newBuilder(lang), d: dialectJS}
	p.jsBlock(toks)
	return p.prog, nil
}

// jsBlock lowers the statements of a block body.
func (p *parser) jsBlock(ts []token) {
	c := &cursor{ts: ts}
	lastIf := -1
	for !c.done() {
		t := c.peek()
		if t.op(";") || t.op("}") {
			c.next()
			continue
		}
		p.extend(t.line)
		before := c.i
		lastIf = p.jsStatement(c, lastIf)
		if c.i == before {
			c.next()
		}
	}
}

// jsStatement lowers one statement and returns the gate of an if
// statement so that a following else can refer to it.
func (p *parser) jsStatement(c *cursor, lastIf int) int {
	t := c.peek()
	if t.kind == tkIdent {
		switch t.text {
		case "export":
			c.next()
			if c.peek().ident("default") {
				c.next()
			}
			return p.jsStatement(c, -1)
		case "if":
			c.next()
			cond := c.expectGroup("(", ")")
			p.exprs(cond)
			g := p.openGate(tokText(cond), t.line, p.gate)
			p.jsBody(c, g)
			return g
		case "else":
			c.next()
			negated, parent := "", p.gate
			if lastIf >= 0 {
				negated = "not (" + p.prog.Gates[lastIf].Cond + ")"
				parent = p.prog.Gates[lastIf].Parent
			}
			if c.peek().ident("if") {
				n := c.next()
				cond := c.expectGroup("(", ")")
				p.exprs(cond)
				text := tokText(cond)
				if negated != "" {
					text = negated + " && " + text
				}
				g := p.openGate(text, n.line, parent)
				p.jsBody(c, g)
				return g
			}
			if negated == "" {
				p.jsBody(c, p.gate)
				return -1
			}
			p.jsBody(c, p.openGate(negated, t.line, parent))
			return -1
		case "for", "while", "switch", "with", "catch":
			c.next()
			if c.peek().ident("await") {
				c.next()
			}
			p.jsHeader(c.expectGroup("(", ")"))
			if t.text == "while" && (c.peek().op(";") || c.done()) {
				// tail of do ... while (cond);
				return -1
			}
			p.jsBody(c, p.gate)
			return -1
		case "do", "try", "finally":
			c.next()
			p.jsBody(c, p.gate)
			return -1
		case "function", "async":
			if t.text == "async" {
				c.next()
				if !c.peek().ident("function") {
					p.jsSimple(p.jsReadSimple(c))
					return -1
				}
			}
			c.next()
			p.functionExpr(c, t.line)
			return -1
		case "class":
			c.next()
			for !c.done() && !c.peek().op("{") {
				c.next()
			}
			if body := c.expectGroup("{", "}"); body != nil {
				p.jsClass(body)
			}
			return -1
		case "import":
			if !isCallParen(c) {
				p.jsImport(trimNewlines(p.jsReadSimple(c)))
				return -1
			}
		case "interface", "type", "enum", "declare":
			p.jsReadSimple(c)
			return -1
		}
	}
	if t.op("{") {
		c.next()
		p.jsBlock(c.group("{", "}"))
		return -1
	}
	p.jsSimple(p.jsReadSimple(c))
	return -1
}

func isCallParen(c *cursor) bool {
	if c.i+1 < len(c.ts) {
		return c.ts[c.i+1].op("(")
	}
	return false
}

func (p *parser) jsHeader(ts []token) {
	// for (const x of xs), for (let i = 0; i < n; i++)
	for _, part := range splitTop(ts, ";") {
		part = trimNewlines(part)
		if len(part) > 0 && (part[0].ident("const") || part[0].ident("let") || part[0].ident("var")) {
			part = part[1:]
		}
		p.exprs(part)
	}
}

// jsBody lowers the body of a control statement under gate.
func (p *parser) jsBody(c *cursor, gate int) {
	saved := p.gate
	p.gate = gate
	defer func() { p.gate = saved }()

	if c.peek().op("{") {
		c.next()
		body := c.group("{", "}")
		if len(body) > 0 {
			p.extend(body[len(body)-1].line)
		}
		p.jsBlock(body)
		return
	}
	if c.done() || c.peek().op(";") {
		return
	}
	p.extend(c.peek().line)
	p.jsStatement(c, -1)
}

// jsReadSimple collects a simple statement, applying the usual automatic
// semicolon insertion rules at line breaks.
func (p *parser) jsReadSimple(c *cursor) []token {
	var out []token
	depth := 0
	for c.i < len(c.ts) {
		t := c.ts[c.i]
		switch {
		case t.kind == tkNewline:
			c.i++
			if depth > 0 || len(out) == 0 {
				continue
			}
			if continues(out[len(out)-1], c) {
				continue
			}
			return out
		case depth == 0 && t.op(";"):
			c.i++
			return out
		case depth == 0 && t.op("}"):
			return out
		case isOpen(t):
			depth++
		case isClose(t):
			depth--
		}
		out = append(out, t)
		c.i++
	}
	return out
}

// continues reports whether a line break after last does not end the
// statement.
func continues(last token, c *cursor) bool {
	if last.kind == tkIdent && (last.text == "return" || last.text == "break" || last.text == "continue" || last.text == "throw") {
		return false
	}
	if last.kind == tkOp && !isClose(last) && last.text != "++" && last.text != "--" {
		return true
	}
	next := c.peek()
	if next.kind != tkOp {
		return false
	}
	switch next.text {
	case ".", "?.", "+", "-", "*", "/", "%", "&&", "||", "??", "?", ":", "=", "==", "===", "!=", "!==", ",", "(", "[", "=>", "+=", "|", "&", "<", ">", "<=", ">=":
		return true
	}
	return false
}

func (p *parser) jsSimple(ts []token) {
	ts = trimNewlines(ts)
	if len(ts) == 0 {
		return
	}
	head := ts[0]
	if head.kind == tkIdent {
		switch head.text {
		case "const", "let", "var":
			p.jsDecl(ts[1:])
			return
		case "return", "throw":
			p.exprs(ts[1:])
			return
		case "break", "continue", "debugger":
			return
		}
	}
	p.exprs(ts)
}

func (p *parser) jsDecl(ts []token) {
	for _, decl := range splitTop(ts, ",") {
		decl = trimNewlines(decl)
		eq := indexTop(decl, func(t token) bool { return t.op("=") })
		if eq <= 0 {
			continue
		}
		lhs, rhs := decl[:eq], decl[eq+1:]
		line := decl[0].line
		value := p.expr(rhs)
		if value == nil {
			continue
		}
		if lhs[0].op("{") {
			p.jsDestructure(lhs, value, line)
			continue
		}
		if lhs[0].kind != tkIdent {
			continue
		}
		p.bind(lhs[0].text, normalizeModule(value), line, isModule(value))
	}
}

// jsDestructure binds `{a, b: c} = source`.
func (p *parser) jsDestructure(lhs []token, value *Expr, line int) {
	base, imp := "", false
	if mod, ok := moduleName(value); ok {
		base, imp = mod, true
	} else if value.Kind == Name && value.Recv == nil {
		base = value.Value
	} else {
		return
	}
	c := &cursor{ts: lhs}
	c.next()
	for _, entry := range splitTop(c.group("{", "}"), ",") {
		entry = trimNewlines(entry)
		if len(entry) == 0 || entry[0].kind != tkIdent {
			continue
		}
		src, local := entry[0].text, entry[0].text
		if len(entry) >= 3 && entry[1].op(":") && entry[2].kind == tkIdent {
			local = entry[2].text
		}
		p.bind(local, &Expr{Kind: Name, Value: base + "." + src, Line: line}, line, imp)
	}
}

// jsImport handles the ES module import forms.
func (p *parser) jsImport(ts []token) {
	if len(ts) < 2 {
		return
	}
	from := indexTop(ts, func(t token) bool { return t.ident("from") })
	if from < 0 || from+1 >= len(ts) || ts[from+1].kind != tkString {
		return
	}
	mod := ts[from+1].value
	line := ts[0].line
	spec := ts[1:from]
	if len(spec) > 0 && spec[0].ident("type") {
		return
	}
	for _, part := range splitTop(spec, ",") {
		part = trimNewlines(part)
		switch {
		case len(part) == 0:
		case part[0].op("*") && len(part) == 3 && part[1].ident("as"):
			p.bind(part[2].text, &Expr{Kind: Name, Value: mod, Line: line}, line, true)
		case part[0].op("{"):
			c := &cursor{ts: part}
			c.next()
			for _, named := range splitTop(c.group("{", "}"), ",") {
				named = trimNewlines(named)
				if len(named) == 0 || named[0].kind != tkIdent {
					continue
				}
				local := named[0].text
				if len(named) == 3 && named[1].ident("as") {
					local = named[2].text
				}
				p.bind(local, &Expr{Kind: Name, Value: mod + "." + named[0].text, Line: line}, line, true)
			}
		case part[0].kind == tkIdent:
			p.bind(part[0].text, &Expr{Kind: Name, Value: mod, Line: line}, line, true)
		}
	}
}

// jsClass lowers method bodies and field initializers.
func (p *parser) jsClass(ts []token) {
	c := &cursor{ts: ts}
	for !c.done() {
		t := c.peek()
		if t.kind == tkIdent && (t.text == "static" || t.text == "async" || t.text == "get" || t.text == "set") {
			c.next()
			continue
		}
		if t.kind == tkIdent && isCallParen(c) {
			c.next()
			c.expectGroup("(", ")")
			if body := c.expectGroup("{", "}"); body != nil {
				p.jsBlock(body)
			}
			continue
		}
		before := c.i
		p.jsSimple(p.jsReadSimple(c))
		if c.i == before {
			c.next()
		}
	}
}
