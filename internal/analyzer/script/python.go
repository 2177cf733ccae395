package script

import (
	"strings"

	"github.com/pkg/errors"
)

var pyCompound = map[string]bool{
	"if": true, "elif": true, "else": true, "for": true, "while": true, "with": true,
	"def": true, "class": true, "try": true, "except": true, "finally": true, "async": true,
	"match": true, "case": true,
}

type pyFrame struct {
	indent int
	gate   int
}

func parsePython(src string) (*Program, error) {
	toks, err := lex(src, dialectPython)
	if err != nil {
		return nil, errors.Wrap(err, "python")
	}
	p := &parser{builder: newBuilder("python"), d: dialectPython}

	stack := []pyFrame{{indent: -1, gate: -1}}
	lastIf := map[int]int{}
	for _, line := range splitLogical(toks) {
		indent := max(line[0].col, 0)
		for len(stack) > 1 && indent <= stack[len(stack)-1].indent {
			stack = stack[:len(stack)-1]
		}
		for k := range lastIf {
			if k > indent {
				delete(lastIf, k)
			}
		}
		p.gate = stack[len(stack)-1].gate
		p.extend(line[len(line)-1].line)

		for _, st := range splitTop(line, ";") {
			if len(st) == 0 {
				continue
			}
			if g, opened := p.pyStatement(st, indent, lastIf); opened {
				stack = append(stack, pyFrame{indent: indent, gate: g})
				p.gate = g
			}
		}
	}
	return p.prog, nil
}

func splitLogical(toks []token) [][]token {
	var out [][]token
	start := 0
	for i, t := range toks {
		if t.kind == tkNewline {
			if i > start {
				out = append(out, toks[start:i])
			}
			start = i + 1
		}
	}
	if start < len(toks) {
		out = append(out, toks[start:])
	}
	return out
}

// pyStatement lowers one statement. For a compound header without an
// inline body it reports the gate its block runs under.
func (p *parser) pyStatement(ts []token, indent int, lastIf map[int]int) (int, bool) {
	head := ts[0]
	if head.kind == tkIdent && pyCompound[head.text] {
		colon := indexTop(ts, func(t token) bool { return t.op(":") })
		if colon > 0 || (colon == 0 && head.text == "else") {
			header := ts[1:colon]
			body := ts[colon+1:]
			g := p.pyHeader(head, header, indent, lastIf)
			if len(body) > 0 {
				saved := p.gate
				p.gate = g
				p.pySimple(body)
				p.gate = saved
				return g, false
			}
			return g, true
		}
	}
	delete(lastIf, indent)
	p.pySimple(ts)
	return p.gate, false
}

func (p *parser) pyHeader(head token, header []token, indent int, lastIf map[int]int) int {
	switch head.text {
	case "if":
		p.exprs(header)
		g := p.openGate(tokText(header), head.line, p.gate)
		lastIf[indent] = g
		return g
	case "elif":
		p.exprs(header)
		cond := tokText(header)
		parent := p.gate
		if prev, ok := lastIf[indent]; ok {
			cond = "not (" + p.prog.Gates[prev].Cond + ") and " + cond
			parent = p.prog.Gates[prev].Parent
		}
		g := p.openGate(cond, head.line, parent)
		lastIf[indent] = g
		return g
	case "else":
		prev, ok := lastIf[indent]
		delete(lastIf, indent)
		if !ok {
			return p.gate
		}
		return p.openGate("not ("+p.prog.Gates[prev].Cond+")", head.line, p.prog.Gates[prev].Parent)
	case "def", "class":
		delete(lastIf, indent)
		return p.gate
	case "with":
		delete(lastIf, indent)
		for _, item := range splitTop(header, ",") {
			if as := indexTop(item, func(t token) bool { return t.ident("as") }); as > 0 {
				v := p.expr(item[:as])
				if name := targetName(item[as+1:]); name != "" {
					p.bind(name, v, head.line, false)
				}
				continue
			}
			p.expr(item)
		}
		return p.gate
	default:
		delete(lastIf, indent)
		if head.text == "async" && len(header) > 0 && header[0].ident("def") {
			return p.gate
		}
		p.exprs(header)
		return p.gate
	}
}

func (p *parser) pySimple(ts []token) {
	if len(ts) == 0 {
		return
	}
	head := ts[0]
	if head.kind == tkIdent {
		switch head.text {
		case "import":
			p.pyImport(ts[1:])
			return
		case "from":
			p.pyFrom(ts[1:])
			return
		case "return", "yield", "raise", "assert", "del":
			p.exprs(ts[1:])
			return
		case "global", "nonlocal", "pass", "break", "continue":
			return
		}
	}
	p.pyAssign(ts)
}

func isPyAssign(t token) bool {
	if t.kind != tkOp {
		return false
	}
	switch t.text {
	case "=", "+=", "-=", "*=", "/=", "%=", "**=", "//=", "&=", "|=", "^=", ">>=", "<<=":
		return true
	}
	return false
}

func (p *parser) pyAssign(ts []token) {
	var cuts []int
	depth := 0
	for i, t := range ts {
		switch {
		case isOpen(t):
			depth++
		case isClose(t):
			depth--
		case depth == 0 && isPyAssign(t):
			cuts = append(cuts, i)
		}
	}
	if len(cuts) == 0 {
		p.exprs(ts)
		return
	}
	last := cuts[len(cuts)-1]
	rhs := ts[last+1:]
	line := ts[0].line
	values := p.exprs(rhs)
	var value *Expr
	if len(values) == 1 {
		value = values[0]
	} else if len(values) > 1 {
		value = &Expr{Kind: List, Args: values, Line: line}
	}

	start := 0
	for _, cut := range cuts {
		target := ts[start:cut]
		op := ts[cut].text
		start = cut + 1

		parts := splitTop(target, ",")
		if len(parts) > 1 {
			// a, b = x, y
			for i, part := range parts {
				if name := targetName(part); name != "" && i < len(values) && len(values) == len(parts) {
					p.bind(name, normalizeModule(values[i]), line, isModule(values[i]))
				}
			}
			continue
		}
		name := targetName(target)
		if name == "" {
			continue
		}
		v := value
		if op == "+=" {
			v = &Expr{Kind: Concat, Callee: "+", Args: compact(&Expr{Kind: Name, Value: name, Line: line}, value), Line: line}
		}
		p.bind(name, normalizeModule(v), line, isModule(v))
	}
}

// targetName renders an assignment target such as x, self.x, x: str or
// cfg["prompt"] as a dotted name.
func targetName(ts []token) string {
	ts = trimNewlines(ts)
	if colon := indexTop(ts, func(t token) bool { return t.op(":") }); colon > 0 {
		ts = ts[:colon]
	}
	var parts []string
	for i := 0; i < len(ts); i++ {
		t := ts[i]
		switch {
		case t.kind == tkIdent && (i == 0 || ts[i-1].op(".")):
			parts = append(parts, t.text)
		case t.op(".") && i > 0:
		case t.op("[") && i+2 < len(ts) && ts[i+1].kind == tkString && ts[i+2].op("]"):
			parts = append(parts, ts[i+1].value)
			i += 2
		default:
			return ""
		}
	}
	return strings.Join(parts, ".")
}

func isModule(e *Expr) bool {
	_, ok := moduleName(e)
	return ok
}

// normalizeModule turns require('m') and __import__('m') into the name m.
func normalizeModule(e *Expr) *Expr {
	if mod, ok := moduleName(e); ok {
		return &Expr{Kind: Name, Value: mod, Line: e.Line}
	}
	return e
}

func (p *parser) pyImport(ts []token) {
	for _, item := range splitTop(ts, ",") {
		as := indexTop(item, func(t token) bool { return t.ident("as") })
		if as < 0 || as+1 >= len(item) {
			continue
		}
		mod := tokText(item[:as])
		p.bind(item[as+1].text, &Expr{Kind: Name, Value: mod, Line: item[0].line}, item[0].line, true)
	}
}

func (p *parser) pyFrom(ts []token) {
	imp := indexTop(ts, func(t token) bool { return t.ident("import") })
	if imp < 0 {
		return
	}
	mod := strings.TrimLeft(tokText(ts[:imp]), ".")
	names := trimNewlines(ts[imp+1:])
	if len(names) > 0 && names[0].op("(") {
		names = names[1:]
		if len(names) > 0 && names[len(names)-1].op(")") {
			names = names[:len(names)-1]
		}
	}
	for _, item := range splitTop(names, ",") {
		item = trimNewlines(item)
		if len(item) == 0 || item[0].kind != tkIdent {
			continue
		}
		orig := item[0].text
		local := orig
		if len(item) == 3 && item[1].ident("as") {
			local = item[2].text
		}
		full := orig
		if mod != "" {
			full = mod + "." + orig
		}
		p.bind(local, &Expr{Kind: Name, Value: full, Line: item[0].line}, item[0].line, true)
	}
}
