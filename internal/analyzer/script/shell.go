package script

import (
	"path"
	"strings"

	"github.com/pkg/errors"
	"mvdan.cc/sh/v3/syntax"
)

// maxInlineDepth bounds how far `bash -c '...'` bodies are re-parsed.
const maxInlineDepth = 2

var shellNames = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "dash": true, "ksh": true, "ash": true,
}

// inlineFlags maps interpreters to the flag that takes inline code.
var inlineFlags = map[string]string{
	"sh": "-c", "bash": "-c", "zsh": "-c", "dash": "-c", "ksh": "-c", "ash": "-c",
	"python": "-c", "python3": "-c", "python2": "-c",
	"node": "-e", "nodejs": "-e", "deno": "eval",
	"perl": "-e", "ruby": "-e", "php": "-r",
}

// transparent commands run their arguments as the real command.
var transparent = map[string]bool{
	"sudo": true, "doas": true, "env": true, "nohup": true, "command": true,
	"exec": true, "time": true, "nice": true, "builtin": true, "setsid": true,
	"timeout": true, "xargs": true,
}

type shellLowerer struct {
	*builder
	printer *syntax.Printer
	offset  int
	depth   int
}

func parseShell(src string) (*Program, error) {
	s := &shellLowerer{builder: newBuilder("shell"), printer: syntax.NewPrinter()}
	if err := s.parse(src, 0); err != nil {
		return nil, err
	}
	return s.prog, nil
}

func (s *shellLowerer) parse(src string, offset int) error {
	parser := syntax.NewParser(syntax.KeepComments(false), syntax.Variant(syntax.LangBash))
	file, err := parser.Parse(strings.NewReader(src), "")
	if err != nil {
		return errors.Wrap(err, "shell")
	}
	saved := s.offset
	s.offset = offset
	defer func() { s.offset = saved }()
	s.stmts(file.Stmts)
	return nil
}

func (s *shellLowerer) line(n syntax.Node) int { return int(n.Pos().Line()) + s.offset }

func (s *shellLowerer) endLine(n syntax.Node) int { return int(n.End().Line()) + s.offset }

// text prints nodes back to shell source.
func (s *shellLowerer) text(nodes ...syntax.Node) string {
	parts := make([]string, 0, len(nodes))
	for _, n := range nodes {
		var sb strings.Builder
		if err := s.printer.Print(&sb, n); err == nil {
			parts = append(parts, strings.TrimSpace(sb.String()))
		}
	}
	return strings.Join(parts, "; ")
}

func (s *shellLowerer) stmts(list []*syntax.Stmt) *Expr {
	var last *Expr
	for _, st := range list {
		if e := s.stmt(st, nil); e != nil {
			last = e
		}
	}
	return last
}

func (s *shellLowerer) under(gate int, list []*syntax.Stmt) {
	saved := s.gate
	s.gate = gate
	s.stmts(list)
	s.gate = saved
}

// stmt lowers a statement and returns the expression for its output, which
// is what a pipe or command substitution consumes.
func (s *shellLowerer) stmt(st *syntax.Stmt, stdin *Expr) *Expr {
	if st == nil || st.Cmd == nil {
		return nil
	}
	s.extend(s.endLine(st))
	for _, r := range st.Redirs {
		switch r.Op {
		case syntax.RdrIn, syntax.WordHdoc:
			if r.Word != nil && stdin == nil {
				stdin = s.word(r.Word)
			}
		case syntax.Hdoc, syntax.DashHdoc:
			if r.Hdoc != nil && stdin == nil {
				stdin = s.word(r.Hdoc)
			}
		default:
			if r.Word != nil {
				s.word(r.Word)
			}
		}
	}

	switch cmd := st.Cmd.(type) {
	case *syntax.CallExpr:
		return s.callExpr(cmd, stdin)
	case *syntax.BinaryCmd:
		return s.binaryCmd(cmd, stdin)
	case *syntax.IfClause:
		s.ifClause(cmd)
	case *syntax.WhileClause:
		s.stmts(cmd.Cond)
		s.stmts(cmd.Do)
	case *syntax.ForClause:
		if it, ok := cmd.Loop.(*syntax.WordIter); ok {
			for _, w := range it.Items {
				s.word(w)
			}
		}
		s.stmts(cmd.Do)
	case *syntax.Block:
		return s.stmts(cmd.Stmts)
	case *syntax.Subshell:
		return s.stmts(cmd.Stmts)
	case *syntax.FuncDecl:
		s.stmt(cmd.Body, nil)
	case *syntax.CaseClause:
		s.word(cmd.Word)
		for _, item := range cmd.Items {
			s.stmts(item.Stmts)
		}
	case *syntax.DeclClause:
		for _, a := range cmd.Args {
			s.assign(a)
		}
	default:
		s.substitutions(cmd)
	}
	return nil
}

func (s *shellLowerer) binaryCmd(cmd *syntax.BinaryCmd, stdin *Expr) *Expr {
	switch cmd.Op {
	case syntax.Pipe, syntax.PipeAll:
		left := s.stmt(cmd.X, stdin)
		return s.stmt(cmd.Y, left)
	case syntax.AndStmt, syntax.OrStmt:
		s.stmt(cmd.X, stdin)
		if !isCondition(cmd.X) {
			return s.stmt(cmd.Y, nil)
		}
		cond := s.text(cmd.X)
		if cmd.Op == syntax.OrStmt {
			cond = "not (" + cond + ")"
		}
		saved := s.gate
		s.gate = s.openGate(cond, s.line(cmd.X), saved)
		out := s.stmt(cmd.Y, nil)
		s.gate = saved
		return out
	}
	return nil
}

// isCondition reports whether a statement on the left of && or || reads
// as a test rather than a preceding step.
func isCondition(st *syntax.Stmt) bool {
	switch cmd := st.Cmd.(type) {
	case *syntax.TestClause, *syntax.ArithmCmd:
		return true
	case *syntax.CallExpr:
		if len(cmd.Args) == 0 {
			return false
		}
		switch lit := cmd.Args[0].Lit(); lit {
		case "[", "test", "[[":
			return true
		}
	case *syntax.BinaryCmd:
		return isCondition(cmd.X) || isCondition(cmd.Y)
	}
	return false
}

func (s *shellLowerer) ifClause(ic *syntax.IfClause) {
	parent := s.gate
	var prev []string
	for c := ic; c != nil; c = c.Else {
		if len(c.Cond) == 0 {
			if len(prev) == 0 {
				s.stmts(c.Then)
				return
			}
			g := s.openGate("not ("+strings.Join(prev, " || ")+")", s.line(c), parent)
			s.gates(g, c)
			s.under(g, c.Then)
			return
		}
		s.stmts(c.Cond)
		cond := s.text(stmtNodes(c.Cond)...)
		text := cond
		if len(prev) > 0 {
			text = "not (" + strings.Join(prev, " || ") + ") && " + cond
		}
		g := s.openGate(text, s.line(c), parent)
		s.gates(g, c)
		s.under(g, c.Then)
		prev = append(prev, cond)
	}
}

// gates stretches gate g over the body of an if branch.
func (s *shellLowerer) gates(g int, c *syntax.IfClause) {
	end := s.line(c)
	for _, st := range c.Then {
		end = max(end, s.endLine(st))
	}
	if end > s.prog.Gates[g].EndLine {
		s.prog.Gates[g].EndLine = end
	}
}

func stmtNodes(list []*syntax.Stmt) []syntax.Node {
	out := make([]syntax.Node, len(list))
	for i, st := range list {
		out[i] = st
	}
	return out
}

// substitutions lowers command substitutions nested in any other node.
func (s *shellLowerer) substitutions(n syntax.Node) {
	syntax.Walk(n, func(node syntax.Node) bool {
		switch x := node.(type) {
		case *syntax.CmdSubst:
			s.stmts(x.Stmts)
			return false
		case *syntax.ProcSubst:
			s.stmts(x.Stmts)
			return false
		}
		return true
	})
}

func (s *shellLowerer) assign(a *syntax.Assign) {
	if a == nil || a.Name == nil {
		return
	}
	line := s.line(a)
	var v *Expr
	switch {
	case a.Value != nil:
		v = s.word(a.Value)
	case a.Array != nil:
		v = &Expr{Kind: List, Line: line}
		for _, el := range a.Array.Elems {
			if el.Value != nil {
				v.Args = append(v.Args, s.word(el.Value))
			}
		}
	default:
		return
	}
	if a.Append {
		v = &Expr{Kind: Concat, Callee: "+", Args: compact(&Expr{Kind: Name, Value: a.Name.Value, Line: line}, v), Line: line}
	}
	s.bind(a.Name.Value, v, line, false)
}

func (s *shellLowerer) callExpr(ce *syntax.CallExpr, stdin *Expr) *Expr {
	for _, a := range ce.Assigns {
		if len(ce.Args) == 0 {
			s.assign(a)
		} else if a.Value != nil {
			s.word(a.Value)
		}
	}
	words := stripTransparent(ce.Args)
	if len(words) == 0 {
		return nil
	}
	line := s.line(words[0])
	exe := s.callee(words[0])
	rest := words[1:]

	if exe == "alias" {
		for _, w := range rest {
			if name, value, ok := strings.Cut(s.literal(w), "="); ok {
				s.bind(name, s.str(value, s.text(w), line), line, false)
			}
		}
		return nil
	}

	call := &Expr{Kind: Call, Callee: exe, Line: line}
	if flag, ok := inlineFlags[exe]; ok {
		if code, ok := inlineCode(rest, flag); ok {
			codeExpr := s.word(code)
			call.Callee = interpreterFamily(exe) + " " + flag
			call.Args = []*Expr{codeExpr}
			if shellNames[exe] && codeExpr.Kind == Lit && s.depth < maxInlineDepth {
				s.depth++
				// Inline bodies that fail to parse stay a single opaque argument.
				_ = s.parse(codeExpr.Value, line-1)
				s.depth--
			}
			return s.call(withStdin(call, stdin))
		}
	}
	for _, w := range rest {
		call.Args = append(call.Args, s.word(w))
	}
	switch exe {
	case "base64", "openssl":
		if hasAnyFlag(rest, "-d", "--decode", "-D") {
			call.Callee = "base64 -d"
		}
	case "xxd":
		if hasAnyFlag(rest, "-r", "-revert") {
			call.Callee = "xxd -r"
		}
	}
	if call.Callee == exe {
		call.Callee = interpreterFamily(exe)
	}
	return s.call(withStdin(call, stdin))
}

func withStdin(call, stdin *Expr) *Expr {
	if stdin != nil {
		in := *stdin
		in.Key = "stdin"
		call.Args = append(call.Args, &in)
	}
	return call
}

// interpreterFamily folds interpreter variants onto one sink name.
func interpreterFamily(exe string) string {
	switch {
	case shellNames[exe]:
		return "sh"
	case strings.HasPrefix(exe, "python"):
		return "python"
	case exe == "nodejs" || exe == "deno":
		return "node"
	}
	return exe
}

// inlineCode finds the code argument that follows flag, allowing other
// flags in between (bash -x -c '...').
func inlineCode(rest []*syntax.Word, flag string) (*syntax.Word, bool) {
	for i, w := range rest {
		lit := w.Lit()
		if lit == flag || (len(flag) == 2 && strings.HasPrefix(lit, "-") && !strings.HasPrefix(lit, "--") && strings.HasSuffix(lit, flag[1:])) {
			for _, next := range rest[i+1:] {
				if l := next.Lit(); strings.HasPrefix(l, "-") && l != "-" {
					continue
				}
				return next, true
			}
			return nil, false
		}
	}
	return nil, false
}

func hasAnyFlag(words []*syntax.Word, flags ...string) bool {
	for _, w := range words {
		lit := w.Lit()
		for _, f := range flags {
			if lit == f {
				return true
			}
		}
	}
	return false
}

// stripTransparent drops sudo, env and similar wrappers along with their
// options and VAR=value words.
func stripTransparent(words []*syntax.Word) []*syntax.Word {
	for len(words) > 0 {
		lit := path.Base(words[0].Lit())
		if !transparent[lit] {
			return words
		}
		words = words[1:]
		for len(words) > 0 {
			l := words[0].Lit()
			if strings.HasPrefix(l, "-") || (lit == "env" && strings.Contains(l, "=")) || (lit == "timeout" && isNumeric(l)) {
				words = words[1:]
				continue
			}
			break
		}
	}
	return words
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && c != '.' && c != 's' && c != 'm' {
			return false
		}
	}
	return true
}

// callee names the command a word runs: a path base name, or $VAR when the
// command comes from a variable.
func (s *shellLowerer) callee(w *syntax.Word) string {
	if len(w.Parts) == 1 {
		if pe, ok := w.Parts[0].(*syntax.ParamExp); ok && pe.Param != nil {
			return "$" + pe.Param.Value
		}
		if dq, ok := w.Parts[0].(*syntax.DblQuoted); ok && len(dq.Parts) == 1 {
			if pe, ok := dq.Parts[0].(*syntax.ParamExp); ok && pe.Param != nil {
				return "$" + pe.Param.Value
			}
		}
	}
	if lit, ok := s.literalOK(w); ok {
		return path.Base(lit)
	}
	s.word(w)
	return "$dynamic"
}

func (s *shellLowerer) literal(w *syntax.Word) string {
	lit, _ := s.literalOK(w)
	return lit
}

func (s *shellLowerer) literalOK(w *syntax.Word) (string, bool) {
	var b strings.Builder
	for _, part := range w.Parts {
		if !literalPart(part, &b) {
			return "", false
		}
	}
	return b.String(), true
}

func literalPart(part syntax.WordPart, b *strings.Builder) bool {
	switch p := part.(type) {
	case *syntax.Lit:
		b.WriteString(unescapeShell(p.Value))
	case *syntax.SglQuoted:
		if p.Dollar {
			b.WriteString(decodeEscapes(p.Value))
		} else {
			b.WriteString(p.Value)
		}
	case *syntax.DblQuoted:
		for _, inner := range p.Parts {
			if !literalPart(inner, b) {
				return false
			}
		}
	default:
		return false
	}
	return true
}

func unescapeShell(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// word lowers a shell word. Fully literal words become one string literal;
// anything else becomes a Concat of its parts.
func (s *shellLowerer) word(w *syntax.Word) *Expr {
	if w == nil {
		return nil
	}
	line := s.line(w)
	if lit, ok := s.literalOK(w); ok {
		return s.str(lit, s.text(w), line)
	}
	parts := s.parts(w.Parts, line)
	if len(parts) == 1 {
		return parts[0]
	}
	return &Expr{Kind: Concat, Callee: "word", Args: parts, Line: line}
}

func (s *shellLowerer) parts(parts []syntax.WordPart, line int) []*Expr {
	var out []*Expr
	for _, part := range parts {
		switch p := part.(type) {
		case *syntax.Lit, *syntax.SglQuoted:
			var b strings.Builder
			literalPart(p, &b)
			out = append(out, s.str(b.String(), b.String(), line))
		case *syntax.DblQuoted:
			inner := s.parts(p.Parts, line)
			if len(inner) == 1 {
				out = append(out, inner[0])
			} else {
				out = append(out, &Expr{Kind: Concat, Callee: "word", Args: inner, Line: line})
			}
		case *syntax.ParamExp:
			if p.Param != nil {
				out = append(out, &Expr{Kind: Name, Value: p.Param.Value, Line: line})
			}
		case *syntax.CmdSubst:
			out = append(out, s.subst(p.Stmts, line))
		case *syntax.ProcSubst:
			out = append(out, s.subst(p.Stmts, line))
		default:
			out = append(out, &Expr{Kind: Other, Line: line})
		}
	}
	return out
}

func (s *shellLowerer) subst(list []*syntax.Stmt, line int) *Expr {
	if e := s.stmts(list); e != nil {
		return e
	}
	return &Expr{Kind: Other, Line: line}
}
