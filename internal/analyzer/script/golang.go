package script

import (
	"go/ast"
	goparser "go/parser"
	gotoken "go/token"
	"path"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type goLowerer struct {
	*builder
	fset *gotoken.FileSet
	src  string
}

func parseGo(src string) (*Program, error) {
	fset := gotoken.NewFileSet()
	file, err := goparser.ParseFile(fset, "", src, goparser.SkipObjectResolution)
	if err != nil {
		return nil, errors.Wrap(err, "go")
	}
	g := &goLowerer{builder: newBuilder("go"), fset: fset, src: src}
	for _, imp := range file.Imports {
		g.importSpec(imp)
	}
	for _, decl := range file.Decls {
		g.decl(decl)
	}
	return g.prog, nil
}

func (g *goLowerer) line(n ast.Node) int { return g.fset.Position(n.Pos()).Line }

func (g *goLowerer) source(n ast.Node) string {
	start, end := g.fset.Position(n.Pos()).Offset, g.fset.Position(n.End()).Offset
	if start < 0 || end > len(g.src) || start > end {
		return ""
	}
	return g.src[start:end]
}

func (g *goLowerer) importSpec(imp *ast.ImportSpec) {
	p, err := strconv.Unquote(imp.Path.Value)
	if err != nil {
		return
	}
	line := g.line(imp)
	local := path.Base(p)
	if imp.Name != nil {
		if imp.Name.Name == "_" || imp.Name.Name == "." {
			return
		}
		local = imp.Name.Name
	}
	// The canonical name of an import is its package path.
	g.bind(local, &Expr{Kind: Name, Value: p, Line: line}, line, true)
}

func (g *goLowerer) decl(d ast.Decl) {
	switch d := d.(type) {
	case *ast.FuncDecl:
		if d.Body != nil {
			g.block(d.Body.List)
		}
	case *ast.GenDecl:
		g.genDecl(d)
	}
}

func (g *goLowerer) genDecl(d *ast.GenDecl) {
	if d.Tok != gotoken.VAR && d.Tok != gotoken.CONST {
		return
	}
	for _, spec := range d.Specs {
		vs, ok := spec.(*ast.ValueSpec)
		if !ok {
			continue
		}
		for i, name := range vs.Names {
			if i < len(vs.Values) {
				g.bind(name.Name, g.expr(vs.Values[i]), g.line(name), false)
			}
		}
	}
}

func (g *goLowerer) block(list []ast.Stmt) {
	for _, st := range list {
		g.stmt(st)
	}
}

func (g *goLowerer) under(gate int, body *ast.BlockStmt) {
	if body == nil {
		return
	}
	saved := g.gate
	g.gate = gate
	g.extend(g.fset.Position(body.End()).Line)
	g.block(body.List)
	g.gate = saved
}

func (g *goLowerer) stmt(st ast.Stmt) {
	if st == nil {
		return
	}
	g.extend(g.fset.Position(st.End()).Line)
	switch s := st.(type) {
	case *ast.AssignStmt:
		g.assign(s)
	case *ast.DeclStmt:
		if gd, ok := s.Decl.(*ast.GenDecl); ok {
			g.genDecl(gd)
		}
	case *ast.ExprStmt:
		g.expr(s.X)
	case *ast.GoStmt:
		g.expr(s.Call)
	case *ast.DeferStmt:
		g.expr(s.Call)
	case *ast.ReturnStmt:
		for _, r := range s.Results {
			g.expr(r)
		}
	case *ast.IfStmt:
		g.ifStmt(s, g.gate, nil)
	case *ast.ForStmt:
		g.stmt(s.Init)
		if s.Cond != nil {
			g.expr(s.Cond)
		}
		g.block(s.Body.List)
	case *ast.RangeStmt:
		g.expr(s.X)
		g.block(s.Body.List)
	case *ast.BlockStmt:
		g.block(s.List)
	case *ast.SwitchStmt:
		g.stmt(s.Init)
		if s.Tag != nil {
			g.expr(s.Tag)
		}
		g.clauses(s.Body)
	case *ast.TypeSwitchStmt:
		g.stmt(s.Init)
		g.stmt(s.Assign)
		g.clauses(s.Body)
	case *ast.SelectStmt:
		for _, c := range s.Body.List {
			if cc, ok := c.(*ast.CommClause); ok {
				g.stmt(cc.Comm)
				g.block(cc.Body)
			}
		}
	case *ast.LabeledStmt:
		g.stmt(s.Stmt)
	case *ast.SendStmt:
		g.expr(s.Value)
	}
}

func (g *goLowerer) clauses(body *ast.BlockStmt) {
	for _, c := range body.List {
		if cc, ok := c.(*ast.CaseClause); ok {
			for _, e := range cc.List {
				g.expr(e)
			}
			g.block(cc.Body)
		}
	}
}

// ifStmt lowers an if/else-if chain; prev holds the conditions already
// ruled out by earlier branches.
func (g *goLowerer) ifStmt(s *ast.IfStmt, parent int, prev []string) {
	g.stmt(s.Init)
	g.expr(s.Cond)
	cond := g.source(s.Cond)
	text := cond
	if len(prev) > 0 {
		text = "!(" + strings.Join(prev, " || ") + ") && " + cond
	}
	gate := g.openGate(text, g.line(s), parent)
	g.under(gate, s.Body)
	prev = append(prev, cond)

	switch e := s.Else.(type) {
	case *ast.IfStmt:
		g.ifStmt(e, parent, prev)
	case *ast.BlockStmt:
		g.under(g.openGate("!("+strings.Join(prev, " || ")+")", g.line(e), parent), e)
	}
}

func (g *goLowerer) assign(s *ast.AssignStmt) {
	values := make([]*Expr, len(s.Rhs))
	for i, r := range s.Rhs {
		values[i] = g.expr(r)
	}
	for i, lhs := range s.Lhs {
		name := selectorName(lhs)
		if name == "" || name == "_" {
			continue
		}
		var v *Expr
		switch {
		case len(values) == len(s.Lhs):
			v = values[i]
		case len(values) == 1 && i == 0:
			// out, err := f()
			v = values[0]
		default:
			continue
		}
		if s.Tok == gotoken.ADD_ASSIGN {
			v = &Expr{Kind: Concat, Callee: "+", Args: compact(&Expr{Kind: Name, Value: name, Line: g.line(lhs)}, v), Line: g.line(lhs)}
		}
		g.bind(name, v, g.line(lhs), false)
	}
}

// selectorName renders x, x.y and x.y.z as a dotted name.
func selectorName(e ast.Expr) string {
	switch e := e.(type) {
	case *ast.Ident:
		return e.Name
	case *ast.SelectorExpr:
		if base := selectorName(e.X); base != "" {
			return base + "." + e.Sel.Name
		}
	case *ast.ParenExpr:
		return selectorName(e.X)
	}
	return ""
}

func (g *goLowerer) expr(e ast.Expr) *Expr {
	if e == nil {
		return nil
	}
	line := g.line(e)
	switch e := e.(type) {
	case *ast.BasicLit:
		if e.Kind != gotoken.STRING && e.Kind != gotoken.CHAR {
			return &Expr{Kind: Other, Line: line}
		}
		v, err := strconv.Unquote(e.Value)
		if err != nil {
			v = strings.Trim(e.Value, "`\"'")
		}
		return g.str(v, e.Value, line)
	case *ast.Ident:
		switch e.Name {
		case "nil", "true", "false":
			return &Expr{Kind: Other, Line: line}
		}
		return &Expr{Kind: Name, Value: e.Name, Line: line}
	case *ast.SelectorExpr:
		if name := selectorName(e); name != "" {
			return &Expr{Kind: Name, Value: name, Line: line}
		}
		return &Expr{Kind: Name, Value: "." + e.Sel.Name, Recv: g.expr(e.X), Line: line}
	case *ast.BinaryExpr:
		l, r := g.expr(e.X), g.expr(e.Y)
		if e.Op == gotoken.ADD {
			return concat(l, r, line)
		}
		return &Expr{Kind: Other, Args: compact(l, r), Line: line}
	case *ast.CallExpr:
		return g.callExpr(e)
	case *ast.ParenExpr:
		return g.expr(e.X)
	case *ast.UnaryExpr:
		return g.expr(e.X)
	case *ast.StarExpr:
		return g.expr(e.X)
	case *ast.CompositeLit:
		out := &Expr{Kind: List, Line: line}
		for _, el := range e.Elts {
			if kv, ok := el.(*ast.KeyValueExpr); ok {
				v := g.expr(kv.Value)
				if key := selectorName(kv.Key); key != "" && v != nil {
					g.literal(key, v, line)
					v.Key = key
				} else if lit, ok := kv.Key.(*ast.BasicLit); ok && v != nil {
					if k, err := strconv.Unquote(lit.Value); err == nil {
						g.literal(k, v, line)
						v.Key = k
					}
				}
				out.Args = append(out.Args, v)
				continue
			}
			out.Args = append(out.Args, g.expr(el))
		}
		out.Args = compact(out.Args...)
		return out
	case *ast.FuncLit:
		if e.Body != nil {
			g.block(e.Body.List)
		}
		return &Expr{Kind: Other, Line: line}
	case *ast.IndexExpr:
		return &Expr{Kind: Other, Args: compact(g.expr(e.X), g.expr(e.Index)), Line: line}
	case *ast.SliceExpr:
		return g.expr(e.X)
	case *ast.TypeAssertExpr:
		return g.expr(e.X)
	case *ast.KeyValueExpr:
		return g.expr(e.Value)
	}
	return &Expr{Kind: Other, Line: line}
}

func (g *goLowerer) callExpr(e *ast.CallExpr) *Expr {
	line := g.line(e)
	args := make([]*Expr, 0, len(e.Args))
	for _, a := range e.Args {
		if v := g.expr(a); v != nil {
			args = append(args, v)
		}
	}
	if _, ok := e.Fun.(*ast.ArrayType); ok && len(args) == 1 {
		// []byte(s)
		return args[0]
	}
	switch fn := g.expr(e.Fun); {
	case fn == nil:
		return &Expr{Kind: Other, Args: args, Line: line}
	case fn.Kind == Name && fn.Recv == nil:
		switch fn.Value {
		case "fmt.Sprintf", "strings.Join", "fmt.Sprint":
			return &Expr{Kind: Concat, Callee: "format", Args: flatten(args), Line: line}
		case "string":
			if len(args) == 1 {
				return args[0]
			}
		}
		return g.call(&Expr{Kind: Call, Callee: fn.Value, Args: args, Line: line})
	case fn.Kind == Name:
		return g.call(&Expr{Kind: Call, Callee: fn.Value, Recv: fn.Recv, Args: args, Line: line})
	default:
		return g.call(&Expr{Kind: Call, Callee: "()", Recv: fn, Args: args, Line: line})
	}
}

func flatten(args []*Expr) []*Expr {
	var out []*Expr
	for _, a := range args {
		if a.Kind == List {
			out = append(out, a.Args...)
			continue
		}
		out = append(out, a)
	}
	return out
}
