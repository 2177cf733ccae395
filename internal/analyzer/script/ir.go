// Package script lowers source files into a small common representation
// of bindings, calls and conditional gates that the structural analyzer
// walks. Shell goes through mvdan.cc/sh, Go through go/ast, and Python and
// JavaScript/TypeScript through a tolerant tokenizer and statement parser.
// The lowering is approximate: it tracks where values come from, not what
// the program computes.
package script

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// ErrUnsupported is returned for languages without a front-end.
var ErrUnsupported = errors.New("no structural front-end for language")

// Kind classifies an expression.
type Kind int

const (
	// Lit is a string literal; Value holds the decoded text.
	Lit Kind = iota
	// Name is an identifier or dotted path. A Name with Recv is a member
	// of a computed value.
	Name
	// Concat joins its Args: +, %, format calls, join, f-strings, templates
	// and multi-part shell words.
	Concat
	// Call invokes Callee (or a member of Recv) with Args.
	Call
	// List is a list, tuple or array literal.
	List
	// Other is anything else; Args keeps sub-expressions for tracing.
	Other
)

// Expr is one lowered expression.
type Expr struct {
	Kind   Kind
	Value  string
	Raw    string // source text of a literal
	Callee string
	Recv   *Expr
	Args   []*Expr
	Key    string // keyword argument name, or "stdin" for piped input
	Line   int
}

// Positional returns the arguments without a keyword.
func (e *Expr) Positional() []*Expr {
	var out []*Expr
	for _, a := range e.Args {
		if a != nil && a.Key == "" {
			out = append(out, a)
		}
	}
	return out
}

// Keyword returns the argument named key.
func (e *Expr) Keyword(key string) *Expr {
	for _, a := range e.Args {
		if a != nil && a.Key == key {
			return a
		}
	}
	return nil
}

// Binding assigns Value to Name at Line.
type Binding struct {
	Name   string
	Value  *Expr
	Line   int
	Import bool
	Gate   int
}

// CallSite is a call together with the gate it runs under (-1 for none).
type CallSite struct {
	*Expr
	Gate int
}

// Gate is a conditional block.
type Gate struct {
	Line    int
	EndLine int
	Cond    string
	Parent  int
}

// StringLit is a string literal anywhere in the file.
type StringLit struct {
	Value string
	Raw   string
	Line  int
}

// NamedLiteral is a string assigned to a natural-language name such as a
// description or prompt field.
type NamedLiteral struct {
	Name  string
	Value string
	Line  int
}

// Program is the lowered form of one source file.
type Program struct {
	Language string
	Bindings []Binding
	Calls    []CallSite
	Gates    []Gate
	Strings  []StringLit
	Literals []NamedLiteral
}

var temporalCond = regexp.MustCompile(`(?i)(datetime|\bdate\b|time\.now|time\.time|date\.now|new date|getfullyear|getmonth|getday|getdate|\.year\b|\.month\b|\.day\b|weekday|today\(|utcnow|strftime|localtime|gmtime|\$\(date|date \+%|epochseconds|\.unix\(|\.after\(|\.before\(|time\.since|time\.until)`)

// Temporal reports whether gate or any enclosing gate tests the clock.
func (p *Program) Temporal(gate int) bool {
	for g := gate; g >= 0 && g < len(p.Gates); g = p.Gates[g].Parent {
		if temporalCond.MatchString(p.Gates[g].Cond) {
			return true
		}
	}
	return false
}

// Lookup returns the binding of name visible at line: the last one at or
// before line, or failing that the first one after it.
func (p *Program) Lookup(name string, line int) *Binding {
	var before, after *Binding
	for i := range p.Bindings {
		b := &p.Bindings[i]
		if b.Name != name {
			continue
		}
		if b.Line <= line {
			before = b
		} else if after == nil {
			after = b
		}
	}
	if before != nil {
		return before
	}
	return after
}

// Previous returns the binding of the same name made before b, or nil.
func (p *Program) Previous(b *Binding) *Binding {
	var prev *Binding
	for i := range p.Bindings {
		c := &p.Bindings[i]
		if c == b {
			return prev
		}
		if c.Name == b.Name {
			prev = c
		}
	}
	return nil
}

var nlNames = []string{"description", "prompt", "instruction", "system", "message"}

// IsNaturalLanguageName reports whether name conventionally holds prose
// shown to a model.
func IsNaturalLanguageName(name string) bool {
	n := strings.ToLower(name)
	if i := strings.LastIndexAny(n, ".>"); i >= 0 {
		n = n[i+1:]
	}
	for _, k := range nlNames {
		if strings.Contains(n, k) {
			return true
		}
	}
	return false
}

// LiteralText returns the text of e when it is built only from literals.
func LiteralText(e *Expr) (string, bool) {
	if e == nil {
		return "", false
	}
	switch e.Kind {
	case Lit:
		return e.Value, true
	case Concat:
		var b strings.Builder
		for _, a := range e.Args {
			s, ok := LiteralText(a)
			if !ok {
				return "", false
			}
			b.WriteString(s)
		}
		return b.String(), true
	}
	return "", false
}

// Parse lowers text written in lang.
func Parse(lang, text string) (*Program, error) {
	switch lang {
	case "python":
		return parsePython(text)
	case "javascript", "typescript":
		return parseJS(text, lang)
	case "shell":
		return parseShell(text)
	case "go":
		return parseGo(text)
	}
	return nil, errors.Wrap(ErrUnsupported, lang)
}

// builder accumulates a Program while a front-end walks its input.
type builder struct {
	prog *Program
	gate int
}

func newBuilder(lang string) *builder {
	return &builder{prog: &Program{Language: lang}, gate: -1}
}

func (b *builder) call(e *Expr) *Expr {
	b.prog.Calls = append(b.prog.Calls, CallSite{Expr: e, Gate: b.gate})
	return e
}

func (b *builder) bind(name string, value *Expr, line int, imp bool) {
	if name == "" || value == nil {
		return
	}
	b.prog.Bindings = append(b.prog.Bindings, Binding{Name: name, Value: value, Line: line, Import: imp, Gate: b.gate})
	b.literal(name, value, line)
}

// literal records value when name is natural-language bearing.
func (b *builder) literal(name string, value *Expr, line int) {
	if !IsNaturalLanguageName(name) {
		return
	}
	if s, ok := LiteralText(value); ok && strings.TrimSpace(s) != "" {
		b.prog.Literals = append(b.prog.Literals, NamedLiteral{Name: name, Value: s, Line: line})
	}
}

func (b *builder) str(value, raw string, line int) *Expr {
	b.prog.Strings = append(b.prog.Strings, StringLit{Value: value, Raw: raw, Line: line})
	return &Expr{Kind: Lit, Value: value, Raw: raw, Line: line}
}

func (b *builder) openGate(cond string, line, parent int) int {
	b.prog.Gates = append(b.prog.Gates, Gate{Line: line, EndLine: line, Cond: cond, Parent: parent})
	return len(b.prog.Gates) - 1
}

// extend stretches the current gate chain to cover line.
func (b *builder) extend(line int) {
	for g := b.gate; g >= 0; g = b.prog.Gates[g].Parent {
		if line > b.prog.Gates[g].EndLine {
			b.prog.Gates[g].EndLine = line
		}
	}
}

func lastSegment(name string) string {
	if i := strings.LastIndexAny(name, "./"); i >= 0 {
		return name[i+1:]
	}
	return name
}
