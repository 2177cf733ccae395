package analyzer

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/pkg/errors"

	"github.com/gzhole/skillshield/internal/analyzer/script"
	"github.com/gzhole/skillshield/internal/skill"
)

// StructuralAnalyzer lowers each source file into the script IR and looks
// for constructs a line-oriented matcher cannot see: payloads assembled
// across statements, decoded or downloaded data reaching a sink, sinks
// hidden behind aliases, and sinks that only run after a date check.
type StructuralAnalyzer struct {
	workers int
}

// NewStructuralAnalyzer creates the structural stage.
func NewStructuralAnalyzer(workers int) *StructuralAnalyzer {
	return &StructuralAnalyzer{workers: workers}
}

func (a *StructuralAnalyzer) Name() Stage { return StageStructural }

type fileStructure struct {
	findings     []Finding
	suppressions []Suppression
	coverage     []CoverageGap
	literals     []Literal
	sinks        []SinkUse
}

// Analyze lowers and inspects every code file. Languages without a
// front-end and files that fail to parse become coverage gaps.
func (a *StructuralAnalyzer) Analyze(ctx context.Context, actx *AnalysisContext) StageResult {
	pkg := actx.Package
	res := StageResult{Status: StatusCompleted}

	out, done := fanOut(ctx, a.workers, len(pkg.Sources), func(_ context.Context, i int) fileStructure {
		return a.inspect(pkg.Sources[i])
	})
	for _, fs := range out {
		res.Findings = append(res.Findings, fs.findings...)
		res.Suppressions = append(res.Suppressions, fs.suppressions...)
		res.Coverage = append(res.Coverage, fs.coverage...)
		res.Literals = append(res.Literals, fs.literals...)
		res.Sinks = append(res.Sinks, fs.sinks...)
	}
	if !allDone(done) {
		res.Status = StatusPartial
		res.Reason = "cancelled before every file was inspected"
	}
	return res
}

func (a *StructuralAnalyzer) inspect(src skill.SourceFile) fileStructure {
	var fs fileStructure
	if !src.Language.IsCode() {
		return fs
	}
	where := src.Path
	if src.Embedded {
		where = fmt.Sprintf("%s:%d", src.Path, src.StartLine)
	}
	prog, err := script.Parse(string(src.Language), src.Text)
	if err != nil {
		reason := fmt.Sprintf("parse failed: %v", err)
		if errors.Is(err, script.ErrUnsupported) {
			reason = fmt.Sprintf("no structural front-end for %s", src.Language)
		}
		fs.coverage = append(fs.coverage, CoverageGap{File: where, Stage: StageStructural, Reason: reason})
		return fs
	}

	in := &inspection{src: src, prog: prog, lines: src.Lines()}
	in.run()

	for _, f := range in.findings {
		if src.Fixture {
			fs.suppressions = append(fs.suppressions, Suppression{Guard: GuardTestFixture, Finding: f})
			continue
		}
		fs.findings = append(fs.findings, f)
	}
	fs.sinks = in.sinks
	for _, l := range prog.Literals {
		fs.literals = append(fs.literals, Literal{File: src.Path, Line: src.FileLine(l.Line), Name: l.Name, Value: l.Value})
	}
	return fs
}

// ---------------------------------------------------------------------------
// Inspection of one lowered file
// ---------------------------------------------------------------------------

type inspection struct {
	src   skill.SourceFile
	prog  *script.Program
	lines []string

	findings []Finding
	sinks    []SinkUse
}

// sinkCall is a call site whose callee resolved to a sink.
type sinkCall struct {
	site     script.CallSite
	name     string
	hops     int
	sink     sink
	temporal bool
}

func (in *inspection) lang() string { return in.prog.Language }

func (in *inspection) run() {
	var calls []sinkCall
	for _, site := range in.prog.Calls {
		name, hops := in.resolve(site.Callee, site.Line)
		s, ok := lookupSink(in.lang(), name)
		if !ok {
			continue
		}
		calls = append(calls, sinkCall{site: site, name: name, hops: hops, sink: s, temporal: in.prog.Temporal(site.Gate)})
	}

	direct := map[string]bool{}
	untimed := map[string]bool{}
	for _, c := range calls {
		if c.hops == 0 {
			direct[c.name] = true
		}
		if !c.temporal {
			untimed[c.name] = true
		}
	}

	for _, c := range calls {
		in.sinks = append(in.sinks, SinkUse{
			File:     in.src.Path,
			Line:     in.src.FileLine(c.site.Line),
			Callee:   c.name,
			Category: c.sink.Category,
			Aliased:  c.hops > 0,
			Gated:    c.site.Gate >= 0,
		})
		in.payload(c)
		if c.hops > 0 && !direct[c.name] {
			in.aliased(c)
		}
		if c.temporal && !untimed[c.name] {
			in.timeBomb(c)
		}
	}
	in.encodedLiterals()
}

// reach counts the steps between the sink and the code that looks like
// it runs unconditionally: alias hops plus one for an unprovable gate.
func (c sinkCall) reach() int {
	r := c.hops
	if c.site.Gate >= 0 {
		r++
	}
	return r
}

// ---------------------------------------------------------------------------
// Name resolution
// ---------------------------------------------------------------------------

const maxResolveSteps = 8

// resolve follows bindings from callee to the canonical name of what is
// called. Each rebinding of a whole callee to another name is one alias
// hop; importing a name under its own name and rebinding a module prefix
// are not.
func (in *inspection) resolve(callee string, line int) (string, int) {
	name, hops := callee, 0
	seen := map[string]bool{}
	for step := 0; step < maxResolveSteps && !seen[name]; step++ {
		seen[name] = true
		lookup := strings.TrimPrefix(name, "$")
		if b := in.prog.Lookup(lookup, line); b != nil && b.Value != nil {
			switch v := b.Value; {
			case v.Kind == script.Name && v.Recv == nil:
				if !(b.Import && lastName(v.Value) == lastName(name)) {
					hops++
				}
				name = v.Value
				continue
			case v.Kind == script.Lit && in.lang() == "shell":
				// alias x='rm -rf' or CMD="curl ..." run as $CMD
				fields := strings.Fields(v.Value)
				if len(fields) == 0 {
					return name, hops
				}
				hops++
				name = fields[0]
				continue
			}
		}
		head, rest, ok := strings.Cut(name, ".")
		if !ok || head == "" {
			break
		}
		b := in.prog.Lookup(head, line)
		if b == nil || b.Value == nil || b.Value.Kind != script.Name || b.Value.Recv != nil || b.Value.Value == head {
			break
		}
		name = b.Value.Value + "." + rest
	}
	return name, hops
}

func lastName(name string) string {
	if i := strings.LastIndexAny(name, "./"); i >= 0 {
		return name[i+1:]
	}
	return name
}

// ---------------------------------------------------------------------------
// Payload tracing
// ---------------------------------------------------------------------------

// trace summarizes where the value reaching a sink came from.
type trace struct {
	concats    int
	literals   []string
	lines      map[int]bool
	decoded    string
	downloaded string
	opaque     bool
}

const maxTraceDepth = 24

// walk follows e back to its sources. owner is the binding whose value is
// being walked; a name inside it that resolves to owner itself, as in
// x = x + y or x += y, means the value x held before.
func (in *inspection) walk(t *trace, e *script.Expr, owner *script.Binding, seen map[string]bool, depth int) {
	if e == nil || depth > maxTraceDepth {
		return
	}
	switch e.Kind {
	case script.Lit:
		t.literals = append(t.literals, e.Value)
		t.lines[e.Line] = true
	case script.Name:
		if e.Recv != nil {
			t.opaque = true
			in.walk(t, e.Recv, owner, seen, depth+1)
			return
		}
		key := fmt.Sprintf("%s@%d", e.Value, e.Line)
		if seen[key] {
			return
		}
		seen[key] = true
		b := in.prog.Lookup(e.Value, e.Line)
		if b != nil && b == owner {
			b = in.prog.Previous(b)
		}
		if b == nil || b.Import {
			t.opaque = true
			return
		}
		t.lines[b.Line] = true
		in.walk(t, b.Value, b, seen, depth+1)
	case script.Concat:
		t.concats++
		t.lines[e.Line] = true
		for _, a := range e.Args {
			in.walk(t, a, owner, seen, depth+1)
		}
	case script.Call:
		name, _ := in.resolve(e.Callee, e.Line)
		switch {
		case isDecoder(in.lang(), name, e):
			if t.decoded == "" {
				t.decoded = name
			}
		case isDownloader(in.lang(), name):
			if t.downloaded == "" {
				t.downloaded = name
			}
		default:
			t.opaque = true
		}
		t.lines[e.Line] = true
		in.walk(t, e.Recv, owner, seen, depth+1)
		for _, a := range e.Args {
			in.walk(t, a, owner, seen, depth+1)
		}
	case script.List:
		for _, a := range e.Args {
			in.walk(t, a, owner, seen, depth+1)
		}
	default:
		t.opaque = true
		for _, a := range e.Args {
			in.walk(t, a, owner, seen, depth+1)
		}
	}
}

// payloadArgs returns the arguments of a sink call that carry its payload.
func payloadArgs(call *script.Expr, s sink) []*script.Expr {
	var out []*script.Expr
	pos := call.Positional()
	switch {
	case s.Arg < 0:
		out = append(out, pos...)
	case s.Arg < len(pos):
		out = append(out, pos[s.Arg])
	}
	if in := call.Keyword("stdin"); in != nil {
		out = append(out, in)
	}
	return out
}

var dangerousText = regexp.MustCompile(`(?i)(\brm\s+-[a-z]*[rf]|\bcurl\b|\bwget\b|/bin/(ba)?sh|\bbash\b|\bsh\s+-c\b|\bnc\s+-|\bncat\b|\bchmod\b|\beval\b|\bexec\b|/dev/tcp|\bmkfifo\b|\bbase64\b|\bpython[0-9.]*\s+-c\b|\bpowershell\b|\bos\.system\b|\bsubprocess\b|child_process|__import__|\bdd\s+if=|\bmkfs\b)`)

// payload reports decoded or downloaded data reaching a code-running sink,
// payloads assembled across statements, and non-constant commands.
func (in *inspection) payload(c sinkCall) {
	if !c.sink.Kind.runsCode() {
		return
	}
	t := &trace{lines: map[int]bool{}}
	seen := map[string]bool{}
	for _, a := range payloadArgs(c.site.Expr, c.sink) {
		in.walk(t, a, nil, seen, 0)
	}

	fired := false
	if t.decoded != "" {
		fired = true
		in.add(c, "encoded-payload", SeverityCritical.Lower(c.reach()), 0.9,
			fmt.Sprintf("output of %s reaches %s", t.decoded, c.name))
	}
	if t.downloaded != "" {
		fired = true
		in.add(c, "remote-code-download", SeverityCritical.Lower(c.reach()), 0.9,
			fmt.Sprintf("content fetched by %s reaches %s", t.downloaded, c.name))
	}
	if t.concats > 0 && len(t.lines) >= 2 && len(t.literals) >= 2 {
		fired = true
		sev := SeverityHigh
		// Pieces may split a word ("rm -" + "rf") or sit side by side as
		// argv entries ("sh", "-c", ...), so both joins are checked.
		if dangerousText.MatchString(strings.Join(t.literals, "")) || dangerousText.MatchString(strings.Join(t.literals, " ")) {
			sev = SeverityCritical
		}
		in.add(c, "dynamic-code-construction", sev.Lower(c.reach()), 0.85,
			fmt.Sprintf("argument of %s is assembled from %d pieces across %d statements", c.name, len(t.literals), len(t.lines)))
	}
	if !fired && t.opaque && c.hops == 0 {
		sev := SeverityLow
		if c.site.Gate >= 0 {
			sev = SeverityInfo
		}
		in.add(c, c.sink.Category, sev, 0.6, fmt.Sprintf("%s runs a value that is not a constant", c.name))
	}
}

// aliased reports a sink only ever called through a rebinding.
func (in *inspection) aliased(c sinkCall) {
	sev := SeverityHigh
	if c.sink.Kind == sinkNetwork {
		sev = SeverityMedium
	}
	if c.site.Gate >= 0 {
		sev = sev.Lower(1)
	}
	in.add(c, "aliased-sink", sev, 0.85,
		fmt.Sprintf("%s is called as %s through %d alias hop(s) and never directly", c.name, c.site.Callee, c.hops))
}

// timeBomb reports a sink that only runs behind a wall-clock condition.
func (in *inspection) timeBomb(c sinkCall) {
	sev := SeverityHigh
	if c.sink.Kind == sinkNetwork {
		sev = SeverityMedium
	}
	sev = sev.Lower(c.hops)
	gate := in.prog.Gates[c.site.Gate]
	f := in.finding(c, "time-bomb", sev, 0.8,
		fmt.Sprintf("%s runs only when %q holds", c.name, truncate(gate.Cond, 80)))
	f.Location = lineSpan(in.src.FileLine(gate.Line), in.src.FileLine(max(gate.EndLine, c.site.Line)))
	in.findings = append(in.findings, newFinding(f))
}

func (in *inspection) add(c sinkCall, category string, sev Severity, conf float64, rationale string) {
	in.findings = append(in.findings, newFinding(in.finding(c, category, sev, conf, rationale)))
}

func (in *inspection) finding(c sinkCall, category string, sev Severity, conf float64, rationale string) Finding {
	line := c.site.Line
	tags := []string{"structural", "capability:" + c.sink.Capability, "sink:" + c.name}
	if c.hops > 0 {
		tags = append(tags, "aliased")
	}
	if c.site.Gate >= 0 {
		tags = append(tags, "gated")
	}
	return Finding{
		Category:   category,
		Severity:   sev,
		Stage:      StageStructural,
		RuleID:     "structural/" + category,
		File:       in.src.Path,
		Location:   lineSpan(in.src.FileLine(line), in.src.FileLine(line)),
		Confidence: conf,
		Snippet:    snippet(in.line(line)),
		Rationale:  rationale,
		Tags:       tags,
	}
}

func (in *inspection) line(n int) string {
	if n >= 1 && n <= len(in.lines) {
		return in.lines[n-1]
	}
	return ""
}

// ---------------------------------------------------------------------------
// Encoded literals
// ---------------------------------------------------------------------------

var (
	base64Literal = regexp.MustCompile(`^[A-Za-z0-9+/_-]{16,}={0,2}$`)
	hexLiteral    = regexp.MustCompile(`^(?:[0-9a-fA-F]{2}){8,}$`)
	hexEscape     = regexp.MustCompile(`\\x[0-9a-fA-F]{2}`)
	execLooking   = regexp.MustCompile(`(?i)(\brm\s+-[a-z]*[rf]|\bcurl\s|\bwget\s|/bin/(ba)?sh|\bbash\s+-[ci]|\bsh\s+-c\b|\bnc\s+-[a-z]*e|/dev/tcp/|\bchmod\s+[0-7+]|\beval\s*\(|\bexec\s*\(|os\.system|subprocess|child_process|__import__|\bpowershell\b|\bmkfifo\b|\bimport\s+os\b|\|\s*(ba)?sh\b)`)
)

// encodedLiterals reports string literals that decode to something that
// looks like a command or code.
func (in *inspection) encodedLiterals() {
	rot13 := strings.Contains(strings.ToLower(in.src.Text), "rot13") ||
		strings.Contains(strings.ToLower(in.src.Text), "rot_13") ||
		strings.Contains(strings.ToLower(in.src.Text), "rot-13")

	reported := map[int]bool{}
	for _, s := range in.prog.Strings {
		if reported[s.Line] {
			continue
		}
		enc, text := decodeLiteral(s, rot13)
		if enc == "" || !execLooking.MatchString(text) {
			continue
		}
		reported[s.Line] = true
		in.findings = append(in.findings, newFinding(Finding{
			Category:   "encoded-payload",
			Severity:   SeverityHigh,
			Stage:      StageStructural,
			RuleID:     "structural/encoded-literal-" + enc,
			File:       in.src.Path,
			Location:   lineSpan(in.src.FileLine(s.Line), in.src.FileLine(s.Line)),
			Confidence: 0.85,
			Snippet:    snippet(in.line(s.Line)),
			Rationale:  fmt.Sprintf("%s literal decodes to %q", enc, snippet(truncate(text, 80))),
			Tags:       []string{"structural", "capability:" + CapProcessExecution, "encoding:" + enc},
		}))
	}
}

// decodeLiteral tries the encodings a payload is usually hidden with and
// returns the first that yields printable text.
func decodeLiteral(s script.StringLit, rot13 bool) (string, string) {
	v := strings.TrimSpace(s.Value)
	if base64Literal.MatchString(v) {
		for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
			if b, err := enc.DecodeString(v); err == nil && printable(string(b)) {
				return "base64", string(b)
			}
		}
	}
	if hexLiteral.MatchString(v) {
		if b, err := hex.DecodeString(v); err == nil && printable(string(b)) {
			return "hex", string(b)
		}
	}
	if len(hexEscape.FindAllStringIndex(s.Raw, 4)) >= 4 {
		return "hex-escape", s.Value
	}
	if rot13 && len(v) >= 8 {
		return "rot13", rotate13(v)
	}
	return "", ""
}

func printable(s string) bool {
	if s == "" {
		return false
	}
	n := 0
	for _, r := range s {
		if unicode.IsPrint(r) || r == '\n' || r == '\t' || r == '\r' {
			n++
		}
	}
	return n*10 >= len([]rune(s))*9
}

func rotate13(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return 'a' + (r-'a'+13)%26
		case r >= 'A' && r <= 'Z':
			return 'A' + (r-'A'+13)%26
		}
		return r
	}, s)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
