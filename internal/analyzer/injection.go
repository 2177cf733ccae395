package analyzer

import (
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/gzhole/skillshield/internal/rules"
	"github.com/gzhole/skillshield/internal/skill"
	"github.com/gzhole/skillshield/internal/unicode"
)

// InjectionAnalyzer looks for prompt injection in the text an agent reads:
// the manifest, the documentation and string literals that the structural
// stage found assigned to descriptions or prompts.
type InjectionAnalyzer struct {
	rules   []*rules.Rule
	policy  Policy
	workers int
}

// NewInjectionAnalyzer creates the injection stage over the text rules of set.
func NewInjectionAnalyzer(set *rules.Set, policy Policy, workers int) *InjectionAnalyzer {
	var text []*rules.Rule
	if set != nil {
		text = set.ForTarget(rules.TargetText)
	}
	return &InjectionAnalyzer{rules: text, policy: policy, workers: workers}
}

func (a *InjectionAnalyzer) Name() Stage { return StageInjection }

// textUnit is one block of natural-language text with its file position.
type textUnit struct {
	File      string
	StartLine int
	Text      string
	// Manifest text is addressed to the agent directly, so inline code
	// spans in it are not treated as examples.
	Manifest bool
	// Literal names the variable a code literal was assigned to.
	Literal string
}

func (u textUnit) fileLine(local int) int { return u.StartLine + local - 1 }

func injectionUnits(pkg *skill.Package, literals []Literal) []textUnit {
	var units []textUnit
	for _, d := range pkg.Docs {
		u := textUnit{File: d.Path, StartLine: 1, Manifest: d.Kind == skill.DocManifest}
		// Code blocks of the manifest are instructions too; elsewhere they
		// are examples and go through the code stages as embedded sources.
		if u.Manifest {
			u.Text = d.Text
		} else {
			u.Text = d.Prose
		}
		units = append(units, u)
	}
	for _, l := range literals {
		units = append(units, textUnit{File: l.File, StartLine: l.Line, Text: l.Value, Literal: l.Name})
	}
	return units
}

// Analyze scans every text unit. Findings carry the "injection" tag.
func (a *InjectionAnalyzer) Analyze(ctx context.Context, actx *AnalysisContext) StageResult {
	res := StageResult{Status: StatusCompleted}
	units := injectionUnits(actx.Package, actx.Literals)

	out, done := fanOut(ctx, a.workers, len(units), func(_ context.Context, i int) fileMatches {
		return a.scanUnit(units[i])
	})
	for _, m := range out {
		res.Findings = append(res.Findings, m.findings...)
		res.Suppressions = append(res.Suppressions, m.suppressions...)
	}
	if !allDone(done) {
		res.Status = StatusPartial
		res.Reason = "cancelled before every document was scanned"
		return res
	}

	if a.policy.Sensitivity == SensitivityParanoid && len(res.Findings) == 0 && len(actx.Findings) == 0 {
		if f, ok := suspiciousKeyword(units); ok {
			res.Findings = append(res.Findings, f)
		}
	}
	return res
}

func (a *InjectionAnalyzer) scanUnit(u textUnit) fileMatches {
	var m fileMatches
	text := strings.TrimPrefix(u.Text, "\uFEFF")
	lines := strings.Split(text, "\n")

	var inline [][][]int
	if !u.Manifest && u.Literal == "" {
		inline = make([][][]int, len(lines))
		for i, l := range lines {
			inline[i] = inlineCode.FindAllStringIndex(l, -1)
		}
	}

	seen := map[string]bool{}
	emit := func(f Finding, line, col int) {
		key := fmt.Sprintf("%s|%d", f.RuleID, f.Location.StartLine)
		if seen[key] {
			return
		}
		seen[key] = true
		if inline != nil && line < len(inline) && insideAny(inline[line], col) {
			m.suppressions = append(m.suppressions, Suppression{Guard: GuardDocExample, Finding: f})
			return
		}
		m.findings = append(m.findings, f)
	}

	for _, r := range a.rules {
		re := r.Regexp()
		if r.Window > 1 {
			a.matchTextWindow(u, lines, r, emit)
			continue
		}
		for i, line := range lines {
			if loc := re.FindStringIndex(line); loc != nil {
				emit(a.textFinding(u, r, i+1, i+1, line, nil), i, loc[0])
				continue
			}
			// Look-alike letters can hide a phrase from the regex.
			if norm := unicode.NormalizeHomoglyphs(line); norm != line {
				if loc := re.FindStringIndex(norm); loc != nil {
					emit(a.textFinding(u, r, i+1, i+1, line, []string{"normalized"}), i, -1)
				}
			}
		}
	}

	m.findings = append(m.findings, smugglingFindings(u, text, lines, a.rules)...)
	m.findings = append(m.findings, base64Findings(u, lines)...)
	if f, ok := repetitionFinding(u, lines); ok {
		m.findings = append(m.findings, f)
	}
	return m
}

func (a *InjectionAnalyzer) matchTextWindow(u textUnit, lines []string, r *rules.Rule, emit func(Finding, int, int)) {
	re := r.Regexp()
	for i := 0; i < len(lines); {
		end := min(len(lines), i+r.Window)
		joined := strings.Join(lines[i:end], "\n")
		loc := re.FindStringIndex(joined)
		if loc == nil {
			if end == len(lines) {
				return
			}
			i++
			continue
		}
		first := i + strings.Count(joined[:loc[0]], "\n")
		last := i + strings.Count(joined[:loc[1]], "\n")
		if loc[1] > loc[0] && joined[loc[1]-1] == '\n' {
			last--
		}
		emit(a.textFinding(u, r, first+1, last+1, lines[first], nil), first, -1)
		i = last + 1
	}
}

func (a *InjectionAnalyzer) textFinding(u textUnit, r *rules.Rule, start, end int, line string, extra []string) Finding {
	sev, err := ParseSeverity(r.Severity)
	if err != nil {
		sev = SeverityMedium
	}
	conf := r.Confidence
	if conf == 0 {
		conf = specificityConfidence(a.policy, r.Specificity)
	}
	rationale := r.Description
	if rationale == "" {
		rationale = fmt.Sprintf("matched rule %s", r.ID)
	}
	return newFinding(Finding{
		Category:   r.Category,
		Severity:   sev,
		Stage:      StageInjection,
		RuleID:     r.ID,
		File:       u.File,
		Location:   lineSpan(u.fileLine(start), u.fileLine(end)),
		Confidence: conf,
		Snippet:    snippet(line),
		Rationale:  rationale,
		Tags:       u.tags(append([]string{string(r.Specificity)}, extra...)...),
	})
}

func (u textUnit) tags(extra ...string) []string {
	tags := append([]string{"injection"}, extra...)
	if u.Literal != "" {
		tags = append(tags, "literal:"+u.Literal)
	}
	return tags
}

var inlineCode = regexp.MustCompile("`[^`\n]+`")

func insideAny(spans [][]int, col int) bool {
	if col < 0 {
		return false
	}
	for _, s := range spans {
		if col >= s[0] && col < s[1] {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Unicode smuggling
// ---------------------------------------------------------------------------

type smuggling struct {
	category string
	severity Severity
	conf     float64
}

var smugglingKinds = map[unicode.Kind]smuggling{
	unicode.KindTag:       {"token-smuggling", SeverityHigh, 0.9},
	unicode.KindBidi:      {"token-smuggling", SeverityHigh, 0.85},
	unicode.KindZeroWidth: {"token-smuggling", SeverityMedium, 0.7},
	unicode.KindControl:   {"token-smuggling", SeverityLow, 0.5},
	unicode.KindHomoglyph: {"homoglyph", SeverityMedium, 0.7},
}

// smugglingFindings reports invisible and look-alike characters, one
// finding per line and kind. Tag characters that spell out an instruction
// matching a text rule are CRITICAL.
func smugglingFindings(u textUnit, text string, lines []string, textRules []*rules.Rule) []Finding {
	scan := unicode.Scan(text)
	type key struct {
		line int
		kind unicode.Kind
	}
	groups := map[key][]unicode.Threat{}
	var order []key
	for _, t := range scan.Threats {
		if _, ok := smugglingKinds[t.Kind]; !ok {
			continue
		}
		k := key{t.Line, t.Kind}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], t)
	}
	sort.SliceStable(order, func(i, j int) bool {
		if order[i].line != order[j].line {
			return order[i].line < order[j].line
		}
		return order[i].kind < order[j].kind
	})

	var out []Finding
	for _, k := range order {
		ts := groups[k]
		s := smugglingKinds[k.kind]
		sev := s.severity
		rationale := ts[0].Description
		if len(ts) > 1 {
			rationale = fmt.Sprintf("%s (%d occurrences)", rationale, len(ts))
		}
		var hidden []string
		for _, t := range ts {
			if t.Hidden != "" {
				hidden = append(hidden, t.Hidden)
			}
		}
		if len(hidden) > 0 && matchesAnyRule(strings.Join(hidden, " "), textRules) {
			sev = SeverityCritical
		}
		line := ""
		if k.line >= 1 && k.line <= len(lines) {
			line = unicode.NormalizeHomoglyphs(lines[k.line-1])
		}
		out = append(out, newFinding(Finding{
			Category:   s.category,
			Severity:   sev,
			Stage:      StageInjection,
			RuleID:     "unicode/" + string(k.kind),
			File:       u.File,
			Location:   lineSpan(u.fileLine(k.line), u.fileLine(k.line)),
			Confidence: s.conf,
			Snippet:    snippet(line),
			Rationale:  rationale,
			Tags:       u.tags("unicode:" + string(k.kind)),
		}))
	}
	return out
}

func matchesAnyRule(text string, textRules []*rules.Rule) bool {
	for _, r := range textRules {
		if r.Regexp().MatchString(text) {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Encoded instructions and flooding
// ---------------------------------------------------------------------------

var (
	base64Run   = regexp.MustCompile(`[A-Za-z0-9+/]{20,}={0,2}`)
	dangerWords = []string{"delete", "execute", "ignore", "system", "admin", "rm ",
		"curl", "wget", "eval", "password", "token", "key",
		"override", "forget", "disregard", "jailbreak"}
)

// base64Findings reports base64 runs whose decoded text carries words an
// attacker would want to hide from a reviewer.
func base64Findings(u textUnit, lines []string) []Finding {
	var out []Finding
	for i, line := range lines {
		for _, m := range base64Run.FindAllString(line, -1) {
			decoded, ok := decodeBase64Text(m)
			if !ok {
				continue
			}
			lower := strings.ToLower(decoded)
			var found []string
			for _, w := range dangerWords {
				if strings.Contains(lower, w) {
					found = append(found, strings.TrimSpace(w))
				}
			}
			if len(found) == 0 {
				continue
			}
			out = append(out, newFinding(Finding{
				Category:   "hidden-instruction",
				Severity:   SeverityHigh,
				Stage:      StageInjection,
				RuleID:     "injection/base64-payload",
				File:       u.File,
				Location:   lineSpan(u.fileLine(i+1), u.fileLine(i+1)),
				Confidence: 0.75,
				Snippet:    snippet(line),
				Rationale:  fmt.Sprintf("base64 text decodes to %q (%s)", snippet(truncate(decoded, 80)), strings.Join(found, ", ")),
				Tags:       u.tags("encoding:base64"),
			}))
			break
		}
	}
	return out
}

func decodeBase64Text(s string) (string, bool) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding} {
		if b, err := enc.DecodeString(s); err == nil && printable(string(b)) {
			return string(b), true
		}
	}
	return "", false
}

const (
	floodMinLines   = 5
	floodMinLineLen = 20
)

// repetitionFinding reports text whose long lines are mostly copies of each
// other, a way to push earlier instructions out of the context window.
func repetitionFinding(u textUnit, lines []string) (Finding, bool) {
	if len(lines) <= floodMinLines {
		return Finding{}, false
	}
	var long []string
	unique := map[string]int{}
	for i, l := range lines {
		t := strings.TrimSpace(l)
		if len(t) <= floodMinLineLen {
			continue
		}
		long = append(long, t)
		if _, ok := unique[t]; !ok {
			unique[t] = i
		}
	}
	if len(long) == 0 || len(long) <= 2*len(unique) {
		return Finding{}, false
	}
	// Point at the most repeated line.
	counts := map[string]int{}
	top := ""
	for _, t := range long {
		counts[t]++
		if counts[t] > counts[top] {
			top = t
		}
	}
	first := unique[top] + 1
	return newFinding(Finding{
		Category:   "repetition-flood",
		Severity:   SeverityHigh,
		Stage:      StageInjection,
		RuleID:     "injection/repetition",
		File:       u.File,
		Location:   lineSpan(u.fileLine(first), u.fileLine(len(lines))),
		Confidence: 0.7,
		Snippet:    snippet(top),
		Rationale:  fmt.Sprintf("%d long lines repeat only %d distinct ones", len(long), len(unique)),
		Tags:       u.tags(),
	}), true
}

var suspiciousWords = []string{"ignore", "forget", "pretend", "roleplay", "bypass",
	"override", "jailbreak", "system prompt", "instructions"}

// suspiciousKeyword flags the first suspicious word in any unit. Used only
// at paranoid sensitivity when no other stage reported anything.
func suspiciousKeyword(units []textUnit) (Finding, bool) {
	for _, u := range units {
		lines := strings.Split(u.Text, "\n")
		for i, line := range lines {
			lower := strings.ToLower(unicode.NormalizeHomoglyphs(line))
			for _, w := range suspiciousWords {
				if !strings.Contains(lower, w) {
					continue
				}
				return newFinding(Finding{
					Category:   "suspicious-keyword",
					Severity:   SeverityLow,
					Stage:      StageInjection,
					RuleID:     "injection/paranoid-keyword",
					File:       u.File,
					Location:   lineSpan(u.fileLine(i+1), u.fileLine(i+1)),
					Confidence: 0.5,
					Snippet:    snippet(line),
					Rationale:  fmt.Sprintf("contains %q", w),
					Tags:       u.tags("paranoid"),
				}), true
			}
		}
	}
	return Finding{}, false
}
