package analyzer

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gzhole/skillshield/internal/redact"
	"github.com/gzhole/skillshield/internal/rules"
	"github.com/gzhole/skillshield/internal/skill"
)

const maxSnippetRunes = 160

// PatternAnalyzer matches the code rules of the loaded packs against every
// source file, line by line or over a sliding window of lines.
type PatternAnalyzer struct {
	rules   []*rules.Rule
	policy  Policy
	workers int
}

// NewPatternAnalyzer creates the pattern stage over the code rules of set.
func NewPatternAnalyzer(set *rules.Set, policy Policy, workers int) *PatternAnalyzer {
	var code []*rules.Rule
	if set != nil {
		code = set.ForTarget(rules.TargetCode)
	}
	return &PatternAnalyzer{rules: code, policy: policy, workers: workers}
}

func (a *PatternAnalyzer) Name() Stage { return StagePattern }

type fileMatches struct {
	findings     []Finding
	suppressions []Suppression
}

// Analyze scans every source file. Unreadable files become coverage gaps.
func (a *PatternAnalyzer) Analyze(ctx context.Context, actx *AnalysisContext) StageResult {
	pkg := actx.Package
	res := StageResult{Status: StatusCompleted}
	for _, u := range pkg.Unreadable {
		res.Coverage = append(res.Coverage, CoverageGap{File: u.Path, Stage: StagePattern, Reason: u.Reason})
	}

	out, done := fanOut(ctx, a.workers, len(pkg.Sources), func(_ context.Context, i int) fileMatches {
		return a.scanFile(pkg.Sources[i], pkg.Manifest.Path)
	})
	for _, m := range out {
		res.Findings = append(res.Findings, m.findings...)
		res.Suppressions = append(res.Suppressions, m.suppressions...)
	}
	if !allDone(done) {
		res.Status = StatusPartial
		res.Reason = "cancelled before every file was scanned"
	}
	return res
}

func (a *PatternAnalyzer) scanFile(src skill.SourceFile, manifest string) fileMatches {
	var m fileMatches
	lines := src.Lines()
	for _, r := range a.rules {
		if !r.AppliesTo(string(src.Language)) {
			continue
		}
		if r.Window > 1 {
			a.matchWindow(&m, src, lines, r, manifest)
		} else {
			a.matchLines(&m, src, lines, r, manifest)
		}
	}
	return m
}

func (a *PatternAnalyzer) matchLines(m *fileMatches, src skill.SourceFile, lines []string, r *rules.Rule, manifest string) {
	re := r.Regexp()
	for i, line := range lines {
		if !re.MatchString(line) {
			continue
		}
		f := a.finding(src, r, i+1, i+1, line)
		a.emit(m, src, r, f, isCommentLine(src.Language, line), manifest)
	}
}

// matchWindow reports a multi-line signature once, at the lines the match
// covers. Code is matched with comment lines blanked, so a comment cannot
// start a match that swallows the code after it. Matches made of comment
// lines alone are recorded as suppressions.
func (a *PatternAnalyzer) matchWindow(m *fileMatches, src skill.SourceFile, lines []string, r *rules.Rule, manifest string) {
	re := r.Regexp()
	code := make([]string, len(lines))
	comment := make([]bool, len(lines))
	for i, line := range lines {
		comment[i] = isCommentLine(src.Language, line)
		if !comment[i] {
			code[i] = line
		}
	}

	reported := make([]bool, len(lines))
	for _, w := range windowMatches(code, r.Window, re) {
		f := a.finding(src, r, w.first+1, w.last+1, lines[w.first])
		a.emit(m, src, r, f, false, manifest)
		for l := w.first; l <= w.last; l++ {
			reported[l] = true
		}
	}
	if src.Fixture {
		return
	}
	for _, w := range windowMatches(lines, r.Window, re) {
		var commented, overlaps bool
		for l := w.first; l <= w.last; l++ {
			commented = commented || comment[l]
			overlaps = overlaps || reported[l]
		}
		if commented && !overlaps {
			f := a.finding(src, r, w.first+1, w.last+1, lines[w.first])
			a.emit(m, src, r, f, true, manifest)
		}
	}
}

type lineRange struct{ first, last int }

// windowMatches slides a window of size lines over lines and returns each
// match once, resuming after its last line.
func windowMatches(lines []string, size int, re *regexp.Regexp) []lineRange {
	var out []lineRange
	for i := 0; i < len(lines); {
		end := min(len(lines), i+size)
		joined := strings.Join(lines[i:end], "\n")
		loc := re.FindStringIndex(joined)
		if loc == nil {
			if end == len(lines) {
				break
			}
			i++
			continue
		}
		first := i + strings.Count(joined[:loc[0]], "\n")
		last := i + strings.Count(joined[:loc[1]], "\n")
		if loc[1] > loc[0] && joined[loc[1]-1] == '\n' {
			last--
		}
		last = max(first, last)
		out = append(out, lineRange{first: first, last: last})
		i = last + 1
	}
	return out
}

func (a *PatternAnalyzer) emit(m *fileMatches, src skill.SourceFile, r *rules.Rule, f Finding, comment bool, manifest string) {
	switch {
	case src.Fixture:
		m.suppressions = append(m.suppressions, Suppression{Guard: GuardTestFixture, Finding: f})
	case comment:
		m.suppressions = append(m.suppressions, Suppression{Guard: GuardComment, Finding: f})
	case src.Embedded && src.Path != manifest && r.Specificity == rules.Broad:
		// Code blocks in SKILL.md are instructions the agent runs; blocks
		// in other docs are usually install or usage examples.
		m.suppressions = append(m.suppressions, Suppression{Guard: GuardDocExample, Finding: f})
	default:
		m.findings = append(m.findings, f)
	}
}

func (a *PatternAnalyzer) finding(src skill.SourceFile, r *rules.Rule, start, end int, line string) Finding {
	sev, err := ParseSeverity(r.Severity)
	if err != nil {
		sev = SeverityMedium
	}
	rationale := r.Description
	if rationale == "" {
		rationale = fmt.Sprintf("matched rule %s", r.ID)
	}
	tags := []string{"pattern", string(r.Specificity)}
	if r.Pack != "" {
		tags = append(tags, "pack:"+r.Pack)
	}
	if src.Embedded {
		tags = append(tags, "embedded")
	}
	return newFinding(Finding{
		Category:   r.Category,
		Severity:   sev,
		Stage:      StagePattern,
		RuleID:     r.ID,
		File:       src.Path,
		Location:   lineSpan(src.FileLine(start), src.FileLine(end)),
		Confidence: a.confidence(r),
		Snippet:    snippet(line),
		Rationale:  rationale,
		Tags:       tags,
	})
}

// confidence prefers the rule's explicit value over its specificity.
func (a *PatternAnalyzer) confidence(r *rules.Rule) float64 {
	if r.Confidence > 0 {
		return r.Confidence
	}
	return specificityConfidence(a.policy, r.Specificity)
}

func specificityConfidence(p Policy, s rules.Specificity) float64 {
	if s == rules.Narrow {
		return p.NarrowConfidence
	}
	return p.BroadConfidence
}

// snippet trims, truncates and redacts a line for the report.
func snippet(line string) string {
	s := strings.TrimSpace(line)
	if utf8.RuneCountInString(s) > maxSnippetRunes {
		s = string([]rune(s)[:maxSnippetRunes]) + "..."
	}
	return redact.Redact(s)
}

// isCommentLine reports whether line is entirely a comment in lang.
func isCommentLine(lang skill.Language, line string) bool {
	t := strings.TrimSpace(line)
	if t == "" {
		return false
	}
	switch lang {
	case skill.LangPython, skill.LangShell, skill.LangRuby, skill.LangPerl,
		skill.LangPowerShell, skill.LangData:
		return strings.HasPrefix(t, "#") && !strings.HasPrefix(t, "#!")
	case skill.LangJavaScript, skill.LangTypeScript, skill.LangGo:
		return strings.HasPrefix(t, "//") || strings.HasPrefix(t, "/*") || strings.HasPrefix(t, "*")
	case skill.LangPHP:
		return strings.HasPrefix(t, "//") || strings.HasPrefix(t, "#") || strings.HasPrefix(t, "/*") || strings.HasPrefix(t, "*")
	}
	return false
}
