package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/gzhole/skillshield/internal/analyzer"
)

type painter struct {
	enabled bool
}

func (p painter) paint(attrs ...color.Attribute) *color.Color {
	c := color.New(attrs...)
	if p.enabled {
		c.EnableColor()
	} else {
		c.DisableColor()
	}
	return c
}

func (p painter) tier(t analyzer.Tier) *color.Color {
	switch t {
	case analyzer.TierCritical:
		return p.paint(color.FgRed, color.Bold)
	case analyzer.TierHigh:
		return p.paint(color.FgRed)
	case analyzer.TierMedium:
		return p.paint(color.FgYellow)
	case analyzer.TierLow:
		return p.paint(color.FgCyan)
	default:
		return p.paint(color.FgGreen, color.Bold)
	}
}

func (p painter) severity(s analyzer.Severity) *color.Color {
	if s == analyzer.SeverityInfo {
		return p.paint(color.Faint)
	}
	return p.tier(analyzer.TierOf(s))
}

func writeText(w io.Writer, r *analyzer.Report, opts Options) error {
	p := painter{enabled: opts.Color}
	bold := p.paint(color.Bold)
	faint := p.paint(color.Faint)
	ew := &errWriter{w: w}

	ew.printf("%s %s (%s)\n", bold.Sprint("Package:"), r.Package.Name, r.Package.Root)
	mode := r.Mode
	if r.Provider != "" {
		mode += ", " + r.Provider
	}
	ew.printf("%s %s  %s %s\n", bold.Sprint("Mode:"), mode, bold.Sprint("Scan:"), faint.Sprint(r.ScanID))
	ew.printf("\n%s %s  score %d\n", bold.Sprint("Verdict:"), p.tier(r.Verdict.Severity).Sprint(r.Verdict.Severity), r.Verdict.Score)
	ew.printf("  %s\n", r.Verdict.Summary)

	ew.printf("\n%s\n", bold.Sprint("Stages"))
	for _, s := range r.Stages {
		status := string(s.Status)
		switch s.Status {
		case analyzer.StatusCompleted:
			status = p.paint(color.FgGreen).Sprint(status)
		case analyzer.StatusPartial:
			status = p.paint(color.FgYellow).Sprint(status)
		default:
			status = faint.Sprint(status)
		}
		line := fmt.Sprintf("  %-11s %-9s %3d finding(s)", s.Stage, status, s.Findings)
		if s.Reason != "" {
			line += "  " + faint.Sprint(s.Reason)
		}
		ew.printf("%s\n", line)
	}

	byID := make(map[string]analyzer.Finding, len(r.Findings))
	for _, f := range r.Findings {
		byID[f.ID] = f
	}

	var shown int
	for _, cl := range r.Clusters {
		if !cl.Headline && !opts.Verbose {
			continue
		}
		if shown == 0 {
			ew.printf("\n%s\n", bold.Sprint("Clusters"))
		}
		shown++
		tag := ""
		if cl.Corroborated {
			tag = " corroborated"
		}
		ew.printf("  %s %s %s%s\n", p.severity(cl.Severity).Sprintf("%-8s", cl.Severity), cl.ID, where(cl.File, cl.Span), faint.Sprint(tag))
		ew.printf("      stages: %s\n", joinStages(cl.Stages))
		for _, id := range cl.Findings {
			f, ok := byID[id]
			if !ok {
				continue
			}
			ew.printf("      - [%s] %s: %s\n", f.RuleID, f.Category, f.Rationale)
			if f.Snippet != "" {
				ew.printf("        %s\n", faint.Sprint(f.Snippet))
			}
		}
		for _, n := range cl.Notes {
			ew.printf("      %s\n", faint.Sprint(n))
		}
	}

	if len(r.Gaps) > 0 {
		ew.printf("\n%s\n", bold.Sprint("Alignment"))
		for _, g := range r.Gaps {
			if g.Type == analyzer.GapAbsent && !opts.Verbose {
				continue
			}
			line := fmt.Sprintf("  %s %s %s", p.severity(g.Severity).Sprintf("%-8s", g.Severity), g.Type, g.Capability)
			if g.MissedByDetectors {
				line += faint.Sprint(" (missed by detectors)")
			}
			ew.printf("%s\n", line)
		}
	}

	if len(r.Coverage) > 0 {
		ew.printf("\n%s\n", bold.Sprint("Coverage gaps"))
		for _, c := range r.Coverage {
			ew.printf("  %-11s %s: %s\n", c.Stage, orDash(c.File), c.Reason)
		}
	}

	if opts.Verbose {
		if len(r.Suppressions) > 0 {
			ew.printf("\n%s\n", bold.Sprint("Suppressed"))
			for _, s := range r.Suppressions {
				ew.printf("  %-13s [%s] %s\n", s.Guard, s.Finding.RuleID, where(s.Finding.File, s.Finding.Location))
			}
		}
		if len(r.Claims) > 0 {
			ew.printf("\n%s\n", bold.Sprint("Claims"))
			for _, c := range r.Claims {
				ew.printf("  %-20s %s %s\n", c.Capability, where(c.Source, c.Span), faint.Sprintf("%q", c.Text))
			}
		}
	}
	return ew.err
}

func where(file string, span *analyzer.Span) string {
	if file == "" {
		return "-"
	}
	if span == nil {
		return file
	}
	return file + ":" + span.String()
}

func joinStages(stages []analyzer.Stage) string {
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = string(s)
	}
	return strings.Join(names, ", ")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// errWriter keeps the first write error so the renderer can ignore errors
// until the end.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) printf(format string, args ...any) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, format, args...)
}
