package analyzer

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/gzhole/skillshield/internal/skill"
)

// AlignmentVerifier compares what a package says it does with what the
// earlier stages saw it do. A capability in use that the documentation
// never admits to is the trojan-skill signal.
type AlignmentVerifier struct {
	workers int
}

func NewAlignmentVerifier(workers int) *AlignmentVerifier {
	return &AlignmentVerifier{workers: workers}
}

func (a *AlignmentVerifier) Name() Stage { return StageAlignment }

func (a *AlignmentVerifier) Analyze(ctx context.Context, actx *AnalysisContext) StageResult {
	claims, complete := a.extractClaims(ctx, actx.Package)
	observed := Observe(actx.Findings, actx.StaticOnly)
	res := StageResult{
		Status: StatusCompleted,
		Claims: claims,
		Gaps:   compareCapabilities(claims, observed),
	}
	if !complete {
		res.Status = StatusPartial
		res.Reason = "cancelled before every document was read"
	}
	return res
}

// ---------------------------------------------------------------------------
// Claims
// ---------------------------------------------------------------------------

var claimPhrases = map[string]*regexp.Regexp{
	CapNetworkEgress: regexp.MustCompile(`(?i)\b(network|internet|http requests?|web requests?|api (calls?|requests?)|` +
		`fetch(es|ing)? (data|urls?|pages?|content)|download(s|ing|ed)?|upload(s|ing|ed)?|webhooks?|` +
		`remote (servers?|services?|apis?|endpoints?|hosts?)|sends? (data|requests?|results?))\b`),
	CapFileDeletion: regexp.MustCompile(`(?i)\b(delet(e|es|ing|ion)|remov(e|es|ing) (old |temporary |temp )?(files?|director(y|ies)|folders?)|` +
		`clean(s|ing)? ?up|purg(e|es|ing)|wip(e|es|ing)|rm -rf)\b`),
	CapFileWrite: regexp.MustCompile(`(?i)\b(writ(e|es|ing) (to )?(the )?(files?|disk)|sav(e|es|ing) (files?|output|results?|to disk)|` +
		`creat(e|es|ing) (new )?files?|modif(y|ies|ying) (your )?files?|edit(s|ing)? (your )?files?|overwrit(e|es|ing)|` +
		`generat(e|es|ing) (new )?files?|output files?)\b`),
	CapCredentialAccess: regexp.MustCompile(`(?i)\b(credentials?|api[ _-]?keys?|access tokens?|auth tokens?|passwords?|secrets?|` +
		`ssh keys?|keychain|keyring|wallets?)\b`),
	CapProcessExecution: regexp.MustCompile(`(?i)\b(execut(e|es|ing) (shell |system )?(commands?|scripts?|programs?|binaries)|` +
		`run(s|ning)? (shell |system )?(commands?|scripts?|programs?|tests?)|shell commands?|subprocess(es)?|` +
		`command[- ]line tools?|terminal|bash)\b`),
	CapCodeEvaluation: regexp.MustCompile(`(?i)\b(evaluat(e|es|ing) (code|expressions?)|eval|dynamic(ally)? (code|generated code)|` +
		`code execution|execut(e|es|ing) (python|javascript|arbitrary|user) code|interpreters?)\b`),
	CapEnvironmentAccess: regexp.MustCompile(`(?i)\b(environment variables?|env vars?|\.env files?|process\.env|os\.environ)\b`),
	CapPersistence: regexp.MustCompile(`(?i)\b(cron( jobs?)?|crontab|autostart|start ?up (items?|scripts?)|launch ?agents?|launchd|` +
		`systemd|login items?|scheduled tasks?|shell profiles?|\.bashrc|\.zshrc|background daemons?)\b`),
	CapPrivilegeEscalation: regexp.MustCompile(`(?i)\b(sudo|root (access|privileges?|permissions?)|administrator (rights|privileges?)|` +
		`admin (rights|privileges?)|elevated (privileges?|permissions?)|setuid|chmod)\b`),
	CapPackageInstallation: regexp.MustCompile(`(?i)\b(install(s|ing)? (the )?(packages?|dependencies|modules?|libraries|requirements)|` +
		`pip install|npm install|package managers?)\b`),
	CapAgentConfig: regexp.MustCompile(`(?i)(\bagent (config|configuration|settings)\b|claude\.md|agents\.md|\.claude\b|` +
		`\bmcp (config|configuration|servers?)\b|settings\.json|\bsystem prompts?\b)`),
}

// declaredTools maps tool and permission names from front matter onto
// capabilities.
var declaredTools = map[string]string{
	"bash":         CapProcessExecution,
	"shell":        CapProcessExecution,
	"exec":         CapProcessExecution,
	"terminal":     CapProcessExecution,
	"subprocess":   CapProcessExecution,
	"write":        CapFileWrite,
	"edit":         CapFileWrite,
	"multiedit":    CapFileWrite,
	"notebookedit": CapFileWrite,
	"filesystem":   CapFileWrite,
	"delete":       CapFileDeletion,
	"webfetch":     CapNetworkEgress,
	"websearch":    CapNetworkEgress,
	"fetch":        CapNetworkEgress,
	"network":      CapNetworkEgress,
	"internet":     CapNetworkEgress,
	"http":         CapNetworkEgress,
	"env":          CapEnvironmentAccess,
	"environment":  CapEnvironmentAccess,
	"secrets":      CapCredentialAccess,
	"credentials":  CapCredentialAccess,
	"sudo":         CapPrivilegeEscalation,
	"install":      CapPackageInstallation,
	"eval":         CapCodeEvaluation,
}

// negation looks at the few words before a phrase in the same clause.
var negation = regexp.MustCompile(`(?i)(\b(not|never|no|without|none|nor|neither|cannot)\b|n't\b)`)

const negationWindow = 5

var clauseBreak = regexp.MustCompile(`[.!?;:]\s|[.!?;]$|\bbut\b`)

func isNegated(line string, at int) bool {
	prefix := line[:at]
	if loc := clauseBreak.FindAllStringIndex(prefix, -1); len(loc) > 0 {
		prefix = prefix[loc[len(loc)-1][1]:]
	}
	words := strings.Fields(prefix)
	if len(words) > negationWindow {
		words = words[len(words)-negationWindow:]
	}
	return negation.MatchString(strings.Join(words, " "))
}

func (a *AlignmentVerifier) extractClaims(ctx context.Context, pkg *skill.Package) ([]CapabilityClaim, bool) {
	claims := declaredClaims(pkg.Manifest)

	perDoc, done := fanOut(ctx, a.workers, len(pkg.Docs), func(_ context.Context, i int) []CapabilityClaim {
		return docClaims(pkg.Docs[i])
	})
	for _, cs := range perDoc {
		claims = append(claims, cs...)
	}
	return claims, allDone(done)
}

func declaredClaims(m skill.Manifest) []CapabilityClaim {
	var claims []CapabilityClaim
	seen := map[string]bool{}
	for _, entry := range m.Declared {
		for _, c := range declaredCapability(entry) {
			if seen[c] {
				continue
			}
			seen[c] = true
			claims = append(claims, CapabilityClaim{Capability: c, Source: m.Path, Text: entry, Declared: true})
		}
	}
	return claims
}

// declaredCapability reads entries like "network-egress", "Bash(git:*)"
// or "file_write".
func declaredCapability(entry string) []string {
	entry = strings.ToLower(strings.TrimSpace(entry))
	for _, c := range Capabilities {
		if entry == c {
			return []string{c}
		}
	}
	var out []string
	for _, part := range strings.FieldsFunc(entry, func(r rune) bool {
		return !(r >= 'a' && r <= 'z')
	}) {
		if c, ok := declaredTools[part]; ok {
			out = append(out, c)
		}
	}
	if len(out) > 0 {
		return out
	}
	for _, c := range Capabilities {
		if claimPhrases[c].MatchString(entry) {
			out = append(out, c)
		}
	}
	return out
}

// docClaims keeps the first non-negated mention of each capability per line.
func docClaims(doc skill.DocFile) []CapabilityClaim {
	var claims []CapabilityClaim
	for i, line := range strings.Split(doc.Prose, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		for _, c := range Capabilities {
			for _, loc := range claimPhrases[c].FindAllStringIndex(line, -1) {
				if isNegated(line, loc[0]) {
					continue
				}
				claims = append(claims, CapabilityClaim{
					Capability: c,
					Source:     doc.Path,
					Span:       lineSpan(i+1, i+1),
					Text:       truncate(strings.TrimSpace(line), 160),
				})
				break
			}
		}
	}
	return claims
}

// ---------------------------------------------------------------------------
// Observed behavior and gaps
// ---------------------------------------------------------------------------

// Observe maps findings onto the capability taxonomy. In static-only mode
// only pattern, structural and injection evidence counts.
func Observe(findings []Finding, staticOnly bool) []ObservedBehavior {
	byCap := map[string]*ObservedBehavior{}
	for _, f := range findings {
		switch f.Stage {
		case StagePattern, StageStructural, StageInjection:
		case StageSemantic:
			if staticOnly {
				continue
			}
		default:
			continue
		}
		c := capabilityOf(f)
		if c == "" {
			continue
		}
		ob, ok := byCap[c]
		if !ok {
			ob = &ObservedBehavior{Capability: c, Severity: f.Severity}
			byCap[c] = ob
		}
		ob.Evidence = append(ob.Evidence, f.ID)
		if f.Severity > ob.Severity {
			ob.Severity = f.Severity
		}
	}

	var out []ObservedBehavior
	for _, c := range Capabilities {
		if ob, ok := byCap[c]; ok {
			out = append(out, *ob)
			delete(byCap, c)
		}
	}
	// Capabilities named only through user rule tags.
	var rest []string
	for c := range byCap {
		rest = append(rest, c)
	}
	sort.Strings(rest)
	for _, c := range rest {
		out = append(out, *byCap[c])
	}
	return out
}

func compareCapabilities(claims []CapabilityClaim, observed []ObservedBehavior) []AlignmentGap {
	claimed := map[string]*CapabilityClaim{}
	for i := range claims {
		c := claims[i].Capability
		if _, ok := claimed[c]; !ok {
			claimed[c] = &claims[i]
		}
	}
	seen := map[string]bool{}

	var gaps []AlignmentGap
	for _, ob := range observed {
		seen[ob.Capability] = true
		if claimed[ob.Capability] != nil {
			continue
		}
		gaps = append(gaps, AlignmentGap{
			Type:       GapUndisclosed,
			Capability: ob.Capability,
			Severity:   ob.Severity.Raise(1),
			Evidence:   ob.Evidence,
		})
	}
	for _, c := range Capabilities {
		claim, ok := claimed[c]
		if !ok || seen[c] {
			continue
		}
		cp := *claim
		gaps = append(gaps, AlignmentGap{
			Type:       GapAbsent,
			Capability: c,
			Severity:   SeverityInfo,
			Claim:      &cp,
		})
	}
	return gaps
}
