package analyzer

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"

	"github.com/gzhole/skillshield/internal/skill"
)

// Analyzer is the interface every pipeline stage implements.
// Each stage receives the package plus everything earlier stages produced
// and returns its own result; it never edits what it was given.
type Analyzer interface {
	// Name returns the stage identifier (e.g., "pattern", "structural").
	Name() Stage

	// Analyze inspects the package. Failures that only limit coverage are
	// reported through the result, never as a panic or a scan abort.
	Analyze(ctx context.Context, actx *AnalysisContext) StageResult
}

// AnalysisContext carries the package and the accumulated, forward-only
// output of the stages that already ran.
type AnalysisContext struct {
	Package    *skill.Package
	StaticOnly bool

	Findings     []Finding
	Suppressions []Suppression
	Coverage     []CoverageGap

	// Enrichments for downstream stages
	Literals   []Literal   // set by structural, read by injection
	Sinks      []SinkUse   // set by structural, read by semantic
	Dismissals []Dismissal // set by semantic, read by the combiner
	Claims     []CapabilityClaim
	Gaps       []AlignmentGap
	LLMItems   []LLMItem
}

// merge appends a stage result. Called only between stages.
func (a *AnalysisContext) merge(res StageResult) {
	a.Findings = append(a.Findings, res.Findings...)
	a.Suppressions = append(a.Suppressions, res.Suppressions...)
	a.Coverage = append(a.Coverage, res.Coverage...)
	a.Literals = append(a.Literals, res.Literals...)
	a.Sinks = append(a.Sinks, res.Sinks...)
	a.Dismissals = append(a.Dismissals, res.Dismissals...)
	a.Claims = append(a.Claims, res.Claims...)
	a.Gaps = append(a.Gaps, res.Gaps...)
	a.LLMItems = append(a.LLMItems, res.LLMItems...)
}

// StageResult is what one stage hands back to the registry.
type StageResult struct {
	Status StageStatus
	Reason string

	Findings     []Finding
	Suppressions []Suppression
	Coverage     []CoverageGap
	Literals     []Literal
	Sinks        []SinkUse
	Dismissals   []Dismissal
	Claims       []CapabilityClaim
	Gaps         []AlignmentGap
	LLMItems     []LLMItem
}

// ---------------------------------------------------------------------------
// Severity and tiers
// ---------------------------------------------------------------------------

// Severity of a finding, cluster or gap.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"INFO", "LOW", "MEDIUM", "HIGH", "CRITICAL"}

func (s Severity) String() string {
	if s < SeverityInfo || s > SeverityCritical {
		return fmt.Sprintf("Severity(%d)", int(s))
	}
	return severityNames[s]
}

// ParseSeverity accepts any casing of INFO, LOW, MEDIUM, HIGH or CRITICAL.
func ParseSeverity(s string) (Severity, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for i, n := range severityNames {
		if n == up {
			return Severity(i), nil
		}
	}
	return SeverityInfo, errors.Errorf("unknown severity %q", s)
}

// Raise moves n tiers up, stopping at CRITICAL.
func (s Severity) Raise(n int) Severity {
	return clampSeverity(s + Severity(n))
}

// Lower moves n tiers down, stopping at INFO.
func (s Severity) Lower(n int) Severity {
	return clampSeverity(s - Severity(n))
}

func clampSeverity(s Severity) Severity {
	if s < SeverityInfo {
		return SeverityInfo
	}
	if s > SeverityCritical {
		return SeverityCritical
	}
	return s
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// JSONSchema describes the text form a Severity marshals to.
func (Severity) JSONSchema() *jsonschema.Schema {
	return enumSchema(severityNames[:])
}

// Tier is the overall verdict level.
type Tier int

const (
	TierSafe Tier = iota
	TierLow
	TierMedium
	TierHigh
	TierCritical
)

var tierNames = [...]string{"SAFE", "LOW", "MEDIUM", "HIGH", "CRITICAL"}

func (t Tier) String() string {
	if t < TierSafe || t > TierCritical {
		return fmt.Sprintf("Tier(%d)", int(t))
	}
	return tierNames[t]
}

// ParseTier accepts any casing of a tier name.
func ParseTier(s string) (Tier, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for i, n := range tierNames {
		if n == up {
			return Tier(i), nil
		}
	}
	return TierSafe, errors.Errorf("unknown tier %q", s)
}

// TierOf maps a surviving severity onto the verdict scale. INFO is SAFE.
func TierOf(s Severity) Tier {
	if s <= SeverityInfo {
		return TierSafe
	}
	return Tier(s)
}

// Blocks reports whether the tier stops an install (MEDIUM and above).
func (t Tier) Blocks() bool { return t >= TierMedium }

func (t Tier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Tier) UnmarshalText(b []byte) error {
	v, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ---------------------------------------------------------------------------
// Stages
// ---------------------------------------------------------------------------

// Stage names a pipeline stage.
type Stage string

const (
	StagePattern    Stage = "pattern"
	StageStructural Stage = "structural"
	StageInjection  Stage = "injection"
	StageSemantic   Stage = "semantic"
	StageAlignment  Stage = "alignment"
	StageMeta       Stage = "meta"
)

// Stages lists every stage in execution order.
var Stages = []Stage{StagePattern, StageStructural, StageInjection, StageSemantic, StageAlignment, StageMeta}

func (s Stage) prefix() string {
	switch s {
	case StagePattern:
		return "pat"
	case StageStructural:
		return "str"
	case StageInjection:
		return "inj"
	case StageSemantic:
		return "llm"
	case StageAlignment:
		return "aln"
	default:
		return string(s)
	}
}

// StageStatus keeps "ran and found nothing" apart from "did not run".
type StageStatus string

const (
	StatusCompleted StageStatus = "COMPLETED"
	StatusSkipped   StageStatus = "SKIPPED"
	StatusPartial   StageStatus = "PARTIAL"
)

// StageOutcome is the per-stage line of the report.
type StageOutcome struct {
	Stage    Stage       `json:"stage"`
	Status   StageStatus `json:"status"`
	Reason   string      `json:"reason,omitempty"`
	Findings int         `json:"findings"`
}

// ---------------------------------------------------------------------------
// Evidence
// ---------------------------------------------------------------------------

// Span is an inclusive 1-based line range.
type Span struct {
	StartLine int `json:"start_line"`
	EndLine   int `json:"end_line"`
}

// Overlaps reports whether two spans share at least one line.
func (s Span) Overlaps(o Span) bool {
	return s.StartLine <= o.EndLine && o.StartLine <= s.EndLine
}

func (s Span) String() string {
	if s.StartLine == s.EndLine {
		return fmt.Sprintf("%d", s.StartLine)
	}
	return fmt.Sprintf("%d-%d", s.StartLine, s.EndLine)
}

func lineSpan(start, end int) *Span {
	if end < start {
		end = start
	}
	return &Span{StartLine: start, EndLine: end}
}

// Finding is one piece of evidence. It is created by exactly one stage and
// never changed afterwards.
type Finding struct {
	ID         string   `json:"id"`
	Category   string   `json:"category"`
	Severity   Severity `json:"severity"`
	Stage      Stage    `json:"stage"`
	RuleID     string   `json:"rule_id"`
	File       string   `json:"file,omitempty"`
	Location   *Span    `json:"location,omitempty"`
	Confidence float64  `json:"confidence"`
	Snippet    string   `json:"snippet,omitempty"`
	Rationale  string   `json:"rationale"`
	Tags       []string `json:"tags,omitempty"`
}

// identityKey is (stage, file, location, category).
func (f Finding) identityKey() string {
	loc := "-"
	if f.Location != nil {
		loc = f.Location.String()
	}
	return fmt.Sprintf("%s|%s|%s|%s", f.Stage, f.File, loc, f.Category)
}

// HasTag reports whether the finding carries tag.
func (f Finding) HasTag(tag string) bool {
	for _, t := range f.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// tagValue returns the value of a "key:value" tag.
func (f Finding) tagValue(key string) string {
	for _, t := range f.Tags {
		if v, ok := strings.CutPrefix(t, key+":"); ok {
			return v
		}
	}
	return ""
}

// newFinding fills in the deterministic ID.
func newFinding(f Finding) Finding {
	h := fnv.New32a()
	loc := 0
	if f.Location != nil {
		loc = f.Location.StartLine*100000 + f.Location.EndLine
	}
	fmt.Fprintf(h, "%s|%s|%d|%s|%s|%s", f.Stage, f.File, loc, f.Category, f.RuleID, f.Snippet)
	f.ID = fmt.Sprintf("%s-%08x", f.Stage.prefix(), h.Sum32())
	return f
}

// Guard names a false-positive guard.
type Guard string

const (
	GuardComment     Guard = "comment"
	GuardTestFixture Guard = "test-fixture"
	GuardDocExample  Guard = "doc-example"
)

// Suppression is a match that a guard kept out of the findings. It is
// always reported.
type Suppression struct {
	Guard   Guard   `json:"guard"`
	Finding Finding `json:"finding"`
}

// CoverageGap records a file or stage that could not be analyzed.
type CoverageGap struct {
	File   string `json:"file,omitempty"`
	Stage  Stage  `json:"stage"`
	Reason string `json:"reason"`
}

// Literal is a natural-language string found in source, exported by the
// structural analyzer for the injection analyzer.
type Literal struct {
	File  string `json:"file"`
	Line  int    `json:"line"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

// SinkUse is a dangerous call site the structural analyzer resolved.
type SinkUse struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Callee   string `json:"callee"`
	Category string `json:"category"`
	Aliased  bool   `json:"aliased,omitempty"`
	Gated    bool   `json:"gated,omitempty"`
}

// Dismissal is a confident BENIGN judgment from the semantic stage over a
// flagged area.
type Dismissal struct {
	File       string   `json:"file"`
	Location   *Span    `json:"location,omitempty"`
	Findings   []string `json:"findings"`
	Confidence float64  `json:"confidence"`
	Rationale  string   `json:"rationale"`
}

// ---------------------------------------------------------------------------
// Alignment
// ---------------------------------------------------------------------------

// CapabilityClaim is a capability the package admits to.
type CapabilityClaim struct {
	Capability string `json:"capability"`
	Source     string `json:"source"`
	Span       *Span  `json:"span,omitempty"`
	Text       string `json:"text"`
	Declared   bool   `json:"declared,omitempty"`
}

// ObservedBehavior groups the findings that show a capability in use.
type ObservedBehavior struct {
	Capability string   `json:"capability"`
	Evidence   []string `json:"evidence"`
	Severity   Severity `json:"severity"`
}

// GapType classifies an alignment mismatch.
type GapType string

const (
	GapUndisclosed GapType = "UNDISCLOSED_CAPABILITY"
	GapAbsent      GapType = "CLAIMED_BUT_ABSENT"
)

// AlignmentGap is a mismatch between claims and behavior.
type AlignmentGap struct {
	Type       GapType          `json:"type"`
	Capability string           `json:"capability"`
	Severity   Severity         `json:"severity"`
	Evidence   []string         `json:"evidence,omitempty"`
	Claim      *CapabilityClaim `json:"claim,omitempty"`
	// MissedByDetectors is set by the combiner when every cluster behind an
	// undisclosed capability would otherwise have been filtered out.
	MissedByDetectors bool `json:"missed_by_detectors,omitempty"`
}

// ---------------------------------------------------------------------------
// Semantic items
// ---------------------------------------------------------------------------

// LLMItem is the outcome of one provider call.
type LLMItem struct {
	ID       string      `json:"id"`
	Kind     string      `json:"kind"` // "area" or "intent"
	File     string      `json:"file,omitempty"`
	Location *Span       `json:"location,omitempty"`
	Status   StageStatus `json:"status"`
	Verdict  string      `json:"verdict,omitempty"`
	Attempts int         `json:"attempts"`
	Error    string      `json:"error,omitempty"`
	// Raw is kept only when the response could not be used.
	Raw string `json:"raw,omitempty"`
}

// ---------------------------------------------------------------------------
// Aggregation output
// ---------------------------------------------------------------------------

// Cluster is a group of correlated findings.
type Cluster struct {
	ID             string   `json:"id"`
	File           string   `json:"file,omitempty"`
	Span           *Span    `json:"span,omitempty"`
	Findings       []string `json:"findings"`
	Stages         []Stage  `json:"stages"`
	NativeSeverity Severity `json:"native_severity"`
	Severity       Severity `json:"severity"`
	Confidence     float64  `json:"confidence"`
	Corroborated   bool     `json:"corroborated"`
	Headline       bool     `json:"headline"`
	Notes          []string `json:"notes,omitempty"`
}

// Verdict is the immutable outcome of a scan.
type Verdict struct {
	Severity   Tier           `json:"severity"`
	Score      int            `json:"score"`
	Findings   []Finding      `json:"findings"`
	Gaps       []AlignmentGap `json:"gaps"`
	Summary    string         `json:"summary"`
	Incomplete bool           `json:"incomplete,omitempty"`
}

// PackageSummary describes what was scanned.
type PackageSummary struct {
	Name        string   `json:"name"`
	Root        string   `json:"root"`
	Manifest    string   `json:"manifest"`
	Sources     int      `json:"sources"`
	Docs        int      `json:"docs"`
	Declared    []string `json:"declared,omitempty"`
	Description string   `json:"description,omitempty"`
}

// Report is the full scan result.
type Report struct {
	ScanID       string             `json:"scan_id"`
	Package      PackageSummary     `json:"package"`
	Mode         string             `json:"mode"`
	Provider     string             `json:"provider,omitempty"`
	Stages       []StageOutcome     `json:"stages"`
	Coverage     []CoverageGap      `json:"coverage"`
	Findings     []Finding          `json:"findings"`
	Suppressions []Suppression      `json:"suppressions"`
	Clusters     []Cluster          `json:"clusters"`
	Claims       []CapabilityClaim  `json:"claims"`
	Observed     []ObservedBehavior `json:"observed"`
	Gaps         []AlignmentGap     `json:"gaps"`
	LLMItems     []LLMItem          `json:"llm_items,omitempty"`
	Verdict      Verdict            `json:"verdict"`
}

// Stage returns the outcome recorded for s.
func (r *Report) Stage(s Stage) (StageOutcome, bool) {
	for _, o := range r.Stages {
		if o.Stage == s {
			return o, true
		}
	}
	return StageOutcome{}, false
}

// JSONSchema describes the text form a Tier marshals to.
func (Tier) JSONSchema() *jsonschema.Schema {
	return enumSchema(tierNames[:])
}

func enumSchema(names []string) *jsonschema.Schema {
	enum := make([]any, len(names))
	for i, n := range names {
		enum[i] = n
	}
	return &jsonschema.Schema{Type: "string", Enum: enum}
}
