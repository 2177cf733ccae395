package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func finding(stage Stage, file string, line int, category string, sev Severity, conf float64, rule string) Finding {
	return newFinding(Finding{
		Category:   category,
		Severity:   sev,
		Stage:      stage,
		RuleID:     rule,
		File:       file,
		Location:   lineSpan(line, line),
		Confidence: conf,
		Snippet:    rule,
		Rationale:  "test",
	})
}

func combine(policy Policy, findings []Finding, gaps ...AlignmentGap) CombinedResult {
	return NewCombiner(policy, DefaultScoring()).Combine(&AnalysisContext{
		Package:  testPackage(),
		Findings: findings,
		Gaps:     gaps,
	})
}

func TestCombinerDedupSameLocation(t *testing.T) {
	a := finding(StagePattern, "run.sh", 3, "remote-code-download", SeverityHigh, 0.8, "exec/curl-pipe-shell")
	b := finding(StagePattern, "run.sh", 3, "remote-code-download", SeverityHigh, 0.9, "net/curl-pipe")

	res := combine(DefaultPolicy(), []Finding{a, b})
	require.Len(t, res.Findings, 1)
	assert.Equal(t, b.ID, res.Findings[0].ID, "most confident copy kept")
	assert.Equal(t, "exec/curl-pipe-shell,net/curl-pipe", res.Findings[0].RuleID)
	require.Len(t, res.Clusters, 1)
	assert.False(t, res.Clusters[0].Corroborated)
}

func TestCombinerEscalation(t *testing.T) {
	tests := []struct {
		name string
		a, b Severity
		want Severity
	}{
		{"medium+medium", SeverityMedium, SeverityMedium, SeverityHigh},
		{"high+high", SeverityHigh, SeverityHigh, SeverityCritical},
		{"critical+low", SeverityCritical, SeverityLow, SeverityCritical},
		{"medium+low", SeverityMedium, SeverityLow, SeverityMedium},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := combine(DefaultPolicy(), []Finding{
				finding(StagePattern, "x.py", 4, "command-execution", tt.a, 0.7, "p"),
				finding(StageStructural, "x.py", 4, "dynamic-code-construction", tt.b, 0.85, "s"),
			})
			require.Len(t, res.Clusters, 1)
			cl := res.Clusters[0]
			assert.True(t, cl.Corroborated)
			assert.Equal(t, []Stage{StagePattern, StageStructural}, cl.Stages)
			assert.Equal(t, tt.want, cl.Severity)
			assert.GreaterOrEqual(t, cl.Severity, cl.NativeSeverity)
		})
	}
}

func TestCombinerUnrelatedFamiliesDoNotCorrelate(t *testing.T) {
	res := combine(DefaultPolicy(), []Finding{
		finding(StagePattern, "x.py", 4, "command-execution", SeverityMedium, 0.8, "p"),
		finding(StageInjection, "x.py", 4, "instruction-override", SeverityMedium, 0.8, "i"),
	})
	assert.Len(t, res.Clusters, 2)
}

func TestCombinerSingleStageCritical(t *testing.T) {
	low := combine(DefaultPolicy(), []Finding{
		finding(StagePattern, "x.py", 1, "reverse-shell", SeverityCritical, 0.85, "p"),
	})
	assert.Equal(t, SeverityHigh, low.Clusters[0].Severity)
	assert.Equal(t, TierHigh, low.Verdict.Severity)

	high := combine(DefaultPolicy(), []Finding{
		finding(StagePattern, "x.py", 1, "reverse-shell", SeverityCritical, 0.95, "p"),
	})
	assert.Equal(t, SeverityCritical, high.Clusters[0].Severity)
	assert.Equal(t, TierCritical, high.Verdict.Severity)
	assert.GreaterOrEqual(t, high.Verdict.Score, 95)
	assert.True(t, high.Verdict.Severity.Blocks())
}

func TestCombinerFalsePositiveFilter(t *testing.T) {
	kw := finding(StagePattern, "notes.py", 7, "suspicious-keyword", SeverityLow, 0.3, "kw")

	res := combine(DefaultPolicy(), []Finding{kw})
	require.Len(t, res.Clusters, 1)
	assert.Equal(t, SeverityInfo, res.Clusters[0].Severity)
	assert.False(t, res.Clusters[0].Headline)
	assert.Len(t, res.Findings, 1, "kept for audit")
	assert.Empty(t, res.Verdict.Findings)
	assert.Equal(t, TierSafe, res.Verdict.Severity)
	assert.Equal(t, 0, res.Verdict.Score)

	p := DefaultPolicy()
	p.Sensitivity = SensitivityHigh
	res = combine(p, []Finding{kw})
	assert.Equal(t, SeverityLow, res.Clusters[0].Severity)
	assert.Equal(t, TierLow, res.Verdict.Severity)
}

func TestCombinerGapBlocksFalsePositiveFilter(t *testing.T) {
	kw := finding(StagePattern, "net.py", 7, "network-egress", SeverityLow, 0.3, "kw")
	gap := AlignmentGap{Type: GapUndisclosed, Capability: CapNetworkEgress, Severity: SeverityMedium, Evidence: []string{kw.ID}}

	res := combine(DefaultPolicy(), []Finding{kw}, gap)
	require.Len(t, res.Clusters, 1)
	cl := res.Clusters[0]
	assert.True(t, cl.Headline)
	assert.Contains(t, cl.Stages, StageAlignment)
	assert.Equal(t, SeverityLow, cl.Severity)
	assert.False(t, cl.Corroborated)

	require.Len(t, res.Gaps, 1)
	assert.True(t, res.Gaps[0].MissedByDetectors)
	assert.Equal(t, TierMedium, res.Verdict.Severity)
	assert.Contains(t, res.Verdict.Summary, "missed by detectors")
}

func TestCombinerAlignmentDoesNotCorroborate(t *testing.T) {
	tests := []struct {
		name    string
		finding Finding
		want    Severity
	}{
		{"broad pattern hit", finding(StagePattern, "a.py", 3, "file-deletion", SeverityLow, 0.45, "p"), SeverityLow},
		{"medium structural hit", finding(StageStructural, "a.py", 3, "file-deletion", SeverityMedium, 0.85, "s"), SeverityMedium},
		{"single-stage critical", finding(StagePattern, "a.py", 3, "file-deletion", SeverityCritical, 0.85, "p"), SeverityHigh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gap := AlignmentGap{Type: GapUndisclosed, Capability: CapFileDeletion, Severity: tt.finding.Severity.Raise(1), Evidence: []string{tt.finding.ID}}
			res := combine(DefaultPolicy(), []Finding{tt.finding}, gap)

			require.Len(t, res.Clusters, 1)
			cl := res.Clusters[0]
			assert.False(t, cl.Corroborated)
			assert.Equal(t, tt.want, cl.Severity)
			for _, n := range cl.Notes {
				assert.NotContains(t, n, "corroborated")
			}
			assert.Equal(t, TierOf(gap.Severity), res.Verdict.Severity, "the gap carries the raise")
		})
	}
}

func TestCombinerDismissalSkipsGapCitedCluster(t *testing.T) {
	del := finding(StagePattern, "clean.py", 3, "file-deletion", SeverityHigh, 0.8, "p")
	gap := AlignmentGap{Type: GapUndisclosed, Capability: CapFileDeletion, Severity: SeverityCritical, Evidence: []string{del.ID}}
	res := NewCombiner(DefaultPolicy(), DefaultScoring()).Combine(&AnalysisContext{
		Package:    testPackage(),
		Findings:   []Finding{del},
		Gaps:       []AlignmentGap{gap},
		Dismissals: []Dismissal{{File: "clean.py", Findings: []string{del.ID}, Confidence: 0.95}},
	})
	require.Len(t, res.Clusters, 1)
	assert.Equal(t, SeverityHigh, res.Clusters[0].Severity)
}

func TestCombinerGapWithStrongEvidenceIsNotMissed(t *testing.T) {
	del := finding(StageStructural, "clean.py", 3, "file-deletion", SeverityMedium, 0.85, "s")
	gap := AlignmentGap{Type: GapUndisclosed, Capability: CapFileDeletion, Severity: SeverityHigh, Evidence: []string{del.ID}}

	res := combine(DefaultPolicy(), []Finding{del}, gap)
	assert.False(t, res.Gaps[0].MissedByDetectors)
	assert.Equal(t, SeverityHigh, res.Clusters[0].Severity)
	assert.Equal(t, TierHigh, res.Verdict.Severity)
	require.Len(t, res.Verdict.Gaps, 1)
}

func TestCombinerClaimedButAbsentStaysOutOfVerdict(t *testing.T) {
	gap := AlignmentGap{Type: GapAbsent, Capability: CapNetworkEgress, Severity: SeverityInfo}
	res := combine(DefaultPolicy(), nil, gap)
	assert.Equal(t, TierSafe, res.Verdict.Severity)
	assert.Empty(t, res.Verdict.Gaps)
	assert.Len(t, res.Gaps, 1)
}

func TestCombinerDismissal(t *testing.T) {
	del := finding(StagePattern, "clean.py", 3, "file-deletion", SeverityHigh, 0.8, "p")
	actx := &AnalysisContext{
		Package:  testPackage(),
		Findings: []Finding{del},
		Dismissals: []Dismissal{{
			File: "clean.py", Location: lineSpan(3, 3), Findings: []string{del.ID}, Confidence: 0.9,
		}},
	}
	res := NewCombiner(DefaultPolicy(), DefaultScoring()).Combine(actx)
	assert.Equal(t, SeverityMedium, res.Clusters[0].Severity)

	// A weak dismissal is ignored.
	actx.Dismissals[0].Confidence = 0.5
	res = NewCombiner(DefaultPolicy(), DefaultScoring()).Combine(actx)
	assert.Equal(t, SeverityHigh, res.Clusters[0].Severity)

	// Dismissal never goes below LOW.
	low := finding(StagePattern, "clean.py", 9, "file-deletion", SeverityLow, 0.8, "p")
	res = NewCombiner(DefaultPolicy(), DefaultScoring()).Combine(&AnalysisContext{
		Package:    testPackage(),
		Findings:   []Finding{low},
		Dismissals: []Dismissal{{File: "clean.py", Findings: []string{low.ID}, Confidence: 0.99}},
	})
	assert.Equal(t, SeverityLow, res.Clusters[0].Severity)
}

func TestCombinerDismissalSkipsCorroborated(t *testing.T) {
	p := finding(StagePattern, "x.py", 4, "command-execution", SeverityMedium, 0.7, "p")
	s := finding(StageStructural, "x.py", 4, "dynamic-code-construction", SeverityMedium, 0.85, "s")
	res := NewCombiner(DefaultPolicy(), DefaultScoring()).Combine(&AnalysisContext{
		Package:    testPackage(),
		Findings:   []Finding{p, s},
		Dismissals: []Dismissal{{File: "x.py", Findings: []string{p.ID, s.ID}, Confidence: 0.95}},
	})
	assert.Equal(t, SeverityHigh, res.Clusters[0].Severity)
}

func TestCombinerMonotonicity(t *testing.T) {
	base := []Finding{finding(StagePattern, "x.py", 4, "command-execution", SeverityMedium, 0.35, "p")}
	extra := []Finding{
		finding(StageStructural, "x.py", 4, "aliased-sink", SeverityLow, 0.2, "s"),
		finding(StageSemantic, "x.py", 4, LLMAssessed("command-execution"), SeverityMedium, 0.6, "llm"),
		finding(StagePattern, "x.py", 4, "code-evaluation", SeverityLow, 0.1, "p2"),
	}
	before := combine(DefaultPolicy(), base).Clusters[0].Severity
	for _, e := range extra {
		after := combine(DefaultPolicy(), append(append([]Finding(nil), base...), e))
		require.Len(t, after.Clusters, 1)
		assert.GreaterOrEqual(t, after.Clusters[0].Severity, before, e.RuleID)
	}
}

func TestCombinerScore(t *testing.T) {
	res := combine(DefaultPolicy(), nil)
	assert.Equal(t, TierSafe, res.Verdict.Severity)
	assert.Equal(t, 0, res.Verdict.Score)
	assert.Equal(t, "SAFE: no surviving findings", res.Verdict.Summary)

	one := combine(DefaultPolicy(), []Finding{
		finding(StagePattern, "a.py", 1, "network-egress", SeverityMedium, 0.6, "p"),
	})
	assert.Equal(t, TierMedium, one.Verdict.Severity)
	assert.Equal(t, 40+2, one.Verdict.Score)

	var many []Finding
	for i := 0; i < 30; i++ {
		many = append(many,
			finding(StagePattern, "a.py", i*10+1, "network-egress", SeverityHigh, 0.8, "p"),
			finding(StageStructural, "a.py", i*10+1, "aliased-sink", SeverityHigh, 0.85, "s"))
	}
	capped := combine(DefaultPolicy(), many)
	assert.Equal(t, TierCritical, capped.Verdict.Severity)
	assert.LessOrEqual(t, capped.Verdict.Score, 100)
	assert.GreaterOrEqual(t, capped.Verdict.Score, 95)
}

func TestCombinerLowSensitivity(t *testing.T) {
	p := DefaultPolicy()
	p.Sensitivity = SensitivityLow
	res := combine(p, []Finding{finding(StagePattern, "a.py", 1, "network-egress", SeverityLow, 0.6, "p")})
	assert.Equal(t, TierSafe, res.Verdict.Severity)
	assert.Equal(t, 0, res.Verdict.Score)
}

func TestCombinerIsDeterministic(t *testing.T) {
	fs := []Finding{
		finding(StageStructural, "b.py", 2, "aliased-sink", SeverityHigh, 0.85, "s"),
		finding(StagePattern, "a.py", 9, "network-egress", SeverityMedium, 0.6, "p"),
		finding(StagePattern, "b.py", 2, "command-execution", SeverityHigh, 0.8, "p"),
	}
	first := combine(DefaultPolicy(), fs)
	fs[0], fs[2] = fs[2], fs[0]
	second := combine(DefaultPolicy(), fs)
	assert.Equal(t, first.Verdict, second.Verdict)
	assert.Equal(t, first.Clusters, second.Clusters)
}
