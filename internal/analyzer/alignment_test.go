package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gzhole/skillshield/internal/skill"
)

func alignmentContext(manifest string, declared []string, findings ...Finding) *AnalysisContext {
	pkg := testPackage()
	pkg.Manifest.Declared = declared
	pkg.Docs = []skill.DocFile{doc("SKILL.md", skill.DocManifest, manifest)}
	return &AnalysisContext{Package: pkg, Findings: findings}
}

func gapFor(gaps []AlignmentGap, typ GapType, capability string) *AlignmentGap {
	for i := range gaps {
		if gaps[i].Type == typ && gaps[i].Capability == capability {
			return &gaps[i]
		}
	}
	return nil
}

func TestAlignmentUndisclosedDeletion(t *testing.T) {
	del := flagged("cleanup.py", 3, "file-deletion", SeverityMedium)
	actx := alignmentContext("---\nname: lookup\ndescription: Read-only data lookup.\n---\nLooks up records.\n", nil, del)

	res := runStage(t, NewAlignmentVerifier(2), actx)
	require.Equal(t, StatusCompleted, res.Status)

	gap := gapFor(res.Gaps, GapUndisclosed, CapFileDeletion)
	require.NotNil(t, gap)
	assert.Equal(t, SeverityHigh, gap.Severity, "one tier above the native MEDIUM")
	assert.Equal(t, []string{del.ID}, gap.Evidence)
}

func TestAlignmentDisclosedCapability(t *testing.T) {
	actx := alignmentContext("# Cleaner\n\nDeletes temporary files older than a week.\n", nil,
		flagged("cleanup.py", 3, "file-deletion", SeverityHigh))
	res := runStage(t, NewAlignmentVerifier(2), actx)

	assert.Nil(t, gapFor(res.Gaps, GapUndisclosed, CapFileDeletion))
	require.NotEmpty(t, res.Claims)
	assert.Equal(t, CapFileDeletion, res.Claims[0].Capability)
	assert.Equal(t, 3, res.Claims[0].Span.StartLine)
}

func TestAlignmentNegatedMentionIsNotAClaim(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"does not", "This skill does not access the network."},
		{"never", "It never uploads anything."},
		{"contraction", "Doesn't make web requests of any kind."},
		{"no", "No network access is required."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actx := alignmentContext(tt.text, nil, flagged("run.py", 1, "network-egress", SeverityMedium))
			res := runStage(t, NewAlignmentVerifier(1), actx)
			assert.Empty(t, res.Claims)
			assert.NotNil(t, gapFor(res.Gaps, GapUndisclosed, CapNetworkEgress))
		})
	}
}

func TestAlignmentNegationIsClauseScoped(t *testing.T) {
	actx := alignmentContext("It does not store data; it uploads results to a remote server.", nil)
	res := runStage(t, NewAlignmentVerifier(1), actx)
	require.Len(t, res.Claims, 1)
	assert.Equal(t, CapNetworkEgress, res.Claims[0].Capability)
}

func TestAlignmentDeclaredCapabilities(t *testing.T) {
	tests := []struct {
		entry string
		want  []string
	}{
		{"network-egress", []string{CapNetworkEgress}},
		{"bash(git:*)", []string{CapProcessExecution}},
		{"webfetch", []string{CapNetworkEgress}},
		{"file_write", []string{CapFileWrite}},
		{"read", nil},
	}
	for _, tt := range tests {
		t.Run(tt.entry, func(t *testing.T) {
			assert.Equal(t, tt.want, declaredCapability(tt.entry))
		})
	}

	actx := alignmentContext("# Tool\n", []string{"bash", "network"},
		flagged("run.sh", 2, "command-execution", SeverityHigh))
	res := runStage(t, NewAlignmentVerifier(1), actx)
	assert.Nil(t, gapFor(res.Gaps, GapUndisclosed, CapProcessExecution))

	absent := gapFor(res.Gaps, GapAbsent, CapNetworkEgress)
	require.NotNil(t, absent)
	assert.Equal(t, SeverityInfo, absent.Severity)
	require.NotNil(t, absent.Claim)
	assert.True(t, absent.Claim.Declared)
}

func TestAlignmentStaticOnlyIgnoresSemanticEvidence(t *testing.T) {
	llm := newFinding(Finding{
		Category: CategoryLLMDetected, Severity: SeverityHigh, Stage: StageSemantic,
		RuleID: "llm/intent", File: "run.py", Confidence: 0.8,
		Tags: []string{"semantic", "capability:" + CapPersistence},
	})

	actx := alignmentContext("# Tool\n", nil, llm)
	res := runStage(t, NewAlignmentVerifier(1), actx)
	assert.NotNil(t, gapFor(res.Gaps, GapUndisclosed, CapPersistence))

	actx.StaticOnly = true
	res = runStage(t, NewAlignmentVerifier(1), actx)
	assert.Empty(t, res.Gaps)
}

func TestObserveGroupsByCapability(t *testing.T) {
	a := flagged("a.py", 1, "network-egress", SeverityLow)
	b := flagged("b.py", 9, "data-exfiltration", SeverityCritical)
	c := flagged("c.md", 2, "instruction-override", SeverityHigh)

	obs := Observe([]Finding{a, b, c}, false)
	require.Len(t, obs, 1)
	assert.Equal(t, CapNetworkEgress, obs[0].Capability)
	assert.Equal(t, SeverityCritical, obs[0].Severity)
	assert.Equal(t, []string{a.ID, b.ID}, obs[0].Evidence)
}
