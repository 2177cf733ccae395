package analyzer

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Combiner is the meta-analyzer. It never creates evidence: it folds the
// findings and gaps of stages 1-5 into clusters and one verdict.
//
// Corroboration: a cluster seen by two or more detector stages is
// escalated one tier above the weaker of its two strongest stages. A gap
// citing the cluster lists alignment among its stages but does not
// corroborate it.
// Dismissal: a confident BENIGN semantic judgment lowers a single-stage,
// non-CRITICAL cluster that no gap cites one tier, never below LOW.
// False positives: a single-stage cluster of weak, low-severity findings
// with no gap behind it stays in the report but leaves the headline.
type Combiner struct {
	policy  Policy
	scoring Scoring
}

// NewCombiner creates a Combiner.
func NewCombiner(policy Policy, scoring Scoring) *Combiner {
	return &Combiner{policy: policy, scoring: scoring}
}

// CombinedResult is the output of the Combiner.
type CombinedResult struct {
	// Findings are all findings after dedup, for audit.
	Findings []Finding
	Clusters []Cluster
	Gaps     []AlignmentGap
	Verdict  Verdict
}

var tierBase = [...]int{TierSafe: 0, TierLow: 15, TierMedium: 40, TierHigh: 70, TierCritical: 95}

// Combine aggregates the accumulated context. It is deterministic: the same
// input always yields the same result.
func (c *Combiner) Combine(actx *AnalysisContext) CombinedResult {
	findings, alias := dedupFindings(actx.Findings)
	gaps := remapGaps(actx.Gaps, alias)
	dismissals := remapDismissals(actx.Dismissals, alias)

	byID := make(map[string]int, len(findings))
	for i, f := range findings {
		byID[f.ID] = i
	}

	// Which undisclosed gaps cite each finding.
	cited := map[string][]int{}
	for gi, g := range gaps {
		if g.Type != GapUndisclosed {
			continue
		}
		for _, id := range g.Evidence {
			cited[id] = append(cited[id], gi)
		}
	}
	dismissed := map[string]*Dismissal{}
	for i := range dismissals {
		d := &dismissals[i]
		if d.Confidence < c.policy.LLMDismissConfidence {
			continue
		}
		for _, id := range d.Findings {
			if _, ok := dismissed[id]; !ok {
				dismissed[id] = d
			}
		}
	}

	groups := correlate(findings)
	clusters := make([]Cluster, 0, len(groups))
	// filteredAlone[gi] stays true while every cluster behind gap gi would
	// have been filtered as a false positive without the gap.
	filteredAlone := make([]bool, len(gaps))
	for gi := range filteredAlone {
		filteredAlone[gi] = gaps[gi].Type == GapUndisclosed
	}

	for _, members := range groups {
		cl, weak := c.assess(findings, members, cited, dismissed)
		if !weak {
			for _, idx := range members {
				for _, gi := range cited[findings[idx].ID] {
					filteredAlone[gi] = false
				}
			}
		}
		clusters = append(clusters, cl)
	}

	for gi := range gaps {
		if filteredAlone[gi] && len(gaps[gi].Evidence) > 0 {
			gaps[gi].MissedByDetectors = true
		}
	}
	sortClusters(clusters)
	for i := range clusters {
		clusters[i].ID = fmt.Sprintf("cl-%03d", i+1)
	}
	sortGaps(gaps)

	verdict := c.verdict(findings, byID, clusters, gaps)
	return CombinedResult{Findings: findings, Clusters: clusters, Gaps: gaps, Verdict: verdict}
}

// ---------------------------------------------------------------------------
// Dedup
// ---------------------------------------------------------------------------

// dedupFindings collapses findings sharing an identity key into the most
// confident one, merging rule IDs. alias maps every dropped ID to the kept one.
func dedupFindings(in []Finding) ([]Finding, map[string]string) {
	alias := map[string]string{}
	index := map[string]int{}
	rules := map[string][]string{}
	var out []Finding

	for _, f := range in {
		key := f.identityKey()
		i, ok := index[key]
		if !ok {
			index[key] = len(out)
			rules[key] = []string{f.RuleID}
			out = append(out, f)
			continue
		}
		rules[key] = append(rules[key], f.RuleID)
		kept := out[i]
		switch {
		case f.ID == kept.ID:
		case f.Confidence > kept.Confidence:
			alias[kept.ID] = f.ID
			out[i] = f
		default:
			alias[f.ID] = kept.ID
		}
	}

	for key, i := range index {
		ids := uniqueSorted(rules[key])
		if len(ids) > 1 {
			out[i].RuleID = strings.Join(ids, ",")
		}
	}
	// Resolve chains left by a later, more confident duplicate.
	for from := range alias {
		to := alias[from]
		for next, ok := alias[to]; ok && next != from; next, ok = alias[to] {
			to = next
		}
		alias[from] = to
	}
	sortFindings(out)
	return out, alias
}

func uniqueSorted(in []string) []string {
	s := append([]string(nil), in...)
	sort.Strings(s)
	out := s[:0]
	for i, v := range s {
		if i == 0 || v != s[i-1] {
			out = append(out, v)
		}
	}
	return out
}

func canonicalID(alias map[string]string, id string) string {
	if to, ok := alias[id]; ok {
		return to
	}
	return id
}

func remapGaps(in []AlignmentGap, alias map[string]string) []AlignmentGap {
	out := make([]AlignmentGap, len(in))
	for i, g := range in {
		if len(g.Evidence) > 0 {
			ev := make([]string, len(g.Evidence))
			for j, id := range g.Evidence {
				ev[j] = canonicalID(alias, id)
			}
			g.Evidence = uniqueSorted(ev)
		}
		out[i] = g
	}
	return out
}

func remapDismissals(in []Dismissal, alias map[string]string) []Dismissal {
	out := make([]Dismissal, len(in))
	for i, d := range in {
		ids := make([]string, len(d.Findings))
		for j, id := range d.Findings {
			ids[j] = canonicalID(alias, id)
		}
		d.Findings = ids
		out[i] = d
	}
	return out
}

// ---------------------------------------------------------------------------
// Correlation
// ---------------------------------------------------------------------------

type unionFind []int

func newUnionFind(n int) unionFind {
	u := make(unionFind, n)
	for i := range u {
		u[i] = i
	}
	return u
}

func (u unionFind) find(i int) int {
	for u[i] != i {
		u[i] = u[u[i]]
		i = u[i]
	}
	return i
}

func (u unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if ra < rb {
		u[rb] = ra
	} else {
		u[ra] = rb
	}
}

// correlate groups findings of one file whose spans overlap and whose
// categories share a family. Location-less findings group by file and
// family. Groups come back in order of their first member.
func correlate(fs []Finding) [][]int {
	u := newUnionFind(len(fs))
	for i := range fs {
		for j := i + 1; j < len(fs); j++ {
			a, b := fs[i], fs[j]
			if a.File != b.File || !related(a.Category, b.Category) {
				continue
			}
			switch {
			case a.Location == nil && b.Location == nil:
				u.union(i, j)
			case a.Location != nil && b.Location != nil && a.Location.Overlaps(*b.Location):
				u.union(i, j)
			}
		}
	}

	roots := map[int]int{}
	var groups [][]int
	for i := range fs {
		r := u.find(i)
		gi, ok := roots[r]
		if !ok {
			gi = len(groups)
			roots[r] = gi
			groups = append(groups, nil)
		}
		groups[gi] = append(groups[gi], i)
	}
	return groups
}

// ---------------------------------------------------------------------------
// Cluster assessment
// ---------------------------------------------------------------------------

// assess builds one cluster. weak reports whether the detector stages alone
// would have left it out of the headline.
func (c *Combiner) assess(fs []Finding, members []int, cited map[string][]int, dismissed map[string]*Dismissal) (Cluster, bool) {
	cl := Cluster{File: fs[members[0]].File}

	stageMax := map[Stage]Severity{}
	stageConf := map[Stage]float64{}
	maxConf := 0.0
	criticalConf := 0.0
	allWeak := true
	var alignment bool
	var dismissal *Dismissal

	for _, idx := range members {
		f := fs[idx]
		cl.Findings = append(cl.Findings, f.ID)
		if f.Location != nil {
			if cl.Span == nil {
				cl.Span = lineSpan(f.Location.StartLine, f.Location.EndLine)
			} else {
				cl.Span.StartLine = min(cl.Span.StartLine, f.Location.StartLine)
				cl.Span.EndLine = max(cl.Span.EndLine, f.Location.EndLine)
			}
		}
		if sev, ok := stageMax[f.Stage]; !ok || f.Severity > sev {
			stageMax[f.Stage] = f.Severity
		}
		stageConf[f.Stage] = math.Max(stageConf[f.Stage], f.Confidence)
		if f.Severity > cl.NativeSeverity {
			cl.NativeSeverity = f.Severity
		}
		maxConf = math.Max(maxConf, f.Confidence)
		if f.Severity == SeverityCritical {
			criticalConf = math.Max(criticalConf, f.Confidence)
		}
		if f.Confidence >= c.policy.FPConfidence || f.Severity > SeverityLow {
			allWeak = false
		}
		if len(cited[f.ID]) > 0 {
			alignment = true
		}
		if d := dismissed[f.ID]; d != nil && dismissal == nil {
			dismissal = d
		}
	}

	detectorStages := len(stageMax)
	for _, s := range Stages {
		if _, ok := stageMax[s]; ok || (s == StageAlignment && alignment) {
			cl.Stages = append(cl.Stages, s)
		}
	}
	// The gap's own severity already carries the +1.
	cl.Corroborated = detectorStages >= 2

	sev := cl.NativeSeverity
	switch {
	case cl.Corroborated:
		sev = max(sev, secondStrongest(stageMax).Raise(1))
		cl.Confidence = noisyOr(stageConf)
		if sev > cl.NativeSeverity {
			cl.Notes = append(cl.Notes, fmt.Sprintf("escalated: corroborated by %s", joinStages(cl.Stages)))
		}
	default:
		cl.Confidence = maxConf
		if sev == SeverityCritical && criticalConf < c.policy.SingleStageCriticalConfidence {
			sev = SeverityHigh
			cl.Notes = append(cl.Notes, fmt.Sprintf("capped at HIGH: single-stage CRITICAL below %.2f confidence",
				c.policy.SingleStageCriticalConfidence))
		}
		if dismissal != nil && !alignment && sev < SeverityCritical && sev > SeverityLow {
			sev = sev.Lower(1)
			cl.Notes = append(cl.Notes, fmt.Sprintf("lowered: judged benign in context (%.2f)", dismissal.Confidence))
		}
	}

	weak := detectorStages == 1 && allWeak
	fpFilter := c.policy.Sensitivity != SensitivityHigh && c.policy.Sensitivity != SensitivityParanoid
	if weak && !alignment && fpFilter && sev <= SeverityLow {
		sev = SeverityInfo
		cl.Notes = append(cl.Notes, "filtered: weak single-stage signal")
	}

	cl.Severity = sev
	cl.Headline = sev > SeverityInfo
	return cl, weak
}

// secondStrongest returns the weaker of the two strongest stage maxima.
func secondStrongest(stageMax map[Stage]Severity) Severity {
	sevs := make([]Severity, 0, len(stageMax))
	for _, s := range stageMax {
		sevs = append(sevs, s)
	}
	sort.Slice(sevs, func(i, j int) bool { return sevs[i] > sevs[j] })
	if len(sevs) < 2 {
		return SeverityInfo
	}
	return sevs[1]
}

// noisyOr combines independent per-stage confidences.
func noisyOr(conf map[Stage]float64) float64 {
	miss := 1.0
	for _, s := range Stages {
		if c, ok := conf[s]; ok {
			miss *= 1 - c
		}
	}
	return math.Round((1-miss)*1000) / 1000
}

func joinStages(ss []Stage) string {
	names := make([]string, len(ss))
	for i, s := range ss {
		names[i] = string(s)
	}
	return strings.Join(names, "+")
}

// ---------------------------------------------------------------------------
// Verdict
// ---------------------------------------------------------------------------

func (c *Combiner) verdict(fs []Finding, byID map[string]int, clusters []Cluster, gaps []AlignmentGap) Verdict {
	v := Verdict{Gaps: []AlignmentGap{}, Findings: []Finding{}}

	top := SeverityInfo
	headline, corroborated := 0, 0
	for _, cl := range clusters {
		if !cl.Headline {
			continue
		}
		headline++
		if cl.Corroborated {
			corroborated++
		}
		top = max(top, cl.Severity)
		for _, id := range cl.Findings {
			v.Findings = append(v.Findings, fs[byID[id]])
		}
	}
	sortFindings(v.Findings)

	undisclosed := 0
	for _, g := range gaps {
		if g.Type != GapUndisclosed {
			continue
		}
		undisclosed++
		top = max(top, g.Severity)
		v.Gaps = append(v.Gaps, g)
	}

	v.Severity = TierOf(top)
	if v.Severity == TierLow && c.policy.Sensitivity == SensitivityLow {
		v.Severity = TierSafe
	}
	if v.Severity != TierSafe {
		bonus := corroborated*c.scoring.CorroboratedWeight + (headline+undisclosed)*c.scoring.SurvivingWeight
		bonus = min(bonus, c.scoring.MaxBonus, 20)
		v.Score = min(tierBase[v.Severity]+bonus, 100)
	}
	v.Summary = summarize(v, headline, corroborated, gaps)
	return v
}

func summarize(v Verdict, headline, corroborated int, gaps []AlignmentGap) string {
	if v.Severity == TierSafe && headline == 0 && len(v.Gaps) == 0 {
		return "SAFE: no surviving findings"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s (score %d): %d headline cluster(s), %d corroborated", v.Severity, v.Score, headline, corroborated)
	var missed []string
	for _, g := range gaps {
		if g.MissedByDetectors {
			missed = append(missed, g.Capability)
		}
	}
	if len(v.Gaps) > 0 {
		names := make([]string, len(v.Gaps))
		for i, g := range v.Gaps {
			names[i] = g.Capability
		}
		fmt.Fprintf(&b, "; undisclosed capabilities: %s", strings.Join(names, ", "))
	}
	if len(missed) > 0 {
		fmt.Fprintf(&b, "; missed by detectors: %s", strings.Join(missed, ", "))
	}
	return b.String()
}

// ---------------------------------------------------------------------------
// Ordering
// ---------------------------------------------------------------------------

func sortClusters(cs []Cluster) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.Severity != b.Severity {
			return a.Severity > b.Severity
		}
		if a.File != b.File {
			return a.File < b.File
		}
		la, lb := 0, 0
		if a.Span != nil {
			la = a.Span.StartLine
		}
		if b.Span != nil {
			lb = b.Span.StartLine
		}
		if la != lb {
			return la < lb
		}
		return a.Findings[0] < b.Findings[0]
	})
}

// sortGaps puts missed-by-detectors gaps first, then undisclosed by
// severity, then claimed-but-absent.
func sortGaps(gs []AlignmentGap) {
	rank := func(g AlignmentGap) int {
		switch {
		case g.MissedByDetectors:
			return 0
		case g.Type == GapUndisclosed:
			return 1
		}
		return 2
	}
	sort.SliceStable(gs, func(i, j int) bool {
		a, b := gs[i], gs[j]
		if rank(a) != rank(b) {
			return rank(a) < rank(b)
		}
		if a.Severity != b.Severity {
			return a.Severity > b.Severity
		}
		return a.Capability < b.Capability
	})
}

// sortFindings orders findings by file, line, stage and ID.
func sortFindings(fs []Finding) {
	sort.SliceStable(fs, func(i, j int) bool {
		a, b := fs[i], fs[j]
		if a.File != b.File {
			return a.File < b.File
		}
		la, lb := 0, 0
		if a.Location != nil {
			la = a.Location.StartLine
		}
		if b.Location != nil {
			lb = b.Location.StartLine
		}
		if la != lb {
			return la < lb
		}
		if a.Stage != b.Stage {
			return stageIndex(a.Stage) < stageIndex(b.Stage)
		}
		return a.ID < b.ID
	})
}

func stageIndex(s Stage) int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return len(Stages)
}
