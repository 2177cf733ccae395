package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gzhole/skillshield/internal/analyzer"
)

const (
	sarifVersion = "2.1.0"
	sarifSchema  = "https://json.schemastore.org/sarif-2.1.0.json"
)

// SARIFLog is the subset of SARIF 2.1.0 the scanner emits.
type SARIFLog struct {
	Version string     `json:"version"`
	Schema  string     `json:"$schema"`
	Runs    []SARIFRun `json:"runs"`
}

type SARIFRun struct {
	Tool       SARIFTool      `json:"tool"`
	Results    []SARIFResult  `json:"results"`
	Properties map[string]any `json:"properties,omitempty"`
}

type SARIFTool struct {
	Driver SARIFDriver `json:"driver"`
}

type SARIFDriver struct {
	Name           string      `json:"name"`
	Version        string      `json:"version,omitempty"`
	InformationURI string      `json:"informationUri,omitempty"`
	Rules          []SARIFRule `json:"rules"`
}

type SARIFRule struct {
	ID               string         `json:"id"`
	ShortDescription SARIFMessage   `json:"shortDescription"`
	Properties       map[string]any `json:"properties,omitempty"`
}

type SARIFResult struct {
	RuleID     string          `json:"ruleId"`
	Level      string          `json:"level"` // error, warning, note
	Message    SARIFMessage    `json:"message"`
	Locations  []SARIFLocation `json:"locations,omitempty"`
	Properties map[string]any  `json:"properties,omitempty"`
}

type SARIFMessage struct {
	Text string `json:"text"`
}

type SARIFLocation struct {
	PhysicalLocation SARIFPhysicalLocation `json:"physicalLocation"`
}

type SARIFPhysicalLocation struct {
	ArtifactLocation SARIFArtifactLocation `json:"artifactLocation"`
	Region           *SARIFRegion          `json:"region,omitempty"`
}

type SARIFArtifactLocation struct {
	URI string `json:"uri"`
}

type SARIFRegion struct {
	StartLine int `json:"startLine"`
	EndLine   int `json:"endLine,omitempty"`
}

// SARIF converts the headline findings and undisclosed capabilities of r.
// Each finding is reported at the severity of its cluster.
func SARIF(r *analyzer.Report, version string) SARIFLog {
	clusterSev := map[string]analyzer.Severity{}
	clusterID := map[string]string{}
	for _, cl := range r.Clusters {
		for _, id := range cl.Findings {
			clusterSev[id] = cl.Severity
			clusterID[id] = cl.ID
		}
	}

	rules := map[string]SARIFRule{}
	results := make([]SARIFResult, 0, len(r.Verdict.Findings)+len(r.Verdict.Gaps))

	for _, f := range r.Verdict.Findings {
		sev, ok := clusterSev[f.ID]
		if !ok {
			sev = f.Severity
		}
		for _, id := range strings.Split(f.RuleID, ",") {
			if _, seen := rules[id]; !seen {
				rules[id] = SARIFRule{
					ID:               id,
					ShortDescription: SARIFMessage{Text: f.Category},
					Properties:       map[string]any{"category": f.Category, "stage": string(f.Stage)},
				}
			}
		}
		res := SARIFResult{
			RuleID:  strings.SplitN(f.RuleID, ",", 2)[0],
			Level:   levelOf(sev),
			Message: SARIFMessage{Text: f.Rationale},
			Properties: map[string]any{
				"severity":   sev.String(),
				"confidence": f.Confidence,
				"stage":      string(f.Stage),
				"cluster":    clusterID[f.ID],
				"finding":    f.ID,
			},
		}
		if f.File != "" {
			res.Locations = []SARIFLocation{location(f.File, f.Location)}
		}
		results = append(results, res)
	}

	for _, g := range r.Verdict.Gaps {
		id := "alignment/undisclosed-" + g.Capability
		if _, seen := rules[id]; !seen {
			rules[id] = SARIFRule{
				ID:               id,
				ShortDescription: SARIFMessage{Text: "capability used but not disclosed"},
				Properties:       map[string]any{"capability": g.Capability, "stage": string(analyzer.StageAlignment)},
			}
		}
		res := SARIFResult{
			RuleID:  id,
			Level:   levelOf(g.Severity),
			Message: SARIFMessage{Text: fmt.Sprintf("%s is used by the code but not disclosed by the manifest or documentation", g.Capability)},
			Properties: map[string]any{
				"severity":            g.Severity.String(),
				"evidence":            g.Evidence,
				"missed_by_detectors": g.MissedByDetectors,
			},
		}
		if r.Package.Manifest != "" {
			res.Locations = []SARIFLocation{location(r.Package.Manifest, nil)}
		}
		results = append(results, res)
	}

	ids := make([]string, 0, len(rules))
	for id := range rules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	driverRules := make([]SARIFRule, len(ids))
	for i, id := range ids {
		driverRules[i] = rules[id]
	}

	return SARIFLog{
		Version: sarifVersion,
		Schema:  sarifSchema,
		Runs: []SARIFRun{{
			Tool: SARIFTool{Driver: SARIFDriver{
				Name:    "skillshield",
				Version: version,
				Rules:   driverRules,
			}},
			Results: results,
			Properties: map[string]any{
				"scan_id":    r.ScanID,
				"verdict":    r.Verdict.Severity.String(),
				"score":      r.Verdict.Score,
				"incomplete": r.Verdict.Incomplete,
			},
		}},
	}
}

func location(file string, span *analyzer.Span) SARIFLocation {
	loc := SARIFLocation{PhysicalLocation: SARIFPhysicalLocation{
		ArtifactLocation: SARIFArtifactLocation{URI: strings.TrimPrefix(file, "./")},
	}}
	if span != nil {
		loc.PhysicalLocation.Region = &SARIFRegion{StartLine: span.StartLine, EndLine: span.EndLine}
	}
	return loc
}

func levelOf(s analyzer.Severity) string {
	switch s {
	case analyzer.SeverityCritical, analyzer.SeverityHigh:
		return "error"
	case analyzer.SeverityMedium:
		return "warning"
	default:
		return "note"
	}
}
