package analyzer

import (
	"context"
	"testing"

	"github.com/gzhole/skillshield/internal/skill"
)

// src builds a whole-file source for tests.
func src(path string, lang skill.Language, text string) skill.SourceFile {
	return skill.SourceFile{Path: path, Language: lang, Text: text, StartLine: 1}
}

func testPackage(sources ...skill.SourceFile) *skill.Package {
	return &skill.Package{
		Root:     "/tmp/skill",
		Name:     "test-skill",
		Manifest: skill.Manifest{Path: "SKILL.md", Name: "test-skill"},
		Sources:  sources,
	}
}

func runStage(t *testing.T, a Analyzer, actx *AnalysisContext) StageResult {
	t.Helper()
	return a.Analyze(context.Background(), actx)
}

func findingsOf(fs []Finding, category string) []Finding {
	var out []Finding
	for _, f := range fs {
		if f.Category == category {
			out = append(out, f)
		}
	}
	return out
}
