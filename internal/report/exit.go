package report

import "github.com/gzhole/skillshield/internal/analyzer"

// ExitFatal is returned for errors that stop a scan before any stage runs.
const ExitFatal = 2

var tierCodes = map[analyzer.Tier]int{
	analyzer.TierSafe:     0,
	analyzer.TierLow:      10,
	analyzer.TierMedium:   11,
	analyzer.TierHigh:     12,
	analyzer.TierCritical: 13,
}

// ExitCode maps a verdict to the process exit status for mode.
func ExitCode(v analyzer.Verdict, mode ExitMode) int {
	if mode == ExitTier {
		return tierCodes[v.Severity]
	}
	if v.Severity.Blocks() {
		return 1
	}
	return 0
}
