package testdata

// AllSkillCases returns every case across all groups.
// Used by the accuracy metrics test to compute aggregate TP/FP/FN/TN counts.
func AllSkillCases() []SkillCase {
	var all []SkillCase
	all = append(all, BenignCases...)
	all = append(all, TrojanCases...)
	all = append(all, ExecutionCases...)
	all = append(all, ObfuscationCases...)
	all = append(all, InjectionCases...)
	return all
}
