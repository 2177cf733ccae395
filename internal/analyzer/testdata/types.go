package testdata

// SkillCase is one skill package in the regression corpus, scanned in
// static-only mode.
//
// Naming convention for IDs:
//
//	TP-<CATEGORY>-<NNN>  True Positive: malicious package blocked
//	TN-<CATEGORY>-<NNN>  True Negative: benign package allowed
//	FP-<CATEGORY>-<NNN>  False Positive: benign package blocked today
//	FN-<CATEGORY>-<NNN>  False Negative: malicious package allowed today
//
// Example: TP-TROJAN-001, FP-DISCLOSED-001
type SkillCase struct {
	// ID is a unique identifier (e.g., "TP-TROJAN-001").
	ID string

	// Files maps slash-separated paths to contents. SKILL.md is required.
	Files map[string]string

	// MinTier and MaxTier bound the expected verdict tier by name (SAFE,
	// LOW, MEDIUM, HIGH, CRITICAL). An empty bound is open.
	MinTier string
	MaxTier string

	// Classification is "TP", "TN", "FP" or "FN". FP and FN cases document
	// known limitations and are skipped by the runner.
	Classification string

	// Category is the threat category the case is about, if any.
	Category string

	// Gap names a capability that must show up as UNDISCLOSED_CAPABILITY.
	Gap string

	// Description explains why the case exists and what technique is needed
	// to reach the expected verdict.
	Description string

	// Tags for filtering. Common tags:
	//   "canonical"    the most basic case for a threat
	//   "alignment"    only the claims-vs-behavior check catches it
	//   "structural"   needs the structural analyzer
	//   "obfuscation"  hides intent through encoding or assembly
	//   "injection"    targets the agent through documentation
	//   "doc-only"     no source files
	//   "known-gap"    documents a known detection limitation
	Tags []string
}

// AllClassifications is the set of valid Classification values.
var AllClassifications = []string{"TP", "TN", "FP", "FN"}
