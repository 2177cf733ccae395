package analyzer

import (
	"sort"
	"strings"
)

// Category families used for correlation. Two findings are related when
// their categories share at least one family.
const (
	FamilyExecution  = "execution"
	FamilyFilesystem = "filesystem"
	FamilyNetwork    = "network"
	FamilySecrets    = "secrets"
	FamilyInjection  = "injection"
)

// Capabilities compared by the alignment verifier.
const (
	CapNetworkEgress       = "network-egress"
	CapFileDeletion        = "file-deletion"
	CapFileWrite           = "file-write"
	CapCredentialAccess    = "credential-access"
	CapProcessExecution    = "process-execution"
	CapCodeEvaluation      = "code-evaluation"
	CapEnvironmentAccess   = "environment-access"
	CapPersistence         = "persistence"
	CapPrivilegeEscalation = "privilege-escalation"
	CapPackageInstallation = "package-installation"
	CapAgentConfig         = "agent-config-modification"
)

// Capabilities lists the taxonomy in report order.
var Capabilities = []string{
	CapNetworkEgress, CapFileDeletion, CapFileWrite, CapCredentialAccess,
	CapProcessExecution, CapCodeEvaluation, CapEnvironmentAccess,
	CapPersistence, CapPrivilegeEscalation, CapPackageInstallation, CapAgentConfig,
}

// CategoryInfo describes one threat category.
type CategoryInfo struct {
	Name       string
	Group      string // "code", "injection" or "llm"
	Families   []string
	Capability string
}

var codeFamilies = []string{FamilyExecution, FamilyFilesystem, FamilyNetwork, FamilySecrets}

var categories = map[string]CategoryInfo{}

func register(group string, families []string, capability string, names ...string) {
	for _, n := range names {
		categories[n] = CategoryInfo{Name: n, Group: group, Families: families, Capability: capability}
	}
}

func init() {
	exec := []string{FamilyExecution}
	fs := []string{FamilyFilesystem}
	net := []string{FamilyNetwork}
	sec := []string{FamilySecrets}

	register("code", exec, CapProcessExecution, "command-execution", "crypto-mining")
	register("code", exec, CapCodeEvaluation, "code-evaluation", "unsafe-deserialization")
	register("code", []string{FamilyExecution, FamilyNetwork}, CapProcessExecution, "reverse-shell")
	register("code", []string{FamilyExecution, FamilyNetwork}, CapNetworkEgress, "remote-code-download")
	register("code", exec, CapPackageInstallation, "runtime-package-install")
	register("code", fs, CapFileDeletion, "file-deletion", "destructive-operation")
	register("code", fs, CapFileWrite, "sensitive-file-write")
	register("code", []string{FamilyFilesystem, FamilyExecution}, CapPersistence, "persistence")
	register("code", []string{FamilyFilesystem, FamilyExecution}, CapPrivilegeEscalation, "privilege-escalation")
	register("code", fs, CapAgentConfig, "agent-config-tampering")
	register("code", net, CapNetworkEgress, "network-egress")
	register("code", []string{FamilyNetwork, FamilySecrets}, CapNetworkEgress, "data-exfiltration")
	register("code", []string{FamilySecrets, FamilyFilesystem}, CapCredentialAccess, "credential-access")
	register("code", sec, "", "hardcoded-secret")
	register("code", sec, CapEnvironmentAccess, "environment-harvest")
	// Structural constructs: their capability comes from the sink they reach.
	register("code", codeFamilies, "", "obfuscation", "encoded-payload",
		"dynamic-code-construction", "aliased-sink", "time-bomb", "suspicious-keyword")

	inj := []string{FamilyInjection}
	register("injection", inj, "", "instruction-override", "role-manipulation",
		"system-mimicry", "jailbreak", "guardrail-bypass", "prompt-extraction",
		"authority-impersonation", "context-hijacking", "token-smuggling",
		"homoglyph", "hidden-instruction", "stealth-instruction", "safety-bypass",
		"call-to-action", "repetition-flood")

	register("llm", append([]string{FamilyInjection}, codeFamilies...), "", CategoryLLMDetected)
}

// CategoryLLMDetected is used for threats only the semantic stage saw.
const CategoryLLMDetected = "llm-detected-threat"

const llmAssessedPrefix = "llm-assessed-"

// LLMAssessed names the semantic category for an original category.
func LLMAssessed(category string) string { return llmAssessedPrefix + category }

// Category returns the metadata for name. Unknown categories from user
// packs are treated as code findings related to every code family.
func Category(name string) CategoryInfo {
	if base, ok := strings.CutPrefix(name, llmAssessedPrefix); ok {
		info := Category(base)
		info.Name = name
		info.Group = "llm"
		return info
	}
	if info, ok := categories[name]; ok {
		return info
	}
	return CategoryInfo{Name: name, Group: "code", Families: codeFamilies}
}

// CategoryNames lists the registered categories, sorted.
func CategoryNames() []string {
	out := make([]string, 0, len(categories))
	for n := range categories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// IsInjectionCategory reports whether name belongs to the injection group.
func IsInjectionCategory(name string) bool {
	return Category(name).Group == "injection"
}

// related reports whether two categories share a family.
func related(a, b string) bool {
	fa, fb := Category(a).Families, Category(b).Families
	for _, x := range fa {
		for _, y := range fb {
			if x == y {
				return true
			}
		}
	}
	return false
}

// capabilityOf maps a finding onto the capability taxonomy. Structural
// constructs carry the capability of their sink in a "capability:" tag.
func capabilityOf(f Finding) string {
	if c := f.tagValue("capability"); c != "" {
		return c
	}
	return Category(f.Category).Capability
}
