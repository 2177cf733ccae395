// Package rules loads the pattern rule packs used by the pattern matcher and
// the injection analyzer. Built-in packs are embedded; user packs live in a
// directory of YAML files where a leading underscore disables a file.
package rules

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// Target selects which text a rule runs against.
type Target string

const (
	// TargetCode rules run over source files line by line.
	TargetCode Target = "code"
	// TargetText rules run over manifest, documentation and string literals.
	TargetText Target = "text"
)

// Specificity is how likely a match is to be malicious by itself.
type Specificity string

const (
	Narrow Specificity = "narrow"
	Broad  Specificity = "broad"
)

var severities = map[string]bool{"INFO": true, "LOW": true, "MEDIUM": true, "HIGH": true, "CRITICAL": true}

// Rule is one regex signature.
type Rule struct {
	ID          string      `yaml:"id"`
	Category    string      `yaml:"category"`
	Severity    string      `yaml:"severity"`
	Specificity Specificity `yaml:"specificity"`
	// Confidence overrides the specificity default when non-zero.
	Confidence float64  `yaml:"confidence"`
	Languages  []string `yaml:"languages"`
	Target     Target   `yaml:"target"`
	Pattern    string   `yaml:"pattern"`
	// Window > 1 matches against that many joined consecutive lines.
	Window      int    `yaml:"window"`
	Description string `yaml:"description"`

	Pack string `yaml:"-"`
	re   *regexp.Regexp
}

// Compile validates the rule and compiles its pattern.
func (r *Rule) Compile() error {
	if r.ID == "" {
		return errors.New("rule has no id")
	}
	if r.Category == "" {
		return errors.Errorf("rule %s has no category", r.ID)
	}
	r.Severity = strings.ToUpper(r.Severity)
	if !severities[r.Severity] {
		return errors.Errorf("rule %s has unknown severity %q", r.ID, r.Severity)
	}
	switch r.Specificity {
	case "":
		r.Specificity = Broad
	case Narrow, Broad:
	default:
		return errors.Errorf("rule %s has unknown specificity %q", r.ID, r.Specificity)
	}
	switch r.Target {
	case "":
		r.Target = TargetCode
	case TargetCode, TargetText:
	default:
		return errors.Errorf("rule %s has unknown target %q", r.ID, r.Target)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return errors.Errorf("rule %s confidence %v out of range", r.ID, r.Confidence)
	}
	if r.Window < 1 {
		r.Window = 1
	}
	re, err := regexp.Compile(r.Pattern)
	if err != nil {
		return errors.Wrapf(err, "rule %s has an invalid pattern", r.ID)
	}
	r.re = re
	return nil
}

// Regexp returns the compiled pattern. Compile must have succeeded.
func (r *Rule) Regexp() *regexp.Regexp { return r.re }

// AppliesTo reports whether the rule covers files of the given language.
// A rule without languages applies to all of them.
func (r *Rule) AppliesTo(lang string) bool {
	if len(r.Languages) == 0 {
		return true
	}
	for _, l := range r.Languages {
		if l == lang {
			return true
		}
	}
	return false
}

// Pack is one YAML file of rules.
type Pack struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Version     string `yaml:"version"`
	Author      string `yaml:"author"`
	Rules       []Rule `yaml:"rules"`
}

// PackInfo summarizes a pack for listing.
type PackInfo struct {
	Name        string
	Description string
	Version     string
	Builtin     bool
	Enabled     bool
	Path        string
	RuleCount   int
}
