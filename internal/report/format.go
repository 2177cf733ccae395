package report

import (
	"strings"

	"github.com/pkg/errors"
)

// Format selects the report rendering.
type Format string

const (
	FormatText  Format = "text"
	FormatJSON  Format = "json"
	FormatSARIF Format = "sarif"
)

// Formats lists the supported formats.
var Formats = []Format{FormatText, FormatJSON, FormatSARIF}

// String implements pflag.Value.
func (f *Format) String() string { return string(*f) }

// Set implements pflag.Value.
func (f *Format) Set(s string) error {
	v := Format(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Formats {
		if v == known {
			*f = v
			return nil
		}
	}
	return errors.Errorf("unknown format %q (want text, json or sarif)", s)
}

// Type implements pflag.Value.
func (f *Format) Type() string { return "format" }

// ExitMode selects how a verdict maps to a process exit status.
type ExitMode string

const (
	// ExitGate exits 1 for any blocking verdict (MEDIUM and above).
	ExitGate ExitMode = "gate"
	// ExitTier gives every tier its own status.
	ExitTier ExitMode = "tier"
)

func (m *ExitMode) String() string { return string(*m) }

func (m *ExitMode) Set(s string) error {
	switch v := ExitMode(strings.ToLower(strings.TrimSpace(s))); v {
	case ExitGate, ExitTier:
		*m = v
		return nil
	}
	return errors.Errorf("unknown exit mode %q (want gate or tier)", s)
}

func (m *ExitMode) Type() string { return "mode" }
