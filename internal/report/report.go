// Package report renders scan reports as text, JSON or SARIF and maps
// verdicts to exit statuses.
package report

import (
	"encoding/json"
	"io"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/term"

	"github.com/gzhole/skillshield/internal/analyzer"
)

// Options control rendering.
type Options struct {
	// Color enables ANSI colour in the text format.
	Color bool
	// Verbose adds suppressions, claims and non-headline clusters to the
	// text format.
	Verbose bool
	// ToolVersion is recorded in SARIF output.
	ToolVersion string
}

// Write renders r to w in format f.
func Write(w io.Writer, r *analyzer.Report, f Format, opts Options) error {
	switch f {
	case FormatJSON:
		return writeJSON(w, r)
	case FormatSARIF:
		return writeJSON(w, SARIF(r, opts.ToolVersion))
	case FormatText, "":
		return writeText(w, r, opts)
	}
	return errors.Errorf("unknown format %q", f)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(v), "encode report")
}

// ColorFor reports whether colour output suits w: it must be a terminal and
// NO_COLOR must be unset.
func ColorFor(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}
