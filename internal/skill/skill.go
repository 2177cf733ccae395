// Package skill loads a skill package directory into an immutable,
// analyzable view: the SKILL.md manifest, documentation and source files.
package skill

import (
	"strings"
)

// Language identifies how a source file is parsed.
type Language string

const (
	LangPython     Language = "python"
	LangJavaScript Language = "javascript"
	LangTypeScript Language = "typescript"
	LangShell      Language = "shell"
	LangGo         Language = "go"
	LangRuby       Language = "ruby"
	LangPowerShell Language = "powershell"
	LangPerl       Language = "perl"
	LangPHP        Language = "php"
	// LangData covers configuration and data files: scanned for patterns,
	// never parsed structurally.
	LangData    Language = "data"
	LangUnknown Language = "unknown"
)

// Manifest is the parsed SKILL.md (or README fallback).
type Manifest struct {
	Path        string
	Name        string
	Description string
	// Declared lists capabilities, permissions or tools named explicitly in
	// front matter, lower-cased.
	Declared []string
	Metadata map[string]any
	// Body is the markdown after the front matter; BodyLine is its first line
	// in the file.
	Body     string
	BodyLine int
	Raw      string
}

// SourceFile is one file (or embedded code block) to analyze as code.
type SourceFile struct {
	Path     string // slash-separated, relative to the package root
	Language Language
	Text     string
	// StartLine is the file line of the first line of Text. Whole files
	// start at 1; fenced code blocks start inside their document.
	StartLine int
	Embedded  bool
	Fixture   bool
}

// Lines splits Text on newlines.
func (f SourceFile) Lines() []string {
	return strings.Split(f.Text, "\n")
}

// FileLine maps a 1-based line of Text to the line in the file.
func (f SourceFile) FileLine(local int) int {
	if f.StartLine <= 0 {
		return local
	}
	return f.StartLine + local - 1
}

// DocKind classifies documentation.
type DocKind string

const (
	DocManifest DocKind = "manifest"
	DocMarkdown DocKind = "markdown"
	DocHTML     DocKind = "html"
	DocText     DocKind = "text"
)

// DocFile is natural-language documentation.
type DocFile struct {
	Path string
	Kind DocKind
	// Text is the document as markdown (HTML is converted first).
	Text string
	// Prose is Text with fenced code blocks blanked, preserving line numbers.
	Prose      string
	CodeBlocks []CodeBlock
}

// CodeBlock is a fenced code block inside a document.
type CodeBlock struct {
	Info      string
	StartLine int
	EndLine   int
	Text      string
}

// Unreadable records a file that could not be loaded for analysis.
type Unreadable struct {
	Path   string
	Reason string
}

// Package is the loaded skill package. It is never mutated after Load.
type Package struct {
	Root       string
	Name       string
	Manifest   Manifest
	Sources    []SourceFile
	Docs       []DocFile
	Unreadable []Unreadable
}

// Source returns the source file at path, if any. Embedded blocks are
// skipped since they share their document's path.
func (p *Package) Source(path string) (SourceFile, bool) {
	for _, s := range p.Sources {
		if s.Path == path && !s.Embedded {
			return s, true
		}
	}
	return SourceFile{}, false
}

// Doc returns the document at path, if any.
func (p *Package) Doc(path string) (DocFile, bool) {
	for _, d := range p.Docs {
		if d.Path == path {
			return d, true
		}
	}
	return DocFile{}, false
}

// Excerpt returns lines [start-context, end+context] of the named file,
// whether it is a source or a document.
func (p *Package) Excerpt(path string, start, end, context int) string {
	var text string
	if s, ok := p.Source(path); ok {
		text = s.Text
	} else if d, ok := p.Doc(path); ok {
		text = d.Text
	} else {
		return ""
	}
	lines := strings.Split(text, "\n")
	if start < 1 {
		start = 1
	}
	if end < start {
		end = start
	}
	from := max(1, start-context)
	to := min(len(lines), end+context)
	var b strings.Builder
	for i := from; i <= to; i++ {
		b.WriteString(strings.TrimRight(lines[i-1], "\r"))
		b.WriteByte('\n')
	}
	return b.String()
}
