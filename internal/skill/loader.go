package skill

import (
	"bytes"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/pkg/errors"
	"github.com/yuin/goldmark"
	meta "github.com/yuin/goldmark-meta"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"

	"github.com/gzhole/skillshield/internal/logger"
)

// ErrInvalidPackage is returned when the path is not a loadable skill package.
var ErrInvalidPackage = errors.New("invalid skill package")

const manifestName = "SKILL.md"

// Options control which files Load reads.
type Options struct {
	// MaxFileBytes skips larger files as unreadable. Zero means no limit.
	MaxFileBytes int64
	// Ignore lists doublestar globs of paths never read.
	Ignore []string
	// FixtureGlobs lists doublestar globs of test fixtures.
	FixtureGlobs []string
}

// Load reads the package rooted at root. It fails only when root is not a
// directory or carries neither SKILL.md nor a README; per-file problems are
// recorded in Package.Unreadable.
func Load(ctx context.Context, root string, opts Options) (*Package, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidPackage, "%s: %v", root, err)
	}
	if !info.IsDir() {
		return nil, errors.Wrapf(ErrInvalidPackage, "%s is not a directory", root)
	}

	manifestPath := findManifest(root)
	if manifestPath == "" {
		return nil, errors.Wrapf(ErrInvalidPackage, "%s has no %s or README", root, manifestName)
	}

	pkg := &Package{Root: root}
	log := logger.G(ctx).WithField("root", root)

	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if walkErr != nil {
			pkg.Unreadable = append(pkg.Unreadable, Unreadable{Path: rel, Reason: walkErr.Error()})
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			// a directory is ignored when anything inside it would be
			if matchAny(opts.Ignore, rel+"/x") {
				return filepath.SkipDir
			}
			return nil
		}
		if matchAny(opts.Ignore, rel) {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			pkg.Unreadable = append(pkg.Unreadable, Unreadable{Path: rel, Reason: "symlink not followed"})
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		pkg.addFile(p, rel, opts)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to walk package")
	}

	relManifest, _ := filepath.Rel(root, manifestPath)
	relManifest = filepath.ToSlash(relManifest)
	for i, d := range pkg.Docs {
		if d.Path == relManifest {
			pkg.Docs[i].Kind = DocManifest
			pkg.Manifest = parseManifest(relManifest, d.Text)
			if pkg.Manifest.Metadata == nil && strings.HasPrefix(d.Text, "---") {
				pkg.Unreadable = append(pkg.Unreadable, Unreadable{Path: relManifest, Reason: "front matter is not valid YAML"})
			}
			break
		}
	}
	if pkg.Manifest.Path == "" {
		return nil, errors.Wrapf(ErrInvalidPackage, "%s could not be read", relManifest)
	}

	pkg.Name = pkg.Manifest.Name
	if pkg.Name == "" {
		pkg.Name = filepath.Base(filepath.Clean(root))
	}

	sort.SliceStable(pkg.Sources, func(i, j int) bool {
		if pkg.Sources[i].Path != pkg.Sources[j].Path {
			return pkg.Sources[i].Path < pkg.Sources[j].Path
		}
		return pkg.Sources[i].StartLine < pkg.Sources[j].StartLine
	})
	sort.SliceStable(pkg.Docs, func(i, j int) bool { return pkg.Docs[i].Path < pkg.Docs[j].Path })

	log.WithField("sources", len(pkg.Sources)).
		WithField("docs", len(pkg.Docs)).
		WithField("unreadable", len(pkg.Unreadable)).
		Debug("loaded skill package")
	return pkg, nil
}

func findManifest(root string) string {
	entries, err := os.ReadDir(root)
	if err != nil {
		return ""
	}
	var readme string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(e.Name()) {
		case strings.ToLower(manifestName):
			return filepath.Join(root, e.Name())
		case "readme.md", "readme.markdown", "readme":
			readme = filepath.Join(root, e.Name())
		}
	}
	return readme
}

func (pkg *Package) addFile(abs, rel string, opts Options) {
	info, err := os.Stat(abs)
	if err != nil {
		pkg.Unreadable = append(pkg.Unreadable, Unreadable{Path: rel, Reason: err.Error()})
		return
	}
	if opts.MaxFileBytes > 0 && info.Size() > opts.MaxFileBytes {
		pkg.Unreadable = append(pkg.Unreadable, Unreadable{Path: rel, Reason: "file exceeds size limit"})
		return
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		pkg.Unreadable = append(pkg.Unreadable, Unreadable{Path: rel, Reason: err.Error()})
		return
	}
	if looksBinary(data) {
		pkg.Unreadable = append(pkg.Unreadable, Unreadable{Path: rel, Reason: "binary file"})
		return
	}
	if !utf8.Valid(data) {
		pkg.Unreadable = append(pkg.Unreadable, Unreadable{Path: rel, Reason: "not valid UTF-8"})
		return
	}
	content := strings.ReplaceAll(string(data), "\r\n", "\n")
	fixture := matchAny(opts.FixtureGlobs, rel)

	if kind, ok := docExts[strings.ToLower(filepath.Ext(rel))]; ok {
		doc, err := newDoc(rel, kind, content)
		if err != nil {
			pkg.Unreadable = append(pkg.Unreadable, Unreadable{Path: rel, Reason: err.Error()})
			return
		}
		pkg.Docs = append(pkg.Docs, doc)
		for _, block := range doc.CodeBlocks {
			lang, ok := FenceLanguage(block.Info)
			if !ok {
				continue
			}
			pkg.Sources = append(pkg.Sources, SourceFile{
				Path:      rel,
				Language:  lang,
				Text:      block.Text,
				StartLine: block.StartLine,
				Embedded:  true,
				Fixture:   fixture,
			})
		}
		return
	}

	if strings.EqualFold(filepath.Base(rel), "readme") {
		doc, _ := newDoc(rel, DocText, content)
		pkg.Docs = append(pkg.Docs, doc)
		return
	}

	pkg.Sources = append(pkg.Sources, SourceFile{
		Path:      rel,
		Language:  DetectLanguage(rel, content),
		Text:      content,
		StartLine: 1,
		Fixture:   fixture,
	})
}

func newDoc(rel string, kind DocKind, content string) (DocFile, error) {
	doc := DocFile{Path: rel, Kind: kind, Text: content}
	if kind == DocHTML {
		converter := md.NewConverter("", true, nil)
		markdown, err := converter.ConvertString(content)
		if err != nil {
			return DocFile{}, errors.Wrap(err, "failed to convert HTML")
		}
		doc.Text = markdown
	}
	if kind == DocText {
		doc.Prose = doc.Text
		return doc, nil
	}
	doc.CodeBlocks = codeBlocks([]byte(doc.Text))
	doc.Prose = blankBlocks(doc.Text, doc.CodeBlocks)
	return doc, nil
}

func codeBlocks(src []byte) []CodeBlock {
	gm := goldmark.New(goldmark.WithExtensions(meta.Meta))
	root := gm.Parser().Parse(text.NewReader(src), parser.WithContext(parser.NewContext()))

	var blocks []CodeBlock
	_ = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		fenced, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}
		lines := fenced.Lines()
		if lines.Len() == 0 {
			return ast.WalkSkipChildren, nil
		}
		var body bytes.Buffer
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			body.Write(seg.Value(src))
		}
		first := lines.At(0)
		last := lines.At(lines.Len() - 1)
		info := ""
		if fenced.Info != nil {
			info = string(fenced.Info.Segment.Value(src))
		}
		blocks = append(blocks, CodeBlock{
			Info:      info,
			StartLine: bytes.Count(src[:first.Start], []byte("\n")) + 1,
			EndLine:   bytes.Count(src[:last.Start], []byte("\n")) + 1,
			Text:      strings.TrimSuffix(body.String(), "\n"),
		})
		return ast.WalkSkipChildren, nil
	})
	return blocks
}

func blankBlocks(content string, blocks []CodeBlock) string {
	if len(blocks) == 0 {
		return content
	}
	lines := strings.Split(content, "\n")
	for _, b := range blocks {
		for l := b.StartLine; l <= b.EndLine && l <= len(lines); l++ {
			lines[l-1] = ""
		}
	}
	return strings.Join(lines, "\n")
}

func parseManifest(rel, content string) Manifest {
	m := Manifest{Path: rel, Raw: content, Body: content, BodyLine: 1}

	markdown := goldmark.New(goldmark.WithExtensions(meta.Meta))
	pctx := parser.NewContext()
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(content), &buf, parser.WithContext(pctx)); err == nil {
		if data, err := meta.TryGet(pctx); err == nil && len(data) > 0 {
			m.Metadata = data
		}
	}

	if body, line, ok := splitFrontMatter(content); ok {
		m.Body = body
		m.BodyLine = line
	}
	if m.Metadata != nil {
		m.Name, _ = m.Metadata["name"].(string)
		m.Description, _ = m.Metadata["description"].(string)
		m.Declared = declaredCapabilities(m.Metadata)
	}
	return m
}

// splitFrontMatter returns the body after a leading --- block and the
// 1-based line it starts on.
func splitFrontMatter(content string) (string, int, bool) {
	if !strings.HasPrefix(content, "---") {
		return content, 1, false
	}
	lines := strings.Split(content, "\n")
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			return strings.Join(lines[i+1:], "\n"), i + 2, true
		}
	}
	return content, 1, false
}

var declaredKeys = []string{"capabilities", "permissions", "allowed-tools", "allowed_tools", "tools", "requires"}

func declaredCapabilities(metadata map[string]any) []string {
	var out []string
	for _, key := range declaredKeys {
		out = append(out, flatten(metadata[key])...)
	}
	sort.Strings(out)
	return dedupe(out)
}

func flatten(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		var out []string
		for _, part := range strings.FieldsFunc(t, func(r rune) bool { return r == ',' || r == ' ' }) {
			out = append(out, strings.ToLower(strings.TrimSpace(part)))
		}
		return out
	case []any:
		var out []string
		for _, item := range t {
			out = append(out, flatten(item)...)
		}
		return out
	case map[any]any:
		var out []string
		for k, val := range t {
			if enabled, ok := val.(bool); ok && !enabled {
				continue
			}
			if ks, ok := k.(string); ok {
				out = append(out, strings.ToLower(ks))
			}
		}
		return out
	case map[string]any:
		var out []string
		for k, val := range t {
			if enabled, ok := val.(bool); ok && !enabled {
				continue
			}
			out = append(out, strings.ToLower(k))
		}
		return out
	}
	return nil
}

func dedupe(sorted []string) []string {
	var out []string
	for _, s := range sorted {
		if s == "" || (len(out) > 0 && out[len(out)-1] == s) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func matchAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// IsFixture reports whether rel matches any of the fixture globs.
func IsFixture(globs []string, rel string) bool {
	return matchAny(globs, rel)
}

func looksBinary(data []byte) bool {
	n := len(data)
	if n > 8000 {
		n = 8000
	}
	return bytes.IndexByte(data[:n], 0) >= 0
}
