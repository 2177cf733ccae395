package rules

import (
	"embed"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

//go:embed packs/*.yaml
var builtinFS embed.FS

// Set is the merged, compiled rule set.
type Set struct {
	Packs []PackInfo
	rules []*Rule
	byID  map[string]int
}

// Rules returns every rule in load order.
func (s *Set) Rules() []*Rule { return s.rules }

// ForTarget returns the rules that run against t.
func (s *Set) ForTarget(t Target) []*Rule {
	var out []*Rule
	for _, r := range s.rules {
		if r.Target == t {
			out = append(out, r)
		}
	}
	return out
}

// Lookup finds a rule by id.
func (s *Set) Lookup(id string) (*Rule, bool) {
	i, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return s.rules[i], true
}

// Categories lists the distinct categories in the set, sorted.
func (s *Set) Categories() []string {
	seen := map[string]bool{}
	for _, r := range s.rules {
		seen[r.Category] = true
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func (s *Set) add(r Rule) {
	if s.byID == nil {
		s.byID = map[string]int{}
	}
	rule := r
	if i, ok := s.byID[r.ID]; ok {
		s.rules[i] = &rule
		return
	}
	s.byID[r.ID] = len(s.rules)
	s.rules = append(s.rules, &rule)
}

// Options select the packs to load.
type Options struct {
	// Dir holds user packs. A missing directory is not an error.
	Dir            string
	DisableBuiltin bool
}

// Load builds the rule set: built-in packs first, then user packs in file
// name order. A user rule with the id of an earlier rule replaces it.
// Broken packs or rules are skipped and reported together in the returned
// error while the rest of the set is still usable.
func Load(opts Options) (*Set, error) {
	set := &Set{}
	var result *multierror.Error

	if !opts.DisableBuiltin {
		if err := set.loadBuiltin(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if opts.Dir != "" {
		if err := set.loadDir(opts.Dir); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return set, result.ErrorOrNil()
}

// Builtin loads only the embedded packs.
func Builtin() (*Set, error) {
	return Load(Options{})
}

func (s *Set) loadBuiltin() error {
	entries, err := fs.ReadDir(builtinFS, "packs")
	if err != nil {
		return errors.Wrap(err, "failed to read built-in packs")
	}
	var result *multierror.Error
	for _, e := range entries {
		p := path.Join("packs", e.Name())
		data, err := builtinFS.ReadFile(p)
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "failed to read %s", p))
			continue
		}
		if err := s.addPack(data, p, true, true); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (s *Set) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "failed to read packs directory %s", dir)
	}
	var result *multierror.Error
	for _, e := range entries {
		if e.IsDir() || !isYAMLFile(e.Name()) {
			continue
		}
		p := filepath.Join(dir, e.Name())
		baseName := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		enabled := !strings.HasPrefix(baseName, "_")

		data, err := os.ReadFile(p)
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "failed to read pack %s", p))
			continue
		}
		if err := s.addPack(data, p, false, enabled); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (s *Set) addPack(data []byte, p string, builtin, enabled bool) error {
	var pack Pack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		s.Packs = append(s.Packs, PackInfo{Name: packName(p), Builtin: builtin, Path: p})
		return errors.Wrapf(err, "failed to parse pack %s", p)
	}
	if pack.Name == "" {
		pack.Name = packName(p)
	}

	info := PackInfo{
		Name:        pack.Name,
		Description: pack.Description,
		Version:     pack.Version,
		Builtin:     builtin,
		Enabled:     enabled,
		Path:        p,
	}

	var result *multierror.Error
	for _, r := range pack.Rules {
		if err := r.Compile(); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "pack %s", pack.Name))
			continue
		}
		info.RuleCount++
		if !enabled {
			continue
		}
		r.Pack = pack.Name
		s.add(r)
	}
	s.Packs = append(s.Packs, info)
	return result.ErrorOrNil()
}

func packName(p string) string {
	base := filepath.Base(p)
	return strings.TrimPrefix(strings.TrimSuffix(base, filepath.Ext(base)), "_")
}

func isYAMLFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
