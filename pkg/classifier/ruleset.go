package classifier

import (
	"embed"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed rules/*.yaml
var defaultRules embed.FS

// pattern matches lowercased record text. Plain patterns are substring
// matches; a "re:" prefix marks a regular expression.
type pattern struct {
	raw string
	re  *regexp.Regexp
}

func (p pattern) match(text string) bool {
	if p.re != nil {
		return p.re.MatchString(text)
	}
	return strings.Contains(text, p.raw)
}

func compilePatterns(raws []string) ([]pattern, error) {
	patterns := make([]pattern, 0, len(raws))
	for _, raw := range raws {
		if expr, ok := strings.CutPrefix(raw, "re:"); ok {
			re, err := regexp.Compile("(?i)" + expr)
			if err != nil {
				return nil, eris.Wrapf(err, "pattern %q", raw)
			}
			patterns = append(patterns, pattern{raw: raw, re: re})
			continue
		}
		patterns = append(patterns, pattern{raw: strings.ToLower(raw)})
	}
	return patterns, nil
}

// FamilyRule assigns a family. SI code matches are authoritative; text
// patterns are the fallback.
type FamilyRule struct {
	Name    string   `yaml:"name"`
	SICodes []string `yaml:"si_codes,omitempty"`
	Any     []string `yaml:"any,omitempty"`

	compiled []pattern
}

func (r *FamilyRule) matchSICode(siCode string) bool {
	for _, c := range r.SICodes {
		if strings.EqualFold(c, siCode) {
			return true
		}
	}
	return false
}

func (r *FamilyRule) matchText(text string) bool {
	for _, p := range r.compiled {
		if p.match(text) {
			return true
		}
	}
	return false
}

// MatchRule names a taxonomy value and the patterns that select it. Used
// for purposes, duty actors, power actors, and tags.
type MatchRule struct {
	Name string   `yaml:"name"`
	Any  []string `yaml:"any"`

	compiled []pattern
}

func (r *MatchRule) matchText(text string) bool {
	for _, p := range r.compiled {
		if p.match(text) {
			return true
		}
	}
	return false
}

// Ruleset is one versioned classification taxonomy. Rules are evaluated
// in file order, so rule order is part of the version's behavior.
type Ruleset struct {
	Version     string       `yaml:"version"`
	Families    []FamilyRule `yaml:"families"`
	Purposes    []MatchRule  `yaml:"purposes"`
	DutyActors  []MatchRule  `yaml:"duty_actors"`
	PowerActors []MatchRule  `yaml:"power_actors"`
	Tags        []MatchRule  `yaml:"tags"`
}

// ParseRuleset decodes, validates, and compiles one YAML ruleset.
func ParseRuleset(data []byte) (*Ruleset, error) {
	var rs Ruleset
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, eris.Wrap(err, "classifier: parse ruleset")
	}
	if err := rs.compile(); err != nil {
		return nil, err
	}
	return &rs, nil
}

func (rs *Ruleset) compile() error {
	var problems []string

	if rs.Version == "" {
		problems = append(problems, "version is required")
	}
	seen := map[string]bool{}
	for i := range rs.Families {
		f := &rs.Families[i]
		if f.Name == "" {
			problems = append(problems, "family rule with empty name")
		}
		if seen["family/"+f.Name] {
			problems = append(problems, "duplicate family rule "+f.Name)
		}
		seen["family/"+f.Name] = true
		if len(f.SICodes) == 0 && len(f.Any) == 0 {
			problems = append(problems, "family "+f.Name+" has no si_codes or patterns")
		}
		compiled, err := compilePatterns(f.Any)
		if err != nil {
			problems = append(problems, "family "+f.Name+": "+err.Error())
		}
		f.compiled = compiled
	}

	sections := []struct {
		kind  string
		rules []MatchRule
	}{
		{"purpose", rs.Purposes},
		{"duty_actor", rs.DutyActors},
		{"power_actor", rs.PowerActors},
		{"tag", rs.Tags},
	}
	for _, sec := range sections {
		for i := range sec.rules {
			r := &sec.rules[i]
			if r.Name == "" {
				problems = append(problems, sec.kind+" rule with empty name")
			}
			if seen[sec.kind+"/"+r.Name] {
				problems = append(problems, "duplicate "+sec.kind+" rule "+r.Name)
			}
			seen[sec.kind+"/"+r.Name] = true
			if len(r.Any) == 0 {
				problems = append(problems, sec.kind+" "+r.Name+" has no patterns")
			}
			compiled, err := compilePatterns(r.Any)
			if err != nil {
				problems = append(problems, sec.kind+" "+r.Name+": "+err.Error())
			}
			r.compiled = compiled
		}
	}

	if len(problems) > 0 {
		return eris.Errorf("classifier: invalid ruleset %q: %s", rs.Version, strings.Join(problems, "; "))
	}
	return nil
}

// Catalog holds every loaded ruleset version.
type Catalog struct {
	rulesets map[string]*Ruleset
}

// DefaultCatalog loads the rulesets compiled into the binary.
func DefaultCatalog() (*Catalog, error) {
	sub, err := fs.Sub(defaultRules, "rules")
	if err != nil {
		return nil, eris.Wrap(err, "classifier: embedded rules")
	}
	return loadFS(sub)
}

// LoadDir loads every *.yaml ruleset in dir. An empty dir name falls
// back to the embedded defaults.
func LoadDir(dir string) (*Catalog, error) {
	if dir == "" {
		return DefaultCatalog()
	}
	return loadFS(os.DirFS(dir))
}

func loadFS(fsys fs.FS) (*Catalog, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, eris.Wrap(err, "classifier: read ruleset dir")
	}
	catalog := &Catalog{rulesets: map[string]*Ruleset{}}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}
		data, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, eris.Wrapf(err, "classifier: read %s", entry.Name())
		}
		rs, err := ParseRuleset(data)
		if err != nil {
			return nil, eris.Wrapf(err, "classifier: %s", entry.Name())
		}
		if _, dup := catalog.rulesets[rs.Version]; dup {
			return nil, eris.Errorf("classifier: duplicate ruleset version %q", rs.Version)
		}
		catalog.rulesets[rs.Version] = rs
	}
	if len(catalog.rulesets) == 0 {
		return nil, eris.New("classifier: no rulesets found")
	}
	return catalog, nil
}

// Versions lists the loaded ruleset versions, oldest first.
func (c *Catalog) Versions() []string {
	versions := make([]string, 0, len(c.rulesets))
	for v := range c.rulesets {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	return versions
}

// Latest returns the newest ruleset version. Versions are date-shaped
// strings, so lexical order is release order.
func (c *Catalog) Latest() string {
	versions := c.Versions()
	return versions[len(versions)-1]
}

// Engine returns a classifier for the given version; empty means latest.
func (c *Catalog) Engine(version string) (*Engine, error) {
	if version == "" {
		version = c.Latest()
	}
	rs, ok := c.rulesets[version]
	if !ok {
		return nil, eris.Errorf("classifier: unknown ruleset version %q (have %s)",
			version, strings.Join(c.Versions(), ", "))
	}
	return NewEngine(rs), nil
}
