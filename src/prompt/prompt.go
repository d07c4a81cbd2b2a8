// Package prompt builds the instructions sent to the recognition server
// from an embedded catalog of reconstruction policies and per-language
// cheatsheets.
package prompt

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"gopkg.in/yaml.v3"

	"codeocr/src/messages"
)

//go:embed catalog.yaml
var embeddedCatalog []byte

// DefaultHint selects the base prompt with no language context.
const DefaultHint = "default"

type Rule struct {
	Name string `yaml:"name"`
	Rule string `yaml:"rule"`
}

// Language is a code language hint with its cheatsheet.
type Language struct {
	ID         string `yaml:"id" json:"id"`
	Name       string `yaml:"name" json:"name"`
	Target     string `yaml:"target" json:"target"`
	Cheatsheet []Rule `yaml:"cheatsheet" json:"-"`
}

// Spoken is a natural language the text in a capture may be written in.
type Spoken struct {
	ID     string `yaml:"id" json:"id"`
	Name   string `yaml:"name" json:"name"`
	Native string `yaml:"native" json:"native"`
}

// PossibleLanguage is a user-selected spoken language appended to prompts.
type PossibleLanguage struct {
	Index int    `json:"index" toml:"index"`
	Name  string `json:"name" toml:"name"`
	ID    string `json:"id" toml:"id"`
}

type Policies struct {
	Reconstruction string `yaml:"reconstruction"`
	Indentation    string `yaml:"indentation"`
	LineNumbers    string `yaml:"line_numbers"`
	Ambiguity      []Rule `yaml:"ambiguity"`
}

// Catalog is the parsed prompt data.
type Catalog struct {
	Policies  Policies   `yaml:"policies"`
	Languages []Language `yaml:"languages"`
	Spoken    []Spoken   `yaml:"spoken"`

	byID map[string]int
}

// Load parses the embedded catalog.
func Load() (*Catalog, error) {
	return Parse(embeddedCatalog)
}

// Parse reads a catalog from YAML.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse prompt catalog: %w", err)
	}
	if strings.TrimSpace(c.Policies.Reconstruction) == "" {
		return nil, fmt.Errorf("prompt catalog has no reconstruction policy")
	}
	c.byID = make(map[string]int, len(c.Languages))
	for i, l := range c.Languages {
		id := normalize(l.ID)
		if id == "" || id == DefaultHint {
			return nil, fmt.Errorf("prompt catalog language %d has invalid id %q", i, l.ID)
		}
		if _, dup := c.byID[id]; dup {
			return nil, fmt.Errorf("prompt catalog language %q is defined twice", l.ID)
		}
		c.byID[id] = i
	}
	return &c, nil
}

func normalize(id string) string { return strings.ToLower(strings.TrimSpace(id)) }

// Language looks up a code language by id, case-insensitively.
func (c *Catalog) Language(id string) (Language, bool) {
	i, ok := c.byID[normalize(id)]
	if !ok {
		return Language{}, false
	}
	return c.Languages[i], true
}

// Known reports whether hint selects a cheatsheet.
func (c *Catalog) Known(hint string) bool {
	_, ok := c.Language(hint)
	return ok
}

// Options lists the language hints offered by the presenter, sorted by name.
func (c *Catalog) Options() []messages.LanguageOption {
	out := make([]messages.LanguageOption, 0, len(c.Languages))
	for _, l := range c.Languages {
		out = append(out, messages.LanguageOption{ID: l.ID, Name: l.Name})
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name) })
	return out
}

// Builder renders prompts and caches them by hint.
type Builder struct {
	catalog *Catalog
	cache   *lru.Cache[string, string]
}

// NewBuilder creates a builder with an LRU of cacheSize rendered prompts.
func NewBuilder(c *Catalog, cacheSize int) (*Builder, error) {
	if cacheSize <= 0 {
		cacheSize = 64
	}
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Builder{catalog: c, cache: cache}, nil
}

// Catalog returns the catalog the builder renders from.
func (b *Builder) Catalog() *Catalog { return b.catalog }

// Build returns the prompt for hint, followed by the user's possible
// languages when any are given. Unknown hints and "default" use the base prompt.
func (b *Builder) Build(hint string, possible []PossibleLanguage) string {
	p := b.ForLanguage(hint)
	if len(possible) == 0 {
		return p
	}
	list, err := json.Marshal(possible)
	if err != nil {
		return p
	}
	return p + "\n\nUser's potential languages: " + string(list)
}

// ForLanguage returns the language-specific prompt, or the base prompt.
func (b *Builder) ForLanguage(hint string) string {
	key := normalize(hint)
	if v, ok := b.cache.Get(key); ok {
		return v
	}
	var p string
	if lang, ok := b.catalog.Language(key); ok && key != DefaultHint {
		p = b.render(&lang)
	} else {
		key = DefaultHint
		p = b.render(nil)
	}
	b.cache.Add(key, p)
	return p
}

// Base returns the prompt used when no language is selected.
func (b *Builder) Base() string { return b.ForLanguage(DefaultHint) }

func (b *Builder) render(lang *Language) string {
	pol := b.catalog.Policies
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(pol.Reconstruction))
	sb.WriteString("\n\n## VISUAL AND AMBIGUITY POLICIES\n")
	fmt.Fprintf(&sb, "- **Indentation Inference**: %s\n", strings.TrimSpace(pol.Indentation))
	fmt.Fprintf(&sb, "- **Line Number Filtering**: %s\n", strings.TrimSpace(pol.LineNumbers))
	sb.WriteString("- **Character Ambiguity Resolution**:\n")
	for _, r := range pol.Ambiguity {
		fmt.Fprintf(&sb, "  - **%s**: %s\n", r.Name, strings.TrimSpace(r.Rule))
	}
	sb.WriteString("\n")
	if lang == nil {
		sb.WriteString("## NO SPECIFIC LANGUAGE CONTEXT PROVIDED\n")
		sb.WriteString("Please apply the general visual and reconstruction policies above to the screenshot and infer the code type based on common syntax.")
		return sb.String()
	}
	fmt.Fprintf(&sb, "## TARGET LANGUAGE: %s\n", lang.Target)
	sb.WriteString("**Specific Syntax Rules (Cheatsheet):**\n")
	for _, r := range lang.Cheatsheet {
		fmt.Fprintf(&sb, "- **%s**: %s\n", r.Name, strings.TrimSpace(r.Rule))
	}
	return strings.TrimSpace(sb.String())
}
