// Package catalog holds the static genre, style and perspective instruction
// blocks that the story prompt selects by name.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var builtin []byte

// Catalog maps option names to instruction text.
type Catalog struct {
	Perspectives map[string]string `yaml:"perspectives"`
	Genres       map[string]string `yaml:"genres"`
	Styles       map[string]string `yaml:"styles"`
}

// DefaultPerspective is used when the stored perspective is unknown or unset.
const DefaultPerspective = "third"

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := parse(builtin)
	if err != nil {
		panic(fmt.Sprintf("builtin catalog: %v", err))
	}
	return c
}

// Load returns the built-in catalog extended by the YAML file at path.
// Entries in the file replace built-in entries with the same name.
func Load(path string) (*Catalog, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	extra, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	merge(c.Perspectives, extra.Perspectives)
	merge(c.Genres, extra.Genres)
	merge(c.Styles, extra.Styles)
	return c, nil
}

func parse(data []byte) (*Catalog, error) {
	c := &Catalog{}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, err
	}
	if c.Perspectives == nil {
		c.Perspectives = map[string]string{}
	}
	if c.Genres == nil {
		c.Genres = map[string]string{}
	}
	if c.Styles == nil {
		c.Styles = map[string]string{}
	}
	return c, nil
}

func merge(dst, src map[string]string) {
	for k, v := range src {
		dst[k] = strings.TrimSpace(v)
	}
}

// Genre returns the instruction block for name; unknown names and "default"
// give "".
func (c *Catalog) Genre(name string) string {
	return c.Genres[name]
}

// Style returns the instruction block for name, falling back to the default
// style.
func (c *Catalog) Style(name string) string {
	if s, ok := c.Styles[name]; ok {
		return s
	}
	return c.Styles["default"]
}

// Perspective returns the grammatical person for name ("third person" when
// unknown).
func (c *Catalog) Perspective(name string) string {
	if p, ok := c.Perspectives[name]; ok {
		return p
	}
	return c.Perspectives[DefaultPerspective]
}

// Has reports whether option kind ("genre", "style", "perspective") knows name.
func (c *Catalog) Has(kind, name string) bool {
	if name == "default" && kind != "perspective" {
		return true
	}
	_, ok := c.table(kind)[name]
	return ok
}

// Names lists the keys of one table, sorted.
func (c *Catalog) Names(kind string) []string {
	t := c.table(kind)
	names := make([]string, 0, len(t))
	for k := range t {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (c *Catalog) table(kind string) map[string]string {
	switch kind {
	case "genre":
		return c.Genres
	case "style":
		return c.Styles
	case "perspective":
		return c.Perspectives
	}
	return nil
}
