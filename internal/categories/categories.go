// Package categories holds the static mapping from each source's category
// codes to canonical category names.
package categories

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed categories.yaml
var defaultDocument []byte

// Map is source -> canonical category -> source codes. It is read-only after Load.
type Map struct {
	sources map[string]map[string][]string
}

// Default returns the embedded mapping.
func Default() (*Map, error) {
	return Parse(defaultDocument)
}

// Load reads the mapping from path, or the embedded default when path is empty.
func Load(path string) (*Map, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read category map: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Map, error) {
	var doc map[string]map[string][]string
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse category map: %w", err)
	}
	m := &Map{sources: make(map[string]map[string][]string, len(doc))}
	for source, cats := range doc {
		key := strings.ToLower(strings.TrimSpace(source))
		byName := make(map[string][]string, len(cats))
		for name, codes := range cats {
			name = strings.TrimSpace(name)
			if name == "" {
				return nil, fmt.Errorf("source %q: empty category name", source)
			}
			if len(codes) == 0 {
				return nil, fmt.Errorf("source %q category %q: no codes", source, name)
			}
			byName[name] = append([]string(nil), codes...)
		}
		m.sources[key] = byName
	}
	return m, nil
}

// For returns the categories of one source, sorted by name so request planning
// is deterministic.
func (m *Map) For(source string) []Category {
	cats := m.sources[strings.ToLower(source)]
	out := make([]Category, 0, len(cats))
	for name, codes := range cats {
		out = append(out, Category{Name: name, Codes: append([]string(nil), codes...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Category is one canonical category and the source codes that feed it.
type Category struct {
	Name  string
	Codes []string
}
