package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Manifest describes one projection: the prelude, the modules compiled up
// front, the queries and the event stream they consume.
// Relative paths are resolved against the manifest's directory.
type Manifest struct {
	Prelude    string                    `yaml:"prelude"`
	ModuleDirs []string                  `yaml:"module_dirs"`
	Modules    []string                  `yaml:"modules"`
	Queries    []QuerySpec               `yaml:"queries"`
	Events     string                    `yaml:"events"`
	Reverse    map[string]map[string]any `yaml:"reverse"`

	dir string
}

// QuerySpec names a query script.
type QuerySpec struct {
	Name string `yaml:"name"`
	File string `yaml:"file"`
}

// LoadManifest reads a YAML manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	m.dir = filepath.Dir(path)
	return m, nil
}

// ParseManifest decodes a YAML manifest without resolving paths.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	for i, q := range m.Queries {
		if q.File == "" {
			return nil, fmt.Errorf("query %d has no file", i)
		}
		if q.Name == "" {
			base := filepath.Base(q.File)
			m.Queries[i].Name = base[:len(base)-len(filepath.Ext(base))]
		}
	}
	return &m, nil
}

// Path resolves a manifest-relative path.
func (m *Manifest) Path(p string) string {
	if p == "" || filepath.IsAbs(p) || m.dir == "" {
		return p
	}
	return filepath.Join(m.dir, p)
}

// Apply merges the manifest into cfg. Values already set on cfg by flags win
// over the manifest for the prelude and events file.
func (m *Manifest) Apply(cfg *Config) {
	if cfg.Host.Prelude == "" {
		cfg.Host.Prelude = m.Path(m.Prelude)
	}
	for _, dir := range m.ModuleDirs {
		cfg.Host.ModuleDirs = append(cfg.Host.ModuleDirs, m.Path(dir))
	}
	if cfg.Events == "" {
		cfg.Events = m.Path(m.Events)
	}
	if cfg.Reverse == nil {
		cfg.Reverse = make(map[string]map[string]any)
	}
	for forward, reverse := range m.Reverse {
		if _, ok := cfg.Reverse[forward]; !ok {
			cfg.Reverse[forward] = reverse
		}
	}
}
