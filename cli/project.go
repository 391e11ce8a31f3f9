package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zot/projhost/internal/config"
	"github.com/zot/projhost/internal/loader"
	"github.com/zot/projhost/internal/projection"
	"github.com/zot/projhost/internal/storage"
)

// Project is a loaded configuration and manifest: everything needed to build
// sessions.
type Project struct {
	Config   *config.Config
	Manifest *config.Manifest
	Dirs     []*loader.Dir
}

// LoadProject loads the configuration from args and applies the manifest
// named by --manifest or the first positional argument.
func LoadProject(args []string) (*Project, error) {
	cfg, err := config.Load(args)
	if err != nil {
		return nil, err
	}
	if cfg.Manifest == "" && len(cfg.Args) > 0 {
		cfg.Manifest = cfg.Args[0]
		cfg.Args = cfg.Args[1:]
	}

	p := &Project{Config: cfg, Manifest: &config.Manifest{}}
	if cfg.Manifest != "" {
		if p.Manifest, err = config.LoadManifest(cfg.Manifest); err != nil {
			return nil, err
		}
		p.Manifest.Apply(cfg)
	}
	p.Dirs = loader.Dirs(cfg.Host.ModuleDirs)
	return p, nil
}

// Log logs a message via the config.
func (p *Project) Log(level int, format string, args ...interface{}) {
	p.Config.Log(level, format, args...)
}

// Sources returns every script file the project reads directly, so a
// watcher can follow them alongside the module directories.
func (p *Project) Sources() []string {
	var files []string
	if p.Config.Host.Prelude != "" {
		files = append(files, p.Config.Host.Prelude)
	}
	for _, m := range p.Manifest.Modules {
		files = append(files, p.Manifest.Path(m))
	}
	for _, q := range p.Manifest.Queries {
		files = append(files, p.Manifest.Path(q.File))
	}
	return files
}

// NewSession builds a session: the prelude, then the manifest's modules and
// queries in order. Script errors do not fail the build; they are reported
// through the session's diagnostics. store may be nil.
func (p *Project) NewSession(store storage.Store) (*projection.Session, error) {
	var prelude string
	file := "prelude.lua"
	if path := p.Config.Host.Prelude; path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("prelude: %w", err)
		}
		prelude = string(data)
		file = displayName(path)
	}

	s := projection.NewSession(p.Config, projection.Options{
		Prelude:     prelude,
		PreludeFile: file,
		Loader:      loader.ChainDirs(p.Dirs).Load,
		Reverse:     projection.NewReverseTable(p.Config.Reverse),
		Store:       store,
	})

	for _, m := range p.Manifest.Modules {
		path := p.Manifest.Path(m)
		data, err := os.ReadFile(path)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("module: %w", err)
		}
		if _, err := s.CompileModule(string(data), displayName(path)); err != nil {
			s.Close()
			return nil, fmt.Errorf("module %s: %w", path, err)
		}
	}
	for _, q := range p.Manifest.Queries {
		path := p.Manifest.Path(q.File)
		data, err := os.ReadFile(path)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("query %s: %w", q.Name, err)
		}
		if _, err := s.CompileQuery(q.Name, string(data), displayName(path)); err != nil {
			s.Close()
			return nil, fmt.Errorf("query %s: %w", q.Name, err)
		}
	}
	return s, nil
}

// ReadEvents reads the configured events file; "-" reads stdin.
func (p *Project) ReadEvents() ([]projection.Event, error) {
	path := p.Config.Events
	if path == "" {
		return nil, nil
	}
	if path == "-" {
		return projection.ReadEvents(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	events, err := projection.ReadEvents(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return events, nil
}

// displayName shortens path for diagnostics when it is under the working
// directory.
func displayName(path string) string {
	wd, err := os.Getwd()
	if err != nil {
		return path
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	rel, err := filepath.Rel(wd, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return filepath.ToSlash(rel)
}
