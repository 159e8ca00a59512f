// Package prompts holds the phase prompt templates. Defaults are embedded at
// compile time; files in an override directory replace them by name.
package prompts

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/segment-cli/internal/resilience"
)

//go:embed templates/*.yaml
var templateFiles embed.FS

// Template names used by the pipeline.
const (
	Segmentation  = "segmentation"
	Consolidation = "consolidation"
	Refinement    = "refinement"
	Correction    = "correction"
)

// Required lists the templates every run needs.
var Required = []string{Segmentation, Consolidation, Refinement, Correction}

// Template is one prompt definition.
type Template struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	System  string `yaml:"system"`
	User    string `yaml:"user"`
}

// ID returns "name@version", the identity recorded in fingerprints and snapshots.
func (t *Template) ID() string {
	return t.Name + "@" + t.Version
}

// Render substitutes {{.Key}} placeholders in the user prompt and returns
// the system and user text.
func (t *Template) Render(data map[string]string) (system, user string) {
	return t.System, Format(t.User, data)
}

// Format replaces placeholders of the form {{.Key}} with values from data.
func Format(tmpl string, data map[string]string) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("{{.%s}}", k), data[k])
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// Options controls where templates are loaded from.
type Options struct {
	// Dir holds *.yaml overrides. Empty means embedded only.
	Dir string
	// SkipEmbedded loads only Dir, so a phase without a file there has no template.
	SkipEmbedded bool
}

// Registry is a concurrency-safe set of templates keyed by name.
type Registry struct {
	opts Options

	mu        sync.RWMutex
	templates map[string]*Template
}

// NewRegistry builds a registry from explicit templates.
func NewRegistry(templates ...Template) *Registry {
	r := &Registry{templates: make(map[string]*Template, len(templates))}
	for i := range templates {
		t := templates[i]
		r.templates[t.Name] = &t
	}
	return r
}

// Load reads the embedded defaults and then the override directory.
func Load(opts Options) (*Registry, error) {
	r := &Registry{opts: opts}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads all sources and swaps the template set atomically.
func (r *Registry) Reload() error {
	set := make(map[string]*Template)

	if !r.opts.SkipEmbedded {
		if err := loadFS(templateFiles, "templates", set); err != nil {
			return err
		}
	}
	if r.opts.Dir != "" {
		if _, err := os.Stat(r.opts.Dir); err != nil {
			return eris.Wrapf(resilience.ErrConfiguration, "prompts: override dir %s: %v", r.opts.Dir, err)
		}
		if err := loadFS(os.DirFS(r.opts.Dir), ".", set); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.templates = set
	r.mu.Unlock()

	zap.L().Debug("prompts: loaded templates", zap.Int("count", len(set)), zap.String("dir", r.opts.Dir))
	return nil
}

func loadFS(fsys fs.FS, dir string, into map[string]*Template) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return eris.Wrapf(err, "prompts: read dir %s", dir)
	}
	for _, e := range entries {
		if e.IsDir() || (filepath.Ext(e.Name()) != ".yaml" && filepath.Ext(e.Name()) != ".yml") {
			continue
		}
		data, err := fs.ReadFile(fsys, filepath.ToSlash(filepath.Join(dir, e.Name())))
		if err != nil {
			return eris.Wrapf(err, "prompts: read %s", e.Name())
		}
		var t Template
		if err := yaml.Unmarshal(data, &t); err != nil {
			return eris.Wrapf(resilience.ErrConfiguration, "prompts: parse %s: %v", e.Name(), err)
		}
		if t.Name == "" {
			t.Name = strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		}
		if t.Version == "" {
			t.Version = "0"
		}
		if strings.TrimSpace(t.User) == "" {
			return eris.Wrapf(resilience.ErrConfiguration, "prompts: %s has an empty user prompt", e.Name())
		}
		into[t.Name] = &t
	}
	return nil
}

// Get returns the template registered under name. There is no fallback: a
// missing template wraps resilience.ErrConfiguration.
func (r *Registry) Get(name string) (*Template, error) {
	r.mu.RLock()
	t, ok := r.templates[name]
	r.mu.RUnlock()
	if !ok {
		return nil, eris.Wrapf(resilience.ErrConfiguration, "prompts: no template registered for %q", name)
	}
	return t, nil
}

// Require checks that every named template is registered.
func (r *Registry) Require(names ...string) error {
	for _, n := range names {
		if _, err := r.Get(n); err != nil {
			return err
		}
	}
	return nil
}

// Names returns the registered template names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.templates))
	for n := range r.templates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns "name@version" -> YAML body for every registered template.
func (r *Registry) Snapshot() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.templates))
	for _, t := range r.templates {
		b, err := yaml.Marshal(t)
		if err != nil {
			continue
		}
		out[t.ID()] = string(b)
	}
	return out
}
