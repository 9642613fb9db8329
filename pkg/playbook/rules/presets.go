package rules

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/seoforge/playbook-engine/pkg/filewatch"
	"github.com/seoforge/playbook-engine/pkg/playbook"
)

// PresetFile is the top-level structure of the rule presets YAML file.
type PresetFile struct {
	Presets []Preset `yaml:"presets" json:"presets"`
}

// Preset is a named RuleConfig a caller can reference instead of sending
// the full configuration.
type Preset struct {
	Name  string         `yaml:"name" json:"name"`
	Field playbook.Field `yaml:"field,omitempty" json:"field,omitempty"`
	Rules RuleConfig     `yaml:"rules" json:"rules"`
}

// Presets is a set of presets keyed by name. Presets loaded from a file can
// be reloaded; readers always see one complete set.
type Presets struct {
	path   string
	byName atomic.Pointer[map[string]Preset]
}

// NewPresets builds a preset set. Later duplicates replace earlier ones.
func NewPresets(list []Preset) *Presets {
	p := &Presets{}
	p.set(list)
	return p
}

func (p *Presets) set(list []Preset) {
	m := make(map[string]Preset, len(list))
	for _, preset := range list {
		m[preset.Name] = preset
	}
	p.byName.Store(&m)
}

// LoadPresets loads presets from a YAML file.
// Returns an empty set if the file does not exist.
func LoadPresets(path string) (*Presets, error) {
	p := &Presets{path: path}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload re-reads the preset file. On error the current set is kept. Sets
// built with NewPresets have no file and reload to themselves.
func (p *Presets) Reload() error {
	if p.path == "" {
		return nil
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			p.set(nil)
			return nil
		}
		return fmt.Errorf("read rule presets: %w", err)
	}

	var pf PresetFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parse rule presets: %w", err)
	}
	for i, preset := range pf.Presets {
		if preset.Name == "" {
			return fmt.Errorf("rule preset %d: name is required", i)
		}
	}
	p.set(pf.Presets)
	return nil
}

// Watch reloads the presets whenever their file changes, until ctx is done.
func (p *Presets) Watch(ctx context.Context, logger *slog.Logger) error {
	if p.path == "" {
		return fmt.Errorf("rule presets were not loaded from a file")
	}
	return filewatch.Watch(ctx, p.path, p.Reload, logger)
}

// Get returns the preset called name. A preset bound to a field only
// matches that field.
func (p *Presets) Get(name string, field playbook.Field) (RuleConfig, bool) {
	preset, ok := (*p.byName.Load())[name]
	if !ok {
		return RuleConfig{}, false
	}
	if preset.Field != "" && preset.Field != field {
		return RuleConfig{}, false
	}
	return preset.Rules, true
}

// Names returns the preset names in sorted order.
func (p *Presets) Names() []string {
	byName := *p.byName.Load()
	names := make([]string, 0, len(byName))
	for n := range byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
