package approvals

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/seoforge/playbook-engine/pkg/filewatch"
)

// PolicySource supplies the governance policy of a project.
type PolicySource interface {
	Policy(ctx context.Context, projectID string) (Policy, error)
}

// PolicyFile is the top-level structure of the governance YAML file.
type PolicyFile struct {
	Default  Policy   `yaml:"default" json:"default"`
	Projects []Policy `yaml:"projects" json:"projects"`
}

// StaticPolicies serves policies loaded once from a file.
type StaticPolicies struct {
	def      Policy
	projects map[string]Policy
}

// NewStaticPolicies creates a StaticPolicies. Later entries for the same
// project win.
func NewStaticPolicies(def Policy, projects []Policy) *StaticPolicies {
	m := make(map[string]Policy, len(projects))
	for _, p := range projects {
		m[p.ProjectID] = p
	}
	return &StaticPolicies{def: def, projects: m}
}

// LoadPolicies loads governance policies from a YAML file.
// Returns an empty source (every project uses the zero policy) if the file
// does not exist.
func LoadPolicies(path string) (*StaticPolicies, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewStaticPolicies(Policy{}, nil), nil
		}
		return nil, fmt.Errorf("read governance policies: %w", err)
	}

	var pf PolicyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse governance policies: %w", err)
	}
	for i, p := range pf.Projects {
		if p.ProjectID == "" {
			return nil, fmt.Errorf("governance policy %d: projectId is required", i)
		}
	}
	return NewStaticPolicies(pf.Default, pf.Projects), nil
}

func (s *StaticPolicies) Policy(_ context.Context, projectID string) (Policy, error) {
	if p, ok := s.projects[projectID]; ok {
		return p, nil
	}
	p := s.def
	p.ProjectID = projectID
	return p, nil
}

// FilePolicies serves the policies of a governance file and swaps in a new
// set whenever the file is reloaded. A file that fails to load leaves the
// previous policies in place.
type FilePolicies struct {
	path    string
	current atomic.Pointer[StaticPolicies]
}

// OpenPolicies loads the governance file at path.
func OpenPolicies(path string) (*FilePolicies, error) {
	f := &FilePolicies{path: path}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Reload re-reads the governance file. An empty file is rejected since a
// truncate-then-write save would otherwise briefly drop every approval
// requirement.
func (f *FilePolicies) Reload() error {
	if fi, err := os.Stat(f.path); err == nil && fi.Size() == 0 {
		return fmt.Errorf("governance policies file %s is empty", f.path)
	}
	p, err := LoadPolicies(f.path)
	if err != nil {
		return err
	}
	f.current.Store(p)
	return nil
}

// Watch reloads the policies whenever the file changes, until ctx is done.
func (f *FilePolicies) Watch(ctx context.Context, logger *slog.Logger) error {
	return filewatch.Watch(ctx, f.path, f.Reload, logger)
}

func (f *FilePolicies) Policy(ctx context.Context, projectID string) (Policy, error) {
	return f.current.Load().Policy(ctx, projectID)
}
