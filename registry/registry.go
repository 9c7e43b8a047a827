// Package registry discovers test suites and their cases from a YAML
// manifest. The manifest is read once at startup; the resulting cases are
// immutable for the lifetime of the process.
package registry

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/qa-infra/qa-acceptor/types"
)

// ErrUnknownSuite is returned when a suite name is not in the manifest.
var ErrUnknownSuite = errors.New("unknown suite")

// Config configures manifest discovery.
type Config struct {
	Log          *zap.SugaredLogger
	ManifestPath string
}

// manifest is the on-disk shape of the suites file.
type manifest struct {
	Suites map[string]suiteConfig `yaml:"suites"`
}

type suiteConfig struct {
	Description string           `yaml:"description,omitempty"`
	Cases       []types.TestCase `yaml:"cases"`
}

// Registry holds the discovered suites.
type Registry struct {
	log    *zap.SugaredLogger
	suites map[string][]types.TestCase
}

// New loads and validates the manifest at cfg.ManifestPath.
func New(cfg Config) (*Registry, error) {
	if cfg.ManifestPath == "" {
		return nil, errors.New("manifest path is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop().Sugar()
	}

	data, err := os.ReadFile(cfg.ManifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read suite manifest %s: %w", cfg.ManifestPath, err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse suite manifest %s: %w", cfg.ManifestPath, err)
	}
	if len(m.Suites) == 0 {
		return nil, fmt.Errorf("suite manifest %s defines no suites", cfg.ManifestPath)
	}

	r := &Registry{
		log:    cfg.Log,
		suites: make(map[string][]types.TestCase, len(m.Suites)),
	}
	for name, sc := range m.Suites {
		cases, err := validateSuite(name, sc)
		if err != nil {
			return nil, err
		}
		r.suites[name] = cases
		r.log.Infow("discovered suite", "suite", name, "cases", len(cases))
	}
	return r, nil
}

// validateSuite checks case IDs, step actions, and stamps the suite name
// onto every case.
func validateSuite(name string, sc suiteConfig) ([]types.TestCase, error) {
	if len(sc.Cases) == 0 {
		return nil, fmt.Errorf("suite %q has no cases", name)
	}
	seen := make(map[string]struct{}, len(sc.Cases))
	cases := make([]types.TestCase, 0, len(sc.Cases))
	for i, tc := range sc.Cases {
		if tc.ID == "" {
			return nil, fmt.Errorf("suite %q: case at index %d has no id", name, i)
		}
		if _, dup := seen[tc.ID]; dup {
			return nil, fmt.Errorf("suite %q: duplicate case id %q", name, tc.ID)
		}
		seen[tc.ID] = struct{}{}
		if len(tc.Steps) == 0 {
			return nil, fmt.Errorf("suite %q: case %q has no steps", name, tc.ID)
		}
		for j, step := range tc.Steps {
			if !types.IsKnownAction(step.Action) {
				return nil, fmt.Errorf("suite %q: case %q step %d has unknown action %q", name, tc.ID, j, step.Action)
			}
		}
		tc.Suite = name
		cases = append(cases, tc)
	}
	return cases, nil
}

// Suites returns the discovered suite names, sorted.
func (r *Registry) Suites() []string {
	names := make([]string, 0, len(r.suites))
	for name := range r.suites {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasSuite reports whether the suite exists in the manifest.
func (r *Registry) HasSuite(name string) bool {
	_, ok := r.suites[name]
	return ok
}

// Suite returns the ordered case list for a suite. The returned slice is a
// copy; callers cannot mutate the registry's view.
func (r *Registry) Suite(name string) ([]types.TestCase, error) {
	cases, ok := r.suites[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSuite, name)
	}
	out := make([]types.TestCase, len(cases))
	copy(out, cases)
	return out, nil
}
