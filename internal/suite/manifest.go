// Package suite loads test suite manifests and turns them into the groups
// the dispatcher schedules. A suite is a yaml file declaring external
// commands to run as tests, plus the environment they require.
package suite

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/loom/internal/config"
	"github.com/mattjoyce/loom/internal/model"
)

// ArtifactSpec declares a file a test is expected to produce. Existing files
// are reported as attachments with the test's terminal result.
type ArtifactSpec struct {
	Name        string `yaml:"name" json:"name"`
	Path        string `yaml:"path" json:"path"`
	ContentType string `yaml:"content_type,omitempty" json:"contentType,omitempty"`
}

// TestSpec declares a single test inside a suite.
type TestSpec struct {
	ID      string          `yaml:"id" json:"id"`
	Name    string          `yaml:"name,omitempty" json:"name,omitempty"`
	Cmd     string          `yaml:"cmd" json:"cmd"`
	Args    []string        `yaml:"args,omitempty" json:"args,omitempty"`
	Expect  model.Status    `yaml:"expect,omitempty" json:"expect,omitempty"`
	Retries int             `yaml:"retries,omitempty" json:"retries,omitempty"`
	Timeout config.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Skip    bool            `yaml:"skip,omitempty" json:"skip,omitempty"`

	Annotations []model.Annotation `yaml:"annotations,omitempty" json:"annotations,omitempty"`
	Artifacts   []ArtifactSpec     `yaml:"artifacts,omitempty" json:"artifacts,omitempty"`
}

// Suite is one parsed manifest.
type Suite struct {
	Name  string            `yaml:"name" json:"name"`
	Env   map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Tests []TestSpec        `yaml:"tests" json:"tests"`

	// Path is the manifest location, set at parse time. It doubles as the
	// require-file handle shipped to workers.
	Path string `yaml:"-" json:"path"`
}

// ParseManifest parses and validates one suite manifest.
func ParseManifest(data []byte, path string) (*Suite, error) {
	var s Suite
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse suite manifest %s: %w", path, err)
	}
	s.Path = path

	if s.Name == "" {
		return nil, fmt.Errorf("suite %s: name is required", path)
	}
	if len(s.Tests) == 0 {
		return nil, fmt.Errorf("suite %s: at least one test is required", path)
	}

	seen := make(map[string]bool, len(s.Tests))
	for i := range s.Tests {
		t := &s.Tests[i]
		if t.ID == "" {
			return nil, fmt.Errorf("suite %s: tests[%d]: id is required", path, i)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("suite %s: duplicate test id %q", path, t.ID)
		}
		seen[t.ID] = true

		if t.Name == "" {
			t.Name = t.ID
		}
		if t.Expect == "" {
			if t.Skip {
				t.Expect = model.StatusSkipped
			} else {
				t.Expect = model.StatusPassed
			}
		}
		if !t.Expect.Valid() {
			return nil, fmt.Errorf("suite %s: test %q: invalid expect value %q", path, t.ID, t.Expect)
		}
		if !t.Skip && t.Cmd == "" {
			return nil, fmt.Errorf("suite %s: test %q: cmd is required", path, t.ID)
		}
		if t.Retries < 0 {
			return nil, fmt.Errorf("suite %s: test %q: retries must not be negative", path, t.ID)
		}
	}
	return &s, nil
}

// FindTest returns the spec with the given local id, or nil.
func (s *Suite) FindTest(id string) *TestSpec {
	for i := range s.Tests {
		if s.Tests[i].ID == id {
			return &s.Tests[i]
		}
	}
	return nil
}
