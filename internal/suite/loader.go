package suite

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mattjoyce/loom/internal/config"
	"github.com/mattjoyce/loom/internal/model"
)

// TestRef locates a test spec inside the serialized payload.
type TestRef struct {
	File string `json:"file"`
	ID   string `json:"id"`
}

// Payload is the serialized image of the loader shipped to every worker at
// init. Workers resolve run entries against it without touching the suites
// on disk again.
type Payload struct {
	DefaultTimeout time.Duration      `json:"defaultTimeout"`
	Suites         map[string]*Suite  `json:"suites"`
	Tests          map[string]TestRef `json:"tests"`
}

// FullConfig is the slice of configuration the dispatcher needs.
type FullConfig struct {
	Workers     int
	MaxFailures int
}

// Loader discovers suites and prepares the groups a dispatcher run consumes.
type Loader struct {
	cfg     *config.Config
	suites  []*Suite
	groups  []*model.TestGroup
	payload Payload
}

// NewLoader discovers suites under cfg.SuitesDir and builds the run plan:
// one group per suite per repeat-each pass, tests in manifest order.
func NewLoader(cfg *config.Config) (*Loader, error) {
	suites, err := Discover(cfg.SuitesDir)
	if err != nil {
		return nil, err
	}
	if len(suites) == 0 {
		return nil, fmt.Errorf("no suite manifests found under %s", cfg.SuitesDir)
	}
	return newLoader(cfg, suites)
}

func newLoader(cfg *config.Config, suites []*Suite) (*Loader, error) {
	l := &Loader{
		cfg:    cfg,
		suites: suites,
		payload: Payload{
			DefaultTimeout: cfg.Run.Timeout.Std(),
			Suites:         make(map[string]*Suite, len(suites)),
			Tests:          make(map[string]TestRef),
		},
	}

	for _, s := range suites {
		if _, dup := l.payload.Suites[s.Path]; dup {
			return nil, fmt.Errorf("duplicate suite path %q", s.Path)
		}
		l.payload.Suites[s.Path] = s
	}

	for repeat := 0; repeat < cfg.Run.RepeatEach; repeat++ {
		for projectIndex, s := range suites {
			group := &model.TestGroup{
				WorkerHash:      WorkerHash(s.Env, projectIndex),
				RequireFile:     s.Path,
				RepeatEachIndex: repeat,
				ProjectIndex:    projectIndex,
			}
			for i := range s.Tests {
				spec := &s.Tests[i]
				id := TestID(s.Path, spec.ID, repeat)

				timeout := spec.Timeout.Std()
				if timeout == 0 {
					timeout = cfg.Run.Timeout.Std()
				}
				group.Tests = append(group.Tests, &model.TestCase{
					ID:             id,
					Name:           spec.Name,
					SuiteName:      s.Name,
					ExpectedStatus: spec.Expect,
					Retries:        spec.Retries,
					Timeout:        timeout,
					Annotations:    spec.Annotations,
				})
				l.payload.Tests[id] = TestRef{File: s.Path, ID: spec.ID}
			}
			l.groups = append(l.groups, group)
		}
	}
	return l, nil
}

// TestID builds the run-wide unique id for one test attempt lineage.
func TestID(suitePath, localID string, repeatEachIndex int) string {
	return fmt.Sprintf("%s::%s::r%d", suitePath, localID, repeatEachIndex)
}

// FullConfig returns the dispatcher-facing configuration.
func (l *Loader) FullConfig() (workers, maxFailures int) {
	return l.cfg.Run.Workers, l.cfg.Run.MaxFailures
}

// Serialize returns the opaque loader image forwarded verbatim to each
// worker's init message.
func (l *Loader) Serialize() ([]byte, error) {
	b, err := json.Marshal(l.payload)
	if err != nil {
		return nil, fmt.Errorf("serialize loader payload: %w", err)
	}
	return b, nil
}

// DeserializePayload is the worker-side counterpart of Serialize.
func DeserializePayload(data []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("deserialize loader payload: %w", err)
	}
	if p.Suites == nil {
		return nil, fmt.Errorf("loader payload has no suites")
	}
	return &p, nil
}

// Groups returns the planned test groups in dispatch order.
func (l *Loader) Groups() []*model.TestGroup {
	return l.groups
}

// Suites returns the discovered suites in path order.
func (l *Loader) Suites() []*Suite {
	return l.suites
}
