package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario defines a sequence of operations against a fresh instance and
// the assertions its final state must satisfy.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Policy sets the boundary's default transfer requirements.
	Policy Policy `yaml:"policy,omitempty"`

	// Contexts are registered with fresh key material before setup.
	Contexts []ContextDecl `yaml:"contexts"`

	// Scripts maps reducer names to JavaScript sources.
	Scripts map[string]string `yaml:"scripts,omitempty"`

	// Watch subscribes selectors before setup runs.
	Watch []Watch `yaml:"watch,omitempty"`

	// Setup steps run before the flow and must all succeed. They are not
	// traced, but watches observe them.
	Setup []Step `yaml:"setup,omitempty"`

	Flow []Step `yaml:"flow"`

	Assertions []Assertion `yaml:"assertions"`
}

// Policy is the default transfer requirement between any two contexts.
type Policy struct {
	Sign    bool `yaml:"sign"`
	Encrypt bool `yaml:"encrypt"`
}

// ContextDecl declares a context and the contexts it may export to.
type ContextDecl struct {
	ID          string   `yaml:"id"`
	Permissions []string `yaml:"permissions,omitempty"`
}

// Watch subscribes a path selector on a context.
type Watch struct {
	Name    string `yaml:"name"`
	Context string `yaml:"context"`
	Path    string `yaml:"path"`
}

// Step is one operation. Exactly one of its operation fields is set.
type Step struct {
	Apply    *ApplyStep    `yaml:"apply,omitempty"`
	Race     *RaceStep     `yaml:"race,omitempty"`
	Transfer *TransferStep `yaml:"transfer,omitempty"`
	Grant    *PermStep     `yaml:"grant,omitempty"`
	Revoke   *PermStep     `yaml:"revoke,omitempty"`

	// Expect is the expected outcome: "ok" or an error code. Empty means
	// "ok".
	Expect string `yaml:"expect,omitempty"`
}

// Op names a reducer and its input.
type Op struct {
	Reducer string `yaml:"reducer"`
	Input   any    `yaml:"input,omitempty"`
}

// ApplyStep applies one reducer to a context.
type ApplyStep struct {
	Context string `yaml:"context"`
	Op      `yaml:",inline"`
}

// RaceStep starts two transactions from the same head and commits them
// in order.
type RaceStep struct {
	Context string `yaml:"context"`
	First   Op     `yaml:"first"`
	Second  Op     `yaml:"second"`
}

// TransferStep exports the subtree at Path of From's head and imports it
// into To.
type TransferStep struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
	Path string `yaml:"path,omitempty"`
}

// PermStep changes whether From may export to To.
type PermStep struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// kind returns the trace kind of the step's operation and how many
// operations are set.
func (s *Step) kind() (string, int) {
	var kind string
	n := 0
	if s.Apply != nil {
		kind, n = KindApply, n+1
	}
	if s.Race != nil {
		kind, n = KindRace, n+1
	}
	if s.Transfer != nil {
		kind, n = KindTransfer, n+1
	}
	if s.Grant != nil {
		kind, n = KindGrant, n+1
	}
	if s.Revoke != nil {
		kind, n = KindRevoke, n+1
	}
	return kind, n
}

// Assertion validates final state or the trace.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	Context string `yaml:"context,omitempty"`
	Path    string `yaml:"path,omitempty"`
	Watch   string `yaml:"watch,omitempty"`

	// Expect is the expected value (value) or list of values
	// (notifications).
	Expect any `yaml:"expect,omitempty"`

	// Count is the expected generation, commit count or signed commit
	// count.
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertValue         = "value"
	AssertAbsent        = "absent"
	AssertGeneration    = "generation"
	AssertHistory       = "history"
	AssertNotifications = "notifications"
	AssertVerify        = "verify"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Contexts) == 0 {
		return fmt.Errorf("contexts list is required and must be non-empty")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	declared := make(map[string]bool, len(s.Contexts))
	for i, c := range s.Contexts {
		if c.ID == "" {
			return fmt.Errorf("contexts[%d]: id is required", i)
		}
		if declared[c.ID] {
			return fmt.Errorf("contexts[%d]: duplicate context %q", i, c.ID)
		}
		declared[c.ID] = true
	}

	watches := make(map[string]bool, len(s.Watch))
	for i, w := range s.Watch {
		if w.Name == "" || w.Context == "" {
			return fmt.Errorf("watch[%d]: name and context are required", i)
		}
		if watches[w.Name] {
			return fmt.Errorf("watch[%d]: duplicate watch %q", i, w.Name)
		}
		watches[w.Name] = true
	}

	for i := range s.Setup {
		if err := validateStep(&s.Setup[i]); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
		if e := s.Setup[i].Expect; e != "" && e != OutcomeOK {
			return fmt.Errorf("setup[%d]: setup steps must succeed", i)
		}
		if s.Setup[i].Race != nil {
			return fmt.Errorf("setup[%d]: race is only allowed in flow", i)
		}
	}
	for i := range s.Flow {
		if err := validateStep(&s.Flow[i]); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a, watches); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(s *Step) error {
	kind, n := s.kind()
	if n != 1 {
		return fmt.Errorf("exactly one operation is required, got %d", n)
	}
	switch kind {
	case KindApply:
		if s.Apply.Context == "" || s.Apply.Reducer == "" {
			return fmt.Errorf("apply: context and reducer are required")
		}
	case KindRace:
		if s.Race.Context == "" || s.Race.First.Reducer == "" || s.Race.Second.Reducer == "" {
			return fmt.Errorf("race: context and both reducers are required")
		}
	case KindTransfer:
		if s.Transfer.From == "" || s.Transfer.To == "" {
			return fmt.Errorf("transfer: from and to are required")
		}
	case KindGrant:
		if s.Grant.From == "" || s.Grant.To == "" {
			return fmt.Errorf("grant: from and to are required")
		}
	case KindRevoke:
		if s.Revoke.From == "" || s.Revoke.To == "" {
			return fmt.Errorf("revoke: from and to are required")
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, watches map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertValue:
		if a.Context == "" {
			return fmt.Errorf("assertions[%d]: context is required for value", index)
		}
		if a.Expect == nil {
			return fmt.Errorf("assertions[%d]: expect is required for value (use absent for missing paths)", index)
		}
	case AssertAbsent, AssertGeneration, AssertHistory, AssertVerify:
		if a.Context == "" {
			return fmt.Errorf("assertions[%d]: context is required for %s", index, a.Type)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for %s", index, a.Type)
		}
	case AssertNotifications:
		if !watches[a.Watch] {
			return fmt.Errorf("assertions[%d]: unknown watch %q", index, a.Watch)
		}
		if _, ok := a.Expect.([]any); !ok && a.Expect != nil {
			return fmt.Errorf("assertions[%d]: expect must be a list for notifications", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
