package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/pretest/internal/ir"
)

// Scenario defines an integration scenario.
// A scenario seeds an in-memory repository, runs a flow of steps against
// one project, and asserts on the recorded trace and the final state.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Project overrides the defaults of the project under test.
	Project ProjectSpec `yaml:"project,omitempty"`

	// Setup lists commits created before the flow starts.
	Setup []CommitSpec `yaml:"setup,omitempty"`

	// Flow contains the steps to execute, in order.
	Flow []Step `yaml:"flow"`

	// Assertions validate the final trace and state.
	// Supported types: outcomes, outcome_count, state, branch_head, pushed
	Assertions []Assertion `yaml:"assertions"`
}

// ProjectSpec configures the project under test. Zero values take the
// defaults of defaultProject.
type ProjectSpec struct {
	IntegrationBranch string `yaml:"integration_branch,omitempty"`
	Staging           string `yaml:"staging,omitempty"`
	NoPush            bool   `yaml:"no_push,omitempty"`
	UseAuthor         bool   `yaml:"use_author,omitempty"`
}

// CommitSpec creates one commit in the repository.
type CommitSpec struct {
	// Branch receives the commit.
	Branch string `yaml:"branch"`

	// From is the parent (branch name or revision) when Branch is new.
	From string `yaml:"from,omitempty"`

	Author  string `yaml:"author,omitempty"`
	Message string `yaml:"message,omitempty"`

	// Files are applied on top of the parent. An empty value deletes.
	Files map[string]string `yaml:"files,omitempty"`
}

// Step is one flow step. Exactly one action field is set.
type Step struct {
	// Commit adds a commit to the repository.
	Commit *CommitSpec `yaml:"commit,omitempty"`

	// Integrate runs this many single cycles.
	Integrate int `yaml:"integrate,omitempty"`

	// Drain schedules the project and runs cycles until nothing is pending.
	Drain bool `yaml:"drain,omitempty"`

	// Build is the verdict returned for the cycles of an integrate or drain
	// step: success (default), failure or aborted.
	Build string `yaml:"build,omitempty"`

	// Reset requests that selection restarts from the integration head.
	Reset bool `yaml:"reset,omitempty"`

	// Retry clears the rejection of a revision, or of all revisions when
	// the value is "all".
	Retry string `yaml:"retry,omitempty"`

	// PushError makes every following push fail with this message.
	PushError string `yaml:"push_error,omitempty"`
}

// action names the step's action for messages and validation.
func (s Step) action() string {
	var set []string
	if s.Commit != nil {
		set = append(set, "commit")
	}
	if s.Integrate > 0 {
		set = append(set, "integrate")
	}
	if s.Drain {
		set = append(set, "drain")
	}
	if s.Reset {
		set = append(set, "reset")
	}
	if s.Retry != "" {
		set = append(set, "retry")
	}
	if s.PushError != "" {
		set = append(set, "push_error")
	}
	if len(set) != 1 {
		return fmt.Sprint(set)
	}
	return set[0]
}

// Assertion validates the trace or the final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "outcomes": the cycle outcomes, in order, equal Outcomes
	// - "outcome_count": Outcome occurs exactly Count times
	// - "state": the final integration state matches the set fields
	// - "branch_head": Branch points at Revision
	// - "pushed": the last push of Branch was Revision
	Type string `yaml:"type"`

	// Outcomes is the expected outcome sequence (used by outcomes).
	Outcomes []string `yaml:"outcomes,omitempty"`

	// Outcome and Count are used by outcome_count.
	Outcome string `yaml:"outcome,omitempty"`
	Count   int    `yaml:"count,omitempty"`

	// LastIntegrated, ResetRequested and Rejected are used by state.
	// Nil fields are not checked.
	LastIntegrated *string  `yaml:"last_integrated,omitempty"`
	ResetRequested *bool    `yaml:"reset_requested,omitempty"`
	Rejected       []string `yaml:"rejected,omitempty"`

	// Branch and Revision are used by branch_head and pushed.
	Branch   string `yaml:"branch,omitempty"`
	Revision string `yaml:"revision,omitempty"`
}

// Assertion type constants.
const (
	AssertOutcomes     = "outcomes"
	AssertOutcomeCount = "outcome_count"
	AssertState        = "state"
	AssertBranchHead   = "branch_head"
	AssertPushed       = "pushed"
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

// ParseScenario parses scenario YAML.
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
		return errors.New("name is required")
	}
	if s.Description == "" {
		return errors.New("description is required")
	}
	if len(s.Flow) == 0 {
		return errors.New("flow list is required and must be non-empty")
	}

	for i, c := range s.Setup {
		if err := validateCommit(c); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
	}

	for i, step := range s.Flow {
		switch step.action() {
		case "commit":
			if err := validateCommit(*step.Commit); err != nil {
				return fmt.Errorf("flow[%d]: %w", i, err)
			}
		case "integrate", "drain":
			if step.Build != "" {
				if _, err := ir.ParseBuildResult(step.Build); err != nil {
					return fmt.Errorf("flow[%d]: %w", i, err)
				}
			}
		case "reset", "retry", "push_error":
			if step.Build != "" {
				return fmt.Errorf("flow[%d]: build is only valid for integrate and drain", i)
			}
		default:
			return fmt.Errorf("flow[%d]: exactly one action is required, got %s", i, step.action())
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertion[%d]: %w", i, err)
		}
	}
	return nil
}

func validateCommit(c CommitSpec) error {
	if c.Branch == "" {
		return errors.New("commit branch is required")
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertOutcomes:
		for _, o := range a.Outcomes {
			if !validOutcome(o) {
				return fmt.Errorf("unknown outcome %q", o)
			}
		}
	case AssertOutcomeCount:
		if !validOutcome(a.Outcome) {
			return fmt.Errorf("unknown outcome %q", a.Outcome)
		}
		if a.Count < 0 {
			return errors.New("count must be non-negative")
		}
	case AssertState:
	case AssertBranchHead, AssertPushed:
		if a.Branch == "" {
			return fmt.Errorf("%s requires branch", a.Type)
		}
	case "":
		return errors.New("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

func validOutcome(s string) bool {
	switch ir.OutcomeKind(s) {
	case ir.OutcomeIntegrated, ir.OutcomeRejectedConflict, ir.OutcomeRejectedBuild,
		ir.OutcomeNoOp, ir.OutcomeFatal:
		return true
	}
	return false
}
