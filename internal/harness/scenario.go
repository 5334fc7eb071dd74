package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Scenario defines a conformance test scenario.
// Scenarios compile rule packages, drive a session through a list of
// steps, and assert on the resulting agenda trace and working memory.
type Scenario struct {
	// Name uniquely identifies this scenario. It is also the session ID,
	// so traces of the same scenario are comparable across runs.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Specs lists paths to CUE package files to compile and load.
	// Paths are relative to the scenario file location.
	Specs []string `yaml:"specs"`

	// Strategy names the agenda tie-break strategy (fifo, lifo,
	// rule-order). Empty means fifo.
	Strategy string `yaml:"strategy,omitempty"`

	// Globals are set on the session before the first step.
	Globals map[string]any `yaml:"globals,omitempty"`

	// Steps drive the session in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and working memory.
	// Supported types: fact_count, fired, query, objects_of_type, trace_contains
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one session operation. Exactly one field must be set.
type Step struct {
	Insert *InsertStep `yaml:"insert,omitempty"`
	Update *UpdateStep `yaml:"update,omitempty"`
	Delete *DeleteStep `yaml:"delete,omitempty"`
	Fire   *FireStep   `yaml:"fire,omitempty"`
	Query  *QueryStep  `yaml:"query,omitempty"`
}

// Kind returns the name of the operation the step performs.
func (s Step) Kind() string {
	switch {
	case s.Insert != nil:
		return "insert"
	case s.Update != nil:
		return "update"
	case s.Delete != nil:
		return "delete"
	case s.Fire != nil:
		return "fire"
	case s.Query != nil:
		return "query"
	}
	return ""
}

func (s Step) count() int {
	n := 0
	for _, set := range []bool{s.Insert != nil, s.Update != nil, s.Delete != nil, s.Fire != nil, s.Query != nil} {
		if set {
			n++
		}
	}
	return n
}

// InsertStep inserts a record fact.
type InsertStep struct {
	// Type is the declared fact type.
	Type string `yaml:"type"`

	// As labels the fact for later steps and for the trace.
	As string `yaml:"as,omitempty"`

	// Fields holds the record's field values.
	Fields map[string]any `yaml:"fields"`

	// ExpectError is the runtime error code the insert must fail with.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// UpdateStep changes fields of a labelled fact in place and notifies
// the session, as Session.Modify does.
type UpdateStep struct {
	Fact        string         `yaml:"fact"`
	Fields      map[string]any `yaml:"fields"`
	ExpectError string         `yaml:"expect_error,omitempty"`
}

// DeleteStep deletes a labelled fact.
type DeleteStep struct {
	Fact        string `yaml:"fact"`
	ExpectError string `yaml:"expect_error,omitempty"`
}

// FireStep fires rules. Max <= 0 fires until the agenda is empty.
type FireStep struct {
	Max int `yaml:"max,omitempty"`

	// Expect is the number of activations the step must fire, if set.
	Expect *int `yaml:"expect,omitempty"`

	ExpectError string `yaml:"expect_error,omitempty"`
}

// QueryStep evaluates a query mid-scenario and checks its rows.
type QueryStep struct {
	Name string           `yaml:"name"`
	Rows []map[string]any `yaml:"rows"`
}

// Assertion validates the trace or final working memory.
type Assertion struct {
	// Type specifies the assertion type:
	// - "fact_count": Check the number of facts in working memory
	// - "fired": Check the fired rules, in order or by count
	// - "query": Evaluate a query and check its rows
	// - "objects_of_type": Check the facts of one type
	// - "trace_contains": Check a rule event appears in the trace
	Type string `yaml:"type"`

	// Count is the expected number (fact_count, fired with rule,
	// objects_of_type without objects).
	Count int `yaml:"count,omitempty"`

	// Rules is the exact sequence of fired rules (fired).
	Rules []string `yaml:"rules,omitempty"`

	// Rule names a rule (fired with count, trace_contains).
	Rule string `yaml:"rule,omitempty"`

	// Event is the trace event kind (trace_contains). Default: fired.
	Event string `yaml:"event,omitempty"`

	// Facts are the expected fact labels of a trace event
	// (trace_contains). Subset match by position.
	Facts []string `yaml:"facts,omitempty"`

	// Query names the query to evaluate (query).
	Query string `yaml:"query,omitempty"`

	// Rows are the expected query rows, variable → value (query).
	// Each row is a subset match; the number of rows must match.
	Rows []map[string]any `yaml:"rows,omitempty"`

	// FactType is the type to look up (objects_of_type).
	FactType string `yaml:"fact_type,omitempty"`

	// Objects are the expected field values of each fact, in working
	// memory order (objects_of_type). Subset match per object.
	Objects []map[string]any `yaml:"objects,omitempty"`
}

// Assertion type constants.
const (
	AssertFactCount     = "fact_count"
	AssertFired         = "fired"
	AssertQuery         = "query"
	AssertObjectsOfType = "objects_of_type"
	AssertTraceContains = "trace_contains"
)

// LoadScenario reads and parses a scenario YAML file, resolving spec
// paths relative to the file's directory.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving spec paths relative to the provided base path.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Resolve spec paths relative to base path BEFORE validation
	for i, specPath := range scenario.Specs {
		if !filepath.IsAbs(specPath) && basePath != "" {
			scenario.Specs[i] = filepath.Join(basePath, specPath)
		}
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
	if len(s.Specs) == 0 {
		return fmt.Errorf("specs list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for _, specPath := range s.Specs {
		if _, err := os.Stat(specPath); os.IsNotExist(err) {
			return fmt.Errorf("spec file not found: %s", specPath)
		}
	}

	labels := make(map[string]bool)
	for i, step := range s.Steps {
		if err := validateStep(i, step, labels); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

// validateStep checks one step. Labels must be introduced by an insert
// before later steps refer to them.
func validateStep(index int, step Step, labels map[string]bool) error {
	if n := step.count(); n != 1 {
		return fmt.Errorf("steps[%d]: exactly one of insert, update, delete, fire, query is required (got %d)", index, n)
	}

	switch {
	case step.Insert != nil:
		if step.Insert.Type == "" {
			return fmt.Errorf("steps[%d].insert: type is required", index)
		}
		if step.Insert.As != "" {
			if labels[step.Insert.As] {
				return fmt.Errorf("steps[%d].insert: label %q is already used", index, step.Insert.As)
			}
			labels[step.Insert.As] = true
		}
	case step.Update != nil:
		if !labels[step.Update.Fact] {
			return fmt.Errorf("steps[%d].update: unknown fact %q", index, step.Update.Fact)
		}
		if len(step.Update.Fields) == 0 {
			return fmt.Errorf("steps[%d].update: fields are required", index)
		}
	case step.Delete != nil:
		if !labels[step.Delete.Fact] {
			return fmt.Errorf("steps[%d].delete: unknown fact %q", index, step.Delete.Fact)
		}
	case step.Fire != nil:
		if step.Fire.Expect != nil && *step.Fire.Expect < 0 {
			return fmt.Errorf("steps[%d].fire: expect must be non-negative", index)
		}
	case step.Query != nil:
		if step.Query.Name == "" {
			return fmt.Errorf("steps[%d].query: name is required", index)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertFactCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for fact_count", index)
		}
	case AssertFired:
		if len(a.Rules) == 0 && a.Rule == "" {
			return fmt.Errorf("assertions[%d]: rules or rule is required for fired", index)
		}
		if len(a.Rules) > 0 && a.Rule != "" {
			return fmt.Errorf("assertions[%d]: rules and rule are exclusive for fired", index)
		}
	case AssertQuery:
		if a.Query == "" {
			return fmt.Errorf("assertions[%d]: query is required for query", index)
		}
	case AssertObjectsOfType:
		if a.FactType == "" {
			return fmt.Errorf("assertions[%d]: fact_type is required for objects_of_type", index)
		}
	case AssertTraceContains:
		if a.Rule == "" {
			return fmt.Errorf("assertions[%d]: rule is required for trace_contains", index)
		}
		switch a.Event {
		case "", "created", "cancelled", "fired", "failed":
		default:
			return fmt.Errorf("assertions[%d]: unknown event %q for trace_contains", index, a.Event)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
