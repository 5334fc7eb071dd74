package harness

// TraceEvent is one agenda event of a scenario run.
type TraceEvent struct {
	Seq   int64    `json:"seq"`
	Event string   `json:"event"` // created, cancelled, fired or failed
	Rule  string   `json:"rule"`
	Facts []string `json:"facts"` // fact labels, "-" for levels without a fact
	Error string   `json:"error,omitempty"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every step behaved as expected and all assertions hold.
	Pass bool `json:"pass"`

	// Trace contains all agenda events in order.
	// Used for trace assertions and golden comparison.
	Trace []TraceEvent `json:"trace"`

	// Errors contains step and assertion failure messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State counts the facts left in working memory by type.
	State map[string]int `json:"state,omitempty"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[string]int),
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Fired returns the rules of fired events in trace order.
func (r *Result) Fired() []string {
	rules := []string{}
	for _, e := range r.Trace {
		if e.Event == "fired" {
			rules = append(rules, e.Rule)
		}
	}
	return rules
}
