package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strconv"

	"github.com/roach88/rete/internal/accessor"
	"github.com/roach88/rete/internal/agenda"
	"github.com/roach88/rete/internal/compiler"
	"github.com/roach88/rete/internal/engine"
	"github.com/roach88/rete/internal/ir"
	"github.com/roach88/rete/internal/knowledge"
	"github.com/roach88/rete/internal/memory"
	"github.com/roach88/rete/internal/store"
)

// Harness is the test execution engine for one scenario run.
// It drives a session with a fixed session ID so that traces are
// reproducible, and records agenda events through a store firing log.
type Harness struct {
	store   *store.Store
	kb      *knowledge.KnowledgeBase
	session *engine.Session
	log     *store.FiringLog
	logger  *slog.Logger

	// labels maps scenario fact labels to handles; names is the reverse
	// index by fact ID, used to label trace events.
	labels map[string]*memory.FactHandle
	names  map[int64]string
}

// Option configures a scenario run.
type Option func(*config)

type config struct {
	functions map[string]knowledge.Function
	fallback  knowledge.Function
	logger    *slog.Logger
}

// WithFunctions binds consequence functions declared by scenario packages.
func WithFunctions(fns map[string]knowledge.Function) Option {
	return func(c *config) {
		maps.Copy(c.functions, fns)
	}
}

// WithFallbackFunction binds fn to every declared function that
// WithFunctions leaves unbound.
func WithFallbackFunction(fn knowledge.Function) Option {
	return func(c *config) {
		c.fallback = fn
	}
}

// WithLogger sets the logger for the run. Default: discards logs.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
//
// Execution flow:
// 1. Create fresh in-memory database
// 2. Compile, validate and wire the scenario's packages
// 3. Open a session with the scenario name as its ID
// 4. Execute steps, checking expected errors and counts
// 5. Flush the firing log and build the trace from it
// 6. Evaluate assertions against the trace and working memory
//
// A returned error means the scenario could not run at all; a failing
// step or assertion is reported in the result.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	return run(scenario, nil, opts...)
}

// run executes a scenario; inspect, if set, sees the harness after the
// assertions and before the session is disposed.
func run(scenario *Scenario, inspect func(*Harness), opts ...Option) (*Result, error) {
	cfg := &config{
		functions: make(map[string]knowledge.Function),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	kb := knowledge.New(accessor.NewRecordProvider(), knowledge.WithLogger(cfg.logger))
	if err := loadSpecs(ctx, st, kb, scenario.Specs, cfg); err != nil {
		return nil, err
	}

	strategyName := scenario.Strategy
	if strategyName == "" {
		strategyName = agenda.FIFO{}.Name()
	}
	strategy, err := agenda.StrategyByName(strategyName)
	if err != nil {
		return nil, err
	}

	log := st.NewFiringLog(scenario.Name)
	sess, err := engine.NewSession(kb,
		engine.WithIDGenerator(engine.NewFixedGenerator(scenario.Name)),
		engine.WithStrategy(strategy),
		engine.WithListener(log),
		engine.WithLogger(cfg.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	defer sess.Dispose()

	h := &Harness{
		store:   st,
		kb:      kb,
		session: sess,
		log:     log,
		logger:  cfg.logger,
		labels:  make(map[string]*memory.FactHandle),
		names:   make(map[int64]string),
	}

	for _, name := range slices.Sorted(maps.Keys(scenario.Globals)) {
		sess.SetGlobal(name, scenario.Globals[name])
	}

	result := NewResult()
	h.executeSteps(scenario.Steps, result)

	if err := log.Flush(ctx); err != nil {
		return nil, fmt.Errorf("failed to flush firing log: %w", err)
	}
	firings, err := st.ReadFirings(ctx, scenario.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to read firing log: %w", err)
	}
	for _, f := range firings {
		result.Trace = append(result.Trace, h.traceEvent(f))
	}
	for _, typeName := range kb.Types() {
		if n := len(sess.GetObjectsOfType(typeName)); n > 0 {
			result.State[typeName] = n
		}
	}

	actx := &AssertionContext{Session: sess}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	if inspect != nil {
		inspect(h)
	}
	return result, nil
}

// loadSpecs compiles, validates, wires and adds each package, saving it
// to the run's store.
func loadSpecs(ctx context.Context, st *store.Store, kb *knowledge.KnowledgeBase, paths []string, cfg *config) error {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read spec: %w", err)
		}
		def, err := compiler.CompileSource(path, data)
		if err != nil {
			return fmt.Errorf("failed to compile %s: %w", path, err)
		}
		if errs := compiler.Validate(def); len(errs) > 0 {
			return fmt.Errorf("invalid package %s: %w", path, joinValidation(errs))
		}
		u, err := knowledge.NewUnwired(*def)
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
		fns := maps.Clone(cfg.functions)
		if cfg.fallback != nil {
			for _, decl := range u.Functions() {
				if _, ok := fns[decl.Name]; !ok {
					fns[decl.Name] = cfg.fallback
				}
			}
		}
		pkg, err := kb.Wire(u, knowledge.WithFunctions(fns))
		if err != nil {
			return fmt.Errorf("failed to wire %s: %w", path, err)
		}
		if _, err := kb.AddPackage(pkg); err != nil {
			return fmt.Errorf("failed to add %s: %w", path, err)
		}
		if _, err := st.SavePackage(ctx, pkg); err != nil {
			return err
		}
	}
	return nil
}

func joinValidation(errs []compiler.ValidationError) error {
	all := make([]error, len(errs))
	for i, e := range errs {
		all[i] = e
	}
	return errors.Join(all...)
}

// executeSteps runs the steps in order. A step that fails unexpectedly
// is recorded and the run continues; a failed session rejects the rest.
func (h *Harness) executeSteps(steps []Step, result *Result) {
	for i, step := range steps {
		err := h.executeStep(step, result, i)
		h.logger.Debug("scenario step",
			"step", i,
			"kind", step.Kind(),
			"error", err,
		)
		want := expectedError(step)
		got := errorCode(err)
		switch {
		case want == "" && err != nil:
			result.AddError(fmt.Sprintf("steps[%d] %s: %v", i, step.Kind(), err))
		case want != "" && got != want:
			result.AddError(fmt.Sprintf("steps[%d] %s: expected error %s, got %v", i, step.Kind(), want, errOrNone(err)))
		}
	}
}

func (h *Harness) executeStep(step Step, result *Result, index int) error {
	switch {
	case step.Insert != nil:
		return h.insert(step.Insert)
	case step.Update != nil:
		fields, err := convertArgsToIRObject(step.Update.Fields)
		if err != nil {
			return err
		}
		return h.session.Modify(h.labels[step.Update.Fact], func(fact any) error {
			rec, ok := fact.(*accessor.Record)
			if !ok {
				return fmt.Errorf("fact %s is not a record", step.Update.Fact)
			}
			maps.Copy(rec.Fields, fields)
			return nil
		})
	case step.Delete != nil:
		return h.session.Delete(h.labels[step.Delete.Fact])
	case step.Fire != nil:
		fired, err := h.session.FireAllRules(step.Fire.Max)
		if err == nil && step.Fire.Expect != nil && fired != *step.Fire.Expect {
			result.AddError(fmt.Sprintf("steps[%d] fire: expected %d firings, got %d", index, *step.Fire.Expect, fired))
		}
		return err
	case step.Query != nil:
		if msg := checkQuery(h.session, step.Query.Name, step.Query.Rows); msg != "" {
			result.AddError(fmt.Sprintf("steps[%d] query: %s", index, msg))
		}
	}
	return nil
}

// insert builds a record from the type's template defaults and the
// step's fields, then inserts it.
func (h *Harness) insert(step *InsertStep) error {
	fields, err := convertArgsToIRObject(step.Fields)
	if err != nil {
		return err
	}
	declared, err := h.kb.Provider().Fields(step.Type)
	if err != nil {
		return err
	}
	for name := range fields {
		if !slices.Contains(declared, name) {
			return &engine.RuntimeError{
				Code:    engine.ErrCodeInvalidFact,
				Message: fmt.Sprintf("%s has no field %s", step.Type, name),
				Err:     accessor.ErrUnknownField,
			}
		}
	}

	values := ir.IRObject{}
	if tmpl, ok := h.kb.Template(step.Type); ok {
		values = tmpl.Defaults.Clone()
	}
	maps.Copy(values, fields)

	handle, err := h.session.Insert(accessor.NewRecord(step.Type, values))
	if err != nil {
		return err
	}
	if step.As != "" {
		h.labels[step.As] = handle
		h.names[handle.ID()] = step.As
	}
	return nil
}

// label names a fact in the trace: its scenario label, else #ID.
func (h *Harness) label(id int64) string {
	if id == 0 {
		return "-"
	}
	if name, ok := h.names[id]; ok {
		return name
	}
	return "#" + strconv.FormatInt(id, 10)
}

func (h *Harness) traceEvent(f store.Firing) TraceEvent {
	facts := make([]string, len(f.Facts))
	for i, id := range f.Facts {
		facts[i] = h.label(id)
	}
	return TraceEvent{
		Seq:   f.Seq,
		Event: string(f.Event),
		Rule:  f.Rule,
		Facts: facts,
		Error: f.Error,
	}
}

func expectedError(step Step) string {
	switch {
	case step.Insert != nil:
		return step.Insert.ExpectError
	case step.Update != nil:
		return step.Update.ExpectError
	case step.Delete != nil:
		return step.Delete.ExpectError
	case step.Fire != nil:
		return step.Fire.ExpectError
	}
	return ""
}

// errorCode returns the runtime error code of err, "" if it has none.
func errorCode(err error) string {
	if err == nil {
		return ""
	}
	var re *engine.RuntimeError
	if errors.As(engine.Classify(err), &re) {
		return string(re.Code)
	}
	return ""
}

func errOrNone(err error) any {
	if err == nil {
		return "no error"
	}
	return err
}

// convertArgsToIRObject converts a map[string]any to ir.IRObject.
// This handles YAML-parsed values and converts them to proper IRValue types.
func convertArgsToIRObject(args map[string]any) (ir.IRObject, error) {
	result := make(ir.IRObject, len(args))
	for key, val := range args {
		irVal, err := convertToIRValue(val)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		result[key] = irVal
	}
	return result, nil
}

// convertToIRValue converts a YAML-parsed value to an IRValue.
// YAML null becomes IRNull; integral floats become IRInt; other floats
// are forbidden.
func convertToIRValue(val any) (ir.IRValue, error) {
	switch v := val.(type) {
	case float64:
		if v == float64(int64(v)) {
			return ir.IRInt(int64(v)), nil
		}
		return nil, fmt.Errorf("floats are forbidden in IR: %v", v)
	case []any:
		arr := make(ir.IRArray, len(v))
		for i, elem := range v {
			irElem, err := convertToIRValue(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			arr[i] = irElem
		}
		return arr, nil
	case map[string]any:
		return convertArgsToIRObject(v)
	}
	return ir.FromGo(val)
}
