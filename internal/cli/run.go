package cli

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/rete/internal/agenda"
	"github.com/roach88/rete/internal/engine"
	"github.com/roach88/rete/internal/ir"
	"github.com/roach88/rete/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Facts    string
	Max      int
	Queries  []string
	Strategy string
	Database string
	Session  string
	Metrics  bool

	// IDGenerator allows overriding the session ID generator (for testing).
	// If nil and --session is unset, defaults to UUIDv7Generator.
	IDGenerator engine.IDGenerator
}

// RunResult is the outcome of one run.
type RunResult struct {
	Session   string                      `json:"session"`
	Fired     int                         `json:"fired"`
	FactCount int                         `json:"fact_count"`
	Facts     map[string]int              `json:"facts"`
	Queries   map[string][]map[string]any `json:"queries,omitempty"`
	Globals   map[string]any              `json:"globals,omitempty"`
	Metrics   map[string]float64          `json:"metrics,omitempty"`
	Error     string                      `json:"error,omitempty"`
	ErrorCode string                      `json:"error_code,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <path>...",
		Short: "Run rule packages over a set of facts",
		Long: `Load rule packages, insert the facts of a fact file, and fire rules
until the agenda is empty or --max rules have fired.

The fact file is YAML:

  globals:
    seen: []
  facts:
    - type: Person
      fields: {name: bob, age: 30}

With --db the packages and the session's firing log are saved in a
package store, where inspect can read them back.

Example:
  rete run ./rules --facts facts.yaml --query adults
  rete run rules.rpkg --facts facts.yaml --db ./rete.db --session nightly`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Facts, "facts", "", "YAML fact file to insert")
	cmd.Flags().IntVar(&opts.Max, "max", 0, "fire at most this many rules (0 for no limit)")
	cmd.Flags().StringArrayVar(&opts.Queries, "query", nil, "query to report after firing (repeatable)")
	cmd.Flags().StringVar(&opts.Strategy, "strategy", agenda.FIFO{}.Name(), "agenda tie-break strategy")
	cmd.Flags().StringVar(&opts.Database, "db", "", "package store to record the session in")
	cmd.Flags().StringVar(&opts.Session, "session", "", "session ID (default: a new UUIDv7)")
	cmd.Flags().BoolVar(&opts.Metrics, "metrics", false, "report agenda metrics")

	return cmd
}

func runSession(opts *RunOptions, paths []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	loadResult, loadErrors := LoadPackages(paths, LoadModeFailFast)
	if len(loadErrors) > 0 {
		code, message := parseCompileError(loadErrors[0])
		return outputRunError(formatter, code, message)
	}
	if errs, _ := checkPackages(loadResult); len(errs) > 0 {
		return outputRunError(formatter, errs[0].Code, errs[0].Field+": "+errs[0].Message)
	}

	strategy, err := agenda.StrategyByName(opts.Strategy)
	if err != nil {
		return outputRunError(formatter, ErrCodeGeneric, err.Error())
	}

	kb, wired, _, err := buildKnowledgeBase(loadResult.Packages, logger)
	if err != nil {
		return outputRunError(formatter, ErrCodeWiring, err.Error())
	}

	facts := &FactFile{}
	if opts.Facts != "" {
		if facts, err = LoadFactFile(opts.Facts); err != nil {
			return outputRunError(formatter, ErrCodeInput, err.Error())
		}
	}
	records, err := facts.Records(kb)
	if err != nil {
		return outputRunError(formatter, ErrCodeInput, err.Error())
	}

	id := opts.Session
	if id == "" {
		gen := opts.IDGenerator
		if gen == nil {
			gen = engine.UUIDv7Generator{}
		}
		id = gen.Generate()
	}
	sessOpts := []engine.SessionOption{
		engine.WithStrategy(strategy),
		engine.WithLogger(logger),
		engine.WithIDGenerator(engine.NewFixedGenerator(id)),
	}

	var firingLog *store.FiringLog
	if opts.Database != "" {
		st, err := store.Open(opts.Database)
		if err != nil {
			return outputRunError(formatter, ErrCodeDatabase, fmt.Sprintf("open store: %v", err))
		}
		defer st.Close()
		for _, p := range wired {
			if _, err := st.SavePackage(ctx, p); err != nil {
				return outputRunError(formatter, ErrCodeDatabase, err.Error())
			}
		}
		// A rerun under the same session ID replaces its firing log.
		if err := st.DeleteSession(ctx, id); err != nil {
			return outputRunError(formatter, ErrCodeDatabase, err.Error())
		}
		firingLog = st.NewFiringLog(id)
		sessOpts = append(sessOpts, engine.WithListener(firingLog))
	}

	var reg *prometheus.Registry
	if opts.Metrics {
		reg = prometheus.NewRegistry()
		sessOpts = append(sessOpts, engine.WithMetrics(agenda.NewMetrics(reg)))
	}

	sess, err := engine.NewSession(kb, sessOpts...)
	if err != nil {
		return outputRunError(formatter, ErrCodeWiring, err.Error())
	}
	defer sess.Dispose()

	for _, name := range slices.Sorted(maps.Keys(facts.Globals)) {
		sess.SetGlobal(name, facts.Globals[name])
	}

	formatter.Session = id
	result := &RunResult{Session: id}
	runErr := func() error {
		for _, r := range records {
			if _, err := sess.Insert(r); err != nil {
				return err
			}
		}
		formatter.VerboseLog("Inserted %d fact(s)", len(records))
		fired, err := sess.FireAllRules(opts.Max)
		result.Fired = fired
		return err
	}()
	if runErr != nil {
		result.Error = runErr.Error()
		result.ErrorCode = ErrCodeGeneric
		var rtErr *engine.RuntimeError
		if errors.As(engine.Classify(runErr), &rtErr) {
			result.ErrorCode = string(rtErr.Code)
		}
	}

	if firingLog != nil {
		if err := firingLog.Flush(ctx); err != nil {
			return outputRunError(formatter, ErrCodeDatabase, fmt.Sprintf("flush firing log: %v", err))
		}
	}

	result.FactCount = sess.GetFactCount()
	result.Facts = make(map[string]int)
	for _, t := range kb.Types() {
		if n := sess.CountType(t); n > 0 {
			result.Facts[t] = n
		}
	}
	if result.Queries, err = queryRows(sess, opts.Queries); err != nil {
		return outputRunError(formatter, ErrCodeGeneric, err.Error())
	}
	result.Globals = globals(sess, kb.Globals(), facts.Globals)
	if reg != nil {
		if result.Metrics, err = firedCounts(reg); err != nil {
			return outputRunError(formatter, ErrCodeGeneric, err.Error())
		}
	}

	if err := outputRunResult(formatter, result); err != nil {
		return err
	}
	if runErr != nil {
		return WrapExitError(ExitFailure, "session failed", runErr)
	}
	return nil
}

// queryRows reads each named query into rows of plain values keyed by
// variable. A fact variable whose value cannot be read falls back to the
// bound object.
func queryRows(sess *engine.Session, names []string) (map[string][]map[string]any, error) {
	if len(names) == 0 {
		return nil, nil
	}
	out := make(map[string][]map[string]any, len(names))
	for _, name := range names {
		rows, err := sess.GetQueryResults(name)
		if err != nil {
			return nil, err
		}
		list := make([]map[string]any, 0, len(rows))
		for _, row := range rows {
			m := make(map[string]any)
			for _, v := range row.Vars() {
				if val, err := row.Value(v); err == nil {
					m[v] = ir.ToGo(val)
				} else if fact, err := row.Fact(v); err == nil {
					m[v] = fmt.Sprint(fact)
				}
			}
			list = append(list, m)
		}
		out[name] = list
	}
	return out, nil
}

// globals reports the declared globals and those the fact file set.
func globals(sess *engine.Session, decls []ir.GlobalDecl, given map[string]any) map[string]any {
	names := slices.Collect(maps.Keys(given))
	for _, d := range decls {
		names = append(names, d.Name)
	}
	out := make(map[string]any)
	for _, name := range names {
		if v, ok := sess.GetGlobal(name); ok {
			out[name] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// firedCounts gathers rete_agenda_activations_fired_total per rule.
func firedCounts(reg *prometheus.Registry) (map[string]float64, error) {
	families, err := reg.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}
	out := make(map[string]float64)
	for _, mf := range families {
		if mf.GetName() != "rete_agenda_activations_fired_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "rule" {
					out[lp.GetValue()] = m.GetCounter().GetValue()
				}
			}
		}
	}
	return out, nil
}

func outputRunResult(formatter *OutputFormatter, result *RunResult) error {
	if formatter.Format == "json" {
		if result.Error != "" {
			return formatter.Failure(result, result.ErrorCode, result.Error)
		}
		return formatter.Success(result)
	}

	w := formatter.Writer
	if result.Error != "" {
		fmt.Fprintf(w, "✗ Session %s failed after %d firing(s)\n", result.Session, result.Fired)
		fmt.Fprintf(w, "  %s\n\n", result.Error)
	} else {
		fmt.Fprintf(w, "✓ Session %s fired %d rule(s)\n\n", result.Session, result.Fired)
	}

	fmt.Fprintf(w, "Facts (%d):\n", result.FactCount)
	for _, t := range slices.Sorted(maps.Keys(result.Facts)) {
		fmt.Fprintf(w, "  %s: %d\n", t, result.Facts[t])
	}
	for _, name := range slices.Sorted(maps.Keys(result.Queries)) {
		rows := result.Queries[name]
		fmt.Fprintf(w, "\nQuery %s (%d row(s)):\n", name, len(rows))
		for _, row := range rows {
			data, err := ir.MarshalCanonical(row)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "  %s\n", data)
		}
	}
	if len(result.Globals) > 0 {
		fmt.Fprintln(w, "\nGlobals:")
		for _, name := range slices.Sorted(maps.Keys(result.Globals)) {
			fmt.Fprintf(w, "  %s = %v\n", name, result.Globals[name])
		}
	}
	if len(result.Metrics) > 0 {
		fmt.Fprintln(w, "\nFired per rule:")
		for _, rule := range slices.Sorted(maps.Keys(result.Metrics)) {
			fmt.Fprintf(w, "  %s: %.0f\n", rule, result.Metrics[rule])
		}
	}
	return nil
}

// outputRunError reports an error that stopped the run before firing.
func outputRunError(formatter *OutputFormatter, code, message string) error {
	_ = formatter.Error(code, message, nil)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}
