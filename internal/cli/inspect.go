package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/rete/internal/store"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	Database string
	Session  string
	Rule     string
	Against  string
	Failed   bool
}

// FiringView is one firing record as inspect prints it.
type FiringView struct {
	Session    string  `json:"session"`
	Seq        int64   `json:"seq"`
	Event      string  `json:"event"`
	Rule       string  `json:"rule"`
	Package    string  `json:"package"`
	Activation int64   `json:"activation"`
	Salience   int     `json:"salience"`
	Facts      []int64 `json:"facts"`
	Error      string  `json:"error,omitempty"`
}

// SessionSummary describes the firing log of one session.
type SessionSummary struct {
	Session     string  `json:"session"`
	LastSeq     int64   `json:"last_seq"`
	Created     int     `json:"created"`
	Cancelled   int     `json:"cancelled"`
	Fired       int     `json:"fired"`
	Failed      int     `json:"failed"`
	Outstanding []int64 `json:"outstanding,omitempty"`
	Complete    bool    `json:"complete"`
}

// InspectResult is the output of inspect; which fields are set depends
// on the flags.
type InspectResult struct {
	Packages []store.PackageRecord `json:"packages,omitempty"`
	Sessions []SessionSummary      `json:"sessions,omitempty"`
	Firings  []FiringView          `json:"firings,omitempty"`
	Against  string                `json:"against,omitempty"`
	Diffs    []string              `json:"diffs,omitempty"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Inspect packages and firing logs in a package store",
		Long: `Inspect a package store written by compile --db or run --db.

Without flags, lists the stored packages and every recorded session.

  --session ID           print the session's firing log and summary
  --session ID --against OTHER
                         compare two sessions' firing logs; exits 1 if
                         they differ
  --rule NAME            print every firing of a rule across sessions
  --failed               list only sessions that ended with a failed action

Examples:
  rete inspect --db ./rete.db
  rete inspect --db ./rete.db --session nightly
  rete inspect --db ./rete.db --session nightly --against rerun`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the package store (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Session, "session", "", "session to print")
	cmd.Flags().StringVar(&opts.Rule, "rule", "", "rule whose firings to print")
	cmd.Flags().StringVar(&opts.Against, "against", "", "session to compare --session with")
	cmd.Flags().BoolVar(&opts.Failed, "failed", false, "list only failed sessions")

	return cmd
}

func runInspect(opts *InspectOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if opts.Against != "" && opts.Session == "" {
		return outputInspectError(formatter, ErrCodeGeneric, "--against requires --session")
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return outputInspectError(formatter, ErrCodeDatabase, fmt.Sprintf("open store: %v", err))
	}
	defer st.Close()

	var result *InspectResult
	switch {
	case opts.Against != "":
		result, err = inspectDiff(ctx, st, opts.Session, opts.Against)
	case opts.Session != "":
		result, err = inspectSession(ctx, st, opts.Session)
	case opts.Rule != "":
		result, err = inspectRule(ctx, st, opts.Rule)
	default:
		result, err = inspectStore(ctx, st, opts.Failed)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return outputInspectError(formatter, ErrCodeNotFound, err.Error())
		}
		return outputInspectError(formatter, ErrCodeDatabase, err.Error())
	}

	if formatter.Format == "json" {
		if len(result.Diffs) > 0 {
			msg := fmt.Sprintf("%d difference(s)", len(result.Diffs))
			if err := formatter.Failure(result, "E_DIVERGED", msg); err != nil {
				return err
			}
			return NewExitError(ExitFailure, msg)
		}
		return formatter.Success(result)
	}
	return outputInspectText(formatter, opts, result)
}

func inspectStore(ctx context.Context, st *store.Store, failedOnly bool) (*InspectResult, error) {
	result := &InspectResult{}
	var states []store.SessionState
	if failedOnly {
		var err error
		if states, err = st.FindFailedSessions(ctx); err != nil {
			return nil, err
		}
	} else {
		pkgs, err := st.ListPackages(ctx)
		if err != nil {
			return nil, err
		}
		result.Packages = pkgs
		ids, err := st.ListSessions(ctx)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			state, err := st.GetSessionState(ctx, id)
			if err != nil {
				return nil, err
			}
			states = append(states, state)
		}
	}
	for _, state := range states {
		summary, err := summarizeSession(ctx, st, state)
		if err != nil {
			return nil, err
		}
		result.Sessions = append(result.Sessions, summary)
	}
	return result, nil
}

func inspectSession(ctx context.Context, st *store.Store, id string) (*InspectResult, error) {
	state, err := st.GetSessionState(ctx, id)
	if err != nil {
		return nil, err
	}
	summary, err := summarizeSession(ctx, st, state)
	if err != nil {
		return nil, err
	}
	return &InspectResult{
		Sessions: []SessionSummary{summary},
		Firings:  firingViews(state.Firings),
	}, nil
}

func inspectRule(ctx context.Context, st *store.Store, rule string) (*InspectResult, error) {
	firings, err := st.ReadRuleFirings(ctx, rule)
	if err != nil {
		return nil, err
	}
	if len(firings) == 0 {
		return nil, fmt.Errorf("rule %s: %w", rule, store.ErrNotFound)
	}
	return &InspectResult{Firings: firingViews(firings)}, nil
}

func inspectDiff(ctx context.Context, st *store.Store, id, other string) (*InspectResult, error) {
	want, err := st.GetSessionState(ctx, id)
	if err != nil {
		return nil, err
	}
	got, err := st.GetSessionState(ctx, other)
	if err != nil {
		return nil, err
	}
	result := &InspectResult{Against: other}
	for _, state := range []store.SessionState{want, got} {
		summary, err := summarizeSession(ctx, st, state)
		if err != nil {
			return nil, err
		}
		result.Sessions = append(result.Sessions, summary)
	}
	result.Diffs = store.DiffFirings(want.Firings, got.Firings)
	return result, nil
}

func summarizeSession(ctx context.Context, st *store.Store, state store.SessionState) (SessionSummary, error) {
	last, err := st.GetLastSeq(ctx, state.Session)
	if err != nil {
		return SessionSummary{}, err
	}
	return SessionSummary{
		Session:     state.Session,
		LastSeq:     last,
		Created:     state.Created,
		Cancelled:   state.Cancelled,
		Fired:       state.Fired,
		Failed:      state.Failed,
		Outstanding: state.Outstanding,
		Complete:    state.Complete(),
	}, nil
}

func firingViews(firings []store.Firing) []FiringView {
	out := make([]FiringView, len(firings))
	for i, f := range firings {
		out[i] = FiringView{
			Session:    f.Session,
			Seq:        f.Seq,
			Event:      string(f.Event),
			Rule:       f.Rule,
			Package:    f.Package,
			Activation: f.Activation,
			Salience:   f.Salience,
			Facts:      f.Facts,
			Error:      f.Error,
		}
	}
	return out
}

func outputInspectText(formatter *OutputFormatter, opts *InspectOptions, result *InspectResult) error {
	w := formatter.Writer

	if opts.Session == "" && opts.Rule == "" {
		if !opts.Failed {
			fmt.Fprintf(w, "Packages (%d):\n", len(result.Packages))
			for _, p := range result.Packages {
				fmt.Fprintf(w, "  %s  %d rule(s)  %d bytes  %s\n", p.Name, p.Rules, p.Size, shortDigest(p.Digest))
			}
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "Sessions (%d):\n", len(result.Sessions))
		for _, s := range result.Sessions {
			writeSessionLine(formatter, s)
		}
		return nil
	}

	for _, s := range result.Sessions {
		writeSessionLine(formatter, s)
	}
	if opts.Against != "" {
		fmt.Fprintln(w)
		if len(result.Diffs) == 0 {
			fmt.Fprintf(w, "✓ %s and %s fired identically\n", opts.Session, opts.Against)
			return nil
		}
		fmt.Fprintf(w, "✗ %s and %s diverge:\n", opts.Session, opts.Against)
		for _, d := range result.Diffs {
			fmt.Fprintf(w, "  %s\n", d)
		}
		return NewExitError(ExitFailure, fmt.Sprintf("%d difference(s)", len(result.Diffs)))
	}

	if len(result.Sessions) > 0 {
		fmt.Fprintln(w)
	}
	for _, f := range result.Firings {
		writeFiringLine(formatter, f, opts.Rule != "")
	}
	return nil
}

func writeSessionLine(formatter *OutputFormatter, s SessionSummary) {
	mark := "✓"
	if !s.Complete {
		mark = "✗"
	}
	fmt.Fprintf(formatter.Writer, "  %s %s  created=%d fired=%d cancelled=%d failed=%d",
		mark, s.Session, s.Created, s.Fired, s.Cancelled, s.Failed)
	if len(s.Outstanding) > 0 {
		fmt.Fprintf(formatter.Writer, " outstanding=%v", s.Outstanding)
	}
	fmt.Fprintln(formatter.Writer)
}

func writeFiringLine(formatter *OutputFormatter, f FiringView, withSession bool) {
	var b strings.Builder
	if withSession {
		fmt.Fprintf(&b, "%s ", f.Session)
	}
	fmt.Fprintf(&b, "[%d] %-9s %s/%s facts=%v", f.Seq, f.Event, f.Package, f.Rule, f.Facts)
	if formatter.Verbose {
		fmt.Fprintf(&b, " activation=%d salience=%d", f.Activation, f.Salience)
	}
	if f.Error != "" {
		fmt.Fprintf(&b, " error=%q", f.Error)
	}
	fmt.Fprintln(formatter.Writer, b.String())
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}

func outputInspectError(formatter *OutputFormatter, code, message string) error {
	_ = formatter.Error(code, message, nil)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}
