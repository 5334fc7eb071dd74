package engine

import (
	"fmt"
	"log/slog"

	"github.com/roach88/rete/internal/accessor"
	"github.com/roach88/rete/internal/agenda"
	"github.com/roach88/rete/internal/ir"
	"github.com/roach88/rete/internal/knowledge"
	"github.com/roach88/rete/internal/memory"
	"github.com/roach88/rete/internal/network"
	"github.com/roach88/rete/internal/tms"
)

// Session is a stateful evaluation of a knowledge base: a working memory,
// the node memories built over it, an agenda and truth maintenance.
//
// Thread-safety model:
//   - A Session must be used from one goroutine at a time.
//   - Many sessions may share one KnowledgeBase concurrently.
//   - Knowledge base changes must not run while any session propagates.
//
// Mutations propagate synchronously; activations are queued and only run
// inside FireAllRules.
type Session struct {
	id       string
	kb       *knowledge.KnowledgeBase
	net      *network.Network
	provider accessor.Provider
	logger   *slog.Logger
	clock    *Clock
	idGen    IDGenerator

	strategy  agenda.Strategy
	listeners agenda.Listeners

	mem    *memory.Memory
	rt     *network.Runtime
	agenda *agenda.Agenda
	tms    *tms.Maintainer

	// current is the activation whose actions are running.
	current *agenda.Activation
	halted  bool

	// pending holds logical facts that lost their last justification
	// during propagation; drain retracts them.
	pending  []*memory.FactHandle
	failed   error
	disposed bool
}

// SessionOption configures a session.
type SessionOption func(*Session)

// WithStrategy sets the agenda's tie-break strategy. Default: FIFO.
func WithStrategy(st agenda.Strategy) SessionOption {
	return func(s *Session) {
		s.strategy = st
	}
}

// WithLogger sets the session logger. Default: slog.Default().
func WithLogger(l *slog.Logger) SessionOption {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithListener adds an agenda listener. Listeners run in the order added.
func WithListener(l agenda.Listener) SessionOption {
	return func(s *Session) {
		if l != nil {
			s.listeners = append(s.listeners, l)
		}
	}
}

// WithMetrics records agenda activity into m. A nil m is ignored.
func WithMetrics(m *agenda.Metrics) SessionOption {
	return func(s *Session) {
		if m != nil {
			s.listeners = append(s.listeners, m)
		}
	}
}

// WithIDGenerator sets the session ID generator. Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) SessionOption {
	return func(s *Session) {
		if g != nil {
			s.idGen = g
		}
	}
}

// WithClock sets the clock that stamps fact recency.
func WithClock(c *Clock) SessionOption {
	return func(s *Session) {
		if c != nil {
			s.clock = c
		}
	}
}

// NewSession creates a session over kb and attaches it, so that rules
// added to or removed from kb later take effect in the session.
func NewSession(kb *knowledge.KnowledgeBase, opts ...SessionOption) (*Session, error) {
	s := &Session{
		kb:       kb,
		net:      kb.Network(),
		provider: kb.Provider(),
		logger:   slog.Default(),
		clock:    NewClock(),
		idGen:    UUIDv7Generator{},
		mem:      memory.New(),
		tms:      tms.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.id = s.idGen.Generate()
	s.logger = s.logger.With("session", s.id)

	var listener agenda.Listener
	switch len(s.listeners) {
	case 0:
	case 1:
		listener = s.listeners[0]
	default:
		listener = s.listeners
	}
	s.agenda = agenda.New(s.strategy, listener)

	err := kb.Attach(s, func(net *network.Network) error {
		rt, err := network.NewRuntime(net, s, s.mem)
		if err != nil {
			return err
		}
		s.rt = rt
		return nil
	})
	if err != nil {
		return nil, evaluationFault("", err)
	}

	s.logger.Debug("session created",
		"strategy", s.agenda.Strategy().Name(),
		"rules", len(kb.Rules()))
	return s, nil
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// Agenda returns the session's agenda.
func (s *Session) Agenda() *agenda.Agenda { return s.agenda }

// Activate implements network.Sink.
func (s *Session) Activate(rule *network.Rule, node network.NodeID, t *network.Tuple) error {
	if rule.NoLoop && s.current != nil && s.current.Rule == rule {
		s.logger.Debug("activation suppressed by no-loop", "rule", rule.Name, "tuple", t.String())
		return nil
	}
	s.agenda.Add(rule, node, t)
	return nil
}

// Deactivate implements network.Sink. Withdrawing an activation that
// already fired releases the logical facts it justified.
func (s *Session) Deactivate(_ *network.Rule, node network.NodeID, t *network.Tuple) {
	act, ok := s.agenda.Cancel(node, t)
	if !ok {
		return
	}
	s.pending = append(s.pending, s.tms.Unjustify(act)...)
}

// NetworkChanged implements knowledge.Attachment.
func (s *Session) NetworkChanged(added, removed []network.NodeID) error {
	if s.disposed {
		return nil
	}
	s.rt.Drop(removed)
	if err := s.rt.Init(added, s.mem); err != nil {
		return s.fail(evaluationFault("", err))
	}
	if err := s.drain(); err != nil {
		return s.fail(err)
	}
	return nil
}

// CountType implements knowledge.Attachment.
func (s *Session) CountType(typeName string) int {
	if s.disposed {
		return 0
	}
	return s.mem.CountType(typeName)
}

// Dispose detaches the session from its knowledge base and drops its
// state. Later mutations fail with SESSION_FAILED.
func (s *Session) Dispose() {
	if s.disposed {
		return
	}
	s.kb.Detach(s)
	s.agenda.Clear()
	s.disposed = true
	s.mem = memory.New()
	s.tms = tms.New()
	s.pending = nil
	s.logger.Debug("session disposed")
}

// Err returns the fault that failed the session, or nil.
func (s *Session) Err() error { return s.failed }

func (s *Session) usable() error {
	if s.disposed {
		return &RuntimeError{Code: ErrCodeSessionFailed, Message: "session is disposed"}
	}
	if s.failed != nil {
		return &RuntimeError{Code: ErrCodeSessionFailed, Message: "session failed earlier", Err: s.failed}
	}
	return nil
}

func (s *Session) fail(err error) error {
	if s.failed == nil {
		s.failed = err
		s.logger.Error("session failed", "error", err)
	}
	return err
}

func (s *Session) evalErr(err error) error {
	rule := ""
	if s.current != nil {
		rule = s.current.Rule.Name
	}
	return evaluationFault(rule, err)
}

// mutate runs a mutating operation: it refuses on a failed session,
// turns panics into evaluation faults, drains logical retractions and
// fails the session on any evaluation fault.
func (s *Session) mutate(op string, fn func() error) (err error) {
	if err := s.usable(); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = s.fail(s.evalErr(fmt.Errorf("%s: panic: %v", op, r)))
		}
	}()
	if err := fn(); err != nil {
		if IsEvaluationFault(err) {
			return s.fail(err)
		}
		return err
	}
	if err := s.drain(); err != nil {
		return s.fail(err)
	}
	return nil
}

// drain retracts logical facts that lost their justification. Retracting
// one may orphan more; they are appended and handled in the same loop.
func (s *Session) drain() error {
	for len(s.pending) > 0 {
		h := s.pending[0]
		s.pending = s.pending[1:]
		if h.Deleted() {
			continue
		}
		s.logger.Debug("logical fact retracted", "handle", h.ID(), "type", h.Type())
		if err := s.retract(h); err != nil {
			return err
		}
	}
	s.pending = nil
	return nil
}

// keyOf computes the equality key logical facts are identified by.
func (s *Session) keyOf(typeName string, fact any) (string, error) {
	fields, err := accessor.ReadAll(s.provider, typeName, fact)
	if err != nil {
		return "", err
	}
	return ir.FactKey(typeName, fields)
}

func (s *Session) rekey(h *memory.FactHandle) error {
	if !s.tms.IsJustified(h) {
		s.indexStated(h)
		return nil
	}
	key, err := s.keyOf(h.Type(), h.Object())
	if err != nil {
		return s.evalErr(err)
	}
	s.tms.Rekey(h, key)
	return nil
}

// trackStated starts keying stated facts of typeName, indexing the ones
// already in working memory.
func (s *Session) trackStated(typeName string) {
	if s.tms.Tracks(typeName) {
		return
	}
	s.tms.Track(typeName)
	for _, h := range s.mem.OfType(typeName) {
		s.indexStated(h)
	}
}

// indexStated keys the stated fact h if its type is tracked. Facts whose
// fields cannot be read are left out and never suppress a logical insert.
func (s *Session) indexStated(h *memory.FactHandle) {
	if !s.tms.Tracks(h.Type()) || s.tms.IsJustified(h) {
		s.tms.Unindex(h)
		return
	}
	key, err := s.keyOf(h.Type(), h.Object())
	if err != nil {
		s.tms.Unindex(h)
		return
	}
	s.tms.Index(key, h)
}
