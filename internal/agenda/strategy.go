package agenda

import (
	"fmt"
	"sort"
)

// Strategy breaks ties between activations of equal salience.
type Strategy interface {
	Name() string
	// Less reports whether a should fire before b.
	Less(a, b *Activation) bool
}

// FIFO fires the oldest match first.
type FIFO struct{}

// Name implements Strategy.
func (FIFO) Name() string { return "fifo" }

// Less implements Strategy.
func (FIFO) Less(a, b *Activation) bool { return a.Seq < b.Seq }

// LIFO fires the match with the most recently changed fact first.
type LIFO struct{}

// Name implements Strategy.
func (LIFO) Name() string { return "lifo" }

// Less implements Strategy.
func (LIFO) Less(a, b *Activation) bool {
	if a.Recency != b.Recency {
		return a.Recency > b.Recency
	}
	return a.Seq > b.Seq
}

// RuleOrder fires rules in declaration order, then FIFO.
type RuleOrder struct{}

// Name implements Strategy.
func (RuleOrder) Name() string { return "rule-order" }

// Less implements Strategy.
func (RuleOrder) Less(a, b *Activation) bool {
	if a.Rule.Order != b.Rule.Order {
		return a.Rule.Order < b.Rule.Order
	}
	return a.Seq < b.Seq
}

var strategies = map[string]Strategy{
	FIFO{}.Name():      FIFO{},
	LIFO{}.Name():      LIFO{},
	RuleOrder{}.Name(): RuleOrder{},
}

// StrategyByName returns a built-in strategy.
func StrategyByName(name string) (Strategy, error) {
	s, ok := strategies[name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (want one of %v)", name, StrategyNames())
	}
	return s, nil
}

// StrategyNames lists the built-in strategies, sorted.
func StrategyNames() []string {
	names := make([]string, 0, len(strategies))
	for name := range strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
