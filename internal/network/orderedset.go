package network

// orderedSet is a set that iterates in insertion order. Removal leaves a
// hole that is compacted once holes outnumber live entries.
type orderedSet[T comparable] struct {
	index map[T]int
	items []T
	holes []bool
	dead  int
}

func newOrderedSet[T comparable]() *orderedSet[T] {
	return &orderedSet[T]{index: make(map[T]int)}
}

func (s *orderedSet[T]) add(x T) bool {
	if _, ok := s.index[x]; ok {
		return false
	}
	s.index[x] = len(s.items)
	s.items = append(s.items, x)
	s.holes = append(s.holes, false)
	return true
}

func (s *orderedSet[T]) remove(x T) bool {
	i, ok := s.index[x]
	if !ok {
		return false
	}
	delete(s.index, x)
	var zero T
	s.items[i] = zero
	s.holes[i] = true
	s.dead++
	if s.dead > len(s.index) {
		s.compact()
	}
	return true
}

func (s *orderedSet[T]) has(x T) bool {
	_, ok := s.index[x]
	return ok
}

func (s *orderedSet[T]) len() int {
	if s == nil {
		return 0
	}
	return len(s.index)
}

// values returns a snapshot, safe to hold while the set changes.
func (s *orderedSet[T]) values() []T {
	if s == nil {
		return nil
	}
	out := make([]T, 0, len(s.index))
	for i, x := range s.items {
		if !s.holes[i] {
			out = append(out, x)
		}
	}
	return out
}

func (s *orderedSet[T]) compact() {
	items := make([]T, 0, len(s.index))
	for i, x := range s.items {
		if !s.holes[i] {
			s.index[x] = len(items)
			items = append(items, x)
		}
	}
	s.items = items
	s.holes = make([]bool, len(items))
	s.dead = 0
}
