package client

// Selection is a position in the layer list that follows structural edits.
// The zero value selects nothing.
type Selection struct {
	pos int
	ok  bool
}

func (s *Selection) Select(pos int) {
	s.pos, s.ok = pos, true
}

func (s *Selection) Clear() {
	s.pos, s.ok = 0, false
}

func (s *Selection) Get() (int, bool) {
	return s.pos, s.ok
}

// LayerRemoved adjusts the selection after the layer at pos was removed.
func (s *Selection) LayerRemoved(pos int) {
	switch {
	case !s.ok:
	case s.pos == pos:
		s.Clear()
	case s.pos > pos:
		s.pos--
	}
}

// LayerMoved keeps the selection on the same layer after it or another layer
// moved from one position to another.
func (s *Selection) LayerMoved(from, to int) {
	switch {
	case !s.ok:
	case s.pos == from:
		s.pos = to
	case from < s.pos && s.pos <= to:
		s.pos--
	case to <= s.pos && s.pos < from:
		s.pos++
	}
}

// Bound clears the selection when it no longer points into a list of n layers.
func (s *Selection) Bound(n int) {
	if s.ok && (s.pos < 0 || s.pos >= n) {
		s.Clear()
	}
}
