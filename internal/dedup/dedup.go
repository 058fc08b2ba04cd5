package dedup

// Set tracks the message sequence numbers already handled within one relay
// cycle. It is not persisted: a new cycle starts from an empty Set, so
// messages left on the server are handled again.
type Set struct {
	ids map[uint32]struct{}
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{ids: make(map[uint32]struct{})}
}

// Seen reports whether id was marked.
func (s *Set) Seen(id uint32) bool {
	_, ok := s.ids[id]
	return ok
}

// Mark adds ids to the set.
func (s *Set) Mark(ids ...uint32) {
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
}

// Unseen returns the ids not yet marked, keeping their order.
func (s *Set) Unseen(ids []uint32) []uint32 {
	out := make([]uint32, 0, len(ids))
	for _, id := range ids {
		if !s.Seen(id) {
			out = append(out, id)
		}
	}
	return out
}

// Count returns the number of marked ids.
func (s *Set) Count() int {
	return len(s.ids)
}
