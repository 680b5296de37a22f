package observer

// seenSet is a bounded set of fingerprints. When full, the oldest inserted
// entry is evicted.
type seenSet struct {
	capacity int
	ring     []string
	next     int
	index    map[string]struct{}
}

func newSeenSet(capacity int) *seenSet {
	if capacity <= 0 {
		capacity = DefaultSeenCapacity
	}
	return &seenSet{
		capacity: capacity,
		ring:     make([]string, 0, capacity),
		index:    make(map[string]struct{}, capacity),
	}
}

func (s *seenSet) Has(key string) bool {
	_, ok := s.index[key]
	return ok
}

// Add inserts key and reports whether it was new.
func (s *seenSet) Add(key string) bool {
	if s.Has(key) {
		return false
	}
	if len(s.ring) < s.capacity {
		s.ring = append(s.ring, key)
	} else {
		delete(s.index, s.ring[s.next])
		s.ring[s.next] = key
		s.next = (s.next + 1) % s.capacity
	}
	s.index[key] = struct{}{}
	return true
}

func (s *seenSet) Len() int {
	return len(s.index)
}
