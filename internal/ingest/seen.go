package ingest

import "container/list"

// seenSet tracks already-ingested (source, idempotency key) pairs with LRU
// eviction. It is not goroutine-safe; the poller is the only caller.
type seenSet struct {
	cap   int
	order *list.List // front = oldest
	keys  map[string]*list.Element
}

func newSeenSet(cap int) *seenSet {
	return &seenSet{
		cap:   cap,
		order: list.New(),
		keys:  make(map[string]*list.Element, cap),
	}
}

// Has reports whether key was ingested before, refreshing its recency.
func (s *seenSet) Has(key string) bool {
	el, ok := s.keys[key]
	if ok {
		s.order.MoveToBack(el)
	}
	return ok
}

// Add marks key as ingested, evicting the oldest entry over capacity.
func (s *seenSet) Add(key string) {
	if el, ok := s.keys[key]; ok {
		s.order.MoveToBack(el)
		return
	}
	s.keys[key] = s.order.PushBack(key)
	if s.order.Len() > s.cap {
		oldest := s.order.Front()
		s.order.Remove(oldest)
		delete(s.keys, oldest.Value.(string))
	}
}

func (s *seenSet) Len() int { return s.order.Len() }
