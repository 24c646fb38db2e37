package agent

import (
	"container/list"
	"time"
)

type seenEntry struct {
	at      time.Time
	element *list.Element
}

// seenSet remembers recently executed command ids so a relay redelivery is
// not executed twice. Bounded by size and TTL; oldest entries go first.
// Only the heartbeat goroutine touches it.
type seenSet struct {
	seen    map[string]*seenEntry
	order   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

func newSeenSet(ttl time.Duration, maxSize int) *seenSet {
	return &seenSet{
		seen:    make(map[string]*seenEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// checkAndMark reports whether id was already seen, marking it if not.
func (s *seenSet) checkAndMark(id string) bool {
	now := s.now()
	s.expire(now)

	if _, ok := s.seen[id]; ok {
		return true
	}
	if len(s.seen) >= s.maxSize {
		if front := s.order.Front(); front != nil {
			s.order.Remove(front)
			delete(s.seen, front.Value.(string))
		}
	}
	s.seen[id] = &seenEntry{at: now, element: s.order.PushBack(id)}
	return false
}

func (s *seenSet) expire(now time.Time) {
	for front := s.order.Front(); front != nil; front = s.order.Front() {
		id := front.Value.(string)
		if now.Sub(s.seen[id].at) < s.ttl {
			return
		}
		s.order.Remove(front)
		delete(s.seen, id)
	}
}

func (s *seenSet) len() int { return len(s.seen) }
