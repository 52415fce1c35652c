package reactor

import (
	"container/heap"
	"time"
)

// timer represents a scheduled callback.
type timer struct {
	when  time.Time
	fn    func()
	id    TimerID
	index int
}

// timerHeap is a min-heap of timers, ordered by deadline then by id, so
// timers with equal deadlines fire in scheduling order.
type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].id < h[j].id
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// timerSet combines the heap with an id index, supporting cancellation.
// Not safe for concurrent use.
type timerSet struct {
	heap   timerHeap
	byID   map[TimerID]*timer
	nextID TimerID
}

func newTimerSet() *timerSet {
	return &timerSet{byID: make(map[TimerID]*timer)}
}

func (s *timerSet) add(when time.Time, fn func()) TimerID {
	s.nextID++
	t := &timer{when: when, fn: fn, id: s.nextID}
	heap.Push(&s.heap, t)
	s.byID[t.id] = t
	return t.id
}

func (s *timerSet) cancel(id TimerID) bool {
	t, ok := s.byID[id]
	if !ok {
		return false
	}
	delete(s.byID, id)
	heap.Remove(&s.heap, t.index)
	return true
}

// next returns the earliest deadline, if any.
func (s *timerSet) next() (time.Time, bool) {
	if len(s.heap) == 0 {
		return time.Time{}, false
	}
	return s.heap[0].when, true
}

// popExpired removes and returns the earliest timer if it is due at now.
func (s *timerSet) popExpired(now time.Time) (func(), bool) {
	if len(s.heap) == 0 || s.heap[0].when.After(now) {
		return nil, false
	}
	t := heap.Pop(&s.heap).(*timer)
	delete(s.byID, t.id)
	return t.fn, true
}

func (s *timerSet) len() int {
	return len(s.heap)
}
