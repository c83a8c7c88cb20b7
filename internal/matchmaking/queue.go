package matchmaking

import "sort"

// queue keeps entries ordered by enqueue time, then arrival sequence.
type queue struct {
	entries   []*Entry
	positions map[string]int
}

func newQueue(capacity int) *queue {
	if capacity <= 0 {
		capacity = 16
	}
	return &queue{
		entries:   make([]*Entry, 0, capacity),
		positions: make(map[string]int, capacity),
	}
}

func (q *queue) len() int {
	return len(q.entries)
}

func (q *queue) insert(e *Entry) int {
	idx := sort.Search(len(q.entries), func(i int) bool {
		left := q.entries[i]
		if left.EnqueuedAt.Equal(e.EnqueuedAt) {
			return left.sequence > e.sequence
		}
		return left.EnqueuedAt.After(e.EnqueuedAt)
	})

	q.entries = append(q.entries, nil)
	copy(q.entries[idx+1:], q.entries[idx:])
	q.entries[idx] = e
	q.positions[e.Participant.ID] = idx
	q.reindex(idx + 1)

	return idx
}

func (q *queue) removeByID(id string) *Entry {
	idx, ok := q.positions[id]
	if !ok {
		return nil
	}
	e := q.entries[idx]
	q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
	delete(q.positions, id)
	q.reindex(idx)
	return e
}

func (q *queue) position(id string) (int, bool) {
	idx, ok := q.positions[id]
	return idx, ok
}

func (q *queue) reindex(start int) {
	for i := start; i < len(q.entries); i++ {
		q.positions[q.entries[i].Participant.ID] = i
	}
}
