package aqm

const DefaultQueueLimit = 1000

// fifo is the bounded drop-tail queue underneath both AQM queues.
type fifo[T any] struct {
	limit   int
	entries []T
}

func newFIFO[T any](limit int) fifo[T] {
	if limit <= 0 {
		limit = DefaultQueueLimit
	}
	return fifo[T]{limit: limit}
}

func (q *fifo[T]) Push(entry T) bool {
	if len(q.entries) >= q.limit {
		return false
	}
	q.entries = append(q.entries, entry)
	return true
}

func (q *fifo[T]) Pop() (entry T, ok bool) {
	if len(q.entries) == 0 {
		return
	}
	entry = q.entries[0]
	var zero T
	q.entries[0] = zero
	q.entries = q.entries[1:]
	if len(q.entries) == 0 {
		q.entries = nil
	}
	return entry, true
}

// RemoveFirst removes the oldest entry matching the predicate.
func (q *fifo[T]) RemoveFirst(match func(T) bool) (entry T, ok bool) {
	for index := range q.entries {
		if match(q.entries[index]) {
			entry = q.entries[index]
			q.entries = append(q.entries[:index], q.entries[index+1:]...)
			return entry, true
		}
	}
	return
}

func (q *fifo[T]) Len() int {
	return len(q.entries)
}
