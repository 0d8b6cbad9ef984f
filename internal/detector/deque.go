package detector

// deque is a head-indexed slice queue that compacts lazily.
type deque[T any] struct {
	buf  []T
	head int
}

func (q *deque[T]) Len() int { return len(q.buf) - q.head }

func (q *deque[T]) Front() T { return q.buf[q.head] }

func (q *deque[T]) Back() T { return q.buf[len(q.buf)-1] }

func (q *deque[T]) PushBack(v T) { q.buf = append(q.buf, v) }

func (q *deque[T]) PopBack() {
	var zero T
	q.buf[len(q.buf)-1] = zero
	q.buf = q.buf[:len(q.buf)-1]
	if q.Len() == 0 {
		q.buf = q.buf[:0]
		q.head = 0
	}
}

func (q *deque[T]) PopFront() {
	var zero T
	q.buf[q.head] = zero
	q.head++
	q.maybeCompact()
}

func (q *deque[T]) maybeCompact() {
	if q.Len() == 0 {
		q.buf = q.buf[:0]
		q.head = 0
		return
	}
	if q.head < 64 || q.head*2 < len(q.buf) {
		return
	}
	n := copy(q.buf, q.buf[q.head:])
	clear(q.buf[n:])
	q.buf = q.buf[:n]
	q.head = 0
}
