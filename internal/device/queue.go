package device

// RecvQueue accumulates received bytes until the session consumes them. Bytes
// left unconsumed by one receive event stay queued for the next one.
//
// A RecvQueue is owned by the device receive loop and is not safe for
// concurrent use.
type RecvQueue struct {
	buf []byte
	off int
}

// NewRecvQueue returns a queue with room for size bytes before growing.
func NewRecvQueue(size int) *RecvQueue {
	return &RecvQueue{buf: make([]byte, 0, size)}
}

// Len returns the number of unconsumed bytes.
func (q *RecvQueue) Len() int {
	return len(q.buf) - q.off
}

// Append copies p to the tail of the queue.
func (q *RecvQueue) Append(p []byte) {
	if q.off > 0 && q.off >= len(q.buf)/2 {
		n := copy(q.buf, q.buf[q.off:])
		q.buf = q.buf[:n]
		q.off = 0
	}
	q.buf = append(q.buf, p...)
}

// Peek returns the next n bytes without consuming them, or nil if fewer than
// n bytes are queued. The slice is valid until the next Append.
func (q *RecvQueue) Peek(n int) []byte {
	if q.Len() < n {
		return nil
	}
	return q.buf[q.off : q.off+n]
}

// Discard consumes up to n bytes and returns how many were consumed.
func (q *RecvQueue) Discard(n int) int {
	if n > q.Len() {
		n = q.Len()
	}
	q.off += n
	if q.off == len(q.buf) {
		q.buf = q.buf[:0]
		q.off = 0
	}
	return n
}

// Read consumes up to len(p) bytes into p.
func (q *RecvQueue) Read(p []byte) int {
	n := copy(p, q.buf[q.off:])
	q.Discard(n)
	return n
}
