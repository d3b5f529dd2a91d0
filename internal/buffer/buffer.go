// Package buffer implements the bounded FIFO byte queue that sits between
// the download pump and each upload leg's HTTP body.
//
// The queue never rejects a write. Instead, Write reports whether the queue
// is still at or below its capacity after the chunk was enqueued; callers
// use that level indicator to pause the producer. The drain callback fires
// when the reader empties a previously non-empty queue, which is the
// producer's cue to resume.
package buffer

import (
	"io"
	"sync"
)

// DefaultCap is the occupancy threshold above which a write is reported as
// not accepted without blocking (20 MiB).
const DefaultCap = 20 << 20

// Queue is a single-producer / single-consumer FIFO of byte chunks.
// Chunks are copied on write and drained strictly in order on read.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond // readers wait here for data, close or failure
	chunks [][]byte
	off    int // read offset into chunks[0]
	size   int64
	cap    int64
	closed bool  // write side closed; readers see io.EOF once drained
	err    error // terminal failure; readers see it immediately

	onDrain func() // fired when size falls back to zero from non-zero
}

// New returns an empty queue with the given capacity threshold.
// A non-positive capacity falls back to DefaultCap.
func New(capacity int64) *Queue {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	q := &Queue{cap: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// OnDrain registers fn to be called whenever the reader empties the queue.
// It must be set before the first Write. The callback runs on the reader's
// goroutine, outside the queue lock.
func (q *Queue) OnDrain(fn func()) {
	q.mu.Lock()
	q.onDrain = fn
	q.mu.Unlock()
}

// Write copies p into the queue and reports whether the queue is still at
// or below capacity. The chunk is enqueued either way; false is a level
// signal, not a reject. Writes after Close or Fail are discarded and
// report true.
func (q *Queue) Write(p []byte) (accepted bool) {
	if len(p) == 0 {
		return true
	}
	q.mu.Lock()
	if q.closed || q.err != nil {
		q.mu.Unlock()
		return true
	}
	c := make([]byte, len(p))
	copy(c, p)
	q.chunks = append(q.chunks, c)
	q.size += int64(len(p))
	accepted = q.size <= q.cap
	q.mu.Unlock()
	q.cond.Signal()
	return accepted
}

// Read drains queued bytes into p in FIFO order. It blocks while the queue
// is empty and neither closed nor failed. After Close it returns io.EOF
// once all bytes are consumed; after Fail it returns the failure error
// immediately, discarding anything still queued.
func (q *Queue) Read(p []byte) (int, error) {
	q.mu.Lock()
	for {
		if q.err != nil {
			err := q.err
			q.mu.Unlock()
			return 0, err
		}
		if len(q.chunks) > 0 {
			break
		}
		if q.closed {
			q.mu.Unlock()
			return 0, io.EOF
		}
		q.cond.Wait()
	}

	n := 0
	for n < len(p) && len(q.chunks) > 0 {
		head := q.chunks[0][q.off:]
		c := copy(p[n:], head)
		n += c
		q.off += c
		if q.off == len(q.chunks[0]) {
			q.chunks[0] = nil
			q.chunks = q.chunks[1:]
			q.off = 0
		}
	}
	q.size -= int64(n)
	drained := q.size == 0 && n > 0 && !q.closed
	fn := q.onDrain
	q.mu.Unlock()

	if drained && fn != nil {
		fn()
	}
	return n, nil
}

// Close marks the end of the stream. Queued bytes remain readable; the
// reader then observes io.EOF.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Fail destroys the queue with err. Pending and future reads return err;
// future writes are discarded. The first terminal state wins: Fail after
// Close only affects bytes not yet drained.
func (q *Queue) Fail(err error) {
	if err == nil {
		return
	}
	q.mu.Lock()
	if q.err == nil {
		q.err = err
		q.chunks = nil
		q.off = 0
		q.size = 0
	}
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Len returns the current occupancy in bytes.
func (q *Queue) Len() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}
