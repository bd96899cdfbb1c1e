package lsp

import "sync"

// outgoingQueue is an unbounded FIFO of encoded frames consumed by the write
// loop. Push never blocks.
type outgoingQueue struct {
	mu     sync.Mutex
	frames [][]byte
	ready  chan struct{}
}

func newOutgoingQueue() *outgoingQueue {
	return &outgoingQueue{ready: make(chan struct{}, 1)}
}

func (q *outgoingQueue) push(frame []byte) {
	q.mu.Lock()
	q.frames = append(q.frames, frame)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// drain removes and returns everything queued so far, in order.
func (q *outgoingQueue) drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	frames := q.frames
	q.frames = nil
	return frames
}
