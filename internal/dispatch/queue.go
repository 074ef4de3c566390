package dispatch

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Queue orders pending requests by priority (high first), then enqueue time
// (old first), then endpoint compliance (reliable first), then submission order.
// Many producers may Enqueue; one consumer calls DequeueNext.
type Queue struct {
	mu       sync.Mutex
	h        requestHeap
	byID     map[string]*queueItem
	seq      uint64
	capacity int
	closed   bool
	score    func(endpointID string) float64
	now      func() time.Time

	wake chan struct{}
}

type queueItem struct {
	req        Request
	compliance float64
	seq        uint64
	index      int
}

// NewQueue creates a queue. capacity <= 0 means unbounded. score may be nil.
func NewQueue(capacity int, score func(endpointID string) float64) *Queue {
	return &Queue{
		byID:     map[string]*queueItem{},
		capacity: capacity,
		score:    score,
		now:      time.Now,
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue adds req. A zero EnqueuedAt is stamped under the queue lock so
// stamps follow submission order across producers.
func (q *Queue) Enqueue(req Request) (Request, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return req, ErrQueueClosed
	}
	if q.capacity > 0 && q.h.Len() >= q.capacity {
		q.mu.Unlock()
		return req, ErrQueueFull
	}
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = q.now()
	}
	q.seq++
	it := &queueItem{req: req, seq: q.seq}
	if q.score != nil {
		it.compliance = q.score(req.EndpointID)
	}
	heap.Push(&q.h, it)
	if req.ID != "" {
		q.byID[req.ID] = it
	}
	q.mu.Unlock()

	q.signal()
	return req, nil
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// DequeueNext blocks until a request is available, ctx is done or the queue
// is closed and drained.
func (q *Queue) DequeueNext(ctx context.Context) (Request, error) {
	for {
		q.mu.Lock()
		if q.h.Len() > 0 {
			it := heap.Pop(&q.h).(*queueItem)
			delete(q.byID, it.req.ID)
			more := q.h.Len() > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return it.req, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Request{}, ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return Request{}, ctx.Err()
		case <-q.wake:
		}
	}
}

// Cancel removes a still-queued request. It returns false once the request
// has been dequeued.
func (q *Queue) Cancel(id string) (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.byID[id]
	if !ok {
		return Request{}, false
	}
	heap.Remove(&q.h, it.index)
	delete(q.byID, id)
	return it.req, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}

// Close rejects further Enqueue calls. Queued requests can still be dequeued.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// Drain removes and returns every queued request in dequeue order.
func (q *Queue) Drain() []Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Request, 0, q.h.Len())
	for q.h.Len() > 0 {
		it := heap.Pop(&q.h).(*queueItem)
		delete(q.byID, it.req.ID)
		out = append(out, it.req)
	}
	return out
}

type requestHeap []*queueItem

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.req.Priority != b.req.Priority {
		return a.req.Priority > b.req.Priority
	}
	if !a.req.EnqueuedAt.Equal(b.req.EnqueuedAt) {
		return a.req.EnqueuedAt.Before(b.req.EnqueuedAt)
	}
	if a.compliance != b.compliance {
		return a.compliance > b.compliance
	}
	return a.seq < b.seq
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *requestHeap) Push(x any) {
	it := x.(*queueItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
