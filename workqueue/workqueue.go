// Package workqueue implements the priority work-queue: a fixed pool of
// worker goroutines draining a max-heap of jobs keyed by (priority,
// submission order), one job per idle worker at a time.
package workqueue

import (
	"container/heap"
	"sync"
)

// Job is a unit of work submitted to the queue. Run executes the job to
// completion (workers never suspend mid-job) and is responsible for
// emitting its own result event before returning.
type Job interface {
	Priority() int
	Run()
}

// item wraps a Job with its submission order, used as a heap tiebreaker
// so that same-priority jobs run FIFO.
type item struct {
	job   Job
	order uint64
	index int
}

type jobHeap []*item

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	pi, pj := h[i].job.Priority(), h[j].job.Priority()
	if pi != pj {
		return pi > pj // max-heap on priority
	}
	return h[i].order < h[j].order // FIFO within a priority band
}
func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *jobHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is a fixed pool of N worker goroutines consuming a priority
// heap of jobs. Each worker runs at most one job at a time.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	heap    jobHeap
	nextSeq uint64
	closed  bool
	wg      sync.WaitGroup
}

// New starts a Queue with numWorkers worker goroutines.
func New(numWorkers int) *Queue {
	if numWorkers < 1 {
		numWorkers = 1
	}
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)

	q.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go q.worker()
	}
	return q
}

// Submit enqueues a job. Jobs submitted with equal priority run in
// submission order; no job is ever silently reordered ahead of an
// equal-priority predecessor.
func (q *Queue) Submit(j Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	heap.Push(&q.heap, &item{job: j, order: q.nextSeq})
	q.nextSeq++
	q.cond.Signal()
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		for len(q.heap) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed && len(q.heap) == 0 {
			q.mu.Unlock()
			return
		}
		it := heap.Pop(&q.heap).(*item)
		q.mu.Unlock()

		it.job.Run()
	}
}

// Close stops accepting new jobs and waits for already-queued jobs to
// drain before returning. There is no job-granularity cancellation:
// once dispatched a job runs to completion.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	q.wg.Wait()
}

// Len reports the number of jobs currently queued (not counting jobs
// already handed to a worker).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}
