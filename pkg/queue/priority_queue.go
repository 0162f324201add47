package queue

import (
	"container/heap"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/frontier-crawler/pkg/models"
)

// pqItem is one queued task
type pqItem struct {
	task  *models.CrawlTask
	seq   uint64 // Insertion order, breaks priority ties
	index int    // Required by heap.Interface
}

// taskHeap implements heap.Interface: highest Priority first, then FIFO
type taskHeap []*pqItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	item := x.(*pqItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// TaskQueue hands submitted crawl tasks to workers. Pop blocks until a task
// is available or the queue is closed.
type TaskQueue struct {
	h      taskHeap
	mu     sync.Mutex
	cond   *sync.Cond
	seq    uint64
	closed bool
	log    *logrus.Entry
}

// NewTaskQueue creates an empty queue
func NewTaskQueue(logger *logrus.Entry) *TaskQueue {
	q := &TaskQueue{log: logger}
	q.cond = sync.NewCond(&q.mu)
	heap.Init(&q.h)
	return q
}

// Add enqueues task. Returns false if the queue is closed.
func (q *TaskQueue) Add(task *models.CrawlTask) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.log.Warnf("Attempted to add task to closed queue: %s", task.URL)
		return false
	}
	q.seq++
	heap.Push(&q.h, &pqItem{task: task, seq: q.seq})
	q.cond.Signal()
	return true
}

// Pop removes the highest priority task, blocking while the queue is empty and open.
// Returns nil, false once the queue is closed and empty.
func (q *TaskQueue) Pop() (*models.CrawlTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.h) == 0 {
		if q.closed {
			return nil, false
		}
		q.cond.Wait()
	}
	item := heap.Pop(&q.h).(*pqItem)
	return item.task, true
}

// Drain removes and returns every queued task without closing the queue
func (q *TaskQueue) Drain() []*models.CrawlTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	drained := make([]*models.CrawlTask, 0, len(q.h))
	for len(q.h) > 0 {
		drained = append(drained, heap.Pop(&q.h).(*pqItem).task)
	}
	return drained
}

// Close stops accepting tasks and wakes every blocked Pop
func (q *TaskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.cond.Broadcast()
	}
}

// Len returns the number of queued tasks
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}
