// Package queue orders dispatch candidates. It is a selection aid only; the
// store remains the authority on task state.
package queue

import (
	"container/heap"

	"github.com/kiranshivaraju/reviewlens/pkg/models"
)

// PriorityQueue pops tasks by priority (high first), then earliest eligible time,
// then batch index, then creation time.
type PriorityQueue struct {
	h taskHeap
}

// New builds a queue holding tasks.
func New(tasks []*models.Task) *PriorityQueue {
	q := &PriorityQueue{h: append(taskHeap(nil), tasks...)}
	heap.Init(&q.h)
	return q
}

// Push adds a task.
func (q *PriorityQueue) Push(t *models.Task) {
	heap.Push(&q.h, t)
}

// Pop removes and returns the next task, or nil when empty.
func (q *PriorityQueue) Pop() *models.Task {
	if q.h.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*models.Task)
}

// Len returns the number of queued tasks.
func (q *PriorityQueue) Len() int {
	return q.h.Len()
}

// Drain pops up to n tasks in order. n < 0 drains everything.
func (q *PriorityQueue) Drain(n int) []*models.Task {
	if n < 0 || n > q.Len() {
		n = q.Len()
	}
	out := make([]*models.Task, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, q.Pop())
	}
	return out
}

type taskHeap []*models.Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	ea, eb := a.EligibleAt(), b.EligibleAt()
	if !ea.Equal(eb) {
		return ea.Before(eb)
	}
	if a.BatchIndex != b.BatchIndex {
		return a.BatchIndex < b.BatchIndex
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*models.Task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}
