package queue

import "github.com/rzbill/dispatch/internal/task"

// fifoHeap is a min-heap over queue entries ordered by (created_ms, seq, id),
// i.e. strict creation order. Used inside a single tier.
type fifoHeap []task.Entry

func (h fifoHeap) Len() int { return len(h) }

func (h fifoHeap) Less(i, j int) bool {
	if h[i].CreatedMs != h[j].CreatedMs {
		return h[i].CreatedMs < h[j].CreatedMs
	}
	if h[i].Seq != h[j].Seq {
		return h[i].Seq < h[j].Seq
	}
	return h[i].ID.Compare(h[j].ID) < 0
}

func (h fifoHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *fifoHeap) Push(x any) { *h = append(*h, x.(task.Entry)) }

func (h *fifoHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// deferredHeap is a min-heap ordered by not-before time, holding entries
// whose eligibility lies in the future.
type deferredHeap []task.Entry

func (h deferredHeap) Len() int { return len(h) }

func (h deferredHeap) Less(i, j int) bool {
	if h[i].NotBeforeMs != h[j].NotBeforeMs {
		return h[i].NotBeforeMs < h[j].NotBeforeMs
	}
	return h[i].ID.Compare(h[j].ID) < 0
}

func (h deferredHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *deferredHeap) Push(x any) { *h = append(*h, x.(task.Entry)) }

func (h *deferredHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
