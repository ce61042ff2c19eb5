package hnsw

import "container/heap"

// Compile time check to ensure PriorityQueue satisfies the heap interface.
var _ heap.Interface = (*PriorityQueue)(nil)

// PriorityQueueItem is a graph slot together with its distance to the query.
type PriorityQueueItem struct {
	Slot     uint32
	Distance float32
}

// PriorityQueue implements heap.Interface over PriorityQueueItems.
// With Order=false it behaves as a min-heap (closest on top), with
// Order=true as a max-heap (farthest on top).
type PriorityQueue struct {
	Order bool
	Items []PriorityQueueItem
}

// Len returns the number of elements in the priority queue.
func (pq *PriorityQueue) Len() int { return len(pq.Items) }

// Less reports whether the element with index i should sort before the element with index j.
func (pq *PriorityQueue) Less(i, j int) bool {
	if pq.Order {
		return pq.Items[i].Distance > pq.Items[j].Distance
	}
	return pq.Items[i].Distance < pq.Items[j].Distance
}

// Swap swaps the elements with indexes i and j.
func (pq *PriorityQueue) Swap(i, j int) {
	pq.Items[i], pq.Items[j] = pq.Items[j], pq.Items[i]
}

// Push adds x to the priority queue.
func (pq *PriorityQueue) Push(x any) {
	pq.Items = append(pq.Items, x.(PriorityQueueItem))
}

// Pop removes and returns the top element from the priority queue.
func (pq *PriorityQueue) Pop() any {
	old := pq.Items
	n := len(old)
	item := old[n-1]
	pq.Items = old[:n-1]
	return item
}

// Top returns the top element without removing it.
func (pq *PriorityQueue) Top() PriorityQueueItem {
	return pq.Items[0]
}
