package hnsw

import (
	"container/heap"
	"testing"

	"github.com/stretchr/testify/assert"
)

var items = []float32{0.4, 9, 0.001, 0.0534, 0.234, 2.03, 2.042, 2.532, 1.0009, 0.329, 0.193, 0.999, 0.020391, 2.0991, 1.203, 10.03, 1.039, 1.0008, 5.029, 0.789}

func TestMaxHeap(t *testing.T) {
	h := &PriorityQueue{Order: true}
	heap.Init(h)

	for k, v := range items {
		heap.Push(h, PriorityQueueItem{Slot: uint32(k), Distance: v})
	}

	top := h.Top()
	assert.Equal(t, float32(10.03), top.Distance)
	assert.Equal(t, uint32(15), top.Slot)
	assert.Equal(t, 20, h.Len())

	// Prune to 10
	for h.Len() > 10 {
		heap.Pop(h)
	}

	top = h.Top()
	assert.Equal(t, float32(1.0008), top.Distance)
	assert.Equal(t, uint32(17), top.Slot)

	for h.Len() > 1 {
		heap.Pop(h)
	}

	// Last remaining (smallest) element
	top = h.Top()
	assert.Equal(t, float32(0.001), top.Distance)
	assert.Equal(t, uint32(2), top.Slot)
}

func TestMinHeap(t *testing.T) {
	h := &PriorityQueue{Order: false}
	heap.Init(h)

	for k, v := range items {
		heap.Push(h, PriorityQueueItem{Slot: uint32(k), Distance: v})
	}

	top := h.Top()
	assert.Equal(t, float32(0.001), top.Distance)
	assert.Equal(t, uint32(2), top.Slot)

	popped := heap.Pop(h).(PriorityQueueItem)
	assert.Equal(t, uint32(2), popped.Slot)
	assert.Equal(t, 19, h.Len())

	next := h.Top()
	assert.Equal(t, float32(0.020391), next.Distance)
}
