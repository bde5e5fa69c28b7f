// Package jitter implements the short reorder/hold queue described in
// spec.md §4.4: a single-threaded, tick-keyed priority queue that absorbs
// out-of-order packet arrival up to a configured depth. No third-party
// priority-queue library appears anywhere in the retrieval pack, so this
// is built on the standard library's container/heap (see DESIGN.md).
package jitter

import (
	"container/heap"

	"github.com/pbalcer/naia/pkg/wire"
)

// Item is a single buffered entry: the tick it was produced for, and the
// opaque payload (typically a bit reader positioned at the data body).
type Item struct {
	Tick    uint16
	Payload any

	seq int // insertion order, for FIFO tie-break across equal ticks
}

type entryHeap []*Item

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].Tick != h[j].Tick {
		return wire.SequenceGreaterThan(h[j].Tick, h[i].Tick)
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*Item)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Buffer is the jitter buffer. It is not safe for concurrent use; the
// spec requires it run on the single connection-owning task.
type Buffer struct {
	heap    entryHeap
	maxDepth uint16
	nextSeq int
}

// NewBuffer creates a jitter buffer that drops items older than maxDepth
// ticks relative to the tick passed to Pop.
func NewBuffer(maxDepth uint16) *Buffer {
	b := &Buffer{maxDepth: maxDepth}
	heap.Init(&b.heap)
	return b
}

// Add inserts payload keyed by tick. Items older than now-maxDepth should
// be filtered by the caller before calling Add (Pop also drops them
// defensively using the tick it is given).
func (b *Buffer) Add(tick uint16, payload any) {
	item := &Item{Tick: tick, Payload: payload, seq: b.nextSeq}
	b.nextSeq++
	heap.Push(&b.heap, item)
}

// Len returns the number of buffered items.
func (b *Buffer) Len() int { return b.heap.Len() }

// Pop removes and returns the smallest-tick item with Tick <= now, in FIFO
// order across equal ticks. Items whose tick is older than
// now-maxDepth are dropped silently rather than returned. Returns
// (Item{}, false) when nothing is ready to release.
func (b *Buffer) Pop(now uint16) (Item, bool) {
	for b.heap.Len() > 0 {
		top := b.heap[0]

		if age := int16(now - top.Tick); age > int16(b.maxDepth) {
			// Below now - maxDepth: drop and keep scanning.
			heap.Pop(&b.heap)
			continue
		}

		if top.Tick == now || wire.SequenceGreaterThan(now, top.Tick) {
			heap.Pop(&b.heap)
			return *top, true
		}
		break
	}
	return Item{}, false
}

// DrainUpTo pops every ready item (Tick <= now, above the drop floor) in
// release order and returns them as a slice.
func (b *Buffer) DrainUpTo(now uint16) []Item {
	var out []Item
	for {
		item, ok := b.Pop(now)
		if !ok {
			break
		}
		out = append(out, item)
	}
	return out
}
