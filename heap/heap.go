// Package heap implements a fixed-size bump-allocated extent owning the
// handles of the payloads stored inside it. Alloc never moves existing
// memory. ShrinkToFit only retracts the allocation frontier. Defrag and
// Graduate are the only operations relocating live payloads and must not be
// invoked while any raw payload pointer is held across the call.
package heap

import (
	"unsafe"

	"github.com/pkg/errors"
)

// Heap is a single contiguous extent of memory. Its size never changes;
// growth is handled by creating additional heaps, not by resizing this one.
type Heap struct {
	data     []byte
	begin    unsafe.Pointer
	size     uintptr
	top      uintptr // offset of the allocation frontier, relative to begin
	head     *Handle // most recently allocated first
	handles  int
	maxAlign uintptr
}

// New creates a heap over the provided extent.
func New(data []byte) *Heap {
	if len(data) == 0 {
		panic(errors.New("heap extent is empty"))
	}
	return &Heap{
		data:     data,
		begin:    unsafe.Pointer(&data[0]),
		size:     uintptr(len(data)),
		maxAlign: 1,
	}
}

// Alloc advances the frontier past the requested size, respecting alignment,
// and returns the handle of the new allocation. It returns nil if the
// remaining space does not fit the request. This is a routing signal consumed
// by the manager, not an error. Existing handles and their addresses are
// never touched, so allocation is safe at any point, including mid-iteration
// over managed data.
func (h *Heap) Alloc(size, alignment int64) *Handle {
	if size <= 0 {
		panic(errors.Errorf("invalid allocation size: %d", size))
	}
	if alignment <= 0 || alignment&(alignment-1) != 0 || alignment > MaxAlignment {
		panic(errors.Errorf("invalid allocation alignment: %d", alignment))
	}

	a := uintptr(alignment)
	topAddr := uintptr(h.begin) + h.top
	pad := alignUp(topAddr, a) - topAddr
	if pad+uintptr(size) > h.size-h.top {
		return nil
	}

	off := h.top + pad
	hd := newHandle(unsafe.Add(h.begin, off), alignment)
	hd.next = h.head
	h.head = hd
	h.handles++
	h.top = off + uintptr(size)
	if a > h.maxAlign {
		h.maxAlign = a
	}
	return hd
}

// ShrinkToFit pops dead handles off the allocation frontier and retracts the
// frontier to the lowest address they covered. No live payload is relocated.
func (h *Heap) ShrinkToFit() {
	for h.head != nil && !h.head.Used() {
		hd := h.head
		h.top = h.offset(hd.ptr)
		h.head = hd.next
		h.handles--
		hd.ptr, hd.next = nil, nil
	}
	if h.head == nil {
		h.reset()
	}
}

// Defrag reclaims interior holes left by dead allocations by sliding all
// payloads above each hole towards the beginning of the extent. Every live
// handle keeps its alignment: the slide distance is the hole size rounded
// down to a multiple of the largest alignment present in the heap, so any
// payload alignment divides it. Cost is quadratic in the number of handles
// in the worst case, which is why this is an explicit maintenance operation
// rather than part of Alloc.
func (h *Heap) Defrag() {
	h.ShrinkToFit()
	if h.head == nil {
		return
	}

	prev := h.head // nearest surviving neighbor closer to the frontier
	cur := h.head.next
	for cur != nil {
		if cur.Used() {
			prev, cur = cur, cur.next
			continue
		}

		span := h.offset(prev.ptr) - h.offset(cur.ptr)
		delta := span &^ (h.maxAlign - 1)
		if delta == 0 {
			// The hole is too small to move with the current alignment
			// granularity. The dead handle stays in the collection marking
			// the hole, so a later pass retries once maxAlign drops.
			cur = cur.next
			continue
		}

		srcOff := h.offset(prev.ptr)
		copy(h.data[srcOff-delta:h.top-delta], h.data[srcOff:h.top])
		for q := h.head; q != cur; q = q.next {
			q.ptr = unsafe.Add(q.ptr, -int(delta))
		}
		h.top -= delta

		next := cur.next
		prev.next = next
		h.handles--
		cur.ptr, cur.next = nil, nil
		cur = next
	}

	// Only live payloads constrain future slides; dead handles merely mark
	// their holes.
	maxAlign := uintptr(1)
	for q := h.head; q != nil; q = q.next {
		if !q.Used() {
			continue
		}
		if a := q.Alignment(); a > maxAlign {
			maxAlign = a
		}
	}
	h.maxAlign = maxAlign
}

// Fits reports whether the entire used extent of src can be placed at the
// frontier of this heap, preserving the alignment of every payload in src.
func (h *Heap) Fits(src *Heap) bool {
	_, ok := h.placementFor(src)
	return ok
}

// Graduate moves the entire content of this heap verbatim into dst: one bulk
// copy of the used extent, a constant-delta fixup of every handle address and
// a splice of the handle collection at the front of dst's collection. On
// success the source heap is left empty and ready for reuse as frontier
// space. It returns false if dst cannot fit the content.
func (h *Heap) Graduate(dst *Heap) bool {
	h.ShrinkToFit()
	if h.head == nil {
		return true
	}

	dstOff, ok := dst.placementFor(h)
	if !ok {
		return false
	}

	copy(dst.data[dstOff:dstOff+h.top], h.data[:h.top])

	var tail *Handle
	for q := h.head; q != nil; q = q.next {
		q.ptr = unsafe.Add(dst.begin, dstOff+h.offset(q.ptr))
		tail = q
	}
	tail.next = dst.head
	dst.head = h.head
	dst.handles += h.handles
	dst.top = dstOff + h.top
	if h.maxAlign > dst.maxAlign {
		dst.maxAlign = h.maxAlign
	}

	h.reset()
	return true
}

// Size returns the byte size of the extent.
func (h *Heap) Size() int64 {
	return int64(h.size)
}

// Allocated returns the number of bytes between the beginning of the extent
// and the allocation frontier.
func (h *Heap) Allocated() int64 {
	return int64(h.top)
}

// Handles returns the number of handles owned by the heap, dead ones
// included until a maintenance operation sweeps them out.
func (h *Heap) Handles() int {
	return h.handles
}

// Empty reports whether nothing is allocated in the heap.
func (h *Heap) Empty() bool {
	return h.head == nil && h.top == 0
}

// Extent returns the backing extent so the owner may return it to the
// platform once the heap is discarded.
func (h *Heap) Extent() []byte {
	return h.data
}

// placementFor computes the offset inside the heap where src's used extent
// would start. The offset is the lowest one at or above the frontier whose
// absolute address is congruent to src's base address modulo src's largest
// alignment, so that a single constant delta relocates every src payload
// without breaking its alignment.
func (h *Heap) placementFor(src *Heap) (uintptr, bool) {
	if src.top == 0 {
		return h.top, true
	}
	mod := uintptr(src.begin) % src.maxAlign
	topAddr := uintptr(h.begin) + h.top
	base := alignUp(topAddr-mod, src.maxAlign) + mod
	off := base - uintptr(h.begin)
	if off+src.top > h.size {
		return 0, false
	}
	return off, true
}

func (h *Heap) offset(ptr unsafe.Pointer) uintptr {
	return uintptr(ptr) - uintptr(h.begin)
}

func (h *Heap) reset() {
	h.head = nil
	h.handles = 0
	h.top = 0
	h.maxAlign = 1
}

func alignUp(v, a uintptr) uintptr {
	return (v + a - 1) &^ (a - 1)
}
