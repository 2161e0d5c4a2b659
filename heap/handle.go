package heap

import (
	"math/bits"
	"unsafe"

	"github.com/pkg/errors"
)

// MaxAlignment is the largest alignment accepted by Alloc.
const MaxAlignment int64 = 1 << 31

// Handle is the stable identity of an allocation. It pairs the payload
// address with reference counts and the encoded alignment. The record itself
// never relocates; only its address field is updated when the owning heap
// moves the payload during Defrag or Graduate. References derived from a
// handle must re-read the address on every dereference instead of caching it.
type Handle struct {
	next      *Handle
	ptr       unsafe.Pointer
	shared    uint32
	weak      uint32
	alignLog2 uint8
}

// Ptr returns the current payload address. It is nil once the owning heap
// has swept the handle out of its collection.
func (h *Handle) Ptr() unsafe.Pointer {
	return h.ptr
}

// Alignment returns the byte alignment the payload was allocated with.
func (h *Handle) Alignment() uintptr {
	return uintptr(1) << h.alignLog2
}

// Used reports whether the payload is alive. A handle with no shared
// references is dead weight awaiting reclamation by its heap, even if weak
// observers still hold the record.
func (h *Handle) Used() bool {
	return h.shared > 0
}

// SharedCount returns the number of owning references.
func (h *Handle) SharedCount() uint32 {
	return h.shared
}

// WeakCount returns the number of non-owning observers.
func (h *Handle) WeakCount() uint32 {
	return h.weak
}

// IncShared registers a new owning reference.
func (h *Handle) IncShared() {
	h.shared++
}

// DecShared drops an owning reference and returns the remaining count.
func (h *Handle) DecShared() uint32 {
	if h.shared == 0 {
		panic(errors.New("release of a dead shared reference"))
	}
	h.shared--
	return h.shared
}

// IncWeak registers a new weak observer.
func (h *Handle) IncWeak() {
	h.weak++
}

// DecWeak drops a weak observer and returns the remaining count.
func (h *Handle) DecWeak() uint32 {
	if h.weak == 0 {
		panic(errors.New("release of a dead weak reference"))
	}
	h.weak--
	return h.weak
}

func newHandle(ptr unsafe.Pointer, alignment int64) *Handle {
	return &Handle{
		ptr:       ptr,
		shared:    1,
		alignLog2: uint8(bits.TrailingZeros64(uint64(alignment))),
	}
}
