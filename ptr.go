package arena

import (
	"unsafe"

	"github.com/outofforest/photon"
	"github.com/pkg/errors"

	"github.com/outofforest/arena/heap"
)

// ErrNilPointer is returned when a nil reference is dereferenced. A nil
// reference is a normal state, not a programming error, so this is the one
// recoverable failure the package reports at dereference time.
var ErrNilPointer = errors.New("nil pointer dereference")

// Disposer is implemented by payload types requiring teardown logic. Dispose
// runs exactly once, when the last shared reference is released. Heaps never
// run teardown; they only move bytes.
type Disposer interface {
	Dispose()
}

// Shared is an owning reference to a payload of type T. Copy it with Clone
// and drop it with Release; every Clone must be paired with exactly one
// Release. The zero value is a nil reference.
//
// Payloads live inside arena extents, so they must be plain data: the
// garbage collector does not see pointers stored there. The embedded Self
// handle is the one sanctioned exception.
type Shared[T any] struct {
	handle *heap.Handle
}

// Make constructs a payload of type T inside memory served by the manager
// and returns the first shared reference to it. It is the only sanctioned
// way of creating managed objects; in particular, self-references (see Self)
// are wired up only here, because no handle exists before this point.
func Make[T comparable](m *Manager, v T) (Shared[T], error) {
	h, p, err := Emplace[T](m)
	if err != nil {
		return Shared[T]{}, err
	}
	*p = v
	if b, ok := any(p).(selfBinder); ok {
		b.bindSelf(h)
	}
	return Shared[T]{handle: h}, nil
}

// Emplace allocates zeroed storage for a value of type T and projects it.
// The returned handle carries the single shared reference the caller becomes
// responsible for. Most callers want Make instead.
func Emplace[T comparable](m *Manager) (*heap.Handle, *T, error) {
	var t T
	size := int64(unsafe.Sizeof(t))
	if size == 0 {
		// Zero-sized payloads still get a distinct address.
		size = 1
	}
	h, err := m.Alloc(size, int64(unsafe.Alignof(t)))
	if err != nil {
		return nil, nil, err
	}

	data := unsafe.Slice((*byte)(h.Ptr()), size)
	// Padding bytes are not written by struct assignment, and the extent may
	// contain remains of previous allocations.
	clear(data)

	return h, photon.NewFromBytes[T](data).V, nil
}

// Adopt wraps a handle obtained from Alloc or Emplace without touching the
// reference count: the caller hands over the reference it holds. Wrapping a
// handle of a different payload type, or one already owned elsewhere, is
// undefined behavior.
func Adopt[T any](h *heap.Handle) Shared[T] {
	return Shared[T]{handle: h}
}

// Convert returns a new shared reference viewing the payload as To. To must
// share its leading layout with From, as with a struct embedded at offset
// zero; anything else is undefined behavior. Reference bookkeeping is
// identical to Clone.
func Convert[To, From any](s Shared[From]) Shared[To] {
	if s.handle != nil {
		s.handle.IncShared()
	}
	return Shared[To]{handle: s.handle}
}

// IsNil reports whether the reference points to nothing.
func (s Shared[T]) IsNil() bool {
	return s.handle == nil
}

// Get returns the payload. The address is re-read from the handle on every
// call and must not be cached across statements that may defragment or
// graduate heaps.
func (s Shared[T]) Get() (*T, error) {
	if s.handle == nil {
		return nil, errors.WithStack(ErrNilPointer)
	}
	return (*T)(s.handle.Ptr()), nil
}

// Handle exposes the underlying handle.
func (s Shared[T]) Handle() *heap.Handle {
	return s.handle
}

// Clone returns a new owning reference to the same payload.
func (s Shared[T]) Clone() Shared[T] {
	if s.handle != nil {
		s.handle.IncShared()
	}
	return s
}

// Release drops the reference and nils it. Releasing the last owning
// reference disposes the payload. The handle record survives as long as weak
// observers hold it; its heap sweeps it out during the next maintenance
// operation.
func (s *Shared[T]) Release() {
	h := s.handle
	if h == nil {
		return
	}
	s.handle = nil
	if h.DecShared() > 0 {
		return
	}
	if d, ok := any((*T)(h.Ptr())).(Disposer); ok {
		d.Dispose()
	}
}

// Downgrade returns a weak observer of the payload.
func (s Shared[T]) Downgrade() Weak[T] {
	if s.handle != nil {
		s.handle.IncWeak()
	}
	return Weak[T]{handle: s.handle}
}

// Weak is a non-owning observer of a payload. It never keeps the payload
// alive, only the handle record. The zero value is a nil reference.
type Weak[T any] struct {
	handle *heap.Handle
}

// Expired reports whether the payload is gone.
func (w Weak[T]) Expired() bool {
	return w.handle == nil || w.handle.SharedCount() == 0
}

// Lock returns an owning reference to the payload, or a nil reference if the
// payload has already been disposed.
func (w Weak[T]) Lock() Shared[T] {
	if w.Expired() {
		return Shared[T]{}
	}
	w.handle.IncShared()
	return Shared[T]{handle: w.handle}
}

// Clone returns a new weak observer of the same payload.
func (w Weak[T]) Clone() Weak[T] {
	if w.handle != nil {
		w.handle.IncWeak()
	}
	return w
}

// Release drops the observer and nils it.
func (w *Weak[T]) Release() {
	h := w.handle
	if h == nil {
		return
	}
	w.handle = nil
	h.DecWeak()
}
