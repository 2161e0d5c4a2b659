package arena

import (
	"github.com/outofforest/arena/heap"
)

// Self lets a payload type mint references to itself from inside its own
// methods. Embed it in the payload struct; Make wires it up right after
// construction. Objects created any other way have an unwired Self, which is
// one of the reasons Make is the only sanctioned construction path.
//
// Self borrows the handle without counting as a reference: a payload can
// only observe itself while it is alive, and a live payload implies a live
// handle.
type Self struct {
	handle *heap.Handle
}

type selfBinder interface {
	bindSelf(h *heap.Handle)
}

func (s *Self) bindSelf(h *heap.Handle) {
	s.handle = h
}

// SharedSelf returns an owning reference to the payload embedding s. T must
// be the payload's own type.
func SharedSelf[T any](s *Self) Shared[T] {
	if s.handle == nil || s.handle.SharedCount() == 0 {
		return Shared[T]{}
	}
	s.handle.IncShared()
	return Shared[T]{handle: s.handle}
}

// WeakSelf returns a weak observer of the payload embedding s. T must be the
// payload's own type.
func WeakSelf[T any](s *Self) Weak[T] {
	if s.handle == nil {
		return Weak[T]{}
	}
	s.handle.IncWeak()
	return Weak[T]{handle: s.handle}
}
