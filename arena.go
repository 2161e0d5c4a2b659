// Package arena provides reference-counted allocation of objects inside
// relocatable heaps. Objects are reached through handles, never through
// cached raw addresses, so the manager is free to compact or move the
// underlying storage at well-defined points without invalidating any live
// Shared or Weak reference. Alloc never moves existing memory; Defrag and
// Graduate do, and must only be called when no raw payload pointer obtained
// from Get is held across the call. All mutating operations assume
// single-threaded access.
package arena

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/outofforest/arena/heap"
)

// MinHeaps is the number of heaps a manager always keeps, even after
// shrinking.
const MinHeaps = 2

// Provider acquires extents of process memory for new heaps. It is the only
// platform primitive the arena requires.
type Provider interface {
	Acquire(size int64) ([]byte, error)
	Release(data []byte) error
}

// Manager owns an ordered sequence of heaps of strictly increasing size and
// routes every allocation to the smallest heap able to satisfy it.
type Manager struct {
	provider Provider
	heaps    []*heap.Heap
}

// New creates a manager with the two mandatory heaps of minHeapSize and
// twice that. Every further heap doubles the size of the previous one.
func New(provider Provider, minHeapSize int64) (*Manager, error) {
	if minHeapSize <= 0 || minHeapSize&(minHeapSize-1) != 0 {
		return nil, errors.Errorf("minimum heap size must be a power of two, got: %d", minHeapSize)
	}

	m := &Manager{
		provider: provider,
	}
	for i := 0; i < MinHeaps; i++ {
		if err := m.addHeap(minHeapSize << i); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Alloc returns a handle to size bytes aligned to alignment. Heaps are tried
// in ascending size order; if none fits, new doubled heaps are created until
// one does. The only failure is the platform refusing memory for a new heap.
func (m *Manager) Alloc(size, alignment int64) (*heap.Handle, error) {
	for {
		for _, h := range m.heaps {
			if hd := h.Alloc(size, alignment); hd != nil {
				return hd, nil
			}
		}
		if err := m.grow(); err != nil {
			return nil, err
		}
	}
}

// Defrag compacts every heap, smallest to largest. Live payloads are
// relocated; see the package contract.
func (m *Manager) Defrag() {
	for _, h := range m.heaps {
		h.Defrag()
	}
}

// Graduate moves the content of the smallest heap into the next one, freeing
// the smallest heap entirely. If the next heap cannot fit the content it
// graduates first, cascading up and creating new heaps as needed.
func (m *Manager) Graduate() error {
	return m.graduate(0)
}

// ShrinkToFit trims the frontier of every heap and returns trailing empty
// heaps to the provider, keeping at least MinHeaps of them.
func (m *Manager) ShrinkToFit() error {
	for _, h := range m.heaps {
		h.ShrinkToFit()
	}
	for len(m.heaps) > MinHeaps {
		last := m.heaps[len(m.heaps)-1]
		if !last.Empty() {
			break
		}
		if err := m.provider.Release(last.Extent()); err != nil {
			return errors.WithStack(err)
		}
		m.heaps = m.heaps[:len(m.heaps)-1]
	}
	return nil
}

// Close returns all extents to the provider. No reference created by the
// manager may be used afterwards.
func (m *Manager) Close() error {
	for _, h := range m.heaps {
		if err := m.provider.Release(h.Extent()); err != nil {
			return errors.WithStack(err)
		}
	}
	m.heaps = nil
	return nil
}

// Stats returns the current accounting of the manager.
func (m *Manager) Stats() Stats {
	s := Stats{
		Heaps: len(m.heaps),
	}
	for _, h := range m.heaps {
		s.Capacity += h.Size()
		s.Allocated += h.Allocated()
		s.Handles += h.Handles()
	}
	return s
}

func (m *Manager) graduate(i int) error {
	// Dead frontier space is trimmed before judging the fit, so it never
	// triggers a cascade or heap creation on its own.
	src := m.heaps[i]
	src.ShrinkToFit()
	if src.Empty() {
		return nil
	}
	if i+1 >= len(m.heaps) {
		if err := m.grow(); err != nil {
			return err
		}
	}
	dst := m.heaps[i+1]
	if !dst.Fits(src) {
		if err := m.graduate(i + 1); err != nil {
			return err
		}
	}
	if !src.Graduate(dst) {
		return errors.Errorf("content of heap %d does not fit into heap %d", i, i+1)
	}
	return nil
}

func (m *Manager) grow() error {
	return m.addHeap(m.heaps[len(m.heaps)-1].Size() << 1)
}

func (m *Manager) addHeap(size int64) error {
	data, err := m.provider.Acquire(size)
	if err != nil {
		return errors.WithStack(err)
	}
	m.heaps = append(m.heaps, heap.New(data))
	return nil
}

// Stats describes the memory owned by a manager.
type Stats struct {
	Heaps     int
	Capacity  int64
	Allocated int64
	Handles   int
}

func (s Stats) String() string {
	return fmt.Sprintf("heaps: %d, capacity: %s, allocated: %s, handles: %d",
		s.Heaps, humanize.IBytes(uint64(s.Capacity)), humanize.IBytes(uint64(s.Allocated)), s.Handles)
}
