package arena

import (
	"strings"
	"testing"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/arena/heap"
	"github.com/outofforest/arena/pkg/gomem"
)

var _ Provider = &gomem.Provider{}

const minHeapSize = 1024

func newTestManager(t *testing.T) *Manager {
	m, err := New(gomem.New(), minHeapSize)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, m.Close())
	})
	return m
}

func inHeap(h *heap.Heap, hd *heap.Handle) bool {
	ext := h.Extent()
	base := uintptr(unsafe.Pointer(&ext[0]))
	addr := uintptr(hd.Ptr())
	return addr >= base && addr < base+uintptr(len(ext))
}

func TestNewValidatesMinHeapSize(t *testing.T) {
	requireT := require.New(t)

	for _, size := range []int64{0, -1, 1000, 3 * 1024} {
		_, err := New(gomem.New(), size)
		requireT.Error(err)
	}
}

func TestNewCreatesMandatoryHeaps(t *testing.T) {
	requireT := require.New(t)

	m := newTestManager(t)
	requireT.Len(m.heaps, MinHeaps)
	requireT.Equal(int64(1024), m.heaps[0].Size())
	requireT.Equal(int64(2048), m.heaps[1].Size())
}

func TestAllocRoutesToSmallestFittingHeap(t *testing.T) {
	requireT := require.New(t)

	m := newTestManager(t)

	first, err := m.Alloc(700, 8)
	requireT.NoError(err)
	requireT.True(inHeap(m.heaps[0], first))

	// Does not fit into what is left of the first heap, lands in the second
	// one without creating a third.
	second, err := m.Alloc(700, 8)
	requireT.NoError(err)
	requireT.True(inHeap(m.heaps[1], second))
	requireT.Len(m.heaps, 2)

	third, err := m.Alloc(700, 8)
	requireT.NoError(err)
	requireT.True(inHeap(m.heaps[1], third))
	requireT.Len(m.heaps, 2)

	// Fits nowhere, so a doubled heap is created.
	fourth, err := m.Alloc(700, 8)
	requireT.NoError(err)
	requireT.Len(m.heaps, 3)
	requireT.Equal(int64(4096), m.heaps[2].Size())
	requireT.True(inHeap(m.heaps[2], fourth))
}

func TestAllocGrowsUntilRequestFits(t *testing.T) {
	requireT := require.New(t)

	m := newTestManager(t)
	hd, err := m.Alloc(5000, 8)
	requireT.NoError(err)
	requireT.Len(m.heaps, 4)
	requireT.Equal(int64(8192), m.heaps[3].Size())
	requireT.True(inHeap(m.heaps[3], hd))
}

type failingProvider struct {
	remaining int
}

func (p *failingProvider) Acquire(size int64) ([]byte, error) {
	if p.remaining == 0 {
		return nil, errors.New("out of memory")
	}
	p.remaining--
	return make([]byte, size), nil
}

func (p *failingProvider) Release(data []byte) error {
	return nil
}

func TestAllocFailsWhenPlatformRefusesMemory(t *testing.T) {
	requireT := require.New(t)

	m, err := New(&failingProvider{remaining: MinHeaps}, minHeapSize)
	requireT.NoError(err)

	// Routing misses are absorbed, platform exhaustion is not.
	_, err = m.Alloc(100, 8)
	requireT.NoError(err)
	_, err = m.Alloc(5000, 8)
	requireT.Error(err)
}

func TestGraduateFreesSmallestHeap(t *testing.T) {
	requireT := require.New(t)

	m := newTestManager(t)
	s, err := Make(m, [600]byte{1, 2, 3})
	requireT.NoError(err)
	requireT.True(inHeap(m.heaps[0], s.Handle()))

	requireT.NoError(m.Graduate())

	requireT.True(m.heaps[0].Empty())
	requireT.True(inHeap(m.heaps[1], s.Handle()))
	p, err := s.Get()
	requireT.NoError(err)
	requireT.Equal(byte(2), p[1])
}

func TestGraduateCascades(t *testing.T) {
	requireT := require.New(t)

	m := newTestManager(t)

	var small [900]byte
	var big [1900]byte
	for i := range small {
		small[i] = byte(i)
	}
	for i := range big {
		big[i] = byte(i * 3)
	}

	s, err := Make(m, small)
	requireT.NoError(err)
	b, err := Make(m, big)
	requireT.NoError(err)
	requireT.True(inHeap(m.heaps[0], s.Handle()))
	requireT.True(inHeap(m.heaps[1], b.Handle()))

	// The second heap cannot absorb the first one, so it graduates into a
	// brand-new third heap first.
	requireT.NoError(m.Graduate())

	requireT.Len(m.heaps, 3)
	requireT.True(m.heaps[0].Empty())
	requireT.True(inHeap(m.heaps[1], s.Handle()))
	requireT.True(inHeap(m.heaps[2], b.Handle()))

	sp, err := s.Get()
	requireT.NoError(err)
	bp, err := b.Get()
	requireT.NoError(err)
	requireT.Equal(small, *sp)
	requireT.Equal(big, *bp)
}

func TestGraduateDoesNotCascadeForDeadFrontier(t *testing.T) {
	requireT := require.New(t)

	m := newTestManager(t)

	a, err := m.Alloc(100, 8)
	requireT.NoError(err)
	b, err := m.Alloc(800, 8)
	requireT.NoError(err)
	requireT.True(inHeap(m.heaps[0], a))
	requireT.True(inHeap(m.heaps[0], b))
	c, err := m.Alloc(1900, 8)
	requireT.NoError(err)
	requireT.True(inHeap(m.heaps[1], c))

	// Dead frontier space is trimmed, not graduated: the live remainder of
	// the first heap fits next to c, so no third heap appears.
	b.DecShared()
	requireT.NoError(m.Graduate())

	requireT.Len(m.heaps, 2)
	requireT.True(m.heaps[0].Empty())
	requireT.True(inHeap(m.heaps[1], a))
	requireT.True(inHeap(m.heaps[1], c))
}

func TestDefragIsTransparentToReferences(t *testing.T) {
	requireT := require.New(t)

	m := newTestManager(t)

	x, err := Make(m, [104]byte{})
	requireT.NoError(err)
	var content [104]byte
	for i := range content {
		content[i] = byte(i + 1)
	}
	y, err := Make(m, content)
	requireT.NoError(err)

	x.Release()
	m.Defrag()

	p, err := y.Get()
	requireT.NoError(err)
	requireT.Equal(content, *p)
	requireT.Equal(1, m.heaps[0].Handles())
}

func TestShrinkToFitTrimsTrailingHeaps(t *testing.T) {
	requireT := require.New(t)

	m := newTestManager(t)
	hd, err := m.Alloc(5000, 8)
	requireT.NoError(err)
	requireT.Len(m.heaps, 4)

	hd.DecShared()
	requireT.NoError(m.ShrinkToFit())
	requireT.Len(m.heaps, MinHeaps)

	// The floor of two heaps always remains.
	requireT.NoError(m.ShrinkToFit())
	requireT.Len(m.heaps, MinHeaps)
}

func TestStats(t *testing.T) {
	requireT := require.New(t)

	m := newTestManager(t)
	_, err := m.Alloc(600, 8)
	requireT.NoError(err)
	_, err = m.Alloc(600, 8)
	requireT.NoError(err)

	stats := m.Stats()
	requireT.Equal(2, stats.Heaps)
	requireT.Equal(int64(3072), stats.Capacity)
	requireT.Equal(2, stats.Handles)
	requireT.GreaterOrEqual(stats.Allocated, int64(1200))

	text := stats.String()
	requireT.True(strings.HasPrefix(text, "heaps: 2"))
	requireT.Contains(text, "KiB")
}

func TestClose(t *testing.T) {
	requireT := require.New(t)

	m, err := New(gomem.New(), minHeapSize)
	requireT.NoError(err)
	_, err = m.Alloc(100, 8)
	requireT.NoError(err)

	requireT.NoError(m.Close())
	requireT.Nil(m.heaps)
}
