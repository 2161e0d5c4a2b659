package gomem

import (
	"github.com/pkg/errors"
)

// Provider serves heap extents from Go-managed memory. Extents are zeroed by
// the runtime and reclaimed by the garbage collector once released and
// unreferenced.
type Provider struct{}

// New returns new provider.
func New() *Provider {
	return &Provider{}
}

// Acquire returns a zeroed extent of the requested size.
func (p *Provider) Acquire(size int64) ([]byte, error) {
	if size <= 0 {
		return nil, errors.Errorf("invalid extent size: %d", size)
	}
	return make([]byte, size), nil
}

// Release drops the extent.
func (p *Provider) Release(data []byte) error {
	return nil
}
