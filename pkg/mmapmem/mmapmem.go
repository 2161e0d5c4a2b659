//go:build unix

package mmapmem

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Provider serves heap extents from anonymous private memory mappings,
// keeping arena memory out of the Go heap entirely.
type Provider struct{}

// New returns new provider.
func New() *Provider {
	return &Provider{}
}

// Acquire maps a zeroed extent of the requested size.
func (p *Provider) Acquire(size int64) ([]byte, error) {
	if size <= 0 {
		return nil, errors.Errorf("invalid extent size: %d", size)
	}
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return data, nil
}

// Release unmaps the extent.
func (p *Provider) Release(data []byte) error {
	return errors.WithStack(unix.Munmap(data))
}
