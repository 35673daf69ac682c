//go:build linux

package hw

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

var (
	ErrAllocArena  = errors.New("hw: arena allocation failed")
	ErrArenaFull   = errors.New("hw: arena is full")
	ErrBadArenaCfg = errors.New("hw: invalid arena config")
)

// Arena is a page-aligned anonymous mapping that backs DMA-visible
// buffers. The binding that owns the IOMMU programs it so the device can
// reach this memory; the core only carves it up.
type Arena struct {
	mem []byte
	off int
}

// NewArena maps size bytes of anonymous memory. Size must be a multiple
// of the page size.
func NewArena(size int) (*Arena, error) {
	if size <= 0 || size%unix.Getpagesize() != 0 {
		return nil, fmt.Errorf("%w: size %#x isn't a multiple of the page size", ErrBadArenaCfg, size)
	}

	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocArena, err)
	}

	return &Arena{mem: mem}, nil
}

// Alloc carves an aligned buffer of n bytes from the arena.
// Align must be a power of two.
func (a *Arena) Alloc(n, align int) ([]byte, error) {
	if align <= 0 || align&(align-1) != 0 {
		return nil, fmt.Errorf("%w: alignment %d isn't a power of two", ErrBadArenaCfg, align)
	}

	off := (a.off + align - 1) &^ (align - 1)
	if off+n > len(a.mem) {
		return nil, ErrArenaFull
	}

	a.off = off + n
	return a.mem[off : off+n : off+n], nil
}

// Size returns the total size of the arena in bytes.
func (a *Arena) Size() int {
	return len(a.mem)
}

// Close unmaps the arena. Buffers carved from it become invalid.
func (a *Arena) Close() error {
	if a.mem == nil {
		return nil
	}

	err := unix.Munmap(a.mem)
	a.mem = nil

	return err
}

// SlabPool is a Pool carving fixed-size rooms from an Arena.
type SlabPool struct {
	room uint32

	mu   sync.Mutex
	free [][]byte
}

// NewSlabPool carves count buffers of room bytes each from the arena.
func NewSlabPool(a *Arena, count int, room uint32) (*SlabPool, error) {
	p := &SlabPool{
		room: room,
		free: make([][]byte, 0, count),
	}

	for i := 0; i < count; i++ {
		b, err := a.Alloc(int(room), 64)
		if err != nil {
			return nil, err
		}

		p.free = append(p.free, b)
	}

	return p, nil
}

// RoomSize returns the per-buffer room in bytes.
func (p *SlabPool) RoomSize() uint32 {
	return p.room
}

// Get pops a buffer from the pool.
func (p *SlabPool) Get() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return nil, ErrPoolEmpty
	}

	b := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]

	return b, nil
}

// Put returns a buffer to the pool.
func (p *SlabPool) Put(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.free = append(p.free, b)
}
