// Package hw defines the platform services the driver core borrows from
// its surrounding binding: the mapped BAR0 register file, DMA-capable
// buffer pools, a delay primitive, and a one-shot alarm scheduler.
package hw

import (
	"errors"
	"sync"
	"time"
)

// Command is one instruction-ring slot as the firmware sees it: a fixed
// header followed by the DMA pointers, realized here as host buffers. The
// trailing 8 bytes of Resp are the command's completion word.
type Command struct {
	Header [8]uint64
	Data   []byte
	Resp   []byte
}

// Platform is the VF's window onto the device. The surrounding binding
// maps BAR0 and translates ring slots into bus addresses; the core only
// sees registers and attached ring memory.
type Platform interface {

	// ReadReg reads a 64-bit register from the mapped BAR0 space.
	ReadReg(off uint64) uint64

	// WriteReg writes a 64-bit register in the mapped BAR0 space.
	WriteReg(off uint64, v uint64)

	// AttachIQ hands the device a view of an instruction ring's slots.
	// Commands posted to the ring become visible to firmware when the
	// ring's doorbell register is written.
	AttachIQ(q uint32, slots []Command)

	// DetachIQ revokes the device's view of an instruction ring.
	DetachIQ(q uint32)

	// Delay blocks the calling goroutine for roughly d. Poll loops call
	// it between retries.
	Delay(d time.Duration)
}

// Pool is a DMA-capable packet buffer pool.
type Pool interface {

	// RoomSize is the per-buffer data room in bytes, headroom included.
	RoomSize() uint32

	// Get returns a buffer of RoomSize bytes.
	Get() ([]byte, error)

	// Put returns a buffer to the pool.
	Put(b []byte)
}

// ErrPoolEmpty is returned by a Pool when no buffers are available.
var ErrPoolEmpty = errors.New("hw: buffer pool is empty")

// MemPool is a Pool backed by ordinary heap slices. The real binding
// uses an arena of pinned memory instead; MemPool is mainly useful in
// tests and the simulator.
type MemPool struct {
	Room  uint32
	Limit int // max outstanding buffers; 0 means no limit

	mu  sync.Mutex
	out int
}

// RoomSize returns the configured per-buffer room.
func (p *MemPool) RoomSize() uint32 {
	return p.Room
}

// Get allocates a buffer, or fails if the pool limit is reached.
func (p *MemPool) Get() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Limit > 0 && p.out >= p.Limit {
		return nil, ErrPoolEmpty
	}

	p.out++
	return make([]byte, p.Room), nil
}

// Put returns a buffer to the pool.
func (p *MemPool) Put(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.out > 0 {
		p.out--
	}
}
