// Package ring implements the host side of the hardware descriptor
// rings: instruction queues the host fills and firmware drains, and
// output queues firmware fills from a packet buffer pool. The packet
// fast path runs elsewhere; this package only covers the bookkeeping
// the control plane needs.
package ring

import (
	"errors"
	"fmt"
	"sync"

	"github.com/c35s/liovf/hw"
)

var (
	ErrFull     = errors.New("ring: instruction queue is full")
	ErrBadCount = errors.New("ring: invalid descriptor count")
)

const (
	// MinDescs and MaxDescs bound a ring's descriptor count.
	// Counts must be powers of two.
	MinDescs = 32
	MaxDescs = 32768
)

// IQ is an instruction queue: a ring of command slots the host fills
// and firmware consumes. Firmware progress is visible only through the
// cumulative instruction-count register; Reclaim advances the ring
// against it. Once a ring is created its descriptor count is fixed for
// the life of the device.
type IQ struct {
	no   uint32 // local queue index
	fwNo uint32 // queue number as firmware knows it

	mu       sync.Mutex
	slots    []hw.Command
	fill     uint32 // next slot to write
	clean    uint32 // next slot to reclaim
	pending  uint32
	consumed uint64 // instruction count at last reclaim
}

// NewIQ allocates an instruction ring of count slots.
func NewIQ(no, fwNo, count uint32) (*IQ, error) {
	if err := checkCount(count); err != nil {
		return nil, err
	}

	return &IQ{
		no:    no,
		fwNo:  fwNo,
		slots: make([]hw.Command, count),
	}, nil
}

func checkCount(count uint32) error {
	if count < MinDescs || count > MaxDescs || count&(count-1) != 0 {
		return fmt.Errorf("%w: %d", ErrBadCount, count)
	}

	return nil
}

// No returns the local queue index.
func (q *IQ) No() uint32 {
	return q.no
}

// FWNo returns the firmware-mapped queue number.
func (q *IQ) FWNo() uint32 {
	return q.fwNo
}

// Count returns the ring's descriptor count.
func (q *IQ) Count() uint32 {
	return uint32(len(q.slots))
}

// Slots exposes the ring memory for attachment to the platform.
func (q *IQ) Slots() []hw.Command {
	return q.slots
}

// Post writes cmd into the next free slot. It fails with ErrFull when
// every slot is waiting on firmware; the caller is expected to reclaim
// completed slots and retry once.
func (q *IQ) Post(cmd hw.Command) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pending == uint32(len(q.slots)) {
		return ErrFull
	}

	q.slots[q.fill] = cmd
	q.fill++
	if q.fill == uint32(len(q.slots)) {
		q.fill = 0
	}

	q.pending++

	return nil
}

// Reclaim frees slots firmware has consumed, given the current value of
// the ring's cumulative instruction-count register. It returns the
// number of slots freed.
func (q *IQ) Reclaim(instrCount uint64) uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()

	done := instrCount - q.consumed
	if done > uint64(q.pending) {
		done = uint64(q.pending)
	}

	for i := uint64(0); i < done; i++ {
		q.slots[q.clean] = hw.Command{}
		q.clean++
		if q.clean == uint32(len(q.slots)) {
			q.clean = 0
		}
	}

	q.consumed += done
	q.pending -= uint32(done)

	return uint32(done)
}

// Pending returns the number of slots waiting on firmware.
func (q *IQ) Pending() uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// OQ is an output (receive) ring. Firmware fills its buffers with
// inbound packets; the control plane only tracks allocation-time state.
type OQ struct {
	no      uint32
	bufSize uint32
	pool    hw.Pool
	bufs    [][]byte
}

// NewOQ allocates an output ring of count slots and populates it with
// buffers from the pool. On failure every buffer taken so far goes back
// to the pool.
func NewOQ(no, count, bufSize uint32, pool hw.Pool) (*OQ, error) {
	if err := checkCount(count); err != nil {
		return nil, err
	}

	q := &OQ{
		no:      no,
		bufSize: bufSize,
		pool:    pool,
		bufs:    make([][]byte, 0, count),
	}

	for i := uint32(0); i < count; i++ {
		b, err := pool.Get()
		if err != nil {
			q.Close()
			return nil, fmt.Errorf("ring: populate oq %d: %w", no, err)
		}

		q.bufs = append(q.bufs, b)
	}

	return q, nil
}

// No returns the firmware-mapped ring number.
func (q *OQ) No() uint32 {
	return q.no
}

// Count returns the ring's descriptor count.
func (q *OQ) Count() uint32 {
	return uint32(cap(q.bufs))
}

// BufSize returns the per-descriptor buffer size handed to firmware.
func (q *OQ) BufSize() uint32 {
	return q.bufSize
}

// Close returns the ring's buffers to their pool.
func (q *OQ) Close() {
	for _, b := range q.bufs {
		q.pool.Put(b)
	}

	q.bufs = q.bufs[:0]
}
