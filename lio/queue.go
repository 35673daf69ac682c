package lio

import (
	"fmt"

	"github.com/c35s/liovf/hw"
	"github.com/c35s/liovf/lio/cn23xx"
	"github.com/c35s/liovf/lio/ring"
	"github.com/c35s/liovf/lio/wire"
)

const (
	// oqHeadroom is reserved at the front of every receive buffer; the
	// data room firmware sees is the pool's room minus this.
	oqHeadroom = 128

	// bootstrapIQDescs sizes instruction queue 0 during bring-up.
	bootstrapIQDescs = 512

	// sgMaxDescs is the firmware limit on a per-queue gather table.
	sgMaxDescs = 16384
)

// sgEntry describes up to four transmit fragments.
type sgEntry struct {
	Ptr [4]uint64
	Len [4]uint16
}

// sgList is the per-IQ scatter-gather table used by the transmit path.
// It lives and dies with its instruction queue.
type sgList struct {
	entries []sgEntry
}

func newSGList(count uint32) (*sgList, error) {
	if count > sgMaxDescs {
		return nil, fmt.Errorf("%w: gather table limit is %d entries", ErrExhausted, sgMaxDescs)
	}

	return &sgList{entries: make([]sgEntry, count)}, nil
}

// CreateTxQueue allocates the instruction queue behind local index qNo,
// along with its scatter-gather table; the two are created and torn
// down as one unit. The first call for a queue allocates; later calls
// only validate, because firmware cannot resize a ring: a different
// descriptor count is rejected and the same count returns the existing
// queue.
func (d *Device) CreateTxQueue(qNo, numDescs uint32) (*ring.IQ, error) {
	if qNo >= d.nbTx {
		return nil, fmt.Errorf("%w: tx queue %d", ErrBadQueue, qNo)
	}

	d.log.Debug("lio: setting up tx queue", "q", qNo)

	fwNo := wire.PCIQNo(d.linfo.TxPCIQ[qNo])

	if cur := d.iq[fwNo]; cur != nil {
		if numDescs != cur.Count() {
			return nil, fmt.Errorf("%w: tx queue %d has %d descriptors",
				ErrReconfigure, qNo, cur.Count())
		}

		return cur, nil
	}

	iq, err := d.setupIQ(qNo, fwNo, numDescs)
	if err != nil {
		return nil, fmt.Errorf("lio: tx queue %d: %w", qNo, err)
	}

	sg, err := newSGList(numDescs)
	if err != nil {
		d.deleteIQ(fwNo)
		return nil, fmt.Errorf("lio: tx queue %d gather table: %w", qNo, err)
	}

	d.sg[fwNo] = sg

	return iq, nil
}

// ReleaseTxQueue frees a transmit queue and its gather table. Run-time
// queue deletion is unsupported by the firmware contract, so this is a
// no-op once the port is configured; the queue is really freed at
// uninit time.
func (d *Device) ReleaseTxQueue(iq *ring.IQ) {
	if d.portConfigured.Load() {
		return
	}

	if iq == nil {
		return
	}

	d.sg[iq.FWNo()] = nil
	d.deleteIQ(iq.FWNo())
}

// CreateRxQueue allocates the output queue behind local index qNo,
// populating it from the pool. The buffer size firmware sees is derived
// from the pool's room. Like transmit queues, the descriptor count is
// fixed on first creation.
func (d *Device) CreateRxQueue(qNo, numDescs uint32, pool hw.Pool) (*ring.OQ, error) {
	if qNo >= d.nbRx {
		return nil, fmt.Errorf("%w: rx queue %d", ErrBadQueue, qNo)
	}

	d.log.Debug("lio: setting up rx queue", "q", qNo)

	fwNo := wire.PCIQNo(d.linfo.RxPCIQ[qNo])

	if cur := d.oq[fwNo]; cur != nil {
		if numDescs != cur.Count() {
			return nil, fmt.Errorf("%w: rx queue %d has %d descriptors",
				ErrReconfigure, qNo, cur.Count())
		}

		return cur, nil
	}

	room := pool.RoomSize()
	if room <= oqHeadroom {
		return nil, fmt.Errorf("%w: pool room %d doesn't cover %d bytes of headroom",
			ErrConfig, room, oqHeadroom)
	}

	oq, err := ring.NewOQ(fwNo, numDescs, room-oqHeadroom, pool)
	if err != nil {
		return nil, fmt.Errorf("lio: rx queue %d: %w", qNo, err)
	}

	d.plat.WriteReg(cn23xx.OQSize(fwNo), uint64(numDescs))
	d.plat.WriteReg(cn23xx.OQBufSize(fwNo), uint64(oq.BufSize()))

	d.oq[fwNo] = oq

	return oq, nil
}

// ReleaseRxQueue frees a receive queue. Like ReleaseTxQueue, it is a
// no-op once the port is configured.
func (d *Device) ReleaseRxQueue(oq *ring.OQ) {
	if d.portConfigured.Load() {
		return
	}

	if oq == nil {
		return
	}

	d.deleteOQ(oq.No())
}

// GrantedQueues returns the queue counts firmware granted in the
// capability masks. Both are zero before Configure.
func (d *Device) GrantedQueues() (rx, tx uint32) {
	return d.numRxQ, d.numTxQ
}

func (d *Device) setupIQ(qNo, fwNo, numDescs uint32) (*ring.IQ, error) {
	iq, err := ring.NewIQ(qNo, fwNo, numDescs)
	if err != nil {
		return nil, err
	}

	d.plat.AttachIQ(fwNo, iq.Slots())
	d.plat.WriteReg(cn23xx.IQSize(fwNo), uint64(numDescs))

	d.iq[fwNo] = iq

	return iq, nil
}

func (d *Device) deleteIQ(fwNo uint32) {
	if d.iq[fwNo] == nil {
		return
	}

	d.plat.DetachIQ(fwNo)
	d.iq[fwNo] = nil
}

func (d *Device) deleteOQ(fwNo uint32) {
	if d.oq[fwNo] == nil {
		return
	}

	d.oq[fwNo].Close()
	d.oq[fwNo] = nil
}

// setupInstrQueue0 brings up the bootstrap instruction queue used to
// carry the interface-configuration command.
func (d *Device) setupInstrQueue0() error {
	_, err := d.setupIQ(0, 0, bootstrapIQDescs)
	return err
}

// freeInstrQueue0 drops the bootstrap queue. Unlike the public release
// paths it ignores the configured flag: it is part of bring-up, not of
// run-time teardown.
func (d *Device) freeInstrQueue0() {
	d.deleteIQ(0)
}

// freeAllQueues drops every queue and gather table at uninit time.
func (d *Device) freeAllQueues() {
	for q := uint32(0); q < wire.MaxIOQ; q++ {
		d.sg[q] = nil
		d.deleteIQ(q)
		d.deleteOQ(q)
	}
}
