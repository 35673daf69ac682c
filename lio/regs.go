package lio

import (
	"fmt"

	"github.com/c35s/liovf/lio/cn23xx"
)

// setIOQueuesOff clears the ring enable bit on every ring the VF owns
// and reads it back: a bit that won't clear means the function didn't
// really reset.
func (d *Device) setIOQueuesOff() error {
	for q := uint32(0); q < d.ringsPerVF; q++ {
		reg := d.plat.ReadReg(cn23xx.IQPktControl(q))
		d.plat.WriteReg(cn23xx.IQPktControl(q), reg&^cn23xx.PktCtlRingEnable)

		if reg = d.plat.ReadReg(cn23xx.IQPktControl(q)); reg&cn23xx.PktCtlRingEnable != 0 {
			return fmt.Errorf("%w: iq %d enable bit stuck", ErrProtocol, q)
		}

		reg = d.plat.ReadReg(cn23xx.OQPktControl(q))
		d.plat.WriteReg(cn23xx.OQPktControl(q), reg&^cn23xx.PktCtlRingEnable)

		if reg = d.plat.ReadReg(cn23xx.OQPktControl(q)); reg&cn23xx.PktCtlRingEnable != 0 {
			return fmt.Errorf("%w: oq %d enable bit stuck", ErrProtocol, q)
		}
	}

	return nil
}

// setupDeviceRegs programs the known-safe packet-control defaults on
// every ring the VF owns. The rings stay disabled.
func (d *Device) setupDeviceRegs() error {
	for q := uint32(0); q < d.ringsPerVF; q++ {
		d.plat.WriteReg(cn23xx.IQPktControl(q), cn23xx.IQPktCtlDefault)
		if reg := d.plat.ReadReg(cn23xx.IQPktControl(q)); reg != cn23xx.IQPktCtlDefault {
			return fmt.Errorf("%w: iq %d pkt control reads back %#x", ErrProtocol, q, reg)
		}

		d.plat.WriteReg(cn23xx.OQPktControl(q), cn23xx.OQPktCtlDefault)
		if reg := d.plat.ReadReg(cn23xx.OQPktControl(q)); reg != cn23xx.OQPktCtlDefault {
			return fmt.Errorf("%w: oq %d pkt control reads back %#x", ErrProtocol, q, reg)
		}
	}

	return nil
}

// enableIOQueues sets the ring enable bit on every allocated queue and
// verifies it took.
func (d *Device) enableIOQueues() error {
	for q := uint32(0); q < uint32(len(d.iq)); q++ {
		if d.iq[q] == nil {
			continue
		}

		reg := d.plat.ReadReg(cn23xx.IQPktControl(q))
		d.plat.WriteReg(cn23xx.IQPktControl(q), reg|cn23xx.PktCtlRingEnable)

		if reg = d.plat.ReadReg(cn23xx.IQPktControl(q)); reg&cn23xx.PktCtlRingEnable == 0 {
			return fmt.Errorf("%w: iq %d refused enable", ErrProtocol, q)
		}
	}

	for q := uint32(0); q < uint32(len(d.oq)); q++ {
		if d.oq[q] == nil {
			continue
		}

		reg := d.plat.ReadReg(cn23xx.OQPktControl(q))
		d.plat.WriteReg(cn23xx.OQPktControl(q), reg|cn23xx.PktCtlRingEnable)

		if reg = d.plat.ReadReg(cn23xx.OQPktControl(q)); reg&cn23xx.PktCtlRingEnable == 0 {
			return fmt.Errorf("%w: oq %d refused enable", ErrProtocol, q)
		}
	}

	return nil
}

// disableIOQueues clears the enable bit on every allocated queue.
func (d *Device) disableIOQueues() {
	for q := uint32(0); q < uint32(len(d.iq)); q++ {
		if d.iq[q] == nil {
			continue
		}

		reg := d.plat.ReadReg(cn23xx.IQPktControl(q))
		d.plat.WriteReg(cn23xx.IQPktControl(q), reg&^cn23xx.PktCtlRingEnable)
	}

	for q := uint32(0); q < uint32(len(d.oq)); q++ {
		if d.oq[q] == nil {
			continue
		}

		reg := d.plat.ReadReg(cn23xx.OQPktControl(q))
		d.plat.WriteReg(cn23xx.OQPktControl(q), reg&^cn23xx.PktCtlRingEnable)
	}
}
