package lio

import (
	"errors"

	"github.com/c35s/liovf/lio/wire"
)

// LinkSnapshot is the published view of the link, decoupled from the
// firmware status word.
type LinkSnapshot struct {
	SpeedMbps  uint32
	FullDuplex bool
	Autoneg    bool
	Up         bool
}

// packLink squeezes a snapshot into one word so readers always see a
// coherent speed/duplex/up combination.
func packLink(s LinkSnapshot) uint64 {
	w := uint64(s.SpeedMbps)

	if s.FullDuplex {
		w |= 1 << 32
	}

	if s.Autoneg {
		w |= 1 << 33
	}

	if s.Up {
		w |= 1 << 34
	}

	return w
}

func unpackLink(w uint64) LinkSnapshot {
	return LinkSnapshot{
		SpeedMbps:  uint32(w),
		FullDuplex: w>>32&1 == 1,
		Autoneg:    w>>33&1 == 1,
		Up:         w>>34&1 == 1,
	}
}

// deriveLink translates the firmware status word into the published
// form. A down link is all zeroes. An up link is always full duplex;
// a speed code the driver doesn't know reports unknown speed and half
// duplex.
func deriveLink(st wire.LinkStatus) LinkSnapshot {
	if !st.Up() {
		return LinkSnapshot{}
	}

	s := LinkSnapshot{
		Up:      true,
		Autoneg: st.Autoneg(),
	}

	switch st.Speed() {
	case wire.Speed10G:
		s.SpeedMbps = wire.Speed10G
		s.FullDuplex = true

	default:
		s.SpeedMbps = wire.SpeedUnknown
		s.FullDuplex = false
	}

	return s
}

// linkUpdate publishes the current firmware link status. The swap is a
// single compare-and-set so a torn read is impossible; a failed swap
// means another publisher won the race, and the stale update is dropped
// rather than retried.
func (d *Device) linkUpdate() (changed bool, err error) {
	old := d.linkCell.Load()
	cur := packLink(deriveLink(d.linfo.Link))

	if cur == old {
		return false, nil
	}

	if !d.linkCell.CompareAndSwap(old, cur) {
		return false, ErrLinkRace
	}

	return true, nil
}

// Link returns the last published link snapshot.
func (d *Device) Link() LinkSnapshot {
	return unpackLink(d.linkCell.Load())
}

// LinkUpdate queries firmware for fresh link status, publishes it, and
// returns the result. It reports whether the published link changed.
func (d *Device) LinkUpdate() (LinkSnapshot, bool, error) {
	changed, err := d.getLinkStatus()
	return d.Link(), changed, err
}

// getLinkStatus asks firmware for the current interface info and
// publishes the link word it carries. The command mutex covers the
// whole query so the monitor's out-of-band polls never interleave with
// configuration exchanges. Query failures are logged and swallowed:
// the monitor retries on its next tick, and a transient firmware
// hiccup must not kill the port.
func (d *Device) getLinkStatus() (changed bool, err error) {
	if !d.intfOpen.Load() {
		return false, nil
	}

	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	// Teardown closes the interface before freeing the command channel,
	// so a tick that lost the race to Close stops here.
	if !d.intfOpen.Load() {
		return false, nil
	}

	sc, err := d.allocSoftCommand(8 + wire.SizeofLinkInfo + 8)
	if err != nil {
		d.log.Warn("lio: link status alloc", "err", err)
		return false, nil
	}

	sc.Opcode = wire.OpcodeNIC
	sc.Subcode = wire.SubcodeInfo
	sc.IQNo = 0

	if err := d.sendSoftCommand(sc); err != nil {
		d.freeSoftCommand(sc)
		d.log.Warn("lio: link status query", "err", err)
		return false, nil
	}

	if err := d.waitSoftCommand(sc); err != nil {
		if !errors.Is(err, ErrTimeout) {
			d.freeSoftCommand(sc)
		}

		d.log.Warn("lio: link status query", "err", err)
		return false, nil
	}

	li, err := wire.DecodeLinkInfo(sc.Resp[8:])
	if err != nil {
		d.freeSoftCommand(sc)
		d.log.Warn("lio: link status decode", "err", err)
		return false, nil
	}

	d.freeSoftCommand(sc)

	if li.Link == d.linfo.Link {
		return false, nil
	}

	d.linfo.Link = li.Link

	return d.linkUpdate()
}

// syncLinkState is the link monitor's tick.
func (d *Device) syncLinkState() {
	if !d.portConfigured.Load() {
		return
	}

	if changed, err := d.getLinkStatus(); err != nil {
		d.log.Warn("lio: link sync", "err", err)
	} else if changed {
		s := d.Link()
		d.log.Info("lio: link changed",
			"up", s.Up, "speed_mbps", s.SpeedMbps, "full_duplex", s.FullDuplex)
	}
}
