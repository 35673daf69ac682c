package lio

import (
	"fmt"

	"github.com/c35s/liovf/hw"
	"github.com/c35s/liovf/lio/cn23xx"
	"github.com/c35s/liovf/lio/wire"
)

// mboxMsg is one PF/VF mailbox message: a command word and a data word
// pushed through the register window.
type mboxMsg struct {
	Cmd  uint64
	Data uint64
}

// mailbox is the VF side of the PF/VF register mailbox. Writes go out
// through the VF-to-PF window; replies show up in the PF-to-VF window
// with its signal register set, and are acked by clearing it.
type mailbox struct {
	plat hw.Platform
}

func (m *mailbox) write(msg mboxMsg) {
	m.plat.WriteReg(cn23xx.MboxVFToPFData0, msg.Cmd)
	m.plat.WriteReg(cn23xx.MboxVFToPFData1, msg.Data)
	m.plat.WriteReg(cn23xx.MboxVFToPFSig, 1)
}

// read drains one PF message if the signal register says one is waiting.
func (m *mailbox) read() (mboxMsg, bool) {
	if m.plat.ReadReg(cn23xx.MboxPFToVFSig) == 0 {
		return mboxMsg{}, false
	}

	msg := mboxMsg{
		Cmd:  m.plat.ReadReg(cn23xx.MboxPFToVFData0),
		Data: m.plat.ReadReg(cn23xx.MboxPFToVFData1),
	}

	m.plat.WriteReg(cn23xx.MboxPFToVFSig, 0)

	return msg, true
}

func (d *Device) setupMbox() error {
	if d.mbox != nil {
		return fmt.Errorf("%w: mailbox already set up", ErrState)
	}

	d.mbox = &mailbox{plat: d.plat}

	return nil
}

func (d *Device) freeMbox() {
	d.mbox = nil
}

// handleMbox dispatches one inbound PF message.
func (d *Device) handleMbox(msg mboxMsg) {
	switch msg.Cmd {
	case wire.MboxCmdVersion:
		d.hsWord.Store(msg.Data)

	default:
		d.log.Warn("lio: unknown mailbox command", "cmd", msg.Cmd)
	}
}

// startHSPoll schedules the mailbox poll that carries the handshake.
// The poll reschedules itself until the PF's reply lands.
func (d *Device) startHSPoll() error {
	// A tick can outlive teardown, so it holds its own mailbox reference.
	mb := d.mbox

	d.hsPoll = &hw.Periodic{
		Alarm:  d.alarm,
		Period: hsPollInterval,
		Keep: func() bool {
			return d.hsWord.Load() == 0
		},
		Tick: func() {
			if msg, ok := mb.read(); ok {
				d.handleMbox(msg)
			}
		},
		Fail: func(err error) {
			d.log.Error("lio: mailbox poll reschedule failed", "err", err)
		},
	}

	return d.hsPoll.Start()
}

// pfvfHandshake publishes the VF driver version and waits for the PF's
// reply, which carries the coprocessor clock and the PF driver version.
// The wait is bounded by the same budget as a soft command.
func (d *Device) pfvfHandshake() error {
	d.mbox.write(mboxMsg{
		Cmd:  wire.MboxCmdVersion,
		Data: wire.MakeVersionWord(VersionMajor, VersionMinor),
	})

	word := d.hsWord.Load()
	for budget := maxCmdTimeout; word == 0; budget-- {
		if budget == 0 {
			return fmt.Errorf("%w: pf/vf handshake", ErrTimeout)
		}

		d.plat.Delay(hsPollInterval)
		word = d.hsWord.Load()
	}

	if major := wire.HandshakePFMajor(word); major != VersionMajor {
		return fmt.Errorf("%w: pf driver major version %d, vf is %d",
			ErrProtocol, major, VersionMajor)
	}

	d.log.Info("lio: pf/vf handshake done",
		"tics_per_us", wire.HandshakeTicsPerUs(word),
		"pf_version", fmt.Sprintf("%d.%d",
			wire.HandshakePFMajor(word), wire.HandshakePFMinor(word)))

	return nil
}
