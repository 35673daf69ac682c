package lio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/c35s/liovf/hw"
	"github.com/c35s/liovf/lio/cn23xx"
	"github.com/c35s/liovf/lio/wire"
)

const (
	// scBufSize is the size of one pooled response buffer. It must hold
	// the largest response plus its header and trailing status word.
	scBufSize = 2048

	// scPoolSize bounds the number of outstanding soft commands.
	scPoolSize = 32
)

// SoftCommand is one outstanding firmware request. Exactly one caller
// owns a command at a time; firmware's only write is the response
// buffer, whose trailing 8 bytes start at the INIT sentinel and are
// overwritten in place when the response lands.
type SoftCommand struct {
	Opcode  uint32
	Subcode uint32
	Param0  uint64
	Param1  uint64

	// Data is the outbound payload, if any.
	Data []byte

	// Resp is the response buffer. Once a wait returns nil, firmware
	// will never write it again: it is safe to read and then free.
	Resp []byte

	// Wait overrides the default wait budget when nonzero.
	Wait time.Duration

	// IQNo selects the instruction queue to submit on.
	IQNo uint32

	buf []byte // pooled backing storage
}

// completed reports whether firmware has overwritten the status word.
func (sc *SoftCommand) completed() bool {
	return sc.statusWord() != wire.CompletionWordInit
}

// statusWord reads the trailing status word in firmware byte order.
func (sc *SoftCommand) statusWord() uint64 {
	return binary.BigEndian.Uint64(sc.Resp[len(sc.Resp)-8:])
}

// scPool is a fixed pool of soft-command response buffers, allocated
// once at attach time so command submission never allocates.
type scPool struct {
	mu   sync.Mutex
	free [][]byte
}

func newSCPool() *scPool {
	p := &scPool{free: make([][]byte, scPoolSize)}
	for i := range p.free {
		p.free[i] = make([]byte, scBufSize)
	}

	return p
}

// allocSoftCommand takes a buffer from the pool and primes its status
// word with the INIT sentinel. respSize includes the trailing status
// word.
func (d *Device) allocSoftCommand(respSize int) (*SoftCommand, error) {
	if respSize < 8 || respSize > scBufSize {
		return nil, fmt.Errorf("%w: response size %d", ErrConfig, respSize)
	}

	d.pool.mu.Lock()
	defer d.pool.mu.Unlock()

	if len(d.pool.free) == 0 {
		return nil, fmt.Errorf("%w: soft command pool is empty", ErrExhausted)
	}

	buf := d.pool.free[len(d.pool.free)-1]
	d.pool.free = d.pool.free[:len(d.pool.free)-1]

	sc := &SoftCommand{
		Resp: buf[:respSize],
		buf:  buf,
	}

	binary.BigEndian.PutUint64(sc.Resp[respSize-8:], wire.CompletionWordInit)

	return sc, nil
}

// freeSoftCommand returns a command's buffer to the pool. The caller
// must not free a command it abandoned to a timeout; the flush path
// drains those when their completion eventually lands.
func (d *Device) freeSoftCommand(sc *SoftCommand) {
	d.pool.mu.Lock()
	defer d.pool.mu.Unlock()

	d.pool.free = append(d.pool.free, sc.buf)
	sc.buf = nil
	sc.Resp = nil
}

// responseList reconciles firmware completions against the commands
// that issued them. Hardware doesn't complete commands in ring order,
// so membership here is decided only by each command's own status word.
type responseList struct {
	mu   sync.Mutex
	pend []*pendingSC
}

type pendingSC struct {
	sc        *SoftCommand
	abandoned bool
}

func newResponseList() *responseList {
	return &responseList{}
}

func (l *responseList) add(sc *SoftCommand) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pend = append(l.pend, &pendingSC{sc: sc})
}

// remove takes a completed command off the list on behalf of its caller.
func (l *responseList) remove(sc *SoftCommand) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, p := range l.pend {
		if p.sc == sc {
			l.pend = append(l.pend[:i], l.pend[i+1:]...)
			return
		}
	}
}

// abandon marks a timed-out command. Its entry stays on the list until
// the completion arrives, at which point drain discards it.
func (l *responseList) abandon(sc *SoftCommand) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, p := range l.pend {
		if p.sc == sc {
			p.abandoned = true
			return
		}
	}
}

// drain frees completed commands nobody is waiting for.
func (l *responseList) drain(free func(*SoftCommand)) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.pend[:0]
	for _, p := range l.pend {
		if p.abandoned && p.sc.completed() {
			free(p.sc)
			continue
		}

		kept = append(kept, p)
	}

	l.pend = kept
}

// pending reports the number of in-flight commands.
func (l *responseList) pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pend)
}

// exchange submits sc and waits for its completion. The command channel
// is serialized here so the link monitor's out-of-band polls never
// interleave with configuration exchanges.
//
// On success the caller reads the response and frees the command. On
// failure exchange cleans up: a timed-out command is left to the flush
// path, anything else goes straight back to the pool.
func (d *Device) exchange(sc *SoftCommand) error {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	if err := d.sendSoftCommand(sc); err != nil {
		d.freeSoftCommand(sc)
		return err
	}

	if err := d.waitSoftCommand(sc); err != nil {
		if !errors.Is(err, ErrTimeout) {
			d.freeSoftCommand(sc)
		}

		return err
	}

	return nil
}

// sendSoftCommand posts sc on its instruction queue and rings the
// doorbell. A full ring gets one non-blocking flush and one retry;
// persistent fullness is a send failure.
func (d *Device) sendSoftCommand(sc *SoftCommand) error {
	iq := d.iq[sc.IQNo]
	if iq == nil {
		return fmt.Errorf("%w: iq %d does not exist", ErrSendFailed, sc.IQNo)
	}

	var cmd hw.Command
	cmd.Header[wire.HdrIH] = wire.IH(iq.FWNo(), uint32(len(sc.Data)))
	cmd.Header[wire.HdrIRH] = wire.IRH(sc.Opcode, sc.Subcode)
	cmd.Header[wire.HdrOSSP0] = sc.Param0
	cmd.Header[wire.HdrOSSP1] = sc.Param1
	cmd.Header[wire.HdrRDP] = wire.RDP(uint32(len(sc.Resp)))
	cmd.Data = sc.Data
	cmd.Resp = sc.Resp

	if err := iq.Post(cmd); err != nil {
		d.flushIQ(sc.IQNo)

		if err := iq.Post(cmd); err != nil {
			return fmt.Errorf("%w: iq %d is full", ErrSendFailed, sc.IQNo)
		}
	}

	d.resp.add(sc)
	d.plat.WriteReg(cn23xx.IQDoorbell(iq.FWNo()), 1)

	return nil
}

// waitSoftCommand polls sc's completion word until it leaves the INIT
// sentinel or the wait budget runs out. Each tick flushes the ring so
// firmware-side progress keeps reclaiming slots, then sleeps briefly.
func (d *Device) waitSoftCommand(sc *SoftCommand) error {
	budget := maxCmdTimeout
	if sc.Wait > 0 {
		if budget = int(sc.Wait / cmdPollInterval); budget < 1 {
			budget = 1
		}
	}

	for !sc.completed() {
		if budget == 0 {
			d.resp.abandon(sc)
			return ErrTimeout
		}

		d.flushIQ(sc.IQNo)
		d.plat.Delay(cmdPollInterval)
		budget--
	}

	d.resp.remove(sc)

	if st := sc.statusWord(); st != 0 {
		return fmt.Errorf("%w: status %#x", ErrProtocol, st)
	}

	return nil
}

// flushIQ reclaims ring slots firmware has consumed and discards
// completed commands nobody is waiting for.
func (d *Device) flushIQ(iqNo uint32) {
	iq := d.iq[iqNo]
	if iq == nil {
		return
	}

	iq.Reclaim(d.plat.ReadReg(cn23xx.IQInstrCount(iq.FWNo())))
	d.resp.drain(d.freeSoftCommand)
}

// sendRxCtrl asks firmware to start or stop delivering packets.
func (d *Device) sendRxCtrl(enable bool) error {
	// flush first in case the queue is full
	d.flushIQ(0)

	sc, err := d.allocSoftCommand(16)
	if err != nil {
		return err
	}

	var param uint32
	if enable {
		param = 1
	}

	sc.Opcode = wire.OpcodeNIC
	sc.Subcode = wire.SubcodeCmd
	sc.Param0 = wire.MakeCtrl(wire.CmdRxCtl, param)
	sc.IQNo = 0

	if err := d.exchange(sc); err != nil {
		d.log.Error("lio: rx control command failed", "enable", enable, "err", err)
		return err
	}

	d.freeSoftCommand(sc)

	return nil
}
