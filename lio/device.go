// Package lio drives the control plane of a LiquidIO CN23XX VF network
// adapter: the PF/VF bring-up handshake, queue configuration, the
// soft-command channel to firmware, and link-status synchronization.
// The packet fast path and the PCI/BAR plumbing live in the surrounding
// platform binding.
package lio

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c35s/liovf/hw"
	"github.com/c35s/liovf/lio/cn23xx"
	"github.com/c35s/liovf/lio/ring"
	"github.com/c35s/liovf/lio/wire"
)

// ChipCN23XXVF is the PCI device id of the CN23XX virtual function.
const ChipCN23XXVF = 0x9712

// Driver version published to the PF during the handshake. The PF major
// version must match or bring-up fails.
const (
	VersionMajor = 1
	VersionMinor = 5
)

const (
	// maxCmdTimeout bounds every soft-command wait, in poll ticks.
	maxCmdTimeout = 10000

	// cmdPollInterval is the sleep between completion-word checks.
	cmdPollInterval = time.Millisecond

	// hsPollInterval paces the mailbox poll during the handshake.
	hsPollInterval = time.Millisecond

	// lscPollInterval paces the link monitor.
	lscPollInterval = 100 * time.Millisecond

	// flrSettleDelay is the mandatory wait after requesting a
	// function-level reset, per the SR-IOV specification.
	flrSettleDelay = 100 * time.Millisecond
)

var (
	ErrConfig      = errors.New("lio: invalid config")
	ErrChip        = errors.New("lio: unsupported chip")
	ErrInit        = errors.New("lio: device init failed")
	ErrStart       = errors.New("lio: device start failed")
	ErrState       = errors.New("lio: operation invalid in this state")
	ErrSendFailed  = errors.New("lio: soft command send failed")
	ErrTimeout     = errors.New("lio: soft command timed out")
	ErrProtocol    = errors.New("lio: firmware protocol error")
	ErrReconfigure = errors.New("lio: queue reconfiguration not supported")
	ErrExhausted   = errors.New("lio: resource exhausted")
	ErrBadQueue    = errors.New("lio: invalid queue index")
	ErrLinkRace    = errors.New("lio: link status update raced")
)

// State is a device lifecycle phase.
type State int32

const (
	StateUninitialized State = iota
	StateHandshaking
	StateConfigured
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateHandshaking:
		return "handshaking"
	case StateConfigured:
		return "configured"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config describes a device to attach.
type Config struct {

	// Platform is the binding's window onto the mapped device.
	Platform hw.Platform

	// Alarm schedules the handshake and link polls.
	// If Alarm is nil, a time.AfterFunc scheduler is used.
	Alarm hw.Alarm

	// Log, if set, replaces slog.Default().
	Log *slog.Logger

	// ChipID identifies the function. If ChipID is 0, CN23XX VF is
	// assumed; anything else is rejected.
	ChipID uint32

	// VFID and GMXPort identify this function to firmware in the
	// interface-configuration exchange.
	VFID    uint8
	GMXPort uint8
}

func (cfg Config) withDefaults() Config {
	if cfg.Alarm == nil {
		cfg.Alarm = hw.TimerAlarm{}
	}

	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	if cfg.ChipID == 0 {
		cfg.ChipID = ChipCN23XXVF
	}

	return cfg
}

func (cfg Config) validate() error {
	if cfg.Platform == nil {
		return errors.New("Platform is required")
	}

	return nil
}

// Device is one attached VF. The surrounding binding owns it; all
// configuration calls run on a single control-plane goroutine, with the
// link monitor as the only other actor.
type Device struct {
	plat    hw.Platform
	alarm   hw.Alarm
	log     *slog.Logger
	vfID    uint8
	gmxPort uint8

	state atomic.Int32

	// command channel
	cmdMu sync.Mutex
	pool  *scPool
	resp  *responseList

	// handshake
	mbox   *mailbox
	hsWord atomic.Uint64
	hsPoll *hw.Periodic

	// queues, indexed by firmware ring number
	iq [wire.MaxIOQ]*ring.IQ
	oq [wire.MaxIOQ]*ring.OQ
	sg [wire.MaxIOQ]*sgList

	ringsPerVF uint32
	nbRx, nbTx uint32 // requested at Configure
	numRxQ     uint32 // granted by the OQ capability mask
	numTxQ     uint32 // granted by the IQ capability mask
	linfo      wire.LinkInfo
	mac        [6]byte

	linkCell       atomic.Uint64
	intfOpen       atomic.Bool
	portConfigured atomic.Bool

	monitor *hw.Periodic
}

// Attach brings up a VF: mailbox handshake with the PF, forced reset,
// register defaults, and the bootstrap instruction queue. On failure
// everything acquired so far is freed and a single error comes back.
func Attach(cfg Config) (*Device, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	d := &Device{
		plat:    cfg.Platform,
		alarm:   cfg.Alarm,
		log:     cfg.Log,
		vfID:    cfg.VFID,
		gmxPort: cfg.GMXPort,
	}

	d.state.Store(int32(StateHandshaking))

	if err := d.firstTimeInit(cfg.ChipID); err != nil {
		d.state.Store(int32(StateUninitialized))
		return nil, err
	}

	return d, nil
}

// firstTimeInit walks the bring-up sequence. Each step's failure frees
// exactly what the earlier steps acquired.
func (d *Device) firstTimeInit(chipID uint32) error {
	if chipID != ChipCN23XXVF {
		return fmt.Errorf("%w: %#x", ErrChip, chipID)
	}

	d.pool = newSCPool()
	d.resp = newResponseList()

	if err := d.setupMbox(); err != nil {
		return d.initFailed(fmt.Errorf("mailbox setup: %w", err))
	}

	if err := d.startHSPoll(); err != nil {
		return d.initFailed(fmt.Errorf("mailbox poll: %w", err))
	}

	if err := d.pfvfHandshake(); err != nil {
		return d.initFailed(err)
	}

	// Ask the PF for a function-level reset, then wait out the settle
	// time the SR-IOV spec requires before touching the function again.
	d.mbox.write(mboxMsg{Cmd: wire.MboxCmdFLR})
	d.plat.Delay(flrSettleDelay)

	rings := uint32(d.plat.ReadReg(cn23xx.MACRinfo) & 0xff)
	if rings == 0 || rings > wire.MaxIOQ {
		return d.initFailed(fmt.Errorf("%w: %d rings per vf", ErrProtocol, rings))
	}

	d.ringsPerVF = rings

	if err := d.setIOQueuesOff(); err != nil {
		return d.initFailed(fmt.Errorf("setting io queues off: %w", err))
	}

	if err := d.setupDeviceRegs(); err != nil {
		return d.initFailed(fmt.Errorf("configure device registers: %w", err))
	}

	if err := d.setupInstrQueue0(); err != nil {
		return d.initFailed(fmt.Errorf("instruction queue 0: %w", err))
	}

	if err := d.enableIOQueues(); err != nil {
		return d.initFailed(fmt.Errorf("enable io queues: %w", err))
	}

	d.log.Info("lio: device attached", "rings_per_vf", rings)

	return nil
}

// initFailed frees bring-up resources newest-first and wraps the cause.
func (d *Device) initFailed(err error) error {
	d.freeInstrQueue0()

	if d.hsPoll != nil {
		d.hsPoll.Stop()
		d.hsPoll = nil
	}

	d.freeMbox()

	d.pool = nil
	d.resp = nil

	return fmt.Errorf("%w: %w", ErrInit, err)
}

// Configure claims the queue set from firmware. The exchange happens at
// most once per device: firmware cannot resize queues, so a repeat call
// with the same counts is a no-op and different counts are rejected.
func (d *Device) Configure(numRx, numTx int) error {
	if d.portConfigured.Load() {
		if uint32(numRx) != d.nbRx || uint32(numTx) != d.nbTx {
			return fmt.Errorf("%w: configured with %d rx / %d tx queues",
				ErrReconfigure, d.nbRx, d.nbTx)
		}

		return nil
	}

	if numRx <= 0 || numTx <= 0 ||
		uint32(numRx) > d.ringsPerVF || uint32(numTx) > d.ringsPerVF {
		return fmt.Errorf("%w: %d rx / %d tx queues (vf has %d rings)",
			ErrConfig, numRx, numTx, d.ringsPerVF)
	}

	d.nbRx = uint32(numRx)
	d.nbTx = uint32(numTx)

	sc, err := d.allocSoftCommand(8 + wire.SizeofIfCfgInfo + 8)
	if err != nil {
		return d.configFailed(err)
	}

	// Firmware can't reconfigure the queues: claim everything now and
	// use as many as required.
	req := wire.IfCfgRequest{
		BaseQueue: 0,
		NumIQ:     uint16(numTx),
		NumOQ:     uint16(numRx),
		GMXPort:   d.gmxPort,
		VFID:      d.vfID,
	}

	sc.Opcode = wire.OpcodeNIC
	sc.Subcode = wire.SubcodeIfCfg
	sc.Param0 = req.Word()
	sc.IQNo = 0

	if err := d.exchange(sc); err != nil {
		return d.configFailed(fmt.Errorf("iq/oq config: %w", err))
	}

	info, err := wire.DecodeIfCfgInfo(sc.Resp[8:])
	if err != nil {
		d.freeSoftCommand(sc)
		return d.configFailed(fmt.Errorf("%w: %w", ErrProtocol, err))
	}

	numIQ := uint32(bits.OnesCount64(info.IQMask))
	numOQ := uint32(bits.OnesCount64(info.OQMask))

	if numIQ == 0 || numOQ == 0 {
		d.freeSoftCommand(sc)
		return d.configFailed(fmt.Errorf("%w: bad iq mask %#016x or oq mask %#016x from firmware",
			ErrProtocol, info.IQMask, info.OQMask))
	}

	d.log.Debug("lio: interface configured",
		"iqmask", fmt.Sprintf("%#016x", info.IQMask),
		"oqmask", fmt.Sprintf("%#016x", info.OQMask),
		"num_iqueues", numIQ,
		"num_oqueues", numOQ)

	d.numTxQ = numIQ
	d.numRxQ = numOQ
	d.linfo = info.Linfo
	d.mac = wire.MACFromHWAddr(info.Linfo.HWAddr)

	if _, err := d.linkUpdate(); err != nil {
		d.log.Warn("lio: link publish", "err", err)
	}

	d.portConfigured.Store(true)
	d.state.Store(int32(StateConfigured))

	d.freeSoftCommand(sc)

	// The bootstrap queue has served its purpose: quiesce the rings,
	// restore register defaults, and free instruction queue 0.
	d.disableIOQueues()

	if err := d.setupDeviceRegs(); err != nil {
		d.log.Warn("lio: reset ioq regs", "err", err)
	}

	d.freeInstrQueue0()

	return nil
}

func (d *Device) configFailed(err error) error {
	d.freeInstrQueue0()
	return err
}

// Start enables the queue set, asks firmware to start receiving, and
// kicks off the link monitor. If the monitor can't be scheduled, receive
// is disabled again and the interface stays closed.
func (d *Device) Start() error {
	if st := d.State(); st != StateConfigured && st != StateStopped {
		return fmt.Errorf("%w: start while %s", ErrState, st)
	}

	if err := d.enableIOQueues(); err != nil {
		return fmt.Errorf("%w: %w", ErrStart, err)
	}

	if err := d.sendRxCtrl(true); err != nil {
		return fmt.Errorf("%w: %w", ErrStart, err)
	}

	// Ready for link status updates.
	d.intfOpen.Store(true)

	d.monitor = &hw.Periodic{
		Alarm:  d.alarm,
		Period: lscPollInterval,
		Keep:   d.intfOpen.Load,
		Tick:   d.syncLinkState,
		Fail: func(err error) {
			d.log.Error("lio: link poll reschedule failed", "err", err)
		},
	}

	if err := d.monitor.Start(); err != nil {
		d.log.Error("lio: link state check handler creation failed", "err", err)

		d.intfOpen.Store(false)
		d.monitor = nil

		if err := d.sendRxCtrl(false); err != nil {
			d.log.Warn("lio: rx disable during rollback", "err", err)
		}

		return fmt.Errorf("%w: %w", ErrStart, err)
	}

	d.state.Store(int32(StateRunning))

	return nil
}

// Stop closes the interface and asks firmware to stop receiving. The
// link monitor winds down on its own once the interface is closed; at
// most one more tick runs.
func (d *Device) Stop() error {
	if st := d.State(); st != StateRunning {
		return fmt.Errorf("%w: stop while %s", ErrState, st)
	}

	d.intfOpen.Store(false)

	err := d.sendRxCtrl(false)

	d.disableIOQueues()
	d.state.Store(int32(StateStopped))

	return err
}

// Close tears the device down in reverse order of acquisition. Queues
// that survived to Configure are really freed here.
func (d *Device) Close() error {
	if d.State() == StateRunning {
		if err := d.Stop(); err != nil {
			d.log.Warn("lio: stop during close", "err", err)
		}
	}

	if d.monitor != nil {
		d.monitor.Stop()
		d.monitor = nil
	}

	if d.hsPoll != nil {
		d.hsPoll.Stop()
		d.hsPoll = nil
	}

	// A monitor tick may still hold the command channel; wait it out
	// before tearing the channel down.
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	d.portConfigured.Store(false)
	d.freeAllQueues()
	d.freeMbox()

	d.pool = nil
	d.resp = nil

	d.state.Store(int32(StateUninitialized))

	return nil
}

// State returns a snapshot of the device's lifecycle phase.
func (d *Device) State() State {
	return State(d.state.Load())
}

// MAC returns the permanent MAC address reported by firmware.
// It is zero before Configure.
func (d *Device) MAC() [6]byte {
	return d.mac
}

// RingsPerVF returns the SR-IOV ring grant discovered at attach time.
func (d *Device) RingsPerVF() uint32 {
	return d.ringsPerVF
}

// Configured reports whether the queue set has been claimed.
func (d *Device) Configured() bool {
	return d.portConfigured.Load()
}
