// Package fwsim models the firmware side of a CN23XX VF: the BAR0
// register file, the PF/VF mailbox, and the soft-command responder.
// It exists so the control plane can be exercised without hardware.
//
// Commands are processed synchronously while the doorbell write is in
// flight, so a response is fully written before the register write
// returns to the caller. Nothing here touches a response buffer from
// another goroutine.
package fwsim

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/c35s/liovf/hw"
	"github.com/c35s/liovf/lio/cn23xx"
	"github.com/c35s/liovf/lio/wire"
)

// Status codes written to the completion word.
const (
	StatusOK        = 0
	StatusUnhandled = 0xff
	StatusShortResp = 0xfe
)

// Config describes the simulated function.
type Config struct {

	// RingsPerVF is the SR-IOV ring grant. The default is 8.
	RingsPerVF uint32

	// TicsPerUs is the coprocessor clock reported in the handshake.
	// The default is 500.
	TicsPerUs uint16

	// PFMajor and PFMinor are the PF driver version reported in the
	// handshake. The default is 1.5.
	PFMajor uint8
	PFMinor uint8

	// MAC is the permanent hardware address. If zero, a fixed
	// Cavium-prefixed address is used.
	MAC [6]byte

	// GMXPort is the physical port behind the function.
	GMXPort uint8

	// Link is the initial link status. If zero, the link comes up at
	// 10G full duplex with a 1500-byte MTU.
	Link wire.LinkStatus

	// IQMask and OQMask override the capability masks granted by the
	// interface-configuration exchange. If zero, the requested count is
	// granted exactly.
	IQMask uint64
	OQMask uint64

	// TimeScale divides every Delay so polling loops tuned for hardware
	// run quickly. The default is 1000; use 1 for real time.
	TimeScale int64

	// RefuseEnable makes ring enable bits stick at zero, as a wedged
	// function would.
	RefuseEnable bool

	// ZeroMasks makes the interface-configuration exchange grant no
	// queues at all, which a healthy PF never does.
	ZeroMasks bool

	// DropSubcodes lists soft-command subcodes to consume without ever
	// completing. FlushDropped completes them after the fact.
	DropSubcodes []uint32

	// FailSubcodes maps soft-command subcodes to nonzero status codes.
	FailSubcodes map[uint32]uint64
}

func (cfg Config) withDefaults() Config {
	if cfg.RingsPerVF == 0 {
		cfg.RingsPerVF = 8
	}

	if cfg.TicsPerUs == 0 {
		cfg.TicsPerUs = 500
	}

	if cfg.PFMajor == 0 {
		cfg.PFMajor = 1
		cfg.PFMinor = 5
	}

	if cfg.MAC == ([6]byte{}) {
		cfg.MAC = [6]byte{0x00, 0x0f, 0xb7, 0x11, 0x22, 0x33}
	}

	if cfg.Link == 0 {
		cfg.Link = wire.MakeLinkStatus(1500, wire.Speed10G, wire.DuplexFull, true, true)
	}

	if cfg.TimeScale == 0 {
		cfg.TimeScale = 1000
	}

	return cfg
}

type simRing struct {
	slots    []hw.Command
	next     uint32 // next slot to consume
	consumed uint64 // cumulative instruction count
	backlog  uint64 // doorbell writes not yet consumed
}

// Sim is one simulated VF. It implements hw.Platform.
type Sim struct {
	cfg Config

	mu        sync.Mutex
	regs      map[uint64]uint64
	rings     [wire.MaxIOQ]simRing
	rxEnabled bool
	link      wire.LinkStatus
	dropped   [][]byte
}

// New builds a simulated function.
func New(cfg Config) *Sim {
	cfg = cfg.withDefaults()

	return &Sim{
		cfg:  cfg,
		regs: map[uint64]uint64{},
		link: cfg.Link,
	}
}

// ReadReg implements hw.Platform.
func (s *Sim) ReadReg(off uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if off == cn23xx.MACRinfo {
		return uint64(s.cfg.RingsPerVF)
	}

	if q, rel, ok := s.decode(off); ok && rel == cn23xx.RelIQInstrCount {
		return s.rings[q].consumed
	}

	return s.regs[off]
}

// WriteReg implements hw.Platform. Mailbox signal writes and instruction
// doorbells have side effects; everything else lands in the register
// file, subject to the enable-bit fault injection.
func (s *Sim) WriteReg(off uint64, v uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch off {
	case cn23xx.MboxVFToPFSig:
		s.regs[off] = v
		if v != 0 {
			s.handleMbox()
		}
		return

	case cn23xx.MboxVFToPFData0, cn23xx.MboxVFToPFData1,
		cn23xx.MboxPFToVFData0, cn23xx.MboxPFToVFData1, cn23xx.MboxPFToVFSig:
		s.regs[off] = v
		return
	}

	q, rel, ok := s.decode(off)
	if !ok {
		s.regs[off] = v
		return
	}

	switch rel {
	case cn23xx.RelIQSize:
		// Ring init: the cumulative count restarts with the ring.
		s.rings[q].next = 0
		s.rings[q].consumed = 0
		s.rings[q].backlog = 0
		s.regs[off] = v

	case cn23xx.RelIQDoorbell:
		s.rings[q].backlog += v
		s.consume(q)

	case cn23xx.RelIQPktControl, cn23xx.RelOQPktControl:
		if s.cfg.RefuseEnable {
			v &^= cn23xx.PktCtlRingEnable
		}
		s.regs[off] = v

	default:
		s.regs[off] = v
	}
}

// AttachIQ implements hw.Platform.
func (s *Sim) AttachIQ(q uint32, slots []hw.Command) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rings[q] = simRing{slots: slots}
}

// DetachIQ implements hw.Platform.
func (s *Sim) DetachIQ(q uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rings[q] = simRing{}
}

// Delay implements hw.Platform, compressed by the configured time scale.
func (s *Sim) Delay(d time.Duration) {
	time.Sleep(d / time.Duration(s.cfg.TimeScale))
}

// SetLink changes the link status reported by later info queries.
func (s *Sim) SetLink(link wire.LinkStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.link = link
}

// RxEnabled reports whether the driver has asked for packet delivery.
func (s *Sim) RxEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rxEnabled
}

// FlushDropped writes status into the completion word of every command
// consumed under a dropped subcode, in arrival order.
func (s *Sim) FlushDropped(status uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, resp := range s.dropped {
		binary.BigEndian.PutUint64(resp[len(resp)-8:], status)
	}

	s.dropped = nil
}

func (s *Sim) decode(off uint64) (q uint32, rel uint64, ok bool) {
	q, rel, ok = cn23xx.DecodeRing(off)
	if !ok || q >= wire.MaxIOQ {
		return 0, 0, false
	}

	return q, rel, true
}

// handleMbox processes one VF-to-PF message and acks the signal.
func (s *Sim) handleMbox() {
	cmd := s.regs[cn23xx.MboxVFToPFData0]

	switch cmd {
	case wire.MboxCmdVersion:
		s.regs[cn23xx.MboxPFToVFData0] = wire.MboxCmdVersion
		s.regs[cn23xx.MboxPFToVFData1] = wire.MakeHandshakeWord(
			s.cfg.TicsPerUs, s.cfg.PFMajor, s.cfg.PFMinor)
		s.regs[cn23xx.MboxPFToVFSig] = 1

	case wire.MboxCmdFLR:
		s.reset()
	}

	s.regs[cn23xx.MboxVFToPFSig] = 0
}

// reset models a function-level reset.
func (s *Sim) reset() {
	s.rxEnabled = false
	s.dropped = nil

	for q := range s.rings {
		s.rings[q] = simRing{}
	}

	for off := range s.regs {
		if _, _, ok := s.decode(off); ok {
			delete(s.regs, off)
		}
	}
}

// consume drains the ring's doorbell backlog, answering each command.
func (s *Sim) consume(q uint32) {
	r := &s.rings[q]

	for r.backlog > 0 && r.slots != nil {
		cmd := r.slots[r.next]

		r.next++
		if r.next == uint32(len(r.slots)) {
			r.next = 0
		}

		r.backlog--
		r.consumed++

		s.answer(cmd)
	}
}

// answer writes a command's response buffer and completion word.
func (s *Sim) answer(cmd hw.Command) {
	opcode, subcode := wire.IRHOpcode(cmd.Header[wire.HdrIRH])

	if opcode != wire.OpcodeNIC {
		s.complete(cmd.Resp, StatusUnhandled)
		return
	}

	for _, drop := range s.cfg.DropSubcodes {
		if subcode == drop {
			s.dropped = append(s.dropped, cmd.Resp)
			return
		}
	}

	if st, ok := s.cfg.FailSubcodes[subcode]; ok {
		s.complete(cmd.Resp, st)
		return
	}

	switch subcode {
	case wire.SubcodeIfCfg:
		s.answerIfCfg(cmd)

	case wire.SubcodeInfo:
		s.answerInfo(cmd)

	case wire.SubcodeCmd:
		s.answerCtrl(cmd)

	default:
		s.complete(cmd.Resp, StatusUnhandled)
	}
}

func (s *Sim) answerIfCfg(cmd hw.Command) {
	if len(cmd.Resp) < 8+wire.SizeofIfCfgInfo+8 {
		s.complete(cmd.Resp, StatusShortResp)
		return
	}

	req := wire.ParseIfCfgRequest(cmd.Header[wire.HdrOSSP0])

	info := wire.IfCfgInfo{
		Linfo: s.linkInfo(),
	}

	if !s.cfg.ZeroMasks {
		info.IQMask = s.grantMask(s.cfg.IQMask, req.NumIQ)
		info.OQMask = s.grantMask(s.cfg.OQMask, req.NumOQ)
	}

	wire.EncodeIfCfgInfo(info, cmd.Resp[8:])
	s.complete(cmd.Resp, StatusOK)
}

func (s *Sim) answerInfo(cmd hw.Command) {
	if len(cmd.Resp) < 8+wire.SizeofLinkInfo+8 {
		s.complete(cmd.Resp, StatusShortResp)
		return
	}

	wire.EncodeLinkInfo(s.linkInfo(), cmd.Resp[8:])
	s.complete(cmd.Resp, StatusOK)
}

func (s *Sim) answerCtrl(cmd hw.Command) {
	switch wire.CtrlOp(cmd.Header[wire.HdrOSSP0]) {
	case wire.CmdRxCtl:
		s.rxEnabled = wire.CtrlParam1(cmd.Header[wire.HdrOSSP0]) != 0
		s.complete(cmd.Resp, StatusOK)

	default:
		s.complete(cmd.Resp, StatusUnhandled)
	}
}

// grantMask returns the capability mask for a requested queue count,
// unless the config pins an override.
func (s *Sim) grantMask(override uint64, requested uint16) uint64 {
	if override != 0 {
		return override
	}

	if requested >= 64 {
		return ^uint64(0)
	}

	return 1<<requested - 1
}

// linkInfo builds the interface description with an identity queue map.
func (s *Sim) linkInfo() wire.LinkInfo {
	var hwAddr [8]byte
	copy(hwAddr[2:], s.cfg.MAC[:])

	li := wire.LinkInfo{
		GMXPort: uint64(s.cfg.GMXPort),
		HWAddr:  binary.BigEndian.Uint64(hwAddr[:]),
		Link:    s.link,
	}

	for i := range li.TxPCIQ {
		li.TxPCIQ[i] = uint64(i)
		li.RxPCIQ[i] = uint64(i)
	}

	return li
}

// complete writes the trailing status word, if the response has one.
func (s *Sim) complete(resp []byte, status uint64) {
	if len(resp) < 8 {
		return
	}

	binary.BigEndian.PutUint64(resp[len(resp)-8:], status)
}
