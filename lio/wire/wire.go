// Package wire describes the fixed formats exchanged with the NIC
// firmware: soft-command headers, the interface-configuration response,
// and the 64-bit link status word. Firmware byte order is big-endian
// regardless of the host, so every multi-byte field crossing the channel
// goes through the explicit encode/decode functions here.
package wire

import (
	"encoding/binary"
	"fmt"
)

// CompletionWordInit is the sentinel a response buffer's trailing status
// word holds until firmware overwrites it in place. Firmware writes zero
// on success or a nonzero error code.
const CompletionWordInit = ^uint64(0)

// MaxIOQ is the widest queue set the wire format can describe. It also
// bounds the capability masks.
const MaxIOQ = 64

// Soft-command opcodes. The major opcode selects the NIC core; the
// subcode selects the operation.
const (
	OpcodeNIC = 1
)

const (
	SubcodeCmd   = 3 // control command, parameters in OSSP0
	SubcodeInfo  = 4 // link/interface info query
	SubcodeIfCfg = 9 // interface configuration exchange
)

// Control commands carried under SubcodeCmd.
const (
	CmdRxCtl = 4 // param1: 1 to enable receive, 0 to disable
)

// Indices of the soft-command header words as they sit in an
// instruction-ring slot.
const (
	HdrIH    = 0 // instruction header: firmware ring, payload length
	HdrIRH   = 1 // input request header: opcode major and subcode
	HdrOSSP0 = 2 // opcode-specific parameter word 0
	HdrOSSP1 = 3 // opcode-specific parameter word 1
	HdrRDP   = 4 // response descriptor: response buffer length
)

// Sizes of the wire structures, in bytes.
const (
	SizeofLinkInfo  = (2 + 2*MaxIOQ + 1) * 8
	SizeofIfCfgInfo = 2*8 + SizeofLinkInfo
)

// IH packs an instruction header from the firmware ring number and the
// outbound payload length.
func IH(fwRing uint32, dlen uint32) uint64 {
	return uint64(fwRing)<<32 | uint64(dlen)
}

// IHRing extracts the firmware ring number from an instruction header.
func IHRing(w uint64) uint32 {
	return uint32(w >> 32)
}

// IRH packs an input request header from the major opcode and subcode.
func IRH(opcode, subcode uint32) uint64 {
	return uint64(opcode)<<16 | uint64(subcode)
}

// IRHOpcode extracts the major opcode and subcode from a request header.
func IRHOpcode(w uint64) (opcode, subcode uint32) {
	return uint32(w>>16) & 0xffff, uint32(w) & 0xffff
}

// RDP packs a response descriptor from the response buffer length.
func RDP(rlen uint32) uint64 {
	return uint64(rlen)
}

// Swap8 swaps the byte order of every 8-byte word of b in place.
// The length of b must be a multiple of 8.
func Swap8(b []byte) {
	if len(b)%8 != 0 {
		panic("wire: Swap8 length isn't a multiple of 8")
	}

	for i := 0; i < len(b); i += 8 {
		w := b[i : i+8 : i+8]
		w[0], w[7] = w[7], w[0]
		w[1], w[6] = w[6], w[1]
		w[2], w[5] = w[5], w[2]
		w[3], w[4] = w[4], w[3]
	}
}

// IfCfgRequest is the interface-configuration request. It packs into a
// single 64-bit parameter word:
//
//	bits  0..15 base queue
//	bits 16..31 requested instruction queues
//	bits 32..47 requested output queues
//	bits 48..55 GMX port
//	bits 56..63 VF id
type IfCfgRequest struct {
	BaseQueue uint16
	NumIQ     uint16
	NumOQ     uint16
	GMXPort   uint8
	VFID      uint8
}

// Word packs the request into its parameter word.
func (r IfCfgRequest) Word() uint64 {
	return uint64(r.BaseQueue) |
		uint64(r.NumIQ)<<16 |
		uint64(r.NumOQ)<<32 |
		uint64(r.GMXPort)<<48 |
		uint64(r.VFID)<<56
}

// ParseIfCfgRequest unpacks a request parameter word.
func ParseIfCfgRequest(w uint64) IfCfgRequest {
	return IfCfgRequest{
		BaseQueue: uint16(w),
		NumIQ:     uint16(w >> 16),
		NumOQ:     uint16(w >> 32),
		GMXPort:   uint8(w >> 48),
		VFID:      uint8(w >> 56),
	}
}

// MakeCtrl packs a control command parameter word: the command in the
// high byte, param1 in the low 32 bits.
func MakeCtrl(cmd uint8, param1 uint32) uint64 {
	return uint64(cmd)<<56 | uint64(param1)
}

// CtrlOp extracts the command from a control parameter word.
func CtrlOp(w uint64) uint8 {
	return uint8(w >> 56)
}

// CtrlParam1 extracts param1 from a control parameter word.
func CtrlParam1(w uint64) uint32 {
	return uint32(w)
}

// PF/VF mailbox commands. Each mailbox message is a command word and a
// data word pushed through the two-register window.
const (
	MboxCmdVersion = 1 // VF publishes its version; PF replies with the handshake word
	MboxCmdFLR     = 2 // VF asks the PF to perform a function-level reset
)

// MakeVersionWord packs a driver version for the mailbox handshake.
func MakeVersionWord(major, minor uint8) uint64 {
	return uint64(major)<<8 | uint64(minor)
}

// VersionMajorOf extracts the major version from a version word.
func VersionMajorOf(w uint64) uint8 {
	return uint8(w >> 8)
}

// VersionMinorOf extracts the minor version from a version word.
func VersionMinorOf(w uint64) uint8 {
	return uint8(w)
}

// MakeHandshakeWord packs the PF's handshake reply: coprocessor tics per
// microsecond in the low 16 bits, then the PF driver version. A zero
// word means the PF hasn't answered yet.
func MakeHandshakeWord(ticsPerUs uint16, pfMajor, pfMinor uint8) uint64 {
	return uint64(ticsPerUs) | uint64(pfMajor)<<16 | uint64(pfMinor)<<24
}

// HandshakeTicsPerUs extracts the coprocessor clock from a handshake word.
func HandshakeTicsPerUs(w uint64) uint16 {
	return uint16(w)
}

// HandshakePFMajor extracts the PF driver major version.
func HandshakePFMajor(w uint64) uint8 {
	return uint8(w >> 16)
}

// HandshakePFMinor extracts the PF driver minor version.
func HandshakePFMinor(w uint64) uint8 {
	return uint8(w >> 24)
}

// LinkStatus is the decoded 64-bit link status word:
//
//	bits  0..15 MTU
//	bits 16..31 speed in Mbps
//	bits 32..39 duplex (0 half, 1 full)
//	bit  40     link up
//	bit  41     autoneg
type LinkStatus uint64

const (
	// SpeedUnknown is reported for speed codes the driver doesn't know.
	SpeedUnknown = 0

	// Speed10G is the only speed the VF firmware currently reports.
	Speed10G = 10000
)

const (
	DuplexHalf = 0
	DuplexFull = 1
)

// MakeLinkStatus builds a link status word from its fields.
func MakeLinkStatus(mtu, speed uint16, duplex uint8, up, autoneg bool) LinkStatus {
	w := uint64(mtu) | uint64(speed)<<16 | uint64(duplex)<<32

	if up {
		w |= 1 << 40
	}

	if autoneg {
		w |= 1 << 41
	}

	return LinkStatus(w)
}

func (s LinkStatus) MTU() uint16 {
	return uint16(s)
}

func (s LinkStatus) Speed() uint16 {
	return uint16(s >> 16)
}

func (s LinkStatus) Duplex() uint8 {
	return uint8(s >> 32)
}

func (s LinkStatus) Up() bool {
	return s>>40&1 == 1
}

func (s LinkStatus) Autoneg() bool {
	return s>>41&1 == 1
}

// LinkInfo is the negotiated interface description carried in the IF_CFG
// and INFO responses. Wire layout, in 8-byte big-endian words:
//
//	word 0        GMX port
//	word 1        hw address (MAC in bytes 2..7)
//	words 2..65   per-IQ firmware ring ids
//	words 66..129 per-OQ firmware ring ids
//	word 130      link status
type LinkInfo struct {
	GMXPort uint64
	HWAddr  uint64
	TxPCIQ  [MaxIOQ]uint64
	RxPCIQ  [MaxIOQ]uint64
	Link    LinkStatus
}

// IfCfgInfo is the body of the IF_CFG response. The mask words lead the
// link info; the population count of each mask is the number of queues
// firmware granted in that direction.
type IfCfgInfo struct {
	IQMask uint64
	OQMask uint64
	Linfo  LinkInfo
}

// PCIQNo extracts the firmware ring number from a per-queue routing word.
func PCIQNo(w uint64) uint32 {
	return uint32(w & 0xff)
}

// MACFromHWAddr extracts the permanent MAC address from the 64-bit hw
// address word: bytes 2..7 of its big-endian representation.
func MACFromHWAddr(hwAddr uint64) [6]byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], hwAddr)

	var mac [6]byte
	copy(mac[:], b[2:8])

	return mac
}

// DecodeLinkInfo deserializes a LinkInfo from firmware byte order.
func DecodeLinkInfo(b []byte) (LinkInfo, error) {
	if len(b) < SizeofLinkInfo {
		return LinkInfo{}, fmt.Errorf("wire: link info is %d bytes, want %d", len(b), SizeofLinkInfo)
	}

	var li LinkInfo
	li.GMXPort = binary.BigEndian.Uint64(b[0:])
	li.HWAddr = binary.BigEndian.Uint64(b[8:])

	for i := 0; i < MaxIOQ; i++ {
		li.TxPCIQ[i] = binary.BigEndian.Uint64(b[16+8*i:])
		li.RxPCIQ[i] = binary.BigEndian.Uint64(b[16+8*MaxIOQ+8*i:])
	}

	li.Link = LinkStatus(binary.BigEndian.Uint64(b[16+16*MaxIOQ:]))

	return li, nil
}

// EncodeLinkInfo serializes a LinkInfo into firmware byte order.
func EncodeLinkInfo(li LinkInfo, b []byte) {
	binary.BigEndian.PutUint64(b[0:], li.GMXPort)
	binary.BigEndian.PutUint64(b[8:], li.HWAddr)

	for i := 0; i < MaxIOQ; i++ {
		binary.BigEndian.PutUint64(b[16+8*i:], li.TxPCIQ[i])
		binary.BigEndian.PutUint64(b[16+8*MaxIOQ+8*i:], li.RxPCIQ[i])
	}

	binary.BigEndian.PutUint64(b[16+16*MaxIOQ:], uint64(li.Link))
}

// DecodeIfCfgInfo deserializes an IfCfgInfo from firmware byte order.
func DecodeIfCfgInfo(b []byte) (IfCfgInfo, error) {
	if len(b) < SizeofIfCfgInfo {
		return IfCfgInfo{}, fmt.Errorf("wire: if_cfg info is %d bytes, want %d", len(b), SizeofIfCfgInfo)
	}

	li, err := DecodeLinkInfo(b[16:])
	if err != nil {
		return IfCfgInfo{}, err
	}

	return IfCfgInfo{
		IQMask: binary.BigEndian.Uint64(b[0:]),
		OQMask: binary.BigEndian.Uint64(b[8:]),
		Linfo:  li,
	}, nil
}

// EncodeIfCfgInfo serializes an IfCfgInfo into firmware byte order.
func EncodeIfCfgInfo(info IfCfgInfo, b []byte) {
	binary.BigEndian.PutUint64(b[0:], info.IQMask)
	binary.BigEndian.PutUint64(b[8:], info.OQMask)
	EncodeLinkInfo(info.Linfo, b[16:])
}
