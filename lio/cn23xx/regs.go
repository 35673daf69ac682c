// Package cn23xx describes the CN23XX VF BAR0 register map, reduced to
// the subset the control plane touches. Ring registers repeat at a fixed
// stride per hardware ring; the PF/VF mailbox window rides ring 0's
// register block.
package cn23xx

// RingStride separates consecutive ring register blocks.
const RingStride = 0x20000

const ringBase = 0x10000

// Instruction-queue registers, relative to the ring block.
const (
	iqPktControl = 0x0000
	iqBaseAddr   = 0x0010
	iqSize       = 0x0018
	iqDoorbell   = 0x0020
	iqInstrCount = 0x0030
)

// Output-queue registers, relative to the ring block.
const (
	oqPktControl = 0x0040
	oqBaseAddr   = 0x0048
	oqSize       = 0x0050
	oqBufSize    = 0x0058
)

// PF/VF mailbox window, absolute offsets.
const (
	MboxVFToPFData0 = 0x10200
	MboxVFToPFData1 = 0x10208
	MboxVFToPFSig   = 0x10210
	MboxPFToVFData0 = 0x10220
	MboxPFToVFData1 = 0x10228
	MboxPFToVFSig   = 0x10230
)

// MACRinfo carries the SR-IOV rings-per-VF grant in its low byte.
const MACRinfo = 0x0120

// Packet-control bits and known-safe defaults.
const (
	PktCtlRingEnable = 1 << 0

	// IQPktCtlDefault enables 64-byte instructions with the ring disabled.
	IQPktCtlDefault = 0x1 << 16

	// OQPktCtlDefault selects buffer-pointer-only mode with the ring disabled.
	OQPktCtlDefault = 0x1 << 8
)

func IQPktControl(q uint32) uint64 { return ringBase + uint64(q)*RingStride + iqPktControl }
func IQBaseAddr(q uint32) uint64   { return ringBase + uint64(q)*RingStride + iqBaseAddr }
func IQSize(q uint32) uint64       { return ringBase + uint64(q)*RingStride + iqSize }
func IQDoorbell(q uint32) uint64   { return ringBase + uint64(q)*RingStride + iqDoorbell }
func IQInstrCount(q uint32) uint64 { return ringBase + uint64(q)*RingStride + iqInstrCount }

func OQPktControl(q uint32) uint64 { return ringBase + uint64(q)*RingStride + oqPktControl }
func OQBaseAddr(q uint32) uint64   { return ringBase + uint64(q)*RingStride + oqBaseAddr }
func OQSize(q uint32) uint64       { return ringBase + uint64(q)*RingStride + oqSize }
func OQBufSize(q uint32) uint64    { return ringBase + uint64(q)*RingStride + oqBufSize }

// DecodeRing splits an absolute ring-register offset into its ring
// number and block-relative offset. It reports false for offsets outside
// the ring register space.
func DecodeRing(off uint64) (q uint32, rel uint64, ok bool) {
	if off < ringBase {
		return 0, 0, false
	}

	rel = off - ringBase
	return uint32(rel / RingStride), rel % RingStride, true
}

// Names for the block-relative offsets DecodeRing returns, for use by
// register-file models.
const (
	RelIQPktControl = iqPktControl
	RelIQBaseAddr   = iqBaseAddr
	RelIQSize       = iqSize
	RelIQDoorbell   = iqDoorbell
	RelIQInstrCount = iqInstrCount
	RelOQPktControl = oqPktControl
	RelOQBaseAddr   = oqBaseAddr
	RelOQSize       = oqSize
	RelOQBufSize    = oqBufSize
)
