// Package hw gives the DMA engine access to a DesignWare-style AHB DMA controller: its register
// block, physically addressable memory for descriptors and buffers, and interrupt delivery.
package hw

// Regs is a 32-bit register window. Offsets are relative to the start of the controller block.
type Regs interface {
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)
}

// MaxChannels is the largest physical channel count the register layout supports.
const MaxChannels = 8

// Per-channel register offsets, relative to ChanBase(ch).
const (
	RegSAR   = 0x00 // Source address
	RegDAR   = 0x08 // Destination address
	RegLLP   = 0x10 // Linked list pointer
	RegCTLLo = 0x18 // Control, low word
	RegCTLHi = 0x1c // Control, high word: block size
	RegCFGLo = 0x40 // Config, low word
	RegCFGHi = 0x44 // Config, high word: handshake ids

	chanStride = 0x58
)

// Engine-wide register offsets. Every interrupt register carries one bit per physical channel.
const (
	RegRawTfr      = 0x2c0
	RegRawBlock    = 0x2c8
	RegRawErr      = 0x2e0
	RegStatusTfr   = 0x2e8
	RegStatusBlock = 0x2f0
	RegStatusErr   = 0x308
	RegMaskTfr     = 0x310
	RegMaskBlock   = 0x318
	RegMaskErr     = 0x330
	RegClearTfr    = 0x338
	RegClearBlock  = 0x340
	RegClearErr    = 0x358
	RegStatusInt   = 0x360
	RegDmaCfg      = 0x398
	RegChEn        = 0x3a0

	// RegsSize is how many bytes of register space a mapping has to cover.
	RegsSize = 0x400
)

// ChanBase returns the offset of the register set for physical channel ch.
func ChanBase(ch int) uint32 {
	return uint32(ch) * chanStride
}

// CTL_LO bits
const (
	CtlIntEn    = 1 << 0
	CtlLLPDstEn = 1 << 27
	CtlLLPSrcEn = 1 << 28
)

// Address increment types for CtlDinc/CtlSinc.
const (
	IncIncrement = 0
	IncDecrement = 1
	IncNoChange  = 2
)

// Transfer type and flow control values for CtlTTFC.
const (
	FCMemToMem       = 0
	FCMemToDev       = 1
	FCDevToMem       = 2
	FCDevToMemPeriph = 4 // Source peripheral is flow controller
	FCMemToDevPeriph = 6 // Destination peripheral is flow controller
)

func CtlDstWidth(val uint32) uint32 {
	return (val & 0x7) << 1
}

func CtlSrcWidth(val uint32) uint32 {
	return (val & 0x7) << 4
}

func CtlDinc(val uint32) uint32 {
	return (val & 0x3) << 7
}

func CtlSinc(val uint32) uint32 {
	return (val & 0x3) << 9
}

func CtlDstMsize(val uint32) uint32 {
	return (val & 0x7) << 11
}

func CtlSrcMsize(val uint32) uint32 {
	return (val & 0x7) << 14
}

func CtlTTFC(val uint32) uint32 {
	return (val & 0x7) << 20
}

// CTL_HI bits. This controller variant has a 20-bit block size field.
const (
	CtlHiDone = 1 << 31
)

func CtlHiBlockTS(val uint32) uint32 {
	return val & 0xfffff
}

// CFG_LO bits
const (
	CfgChSusp    = 1 << 8
	CfgFifoEmpty = 1 << 9
	CfgHsSelDst  = 1 << 10
	CfgHsSelSrc  = 1 << 11
	CfgReloadSrc = 1 << 30
	CfgReloadDst = 1 << 31
)

func CfgChPrior(val uint32) uint32 {
	return (val & 0x7) << 5
}

// CFG_HI bits. Handshake ids have 4 base bits and 2 extension bits.
const (
	CfgFcMode   = 1 << 0
	CfgFifoMode = 1 << 1
)

func CfgSrcPer(val uint32) uint32 {
	return (val & 0xf) << 7
}

func CfgDstPer(val uint32) uint32 {
	return (val & 0xf) << 11
}

func CfgSrcPerExt(val uint32) uint32 {
	return (val & 0x3) << 15
}

func CfgDstPerExt(val uint32) uint32 {
	return (val & 0x3) << 17
}

// DmaCfgReg bits
const (
	DmaCfgEn = 1 << 0
)

// ChEnReg and the interrupt mask registers are written as a write-enable mask in bits [15:8]
// plus the value in bits [7:0]; bits whose write-enable is clear are left alone.

// BitSet returns the value that sets channel ch's bit in a write-enable register.
func BitSet(ch int) uint32 {
	return 1<<(uint(ch)+8) | 1<<uint(ch)
}

// BitClear returns the value that clears channel ch's bit in a write-enable register.
func BitClear(ch int) uint32 {
	return 1 << (uint(ch) + 8)
}
