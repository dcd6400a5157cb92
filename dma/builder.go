package dma

import (
	"fmt"

	"github.com/Jon-Bright/dmactl/hw"
)

// Segment is one contiguous piece of memory in a scatter-gather list.
type Segment struct {
	Addr uint32
	Len  int
}

// copyBurst is the burst size used for memory-to-memory copies.
const copyBurst = 16

func widthCode(bytes int) (uint32, error) {
	switch bytes {
	case 1:
		return 0, nil
	case 2:
		return 1, nil
	case 4:
		return 2, nil
	}
	return 0, fmt.Errorf("transfer width of %d bytes: %w", bytes, ErrBadConfig)
}

func burstCode(items int) (uint32, error) {
	switch items {
	case 1:
		return 0, nil
	case 4:
		return 1, nil
	case 8:
		return 2, nil
	case 16:
		return 3, nil
	}
	return 0, fmt.Errorf("burst of %d items: %w", items, ErrBadConfig)
}

// blockFields is everything CTL_LO/CTL_HI are derived from.
type blockFields struct {
	dir      Direction
	srcWidth int
	dstWidth int
	srcBurst int
	dstBurst int
	flow     bool // Peripheral is the flow controller
	linked   bool // Hardware follows LLP on its own
	len      int
}

func (f *blockFields) ctl() (lo, hi uint32, err error) {
	sw, err := widthCode(f.srcWidth)
	if err != nil {
		return 0, 0, err
	}
	dw, err := widthCode(f.dstWidth)
	if err != nil {
		return 0, 0, err
	}
	sb, err := burstCode(f.srcBurst)
	if err != nil {
		return 0, 0, err
	}
	db, err := burstCode(f.dstBurst)
	if err != nil {
		return 0, 0, err
	}
	if f.len <= 0 || f.len%f.srcWidth != 0 {
		return 0, 0, fmt.Errorf("block of %d bytes with %d byte items: %w", f.len, f.srcWidth, ErrBadConfig)
	}

	var sinc, dinc, fc uint32
	switch f.dir {
	case MemToMem:
		sinc, dinc, fc = hw.IncIncrement, hw.IncIncrement, hw.FCMemToMem
	case MemToDev:
		sinc, dinc, fc = hw.IncIncrement, hw.IncNoChange, hw.FCMemToDev
		if f.flow {
			fc = hw.FCMemToDevPeriph
		}
	case DevToMem:
		sinc, dinc, fc = hw.IncNoChange, hw.IncIncrement, hw.FCDevToMem
		if f.flow {
			fc = hw.FCDevToMemPeriph
		}
	default:
		return 0, 0, fmt.Errorf("direction %v: %w", f.dir, ErrBadConfig)
	}
	lo = hw.CtlSrcWidth(sw) |
		hw.CtlDstWidth(dw) |
		hw.CtlSrcMsize(sb) |
		hw.CtlDstMsize(db) |
		hw.CtlSinc(sinc) |
		hw.CtlDinc(dinc) |
		hw.CtlTTFC(fc)
	if f.linked {
		lo |= hw.CtlLLPSrcEn | hw.CtlLLPDstEn
	}
	// Block size is counted in source items
	hi = hw.CtlHiBlockTS(uint32(f.len / f.srcWidth))
	return lo, hi, nil
}

// slaveFields returns the block fields for a transfer of n bytes between memory and the
// channel's peripheral.
func (vc *VChan) slaveFields(dir Direction, n int, linked bool) (blockFields, error) {
	f := blockFields{dir: dir, flow: vc.cfg.DeviceFlowControl, linked: linked, len: n}
	switch dir {
	case MemToDev:
		f.srcWidth, f.dstWidth = vc.cfg.DstWidth, vc.cfg.DstWidth
		f.srcBurst, f.dstBurst = vc.cfg.DstBurst, vc.cfg.DstBurst
	case DevToMem:
		f.srcWidth, f.dstWidth = vc.cfg.SrcWidth, vc.cfg.SrcWidth
		f.srcBurst, f.dstBurst = vc.cfg.SrcBurst, vc.cfg.SrcBurst
	default:
		return f, fmt.Errorf("slave transfer in direction %v: %w", dir, ErrBadConfig)
	}
	return f, nil
}

// endpoints returns the source and destination for a block touching memory at addr.
func (vc *VChan) endpoints(dir Direction, addr uint32) (src, dst uint32) {
	if dir == MemToDev {
		return addr, vc.cfg.DstAddr
	}
	return vc.cfg.SrcAddr, addr
}

// copyWidth returns the widest item size both addresses and the length are aligned to.
func copyWidth(src, dst uint32, n int) int {
	for _, w := range []int{4, 2} {
		if src%uint32(w) == 0 && dst%uint32(w) == 0 && n%w == 0 {
			return w
		}
	}
	return 1
}

// build allocates n LLIs, lets fill set each one up and links them in order, closing the
// chain into a ring if cyclic is set. On any error every LLI allocated so far is freed.
// vc.mu must be held.
func (vc *VChan) build(n int, cyclic bool, fill func(i int, l *LLI) error) ([]int, error) {
	pool := vc.e.pool
	slots := make([]int, 0, n)
	fail := func(err error) ([]int, error) {
		for _, s := range slots {
			pool.Free(s) // Ignore error, can't be a double free
		}
		return nil, err
	}
	for i := 0; i < n; i++ {
		s, err := pool.Alloc()
		if err != nil {
			return fail(fmt.Errorf("%v: LLI %d of %d: %w", vc, i+1, n, err))
		}
		slots = append(slots, s)
		if err := fill(i, pool.Node(s)); err != nil {
			return fail(fmt.Errorf("%v: LLI %d of %d: %w", vc, i+1, n, err))
		}
	}
	for i, s := range slots {
		l := pool.Node(s)
		switch {
		case i+1 < len(slots):
			l.next = slots[i+1]
		case cyclic:
			l.next = slots[0]
		default:
			l.next = noLLI
		}
		pool.store(s)
	}
	return slots, nil
}

// submit queues a freshly built descriptor. vc.mu must be held.
func (vc *VChan) submit(t *Txd) *Txd {
	t.vc = vc
	vc.pending = append(vc.pending, t)
	vc.terminated = false
	return t
}

func (vc *VChan) checkRoom() error {
	if vc.live() >= MaxTxdPerVChan {
		return fmt.Errorf("%v has %d live descriptors: %w", vc, vc.live(), ErrTooManyTxd)
	}
	return nil
}

// SubmitCopy queues a memory-to-memory copy of n bytes. Copies longer than MaxBlockLen are
// split into as many blocks as needed.
func (vc *VChan) SubmitCopy(dst, src uint32, n int, cb Notifier) (*Txd, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%v: copy of %d bytes: %w", vc, n, ErrBadConfig)
	}
	vc.mu.Lock()
	defer vc.mu.Unlock()
	if err := vc.checkRoom(); err != nil {
		return nil, err
	}
	blocks := (n + MaxBlockLen - 1) / MaxBlockLen
	slots, err := vc.build(blocks, false, func(i int, l *LLI) error {
		off := uint32(i * MaxBlockLen)
		chunk := n - i*MaxBlockLen
		if chunk > MaxBlockLen {
			chunk = MaxBlockLen
		}
		w := copyWidth(src+off, dst+off, chunk)
		f := blockFields{
			dir:      MemToMem,
			srcWidth: w,
			dstWidth: w,
			srcBurst: copyBurst,
			dstBurst: copyBurst,
			len:      chunk,
		}
		lo, hi, err := f.ctl()
		if err != nil {
			return err
		}
		*l = LLI{Src: src + off, Dst: dst + off, Len: uint32(chunk), CtlLo: lo, CtlHi: hi}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vc.submit(&Txd{llis: slots, dir: MemToMem, cb: cb}), nil
}

// SubmitScatterGather queues one block per segment between memory and the peripheral.
func (vc *VChan) SubmitScatterGather(segs []Segment, dir Direction, cb Notifier) (*Txd, error) {
	if len(segs) == 0 {
		return nil, fmt.Errorf("%v: empty scatter-gather list: %w", vc, ErrBadConfig)
	}
	for i, s := range segs {
		if s.Len > MaxBlockLen {
			return nil, fmt.Errorf("%v: segment %d is %d bytes: %w", vc, i, s.Len, ErrSegmentTooLong)
		}
	}
	vc.mu.Lock()
	defer vc.mu.Unlock()
	if err := vc.checkRoom(); err != nil {
		return nil, err
	}
	slots, err := vc.build(len(segs), false, func(i int, l *LLI) error {
		f, err := vc.slaveFields(dir, segs[i].Len, false)
		if err != nil {
			return err
		}
		lo, hi, err := f.ctl()
		if err != nil {
			return err
		}
		src, dst := vc.endpoints(dir, segs[i].Addr)
		*l = LLI{Src: src, Dst: dst, Len: uint32(segs[i].Len), CtlLo: lo, CtlHi: hi}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vc.submit(&Txd{llis: slots, dir: dir, cb: cb}), nil
}

// SubmitCyclic queues a ring of bufLen/periodLen blocks over buf. With intrPerPeriod, cb is
// told about every period. Without it the hardware reloads the ring on its own and cb is never
// called; the transfer only stops when paused or terminated.
func (vc *VChan) SubmitCyclic(buf uint32, bufLen, periodLen int, dir Direction, intrPerPeriod bool, cb Notifier) (*Txd, error) {
	if periodLen <= 0 || bufLen < periodLen || bufLen%periodLen != 0 {
		return nil, fmt.Errorf("%v: %d byte buffer doesn't divide into %d byte periods: %w", vc, bufLen, periodLen, ErrBadConfig)
	}
	if periodLen > MaxBlockLen {
		return nil, fmt.Errorf("%v: period is %d bytes: %w", vc, periodLen, ErrSegmentTooLong)
	}
	vc.mu.Lock()
	defer vc.mu.Unlock()
	if err := vc.checkRoom(); err != nil {
		return nil, err
	}
	slots, err := vc.build(bufLen/periodLen, true, func(i int, l *LLI) error {
		f, err := vc.slaveFields(dir, periodLen, !intrPerPeriod)
		if err != nil {
			return err
		}
		lo, hi, err := f.ctl()
		if err != nil {
			return err
		}
		src, dst := vc.endpoints(dir, buf+uint32(i*periodLen))
		*l = LLI{Src: src, Dst: dst, Len: uint32(periodLen), CtlLo: lo, CtlHi: hi}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vc.submit(&Txd{llis: slots, dir: dir, cyclic: true, autoReload: !intrPerPeriod, cb: cb}), nil
}
