package dma

import (
	"fmt"
	"log"

	"github.com/Jon-Bright/dmactl/hw"
	"gopkg.in/retry.v1"
)

// PChan is one hardware channel register set.
type PChan struct {
	index    int
	base     uint32
	highPerf bool

	vc *VChan    // Guarded by Engine.mu
	st xferState // Guarded by the bound VChan's mu

	// gen counts bind and unbind. Guarded by Engine.mu; it can't change while the bound
	// VChan's mu is held.
	gen uint64
}

// Index returns the hardware channel number.
func (pc *PChan) Index() int {
	return pc.index
}

// HighPerf reports whether the channel is reserved for the virtual channel of the same index.
func (pc *PChan) HighPerf() bool {
	return pc.highPerf
}

// highPerfPriority is the top channel priority, given to reserved channels.
const highPerfPriority = 7

// bind finds vc a physical channel. Virtual channels below Config.HighPerf only ever get the
// physical channel of the same number; everyone else takes the lowest free shared channel.
// vc.mu must be held.
func (e *Engine) bind(vc *VChan) (*PChan, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if vc.pc != nil {
		return vc.pc, nil
	}
	if e.closed {
		return nil, ErrClosed
	}
	var pc *PChan
	if vc.index < e.cfg.HighPerf {
		if c := e.pcs[vc.index]; c.vc == nil {
			pc = c
		}
	} else {
		for _, c := range e.pcs[e.cfg.HighPerf:] {
			if c.vc == nil {
				pc = c
				break
			}
		}
	}
	if pc == nil {
		return nil, fmt.Errorf("%v: %w", vc, ErrNoPhysChannel)
	}
	pc.vc = vc
	vc.pc = pc
	pc.gen++
	pc.st = xferState{st: StateIdle}
	return pc, nil
}

// unbind gives vc's physical channel back once the hardware reports it idle. Interrupts the
// channel still has pending are dropped so the next owner doesn't see them. vc.mu must be
// held and vc must be bound.
func (e *Engine) unbind(vc *VChan) error {
	pc := vc.pc
	if err := e.waitIdle(pc); err != nil {
		return fmt.Errorf("%v: %w", vc, err)
	}
	pc.st.apply(evReset) // Always valid
	e.mu.Lock()
	e.clearIRQ(pc)
	pc.vc = nil
	vc.pc = nil
	pc.gen++
	e.mu.Unlock()
	return nil
}

func (e *Engine) busy(pc *PChan) bool {
	return e.regs.Read32(hw.RegChEn)&(1<<uint(pc.index)) != 0
}

// waitFor polls cond with the engine's bounded strategy.
func (e *Engine) waitFor(cond func() bool) bool {
	for a := retry.Start(e.poll, nil); a.Next(); {
		if cond() {
			return true
		}
	}
	return false
}

func (e *Engine) waitIdle(pc *PChan) error {
	if !e.waitFor(func() bool { return !e.busy(pc) }) {
		log.Printf("Channel %d still busy after polling", pc.index)
		return fmt.Errorf("channel %d: %w", pc.index, ErrBusyTimeout)
	}
	return nil
}

func (e *Engine) suspend(pc *PChan, on bool) {
	v := e.regs.Read32(pc.base + hw.RegCFGLo)
	if on {
		v |= hw.CfgChSusp
	} else {
		v &^= hw.CfgChSusp
	}
	e.regs.Write32(pc.base+hw.RegCFGLo, v)
}

func (e *Engine) clearIRQ(pc *PChan) {
	bit := uint32(1) << uint(pc.index)
	e.regs.Write32(hw.RegClearTfr, bit)
	e.regs.Write32(hw.RegClearBlock, bit)
	e.regs.Write32(hw.RegClearErr, bit)
}

// stopChannel halts a channel mid-transfer: suspend, let the FIFO drain, disable, wait for the
// enable bit to drop. A channel that won't go idle is left suspended. Either way a stopped
// channel has no interrupts pending.
func (e *Engine) stopChannel(pc *PChan) error {
	if !e.busy(pc) {
		// The last block may have finished before its interrupt was serviced
		e.clearIRQ(pc)
		return nil
	}
	e.suspend(pc, true)
	fifoEmpty := func() bool { return e.regs.Read32(pc.base+hw.RegCFGLo)&hw.CfgFifoEmpty != 0 }
	if !e.waitFor(fifoEmpty) {
		log.Printf("Channel %d FIFO didn't drain, disabling anyway", pc.index)
	}
	e.regs.Write32(hw.RegChEn, hw.BitClear(pc.index))
	if err := e.waitIdle(pc); err != nil {
		return err
	}
	e.suspend(pc, false)
	e.clearIRQ(pc)
	return nil
}

// cfgRegs returns CFG_LO and CFG_HI for a transfer from vc on pc.
func (pc *PChan) cfgRegs(cfg *SlaveConfig, reload bool) (lo, hi uint32) {
	h := uint32(cfg.Handshake)
	hi = hw.CfgSrcPer(h) | hw.CfgSrcPerExt(h>>4) | hw.CfgDstPer(h) | hw.CfgDstPerExt(h>>4)
	if pc.highPerf {
		lo |= hw.CfgChPrior(highPerfPriority)
		hi |= hw.CfgFifoMode
	}
	if reload {
		lo |= hw.CfgReloadSrc | hw.CfgReloadDst
	}
	return lo, hi
}

// startTxd programs the first block of t (or, for auto-reload, the whole ring) and enables
// the channel. t.vc.mu must be held.
func (e *Engine) startTxd(pc *PChan, t *Txd) error {
	if err := pc.st.apply(evStart); err != nil {
		return fmt.Errorf("%v: %w", t.vc, err)
	}
	pc.st.needRx = t.dir != MemToDev
	pc.st.needTx = t.dir != DevToMem
	t.active = true
	if !t.autoReload {
		e.startLLI(pc, t)
		return nil
	}
	first := e.pool.Node(t.llis[0])
	lo, hi := pc.cfgRegs(&t.vc.cfg, true)
	e.regs.Write32(pc.base+hw.RegSAR, first.Src)
	e.regs.Write32(pc.base+hw.RegDAR, first.Dst)
	e.regs.Write32(pc.base+hw.RegLLP, e.pool.PhysAddr(t.llis[0]))
	e.regs.Write32(pc.base+hw.RegCTLLo, first.CtlLo)
	e.regs.Write32(pc.base+hw.RegCTLHi, first.CtlHi)
	e.regs.Write32(pc.base+hw.RegCFGLo, lo)
	e.regs.Write32(pc.base+hw.RegCFGHi, hi)
	e.regs.Write32(hw.RegChEn, hw.BitSet(pc.index))
	return nil
}

// startLLI programs t's current block as a single interrupting block and enables the channel.
// The registers come from the software node with LLP 0; only auto-reload rings have the
// controller walk the stored hardware descriptors. t.vc.mu must be held.
func (e *Engine) startLLI(pc *PChan, t *Txd) {
	l := e.pool.Node(t.llis[t.cur])
	lo, hi := pc.cfgRegs(&t.vc.cfg, false)
	e.regs.Write32(pc.base+hw.RegSAR, l.Src)
	e.regs.Write32(pc.base+hw.RegDAR, l.Dst)
	e.regs.Write32(pc.base+hw.RegLLP, 0)
	e.regs.Write32(pc.base+hw.RegCTLLo, l.CtlLo|hw.CtlIntEn)
	e.regs.Write32(pc.base+hw.RegCTLHi, l.CtlHi)
	e.regs.Write32(pc.base+hw.RegCFGLo, lo)
	e.regs.Write32(pc.base+hw.RegCFGHi, hi)
	e.regs.Write32(hw.RegChEn, hw.BitSet(pc.index))
}
