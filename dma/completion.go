package dma

import (
	"log"

	"github.com/Jon-Bright/dmactl/hw"
)

type note struct {
	t *Txd
	r Result
}

// unlockAndNotify drops vc.mu and runs notes outside it. Synchronize waits for them.
func (vc *VChan) unlockAndNotify(notes []note) {
	if len(notes) == 0 {
		vc.mu.Unlock()
		return
	}
	vc.inflight++
	vc.mu.Unlock()
	for _, n := range notes {
		n.t.notify(n.r)
	}
	vc.mu.Lock()
	vc.inflight--
	if vc.inflight == 0 {
		vc.idle.Broadcast()
	}
	vc.mu.Unlock()
}

// Synchronize blocks until no completion callback is running on the channel. It must not be
// called from a callback.
func (vc *VChan) Synchronize() {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	for vc.inflight > 0 {
		vc.idle.Wait()
	}
}

// HandleInterrupt services every pending error and transfer-complete interrupt. Serve calls it
// whenever the line fires; it may also be called directly.
func (e *Engine) HandleInterrupt() {
	// Bindings are noted before the status is read, so a bit is only ever handed to the
	// binding it could have been raised for.
	gens := e.generations()
	errs := e.regs.Read32(hw.RegStatusErr)
	tfrs := e.regs.Read32(hw.RegStatusTfr)
	for _, pc := range e.pcs {
		bit := uint32(1) << uint(pc.index)
		switch {
		case errs&bit != 0:
			e.handleError(pc, gens[pc.index])
		case tfrs&bit != 0:
			e.handleComplete(pc, gens[pc.index])
		}
	}
}

func (e *Engine) generations() []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	gens := make([]uint64, len(e.pcs))
	for i, pc := range e.pcs {
		gens[i] = pc.gen
	}
	return gens
}

// lockBound returns pc's virtual channel, locked, if pc is still bound the way it was at
// generation gen. ok is false if the binding changed since: whatever is pending now belongs
// to the new binding and is left for the next pass. If nothing is bound, the channel's
// interrupts are cleared and vc is nil.
func (e *Engine) lockBound(pc *PChan, gen uint64) (vc *VChan, ok bool) {
	e.mu.Lock()
	if pc.gen != gen {
		e.mu.Unlock()
		return nil, false
	}
	vc = pc.vc
	if vc == nil {
		// Under mu, so nobody can bind in between and lose their first interrupt
		e.clearIRQ(pc)
		e.mu.Unlock()
		return nil, true
	}
	e.mu.Unlock()
	vc.mu.Lock()
	if vc.pc != pc || pc.gen != gen {
		vc.mu.Unlock()
		return nil, false
	}
	return vc, true
}

func (e *Engine) handleError(pc *PChan, gen uint64) {
	vc, ok := e.lockBound(pc, gen)
	if !ok {
		return
	}
	if vc == nil {
		e.logStale("Channel %d: error interrupt with nothing bound", pc.index)
		return
	}
	e.regs.Write32(hw.RegChEn, hw.BitClear(pc.index))
	e.clearIRQ(pc)
	log.Printf("Channel %d: transfer error on %v", pc.index, vc)
	var notes []note
	t := vc.head()
	if pc.st.st != StateTerminated && t != nil && t.active && !t.failed {
		t.active = false
		t.failed = true
		notes = append(notes, note{t, ResultWriteFailed})
	}
	vc.unlockAndNotify(notes)
}

func (e *Engine) handleComplete(pc *PChan, gen uint64) {
	vc, ok := e.lockBound(pc, gen)
	if !ok {
		return
	}
	if vc == nil {
		e.logStale("Channel %d: completion with nothing bound", pc.index)
		return
	}
	bit := uint32(1) << uint(pc.index)
	e.regs.Write32(hw.RegClearTfr, bit)
	e.regs.Write32(hw.RegClearBlock, bit)
	vc.unlockAndNotify(e.complete(vc, pc))
}

// complete advances vc past the block that just finished on pc and returns the callbacks
// that are due. vc.mu must be held.
func (e *Engine) complete(vc *VChan, pc *PChan) []note {
	if pc.st.st == StateTerminated {
		return nil
	}
	t := vc.head()
	if t == nil || !t.active || t.autoReload {
		e.logStale("Channel %d: completion for %v with no interrupting transfer", pc.index, vc)
		return nil
	}

	if t.cyclic {
		t.cur = (t.cur + 1) % len(t.llis)
		if pc.st.st == StatePauseRequested {
			e.pausedNow(pc, len(t.llis))
		} else {
			e.startLLI(pc, t)
		}
		return []note{{t, ResultSuccess}}
	}

	e.pool.Free(t.llis[t.cur]) // Ignore error, already logged
	t.cur++
	if t.cur < len(t.llis) {
		if pc.st.st == StatePauseRequested {
			e.pausedNow(pc, t.left())
		} else {
			e.startLLI(pc, t)
		}
		return nil
	}

	t.active = false
	t.llis = nil
	t.cur = 0
	vc.issued = vc.issued[1:]
	notes := []note{{t, ResultSuccess}}
	if pc.st.st == StatePauseRequested {
		// Nothing left of this one; the queue waits for Resume.
		e.pausedNow(pc, 0)
		return notes
	}
	if pc.st.needRx {
		e.must(vc, pc.st.apply(evRxDone))
	}
	if pc.st.needTx {
		e.must(vc, pc.st.apply(evTxDone))
	}
	e.must(vc, pc.st.apply(evFinish))
	if next := vc.head(); next != nil && !next.failed {
		e.must(vc, e.startTxd(pc, next))
	}
	return notes
}

func (e *Engine) pausedNow(pc *PChan, remaining int) {
	if err := pc.st.apply(evPaused); err != nil {
		log.Printf("Channel %d: %v", pc.index, err)
		return
	}
	pc.st.remaining = remaining
}

// must logs a state machine error the completion path can't hand to anyone.
func (e *Engine) must(vc *VChan, err error) {
	if err != nil {
		log.Printf("%v: %v", vc, err)
	}
}
