package dma

import (
	"fmt"

	"github.com/Jon-Bright/dmactl/hw"
)

// Pause stops the channel at the next block boundary. An auto-reload ring can't be stopped
// that way, so its channel is suspended on the spot. Pausing a channel with nothing running is
// a no-op.
func (vc *VChan) Pause() error {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	pc := vc.pc
	if pc == nil {
		return nil
	}
	t := vc.head()
	if t == nil || !t.active {
		return nil
	}
	switch pc.st.st {
	case StatePauseRequested, StatePausedNow:
		return nil
	}
	if err := pc.st.apply(evPause); err != nil {
		return fmt.Errorf("%v: %w", vc, err)
	}
	if t.autoReload {
		vc.e.suspend(pc, true)
		vc.e.pausedNow(pc, len(t.llis))
	}
	return nil
}

// Resume carries on from where Pause stopped. A pause that hasn't taken effect yet is simply
// cancelled.
func (vc *VChan) Resume() error {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	pc := vc.pc
	if pc == nil {
		return fmt.Errorf("%v isn't bound: %w", vc, ErrInvalidState)
	}
	switch pc.st.st {
	case StatePauseRequested:
		return pc.st.apply(evResume)
	case StatePausedNow:
	default:
		return fmt.Errorf("%v in state %v: %w", vc, pc.st.st, ErrNotPaused)
	}
	remaining := pc.st.remaining
	if err := pc.st.apply(evResume); err != nil {
		return fmt.Errorf("%v: %w", vc, err)
	}
	if err := pc.st.apply(evResumed); err != nil {
		return fmt.Errorf("%v: %w", vc, err)
	}

	t := vc.head()
	switch {
	case t != nil && t.active && t.autoReload:
		vc.e.suspend(pc, false)
		if !vc.e.busy(pc) {
			vc.e.regs.Write32(hw.RegChEn, hw.BitSet(pc.index))
		}
	case t != nil && t.active && remaining > 0:
		vc.e.startLLI(pc, t)
	case t != nil && !t.active && !t.failed:
		// Paused between descriptors
		return vc.e.startTxd(pc, t)
	}
	return nil
}

// Terminate stops the channel, drops every descriptor on it and gives up its physical channel.
// It's safe from any state, paused included. Terminating an already terminated channel that
// hasn't been used since is an error. If the hardware won't go idle, ErrBusyTimeout is returned
// and the descriptors are kept.
func (vc *VChan) Terminate() error {
	return vc.terminate(true)
}

func (vc *VChan) terminate(strict bool) error {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	if vc.terminated && vc.live() == 0 && vc.pc == nil {
		if strict {
			return fmt.Errorf("%v already terminated: %w", vc, ErrInvalidState)
		}
		return nil
	}
	if pc := vc.pc; pc != nil {
		pc.st.apply(evTerminate) // Always valid
		if err := vc.e.stopChannel(pc); err != nil {
			return fmt.Errorf("%v: %w", vc, err)
		}
	}
	for _, q := range [][]*Txd{vc.issued, vc.pending} {
		for _, t := range q {
			t.release(vc.e.pool)
		}
	}
	vc.issued = nil
	vc.pending = nil
	if vc.pc != nil {
		if err := vc.e.unbind(vc); err != nil {
			return err
		}
	}
	vc.terminated = true
	return nil
}
