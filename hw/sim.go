package hw

import (
	"sync"
	"time"
)

// Program is a snapshot of a channel's registers taken when the channel was enabled.
type Program struct {
	SAR, DAR, LLP uint32
	CTLLo, CTLHi  uint32
	CFGLo, CFGHi  uint32
}

// Sim is an in-memory model of the controller. It keeps the register file and the parts of
// the hardware behaviour the engine relies on: write-enable registers, enable bits clearing at
// the end of a block, suspend with FIFO-empty, masked status and interrupt delivery.
//
// Grab the Mutex before accessing the registers directly.
type Sim struct {
	sync.Mutex
	channels int
	regs     map[uint32]uint32
	starts   [MaxChannels][]Program
	stuck    uint32
	irq      chan struct{}
}

func NewSim(channels int) *Sim {
	return &Sim{
		channels: channels,
		regs:     make(map[uint32]uint32),
		irq:      make(chan struct{}, 1),
	}
}

// Read32 implements Regs.
func (s *Sim) Read32(off uint32) uint32 {
	s.Lock()
	defer s.Unlock()
	return s.read(off)
}

func (s *Sim) read(off uint32) uint32 {
	switch off {
	case RegStatusTfr:
		return s.regs[RegRawTfr] & s.regs[RegMaskTfr]
	case RegStatusBlock:
		return s.regs[RegRawBlock] & s.regs[RegMaskBlock]
	case RegStatusErr:
		return s.regs[RegRawErr] & s.regs[RegMaskErr]
	case RegStatusInt:
		var v uint32
		if s.read(RegStatusTfr) != 0 {
			v |= 1 << 0
		}
		if s.read(RegStatusBlock) != 0 {
			v |= 1 << 1
		}
		if s.read(RegStatusErr) != 0 {
			v |= 1 << 4
		}
		return v
	case RegChEn:
		return s.regs[RegChEn] | s.stuck
	case RegClearTfr, RegClearBlock, RegClearErr:
		return 0
	}
	if ch, reg, ok := s.chanReg(off); ok && reg == RegCFGLo {
		v := s.regs[off]
		if s.stuck&(1<<uint(ch)) == 0 {
			v |= CfgFifoEmpty
		}
		return v
	}
	return s.regs[off]
}

func (s *Sim) chanReg(off uint32) (int, uint32, bool) {
	if off >= uint32(s.channels)*chanStride {
		return 0, 0, false
	}
	return int(off / chanStride), off % chanStride, true
}

// Write32 implements Regs.
func (s *Sim) Write32(off uint32, v uint32) {
	s.Lock()
	defer s.Unlock()
	switch off {
	case RegChEn:
		old := s.regs[RegChEn]
		s.regs[RegChEn] = writeMasked(old, v)
		for ch := 0; ch < s.channels; ch++ {
			bit := uint32(1) << uint(ch)
			if old&bit == 0 && s.regs[RegChEn]&bit != 0 {
				s.starts[ch] = append(s.starts[ch], s.program(ch))
			}
		}
	case RegMaskTfr, RegMaskBlock, RegMaskErr:
		s.regs[off] = writeMasked(s.regs[off], v)
	case RegClearTfr:
		s.regs[RegRawTfr] &^= v
	case RegClearBlock:
		s.regs[RegRawBlock] &^= v
	case RegClearErr:
		s.regs[RegRawErr] &^= v
	case RegStatusTfr, RegStatusBlock, RegStatusErr, RegStatusInt:
		// Read only
	default:
		if _, reg, ok := s.chanReg(off); ok && reg == RegCFGLo {
			v &^= CfgFifoEmpty
		}
		s.regs[off] = v
	}
}

func writeMasked(old, v uint32) uint32 {
	we := (v >> 8) & 0xff
	return (old &^ we) | (v & we)
}

func (s *Sim) program(ch int) Program {
	b := ChanBase(ch)
	return Program{
		SAR:   s.regs[b+RegSAR],
		DAR:   s.regs[b+RegDAR],
		LLP:   s.regs[b+RegLLP],
		CTLLo: s.regs[b+RegCTLLo],
		CTLHi: s.regs[b+RegCTLHi],
		CFGLo: s.regs[b+RegCFGLo],
		CFGHi: s.regs[b+RegCFGHi],
	}
}

func (s *Sim) enabled(ch int) bool {
	return (s.regs[RegChEn]|s.stuck)&(1<<uint(ch)) != 0
}

// Complete finishes the block channel ch is working on. Single-block transfers drop their
// enable bit; linked auto-reload transfers keep running. It reports whether the channel was
// running at all.
func (s *Sim) Complete(ch int) bool {
	s.Lock()
	b := ChanBase(ch)
	if !s.enabled(ch) || s.regs[b+RegCFGLo]&CfgChSusp != 0 {
		s.Unlock()
		return false
	}
	ctl := s.regs[b+RegCTLLo]
	linked := ctl&(CtlLLPSrcEn|CtlLLPDstEn) != 0
	if !linked {
		s.regs[RegChEn] &^= 1 << uint(ch)
	}
	if ctl&CtlIntEn != 0 {
		s.regs[RegRawTfr] |= 1 << uint(ch)
		s.regs[RegRawBlock] |= 1 << uint(ch)
	}
	s.Unlock()
	s.raise()
	return true
}

// Fail raises an error interrupt on channel ch. Like a stalled bus, the channel stays enabled
// until software disables it.
func (s *Sim) Fail(ch int) {
	s.Lock()
	s.regs[RegRawErr] |= 1 << uint(ch)
	s.Unlock()
	s.raise()
}

// Stick makes channel ch report busy (and a non-empty FIFO) regardless of its enable bit.
func (s *Sim) Stick(ch int, stuck bool) {
	s.Lock()
	defer s.Unlock()
	if stuck {
		s.stuck |= 1 << uint(ch)
	} else {
		s.stuck &^= 1 << uint(ch)
	}
}

// Tick completes the current block on every running channel.
func (s *Sim) Tick() {
	for ch := 0; ch < s.channels; ch++ {
		s.Complete(ch)
	}
}

// Enabled reports whether channel ch's enable bit is set.
func (s *Sim) Enabled(ch int) bool {
	s.Lock()
	defer s.Unlock()
	return s.enabled(ch)
}

// Starts returns every register program channel ch was started with, oldest first.
func (s *Sim) Starts(ch int) []Program {
	s.Lock()
	defer s.Unlock()
	return append([]Program(nil), s.starts[ch]...)
}

func (s *Sim) raise() {
	select {
	case s.irq <- struct{}{}:
	default:
	}
}

// Wait implements the engine's interrupt source.
func (s *Sim) Wait(timeout time.Duration) (bool, error) {
	if s.Read32(RegStatusInt) != 0 {
		return true, nil
	}
	select {
	case <-s.irq:
		return s.Read32(RegStatusInt) != 0, nil
	case <-time.After(timeout):
		return false, nil
	}
}

// Ack implements the engine's interrupt source.
func (s *Sim) Ack() error {
	return nil
}
