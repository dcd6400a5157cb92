package dma

import (
	"fmt"
	"sync"

	"github.com/Jon-Bright/dmactl/hw"
)

// MaxTxdPerVChan bounds the live descriptors (submitted or issued) on one virtual channel.
const MaxTxdPerVChan = 8

// Direction is the direction of a transfer.
type Direction int

const (
	MemToMem Direction = iota
	MemToDev
	DevToMem
)

func (d Direction) String() string {
	switch d {
	case MemToMem:
		return "mem-to-mem"
	case MemToDev:
		return "mem-to-dev"
	case DevToMem:
		return "dev-to-mem"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// SlaveConfig describes the peripheral end of a virtual channel.
type SlaveConfig struct {
	SrcAddr  uint32 // Device address read by DevToMem transfers
	DstAddr  uint32 // Device address written by MemToDev transfers
	SrcWidth int    // Bytes per item: 1, 2 or 4
	DstWidth int
	SrcBurst int // Items per burst: 1, 4, 8 or 16
	DstBurst int
	// Handshake is the hardware handshake interface (slave id) of the peripheral, 0-63.
	Handshake int
	// DeviceFlowControl makes the peripheral, not the controller, end each block.
	DeviceFlowControl bool
}

// DefaultSlaveConfig is what a channel uses until Configure is called.
var DefaultSlaveConfig = SlaveConfig{SrcWidth: 4, DstWidth: 4, SrcBurst: 1, DstBurst: 1}

const maxHandshake = 63

func (c *SlaveConfig) validate() error {
	for _, w := range []int{c.SrcWidth, c.DstWidth} {
		if _, err := widthCode(w); err != nil {
			return err
		}
	}
	for _, b := range []int{c.SrcBurst, c.DstBurst} {
		if _, err := burstCode(b); err != nil {
			return err
		}
	}
	if c.Handshake < 0 || c.Handshake > maxHandshake {
		return fmt.Errorf("handshake id %d not in 0-%d: %w", c.Handshake, maxHandshake, ErrBadConfig)
	}
	return nil
}

// VChan is a client's handle on the engine. Channels are created when the engine is and are
// handed to at most one client at a time by Engine.Request.
type VChan struct {
	e     *Engine
	index int

	// mu guards everything below, plus the state of the bound PChan.
	mu         sync.Mutex
	cfg        SlaveConfig
	pending    []*Txd // Submitted, not issued
	issued     []*Txd // Issued; issued[0] is the one the hardware works on
	pc         *PChan
	terminated bool

	// Callbacks in flight; idle is signalled when it drops to zero.
	inflight int
	idle     *sync.Cond

	requested bool // Guarded by Engine.mu
}

func newVChan(e *Engine, index int) *VChan {
	vc := &VChan{e: e, index: index, cfg: DefaultSlaveConfig}
	vc.idle = sync.NewCond(&vc.mu)
	return vc
}

// Index returns the stable request index of the channel.
func (vc *VChan) Index() int {
	return vc.index
}

func (vc *VChan) String() string {
	return fmt.Sprintf("vchan%d", vc.index)
}

// Configure sets the peripheral side of future transfers.
func (vc *VChan) Configure(cfg SlaveConfig) error {
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("%v: %w", vc, err)
	}
	vc.mu.Lock()
	defer vc.mu.Unlock()
	vc.cfg = cfg
	return nil
}

// Config returns the current slave configuration.
func (vc *VChan) Config() SlaveConfig {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	return vc.cfg
}

func (vc *VChan) live() int {
	return len(vc.pending) + len(vc.issued)
}

func (vc *VChan) head() *Txd {
	if len(vc.issued) == 0 {
		return nil
	}
	return vc.issued[0]
}

// IssuePending hands every submitted descriptor to the hardware queue and starts it if the
// channel is idle. If no physical channel is free the descriptors stay submitted.
func (vc *VChan) IssuePending() error {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	if len(vc.pending) == 0 {
		return nil
	}
	if vc.pc == nil {
		if _, err := vc.e.bind(vc); err != nil {
			return err
		}
	}
	vc.issued = append(vc.issued, vc.pending...)
	vc.pending = nil
	vc.terminated = false
	t := vc.head()
	if !t.active && !t.failed && vc.pc.st.startable() {
		return vc.e.startTxd(vc.pc, t)
	}
	return nil
}

// Status is a snapshot of a virtual channel.
type Status struct {
	State    State
	Residue  int    // Bytes still to move, over every queued descriptor
	RawCtl   uint32 // CTL_HI of the bound channel as last read
	Bound    bool
	PChan    int // Index of the bound channel, -1 if there is none
	Pending  int // Submitted, not issued
	Issued   int
	LiveLLIs int
}

// Status reports the channel's state and how much of the current transfer is left.
func (vc *VChan) Status() (Status, error) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	s := Status{
		State:   StateIdle,
		PChan:   -1,
		Pending: len(vc.pending),
		Issued:  len(vc.issued),
	}
	if vc.terminated {
		s.State = StateTerminated
	}
	if pc := vc.pc; pc != nil {
		s.State = pc.st.st
		s.Bound = true
		s.PChan = pc.index
		s.RawCtl = vc.e.regs.Read32(pc.base + hw.RegCTLHi)
	}
	for _, q := range [][]*Txd{vc.issued, vc.pending} {
		for _, t := range q {
			s.Residue += t.residue(vc.e.pool)
			s.LiveLLIs += t.left()
		}
	}
	return s, nil
}

// Release terminates everything on the channel, gives up its physical channel and returns the
// handle to the engine.
func (vc *VChan) Release() error {
	if err := vc.terminate(false); err != nil {
		return err
	}
	vc.Synchronize()
	vc.e.mu.Lock()
	vc.requested = false
	vc.e.mu.Unlock()
	return nil
}
