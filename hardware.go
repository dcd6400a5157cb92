package main

import (
	"fmt"
	"io"
	"log"
	"time"

	"github.com/Jon-Bright/dmactl/dma"
	"github.com/Jon-Bright/dmactl/hw"
)

// Fake bus addresses handed out to simulated buffers that don't name one.
const (
	simPhysBase  = 0x10000000
	simPhysAlign = 0x100000
)

// hardware is everything the engine runs on: registers, interrupts and DMA memory.
type hardware struct {
	regs     hw.Regs
	irq      dma.IRQSource
	sim      *hw.Sim
	lli      hw.Mem
	closers  []io.Closer
	nextPhys uint64
	stop     chan struct{}
}

func openHardware(cfg *Config, simulate bool) (*hardware, error) {
	h := &hardware{nextPhys: simPhysBase, stop: make(chan struct{})}
	switch {
	case simulate:
		h.sim = hw.NewSim(cfg.Channels)
		h.regs, h.irq = h.sim, h.sim
		log.Printf("Simulating a %d channel controller", cfg.Channels)
	case cfg.Controller.UIO != "":
		u, err := hw.OpenUIO(cfg.Controller.UIO, hw.RegsSize)
		if err != nil {
			return nil, err
		}
		h.regs, h.irq = u, u
		h.closers = append(h.closers, u)
	case cfg.Controller.PhysBase != 0:
		w, err := hw.MapPhys(uintptr(cfg.Controller.PhysBase), hw.RegsSize)
		if err != nil {
			return nil, err
		}
		h.regs, h.irq = w, hw.NewPoller(w, cfg.Controller.Poll)
		h.closers = append(h.closers, w)
		log.Printf("No UIO device, polling for interrupts every %v", cfg.Controller.Poll)
	default:
		return nil, fmt.Errorf("controller needs either uio or phys_base")
	}
	lli, err := h.mem(cfg.LLI.Count*dma.LLISize, cfg.LLI.PhysBase)
	if err != nil {
		h.Close() // Ignore error
		return nil, fmt.Errorf("couldn't get LLI memory: %v", err)
	}
	h.lli = lli
	return h, nil
}

// mem returns size bytes of DMA memory at bus address phys. Simulated memory is anonymous and
// gets a made-up address if phys is 0.
func (h *hardware) mem(size int, phys uint64) (hw.Mem, error) {
	var m hw.Mem
	var err error
	if h.sim != nil {
		if phys == 0 {
			phys = h.nextPhys
			h.nextPhys += (uint64(size)/simPhysAlign + 1) * simPhysAlign
		}
		m, err = hw.AllocAnon(size, phys)
	} else {
		if phys == 0 {
			return nil, fmt.Errorf("%d bytes of DMA memory need a phys_base", size)
		}
		m, err = hw.MapPhysMem(uintptr(phys), size)
	}
	if err != nil {
		return nil, err
	}
	h.closers = append(h.closers, m)
	return m, nil
}

// runSim finishes one block on every running simulated channel each tick, standing in for the
// peripherals draining their FIFOs.
func (h *hardware) runSim(tick time.Duration) {
	if h.sim == nil {
		return
	}
	go func() {
		t := time.NewTicker(tick)
		defer t.Stop()
		for {
			select {
			case <-h.stop:
				return
			case <-t.C:
				h.sim.Tick()
			}
		}
	}()
}

func (h *hardware) Close() error {
	close(h.stop)
	var first error
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	h.closers = nil
	return first
}
