// Package dma multiplexes the physical channels of a DMA controller across virtual channels
// owned by peripheral clients. Clients build transfers (copies, scatter-gather lists and
// cyclic rings of LLIs), issue them, and are told through a Notifier when they finish.
package dma

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Jon-Bright/dmactl/hw"
	"golang.org/x/time/rate"
	"gopkg.in/retry.v1"
	"gopkg.in/tomb.v2"
)

// Config describes the controller an Engine drives.
type Config struct {
	Channels int // Physical channels, 1-8
	Requests int // Virtual channels
	HighPerf int // Physical channels reserved for the virtual channels of the same index
	LLIs     int // Size of the LLI pool

	// Poll bounds every busy-wait on the hardware. DefaultPoll is used if it's nil.
	Poll retry.Strategy
}

// DefaultPoll gives a channel about 100ms to go idle.
var DefaultPoll retry.Strategy = retry.LimitCount(1000, retry.LimitTime(100*time.Millisecond,
	retry.Exponential{
		Initial: 10 * time.Microsecond,
		Factor:  2,
	},
))

// DefaultConfig matches a fully populated controller.
var DefaultConfig = Config{Channels: hw.MaxChannels, Requests: 16, HighPerf: 2, LLIs: 128}

func (c *Config) validate() error {
	if c.Channels < 1 || c.Channels > hw.MaxChannels {
		return fmt.Errorf("%d channels, want 1-%d: %w", c.Channels, hw.MaxChannels, ErrBadConfig)
	}
	if c.Requests < 1 {
		return fmt.Errorf("%d requests: %w", c.Requests, ErrBadConfig)
	}
	if c.HighPerf < 0 || c.HighPerf > c.Channels || c.HighPerf > c.Requests {
		return fmt.Errorf("%d high-performance channels with %d channels and %d requests: %w", c.HighPerf, c.Channels, c.Requests, ErrBadConfig)
	}
	return nil
}

// IRQSource delivers the controller's interrupt line.
type IRQSource interface {
	// Wait blocks for up to timeout and reports whether the line fired.
	Wait(timeout time.Duration) (bool, error)
	// Ack re-arms the line once the interrupt has been handled.
	Ack() error
}

// serveTick is how often the dispatch loop wakes up to notice it's being shut down.
const serveTick = 100 * time.Millisecond

// Engine owns the controller: its physical channels, the LLI pool and every virtual channel.
type Engine struct {
	regs hw.Regs
	pool *LLIPool
	cfg  Config
	poll retry.Strategy

	// mu guards binding and the fields below. It's never held across a hardware wait.
	mu      sync.Mutex
	pcs     []*PChan
	vcs     []*VChan
	closed  bool
	serving bool

	tomb  tomb.Tomb
	stale *rate.Limiter
}

// New resets the controller behind regs and returns an engine driving it. LLIs are placed in
// mem, which must be reachable by the controller.
func New(regs hw.Regs, mem hw.Mem, cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	pool, err := NewLLIPool(mem, cfg.LLIs)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		regs:  regs,
		pool:  pool,
		cfg:   cfg,
		poll:  cfg.Poll,
		stale: rate.NewLimiter(rate.Every(time.Second), 5),
	}
	if e.poll == nil {
		e.poll = DefaultPoll
	}
	for i := 0; i < cfg.Channels; i++ {
		e.pcs = append(e.pcs, &PChan{index: i, base: hw.ChanBase(i), highPerf: i < cfg.HighPerf})
	}
	for i := 0; i < cfg.Requests; i++ {
		e.vcs = append(e.vcs, newVChan(e, i))
	}

	regs.Write32(hw.RegDmaCfg, hw.DmaCfgEn)
	var all uint32
	for _, pc := range e.pcs {
		regs.Write32(hw.RegChEn, hw.BitClear(pc.index))
		regs.Write32(hw.RegMaskBlock, hw.BitClear(pc.index))
		regs.Write32(hw.RegMaskTfr, hw.BitSet(pc.index))
		regs.Write32(hw.RegMaskErr, hw.BitSet(pc.index))
		all |= 1 << uint(pc.index)
	}
	regs.Write32(hw.RegClearTfr, all)
	regs.Write32(hw.RegClearBlock, all)
	regs.Write32(hw.RegClearErr, all)
	log.Printf("DMA engine up: %d channels (%d reserved), %d requests, %d LLIs at %08X", cfg.Channels, cfg.HighPerf, cfg.Requests, cfg.LLIs, mem.PhysAddr())
	return e, nil
}

// Request hands out virtual channel i. It stays with the caller until it's released.
func (e *Engine) Request(i int) (*VChan, error) {
	if i < 0 || i >= len(e.vcs) {
		return nil, fmt.Errorf("request %d, have %d: %w", i, len(e.vcs), ErrBadConfig)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	vc := e.vcs[i]
	if vc.requested {
		return nil, fmt.Errorf("%v: %w", vc, ErrInUse)
	}
	vc.requested = true
	return vc, nil
}

// Pool returns the engine's LLI pool.
func (e *Engine) Pool() *LLIPool {
	return e.pool
}

// Channels returns the physical channels.
func (e *Engine) Channels() []*PChan {
	return e.pcs
}

// BoundTo returns the virtual channel bound to pc, or nil.
func (e *Engine) BoundTo(pc *PChan) *VChan {
	e.mu.Lock()
	defer e.mu.Unlock()
	return pc.vc
}

// Serve starts dispatching interrupts from src in the background until Close.
func (e *Engine) Serve(src IRQSource) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.serving {
		return fmt.Errorf("already serving: %w", ErrInvalidState)
	}
	e.serving = true
	e.tomb.Go(func() error {
		return e.serve(src)
	})
	return nil
}

func (e *Engine) serve(src IRQSource) error {
	for {
		select {
		case <-e.tomb.Dying():
			return nil
		default:
		}
		fired, err := src.Wait(serveTick)
		if err != nil {
			log.Printf("Interrupt wait failed: %v", err)
			return err
		}
		if !fired {
			continue
		}
		e.HandleInterrupt()
		if err := src.Ack(); err != nil {
			log.Printf("Interrupt ack failed: %v", err)
			return err
		}
	}
}

// Close stops interrupt dispatch, terminates every virtual channel and disables the
// controller.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.closed = true
	serving := e.serving
	e.mu.Unlock()

	var err error
	if serving {
		e.tomb.Kill(nil)
		err = e.tomb.Wait()
	}
	for _, vc := range e.vcs {
		if terr := vc.terminate(false); terr != nil && err == nil {
			err = terr
		}
		vc.Synchronize()
	}
	e.regs.Write32(hw.RegDmaCfg, 0)
	return err
}

// logStale logs an interrupt nobody's waiting for, at most a few times a second.
func (e *Engine) logStale(format string, v ...interface{}) {
	if e.stale.Allow() {
		log.Printf(format, v...)
	}
}
