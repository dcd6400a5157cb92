package dma

import (
	"encoding/binary"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Jon-Bright/dmactl/hw"
	"golang.org/x/time/rate"
)

const (
	// MaxBlockLen is the longest single block, in bytes, one LLI can describe.
	MaxBlockLen = 0xFFFFF

	// LLISize is the size of one descriptor in hardware memory: SAR, DAR, LLP, CTL_LO, CTL_HI,
	// SSTAT, DSTAT and a pad word.
	LLISize = 32

	noLLI = -1
)

// LLI is the software view of a hardware block descriptor. The hardware never reads this
// struct; LLIPool.store serializes it into the pool's DMA memory.
type LLI struct {
	Src   uint32
	Dst   uint32
	Len   uint32 // Bytes
	CtlLo uint32
	CtlHi uint32
	next  int // Pool slot of the next LLI, or noLLI
}

// Next returns the pool slot of the following LLI and whether there is one.
func (l *LLI) Next() (int, bool) {
	return l.next, l.next != noLLI
}

// LLIPool is a fixed-size allocator of LLIs. Slots index both the software nodes and a
// parallel region of DMA memory holding the serialized descriptors.
type LLIPool struct {
	mu    sync.Mutex
	mem   hw.Mem
	nodes []LLI
	live  []bool
	free  []int
	warn  *rate.Limiter // Double-free reports
}

// NewLLIPool carves n descriptors out of mem.
func NewLLIPool(mem hw.Mem, n int) (*LLIPool, error) {
	if n <= 0 {
		return nil, fmt.Errorf("LLI pool needs at least one node, got %d: %w", n, ErrBadConfig)
	}
	if len(mem.Buf()) < n*LLISize {
		return nil, fmt.Errorf("%d byte DMA region too small for %d LLIs: %w", len(mem.Buf()), n, ErrBadConfig)
	}
	if mem.PhysAddr()+uint64(n*LLISize) > 1<<32 {
		return nil, fmt.Errorf("LLI region at %08X not reachable from a 32-bit bus: %w", mem.PhysAddr(), ErrBadConfig)
	}
	p := &LLIPool{
		mem:   mem,
		nodes: make([]LLI, n),
		live:  make([]bool, n),
		free:  make([]int, 0, n),
		warn:  rate.NewLimiter(rate.Every(time.Second), 5),
	}
	// Hand out low slots first
	for i := n - 1; i >= 0; i-- {
		p.free = append(p.free, i)
	}
	return p, nil
}

// Alloc returns a zeroed slot.
func (p *LLIPool) Alloc() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return noLLI, ErrNoLLI
	}
	slot := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.live[slot] = true
	p.nodes[slot] = LLI{next: noLLI}
	b := p.bytes(slot)
	for i := range b {
		b[i] = 0
	}
	return slot, nil
}

// Free returns a slot to the pool. Freeing a slot that isn't live is reported and otherwise
// ignored, so it can't hand another chain's node out twice.
func (p *LLIPool) Free(slot int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if slot < 0 || slot >= len(p.nodes) || !p.live[slot] {
		if p.warn.Allow() {
			log.Printf("LLI slot %d freed but not live", slot)
		}
		return fmt.Errorf("slot %d: %w", slot, ErrDoubleFree)
	}
	p.live[slot] = false
	p.free = append(p.free, slot)
	return nil
}

// Node returns the software view of a live slot. Only the slot's owner may touch it.
func (p *LLIPool) Node(slot int) *LLI {
	return &p.nodes[slot]
}

// PhysAddr returns the bus address of a slot's hardware descriptor.
func (p *LLIPool) PhysAddr(slot int) uint32 {
	return uint32(p.mem.PhysAddr()) + uint32(slot*LLISize)
}

func (p *LLIPool) bytes(slot int) []byte {
	return p.mem.Buf()[slot*LLISize : (slot+1)*LLISize]
}

// store serializes a slot's node into DMA memory, pointing LLP at the next node's descriptor.
func (p *LLIPool) store(slot int) {
	n := &p.nodes[slot]
	var llp uint32
	if n.next != noLLI {
		llp = p.PhysAddr(n.next)
	}
	b := p.bytes(slot)
	binary.LittleEndian.PutUint32(b[0:], n.Src)
	binary.LittleEndian.PutUint32(b[4:], n.Dst)
	binary.LittleEndian.PutUint32(b[8:], llp)
	binary.LittleEndian.PutUint32(b[12:], n.CtlLo)
	binary.LittleEndian.PutUint32(b[16:], n.CtlHi)
	binary.LittleEndian.PutUint32(b[20:], 0) // SSTAT
	binary.LittleEndian.PutUint32(b[24:], 0) // DSTAT
	binary.LittleEndian.PutUint32(b[28:], 0)
}

// InUse returns the number of live slots.
func (p *LLIPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.nodes) - len(p.free)
}

// Cap returns the size of the pool.
func (p *LLIPool) Cap() int {
	return len(p.nodes)
}
