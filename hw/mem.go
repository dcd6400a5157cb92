package hw

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"
	"unsafe"

	mmap "github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
)

const MEM_FILE = "/dev/mem"

// Mem is a section of memory that the DMA controller can address.
//
// It is physically contiguous, so Close must be called before process exit.
type Mem interface {
	io.Closer
	Buf() []byte
	// PhysAddr is the address the controller sees for Buf()[0].
	PhysAddr() uint64
}

// mapMem opens /dev/mem and uses mmap to map a given physical address into our address space.
// Since the mapping has to start at a page boundary, the physical address is rounded down to the
// nearest page boundary. mapMem returns the mapped memory and the offset that should be used to
// access it (=physAddr%pagesize).
func mapMem(physAddr uintptr, size int) (mmap.MMap, uintptr, error) {
	f, err := os.OpenFile(MEM_FILE, os.O_RDWR|os.O_SYNC, os.ModePerm)
	if err != nil {
		return nil, 0, fmt.Errorf("couldn't open %s: %w", MEM_FILE, err)
	}
	defer f.Close() // Ignore error, the mapping survives it

	pagesize := uintptr(unix.Getpagesize())
	pagemask := ^(pagesize - 1)
	mapAddr := physAddr & pagemask
	size += int(physAddr - mapAddr)
	log.Printf("MapRegion(f, %d, RDWR, 0, %08X), physAddr %08X\n", size, int64(mapAddr), physAddr)
	mm, err := mmap.MapRegion(f, size, mmap.RDWR, 0, int64(mapAddr))
	if err != nil {
		return nil, 0, fmt.Errorf("couldn't map region (%08X, %v): %w", physAddr, size, err)
	}
	return mm, physAddr & (pagesize - 1), nil
}

// Window is a Regs backed by mapped device memory.
type Window struct {
	mm   mmap.MMap
	offs uintptr
	size int
}

// MapPhys maps size bytes of register space at the given physical address.
func MapPhys(physAddr uintptr, size int) (*Window, error) {
	mm, offs, err := mapMem(physAddr, size)
	if err != nil {
		return nil, err
	}
	return &Window{mm, offs, size}, nil
}

func (w *Window) reg(off uint32) *uint32 {
	if int(off)+4 > w.size || off%4 != 0 {
		panic(fmt.Sprintf("hw: register offset %#x outside %d byte window", off, w.size))
	}
	return (*uint32)(unsafe.Pointer(&w.mm[w.offs+uintptr(off)]))
}

// Read32 implements Regs.
func (w *Window) Read32(off uint32) uint32 {
	return atomic.LoadUint32(w.reg(off))
}

// Write32 implements Regs.
func (w *Window) Write32(off uint32, v uint32) {
	atomic.StoreUint32(w.reg(off), v)
}

// Close unmaps the window.
func (w *Window) Close() error {
	if w.mm == nil {
		return nil
	}
	err := w.mm.Unmap()
	w.mm = nil
	return err
}

type physMem struct {
	mm   mmap.MMap
	buf  []byte
	phys uint64
}

// MapPhysMem maps a reserved, physically contiguous region of RAM for use as DMA memory. The
// region has to be kept away from the kernel allocator (e.g. with a reserved-memory node).
func MapPhysMem(physAddr uintptr, size int) (Mem, error) {
	mm, offs, err := mapMem(physAddr, size)
	if err != nil {
		return nil, err
	}
	return &physMem{mm, mm[offs : offs+uintptr(size)], uint64(physAddr)}, nil
}

// AllocAnon returns anonymous memory that pretends to live at physAddr. The controller can't
// actually reach it, so it's only useful with Sim.
func AllocAnon(size int, physAddr uint64) (Mem, error) {
	if size <= 0 {
		return nil, errors.New("hw: anonymous mapping needs a positive size")
	}
	mm, err := mmap.MapRegion(nil, size, mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, fmt.Errorf("couldn't map %d anonymous bytes: %w", size, err)
	}
	return &physMem{mm, mm[:size], physAddr}, nil
}

func (m *physMem) Buf() []byte {
	return m.buf
}

func (m *physMem) PhysAddr() uint64 {
	return m.phys
}

func (m *physMem) Close() error {
	if m.mm == nil {
		return nil
	}
	err := m.mm.Unmap()
	m.mm = nil
	m.buf = nil
	return err
}
