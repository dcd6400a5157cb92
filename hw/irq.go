package hw

import (
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	mmap "github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
)

// UIO is a controller exposed through the Linux userspace I/O framework: map 0 of the device
// holds the registers and reading the device file blocks until the interrupt line fires.
type UIO struct {
	f     *os.File
	mm    mmap.MMap
	count uint32
}

// OpenUIO opens a UIO device (e.g. /dev/uio0) and maps size bytes of its first region.
func OpenUIO(dev string, size int) (*UIO, error) {
	f, err := os.OpenFile(dev, os.O_RDWR, os.ModePerm)
	if err != nil {
		return nil, fmt.Errorf("couldn't open %s: %w", dev, err)
	}
	// UIO selects map N with offset N*pagesize.
	mm, err := mmap.MapRegion(f, size, mmap.RDWR, 0, 0)
	if err != nil {
		f.Close() // Ignore error
		return nil, fmt.Errorf("couldn't map %s: %w", dev, err)
	}
	log.Printf("Mapped %d bytes of %s\n", len(mm), dev)
	u := &UIO{f: f, mm: mm}
	if err := u.Ack(); err != nil {
		u.Close() // Ignore error
		return nil, err
	}
	return u, nil
}

// Read32 implements Regs.
func (u *UIO) Read32(off uint32) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&u.mm[off])))
}

// Write32 implements Regs.
func (u *UIO) Write32(off uint32, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&u.mm[off])), v)
}

// Wait blocks for up to timeout for the interrupt line. It reports whether an interrupt arrived.
func (u *UIO) Wait(timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(u.f.Fd()), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err == unix.EINTR {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("couldn't poll uio: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	b := make([]byte, 4)
	if _, err := u.f.Read(b); err != nil {
		return false, fmt.Errorf("couldn't read uio event count: %w", err)
	}
	u.count = binary.LittleEndian.Uint32(b)
	return true, nil
}

// Ack re-enables the interrupt line after it fired.
func (u *UIO) Ack() error {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, 1)
	if _, err := u.f.Write(b); err != nil {
		return fmt.Errorf("couldn't re-enable uio interrupt: %w", err)
	}
	return nil
}

// Events returns the interrupt count the kernel reported on the last Wait.
func (u *UIO) Events() uint32 {
	return u.count
}

func (u *UIO) Close() error {
	var err error
	if u.mm != nil {
		err = u.mm.Unmap()
		u.mm = nil
	}
	if te := u.f.Close(); err == nil {
		err = te
	}
	return err
}

// Poller stands in for an interrupt line on controllers mapped through /dev/mem, by polling the
// combined interrupt status register.
type Poller struct {
	regs     Regs
	interval time.Duration
}

func NewPoller(regs Regs, interval time.Duration) *Poller {
	return &Poller{regs, interval}
}

// Wait implements the engine's interrupt source.
func (p *Poller) Wait(timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		if p.regs.Read32(RegStatusInt) != 0 {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		time.Sleep(p.interval)
	}
}

// Ack implements the engine's interrupt source. There's no line to re-enable.
func (p *Poller) Ack() error {
	return nil
}
