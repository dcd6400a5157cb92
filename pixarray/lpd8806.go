package pixarray

import (
	"fmt"
	"time"

	"github.com/Jon-Bright/dmactl/dma"
	"github.com/Jon-Bright/dmactl/hw"
)

// LPD8806 drives an LPD8806 strip through an SPI transmit FIFO. Every Write is one
// scatter-gather transfer of the whole frame, and waits for it to finish.
type LPD8806 struct {
	ba      *baseArray
	vc      *dma.VChan
	buf     hw.Mem
	n       int // Bytes sent per frame, pixels plus latch
	done    chan dma.Result
	Timeout time.Duration
}

// NewLPD8806 sends frames from buf to the SPI FIFO at bus address fifo. buf has to hold
// numPixels*3 bytes plus one latch byte per 32 pixels.
func NewLPD8806(vc *dma.VChan, buf hw.Mem, fifo uint32, handshake int, numPixels int, order int) (*LPD8806, error) {
	numReset := (numPixels + 31) / 32
	n := numPixels*3 + numReset
	if len(buf.Buf()) < n {
		return nil, fmt.Errorf("%d byte buffer too small for %d pixels", len(buf.Buf()), numPixels)
	}
	err := vc.Configure(dma.SlaveConfig{
		DstAddr:   fifo,
		SrcWidth:  1,
		DstWidth:  1,
		SrcBurst:  1,
		DstBurst:  1,
		Handshake: handshake,
	})
	if err != nil {
		return nil, fmt.Errorf("couldn't configure %v: %v", vc, err)
	}
	val := buf.Buf()[:n]
	la := LPD8806{
		ba:      newBaseArray(numPixels, val[:numPixels*3], order),
		vc:      vc,
		buf:     buf,
		n:       n,
		done:    make(chan dma.Result, 1),
		Timeout: time.Second,
	}
	la.ba.clear()
	for i := numPixels * 3; i < n; i++ {
		val[i] = 0
	}
	return &la, nil
}

func (la *LPD8806) MaxPerChannel() int {
	return 127
}

func (la *LPD8806) GetPixel(i int) Pixel {
	return la.ba.GetPixel(i)
}

func (la *LPD8806) SetPixel(i int, p Pixel) {
	la.ba.SetPixel(i, p)
}

func (la *LPD8806) segments() []dma.Segment {
	var segs []dma.Segment
	addr := uint32(la.buf.PhysAddr())
	for left := la.n; left > 0; {
		l := left
		if l > dma.MaxBlockLen {
			l = dma.MaxBlockLen
		}
		segs = append(segs, dma.Segment{Addr: addr, Len: l})
		addr += uint32(l)
		left -= l
	}
	return segs
}

func (la *LPD8806) Write() error {
	// Drop a result that turned up after an earlier Write gave up on it
	select {
	case <-la.done:
	default:
	}
	cb := dma.NotifyFunc(func(r dma.Result) {
		la.done <- r
	})
	if _, err := la.vc.SubmitScatterGather(la.segments(), dma.MemToDev, cb); err != nil {
		return fmt.Errorf("couldn't submit frame: %v", err)
	}
	if err := la.vc.IssuePending(); err != nil {
		la.vc.Terminate() // Ignore error
		return fmt.Errorf("couldn't issue frame: %v", err)
	}
	select {
	case r := <-la.done:
		if r != dma.ResultSuccess {
			la.vc.Terminate() // Ignore error
			return fmt.Errorf("frame transfer: %v", r)
		}
	case <-time.After(la.Timeout):
		la.vc.Terminate() // Ignore error
		return fmt.Errorf("frame transfer didn't finish within %v", la.Timeout)
	}
	return nil
}

// Close gives the channel back to the engine.
func (la *LPD8806) Close() error {
	return la.vc.Release()
}
