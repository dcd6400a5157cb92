package pixarray

import (
	"encoding/binary"
	"fmt"
	"log"

	"github.com/Jon-Bright/dmactl/dma"
	"github.com/Jon-Bright/dmactl/hw"
)

// WS281x drives a WS281x strip from a PWM serializer. The symbol buffer is streamed into the
// PWM FIFO by a cyclic auto-reload transfer, so the strip is refreshed without any interrupts;
// Write pauses the ring, re-encodes the buffer and lets it run again.
type WS281x struct {
	numPixels int
	numColors int
	g         int
	r         int
	b         int
	w         int
	pixels    []byte
	vc        *dma.VChan
	buf       hw.Mem
	bufLen    int
	words     []uint32
	started   bool
}

const (
	SYMBOL_HIGH = 0x6 // 1 1 0
	SYMBOL_LOW  = 0x4 // 1 0 0

	// Bits per pixel color bit
	symbolBits = 3

	// Words of low output after the frame, long enough for the strip to latch at 800kHz
	resetWords = 10

	// The ring is split in two so the controller reloads halfway through
	ringPeriods = 2
)

// WS281xBufLen returns the size of symbol buffer NewWS281x needs.
func WS281xBufLen(numPixels int, numColors int) int {
	bits := numPixels * numColors * 8 * symbolBits
	words := (bits+31)/32 + resetWords
	words += words % ringPeriods
	return words * 4
}

// NewWS281x encodes into buf and streams it to the PWM FIFO at bus address fifo.
func NewWS281x(vc *dma.VChan, buf hw.Mem, fifo uint32, handshake int, numPixels int, numColors int, order int) (*WS281x, error) {
	n := WS281xBufLen(numPixels, numColors)
	if len(buf.Buf()) < n {
		return nil, fmt.Errorf("%d byte buffer too small for %d pixels, need %d", len(buf.Buf()), numPixels, n)
	}
	err := vc.Configure(dma.SlaveConfig{
		DstAddr:   fifo,
		SrcWidth:  4,
		DstWidth:  4,
		SrcBurst:  1,
		DstBurst:  1,
		Handshake: handshake,
	})
	if err != nil {
		return nil, fmt.Errorf("couldn't configure %v: %v", vc, err)
	}
	offsets := offsets[order]
	ws := WS281x{
		numPixels: numPixels,
		numColors: numColors,
		g:         offsets[0],
		r:         offsets[1],
		b:         offsets[2],
		w:         offsets[3],
		pixels:    make([]byte, numPixels*numColors),
		vc:        vc,
		buf:       buf,
		bufLen:    n,
		words:     make([]uint32, n/4),
	}
	if numColors == 4 && ws.w == -1 {
		// Orders only name three colors; white goes last
		ws.w = 3
	}
	return &ws, nil
}

func (ws *WS281x) MaxPerChannel() int {
	return 255
}

func (ws *WS281x) GetPixel(i int) Pixel {
	p := Pixel{int(ws.pixels[i*ws.numColors+ws.r]), int(ws.pixels[i*ws.numColors+ws.g]), int(ws.pixels[i*ws.numColors+ws.b]), -1}
	if ws.numColors == 4 {
		p.W = int(ws.pixels[i*ws.numColors+ws.w])
	}
	return p
}

func (ws *WS281x) SetPixel(i int, p Pixel) {
	ws.pixels[i*ws.numColors+ws.r] = byte(p.R)
	ws.pixels[i*ws.numColors+ws.g] = byte(p.G)
	ws.pixels[i*ws.numColors+ws.b] = byte(p.B)
	if ws.numColors == 4 {
		ws.pixels[i*ws.numColors+ws.w] = byte(p.W)
	}
}

// encode turns the pixels into PWM symbols, MSB first, and copies them into the DMA buffer.
func (ws *WS281x) encode() {
	for i := range ws.words {
		ws.words[i] = 0
	}
	rpPos := 0
	bitPos := 31
	for i := 0; i < ws.numPixels; i++ {
		for j := 0; j < ws.numColors; j++ {
			for k := 7; k >= 0; k-- {
				symbol := SYMBOL_LOW
				if (ws.pixels[i*ws.numColors+j] & (1 << uint(k))) != 0 {
					symbol = SYMBOL_HIGH
				}
				for l := symbolBits - 1; l >= 0; l-- {
					if (symbol & (1 << uint(l))) != 0 {
						ws.words[rpPos] |= 1 << uint(bitPos)
					}
					bitPos--
					if bitPos < 0 {
						rpPos++
						bitPos = 31
					}
				}
			}
		}
	}
	b := ws.buf.Buf()
	for i, w := range ws.words {
		binary.LittleEndian.PutUint32(b[i*4:], w)
	}
}

func (ws *WS281x) Write() error {
	if !ws.started {
		ws.encode()
		_, err := ws.vc.SubmitCyclic(uint32(ws.buf.PhysAddr()), ws.bufLen, ws.bufLen/ringPeriods, dma.MemToDev, false, nil)
		if err != nil {
			return fmt.Errorf("couldn't submit ring: %v", err)
		}
		if err := ws.vc.IssuePending(); err != nil {
			ws.vc.Terminate() // Ignore error
			return fmt.Errorf("couldn't start ring: %v", err)
		}
		log.Printf("WS281x ring running on %v, %d bytes", ws.vc, ws.bufLen)
		ws.started = true
		return nil
	}

	// We need the ring stopped before we start touching the buffer it's outputting
	if err := ws.vc.Pause(); err != nil {
		return fmt.Errorf("couldn't pause ring: %v", err)
	}
	ws.encode()
	if err := ws.vc.Resume(); err != nil {
		return fmt.Errorf("couldn't resume ring: %v", err)
	}
	return nil
}

// Close stops the ring and gives the channel back to the engine.
func (ws *WS281x) Close() error {
	ws.started = false
	return ws.vc.Release()
}
