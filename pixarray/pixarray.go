package pixarray

import (
	"fmt"
)

const (
	GRB = iota
	BRG
	BGR
	GBR
	RGB
	RBG
)

var StringOrders map[string]int = map[string]int{
	"GRB": GRB,
	"BRG": BRG,
	"BGR": BGR,
	"GBR": GBR,
	"RGB": RGB,
	"RBG": RBG,
}

var offsets map[int][]int = map[int][]int{
	GRB: {0, 1, 2, -1},
	BRG: {2, 1, 0, -1},
	BGR: {1, 2, 0, -1},
	GBR: {0, 2, 1, -1},
	RGB: {1, 0, 2, -1},
	RBG: {2, 0, 1, -1},
}

type Pixel struct {
	R int
	G int
	B int
	W int
}

func (p *Pixel) String() string {
	if p.W != -1 {
		return fmt.Sprintf("%02x%02x%02x%02x", p.R, p.G, p.B, p.W)
	}
	return fmt.Sprintf("%02x%02x%02x", p.R, p.G, p.B)
}

// PixArray is a strip of pixels plus the patterns that can be painted on it.
type PixArray struct {
	numPixels int
	numColors int
	leds      LEDStrip
}

func NewPixArray(numPixels int, numColors int, leds LEDStrip) *PixArray {
	return &PixArray{numPixels, numColors, leds}
}

func (pa *PixArray) NumPixels() int {
	return pa.numPixels
}

func (pa *PixArray) NumColors() int {
	return pa.numColors
}

func (pa *PixArray) MaxPerChannel() int {
	return pa.leds.MaxPerChannel()
}

func (pa *PixArray) Write() error {
	return pa.leds.Write()
}

func (pa *PixArray) GetPixels() []Pixel {
	p := make([]Pixel, pa.numPixels)
	for i := 0; i < pa.numPixels; i++ {
		p[i] = pa.leds.GetPixel(i)
	}
	return p
}

func (pa *PixArray) GetPixel(i int) Pixel {
	return pa.leds.GetPixel(i)
}

func (pa *PixArray) SetAll(p Pixel) {
	for i := 0; i < pa.numPixels; i++ {
		pa.leds.SetPixel(i, p)
	}
}

func (pa *PixArray) SetOne(i int, p Pixel) {
	pa.leds.SetPixel(i, p)
}
