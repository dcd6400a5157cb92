package pixarray

// LEDStrip is a string of addressable LEDs behind a PixArray.
type LEDStrip interface {
	MaxPerChannel() int
	GetPixel(i int) Pixel
	SetPixel(i int, p Pixel)
	Write() error
}
