package pixarray

// baseArray is a packed 3-byte-per-pixel buffer in the 7-bit format LPD8806 chips take: the
// top bit of every byte is set, the colour sits in the low seven.
type baseArray struct {
	numPixels int
	pixels    []byte
	g         int
	r         int
	b         int
}

func newBaseArray(numPixels int, pixels []byte, order int) *baseArray {
	offsets := offsets[order]
	ba := baseArray{numPixels, pixels, offsets[0], offsets[1], offsets[2]}
	return &ba
}

func (ba *baseArray) NumPixels() int {
	return ba.numPixels
}

func (ba *baseArray) GetPixel(i int) Pixel {
	return Pixel{
		R: int(ba.pixels[i*3+ba.r]) & 0x7f,
		G: int(ba.pixels[i*3+ba.g]) & 0x7f,
		B: int(ba.pixels[i*3+ba.b]) & 0x7f,
		W: -1,
	}
}

func (ba *baseArray) SetPixel(i int, p Pixel) {
	ba.pixels[i*3+ba.g] = byte(0x80 | p.G)
	ba.pixels[i*3+ba.r] = byte(0x80 | p.R)
	ba.pixels[i*3+ba.b] = byte(0x80 | p.B)
}

// clear sets every pixel to black.
func (ba *baseArray) clear() {
	for i := range ba.pixels {
		ba.pixels[i] = 0x80
	}
}
