package synthetic

import (
	"image"
)

// renderPattern draws frame n of the test desktop: a gradient scrolling
// horizontally with a moving bright bar.
func renderPattern(n uint64, width, height uint32) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, int(width), int(height)))
	barX := int(n*4) % int(width)
	for y := 0; y < int(height); y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < int(width); x++ {
			px := row[x*4 : x*4+4]
			if x >= barX && x < barX+8 {
				px[0], px[1], px[2], px[3] = 0xff, 0xff, 0xff, 0xff
				continue
			}
			px[0] = uint8(uint64(x) + n)
			px[1] = uint8(y)
			px[2] = uint8(n * 3)
			px[3] = 0xff
		}
	}
	return img
}
