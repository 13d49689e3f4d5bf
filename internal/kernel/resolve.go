package kernel

import (
	"image"
	"math"

	"golang.org/x/image/math/f32"

	"github.com/gogpu/sparsefb"
	"github.com/gogpu/sparsefb/internal/tile"
)

// srgbLUT maps a linear intensity quantized to 12 bits to its 8-bit sRGB
// encoding.
var srgbLUT [4096]uint8

func init() {
	for i := range srgbLUT {
		l := float64(i) / 4095
		var s float64
		if l <= 0.0031308 {
			s = l * 12.92
		} else {
			s = 1.055*math.Pow(l, 1/2.4) - 0.055
		}
		srgbLUT[i] = uint8(min(max(s*255+0.5, 0), 255)) //nolint:gosec // clamped to [0,255]
	}
}

// encodeSRGB converts a linear intensity to an 8-bit sRGB value.
func encodeSRGB(l float32) uint8 {
	l = min(max(l, 0), 1)
	return srgbLUT[int(l*4095+0.5)]
}

// encodeLinear converts an intensity to an 8-bit linear value.
func encodeLinear(l float32) uint8 {
	l = min(max(l, 0), 1)
	return uint8(l*255 + 0.5)
}

// Resolve writes the accumulated color of every owned tile into dst,
// encoded as the descriptor's color format (sRGB for ColorFormatSRGBA,
// linear otherwise; alpha is always linear). Pixels of tiles not owned by d
// are left untouched. Resolve does nothing without an accumulation buffer.
func Resolve(d *sparsefb.Descriptor, dst *image.RGBA) {
	if d == nil || d.Accumulation == nil {
		return
	}
	encode := encodeLinear
	if d.ColorFormat == sparsefb.ColorFormatSRGBA {
		encode = encodeSRGB
	}

	for slot := range d.Tiles {
		r := d.Tiles[slot].Region.Intersect(dst.Rect)
		base := d.Accumulation[slot*tile.Pixels : (slot+1)*tile.Pixels]
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				c := base[tile.PixelOffset(x-d.Tiles[slot].Region.Min.X, y-d.Tiles[slot].Region.Min.Y)]
				setPixel(dst, x, y, c, encode)
			}
		}
	}
}

func setPixel(dst *image.RGBA, x, y int, c f32.Vec4, encode func(float32) uint8) {
	i := dst.PixOffset(x, y)
	p := dst.Pix[i : i+4 : i+4]
	p[0] = encode(c[0])
	p[1] = encode(c[1])
	p[2] = encode(c[2])
	p[3] = encodeLinear(c[3])
}
