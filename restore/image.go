package restore

import (
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"

	resize "github.com/nfnt/resize"
	"golang.org/x/image/draw"
)

// imageToNCHW converts an image to a float32 NCHW tensor in [0,1] RGB at the
// given working resolution. Transparency is flattened over a white background
// and the image is resized with bicubic resampling.
func imageToNCHW(img image.Image, width, height int) []float32 {
	b := img.Bounds()
	flat := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(flat, flat.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(flat, flat.Bounds(), img, b.Min, draw.Over)

	var dst image.Image = flat
	if b.Dx() != width || b.Dy() != height {
		dst = resize.Resize(uint(width), uint(height), flat, resize.Bicubic)
	}

	numPixels := width * height
	data := make([]float32, 3*numPixels)
	rOff, gOff, bOff := 0, numPixels, 2*numPixels
	idx := 0
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := color.RGBAModel.Convert(dst.At(x, y)).(color.RGBA)
			data[rOff+idx] = float32(c.R) / 255.0
			data[gOff+idx] = float32(c.G) / 255.0
			data[bOff+idx] = float32(c.B) / 255.0
			idx++
		}
	}
	return data
}

// nchwToImage converts a float32 NCHW tensor in [0,1] RGB back to an image.
// Values outside [0,1] are clamped.
func nchwToImage(data []float32, width, height int) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, width, height))
	numPixels := width * height
	rOff, gOff, bOff := 0, numPixels, 2*numPixels
	idx := 0
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			out.SetRGBA(x, y, color.RGBA{
				R: clampByte(data[rOff+idx]),
				G: clampByte(data[gOff+idx]),
				B: clampByte(data[bOff+idx]),
				A: 255,
			})
			idx++
		}
	}
	return out
}

func clampByte(v float32) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	default:
		return uint8(v*255 + 0.5)
	}
}
