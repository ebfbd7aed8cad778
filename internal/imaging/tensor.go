// internal/imaging/tensor.go
package imaging

import "image"

// Tensor is an HWC float32 image with values in [0,1].
type Tensor struct {
	Height int
	Width  int
	Data   []float32
}

// NewTensor scales the RGB channels of img to [0,1]. Alpha is ignored.
func NewTensor(img *image.RGBA) *Tensor {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	t := &Tensor{Height: h, Width: w, Data: make([]float32, w*h*Channels)}

	const scale = 1.0 / 255.0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			p := img.PixOffset(b.Min.X+x, b.Min.Y+y)
			i := (y*w + x) * Channels
			t.Data[i+0] = float32(img.Pix[p+0]) * scale
			t.Data[i+1] = float32(img.Pix[p+1]) * scale
			t.Data[i+2] = float32(img.Pix[p+2]) * scale
		}
	}
	return t
}

// At returns the value at row y, column x, channel c.
func (t *Tensor) At(y, x, c int) float32 {
	return t.Data[(y*t.Width+x)*Channels+c]
}

// Shape returns the NHWC shape with a batch of one.
func (t *Tensor) Shape() []int64 {
	return []int64{1, int64(t.Height), int64(t.Width), Channels}
}
