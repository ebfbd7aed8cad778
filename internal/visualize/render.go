// internal/visualize/render.go
package visualize

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/SyedDaiam9101/mri-classifier/internal/attention"
)

const (
	captionHeight = 20
	gutter        = 8
	// overlayAlpha is the heatmap opacity over the original (~0.5).
	overlayAlpha = 128
)

// Panel captions.
const (
	CaptionOriginal    = "Original"
	CaptionOverlay     = "Attention overlay"
	CaptionUnavailable = "Attention map unavailable"
)

// ErrRender means the visualization could not be produced.
var ErrRender = errors.New("render failed")

var encoder = png.Encoder{CompressionLevel: png.BestSpeed}

// Render composes the visualization and returns it as base64 PNG.
func Render(original *image.RGBA, grid *attention.Grid) (string, error) {
	img, err := Compose(original, grid)
	if err != nil {
		return "", err
	}
	return EncodeBase64PNG(img)
}

// Compose lays out the visualization. With a grid it is the original next to
// the original under a jet heatmap; without one it is the original alone,
// captioned as missing its overlay.
func Compose(original *image.RGBA, grid *attention.Grid) (*image.RGBA, error) {
	if original == nil || original.Bounds().Empty() {
		return nil, fmt.Errorf("%w: no image", ErrRender)
	}
	b := original.Bounds()
	w, h := b.Dx(), b.Dy()

	if grid == nil {
		canvas := newCanvas(w, h+captionHeight)
		draw.Draw(canvas, image.Rect(0, captionHeight, w, h+captionHeight), original, b.Min, draw.Src)
		caption(canvas, 0, w, CaptionUnavailable)
		return canvas, nil
	}

	heat, err := Heatmap(grid)
	if err != nil {
		return nil, err
	}
	if heat.Bounds().Dx() != w || heat.Bounds().Dy() != h {
		return nil, fmt.Errorf("%w: grid is %dx%d, image is %dx%d", ErrRender, grid.Size, grid.Size, w, h)
	}

	canvas := newCanvas(2*w+gutter, h+captionHeight)
	left := image.Rect(0, captionHeight, w, h+captionHeight)
	right := left.Add(image.Pt(w+gutter, 0))

	draw.Draw(canvas, left, original, b.Min, draw.Src)
	draw.Draw(canvas, right, original, b.Min, draw.Src)
	draw.DrawMask(canvas, right, heat, image.Point{}, image.NewUniform(color.Alpha{A: overlayAlpha}), image.Point{}, draw.Over)

	caption(canvas, 0, w, CaptionOriginal)
	caption(canvas, w+gutter, w, CaptionOverlay)
	return canvas, nil
}

// Heatmap colours grid with the jet colormap.
func Heatmap(grid *attention.Grid) (*image.RGBA, error) {
	if grid == nil || grid.Size <= 0 || len(grid.Values) != grid.Size*grid.Size {
		return nil, fmt.Errorf("%w: malformed attention grid", ErrRender)
	}
	img := image.NewRGBA(image.Rect(0, 0, grid.Size, grid.Size))
	for y := 0; y < grid.Size; y++ {
		for x := 0; x < grid.Size; x++ {
			img.SetRGBA(x, y, Jet(grid.At(y, x)))
		}
	}
	return img, nil
}

// Jet maps v in [0,1] from dark blue through green to dark red.
func Jet(v float32) color.RGBA {
	v = min(max(v, 0), 1)
	channel := func(center float32) uint8 {
		d := 4*v - center
		if d < 0 {
			d = -d
		}
		c := min(max(1.5-d, 0), 1)
		return uint8(c * 255)
	}
	return color.RGBA{R: channel(3), G: channel(2), B: channel(1), A: 0xff}
}

// EncodeBase64PNG encodes img as PNG into a fresh buffer and returns it as
// standard base64.
func EncodeBase64PNG(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := encoder.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRender, err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func newCanvas(w, h int) *image.RGBA {
	canvas := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(canvas, canvas.Bounds(), image.White, image.Point{}, draw.Src)
	return canvas
}

// caption centres text in the caption bar above the panel starting at x.
func caption(dst *image.RGBA, x, width int, text string) {
	face := basicfont.Face7x13
	d := &font.Drawer{Dst: dst, Src: image.Black, Face: face}
	adv := d.MeasureString(text).Ceil()
	left := x + max((width-adv)/2, 0)
	baseline := (captionHeight + face.Ascent - face.Descent) / 2
	d.Dot = fixed.P(left, baseline)
	d.DrawString(text)
}
