// internal/visualize/render_test.go
package visualize

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SyedDaiam9101/mri-classifier/internal/attention"
)

func solid(size int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func decode(t *testing.T, blob string) image.Image {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(blob)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	return img
}

func flatGrid(size int, v float32) *attention.Grid {
	values := make([]float32, size*size)
	for i := range values {
		values[i] = v
	}
	return &attention.Grid{Size: size, Values: values}
}

func TestRender_SideBySide(t *testing.T) {
	gray := color.RGBA{R: 100, G: 100, B: 100, A: 0xff}
	blob, err := Render(solid(224, gray), flatGrid(224, 1))
	require.NoError(t, err)

	img := decode(t, blob)
	assert.Equal(t, 2*224+gutter, img.Bounds().Dx())
	assert.Equal(t, 224+captionHeight, img.Bounds().Dy())

	// Left panel is the untouched original.
	assert.Equal(t, gray, color.RGBAModel.Convert(img.At(100, captionHeight+100)))

	// Right panel is tinted towards the red end of jet.
	r, g, b, _ := img.At(224+gutter+100, captionHeight+100).RGBA()
	assert.Greater(t, r>>8, uint32(gray.R))
	assert.Less(t, g>>8, uint32(gray.G))
	assert.Less(t, b>>8, uint32(gray.B))
}

func TestRender_WithoutGrid(t *testing.T) {
	gray := color.RGBA{R: 40, G: 40, B: 40, A: 0xff}
	blob, err := Render(solid(224, gray), nil)
	require.NoError(t, err)

	img := decode(t, blob)
	assert.Equal(t, 224, img.Bounds().Dx())
	assert.Equal(t, 224+captionHeight, img.Bounds().Dy())
	assert.Equal(t, gray, color.RGBAModel.Convert(img.At(10, captionHeight+10)))

	// The caption bar carries some dark text pixels.
	var dark int
	for y := 0; y < captionHeight; y++ {
		for x := 0; x < 224; x++ {
			if r, _, _, _ := img.At(x, y).RGBA(); r < 0x8000 {
				dark++
			}
		}
	}
	assert.Positive(t, dark)
}

func TestRender_Errors(t *testing.T) {
	_, err := Render(nil, nil)
	assert.ErrorIs(t, err, ErrRender)

	_, err = Render(solid(224, color.RGBA{A: 0xff}), flatGrid(100, 0.5))
	assert.ErrorIs(t, err, ErrRender)

	_, err = Render(solid(224, color.RGBA{A: 0xff}), &attention.Grid{Size: 224, Values: []float32{1}})
	assert.ErrorIs(t, err, ErrRender)
}

func TestRender_Deterministic(t *testing.T) {
	src := solid(224, color.RGBA{R: 1, G: 2, B: 3, A: 0xff})
	a, err := Render(src, flatGrid(224, 0.3))
	require.NoError(t, err)
	b, err := Render(src, flatGrid(224, 0.3))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestJet(t *testing.T) {
	assert.Equal(t, color.RGBA{R: 0, G: 0, B: 127, A: 0xff}, Jet(0))
	assert.Equal(t, color.RGBA{R: 127, G: 0, B: 0, A: 0xff}, Jet(1))
	mid := Jet(0.5)
	assert.Equal(t, uint8(255), mid.G)
	assert.Equal(t, Jet(0), Jet(-3))
	assert.Equal(t, Jet(1), Jet(7))
}
