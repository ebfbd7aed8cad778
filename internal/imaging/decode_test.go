// internal/imaging/decode_test.go
package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: uint8((x + y) % 256), A: 0xff})
		}
	}
	return img
}

func TestDecode_ShapeAndRange(t *testing.T) {
	var jpg bytes.Buffer
	require.NoError(t, jpeg.Encode(&jpg, gradient(320, 200), nil))

	inputs := map[string][]byte{
		"png":  encodePNG(t, gradient(97, 301)),
		"jpeg": jpg.Bytes(),
	}

	for name, raw := range inputs {
		t.Run(name, func(t *testing.T) {
			d, err := Decode(bytes.NewReader(raw), Options{})
			require.NoError(t, err)

			assert.Equal(t, DefaultSize, d.Tensor.Height)
			assert.Equal(t, DefaultSize, d.Tensor.Width)
			assert.Len(t, d.Tensor.Data, DefaultSize*DefaultSize*Channels)
			assert.Equal(t, []int64{1, 224, 224, 3}, d.Tensor.Shape())
			for i, v := range d.Tensor.Data {
				if v < 0 || v > 1 {
					t.Fatalf("value %d out of range: %f", i, v)
				}
			}
			assert.Equal(t, image.Rect(0, 0, DefaultSize, DefaultSize), d.Image.Bounds())
			assert.Equal(t, name, d.Format)
		})
	}
}

func TestDecode_GrayscaleReplicatesChannels(t *testing.T) {
	gray := image.NewGray(image.Rect(0, 0, DefaultSize, DefaultSize))
	for i := range gray.Pix {
		gray.Pix[i] = uint8(i * 7 % 256)
	}

	d, err := Decode(bytes.NewReader(encodePNG(t, gray)), Options{})
	require.NoError(t, err)

	for y := 0; y < DefaultSize; y++ {
		for x := 0; x < DefaultSize; x++ {
			want := float32(gray.GrayAt(x, y).Y) / 255
			r, g, b := d.Tensor.At(y, x, 0), d.Tensor.At(y, x, 1), d.Tensor.At(y, x, 2)
			if r != g || g != b {
				t.Fatalf("channels differ at (%d,%d): %f %f %f", x, y, r, g, b)
			}
			assert.InDelta(t, want, r, 1e-6)
		}
	}
}

func TestDecode_AlphaIsDropped(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, DefaultSize, DefaultSize))
	for y := 0; y < DefaultSize; y++ {
		for x := 0; x < DefaultSize; x++ {
			src.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 200, A: uint8((x * y) % 256)})
		}
	}

	d, err := Decode(bytes.NewReader(encodePNG(t, src)), Options{})
	require.NoError(t, err)

	for _, p := range []image.Point{{0, 0}, {5, 9}, {100, 3}, {223, 223}} {
		c := src.NRGBAAt(p.X, p.Y)
		assert.InDelta(t, float32(c.R)/255, d.Tensor.At(p.Y, p.X, 0), 1e-6)
		assert.InDelta(t, float32(c.G)/255, d.Tensor.At(p.Y, p.X, 1), 1e-6)
		assert.InDelta(t, float32(c.B)/255, d.Tensor.At(p.Y, p.X, 2), 1e-6)
		assert.Equal(t, uint8(0xff), d.Image.RGBAAt(p.X, p.Y).A)
	}
}

func TestDecode_KeepsUnnormalizedCopy(t *testing.T) {
	src := gradient(DefaultSize, DefaultSize)
	d, err := Decode(bytes.NewReader(encodePNG(t, src)), Options{})
	require.NoError(t, err)

	assert.Equal(t, src.Pix, d.Image.Pix)
	assert.InDelta(t, float32(src.RGBAAt(10, 20).R)/255, d.Tensor.At(20, 10, 0), 1e-6)
}

func TestDecode_NotAnImage(t *testing.T) {
	_, err := Decode(strings.NewReader("this is definitely not an image"), Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestDecode_Empty(t *testing.T) {
	_, err := Decode(bytes.NewReader(nil), Options{})
	assert.ErrorIs(t, err, ErrDecode)
}

func TestDecode_TooLarge(t *testing.T) {
	raw := encodePNG(t, gradient(64, 64))

	_, err := Decode(bytes.NewReader(raw), Options{MaxBytes: int64(len(raw) - 1)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.NotErrorIs(t, err, ErrDecode)

	d, err := Decode(bytes.NewReader(raw), Options{MaxBytes: int64(len(raw))})
	require.NoError(t, err)
	assert.NotNil(t, d.Tensor)
}

func TestDecode_TruncatedStream(t *testing.T) {
	raw := encodePNG(t, gradient(64, 64))
	r := io.MultiReader(bytes.NewReader(raw[:len(raw)/2]), iotest.ErrReader(io.ErrUnexpectedEOF))

	_, err := Decode(r, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRead)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.NotErrorIs(t, err, ErrPayloadTooLarge)
}

func TestDecode_CustomSize(t *testing.T) {
	d, err := Decode(bytes.NewReader(encodePNG(t, gradient(50, 40))), Options{Size: 32})
	require.NoError(t, err)
	assert.Equal(t, 32, d.Tensor.Width)
	assert.Len(t, d.Tensor.Data, 32*32*3)
}
