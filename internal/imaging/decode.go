// internal/imaging/decode.go
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	// DefaultSize is the square edge the classifier expects.
	DefaultSize = 224
	// DefaultMaxBytes is the upload limit (10 MiB).
	DefaultMaxBytes int64 = 10 << 20
	// Channels is the number of color channels in a Tensor.
	Channels = 3
)

var (
	// ErrPayloadTooLarge is returned when an upload exceeds the configured limit.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrDecode is returned when the bytes are not a supported image encoding.
	ErrDecode = errors.New("cannot decode image")
	// ErrRead is returned when the upload stream ends early or breaks.
	ErrRead = errors.New("cannot read upload")
)

// Options controls decoding limits and the output size.
type Options struct {
	MaxBytes int64
	Size     int
}

func (o Options) withDefaults() Options {
	if o.MaxBytes <= 0 {
		o.MaxBytes = DefaultMaxBytes
	}
	if o.Size <= 0 {
		o.Size = DefaultSize
	}
	return o
}

// Decoded is the result of Decode: the normalized tensor handed to the model and
// the channel-corrected, resized image kept for compositing.
type Decoded struct {
	Tensor *Tensor
	Image  *image.RGBA
	Format string
}

// Decode reads at most opts.MaxBytes from r and decodes them.
func Decode(r io.Reader, opts Options) (*Decoded, error) {
	opts = opts.withDefaults()
	raw, err := ReadLimited(r, opts.MaxBytes)
	if err != nil {
		return nil, err
	}
	return DecodeBytes(raw, opts)
}

// ReadLimited reads the whole upload, failing with ErrPayloadTooLarge as soon as
// more than max bytes are available. A broken stream wraps ErrRead and keeps
// the transport error in the chain.
func ReadLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		max = DefaultMaxBytes
	}
	raw, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRead, err)
	}
	if int64(len(raw)) > max {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrPayloadTooLarge, max)
	}
	return raw, nil
}

// DecodeBytes decodes an in-memory upload into a Size×Size RGB tensor.
func DecodeBytes(raw []byte, opts Options) (*Decoded, error) {
	opts = opts.withDefaults()
	if int64(len(raw)) > opts.MaxBytes {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrPayloadTooLarge, opts.MaxBytes)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty upload", ErrDecode)
	}

	src, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if src.Bounds().Empty() {
		return nil, fmt.Errorf("%w: image has no pixels", ErrDecode)
	}

	resized := fit(toRGB(src), opts.Size)

	return &Decoded{
		Tensor: NewTensor(resized),
		Image:  resized,
		Format: format,
	}, nil
}

// toRGB copies src into an opaque RGBA image. Gray sources end up with equal
// channels and alpha is discarded without premultiplying the color values.
func toRGB(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))

	switch src.(type) {
	case *image.YCbCr, *image.Gray, *image.Gray16, *image.CMYK:
		// Opaque models convert exactly through draw.
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
		return dst
	}

	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.NRGBAModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			i := dst.PixOffset(x, y)
			dst.Pix[i+0] = c.R
			dst.Pix[i+1] = c.G
			dst.Pix[i+2] = c.B
			dst.Pix[i+3] = 0xff
		}
	}
	return dst
}

// fit resizes img to size×size with Lanczos3. Images already at that size are
// returned untouched.
func fit(img *image.RGBA, size int) *image.RGBA {
	b := img.Bounds()
	if b.Dx() == size && b.Dy() == size {
		return img
	}

	out := resize.Resize(uint(size), uint(size), img, resize.Lanczos3)
	dst, ok := out.(*image.RGBA)
	if !ok || dst.Bounds().Min != (image.Point{}) {
		dst = image.NewRGBA(image.Rect(0, 0, size, size))
		draw.Draw(dst, dst.Bounds(), out, out.Bounds().Min, draw.Src)
	}
	// Lanczos ringing must not leak into alpha.
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}
	return dst
}
