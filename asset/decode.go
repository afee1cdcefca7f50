package asset

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"runtime"

	// Registered image formats.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"
)

// ErrDecode is returned when image data cannot be decoded.
var ErrDecode = errors.New("asset: cannot decode image")

// ErrInvalidSize is returned for non-positive resize dimensions.
var ErrInvalidSize = errors.New("asset: invalid size")

// Pixels is a decoded image: Width*Height non-premultiplied RGBA8 texels,
// rows top to bottom with no padding.
type Pixels struct {
	Width  uint32
	Height uint32
	RGBA   []byte
	// Format is the name of the decoder that produced the pixels, e.g. "png".
	Format string
}

// Decode reads one image from r.
func Decode(r io.Reader) (*Pixels, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	px := FromImage(img)
	if px.Width == 0 || px.Height == 0 {
		return nil, fmt.Errorf("%w: empty %s image", ErrDecode, format)
	}
	px.Format = format
	return px, nil
}

// DecodeFile opens and decodes the image at path.
func DecodeFile(path string) (*Pixels, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	px, err := Decode(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return px, nil
}

// LoadAll decodes paths concurrently. The result is in the order of paths.
// The first failure cancels the remaining work and is returned.
func LoadAll(ctx context.Context, paths []string) ([]*Pixels, error) {
	out := make([]*Pixels, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			px, err := DecodeFile(path)
			if err != nil {
				return err
			}
			out[i] = px
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// FromImage converts img to Pixels.
func FromImage(img image.Image) *Pixels {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	if n, ok := img.(*image.NRGBA); ok && n.Stride == 4*w && b.Min == (image.Point{}) {
		return &Pixels{Width: uint32(w), Height: uint32(h), RGBA: append([]byte(nil), n.Pix[:4*w*h]...)}
	}

	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return &Pixels{Width: uint32(w), Height: uint32(h), RGBA: dst.Pix}
}

// Image returns the pixels as an *image.NRGBA sharing px.RGBA.
func (px *Pixels) Image() *image.NRGBA {
	return &image.NRGBA{
		Pix:    px.RGBA,
		Stride: 4 * int(px.Width),
		Rect:   image.Rect(0, 0, int(px.Width), int(px.Height)),
	}
}

// Resize returns a copy scaled to width x height with bilinear filtering.
func (px *Pixels) Resize(width, height uint32) (*Pixels, error) {
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidSize, width, height)
	}
	if width == px.Width && height == px.Height {
		return &Pixels{Width: width, Height: height, RGBA: append([]byte(nil), px.RGBA...), Format: px.Format}, nil
	}
	dst := image.NewNRGBA(image.Rect(0, 0, int(width), int(height)))
	draw.BiLinear.Scale(dst, dst.Bounds(), px.Image(), px.Image().Bounds(), draw.Src, nil)
	return &Pixels{Width: width, Height: height, RGBA: dst.Pix, Format: px.Format}, nil
}

// Fit returns px scaled down, keeping its aspect ratio, so that neither side
// exceeds limit. Pixels already within the limit are returned unchanged.
func (px *Pixels) Fit(limit uint32) (*Pixels, error) {
	if limit == 0 {
		return nil, fmt.Errorf("%w: limit 0", ErrInvalidSize)
	}
	if px.Width <= limit && px.Height <= limit {
		return px, nil
	}
	w, h := uint64(limit), uint64(limit)
	if px.Width >= px.Height {
		h = max(1, uint64(px.Height)*uint64(limit)/uint64(px.Width))
	} else {
		w = max(1, uint64(px.Width)*uint64(limit)/uint64(px.Height))
	}
	return px.Resize(uint32(w), uint32(h))
}
