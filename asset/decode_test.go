package asset

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

// testImage returns a 3x2 image with distinct opaque pixels.
func testImage() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	for y := range 2 {
		for x := range 3 {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 80), G: uint8(y * 120), B: 0x40, A: 0xff})
		}
	}
	return img
}

func writeFile(t *testing.T, dir, name string, encode func(io.Writer, image.Image) error) string {
	t.Helper()
	var buf bytes.Buffer
	if err := encode(&buf, testImage()); err != nil {
		t.Fatalf("encode %s: %v", name, err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDecodeFormats(t *testing.T) {
	tests := []struct {
		name   string
		format string
		encode func(io.Writer, image.Image) error
	}{
		{"png", "png", png.Encode},
		{"bmp", "bmp", bmp.Encode},
		{"tiff", "tiff", func(w io.Writer, m image.Image) error { return tiff.Encode(w, m, nil) }},
	}

	want := testImage().Pix
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := tt.encode(&buf, testImage()); err != nil {
				t.Fatal(err)
			}
			px, err := Decode(&buf)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if px.Width != 3 || px.Height != 2 {
				t.Errorf("size = %dx%d, want 3x2", px.Width, px.Height)
			}
			if px.Format != tt.format {
				t.Errorf("Format = %q, want %q", px.Format, tt.format)
			}
			if !bytes.Equal(px.RGBA, want) {
				t.Errorf("RGBA = %v, want %v", px.RGBA, want)
			}
		})
	}
}

func TestDecodeCorrupt(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte("definitely not an image")))
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("err = %v, want ErrDecode", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, testImage()); err != nil {
		t.Fatal(err)
	}
	_, err = Decode(bytes.NewReader(buf.Bytes()[:buf.Len()/2]))
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("truncated png: err = %v, want ErrDecode", err)
	}
}

func TestDecodeFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "ok.png", png.Encode)

	px, err := DecodeFile(path)
	if err != nil {
		t.Fatalf("DecodeFile: %v", err)
	}
	if len(px.RGBA) != 3*2*4 {
		t.Errorf("len(RGBA) = %d, want 24", len(px.RGBA))
	}

	_, err = DecodeFile(filepath.Join(dir, "missing.png"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("missing file: err = %v, want fs.ErrNotExist", err)
	}

	bad := filepath.Join(dir, "bad.png")
	if err := os.WriteFile(bad, []byte("garbage"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeFile(bad); !errors.Is(err, ErrDecode) {
		t.Errorf("corrupt file: err = %v, want ErrDecode", err)
	}
}

func TestLoadAll(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		writeFile(t, dir, "a.png", png.Encode),
		writeFile(t, dir, "b.bmp", bmp.Encode),
		writeFile(t, dir, "c.png", png.Encode),
	}

	all, err := LoadAll(context.Background(), paths)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(all) != len(paths) {
		t.Fatalf("len = %d, want %d", len(all), len(paths))
	}
	if all[1].Format != "bmp" {
		t.Errorf("all[1].Format = %q, want bmp (order must follow paths)", all[1].Format)
	}

	paths = append(paths, filepath.Join(dir, "missing.png"))
	if _, err := LoadAll(context.Background(), paths); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("err = %v, want fs.ErrNotExist", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := LoadAll(ctx, paths[:1]); !errors.Is(err, context.Canceled) {
		t.Errorf("canceled: err = %v, want context.Canceled", err)
	}
}

func TestFromImageOffsetBounds(t *testing.T) {
	src := testImage().SubImage(image.Rect(1, 1, 3, 2))
	px := FromImage(src)
	if px.Width != 2 || px.Height != 1 {
		t.Fatalf("size = %dx%d, want 2x1", px.Width, px.Height)
	}
	want := testImage().NRGBAAt(1, 1)
	got := color.NRGBA{R: px.RGBA[0], G: px.RGBA[1], B: px.RGBA[2], A: px.RGBA[3]}
	if got != want {
		t.Errorf("first pixel = %v, want %v", got, want)
	}
}

func TestResizeAndFit(t *testing.T) {
	px := FromImage(testImage())

	r, err := px.Resize(6, 4)
	if err != nil {
		t.Fatal(err)
	}
	if r.Width != 6 || r.Height != 4 || len(r.RGBA) != 6*4*4 {
		t.Errorf("Resize: %dx%d with %d bytes", r.Width, r.Height, len(r.RGBA))
	}
	if _, err := px.Resize(0, 4); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("Resize(0, 4): err = %v, want ErrInvalidSize", err)
	}

	same, err := px.Fit(8)
	if err != nil || same != px {
		t.Errorf("Fit within limit should return px unchanged, got %p, %v", same, err)
	}
	small, err := px.Fit(1)
	if err != nil {
		t.Fatal(err)
	}
	if small.Width != 1 || small.Height != 1 {
		t.Errorf("Fit(1) = %dx%d, want 1x1", small.Width, small.Height)
	}
	if _, err := px.Fit(0); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("Fit(0): err = %v, want ErrInvalidSize", err)
	}
}
