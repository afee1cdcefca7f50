package gfx

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpures"
	"github.com/gogpu/gpures/asset"
	"github.com/gogpu/gpures/device"
	"github.com/gogpu/gpures/memory"
)

// ImageFormat is the format of images created from pixel data.
const ImageFormat = gputypes.TextureFormatRGBA8UnormSrgb

// DepthFormat is the format of depth images.
const DepthFormat = gputypes.TextureFormatDepth32Float

// Image is a 2D GPU image that tracks its current layout. Every layout
// change goes through the transition table, and the image must be
// destroyed explicitly.
type Image struct {
	mu     sync.Mutex
	dev    *device.Device
	label  string
	width  uint32
	height uint32
	format gputypes.TextureFormat
	layout Layout

	raw   hal.Texture
	alloc *memory.Allocation

	leak    runtime.Cleanup
	tracked bool
}

// NewImage creates a sampled sRGB RGBA8 image holding data, which must be
// width*height*4 bytes, and records the upload into cb. The image ends in
// LayoutShaderReadOnly; the staging buffer joins cb's cleanup list.
func NewImage(dev *device.Device, cb *CommandBuffer, data []byte, width, height uint32) (*Image, error) {
	if dev == nil {
		return nil, ErrNilDevice
	}
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidExtent, width, height)
	}
	if want := uint64(width) * uint64(height) * 4; uint64(len(data)) != want {
		return nil, fmt.Errorf("%w: %dx%d image needs %d bytes, got %d", ErrSizeMismatch, width, height, want, len(data))
	}
	if !cb.Recording() {
		return nil, fmt.Errorf("%w: %q", ErrNotRecording, cb.Label())
	}

	img := newImage(dev, "image", width, height, ImageFormat,
		gputypes.TextureUsageCopyDst|gputypes.TextureUsageTextureBinding|gputypes.TextureUsageCopySrc)

	staging, stagingAlloc := img.stage(data)
	if err := img.recordUpload(cb, staging); err != nil {
		img.discardStaging(staging, stagingAlloc)
		_ = img.Destroy()
		return nil, err
	}
	cb.AddToCleanupList(staging, stagingAlloc)
	return img, nil
}

// NewDepthImage creates a Depth32Float attachment in
// LayoutDepthStencilAttachment.
func NewDepthImage(dev *device.Device, cb *CommandBuffer, width, height uint32) (*Image, error) {
	return newTarget(dev, cb, "depth", width, height, DepthFormat, UseDepthTarget)
}

// NewColorTarget creates a color attachment of the given format in
// LayoutColorAttachment. It can later be sampled or read back.
func NewColorTarget(dev *device.Device, cb *CommandBuffer, width, height uint32, format gputypes.TextureFormat) (*Image, error) {
	if format.IsDepthStencil() {
		return nil, fmt.Errorf("gfx: color target with depth format %s", format)
	}
	return newTarget(dev, cb, "color", width, height, format, UseColorTarget)
}

// NewImageFromFile decodes the image at path and uploads it like NewImage.
// A file that cannot be opened or decoded is logged and reported as an
// error; nothing is allocated in that case.
func NewImageFromFile(dev *device.Device, cb *CommandBuffer, path string) (*Image, error) {
	px, err := asset.DecodeFile(path)
	if err != nil {
		gpures.Logger().Warn("gfx: could not load image", "path", path, "err", err)
		return nil, fmt.Errorf("gfx: load image %s: %w", path, err)
	}
	return NewImage(dev, cb, px.RGBA, px.Width, px.Height)
}

func newTarget(dev *device.Device, cb *CommandBuffer, name string, width, height uint32, format gputypes.TextureFormat, use Use) (*Image, error) {
	if dev == nil {
		return nil, ErrNilDevice
	}
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidExtent, width, height)
	}
	if !cb.Recording() {
		return nil, fmt.Errorf("%w: %q", ErrNotRecording, cb.Label())
	}

	img := newImage(dev, name, width, height, format,
		gputypes.TextureUsageRenderAttachment|gputypes.TextureUsageTextureBinding|gputypes.TextureUsageCopySrc)
	if err := img.Transition(cb, use); err != nil {
		_ = img.Destroy()
		return nil, err
	}
	return img, nil
}

// newImage allocates the texture. Allocation failure is fatal.
func newImage(dev *device.Device, name string, width, height uint32, format gputypes.TextureFormat, usage gputypes.TextureUsage) *Image {
	img := &Image{
		dev:    dev,
		label:  dev.Label(name),
		width:  width,
		height: height,
		format: format,
	}
	err := dev.Allocator().With(func(a *memory.Allocator) error {
		raw, alloc, err := a.CreateImage(&hal.TextureDescriptor{
			Label:         img.label,
			Size:          hal.Extent3D{Width: width, Height: height, DepthOrArrayLayers: 1},
			MipLevelCount: 1,
			SampleCount:   1,
			Dimension:     gputypes.TextureDimension2D,
			Format:        format,
			Usage:         usage,
		})
		if err != nil {
			return err
		}
		img.raw, img.alloc = raw, alloc
		return nil
	})
	if err != nil {
		fatal("create image", err)
	}
	img.leak = trackLeak(img, "image", img.label)
	img.tracked = true

	gpures.Logger().Debug("gfx: image created",
		"label", img.label, "width", width, "height", height, "format", format.String())
	return img
}

// Raw returns the HAL texture, or nil once destroyed.
func (img *Image) Raw() hal.Texture {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.raw
}

// Label returns the debug label.
func (img *Image) Label() string { return img.label }

// Width returns the width in pixels.
func (img *Image) Width() uint32 { return img.width }

// Height returns the height in pixels.
func (img *Image) Height() uint32 { return img.height }

// Format returns the texel format.
func (img *Image) Format() gputypes.TextureFormat { return img.format }

// Layout returns the layout the image is in after the commands recorded
// so far. A recording that is discarded instead of submitted restores the
// layout it started from.
func (img *Image) Layout() Layout {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.layout
}

// Destroyed reports whether Destroy has been called.
func (img *Image) Destroyed() bool {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.raw == nil
}

// Transition records the barrier that prepares the image for use.
func (img *Image) Transition(cb *CommandBuffer, use Use) error {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.transitionLocked(cb, use)
}

func (img *Image) transitionLocked(cb *CommandBuffer, use Use) error {
	if img.raw == nil {
		return fmt.Errorf("%w: image %q", ErrDestroyed, img.label)
	}
	b, err := Transition(img.layout, use)
	if err != nil {
		return fmt.Errorf("image %q: %w", img.label, err)
	}
	if !img.format.HasDepth() && b.Aspect == gputypes.TextureAspectDepthOnly {
		return fmt.Errorf("%w: %s on color image %q", ErrInvalidTransition, use, img.label)
	}

	raw := img.raw
	if err := cb.Record(func(enc hal.CommandEncoder) {
		enc.TransitionTextures([]hal.TextureBarrier{b.halBarrier(raw)})
	}); err != nil {
		return err
	}
	img.layout = b.New
	cb.onDiscard(func() {
		img.mu.Lock()
		if img.layout == b.New {
			img.layout = b.Old
		}
		img.mu.Unlock()
	})
	return nil
}

// Update replaces the pixels of a sampled image with data, which must be
// width*height*4 bytes. The image returns to LayoutShaderReadOnly.
func (img *Image) Update(cb *CommandBuffer, data []byte) error {
	img.mu.Lock()
	defer img.mu.Unlock()

	if img.raw == nil {
		return fmt.Errorf("%w: image %q", ErrDestroyed, img.label)
	}
	if want := uint64(img.width) * uint64(img.height) * uint64(memory.BytesPerPixel(img.format)); uint64(len(data)) != want {
		gpures.Logger().Warn("gfx: image update with a different size",
			"label", img.label, "size", want, "data", len(data))
		return fmt.Errorf("%w: image %q has %d bytes, got %d", ErrSizeMismatch, img.label, want, len(data))
	}
	if !cb.Recording() {
		return fmt.Errorf("%w: %q", ErrNotRecording, cb.Label())
	}

	staging, stagingAlloc := img.stage(data)
	if err := img.recordUploadLocked(cb, staging); err != nil {
		img.discardStaging(staging, stagingAlloc)
		return err
	}
	cb.AddToCleanupList(staging, stagingAlloc)
	return nil
}

// Destroy frees the image. A second call is a no-op.
func (img *Image) Destroy() error {
	img.mu.Lock()
	defer img.mu.Unlock()

	if img.raw == nil {
		return nil
	}
	err := img.dev.Allocator().With(func(a *memory.Allocator) error {
		return a.DestroyImage(img.raw, img.alloc)
	})
	img.raw, img.alloc = nil, nil
	if img.tracked {
		img.leak.Stop()
		img.tracked = false
	}
	if err != nil {
		return fmt.Errorf("gfx: destroy image %q: %w", img.label, err)
	}
	return nil
}

func (img *Image) recordUpload(cb *CommandBuffer, staging hal.Buffer) error {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.recordUploadLocked(cb, staging)
}

// recordUploadLocked records the transition to TransferDst, the copy from
// staging and the transition to ShaderReadOnly.
func (img *Image) recordUploadLocked(cb *CommandBuffer, staging hal.Buffer) error {
	if err := img.transitionLocked(cb, UseUpload); err != nil {
		return err
	}
	raw := img.raw
	bpr := img.width * uint32(memory.BytesPerPixel(img.format))
	err := cb.Record(func(enc hal.CommandEncoder) {
		enc.CopyBufferToTexture(staging, raw, []hal.BufferTextureCopy{{
			BufferLayout: hal.ImageDataLayout{BytesPerRow: bpr, RowsPerImage: img.height},
			TextureBase:  hal.ImageCopyTexture{Texture: raw, Aspect: gputypes.TextureAspectAll},
			Size:         hal.Extent3D{Width: img.width, Height: img.height, DepthOrArrayLayers: 1},
		}})
	})
	if err != nil {
		return err
	}
	return img.transitionLocked(cb, UseSampled)
}

func (img *Image) stage(data []byte) (hal.Buffer, *memory.Allocation) {
	var (
		staging hal.Buffer
		alloc   *memory.Allocation
	)
	err := img.dev.Allocator().With(func(a *memory.Allocator) error {
		var err error
		staging, alloc, err = a.CreateBuffer(img.label+"-staging", uint64(len(data)), memory.KindStaging, 0)
		if err != nil {
			return err
		}
		return a.Write(alloc, 0, data)
	})
	if err != nil {
		fatal("stage image data", err)
	}
	return staging, alloc
}

func (img *Image) discardStaging(staging hal.Buffer, alloc *memory.Allocation) {
	_ = img.dev.Allocator().With(func(a *memory.Allocator) error {
		return a.DestroyBuffer(staging, alloc)
	})
}
