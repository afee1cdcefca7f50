package gfx

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpures/device"
	"github.com/gogpu/gpures/memory"
)

// ReadBuffer copies the contents of b back to the CPU with a one-time
// submission and returns Size bytes.
func ReadBuffer(dev *device.Device, pool *CommandPool, b *Buffer) ([]byte, error) {
	b.mu.Lock()
	raw, alloc, size := b.raw, b.alloc, b.size
	b.mu.Unlock()
	if size == 0 {
		return nil, fmt.Errorf("%w: buffer %q", ErrDestroyed, b.label)
	}

	return readback(dev, pool, b.label, size, alloc.AlignedSize(), func(enc hal.CommandEncoder, dst hal.Buffer) {
		enc.CopyBufferToBuffer(raw, dst, []hal.BufferCopy{{Size: alloc.AlignedSize()}})
	}, nil)
}

// ReadImage copies the pixels of img back to the CPU, tightly packed rows
// of Width*bytes-per-pixel. The image is returned to the use it had.
func ReadImage(dev *device.Device, pool *CommandPool, img *Image) ([]byte, error) {
	img.mu.Lock()
	defer img.mu.Unlock()

	if img.raw == nil {
		return nil, fmt.Errorf("%w: image %q", ErrDestroyed, img.label)
	}
	restore, ok := restoreUse[img.layout]
	if !ok {
		return nil, fmt.Errorf("%w: cannot read back image %q in %s", ErrInvalidTransition, img.label, img.layout)
	}

	raw := img.raw
	bpr := img.width * uint32(memory.BytesPerPixel(img.format))
	size := uint64(bpr) * uint64(img.height)
	aspect := gputypes.TextureAspectAll
	if img.format.HasDepth() {
		aspect = gputypes.TextureAspectDepthOnly
	}

	saved := img.layout
	data, err := readback(dev, pool, img.label, size, memory.AlignCopySize(size), func(enc hal.CommandEncoder, dst hal.Buffer) {
		enc.CopyTextureToBuffer(raw, dst, []hal.BufferTextureCopy{{
			BufferLayout: hal.ImageDataLayout{BytesPerRow: bpr, RowsPerImage: img.height},
			TextureBase:  hal.ImageCopyTexture{Texture: raw, Aspect: aspect},
			Size:         hal.Extent3D{Width: img.width, Height: img.height, DepthOrArrayLayers: 1},
		}})
	}, func(cb *CommandBuffer) (func(cb *CommandBuffer) error, error) {
		if err := img.transitionLocked(cb, UseReadback); err != nil {
			return nil, err
		}
		return func(cb *CommandBuffer) error { return img.transitionLocked(cb, restore) }, nil
	})
	if err != nil {
		img.layout = saved
		return nil, err
	}
	return data, nil
}

// restoreUse maps the layouts an image can be read back from to the use
// that returns it there.
var restoreUse = map[Layout]Use{
	LayoutShaderReadOnly:         UseSampled,
	LayoutColorAttachment:        UseColorTarget,
	LayoutDepthStencilAttachment: UseDepthTarget,
}

// readback allocates a readback buffer, records prepare, copy and the
// returned finish step, waits for the submission and returns the first
// size bytes.
func readback(
	dev *device.Device,
	pool *CommandPool,
	label string,
	size, allocSize uint64,
	copyFn func(enc hal.CommandEncoder, dst hal.Buffer),
	prepare func(cb *CommandBuffer) (func(cb *CommandBuffer) error, error),
) ([]byte, error) {
	if dev == nil {
		return nil, ErrNilDevice
	}

	var (
		dst   hal.Buffer
		alloc *memory.Allocation
	)
	err := dev.Allocator().With(func(a *memory.Allocator) error {
		var err error
		dst, alloc, err = a.CreateBuffer(label+"-readback", allocSize, memory.KindReadback, 0)
		return err
	})
	if err != nil {
		fatal("create readback buffer", err)
	}
	defer func() {
		_ = dev.Allocator().With(func(a *memory.Allocator) error {
			return a.DestroyBuffer(dst, alloc)
		})
	}()

	err = SubmitAndWait(dev, pool, func(cb *CommandBuffer) error {
		var finish func(cb *CommandBuffer) error
		if prepare != nil {
			f, err := prepare(cb)
			if err != nil {
				return err
			}
			finish = f
		}
		if err := cb.Record(func(enc hal.CommandEncoder) { copyFn(enc, dst) }); err != nil {
			return err
		}
		if finish != nil {
			return finish(cb)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var out []byte
	err = dev.Allocator().With(func(a *memory.Allocator) error {
		data, err := a.Read(alloc)
		out = data
		return err
	})
	if err != nil {
		fatal("map readback buffer", err)
	}
	return out[:size], nil
}
