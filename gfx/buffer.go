package gfx

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpures"
	"github.com/gogpu/gpures/device"
	"github.com/gogpu/gpures/memory"
)

// BufferKind is what a device buffer is bound as.
type BufferKind uint8

const (
	BufferVertex BufferKind = iota
	BufferIndex
	BufferUniform
	BufferStorage
)

// String returns the kind name.
func (k BufferKind) String() string {
	switch k {
	case BufferVertex:
		return "Vertex"
	case BufferIndex:
		return "Index"
	case BufferUniform:
		return "Uniform"
	case BufferStorage:
		return "Storage"
	default:
		return fmt.Sprintf("BufferKind(%d)", int(k))
	}
}

// Usage returns the HAL usage bit of the kind.
func (k BufferKind) Usage() gputypes.BufferUsage {
	switch k {
	case BufferIndex:
		return gputypes.BufferUsageIndex
	case BufferUniform:
		return gputypes.BufferUsageUniform
	case BufferStorage:
		return gputypes.BufferUsageStorage
	default:
		return gputypes.BufferUsageVertex
	}
}

// Buffer is a device-local GPU buffer filled through staging uploads.
//
// A persistent Buffer keeps its staging buffer for the whole lifetime and
// rewrites it on every Update; otherwise each upload allocates fresh
// staging memory that the recording command buffer cleans up.
type Buffer struct {
	mu    sync.Mutex
	dev   *device.Device
	label string
	kind  BufferKind
	size  uint64

	raw   hal.Buffer
	alloc *memory.Allocation

	staging      hal.Buffer
	stagingAlloc *memory.Allocation

	leak    runtime.Cleanup
	tracked bool
}

// NewBuffer creates a device-local buffer holding data and records the
// upload into cb, which must be recording. With persistent set the staging
// buffer is kept for later updates; otherwise it joins cb's cleanup list.
func NewBuffer(dev *device.Device, cb *CommandBuffer, data []byte, kind BufferKind, persistent bool) (*Buffer, error) {
	if dev == nil {
		return nil, ErrNilDevice
	}
	if len(data) == 0 {
		return nil, ErrEmptyData
	}
	if !cb.Recording() {
		return nil, fmt.Errorf("%w: %q", ErrNotRecording, cb.Label())
	}

	size := uint64(len(data))
	b := &Buffer{
		dev:   dev,
		label: dev.Label(fmt.Sprintf("%s-buffer", kind)),
		kind:  kind,
		size:  size,
	}

	err := dev.Allocator().With(func(a *memory.Allocator) error {
		raw, alloc, err := a.CreateBuffer(b.label, size, memory.KindDeviceLocal, kind.Usage())
		if err != nil {
			return err
		}
		b.raw, b.alloc = raw, alloc
		return nil
	})
	if err != nil {
		fatal("create buffer", err)
	}

	staging, stagingAlloc := b.stage(data)
	if err := b.recordCopy(cb, staging); err != nil {
		b.discard(staging, stagingAlloc)
		b.discard(b.raw, b.alloc)
		return nil, err
	}

	if persistent {
		b.staging, b.stagingAlloc = staging, stagingAlloc
	} else {
		cb.AddToCleanupList(staging, stagingAlloc)
	}
	b.leak = trackLeak(b, "buffer", b.label)
	b.tracked = true

	gpures.Logger().Debug("gfx: buffer created",
		"label", b.label, "bytes", size, "persistent", persistent)
	return b, nil
}

// Raw returns the HAL buffer, or nil once destroyed.
func (b *Buffer) Raw() hal.Buffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.raw
}

// Size returns the size in bytes. It is 0 once the buffer is destroyed.
func (b *Buffer) Size() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Kind returns the buffer kind.
func (b *Buffer) Kind() BufferKind { return b.kind }

// Label returns the debug label.
func (b *Buffer) Label() string { return b.label }

// Persistent reports whether the buffer owns a staging buffer.
func (b *Buffer) Persistent() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stagingAlloc != nil
}

// Update uploads data, which must be exactly Size bytes, and records the
// copy into cb. A persistent buffer rewrites its staging buffer in place,
// so the copy recorded by the previous update must have completed.
func (b *Buffer) Update(cb *CommandBuffer, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		return fmt.Errorf("%w: buffer %q", ErrDestroyed, b.label)
	}
	if uint64(len(data)) != b.size {
		gpures.Logger().Warn("gfx: buffer update with a different size",
			"label", b.label, "size", b.size, "data", len(data))
		return fmt.Errorf("%w: buffer %q has %d bytes, got %d", ErrSizeMismatch, b.label, b.size, len(data))
	}
	if !cb.Recording() {
		return fmt.Errorf("%w: %q", ErrNotRecording, cb.Label())
	}

	if b.stagingAlloc != nil {
		err := b.dev.Allocator().With(func(a *memory.Allocator) error {
			return a.Write(b.stagingAlloc, 0, data)
		})
		if err != nil {
			fatal("write staging buffer", err)
		}
		return b.recordCopy(cb, b.staging)
	}

	staging, stagingAlloc := b.stage(data)
	if err := b.recordCopy(cb, staging); err != nil {
		b.discard(staging, stagingAlloc)
		return err
	}
	cb.AddToCleanupList(staging, stagingAlloc)
	return nil
}

// Destroy frees the device buffer and any staging buffer it owns. The
// caller must make sure the GPU no longer uses it. A second call is a no-op.
func (b *Buffer) Destroy() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		return nil
	}
	err := b.dev.Allocator().With(func(a *memory.Allocator) error {
		return errors.Join(
			a.DestroyBuffer(b.raw, b.alloc),
			a.DestroyBuffer(b.staging, b.stagingAlloc),
		)
	})
	b.releaseLocked()
	if err != nil {
		return fmt.Errorf("gfx: destroy buffer %q: %w", b.label, err)
	}
	return nil
}

// DestroyDeferred hands the device buffer and any staging buffer to cb's
// cleanup list, so they are freed after cb's submission completes. A
// destroyed buffer is left alone.
func (b *Buffer) DestroyDeferred(cb *CommandBuffer) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		return nil
	}
	if cb.State() == StateFreed {
		return fmt.Errorf("%w: %q", ErrFreed, cb.Label())
	}
	cb.AddToCleanupList(b.raw, b.alloc)
	cb.AddToCleanupList(b.staging, b.stagingAlloc)
	b.releaseLocked()
	return nil
}

func (b *Buffer) releaseLocked() {
	b.raw, b.alloc = nil, nil
	b.staging, b.stagingAlloc = nil, nil
	b.size = 0
	if b.tracked {
		b.leak.Stop()
		b.tracked = false
	}
}

// stage allocates a staging buffer holding data.
func (b *Buffer) stage(data []byte) (hal.Buffer, *memory.Allocation) {
	var (
		staging hal.Buffer
		alloc   *memory.Allocation
	)
	err := b.dev.Allocator().With(func(a *memory.Allocator) error {
		var err error
		staging, alloc, err = a.CreateBuffer(b.label+"-staging", uint64(len(data)), memory.KindStaging, 0)
		if err != nil {
			return err
		}
		return a.Write(alloc, 0, data)
	})
	if err != nil {
		fatal("stage buffer data", err)
	}
	return staging, alloc
}

// discard frees a buffer that was never handed to a command buffer.
func (b *Buffer) discard(staging hal.Buffer, alloc *memory.Allocation) {
	_ = b.dev.Allocator().With(func(a *memory.Allocator) error {
		return a.DestroyBuffer(staging, alloc)
	})
}

// recordCopy records the staging-to-device copy and the barrier that makes
// the new contents visible to the buffer's kind of use.
func (b *Buffer) recordCopy(cb *CommandBuffer, staging hal.Buffer) error {
	raw, size := b.raw, b.alloc.AlignedSize()
	return cb.Record(func(enc hal.CommandEncoder) {
		enc.CopyBufferToBuffer(staging, raw, []hal.BufferCopy{{Size: size}})
		enc.TransitionBuffers([]hal.BufferBarrier{{
			Buffer: raw,
			Usage: hal.BufferUsageTransition{
				OldUsage: gputypes.BufferUsageCopyDst,
				NewUsage: b.kind.Usage(),
			},
		}})
	})
}
