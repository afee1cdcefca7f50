// Package memory owns device-memory allocations for buffers and images.
//
// An Allocator pairs every native HAL buffer or texture it creates with an
// Allocation record, enforces a memory budget, and guarantees that each
// Allocation is destroyed exactly once. Shared wraps an Allocator in a
// reference-counted, read-write-locked handle so background cleanup tasks
// can outlive the frame that spawned them without holding the full device.
package memory

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"unsafe"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpures"
)

// Memory errors.
var (
	// ErrBudgetExceeded is returned when an allocation would exceed the budget.
	ErrBudgetExceeded = errors.New("memory: budget exceeded")

	// ErrAllocatorClosed is returned when operating on a closed allocator.
	ErrAllocatorClosed = errors.New("memory: allocator closed")

	// ErrDoubleFree is returned when an allocation is destroyed twice.
	ErrDoubleFree = errors.New("memory: allocation already freed")

	// ErrForeignAllocation is returned when an allocation is handed to an
	// allocator that did not create it.
	ErrForeignAllocation = errors.New("memory: allocation belongs to another allocator")

	// ErrHandleMismatch is returned when the native handle passed to a destroy
	// call is not the one the allocation backs.
	ErrHandleMismatch = errors.New("memory: native handle does not match allocation")

	// ErrNilDevice is returned when creating an allocator without a device.
	ErrNilDevice = errors.New("memory: device is nil")

	// ErrInvalidSize is returned for zero-sized or out-of-range requests.
	ErrInvalidSize = errors.New("memory: invalid allocation size")

	// ErrNotHostVisible is returned when mapping device-local memory.
	ErrNotHostVisible = errors.New("memory: allocation is not host visible")

	// ErrInvalidKind is returned when a request uses the wrong allocation kind.
	ErrInvalidKind = errors.New("memory: invalid allocation kind")
)

// Default memory limits.
const (
	// DefaultMaxMemoryMB is the default device-memory budget (256 MB).
	DefaultMaxMemoryMB = 256

	// MinMemoryMB is the minimum allowed budget (16 MB).
	MinMemoryMB = 16

	// copyAlignment is the HAL requirement for buffer copy sizes and offsets.
	copyAlignment uint64 = 4
)

// Kind classifies an allocation by the memory it lives in.
type Kind uint8

const (
	// KindDeviceLocal is GPU memory that the CPU cannot write directly.
	KindDeviceLocal Kind = iota
	// KindStaging is host-visible upload memory (MapWrite | CopySrc).
	KindStaging
	// KindReadback is host-visible download memory (MapRead | CopyDst).
	KindReadback
	// KindImage is device-local memory backing a texture.
	KindImage
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindDeviceLocal:
		return "DeviceLocal"
	case KindStaging:
		return "Staging"
	case KindReadback:
		return "Readback"
	case KindImage:
		return "Image"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// HostVisible reports whether allocations of this kind can be mapped.
func (k Kind) HostVisible() bool {
	return k == KindStaging || k == KindReadback
}

// Allocation is an opaque record of one device-memory region.
// It is owned by exactly one Buffer, Image, or cleanup-list entry and is
// destroyed exactly once through the Allocator that created it.
type Allocation struct {
	id      uint64
	kind    Kind
	label   string
	size    uint64
	halSize uint64
	buffer  hal.Buffer
	texture hal.Texture
	owner   *Allocator

	// freed is guarded by owner.mu.
	freed bool
}

// ID returns the allocator-unique allocation id.
func (a *Allocation) ID() uint64 { return a.id }

// Kind returns the allocation kind.
func (a *Allocation) Kind() Kind { return a.kind }

// Label returns the debug label.
func (a *Allocation) Label() string { return a.label }

// Size returns the requested size in bytes.
func (a *Allocation) Size() uint64 { return a.size }

// AlignedSize returns the size actually reserved from the HAL.
func (a *Allocation) AlignedSize() uint64 { return a.halSize }

// Freed reports whether the allocation has been destroyed.
func (a *Allocation) Freed() bool {
	a.owner.mu.RLock()
	defer a.owner.mu.RUnlock()
	return a.freed
}

// String returns a short description for diagnostics.
func (a *Allocation) String() string {
	return fmt.Sprintf("Allocation[#%d %s %q %d bytes]", a.id, a.kind, a.label, a.size)
}

// Stats contains device-memory usage statistics.
type Stats struct {
	// BudgetBytes is the total memory budget in bytes.
	BudgetBytes uint64

	// UsedBytes is the memory currently reserved by live allocations.
	UsedBytes uint64

	// AvailableBytes is the remaining budget.
	AvailableBytes uint64

	// PeakBytes is the highest UsedBytes observed.
	PeakBytes uint64

	// Live is the number of live allocations of any kind.
	Live int

	// DeviceLocal, Staging, Readback and Images count live allocations by kind.
	DeviceLocal int
	Staging     int
	Readback    int
	Images      int

	// Allocs and Frees count successful create and destroy calls.
	Allocs uint64
	Frees  uint64

	// Utilization is the fraction of the budget in use (0.0 to 1.0).
	Utilization float64
}

// Count returns the number of live allocations of kind k.
func (s Stats) Count(k Kind) int {
	switch k {
	case KindDeviceLocal:
		return s.DeviceLocal
	case KindStaging:
		return s.Staging
	case KindReadback:
		return s.Readback
	case KindImage:
		return s.Images
	default:
		return 0
	}
}

// String returns a human-readable string of memory stats.
func (s Stats) String() string {
	return fmt.Sprintf("Memory[%.1f%% used, %d/%d KB, %d live (%d device, %d staging, %d readback, %d images), %d allocs, %d frees]",
		s.Utilization*100,
		s.UsedBytes/1024,
		s.BudgetBytes/1024,
		s.Live,
		s.DeviceLocal,
		s.Staging,
		s.Readback,
		s.Images,
		s.Allocs,
		s.Frees)
}

// Config holds configuration for creating an Allocator.
type Config struct {
	// MaxMemoryMB is the memory budget in megabytes.
	// Defaults to DefaultMaxMemoryMB if below MinMemoryMB.
	MaxMemoryMB int
}

// Allocator creates native buffers and textures together with their
// Allocation records and tracks usage against a budget.
//
// Allocator is safe for concurrent use.
type Allocator struct {
	mu sync.RWMutex

	device hal.Device

	budgetBytes uint64
	usedBytes   uint64
	peakBytes   uint64

	live   map[uint64]*Allocation
	nextID uint64

	allocs uint64
	frees  uint64

	closed bool
}

// New creates an allocator for device.
func New(device hal.Device, config Config) (*Allocator, error) {
	if device == nil {
		return nil, ErrNilDevice
	}

	maxMB := config.MaxMemoryMB
	if maxMB < MinMemoryMB {
		maxMB = DefaultMaxMemoryMB
	}

	//nolint:gosec // G115: maxMB is bounded by MinMemoryMB minimum
	return &Allocator{
		device:      device,
		budgetBytes: uint64(maxMB) * 1024 * 1024,
		live:        make(map[uint64]*Allocation),
	}, nil
}

// BufferUsage returns the HAL usage flags for a buffer allocation of kind k
// that will additionally be used as extra.
func BufferUsage(k Kind, extra gputypes.BufferUsage) gputypes.BufferUsage {
	switch k {
	case KindStaging:
		return gputypes.BufferUsageMapWrite | gputypes.BufferUsageCopySrc
	case KindReadback:
		return gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst
	default:
		return extra | gputypes.BufferUsageCopyDst | gputypes.BufferUsageCopySrc
	}
}

// AlignCopySize rounds size up to the buffer copy alignment.
func AlignCopySize(size uint64) uint64 {
	return (size + copyAlignment - 1) &^ (copyAlignment - 1)
}

// CreateBuffer creates a native buffer of size bytes and its Allocation.
// The HAL buffer is rounded up to the copy alignment; Allocation.Size keeps
// the requested size.
func (a *Allocator) CreateBuffer(label string, size uint64, kind Kind, usage gputypes.BufferUsage) (hal.Buffer, *Allocation, error) {
	if size == 0 {
		return nil, nil, fmt.Errorf("%w: size is 0", ErrInvalidSize)
	}
	if kind == KindImage {
		return nil, nil, fmt.Errorf("%w: %s is not a buffer kind", ErrInvalidKind, kind)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, nil, ErrAllocatorClosed
	}

	aligned := AlignCopySize(size)
	if err := a.reserveLocked(aligned); err != nil {
		return nil, nil, err
	}

	buf, err := a.device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  aligned,
		Usage: BufferUsage(kind, usage),
	})
	if err != nil {
		a.usedBytes -= aligned
		return nil, nil, fmt.Errorf("memory: create %s buffer %q (%d bytes): %w", kind, label, aligned, err)
	}

	alloc := a.registerLocked(label, kind, size, aligned)
	alloc.buffer = buf
	gpures.Logger().Debug("memory: buffer allocated",
		"id", alloc.id, "kind", kind.String(), "label", label, "bytes", aligned)
	return buf, alloc, nil
}

// CreateImage creates a native texture from desc and its Allocation.
func (a *Allocator) CreateImage(desc *hal.TextureDescriptor) (hal.Texture, *Allocation, error) {
	if desc == nil {
		return nil, nil, fmt.Errorf("%w: texture descriptor is nil", ErrInvalidSize)
	}
	layers := desc.Size.DepthOrArrayLayers
	if layers == 0 {
		layers = 1
	}
	size := uint64(desc.Size.Width) * uint64(desc.Size.Height) * uint64(layers) * uint64(BytesPerPixel(desc.Format))
	if size == 0 {
		return nil, nil, fmt.Errorf("%w: image %dx%d", ErrInvalidSize, desc.Size.Width, desc.Size.Height)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, nil, ErrAllocatorClosed
	}
	if err := a.reserveLocked(size); err != nil {
		return nil, nil, err
	}

	tex, err := a.device.CreateTexture(desc)
	if err != nil {
		a.usedBytes -= size
		return nil, nil, fmt.Errorf("memory: create image %q (%dx%d %s): %w",
			desc.Label, desc.Size.Width, desc.Size.Height, desc.Format, err)
	}

	alloc := a.registerLocked(desc.Label, KindImage, size, size)
	alloc.texture = tex
	gpures.Logger().Debug("memory: image allocated",
		"id", alloc.id, "label", desc.Label, "width", desc.Size.Width, "height", desc.Size.Height)
	return tex, alloc, nil
}

// DestroyBuffer destroys buf and frees alloc. A second call for the same
// allocation returns ErrDoubleFree without touching the HAL.
func (a *Allocator) DestroyBuffer(buf hal.Buffer, alloc *Allocation) error {
	if alloc == nil {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkOwnedLocked(alloc); err != nil {
		return err
	}
	if alloc.kind == KindImage {
		return fmt.Errorf("%w: %s is an image allocation", ErrInvalidKind, alloc)
	}
	if buf != nil && buf != alloc.buffer {
		return fmt.Errorf("%w: %s", ErrHandleMismatch, alloc)
	}

	a.device.DestroyBuffer(alloc.buffer)
	a.releaseLocked(alloc)
	return nil
}

// DestroyImage destroys tex and frees alloc. A second call for the same
// allocation returns ErrDoubleFree without touching the HAL.
func (a *Allocator) DestroyImage(tex hal.Texture, alloc *Allocation) error {
	if alloc == nil {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkOwnedLocked(alloc); err != nil {
		return err
	}
	if alloc.kind != KindImage {
		return fmt.Errorf("%w: %s is not an image allocation", ErrInvalidKind, alloc)
	}
	if tex != nil && tex != alloc.texture {
		return fmt.Errorf("%w: %s", ErrHandleMismatch, alloc)
	}

	a.device.DestroyTexture(alloc.texture)
	a.releaseLocked(alloc)
	return nil
}

// Write maps a host-visible allocation, copies data at offset and unmaps.
func (a *Allocator) Write(alloc *Allocation, offset uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if err := a.checkOwnedLocked(alloc); err != nil {
		return err
	}
	if !alloc.kind.HostVisible() {
		return fmt.Errorf("%w: %s", ErrNotHostVisible, alloc)
	}
	if offset+uint64(len(data)) > alloc.halSize {
		return fmt.Errorf("%w: write of %d bytes at %d exceeds %s", ErrInvalidSize, len(data), offset, alloc)
	}

	mapping, err := a.device.MapBuffer(alloc.buffer, 0, alloc.halSize)
	if err != nil {
		return fmt.Errorf("memory: map %s: %w", alloc, err)
	}
	dst := unsafe.Slice((*byte)(mapping.Ptr), alloc.halSize)
	copy(dst[offset:], data)

	if err := a.device.UnmapBuffer(alloc.buffer); err != nil {
		return fmt.Errorf("memory: unmap %s: %w", alloc, err)
	}
	return nil
}

// Read maps a host-visible allocation and returns a copy of its first
// Size() bytes.
func (a *Allocator) Read(alloc *Allocation) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if err := a.checkOwnedLocked(alloc); err != nil {
		return nil, err
	}
	if !alloc.kind.HostVisible() {
		return nil, fmt.Errorf("%w: %s", ErrNotHostVisible, alloc)
	}

	mapping, err := a.device.MapBuffer(alloc.buffer, 0, alloc.halSize)
	if err != nil {
		return nil, fmt.Errorf("memory: map %s: %w", alloc, err)
	}
	out := make([]byte, alloc.size)
	copy(out, unsafe.Slice((*byte)(mapping.Ptr), alloc.halSize))

	if err := a.device.UnmapBuffer(alloc.buffer); err != nil {
		return nil, fmt.Errorf("memory: unmap %s: %w", alloc, err)
	}
	return out, nil
}

// Stats returns current memory usage statistics.
func (a *Allocator) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	s := Stats{
		BudgetBytes: a.budgetBytes,
		UsedBytes:   a.usedBytes,
		PeakBytes:   a.peakBytes,
		Live:        len(a.live),
		Allocs:      a.allocs,
		Frees:       a.frees,
	}
	if a.budgetBytes > a.usedBytes {
		s.AvailableBytes = a.budgetBytes - a.usedBytes
	}
	if a.budgetBytes > 0 {
		s.Utilization = float64(a.usedBytes) / float64(a.budgetBytes)
	}
	for _, alloc := range a.live {
		switch alloc.kind {
		case KindDeviceLocal:
			s.DeviceLocal++
		case KindStaging:
			s.Staging++
		case KindReadback:
			s.Readback++
		case KindImage:
			s.Images++
		}
	}
	return s
}

// Live returns the live allocations ordered by id.
func (a *Allocator) Live() []*Allocation {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]*Allocation, 0, len(a.live))
	for _, alloc := range a.live {
		out = append(out, alloc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// SetBudget updates the memory budget. It does not free anything; later
// allocations fail with ErrBudgetExceeded until usage drops.
func (a *Allocator) SetBudget(megabytes int) error {
	if megabytes < MinMemoryMB {
		megabytes = MinMemoryMB
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrAllocatorClosed
	}

	//nolint:gosec // G115: megabytes bounded by MinMemoryMB minimum
	a.budgetBytes = uint64(megabytes) * 1024 * 1024
	return nil
}

// Close destroys every allocation that is still live and closes the
// allocator. Leftover allocations are reported at warn level because they
// mean some owner skipped its Destroy call.
func (a *Allocator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}

	if n := len(a.live); n > 0 {
		gpures.Logger().Warn("memory: allocator closed with live allocations", "count", n)
	}
	for _, alloc := range a.live {
		if alloc.kind == KindImage {
			a.device.DestroyTexture(alloc.texture)
		} else {
			a.device.DestroyBuffer(alloc.buffer)
		}
		a.releaseLocked(alloc)
	}

	a.closed = true
}

// Closed reports whether Close has been called.
func (a *Allocator) Closed() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.closed
}

// reserveLocked accounts size bytes against the budget. Caller must hold mu.
func (a *Allocator) reserveLocked(size uint64) error {
	if a.usedBytes+size > a.budgetBytes {
		return fmt.Errorf("%w: need %d bytes, have %d bytes available",
			ErrBudgetExceeded, size, a.budgetBytes-a.usedBytes)
	}
	a.usedBytes += size
	if a.usedBytes > a.peakBytes {
		a.peakBytes = a.usedBytes
	}
	return nil
}

// registerLocked records a new allocation whose bytes were already reserved.
// Caller must hold mu.
func (a *Allocator) registerLocked(label string, kind Kind, size, halSize uint64) *Allocation {
	a.nextID++
	alloc := &Allocation{
		id:      a.nextID,
		kind:    kind,
		label:   label,
		size:    size,
		halSize: halSize,
		owner:   a,
	}
	a.live[alloc.id] = alloc
	a.allocs++
	return alloc
}

// releaseLocked marks alloc freed and returns its bytes. Caller must hold mu.
func (a *Allocator) releaseLocked(alloc *Allocation) {
	alloc.freed = true
	alloc.buffer = nil
	alloc.texture = nil
	delete(a.live, alloc.id)
	a.usedBytes -= alloc.halSize
	a.frees++
}

// checkOwnedLocked validates that alloc is live and belongs to a.
// Caller must hold mu.
func (a *Allocator) checkOwnedLocked(alloc *Allocation) error {
	if alloc == nil {
		return fmt.Errorf("%w: allocation is nil", ErrInvalidSize)
	}
	if alloc.owner != a {
		return fmt.Errorf("%w: %s", ErrForeignAllocation, alloc)
	}
	if a.closed {
		return ErrAllocatorClosed
	}
	if alloc.freed {
		return fmt.Errorf("%w: %s", ErrDoubleFree, alloc)
	}
	return nil
}

// BytesPerPixel returns the texel size of the formats the engine creates.
// Unknown formats report 4.
func BytesPerPixel(f gputypes.TextureFormat) int {
	switch f {
	case gputypes.TextureFormatR8Unorm:
		return 1
	case gputypes.TextureFormatRG8Unorm, gputypes.TextureFormatDepth16Unorm:
		return 2
	case gputypes.TextureFormatRGBA16Float:
		return 8
	case gputypes.TextureFormatRGBA32Float:
		return 16
	default:
		return 4
	}
}
