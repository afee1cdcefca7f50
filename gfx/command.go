package gfx

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpures"
	"github.com/gogpu/gpures/device"
	"github.com/gogpu/gpures/memory"
)

// Level is the command buffer level.
type Level uint8

const (
	// LevelPrimary buffers are submitted to a queue.
	LevelPrimary Level = iota
	// LevelSecondary buffers are executed from a primary buffer.
	LevelSecondary
)

// String returns the level name.
func (l Level) String() string {
	if l == LevelSecondary {
		return "Secondary"
	}
	return "Primary"
}

// Usage is a set of command buffer usage flags passed to Begin.
type Usage uint8

const (
	// UsageOneTimeSubmit marks a recording that is submitted once.
	UsageOneTimeSubmit Usage = 1 << iota
	// UsageRenderPassContinue marks a secondary buffer that runs entirely
	// inside a render pass.
	UsageRenderPassContinue
	// UsageSimultaneousUse allows resubmission while still pending.
	UsageSimultaneousUse
)

// Inheritance describes the render pass a secondary command buffer
// continues.
type Inheritance struct {
	RenderPass  string
	Subpass     uint32
	Framebuffer string
}

// State is the lifecycle state of a CommandBuffer.
type State uint8

const (
	// StateUnrecorded is a fresh or reset buffer.
	StateUnrecorded State = iota
	// StateRecording accepts commands between Begin and End.
	StateRecording
	// StateRecorded is ready to submit.
	StateRecorded
	// StateSubmitted has a submission that may still be executing.
	StateSubmitted
	// StateCleaned has completed and emptied its cleanup list.
	StateCleaned
	// StateFreed is final.
	StateFreed
)

var stateNames = [...]string{"Unrecorded", "Recording", "Recorded", "Submitted", "Cleaned", "Freed"}

// String returns the state name.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// cleanupEntry is a staging buffer waiting for its submission to complete.
type cleanupEntry struct {
	buffer hal.Buffer
	alloc  *memory.Allocation
}

// CommandPool allocates command buffers and resets them as a group.
type CommandPool struct {
	mu        sync.Mutex
	dev       *device.Device
	label     string
	buffers   map[*CommandBuffer]struct{}
	allocated int
	destroyed bool
}

// NewCommandPool creates a command pool on dev.
func NewCommandPool(dev *device.Device, label string) (*CommandPool, error) {
	if dev == nil {
		return nil, ErrNilDevice
	}
	return &CommandPool{
		dev:     dev,
		label:   label,
		buffers: make(map[*CommandBuffer]struct{}),
	}, nil
}

// Device returns the device the pool allocates on.
func (p *CommandPool) Device() *device.Device { return p.dev }

// Len returns the number of live command buffers in the pool.
func (p *CommandPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffers)
}

// Allocate creates a command buffer of the given level.
func (p *CommandPool) Allocate(level Level) (*CommandBuffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return nil, fmt.Errorf("%w: pool %q destroyed", ErrFreed, p.label)
	}

	p.allocated++
	label := p.dev.Label(fmt.Sprintf("%s#%d", p.label, p.allocated))
	enc, err := p.dev.Raw().CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		fatal("allocate command buffer", err)
	}

	cb := &CommandBuffer{
		pool:    p,
		level:   level,
		label:   label,
		encoder: enc,
	}
	p.buffers[cb] = struct{}{}
	return cb, nil
}

// Reset returns every command buffer of the pool to Unrecorded. All of them
// must be idle and have empty cleanup lists; otherwise nothing is reset.
func (p *CommandPool) Reset() error {
	var undo []func()
	defer func() { runUndo(undo) }()
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return fmt.Errorf("%w: pool %q destroyed", ErrFreed, p.label)
	}

	buffers := make([]*CommandBuffer, 0, len(p.buffers))
	for cb := range p.buffers {
		buffers = append(buffers, cb)
		cb.mu.Lock()
	}
	defer func() {
		for _, cb := range buffers {
			cb.mu.Unlock()
		}
	}()

	for _, cb := range buffers {
		if err := cb.checkIdleCleanLocked(); err != nil {
			return err
		}
	}
	for _, cb := range buffers {
		undo = append(undo, cb.resetLocked()...)
	}
	return nil
}

// Destroy frees every command buffer of the pool. Like CommandBuffer.Free
// it panics if a buffer still has cleanup entries.
func (p *CommandPool) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	buffers := make([]*CommandBuffer, 0, len(p.buffers))
	for cb := range p.buffers {
		buffers = append(buffers, cb)
	}
	p.mu.Unlock()

	for _, cb := range buffers {
		cb.Free()
	}
}

func (p *CommandPool) remove(cb *CommandBuffer) {
	p.mu.Lock()
	delete(p.buffers, cb)
	p.mu.Unlock()
}

// CommandBuffer records GPU commands and owns the list of staging
// allocations those commands read from. The list is destroyed by Cleanup
// or CleanupRaw once the submission has completed.
//
// A CommandBuffer moves through Unrecorded, Recording, Recorded, Submitted
// and Cleaned. Begin is refused while a submission is executing or cleanup
// entries remain.
type CommandBuffer struct {
	mu      sync.Mutex
	pool    *CommandPool
	level   Level
	label   string
	encoder hal.CommandEncoder
	raw     hal.CommandBuffer

	state       State
	usage       Usage
	inheritance *Inheritance

	queue hal.Queue
	index uint64

	cleanup []cleanupEntry

	// undo reverts CPU-side state tracked for commands recorded since
	// Begin. It runs when the recording is discarded instead of submitted.
	undo []func()
}

// Label returns the debug label.
func (cb *CommandBuffer) Label() string { return cb.label }

// Level returns the buffer level.
func (cb *CommandBuffer) Level() Level { return cb.level }

// State returns the current state.
func (cb *CommandBuffer) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Usage returns the usage flags passed to the last Begin.
func (cb *CommandBuffer) Usage() Usage {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.usage
}

// Inheritance returns the inheritance info passed to Begin, or nil.
func (cb *CommandBuffer) Inheritance() *Inheritance {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.inheritance
}

// Begin starts recording.
func (cb *CommandBuffer) Begin(usage Usage, inheritance *Inheritance) error {
	var undo []func()
	defer func() { runUndo(undo) }()
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateFreed:
		return fmt.Errorf("%w: %q", ErrFreed, cb.label)
	case StateRecording:
		return fmt.Errorf("gfx: begin %q: already recording", cb.label)
	}
	if err := cb.checkIdleCleanLocked(); err != nil {
		return err
	}
	if cb.level == LevelSecondary && usage&UsageRenderPassContinue != 0 && inheritance == nil {
		return ErrInheritanceRequired
	}

	undo = cb.takeUndoLocked()
	cb.releaseRawLocked()
	if err := cb.encoder.BeginEncoding(cb.label); err != nil {
		fatal("begin command buffer", err)
	}

	cb.state = StateRecording
	cb.usage = usage
	cb.inheritance = nil
	if cb.level == LevelSecondary && inheritance != nil {
		inh := *inheritance
		cb.inheritance = &inh
	}
	cb.queue = nil
	cb.index = 0
	return nil
}

// Record calls fn with the HAL encoder. The buffer must be recording.
// fn must not call methods of cb.
func (cb *CommandBuffer) Record(fn func(enc hal.CommandEncoder)) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateRecording {
		return fmt.Errorf("%w: %q is %s", ErrNotRecording, cb.label, cb.state)
	}
	fn(cb.encoder)
	return nil
}

// Recording reports whether the buffer is between Begin and End.
func (cb *CommandBuffer) Recording() bool {
	return cb.State() == StateRecording
}

// End finishes recording.
func (cb *CommandBuffer) End() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateRecording {
		return fmt.Errorf("%w: %q is %s", ErrNotRecording, cb.label, cb.state)
	}
	raw, err := cb.encoder.EndEncoding()
	if err != nil {
		fatal("end command buffer", err)
	}
	cb.raw = raw
	cb.state = StateRecorded
	return nil
}

// Reset returns the buffer to Unrecorded. It must be idle and clean.
func (cb *CommandBuffer) Reset() error {
	var undo []func()
	defer func() { runUndo(undo) }()
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateFreed {
		return fmt.Errorf("%w: %q", ErrFreed, cb.label)
	}
	if err := cb.checkIdleCleanLocked(); err != nil {
		return err
	}
	undo = cb.resetLocked()
	return nil
}

// Done reports whether the last submission of the buffer has completed.
// A buffer that was never submitted is done.
func (cb *CommandBuffer) Done() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.doneLocked()
}

// AddToCleanupList hands a staging buffer and its allocation to the
// command buffer. They are destroyed by the next Cleanup or CleanupRaw.
func (cb *CommandBuffer) AddToCleanupList(buf hal.Buffer, alloc *memory.Allocation) {
	if alloc == nil {
		return
	}
	cb.mu.Lock()
	cb.cleanup = append(cb.cleanup, cleanupEntry{buffer: buf, alloc: alloc})
	cb.mu.Unlock()
}

// CleanupLen returns the number of entries in the cleanup list.
func (cb *CommandBuffer) CleanupLen() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return len(cb.cleanup)
}

// Cleanup destroys the cleanup list through dev's allocator.
func (cb *CommandBuffer) Cleanup(dev *device.Device) error {
	if dev == nil {
		return ErrNilDevice
	}
	return cb.CleanupRaw(dev.Allocator())
}

// CleanupRaw destroys the cleanup list through an explicitly supplied
// allocator handle, for use from goroutines that do not hold the device.
//
// It is refused with ErrCommandBufferPending while the submission is still
// executing. Cleaning a buffer that is recording or recorded but never
// submitted discards the recording. Failures of individual entries are
// joined; the list is cleared either way.
func (cb *CommandBuffer) CleanupRaw(shared *memory.Shared) error {
	var undo []func()
	defer func() { runUndo(undo) }()
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.doneLocked() {
		return fmt.Errorf("%w: %q at submission %d", ErrCommandBufferPending, cb.label, cb.index)
	}

	undo = cb.takeUndoLocked()
	switch cb.state {
	case StateRecording:
		cb.encoder.DiscardEncoding()
		cb.state = StateUnrecorded
	case StateRecorded:
		cb.releaseRawLocked()
		cb.state = StateUnrecorded
	case StateSubmitted:
		cb.state = StateCleaned
	}

	entries := cb.cleanup
	cb.cleanup = nil
	if len(entries) == 0 {
		return nil
	}

	err := shared.With(func(a *memory.Allocator) error {
		var errs []error
		for _, e := range entries {
			if err := a.DestroyBuffer(e.buffer, e.alloc); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
	gpures.Logger().Debug("gfx: cleanup list destroyed", "cb", cb.label, "entries", len(entries))
	if err != nil {
		return fmt.Errorf("gfx: cleanup %q: %w", cb.label, err)
	}
	return nil
}

// Free releases the command buffer. It panics with ErrCleanupLeak if the
// cleanup list is not empty, and with ErrCommandBufferPending if the
// submission has not completed. A second call is a no-op.
func (cb *CommandBuffer) Free() {
	cb.mu.Lock()
	if cb.state == StateFreed {
		cb.mu.Unlock()
		return
	}
	if n := len(cb.cleanup); n > 0 {
		cb.mu.Unlock()
		panic(fmt.Errorf("%w: %q has %d entries", ErrCleanupLeak, cb.label, n))
	}
	if !cb.doneLocked() {
		cb.mu.Unlock()
		panic(fmt.Errorf("%w: %q freed at submission %d", ErrCommandBufferPending, cb.label, cb.index))
	}
	undo := cb.takeUndoLocked()
	if cb.state == StateRecording {
		cb.encoder.DiscardEncoding()
	}
	cb.releaseRawLocked()
	cb.encoder.Destroy()
	cb.encoder = nil
	cb.state = StateFreed
	cb.mu.Unlock()

	runUndo(undo)

	cb.pool.remove(cb)
}

// markSubmitted records the submission that executes cb.
func (cb *CommandBuffer) markSubmitted(q hal.Queue, index uint64) {
	cb.mu.Lock()
	cb.state = StateSubmitted
	cb.queue = q
	cb.index = index
	cb.undo = nil
	cb.mu.Unlock()
}

// onDiscard registers fn to run if the commands recorded so far are
// discarded rather than submitted. Caller must not hold mu.
func (cb *CommandBuffer) onDiscard(fn func()) {
	cb.mu.Lock()
	if cb.state == StateRecording {
		cb.undo = append(cb.undo, fn)
	}
	cb.mu.Unlock()
}

// takeUndoLocked returns the undo list when the current recording is
// about to be discarded and clears it.
func (cb *CommandBuffer) takeUndoLocked() []func() {
	undo := cb.undo
	cb.undo = nil
	if cb.state != StateRecording && cb.state != StateRecorded {
		return nil
	}
	return undo
}

// runUndo runs fns newest first. It must be called without any
// CommandBuffer lock held.
func runUndo(fns []func()) {
	for _, fn := range slices.Backward(fns) {
		fn()
	}
}

// submittableLocked returns the recorded HAL buffer. Caller must hold mu.
func (cb *CommandBuffer) submittableLocked() (hal.CommandBuffer, error) {
	switch {
	case cb.state == StateFreed:
		return nil, fmt.Errorf("%w: %q", ErrFreed, cb.label)
	case cb.level != LevelPrimary:
		return nil, fmt.Errorf("%w: %q", ErrSecondarySubmit, cb.label)
	case cb.state != StateRecorded:
		return nil, fmt.Errorf("%w: %q is %s", ErrNotRecorded, cb.label, cb.state)
	}
	return cb.raw, nil
}

func (cb *CommandBuffer) doneLocked() bool {
	if cb.queue == nil {
		return true
	}
	return cb.queue.PollCompleted() >= cb.index
}

func (cb *CommandBuffer) checkIdleCleanLocked() error {
	if !cb.doneLocked() {
		return fmt.Errorf("%w: %q at submission %d", ErrCommandBufferPending, cb.label, cb.index)
	}
	if n := len(cb.cleanup); n > 0 {
		return fmt.Errorf("%w: %q has %d entries", ErrCleanupPending, cb.label, n)
	}
	return nil
}

func (cb *CommandBuffer) resetLocked() []func() {
	undo := cb.takeUndoLocked()
	if cb.state == StateRecording {
		cb.encoder.DiscardEncoding()
	}
	cb.releaseRawLocked()
	cb.state = StateUnrecorded
	cb.usage = 0
	cb.inheritance = nil
	cb.queue = nil
	cb.index = 0
	return undo
}

func (cb *CommandBuffer) releaseRawLocked() {
	if cb.raw != nil {
		cb.pool.dev.Raw().FreeCommandBuffer(cb.raw)
		cb.raw = nil
	}
}
