package gfx

import (
	"errors"
	"fmt"

	"github.com/gogpu/gpures"
)

// Validation errors. These are returned to the caller; nothing was handed
// to the GPU when one of them is reported.
var (
	// ErrNilDevice is returned when a device argument is nil.
	ErrNilDevice = errors.New("gfx: device is nil")

	// ErrEmptyData is returned when uploading zero bytes.
	ErrEmptyData = errors.New("gfx: data is empty")

	// ErrSizeMismatch is returned when update data does not match the
	// resource size.
	ErrSizeMismatch = errors.New("gfx: data size does not match resource size")

	// ErrInvalidExtent is returned for zero-sized images.
	ErrInvalidExtent = errors.New("gfx: invalid image extent")

	// ErrDestroyed is returned when using a destroyed resource.
	ErrDestroyed = errors.New("gfx: resource destroyed")

	// ErrInvalidTransition is returned when no barrier is defined for a
	// layout and use pair.
	ErrInvalidTransition = errors.New("gfx: invalid layout transition")
)

// Command buffer and synchronization errors.
var (
	// ErrNotRecording is returned when recording into a command buffer that
	// is not between Begin and End.
	ErrNotRecording = errors.New("gfx: command buffer is not recording")

	// ErrNotRecorded is returned when submitting a command buffer that was
	// not ended.
	ErrNotRecorded = errors.New("gfx: command buffer is not ready for submission")

	// ErrCommandBufferPending is returned when reusing or cleaning a command
	// buffer whose submission has not completed.
	ErrCommandBufferPending = errors.New("gfx: command buffer submission still executing")

	// ErrCleanupPending is returned when beginning or resetting a command
	// buffer whose cleanup list is not empty.
	ErrCleanupPending = errors.New("gfx: command buffer has pending cleanup entries")

	// ErrCleanupLeak is the panic value of CommandBuffer.Free when the cleanup
	// list is not empty.
	ErrCleanupLeak = errors.New("gfx: command buffer freed with pending cleanup entries")

	// ErrFreed is returned when using a freed command buffer or destroyed pool.
	ErrFreed = errors.New("gfx: command buffer freed")

	// ErrInheritanceRequired is returned when a secondary command buffer
	// continuing a render pass is begun without inheritance info.
	ErrInheritanceRequired = errors.New("gfx: secondary render pass continuation needs inheritance info")

	// ErrSecondarySubmit is returned when submitting a secondary command buffer.
	ErrSecondarySubmit = errors.New("gfx: secondary command buffers cannot be submitted")

	// ErrFenceInUse is returned when submitting with a fence that is not unsignaled.
	ErrFenceInUse = errors.New("gfx: fence is signaled or pending")

	// ErrFenceNotSubmitted is returned when waiting on an unsignaled fence
	// that no submission will signal.
	ErrFenceNotSubmitted = errors.New("gfx: fence was never submitted")

	// ErrSemaphoreSignaled is returned when signaling a semaphore that
	// already carries an unconsumed signal.
	ErrSemaphoreSignaled = errors.New("gfx: semaphore already signaled")

	// ErrSemaphoreNotSignaled is returned when waiting on a semaphore that
	// no prior submission signals.
	ErrSemaphoreNotSignaled = errors.New("gfx: semaphore has no pending signal")

	// ErrTimeout is returned by WaitTimeout when the deadline passes.
	ErrTimeout = errors.New("gfx: wait timed out")

	// ErrTransferClosed is returned when using a destroyed Transfer.
	ErrTransferClosed = errors.New("gfx: transfer destroyed")
)

// FatalError is the panic payload for unrecoverable GPU failures such as
// allocation, mapping or queue submission errors.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("gfx: fatal: %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// fatal logs err at error level and panics with a *FatalError.
func fatal(op string, err error) {
	gpures.Logger().Error("gfx: fatal GPU error", "op", op, "err", err)
	panic(&FatalError{Op: op, Err: err})
}
