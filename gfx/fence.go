package gfx

import (
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpures/device"
)

type fenceState uint8

const (
	fenceUnsignaled fenceState = iota
	fencePending
	fenceSignaled
)

// Fence is a binary CPU-visible completion signal. Submit arms it with the
// submission's queue index; it becomes signaled once the queue reports that
// index completed. Reset returns it to unsignaled for reuse.
type Fence struct {
	mu    sync.Mutex
	label string
	state fenceState
	queue hal.Queue
	index uint64
}

// NewFence creates a fence, already signaled if signaled is true.
func NewFence(label string, signaled bool) *Fence {
	f := &Fence{label: label}
	if signaled {
		f.state = fenceSignaled
	}
	return f
}

// Label returns the debug label.
func (f *Fence) Label() string { return f.label }

// Signaled reports whether the fence is signaled without blocking.
func (f *Fence) Signaled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pollLocked()
}

// Wait blocks until the fence is signaled. There is no timeout.
func (f *Fence) Wait() error {
	return f.wait(time.Time{})
}

// WaitTimeout blocks until the fence is signaled or d elapses.
func (f *Fence) WaitTimeout(d time.Duration) error {
	return f.wait(time.Now().Add(d))
}

func (f *Fence) wait(deadline time.Time) error {
	f.mu.Lock()
	switch f.state {
	case fenceSignaled:
		f.mu.Unlock()
		return nil
	case fenceUnsignaled:
		f.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrFenceNotSubmitted, f.label)
	}
	q, index := f.queue, f.index
	f.mu.Unlock()

	if !device.PollUntil(q, index, deadline) {
		return fmt.Errorf("%w: fence %q at submission %d", ErrTimeout, f.label, index)
	}

	f.mu.Lock()
	if f.state == fencePending && f.index == index {
		f.state = fenceSignaled
	}
	f.mu.Unlock()
	return nil
}

// Reset returns a signaled fence to unsignaled. Resetting a fence whose
// submission is still executing returns ErrFenceInUse.
func (f *Fence) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == fencePending && !f.pollLocked() {
		return fmt.Errorf("%w: %q at submission %d", ErrFenceInUse, f.label, f.index)
	}
	f.state = fenceUnsignaled
	f.queue = nil
	f.index = 0
	return nil
}

// checkUnsignaled verifies the fence can be handed to a submission.
func (f *Fence) checkUnsignaled() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != fenceUnsignaled {
		return fmt.Errorf("%w: %q", ErrFenceInUse, f.label)
	}
	return nil
}

// arm ties the fence to a submission.
func (f *Fence) arm(q hal.Queue, index uint64) {
	f.mu.Lock()
	f.state = fencePending
	f.queue = q
	f.index = index
	f.mu.Unlock()
}

// pollLocked promotes a pending fence whose submission completed.
// Caller must hold mu.
func (f *Fence) pollLocked() bool {
	if f.state == fencePending && f.queue.PollCompleted() >= f.index {
		f.state = fenceSignaled
	}
	return f.state == fenceSignaled
}
