package gfx

import (
	"errors"
	"fmt"
	"time"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpures"
	"github.com/gogpu/gpures/device"
)

// SemaphoreWait makes a submission wait on a semaphore before running the
// given stages.
type SemaphoreWait struct {
	Semaphore *Semaphore
	Stage     PipelineStage
}

// Submit submits recorded primary command buffers on the device's next
// queue.
//
// Every wait must refer to a semaphore with a pending signal and every
// signal to an unsignaled one; fence, if not nil, must be unsignaled. These
// checks happen before anything reaches the GPU and are reported as errors.
// A wait on a semaphore signaled from another queue blocks until that
// submission completes, so the new work never races work it depends on.
// A queue submission failure is fatal.
func Submit(dev *device.Device, buffers []*CommandBuffer, waits []SemaphoreWait, signals []*Semaphore, fence *Fence) error {
	if dev == nil {
		return ErrNilDevice
	}
	if dev.Closed() {
		return device.ErrClosed
	}

	raw := make([]hal.CommandBuffer, 0, len(buffers))
	seen := make(map[*CommandBuffer]bool, len(buffers))
	for _, cb := range buffers {
		if seen[cb] {
			return fmt.Errorf("%w: %q listed twice", ErrNotRecorded, cb.label)
		}
		seen[cb] = true

		cb.mu.Lock()
		r, err := cb.submittableLocked()
		cb.mu.Unlock()
		if err != nil {
			return err
		}
		raw = append(raw, r)
	}

	if fence != nil {
		if err := fence.checkUnsignaled(); err != nil {
			return err
		}
	}

	type source struct {
		queue hal.Queue
		index uint64
	}
	sources := make([]source, len(waits))
	waited := make(map[*Semaphore]bool, len(waits))
	for i, w := range waits {
		q, index, err := w.Semaphore.signalSource()
		if err != nil {
			return err
		}
		sources[i] = source{q, index}
		waited[w.Semaphore] = true
	}
	for _, s := range signals {
		if waited[s] {
			continue
		}
		if err := s.checkUnsignaled(); err != nil {
			return err
		}
	}

	q := dev.Queue()
	for i, src := range sources {
		if src.queue != q {
			device.PollUntil(src.queue, src.index, time.Time{})
			gpures.Logger().Debug("gfx: cross-queue semaphore wait",
				"semaphore", waits[i].Semaphore.label, "stage", waits[i].Stage.String())
		}
	}

	index, err := dev.Submit(q, raw)
	switch {
	case errors.Is(err, device.ErrClosed), errors.Is(err, device.ErrForeignQueue):
		return err
	case err != nil:
		fatal("queue submit", err)
	}

	for _, cb := range buffers {
		cb.markSubmitted(q, index)
	}
	for _, w := range waits {
		w.Semaphore.consume()
	}
	for _, s := range signals {
		s.signal(q, index)
	}
	if fence != nil {
		fence.arm(q, index)
	}

	gpures.Logger().Debug("gfx: submitted",
		"buffers", len(buffers), "waits", len(waits), "signals", len(signals), "index", index)
	return nil
}

// SubmitAndWait records a one-time command buffer with record, submits it,
// waits for completion and cleans it up. If record fails the recording is
// discarded and its cleanup entries destroyed.
func SubmitAndWait(dev *device.Device, pool *CommandPool, record func(cb *CommandBuffer) error) error {
	if dev == nil {
		return ErrNilDevice
	}
	cb, err := pool.Allocate(LevelPrimary)
	if err != nil {
		return err
	}
	defer cb.Free()

	if err := cb.Begin(UsageOneTimeSubmit, nil); err != nil {
		return err
	}
	if err := record(cb); err != nil {
		if cerr := cb.Cleanup(dev); cerr != nil {
			gpures.Logger().Warn("gfx: discard recording", "cb", cb.label, "err", cerr)
		}
		return err
	}
	if err := cb.End(); err != nil {
		return err
	}

	fence := NewFence(cb.label, false)
	if err := Submit(dev, []*CommandBuffer{cb}, nil, nil, fence); err != nil {
		if cerr := cb.Cleanup(dev); cerr != nil {
			gpures.Logger().Warn("gfx: discard recording", "cb", cb.label, "err", cerr)
		}
		return err
	}
	if err := fence.Wait(); err != nil {
		return err
	}
	return cb.Cleanup(dev)
}
