package gfx

import (
	"fmt"
	"sync"

	"github.com/gogpu/gpures"
	"github.com/gogpu/gpures/device"
)

// TransferConfig configures a Transfer.
type TransferConfig struct {
	// Kind is the kind of the buffer the transfer keeps filled.
	Kind BufferKind

	// Label names the command buffer, fence and semaphore.
	Label string

	// SignalSemaphore makes every frame signal Semaphore(). The consumer
	// must wait on it before the next frame.
	SignalSemaphore bool
}

// Update is an extra persistent buffer refreshed in the same frame.
type Update struct {
	Buffer *Buffer
	Data   []byte
}

// TransferStats counts Transfer activity.
type TransferStats struct {
	// Frames is the number of submitted frames.
	Frames uint64
	// Recreated counts frames whose data length changed and replaced the buffer.
	Recreated uint64
	// Updated counts frames that rewrote the buffer in place.
	Updated uint64
	// Skipped counts frames with no data.
	Skipped uint64
}

// cleanupTask is one background wait-and-clean run.
type cleanupTask struct {
	done  chan struct{}
	err   error
	panic any
}

// Transfer uploads a per-frame byte payload into a persistent device
// buffer. Each frame is recorded into one reusable command buffer,
// submitted with a fence, and cleaned up by a background goroutine that
// waits for the fence. At most one such goroutine exists at a time: the
// next Frame joins it before touching the command buffer again.
//
// Frame, Wait and Destroy must not be called concurrently.
type Transfer struct {
	mu    sync.Mutex
	dev   *device.Device
	cfg   TransferConfig
	cb    *CommandBuffer
	fence *Fence
	sem   *Semaphore
	buf   *Buffer

	task   *cleanupTask
	stats  TransferStats
	closed bool
}

// NewTransfer creates a Transfer with its own command buffer from pool.
func NewTransfer(dev *device.Device, pool *CommandPool, cfg TransferConfig) (*Transfer, error) {
	if dev == nil {
		return nil, ErrNilDevice
	}
	if cfg.Label == "" {
		cfg.Label = "transfer"
	}
	cb, err := pool.Allocate(LevelPrimary)
	if err != nil {
		return nil, err
	}

	t := &Transfer{
		dev:   dev,
		cfg:   cfg,
		cb:    cb,
		fence: NewFence(dev.Label(cfg.Label+"-fence"), false),
	}
	if cfg.SignalSemaphore {
		t.sem = NewSemaphore(dev.Label(cfg.Label + "-semaphore"))
	}
	return t, nil
}

// Frame uploads data for this frame. If len(data) differs from the
// previous frame the buffer is replaced, and the old one is freed once this
// frame's submission completes; otherwise it is rewritten in place. Extra
// updates are recorded into the same submission. Empty data skips the
// frame.
//
// A panic raised by the previous frame's cleanup goroutine is re-raised
// here.
func (t *Transfer) Frame(data []byte, extra ...Update) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransferClosed
	}
	if len(data) == 0 {
		t.stats.Skipped++
		return nil
	}
	if err := t.joinLocked(); err != nil {
		return err
	}

	for _, u := range extra {
		if n := u.Buffer.Size(); n == 0 {
			return fmt.Errorf("%w: buffer %q", ErrDestroyed, u.Buffer.Label())
		} else if n != uint64(len(u.Data)) {
			return fmt.Errorf("%w: buffer %q has %d bytes, got %d", ErrSizeMismatch, u.Buffer.Label(), n, len(u.Data))
		}
	}
	if t.sem != nil && t.sem.Pending() {
		return fmt.Errorf("%w: %q was not consumed since the last frame", ErrSemaphoreSignaled, t.sem.Label())
	}

	if err := t.cb.Reset(); err != nil {
		return err
	}
	if err := t.cb.Begin(UsageOneTimeSubmit, nil); err != nil {
		return err
	}
	if err := t.recordLocked(data, extra); err != nil {
		if cerr := t.cb.Cleanup(t.dev); cerr != nil {
			gpures.Logger().Warn("gfx: discard transfer frame", "err", cerr)
		}
		return err
	}
	if err := t.cb.End(); err != nil {
		return err
	}

	var signals []*Semaphore
	if t.sem != nil {
		signals = []*Semaphore{t.sem}
	}
	if err := Submit(t.dev, []*CommandBuffer{t.cb}, nil, signals, t.fence); err != nil {
		return err
	}
	t.stats.Frames++

	t.spawnLocked()
	return nil
}

func (t *Transfer) recordLocked(data []byte, extra []Update) error {
	switch {
	case t.buf == nil:
		buf, err := NewBuffer(t.dev, t.cb, data, t.cfg.Kind, true)
		if err != nil {
			return err
		}
		t.buf = buf
	case t.buf.Size() != uint64(len(data)):
		if err := t.buf.DestroyDeferred(t.cb); err != nil {
			return err
		}
		t.buf = nil
		buf, err := NewBuffer(t.dev, t.cb, data, t.cfg.Kind, true)
		if err != nil {
			return err
		}
		gpures.Logger().Debug("gfx: transfer buffer recreated",
			"label", t.cfg.Label, "bytes", len(data))
		t.buf = buf
		t.stats.Recreated++
	default:
		if err := t.buf.Update(t.cb, data); err != nil {
			return err
		}
		t.stats.Updated++
	}

	for _, u := range extra {
		if err := u.Buffer.Update(t.cb, u.Data); err != nil {
			return err
		}
	}
	return nil
}

// spawnLocked starts the goroutine that waits for this frame's fence and
// destroys the frame's cleanup list. It holds its own allocator reference.
func (t *Transfer) spawnLocked() {
	shared := t.dev.Allocator().Retain()
	task := &cleanupTask{done: make(chan struct{})}
	cb, fence := t.cb, t.fence

	go func() {
		defer close(task.done)
		defer shared.Release()
		defer func() {
			if r := recover(); r != nil {
				task.panic = r
			}
		}()

		if err := fence.Wait(); err != nil {
			task.err = err
			return
		}
		if err := fence.Reset(); err != nil {
			task.err = err
			return
		}
		task.err = cb.CleanupRaw(shared)
	}()
	t.task = task
}

// joinLocked waits for the outstanding cleanup goroutine, if any.
func (t *Transfer) joinLocked() error {
	task := t.task
	if task == nil {
		return nil
	}
	<-task.done
	t.task = nil

	if task.panic != nil {
		panic(task.panic)
	}
	if task.err != nil {
		return fmt.Errorf("gfx: transfer cleanup: %w", task.err)
	}
	return nil
}

// Wait blocks until the last frame's cleanup has finished.
func (t *Transfer) Wait() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.joinLocked()
}

// Pending reports whether a cleanup goroutine is outstanding.
func (t *Transfer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.task != nil
}

// Buffer returns the current device buffer, or nil before the first frame.
func (t *Transfer) Buffer() *Buffer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf
}

// Semaphore returns the semaphore each frame signals, or nil.
func (t *Transfer) Semaphore() *Semaphore { return t.sem }

// Stats returns the transfer counters.
func (t *Transfer) Stats() TransferStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Destroy joins the cleanup goroutine, destroys the buffer and frees the
// command buffer. A second call is a no-op.
func (t *Transfer) Destroy() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	err := t.joinLocked()
	t.closed = true

	if t.buf != nil {
		if derr := t.buf.Destroy(); derr != nil && err == nil {
			err = derr
		}
		t.buf = nil
	}
	if n := t.cb.CleanupLen(); n > 0 {
		if cerr := t.cb.CleanupRaw(t.dev.Allocator()); cerr != nil && err == nil {
			err = cerr
		}
	}
	t.cb.Free()
	return err
}
