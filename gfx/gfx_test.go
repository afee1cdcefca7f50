package gfx

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpures/backend"
	"github.com/gogpu/gpures/device"
	"github.com/gogpu/gpures/memory"
)

// gateQueue completes submissions only up to a released index, so tests
// can hold work "on the GPU". An open gate completes every submission at
// once.
type gateQueue struct {
	hal.Queue

	mu       sync.Mutex
	index    uint64
	released uint64
	open     bool

	// poison, when set, is the value PollCompleted panics with.
	poison any
}

func (q *gateQueue) Submit([]hal.CommandBuffer) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.index++
	if q.open {
		q.released = q.index
	}
	return q.index, nil
}

func (q *gateQueue) PollCompleted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.poison != nil {
		panic(q.poison)
	}
	return q.released
}

func (q *gateQueue) setPoison(v any) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.poison = v
}

// release completes every submission made so far.
func (q *gateQueue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.released = q.index
}

func (q *gateQueue) setOpen(open bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.open = open
	if open {
		q.released = q.index
	}
}

func (q *gateQueue) submitted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.index
}

func softwareConfig() device.Config {
	cfg := device.DefaultConfig()
	cfg.Backend = backend.Software
	cfg.Label = "test"
	return cfg
}

// openDevice opens a software device whose submissions complete at once.
func openDevice(t *testing.T) *device.Device {
	t.Helper()
	dev, err := device.Open(softwareConfig())
	if err != nil {
		t.Fatalf("open software device: %v", err)
	}
	t.Cleanup(dev.Close)
	return dev
}

// gatedDevice returns a software device with n gated queues. All gates are
// opened before the device closes.
func gatedDevice(t *testing.T, n int) (*device.Device, []*gateQueue) {
	t.Helper()
	opened, err := backend.Open(backend.Software, backend.Options{})
	if err != nil {
		t.Fatalf("open software backend: %v", err)
	}
	t.Cleanup(opened.Close)

	gates := make([]*gateQueue, n)
	queues := make([]hal.Queue, n)
	for i := range gates {
		gates[i] = &gateQueue{Queue: opened.Queue}
		queues[i] = gates[i]
	}
	dev, err := device.New(opened.Device, queues, softwareConfig())
	if err != nil {
		t.Fatalf("device.New: %v", err)
	}
	t.Cleanup(func() {
		for _, g := range gates {
			g.setPoison(nil)
			g.setOpen(true)
		}
		dev.Close()
	})
	return dev, gates
}

func newPool(t *testing.T, dev *device.Device) *CommandPool {
	t.Helper()
	pool, err := NewCommandPool(dev, t.Name())
	if err != nil {
		t.Fatalf("NewCommandPool: %v", err)
	}
	return pool
}

// begin allocates a primary command buffer and starts a one-time recording.
func begin(t *testing.T, pool *CommandPool) *CommandBuffer {
	t.Helper()
	cb, err := pool.Allocate(LevelPrimary)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := cb.Begin(UsageOneTimeSubmit, nil); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	return cb
}

// uploadBuffer creates a buffer holding data with a completed submission.
func uploadBuffer(t *testing.T, dev *device.Device, pool *CommandPool, data []byte, kind BufferKind, persistent bool) *Buffer {
	t.Helper()
	var b *Buffer
	err := SubmitAndWait(dev, pool, func(cb *CommandBuffer) error {
		var err error
		b, err = NewBuffer(dev, cb, data, kind, persistent)
		return err
	})
	if err != nil {
		t.Fatalf("upload buffer: %v", err)
	}
	return b
}

func readBuffer(t *testing.T, dev *device.Device, pool *CommandPool, b *Buffer) []byte {
	t.Helper()
	got, err := ReadBuffer(dev, pool, b)
	if err != nil {
		t.Fatalf("ReadBuffer: %v", err)
	}
	return got
}

func assertBytes(t *testing.T, what string, got, want []byte) {
	t.Helper()
	if !bytes.Equal(got, want) {
		t.Errorf("%s = %v, want %v", what, got, want)
	}
}

func pattern(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = seed + byte(i*7)
	}
	return out
}

func allocStats(dev *device.Device) memory.Stats {
	return dev.Allocator().Stats()
}

// recoverPanic runs fn and returns the value it panicked with, or nil.
func recoverPanic(fn func()) (v any) {
	defer func() { v = recover() }()
	fn()
	return nil
}

func panicErr(t *testing.T, fn func()) error {
	t.Helper()
	v := recoverPanic(fn)
	if v == nil {
		t.Fatal("expected panic")
	}
	err, ok := v.(error)
	if !ok {
		t.Fatalf("panic value %v (%T) is not an error", v, v)
	}
	return err
}

// blocked reports whether done stays open for d.
func blocked(done <-chan struct{}, d time.Duration) bool {
	select {
	case <-done:
		return false
	case <-time.After(d):
		return true
	}
}

func wantErr(t *testing.T, what string, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Errorf("%s: err = %v, want %v", what, err, target)
	}
}
