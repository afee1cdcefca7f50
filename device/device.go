// Package device bundles a HAL device, its queues and the shared memory
// allocator into the Device handle every gfx resource is created against.
package device

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpures"
	"github.com/gogpu/gpures/backend"
	"github.com/gogpu/gpures/memory"
)

// Device errors.
var (
	// ErrNilDevice is returned when creating a Device without a HAL device.
	ErrNilDevice = errors.New("device: hal device is nil")

	// ErrNoQueue is returned when creating a Device without queues.
	ErrNoQueue = errors.New("device: no queues")

	// ErrForeignQueue is returned when submitting to a queue the Device does not own.
	ErrForeignQueue = errors.New("device: queue does not belong to this device")

	// ErrClosed is returned when using a closed Device.
	ErrClosed = errors.New("device: closed")
)

// Info describes the adapter behind a Device.
type Info struct {
	// Backend is the backend registry name, or "" for a host-supplied device.
	Backend string

	// Adapter is the adapter name and type.
	Adapter gpucontext.AdapterInfo

	Vendor string
	Driver string

	// Features are the features enabled on the device.
	Features gputypes.Features
}

// Device is the HAL device, its queues and the shared allocator.
//
// Device is safe for concurrent use.
type Device struct {
	raw    hal.Device
	queues []hal.Queue

	// last[i] is the newest submission index handed out by queues[i].
	last []atomic.Uint64
	next atomic.Uint64

	alloc *memory.Shared
	info  Info
	cfg   Config

	// submitMu serializes submissions when cfg.SerializeSubmissions is set.
	submitMu sync.Mutex

	opened    *backend.Opened
	closed    atomic.Bool
	closeOnce sync.Once
}

// New wraps a HAL device owned by the caller. Close releases the
// allocator but leaves raw alive.
func New(raw hal.Device, queues []hal.Queue, cfg Config) (*Device, error) {
	if raw == nil {
		return nil, ErrNilDevice
	}
	if len(queues) == 0 {
		return nil, ErrNoQueue
	}
	for i, q := range queues {
		if q == nil {
			return nil, fmt.Errorf("%w: queue %d is nil", ErrNoQueue, i)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a, err := memory.New(raw, memory.Config{MaxMemoryMB: cfg.MemoryBudgetMB})
	if err != nil {
		return nil, fmt.Errorf("device: create allocator: %w", err)
	}

	return &Device{
		raw:    raw,
		queues: append([]hal.Queue(nil), queues...),
		last:   make([]atomic.Uint64, len(queues)),
		alloc:  memory.Share(a),
		cfg:    cfg,
	}, nil
}

// Open selects a backend and adapter per cfg and opens a device on it.
// Close destroys the device.
func Open(cfg Config) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	required, _ := ParseFeatures(cfg.RequiredFeatures)
	optional, _ := ParseFeatures(cfg.OptionalFeatures)

	opened, err := backend.Open(cfg.Backend, backend.Options{
		PreferDiscrete: cfg.PreferDiscrete,
		Required:       required,
		Optional:       optional,
	})
	if err != nil {
		return nil, fmt.Errorf("device: open: %w", err)
	}

	for _, name := range FeatureNames(optional &^ opened.Features) {
		gpures.Logger().Warn("device: optional feature not supported", "feature", name, "adapter", opened.Info.Name)
	}

	d, err := New(opened.Device, []hal.Queue{opened.Queue}, cfg)
	if err != nil {
		opened.Close()
		return nil, err
	}
	d.opened = opened
	d.alloc.OnClose(opened.Close)
	d.info = Info{
		Backend: opened.Name,
		Adapter: gpucontext.AdapterInfo{
			Name: opened.Info.Name,
			Type: adapterType(opened.Info.DeviceType),
		},
		Vendor:   opened.Info.Vendor,
		Driver:   opened.Info.Driver,
		Features: opened.Features,
	}
	return d, nil
}

// Raw returns the HAL device.
func (d *Device) Raw() hal.Device { return d.raw }

// Queue returns the next queue in round-robin order.
func (d *Device) Queue() hal.Queue {
	n := d.next.Add(1) - 1
	return d.queues[n%uint64(len(d.queues))]
}

// Queues returns all queues of the device.
func (d *Device) Queues() []hal.Queue {
	return append([]hal.Queue(nil), d.queues...)
}

// Allocator returns the shared allocator handle. Callers that keep it past
// the current call must Retain it and Release it when done.
func (d *Device) Allocator() *memory.Shared { return d.alloc }

// Info returns adapter information.
func (d *Device) Info() Info { return d.info }

// Config returns the configuration the device was created with.
func (d *Device) Config() Config { return d.cfg }

// Label returns name prefixed with the configured label.
func (d *Device) Label(name string) string {
	if d.cfg.Label == "" {
		return name
	}
	return d.cfg.Label + ":" + name
}

// Closed reports whether Close has been called.
func (d *Device) Closed() bool { return d.closed.Load() }

// Submit submits command buffers on q and returns the submission index.
// With SerializeSubmissions every earlier submission on every queue has
// completed before the new one is handed to the HAL.
func (d *Device) Submit(q hal.Queue, buffers []hal.CommandBuffer) (uint64, error) {
	if d.closed.Load() {
		return 0, ErrClosed
	}
	idx := d.queueIndex(q)
	if idx < 0 {
		return 0, ErrForeignQueue
	}

	if d.cfg.SerializeSubmissions {
		d.submitMu.Lock()
		defer d.submitMu.Unlock()
		d.waitQueues(time.Time{})
	}

	index, err := q.Submit(buffers)
	if err != nil {
		return 0, fmt.Errorf("device: submit: %w", err)
	}
	for {
		prev := d.last[idx].Load()
		if index <= prev || d.last[idx].CompareAndSwap(prev, index) {
			break
		}
	}
	return index, nil
}

// LastSubmission returns the newest submission index issued on q.
func (d *Device) LastSubmission(q hal.Queue) uint64 {
	if i := d.queueIndex(q); i >= 0 {
		return d.last[i].Load()
	}
	return 0
}

// WaitIdle blocks until every submission made through the device has
// completed, then waits for the HAL device to go idle.
func (d *Device) WaitIdle() error {
	d.waitQueues(time.Time{})
	if err := d.raw.WaitIdle(); err != nil {
		return fmt.Errorf("device: wait idle: %w", err)
	}
	return nil
}

// Close waits for the device to go idle and releases the device's
// allocator reference. The allocator closes once background tasks holding
// their own references finish. A HAL device created by Open is destroyed
// after that, so it outlives every allocator holder.
func (d *Device) Close() {
	d.closeOnce.Do(func() {
		if err := d.WaitIdle(); err != nil {
			gpures.Logger().Warn("device: close", "err", err)
		}
		d.closed.Store(true)
		d.alloc.Release()
	})
}

func (d *Device) queueIndex(q hal.Queue) int {
	for i, own := range d.queues {
		if own == q {
			return i
		}
	}
	return -1
}

func (d *Device) waitQueues(deadline time.Time) bool {
	for i, q := range d.queues {
		if !PollUntil(q, d.last[i].Load(), deadline) {
			return false
		}
	}
	return true
}

// Poll backoff bounds.
const (
	minPollInterval = 20 * time.Microsecond
	maxPollInterval = 2 * time.Millisecond
)

// PollUntil blocks until q reports submission index as completed. A zero
// deadline waits forever. It returns false if the deadline passed first.
func PollUntil(q hal.Queue, index uint64, deadline time.Time) bool {
	if q.PollCompleted() >= index {
		return true
	}
	runtime.Gosched()

	interval := minPollInterval
	for q.PollCompleted() < index {
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(interval)
		interval = min(interval*2, maxPollInterval)
	}
	return true
}

func adapterType(t gputypes.DeviceType) gpucontext.AdapterType {
	switch t {
	case gputypes.DeviceTypeDiscreteGPU:
		return gpucontext.AdapterTypeDiscrete
	case gputypes.DeviceTypeIntegratedGPU:
		return gpucontext.AdapterTypeIntegrated
	case gputypes.DeviceTypeCPU:
		return gpucontext.AdapterTypeSoftware
	default:
		return gpucontext.AdapterTypeUnknown
	}
}
