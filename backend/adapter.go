package backend

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpures"
)

// Options controls adapter selection and device creation.
type Options struct {
	// PreferDiscrete ranks discrete GPUs above integrated ones.
	PreferDiscrete bool

	// Required features must be supported by the chosen adapter.
	Required gputypes.Features

	// Optional features are enabled when the adapter supports them.
	Optional gputypes.Features

	// Limits are requested from the adapter. Zero means gputypes.DefaultLimits.
	Limits *gputypes.Limits
}

// Opened is an open logical device together with the instance and adapter
// it came from.
type Opened struct {
	// Name is the registry name of the backend.
	Name string

	// Info describes the selected adapter.
	Info gputypes.AdapterInfo

	// Features are the features enabled on Device.
	Features gputypes.Features

	// Capabilities are the adapter capabilities.
	Capabilities hal.Capabilities

	Device hal.Device
	Queue  hal.Queue

	instance hal.Instance
}

// Closed reports whether Close has run.
func (o *Opened) Closed() bool { return o.Device == nil }

// Close destroys the device and its instance. Safe to call more than once.
func (o *Opened) Close() {
	if o.Device != nil {
		o.Device.Destroy()
		o.Device = nil
		o.Queue = nil
	}
	if o.instance != nil {
		o.instance.Destroy()
		o.instance = nil
	}
}

// Open opens a device on the named backend. With Auto or "" every
// registered backend is tried in priority order and the first one that
// yields a usable adapter wins.
func Open(name string, opts Options) (*Opened, error) {
	if name != "" && name != Auto {
		b, err := Get(name)
		if err != nil {
			return nil, err
		}
		return openWith(name, b, opts)
	}
	return openFirst(Available(), opts)
}

// openFirst tries names in order and returns the first device that opens.
func openFirst(names []string, opts Options) (*Opened, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no backends registered", ErrBackendNotAvailable)
	}

	var errs []error
	for _, name := range names {
		b, err := Get(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		opened, err := openWith(name, b, opts)
		if err != nil {
			gpures.Logger().Info("backend: skipping", "name", name, "err", err)
			errs = append(errs, err)
			continue
		}
		return opened, nil
	}
	return nil, errors.Join(errs...)
}

func openWith(name string, b hal.Backend, opts Options) (*Opened, error) {
	instance, err := b.CreateInstance(&hal.InstanceDescriptor{Backends: gputypes.BackendsAll})
	if err != nil {
		return nil, fmt.Errorf("backend %s: create instance: %w", name, err)
	}

	adapters := instance.EnumerateAdapters(nil)
	idx, err := SelectAdapter(adapters, opts.PreferDiscrete, opts.Required)
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("backend %s: %w", name, err)
	}
	exposed := adapters[idx]

	limits := gputypes.DefaultLimits()
	if opts.Limits != nil {
		limits = *opts.Limits
	}
	features := opts.Required.Union(opts.Optional.Intersect(exposed.Features))

	od, err := exposed.Adapter.Open(features, limits)
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("backend %s: open %q: %w", name, exposed.Info.Name, err)
	}

	gpures.Logger().Info("backend: device opened",
		"backend", name,
		"adapter", exposed.Info.Name,
		"type", exposed.Info.DeviceType.String(),
		"features", features.Count())

	return &Opened{
		Name:         name,
		Info:         exposed.Info,
		Features:     features,
		Capabilities: exposed.Capabilities,
		Device:       od.Device,
		Queue:        od.Queue,
		instance:     instance,
	}, nil
}

// SelectAdapter returns the index of the best adapter in adapters.
// Adapters missing any required feature are skipped; ties keep
// enumeration order.
func SelectAdapter(adapters []hal.ExposedAdapter, preferDiscrete bool, required gputypes.Features) (int, error) {
	if len(adapters) == 0 {
		return -1, ErrNoAdapter
	}

	best, bestScore := -1, -1
	for i, a := range adapters {
		if !a.Features.ContainsAll(required) {
			continue
		}
		if s := adapterScore(a.Info.DeviceType, preferDiscrete); s > bestScore {
			best, bestScore = i, s
		}
	}
	if best < 0 {
		return -1, ErrMissingFeatures
	}
	return best, nil
}

func adapterScore(t gputypes.DeviceType, preferDiscrete bool) int {
	switch t {
	case gputypes.DeviceTypeDiscreteGPU:
		if preferDiscrete {
			return 4
		}
		return 3
	case gputypes.DeviceTypeIntegratedGPU:
		if preferDiscrete {
			return 3
		}
		return 4
	case gputypes.DeviceTypeVirtualGPU:
		return 2
	case gputypes.DeviceTypeCPU:
		return 1
	default:
		return 0
	}
}
