package backend

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/wgpu/hal"
	_ "github.com/gogpu/wgpu/hal/allbackends" // registers platform HAL backends

	"github.com/gogpu/gpures"
)

// Priority order for backend selection (first available wins).
// Hardware APIs beat GLES; software is the fallback.
var priority = []string{Vulkan, Metal, DX12, GLES, Software}

var registry = gpucontext.NewRegistry[hal.Backend](gpucontext.WithPriority(priority...))

// init registers every HAL backend that the allbackends import made available.
func init() {
	for _, b := range builtin {
		if impl, ok := hal.GetBackend(b.variant); ok {
			Register(b.name, func() hal.Backend { return impl })
		}
	}
}

// Register registers a backend factory with the given name.
// If a backend with the same name is already registered, it is replaced.
func Register(name string, factory func() hal.Backend) {
	registry.Register(name, factory)
	gpures.Logger().Debug("backend: registered", "name", name)
}

// Unregister removes a backend from the registry.
func Unregister(name string) {
	registry.Unregister(name)
}

// IsRegistered checks if a backend with the given name is registered.
func IsRegistered(name string) bool {
	return registry.Has(name)
}

// Available returns the registered backend names in selection order.
func Available() []string {
	names := registry.Available()
	slices.SortFunc(names, func(a, b string) int {
		if c := cmp.Compare(rank(a), rank(b)); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	return names
}

// DefaultName returns the name of the highest-priority registered backend,
// or "" if none is registered.
func DefaultName() string {
	return registry.BestName()
}

// Get returns the backend registered under name. Auto and "" return the
// highest-priority backend.
func Get(name string) (hal.Backend, error) {
	if name == "" || name == Auto {
		name = DefaultName()
	}
	if name == "" || !registry.Has(name) {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotAvailable, name)
	}
	b := registry.Get(name)
	if b == nil {
		return nil, fmt.Errorf("%w: %q factory returned nil", ErrBackendNotAvailable, name)
	}
	return b, nil
}

// rank returns the position of name in the priority list. Unknown names
// sort after every known one.
func rank(name string) int {
	if i := slices.Index(priority, name); i >= 0 {
		return i
	}
	return len(priority)
}
