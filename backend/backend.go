package backend

import (
	"errors"

	"github.com/gogpu/gputypes"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not registered.
	ErrBackendNotAvailable = errors.New("backend: not available")

	// ErrNoAdapter is returned when a backend enumerates no adapters.
	ErrNoAdapter = errors.New("backend: no adapter found")

	// ErrMissingFeatures is returned when no adapter supports the required features.
	ErrMissingFeatures = errors.New("backend: no adapter supports the required features")
)

// Backend name constants.
const (
	// Auto selects the best available backend by priority.
	Auto = "auto"
	// Vulkan is the name of the Vulkan backend.
	Vulkan = "vulkan"
	// Metal is the name of the Metal backend.
	Metal = "metal"
	// DX12 is the name of the Direct3D 12 backend.
	DX12 = "dx12"
	// GLES is the name of the OpenGL ES backend.
	GLES = "gles"
	// Software is the name of the CPU-based software backend.
	Software = "software"
)

// builtin maps backend names to the HAL variant they register as.
// The software rasterizer registers as BackendEmpty.
var builtin = []struct {
	name    string
	variant gputypes.Backend
}{
	{Vulkan, gputypes.BackendVulkan},
	{Metal, gputypes.BackendMetal},
	{DX12, gputypes.BackendDX12},
	{GLES, gputypes.BackendGL},
	{Software, gputypes.BackendEmpty},
}

// NameOf returns the registry name for a HAL backend variant, or "" if the
// variant has no built-in name.
func NameOf(variant gputypes.Backend) string {
	for _, b := range builtin {
		if b.variant == variant {
			return b.name
		}
	}
	return ""
}
