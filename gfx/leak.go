package gfx

import (
	"runtime"

	"github.com/gogpu/gpures"
)

// trackLeak logs a warning if obj becomes unreachable before the returned
// cleanup is stopped by its Destroy method.
func trackLeak[T any](obj *T, kind, label string) runtime.Cleanup {
	return runtime.AddCleanup(obj, func(label string) {
		gpures.Logger().Warn("gfx: "+kind+" garbage collected without Destroy", "label", label)
	}, label)
}
