// Package gfx manages GPU resource lifetimes and transfer synchronization.
//
// Resources are uploaded through host-visible staging buffers whose
// lifetime is tied to the command buffer that copies from them:
//
//	pool, _ := gfx.NewCommandPool(dev, "setup")
//	err := gfx.SubmitAndWait(dev, pool, func(cb *gfx.CommandBuffer) error {
//		var err error
//		vertices, err = gfx.NewBuffer(dev, cb, data, gfx.BufferVertex, false)
//		return err
//	})
//
// NewBuffer records the copy and appends the staging buffer to the command
// buffer's cleanup list. The list is destroyed by Cleanup once the
// submission's Fence is signaled, never earlier; Free panics if it is not
// empty.
//
// # Per-frame uploads
//
// Transfer keeps one persistent buffer filled with per-frame data. Each
// Frame joins the previous frame's background cleanup goroutine, records
// the upload into its reusable command buffer, submits it with a fence and
// spawns a new goroutine that waits for the fence and cleans up through a
// retained allocator handle.
//
// # Images
//
// Image tracks its layout and changes it only through the transition
// table (see Transition); unsupported changes fail with
// ErrInvalidTransition.
//
// # Errors
//
// Misuse is reported as an error before anything reaches the GPU. GPU
// failures (allocation, mapping, queue submission) panic with a
// *FatalError after an error-level log line.
package gfx
