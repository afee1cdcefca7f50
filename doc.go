// Package gpures manages GPU resource lifetimes for a thin engine built on
// gogpu/wgpu/hal.
//
// # Overview
//
// The module owns the hard part of talking to a low-level GPU API: device
// memory is allocated explicitly, CPU data reaches device-local memory through
// staging buffers, and memory is only released once a fence proves the GPU is
// done with it.
//
// # Packages
//
//   - memory: Allocator, Allocation records, the shared ref-counted handle
//   - backend: named HAL backend registry and adapter selection
//   - device: Device (HAL device, round-robin queues, shared allocator) and Config
//   - gfx: Fence, Semaphore, CommandBuffer, Buffer, Image, Texture, Transfer
//   - asset: image decoding and glyph atlas rasterization
//   - shader: WGSL compilation and shader module cache
//
// # Quick Start
//
//	dev, err := device.Open(device.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer dev.Close()
//
//	pool := gfx.NewCommandPool(dev, "setup")
//	defer pool.Destroy()
//
//	var vb *gfx.Buffer
//	err = gfx.SubmitAndWait(dev, pool, func(cb *gfx.CommandBuffer) error {
//	    var err error
//	    vb, err = gfx.NewBuffer(dev, cb, vertices, gfx.BufferVertex, false)
//	    return err
//	})
//
// # Logging
//
// All packages log through the logger configured with [SetLogger]. The
// default logger discards everything.
package gpures

// Version information
const (
	// Version is the current version of the module
	Version = "0.3.0"
)
