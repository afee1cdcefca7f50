// Package shader compiles WGSL to SPIR-V and caches the resulting HAL
// shader modules per device.
package shader

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/naga"
	"github.com/gogpu/naga/spirv"
	"github.com/gogpu/wgpu/hal"
	"golang.org/x/sync/singleflight"

	"github.com/gogpu/gpures"
	"github.com/gogpu/gpures/device"
)

// SPIRVMagic is the first word of every SPIR-V module.
const SPIRVMagic = 0x07230203

var (
	// ErrCompile wraps WGSL parse, lowering and validation failures.
	ErrCompile = errors.New("shader: compile failed")

	// ErrCacheClosed is returned by Module after Destroy.
	ErrCacheClosed = errors.New("shader: cache destroyed")
)

// Options controls compilation.
type Options struct {
	// Validate runs IR validation before code generation.
	Validate bool
	// Debug emits debug names and line information.
	Debug bool
}

// DefaultOptions validates and omits debug info.
func DefaultOptions() Options {
	return Options{Validate: true}
}

// Compile compiles WGSL source to SPIR-V words with DefaultOptions.
func Compile(wgsl string) ([]uint32, error) {
	return CompileWithOptions(wgsl, DefaultOptions())
}

// CompileWithOptions compiles WGSL source to SPIR-V 1.3 words.
func CompileWithOptions(wgsl string, opts Options) ([]uint32, error) {
	code, err := naga.CompileWithOptions(wgsl, naga.CompileOptions{
		SPIRVVersion: spirv.Version1_3,
		Validate:     opts.Validate,
		Debug:        opts.Debug,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompile, err)
	}
	if len(code) < 4 || len(code)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a word stream", ErrCompile, len(code))
	}

	words := make([]uint32, len(code)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(code[i*4:])
	}
	if words[0] != SPIRVMagic {
		return nil, fmt.Errorf("%w: bad magic 0x%08x", ErrCompile, words[0])
	}
	return words, nil
}

// Cache creates one HAL shader module per distinct WGSL source on a device.
// Concurrent requests for the same source compile once.
//
// Cache is safe for concurrent use.
type Cache struct {
	dev  *device.Device
	opts Options

	mu      sync.Mutex
	modules map[string]hal.ShaderModule
	closed  bool

	group singleflight.Group
}

// NewCache returns an empty cache for dev.
func NewCache(dev *device.Device, opts Options) *Cache {
	return &Cache{
		dev:     dev,
		opts:    opts,
		modules: make(map[string]hal.ShaderModule),
	}
}

// Module returns the module for wgsl, compiling and creating it on first
// use. label names the module when it is created.
func (c *Cache) Module(label, wgsl string) (hal.ShaderModule, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrCacheClosed
	}
	if m, ok := c.modules[wgsl]; ok {
		c.mu.Unlock()
		return m, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(wgsl, func() (any, error) {
		c.mu.Lock()
		m, ok := c.modules[wgsl]
		c.mu.Unlock()
		if ok {
			return m, nil
		}

		words, err := CompileWithOptions(wgsl, c.opts)
		if err != nil {
			return nil, fmt.Errorf("shader %q: %w", label, err)
		}
		m, err = c.dev.Raw().CreateShaderModule(&hal.ShaderModuleDescriptor{
			Label:  c.dev.Label(label),
			Source: hal.ShaderSource{SPIRV: words},
		})
		if err != nil {
			return nil, fmt.Errorf("shader %q: create module: %w", label, err)
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			c.dev.Raw().DestroyShaderModule(m)
			return nil, ErrCacheClosed
		}
		c.modules[wgsl] = m
		gpures.Logger().Debug("shader: module created", "label", label, "words", len(words))
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(hal.ShaderModule), nil
}

// Len returns the number of cached modules.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.modules)
}

// Destroy destroys every cached module. Later Module calls fail with
// ErrCacheClosed. A second call is a no-op.
func (c *Cache) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for src, m := range c.modules {
		c.dev.Raw().DestroyShaderModule(m)
		delete(c.modules, src)
	}
}
