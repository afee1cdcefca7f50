package gfx

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpures/device"
)

// Texture is an Image with a full view and a nearest-filtering,
// clamp-to-edge sampler, ready to bind for shader reads.
type Texture struct {
	mu      sync.Mutex
	dev     *device.Device
	image   *Image
	view    hal.TextureView
	sampler hal.Sampler
}

// NewTexture creates a view and sampler for img. The Texture takes
// ownership of img and destroys it in Destroy.
func NewTexture(dev *device.Device, img *Image) (*Texture, error) {
	if dev == nil {
		return nil, ErrNilDevice
	}
	raw := img.Raw()
	if raw == nil {
		return nil, fmt.Errorf("%w: image %q", ErrDestroyed, img.Label())
	}

	aspect := gputypes.TextureAspectAll
	if img.Format().HasDepth() {
		aspect = gputypes.TextureAspectDepthOnly
	}
	view, err := dev.Raw().CreateTextureView(raw, &hal.TextureViewDescriptor{
		Label:           img.Label() + "-view",
		Format:          img.Format(),
		Dimension:       gputypes.TextureViewDimension2D,
		Aspect:          aspect,
		MipLevelCount:   1,
		ArrayLayerCount: 1,
	})
	if err != nil {
		fatal("create texture view", err)
	}

	sampler, err := dev.Raw().CreateSampler(&hal.SamplerDescriptor{
		Label:        img.Label() + "-sampler",
		AddressModeU: gputypes.AddressModeClampToEdge,
		AddressModeV: gputypes.AddressModeClampToEdge,
		AddressModeW: gputypes.AddressModeClampToEdge,
		MagFilter:    gputypes.FilterModeNearest,
		MinFilter:    gputypes.FilterModeNearest,
		MipmapFilter: gputypes.FilterModeNearest,
		LodMaxClamp:  32,
	})
	if err != nil {
		dev.Raw().DestroyTextureView(view)
		fatal("create sampler", err)
	}

	return &Texture{dev: dev, image: img, view: view, sampler: sampler}, nil
}

// Image returns the underlying image.
func (t *Texture) Image() *Image { return t.image }

// View returns the texture view, or nil once destroyed.
func (t *Texture) View() hal.TextureView {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view
}

// Sampler returns the sampler, or nil once destroyed.
func (t *Texture) Sampler() hal.Sampler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sampler
}

// Destroy frees the sampler, the view and the image. A second call is a
// no-op.
func (t *Texture) Destroy() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.view == nil {
		return nil
	}
	t.dev.Raw().DestroySampler(t.sampler)
	t.dev.Raw().DestroyTextureView(t.view)
	t.sampler, t.view = nil, nil
	return t.image.Destroy()
}
