package gfx

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Layout is the memory layout an image is in.
type Layout uint8

const (
	// LayoutUndefined is the layout of a new image; its contents are undefined.
	LayoutUndefined Layout = iota
	// LayoutTransferDst is the destination of a copy.
	LayoutTransferDst
	// LayoutTransferSrc is the source of a copy or readback.
	LayoutTransferSrc
	// LayoutShaderReadOnly is sampled by shaders.
	LayoutShaderReadOnly
	// LayoutDepthStencilAttachment is a depth attachment.
	LayoutDepthStencilAttachment
	// LayoutColorAttachment is a color attachment.
	LayoutColorAttachment
)

var layoutNames = [...]string{
	"Undefined", "TransferDst", "TransferSrc", "ShaderReadOnly",
	"DepthStencilAttachment", "ColorAttachment",
}

// String returns the layout name.
func (l Layout) String() string {
	if int(l) < len(layoutNames) {
		return layoutNames[l]
	}
	return fmt.Sprintf("Layout(%d)", int(l))
}

// textureUsage returns the HAL usage an image in layout l is bound for.
func (l Layout) textureUsage() gputypes.TextureUsage {
	switch l {
	case LayoutTransferDst:
		return gputypes.TextureUsageCopyDst
	case LayoutTransferSrc:
		return gputypes.TextureUsageCopySrc
	case LayoutShaderReadOnly:
		return gputypes.TextureUsageTextureBinding
	case LayoutDepthStencilAttachment, LayoutColorAttachment:
		return gputypes.TextureUsageRenderAttachment
	default:
		return gputypes.TextureUsageNone
	}
}

// Use is what an image is about to be used for.
type Use uint8

const (
	// UseUpload prepares the image as a copy destination.
	UseUpload Use = iota
	// UseSampled prepares the image for shader reads.
	UseSampled
	// UseReadback prepares the image as a copy source.
	UseReadback
	// UseDepthTarget prepares the image as a depth attachment.
	UseDepthTarget
	// UseColorTarget prepares the image as a color attachment.
	UseColorTarget
)

var useNames = [...]string{"Upload", "Sampled", "Readback", "DepthTarget", "ColorTarget"}

// String returns the use name.
func (u Use) String() string {
	if int(u) < len(useNames) {
		return useNames[u]
	}
	return fmt.Sprintf("Use(%d)", int(u))
}

// Access is a set of memory access kinds guarded by a barrier.
type Access uint32

const (
	AccessTransferRead Access = 1 << iota
	AccessTransferWrite
	AccessShaderRead
	AccessColorAttachmentRead
	AccessColorAttachmentWrite
	AccessDepthStencilRead
	AccessDepthStencilWrite

	AccessNone Access = 0
)

// Barrier is one image layout transition.
type Barrier struct {
	Old, New  Layout
	SrcAccess Access
	DstAccess Access
	SrcStage  PipelineStage
	DstStage  PipelineStage
	Aspect    gputypes.TextureAspect
}

type transitionKey struct {
	from Layout
	use  Use
}

const (
	depthAccess = AccessDepthStencilRead | AccessDepthStencilWrite
	colorAccess = AccessColorAttachmentRead | AccessColorAttachmentWrite
	depthStages = StageEarlyFragmentTests | StageLateFragmentTests
)

// transitions is the full set of supported layout changes. Anything not
// listed is rejected with ErrInvalidTransition.
var transitions = map[transitionKey]Barrier{
	{LayoutUndefined, UseUpload}: {
		New: LayoutTransferDst, DstAccess: AccessTransferWrite,
		SrcStage: StageTopOfPipe, DstStage: StageTransfer,
	},
	{LayoutShaderReadOnly, UseUpload}: {
		New: LayoutTransferDst, SrcAccess: AccessShaderRead, DstAccess: AccessTransferWrite,
		SrcStage: StageFragmentShader, DstStage: StageTransfer,
	},
	{LayoutTransferDst, UseSampled}: {
		New: LayoutShaderReadOnly, SrcAccess: AccessTransferWrite, DstAccess: AccessShaderRead,
		SrcStage: StageTransfer, DstStage: StageFragmentShader,
	},
	{LayoutTransferSrc, UseSampled}: {
		New: LayoutShaderReadOnly, SrcAccess: AccessTransferRead, DstAccess: AccessShaderRead,
		SrcStage: StageTransfer, DstStage: StageFragmentShader,
	},
	{LayoutColorAttachment, UseSampled}: {
		New: LayoutShaderReadOnly, SrcAccess: AccessColorAttachmentWrite, DstAccess: AccessShaderRead,
		SrcStage: StageColorAttachmentOutput, DstStage: StageFragmentShader,
	},
	{LayoutShaderReadOnly, UseReadback}: {
		New: LayoutTransferSrc, SrcAccess: AccessShaderRead, DstAccess: AccessTransferRead,
		SrcStage: StageFragmentShader, DstStage: StageTransfer,
	},
	{LayoutColorAttachment, UseReadback}: {
		New: LayoutTransferSrc, SrcAccess: AccessColorAttachmentWrite, DstAccess: AccessTransferRead,
		SrcStage: StageColorAttachmentOutput, DstStage: StageTransfer,
	},
	{LayoutDepthStencilAttachment, UseReadback}: {
		New: LayoutTransferSrc, SrcAccess: AccessDepthStencilWrite, DstAccess: AccessTransferRead,
		SrcStage: depthStages, DstStage: StageTransfer, Aspect: gputypes.TextureAspectDepthOnly,
	},
	{LayoutUndefined, UseDepthTarget}: {
		New: LayoutDepthStencilAttachment, DstAccess: depthAccess,
		SrcStage: StageTopOfPipe, DstStage: StageEarlyFragmentTests, Aspect: gputypes.TextureAspectDepthOnly,
	},
	{LayoutTransferSrc, UseDepthTarget}: {
		New: LayoutDepthStencilAttachment, SrcAccess: AccessTransferRead, DstAccess: depthAccess,
		SrcStage: StageTransfer, DstStage: StageEarlyFragmentTests, Aspect: gputypes.TextureAspectDepthOnly,
	},
	{LayoutUndefined, UseColorTarget}: {
		New: LayoutColorAttachment, DstAccess: colorAccess,
		SrcStage: StageTopOfPipe, DstStage: StageColorAttachmentOutput,
	},
	{LayoutShaderReadOnly, UseColorTarget}: {
		New: LayoutColorAttachment, SrcAccess: AccessShaderRead, DstAccess: colorAccess,
		SrcStage: StageFragmentShader, DstStage: StageColorAttachmentOutput,
	},
	{LayoutTransferSrc, UseColorTarget}: {
		New: LayoutColorAttachment, SrcAccess: AccessTransferRead, DstAccess: colorAccess,
		SrcStage: StageTransfer, DstStage: StageColorAttachmentOutput,
	},
}

// Transition returns the barrier that moves an image from layout from to
// the layout use needs.
func Transition(from Layout, use Use) (Barrier, error) {
	b, ok := transitions[transitionKey{from, use}]
	if !ok {
		return Barrier{}, fmt.Errorf("%w: %s for %s", ErrInvalidTransition, from, use)
	}
	b.Old = from
	if b.Aspect == gputypes.TextureAspectUndefined {
		b.Aspect = gputypes.TextureAspectAll
	}
	return b, nil
}

// halBarrier lowers b to a HAL texture barrier covering one mip level and
// one array layer of tex.
func (b Barrier) halBarrier(tex hal.Texture) hal.TextureBarrier {
	return hal.TextureBarrier{
		Texture: tex,
		Range: hal.TextureRange{
			Aspect:          b.Aspect,
			MipLevelCount:   1,
			ArrayLayerCount: 1,
		},
		Usage: hal.TextureUsageTransition{
			OldUsage: b.Old.textureUsage(),
			NewUsage: b.New.textureUsage(),
		},
	}
}
