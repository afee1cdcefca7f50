package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gogpu/gpures/asset"
	"github.com/gogpu/gpures/device"
	"github.com/gogpu/gpures/gfx"
)

type uploadOptions struct {
	images   []string
	maxSize  uint32
	glyphs   string
	fontSize float64
	verify   bool
}

func newUploadCmd(a *app) *cobra.Command {
	var opts uploadOptions
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Decode images or rasterize glyphs and upload them as textures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(opts.images) == 0 && opts.glyphs == "" {
				return errors.New("nothing to upload: pass --image or --glyphs")
			}
			return a.upload(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&opts.images, "image", nil, "image file to upload (repeatable)")
	f.Uint32Var(&opts.maxSize, "max-size", 4096, "scale images down so neither side exceeds this")
	f.StringVar(&opts.glyphs, "glyphs", "", "runes to rasterize into a glyph atlas with Go Regular")
	f.Float64Var(&opts.fontSize, "font-size", 24, "glyph atlas font size in pixels")
	f.BoolVar(&opts.verify, "verify", true, "read every texture back and compare it with the source pixels")
	return cmd
}

type upload struct {
	name string
	px   *asset.Pixels
}

func (a *app) upload(cmd *cobra.Command, opts uploadOptions) error {
	var uploads []upload

	images := asset.NewCache(0)
	decoded, err := images.LoadAll(context.Background(), opts.images)
	if err != nil {
		return err
	}
	for i, px := range decoded {
		fit, err := px.Fit(opts.maxSize)
		if err != nil {
			return err
		}
		uploads = append(uploads, upload{name: opts.images[i], px: fit})
	}
	if opts.glyphs != "" {
		atlas, err := asset.NewGlyphAtlas(nil, opts.fontSize, opts.glyphs)
		if err != nil {
			return err
		}
		if len(atlas.Missing) > 0 {
			fmt.Fprintf(cmd.ErrOrStderr(), "font has no glyphs for %q\n", string(atlas.Missing))
		}
		uploads = append(uploads, upload{name: "glyph atlas", px: &atlas.Pixels})
	}

	dev, err := a.openDevice()
	if err != nil {
		return err
	}
	defer dev.Close()

	pool, err := gfx.NewCommandPool(dev, "upload")
	if err != nil {
		return err
	}
	defer pool.Destroy()

	textures, err := uploadTextures(dev, pool, uploads)
	if err != nil {
		return err
	}
	defer func() {
		for _, tex := range textures {
			_ = tex.Destroy()
		}
	}()

	out := cmd.OutOrStdout()
	for i, tex := range textures {
		img := tex.Image()
		status := "uploaded"
		if opts.verify {
			got, err := gfx.ReadImage(dev, pool, img)
			if err != nil {
				return err
			}
			if !bytes.Equal(got, uploads[i].px.RGBA) {
				return fmt.Errorf("%s: readback differs from source pixels", uploads[i].name)
			}
			status = "verified"
		}
		fmt.Fprintf(out, "%-24s %4dx%-4d %s %s\n", uploads[i].name, img.Width(), img.Height(), img.Layout(), status)
	}
	if len(opts.images) > 0 {
		st := images.Stats()
		fmt.Fprintf(out, "Decoded: %d distinct, %d reused\n", st.Len, st.Hits)
	}
	fmt.Fprintf(out, "Memory: %s\n", dev.Allocator().Stats())
	return nil
}

// uploadTextures records every upload into one submission.
func uploadTextures(dev *device.Device, pool *gfx.CommandPool, uploads []upload) ([]*gfx.Texture, error) {
	images := make([]*gfx.Image, 0, len(uploads))
	err := gfx.SubmitAndWait(dev, pool, func(cb *gfx.CommandBuffer) error {
		for _, u := range uploads {
			img, err := gfx.NewImage(dev, cb, u.px.RGBA, u.px.Width, u.px.Height)
			if err != nil {
				return fmt.Errorf("%s: %w", u.name, err)
			}
			images = append(images, img)
		}
		return nil
	})
	if err != nil {
		for _, img := range images {
			_ = img.Destroy()
		}
		return nil, err
	}

	textures := make([]*gfx.Texture, 0, len(images))
	for i, img := range images {
		tex, err := gfx.NewTexture(dev, img)
		if err != nil {
			for _, t := range textures {
				_ = t.Destroy()
			}
			for _, rest := range images[i:] {
				_ = rest.Destroy()
			}
			return nil, err
		}
		textures = append(textures, tex)
	}
	return textures, nil
}
