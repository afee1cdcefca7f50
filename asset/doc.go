// Package asset decodes images and rasterizes glyph atlases into tightly
// packed RGBA8 pixels ready for upload with gfx.NewImage.
//
// Supported image formats are PNG, JPEG, GIF, BMP, TIFF and WebP.
package asset
