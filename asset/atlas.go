package asset

import (
	"errors"
	"fmt"
	"image"
	"math"
	"slices"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/font/sfnt"
	"golang.org/x/image/math/fixed"
	"golang.org/x/text/unicode/norm"
)

// ErrInvalidFont is returned when font data cannot be parsed.
var ErrInvalidFont = errors.New("asset: invalid font")

// glyphPadding is the empty border kept around every glyph in the atlas.
const glyphPadding = 1

// Glyph locates one rasterized rune in a GlyphAtlas.
type Glyph struct {
	// X, Y, W, H is the glyph rectangle in the atlas, in pixels.
	X, Y, W, H uint32

	// Bearing is the offset from the pen position on the baseline to the
	// top-left corner of the glyph rectangle.
	Bearing image.Point

	// Advance is the horizontal pen advance in pixels.
	Advance float64
}

// GlyphAtlas is a set of runes rasterized into one RGBA8 image. Color is
// white; coverage is stored in alpha.
type GlyphAtlas struct {
	Pixels

	Size       float64
	Ascent     float64
	LineHeight float64
	Glyphs     map[rune]Glyph

	// Missing lists requested runes the font has no glyph for.
	Missing []rune
}

// NewGlyphAtlas rasterizes runes from the TrueType or OpenType font in
// fontData at size pixels per em. A nil fontData selects Go Regular. The
// rune set is NFC-normalized and deduplicated first.
func NewGlyphAtlas(fontData []byte, size float64, runes string) (*GlyphAtlas, error) {
	if size <= 0 || math.IsNaN(size) || math.IsInf(size, 0) {
		return nil, fmt.Errorf("%w: font size %v", ErrInvalidSize, size)
	}
	if fontData == nil {
		fontData = goregular.TTF
	}
	f, err := opentype.Parse(fontData)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFont, err)
	}
	face, err := opentype.NewFace(f, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFont, err)
	}
	defer face.Close()

	set := []rune(norm.NFC.String(runes))
	slices.Sort(set)
	set = slices.Compact(set)

	m := face.Metrics()
	atlas := &GlyphAtlas{
		Size:       size,
		Ascent:     fixedToFloat(m.Ascent),
		LineHeight: fixedToFloat(m.Height),
		Glyphs:     make(map[rune]Glyph, len(set)),
	}

	type raster struct {
		r       rune
		bounds  image.Rectangle
		mask    *image.Alpha
		advance fixed.Int26_6
	}
	rasters := make([]raster, 0, len(set))
	area := 0
	var buf sfnt.Buffer
	for _, r := range set {
		if idx, err := f.GlyphIndex(&buf, r); err != nil || idx == 0 {
			atlas.Missing = append(atlas.Missing, r)
			continue
		}
		dr, mask, mp, adv, ok := face.Glyph(fixed.Point26_6{}, r)
		if !ok {
			atlas.Missing = append(atlas.Missing, r)
			continue
		}
		// The face reuses its mask buffer, so copy it out now.
		copied := image.NewAlpha(image.Rect(0, 0, dr.Dx(), dr.Dy()))
		draw.Draw(copied, copied.Bounds(), mask, mp, draw.Src)
		rasters = append(rasters, raster{r: r, bounds: dr, mask: copied, advance: adv})
		area += (dr.Dx() + 2*glyphPadding) * (dr.Dy() + 2*glyphPadding)
	}

	width := atlasWidth(area)
	for _, g := range rasters {
		width = max(width, g.bounds.Dx()+2*glyphPadding)
	}

	// Shelf packing: fill rows left to right, starting a new row when the
	// next glyph does not fit.
	var (
		x, y, rowH int
		placed     = make([]image.Point, len(rasters))
	)
	for i, g := range rasters {
		w, h := g.bounds.Dx()+2*glyphPadding, g.bounds.Dy()+2*glyphPadding
		if x+w > width {
			x, y, rowH = 0, y+rowH, 0
		}
		placed[i] = image.Pt(x+glyphPadding, y+glyphPadding)
		x += w
		rowH = max(rowH, h)
	}
	height := max(1, y+rowH)

	alpha := image.NewAlpha(image.Rect(0, 0, width, height))
	for i, g := range rasters {
		p := placed[i]
		dst := image.Rectangle{Min: p, Max: p.Add(g.bounds.Size())}
		draw.Draw(alpha, dst, g.mask, image.Point{}, draw.Src)
		atlas.Glyphs[g.r] = Glyph{
			X:       uint32(p.X),
			Y:       uint32(p.Y),
			W:       uint32(g.bounds.Dx()),
			H:       uint32(g.bounds.Dy()),
			Bearing: g.bounds.Min,
			Advance: fixedToFloat(g.advance),
		}
	}

	atlas.Pixels = Pixels{
		Width:  uint32(width),
		Height: uint32(height),
		RGBA:   alphaToRGBA(alpha),
		Format: "atlas",
	}
	return atlas, nil
}

// Has reports whether r was rasterized.
func (a *GlyphAtlas) Has(r rune) bool {
	_, ok := a.Glyphs[r]
	return ok
}

// atlasWidth returns the smallest power of two, at least 64, whose square
// holds area pixels.
func atlasWidth(area int) int {
	w := 64
	for w*w < area {
		w *= 2
	}
	return w
}

func alphaToRGBA(a *image.Alpha) []byte {
	out := make([]byte, 4*len(a.Pix))
	for i, v := range a.Pix {
		out[4*i+0] = 0xff
		out[4*i+1] = 0xff
		out[4*i+2] = 0xff
		out[4*i+3] = v
	}
	return out
}

func fixedToFloat(x fixed.Int26_6) float64 {
	return float64(x) / 64
}
