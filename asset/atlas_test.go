package asset

import (
	"errors"
	"testing"
)

func TestGlyphAtlas(t *testing.T) {
	a, err := NewGlyphAtlas(nil, 16, "Hello, world")
	if err != nil {
		t.Fatalf("NewGlyphAtlas: %v", err)
	}

	// "Hello, world" has 9 distinct runes including space and comma.
	if len(a.Glyphs) != 9 {
		t.Errorf("len(Glyphs) = %d, want 9", len(a.Glyphs))
	}
	if len(a.Missing) != 0 {
		t.Errorf("Missing = %q, want none", a.Missing)
	}
	if uint64(len(a.RGBA)) != uint64(a.Width)*uint64(a.Height)*4 {
		t.Fatalf("len(RGBA) = %d for %dx%d", len(a.RGBA), a.Width, a.Height)
	}

	sp := a.Glyphs[' ']
	if sp.W != 0 || sp.H != 0 || sp.Advance <= 0 {
		t.Errorf("space glyph = %+v, want empty rectangle with positive advance", sp)
	}

	h := a.Glyphs['H']
	if h.W == 0 || h.H == 0 {
		t.Fatalf("H glyph is empty: %+v", h)
	}
	if h.X+h.W > a.Width || h.Y+h.H > a.Height {
		t.Errorf("H glyph %+v outside %dx%d atlas", h, a.Width, a.Height)
	}
	if h.Bearing.Y >= 0 {
		t.Errorf("H bearing y = %d, want above the baseline", h.Bearing.Y)
	}

	var covered bool
	for y := h.Y; y < h.Y+h.H && !covered; y++ {
		for x := h.X; x < h.X+h.W; x++ {
			if a.RGBA[4*(y*a.Width+x)+3] != 0 {
				covered = true
				break
			}
		}
	}
	if !covered {
		t.Error("H glyph rectangle has no coverage")
	}
	if a.LineHeight <= 0 || a.Ascent <= 0 {
		t.Errorf("metrics: ascent %v, line height %v", a.Ascent, a.LineHeight)
	}
}

func TestGlyphAtlasNormalizes(t *testing.T) {
	// e + combining acute composes to U+00E9.
	a, err := NewGlyphAtlas(nil, 12, "e\u0301")
	if err != nil {
		t.Fatal(err)
	}
	if !a.Has('\u00e9') {
		t.Error("composed rune missing from atlas")
	}
	if a.Has('e') {
		t.Error("decomposed base rune should not be rasterized")
	}
}

func TestGlyphAtlasMissing(t *testing.T) {
	a, err := NewGlyphAtlas(nil, 12, "A\U0001F600")
	if err != nil {
		t.Fatal(err)
	}
	if !a.Has('A') {
		t.Error("A missing")
	}
	if len(a.Missing) != 1 || a.Missing[0] != '\U0001F600' {
		t.Errorf("Missing = %q, want the emoji", a.Missing)
	}
}

func TestGlyphAtlasErrors(t *testing.T) {
	if _, err := NewGlyphAtlas(nil, 0, "a"); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("size 0: err = %v, want ErrInvalidSize", err)
	}
	if _, err := NewGlyphAtlas([]byte("not a font"), 12, "a"); !errors.Is(err, ErrInvalidFont) {
		t.Errorf("bad font: err = %v, want ErrInvalidFont", err)
	}
}

func TestAtlasWidth(t *testing.T) {
	tests := []struct{ area, want int }{
		{0, 64},
		{64 * 64, 64},
		{64*64 + 1, 128},
		{300 * 300, 512},
	}
	for _, tt := range tests {
		if got := atlasWidth(tt.area); got != tt.want {
			t.Errorf("atlasWidth(%d) = %d, want %d", tt.area, got, tt.want)
		}
	}
}
