// Package render draws the tray icon: the glucose value stacked above the
// trend arrow on a small transparent square.
package render

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/math/fixed"

	"github.com/timzifer/glucotray/glucose"
	"github.com/timzifer/glucotray/nightscout"
)

const (
	// DefaultSize is the icon edge length in pixels.
	DefaultSize = 32
	// DefaultGap separates the value from the arrow.
	DefaultGap = 2
)

var (
	colorLight = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	colorDark  = color.RGBA{A: 0xff}
	colorLow   = color.RGBA{R: 0xe5, G: 0x39, B: 0x35, A: 0xff}
	colorHigh  = color.RGBA{R: 0xfb, G: 0x8c, B: 0x00, A: 0xff}
)

// Option customises a Renderer.
type Option func(*Renderer)

// WithSize overrides the icon edge length.
func WithSize(px int) Option {
	return func(r *Renderer) {
		if px > 0 {
			r.size = px
		}
	}
}

// WithColorize tints critical values instead of using the theme colour.
func WithColorize(enabled bool) Option {
	return func(r *Renderer) {
		r.colorize = enabled
	}
}

// WithFonts overrides the candidate font names.
func WithFonts(value, arrow []string) Option {
	return func(r *Renderer) {
		r.valueNames = value
		r.arrowNames = arrow
	}
}

// Renderer draws icons. Faces are resolved once in New; Render serialises
// access because font faces are not safe for concurrent use.
type Renderer struct {
	mu       sync.Mutex
	size     int
	gap      int
	colorize bool

	valueNames []string
	arrowNames []string
	valueFaces []*face
	arrowFaces []*face
}

// New resolves fonts from src. A nil source uses the system font directories.
// Resolution never fails: an embedded font backs every candidate list.
func New(src FontSource, opts ...Option) *Renderer {
	if src == nil {
		src = SystemFonts()
	}
	r := &Renderer{
		size:       DefaultSize,
		gap:        DefaultGap,
		valueNames: ValueFonts,
		arrowNames: ArrowFonts,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.valueFaces = loadValueFaces(src, r.valueNames)
	r.arrowFaces = loadArrowFaces(src, r.arrowNames)
	return r
}

// Size returns the icon edge length.
func (r *Renderer) Size() int { return r.size }

// ValueFont names the font used for the value line.
func (r *Renderer) ValueFont() string { return r.valueFaces[0].name }

// SetColorize toggles class tinting at runtime.
func (r *Renderer) SetColorize(enabled bool) {
	r.mu.Lock()
	r.colorize = enabled
	r.mu.Unlock()
}

// Render draws value above the glyph for direction. Dark selects white text
// for dark taskbars, black otherwise. The background stays fully transparent.
func (r *Renderer) Render(value string, direction nightscout.Direction, class glucose.Class, dark bool) *image.RGBA {
	r.mu.Lock()
	defer r.mu.Unlock()

	img := image.NewRGBA(image.Rect(0, 0, r.size, r.size))
	ink := image.NewUniform(r.textColor(class, dark))

	valueFace := r.pickValueFace(value)
	valueBounds, _ := font.BoundString(valueFace.face, value)
	valueW, valueH := extent(valueBounds)

	arrow := direction.Glyph()
	var arrowFace *face
	var arrowBounds fixed.Rectangle26_6
	var arrowW, arrowH int
	if arrow != "" {
		arrowFace = r.pickArrowFace(arrow)
		arrowBounds, _ = font.BoundString(arrowFace.face, arrow)
		arrowW, arrowH = extent(arrowBounds)
	}

	valueY, arrowY := Layout(r.size, valueH, arrowH, r.gap)
	drawText(img, ink, valueFace.face, value, valueBounds, (r.size-valueW)/2, valueY)
	if arrowFace != nil {
		drawText(img, ink, arrowFace.face, arrow, arrowBounds, (r.size-arrowW)/2, arrowY)
	}
	return img
}

// Layout returns the top edges of the value and arrow ink boxes. The pair is
// centred as a block; when it does not fit, the value is pinned to the top and
// the arrow centred on its own. An arrow height of zero centres the value.
func Layout(size, valueH, arrowH, gap int) (valueY, arrowY int) {
	if arrowH <= 0 {
		return max((size-valueH)/2, 0), 0
	}
	total := valueH + gap + arrowH
	if total > size {
		return 0, max((size-arrowH)/2, 0)
	}
	top := (size - total) / 2
	return top, top + valueH + gap
}

// EncodePNG serialises an icon for tray backends that take encoded bytes.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (r *Renderer) textColor(class glucose.Class, dark bool) color.Color {
	if r.colorize {
		switch class {
		case glucose.ClassCriticalLow:
			return colorLow
		case glucose.ClassCriticalHigh:
			return colorHigh
		}
	}
	if dark {
		return colorLight
	}
	return colorDark
}

// pickValueFace returns the largest face whose ink fits the icon width.
func (r *Renderer) pickValueFace(value string) *face {
	for _, f := range r.valueFaces {
		b, _ := font.BoundString(f.face, value)
		if w, _ := extent(b); w <= r.size {
			return f
		}
	}
	return r.valueFaces[len(r.valueFaces)-1]
}

func (r *Renderer) pickArrowFace(arrow string) *face {
	for _, f := range r.arrowFaces {
		if f.coversAll(arrow) {
			return f
		}
	}
	return r.arrowFaces[0]
}

func extent(b fixed.Rectangle26_6) (w, h int) {
	return (b.Max.X - b.Min.X).Ceil(), (b.Max.Y - b.Min.Y).Ceil()
}

// drawText places the ink box of s with its top-left corner at (x, y).
func drawText(dst draw.Image, src image.Image, f font.Face, s string, bounds fixed.Rectangle26_6, x, y int) {
	d := font.Drawer{
		Dst:  dst,
		Src:  src,
		Face: f,
		Dot: fixed.Point26_6{
			X: fixed.I(x) - bounds.Min.X,
			Y: fixed.I(y) - bounds.Min.Y,
		},
	}
	d.DrawString(s)
}
