package render

import (
	"bytes"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/timzifer/glucotray/glucose"
	"github.com/timzifer/glucotray/nightscout"
)

type mapSource map[string][]byte

func (m mapSource) ReadFont(name string) ([]byte, error) {
	if data, ok := m[name]; ok {
		return data, nil
	}
	return nil, ErrFontNotFound
}

// inkPixels counts drawn pixels and returns the most opaque one.
func inkPixels(img *image.RGBA) (count int, sample [4]uint8) {
	for i := 0; i+3 < len(img.Pix); i += 4 {
		if img.Pix[i+3] == 0 {
			continue
		}
		count++
		if img.Pix[i+3] >= sample[3] {
			copy(sample[:], img.Pix[i:i+4])
		}
	}
	return count, sample
}

func TestRenderWithoutFontsUsesBuiltin(t *testing.T) {
	r := New(mapSource{})
	require.Equal(t, "Go Bold", r.ValueFont())

	img := r.Render("123", nightscout.DirectionFlat, glucose.ClassNormal, true)
	require.Equal(t, image.Rect(0, 0, DefaultSize, DefaultSize), img.Bounds())

	n, _ := inkPixels(img)
	require.Positive(t, n)
}

func TestRenderBackgroundIsTransparent(t *testing.T) {
	img := New(mapSource{}).Render("99", nightscout.DirectionSingleDown, glucose.ClassNormal, false)
	for _, p := range []image.Point{{0, 0}, {DefaultSize - 1, 0}, {0, DefaultSize - 1}, {DefaultSize - 1, DefaultSize - 1}} {
		require.Zerof(t, img.RGBAAt(p.X, p.Y).A, "corner %v", p)
	}
}

func TestRenderThemeColour(t *testing.T) {
	r := New(mapSource{})

	_, sample := inkPixels(r.Render("100", nightscout.DirectionFlat, glucose.ClassNormal, true))
	require.Equal(t, sample[0], sample[3], "dark theme draws white text")

	_, sample = inkPixels(r.Render("100", nightscout.DirectionFlat, glucose.ClassNormal, false))
	require.Zero(t, sample[0])
	require.Zero(t, sample[1])
	require.Zero(t, sample[2])
}

func TestRenderColorizeCritical(t *testing.T) {
	r := New(mapSource{}, WithColorize(true))
	img := r.Render("55", nightscout.DirectionSingleDown, glucose.ClassCriticalLow, true)
	_, sample := inkPixels(img)
	require.Greater(t, sample[0], sample[2], "low values are tinted red")
}

func TestRenderEmptyArrowCentresValue(t *testing.T) {
	r := New(mapSource{})
	img := r.Render("?", nightscout.DirectionNone, glucose.ClassError, true)

	top, bottom := -1, -1
	for y := 0; y < DefaultSize; y++ {
		for x := 0; x < DefaultSize; x++ {
			if img.RGBAAt(x, y).A != 0 {
				if top < 0 {
					top = y
				}
				bottom = y
			}
		}
	}
	require.GreaterOrEqual(t, top, 0)
	require.InDelta(t, DefaultSize-1-bottom, top, 2)
}

func TestRenderPrefersCandidateFonts(t *testing.T) {
	src := mapSource{"DejaVuSans-Bold.ttf": goregular.TTF}
	r := New(src)
	require.Equal(t, "DejaVuSans-Bold.ttf", r.ValueFont())
}

func TestLayout(t *testing.T) {
	v, a := Layout(32, 12, 14, 2)
	require.Equal(t, 2, v)
	require.Equal(t, 16, a)

	v, a = Layout(32, 16, 20, 2)
	require.Equal(t, 0, v, "overflow pins the value to the top")
	require.Equal(t, 6, a)

	v, _ = Layout(32, 12, 0, 2)
	require.Equal(t, 10, v)
}

func TestDirSourceFindsNestedFonts(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "truetype", "dejavu")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(nested, "DejaVuSans.ttf"), []byte("font"), 0o644))

	src := &DirSource{Dirs: []string{root, filepath.Join(root, "missing")}}
	data, err := src.ReadFont("dejavusans.ttf")
	require.NoError(t, err)
	require.Equal(t, "font", string(data))

	_, err = src.ReadFont("seguisym.ttf")
	require.ErrorIs(t, err, ErrFontNotFound)
}

func TestEncodePNG(t *testing.T) {
	img := New(mapSource{}).Render("120", nightscout.DirectionFlat, glucose.ClassNormal, true)
	data, err := EncodePNG(img)
	require.NoError(t, err)

	decoded, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, img.Bounds(), decoded.Bounds())
}
