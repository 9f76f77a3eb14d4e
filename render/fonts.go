package render

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/adrg/xdg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/font/sfnt"
)

// ValueFonts are tried in order for the numeric line.
var ValueFonts = []string{"arialbd.ttf", "Arial Bold.ttf", "DejaVuSans-Bold.ttf", "LiberationSans-Bold.ttf"}

// ArrowFonts are tried in order for the trend arrow; symbol fonts come first
// because they cover the diagonal arrows.
var ArrowFonts = []string{"seguisym.ttf", "arialbd.ttf", "DejaVuSans.ttf", "DejaVuSans-Bold.ttf"}

var (
	valueSizes = []float64{18, 16, 14}
	arrowSize  = 22.0
)

// ErrFontNotFound is returned by a FontSource that has no file for a name.
var ErrFontNotFound = errors.New("font not found")

// FontSource resolves a font file name to its contents.
type FontSource interface {
	ReadFont(name string) ([]byte, error)
}

// DirSource looks fonts up by file name below a list of directories.
type DirSource struct {
	Dirs     []string
	MaxDepth int

	once  sync.Once
	index map[string]string
}

// SystemFonts searches the platform font directories.
func SystemFonts() *DirSource {
	return &DirSource{Dirs: xdg.FontDirs, MaxDepth: 4}
}

// ReadFont implements FontSource. Absolute paths are read directly; other
// names are matched case-insensitively against the indexed directories.
func (d *DirSource) ReadFont(name string) ([]byte, error) {
	if filepath.IsAbs(name) {
		return os.ReadFile(name)
	}
	d.once.Do(d.buildIndex)
	path, ok := d.index[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFontNotFound, name)
	}
	return os.ReadFile(path)
}

func (d *DirSource) buildIndex() {
	d.index = make(map[string]string)
	for _, root := range d.Dirs {
		rootDepth := strings.Count(filepath.Clean(root), string(filepath.Separator))
		_ = filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				if entry != nil && entry.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if entry.IsDir() {
				if d.MaxDepth > 0 && strings.Count(path, string(filepath.Separator))-rootDepth >= d.MaxDepth {
					return fs.SkipDir
				}
				return nil
			}
			key := strings.ToLower(entry.Name())
			if _, seen := d.index[key]; !seen {
				d.index[key] = path
			}
			return nil
		})
	}
}

// face is a loaded font face plus a coverage check for its glyphs.
type face struct {
	name   string
	face   font.Face
	covers func(r rune) bool
}

func (f *face) coversAll(s string) bool {
	for _, r := range s {
		if !f.covers(r) {
			return false
		}
	}
	return true
}

func parseFace(name string, data []byte, size float64) (*face, error) {
	parsed, err := opentype.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	ff, err := opentype.NewFace(parsed, &opentype.FaceOptions{Size: size, DPI: 72, Hinting: font.HintingFull})
	if err != nil {
		return nil, fmt.Errorf("face %s: %w", name, err)
	}
	var buf sfnt.Buffer
	var mu sync.Mutex
	covers := func(r rune) bool {
		mu.Lock()
		defer mu.Unlock()
		idx, err := parsed.GlyphIndex(&buf, r)
		return err == nil && idx != 0
	}
	return &face{name: name, face: ff, covers: covers}, nil
}

func builtinFace(size float64) *face {
	f, err := parseFace("Go Bold", gobold.TTF, size)
	if err != nil {
		return basicFace()
	}
	return f
}

func basicFace() *face {
	bf := basicfont.Face7x13
	return &face{
		name: "basicfont 7x13",
		face: bf,
		covers: func(r rune) bool {
			_, ok := bf.GlyphAdvance(r)
			return ok
		},
	}
}

// loadValueFaces returns the first resolving value font at every value size,
// largest first. The embedded Go font is used when no candidate resolves.
func loadValueFaces(src FontSource, names []string) []*face {
	for _, name := range names {
		data, err := src.ReadFont(name)
		if err != nil {
			continue
		}
		faces := make([]*face, 0, len(valueSizes))
		for _, size := range valueSizes {
			f, err := parseFace(name, data, size)
			if err != nil {
				break
			}
			faces = append(faces, f)
		}
		if len(faces) == len(valueSizes) {
			return faces
		}
	}
	faces := make([]*face, 0, len(valueSizes))
	for _, size := range valueSizes {
		faces = append(faces, builtinFace(size))
	}
	return faces
}

// loadArrowFaces returns every resolving arrow candidate in priority order,
// followed by the embedded fallbacks, so Render can pick the first face that
// covers the glyph it needs.
func loadArrowFaces(src FontSource, names []string) []*face {
	var faces []*face
	for _, name := range names {
		data, err := src.ReadFont(name)
		if err != nil {
			continue
		}
		f, err := parseFace(name, data, arrowSize)
		if err != nil {
			continue
		}
		faces = append(faces, f)
	}
	return append(faces, builtinFace(arrowSize), basicFace())
}
