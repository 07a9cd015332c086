// Package imaging is the default item processor: it decodes an image,
// resizes it, stamps a text watermark in the bottom-right corner and writes
// it back out as JPEG.
package imaging

import (
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"github.com/wehubfusion/Daedalus/pkg/pool"
	"github.com/wehubfusion/Daedalus/pkg/task"
)

// Options configures the transform.
type Options struct {
	Width  int
	Height int
	// Text is the watermark; empty disables it
	Text string
	// FontPath points at a TrueType/OpenType file. When it is empty or
	// cannot be loaded the built-in bitmap face is used.
	FontPath string
	FontSize float64
	// Margin is the distance in pixels from the right and bottom edges
	Margin  int
	Color   color.NRGBA
	Quality int
}

// DefaultOptions returns the standard 128x128 watermark settings.
func DefaultOptions() Options {
	return Options{
		Width:    128,
		Height:   128,
		Text:     "© AttiaAI",
		FontSize: 12,
		Margin:   5,
		Color:    color.NRGBA{R: 255, G: 255, B: 255, A: 180},
		Quality:  jpeg.DefaultQuality,
	}
}

// Watermarker implements pool.ItemProcessor.
type Watermarker struct {
	opts    Options
	newFace func() (font.Face, error)
	logger  *zap.Logger
}

// NewWatermarker validates opts and resolves the font.
func NewWatermarker(opts Options, logger *zap.Logger) (*Watermarker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("target size must be positive, got %dx%d", opts.Width, opts.Height)
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = jpeg.DefaultQuality
	}
	if opts.FontSize <= 0 {
		opts.FontSize = 12
	}

	w := &Watermarker{opts: opts, logger: logger, newFace: bitmapFace}

	if opts.FontPath != "" {
		f, err := loadFont(opts.FontPath)
		if err != nil {
			logger.Warn("Falling back to built-in font",
				zap.String("fontPath", opts.FontPath),
				zap.Error(err))
		} else {
			size := opts.FontSize
			// Faces keep glyph caches and are not safe for concurrent
			// use, so each invocation gets its own.
			w.newFace = func() (font.Face, error) {
				return opentype.NewFace(f, &opentype.FaceOptions{
					Size:    size,
					DPI:     72,
					Hinting: font.HintingFull,
				})
			}
		}
	}

	return w, nil
}

func bitmapFace() (font.Face, error) {
	return basicfont.Face7x13, nil
}

func loadFont(path string) (*opentype.Font, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return opentype.Parse(data)
}

// Process transforms t.Source into t.Destination. It never panics; every
// failure comes back as a failed Outcome.
func (w *Watermarker) Process(ctx context.Context, t task.Task) (out pool.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = pool.Failure("transform %s: panic: %v", t.Source, r)
		}
	}()

	if err := ctx.Err(); err != nil {
		return pool.Failure("%v", err)
	}

	src, err := decode(t.Source)
	if err != nil {
		return pool.Failure("decode %s: %v", t.Source, err)
	}

	dst := image.NewRGBA(image.Rect(0, 0, w.opts.Width, w.opts.Height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	if w.opts.Text != "" {
		if err := w.stamp(dst); err != nil {
			return pool.Failure("watermark %s: %v", t.Source, err)
		}
	}

	if err := encode(t.Destination, dst, w.opts.Quality); err != nil {
		return pool.Failure("encode %s: %v", t.Destination, err)
	}
	return pool.Success()
}

func (w *Watermarker) stamp(dst *image.RGBA) error {
	face, err := w.newFace()
	if err != nil {
		return err
	}
	if face != basicfont.Face7x13 {
		defer face.Close()
	}

	bounds, _ := font.BoundString(face, w.opts.Text)
	textW := (bounds.Max.X - bounds.Min.X).Ceil()
	textH := (bounds.Max.Y - bounds.Min.Y).Ceil()
	x := dst.Bounds().Dx() - textW - w.opts.Margin
	y := dst.Bounds().Dy() - textH - w.opts.Margin

	d := font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(w.opts.Color),
		Face: face,
		Dot: fixed.Point26_6{
			X: fixed.I(x) - bounds.Min.X,
			Y: fixed.I(y) - bounds.Min.Y,
		},
	}
	d.DrawString(w.opts.Text)
	return nil
}

func decode(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	return img, err
}

// encode writes img as JPEG, creating the destination directory if needed.
// MkdirAll is idempotent, so concurrent writers into one class folder are safe.
func encode(path string, img image.Image, quality int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}

	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: quality}); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}
