package imaging

import (
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Daedalus/pkg/task"
)

func writePNG(t *testing.T, path string, w, h int, c color.Color) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func readJPEG(t *testing.T, path string) image.Image {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	img, err := jpeg.Decode(f)
	require.NoError(t, err)
	return img
}

func luma(c color.Color) uint32 {
	r, g, b, _ := c.RGBA()
	return (r + g + b) / 3 >> 8
}

func TestProcessResizesAndWatermarks(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in", "cat", "a.png")
	dst := filepath.Join(dir, "out", "cat", "a.png")
	writePNG(t, src, 300, 200, color.Black)

	w, err := NewWatermarker(DefaultOptions(), nil)
	require.NoError(t, err)

	out := w.Process(context.Background(), task.Task{Source: src, Destination: dst})
	require.True(t, out.OK, out.Message)

	img := readJPEG(t, dst)
	assert.Equal(t, 128, img.Bounds().Dx())
	assert.Equal(t, 128, img.Bounds().Dy())

	// Top-left stays black.
	assert.Less(t, luma(img.At(2, 2)), uint32(30))

	// The bottom-right corner carries the text.
	var brightest uint32
	for y := 100; y < 128; y++ {
		for x := 60; x < 128; x++ {
			if l := luma(img.At(x, y)); l > brightest {
				brightest = l
			}
		}
	}
	assert.Greater(t, brightest, uint32(100))
}

func TestProcessWithoutText(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.png")
	dst := filepath.Join(dir, "out", "a.jpg")
	writePNG(t, src, 64, 64, color.Black)

	opts := DefaultOptions()
	opts.Text = ""
	opts.Width, opts.Height = 32, 16
	w, err := NewWatermarker(opts, nil)
	require.NoError(t, err)

	out := w.Process(context.Background(), task.Task{Source: src, Destination: dst})
	require.True(t, out.OK, out.Message)

	img := readJPEG(t, dst)
	assert.Equal(t, image.Rect(0, 0, 32, 16), img.Bounds())
	assert.Less(t, luma(img.At(28, 12)), uint32(30))
}

func TestProcessCorruptInput(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "broken.jpg")
	require.NoError(t, os.WriteFile(src, []byte("not an image"), 0o644))
	dst := filepath.Join(dir, "out", "broken.jpg")

	w, err := NewWatermarker(DefaultOptions(), nil)
	require.NoError(t, err)

	out := w.Process(context.Background(), task.Task{Source: src, Destination: dst})
	assert.False(t, out.OK)
	assert.Contains(t, out.Message, "decode")
	assert.NoFileExists(t, dst)
}

func TestProcessMissingInput(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatermarker(DefaultOptions(), nil)
	require.NoError(t, err)

	out := w.Process(context.Background(), task.Task{
		Source:      filepath.Join(dir, "nope.png"),
		Destination: filepath.Join(dir, "out", "nope.png"),
	})
	assert.False(t, out.OK)
	assert.Contains(t, out.Message, "nope.png")
}

func TestProcessSharedDestinationDir(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatermarker(DefaultOptions(), nil)
	require.NoError(t, err)

	const n = 8
	tasks := make([]task.Task, n)
	for i := range tasks {
		src := filepath.Join(dir, "in", "dog", string(rune('a'+i))+".png")
		writePNG(t, src, 40, 40, color.Gray{Y: 90})
		tasks[i] = task.Task{
			Source:      src,
			Destination: filepath.Join(dir, "out", "dog", string(rune('a'+i))+".png"),
		}
	}

	var wg sync.WaitGroup
	results := make([]bool, n)
	for i := range tasks {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = w.Process(context.Background(), tasks[i]).OK
		}(i)
	}
	wg.Wait()

	for i, ok := range results {
		assert.True(t, ok, "task %d", i)
		assert.FileExists(t, tasks[i].Destination)
	}
}

func TestFontFallback(t *testing.T) {
	opts := DefaultOptions()
	opts.FontPath = filepath.Join(t.TempDir(), "missing.ttf")

	w, err := NewWatermarker(opts, nil)
	require.NoError(t, err)

	face, err := w.newFace()
	require.NoError(t, err)
	assert.NotNil(t, face)
}

func TestNewWatermarkerRejectsBadSize(t *testing.T) {
	opts := DefaultOptions()
	opts.Width = 0
	_, err := NewWatermarker(opts, nil)
	assert.Error(t, err)
}

func TestProcessCancelledContext(t *testing.T) {
	w, err := NewWatermarker(DefaultOptions(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := w.Process(ctx, task.Task{Source: "x", Destination: "y"})
	assert.False(t, out.OK)
}
