package main

import (
	"bytes"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Daedalus/internal/cli"
)

func TestRunCommand(t *testing.T) {
	t.Setenv("SENTRY_DSN", "")
	t.Setenv("DAEDALUS_OTLP_ENDPOINT", "")

	input := filepath.Join(t.TempDir(), "dataset")
	require.NoError(t, os.MkdirAll(filepath.Join(input, "birds"), 0o755))
	for _, name := range []string{"a.png", "b.png", "c.png"} {
		f, err := os.Create(filepath.Join(input, "birds", name))
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, image.NewGray(image.Rect(0, 0, 16, 16))))
		require.NoError(t, f.Close())
	}
	output := filepath.Join(t.TempDir(), "out")

	var out bytes.Buffer
	err := run(&out, []string{
		"run", "-mode", "distributed", "-nodes", "2", "-workers", "1",
		"-input", input, "-output", output, "-baseline", "1s", "-log-level", "error",
	})
	require.NoError(t, err)

	assert.Contains(t, out.String(), "DONE (3 tasks)")
	assert.Contains(t, out.String(), "node-1")
	assert.Contains(t, out.String(), "node-2")
	assert.FileExists(t, filepath.Join(output, "birds", "c.png"))
}

func TestRunCommandExitCodes(t *testing.T) {
	t.Setenv("SENTRY_DSN", "")

	err := run(&bytes.Buffer{}, []string{"run", "-nodes", "0"})
	assert.Equal(t, cli.ExitConfiguration, cli.ExitCode(err))

	err = run(&bytes.Buffer{}, []string{
		"run", "-input", filepath.Join(t.TempDir(), "missing"), "-log-level", "error",
	})
	assert.Equal(t, cli.ExitEnumeration, cli.ExitCode(err))
}

func TestHelpExitsCleanly(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(&out, nil))
	assert.Contains(t, out.String(), "Usage:")
}
