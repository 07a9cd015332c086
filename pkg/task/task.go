// Package task defines the unit of work and the dataset enumeration that
// produces it. A dataset is a root directory of class folders; every file in a
// class folder becomes one Task whose destination mirrors the class folder
// under the output root.
package task

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// Task is one (source, destination) pair. Source uniquely identifies it.
type Task struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

// Enumerator lists a dataset and returns its tasks in a deterministic order.
type Enumerator interface {
	Enumerate(ctx context.Context, root string) ([]Task, error)
}

// DirEnumerator walks a two-level class/file tree.
type DirEnumerator struct {
	outputRoot string
	extensions map[string]struct{}
	logger     *zap.Logger
}

// NewDirEnumerator creates an enumerator that mirrors class folders under
// outputRoot. When extensions is empty every regular file is accepted;
// otherwise only files whose lower-cased extension is listed (".jpg", ".png").
func NewDirEnumerator(outputRoot string, extensions []string, logger *zap.Logger) *DirEnumerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	exts := make(map[string]struct{}, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts[ext] = struct{}{}
	}
	return &DirEnumerator{
		outputRoot: outputRoot,
		extensions: exts,
		logger:     logger,
	}
}

// Enumerate returns tasks sorted by class folder, then file name. Entries at
// the top level that are not directories are skipped, as are nested
// directories inside class folders.
func (e *DirEnumerator) Enumerate(ctx context.Context, root string) ([]Task, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, derrors.Enumeration(root, err)
	}
	if !info.IsDir() {
		return nil, derrors.Enumeration(root, os.ErrInvalid)
	}

	classes, err := os.ReadDir(root)
	if err != nil {
		return nil, derrors.Enumeration(root, err)
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i].Name() < classes[j].Name() })

	var tasks []Task
	for _, class := range classes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !class.IsDir() {
			continue
		}

		classPath := filepath.Join(root, class.Name())
		entries, err := os.ReadDir(classPath)
		if err != nil {
			return nil, derrors.Enumeration(classPath, err)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		outDir := filepath.Join(e.outputRoot, class.Name())
		for _, entry := range entries {
			if entry.IsDir() || !e.accepts(entry.Name()) {
				continue
			}
			tasks = append(tasks, Task{
				Source:      filepath.Join(classPath, entry.Name()),
				Destination: filepath.Join(outDir, entry.Name()),
			})
		}
	}

	e.logger.Debug("enumerated dataset",
		zap.String("root", root),
		zap.Int("classes", len(classes)),
		zap.Int("tasks", len(tasks)))

	return tasks, nil
}

func (e *DirEnumerator) accepts(name string) bool {
	if len(e.extensions) == 0 {
		return true
	}
	_, ok := e.extensions[strings.ToLower(filepath.Ext(name))]
	return ok
}

// Sources returns the source of every task, in order.
func Sources(tasks []Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.Source
	}
	return out
}
