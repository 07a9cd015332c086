package concurrency

import (
	"runtime"

	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
)

// InitializeProcs aligns GOMAXPROCS with the container CPU quota so that the
// default node and worker counts reflect the CPUs actually available.
// Returns an undo function that restores the original GOMAXPROCS value.
func InitializeProcs(logger *zap.Logger) func() {
	if logger == nil {
		logger = zap.NewNop()
	}
	sugar := logger.Sugar()

	undo, err := maxprocs.Set(maxprocs.Logger(sugar.Debugf))
	if err != nil {
		logger.Warn("Failed to set maxprocs", zap.Error(err))
		return func() {}
	}

	logger.Debug("Concurrency initialized", zap.Int("gomaxprocs", runtime.GOMAXPROCS(0)))
	return undo
}

// GetEffectiveCPUs returns the effective number of CPUs available
// This respects cgroup limits in containerized environments
func GetEffectiveCPUs() int {
	return runtime.GOMAXPROCS(0)
}
