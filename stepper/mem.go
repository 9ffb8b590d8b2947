package stepper

import (
	"log/slog"
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// memReporter logs the process resident-set size. A nil reporter is valid
// and does nothing, so callers never need to branch.
type memReporter struct {
	proc   *process.Process
	logger *slog.Logger
}

func newMemReporter(logger *slog.Logger) *memReporter {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn("memory reporting disabled", "error", err)
		return nil
	}
	return &memReporter{proc: proc, logger: logger}
}

func (r *memReporter) report() {
	if r == nil {
		return
	}
	info, err := r.proc.MemoryInfo()
	if err != nil {
		r.logger.Warn("reading process memory failed", "error", err)
		return
	}
	r.logger.Debug("memory usage", "rss_bytes", info.RSS)
}
