package blockdev

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/jbweber/sbomvm/internal/hostcmd"
)

// ModuleManager loads and unloads the nbd kernel module. The module is
// process-wide shared state: Ensure is idempotent, and Unload must only
// be called when this run performed the load, so unrelated users of the
// module are never disrupted.
type ModuleManager struct {
	Runner hostcmd.Runner
	Log    *logrus.Logger

	// SysModuleDir is /sys/module in production; tests point it at a
	// fixture tree.
	SysModuleDir string
}

// NewModuleManager returns a ModuleManager using the host sysfs.
func NewModuleManager(runner hostcmd.Runner, log *logrus.Logger) *ModuleManager {
	return &ModuleManager{Runner: runner, Log: log, SysModuleDir: "/sys/module"}
}

// Ensure loads the nbd module if it is not already loaded. The returned
// flag reports whether this call performed the load; the caller's
// release action must unload only in that case.
func (m *ModuleManager) Ensure(ctx context.Context) (loadedByUs bool, err error) {
	if m.loaded() {
		m.Log.Debug("nbd module already loaded, leaving it alone")
		return false, nil
	}

	m.Log.Info("loading nbd kernel module")
	if err := m.Runner.Run(ctx, "modprobe", "nbd", "max_part=16"); err != nil {
		return false, fmt.Errorf("failed to load nbd module: %w", err)
	}
	return true, nil
}

// Unload removes the nbd module. Callers gate this on the loadedByUs
// result of Ensure.
func (m *ModuleManager) Unload(ctx context.Context) error {
	m.Log.Info("unloading nbd kernel module")
	if err := m.Runner.Run(ctx, "rmmod", "nbd"); err != nil {
		return fmt.Errorf("failed to unload nbd module: %w", err)
	}
	return nil
}

func (m *ModuleManager) loaded() bool {
	_, err := os.Stat(filepath.Join(m.SysModuleDir, "nbd"))
	return err == nil
}
