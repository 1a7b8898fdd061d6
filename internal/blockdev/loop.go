package blockdev

import (
	"context"
	"fmt"
	"os"

	losetup "github.com/freddierice/go-losetup/v2"
	"github.com/sirupsen/logrus"

	"github.com/jbweber/sbomvm/internal/hostcmd"
	"github.com/jbweber/sbomvm/internal/image"
)

// loopAttach is replaced in tests; losetup needs root and real loop
// devices.
var loopAttach = func(path string) (string, loopHandle, error) {
	dev, err := losetup.Attach(path, 0, true)
	if err != nil {
		return "", nil, err
	}
	return dev.Path(), &dev, nil
}

// LoopBackend attaches raw and optical images through the loopback
// driver. No kernel module management or format translation is needed.
type LoopBackend struct {
	Runner hostcmd.Runner
	Log    *logrus.Logger
}

// NewLoopBackend returns a LoopBackend.
func NewLoopBackend(runner hostcmd.Runner, log *logrus.Logger) *LoopBackend {
	return &LoopBackend{Runner: runner, Log: log}
}

// Attach binds the image to a free loop device read-only. The kernel
// allocates the slot itself, so there is no free-slot scan and no
// readiness wait: losetup returns only once the node exists.
func (b *LoopBackend) Attach(ctx context.Context, h *image.Handle) (*Device, error) {
	devPath, handle, err := loopAttach(h.Path)
	if err != nil {
		return nil, fmt.Errorf("loop attach of %s failed: %w", h.Path, err)
	}
	b.Log.Infof("attached %s to %s (read-only)", h.Path, devPath)

	// Surface any partition table to the kernel. Best-effort, as with
	// the NBD backend.
	if err := b.Runner.Run(ctx, "partprobe", devPath); err != nil {
		b.Log.Warnf("partprobe %s failed: %v", devPath, err)
	}

	return &Device{Path: devPath, loop: handle}, nil
}

// Detach releases the loop device. A second detach, or a detach of a
// device whose node vanished, succeeds silently.
func (b *LoopBackend) Detach(ctx context.Context, d *Device) error {
	if d.detached || d.loop == nil {
		d.detached = true
		return nil
	}
	if _, err := os.Stat(d.Path); os.IsNotExist(err) {
		d.detached = true
		return nil
	}

	b.Log.Infof("detaching %s", d.Path)
	if err := d.loop.Detach(); err != nil {
		return fmt.Errorf("loop detach of %s failed: %w", d.Path, err)
	}
	d.detached = true
	return nil
}
