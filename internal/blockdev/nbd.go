package blockdev

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jbweber/sbomvm/internal/config"
	"github.com/jbweber/sbomvm/internal/hostcmd"
	"github.com/jbweber/sbomvm/internal/image"
)

// NBDBackend attaches images through qemu-nbd. It requires the nbd
// kernel module to be loaded first (see ModuleManager).
type NBDBackend struct {
	Runner hostcmd.Runner
	Log    *logrus.Logger

	// MaxDevices bounds the /dev/nbdX slot scan.
	MaxDevices int

	// AttachTimeout bounds the wait for device readiness after
	// qemu-nbd connect. qemu-nbd itself does not bound this.
	AttachTimeout time.Duration

	// PollInterval is the readiness poll period.
	PollInterval time.Duration

	// DevDir and SysBlockDir are /dev and /sys/block in production;
	// tests point them at fixture trees.
	DevDir      string
	SysBlockDir string
}

// NewNBDBackend returns an NBDBackend against the host device tree.
func NewNBDBackend(runner hostcmd.Runner, log *logrus.Logger, cfg config.NBDConfig) *NBDBackend {
	return &NBDBackend{
		Runner:        runner,
		Log:           log,
		MaxDevices:    cfg.MaxDevices,
		AttachTimeout: cfg.AttachTimeout(),
		PollInterval:  100 * time.Millisecond,
		DevDir:        "/dev",
		SysBlockDir:   "/sys/block",
	}
}

// Attach connects the image to a free NBD slot read-only and waits for
// the kernel to report a non-zero device size. On timeout the
// connection is torn down best-effort and ErrAttachTimeout is returned;
// the caller records nothing.
func (b *NBDBackend) Attach(ctx context.Context, h *image.Handle) (*Device, error) {
	name, err := b.freeSlot()
	if err != nil {
		return nil, err
	}
	devPath := filepath.Join(b.DevDir, name)

	b.Log.Infof("connecting %s to %s (format: %s)", h.Path, devPath, h.Format)
	err = b.Runner.Run(ctx, "qemu-nbd",
		"--connect", devPath,
		"--read-only",
		"--format", h.Format.QemuName(),
		h.Path,
	)
	if err != nil {
		return nil, fmt.Errorf("qemu-nbd connect failed: %w", err)
	}

	if err := b.waitReady(ctx, name); err != nil {
		// Tear the half-open connection down so the slot is not leaked;
		// the ledger never sees this device.
		_ = b.Runner.Run(ctx, "qemu-nbd", "--disconnect", devPath)
		return nil, err
	}

	// Make the kernel rescan the partition table. Best-effort: some
	// hosts lack partprobe and the connect already triggered a scan.
	if err := b.Runner.Run(ctx, "partprobe", devPath); err != nil {
		b.Log.Warnf("partprobe %s failed: %v", devPath, err)
	}

	return &Device{Path: devPath}, nil
}

// Detach disconnects the device. A device that is already gone or no
// longer connected detaches silently.
func (b *NBDBackend) Detach(ctx context.Context, d *Device) error {
	if d.detached {
		return nil
	}
	if _, err := os.Stat(d.Path); os.IsNotExist(err) {
		d.detached = true
		return nil
	}
	if !b.connected(d.Name()) {
		d.detached = true
		return nil
	}

	b.Log.Infof("disconnecting %s", d.Path)
	if err := b.Runner.Run(ctx, "qemu-nbd", "--disconnect", d.Path); err != nil {
		return fmt.Errorf("qemu-nbd disconnect failed: %w", err)
	}
	d.detached = true
	return nil
}

// freeSlot scans nbd0..nbdN-1 for a device without a connected backend.
// A connected NBD device exposes a pid file in its sysfs directory.
func (b *NBDBackend) freeSlot() (string, error) {
	for i := 0; i < b.MaxDevices; i++ {
		name := fmt.Sprintf("nbd%d", i)
		if _, err := os.Stat(filepath.Join(b.SysBlockDir, name)); err != nil {
			continue // slot does not exist on this host
		}
		if !b.connected(name) {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: scanned %d slots", ErrNoFreeSlot, b.MaxDevices)
}

func (b *NBDBackend) connected(name string) bool {
	_, err := os.Stat(filepath.Join(b.SysBlockDir, name, "pid"))
	return err == nil
}

// waitReady polls the sysfs size of the device until it is non-zero.
func (b *NBDBackend) waitReady(ctx context.Context, name string) error {
	deadline := time.Now().Add(b.AttachTimeout)
	sizePath := filepath.Join(b.SysBlockDir, name, "size")

	for {
		data, err := os.ReadFile(sizePath)
		if err == nil && strings.TrimSpace(string(data)) != "0" && strings.TrimSpace(string(data)) != "" {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s after %s", ErrAttachTimeout, name, b.AttachTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.PollInterval):
		}
	}
}
