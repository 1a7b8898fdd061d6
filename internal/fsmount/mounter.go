// Package fsmount exposes a selected partition read-only on the host.
//
// Conventional filesystems are mounted directly with an explicit type
// hint. Pool-based filesystems (ZFS members) need a pool import before
// anything is mounted and a symmetric export after unmounting; the pool
// identity is discovered from the member device.
package fsmount

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/moby/sys/mount"
	"github.com/moby/sys/mountinfo"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/jbweber/sbomvm/internal/hostcmd"
	"github.com/jbweber/sbomvm/internal/naming"
	"github.com/jbweber/sbomvm/internal/partition"
)

// Mount failure kinds.
var (
	// ErrPoolImport indicates a storage pool could not be discovered or
	// assembled from the member device.
	ErrPoolImport = errors.New("storage pool import failed")

	// ErrUnrecognizedFilesystem indicates the last-resort auto-detect
	// mount of an unclassified partition also failed.
	ErrUnrecognizedFilesystem = errors.New("unrecognized filesystem")

	// ErrMountTool indicates the mount of a recognized filesystem
	// failed.
	ErrMountTool = errors.New("mount failed")
)

// Test seams for the mount syscalls; real mounting needs root.
var (
	mountFn   = mount.Mount
	unmountFn = mount.Unmount
	mountedFn = mountinfo.Mounted
)

// Mount is a partition exposed at a host mount point. Pool holds the
// imported pool identity for pool-based filesystems, empty otherwise.
type Mount struct {
	Partition partition.Info
	Dir       string
	Pool      string

	unmounted bool
}

// Mounter mounts selected partitions read-only.
type Mounter struct {
	Runner hostcmd.Runner
	Log    *logrus.Logger

	// BaseDir is the directory under which per-run mount points are
	// created.
	BaseDir string
}

// NewMounter returns a Mounter creating mount points under baseDir.
func NewMounter(runner hostcmd.Runner, log *logrus.Logger, baseDir string) *Mounter {
	return &Mounter{Runner: runner, Log: log, BaseDir: baseDir}
}

// CreateMountPoint creates the unique mount-point directory for a run.
// The directory's removal is a ledger entry of its own, released after
// the unmount.
func (m *Mounter) CreateMountPoint(runID string) (string, error) {
	if err := os.MkdirAll(m.BaseDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create mount base %s: %w", m.BaseDir, err)
	}
	dir := filepath.Join(m.BaseDir, naming.MountDir(runID))
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create mount point: %w", err)
	}
	return dir, nil
}

// RemoveMountPoint removes a mount-point directory. A directory that is
// already gone is fine.
func (m *Mounter) RemoveMountPoint(dir string) error {
	if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove mount point %s: %w", dir, err)
	}
	return nil
}

// Mount exposes p read-only at dir. The mount is read-only at the
// filesystem layer on top of the already read-only block device.
//
// For pool members the pool is imported (readonly, rooted at dir) and
// its datasets mount under dir as a side effect; Mount.Pool carries the
// identity for the symmetric export. For an unclassified type a generic
// auto-detect mount is tried as a last resort.
func (m *Mounter) Mount(ctx context.Context, p partition.Info, dir string) (*Mount, error) {
	switch {
	case p.FSType == "zfs_member":
		pool, err := m.importPool(ctx, p, dir)
		if err != nil {
			return nil, err
		}
		return &Mount{Partition: p, Dir: dir, Pool: pool}, nil

	case partition.Mountable(p.FSType):
		opts := "ro"
		if p.FSType == "hfsplus" {
			// hfsplus refuses unclean journals without force.
			opts = "ro,force"
		}
		m.Log.Infof("mounting %s (%s) at %s", p.Node, p.FSType, dir)
		if err := mountFn(p.Node, dir, p.FSType, opts); err != nil {
			return nil, fmt.Errorf("%w: %s as %s: %v", ErrMountTool, p.Node, p.FSType, err)
		}
		return &Mount{Partition: p, Dir: dir}, nil

	default:
		// Last resort for a forced unknown: let the mount tool probe.
		m.Log.Infof("mounting %s with filesystem auto-detection at %s", p.Node, dir)
		if err := m.Runner.Run(ctx, "mount", "-o", "ro", p.Node, dir); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnrecognizedFilesystem, p.Node, err)
		}
		return &Mount{Partition: p, Dir: dir}, nil
	}
}

// Unmount releases the filesystem at mnt. Already-unmounted mounts
// succeed silently, matching the detach tolerance of the device
// backends. For pool-backed mounts only the datasets are unmounted
// here; the export is a separate release action.
func (m *Mounter) Unmount(ctx context.Context, mnt *Mount) error {
	if mnt.unmounted {
		return nil
	}

	mounted, err := mountedFn(mnt.Dir)
	if err == nil && !mounted {
		mnt.unmounted = true
		return nil
	}

	if mnt.Pool != "" {
		m.Log.Infof("unmounting pool datasets of %s", mnt.Pool)
		if err := m.Runner.Run(ctx, "zfs", "unmount", mnt.Pool); err != nil {
			return fmt.Errorf("failed to unmount pool %s: %w", mnt.Pool, err)
		}
		mnt.unmounted = true
		return nil
	}

	m.Log.Infof("unmounting %s", mnt.Dir)
	if err := unmountFn(mnt.Dir); err != nil && !errors.Is(err, unix.EINVAL) && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("failed to unmount %s: %w", mnt.Dir, err)
	}
	mnt.unmounted = true
	return nil
}

// ExportPool exports an imported storage pool. It runs as its own
// release action, after the datasets are unmounted and before the
// device detaches.
func (m *Mounter) ExportPool(ctx context.Context, pool string) error {
	m.Log.Infof("exporting pool %s", pool)
	if err := m.Runner.Run(ctx, "zpool", "export", pool); err != nil {
		return fmt.Errorf("failed to export pool %s: %w", pool, err)
	}
	return nil
}

// importPool discovers the pool on the member device and imports it
// read-only, rooted at dir.
func (m *Mounter) importPool(ctx context.Context, p partition.Info, dir string) (string, error) {
	out, err := m.Runner.Output(ctx, "zpool", "import", "-d", p.Node)
	if err != nil {
		return "", fmt.Errorf("%w: scan of %s: %v", ErrPoolImport, p.Node, err)
	}

	pool := parsePoolName(out)
	if pool == "" {
		return "", fmt.Errorf("%w: no pool found on %s", ErrPoolImport, p.Node)
	}
	m.Log.Infof("importing pool %s from %s (readonly, altroot %s)", pool, p.Node, dir)

	err = m.Runner.Run(ctx, "zpool", "import",
		"-f",
		"-d", p.Node,
		"-R", dir,
		"-o", "readonly=on",
		pool,
	)
	if err != nil {
		return "", fmt.Errorf("%w: import of %s: %v", ErrPoolImport, pool, err)
	}
	return pool, nil
}

// parsePoolName extracts the pool name from zpool import scan output.
func parsePoolName(out string) string {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if name, ok := strings.CutPrefix(line, "pool:"); ok {
			return strings.TrimSpace(name)
		}
	}
	return ""
}
