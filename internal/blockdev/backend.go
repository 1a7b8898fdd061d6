// Package blockdev attaches disk images as host block devices and
// detaches them.
//
// Two backends exist: qemu-nbd for container formats the kernel cannot
// read directly (qcow2, vmdk, vhd, vhdx) and loopback for raw and
// optical images. Both attach strictly read-only at the device level;
// there is no write path to the source image.
package blockdev

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jbweber/sbomvm/internal/image"
)

// Attach failure kinds.
var (
	// ErrNoFreeSlot indicates every NBD device slot is in use.
	ErrNoFreeSlot = errors.New("no free nbd device slot")

	// ErrAttachTimeout indicates the device node did not become ready
	// before the configured deadline. Nothing is left attached.
	ErrAttachTimeout = errors.New("timed out waiting for device readiness")
)

// Device is an attached kernel block device bound to one image handle.
// At most one Device exists per scan run.
type Device struct {
	// Path is the device node, e.g. /dev/nbd0 or /dev/loop3.
	Path string

	detached bool
	loop     loopHandle
}

// Name returns the device base name, e.g. nbd0.
func (d *Device) Name() string {
	return d.Path[strings.LastIndex(d.Path, "/")+1:]
}

// PartitionNode returns the device node of partition index on the
// device. Kernel naming appends "p<N>" when the parent name ends in a
// digit (nbd0p1, loop2p1) and "<N>" otherwise (sda1). Index 0 means the
// whole device.
func (d *Device) PartitionNode(index int) string {
	if index == 0 {
		return d.Path
	}
	last := d.Path[len(d.Path)-1]
	if last >= '0' && last <= '9' {
		return fmt.Sprintf("%sp%d", d.Path, index)
	}
	return fmt.Sprintf("%s%d", d.Path, index)
}

// Backend attaches an image as a block device and detaches it again.
//
// Detach must be idempotent-tolerant: detaching an already-detached
// device succeeds silently.
type Backend interface {
	Attach(ctx context.Context, h *image.Handle) (*Device, error)
	Detach(ctx context.Context, d *Device) error
}

// loopHandle is the subset of the losetup device used for detach,
// extracted so tests can fake an attached loop device.
type loopHandle interface {
	Detach() error
}
