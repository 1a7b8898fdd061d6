// Package partition enumerates and classifies the partitions of an
// attached block device and selects the single partition to inspect.
package partition

import "path/filepath"

// Role tags what a partition is for. It decides selectability: system
// partitions are never selected, efi-system only as a last resort,
// unknown only when the caller forces it.
type Role string

const (
	RoleSystem     Role = "system"     // OS-reserved metadata (Microsoft reserved, BIOS boot, swap)
	RoleEFISystem  Role = "efi-system" // EFI System Partition
	RoleFilesystem Role = "filesystem" // Recognized mountable filesystem
	RoleUnknown    Role = "unknown"    // Nothing recognizable
)

// Info describes one classified partition. Immutable after
// classification.
type Info struct {
	// Node is the partition device node, e.g. /dev/nbd0p2. For a
	// device without a partition table this is the device itself.
	Node string

	// Index is the partition ordinal; 0 means the whole device.
	Index int

	// FSType is the detected filesystem type label (ext4, ntfs,
	// zfs_member, …), empty when nothing was recognized.
	FSType string

	// Size is the partition size in bytes.
	Size uint64

	// Role is the classification result.
	Role Role

	// Note carries a diagnostic for partitions that could not be
	// classified cleanly.
	Note string
}

// Label returns the partition's device base name (nbd0p2), which names
// the partition in report files.
func (i Info) Label() string {
	return filepath.Base(i.Node)
}
