package partition

import (
	"errors"
	"fmt"
)

// ErrNoUsable indicates classification succeeded but no partition is
// selectable for inspection.
var ErrNoUsable = errors.New("no usable partition found")

// Priority ranks per filesystem family; lower is preferred. The ranking
// reflects where an operating-system root is likely to live: native
// journaling and pool-member filesystems first, Windows and macOS
// volumes next, the FAT family and optical/squash media last. The EFI
// System Partition ranks below everything (boot-loader files only) and
// forced-unknown partitions below that.
const (
	rankNativeRoot = 0 // ext4, xfs, btrfs, zfs_member
	rankForeignOS  = 1 // ntfs, hfsplus, apfs
	rankLegacy     = 2 // vfat, squashfs, iso9660
	rankEFISystem  = 3
	rankForced     = 4
)

var familyRank = map[string]int{
	"ext4":       rankNativeRoot,
	"xfs":        rankNativeRoot,
	"btrfs":      rankNativeRoot,
	"zfs_member": rankNativeRoot,
	"ntfs":       rankForeignOS,
	"hfsplus":    rankForeignOS,
	"apfs":       rankForeignOS,
	"vfat":       rankLegacy,
	"squashfs":   rankLegacy,
	"iso9660":    rankLegacy,
}

// rank returns the selection rank of a partition and whether it is
// selectable at all. System and (unforced) unknown partitions are never
// selectable.
func rank(p Info, includeUnknown bool) (int, bool) {
	switch p.Role {
	case RoleFilesystem:
		if r, ok := familyRank[p.FSType]; ok {
			return r, true
		}
		return rankLegacy, true
	case RoleEFISystem:
		return rankEFISystem, true
	case RoleUnknown:
		if includeUnknown {
			return rankForced, true
		}
	}
	return 0, false
}

// Choose selects the single partition to inspect: the best-ranked
// selectable partition, with ties broken by larger byte size. It is a
// pure function over the enumerated sequence and never mutates its
// input. includeUnknown additionally admits RoleUnknown partitions at
// the bottom of the ranking, for callers that force a mount attempt.
//
// Returns ErrNoUsable when nothing is selectable.
func Choose(parts []Info, includeUnknown bool) (Info, error) {
	best := -1
	bestRank := 0

	for i, p := range parts {
		r, ok := rank(p, includeUnknown)
		if !ok {
			continue
		}
		if best == -1 || r < bestRank || (r == bestRank && p.Size > parts[best].Size) {
			best = i
			bestRank = r
		}
	}

	if best == -1 {
		return Info{}, fmt.Errorf("%w: %d partition(s) enumerated, none selectable", ErrNoUsable, len(parts))
	}
	return parts[best], nil
}
