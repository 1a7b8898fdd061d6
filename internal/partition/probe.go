package partition

import (
	"bytes"
	"encoding/binary"
	"io"
)

// Filesystem superblock signatures, probed in order. Signature probing
// runs before partition-table type codes: on-disk content is the most
// reliable evidence of what a partition holds.
//
// Offsets are relative to the partition start.
type magic struct {
	fstype string
	offset int64
	value  []byte
}

var fsMagics = []magic{
	// XFS superblock starts the partition.
	{"xfs", 0, []byte("XFSB")},
	// Squashfs little-endian magic.
	{"squashfs", 0, []byte("hsqs")},
	// NTFS OEM identifier in the boot sector.
	{"ntfs", 3, []byte("NTFS    ")},
	// APFS container superblock at block 0, magic "NXSB" at offset 32.
	{"apfs", 32, []byte("NXSB")},
	// FAT16/FAT12 BPB filesystem type string.
	{"vfat", 54, []byte("FAT16   ")},
	{"vfat", 54, []byte("FAT12   ")},
	// FAT32 BPB filesystem type string.
	{"vfat", 82, []byte("FAT32   ")},
	// ext2/3/4 superblock magic 0xEF53 (little-endian) at offset 56 of
	// the superblock, which sits 1024 bytes into the partition. The
	// whole ext family mounts with the ext4 driver.
	{"ext4", 1024 + 56, []byte{0x53, 0xef}},
	// HFS+ and HFSX volume headers, 1024 bytes in.
	{"hfsplus", 1024, []byte("H+")},
	{"hfsplus", 1024, []byte("HX")},
	// Btrfs superblock magic at 64KiB + 64.
	{"btrfs", 65536 + 64, []byte("_BHRfS_M")},
	// ISO9660 primary volume descriptor.
	{"iso9660", 32769, []byte("CD001")},
	// Swap signature at the end of the first 4KiB page.
	{"swap", 4096 - 10, []byte("SWAPSPACE2")},
	{"swap", 4096 - 10, []byte("SWAP-SPACE")},
}

// zfsUberblockMagic identifies a ZFS uberblock ("oo-ba-bloc"). The
// uberblock array lives 128KiB into each vdev label; label 0 starts at
// the beginning of the member device.
const (
	zfsUberblockMagic = 0x00bab10c
	zfsUberblockBase  = 128 * 1024
	zfsUberblockArea  = 128 * 1024
	zfsUberblockSize  = 1024
)

// probeFS inspects the byte range [offset, offset+size) of r for a
// known filesystem signature and returns its type label, or "" when
// nothing matches. Read errors on individual probes are treated as
// non-matches; partitions smaller than a probe offset simply skip that
// probe.
func probeFS(r io.ReaderAt, offset, size int64) string {
	for _, m := range fsMagics {
		if m.offset+int64(len(m.value)) > size {
			continue
		}
		buf := make([]byte, len(m.value))
		if _, err := r.ReadAt(buf, offset+m.offset); err != nil {
			continue
		}
		if bytes.Equal(buf, m.value) {
			return m.fstype
		}
	}

	if probeZFSMember(r, offset, size) {
		return "zfs_member"
	}
	return ""
}

// probeZFSMember scans the uberblock array of vdev label 0 for the ZFS
// magic in either endianness.
func probeZFSMember(r io.ReaderAt, offset, size int64) bool {
	if zfsUberblockBase+zfsUberblockArea > size {
		return false
	}

	area := make([]byte, zfsUberblockArea)
	if _, err := r.ReadAt(area, offset+zfsUberblockBase); err != nil {
		return false
	}

	for slot := 0; slot < zfsUberblockArea/zfsUberblockSize; slot++ {
		word := area[slot*zfsUberblockSize : slot*zfsUberblockSize+8]
		le := binary.LittleEndian.Uint64(word)
		be := binary.BigEndian.Uint64(word)
		if le == zfsUberblockMagic || be == zfsUberblockMagic {
			return true
		}
	}
	return false
}

// mountableTypes are filesystem labels the mounter can expose
// read-only.
var mountableTypes = map[string]bool{
	"ext4":       true,
	"xfs":        true,
	"btrfs":      true,
	"zfs_member": true,
	"ntfs":       true,
	"hfsplus":    true,
	"apfs":       true,
	"vfat":       true,
	"squashfs":   true,
	"iso9660":    true,
}

// Mountable reports whether fstype is a filesystem the mounter can
// expose.
func Mountable(fstype string) bool {
	return mountableTypes[fstype]
}
