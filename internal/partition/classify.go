package partition

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	diskfs "github.com/diskfs/go-diskfs"
	diskpart "github.com/diskfs/go-diskfs/partition"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/diskfs/go-diskfs/partition/mbr"
	"github.com/sirupsen/logrus"

	"github.com/jbweber/sbomvm/internal/blockdev"
)

// ErrTableUnreadable indicates the device itself could not be read.
// Per-partition classification failures are not fatal; this is.
var ErrTableUnreadable = errors.New("partition table unreadable")

// GPT partition type GUIDs relevant to role tagging. Compared as
// uppercase strings against the table's type field.
const (
	guidEFISystem         = "C12A7328-F81F-11D2-BA4B-00A0C93EC93B"
	guidBIOSBoot          = "21686148-6449-6E6F-744E-656564454649"
	guidMicrosoftReserved = "E3C9E316-0B5C-4DB8-817D-F92DF00215AE"
	guidMicrosoftBasic    = "EBD0A0A2-B9E5-4433-87C0-68B6B72699C7"
	guidWindowsRecovery   = "DE94BBA4-06D1-4D40-A16A-BFD50179D6AC"
	guidLinuxSwap         = "0657FD6D-A4AB-43C4-84E5-0933C84B4F4F"
)

// MBR partition type bytes relevant to role tagging.
const (
	mbrTypeLinuxSwap  = 0x82
	mbrTypeGPTProtect = 0xee
	mbrTypeEFI        = 0xef
)

// Classifier enumerates and classifies the partitions of an attached
// block device.
type Classifier struct {
	Log *logrus.Logger
}

// NewClassifier returns a Classifier.
func NewClassifier(log *logrus.Logger) *Classifier {
	return &Classifier{Log: log}
}

// Enumerate reads the partition table of dev and classifies every
// partition. A device without a recognizable table is treated as a
// single implicit partition covering the whole device. Partitions whose
// metadata cannot be classified are recorded with RoleUnknown and a
// diagnostic note; only a device that cannot be read at all fails, with
// ErrTableUnreadable.
func (c *Classifier) Enumerate(dev *blockdev.Device) ([]Info, error) {
	f, err := os.Open(dev.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTableUnreadable, err)
	}
	defer func() { _ = f.Close() }()

	var infos []Info
	switch t := c.readTable(dev.Path).(type) {
	case *gpt.Table:
		c.Log.Debug("found GPT partition table")
		infos = c.classifyGPT(f, dev, t)
	case *mbr.Table:
		c.Log.Debug("found MBR partition table")
		infos = c.classifyMBR(f, dev, t)
	default:
		c.Log.Info("no recognizable partition table, probing whole device")
		return c.wholeDevice(f, dev)
	}

	for _, info := range infos {
		c.Log.Infof("partition %s: role=%s fstype=%q size=%d", info.Node, info.Role, info.FSType, info.Size)
		if info.Note != "" {
			c.Log.Debugf("partition %s: %s", info.Node, info.Note)
		}
	}
	return infos, nil
}

// readTable returns the device's partition table, or nil when no
// recognizable table exists. Table parse failures are deliberately not
// fatal: the device may still hold a bare filesystem.
func (c *Classifier) readTable(path string) diskpart.Table {
	d, err := diskfs.Open(path, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		c.Log.Debugf("diskfs open of %s failed: %v", path, err)
		return nil
	}
	defer func() { _ = d.Close() }()

	table, err := d.GetPartitionTable()
	if err != nil {
		c.Log.Debugf("no partition table on %s: %v", path, err)
		return nil
	}
	return table
}

// wholeDevice classifies an unpartitioned device as one implicit
// partition with index 0.
func (c *Classifier) wholeDevice(f *os.File, dev *blockdev.Device) ([]Info, error) {
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTableUnreadable, err)
	}
	// A device we cannot read the first sector of is unreadable, not
	// merely unclassifiable.
	sector := make([]byte, 512)
	if _, err := f.ReadAt(sector, 0); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTableUnreadable, err)
	}

	info := Info{
		Node:  dev.Path,
		Index: 0,
		Size:  uint64(size),
	}
	info.FSType = probeFS(f, 0, size)
	switch {
	case info.FSType == "swap":
		info.Role = RoleSystem
	case Mountable(info.FSType):
		info.Role = RoleFilesystem
	default:
		info.Role = RoleUnknown
		info.Note = "no recognizable filesystem signature on whole device"
	}

	c.Log.Infof("device %s: role=%s fstype=%q size=%d", info.Node, info.Role, info.FSType, info.Size)
	return []Info{info}, nil
}

func (c *Classifier) classifyGPT(f *os.File, dev *blockdev.Device, t *gpt.Table) []Info {
	var infos []Info
	for i, p := range t.Partitions {
		if p == nil {
			continue
		}
		guid := strings.ToUpper(string(p.Type))
		if guid == "" || guid == "00000000-0000-0000-0000-000000000000" {
			continue
		}

		index := i + 1
		info := Info{
			Node:  dev.PartitionNode(index),
			Index: index,
			Size:  uint64(p.GetSize()),
		}
		info.FSType = probeFS(f, p.GetStart(), p.GetSize())
		info.Role, info.Note = gptRole(guid, info.FSType)

		// Layer 2: partition-table type codes fill in what signature
		// probing could not.
		if info.Role == RoleUnknown && guid == guidMicrosoftBasic {
			info.FSType = "ntfs"
			info.Role = RoleFilesystem
			info.Note = "type inferred from Windows basic data GUID"
		}

		infos = append(infos, info)
	}
	return infos
}

// gptRole applies the role policy in order: system metadata first, EFI
// second, mountable filesystems third, everything else unknown.
func gptRole(guid, fstype string) (Role, string) {
	switch guid {
	case guidMicrosoftReserved, guidBIOSBoot, guidWindowsRecovery, guidLinuxSwap:
		return RoleSystem, ""
	case guidEFISystem:
		return RoleEFISystem, ""
	}
	if fstype == "swap" {
		return RoleSystem, ""
	}
	if Mountable(fstype) {
		return RoleFilesystem, ""
	}
	return RoleUnknown, "no recognizable filesystem signature"
}

func (c *Classifier) classifyMBR(f *os.File, dev *blockdev.Device, t *mbr.Table) []Info {
	var infos []Info
	for i, p := range t.Partitions {
		if p == nil || byte(p.Type) == 0 {
			continue
		}

		index := i + 1
		info := Info{
			Node:  dev.PartitionNode(index),
			Index: index,
			Size:  uint64(p.GetSize()),
		}
		info.FSType = probeFS(f, p.GetStart(), p.GetSize())

		switch {
		case byte(p.Type) == mbrTypeLinuxSwap || info.FSType == "swap":
			info.Role = RoleSystem
		case byte(p.Type) == mbrTypeGPTProtect:
			info.Role = RoleSystem
			info.Note = "GPT protective entry"
		case byte(p.Type) == mbrTypeEFI:
			info.Role = RoleEFISystem
		case Mountable(info.FSType):
			info.Role = RoleFilesystem
		default:
			info.Role = RoleUnknown
			info.Note = "no recognizable filesystem signature"
		}

		infos = append(infos, info)
	}
	return infos
}
