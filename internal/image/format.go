// Package image handles disk-image container formats: detection by
// content signature and preparation of the file handed to the block
// device backend.
package image

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

// Format is a disk-image container format.
type Format string

const (
	FormatRaw   Format = "raw"     // Raw disk image with a boot sector
	FormatQCOW2 Format = "qcow2"   // QEMU copy-on-write v2/v3
	FormatVMDK  Format = "vmdk"    // VMware disk
	FormatVHD   Format = "vhd"     // Hyper-V / VirtualPC disk (qemu "vpc")
	FormatVHDX  Format = "vhdx"    // Hyper-V VHDX disk
	FormatGzip  Format = "gzip"    // Gzip-compressed image (AMI-style)
	FormatISO   Format = "iso9660" // Optical media image
)

// ErrUnsupportedFormat indicates the image content matched no known
// container format signature.
var ErrUnsupportedFormat = errors.New("unsupported or unrecognized image format")

// Magic bytes and signatures for disk image format detection.
var (
	// qcow2Magic is the magic at the start of QCOW2 files: "QFI" + 0xfb.
	// Reference: https://www.qemu.org/docs/master/interop/qcow2.html
	qcow2Magic = []byte{0x51, 0x46, 0x49, 0xfb}

	// vmdkMagic is the sparse-extent magic "KDMV" at offset 0.
	vmdkMagic = []byte("KDMV")

	// vmdkDescriptor starts text-descriptor VMDK files.
	vmdkDescriptor = []byte("# Disk DescriptorFile")

	// vhdCookie is the "conectix" cookie at the start of dynamic VHD
	// images. Fixed VHDs carry the cookie only in the trailing footer.
	vhdCookie = []byte("conectix")

	// vhdxSignature is the "vhdxfile" identifier at offset 0.
	vhdxSignature = []byte("vhdxfile")

	// gzipMagic is the two-byte gzip member header.
	gzipMagic = []byte{0x1f, 0x8b}

	// isoMagic is the "CD001" identifier of the primary volume
	// descriptor, located at offset 32769 (sector 16 of 2048 + 1).
	isoMagic = []byte("CD001")

	// mbrSignature is the boot sector signature at offset 510. GPT
	// disks carry it too, in the protective MBR.
	// Reference: https://en.wikipedia.org/wiki/Master_boot_record
	mbrSignature = []byte{0x55, 0xaa}
)

// DetectFormat detects the container format of a disk image by reading
// content signatures. File extensions are never consulted; they are
// unreliable for images that passed through conversion pipelines.
//
// Returns ErrUnsupportedFormat (wrapped) when no signature matches:
// a file that is neither a known container nor carries a boot sector
// cannot be attached safely.
func DetectFormat(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open image: %w", err)
	}
	defer func() { _ = f.Close() }()

	return detectFormat(f, path)
}

func detectFormat(f io.ReaderAt, path string) (Format, error) {
	header := make([]byte, 32)
	if _, err := f.ReadAt(header, 0); err != nil {
		return "", fmt.Errorf("%w: %s is too small to be a disk image", ErrUnsupportedFormat, path)
	}

	switch {
	case bytes.HasPrefix(header, qcow2Magic):
		return FormatQCOW2, nil
	case bytes.HasPrefix(header, vmdkMagic), bytes.HasPrefix(header, vmdkDescriptor):
		return FormatVMDK, nil
	case bytes.HasPrefix(header, vhdxSignature):
		return FormatVHDX, nil
	case bytes.HasPrefix(header, vhdCookie):
		return FormatVHD, nil
	case bytes.HasPrefix(header, gzipMagic):
		return FormatGzip, nil
	}

	// ISO9660 primary volume descriptor sits deep in the image.
	iso := make([]byte, len(isoMagic))
	if _, err := f.ReadAt(iso, 32769); err == nil && bytes.Equal(iso, isoMagic) {
		return FormatISO, nil
	}

	// Raw images are only accepted when a boot sector is present, so
	// arbitrary files are rejected rather than attached as disks.
	sig := make([]byte, 2)
	if _, err := f.ReadAt(sig, 510); err != nil {
		return "", fmt.Errorf("%w: %s has no recognizable signature", ErrUnsupportedFormat, path)
	}
	if bytes.Equal(sig, mbrSignature) {
		return FormatRaw, nil
	}

	return "", fmt.Errorf("%w: %s is not a known container and has no boot sector signature", ErrUnsupportedFormat, path)
}

// NeedsNBD reports whether the format requires qemu-nbd to expose the
// image as a block device. Raw and ISO images attach via loopback.
func (f Format) NeedsNBD() bool {
	switch f {
	case FormatQCOW2, FormatVMDK, FormatVHD, FormatVHDX:
		return true
	default:
		return false
	}
}

// QemuName returns the qemu-nbd --format name for the format.
func (f Format) QemuName() string {
	if f == FormatVHD {
		return "vpc"
	}
	return string(f)
}
