// Package naming provides the deterministic file-naming conventions for
// scan artifacts: the per-run log file and the analyzer report.
//
// Names are derived from the scan start time, the source image base
// name, the selected partition label and the classified filesystem
// type, so a directory of reports stays self-describing.
package naming

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// timestampLayout matches the original artifact naming scheme:
// 20060102_150405.
const timestampLayout = "20060102_150405"

// Timestamp formats t for use in artifact file names.
func Timestamp(t time.Time) string {
	return t.Format(timestampLayout)
}

// ImageStem returns the base name of an image path without its
// extension. Example: /images/fedora-43.qcow2 → fedora-43.
func ImageStem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ReportFile returns the analyzer report file name.
// Format: {timestamp}_sbom_{imagename}_{partitionlabel}_{fstype}.json
//
// Example: 20250114_153000_sbom_fedora-43_nbd0p2_ext4.json
func ReportFile(t time.Time, imageName, partitionLabel, fsType string) string {
	if fsType == "" {
		fsType = "unknown"
	}
	return fmt.Sprintf("%s_sbom_%s_%s_%s.json", Timestamp(t), imageName, partitionLabel, fsType)
}

// LogFile returns the per-run log file name.
// Format: {timestamp}_{imagename}.log
func LogFile(t time.Time, imageName string) string {
	return fmt.Sprintf("%s_%s.log", Timestamp(t), imageName)
}

// MountDir returns the mount-point directory name for a scan run.
// Format: sbomvm-{runID}
func MountDir(runID string) string {
	return fmt.Sprintf("sbomvm-%s", runID)
}
