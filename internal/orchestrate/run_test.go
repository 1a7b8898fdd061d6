package orchestrate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/sbomvm/internal/blockdev"
	"github.com/jbweber/sbomvm/internal/image"
	"github.com/jbweber/sbomvm/internal/naming"
	"github.com/jbweber/sbomvm/internal/partition"
)

func fixedNow() time.Time {
	return time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
}

func TestRunSuccessQCOW2(t *testing.T) {
	h := newTestHarness()

	err := h.o.Run(context.Background(), "/images/disk.qcow2")
	require.NoError(t, err)

	want := []string{
		"prepare",
		"module ensure",
		"nbd attach",
		"enumerate",
		"mkdir",
		"mount /dev/nbd0p2",
		"scan",
		"unmount",
		"rmdir",
		"nbd detach",
		"module unload",
	}
	assert.Equal(t, want, h.rec.events)
	assert.Equal(t, PhaseIdle, h.o.Phase())
	assert.Equal(t, 0, h.o.LedgerLen())

	wantReport := filepath.Join("/tmp/reports",
		naming.ReportFile(fixedNow(), "disk", "nbd0p2", "ext4"))
	assert.Equal(t, wantReport, h.invoker.gotOutput)
	assert.Equal(t, "/run/sbomvm/sbomvm-cafe0123", h.invoker.gotMount)
}

func TestRunRawImageUsesLoopBackend(t *testing.T) {
	h := newTestHarness()
	h.format = image.FormatRaw

	err := h.o.Run(context.Background(), "/images/disk.img")
	require.NoError(t, err)

	assert.Contains(t, h.rec.events, "loop attach")
	assert.Contains(t, h.rec.events, "loop detach")
	assert.NotContains(t, h.rec.events, "module ensure")
	assert.NotContains(t, h.rec.events, "nbd attach")
}

func TestRunAttachTimeoutReleasesNothing(t *testing.T) {
	h := newTestHarness()
	h.modules.loadedByUs = false
	h.nbd.attachErr = blockdev.ErrAttachTimeout

	err := h.o.Run(context.Background(), "/images/disk.qcow2")
	require.ErrorIs(t, err, blockdev.ErrAttachTimeout)

	// The device never became ours, so no release has anything to do.
	assert.Equal(t, []string{"prepare", "module ensure", "nbd attach"}, h.rec.events)
	assert.Equal(t, PhaseIdle, h.o.Phase())
}

func TestRunAnalyzerFailureUnwindsEverything(t *testing.T) {
	h := newTestHarness()
	h.invoker.err = errScripted

	err := h.o.Run(context.Background(), "/images/disk.qcow2")
	require.ErrorIs(t, err, errScripted)

	want := []string{
		"prepare",
		"module ensure",
		"nbd attach",
		"enumerate",
		"mkdir",
		"mount /dev/nbd0p2",
		"scan",
		"unmount",
		"rmdir",
		"nbd detach",
		"module unload",
	}
	assert.Equal(t, want, h.rec.events)
}

func TestRunPoolExportAfterUnmountBeforeDetach(t *testing.T) {
	h := newTestHarness()
	h.mounter.pool = "rpool"
	h.classifier.parts = []partition.Info{
		{Node: "/dev/nbd0p1", Index: 1, FSType: "zfs_member", Size: 40 << 30, Role: partition.RoleFilesystem},
	}

	err := h.o.Run(context.Background(), "/images/zfs.qcow2")
	require.NoError(t, err)

	want := []string{
		"prepare",
		"module ensure",
		"nbd attach",
		"enumerate",
		"mkdir",
		"mount /dev/nbd0p1",
		"scan",
		"unmount",
		"export rpool",
		"rmdir",
		"nbd detach",
		"module unload",
	}
	assert.Equal(t, want, h.rec.events)
}

func TestRunMountFailureStillRemovesMountPoint(t *testing.T) {
	h := newTestHarness()
	h.mounter.mountErr = errScripted

	err := h.o.Run(context.Background(), "/images/disk.qcow2")
	require.ErrorIs(t, err, errScripted)

	assert.NotContains(t, h.rec.events, "scan")
	assert.NotContains(t, h.rec.events, "unmount")
	assert.Contains(t, h.rec.events, "rmdir")
	assert.Contains(t, h.rec.events, "nbd detach")
}

func TestRunNoUsablePartition(t *testing.T) {
	h := newTestHarness()
	h.classifier.parts = []partition.Info{
		{Node: "/dev/nbd0p1", Index: 1, Size: 1 << 30, Role: partition.RoleUnknown},
	}

	err := h.o.Run(context.Background(), "/images/disk.qcow2")
	require.ErrorIs(t, err, partition.ErrNoUsable)

	assert.NotContains(t, h.rec.events, "mkdir")
	assert.Contains(t, h.rec.events, "nbd detach")
}

func TestRunForceUnknownAdmitsUnclassified(t *testing.T) {
	h := newTestHarness()
	h.o.ForceUnknown = true
	h.classifier.parts = []partition.Info{
		{Node: "/dev/nbd0p1", Index: 1, Size: 1 << 30, Role: partition.RoleUnknown},
	}

	err := h.o.Run(context.Background(), "/images/disk.qcow2")
	require.NoError(t, err)
	assert.Contains(t, h.rec.events, "mount /dev/nbd0p1")
}

func TestRunCleanupWarningDoesNotChangeOutcome(t *testing.T) {
	h := newTestHarness()
	h.mounter.umountErr = errScripted

	err := h.o.Run(context.Background(), "/images/disk.qcow2")
	require.NoError(t, err)

	// Later releases still ran despite the unmount failure.
	assert.Contains(t, h.rec.events, "rmdir")
	assert.Contains(t, h.rec.events, "nbd detach")
	assert.Contains(t, h.rec.events, "module unload")
}

func TestRunModuleNotLoadedByUsStaysLoaded(t *testing.T) {
	h := newTestHarness()
	h.modules.loadedByUs = false

	err := h.o.Run(context.Background(), "/images/disk.qcow2")
	require.NoError(t, err)
	assert.NotContains(t, h.rec.events, "module unload")
}

func TestRunRemovesInflationWorkDir(t *testing.T) {
	h := newTestHarness()
	h.format = image.FormatRaw
	workDir := filepath.Join(t.TempDir(), "work")
	require.NoError(t, os.MkdirAll(workDir, 0o755))
	h.workDir = workDir

	err := h.o.Run(context.Background(), "/images/disk.img.gz")
	require.NoError(t, err)

	_, statErr := os.Stat(workDir)
	assert.True(t, os.IsNotExist(statErr), "work directory should be removed")
}

func TestRunPrepareFailure(t *testing.T) {
	h := newTestHarness()
	h.prepareErr = errScripted

	err := h.o.Run(context.Background(), "/images/bogus.img")
	require.ErrorIs(t, err, errScripted)
	assert.Equal(t, []string{"prepare"}, h.rec.events)
}

func TestInspectReturnsPartitionsAndSelection(t *testing.T) {
	h := newTestHarness()

	parts, chosen, err := h.o.Inspect(context.Background(), "/images/disk.qcow2")
	require.NoError(t, err)
	require.Len(t, parts, 2)
	require.NotNil(t, chosen)
	assert.Equal(t, "/dev/nbd0p2", chosen.Node)

	// Inspect never mounts or scans, and still detaches.
	assert.NotContains(t, h.rec.events, "mkdir")
	assert.NotContains(t, h.rec.events, "scan")
	assert.Contains(t, h.rec.events, "nbd detach")
	assert.Equal(t, PhaseIdle, h.o.Phase())
}

func TestInspectNoSelectableIsNotAnError(t *testing.T) {
	h := newTestHarness()
	h.classifier.parts = []partition.Info{
		{Node: "/dev/nbd0p1", Index: 1, Size: 1 << 30, Role: partition.RoleUnknown},
	}

	parts, chosen, err := h.o.Inspect(context.Background(), "/images/disk.qcow2")
	require.NoError(t, err)
	assert.Len(t, parts, 1)
	assert.Nil(t, chosen)
}
