// Package orchestrate drives the disk-image inspection lifecycle:
// prepare → attach → classify → select → mount → scan, with every
// acquired resource recorded in a ledger that is unwound in reverse
// order no matter where the run stops.
package orchestrate

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jbweber/sbomvm/internal/blockdev"
	"github.com/jbweber/sbomvm/internal/config"
	"github.com/jbweber/sbomvm/internal/fsmount"
	"github.com/jbweber/sbomvm/internal/hostcmd"
	"github.com/jbweber/sbomvm/internal/image"
	"github.com/jbweber/sbomvm/internal/ledger"
	"github.com/jbweber/sbomvm/internal/naming"
	"github.com/jbweber/sbomvm/internal/partition"
	"github.com/jbweber/sbomvm/internal/scan"
)

// Phase is a step of the strictly linear run state machine.
type Phase string

const (
	PhaseIdle                 Phase = "Idle"
	PhaseDriverLoaded         Phase = "DriverLoaded"
	PhaseDeviceAttached       Phase = "DeviceAttached"
	PhasePartitionsClassified Phase = "PartitionsClassified"
	PhasePartitionSelected    Phase = "PartitionSelected"
	PhaseFilesystemMounted    Phase = "FilesystemMounted"
	PhaseScanInProgress       Phase = "ScanInProgress"
	PhaseUnwinding            Phase = "Unwinding"
)

// The component contracts the orchestrator drives. Concrete types from
// the sibling packages satisfy these in production; tests substitute
// recording fakes.
type moduleManager interface {
	Ensure(ctx context.Context) (loadedByUs bool, err error)
	Unload(ctx context.Context) error
}

type classifier interface {
	Enumerate(dev *blockdev.Device) ([]partition.Info, error)
}

type mounter interface {
	CreateMountPoint(runID string) (string, error)
	RemoveMountPoint(dir string) error
	Mount(ctx context.Context, p partition.Info, dir string) (*fsmount.Mount, error)
	Unmount(ctx context.Context, m *fsmount.Mount) error
	ExportPool(ctx context.Context, pool string) error
}

type invoker interface {
	Run(ctx context.Context, mountDir, outputPath string) error
}

// Orchestrator owns the resource ledger and is the only component that
// triggers the unwind. Runs are strictly sequential; an Orchestrator
// must not be used concurrently.
type Orchestrator struct {
	Log *logrus.Logger

	// ForceUnknown admits unclassified partitions into selection and
	// lets the mounter attempt a generic auto-detect mount.
	ForceUnknown bool

	cfg        *config.ScanConfig
	modules    moduleManager
	nbd        blockdev.Backend
	loop       blockdev.Backend
	classifier classifier
	mounter    mounter
	invoker    invoker

	prepare  func(ctx context.Context, path string, log *logrus.Logger) (*image.Handle, error)
	now      func() time.Time
	newRunID func() string

	phase  Phase
	ledger *ledger.Ledger
}

// New wires an Orchestrator with the production components.
func New(cfg *config.ScanConfig, log *logrus.Logger) *Orchestrator {
	runner := &hostcmd.ExecRunner{Log: log}
	return &Orchestrator{
		Log:        log,
		cfg:        cfg,
		modules:    blockdev.NewModuleManager(runner, log),
		nbd:        blockdev.NewNBDBackend(runner, log, cfg.NBD),
		loop:       blockdev.NewLoopBackend(runner, log),
		classifier: partition.NewClassifier(log),
		mounter:    fsmount.NewMounter(runner, log, cfg.MountBaseDir),
		invoker:    scan.NewInvoker(runner, log, cfg.Analyzer),
		prepare:    image.Prepare,
		now:        time.Now,
		newRunID:   func() string { return uuid.New().String()[:8] },
		phase:      PhaseIdle,
	}
}

// Run executes one complete scan lifecycle for imagePath. Whatever the
// forward phase achieves is unwound before Run returns; the returned
// error reflects the forward phase only. Cleanup warnings are logged
// and never change the outcome.
func (o *Orchestrator) Run(ctx context.Context, imagePath string) error {
	o.phase = PhaseIdle
	o.ledger = ledger.New()

	runErr := o.forward(ctx, imagePath)

	o.transition(PhaseUnwinding)
	warnings := o.ledger.Unwind(ctx)
	for _, w := range warnings {
		o.Log.Warnf("cleanup warning: %s", w)
	}
	o.transition(PhaseIdle)

	if runErr != nil {
		return runErr
	}
	if len(warnings) > 0 {
		o.Log.Infof("scan succeeded with %d cleanup warning(s)", len(warnings))
	}
	return nil
}

func (o *Orchestrator) forward(ctx context.Context, imagePath string) error {
	runID := o.newRunID()
	o.Log.Infof("starting scan run %s for %s", runID, imagePath)

	h, dev, err := o.attach(ctx, imagePath)
	if err != nil {
		return err
	}

	parts, err := o.classifier.Enumerate(dev)
	if err != nil {
		return err
	}
	o.transition(PhasePartitionsClassified)

	sel, err := partition.Choose(parts, o.ForceUnknown)
	if err != nil {
		return err
	}
	o.transition(PhasePartitionSelected)
	o.Log.Infof("selected partition %s (role=%s fstype=%q size=%d)", sel.Node, sel.Role, sel.FSType, sel.Size)

	dir, err := o.mounter.CreateMountPoint(runID)
	if err != nil {
		return err
	}
	o.ledger.Push("mount point directory", func(context.Context) error {
		return o.mounter.RemoveMountPoint(dir)
	})

	mnt, err := o.mounter.Mount(ctx, sel, dir)
	if err != nil {
		return err
	}
	if mnt.Pool != "" {
		pool := mnt.Pool
		o.ledger.Push("storage pool "+pool, func(ctx context.Context) error {
			return o.mounter.ExportPool(ctx, pool)
		})
	}
	o.ledger.Push("filesystem mount", func(ctx context.Context) error {
		return o.mounter.Unmount(ctx, mnt)
	})
	o.transition(PhaseFilesystemMounted)
	o.logMountRoot(dir)

	o.transition(PhaseScanInProgress)
	report := filepath.Join(o.cfg.OutputDir, naming.ReportFile(o.now(), h.Name(), sel.Label(), sel.FSType))
	if err := o.invoker.Run(ctx, dir, report); err != nil {
		return err
	}

	o.Log.Infof("scan run %s complete", runID)
	return nil
}

// attach prepares the image and exposes it as a block device through
// the backend its format requires.
func (o *Orchestrator) attach(ctx context.Context, imagePath string) (*image.Handle, *blockdev.Device, error) {
	h, err := o.prepare(ctx, imagePath, o.Log)
	if err != nil {
		return nil, nil, err
	}
	if h.WorkDir != "" {
		workDir := h.WorkDir
		o.ledger.Push("image work directory", func(context.Context) error {
			return os.RemoveAll(workDir)
		})
	}

	be := o.loop
	if h.Format.NeedsNBD() {
		loadedByUs, err := o.modules.Ensure(ctx)
		if err != nil {
			return nil, nil, err
		}
		o.ledger.Push("nbd kernel module", func(ctx context.Context) error {
			if !loadedByUs {
				return nil
			}
			return o.modules.Unload(ctx)
		})
		be = o.nbd
	}
	o.transition(PhaseDriverLoaded)

	dev, err := be.Attach(ctx, h)
	if err != nil {
		return nil, nil, err
	}
	o.ledger.Push("block device "+dev.Path, func(ctx context.Context) error {
		return be.Detach(ctx, dev)
	})
	o.transition(PhaseDeviceAttached)

	return h, dev, nil
}

// Inspect attaches and classifies the image without mounting or
// scanning, returning the enumerated partitions and the one selection
// would pick (nil when nothing is selectable). All acquired resources
// are unwound before returning.
func (o *Orchestrator) Inspect(ctx context.Context, imagePath string) (parts []partition.Info, chosen *partition.Info, err error) {
	o.phase = PhaseIdle
	o.ledger = ledger.New()
	defer func() {
		o.transition(PhaseUnwinding)
		for _, w := range o.ledger.Unwind(ctx) {
			o.Log.Warnf("cleanup warning: %s", w)
		}
		o.transition(PhaseIdle)
	}()

	_, dev, err := o.attach(ctx, imagePath)
	if err != nil {
		return nil, nil, err
	}

	parts, err = o.classifier.Enumerate(dev)
	if err != nil {
		return nil, nil, err
	}
	o.transition(PhasePartitionsClassified)

	if sel, selErr := partition.Choose(parts, o.ForceUnknown); selErr == nil {
		chosen = &sel
	}
	return parts, chosen, nil
}

// logMountRoot records the top-level entries of the mounted tree so a
// run's log shows what was actually scanned.
func (o *Orchestrator) logMountRoot(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		o.Log.Debugf("could not list mount root %s: %v", dir, err)
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	o.Log.Debugf("mount root %s: %v", dir, names)
}

func (o *Orchestrator) transition(next Phase) {
	o.Log.Debugf("phase %s -> %s", o.phase, next)
	o.phase = next
}

// Phase returns the current lifecycle phase.
func (o *Orchestrator) Phase() Phase {
	return o.phase
}

// LedgerLen returns the number of resources currently recorded.
func (o *Orchestrator) LedgerLen() int {
	if o.ledger == nil {
		return 0
	}
	return o.ledger.Len()
}
