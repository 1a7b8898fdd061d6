package orchestrate

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/jbweber/sbomvm/internal/blockdev"
	"github.com/jbweber/sbomvm/internal/config"
	"github.com/jbweber/sbomvm/internal/fsmount"
	"github.com/jbweber/sbomvm/internal/image"
	"github.com/jbweber/sbomvm/internal/logging"
	"github.com/jbweber/sbomvm/internal/partition"
)

// recorder collects every acquire/release event across all fakes so
// tests can assert the global ordering of the lifecycle.
type recorder struct {
	events []string
}

func (r *recorder) add(event string) {
	r.events = append(r.events, event)
}

type fakeModules struct {
	rec        *recorder
	loadedByUs bool
	ensureErr  error
	unloadErr  error
}

func (m *fakeModules) Ensure(context.Context) (bool, error) {
	m.rec.add("module ensure")
	return m.loadedByUs, m.ensureErr
}

func (m *fakeModules) Unload(context.Context) error {
	m.rec.add("module unload")
	return m.unloadErr
}

type fakeBackend struct {
	rec       *recorder
	name      string
	attachErr error
	detachErr error
}

func (b *fakeBackend) Attach(_ context.Context, h *image.Handle) (*blockdev.Device, error) {
	b.rec.add(b.name + " attach")
	if b.attachErr != nil {
		return nil, b.attachErr
	}
	return &blockdev.Device{Path: "/dev/" + b.name + "0"}, nil
}

func (b *fakeBackend) Detach(context.Context, *blockdev.Device) error {
	b.rec.add(b.name + " detach")
	return b.detachErr
}

type fakeClassifier struct {
	rec   *recorder
	parts []partition.Info
	err   error
}

func (c *fakeClassifier) Enumerate(*blockdev.Device) ([]partition.Info, error) {
	c.rec.add("enumerate")
	return c.parts, c.err
}

type fakeMounter struct {
	rec       *recorder
	pool      string
	createErr error
	mountErr  error
	umountErr error
	exportErr error
}

func (m *fakeMounter) CreateMountPoint(runID string) (string, error) {
	m.rec.add("mkdir")
	if m.createErr != nil {
		return "", m.createErr
	}
	return "/run/sbomvm/sbomvm-" + runID, nil
}

func (m *fakeMounter) RemoveMountPoint(string) error {
	m.rec.add("rmdir")
	return nil
}

func (m *fakeMounter) Mount(_ context.Context, p partition.Info, dir string) (*fsmount.Mount, error) {
	m.rec.add("mount " + p.Node)
	if m.mountErr != nil {
		return nil, m.mountErr
	}
	return &fsmount.Mount{Partition: p, Dir: dir, Pool: m.pool}, nil
}

func (m *fakeMounter) Unmount(context.Context, *fsmount.Mount) error {
	m.rec.add("unmount")
	return m.umountErr
}

func (m *fakeMounter) ExportPool(_ context.Context, pool string) error {
	m.rec.add("export " + pool)
	return m.exportErr
}

type fakeInvoker struct {
	rec       *recorder
	err       error
	gotMount  string
	gotOutput string
}

func (i *fakeInvoker) Run(_ context.Context, mountDir, outputPath string) error {
	i.rec.add("scan")
	i.gotMount = mountDir
	i.gotOutput = outputPath
	return i.err
}

// testHarness bundles an orchestrator wired to fakes with handles to
// each fake so tests can script failures.
type testHarness struct {
	o          *Orchestrator
	rec        *recorder
	modules    *fakeModules
	nbd        *fakeBackend
	loop       *fakeBackend
	classifier *fakeClassifier
	mounter    *fakeMounter
	invoker    *fakeInvoker

	prepareErr error
	format     image.Format
	workDir    string
}

func newTestHarness() *testHarness {
	rec := &recorder{}
	h := &testHarness{
		rec:     rec,
		modules: &fakeModules{rec: rec, loadedByUs: true},
		nbd:     &fakeBackend{rec: rec, name: "nbd"},
		loop:    &fakeBackend{rec: rec, name: "loop"},
		classifier: &fakeClassifier{rec: rec, parts: []partition.Info{
			{Node: "/dev/nbd0p1", Index: 1, FSType: "vfat", Size: 512 << 20, Role: partition.RoleEFISystem},
			{Node: "/dev/nbd0p2", Index: 2, FSType: "ext4", Size: 20 << 30, Role: partition.RoleFilesystem},
		}},
		mounter: &fakeMounter{rec: rec},
		invoker: &fakeInvoker{rec: rec},
		format:  image.FormatQCOW2,
	}

	cfg := config.Default()
	cfg.OutputDir = "/tmp/reports"
	o := &Orchestrator{
		Log:        logging.Discard(),
		cfg:        cfg,
		modules:    h.modules,
		nbd:        h.nbd,
		loop:       h.loop,
		classifier: h.classifier,
		mounter:    h.mounter,
		invoker:    h.invoker,
		now:        fixedNow,
		newRunID:   func() string { return "cafe0123" },
		phase:      PhaseIdle,
	}
	o.prepare = func(_ context.Context, path string, _ *logrus.Logger) (*image.Handle, error) {
		h.rec.add("prepare")
		if h.prepareErr != nil {
			return nil, h.prepareErr
		}
		return &image.Handle{SourcePath: path, Path: path, Format: h.format, WorkDir: h.workDir}, nil
	}
	h.o = o
	return h
}

var errScripted = fmt.Errorf("scripted failure")
