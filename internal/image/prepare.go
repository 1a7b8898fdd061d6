package image

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"github.com/jbweber/sbomvm/internal/naming"
)

// Handle describes a disk image ready for attachment. It is immutable
// once built.
type Handle struct {
	// SourcePath is the path the user supplied.
	SourcePath string

	// Path is the file to attach. Differs from SourcePath only when
	// the source needed decompression.
	Path string

	// Format is the detected container format of Path.
	Format Format

	// WorkDir is a temporary directory holding a decompressed copy,
	// or empty when the source is attached directly. The caller owns
	// its removal.
	WorkDir string
}

// Name returns the source image base name without extension, used in
// report and log naming.
func (h *Handle) Name() string {
	return naming.ImageStem(h.SourcePath)
}

// Prepare detects the image format and, for compressed images, inflates
// the payload into a temporary work directory so it can be attached.
// The inner format of a compressed image is re-detected from content;
// a payload that is itself compressed or unrecognizable is rejected.
//
// On error, Prepare leaves nothing behind; the work directory only
// survives on success, recorded in Handle.WorkDir for the caller's
// ledger.
func Prepare(ctx context.Context, path string, log *logrus.Logger) (*Handle, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}
	log.Infof("detected image format: %s", format)

	if format != FormatGzip {
		return &Handle{SourcePath: path, Path: path, Format: format}, nil
	}

	workDir, err := os.MkdirTemp("", "sbomvm-image-")
	if err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}

	inflated := filepath.Join(workDir, naming.ImageStem(path)+".raw")
	if err := inflate(ctx, path, inflated); err != nil {
		_ = os.RemoveAll(workDir)
		return nil, err
	}

	inner, err := DetectFormat(inflated)
	if err != nil || inner == FormatGzip {
		_ = os.RemoveAll(workDir)
		if err == nil {
			err = fmt.Errorf("%w: compressed payload is itself compressed", ErrUnsupportedFormat)
		}
		return nil, fmt.Errorf("compressed image payload: %w", err)
	}

	log.Infof("decompressed %s (payload format: %s)", path, inner)
	return &Handle{SourcePath: path, Path: inflated, Format: inner, WorkDir: workDir}, nil
}

func inflate(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open compressed image: %w", err)
	}
	defer func() { _ = in.Close() }()

	gz, err := gzip.NewReader(in)
	if err != nil {
		return fmt.Errorf("failed to read gzip header: %w", err)
	}
	defer func() { _ = gz.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create decompressed image: %w", err)
	}

	if _, err := io.Copy(out, contextReader{ctx: ctx, r: gz}); err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to decompress image: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to finalize decompressed image: %w", err)
	}
	return nil
}

// contextReader aborts a long decompression when the context ends.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
