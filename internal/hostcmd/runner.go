// Package hostcmd provides a small abstraction over host tool
// invocation (qemu-nbd, partprobe, zpool, the analyzer binary).
//
// Production code uses ExecRunner. Tests substitute a recording fake so
// that device and pool operations can be exercised without root or real
// hardware.
package hostcmd

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

// Runner executes host commands synchronously.
//
// In production, this is satisfied by ExecRunner.
// In tests, this is satisfied by fake implementations.
type Runner interface {
	// Run executes the command and waits for it to finish, discarding
	// stdout. The returned error includes trimmed stderr output.
	Run(ctx context.Context, name string, args ...string) error

	// Output executes the command and returns its stdout.
	Output(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands with os/exec. All invocations are blocking;
// no timeout is applied beyond what the context carries.
type ExecRunner struct {
	Log *logrus.Logger
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	_, err := r.Output(ctx, name, args...)
	return err
}

func (r *ExecRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	if r.Log != nil {
		r.Log.Debugf("running: %s %s", name, strings.Join(args, " "))
	}

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if r.Log != nil {
			r.Log.Debugf("command failed: %s: %v: %s", name, err, msg)
		}
		if msg != "" {
			return stdout.String(), fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return stdout.String(), fmt.Errorf("%s: %w", name, err)
	}

	return stdout.String(), nil
}
