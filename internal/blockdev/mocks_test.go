package blockdev

import (
	"context"
	"strings"
)

// fakeRunner records host commands and returns scripted errors.
type fakeRunner struct {
	calls []string
	errOn map[string]error // matched against the command name
	out   map[string]string
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) error {
	_, err := f.Output(ctx, name, args...)
	return err
}

func (f *fakeRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	f.calls = append(f.calls, strings.Join(append([]string{name}, args...), " "))
	if err, ok := f.errOn[name]; ok {
		return "", err
	}
	return f.out[name], nil
}

// called reports whether any recorded invocation starts with prefix.
func (f *fakeRunner) called(prefix string) bool {
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

// fakeLoop fakes an attached losetup device.
type fakeLoop struct {
	detached int
	err      error
}

func (f *fakeLoop) Detach() error {
	f.detached++
	return f.err
}
