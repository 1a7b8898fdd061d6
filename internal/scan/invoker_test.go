package scan

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/sbomvm/internal/config"
	"github.com/jbweber/sbomvm/internal/logging"
)

type fakeRunner struct {
	calls []string
	err   error
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) error {
	_, err := f.Output(ctx, name, args...)
	return err
}

func (f *fakeRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	f.calls = append(f.calls, strings.Join(append([]string{name}, args...), " "))
	return "", f.err
}

func TestRunSubstitutesPlaceholders(t *testing.T) {
	runner := &fakeRunner{}
	inv := NewInvoker(runner, logging.Discard(), config.Default().Analyzer)

	err := inv.Run(context.Background(), "/run/sbomvm/x", "./report.json")
	require.NoError(t, err)
	require.Len(t, runner.calls, 1)
	assert.Equal(t,
		"syft --override-default-catalogers image /run/sbomvm/x -o syft-json=./report.json",
		runner.calls[0])
}

func TestRunCustomAnalyzer(t *testing.T) {
	runner := &fakeRunner{}
	inv := NewInvoker(runner, logging.Discard(), config.AnalyzerConfig{
		Command: "trivy",
		Args:    []string{"rootfs", "{mount}", "--output", "{output}"},
	})

	err := inv.Run(context.Background(), "/mnt/a", "/tmp/out.json")
	require.NoError(t, err)
	assert.Equal(t, "trivy rootfs /mnt/a --output /tmp/out.json", runner.calls[0])
}

func TestRunAnalyzerFailure(t *testing.T) {
	runner := &fakeRunner{err: fmt.Errorf("syft: exit status 1")}
	inv := NewInvoker(runner, logging.Discard(), config.Default().Analyzer)

	err := inv.Run(context.Background(), "/run/sbomvm/x", "./report.json")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAnalyzerFailed)
}
