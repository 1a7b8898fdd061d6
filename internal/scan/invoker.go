// Package scan invokes the external analyzer against a mounted
// filesystem. The analyzer is an opaque collaborator: it receives the
// mount-point directory and a report destination, and the report's
// contents are never parsed here.
package scan

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/jbweber/sbomvm/internal/config"
	"github.com/jbweber/sbomvm/internal/hostcmd"
)

// ErrAnalyzerFailed indicates the analyzer exited non-zero. The run is
// failed, but resource unwind still happens.
var ErrAnalyzerFailed = errors.New("analyzer invocation failed")

// Invoker runs the configured analyzer.
type Invoker struct {
	Runner   hostcmd.Runner
	Log      *logrus.Logger
	Analyzer config.AnalyzerConfig
}

// NewInvoker returns an Invoker for the configured analyzer.
func NewInvoker(runner hostcmd.Runner, log *logrus.Logger, analyzer config.AnalyzerConfig) *Invoker {
	return &Invoker{Runner: runner, Log: log, Analyzer: analyzer}
}

// Run invokes the analyzer synchronously with the {mount} and {output}
// placeholders in its argument list substituted. Blocking; no timeout
// beyond the analyzer's own.
func (inv *Invoker) Run(ctx context.Context, mountDir, outputPath string) error {
	args := make([]string, 0, len(inv.Analyzer.Args))
	for _, a := range inv.Analyzer.Args {
		a = strings.ReplaceAll(a, "{mount}", mountDir)
		a = strings.ReplaceAll(a, "{output}", outputPath)
		args = append(args, a)
	}

	inv.Log.Infof("invoking analyzer %s against %s", inv.Analyzer.Command, mountDir)
	if err := inv.Runner.Run(ctx, inv.Analyzer.Command, args...); err != nil {
		return fmt.Errorf("%w: %v", ErrAnalyzerFailed, err)
	}

	inv.Log.Infof("report written: %s", outputPath)
	return nil
}
