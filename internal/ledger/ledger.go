// Package ledger tracks acquired host resources and releases them in
// strict reverse order of acquisition.
//
// Every OS-level resource the scan lifecycle acquires (kernel module,
// block device attachment, mount-point directory, storage pool import,
// filesystem mount) is recorded here together with its release action.
// Unwinding is best-effort: a failing release is reported as a warning
// and never prevents earlier-acquired resources from being released.
package ledger

import (
	"context"
	"fmt"
)

// ReleaseFunc releases a single acquired resource.
type ReleaseFunc func(ctx context.Context) error

// Warning records a release action that failed during unwind.
// Warnings are non-fatal; they are reported after the drain completes.
type Warning struct {
	Kind string // resource kind of the failed release
	Err  error
}

func (w Warning) String() string {
	return fmt.Sprintf("release of %s failed: %v", w.Kind, w.Err)
}

type entry struct {
	kind    string
	release ReleaseFunc
}

// Ledger is an ordered record of acquired resources. It is owned by the
// lifecycle orchestrator; no other component triggers an unwind.
//
// Ledger is not safe for concurrent use. The scan lifecycle is strictly
// sequential, so no locking is provided.
type Ledger struct {
	entries []entry
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{}
}

// Push records an acquired resource and its release action.
// Entries are released in reverse of the order they were pushed.
func (l *Ledger) Push(kind string, release ReleaseFunc) {
	l.entries = append(l.entries, entry{kind: kind, release: release})
}

// Len returns the number of recorded resources.
func (l *Ledger) Len() int {
	return len(l.entries)
}

// Unwind executes every recorded release action in reverse order of
// acquisition and empties the ledger. A failing release is collected as
// a Warning and does not stop the drain. Calling Unwind on an empty
// ledger is a no-op.
func (l *Ledger) Unwind(ctx context.Context) []Warning {
	var warnings []Warning
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if err := e.release(ctx); err != nil {
			warnings = append(warnings, Warning{Kind: e.kind, Err: err})
		}
	}
	l.entries = nil
	return warnings
}
