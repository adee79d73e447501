package executor

import (
	"fmt"
	"sync"
)

// phaseResult is the explicit outcome of one build phase.  Phases
// return it instead of mutating shared failure state; the run driver
// sequences phases and short-circuits on the first failure while still
// running the final reporting phase.
type phaseResult struct {
	ok     bool
	detail string
}

func phaseOK() phaseResult {
	return phaseResult{ok: true}
}

func phaseFailed(format string, args ...any) phaseResult {
	return phaseResult{detail: fmt.Sprintf(format, args...)}
}

// outcomeTracker accumulates the build's overall result and guards the
// single FinalStatus emission.
type outcomeTracker struct {
	mu sync.Mutex

	setupFailed         bool
	buildCommandsFailed bool
	finalSent           bool
}

// markSetupFailed records a phase failure.  Repeat calls are no-ops;
// the tracker never emits anything by itself, so a second failure
// cannot produce a second FinalStatus.
func (t *outcomeTracker) markSetupFailed() {
	// Recording a failure always passes validation.
	_ = t.setSetupFailed(true)
}

// setSetupFailed is the validating form: clearing an already-recorded
// failure is a programming error and is rejected.
func (t *outcomeTracker) setSetupFailed(failed bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !failed && t.setupFailed {
		return fmt.Errorf("cannot clear a recorded build failure")
	}
	t.setupFailed = failed
	return nil
}

// markBuildCommandsFailed records a nonzero section exit from the
// build script.  Forwarding continues; only the final status changes.
func (t *outcomeTracker) markBuildCommandsFailed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buildCommandsFailed = true
}

// success computes the overall build outcome.
func (t *outcomeTracker) success() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.setupFailed && !t.buildCommandsFailed
}

// claimFinal reserves the right to send the FinalStatus message.  It
// succeeds exactly once per build; a second claim is a programming
// error.
func (t *outcomeTracker) claimFinal() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalSent {
		return fmt.Errorf("final status already sent")
	}
	t.finalSent = true
	return nil
}
