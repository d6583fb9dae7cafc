package orchestrator

import (
	"fmt"

	"nvman/internal/sysexec"
	"nvman/internal/system"
)

// ConcurrentInstallError means an install is already in progress. It is
// always locally recoverable; the caller waits and retries.
type ConcurrentInstallError struct {
	Current State
}

func (e *ConcurrentInstallError) Error() string {
	return fmt.Sprintf("an installation is already in progress (state %s)", e.Current)
}

// PreflightError means connectivity or disk-space requirements were not
// met. Nothing was mutated and no backup was taken.
type PreflightError struct {
	Reason string
}

func (e *PreflightError) Error() string {
	return fmt.Sprintf("preflight check failed: %s", e.Reason)
}

// StepExecutionError means a privileged step returned nonzero or timed
// out. It carries the step's captured output.
type StepExecutionError struct {
	Step   sysexec.Command
	Result *sysexec.Result
}

func (e *StepExecutionError) Error() string {
	if e.Result.TimedOut {
		return fmt.Sprintf("step timed out: %s", e.Step)
	}
	return fmt.Sprintf("step failed (exit %d): %s", e.Result.ExitCode, e.Step)
}

// VerificationError means every step reported success but the driver
// bound to the GPU afterwards is not the one the strategy promised.
type VerificationError struct {
	Expected system.DriverFamily
	Actual   system.Driver
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification failed: expected %s driver, found %s", e.Expected, e.Actual)
}

// ErrCancelled is returned when the user cancels before execution
// begins. Cancellation is not offered once privileged steps run.
var ErrCancelled = fmt.Errorf("installation cancelled")
