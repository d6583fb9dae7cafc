// Package sysexec runs system commands, optionally under sudo, with
// bounded timeouts and full output capture.
package sysexec

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"

	"nvman/internal/utils"
)

// ExitTimeout is the synthetic exit code reported for a timed-out step.
const ExitTimeout = 124

// Command describes one system operation. Commands are descriptors, not
// raw strings, so step tables can substitute names per distribution.
type Command struct {
	Name        string
	Args        []string
	Sudo        bool
	Timeout     time.Duration
	Description string

	// IgnoreMissingUnit treats systemctl "unit not loaded"/"does not
	// exist" failures as success.
	IgnoreMissingUnit bool

	// IgnoreStderrContains treats a failure as success when stderr
	// contains the given text (e.g. DKMS "not located in the DKMS tree").
	IgnoreStderrContains string
}

// String renders the command for logs.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+2)
	if c.Sudo {
		parts = append(parts, "sudo")
	}
	parts = append(parts, c.Name)
	parts = append(parts, c.Args...)
	return strings.Join(parts, " ")
}

// Result represents the result of command execution
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// Ok reports whether the command exited zero.
func (r *Result) Ok() bool {
	return r.ExitCode == 0
}

// Runner runs one command at a time. Implementations must never swallow
// a failure: a nonzero exit is reported in the Result, a failure to run
// the command at all is reported as an error.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// SudoRunner executes commands on the local system, prefixing sudo for
// privileged ones. When Password is set it is piped to sudo -S, which is
// needed with sudo-rs where the credential cache is not shared with
// child processes.
type SudoRunner struct {
	Password       string
	DefaultTimeout time.Duration
	ShowSpinner    bool
}

// Run executes the command and captures stdout, stderr and exit code.
func (r *SudoRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.DefaultTimeout
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	utils.LogDebug("Executing: %s", cmd.String())

	name := cmd.Name
	args := cmd.Args
	if cmd.Sudo {
		name = "sudo"
		if r.Password != "" {
			args = append([]string{"-S", cmd.Name}, cmd.Args...)
		} else {
			args = append([]string{cmd.Name}, cmd.Args...)
		}
	}

	c := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	if cmd.Sudo && r.Password != "" {
		c.Stdin = strings.NewReader(r.Password + "\n")
	}

	var stop func()
	if r.ShowSpinner {
		stop = spin(cmd.Description)
	}
	err := c.Run()
	if stop != nil {
		stop()
	}

	result := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if ctx.Err() == context.DeadlineExceeded {
		result.ExitCode = ExitTimeout
		result.TimedOut = true
		return result, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return nil, err
		}
	}

	applyTolerances(cmd, result)

	if !result.Ok() {
		utils.LogDebug("Command failed (code %d): %s", result.ExitCode, cmd.String())
	}
	return result, nil
}

// applyTolerances downgrades expected failures to success.
func applyTolerances(cmd Command, result *Result) {
	if result.Ok() {
		return
	}
	if cmd.IgnoreMissingUnit &&
		(strings.Contains(result.Stderr, "not loaded") ||
			strings.Contains(result.Stderr, "does not exist")) {
		result.ExitCode = 0
		return
	}
	if cmd.IgnoreStderrContains != "" &&
		strings.Contains(result.Stderr, cmd.IgnoreStderrContains) {
		result.ExitCode = 0
	}
}

// spin shows an indeterminate spinner until the returned func is called.
func spin(description string) func() {
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionEnableColorCodes(true),
	)

	done := make(chan struct{})
	ticker := time.NewTicker(200 * time.Millisecond)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				bar.Add(0)
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
		bar.Finish()
		bar.Clear()
	}
}

// Verify checks that sudo credentials work by validating the cached
// timestamp without running a command.
func (r *SudoRunner) Verify(ctx context.Context) error {
	res, err := r.Run(ctx, Command{
		Name:        "-v",
		Sudo:        true,
		Timeout:     30 * time.Second,
		Description: "validating sudo access",
	})
	if err != nil {
		return err
	}
	if !res.Ok() {
		return errors.New("sudo authentication failed")
	}
	return nil
}
