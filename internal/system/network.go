package system

import (
	"context"
	"fmt"
	"time"

	"nvman/internal/sysexec"
)

// Reachable probes a host with a single bounded ping. Unreachability is
// a normal outcome, never an error, and the probe cannot block beyond
// the given timeout.
func Reachable(ctx context.Context, runner sysexec.Runner, host string, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	waitSec := int(timeout / (2 * time.Second))
	if waitSec < 1 {
		waitSec = 1
	}
	res, err := runner.Run(ctx, sysexec.Command{
		Name:        "ping",
		Args:        []string{"-c", "1", "-W", fmt.Sprintf("%d", waitSec), host},
		Timeout:     timeout,
		Description: "checking network",
	})
	return err == nil && res.Ok()
}
