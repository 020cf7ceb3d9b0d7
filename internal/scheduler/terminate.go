package scheduler

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// KillGracefully signals a handler subprocess with SIGTERM and escalates to
// SIGKILL after the grace period. Subprocess-backed handlers call this from
// their cancellation path; in-process handlers just observe their context.
func KillGracefully(p *os.Process, grace time.Duration) error {
	if err := p.Signal(unix.SIGTERM); err != nil {
		return err
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		// Signal 0 probes whether the process is still alive.
		if err := p.Signal(unix.Signal(0)); err != nil {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return p.Kill()
}
