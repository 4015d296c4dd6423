//go:build !windows

package subprocess

import (
	"fmt"
)

// ErrNotRunning is returned when performing an action against a stopped process.
var ErrNotRunning = fmt.Errorf("The process isn't running")

// ErrNotStarted is returned when waiting on a process that was never spawned.
var ErrNotStarted = fmt.Errorf("Unable to wait on process we didn't spawn")
