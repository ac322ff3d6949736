//go:build !unix

package tools

import "os/exec"

// killProcessGroup leaves the default cancellation in place; only the direct
// child is killed and WaitDelay releases the pipes.
func killProcessGroup(cmd *exec.Cmd) {}
