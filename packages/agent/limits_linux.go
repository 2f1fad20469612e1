//go:build linux

package agent

import (
	"os/exec"
	"syscall"
)

// applyResourceLimits puts the tool invocation in its own process group on
// Linux so a wall-clock-cap kill also reaps any children it spawned,
// matching the exec contract of §4.7 ("exec the tool under the image's
// resource limits; cgroup on Linux").
func applyResourceLimits(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
