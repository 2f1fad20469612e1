//go:build !linux

package agent

import "os/exec"

// applyResourceLimits is a no-op off Linux: §4.7 calls for "soft
// accounting elsewhere" since cgroups are Linux-specific.
func applyResourceLimits(cmd *exec.Cmd) {}
