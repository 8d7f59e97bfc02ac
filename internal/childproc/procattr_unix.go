//go:build unix

package childproc

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// setProcGroup configures cmd to run in its own process group so the whole
// tree a wrapper script spawns (npx -> sh -> node -> agent binary) can be
// killed together.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup sends SIGKILL to the entire process group for pid.
func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

// resolveHostPathTimeout bounds the login-shell spawn below so a hung or
// missing shell never blocks Spawn.
const resolveHostPathTimeout = 2 * time.Second

// resolveHostPath recovers the full interactive-shell PATH by running the
// user's login shell, the way a GUI app or systemd unit's own truncated
// PATH would be resolved by hand in a terminal. Falls back to the current
// process's PATH on any failure.
func resolveHostPath() string {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}

	ctx, cancel := context.WithTimeout(context.Background(), resolveHostPathTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, shell, "-lc", "echo $PATH").Output()
	if err != nil {
		return os.Getenv("PATH")
	}

	path := strings.TrimSpace(string(out))
	if path == "" {
		return os.Getenv("PATH")
	}
	return path
}
