package spawn

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/devstack-io/devstack/internal/logger"
)

// Handle identifies a spawned process. The orchestrator owns it
// exclusively from spawn until the tracker releases it.
type Handle struct {
	Name    string
	PID     int
	LogPath string
}

// Spec describes a process to spawn.
type Spec struct {
	Name    string
	Command string // command line, shell metacharacters allowed
	WorkDir string
	Env     []string // extra KEY=VALUE entries appended to the OS env
	Log     logger.Config
}

// Spawner starts long-running processes that outlive the CLI.
type Spawner interface {
	Spawn(spec Spec) (Handle, error)
}

// ExecSpawner starts processes in their own process group, detached
// from the CLI so they keep running after it exits.
type ExecSpawner struct{}

func (ExecSpawner) Spawn(spec Spec) (Handle, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return Handle{}, fmt.Errorf("spawn %s: empty command", spec.Name)
	}
	cmd := buildCommand(spec.Command)
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	logPath := ""
	if spec.Log.Dir != "" {
		w, err := spec.Log.Writer(spec.Name)
		if err != nil {
			return Handle{}, fmt.Errorf("spawn %s: open log: %w", spec.Name, err)
		}
		cmd.Stdout = w
		cmd.Stderr = w
		logPath = spec.Log.Path(spec.Name)
	} else {
		null, _ := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		cmd.Stdout = null
		cmd.Stderr = null
	}

	if err := cmd.Start(); err != nil {
		return Handle{}, fmt.Errorf("spawn %s: %w", spec.Name, err)
	}
	pid := cmd.Process.Pid
	// No wait is owed: the CLI exits while the child keeps running.
	_ = cmd.Process.Release()
	return Handle{Name: spec.Name, PID: pid, LogPath: logPath}, nil
}

// buildCommand constructs an *exec.Cmd for the given command line. It
// avoids invoking a shell unless shell metacharacters are present.
func buildCommand(cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	name := parts[0]
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	// #nosec G204
	return exec.Command(name, args...)
}
