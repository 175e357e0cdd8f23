package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
)

// CommandExecutor runs one opaque command block and reports its exit code.
// The command text is never parsed; it goes to the interpreter verbatim.
//
// A non-zero exit is a normal outcome (exitCode != 0, err == nil). The
// error return is reserved for commands that could not be run at all or
// were cancelled.
type CommandExecutor interface {
	Execute(ctx context.Context, command, workDir string, env []string) (output []byte, exitCode int, err error)
}

// ShellExecutor executes command blocks with `sh -c`.
type ShellExecutor struct{}

func NewShellExecutor() *ShellExecutor {
	return &ShellExecutor{}
}

// Execute runs the command block in workDir with the given environment,
// capturing combined stdout/stderr. The child gets its own process group
// so cancellation kills the whole tree, not just the shell.
func (e *ShellExecutor) Execute(ctx context.Context, command, workDir string, env []string) ([]byte, int, error) {
	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = workDir
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return nil, -1, fmt.Errorf("start command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		// Kill the process group (negative pid) and wait for the child
		// to actually exit before returning.
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		return out.Bytes(), -1, fmt.Errorf("command cancelled: %w", ctx.Err())
	case err := <-done:
		if err == nil {
			return out.Bytes(), 0, nil
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out.Bytes(), exitErr.ExitCode(), nil
		}
		return out.Bytes(), -1, fmt.Errorf("wait for command: %w", err)
	}
}
