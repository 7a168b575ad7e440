package cmdrunner

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

func (r *CommandsRunner) Run(ctx context.Context, cmd string, args ...string) error {
	_, err := r.combinedOutput(ctx, cmd, args...)
	return err
}

func (r *CommandsRunner) combinedOutput(ctx context.Context, cmd string, args ...string) ([]byte, error) {
	c := exec.CommandContext(ctx, cmd, args...)
	output, err := c.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Errorf("command failed: %s %v\n%s", cmd, args, string(output))
		return nil, fmt.Errorf("command error: %w\n%s", err, string(output))
	}
	return output, nil
}

func (r *CommandsRunner) RunAndTrimmedOutput(ctx context.Context, cmd string, args ...string) (string, error) {
	out, err := r.combinedOutput(ctx, cmd, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// Start launches spec detached from the caller's session and returns its pid.
// The child is reaped in the background; its exit status is only logged.
func (r *CommandsRunner) Start(spec Spec) (int, error) {
	attr, err := detachedAttr(spec.Credential)
	if err != nil {
		return 0, err
	}

	c := exec.Command(spec.Path, spec.Args...)
	c.Dir = spec.Dir
	c.Env = spec.Env
	c.SysProcAttr = attr

	if err := c.Start(); err != nil {
		return 0, fmt.Errorf("failed to start %s: %w", spec.Path, err)
	}

	pid := c.Process.Pid
	go func() {
		if err := c.Wait(); err != nil {
			r.logger.Debugf("detached process %d exited: %v", pid, err)
		}
	}()

	r.logger.Infof("started %s with pid %d", spec.Path, pid)
	return pid, nil
}
