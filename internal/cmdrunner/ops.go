package cmdrunner

import (
	"context"
	"fmt"
	"os/exec"
)

func (r *CommandsRunner) Run(ctx context.Context, cmd string, args ...string) error {
	_, err := r.RunWithOutput(ctx, cmd, args...)
	return err
}

func (r *CommandsRunner) RunWithOutput(ctx context.Context, cmd string, args ...string) ([]byte, error) {
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

// RunWithOutputNoErrLog returns the output even when the command exits
// non-zero. Useful for "systemctl status", where that is expected.
func (r *CommandsRunner) RunWithOutputNoErrLog(ctx context.Context, cmd string, args ...string) ([]byte, error) {
	c := exec.CommandContext(ctx, cmd, args...)
	output, err := c.CombinedOutput()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return output, err
}
