package shell

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ExitErrorVerbose reports the command line and its stderr instead of just the exit code
type ExitErrorVerbose struct {
	Command string
	E       exec.ExitError
}

func (e ExitErrorVerbose) Error() string {
	stderr := strings.TrimSpace(string(e.E.Stderr))
	if stderr != "" {
		return fmt.Sprintf("%v: %v", e.Command, stderr)
	}
	return fmt.Sprintf("%v: %v", e.Command, e.E.Error())
}

func (e ExitErrorVerbose) Unwrap() error {
	return &e.E
}

// Run executes name with args, and returns stdout.
// The process is killed if ctx is cancelled before it exits.
func Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", ExitErrorVerbose{Command: name, E: *exitErr}
		}
		return "", fmt.Errorf("%v: %w", name, err)
	}
	return string(out), nil
}

// CommandLine formats name and args for log output
func CommandLine(name string, args ...string) string {
	return strings.TrimSpace(name + " " + strings.Join(args, " "))
}
