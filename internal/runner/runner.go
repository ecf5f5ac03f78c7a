// Package runner provides the external-command execution boundary used by
// every component that shells out to e2fsprogs, parted or cp, plus test
// helpers (MockRunner) for unit testing without real processes.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/openWB/PiShrink/internal/utils"
)

// Runner executes external programs. Implementations must honour ctx
// cancellation by killing the child process.
type Runner interface {
	// Output runs the program and returns its standard output.
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
	// CombinedOutput runs the program and returns stdout and stderr interleaved.
	CombinedOutput(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Exec is the default Runner. Tools run with LC_ALL=C so their output stays
// parseable regardless of the operator's locale.
type Exec struct{}

func (Exec) command(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), "LC_ALL=C")
	utils.PrintDebug("Running %s %s", utils.StyleCommand(name), utils.StyleCommand(strings.Join(args, " ")))
	return cmd
}

// Output implements Runner.
func (e Exec) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return e.command(ctx, name, args...).Output()
}

// CombinedOutput implements Runner.
func (e Exec) CombinedOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	return e.command(ctx, name, args...).CombinedOutput()
}

// ExitCode extracts the process exit status from err. ok is false when err
// does not describe a process that ran to completion (e.g. binary missing).
func ExitCode(err error) (code int, ok bool) {
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		code = coder.ExitCode()
		// -1 means the process was killed by a signal.
		return code, code >= 0
	}
	return 0, false
}

// ExitError is a synthetic exit status, used by MockRunner to emulate a
// tool that exited non-zero.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

// ExitCode mirrors (*exec.ExitError).ExitCode.
func (e *ExitError) ExitCode() int { return e.Code }

// lookPath is replaced in tests.
var lookPath = exec.LookPath

// CheckDependencies verifies that all tools in the provided list are available in the system PATH.
// It returns a consolidated error listing all missing tools, or nil if all are present.
func CheckDependencies(tools []string) error {
	var missing []string

	for _, tool := range tools {
		if _, err := lookPath(tool); err != nil {
			missing = append(missing, tool)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required system tools: %s",
			utils.StyleError(strings.Join(missing, ", ")))
	}

	return nil
}
