package cmd

import (
	"context"
	"errors"
	"os"

	"github.com/openWB/PiShrink/internal/shrink"
	"github.com/openWB/PiShrink/internal/utils"
)

// Exit codes not tied to a pipeline stage. Stage failures use
// shrink.Stage.ExitCode (2 and up) and interrupts exit with 130.
const (
	ExitCodeOK    = 0
	ExitCodeUsage = 1
)

// usageError marks bad flags or arguments.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// exitCode maps an error returned by a command to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return ExitCodeOK
	}
	var se *shrink.StageError
	if errors.As(err, &se) {
		return se.ExitCode()
	}
	if errors.Is(err, context.Canceled) {
		return shrink.ExitInterrupted
	}
	return ExitCodeUsage
}

// ExitWithError prints err and exits with its exit code.
func ExitWithError(err error) {
	code := exitCode(err)
	var se *shrink.StageError
	switch {
	case code == shrink.ExitInterrupted:
		if errors.As(err, &se) {
			utils.PrintError("Interrupted during %s", se.Stage)
			utils.PrintDebug("%v", se.Err)
		} else {
			utils.PrintError("Interrupted")
		}
	case errors.As(err, &se):
		utils.PrintError("%v", se)
		if se.Stage == shrink.StagePrecondition {
			utils.PrintHint("Run 'pishrink --help' for usage.")
		}
	default:
		utils.PrintError("%v", err)
		utils.PrintHint("Run 'pishrink --help' for usage.")
	}
	os.Exit(code)
}
