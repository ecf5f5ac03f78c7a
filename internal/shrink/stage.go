package shrink

import (
	"context"
	"errors"
	"fmt"
)

// Stage names a step of the pipeline. Every stage fails with its own exit
// code so callers can script on the outcome.
type Stage string

const (
	StagePrecondition    Stage = "precondition"
	StageCopy            Stage = "copy"
	StageReadLayout      Stage = "read-layout"
	StageBind            Stage = "bind"
	StageInspect         Stage = "inspect"
	StageEstimate        Stage = "estimate"
	StageCheck           Stage = "check"
	StageAutoexpand      Stage = "autoexpand"
	StagePrep            Stage = "prep"
	StageResize          Stage = "resize"
	StageZeroFill        Stage = "zero-fill"
	StagePartitionDelete Stage = "partition-delete"
	StagePartitionCreate Stage = "partition-create"
	StageDataEnd         Stage = "data-end"
	StageTruncate        Stage = "truncate"
	StageCompress        Stage = "compress"
	StageUnbind          Stage = "unbind"
)

// ExitInterrupted is used when the run was cancelled by a signal.
const ExitInterrupted = 130

var exitCodes = map[Stage]int{
	StagePrecondition:    2,
	StageCopy:            3,
	StageReadLayout:      4,
	StageBind:            5,
	StageInspect:         6,
	StageEstimate:        7,
	StageCheck:           8,
	StageAutoexpand:      9,
	StagePrep:            10,
	StageResize:          11,
	StageZeroFill:        12,
	StagePartitionDelete: 13,
	StagePartitionCreate: 14,
	StageDataEnd:         15,
	StageTruncate:        16,
	StageCompress:        17,
	StageUnbind:          18,
}

// ExitCode returns the process exit code for a failure in s.
func (s Stage) ExitCode() int {
	if code, ok := exitCodes[s]; ok {
		return code
	}
	return 1
}

// StageError is returned by the orchestrator for every failure.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Interrupted reports whether the stage failed because the run was cancelled.
func (e *StageError) Interrupted() bool {
	return errors.Is(e.Err, context.Canceled)
}

// ExitCode returns the stage's exit code, or ExitInterrupted.
func (e *StageError) ExitCode() int {
	if e.Interrupted() {
		return ExitInterrupted
	}
	return e.Stage.ExitCode()
}

func fail(stage Stage, err error) error {
	return &StageError{Stage: stage, Err: err}
}
