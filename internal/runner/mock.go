package runner

import (
	"context"
	"strings"
)

// MockRunnerCall records a single command invocation.
type MockRunnerCall struct {
	Name string
	Args []string
}

// String renders the call as a command line, handy for assertions.
func (c MockRunnerCall) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// MockRunner records calls and returns configurable output and errors.
//
// When Respond is set it decides every result. Otherwise OutputData and
// Err/FailOn are consulted by call index.
type MockRunner struct {
	Calls  []MockRunnerCall
	Err    error
	FailOn int // Fail on this call index (0-based), -1 means always fail if Err != nil

	// OutputData maps a call index (0-based) to the bytes returned for that
	// invocation. If no entry exists for the current call index, nil is returned.
	OutputData map[int][]byte

	// Respond, when non-nil, overrides OutputData/Err for every call.
	Respond func(call MockRunnerCall) ([]byte, error)
}

// NewMockRunner returns a runner where every call succeeds with no output.
func NewMockRunner() *MockRunner {
	return &MockRunner{FailOn: -1}
}

func (mr *MockRunner) record(name string, args []string) ([]byte, error) {
	call := MockRunnerCall{Name: name, Args: append([]string(nil), args...)}
	mr.Calls = append(mr.Calls, call)
	if mr.Respond != nil {
		return mr.Respond(call)
	}
	return mr.outputForCall(), mr.errForCall()
}

// errForCall returns the error for the current call index, if any.
func (mr *MockRunner) errForCall() error {
	idx := len(mr.Calls) - 1
	if mr.FailOn >= 0 && idx == mr.FailOn {
		return mr.Err
	}
	if mr.FailOn < 0 && mr.Err != nil {
		return mr.Err
	}
	return nil
}

// outputForCall returns the output data configured for the current call index.
func (mr *MockRunner) outputForCall() []byte {
	if mr.OutputData == nil {
		return nil
	}
	return mr.OutputData[len(mr.Calls)-1]
}

// Output implements Runner.
func (mr *MockRunner) Output(_ context.Context, name string, args ...string) ([]byte, error) {
	return mr.record(name, args)
}

// CombinedOutput implements Runner.
func (mr *MockRunner) CombinedOutput(_ context.Context, name string, args ...string) ([]byte, error) {
	return mr.record(name, args)
}

// CommandLines returns every recorded call rendered with MockRunnerCall.String.
func (mr *MockRunner) CommandLines() []string {
	out := make([]string, 0, len(mr.Calls))
	for _, c := range mr.Calls {
		out = append(out, c.String())
	}
	return out
}
