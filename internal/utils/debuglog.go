package utils

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Fields is the set of key variables recorded at a decision point.
type Fields = logrus.Fields

// debugLog receives the structured trace. It discards everything until
// OpenDebugLog is called.
var debugLog = newDiscardLogger()

func newDiscardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return l
}

// OpenDebugLog starts the structured debug log at path (truncating it).
// The returned closer must be called once the run is over.
func OpenDebugLog(path string) (io.Closer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, PermFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open debug log %s: %w", path, err)
	}
	SetDebugLogOutput(f)
	return closerFunc(func() error {
		debugLog = newDiscardLogger()
		return f.Close()
	}), nil
}

// SetDebugLogOutput routes the structured trace to w as JSON lines.
func SetDebugLogOutput(w io.Writer) {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetLevel(logrus.DebugLevel)
	debugLog = l
}

// Trace records the key variables of a decision point in the debug log.
func Trace(stage string, fields Fields) {
	debugLog.WithField("stage", stage).WithFields(fields).Debug(stage)
}

// TraceOutput records the raw output of an external tool in the debug log.
func TraceOutput(stage, tool string, out []byte) {
	if len(out) == 0 {
		return
	}
	debugLog.WithFields(logrus.Fields{"stage": stage, "tool": tool}).Debug(string(out))
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
