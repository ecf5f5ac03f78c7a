package runner

import (
	"context"
	"fmt"
	"strings"

	"github.com/openWB/PiShrink/internal/utils"
)

// Error represents a failure in an external tool (parted, e2fsck, resize2fs, ...).
// Usage: var te *runner.Error; if errors.As(err, &te) { ... }
type Error struct {
	Op      string // high level intent: "read partition table", "shrink filesystem"
	Tool    string // low level tool: "parted", "resize2fs"
	Path    string // the image or device being manipulated
	Output  string // Captured Stderr/Stdout
	BaseErr error  // The underlying execution error
}

func (e *Error) Error() string {
	hint := e.analyze()
	var msg strings.Builder

	msg.WriteString(fmt.Sprintf("Operation '%s' failed.\n", utils.StyleAction(e.Op)))
	msg.WriteString(fmt.Sprintf("\tTarget:  %s\n", utils.StylePath(e.Path)))
	msg.WriteString(fmt.Sprintf("\tTool:    %s\n", utils.StyleCommand(e.Tool)))

	if e.Output != "" {
		cleanOut := strings.TrimSpace(e.Output)
		if len(cleanOut) > 0 {
			msg.WriteString(fmt.Sprintf("\tOutput:  %s\n", utils.StyleError(cleanOut)))
		}
	}

	if hint != "" {
		msg.WriteString(fmt.Sprintf("\t%s    %s\n", utils.StyleHint("Hint:"), hint))
	}

	msg.WriteString(fmt.Sprintf("\tError:   %v", e.BaseErr))

	return msg.String()
}

// Unwrap allows errors.Is/As to see the underlying BaseErr
func (e *Error) Unwrap() error {
	return e.BaseErr
}

func (e *Error) analyze() string {
	out := e.Output

	// --- General System Errors ---
	if strings.Contains(out, "No space left on device") {
		return "Host storage is full."
	}
	if strings.Contains(out, "Permission denied") {
		return "Run as root; the image and loop devices need privileged access."
	}
	if strings.Contains(out, "Read-only file system") {
		return "The image lives on a read-only filesystem."
	}
	if strings.Contains(out, "Device or resource busy") {
		return "The loop device or image is in use. Unmount it and detach stale loop devices (losetup -D)."
	}

	// --- Tool Specific: Resize2fs ---
	if strings.Contains(out, "New size smaller than minimum") {
		return "Filesystem cannot be shrunk below its current usage."
	}
	if strings.Contains(out, "Please run 'e2fsck -f") {
		return "The filesystem must be checked before resizing."
	}

	// --- Tool Specific: E2fsck / Tune2fs ---
	if strings.Contains(out, "Bad magic number") || strings.Contains(out, "Couldn't find valid filesystem superblock") {
		return "The last partition does not hold an ext2/3/4 filesystem."
	}
	if strings.Contains(out, "needs human intervention") || strings.Contains(out, "UNEXPECTED INCONSISTENCY") {
		return "Filesystem corrupted. Re-run with -r to try the backup superblock."
	}
	if strings.Contains(out, "is mounted") {
		return "Cannot perform this operation while the filesystem is mounted."
	}

	// --- Tool Specific: Parted ---
	if strings.Contains(out, "unrecognised disk label") {
		return "The image has no partition table parted understands."
	}

	return ""
}

// Run executes a tool through r and wraps failures in *Error. The combined
// output is returned in both cases.
func Run(ctx context.Context, r Runner, op, path, tool string, args ...string) ([]byte, error) {
	out, err := r.CombinedOutput(ctx, tool, args...)
	utils.TraceOutput(op, tool, out)
	if err != nil {
		return out, &Error{
			Op:      op,
			Path:    path,
			Tool:    tool,
			Output:  string(out),
			BaseErr: err,
		}
	}
	return out, nil
}

// Query executes a tool through r for its standard output only, wrapping
// failures in *Error. Use it when stderr chatter would upset a parser.
func Query(ctx context.Context, r Runner, op, path, tool string, args ...string) ([]byte, error) {
	out, err := r.Output(ctx, tool, args...)
	utils.TraceOutput(op, tool, out)
	if err != nil {
		return out, &Error{
			Op:      op,
			Path:    path,
			Tool:    tool,
			Output:  string(out),
			BaseErr: err,
		}
	}
	return out, nil
}
