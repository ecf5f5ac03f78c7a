package ext

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openWB/PiShrink/internal/runner"
	"github.com/openWB/PiShrink/internal/utils"
)

// ErrUnrecoverable is returned when every permitted repair tier failed.
var ErrUnrecoverable = errors.New("filesystem unrecoverable")

// Tier is one e2fsck invocation of the escalation ladder.
type Tier struct {
	Name string
	Args []string // device is appended
}

// Tiers returns the repair tiers in the order they are attempted. The
// alternate superblock tier is only included with advanced repair.
func Tiers(advanced bool) []Tier {
	tiers := []Tier{
		{Name: "preen", Args: []string{"-pf"}},
		{Name: "yes-to-all", Args: []string{"-y"}},
	}
	if advanced {
		tiers = append(tiers, Tier{Name: "backup-superblock", Args: []string{"-fy", "-b", "32768"}})
	}
	return tiers
}

// Check runs e2fsck on device, escalating through Tiers(advanced) until one
// exits below 4. Each tier is tried at most once.
//
// e2fsck exit codes:
// 0 = No errors
// 1 = File system errors corrected
// 2 = Corrected, reboot suggested
// 3 = 1 and 2
// 4+ = Errors left uncorrected or operational failure
func (fs *Filesystem) Check(ctx context.Context, device string, advanced bool) error {
	var last error
	for i, tier := range Tiers(advanced) {
		if i > 0 {
			utils.PrintWarning("Filesystem error detected, trying %s repair...", utils.StyleAction(tier.Name))
		} else {
			utils.PrintMessage("Checking filesystem on %s...", utils.StylePath(device))
		}

		args := append(append([]string(nil), tier.Args...), device)
		out, err := fs.Runner.CombinedOutput(ctx, "e2fsck", args...)
		utils.TraceOutput("check", "e2fsck", out)

		code := 0
		if err != nil {
			var ok bool
			code, ok = runner.ExitCode(err)
			if !ok {
				// Not an e2fsck verdict: missing binary or killed.
				return &runner.Error{Op: "check filesystem", Path: device, Tool: "e2fsck", Output: string(out), BaseErr: err}
			}
		}
		utils.Trace("check", utils.Fields{"tier": tier.Name, "args": strings.Join(args, " "), "exitcode": code})

		if code < 4 {
			if code > 0 {
				utils.PrintNote("e2fsck corrected errors (exit code %d).", code)
			}
			return nil
		}
		last = &runner.Error{Op: "check filesystem (" + tier.Name + ")", Path: device, Tool: "e2fsck", Output: string(out), BaseErr: err}
	}
	return fmt.Errorf("%w: %w", ErrUnrecoverable, last)
}

// ErrNotClean is returned by Verify when e2fsck reports problems.
var ErrNotClean = errors.New("filesystem not clean")

// Verify runs a forced read-only e2fsck on device. It never repairs, so it
// is safe on a device bound read-only. Any non-zero exit means the
// filesystem is not clean.
func (fs *Filesystem) Verify(ctx context.Context, device string) error {
	out, err := fs.Runner.CombinedOutput(ctx, "e2fsck", "-fn", device)
	utils.TraceOutput("verify", "e2fsck", out)
	if err == nil {
		return nil
	}
	code, ok := runner.ExitCode(err)
	if !ok {
		return &runner.Error{Op: "verify filesystem", Path: device, Tool: "e2fsck", Output: string(out), BaseErr: err}
	}
	utils.Trace("verify", utils.Fields{"exitcode": code})
	return fmt.Errorf("%w (e2fsck exit code %d): %w", ErrNotClean, code,
		&runner.Error{Op: "verify filesystem", Path: device, Tool: "e2fsck", Output: string(out), BaseErr: err})
}
