// Package prep removes logs, caches and other per-device state from an
// image before it is shrunk and distributed.
package prep

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openWB/PiShrink/internal/mount"
	"github.com/openWB/PiShrink/internal/utils"
)

// Patterns are the globs, relative to the filesystem root, that are purged.
var Patterns = []string{
	"var/cache/apt/archives/*.deb",
	"var/lib/dhcpcd5/*",
	"var/log/*.gz",
	"var/log/*.[0-9]",
	"var/tmp/*",
}

// Replaced in tests.
var withMount = mount.With

// Preparer purges Patterns from a mounted image.
type Preparer struct {
	Patterns []string
}

// New returns a Preparer using the default Patterns.
func New() *Preparer {
	return &Preparer{Patterns: Patterns}
}

// Prepare mounts device and deletes everything matching the patterns. It
// returns the number of removed entries. Any deletion failure aborts.
func (pr *Preparer) Prepare(ctx context.Context, device, fstype string) (int, error) {
	utils.PrintMessage("Removing logs and caches from %s...", utils.StylePath(device))
	removed := 0
	err := withMount(device, fstype, func(p *mount.Point) error {
		for _, pattern := range pr.Patterns {
			if err := ctx.Err(); err != nil {
				return err
			}
			matches, err := filepath.Glob(p.Path(pattern))
			if err != nil {
				return fmt.Errorf("bad pattern %q: %w", pattern, err)
			}
			for _, path := range matches {
				utils.PrintDebug("Deleting: %s", utils.StylePath(path))
				if err := os.RemoveAll(path); err != nil {
					return fmt.Errorf("failed to delete %s: %w", path, err)
				}
				removed++
			}
		}
		return nil
	})
	utils.Trace("prep", utils.Fields{"removed": removed})
	if err != nil {
		return removed, err
	}
	utils.PrintSuccess("Removed %s entries.", utils.StyleNumber(removed))
	return removed, nil
}
