// Package autoexpand installs a first-boot script into an image that grows
// the root filesystem back to the size of the medium it is written to.
package autoexpand

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/opencontainers/go-digest"

	"github.com/openWB/PiShrink/internal/mount"
	"github.com/openWB/PiShrink/internal/utils"
)

// Paths inside the guest filesystem.
const (
	RCLocal       = "etc/rc.local"
	RCLocalBackup = "etc/rc.local.bak"
)

// ErrNoEtc is returned when the filesystem has no /etc and therefore is not
// a root filesystem.
var ErrNoEtc = errors.New("no /etc directory, not a root filesystem")

// Replaced in tests.
var withMount = mount.With

// Injector installs and removes the boot script.
type Injector struct{}

// New returns an Injector.
func New() *Injector { return &Injector{} }

// Inject mounts device and writes the boot script to /etc/rc.local. An
// existing rc.local is first copied to rc.local.bak; backedUp reports
// whether that happened. The backup stays on disk if a later step fails.
// Images that already carry the script are left alone.
func (in *Injector) Inject(ctx context.Context, device, fstype string) (backedUp bool, err error) {
	utils.PrintMessage("Injecting autoexpand script into %s...", utils.StylePath(device))
	err = withMount(device, fstype, func(p *mount.Point) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !utils.DirExists(p.Path("etc")) {
			return ErrNoEtc
		}

		rc := p.Path(RCLocal)
		existing, rerr := os.ReadFile(rc)
		switch {
		case rerr == nil && digest.FromBytes(existing) == ScriptDigest():
			utils.PrintNote("Autoexpand script already present, leaving it in place.")
			utils.Trace("autoexpand", utils.Fields{"action": "present"})
			return nil
		case rerr == nil:
			if err := os.WriteFile(p.Path(RCLocalBackup), existing, utils.PermExec); err != nil {
				return fmt.Errorf("back up %s: %w", RCLocal, err)
			}
			backedUp = true
		case !os.IsNotExist(rerr):
			return fmt.Errorf("read %s: %w", RCLocal, rerr)
		}

		if err := os.WriteFile(rc, []byte(bootScript), utils.PermExec); err != nil {
			return fmt.Errorf("write %s: %w", RCLocal, err)
		}
		// WriteFile keeps the mode of an existing file.
		if err := os.Chmod(rc, utils.PermExec); err != nil {
			return fmt.Errorf("chmod %s: %w", RCLocal, err)
		}
		utils.Trace("autoexpand", utils.Fields{"action": "injected", "backup": backedUp})
		return nil
	})
	return backedUp, err
}

// Restore mounts device and copies rc.local.bak back over rc.local. The
// backup itself is kept for later inspection.
func (in *Injector) Restore(ctx context.Context, device, fstype string) error {
	return withMount(device, fstype, func(p *mount.Point) error {
		saved, err := os.ReadFile(p.Path(RCLocalBackup))
		if os.IsNotExist(err) {
			return fmt.Errorf("backup %s not found", RCLocalBackup)
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", RCLocalBackup, err)
		}
		rc := p.Path(RCLocal)
		if err := os.WriteFile(rc, saved, utils.PermExec); err != nil {
			return fmt.Errorf("restore %s: %w", RCLocal, err)
		}
		if err := os.Chmod(rc, utils.PermExec); err != nil {
			return fmt.Errorf("chmod %s: %w", RCLocal, err)
		}
		utils.Trace("autoexpand", utils.Fields{"action": "restored"})
		return nil
	})
}

// ScriptDigest identifies the boot script content.
func ScriptDigest() digest.Digest {
	return digest.FromString(bootScript)
}
