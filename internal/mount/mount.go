// Package mount provides scoped mounts of a loop device: acquire with
// Mount, release with Close on every exit path.
package mount

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/openWB/PiShrink/internal/utils"
)

// DefaultFSType is used when the caller does not know the filesystem type.
// The ext4 driver also mounts ext2 and ext3.
const DefaultFSType = "ext4"

// Low-level wrappers; replaced by fakes in tests.
var (
	sysMount   = unix.Mount
	sysUnmount = unix.Unmount
	tempRoot   = os.TempDir
)

// Point is an active mount of a device on a private temporary directory.
type Point struct {
	mu     sync.Mutex
	Device string
	Dir    string
	closed bool
}

// Mount mounts device (filesystem type fstype, "" means DefaultFSType) on a
// fresh directory named after a random uuid. The caller must Close it.
func Mount(device, fstype string) (*Point, error) {
	if fstype == "" {
		fstype = DefaultFSType
	}
	dir := filepath.Join(tempRoot(), "pishrink-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create mount point %s: %w", dir, err)
	}

	utils.PrintDebug("Mounting %s on %s", utils.StylePath(device), utils.StylePath(dir))
	if err := sysMount(device, dir, fstype, 0, ""); err != nil {
		_ = os.Remove(dir)
		return nil, fmt.Errorf("mount %s on %s: %w", device, dir, err)
	}
	return &Point{Device: device, Dir: dir}, nil
}

// Path joins elem onto the mount directory.
func (p *Point) Path(elem ...string) string {
	return filepath.Join(append([]string{p.Dir}, elem...)...)
}

// Close unmounts and removes the mount directory. It is idempotent; a nil
// point is a no-op.
func (p *Point) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}

	utils.PrintDebug("Unmounting %s", utils.StylePath(p.Dir))
	if err := sysUnmount(p.Dir, 0); err != nil && !errors.Is(err, unix.EINVAL) {
		return fmt.Errorf("unmount %s: %w", p.Dir, err)
	}
	p.closed = true
	if err := os.Remove(p.Dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove mount point %s: %w", p.Dir, err)
	}
	return nil
}

// With mounts device, runs fn against the mount point and always unmounts.
// An unmount failure is reported only when fn itself succeeded.
func With(device, fstype string, fn func(p *Point) error) (err error) {
	p, err := Mount(device, fstype)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := p.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(p)
}
