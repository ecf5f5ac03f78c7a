package shrink

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/openWB/PiShrink/internal/utils"
)

// imageLock is an exclusive advisory lock on the image file. It must be
// closed to release the lock.
type imageLock struct {
	file *os.File
}

// lockImage takes a non-blocking exclusive flock on path, so two runs
// cannot work on the same image.
func lockImage(path string) (*imageLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("can't open %s for writing: %w", utils.StylePath(path), err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("%s is in use by another process: %w", utils.StylePath(path), err)
	}
	return &imageLock{file: f}, nil
}

// Close releases the lock. It is safe on a nil or closed lock.
func (l *imageLock) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	// flock locks are released when the file is closed.
	err := l.file.Close()
	l.file = nil
	return err
}
