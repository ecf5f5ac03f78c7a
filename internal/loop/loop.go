// Package loop binds a byte window of an image file to a Linux loop device.
package loop

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// Mockable variables for loop-device operations.
var (
	loopControlPath = "/dev/loop-control"
	sysBlockPrefix  = "/sys/block"
	devPrefix       = "/dev"

	// Low-level wrappers; replaced by fakes in tests.
	openFile      = os.OpenFile
	ioctlRetInt   = unix.IoctlRetInt
	ioctlSetInt   = unix.IoctlSetInt
	ioctlLoopInfo = unix.IoctlLoopSetStatus64
	closeFile     = func(f *os.File) error { return f.Close() }
	readFileBytes = os.ReadFile
)

// Device is a loop device attached to the tail of an image file, starting
// at Offset and running through the end of the file.
// All methods are safe for concurrent use.
type Device struct {
	mu       sync.Mutex
	Image    string // backing image path
	Offset   int64  // byte offset into Image where the device starts
	Path     string // loop device node (e.g. /dev/loop3)
	attached bool
}

// Bind attaches imagePath to the next free loop device, starting at offset
// bytes into the file, equivalent to `losetup -f --show -o <offset> <image>`.
// The device spans to the end of the file rather than the partition's own
// length, since the filesystem tools need everything after the start.
func Bind(imagePath string, offset int64) (*Device, error) {
	return bind(imagePath, offset, false)
}

// BindReadOnly is Bind with a read-only device (`losetup -r`).
func BindReadOnly(imagePath string, offset int64) (*Device, error) {
	return bind(imagePath, offset, true)
}

// bindAttempts bounds how often a slot taken by another process between
// LOOP_CTL_GET_FREE and LOOP_SET_FD is retried, like losetup does.
const bindAttempts = 5

func bind(imagePath string, offset int64, readOnly bool) (*Device, error) {
	if offset < 0 {
		return nil, fmt.Errorf("loop bind: negative offset %d", offset)
	}

	mode := os.O_RDWR
	if readOnly {
		mode = os.O_RDONLY
	}
	imgFile, err := openFile(imagePath, mode, 0)
	if err != nil {
		return nil, fmt.Errorf("loop bind: open image %s: %w", imagePath, err)
	}
	defer closeFile(imgFile)

	var loopFile *os.File
	var loopPath string
	for attempt := 1; ; attempt++ {
		loopFile, loopPath, err = attachFree(imgFile)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EBUSY) || attempt == bindAttempts {
			return nil, err
		}
	}
	defer closeFile(loopFile)

	// SizeLimit 0 means "to the end of the file".
	info := unix.LoopInfo64{
		Offset: uint64(offset),
	}
	if readOnly {
		info.Flags = unix.LO_FLAGS_READ_ONLY
	}
	copy(info.File_name[:], imagePath)
	if err := ioctlLoopInfo(int(loopFile.Fd()), &info); err != nil {
		// Best-effort detach so the slot is not leaked.
		_ = ioctlSetInt(int(loopFile.Fd()), unix.LOOP_CLR_FD, 0)
		return nil, fmt.Errorf("loop bind: LOOP_SET_STATUS64 on %s: %w", loopPath, err)
	}

	return &Device{
		Image:    imagePath,
		Offset:   offset,
		Path:     loopPath,
		attached: true,
	}, nil
}

// attachFree asks /dev/loop-control for a free device and associates img
// with it. The returned file is the open loop device.
func attachFree(img *os.File) (*os.File, string, error) {
	ctl, err := openFile(loopControlPath, os.O_RDWR, 0)
	if err != nil {
		return nil, "", fmt.Errorf("loop bind: open %s: %w", loopControlPath, err)
	}
	devNr, err := ioctlRetInt(int(ctl.Fd()), unix.LOOP_CTL_GET_FREE)
	closeFile(ctl)
	if err != nil {
		return nil, "", fmt.Errorf("loop bind: LOOP_CTL_GET_FREE: %w", err)
	}

	loopPath := fmt.Sprintf("%s/loop%d", devPrefix, devNr)
	loopFile, err := openFile(loopPath, os.O_RDWR, 0)
	if err != nil {
		return nil, "", fmt.Errorf("loop bind: open %s: %w", loopPath, err)
	}
	if err := ioctlSetInt(int(loopFile.Fd()), unix.LOOP_SET_FD, int(img.Fd())); err != nil {
		closeFile(loopFile)
		return nil, "", fmt.Errorf("loop bind: LOOP_SET_FD on %s: %w", loopPath, err)
	}
	return loopFile, loopPath, nil
}

// Node returns the device node path, or "" for a nil device.
func (d *Device) Node() string {
	if d == nil {
		return ""
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Path
}

// Attached reports whether the device still holds the image.
func (d *Device) Attached() bool {
	if d == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attached
}

// Unbind clears the file-descriptor association of the loop device,
// equivalent to `losetup -d /dev/loopN`. It is idempotent and a nil device
// is a no-op, so cleanup paths can call it unconditionally.
func (d *Device) Unbind() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.attached {
		return nil
	}

	f, err := openFile(d.Path, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("loop unbind: open %s: %w", d.Path, err)
	}
	defer closeFile(f)

	if err := ioctlSetInt(int(f.Fd()), unix.LOOP_CLR_FD, 0); err != nil {
		return fmt.Errorf("loop unbind: LOOP_CLR_FD on %s: %w", d.Path, err)
	}

	d.attached = false
	return nil
}

// BackingFile returns the kernel-reported backing file for the loop device
// by reading /sys/block/loopN/loop/backing_file.
// Returns an empty string when the device has no backing file.
func (d *Device) BackingFile() string {
	dev := d.Node()
	if dev == "" {
		return ""
	}
	p := filepath.Join(sysBlockPrefix, filepath.Base(dev), "loop", "backing_file")
	data, err := readFileBytes(p)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
