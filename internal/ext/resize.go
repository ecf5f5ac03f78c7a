package ext

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/openWB/PiShrink/internal/mount"
	"github.com/openWB/PiShrink/internal/runner"
	"github.com/openWB/PiShrink/internal/utils"
)

// fillerName is the zero-fill file created at the filesystem root.
const fillerName = "pishrink-zero.fill"

// Replaced in tests.
var (
	withMount    = mount.With
	createFiller = func(path string) (filler, error) { return os.Create(path) }
)

type filler interface {
	io.Writer
	Sync() error
	Close() error
}

// Resize shrinks (or grows) the unmounted filesystem on device to blocks.
func (fs *Filesystem) Resize(ctx context.Context, device string, blocks int64) error {
	if blocks <= 0 {
		return fmt.Errorf("invalid target size %d blocks", blocks)
	}
	utils.PrintMessage("Shrinking filesystem to %s blocks...", utils.StyleNumber(blocks))
	_, err := runner.Run(ctx, fs.Runner, "shrink filesystem", device,
		"resize2fs", "-p", device, strconv.FormatInt(blocks, 10))
	return err
}

// ZeroFreeSpace mounts device, fills its free space with a zeroed file and
// removes it again, so freed blocks compress well and old data is gone.
func (fs *Filesystem) ZeroFreeSpace(ctx context.Context, device, fstype string) error {
	utils.PrintMessage("Zeroing free space on %s...", utils.StylePath(device))
	return withMount(device, fstype, func(p *mount.Point) error {
		path := p.Path(fillerName)
		f, err := createFiller(path)
		if err != nil {
			return fmt.Errorf("create filler %s: %w", path, err)
		}
		n, werr := fillZeros(ctx, f)
		if serr := f.Sync(); serr != nil && werr == nil && !errors.Is(serr, unix.ENOSPC) {
			werr = serr
		}
		if cerr := f.Close(); cerr != nil && werr == nil && !errors.Is(cerr, unix.ENOSPC) {
			werr = cerr
		}
		if rerr := os.Remove(path); rerr != nil && werr == nil {
			werr = rerr
		}
		utils.Trace("zero-fill", utils.Fields{"bytes": n})
		if werr != nil {
			return fmt.Errorf("zero free space: %w", werr)
		}
		utils.PrintDebug("Zeroed %s of free space", utils.FormatBytes(n))
		return nil
	})
}

const zeroChunk = 4 << 20

// fillZeros writes zero blocks to w until the filesystem reports ENOSPC.
// Running out of space is the expected end and not an error.
func fillZeros(ctx context.Context, w io.Writer) (int64, error) {
	buf := make([]byte, zeroChunk)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := w.Write(buf)
		total += int64(n)
		if err != nil {
			if errors.Is(err, unix.ENOSPC) {
				return total, nil
			}
			return total, err
		}
	}
}
