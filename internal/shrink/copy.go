package shrink

import (
	"context"
	"os"
	"syscall"

	"github.com/openWB/PiShrink/internal/runner"
	"github.com/openWB/PiShrink/internal/utils"
)

// chown is replaced in tests.
var chown = os.Chown

// CPCopier copies images with cp so reflinks and holes are kept.
type CPCopier struct {
	Runner runner.Runner
}

// Copy copies src to dst and gives dst the owner of src, so a copy made as
// root stays usable by the image's owner.
func (c CPCopier) Copy(ctx context.Context, src, dst string) error {
	if _, err := runner.Run(ctx, c.Runner, "copy image", dst,
		"cp", "--reflink=auto", "--sparse=always", src, dst); err != nil {
		return err
	}

	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		if err := chown(dst, int(st.Uid), int(st.Gid)); err != nil {
			utils.PrintWarning("Could not set owner of %s: %v", utils.StylePath(dst), err)
		}
	}
	return nil
}
