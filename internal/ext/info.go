// Package ext inspects, checks, resizes and zero-fills ext2/3/4 filesystems
// on a bound block device through e2fsprogs.
package ext

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/openWB/PiShrink/internal/runner"
	"github.com/openWB/PiShrink/internal/utils"
)

// Tools lists the e2fsprogs binaries this package shells out to.
var Tools = []string{"tune2fs", "e2fsck", "resize2fs"}

// Filesystem runs e2fsprogs against a device node.
type Filesystem struct {
	Runner runner.Runner
}

// New returns a Filesystem that executes tools through r.
func New(r runner.Runner) *Filesystem {
	return &Filesystem{Runner: r}
}

// SizeInfo is the sizing view of a filesystem. All counts are in BlockSize
// units. MinBlocks is zero until EstimateMinimum has been consulted.
type SizeInfo struct {
	BlockSize  int64
	BlockCount int64
	MinBlocks  int64
}

// Bytes returns the filesystem length in bytes.
func (s SizeInfo) Bytes() int64 { return s.BlockSize * s.BlockCount }

// Superblock holds the superblock fields reported by tune2fs -l.
type Superblock struct {
	BlockSize   int64
	BlockCount  int64
	FreeBlocks  int64
	InodeCount  int64
	FreeInodes  int64
	State       string // "clean", "not clean", ...
	LastMounted string
}

// Usage returns the used space in bytes and as a percentage.
func (s *Superblock) Usage() (usedBytes int64, percent float64) {
	if s.BlockCount == 0 {
		return 0, 0
	}
	usedBlocks := s.BlockCount - s.FreeBlocks
	usedBytes = usedBlocks * s.BlockSize
	percent = (float64(usedBlocks) / float64(s.BlockCount)) * 100.0
	return
}

// ReadSuperblock lists the superblock of device without mounting it.
func (fs *Filesystem) ReadSuperblock(ctx context.Context, device string) (*Superblock, error) {
	out, err := runner.Query(ctx, fs.Runner, "read superblock", device, "tune2fs", "-l", device)
	if err != nil {
		return nil, err
	}
	sb, err := parseSuperblock(out)
	if err != nil {
		return nil, &runner.Error{Op: "parse superblock", Path: device, Tool: "tune2fs", Output: string(out), BaseErr: err}
	}
	return sb, nil
}

// SizeInfo returns block size and block count of the filesystem on device.
func (fs *Filesystem) SizeInfo(ctx context.Context, device string) (SizeInfo, error) {
	sb, err := fs.ReadSuperblock(ctx, device)
	if err != nil {
		return SizeInfo{}, err
	}
	info := SizeInfo{BlockSize: sb.BlockSize, BlockCount: sb.BlockCount}
	utils.Trace("inspect", utils.Fields{
		"blocksize": info.BlockSize, "currentsize": info.BlockCount,
		"freeblocks": sb.FreeBlocks, "state": sb.State,
	})
	return info, nil
}

// EstimateMinimum asks resize2fs for the smallest block count that still
// holds all data. The filesystem must have passed Check first.
func (fs *Filesystem) EstimateMinimum(ctx context.Context, device string) (int64, error) {
	out, err := runner.Run(ctx, fs.Runner, "estimate minimum size", device, "resize2fs", "-P", device)
	if err != nil {
		return 0, err
	}
	n, err := parseMinimum(out)
	if err != nil {
		return 0, &runner.Error{Op: "parse minimum size", Path: device, Tool: "resize2fs", Output: string(out), BaseErr: err}
	}
	utils.Trace("estimate", utils.Fields{"minsize": n})
	return n, nil
}

func parseSuperblock(out []byte) (*Superblock, error) {
	sb := &Superblock{}
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		key, val, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)

		switch key {
		case "Block size":
			sb.BlockSize, _ = strconv.ParseInt(val, 10, 64)
		case "Block count":
			sb.BlockCount, _ = strconv.ParseInt(val, 10, 64)
		case "Free blocks":
			sb.FreeBlocks, _ = strconv.ParseInt(val, 10, 64)
		case "Inode count":
			sb.InodeCount, _ = strconv.ParseInt(val, 10, 64)
		case "Free inodes":
			sb.FreeInodes, _ = strconv.ParseInt(val, 10, 64)
		case "Filesystem state":
			sb.State = val
		case "Last mounted on":
			sb.LastMounted = val
		}
	}
	if sb.BlockSize <= 0 {
		return nil, errors.New("no block size in superblock listing")
	}
	if sb.BlockCount <= 0 {
		return nil, errors.New("no block count in superblock listing")
	}
	return sb, nil
}

const minimumPrefix = "Estimated minimum size of the filesystem:"

func parseMinimum(out []byte) (int64, error) {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		rest, ok := strings.CutPrefix(line, minimumPrefix)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid minimum size %q", rest)
		}
		if n <= 0 {
			return 0, fmt.Errorf("non-positive minimum size %d", n)
		}
		return n, nil
	}
	return 0, errors.New("no minimum size estimate in resize2fs output")
}
