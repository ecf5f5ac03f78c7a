// Package partition reads and rewrites the partition table of a disk image
// through parted. All parsing of parted output lives in parse.go.
package partition

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/openWB/PiShrink/internal/runner"
	"github.com/openWB/PiShrink/internal/utils"
)

// Partition types as parted names them.
const (
	TypePrimary = "primary"
	TypeLogical = "logical"
)

var (
	// ErrNoPartitions is returned when the image has an empty table.
	ErrNoPartitions = errors.New("no partitions found")
	// ErrDelete marks a failure removing the old partition entry.
	ErrDelete = errors.New("partition delete failed")
	// ErrCreate marks a failure creating the replacement entry.
	ErrCreate = errors.New("partition create failed")
)

// Partition is one entry of the table. Offsets are in bytes; End is
// inclusive, as parted reports it.
type Partition struct {
	Number     int
	Start      int64
	End        int64
	Filesystem string
	Type       string
}

// Size returns the partition length in bytes.
func (p Partition) Size() int64 { return p.End - p.Start + 1 }

// IsPrimary reports whether the entry is a primary partition.
func (p Partition) IsPrimary() bool { return p.Type != TypeLogical }

// Layout is the parsed table of an image.
type Layout struct {
	DiskSize   int64
	Label      string // "msdos", "gpt", ...
	Partitions []Partition
}

// Last returns the shrink target: the last partition in the table. Images
// are assumed to be single-purpose with the data partition last.
func (l *Layout) Last() (Partition, error) {
	if l == nil || len(l.Partitions) == 0 {
		return Partition{}, ErrNoPartitions
	}
	return l.Partitions[len(l.Partitions)-1], nil
}

// Table wraps parted for one image at a time.
type Table struct {
	Runner runner.Runner
}

// New returns a Table that runs parted through r.
func New(r runner.Runner) *Table {
	return &Table{Runner: r}
}

// ReadLayout lists the partitions of imagePath and classifies each as
// primary or logical.
func (t *Table) ReadLayout(ctx context.Context, imagePath string) (*Layout, error) {
	out, err := runner.Query(ctx, t.Runner, "read partition table", imagePath,
		"parted", "-ms", imagePath, "unit", "B", "print")
	if err != nil {
		return nil, err
	}
	layout, err := parseMachine(out)
	if err != nil {
		return nil, &runner.Error{Op: "parse partition table", Path: imagePath, Tool: "parted", Output: string(out), BaseErr: err}
	}
	if len(layout.Partitions) == 0 {
		return nil, &runner.Error{Op: "read partition table", Path: imagePath, Tool: "parted", Output: string(out), BaseErr: ErrNoPartitions}
	}

	// Logical entries only exist inside an msdos extended partition; the
	// machine format does not carry the type, the human table does.
	if layout.Label == "msdos" {
		human, err := runner.Query(ctx, t.Runner, "read partition types", imagePath,
			"parted", "-s", imagePath, "unit", "B", "print")
		if err != nil {
			return nil, err
		}
		logical := logicalStarts(human)
		for i := range layout.Partitions {
			if logical[layout.Partitions[i].Start] {
				layout.Partitions[i].Type = TypeLogical
			}
		}
	}

	for _, p := range layout.Partitions {
		utils.Trace("read-layout", utils.Fields{
			"partnum": p.Number, "partstart": p.Start, "partend": p.End,
			"parttype": p.Type, "fs": p.Filesystem,
		})
	}
	return layout, nil
}

// Rewrite replaces the entry of p with one spanning p.Start..newEnd. There
// is no in-place resize primitive we trust on image files, so the entry is
// deleted and recreated with the same start and type; minimal alignment
// keeps parted from moving the start.
func (t *Table) Rewrite(ctx context.Context, imagePath string, p Partition, newEnd int64) error {
	if newEnd <= p.Start {
		return fmt.Errorf("%w: new end %d not after start %d", ErrCreate, newEnd, p.Start)
	}
	utils.Trace("partition-rewrite", utils.Fields{
		"partnum": p.Number, "partstart": p.Start, "oldend": p.End,
		"newpartend": newEnd, "parttype": p.Type,
	})

	if _, err := runner.Run(ctx, t.Runner, "delete partition", imagePath,
		"parted", "-s", "-a", "minimal", imagePath, "rm", strconv.Itoa(p.Number)); err != nil {
		return fmt.Errorf("%w: %w", ErrDelete, err)
	}

	partType := p.Type
	if partType == "" {
		partType = TypePrimary
	}
	if _, err := runner.Run(ctx, t.Runner, "create partition", imagePath,
		"parted", "-s", "-a", "minimal", imagePath, "unit", "B", "mkpart", partType,
		bytesArg(p.Start), bytesArg(newEnd)); err != nil {
		return fmt.Errorf("%w: %w", ErrCreate, err)
	}
	return nil
}

// DataEnd returns the length the image file should have after a rewrite:
// the start of the trailing free region parted reports, or one past the
// last partition's end when no free region follows it.
func (t *Table) DataEnd(ctx context.Context, imagePath string) (int64, error) {
	out, err := runner.Query(ctx, t.Runner, "read free space", imagePath,
		"parted", "-ms", imagePath, "unit", "B", "print", "free")
	if err != nil {
		return 0, err
	}
	end, err := parseDataEnd(out)
	if err != nil {
		return 0, &runner.Error{Op: "parse free space", Path: imagePath, Tool: "parted", Output: string(out), BaseErr: err}
	}
	utils.Trace("data-end", utils.Fields{"endresult": end})
	return end, nil
}

func bytesArg(n int64) string { return strconv.FormatInt(n, 10) + "B" }
