package shrink

import (
	"context"

	"github.com/openWB/PiShrink/internal/ext"
	"github.com/openWB/PiShrink/internal/partition"
	"github.com/openWB/PiShrink/internal/utils"
)

// SizeReader holds the read-only filesystem operations of a dry run.
type SizeReader interface {
	SizeInfo(ctx context.Context, device string) (ext.SizeInfo, error)
	Verify(ctx context.Context, device string) error
	EstimateMinimum(ctx context.Context, device string) (int64, error)
}

// Report is the outcome of a dry run.
type Report struct {
	ImagePath string
	ImageSize int64
	Layout    *partition.Layout
	Partition partition.Partition
	Size      ext.SizeInfo
	Plan      Plan
	// EstimatedSize is the end of the shrunk partition plus one. The real
	// truncation point is the start of the trailing free space parted
	// reports after the rewrite, which alignment can push a little further.
	EstimatedSize int64
}

// Inspector computes what a shrink would do without changing the image.
// Binder should hand out read-only devices.
type Inspector struct {
	Binder Binder
	Table  PartitionTable
	FS     SizeReader
}

// Inspect reads the layout, filesystem size and minimum of imagePath and
// plans the shrink. Without a Binder only the layout is reported.
func (in *Inspector) Inspect(ctx context.Context, imagePath string) (rep *Report, err error) {
	size, err := utils.RegularFileSize(imagePath)
	if err != nil {
		return nil, fail(StagePrecondition, err)
	}
	rep = &Report{ImagePath: imagePath, ImageSize: size}

	if rep.Layout, err = in.Table.ReadLayout(ctx, imagePath); err != nil {
		return nil, fail(StageReadLayout, err)
	}
	if rep.Partition, err = rep.Layout.Last(); err != nil {
		return nil, fail(StageReadLayout, err)
	}
	if in.Binder == nil {
		return rep, nil
	}

	dev, err := in.Binder.Bind(imagePath, rep.Partition.Start)
	if err != nil {
		return nil, fail(StageBind, err)
	}
	defer func() {
		if uerr := dev.Unbind(); uerr != nil && err == nil {
			rep, err = nil, fail(StageUnbind, uerr)
		}
	}()

	if rep.Size, err = in.FS.SizeInfo(ctx, dev.Node()); err != nil {
		return nil, fail(StageInspect, err)
	}
	// resize2fs -P is only meaningful on a consistent filesystem.
	if err = in.FS.Verify(ctx, dev.Node()); err != nil {
		return nil, fail(StageCheck, err)
	}
	if rep.Size.MinBlocks, err = in.FS.EstimateMinimum(ctx, dev.Node()); err != nil {
		return nil, fail(StageEstimate, err)
	}
	rep.Plan = NewPlan(rep.Size.BlockCount, rep.Size.MinBlocks)
	if rep.Plan.Minimal() {
		rep.EstimatedSize = size
	} else {
		rep.EstimatedSize = rep.Plan.PartitionEnd(rep.Partition.Start, rep.Size.BlockSize) + 1
	}
	utils.Trace("inspect", utils.Fields{
		"currentsize": rep.Plan.Current, "minsize": rep.Plan.Minimum,
		"target": rep.Plan.Target, "estimated": rep.EstimatedSize,
	})
	return rep, nil
}
