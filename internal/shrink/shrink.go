// Package shrink sequences the shrink pipeline: bind the image, inspect and
// check the filesystem, plan the new size, resize filesystem and partition,
// truncate the file and optionally compress it. Any failure rolls back the
// binding and the boot script backup.
package shrink

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/opencontainers/go-digest"

	"github.com/openWB/PiShrink/internal/compress"
	"github.com/openWB/PiShrink/internal/config"
	"github.com/openWB/PiShrink/internal/ext"
	"github.com/openWB/PiShrink/internal/partition"
	"github.com/openWB/PiShrink/internal/utils"
)

// Device is a bound block device.
type Device interface {
	Node() string
	Unbind() error
}

// Binder attaches a file tail to a block device.
type Binder interface {
	Bind(imagePath string, offset int64) (Device, error)
}

// BindFunc adapts a function to Binder.
type BindFunc func(imagePath string, offset int64) (Device, error)

// Bind implements Binder.
func (f BindFunc) Bind(imagePath string, offset int64) (Device, error) { return f(imagePath, offset) }

// PartitionTable reads and rewrites the image's partition table.
type PartitionTable interface {
	ReadLayout(ctx context.Context, imagePath string) (*partition.Layout, error)
	Rewrite(ctx context.Context, imagePath string, p partition.Partition, newEnd int64) error
	DataEnd(ctx context.Context, imagePath string) (int64, error)
}

// Filesystem inspects, checks and resizes the filesystem on a device.
type Filesystem interface {
	SizeInfo(ctx context.Context, device string) (ext.SizeInfo, error)
	EstimateMinimum(ctx context.Context, device string) (int64, error)
	Check(ctx context.Context, device string, advanced bool) error
	Resize(ctx context.Context, device string, blocks int64) error
	ZeroFreeSpace(ctx context.Context, device, fstype string) error
}

// Injector installs the first-boot autoexpand script.
type Injector interface {
	Inject(ctx context.Context, device, fstype string) (backedUp bool, err error)
	Restore(ctx context.Context, device, fstype string) error
}

// Preparer purges logs and caches from the image.
type Preparer interface {
	Prepare(ctx context.Context, device, fstype string) (int, error)
}

// Compressor produces the compressed artifact and consumes its input.
type Compressor interface {
	Compress(ctx context.Context, path string, spec compress.Spec) (compress.Result, error)
}

// Copier copies the source image to the output path.
type Copier interface {
	Copy(ctx context.Context, src, dst string) error
}

// Truncater sets the length of the image file.
type Truncater interface {
	Truncate(path string, size int64) error
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Binder     Binder
	Table      PartitionTable
	FS         Filesystem
	Injector   Injector
	Preparer   Preparer
	Compressor Compressor
	Copier     Copier
	Truncater  Truncater
}

// Result summarises a successful run.
type Result struct {
	OutputPath string
	BeforeSize int64
	AfterSize  int64
	Partition  partition.Partition
	Size       ext.SizeInfo
	Plan       Plan
	Skipped    bool // already minimal, nothing was resized
	Digest     digest.Digest
}

// Orchestrator runs the pipeline for one image.
type Orchestrator struct {
	opts config.Options
	deps Deps
}

// New returns an Orchestrator for opts.
func New(opts config.Options, deps Deps) *Orchestrator {
	return &Orchestrator{opts: opts, deps: deps}
}

// run is the mutable state of one pipeline execution.
type run struct {
	o        *Orchestrator
	ctx      context.Context
	image    string
	lock     *imageLock
	dev      Device
	fstype   string
	backedUp bool
	complete bool
}

// Run executes the pipeline. Every error is a *StageError.
func (o *Orchestrator) Run(ctx context.Context) (res *Result, err error) {
	r := &run{o: o, ctx: ctx, image: o.opts.Target()}
	defer func() {
		if err != nil {
			r.rollback()
		}
		r.lock.Close()
	}()

	spec, err := r.precondition()
	if err != nil {
		return nil, err
	}

	if o.opts.CopyRequested() {
		if err := r.copyImage(); err != nil {
			return nil, err
		}
	}

	if r.lock, err = lockImage(r.image); err != nil {
		return nil, r.fail(StagePrecondition, err)
	}

	res = &Result{OutputPath: r.image}
	if res.BeforeSize, err = utils.RegularFileSize(r.image); err != nil {
		return nil, r.fail(StagePrecondition, err)
	}

	layout, err := o.deps.Table.ReadLayout(ctx, r.image)
	if err != nil {
		return nil, r.fail(StageReadLayout, err)
	}
	part, err := layout.Last()
	if err != nil {
		return nil, r.fail(StageReadLayout, err)
	}
	res.Partition = part
	r.fstype = part.Filesystem
	utils.Trace("target-partition", utils.Fields{
		"partnum": part.Number, "partstart": part.Start, "partend": part.End,
		"parttype": part.Type, "fs": part.Filesystem, "label": layout.Label,
	})

	dev, err := o.deps.Binder.Bind(r.image, part.Start)
	if err != nil {
		return nil, r.fail(StageBind, err)
	}
	r.dev = dev
	utils.Trace("bind", utils.Fields{"loopback": dev.Node(), "offset": part.Start})

	info, err := o.deps.FS.SizeInfo(ctx, dev.Node())
	if err != nil {
		return nil, r.fail(StageInspect, err)
	}
	res.Size = info

	if err := r.autoexpand(part); err != nil {
		return nil, err
	}

	if o.opts.Prep {
		if _, err := o.deps.Preparer.Prepare(ctx, dev.Node(), r.fstype); err != nil {
			return nil, r.fail(StagePrep, err)
		}
	}

	if err := o.deps.FS.Check(ctx, dev.Node(), o.opts.AdvancedRepair); err != nil {
		return nil, r.fail(StageCheck, err)
	}

	minimum, err := o.deps.FS.EstimateMinimum(ctx, dev.Node())
	if err != nil {
		return nil, r.fail(StageEstimate, err)
	}
	res.Size.MinBlocks = minimum

	plan := NewPlan(info.BlockCount, minimum)
	res.Plan = plan
	utils.Trace("plan", utils.Fields{
		"currentsize": plan.Current, "minsize": plan.Minimum,
		"margin": plan.Margin, "target": plan.Target, "blocksize": info.BlockSize,
	})
	if err := plan.Validate(); err != nil {
		return nil, r.fail(StageEstimate, err)
	}

	if plan.Minimal() {
		if plan.Overestimated() {
			utils.PrintWarning("resize2fs estimates %s blocks, more than the current %s. Leaving the size alone.",
				utils.StyleNumber(plan.Minimum), utils.StyleNumber(plan.Current))
		}
		utils.PrintNote("Filesystem already minimal, skipping shrink.")
		res.Skipped = true
		res.AfterSize = res.BeforeSize
	} else {
		if err := r.shrink(part, info, plan); err != nil {
			return nil, err
		}
		if res.AfterSize, err = utils.RegularFileSize(r.image); err != nil {
			return nil, r.fail(StageTruncate, err)
		}
	}

	if err := r.unbind(); err != nil {
		return nil, r.fail(StageUnbind, err)
	}
	r.complete = true

	if spec != nil {
		cres, err := o.deps.Compressor.Compress(ctx, r.image, *spec)
		if err != nil {
			return nil, r.fail(StageCompress, err)
		}
		res.OutputPath = cres.Path
		res.Digest = cres.Digest
	}

	utils.Trace("done", utils.Fields{
		"output": res.OutputPath, "before": res.BeforeSize, "after": res.AfterSize, "skipped": res.Skipped,
	})
	return res, nil
}

// precondition validates options and paths before anything is touched.
func (r *run) precondition() (*compress.Spec, error) {
	opts := r.o.opts
	if err := opts.Validate(); err != nil {
		return nil, r.fail(StagePrecondition, err)
	}
	spec, err := opts.CompressSpec()
	if err != nil {
		return nil, r.fail(StagePrecondition, err)
	}
	if _, err := utils.RegularFileSize(opts.ImagePath); err != nil {
		return nil, r.fail(StagePrecondition, err)
	}
	if opts.CopyRequested() && utils.FileExists(opts.OutputPath) && !opts.Force {
		return nil, r.fail(StagePrecondition, fmt.Errorf("%s already exists (use -f to overwrite)", opts.OutputPath))
	}
	if spec != nil {
		artifact := r.image + "." + spec.Extension
		if utils.FileExists(artifact) && !opts.Force {
			return nil, r.fail(StagePrecondition, fmt.Errorf("%s already exists (use -f to overwrite)", artifact))
		}
	}
	utils.Trace("precondition", utils.Fields{
		"image": opts.ImagePath, "output": r.image, "copy": opts.CopyRequested(),
		"skipautoexpand": opts.SkipAutoexpand, "repair": opts.AdvancedRepair,
		"prep": opts.Prep, "compress": string(opts.Compress), "parallel": opts.Parallel,
	})
	return spec, nil
}

func (r *run) copyImage() error {
	src, dst := r.o.opts.ImagePath, r.o.opts.OutputPath
	utils.PrintMessage("Copying %s to %s...", utils.StylePath(src), utils.StylePath(dst))
	if err := r.o.deps.Copier.Copy(r.ctx, src, dst); err != nil {
		return r.fail(StageCopy, err)
	}
	utils.Trace("copy", utils.Fields{"src": src, "dst": dst})
	return nil
}

func (r *run) autoexpand(part partition.Partition) error {
	if r.o.opts.SkipAutoexpand {
		utils.PrintDebug("Autoexpand disabled, not touching rc.local")
		return nil
	}
	if !part.IsPrimary() {
		utils.PrintWarning("Partition %d is %s, autoexpand is only supported on primary partitions. Skipping.",
			part.Number, part.Type)
		return nil
	}
	backedUp, err := r.o.deps.Injector.Inject(r.ctx, r.dev.Node(), r.fstype)
	r.backedUp = backedUp
	if err != nil {
		return r.fail(StageAutoexpand, err)
	}
	return nil
}

// shrink resizes the filesystem, rewrites the partition and truncates the
// file. Between resize and rewrite the filesystem is smaller than its
// partition, which is consistent and needs no reversal.
func (r *run) shrink(part partition.Partition, info ext.SizeInfo, plan Plan) error {
	ctx, deps, node := r.ctx, r.o.deps, r.dev.Node()

	if err := deps.FS.Resize(ctx, node, plan.Target); err != nil {
		return r.fail(StageResize, err)
	}
	if err := deps.FS.ZeroFreeSpace(ctx, node, r.fstype); err != nil {
		return r.fail(StageZeroFill, err)
	}

	newEnd := plan.PartitionEnd(part.Start, info.BlockSize)
	utils.PrintMessage("Shrinking partition %d to end at %s...", part.Number, utils.StyleNumber(newEnd))
	if err := deps.Table.Rewrite(ctx, r.image, part, newEnd); err != nil {
		if errors.Is(err, partition.ErrDelete) {
			return r.fail(StagePartitionDelete, err)
		}
		return r.fail(StagePartitionCreate, err)
	}

	end, err := deps.Table.DataEnd(ctx, r.image)
	if err != nil {
		return r.fail(StageDataEnd, err)
	}
	utils.Trace("truncate", utils.Fields{"newpartend": newEnd, "endresult": end})
	if err := deps.Truncater.Truncate(r.image, end); err != nil {
		return r.fail(StageTruncate, err)
	}
	return nil
}

// unbind releases the device at most once.
func (r *run) unbind() error {
	if r.dev == nil {
		return nil
	}
	dev := r.dev
	r.dev = nil
	utils.Trace("unbind", utils.Fields{"loopback": dev.Node()})
	return dev.Unbind()
}

// rollback restores the rc.local backup when the shrink did not complete
// and always releases the device. Failures are logged, not returned.
func (r *run) rollback() {
	ctx := context.WithoutCancel(r.ctx)
	if r.backedUp && !r.complete && r.dev != nil {
		utils.PrintWarning("Restoring original rc.local...")
		if err := r.o.deps.Injector.Restore(ctx, r.dev.Node(), r.fstype); err != nil {
			utils.PrintWarning("Could not restore rc.local: %v. The backup is left at /etc/rc.local.bak.", err)
		}
	}
	if err := r.unbind(); err != nil {
		utils.PrintWarning("Could not release loop device: %v", err)
	}
	utils.Trace("rollback", utils.Fields{"backup": r.backedUp, "complete": r.complete})
}

// fail wraps err for stage. When the run was cancelled the context error is
// attached, since killed tools report a signal rather than cancellation.
func (r *run) fail(stage Stage, err error) error {
	if cerr := r.ctx.Err(); cerr != nil && !errors.Is(err, cerr) {
		err = errors.Join(err, cerr)
	}
	utils.Trace("failure", utils.Fields{"failed": string(stage), "error": err.Error()})
	return fail(stage, err)
}

// FileTruncater truncates with os.Truncate.
type FileTruncater struct{}

// Truncate implements Truncater.
func (FileTruncater) Truncate(path string, size int64) error {
	return os.Truncate(path, size)
}
