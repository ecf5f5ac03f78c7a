package shrink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/opencontainers/go-digest"

	"github.com/openWB/PiShrink/internal/compress"
	"github.com/openWB/PiShrink/internal/config"
	"github.com/openWB/PiShrink/internal/ext"
	"github.com/openWB/PiShrink/internal/partition"
)

const (
	rootStart = int64(272629760)
	imageSize = rootStart + 200000*4096
	shrunkEnd = rootStart + 155000*4096
)

// world fakes every collaborator of the orchestrator and records the order
// in which they were used.
type world struct {
	calls    []string
	faults   map[string]error
	cancelAt string
	cancel   context.CancelFunc

	layout   *partition.Layout
	info     ext.SizeInfo
	minimum  int64
	dataEnd  int64
	backedUp bool

	offset   int64
	advanced bool
	resized  int64
	newEnd   int64
	unbinds  int
	restores int
	spec     *compress.Spec
}

func (w *world) step(name string) error {
	w.calls = append(w.calls, name)
	if name == w.cancelAt && w.cancel != nil {
		w.cancel()
	}
	return w.faults[name]
}

func (w *world) Node() string { return "/dev/loop7" }

func (w *world) Unbind() error {
	w.unbinds++
	return w.step("unbind")
}

func (w *world) Bind(_ string, offset int64) (Device, error) {
	w.offset = offset
	if err := w.step("bind"); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *world) ReadLayout(context.Context, string) (*partition.Layout, error) {
	return w.layout, w.step("read-layout")
}

func (w *world) Rewrite(_ context.Context, _ string, _ partition.Partition, newEnd int64) error {
	w.newEnd = newEnd
	return w.step("rewrite")
}

func (w *world) DataEnd(context.Context, string) (int64, error) {
	return w.dataEnd, w.step("data-end")
}

func (w *world) SizeInfo(context.Context, string) (ext.SizeInfo, error) {
	return w.info, w.step("size-info")
}

func (w *world) EstimateMinimum(context.Context, string) (int64, error) {
	return w.minimum, w.step("estimate")
}

func (w *world) Check(_ context.Context, _ string, advanced bool) error {
	w.advanced = advanced
	return w.step("check")
}

func (w *world) Verify(context.Context, string) error {
	return w.step("verify")
}

func (w *world) Resize(_ context.Context, _ string, blocks int64) error {
	w.resized = blocks
	return w.step("resize")
}

func (w *world) ZeroFreeSpace(context.Context, string, string) error {
	return w.step("zero-fill")
}

func (w *world) Inject(context.Context, string, string) (bool, error) {
	return w.backedUp, w.step("inject")
}

func (w *world) Restore(context.Context, string, string) error {
	w.restores++
	return w.step("restore")
}

func (w *world) Prepare(context.Context, string, string) (int, error) {
	return 3, w.step("prep")
}

func (w *world) Compress(_ context.Context, path string, spec compress.Spec) (compress.Result, error) {
	w.spec = &spec
	if err := w.step("compress"); err != nil {
		return compress.Result{}, err
	}
	return compress.Result{Path: path + "." + spec.Extension, Digest: digest.FromString(path)}, nil
}

func (w *world) Copy(_ context.Context, src, dst string) error {
	if err := w.step("copy"); err != nil {
		return err
	}
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	return sparseFile(dst, info.Size())
}

func (w *world) Truncate(path string, size int64) error {
	if err := w.step("truncate"); err != nil {
		return err
	}
	return os.Truncate(path, size)
}

func (w *world) deps() Deps {
	return Deps{
		Binder: w, Table: w, FS: w, Injector: w, Preparer: w,
		Compressor: w, Copier: w, Truncater: w,
	}
}

func sparseFile(path string, size int64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// newWorld returns a Raspberry Pi style image: a boot partition and a
// 200000 block ext4 root that resize2fs can take down to 150000 blocks.
func newWorld(t *testing.T) (*world, config.Options) {
	t.Helper()
	img := filepath.Join(t.TempDir(), "raspios.img")
	if err := sparseFile(img, imageSize); err != nil {
		t.Fatalf("create image: %v", err)
	}
	w := &world{
		faults: map[string]error{},
		layout: &partition.Layout{
			DiskSize: imageSize,
			Label:    "msdos",
			Partitions: []partition.Partition{
				{Number: 1, Start: 4194304, End: rootStart - 1, Filesystem: "fat32", Type: partition.TypePrimary},
				{Number: 2, Start: rootStart, End: imageSize - 1, Filesystem: "ext4", Type: partition.TypePrimary},
			},
		},
		info:     ext.SizeInfo{BlockSize: 4096, BlockCount: 200000},
		minimum:  150000,
		dataEnd:  shrunkEnd + 1,
		backedUp: true,
	}
	return w, config.Options{ImagePath: img}
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat %s: %v", path, err)
	}
	return info.Size()
}

func stageOf(t *testing.T, err error) *StageError {
	t.Helper()
	var se *StageError
	if !errors.As(err, &se) {
		t.Fatalf("error %v is not a *StageError", err)
	}
	return se
}

func TestRunShrinks(t *testing.T) {
	w, opts := newWorld(t)

	res, err := New(opts, w.deps()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{
		"read-layout", "bind", "size-info", "inject", "check", "estimate",
		"resize", "zero-fill", "rewrite", "data-end", "truncate", "unbind",
	}
	if !slices.Equal(w.calls, want) {
		t.Errorf("calls = %v\nwant    %v", w.calls, want)
	}
	if w.offset != rootStart {
		t.Errorf("bound at %d, want %d", w.offset, rootStart)
	}
	if w.resized != 155000 {
		t.Errorf("resized to %d blocks, want 155000", w.resized)
	}
	if w.newEnd != shrunkEnd {
		t.Errorf("partition end = %d, want %d", w.newEnd, shrunkEnd)
	}
	if got := fileSize(t, opts.ImagePath); got != shrunkEnd+1 {
		t.Errorf("image size = %d, want %d", got, shrunkEnd+1)
	}
	if w.unbinds != 1 || w.restores != 0 {
		t.Errorf("unbinds=%d restores=%d, want 1 and 0", w.unbinds, w.restores)
	}
	if w.advanced {
		t.Error("advanced repair should be off by default")
	}

	if res.OutputPath != opts.ImagePath || res.Skipped {
		t.Errorf("result = %+v", res)
	}
	if res.BeforeSize != imageSize || res.AfterSize != shrunkEnd+1 {
		t.Errorf("sizes %d -> %d", res.BeforeSize, res.AfterSize)
	}
	if res.Plan.Target != 155000 || res.Size.MinBlocks != 150000 || res.Partition.Number != 2 {
		t.Errorf("plan %+v size %+v partition %+v", res.Plan, res.Size, res.Partition)
	}
}

func TestRunAlreadyMinimal(t *testing.T) {
	for _, minimum := range []int64{200000, 200400} {
		t.Run(fmt.Sprint(minimum), func(t *testing.T) {
			w, opts := newWorld(t)
			w.minimum = minimum
			opts.Compress = compress.Gzip

			res, err := New(opts, w.deps()).Run(context.Background())
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			for _, c := range []string{"resize", "zero-fill", "rewrite", "data-end", "truncate"} {
				if slices.Contains(w.calls, c) {
					t.Errorf("%s should be skipped, calls = %v", c, w.calls)
				}
			}
			if got := w.calls[len(w.calls)-2:]; !slices.Equal(got, []string{"unbind", "compress"}) {
				t.Errorf("tail of calls = %v, want unbind then compress", got)
			}
			if !res.Skipped || res.AfterSize != imageSize {
				t.Errorf("result = %+v", res)
			}
			if fileSize(t, opts.ImagePath) != imageSize {
				t.Error("image must not change size")
			}
			if res.OutputPath != opts.ImagePath+".gz" || res.Digest == "" {
				t.Errorf("output = %q digest %q", res.OutputPath, res.Digest)
			}
			if w.spec == nil || w.spec.Tool != compress.Gzip {
				t.Errorf("compress spec = %+v", w.spec)
			}
		})
	}
}

func TestRunFailures(t *testing.T) {
	tests := []struct {
		step     string
		err      error
		stage    Stage
		unbinds  int
		restores int
		compress bool
	}{
		{"read-layout", errors.New("parted: unrecognised disk label"), StageReadLayout, 0, 0, false},
		{"bind", errors.New("no free loop device"), StageBind, 0, 0, false},
		{"size-info", errors.New("tune2fs: bad magic number"), StageInspect, 1, 0, false},
		{"inject", errors.New("mount: permission denied"), StageAutoexpand, 1, 1, false},
		{"check", fmt.Errorf("%w: e2fsck exit 8", ext.ErrUnrecoverable), StageCheck, 1, 1, false},
		{"estimate", errors.New("resize2fs: no output"), StageEstimate, 1, 1, false},
		{"resize", errors.New("resize2fs exit 1"), StageResize, 1, 1, false},
		{"zero-fill", errors.New("input/output error"), StageZeroFill, 1, 1, false},
		{"rewrite", fmt.Errorf("%w: parted rm", partition.ErrDelete), StagePartitionDelete, 1, 1, false},
		{"rewrite", fmt.Errorf("%w: parted mkpart", partition.ErrCreate), StagePartitionCreate, 1, 1, false},
		{"data-end", errors.New("no partitions found"), StageDataEnd, 1, 1, false},
		{"truncate", errors.New("read-only file system"), StageTruncate, 1, 1, false},
		{"unbind", errors.New("device busy"), StageUnbind, 1, 0, false},
		{"compress", errors.New("no space left on device"), StageCompress, 1, 0, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.stage), func(t *testing.T) {
			w, opts := newWorld(t)
			w.faults[tt.step] = tt.err
			if tt.compress {
				opts.Compress = compress.Xz
			}

			res, err := New(opts, w.deps()).Run(context.Background())
			if err == nil {
				t.Fatalf("Run succeeded with result %+v", res)
			}
			se := stageOf(t, err)
			if se.Stage != tt.stage {
				t.Errorf("stage = %s, want %s (%v)", se.Stage, tt.stage, err)
			}
			if se.ExitCode() != tt.stage.ExitCode() {
				t.Errorf("exit code = %d, want %d", se.ExitCode(), tt.stage.ExitCode())
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("cause lost: %v", err)
			}
			if w.unbinds != tt.unbinds {
				t.Errorf("unbinds = %d, want %d", w.unbinds, tt.unbinds)
			}
			if w.restores != tt.restores {
				t.Errorf("restores = %d, want %d", w.restores, tt.restores)
			}
			if tt.restores > 0 {
				r := slices.Index(w.calls, "restore")
				u := slices.Index(w.calls, "unbind")
				if r > u {
					t.Errorf("restore must run while bound, calls = %v", w.calls)
				}
			}
		})
	}
}

func TestRunUnrecoverableSkipsResize(t *testing.T) {
	w, opts := newWorld(t)
	opts.AdvancedRepair = true
	w.faults["check"] = fmt.Errorf("%w: e2fsck exit 12", ext.ErrUnrecoverable)

	_, err := New(opts, w.deps()).Run(context.Background())
	if stageOf(t, err).ExitCode() != 8 {
		t.Errorf("exit code = %d, want 8", stageOf(t, err).ExitCode())
	}
	if !w.advanced {
		t.Error("advanced repair flag not passed to Check")
	}
	if slices.Contains(w.calls, "resize") || slices.Contains(w.calls, "rewrite") {
		t.Errorf("nothing may change after a failed check, calls = %v", w.calls)
	}
	if fileSize(t, opts.ImagePath) != imageSize {
		t.Error("image was truncated")
	}
}

func TestRunNoBackupNoRestore(t *testing.T) {
	w, opts := newWorld(t)
	w.backedUp = false
	w.faults["resize"] = errors.New("resize2fs exit 1")

	if _, err := New(opts, w.deps()).Run(context.Background()); err == nil {
		t.Fatal("expected failure")
	}
	if w.restores != 0 || w.unbinds != 1 {
		t.Errorf("restores=%d unbinds=%d", w.restores, w.unbinds)
	}
}

func TestRunAutoexpandSkipped(t *testing.T) {
	t.Run("Flag", func(t *testing.T) {
		w, opts := newWorld(t)
		opts.SkipAutoexpand = true
		if _, err := New(opts, w.deps()).Run(context.Background()); err != nil {
			t.Fatalf("Run: %v", err)
		}
		if slices.Contains(w.calls, "inject") {
			t.Errorf("inject called with -s, calls = %v", w.calls)
		}
	})
	t.Run("LogicalPartition", func(t *testing.T) {
		w, opts := newWorld(t)
		w.layout.Partitions[1].Type = partition.TypeLogical
		if _, err := New(opts, w.deps()).Run(context.Background()); err != nil {
			t.Fatalf("Run: %v", err)
		}
		if slices.Contains(w.calls, "inject") {
			t.Errorf("inject called on a logical partition, calls = %v", w.calls)
		}
		if w.newEnd != shrunkEnd {
			t.Errorf("logical partition not shrunk, end = %d", w.newEnd)
		}
	})
}

func TestRunPrep(t *testing.T) {
	w, opts := newWorld(t)
	opts.Prep = true
	if _, err := New(opts, w.deps()).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	p := slices.Index(w.calls, "prep")
	if p < 0 || p < slices.Index(w.calls, "inject") || p > slices.Index(w.calls, "check") {
		t.Errorf("prep must run between inject and check, calls = %v", w.calls)
	}
}

func TestRunInterrupted(t *testing.T) {
	w, opts := newWorld(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.cancel = cancel
	w.cancelAt = "resize"
	w.faults["resize"] = errors.New("signal: killed")

	_, err := New(opts, w.deps()).Run(ctx)
	se := stageOf(t, err)
	if !se.Interrupted() || se.ExitCode() != ExitInterrupted {
		t.Errorf("stage %s interrupted=%v exit=%d", se.Stage, se.Interrupted(), se.ExitCode())
	}
	if w.restores != 1 || w.unbinds != 1 {
		t.Errorf("cleanup after interrupt: restores=%d unbinds=%d", w.restores, w.unbinds)
	}
}

func TestRunCopy(t *testing.T) {
	t.Run("ShrinksTheCopy", func(t *testing.T) {
		w, opts := newWorld(t)
		opts.OutputPath = filepath.Join(filepath.Dir(opts.ImagePath), "shrunk.img")

		res, err := New(opts, w.deps()).Run(context.Background())
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if w.calls[0] != "copy" {
			t.Errorf("copy must come first, calls = %v", w.calls)
		}
		if res.OutputPath != opts.OutputPath {
			t.Errorf("output = %q", res.OutputPath)
		}
		if fileSize(t, opts.ImagePath) != imageSize {
			t.Error("source image was modified")
		}
		if fileSize(t, opts.OutputPath) != shrunkEnd+1 {
			t.Error("copy was not truncated")
		}
	})
	t.Run("OutputExists", func(t *testing.T) {
		w, opts := newWorld(t)
		opts.OutputPath = filepath.Join(filepath.Dir(opts.ImagePath), "shrunk.img")
		if err := os.WriteFile(opts.OutputPath, []byte("keep"), 0o644); err != nil {
			t.Fatal(err)
		}

		_, err := New(opts, w.deps()).Run(context.Background())
		if stageOf(t, err).Stage != StagePrecondition {
			t.Errorf("err = %v", err)
		}
		if len(w.calls) != 0 {
			t.Errorf("nothing may run, calls = %v", w.calls)
		}
		if data, _ := os.ReadFile(opts.OutputPath); string(data) != "keep" {
			t.Error("existing output was overwritten")
		}
	})
	t.Run("Force", func(t *testing.T) {
		w, opts := newWorld(t)
		opts.OutputPath = filepath.Join(filepath.Dir(opts.ImagePath), "shrunk.img")
		opts.Force = true
		if err := os.WriteFile(opts.OutputPath, []byte("old"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := New(opts, w.deps()).Run(context.Background()); err != nil {
			t.Fatalf("Run: %v", err)
		}
	})
	t.Run("CopyFails", func(t *testing.T) {
		w, opts := newWorld(t)
		opts.OutputPath = filepath.Join(filepath.Dir(opts.ImagePath), "shrunk.img")
		w.faults["copy"] = errors.New("cp: no space left on device")

		_, err := New(opts, w.deps()).Run(context.Background())
		if stageOf(t, err).Stage != StageCopy {
			t.Errorf("err = %v", err)
		}
		if w.unbinds != 0 {
			t.Error("nothing was bound")
		}
	})
}

func TestRunPreconditions(t *testing.T) {
	t.Run("MissingImage", func(t *testing.T) {
		w, opts := newWorld(t)
		opts.ImagePath = filepath.Join(t.TempDir(), "missing.img")
		_, err := New(opts, w.deps()).Run(context.Background())
		if se := stageOf(t, err); se.Stage != StagePrecondition || se.ExitCode() != 2 {
			t.Errorf("err = %v", err)
		}
	})
	t.Run("ArtifactExists", func(t *testing.T) {
		w, opts := newWorld(t)
		opts.Compress = compress.Zstd
		if err := os.WriteFile(opts.ImagePath+".zst", nil, 0o644); err != nil {
			t.Fatal(err)
		}
		_, err := New(opts, w.deps()).Run(context.Background())
		if stageOf(t, err).Stage != StagePrecondition {
			t.Errorf("err = %v", err)
		}
	})
	t.Run("ParallelWithoutTool", func(t *testing.T) {
		w, opts := newWorld(t)
		opts.Parallel = true
		_, err := New(opts, w.deps()).Run(context.Background())
		if stageOf(t, err).Stage != StagePrecondition {
			t.Errorf("err = %v", err)
		}
		if len(w.calls) != 0 {
			t.Errorf("calls = %v", w.calls)
		}
	})
	t.Run("NotAFile", func(t *testing.T) {
		w, opts := newWorld(t)
		opts.ImagePath = t.TempDir()
		_, err := New(opts, w.deps()).Run(context.Background())
		if stageOf(t, err).Stage != StagePrecondition {
			t.Errorf("err = %v", err)
		}
	})
}

func TestFileTruncater(t *testing.T) {
	path := filepath.Join(t.TempDir(), "img")
	if err := os.WriteFile(path, make([]byte, 4096), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := (FileTruncater{}).Truncate(path, 1000); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if got := fileSize(t, path); got != 1000 {
		t.Errorf("size = %d", got)
	}
}

func TestRunImageInUse(t *testing.T) {
	w, opts := newWorld(t)
	held, err := lockImage(opts.ImagePath)
	if err != nil {
		t.Fatalf("lockImage: %v", err)
	}
	defer held.Close()

	_, err = New(opts, w.deps()).Run(context.Background())
	if stageOf(t, err).Stage != StagePrecondition {
		t.Errorf("err = %v", err)
	}
	if len(w.calls) != 0 {
		t.Errorf("nothing may run on a locked image, calls = %v", w.calls)
	}

	held.Close()
	if _, err := New(opts, w.deps()).Run(context.Background()); err != nil {
		t.Fatalf("Run after release: %v", err)
	}
	if err := held.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
