package shrink

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"testing"

	"github.com/openWB/PiShrink/internal/ext"
	"github.com/openWB/PiShrink/internal/runner"
)

func TestInspect(t *testing.T) {
	t.Run("Plans", func(t *testing.T) {
		w, opts := newWorld(t)
		in := &Inspector{Binder: w, Table: w, FS: w}

		rep, err := in.Inspect(context.Background(), opts.ImagePath)
		if err != nil {
			t.Fatalf("Inspect: %v", err)
		}
		if rep.ImageSize != imageSize || rep.Partition.Number != 2 {
			t.Errorf("report = %+v", rep)
		}
		if rep.Plan.Target != 155000 || rep.EstimatedSize != shrunkEnd+1 {
			t.Errorf("plan %+v estimated %d", rep.Plan, rep.EstimatedSize)
		}
		want := []string{"read-layout", "bind", "size-info", "verify", "estimate", "unbind"}
		if !slices.Equal(w.calls, want) {
			t.Errorf("calls = %v, want %v", w.calls, want)
		}
		if fileSize(t, opts.ImagePath) != imageSize {
			t.Error("dry run changed the image")
		}
	})
	t.Run("LayoutOnly", func(t *testing.T) {
		w, opts := newWorld(t)
		rep, err := (&Inspector{Table: w, FS: w}).Inspect(context.Background(), opts.ImagePath)
		if err != nil {
			t.Fatalf("Inspect: %v", err)
		}
		if len(rep.Layout.Partitions) != 2 || rep.Plan != (Plan{}) {
			t.Errorf("report = %+v", rep)
		}
		if !slices.Equal(w.calls, []string{"read-layout"}) {
			t.Errorf("calls = %v", w.calls)
		}
	})
	t.Run("AlreadyMinimal", func(t *testing.T) {
		w, opts := newWorld(t)
		w.minimum = 200000
		rep, err := (&Inspector{Binder: w, Table: w, FS: w}).Inspect(context.Background(), opts.ImagePath)
		if err != nil {
			t.Fatalf("Inspect: %v", err)
		}
		if rep.EstimatedSize != imageSize {
			t.Errorf("estimated = %d, want unchanged %d", rep.EstimatedSize, imageSize)
		}
	})
	t.Run("NotCleanSkipsEstimate", func(t *testing.T) {
		w, opts := newWorld(t)
		w.faults["verify"] = ext.ErrNotClean
		rep, err := (&Inspector{Binder: w, Table: w, FS: w}).Inspect(context.Background(), opts.ImagePath)
		if rep != nil || stageOf(t, err).Stage != StageCheck {
			t.Errorf("rep = %+v err = %v", rep, err)
		}
		if slices.Contains(w.calls, "estimate") {
			t.Errorf("estimated a filesystem that is not clean: %v", w.calls)
		}
		if w.unbinds != 1 {
			t.Errorf("unbinds = %d", w.unbinds)
		}
	})
	t.Run("EstimateFails", func(t *testing.T) {
		w, opts := newWorld(t)
		w.faults["estimate"] = errors.New("resize2fs: bad superblock")
		_, err := (&Inspector{Binder: w, Table: w, FS: w}).Inspect(context.Background(), opts.ImagePath)
		if stageOf(t, err).Stage != StageEstimate {
			t.Errorf("err = %v", err)
		}
		if w.unbinds != 1 {
			t.Errorf("unbinds = %d", w.unbinds)
		}
	})
	t.Run("UnbindFails", func(t *testing.T) {
		w, opts := newWorld(t)
		w.faults["unbind"] = errors.New("device busy")
		rep, err := (&Inspector{Binder: w, Table: w, FS: w}).Inspect(context.Background(), opts.ImagePath)
		if rep != nil || stageOf(t, err).Stage != StageUnbind {
			t.Errorf("rep = %+v err = %v", rep, err)
		}
	})
}

func TestCPCopier(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.img")
	dst := filepath.Join(dir, "dst.img")
	if err := os.WriteFile(src, []byte("image"), 0o644); err != nil {
		t.Fatal(err)
	}

	var owner []int
	orig := chown
	chown = func(name string, uid, gid int) error {
		if name != dst {
			t.Errorf("chown %s, want %s", name, dst)
		}
		owner = []int{uid, gid}
		return nil
	}
	defer func() { chown = orig }()

	mr := runner.NewMockRunner()
	if err := (CPCopier{Runner: mr}).Copy(context.Background(), src, dst); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	want := "cp --reflink=auto --sparse=always " + src + " " + dst
	if lines := mr.CommandLines(); len(lines) != 1 || lines[0] != want {
		t.Errorf("commands = %v, want %q", lines, want)
	}

	info, err := os.Stat(src)
	if err != nil {
		t.Fatal(err)
	}
	st := info.Sys().(*syscall.Stat_t)
	if !slices.Equal(owner, []int{int(st.Uid), int(st.Gid)}) {
		t.Errorf("owner = %v, want %d:%d", owner, st.Uid, st.Gid)
	}
}

func TestCPCopierFails(t *testing.T) {
	mr := runner.NewMockRunner()
	mr.Err = errors.New("exit status 1")
	mr.OutputData = map[int][]byte{0: []byte("cp: error writing 'dst.img': No space left on device")}

	called := false
	orig := chown
	chown = func(string, int, int) error { called = true; return nil }
	defer func() { chown = orig }()

	err := (CPCopier{Runner: mr}).Copy(context.Background(), "src.img", "dst.img")
	var rerr *runner.Error
	if !errors.As(err, &rerr) {
		t.Fatalf("err = %v, want *runner.Error", err)
	}
	if !strings.Contains(rerr.Error(), "No space left") {
		t.Errorf("tool output missing from %q", rerr.Error())
	}
	if called {
		t.Error("chown after a failed copy")
	}
}
