package cmd

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/spf13/viper"

	"github.com/openWB/PiShrink/internal/compress"
	"github.com/openWB/PiShrink/internal/loop"
	"github.com/openWB/PiShrink/internal/shrink"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"OK", nil, ExitCodeOK},
		{"Usage", usageError{errors.New("bad flag")}, ExitCodeUsage},
		{"Plain", errors.New("accepts between 1 and 2 arg(s)"), ExitCodeUsage},
		{"Precondition", &shrink.StageError{Stage: shrink.StagePrecondition, Err: errors.New("not root")}, 2},
		{"Check", &shrink.StageError{Stage: shrink.StageCheck, Err: errors.New("e2fsck")}, 8},
		{"Wrapped", fmt.Errorf("run: %w", &shrink.StageError{Stage: shrink.StageTruncate, Err: errors.New("x")}), 16},
		{"Interrupted", &shrink.StageError{Stage: shrink.StageResize, Err: errors.Join(errors.New("killed"), context.Canceled)}, shrink.ExitInterrupted},
		{"BareCancel", context.Canceled, shrink.ExitInterrupted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestSelectedTool(t *testing.T) {
	tests := []struct {
		gzip, xz, zstd bool
		want           compress.Tool
	}{
		{false, false, false, ""},
		{true, false, false, compress.Gzip},
		{false, true, false, compress.Xz},
		{false, false, true, compress.Zstd},
	}
	for _, tt := range tests {
		if got := selectedTool(tt.gzip, tt.xz, tt.zstd); got != tt.want {
			t.Errorf("selectedTool(%v, %v, %v) = %q, want %q", tt.gzip, tt.xz, tt.zstd, got, tt.want)
		}
	}
}

func TestCheckEnvironment(t *testing.T) {
	origEuid, origTools := geteuid, checkTools
	t.Cleanup(func() { geteuid, checkTools = origEuid, origTools })

	tests := []struct {
		name    string
		euid    int
		toolErr error
		wantErr bool
	}{
		{"Root", 0, nil, false},
		{"NotRoot", 1000, nil, true},
		{"MissingTools", 0, errors.New("missing required system tools: parted"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			geteuid = func() int { return tt.euid }
			checkTools = func([]string) error { return tt.toolErr }

			err := checkEnvironment()
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && exitCode(err) != shrink.StagePrecondition.ExitCode() {
				t.Errorf("exit code = %d", exitCode(err))
			}
		})
	}
}

func TestOptionsFromFlags(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Cleanup(func() {
		useXz, parallel, skipAutoexpand, noUpdateCheck, debugLog = false, false, false, false, false
	})

	useXz, parallel, skipAutoexpand, noUpdateCheck = true, true, true, true
	viper.Set("compress.xz", "-6")
	opts, err := optionsFromFlags([]string{"in.img", "out.img"})
	if err != nil {
		t.Fatalf("optionsFromFlags: %v", err)
	}
	if opts.ImagePath != "in.img" || opts.OutputPath != "out.img" || !opts.CopyRequested() {
		t.Errorf("paths = %+v", opts)
	}
	if opts.Compress != compress.Xz || !opts.Parallel || !opts.SkipAutoexpand || opts.UpdateCheck {
		t.Errorf("flags not applied: %+v", opts)
	}
	if opts.CompressOverrides[compress.Xz] != "-6" {
		t.Errorf("override = %q", opts.CompressOverrides[compress.Xz])
	}
	if opts.DebugLog != "" {
		t.Errorf("debug log enabled without -d: %q", opts.DebugLog)
	}

	useXz = false
	if _, err := optionsFromFlags([]string{"in.img"}); exitCode(err) != shrink.StagePrecondition.ExitCode() {
		t.Errorf("-a without a tool: err = %v", err)
	}

	parallel, useGzip = false, true
	t.Cleanup(func() { useGzip = false })
	viper.Set("compress.gzip", "-T many")
	if _, err := optionsFromFlags([]string{"in.img"}); exitCode(err) != shrink.StagePrecondition.ExitCode() {
		t.Errorf("malformed gzip override: err = %v", err)
	}
	viper.Set("compress.gzip", "--best -n")
	if opts, err := optionsFromFlags([]string{"in.img"}); err != nil || opts.Compress != compress.Gzip {
		t.Errorf("gzip override with long options: %+v, %v", opts, err)
	}
}

func TestBindLoopNilDevice(t *testing.T) {
	bind := bindLoop(func(string, int64) (*loop.Device, error) {
		return nil, errors.New("no free loop device")
	})
	dev, err := bind("img", 0)
	if err == nil || dev != nil {
		t.Errorf("dev = %v err = %v, want nil interface and error", dev, err)
	}
}

func TestNormalizeFlagName(t *testing.T) {
	for in, want := range map[string]string{
		"skip_autoexpand": "skip-autoexpand",
		"no-update-check": "no-update-check",
		"zstd":            "zstd",
	} {
		if got := string(normalizeFlagName(nil, in)); got != want {
			t.Errorf("normalizeFlagName(%q) = %q, want %q", in, got, want)
		}
	}
	if f := rootCmd.Flags().Lookup("skip_autoexpand"); f == nil || f.Shorthand != "s" {
		t.Errorf("underscore flag not resolved: %+v", f)
	}
}
