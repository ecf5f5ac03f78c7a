package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/openWB/PiShrink/internal/autoexpand"
	"github.com/openWB/PiShrink/internal/compress"
	"github.com/openWB/PiShrink/internal/config"
	"github.com/openWB/PiShrink/internal/ext"
	"github.com/openWB/PiShrink/internal/loop"
	"github.com/openWB/PiShrink/internal/partition"
	"github.com/openWB/PiShrink/internal/prep"
	"github.com/openWB/PiShrink/internal/runner"
	"github.com/openWB/PiShrink/internal/shrink"
	"github.com/openWB/PiShrink/internal/utils"
)

var (
	skipAutoexpand bool
	verbose        bool
	advancedRepair bool
	useGzip        bool
	useXz          bool
	useZstd        bool
	parallel       bool
	prepImage      bool
	debugLog       bool
	noUpdateCheck  bool
	forceOverwrite bool
)

// requiredTools must be on PATH before a shrink starts.
var requiredTools = []string{"parted", "tune2fs", "e2fsck", "resize2fs", "cp"}

// Replaced in tests.
var (
	geteuid    = unix.Geteuid
	checkTools = runner.CheckDependencies
)

var rootCmd = &cobra.Command{
	Use:   "pishrink [flags] imagefile.img [newimagefile.img]",
	Short: "Shrink a Raspberry Pi style disk image to its smallest size",
	Long: `Shrink the last partition of a disk image and its ext2/3/4 filesystem to the
smallest safe size, then truncate the image file.

Unless -s is given, a first-boot script is placed in /etc/rc.local that grows
the filesystem back to fill the card the image is written to.

If newimagefile.img is given, the image is copied there first and the copy is
shrunk. The original is left untouched.`,
	Example: `  pishrink raspios.img                 # Shrink in place
  pishrink -z raspios.img              # Shrink and gzip
  pishrink -Za raspios.img small.img   # Copy, shrink and xz with all cores
  pishrink -s -p raspios.img           # Purge logs and caches, no autoexpand`,
	Version:       config.VERSION,
	Args:          cobra.RangeArgs(1, 2),
	SilenceErrors: true,
	SilenceUsage:  true,

	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		utils.DebugMode = verbose
		if err := config.InitViper(); err != nil {
			utils.PrintWarning("Ignoring config file: %v", err)
		}
	},
	RunE: runShrink,
}

// Execute runs the command line and exits with the code of the failing stage.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		ExitWithError(err)
	}
}

func init() {
	f := rootCmd.Flags()
	f.BoolVarP(&skipAutoexpand, "skip-autoexpand", "s", false, "Do not expand the filesystem on first boot")
	f.BoolVarP(&verbose, "verbose", "v", false, "Show debug output and compression progress")
	f.BoolVarP(&advancedRepair, "repair", "r", false, "Try the backup superblock if e2fsck cannot repair the filesystem")
	f.BoolVarP(&useGzip, "gzip", "z", false, "Compress the image with gzip")
	f.BoolVarP(&useXz, "xz", "Z", false, "Compress the image with xz")
	f.BoolVar(&useZstd, "zstd", false, "Compress the image with zstd")
	f.BoolVarP(&parallel, "parallel", "a", false, "Compress with all CPU cores")
	f.BoolVarP(&prepImage, "prep", "p", false, "Remove logs, apt archives and dhcp leases before shrinking")
	f.BoolVarP(&debugLog, "debug", "d", false, "Write a debug log (pishrink.log)")
	f.BoolVarP(&noUpdateCheck, "no-update-check", "n", false, "Do not check for a newer release")
	f.BoolVarP(&forceOverwrite, "force", "f", false, "Overwrite an existing output file")
	rootCmd.MarkFlagsMutuallyExclusive("gzip", "xz", "zstd")
	rootCmd.SetGlobalNormalizationFunc(normalizeFlagName)
}

// normalizeFlagName accepts underscores in long flags (--skip_autoexpand).
func normalizeFlagName(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

func runShrink(cmd *cobra.Command, args []string) error {
	opts, err := optionsFromFlags(args)
	if err != nil {
		return err
	}

	if opts.DebugLog != "" {
		closer, err := utils.OpenDebugLog(opts.DebugLog)
		if err != nil {
			return &shrink.StageError{Stage: shrink.StagePrecondition, Err: err}
		}
		defer closer.Close()
		utils.PrintNote("Writing debug log to %s", utils.StylePath(opts.DebugLog))
		utils.Trace("version", utils.Fields{"version": config.VERSION, "args": args})
	}

	if err := checkEnvironment(); err != nil {
		return err
	}

	ctx := cmd.Context()
	if opts.UpdateCheck {
		notify := startUpdateCheck(ctx, opts.UpdateURL)
		defer notify()
	}

	res, err := shrink.New(opts, defaultDeps()).Run(ctx)
	if err != nil {
		return err
	}
	printResult(res)
	return nil
}

// optionsFromFlags merges the parsed flags with viper into run options.
func optionsFromFlags(args []string) (config.Options, error) {
	opts := config.Options{
		ImagePath:      args[0],
		SkipAutoexpand: skipAutoexpand,
		Verbose:        verbose,
		AdvancedRepair: advancedRepair,
		Prep:           prepImage,
		Force:          forceOverwrite,
		Parallel:       parallel,
		UpdateCheck:    !noUpdateCheck,
	}
	if len(args) == 2 {
		opts.OutputPath = args[1]
	}
	opts.Compress = selectedTool(useGzip, useXz, useZstd)
	config.ApplyViper(&opts, debugLog)

	if err := opts.Validate(); err != nil {
		if errors.Is(err, config.ErrCompressionSettings) {
			return opts, &shrink.StageError{Stage: shrink.StagePrecondition, Err: err}
		}
		return opts, usageError{err}
	}
	return opts, nil
}

func selectedTool(gzip, xz, zstd bool) compress.Tool {
	switch {
	case gzip:
		return compress.Gzip
	case xz:
		return compress.Xz
	case zstd:
		return compress.Zstd
	}
	return ""
}

// checkEnvironment verifies root privileges and the external tools.
func checkEnvironment() error {
	if geteuid() != 0 {
		return &shrink.StageError{
			Stage: shrink.StagePrecondition,
			Err:   errors.New("pishrink needs to be run as root (loop devices and mounts)"),
		}
	}
	if err := checkTools(requiredTools); err != nil {
		return &shrink.StageError{Stage: shrink.StagePrecondition, Err: err}
	}
	return nil
}

func defaultDeps() shrink.Deps {
	r := runner.Exec{}
	return shrink.Deps{
		Binder:     shrink.BindFunc(bindLoop(loop.Bind)),
		Table:      partition.New(r),
		FS:         ext.New(r),
		Injector:   autoexpand.New(),
		Preparer:   prep.New(),
		Compressor: compress.New(),
		Copier:     shrink.CPCopier{Runner: r},
		Truncater:  shrink.FileTruncater{},
	}
}

// bindLoop converts a loop binder so a failed bind yields a nil interface.
func bindLoop(bind func(string, int64) (*loop.Device, error)) func(string, int64) (shrink.Device, error) {
	return func(imagePath string, offset int64) (shrink.Device, error) {
		dev, err := bind(imagePath, offset)
		if err != nil {
			return nil, err
		}
		return dev, nil
	}
}

func printResult(res *shrink.Result) {
	if res.Skipped {
		utils.PrintNote("%s was already at its minimum size (%s)",
			utils.StylePath(res.OutputPath), utils.FormatBytes(res.AfterSize))
	} else {
		utils.PrintSuccess("Shrunk %s from %s to %s",
			utils.StylePath(res.OutputPath), utils.FormatBytes(res.BeforeSize), utils.FormatBytes(res.AfterSize))
	}
	if res.Digest != "" {
		fmt.Printf("  Output: %s\n", utils.StylePath(res.OutputPath))
		fmt.Printf("  Digest: %s\n", res.Digest)
	}
}
