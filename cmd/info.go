package cmd

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/openWB/PiShrink/internal/ext"
	"github.com/openWB/PiShrink/internal/loop"
	"github.com/openWB/PiShrink/internal/partition"
	"github.com/openWB/PiShrink/internal/runner"
	"github.com/openWB/PiShrink/internal/shrink"
	"github.com/openWB/PiShrink/internal/utils"
)

var infoCmd = &cobra.Command{
	Use:   "info imagefile.img",
	Short: "Show the partition layout and what a shrink would do",
	Long: `Display the partition table of an image and, when run as root, the size of
the last filesystem, the minimum resize2fs reports and the resulting image size.

The image is attached read-only and never modified.`,
	Example: `  pishrink info raspios.img`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	if err := checkTools([]string{"parted"}); err != nil {
		return &shrink.StageError{Stage: shrink.StagePrecondition, Err: err}
	}
	r := runner.Exec{}
	in := &shrink.Inspector{Table: partition.New(r), FS: ext.New(r)}

	switch {
	case geteuid() != 0:
		utils.PrintNote("Not running as root, showing the partition table only.")
	case checkTools(ext.Tools) != nil:
		utils.PrintNote("e2fsprogs not found, showing the partition table only.")
	default:
		in.Binder = shrink.BindFunc(bindLoop(loop.BindReadOnly))
	}

	rep, err := in.Inspect(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	printReport(cmd.OutOrStdout(), rep)
	return nil
}

func printReport(w io.Writer, rep *shrink.Report) {
	fmt.Fprintf(w, "Information for %s:\n", utils.StyleName(filepath.Base(rep.ImagePath)))
	fmt.Fprintf(w, "  Path:  %s\n", utils.StylePath(rep.ImagePath))
	fmt.Fprintf(w, "  Size:  %s\n", utils.FormatBytes(rep.ImageSize))
	fmt.Fprintf(w, "  Table: %s\n", rep.Layout.Label)
	fmt.Fprintln(w)

	fmt.Fprintln(w, utils.StyleTitle("Partitions:"))
	for _, p := range rep.Layout.Partitions {
		marker := ""
		if p.Number == rep.Partition.Number {
			marker = " " + utils.StyleSuccess("← shrink target")
		}
		fmt.Fprintf(w, "  %d. %-8s %-8s start %-12d end %-12d %s%s\n",
			p.Number, p.Type, p.Filesystem, p.Start, p.End, utils.FormatBytes(p.Size()), marker)
	}

	if rep.Size.BlockCount == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, utils.StyleTitle("Filesystem:"))
	fmt.Fprintf(w, "  Block size:     %d\n", rep.Size.BlockSize)
	fmt.Fprintf(w, "  Current blocks: %s (%s)\n", utils.StyleNumber(rep.Plan.Current), utils.FormatBytes(rep.Size.Bytes()))
	fmt.Fprintf(w, "  Minimum blocks: %s\n", utils.StyleNumber(rep.Plan.Minimum))
	if rep.Plan.Minimal() {
		fmt.Fprintf(w, "  Already minimal, a shrink would leave the image at %s\n", utils.FormatBytes(rep.EstimatedSize))
		return
	}
	fmt.Fprintf(w, "  Target blocks:  %s (margin %d)\n", utils.StyleNumber(rep.Plan.Target), rep.Plan.Margin)
	fmt.Fprintf(w, "  Image after shrink: about %s (at least %d bytes, partition alignment may add a few sectors)\n",
		utils.FormatBytes(rep.EstimatedSize), rep.EstimatedSize)
}
