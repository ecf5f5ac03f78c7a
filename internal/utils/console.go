// Package utils holds the console printers, the debug log and small file
// helpers shared by every PiShrink package.
package utils

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

// DebugMode enables PrintDebug output (-v).
var DebugMode = false

const prefix = "[PiShrink]"

// Console sinks; replaced in tests.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

var (
	red         = color.New(color.FgRed).SprintFunc()
	green       = color.New(color.FgGreen).SprintFunc()
	yellow      = color.New(color.FgYellow).SprintFunc()
	blueBold    = color.New(color.FgBlue, color.Bold).SprintFunc()
	magenta     = color.New(color.FgMagenta).SprintFunc()
	magentaBold = color.New(color.FgMagenta, color.Bold).SprintFunc()
	cyan        = color.New(color.FgCyan).SprintFunc()
	cyanBold    = color.New(color.FgCyan, color.Bold).SprintFunc()
	gray        = color.New(color.FgWhite).SprintFunc()
	bold        = color.New(color.Bold).SprintFunc()
)

func StyleError(msg string) string { return red(msg) }
func StyleSuccess(msg string) string { return green(msg) }
func StyleWarning(msg string) string { return yellow(msg) }
func StyleHint(msg string) string { return cyan(msg) }

// StyleInfo marks state labels such as "clean" or "in use".
func StyleInfo(msg string) string { return magenta(msg) }

// StyleCommand renders a command line or option string.
func StyleCommand(cmd string) string { return gray(cmd) }

func StyleAction(act string) string { return yellow(act) }
func StyleTitle(title string) string { return bold(cyan(title)) }
func StyleName(name string) string { return yellow(name) }

// StyleNumber renders block counts, offsets and sizes.
func StyleNumber(num any) string { return magenta(fmt.Sprint(num)) }

// StylePath colours images, compressed artifacts and everything else
// (devices, directories) differently so they stand apart in long runs.
func StylePath(path string) string {
	switch {
	case IsImg(path):
		return magentaBold(path)
	case IsCompressed(path):
		return cyanBold(path)
	}
	return blueBold(path)
}

// FormatBytes renders n with a binary unit and two decimals, e.g.
// "3.70 GB". Values below 1 KB are printed exactly.
func FormatBytes(n int64) string {
	if n < 1024 {
		return fmt.Sprintf("%d B", n)
	}
	v := float64(n)
	unit := ""
	for _, u := range []string{"KB", "MB", "GB", "TB"} {
		v /= 1024
		unit = u
		if v < 1024 {
			break
		}
	}
	return fmt.Sprintf("%.2f %s", v, unit)
}

// emit writes one prefixed console line. tag may be empty.
func emit(w io.Writer, tag, format string, a []any) {
	fmt.Fprintf(w, "%s%s %s\n", prefix, tag, fmt.Sprintf(format, a...))
}

// PrintMessage reports progress: "[PiShrink] Checking filesystem...".
func PrintMessage(format string, a ...any) { emit(stdout, "", format, a) }

func PrintSuccess(format string, a ...any) { emit(stdout, StyleSuccess("[PASS]"), format, a) }

func PrintHint(format string, a ...any) { emit(stdout, StyleHint("[HINT]"), format, a) }

func PrintNote(format string, a ...any) { emit(stdout, magenta("[NOTE]"), format, a) }

// PrintError and PrintWarning go to stderr so they survive a redirected
// stdout.
func PrintError(format string, a ...any) { emit(stderr, StyleError("[ERR] "), format, a) }

func PrintWarning(format string, a ...any) { emit(stderr, StyleWarning("[WARN]"), format, a) }

// PrintDebug is silent unless DebugMode is set.
func PrintDebug(format string, a ...any) {
	if DebugMode {
		emit(stderr, gray("[DBG] "), format, a)
	}
}
