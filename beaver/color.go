package beaver

import (
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// ColorMode is the closed set of --color/--no-color CLI states.
type ColorMode int

const (
	ColorAuto ColorMode = iota
	ColorAlways
	ColorNever
)

// ApplyColorMode sets whether color.Color values render ANSI escapes,
// resolving ColorAuto against stdout's terminal-ness via go-isatty.
// Checked once at startup, not per-write, since a build's output
// doesn't change destination mid-run.
func ApplyColorMode(mode ColorMode, out io.Writer) {
	switch mode {
	case ColorAlways:
		color.NoColor = false
	case ColorNever:
		color.NoColor = true
	default:
		f, ok := out.(*os.File)
		color.NoColor = !ok || !isatty.IsTerminal(f.Fd())
	}
}
