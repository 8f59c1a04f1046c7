// Command beaver is the CLI front end: it discovers a project file
// (beaver.toml/Beaverfile.toml), loads it into a root beaver.Beaver
// context, and runs the build/run/clean phase the user asked for.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Jomy10/beaver/beaver"
	"github.com/Jomy10/beaver/config"
	"github.com/Jomy10/beaver/optimize"
	"github.com/Jomy10/beaver/runner"
	"github.com/Jomy10/beaver/tools"
	"github.com/Jomy10/beaver/triple"
)

type flags struct {
	scriptFile string
	opt        string
	buildDir   string
	colorFlag  string
	noColor    bool
	targetStr  string
}

func main() {
	var f flags

	root := &cobra.Command{
		Use:           "beaver [command] [-- args...]",
		Short:         "a cross-language native build orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPhase(beaver.PhaseBuild, f, args)
		},
	}
	registerCommonFlags(root, &f)

	buildCmd := &cobra.Command{
		Use:   "build",
		Short: "build every loaded project (the default command)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPhase(beaver.PhaseBuild, f, args)
		},
	}
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "build, then run the default executable",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPhase(beaver.PhaseRun, f, args)
		},
	}
	cleanCmd := &cobra.Command{
		Use:   "clean",
		Short: "remove build outputs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPhase(beaver.PhaseClean, f, args)
		},
	}
	for _, sub := range []*cobra.Command{buildCmd, runCmd, cleanCmd} {
		registerCommonFlags(sub, &f)
		root.AddCommand(sub)
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, formatFatal(err))
		var exitErr *runner.ExitError
		if errors.As(err, &exitErr) && exitErr.Code > 0 {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}

// formatFatal renders the top-level error wrapped to the terminal
// width so long cause chains stay readable, falling back to 80 columns
// when stderr isn't a terminal.
func formatFatal(err error) string {
	width := 80
	if w, _, sizeErr := term.GetSize(int(os.Stderr.Fd())); sizeErr == nil && w > 20 {
		width = w
	}
	return color.New(color.FgRed, color.Bold).Sprint("error: ") + wrapText(err.Error(), width-len("error: "))
}

func wrapText(s string, width int) string {
	words := strings.Fields(s)
	if len(words) == 0 {
		return s
	}
	var b strings.Builder
	lineLen := 0
	for i, w := range words {
		if i > 0 {
			if lineLen+1+len(w) > width {
				b.WriteString("\n  ")
				lineLen = 2
			} else {
				b.WriteByte(' ')
				lineLen++
			}
		}
		b.WriteString(w)
		lineLen += len(w)
	}
	return b.String()
}

func registerCommonFlags(cmd *cobra.Command, f *flags) {
	cmd.Flags().StringVarP(&f.scriptFile, "script-file", "f", "", "path to the project file (default: discover beaver.toml/Beaverfile.toml)")
	cmd.Flags().StringVarP(&f.opt, "opt", "o", "release", "optimization mode: debug or release")
	cmd.Flags().StringVar(&f.buildDir, "build-dir", "build", "build output directory")
	cmd.Flags().StringVar(&f.colorFlag, "color", "", "force color output (always/never)")
	cmd.Flags().BoolVar(&f.noColor, "no-color", false, "disable color output")
	cmd.Flags().StringVarP(&f.targetStr, "target", "t", "", "build only this target (project:name)")
}

func runPhase(phase beaver.Phase, f flags, passthrough []string) error {
	scriptPath := f.scriptFile
	if scriptPath == "" {
		found, err := config.Discover(".")
		if err != nil {
			return err
		}
		scriptPath = found
	}

	mode, err := optimize.Parse(f.opt)
	if err != nil {
		return err
	}

	t := triple.Host()

	buildDir, err := filepath.Abs(f.buildDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(buildDir, ".beaver"), 0o755); err != nil {
		return err
	}
	cacheFile := filepath.Join(buildDir, ".beaver", "cache.db")

	b, err := beaver.New(buildDir, mode, t, cacheFile)
	if err != nil {
		return err
	}
	defer func() {
		if b.Cache != nil {
			b.Cache.Close()
		}
	}()

	colorMode := beaver.ColorAuto
	switch {
	case f.noColor || f.colorFlag == "never":
		colorMode = beaver.ColorNever
	case f.colorFlag == "always":
		colorMode = beaver.ColorAlways
	}
	beaver.ApplyColorMode(colorMode, os.Stdout)

	if err := config.Load(scriptPath, b); err != nil {
		return err
	}

	ctx, cancel := beaver.InterruptibleContext(context.Background())
	defer cancel()

	ninjaPath, err := b.Tools.Find(tools.Ninja)
	if err != nil {
		return err
	}

	switch phase {
	case beaver.PhaseClean:
		return b.RunPhase(phase, func() error {
			r := runner.New(ninjaPath, filepath.Join(buildDir, "build.ninja"), false)
			return r.Cleandead(ctx, buildDir, buildDir)
		})
	case beaver.PhaseRun:
		if err := b.Build(ctx, ninjaPath, nil); err != nil {
			return err
		}
		return b.RunPhase(beaver.PhaseRun, func() error {
			return runDefaultExecutable(ctx, b, passthrough)
		})
	default:
		var targets []string
		if f.targetStr != "" {
			targets = []string{f.targetStr}
		}
		return b.Build(ctx, ninjaPath, targets)
	}
}

func runDefaultExecutable(ctx context.Context, b *beaver.Beaver, args []string) error {
	ref, err := b.FindDefaultExecutable()
	if err != nil {
		return err
	}
	proj, t, err := b.Resolve(ref)
	if err != nil {
		return err
	}
	artifactKind := t.Artifacts()[0]
	path, err := t.ArtifactFile(proj.BuildDir(), artifactKind, b.Triple)
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, color.New(color.FgHiBlack).Sprintf("running %s", path))
	return runBinary(ctx, path, args)
}

// runBinary execs path with args, inheriting stdio; the context makes
// the subprocess interruptible.
func runBinary(ctx context.Context, path string, args []string) error {
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.ExitCode())
		}
		return fmt.Errorf("running %s: %w", path, err)
	}
	return nil
}
