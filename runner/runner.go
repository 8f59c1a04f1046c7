// Package runner invokes the ninja binary to drive an emitted build
// file, streaming its stdout/stderr back and wrapping a nonzero exit
// status into an error the caller can present. Output goes through
// io.MultiWriter rather than letting Cmd inherit stdio directly, so
// callers can capture it alongside displaying it.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var log = logrus.WithField("component", "runner")

// ExitError wraps a nonzero ninja exit status.
type ExitError struct {
	Tool string
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("runner: %s exited with status %d", e.Tool, e.Code)
}

// Runner drives ninja against one emitted build file.
type Runner struct {
	NinjaPath string
	BuildFile string // absolute path to the emitted build.ninja
	Verbose   bool

	// Stdout and Stderr receive a copy of the subprocess's output in
	// addition to the process's own inherited streams. Nil means "just
	// inherit the parent's stdio".
	Stdout io.Writer
	Stderr io.Writer
}

// New returns a Runner driving ninjaPath against buildFile.
func New(ninjaPath, buildFile string, verbose bool) *Runner {
	return &Runner{NinjaPath: ninjaPath, BuildFile: buildFile, Verbose: verbose}
}

// Build invokes ninja to build targets (or the default target set if
// targets is empty), then runs a "cleandead" pass.
func (r *Runner) Build(ctx context.Context, targets []string, baseDir, buildDir string) error {
	if err := r.run(ctx, baseDir, buildDir, targets, ""); err != nil {
		return err
	}
	return r.Cleandead(ctx, baseDir, buildDir)
}

// Cleandead runs `ninja -t cleandead`, pruning build-file outputs that
// no longer correspond to a declared step (e.g. after a target is
// removed from the project script).
func (r *Runner) Cleandead(ctx context.Context, baseDir, buildDir string) error {
	return r.run(ctx, baseDir, buildDir, nil, "cleandead")
}

func (r *Runner) run(ctx context.Context, baseDir, buildDir string, targets []string, tool string) error {
	relBuildFile, err := filepath.Rel(buildDir, r.BuildFile)
	if err != nil {
		return fmt.Errorf("runner: build file %s is not reachable from build dir %s: %w", r.BuildFile, buildDir, err)
	}

	args := []string{"-C", buildDir, "-f", relBuildFile}
	if tool != "" {
		args = append(args, "-t", tool)
	}
	args = append(args, targets...)
	if r.Verbose {
		args = append(args, "-v")
	}

	log.WithField("args", args).Trace("invoking ninja")

	cmd := exec.CommandContext(ctx, r.NinjaPath, args...)
	cmd.Dir = baseDir

	cmd.Stdout = multiOrDefault(r.Stdout, os.Stdout)
	cmd.Stderr = multiOrDefault(r.Stderr, os.Stderr)

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &ExitError{Tool: r.NinjaPath, Code: exitErr.ExitCode()}
		}
		return fmt.Errorf("runner: starting %s: %w", r.NinjaPath, err)
	}
	return nil
}

func multiOrDefault(w io.Writer, fallback io.Writer) io.Writer {
	if w == nil {
		return fallback
	}
	return io.MultiWriter(w, fallback)
}

// RunConcurrent runs each of fns concurrently, returning the first
// error encountered and canceling the remaining ones via ctx.
func RunConcurrent(ctx context.Context, fns ...func(ctx context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, fn := range fns {
		fn := fn
		g.Go(func() error { return fn(gctx) })
	}
	return g.Wait()
}
