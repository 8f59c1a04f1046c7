package beaver

import (
	"context"
	"fmt"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/Jomy10/beaver/coordinate"
	"github.com/Jomy10/beaver/emit"
	"github.com/Jomy10/beaver/runner"
	"github.com/Jomy10/beaver/target"
)

// projectEmission is one project's emitted ninja file and the phony
// name build.ninja's root "all" step should depend on.
type projectEmission struct {
	path  string
	phony string
}

// Emit lowers every loaded project into its own "<builddir>/project.ninja"
// file, run concurrently via errgroup since each project gets its own
// emit.Builder (Builder keeps no internal lock, so sharing one across
// goroutines would race); the root build.ninja then "subninja"s every
// per-project file and groups them under a single "all" phony.
func (b *Beaver) Emit() (string, error) {
	if err := b.checkAcyclic(); err != nil {
		return "", err
	}
	env, err := b.Env()
	if err != nil {
		return "", err
	}

	projects := b.Projects()
	emissions := make([]projectEmission, len(projects))

	g := new(errgroup.Group)
	for i, p := range projects {
		i, p := i, p
		g.Go(func() error {
			pb := emit.NewBuilder()
			phony, err := emit.EmitProject(pb, p, env)
			if err != nil {
				return err
			}
			path := filepath.Join(p.BuildDir(), "project.ninja")
			if err := emit.WriteAtomic(path, pb); err != nil {
				return fmt.Errorf("beaver: writing %s: %w", path, err)
			}
			emissions[i] = projectEmission{path: path, phony: phony}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	root := emit.NewBuilder()
	root.AddComment("generated by beaver, do not edit")
	scope, err := root.NewScope(b.BuildDir, b.BuildDir)
	if err != nil {
		return "", err
	}

	var phonies []string
	for _, e := range emissions {
		rel, err := filepath.Rel(b.BuildDir, e.path)
		if err != nil {
			return "", fmt.Errorf("beaver: relativizing %s against %s: %w", e.path, b.BuildDir, err)
		}
		root.AddInclude(rel)
		phonies = append(phonies, e.phony)
	}
	if err := scope.AddStep(emit.Step{Phony: &emit.PhonyStep{Name: "all", Args: phonies}}); err != nil {
		return "", err
	}
	root.ApplyScope(scope)

	buildFile := filepath.Join(b.BuildDir, "build.ninja")
	if err := emit.WriteAtomic(buildFile, root); err != nil {
		return "", fmt.Errorf("beaver: writing %s: %w", buildFile, err)
	}
	return buildFile, nil
}

// Build emits build.ninja and invokes ninja against it, running any
// PhaseBuild hooks first. targets, when empty, builds the "all"
// aggregate.
func (b *Beaver) Build(ctx context.Context, ninjaPath string, targets []string) error {
	return b.RunPhase(PhaseBuild, func() error {
		buildFile, err := b.Emit()
		if err != nil {
			return err
		}

		// Custom targets call back over the coordination socket; bind
		// it lazily, only for builds that actually contain one.
		if b.coordServer == nil && b.hasCustomTargets() {
			if err := b.EnableCoordination(coordinate.DefaultSocketPath()); err != nil {
				return err
			}
			defer func() {
				if err := b.DisableCoordination(); err != nil {
					log.WithError(err).Warn("closing coordination socket failed")
				}
			}()
		}

		if len(targets) == 0 {
			targets = []string{"all"}
		}
		r := runner.New(ninjaPath, buildFile, false)
		return r.Build(ctx, targets, b.BuildDir, b.BuildDir)
	})
}

// BuildCustomTarget implements coordinate.Dispatcher, letting a custom
// target's helper process ask the root context to build another target
// by TargetRef over the coordination socket.
func (b *Beaver) BuildCustomTarget(ref target.TargetRef) error {
	_, t, err := b.Resolve(ref)
	if err != nil {
		return err
	}
	switch v := t.(type) {
	case *target.CustomLibrary:
		if v.Build == nil {
			return fmt.Errorf("beaver: custom library %q has no build function", v.Name())
		}
		return v.Build()
	case *target.CustomExecutable:
		if v.Build == nil {
			return fmt.Errorf("beaver: custom executable %q has no build function", v.Name())
		}
		return v.Build()
	default:
		return fmt.Errorf("beaver: target %q is not a custom target", t.Name())
	}
}
