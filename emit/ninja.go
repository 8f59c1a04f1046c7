package emit

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/Jomy10/beaver/coordinate"
	"github.com/Jomy10/beaver/optimize"
	"github.com/Jomy10/beaver/platform"
	"github.com/Jomy10/beaver/project"
	"github.com/Jomy10/beaver/target"
	"github.com/Jomy10/beaver/tools"
	"github.com/Jomy10/beaver/triple"
	"github.com/google/renameio"
	"github.com/google/uuid"
)

// Env bundles the tool paths and build settings every emission helper
// needs, so call sites don't thread half a dozen parameters through
// every function.
type Env struct {
	Resolver  target.Resolver
	Triple    triple.Triple
	Mode      optimize.Mode
	CCPath    string
	CXXPath   string
	ARPath    string
	CCVersion tools.CompilerVersion

	// CargoPath, MesonPath, and SwiftPath are the resolved paths to
	// the external build tools a foreign target delegates to; cmake
	// targets delegate to NinjaPath instead, since their build dir was
	// configured with the Ninja generator. Empty when that tool was
	// not found.
	CargoPath string
	NinjaPath string
	MesonPath string
	SwiftPath string

	// MkfifoPath, NetcatPath, CatPath, and TestPath are the resolved
	// paths of the coordination protocol's shell helpers (tools.Mkfifo,
	// tools.Netcat, tools.Cat, tools.Test), used by custom-target steps.
	MkfifoPath string
	NetcatPath string
	CatPath    string
	TestPath   string
}

// EmitProject lowers one project's targets into builder, returning the
// phony name of the project-level aggregate step ("p", grouping every
// "p:target" phony).
func EmitProject(b *Builder, p *project.Project, env Env) (string, error) {
	scope, err := b.NewScope(p.BaseDir(), p.BuildDir())
	if err != nil {
		return "", err
	}

	// Two custom targets claiming the same artifact path would leave
	// their build order to ninja's whim; rejected up front.
	customOutputs := make(map[string]string)
	for _, t := range p.Targets() {
		var outputs map[target.ArtifactKind]string
		switch v := t.(type) {
		case *target.CustomLibrary:
			outputs = v.Outputs
		case *target.CustomExecutable:
			outputs = v.Outputs
		default:
			continue
		}
		for _, path := range outputs {
			if other, ok := customOutputs[path]; ok {
				return "", fmt.Errorf("emit: custom targets %s and %s both declare artifact %s", other, t.Name(), path)
			}
			customOutputs[path] = t.Name()
		}
	}

	var targetPhonies []string
	for idx, t := range p.Targets() {
		id, _ := p.ID()
		ref := target.TargetRef{Project: id, Target: idx}
		phony, err := emitTarget(b, scope, p, ref, t, env)
		if err != nil {
			return "", fmt.Errorf("emit: project %s, target %s: %w", p.Name(), t.Name(), err)
		}
		targetPhonies = append(targetPhonies, phony)
	}

	// A Cargo-imported project also gets one workspace-wide build step
	// alongside each member's own cargo step, so building the whole
	// project is a single cargo invocation instead of one per member.
	if p.Kind() == project.KindCargo && env.CargoPath != "" {
		rule := CargoWorkspaceRule(env.CargoPath)
		b.AddRule(rule)
		if err := scope.AddStep(Step{Build: &BuildStep{
			Rule:   rule,
			Output: fmt.Sprintf("%s:workspace", p.Name()),
			Input:  nil,
			Options: []KV{
				{"workspaceDir", p.BaseDir()},
				{"cargoArgs", strings.Join(env.Mode.CargoFlags(), " ")},
			},
		}}); err != nil {
			return "", err
		}
	}

	projectPhony := p.Name()
	if err := addPhony(b, scope, projectPhony, targetPhonies, nil); err != nil {
		return "", err
	}

	b.ApplyScope(scope)
	return projectPhony, nil
}

func emitTarget(b *Builder, scope *Scope, p *project.Project, ref target.TargetRef, t target.Target, env Env) (string, error) {
	switch v := t.(type) {
	case *target.NativeLibrary:
		return emitNativeLibrary(b, scope, p, ref, v, env)
	case *target.NativeExecutable:
		return emitNativeExecutable(b, scope, p, ref, v, env)
	case *target.CustomLibrary, *target.CustomExecutable:
		return emitCustomTarget(b, scope, p, ref, t, env)
	case *target.ForeignLibrary:
		return emitForeignLibrary(b, scope, p, v, env)
	case *target.ForeignExecutable:
		return emitForeignExecutable(b, scope, p, v, env)
	default:
		return "", fmt.Errorf("emit: unknown target variant %T", t)
	}
}

// objectFileFor rehomes a source under "<build dir>/objects/<source
// path relative to base dir>", with a ".o" or ".dyn.o" suffix appended
// depending on whether the object feeds a static or dynamic artifact.
func objectFileFor(buildDir, baseDir, source string, dynamic bool) (string, error) {
	rel, err := filepath.Rel(baseDir, source)
	if err != nil {
		return "", fmt.Errorf("stripping base dir from source %s: %w", source, err)
	}
	ext := ".o"
	if dynamic {
		ext = ".dyn.o"
	}
	return filepath.Join(buildDir, "objects", rel+ext), nil
}

func cRuleFor(lang target.Language, env Env) (*Rule, error) {
	switch lang {
	case target.LangC, target.LangOBJC:
		return CCRule(env.CCPath), nil
	case target.LangCXX, target.LangOBJCXX:
		return CXXRule(env.CXXPath), nil
	default:
		return nil, fmt.Errorf("%s has no native compile rule", lang)
	}
}

func emitNativeLibrary(b *Builder, scope *Scope, p *project.Project, ref target.TargetRef, lib *target.NativeLibrary, env Env) (string, error) {
	ccRule, err := cRuleFor(lib.LanguageValue, env)
	if err != nil {
		return "", err
	}
	linkRule := LinkRule(env.CCPath)
	arRule := ARRule(env.ARPath)
	b.AddRule(ccRule)
	b.AddRule(linkRule)
	b.AddRule(arRule)

	cflags, err := computeCFlags(lib.CFlags.All(), lib.Headers, p.BaseDir(), lib.DepList, env)
	if err != nil {
		return "", err
	}
	linkerFlags, err := computeLinkerFlags(lib.LinkerFlags, lib.LanguageValue, lib.DepList, env)
	if err != nil {
		return "", err
	}

	sources, err := lib.Sources.Resolve(p.BaseDir())
	if err != nil {
		return "", err
	}

	orderDeps, err := dependencyOrderDeps(lib.DepList, env)
	if err != nil {
		return "", err
	}

	var artifactPhonies []string
	for _, artifact := range lib.ArtifactList {
		switch artifact {
		case target.Dynlib, target.Staticlib:
			dynamic := artifact == target.Dynlib
			stepCFlags := cflags
			if dynamic {
				// dynamic objects get their own .dyn.o files so the same
				// source can be compiled once without and once with -fPIC
				stepCFlags = append(append([]string{}, cflags...), "-fPIC")
			}
			var objects []string
			for _, src := range sources {
				obj, err := objectFileFor(p.BuildDir(), p.BaseDir(), src, dynamic)
				if err != nil {
					return "", err
				}
				if err := scope.AddStep(Step{Build: &BuildStep{
					Rule:         ccRule,
					Output:       obj,
					Input:        []string{src},
					Dependencies: orderDeps,
					Options:      []KV{{"cflags", strings.Join(stepCFlags, " ")}},
				}}); err != nil {
					return "", err
				}
				objects = append(objects, obj)
			}

			artifactFile, err := lib.ArtifactFile(p.BuildDir(), artifact, env.Triple)
			if err != nil {
				return "", err
			}
			if dynamic {
				dynFlags := append(platform.SharedLibLinkerFlags(platform.FromTriple(env.Triple)), linkerFlags...)
				if err := scope.AddStep(Step{Build: &BuildStep{
					Rule:         linkRule,
					Output:       artifactFile,
					Input:        objects,
					Dependencies: orderDeps,
					Options:      []KV{{"linkerFlags", strings.Join(dynFlags, " ")}},
				}}); err != nil {
					return "", err
				}
			} else {
				if err := scope.AddStep(Step{Build: &BuildStep{
					Rule:         arRule,
					Output:       artifactFile,
					Input:        objects,
					Dependencies: orderDeps,
				}}); err != nil {
					return "", err
				}
			}

			artifactPhony := fmt.Sprintf("%s:%s:%s", p.Name(), lib.NameValue, artifact)
			if err := addPhony(b, scope, artifactPhony, []string{scope.FormatPath(artifactFile)}, nil); err != nil {
				return "", err
			}
			artifactPhonies = append(artifactPhonies, artifactPhony)
		case target.PkgConfig:
			// pkg-config files have no compiled inputs; no ninja step
			// is emitted for them and no .pc file is generated.
			continue
		default:
			return "", fmt.Errorf("emit: artifact %s is not yet implemented for native libraries", artifact)
		}
	}

	targetPhony := fmt.Sprintf("%s:%s", p.Name(), lib.NameValue)
	if err := addPhony(b, scope, targetPhony, artifactPhonies, nil); err != nil {
		return "", err
	}
	return targetPhony, nil
}

func emitNativeExecutable(b *Builder, scope *Scope, p *project.Project, ref target.TargetRef, exe *target.NativeExecutable, env Env) (string, error) {
	ccRule, err := cRuleFor(exe.LanguageValue, env)
	if err != nil {
		return "", err
	}
	linkRule := LinkRule(env.CCPath)
	b.AddRule(ccRule)
	b.AddRule(linkRule)

	cflags, err := computeCFlags(exe.CFlags.All(), exe.Headers, p.BaseDir(), exe.DepList, env)
	if err != nil {
		return "", err
	}
	linkerFlags, err := computeLinkerFlags(exe.LinkerFlags, exe.LanguageValue, exe.DepList, env)
	if err != nil {
		return "", err
	}

	sources, err := exe.Sources.Resolve(p.BaseDir())
	if err != nil {
		return "", err
	}

	orderDeps, err := dependencyOrderDeps(exe.DepList, env)
	if err != nil {
		return "", err
	}

	var objects []string
	for _, src := range sources {
		obj, err := objectFileFor(p.BuildDir(), p.BaseDir(), src, false)
		if err != nil {
			return "", err
		}
		if err := scope.AddStep(Step{Build: &BuildStep{
			Rule:         ccRule,
			Output:       obj,
			Input:        []string{src},
			Dependencies: orderDeps,
			Options:      []KV{{"cflags", strings.Join(cflags, " ")}},
		}}); err != nil {
			return "", err
		}
		objects = append(objects, obj)
	}

	for _, dep := range exe.DepList {
		depFiles, err := dependencyArtifactFiles(dep, env)
		if err != nil {
			return "", err
		}
		objects = append(objects, depFiles...)
	}

	artifactFile, err := exe.ArtifactFile(p.BuildDir(), target.Executable, env.Triple)
	if err != nil {
		return "", err
	}
	if err := scope.AddStep(Step{Build: &BuildStep{
		Rule:         linkRule,
		Output:       artifactFile,
		Input:        objects,
		Dependencies: orderDeps,
		Options:      []KV{{"linkerFlags", strings.Join(linkerFlags, " ")}},
	}}); err != nil {
		return "", err
	}

	exeArtifactPhony := fmt.Sprintf("%s:%s:%s", p.Name(), exe.NameValue, target.Executable)
	if err := addPhony(b, scope, exeArtifactPhony, []string{scope.FormatPath(artifactFile)}, nil); err != nil {
		return "", err
	}
	targetPhony := fmt.Sprintf("%s:%s", p.Name(), exe.NameValue)
	if err := addPhony(b, scope, targetPhony, []string{exeArtifactPhony}, nil); err != nil {
		return "", err
	}
	return targetPhony, nil
}

// dependencyOrderDeps returns the order-only dependencies a target's
// steps declare: one "<project>:<target>:<artifact>" phony per library
// dependency, plus any extra files those libraries expose to
// dependants (e.g. a generated interop header), so a dependant's
// compiles wait for them without rebuilding when only their mtime
// moves.
func dependencyOrderDeps(deps []target.Dependency, env Env) ([]string, error) {
	var out []string
	for _, dep := range deps {
		name, err := dep.StepName(env.Resolver)
		if err != nil {
			return nil, err
		}
		if name != "" {
			out = append(out, name)
		}
		extra, err := dep.ExtraFileDeps(env.Resolver)
		if err != nil {
			return nil, err
		}
		out = append(out, extra...)
	}
	return out, nil
}

// dependencyArtifactFiles returns the extra link inputs (e.g. a static
// archive path) a dependency contributes, beyond its linker flags.
func dependencyArtifactFiles(dep target.Dependency, env Env) ([]string, error) {
	if dep.Kind != target.DepLibrary {
		return nil, nil
	}
	_, t, err := env.Resolver.Resolve(dep.Library.Target)
	if err != nil {
		return nil, err
	}
	lib, ok := target.AsLibrary(t)
	if !ok {
		return nil, nil
	}
	if dep.Library.Artifact != target.Staticlib {
		return nil, nil
	}
	proj, _, err := env.Resolver.Resolve(dep.Library.Target)
	if err != nil {
		return nil, err
	}
	file, err := lib.ArtifactFile(proj.BuildDir(), dep.Library.Artifact, env.Triple)
	if err != nil {
		return nil, err
	}
	return []string{file}, nil
}

func computeCFlags(own []string, headers target.Headers, baseDir string, deps []target.Dependency, env Env) ([]string, error) {
	flags := append([]string{}, own...)
	for _, h := range headers.AllPaths(baseDir) {
		flags = append(flags, "-I"+h)
	}
	for _, dep := range deps {
		depFlags, err := dep.PublicCFlags(env.Resolver)
		if err != nil {
			return nil, err
		}
		flags = append(flags, depFlags...)
	}
	flags = append(flags, env.Mode.CFlags(env.CCVersion)...)
	return flags, nil
}

// computeLinkerFlags assembles a target's link line: each dependency
// contributes its own link-against fragment (library path or object
// file), plus, once per distinct dependency language, whatever
// cross-language linker flags target.LinkerFlags reports are needed to
// link that language's output into lang (the consuming target's own
// language).
func computeLinkerFlags(own []string, lang target.Language, deps []target.Dependency, env Env) ([]string, error) {
	flags := append([]string{}, own...)
	seenLangs := make(map[target.Language]bool)
	for _, dep := range deps {
		depFlags, err := dep.LinkerFlags(env.Triple, env.Resolver)
		if err != nil {
			return nil, err
		}
		flags = append(flags, depFlags...)

		if dep.Kind != target.DepLibrary {
			continue
		}
		_, depTarget, err := env.Resolver.Resolve(dep.Library.Target)
		if err != nil {
			return nil, err
		}
		depLang := depTarget.Language()
		if !seenLangs[depLang] {
			seenLangs[depLang] = true
			flags = append(flags, target.LinkerFlags(depLang, lang, env.Triple)...)
		}
	}
	flags = append(flags, env.Mode.LinkerFlags(env.CCVersion)...)
	return flags, nil
}

// emitCustomTarget emits a custom-target build step through the
// coordination protocol: a step that mkfifos a response pipe and
// nc(1)s the request across the Unix socket (served by the coordinate
// package; here only the ninja-visible step is generated).
func emitCustomTarget(b *Builder, scope *Scope, p *project.Project, ref target.TargetRef, t target.Target, env Env) (string, error) {
	rule := CustomRule("/bin/sh")
	b.AddRule(rule)

	name := t.Name()
	targetPhony := fmt.Sprintf("%s:%s", p.Name(), name)

	pipePath, err := coordinate.ResponsePipePath(uuid.New().String())
	if err != nil {
		return "", fmt.Errorf("emit: allocating coordination pipe for %s:%s: %w", p.Name(), name, err)
	}

	var artifactPhonies []string
	for _, artifact := range t.Artifacts() {
		file, err := t.ArtifactFile(p.BuildDir(), artifact, env.Triple)
		if err != nil {
			return "", err
		}
		if err := scope.AddStep(Step{Build: &BuildStep{
			Rule:   rule,
			Output: file,
			Input:  nil,
			Options: []KV{{"cmd", customTargetCommand(ref, pipePath, env)}},
		}}); err != nil {
			return "", err
		}
		artifactPhony := fmt.Sprintf("%s:%s:%s", p.Name(), name, artifact)
		if err := addPhony(b, scope, artifactPhony, []string{scope.FormatPath(file)}, nil); err != nil {
			return "", err
		}
		artifactPhonies = append(artifactPhonies, artifactPhony)
	}

	if err := addPhony(b, scope, targetPhony, artifactPhonies, nil); err != nil {
		return "", err
	}
	return targetPhony, nil
}

// customTargetCommand is the shell fragment the custom rule's $cmd
// substitutes: mkfifo a response pipe, announce
// "build <project>:<target> <pipe>" over the coordination socket, then
// block until the orchestrator writes the result and gate the step's
// exit status on it. The numeric TargetRef is sent rather than the
// target's name, since that's what the dispatcher resolves against.
func customTargetCommand(ref target.TargetRef, pipePath string, env Env) string {
	// The background cat and the pid capture must run in the shell
	// that later executes `wait`; wrapping them in a subshell would
	// lose beaver_cat_pid and turn the wait into a no-op.
	return fmt.Sprintf(
		`%s %s && %s %s > %s_result & beaver_cat_pid=$$! && echo "build %d:%d %s" | %s -U "$$BEAVER_SOCKET" && wait $$beaver_cat_pid && %s $$(%s %s_result) -eq 0`,
		env.MkfifoPath, pipePath,
		env.CatPath, pipePath, pipePath,
		ref.Project, ref.Target, pipePath,
		env.NetcatPath,
		env.TestPath, env.CatPath, pipePath,
	)
}

func emitForeignLibrary(b *Builder, scope *Scope, p *project.Project, lib *target.ForeignLibrary, env Env) (string, error) {
	return emitForeign(b, scope, p, lib.System, lib.PackageName, lib.NameValue, lib.Artifacts(), lib, env)
}

func emitForeignExecutable(b *Builder, scope *Scope, p *project.Project, exe *target.ForeignExecutable, env Env) (string, error) {
	return emitForeign(b, scope, p, exe.System, exe.PackageName, exe.NameValue, []target.ArtifactKind{target.Executable}, exe, env)
}

func emitForeign(b *Builder, scope *Scope, p *project.Project, system target.ForeignSystem, packageName, name string, artifacts []target.ArtifactKind, t target.Target, env Env) (string, error) {
	var rule *Rule
	var options []KV
	switch system {
	case target.ForeignCargo:
		rule = CargoRule(env.CargoPath)
		options = []KV{
			{"workspaceDir", p.BaseDir()},
			{"target", packageName},
			{"cargoArgs", strings.Join(env.Mode.CargoFlags(), " ")},
		}
	case target.ForeignCMake:
		// cmake configures with the Ninja generator, so bringing one of
		// its targets up to date is a sub-ninja run in the foreign
		// build dir; ninja exposes each cmake target's name as a phony.
		rule = ExternalBuildRule(system.String(), env.NinjaPath)
		options = []KV{
			{"buildDir", p.BuildDir()},
			{"buildArgs", ""},
			{"target", name},
		}
	case target.ForeignMeson:
		rule = ExternalBuildRule(system.String(), env.MesonPath)
		options = []KV{
			{"buildDir", p.BuildDir()},
			{"buildArgs", "compile"},
			{"target", name},
		}
	case target.ForeignSwiftPM:
		// swift build runs against the package dir, not beaver's
		// scratch dir for the import.
		rule = ExternalBuildRule(system.String(), env.SwiftPath)
		options = []KV{
			{"buildDir", p.BaseDir()},
			{"buildArgs", "build --product"},
			{"target", name},
		}
	default:
		return "", fmt.Errorf("emit: unknown foreign system %s", system)
	}
	b.AddRule(rule)

	// The cmd step's output is a symbolic name distinct from the
	// target phony below, so ninja doesn't see two steps claiming the
	// same output.
	stepName := fmt.Sprintf("%s:%s:build", p.Name(), name)
	if err := scope.AddStep(Step{Build: &BuildStep{
		Rule:    rule,
		Output:  stepName,
		Input:   nil,
		Options: options,
	}}); err != nil {
		return "", err
	}

	var artifactPhonies []string
	for _, artifact := range artifacts {
		file, err := t.ArtifactFile(p.BuildDir(), artifact, env.Triple)
		if err != nil {
			return "", err
		}
		artifactPhony := fmt.Sprintf("%s:%s:%s", p.Name(), name, artifact)
		if err := addPhony(b, scope, artifactPhony, []string{scope.FormatPath(file)}, []string{stepName}); err != nil {
			return "", err
		}
		artifactPhonies = append(artifactPhonies, artifactPhony)
	}

	targetPhony := fmt.Sprintf("%s:%s", p.Name(), name)
	if err := addPhony(b, scope, targetPhony, artifactPhonies, nil); err != nil {
		return "", err
	}
	return targetPhony, nil
}

func addPhony(b *Builder, scope *Scope, name string, args, deps []string) error {
	if len(args) == 0 {
		args = []string{}
	}
	return scope.AddStep(Step{Phony: &PhonyStep{Name: name, Args: args, Dependencies: deps}})
}

// WriteAtomic renders builder's accumulated text and writes it to path
// atomically (write to a temp file in the same directory, then
// rename), so a crash mid-write never leaves a half-emitted build
// file behind.
func WriteAtomic(path string, b *Builder) error {
	return renameio.WriteFile(path, []byte(b.String()), 0o644)
}
