// Package config decodes a declarative beaver.toml/Beaverfile.toml
// project file and builds the project/target graph it describes. It is
// the default front end over the core library: the same operations a
// richer scripting surface would call (project.New,
// target.NewNativeLibrary, the importer packages) are driven from a
// parsed TOML document instead.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/Jomy10/beaver/beaver"
	"github.com/Jomy10/beaver/importer/cargo"
	"github.com/Jomy10/beaver/importer/cmake"
	"github.com/Jomy10/beaver/importer/meson"
	"github.com/Jomy10/beaver/importer/spm"
	"github.com/Jomy10/beaver/optimize"
	"github.com/Jomy10/beaver/project"
	"github.com/Jomy10/beaver/target"
)

var log = logrus.WithField("component", "config")

// Candidate file names searched in the current directory when -f is
// not given, in precedence order.
var CandidateFiles = []string{"beaver.toml", "Beaverfile.toml"}

// Discover returns the first candidate file that exists in dir.
func Discover(dir string) (string, error) {
	for _, name := range CandidateFiles {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("config: no project file found in %s (looked for %v)", dir, CandidateFiles)
}

// File is the top-level shape of a beaver.toml project file.
type File struct {
	Project  []NativeProject  `toml:"project"`
	Cargo    []ForeignProject `toml:"cargo"`
	CMake    []ForeignProject `toml:"cmake"`
	Meson    []ForeignProject `toml:"meson"`
	SwiftPM  []ForeignProject `toml:"swiftpm"`
}

// NativeProject declares one project.KindNative project's targets
// directly, without delegating to an external build system.
type NativeProject struct {
	Name      string          `toml:"name"`
	Libraries []NativeLibrary `toml:"library"`
	Binaries  []NativeBinary  `toml:"binary"`
}

type NativeLibrary struct {
	Name          string   `toml:"name"`
	Language      string   `toml:"language"`
	Sources       []string `toml:"sources"`
	PublicHeaders []string `toml:"public_headers"`
	Artifacts     []string `toml:"artifacts"`
	Deps          []string `toml:"deps"`
}

type NativeBinary struct {
	Name     string   `toml:"name"`
	Language string   `toml:"language"`
	Sources  []string `toml:"sources"`
	Deps     []string `toml:"deps"`
}

// ForeignProject points the cargo/cmake/meson/swiftpm importers at a
// directory, optionally passing extra flags through to the underlying
// build system.
type ForeignProject struct {
	Dir   string   `toml:"dir"`
	Flags []string `toml:"flags"`
}

// Load decodes path and registers every project it describes into b,
// in declaration order (project, then cargo, then cmake, then meson,
// then swiftpm). baseDir is the directory relative paths are resolved
// against (the project file's own directory).
func Load(path string, b *beaver.Beaver) error {
	baseDir := filepath.Dir(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	var f File
	if _, err := toml.Decode(string(data), &f); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}

	for _, np := range f.Project {
		if err := buildNativeProject(np, baseDir, b); err != nil {
			return err
		}
	}

	for _, cp := range f.Cargo {
		dir := resolveDir(baseDir, cp.Dir)
		p, err := cargo.Import(dir, cp.Flags, b.Mode)
		if err != nil {
			return fmt.Errorf("config: importing cargo project at %s: %w", dir, err)
		}
		if _, err := b.AddProject(p); err != nil {
			return err
		}
	}

	for _, cp := range f.CMake {
		dir := resolveDir(baseDir, cp.Dir)
		buildDir := externalBuildDir(b.BuildDir, dir, b.Mode)
		projects, err := cmake.Import(dir, buildDir, cp.Flags, b.Mode, b.Cache, b.Tools)
		if err != nil {
			return fmt.Errorf("config: importing cmake project at %s: %w", dir, err)
		}
		for _, p := range projects {
			if _, err := b.AddProject(p); err != nil {
				return err
			}
			if err := cmake.ResolveDependencies(p); err != nil {
				return err
			}
		}
	}

	for _, mp := range f.Meson {
		dir := resolveDir(baseDir, mp.Dir)
		p, err := meson.Import(dir, mp.Flags, b.Mode, b.Cache, b.Tools, false)
		if err != nil {
			return fmt.Errorf("config: importing meson project at %s: %w", dir, err)
		}
		if _, err := b.AddProject(p); err != nil {
			return err
		}
	}

	for _, sp := range f.SwiftPM {
		dir := resolveDir(baseDir, sp.Dir)
		cacheDir := externalBuildDir(b.BuildDir, dir, b.Mode)
		p, err := spm.Import(dir, cacheDir, b.Cache, b.Tools)
		if err != nil {
			return fmt.Errorf("config: importing swiftpm project at %s: %w", dir, err)
		}
		if _, err := b.AddProject(p); err != nil {
			return err
		}
	}

	return nil
}

func resolveDir(baseDir, dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(baseDir, dir)
}

// externalBuildDir places an external build system's scratch directory
// under "<build dir>/external/<hash>", keyed by the absolute source
// directory and the optimization mode so debug and release configures
// never share state, per the importer contract.
func externalBuildDir(rootBuildDir, dir string, mode optimize.Mode) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	sum := sha256.Sum256([]byte(abs + ":" + mode.String()))
	return filepath.Join(rootBuildDir, "external", hex.EncodeToString(sum[:8]))
}

// buildNativeProject constructs and registers a [[project]] entry's
// targets directly into b. The project is added to b (assigning its
// id) before its targets are built, since a target's DepList needs to
// embed that id in every TargetRef it declares.
func buildNativeProject(np NativeProject, baseDir string, b *beaver.Beaver) error {
	if np.Name == "" {
		return fmt.Errorf("config: a [[project]] entry is missing a name")
	}
	projBaseDir := baseDir
	buildDir := filepath.Join(b.BuildDir, np.Name)

	p := project.New(np.Name, projBaseDir, buildDir, project.KindNative)
	id, err := b.AddProject(p)
	if err != nil {
		return err
	}

	nameToIdx := make(map[string]int)
	for _, lib := range np.Libraries {
		t, err := buildNativeLibrary(lib, projBaseDir)
		if err != nil {
			return err
		}
		nameToIdx[lib.Name] = p.AddTarget(t)
	}
	for _, bin := range np.Binaries {
		t, err := buildNativeBinary(bin, projBaseDir)
		if err != nil {
			return err
		}
		nameToIdx[bin.Name] = p.AddTarget(t)
	}

	// Deps are resolved against this project's own target list only;
	// cross-project native deps in a declarative file would need an
	// explicit project-qualified syntax this format doesn't have.
	return resolveNativeDeps(p, id, np, nameToIdx)
}

func buildNativeLibrary(lib NativeLibrary, baseDir string) (*target.NativeLibrary, error) {
	lang, ok := target.ParseLanguage(lib.Language)
	if !ok {
		log.WithField("library", lib.Name).Warnf("unrecognized language %q, defaulting to C", lib.Language)
		lang = target.LangC
	}
	artifacts, err := parseArtifactKinds(lib.Artifacts)
	if err != nil {
		return nil, err
	}
	if len(artifacts) == 0 {
		artifacts = []target.ArtifactKind{target.Staticlib}
	}
	return target.NewNativeLibrary(
		lib.Name,
		lang,
		target.NewFiles(nil, lib.Sources...),
		target.Flags{},
		target.Headers{Public: lib.PublicHeaders},
		nil,
		artifacts,
		nil,
	), nil
}

func buildNativeBinary(bin NativeBinary, baseDir string) (*target.NativeExecutable, error) {
	lang, ok := target.ParseLanguage(bin.Language)
	if !ok {
		log.WithField("binary", bin.Name).Warnf("unrecognized language %q, defaulting to C", bin.Language)
		lang = target.LangC
	}
	return &target.NativeExecutable{
		NameValue:     bin.Name,
		LanguageValue: lang,
		Sources:       target.NewFiles(nil, bin.Sources...),
	}, nil
}

func parseArtifactKinds(names []string) ([]target.ArtifactKind, error) {
	var out []target.ArtifactKind
	for _, n := range names {
		switch n {
		case "dynlib":
			out = append(out, target.Dynlib)
		case "staticlib":
			out = append(out, target.Staticlib)
		default:
			return nil, fmt.Errorf("config: unknown artifact kind %q", n)
		}
	}
	return out, nil
}

func resolveNativeDeps(p *project.Project, id int, np NativeProject, nameToIdx map[string]int) error {
	targets := p.Targets()

	apply := func(name string, deps []string) error {
		idx, ok := nameToIdx[name]
		if !ok {
			return nil
		}
		var resolved []target.Dependency
		for _, depName := range deps {
			depIdx, ok := nameToIdx[depName]
			if !ok {
				resolved = append(resolved, target.Dependency{Kind: target.DepSystem, System: depName})
				continue
			}
			artifact := target.Staticlib
			if lib, ok := targets[depIdx].(*target.NativeLibrary); ok {
				artifact = lib.DefaultArtifact()
			}
			resolved = append(resolved, target.Dependency{Library: target.LibraryTargetDependency{
				Target:   target.TargetRef{Project: id, Target: depIdx},
				Artifact: artifact,
			}})
		}
		switch v := targets[idx].(type) {
		case *target.NativeLibrary:
			v.DepList = resolved
		case *target.NativeExecutable:
			v.DepList = resolved
		}
		return nil
	}

	for _, lib := range np.Libraries {
		if err := apply(lib.Name, lib.Deps); err != nil {
			return err
		}
	}
	for _, bin := range np.Binaries {
		if err := apply(bin.Name, bin.Deps); err != nil {
			return err
		}
	}
	return nil
}
