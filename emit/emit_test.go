package emit

import (
	"strings"
	"testing"

	"github.com/Jomy10/beaver/optimize"
	"github.com/Jomy10/beaver/project"
	"github.com/Jomy10/beaver/target"
	"github.com/Jomy10/beaver/tools"
	"github.com/Jomy10/beaver/triple"
	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeResolver resolves TargetRefs against a fixed list of projects,
// used so emit tests don't need a real beaver root context.
type fakeResolver struct {
	projects []*project.Project
}

func (r *fakeResolver) Resolve(ref target.TargetRef) (target.ProjectInfo, target.Target, error) {
	p := r.projects[ref.Project]
	return p, p.Targets()[ref.Target], nil
}

func testEnv(r target.Resolver) Env {
	return Env{
		Resolver:   r,
		Triple:     triple.Host(),
		Mode:       optimize.Debug,
		CCPath:     "/usr/bin/cc",
		CXXPath:    "/usr/bin/c++",
		ARPath:     "/usr/bin/ar",
		CCVersion:  tools.CompilerVersion{Family: tools.Clang},
		NinjaPath:  "/usr/bin/ninja",
		MesonPath:  "/usr/bin/meson",
		SwiftPath:  "/usr/bin/swift",
		MkfifoPath: "/usr/bin/mkfifo",
		NetcatPath: "/usr/bin/nc",
		CatPath:    "/bin/cat",
		TestPath:   "/bin/test",
	}
}

// TestEmitLibraryAndExecutable covers the plain C shape: a library
// `mylib` with one source and a public header dir, and an executable
// `tool` depending on it via Staticlib.
func TestEmitLibraryAndExecutable(t *testing.T) {
	p := project.New("p", "/src/p", "/src/p/build", project.KindNative)
	require.NoError(t, p.SetID(0))

	lib := target.NewNativeLibrary(
		"mylib", target.LangC,
		target.NewFiles(fakeGlobber{"src/mylib.c": {"src/mylib.c"}}, "src/mylib.c"),
		target.Flags{}, target.Headers{Public: []string{"include"}},
		nil, []target.ArtifactKind{target.Staticlib}, nil,
	)
	libIdx := p.AddTarget(lib)

	exe := &target.NativeExecutable{
		NameValue:     "tool",
		LanguageValue: target.LangC,
		Sources:       target.NewFiles(fakeGlobber{"src/main.c": {"src/main.c"}}, "src/main.c"),
		DepList: []target.Dependency{
			{Library: target.LibraryTargetDependency{Target: target.TargetRef{Project: 0, Target: libIdx}, Artifact: target.Staticlib}},
		},
	}
	p.AddTarget(exe)

	resolver := &fakeResolver{projects: []*project.Project{p}}
	b := NewBuilder()
	phony, err := EmitProject(b, p, testEnv(resolver))
	require.NoError(t, err)
	assert.Equal(t, "p", phony)

	out := b.String()
	assert.Contains(t, out, "build ")
	assert.Contains(t, out, "rule cc")
	assert.Contains(t, out, "rule ar")
	assert.Contains(t, out, "rule link")
	assert.Contains(t, out, ": ar")
	assert.Contains(t, out, ": link")
	assert.Contains(t, out, "p$:mylib$:staticlib")
	assert.Contains(t, out, "p$:mylib")
	assert.Contains(t, out, "p$:tool$:exe")
	assert.Contains(t, out, "p$:tool")
	assert.Contains(t, out, "build p: phony")
	assert.Contains(t, out, "-Iinclude")
}

// TestCXXConsumedByC: a C++ static library consumed by a C executable
// must pick up -lstdc++ on the link line, after the archive itself.
func TestCXXConsumedByC(t *testing.T) {
	p := project.New("p", "/src/p", "/src/p/build", project.KindNative)
	require.NoError(t, p.SetID(0))

	cppLib := target.NewNativeLibrary(
		"cpp_lib", target.LangCXX,
		target.NewFiles(fakeGlobber{"src/lib.cc": {"src/lib.cc"}}, "src/lib.cc"),
		target.Flags{}, target.Headers{},
		nil, []target.ArtifactKind{target.Staticlib}, nil,
	)
	libIdx := p.AddTarget(cppLib)

	cProg := &target.NativeExecutable{
		NameValue:     "c_prog",
		LanguageValue: target.LangC,
		Sources:       target.NewFiles(fakeGlobber{"src/main.c": {"src/main.c"}}, "src/main.c"),
		DepList: []target.Dependency{
			{Library: target.LibraryTargetDependency{Target: target.TargetRef{Project: 0, Target: libIdx}, Artifact: target.Staticlib}},
		},
	}
	p.AddTarget(cProg)

	resolver := &fakeResolver{projects: []*project.Project{p}}
	b := NewBuilder()
	_, err := EmitProject(b, p, testEnv(resolver))
	require.NoError(t, err)

	out := b.String()
	linkLine := extractLinkerFlagsForOutput(out, "c_prog")
	require.NotEmpty(t, linkLine, "expected to find c_prog's link step linkerFlags option")
	assert.Contains(t, linkLine, "-lstdc++")
	staticArchiveIdx := strings.Index(linkLine, "libcpp_lib")
	stdcxxIdx := strings.Index(linkLine, "-lstdc++")
	if staticArchiveIdx >= 0 {
		assert.Less(t, staticArchiveIdx, stdcxxIdx, "-lstdc++ must come after the static library reference")
	}
}

// extractLinkerFlagsForOutput scans the emitted text for the build step
// whose output path contains name and returns its linkerFlags option
// value line.
func extractLinkerFlagsForOutput(text, name string) string {
	lines := strings.Split(text, "\n")
	inStep := false
	for _, line := range lines {
		if strings.HasPrefix(line, "build ") && strings.Contains(line, name) && strings.Contains(line, ": link") {
			inStep = true
			continue
		}
		if inStep {
			trimmed := strings.TrimSpace(line)
			if strings.HasPrefix(trimmed, "linkerFlags = ") {
				return strings.TrimPrefix(trimmed, "linkerFlags = ")
			}
			if !strings.HasPrefix(line, "  ") {
				inStep = false
			}
		}
	}
	return ""
}

// TestCargoWorkspace: a Cargo-imported project with a library and a
// binary emits one cargo step per target, one workspace-wide step, and
// artifact phonies under target/<mode>.
func TestCargoWorkspace(t *testing.T) {
	p := project.New("ws", "/src/ws", "/src/ws", project.KindCargo)
	require.NoError(t, p.SetID(0))

	foo := &target.ForeignLibrary{
		NameValue:    "foo",
		System:       target.ForeignCargo,
		PackageName:  "foo",
		ArtifactList: []target.ArtifactKind{target.RustLib},
	}
	p.AddTarget(foo)

	bar := &target.ForeignExecutable{
		NameValue:   "bar",
		System:      target.ForeignCargo,
		PackageName: "bar",
	}
	p.AddTarget(bar)

	resolver := &fakeResolver{projects: []*project.Project{p}}
	env := testEnv(resolver)
	env.CargoPath = "/usr/bin/cargo"
	b := NewBuilder()
	_, err := EmitProject(b, p, env)
	require.NoError(t, err)

	out := b.String()
	assert.Contains(t, out, "rule cargo")
	assert.Contains(t, out, "rule cargo_workspace")
	assert.Contains(t, out, "cargo build -p $target")
	assert.Contains(t, out, "cargo build --workspace")
	assert.Contains(t, out, "ws$:workspace")
	assert.Contains(t, out, "ws$:foo")
	assert.Contains(t, out, "ws$:bar")
	assert.Contains(t, out, "libfoo.rlib")
	assert.Contains(t, out, "bar")
}

// TestCMakeForeignEmission: a cmake-imported target's build step is a
// sub-ninja run in the foreign build dir (the importer configures with
// -G Ninja, which exposes each cmake target's name as a phony), and
// its artifact phony points at the pre-resolved artifact path.
func TestCMakeForeignEmission(t *testing.T) {
	p := project.New("ext", "/src/ext", "/src/ext-build", project.KindCMake)
	require.NoError(t, p.SetID(0))

	p.AddTarget(&target.ForeignLibrary{
		NameValue:    "zstd",
		System:       target.ForeignCMake,
		PackageName:  "zstd::@6890427a1f51a3e7e1df",
		ArtifactList: []target.ArtifactKind{target.Staticlib},
		ArtifactPath: "/src/ext-build/lib/libzstd.a",
	})

	resolver := &fakeResolver{projects: []*project.Project{p}}
	b := NewBuilder()
	_, err := EmitProject(b, p, testEnv(resolver))
	require.NoError(t, err)

	out := b.String()
	assert.Contains(t, out, "rule cmake")
	assert.Contains(t, out, "cd $buildDir && /usr/bin/ninja $buildArgs $target")
	assert.Contains(t, out, "buildDir = /src/ext-build")
	assert.Contains(t, out, "target = zstd")
	assert.Contains(t, out, "ext$:zstd$:staticlib")
	assert.Contains(t, out, "libzstd.a")
}

// TestMesonForeignEmission: meson targets rebuild through
// `meson compile <target>` in the foreign build dir.
func TestMesonForeignEmission(t *testing.T) {
	p := project.New("mlib", "/src/mlib", "/src/mlib/build/debug", project.KindMeson)
	require.NoError(t, p.SetID(0))

	p.AddTarget(&target.ForeignLibrary{
		NameValue:    "mlib",
		System:       target.ForeignMeson,
		PackageName:  "25abcd@@mlib@sta",
		ArtifactList: []target.ArtifactKind{target.Staticlib},
		ArtifactPath: "/src/mlib/build/debug/libmlib.a",
	})

	resolver := &fakeResolver{projects: []*project.Project{p}}
	b := NewBuilder()
	_, err := EmitProject(b, p, testEnv(resolver))
	require.NoError(t, err)

	out := b.String()
	assert.Contains(t, out, "rule meson")
	assert.Contains(t, out, "cd $buildDir && /usr/bin/meson $buildArgs $target")
	assert.Contains(t, out, "buildArgs = compile")
	assert.Contains(t, out, "buildDir = /src/mlib/build/debug")
	assert.Contains(t, out, "target = mlib")
}

// TestSwiftPMForeignEmission: swiftpm products rebuild through
// `swift build --product <name>` run against the package dir, not
// beaver's scratch dir for the import.
func TestSwiftPMForeignEmission(t *testing.T) {
	p := project.New("pkg", "/src/pkg", "/b/external/abc123", project.KindSwiftPM)
	require.NoError(t, p.SetID(0))

	p.AddTarget(&target.ForeignExecutable{
		NameValue:    "tool",
		System:       target.ForeignSwiftPM,
		PackageName:  "tool",
		ArtifactPath: "/b/external/abc123/release/tool",
	})

	resolver := &fakeResolver{projects: []*project.Project{p}}
	b := NewBuilder()
	_, err := EmitProject(b, p, testEnv(resolver))
	require.NoError(t, err)

	out := b.String()
	assert.Contains(t, out, "rule spm")
	assert.Contains(t, out, "cd $buildDir && /usr/bin/swift $buildArgs $target")
	assert.Contains(t, out, "buildArgs = build --product")
	assert.Contains(t, out, "buildDir = /src/pkg")
	assert.Contains(t, out, "target = tool")
}

// TestReleaseClang18Flags: Release mode with a detected Clang 18
// compiler must add -ffat-lto-objects alongside -O3/-flto/-DNDEBUG.
func TestReleaseClang18Flags(t *testing.T) {
	p := project.New("p", "/src/p", "/src/p/build", project.KindNative)
	require.NoError(t, p.SetID(0))

	lib := target.NewNativeLibrary(
		"mylib", target.LangC,
		target.NewFiles(fakeGlobber{"src/mylib.c": {"src/mylib.c"}}, "src/mylib.c"),
		target.Flags{}, target.Headers{},
		nil, []target.ArtifactKind{target.Dynlib}, nil,
	)
	p.AddTarget(lib)

	resolver := &fakeResolver{projects: []*project.Project{p}}
	env := testEnv(resolver)
	env.Mode = optimize.Release
	v, err := semver.NewVersion("18.1.0")
	require.NoError(t, err)
	env.CCVersion = tools.CompilerVersion{Family: tools.Clang, Version: v}

	b := NewBuilder()
	_, err = EmitProject(b, p, env)
	require.NoError(t, err)

	out := b.String()
	assert.Contains(t, out, "-O3")
	assert.Contains(t, out, "-flto")
	assert.Contains(t, out, "-DNDEBUG")
	assert.Contains(t, out, "-ffat-lto-objects")
}

// TestPhonyGrouping: every target's artifacts are reachable via
// "<project>:<target>:<artifact>", the target itself via
// "<project>:<target>", and the whole project via "<project>".
func TestPhonyGrouping(t *testing.T) {
	p := project.New("proj", "/src/proj", "/src/proj/build", project.KindNative)
	require.NoError(t, p.SetID(0))

	lib := target.NewNativeLibrary(
		"mylib", target.LangC,
		target.NewFiles(fakeGlobber{"src/mylib.c": {"src/mylib.c"}}, "src/mylib.c"),
		target.Flags{}, target.Headers{},
		nil, []target.ArtifactKind{target.Dynlib, target.Staticlib}, nil,
	)
	p.AddTarget(lib)

	resolver := &fakeResolver{projects: []*project.Project{p}}
	b := NewBuilder()
	phony, err := EmitProject(b, p, testEnv(resolver))
	require.NoError(t, err)
	assert.Equal(t, "proj", phony)

	out := b.String()
	for _, want := range []string{
		"proj$:mylib$:dynlib",
		"proj$:mylib$:staticlib",
		"proj$:mylib",
		"build proj: phony",
	} {
		assert.Contains(t, out, want)
	}
}

// TestCustomTargetEmitsCoordinationFragment checks the emitted shell
// fragment for a custom target: it must mkfifo a response pipe, send
// "build <project>:<target> <pipe>" over the coordination socket, and
// gate success on the pipe's reply.
func TestCustomTargetEmitsCoordinationFragment(t *testing.T) {
	p := project.New("p", "/src/p", "/src/p/build", project.KindNative)
	require.NoError(t, p.SetID(0))

	gen := &target.CustomLibrary{
		NameValue: "gen",
		Outputs:   map[target.ArtifactKind]string{target.Staticlib: "/src/p/build/gen/libgen.a"},
		Build:     func() error { return nil },
	}
	p.AddTarget(gen)

	resolver := &fakeResolver{projects: []*project.Project{p}}
	b := NewBuilder()
	_, err := EmitProject(b, p, testEnv(resolver))
	require.NoError(t, err)

	out := b.String()
	assert.Contains(t, out, "rule custom")
	assert.Contains(t, out, "/usr/bin/mkfifo")
	assert.Contains(t, out, `echo "build 0:0`)
	assert.Contains(t, out, `-U "$$BEAVER_SOCKET"`)
	assert.Contains(t, out, "-eq 0")
	assert.Contains(t, out, "p$:gen$:staticlib")
	assert.Contains(t, out, "p$:gen")
}

// TestOverlappingCustomArtifactPathsRejected pins the emission-time
// check: two custom targets may not claim the same artifact path.
func TestOverlappingCustomArtifactPathsRejected(t *testing.T) {
	p := project.New("p", "/src/p", "/src/p/build", project.KindNative)
	require.NoError(t, p.SetID(0))

	p.AddTarget(&target.CustomLibrary{
		NameValue: "a",
		Outputs:   map[target.ArtifactKind]string{target.Staticlib: "/src/p/build/out.a"},
	})
	p.AddTarget(&target.CustomLibrary{
		NameValue: "b",
		Outputs:   map[target.ArtifactKind]string{target.Staticlib: "/src/p/build/out.a"},
	})

	resolver := &fakeResolver{projects: []*project.Project{p}}
	b := NewBuilder()
	_, err := EmitProject(b, p, testEnv(resolver))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "both declare artifact")
}

// fakeGlobber returns a fixed file list per pattern, bypassing the
// filesystem so emit tests don't need real source trees on disk.
type fakeGlobber map[string][]string

func (g fakeGlobber) Glob(baseDir, pattern string) ([]string, error) {
	return g[pattern], nil
}
