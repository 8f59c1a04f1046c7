package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jomy10/beaver/beaver"
	"github.com/Jomy10/beaver/optimize"
	"github.com/Jomy10/beaver/target"
	"github.com/Jomy10/beaver/triple"
)

func newTestBeaver(t *testing.T) *beaver.Beaver {
	t.Helper()
	b, err := beaver.New(t.TempDir(), optimize.Debug, triple.Host(), "")
	require.NoError(t, err)
	return b
}

func TestDiscoverFindsFirstCandidate(t *testing.T) {
	dir := t.TempDir()
	_, err := Discover(dir)
	assert.Error(t, err, "empty directory has no project file")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "Beaverfile.toml"), nil, 0o644))
	found, err := Discover(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Beaverfile.toml"), found)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "beaver.toml"), nil, 0o644))
	found, err = Discover(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "beaver.toml"), found, "beaver.toml takes precedence")
}

func TestLoadNativeProject(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "beaver.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[[project]]
name = "p"

[[project.library]]
name = "mylib"
language = "c"
sources = ["src/mylib.c"]
public_headers = ["include"]
artifacts = ["staticlib"]

[[project.binary]]
name = "tool"
language = "c"
sources = ["src/main.c"]
deps = ["mylib", "m"]
`), 0o644))

	b := newTestBeaver(t)
	require.NoError(t, Load(path, b))

	projects := b.Projects()
	require.Len(t, projects, 1)
	p := projects[0]
	assert.Equal(t, "p", p.Name())
	assert.Equal(t, dir, p.BaseDir())

	targets := p.Targets()
	require.Len(t, targets, 2)

	lib, ok := targets[0].(*target.NativeLibrary)
	require.True(t, ok)
	assert.Equal(t, "mylib", lib.NameValue)
	assert.Equal(t, target.LangC, lib.LanguageValue)
	assert.Equal(t, []target.ArtifactKind{target.Staticlib}, lib.ArtifactList)
	assert.Equal(t, []string{"include"}, lib.Headers.Public)

	exe, ok := targets[1].(*target.NativeExecutable)
	require.True(t, ok)
	assert.Equal(t, "tool", exe.NameValue)
	require.Len(t, exe.DepList, 2)

	assert.Equal(t, target.DepLibrary, exe.DepList[0].Kind)
	assert.Equal(t, target.TargetRef{Project: 0, Target: 0}, exe.DepList[0].Library.Target)
	assert.Equal(t, target.Staticlib, exe.DepList[0].Library.Artifact)

	assert.Equal(t, target.DepSystem, exe.DepList[1].Kind)
	assert.Equal(t, "m", exe.DepList[1].System)
}

func TestLoadRejectsUnnamedProject(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "beaver.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[[project]]
[[project.library]]
name = "mylib"
`), 0o644))

	b := newTestBeaver(t)
	assert.Error(t, Load(path, b))
}

func TestLoadRejectsUnknownArtifactKind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "beaver.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[[project]]
name = "p"
[[project.library]]
name = "mylib"
artifacts = ["jar"]
`), 0o644))

	b := newTestBeaver(t)
	assert.Error(t, Load(path, b))
}
