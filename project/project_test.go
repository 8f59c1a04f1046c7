package project

import (
	"testing"

	"github.com/Jomy10/beaver/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestIDStability: once a project is assigned an id, that
// id never changes, and reassignment is rejected.
func TestIDStability(t *testing.T) {
	p := New("mylib", "/src/mylib", "/src/mylib/build", KindNative)

	_, ok := p.ID()
	assert.False(t, ok)

	require.NoError(t, p.SetID(3))
	id, ok := p.ID()
	require.True(t, ok)
	assert.Equal(t, 3, id)

	err := p.SetID(4)
	assert.Error(t, err)
	id, ok = p.ID()
	require.True(t, ok)
	assert.Equal(t, 3, id, "id must not change after being set once")
}

func TestAddTargetReturnsStableIndex(t *testing.T) {
	p := New("mylib", "/src/mylib", "/src/mylib/build", KindNative)
	require.NoError(t, p.SetID(0))

	lib := target.NewNativeLibrary("mylib", target.LangC, target.NewFiles(nil), target.Flags{}, target.Headers{}, nil, nil, nil)
	idx := p.AddTarget(lib)
	assert.Equal(t, 0, idx)

	exe := &target.NativeExecutable{NameValue: "tool"}
	idx2 := p.AddTarget(exe)
	assert.Equal(t, 1, idx2)

	ref, err := p.DefaultExecutable()
	require.NoError(t, err)
	assert.Equal(t, target.TargetRef{Project: 0, Target: 1}, ref)
}

func TestDefaultExecutableErrors(t *testing.T) {
	p := New("nolib", "/src", "/build", KindNative)
	require.NoError(t, p.SetID(0))
	lib := target.NewNativeLibrary("onlylib", target.LangC, target.NewFiles(nil), target.Flags{}, target.Headers{}, nil, nil, nil)
	p.AddTarget(lib)

	_, err := p.DefaultExecutable()
	assert.Error(t, err)
	var noExec *ErrNoExecutable
	assert.ErrorAs(t, err, &noExec)

	p2 := New("twoexe", "/src", "/build", KindNative)
	require.NoError(t, p2.SetID(1))
	p2.AddTarget(&target.NativeExecutable{NameValue: "a"})
	p2.AddTarget(&target.NativeExecutable{NameValue: "b"})

	_, err = p2.DefaultExecutable()
	assert.Error(t, err)
	var manyExec *ErrManyExecutables
	assert.ErrorAs(t, err, &manyExec)
}
