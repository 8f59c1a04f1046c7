package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFileChanged: a brand-new file always reports changed once, then
// unchanged until its contents (and therefore mtime/size) move, and
// changes made while a cache handle is open aren't picked up until
// it's reopened, matching the in-process memoization in changedSet.
func TestFileChanged(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(filePath, nil, 0o644))

	const ctx = "test"

	c, err := Open(filepath.Join(dir, "cache"))
	require.NoError(t, err)

	changed, err := c.FileChanged(filePath, ctx)
	require.NoError(t, err)
	assert.True(t, changed, "a file never seen before must report changed")

	changed, err = c.FileChanged(filePath, ctx)
	require.NoError(t, err)
	assert.False(t, changed, "re-checking the same file in the same process must not report changed again")

	// Advance mtime so the write is observable even on filesystems with
	// coarse mtime resolution.
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.WriteFile(filePath, []byte("test"), 0o644))
	require.NoError(t, os.Chtimes(filePath, future, future))
	require.NoError(t, c.Close())

	c, err = Open(filepath.Join(dir, "cache"))
	require.NoError(t, err)
	changed, err = c.FileChanged(filePath, ctx)
	require.NoError(t, err)
	assert.True(t, changed, "reopening the cache must pick up the file change made while it was closed")

	changed, err = c.FileChanged(filePath, ctx)
	require.NoError(t, err)
	assert.False(t, changed)
	require.NoError(t, c.Close())
}

func TestFileChangedUnknownContextIsNewlyChanged(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(filePath, nil, 0o644))

	c, err := Open(filepath.Join(dir, "cache"))
	require.NoError(t, err)
	defer c.Close()

	changed, err := c.FileChanged(filePath, "context-a")
	require.NoError(t, err)
	assert.True(t, changed)

	// A second, distinct context checking the same unmodified file must
	// also report changed the first time it observes it, since the
	// (context, file) pairing -- not just the file -- is what's tracked.
	changed, err = c.FileChanged(filePath, "context-b")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = c.FileChanged(filePath, "context-b")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestFilesChangedInContext(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for _, name := range []string{"a", "b", "c"} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, nil, 0o644))
		paths = append(paths, p)
	}

	c, err := Open(filepath.Join(dir, "cache"))
	require.NoError(t, err)
	defer c.Close()

	changed, err := c.FilesChangedInContext("ctx", paths)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = c.FilesChangedInContext("ctx", paths)
	require.NoError(t, err)
	assert.False(t, changed)
}

// TestFilesChangedInContextDetectsShrinkingSet: removing a path that a
// context previously observed must report changed even though every
// remaining path is unchanged.
func TestFilesChangedInContextDetectsShrinkingSet(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for _, name := range []string{"a", "b", "c"} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, nil, 0o644))
		paths = append(paths, p)
	}

	c, err := Open(filepath.Join(dir, "cache"))
	require.NoError(t, err)
	defer c.Close()

	changed, err := c.FilesChangedInContext("ctx", paths)
	require.NoError(t, err)
	assert.True(t, changed, "first observation is always a change")

	shrunk := paths[:2]
	changed, err = c.FilesChangedInContext("ctx", shrunk)
	require.NoError(t, err)
	assert.True(t, changed, "dropping a previously-recorded path must report changed")
}

func TestSetAllFilesDropsStaleEntries(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for _, name := range []string{"a", "b", "c"} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, nil, 0o644))
		paths = append(paths, p)
	}

	c, err := Open(filepath.Join(dir, "cache"))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.SetAllFiles(paths, "ctx"))

	changed, err := c.FilesChangedInContext("ctx", paths[:2])
	require.NoError(t, err)
	assert.True(t, changed, "SetAllFiles must have recorded the now-missing third path")

	require.NoError(t, c.SetAllFiles(paths[:2], "ctx"))
	changed, err = c.FilesChangedInContext("ctx", paths[:2])
	require.NoError(t, err)
	assert.False(t, changed, "after SetAllFiles drops the stale entry, the shrunk set itself is stable")
}

func TestAnyRecordedFileChangedWithNoPriorList(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "CMakeLists.txt")
	require.NoError(t, os.WriteFile(p, []byte("a"), 0o644))

	c, err := Open(filepath.Join(dir, "cache"))
	require.NoError(t, err)
	defer c.Close()

	changed, err := c.AnyRecordedFileChanged("cmake:proj")
	require.NoError(t, err)
	assert.False(t, changed, "nothing recorded yet for this context")

	require.NoError(t, c.SetAllFiles([]string{p}, "cmake:proj"))

	changed, err = c.AnyRecordedFileChanged("cmake:proj")
	require.NoError(t, err)
	assert.False(t, changed, "file hasn't changed since SetAllFiles recorded it")

	require.NoError(t, os.WriteFile(p, []byte("bb"), 0o644))
	// This handle has already checked p and memoizes that answer, so
	// reopen the cache (a new run) before asking again.
	require.NoError(t, c.Close())
	c, err = Open(filepath.Join(dir, "cache"))
	require.NoError(t, err)
	defer c.Close()
	changed, err = c.AnyRecordedFileChanged("cmake:proj")
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestStoreGet(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "cache"))
	require.NoError(t, err)
	defer c.Close()

	_, ok, err := c.Get("sdk-path")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Store("sdk-path", "/usr/lib/swift"))
	value, ok, err := c.Get("sdk-path")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "/usr/lib/swift", value)

	require.NoError(t, c.Store("sdk-path", "/usr/lib/swift2"))
	value, ok, err = c.Get("sdk-path")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "/usr/lib/swift2", value)
}

func TestEncodeDecodeFileRecordRoundTrip(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(filePath, []byte("hello"), 0o644))

	rec, err := NewFileRecord(filePath)
	require.NoError(t, err)

	blob := EncodeFileRecord(rec)
	decoded, err := DecodeFileRecord(filePath, blob)
	require.NoError(t, err)

	assert.Equal(t, rec.Size, decoded.Size)
	assert.Equal(t, rec.Ino, decoded.Ino)
	assert.Equal(t, rec.Mode, decoded.Mode)
	assert.Equal(t, rec.UID, decoded.UID)
	assert.Equal(t, rec.GID, decoded.GID)
	assert.Equal(t, rec.CheckID, decoded.CheckID)
	assert.Equal(t, rec.Exists, decoded.Exists)
	assert.True(t, rec.Mtime.Equal(decoded.Mtime))

	_, err = DecodeFileRecord(filePath, blob[:len(blob)-1])
	assert.Error(t, err, "truncated blobs must be refused")
}

// TestFileChangedDetectsDeletionAndRecreation: removing a tracked file
// flips the context to changed exactly once, and re-creating it flips
// it once more. Each phase reopens the cache since deletions made
// while a handle is open are hidden by the in-process memoization,
// same as any other change.
func TestFileChangedDetectsDeletionAndRecreation(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "file")
	cachePath := filepath.Join(dir, "cache")
	require.NoError(t, os.WriteFile(filePath, []byte("a"), 0o644))

	const ctx = "test"

	c, err := Open(cachePath)
	require.NoError(t, err)
	changed, err := c.FileChanged(filePath, ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	require.NoError(t, c.Close())

	require.NoError(t, os.Remove(filePath))

	c, err = Open(cachePath)
	require.NoError(t, err)
	changed, err = c.FileChanged(filePath, ctx)
	require.NoError(t, err)
	assert.True(t, changed, "deletion must register as one change")
	changed, err = c.FileChanged(filePath, ctx)
	require.NoError(t, err)
	assert.False(t, changed, "a still-missing file is not a second change")
	require.NoError(t, c.Close())

	require.NoError(t, os.WriteFile(filePath, []byte("b"), 0o644))

	c, err = Open(cachePath)
	require.NoError(t, err)
	changed, err = c.FileChanged(filePath, ctx)
	require.NoError(t, err)
	assert.True(t, changed, "re-creation must register as one more change")
	require.NoError(t, c.Close())
}
