// Package cache implements beaver's file-change cache: a small sqlite
// database recording, per file, the metadata last observed for it, and
// per (context, file) pair, the check_id that was current the last time
// that context looked at the file. A context is "changed" with respect
// to a file when the file's current check_id no longer matches the one
// recorded for that context.
//
// The store runs on database/sql with the pure-Go modernc.org/sqlite
// driver, keeping the module free of cgo.
package cache

import (
	"database/sql"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Cache is a handle to one beaver cache database. It is safe for
// concurrent use.
type Cache struct {
	db *sql.DB

	mu         sync.Mutex
	changedSet map[string]struct{}
}

// Open opens (creating if necessary) the cache database at path and
// ensures its schema exists.
func Open(path string) (*Cache, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("cache: creating %s: %w", path, err)
		}
		f.Close()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: opening %s: %w", path, err)
	}
	// sqlite only tolerates a single writer; serialize through one
	// connection rather than fighting SQLITE_BUSY under concurrent
	// target builds.
	db.SetMaxOpenConns(1)

	c := &Cache{db: db, changedSet: make(map[string]struct{})}
	if err := c.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) createSchema() error {
	_, err := c.db.Exec(`
CREATE TABLE IF NOT EXISTS file (
	filename TEXT PRIMARY KEY,
	mtime INTEGER NOT NULL,
	size INTEGER NOT NULL,
	ino INTEGER NOT NULL,
	mode INTEGER NOT NULL,
	uid INTEGER NOT NULL,
	gid INTEGER NOT NULL,
	exists_flag INTEGER NOT NULL DEFAULT 1,
	check_id TEXT NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("cache: creating file table: %w", err)
	}

	_, err = c.db.Exec(`
CREATE TABLE IF NOT EXISTS concrete_file (
	context TEXT PRIMARY KEY,
	filename TEXT NOT NULL,
	check_id TEXT NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("cache: creating concrete_file table: %w", err)
	}

	_, err = c.db.Exec(`
CREATE TABLE IF NOT EXISTS kv (
	name TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("cache: creating kv table: %w", err)
	}
	return nil
}

// Store persists an arbitrary string under name, for use by phase hooks
// and importers that need to remember a value across beaver invocations
// (e.g. the resolved SDK path for a triple).
func (c *Cache) Store(name, value string) error {
	_, err := c.db.Exec(
		`INSERT INTO kv (name, value) VALUES (?, ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value`,
		name, value,
	)
	if err != nil {
		return fmt.Errorf("cache: storing %s: %w", name, err)
	}
	return nil
}

// Get retrieves a value previously saved with Store. The second return
// value is false if name was never stored.
func (c *Cache) Get(name string) (string, bool, error) {
	var value string
	err := c.db.QueryRow(`SELECT value FROM kv WHERE name = ?`, name).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache: getting %s: %w", name, err)
	}
	return value, true, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// FileChanged reports whether filename has changed with respect to
// context since the last time this cache observed that pairing. A file
// never before seen in any context counts as changed.
func (c *Cache) FileChanged(filename, context string) (bool, error) {
	contextKey := context + filename

	checkID, err := c.upsertFileRecord(filename)
	if err != nil {
		return false, err
	}

	var storedCheckID string
	row := c.db.QueryRow(`SELECT check_id FROM concrete_file WHERE context = ?`, contextKey)
	err = row.Scan(&storedCheckID)
	switch {
	case err == sql.ErrNoRows:
		_, err := c.db.Exec(
			`INSERT INTO concrete_file (context, filename, check_id) VALUES (?, ?, ?)`,
			contextKey, filename, checkID.String(),
		)
		if err != nil {
			return false, fmt.Errorf("cache: inserting concrete_file for %s: %w", contextKey, err)
		}
		return true, nil
	case err != nil:
		return false, fmt.Errorf("cache: querying concrete_file for %s: %w", contextKey, err)
	}

	if storedCheckID != checkID.String() {
		_, err := c.db.Exec(`UPDATE concrete_file SET check_id = ? WHERE context = ?`, checkID.String(), contextKey)
		if err != nil {
			return false, fmt.Errorf("cache: updating concrete_file for %s: %w", contextKey, err)
		}
		return true, nil
	}
	return false, nil
}

// FilesChangedInContext reports whether any of paths has changed in
// context, OR whether a path previously recorded for context is now
// absent from paths (a shrinking set, e.g. a source file that was
// deleted): both count as "the context needs to be re-evaluated". It
// compares the full previously-recorded set before recording every
// current path, each of which gets its metadata refreshed at most once
// per process via the changedSet memoization in upsertFileRecord.
func (c *Cache) FilesChangedInContext(context string, paths []string) (bool, error) {
	previous, err := c.filesRecordedForContext(context)
	if err != nil {
		return false, err
	}

	current := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		current[p] = struct{}{}
	}
	shrunk := false
	for p := range previous {
		if _, ok := current[p]; !ok {
			shrunk = true
			break
		}
	}

	any := shrunk
	for _, p := range paths {
		changed, err := c.FileChanged(p, context)
		if err != nil {
			return false, err
		}
		if changed {
			any = true
		}
	}
	return any, nil
}

// AnyRecordedFileChanged reports whether any file previously recorded
// for context has changed on disk, without being given a current file
// list to compare against -- for importers like cmake/meson that don't
// know a project's full input-file set until after they've already run
// the external tool once.
func (c *Cache) AnyRecordedFileChanged(context string) (bool, error) {
	previous, err := c.filesRecordedForContext(context)
	if err != nil {
		return false, err
	}
	for filename := range previous {
		changed, err := c.FileChanged(filename, context)
		if err != nil {
			return false, err
		}
		if changed {
			return true, nil
		}
	}
	return false, nil
}

// filesRecordedForContext returns the set of filenames currently
// recorded against context in concrete_file. Rows are keyed by
// context+filename (see FileChanged), so candidates are narrowed with
// a LIKE prefix match and then confirmed in Go against the exact
// concatenation, to avoid one context's key colliding with another
// context that happens to be a string prefix of it.
func (c *Cache) filesRecordedForContext(context string) (map[string]struct{}, error) {
	rows, err := c.db.Query(`SELECT context, filename FROM concrete_file WHERE context LIKE ? || '%'`, context)
	if err != nil {
		return nil, fmt.Errorf("cache: listing files recorded for context %s: %w", context, err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var contextKey, filename string
		if err := rows.Scan(&contextKey, &filename); err != nil {
			return nil, fmt.Errorf("cache: scanning concrete_file row for context %s: %w", context, err)
		}
		if contextKey != context+filename {
			continue
		}
		out[filename] = struct{}{}
	}
	return out, rows.Err()
}

// SetAllFiles replaces the set of files recorded against context with
// exactly paths, dropping any row for a file no longer in the set.
// Needed by the cmake/meson/spm importers after a full re-configure,
// when a source file removed from the project must stop counting
// toward a future shrinking-set change detection.
func (c *Cache) SetAllFiles(paths []string, context string) error {
	previous, err := c.filesRecordedForContext(context)
	if err != nil {
		return err
	}

	keep := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		keep[p] = struct{}{}
		if _, err := c.FileChanged(p, context); err != nil {
			return err
		}
	}

	for filename := range previous {
		if _, ok := keep[filename]; ok {
			continue
		}
		contextKey := context + filename
		if _, err := c.db.Exec(`DELETE FROM concrete_file WHERE context = ?`, contextKey); err != nil {
			return fmt.Errorf("cache: removing stale concrete_file row for %s: %w", contextKey, err)
		}
	}
	return nil
}

// upsertFileRecord fetches or creates the "file" row for filename,
// refreshing its metadata at most once per process (the changedSet),
// and returns the check_id that should be compared against a context's
// stored value.
func (c *Cache) upsertFileRecord(filename string) (uuid.UUID, error) {
	row := c.db.QueryRow(
		`SELECT mtime, size, ino, mode, uid, gid, exists_flag, check_id FROM file WHERE filename = ?`,
		filename,
	)

	var mtimeNanos int64
	var size, ino int64
	var mode, uidv, gidv, existsFlag int64
	var checkIDStr string
	err := row.Scan(&mtimeNanos, &size, &ino, &mode, &uidv, &gidv, &existsFlag, &checkIDStr)

	if err == sql.ErrNoRows {
		rec, err := NewFileRecord(filename)
		if err != nil {
			return uuid.Nil, err
		}
		c.mu.Lock()
		c.changedSet[filename] = struct{}{}
		c.mu.Unlock()

		_, err = c.db.Exec(
			`INSERT INTO file (filename, mtime, size, ino, mode, uid, gid, exists_flag, check_id) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.Filename, rec.Mtime.UnixNano(), rec.Size, rec.Ino, rec.Mode, rec.UID, rec.GID, boolToInt(rec.Exists), rec.CheckID.String(),
		)
		if err != nil {
			return uuid.Nil, fmt.Errorf("cache: inserting file row for %s: %w", filename, err)
		}
		return rec.CheckID, nil
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("cache: querying file row for %s: %w", filename, err)
	}

	checkID, err := uuid.Parse(checkIDStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("cache: file row for %s has invalid check_id: %w", filename, err)
	}
	rec := FileRecord{
		Filename: filename,
		Size:     uint64(size),
		Ino:      uint64(ino),
		Mode:     uint32(mode),
		UID:      uint32(uidv),
		GID:      uint32(gidv),
		Exists:   existsFlag != 0,
		CheckID:  checkID,
	}
	rec.Mtime = time.Unix(0, mtimeNanos)

	c.mu.Lock()
	_, alreadySeen := c.changedSet[filename]
	c.changedSet[filename] = struct{}{}
	c.mu.Unlock()
	if alreadySeen {
		return rec.CheckID, nil
	}

	changed, err := rec.Refresh()
	if err != nil {
		return uuid.Nil, err
	}
	if !changed {
		return rec.CheckID, nil
	}

	_, err = c.db.Exec(
		`UPDATE file SET mtime = ?, size = ?, ino = ?, mode = ?, uid = ?, gid = ?, exists_flag = ?, check_id = ? WHERE filename = ?`,
		rec.Mtime.UnixNano(), rec.Size, rec.Ino, rec.Mode, rec.UID, rec.GID, boolToInt(rec.Exists), rec.CheckID.String(), filename,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("cache: updating file row for %s: %w", filename, err)
	}
	return rec.CheckID, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
