package cache

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// FileRecord mirrors one row of the "file" table: the filesystem metadata
// beaver tracked the last time it looked at a path, plus a check_id token
// that is re-rolled whenever that metadata changes.
type FileRecord struct {
	Filename string
	Mtime    time.Time
	Size     uint64
	Ino      uint64
	Mode     uint32
	UID      uint32
	GID      uint32
	// Exists distinguishes "the file is gone" from "never looked":
	// deletion flips it (and rolls CheckID) exactly once, so contexts
	// observe one change for a removal and another for a re-creation.
	Exists  bool
	CheckID uuid.UUID
}

// NewFileRecord stats filename and builds a fresh record with a new
// check_id. A missing file produces a record with Exists unset rather
// than an error.
func NewFileRecord(filename string) (FileRecord, error) {
	fi, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return FileRecord{Filename: filename, CheckID: uuid.New()}, nil
	}
	if err != nil {
		return FileRecord{}, fmt.Errorf("cache: stat %s: %w", filename, err)
	}
	var st unix.Stat_t
	if err := unix.Stat(filename, &st); err != nil {
		return FileRecord{}, fmt.Errorf("cache: stat %s: %w", filename, err)
	}
	return FileRecord{
		Filename: filename,
		Mtime:    fi.ModTime(),
		Size:     uint64(fi.Size()),
		Ino:      st.Ino,
		Mode:     uint32(st.Mode),
		UID:      st.Uid,
		GID:      st.Gid,
		Exists:   true,
		CheckID:  uuid.New(),
	}, nil
}

// Refresh re-stats the record's file and reports whether any tracked
// metadata field differs from what's stored, updating the record in
// place and rolling CheckID when something changed.
func (r *FileRecord) Refresh() (changed bool, err error) {
	fi, err := os.Stat(r.Filename)
	if os.IsNotExist(err) {
		if !r.Exists {
			return false, nil
		}
		r.Exists = false
		r.CheckID = uuid.New()
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache: stat %s: %w", r.Filename, err)
	}
	var st unix.Stat_t
	if err := unix.Stat(r.Filename, &st); err != nil {
		return false, fmt.Errorf("cache: stat %s: %w", r.Filename, err)
	}

	if !r.Exists {
		r.Exists = true
		changed = true
	}
	if !fi.ModTime().Equal(r.Mtime) {
		r.Mtime = fi.ModTime()
		changed = true
	}
	if uint64(fi.Size()) != r.Size {
		r.Size = uint64(fi.Size())
		changed = true
	}
	if st.Ino != r.Ino {
		r.Ino = st.Ino
		changed = true
	}
	if uint32(st.Mode) != r.Mode {
		r.Mode = uint32(st.Mode)
		changed = true
	}
	if st.Uid != r.UID {
		r.UID = st.Uid
		changed = true
	}
	if st.Gid != r.GID {
		r.GID = st.Gid
		changed = true
	}

	if changed {
		r.CheckID = uuid.New()
	}
	return changed, nil
}

// Packed-binary layout, alternative to the relational table for callers
// that want a single self-contained blob per file (e.g. embedding a
// record in a larger index file). Both encodings cover the same
// FileRecord rather than running two storage engines.
const recordLayoutVersion = 1

// EncodeFileRecord packs r into a fixed-layout binary blob: a version
// byte followed by mtime (unix nanos), size, ino, mode, uid, gid, the
// 16-byte check_id and a one-byte existence flag, all little-endian.
// The filename is not included: in the relational cache it is the row
// key, and packed-format callers are expected to key the blob the same
// way.
func EncodeFileRecord(r FileRecord) []byte {
	buf := make([]byte, 1+8+8+8+4+4+4+16+1)
	i := 0
	buf[i] = recordLayoutVersion
	i++
	binary.LittleEndian.PutUint64(buf[i:], uint64(r.Mtime.UnixNano()))
	i += 8
	binary.LittleEndian.PutUint64(buf[i:], r.Size)
	i += 8
	binary.LittleEndian.PutUint64(buf[i:], r.Ino)
	i += 8
	binary.LittleEndian.PutUint32(buf[i:], r.Mode)
	i += 4
	binary.LittleEndian.PutUint32(buf[i:], r.UID)
	i += 4
	binary.LittleEndian.PutUint32(buf[i:], r.GID)
	i += 4
	checkIDBytes, _ := r.CheckID.MarshalBinary()
	copy(buf[i:], checkIDBytes)
	i += 16
	if r.Exists {
		buf[i] = 1
	}
	return buf
}

// DecodeFileRecord is the inverse of EncodeFileRecord, refusing
// buffers of unexpected length. filename is supplied by the caller
// since it isn't part of the encoded blob.
func DecodeFileRecord(filename string, buf []byte) (FileRecord, error) {
	const want = 1 + 8 + 8 + 8 + 4 + 4 + 4 + 16 + 1
	if len(buf) != want {
		return FileRecord{}, fmt.Errorf("cache: packed file record has %d bytes, want %d", len(buf), want)
	}
	if buf[0] != recordLayoutVersion {
		return FileRecord{}, fmt.Errorf("cache: packed file record has layout version %d, want %d", buf[0], recordLayoutVersion)
	}
	i := 1
	mtimeNanos := int64(binary.LittleEndian.Uint64(buf[i:]))
	i += 8
	size := binary.LittleEndian.Uint64(buf[i:])
	i += 8
	ino := binary.LittleEndian.Uint64(buf[i:])
	i += 8
	mode := binary.LittleEndian.Uint32(buf[i:])
	i += 4
	uid := binary.LittleEndian.Uint32(buf[i:])
	i += 4
	gid := binary.LittleEndian.Uint32(buf[i:])
	i += 4
	checkID, err := uuid.FromBytes(buf[i : i+16])
	if err != nil {
		return FileRecord{}, fmt.Errorf("cache: packed file record has invalid check_id: %w", err)
	}
	i += 16

	return FileRecord{
		Filename: filename,
		Mtime:    time.Unix(0, mtimeNanos),
		Size:     size,
		Ino:      ino,
		Mode:     mode,
		UID:      uid,
		GID:      gid,
		Exists:   buf[i] == 1,
		CheckID:  checkID,
	}, nil
}
