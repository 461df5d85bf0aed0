package checkout

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"github.com/NicabarNimble/go-gitclone/internal/object"
)

const (
	indexFile    = "index"
	indexVersion = 2

	// ctime, mtime (4 words), dev, ino, mode, uid, gid, size, id, flags
	entryFixedSize = 10*4 + object.HashSize + 2
	maxNameLength  = 0xfff
)

var indexSignature = []byte("DIRC")

// IndexEntry is one staged path with the stat data git uses to notice
// worktree changes.
type IndexEntry struct {
	Path    string
	Mode    object.FileMode
	Hash    object.Hash
	Size    uint32
	ModTime time.Time
	Dev     uint32
	Ino     uint32
	UID     uint32
	GID     uint32
}

// WriteIndex writes entries as a version 2 index file in gitDir. The file
// is written under index.lock and renamed into place.
func WriteIndex(gitDir billy.Filesystem, entries []IndexEntry) error {
	var buf bytes.Buffer
	if err := EncodeIndex(&buf, entries); err != nil {
		return err
	}
	lock := indexFile + ".lock"
	f, err := gitDir.OpenFile(lock, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("locking index: %w", err)
	}
	_, err = f.Write(buf.Bytes())
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = gitDir.Rename(lock, indexFile)
	}
	if err != nil {
		gitDir.Remove(lock)
		return fmt.Errorf("writing index: %w", err)
	}
	return nil
}

// EncodeIndex writes the index format: header, entries sorted by path,
// and a trailing SHA-1 over everything before it.
func EncodeIndex(w io.Writer, entries []IndexEntry) error {
	sorted := append([]IndexEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Path == sorted[i-1].Path {
			return fmt.Errorf("duplicate index entry %q", sorted[i].Path)
		}
	}

	h := object.NewHasher()
	bw := bufio.NewWriter(io.MultiWriter(w, h))

	bw.Write(indexSignature)
	binary.Write(bw, binary.BigEndian, uint32(indexVersion))
	binary.Write(bw, binary.BigEndian, uint32(len(sorted)))

	for _, e := range sorted {
		sec, nsec := uint32(e.ModTime.Unix()), uint32(e.ModTime.Nanosecond())
		if e.ModTime.IsZero() {
			sec, nsec = 0, 0
		}
		fields := [10]uint32{
			sec, nsec, // ctime
			sec, nsec, // mtime
			e.Dev, e.Ino,
			uint32(e.Mode),
			e.UID, e.GID,
			e.Size,
		}
		binary.Write(bw, binary.BigEndian, fields)
		bw.Write(e.Hash[:])
		binary.Write(bw, binary.BigEndian, uint16(min(len(e.Path), maxNameLength)))
		bw.WriteString(e.Path)
		pad := 8 - (entryFixedSize+len(e.Path))%8
		bw.Write(make([]byte, pad))
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	_, err := w.Write(h.Sum(nil))
	return err
}

// ReadIndex parses a version 2 index file from gitDir.
func ReadIndex(gitDir billy.Filesystem) ([]IndexEntry, error) {
	raw, err := util.ReadFile(gitDir, indexFile)
	if err != nil {
		return nil, err
	}
	return DecodeIndex(raw)
}

// DecodeIndex parses a version 2 index and verifies its checksum.
func DecodeIndex(raw []byte) ([]IndexEntry, error) {
	if len(raw) < 12+object.HashSize {
		return nil, errors.New("index too short")
	}
	body, trailer := raw[:len(raw)-object.HashSize], raw[len(raw)-object.HashSize:]
	h := object.NewHasher()
	h.Write(body)
	if !bytes.Equal(h.Sum(nil), trailer) {
		return nil, errors.New("index checksum mismatch")
	}
	if !bytes.Equal(body[:4], indexSignature) {
		return nil, fmt.Errorf("bad index signature %q", body[:4])
	}
	if v := binary.BigEndian.Uint32(body[4:8]); v != indexVersion {
		return nil, fmt.Errorf("unsupported index version %d", v)
	}
	count := binary.BigEndian.Uint32(body[8:12])

	entries := make([]IndexEntry, 0, count)
	rest := body[12:]
	for i := uint32(0); i < count; i++ {
		if len(rest) < entryFixedSize {
			return nil, fmt.Errorf("index entry %d truncated", i)
		}
		var f [10]uint32
		for j := range f {
			f[j] = binary.BigEndian.Uint32(rest[j*4:])
		}
		e := IndexEntry{
			ModTime: time.Unix(int64(f[2]), int64(f[3])),
			Dev:     f[4],
			Ino:     f[5],
			Mode:    object.FileMode(f[6]),
			UID:     f[7],
			GID:     f[8],
			Size:    f[9],
		}
		copy(e.Hash[:], rest[40:40+object.HashSize])
		nameLen := int(binary.BigEndian.Uint16(rest[40+object.HashSize:]) & maxNameLength)
		rest = rest[entryFixedSize:]
		if len(rest) < nameLen+1 {
			return nil, fmt.Errorf("index entry %d name truncated", i)
		}
		e.Path = string(rest[:nameLen])
		pad := 8 - (entryFixedSize+nameLen)%8
		if len(rest) < nameLen+pad {
			return nil, fmt.Errorf("index entry %d padding truncated", i)
		}
		rest = rest[nameLen+pad:]
		entries = append(entries, e)
	}
	return entries, nil
}
