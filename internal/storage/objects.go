package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/klauspost/compress/zlib"

	clonerr "github.com/NicabarNimble/go-gitclone/internal/errors"
	"github.com/NicabarNimble/go-gitclone/internal/object"
)

const (
	objectsDir   = "objects"
	objectPerm   = 0o444
	quarantineNS = "incoming-"
)

// ErrObjectNotFound is wrapped by Get when an id is not stored.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore is a loose-object database rooted at a git directory.
type ObjectStore struct {
	fs billy.Filesystem

	mu         sync.Mutex
	quarantine string
	staged     map[object.Hash]struct{}
}

// NewObjectStore returns a store over fs, which must be rooted at the
// git directory.
func NewObjectStore(fs billy.Filesystem) *ObjectStore {
	return &ObjectStore{fs: fs, staged: make(map[object.Hash]struct{})}
}

// BeginQuarantine directs subsequent writes into a fresh quarantine
// directory until Commit or Abort.
func (s *ObjectStore) BeginQuarantine() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quarantine != "" {
		return fmt.Errorf("quarantine %s already active", s.quarantine)
	}
	if err := s.fs.MkdirAll(objectsDir, 0o755); err != nil {
		return clonerr.Wrap("store", clonerr.KindObjectIntegrity, err)
	}
	for i := 0; ; i++ {
		dir := path.Join(objectsDir, quarantineNS+strconv.Itoa(i))
		if _, err := s.fs.Stat(dir); os.IsNotExist(err) {
			if err := s.fs.MkdirAll(dir, 0o755); err != nil {
				return clonerr.Wrap("store", clonerr.KindObjectIntegrity, err)
			}
			s.quarantine = dir
			return nil
		}
	}
}

// Has reports whether h is stored, including quarantined objects.
func (s *ObjectStore) Has(h object.Hash) bool {
	s.mu.Lock()
	_, ok := s.staged[h]
	s.mu.Unlock()
	if ok {
		return true
	}
	_, err := s.fs.Stat(s.path(objectsDir, h))
	return err == nil
}

// Put stores an object and returns its id. Storing an id that is already
// present is a no-op; written reports whether bytes were written.
func (s *ObjectStore) Put(t object.Type, content []byte) (h object.Hash, written bool, err error) {
	if !t.Valid() {
		return h, false, clonerr.Errorf("store", clonerr.KindObjectIntegrity, "cannot store object of type %s", t)
	}
	h = object.Compute(t, content)
	if s.Has(h) {
		return h, false, nil
	}

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	zw.Write(object.Header(t, int64(len(content))))
	zw.Write(content)
	if err := zw.Close(); err != nil {
		return h, false, clonerr.Wrap("store", clonerr.KindObjectIntegrity, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	root := objectsDir
	if s.quarantine != "" {
		root = s.quarantine
	}
	name := s.path(root, h)
	if err := s.fs.MkdirAll(path.Dir(name), 0o755); err != nil {
		return h, false, clonerr.Wrap("store", clonerr.KindObjectIntegrity, err)
	}
	if err := util.WriteFile(s.fs, name, buf.Bytes(), objectPerm); err != nil {
		return h, false, clonerr.Wrap("store", clonerr.KindObjectIntegrity, fmt.Errorf("writing %s: %w", h, err))
	}
	if s.quarantine != "" {
		s.staged[h] = struct{}{}
	}
	return h, true, nil
}

// Get reads and verifies an object.
func (s *ObjectStore) Get(h object.Hash) (object.Type, []byte, error) {
	name := s.path(objectsDir, h)
	s.mu.Lock()
	if _, ok := s.staged[h]; ok {
		name = s.path(s.quarantine, h)
	}
	s.mu.Unlock()

	raw, err := util.ReadFile(s.fs, name)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil, clonerr.Wrap("store", clonerr.KindObjectIntegrity, fmt.Errorf("%w: %s", ErrObjectNotFound, h))
		}
		return 0, nil, clonerr.Wrap("store", clonerr.KindObjectIntegrity, err)
	}

	t, content, err := decodeLoose(raw)
	if err != nil {
		return 0, nil, clonerr.Wrap("store", clonerr.KindObjectIntegrity, fmt.Errorf("object %s: %w", h, err))
	}
	if got := object.Compute(t, content); got != h {
		return 0, nil, clonerr.Errorf("store", clonerr.KindObjectIntegrity, "object %s hashes to %s", h, got)
	}
	return t, content, nil
}

// Commit promotes quarantined objects into the object database.
func (s *ObjectStore) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quarantine == "" {
		return nil
	}
	for h := range s.staged {
		from, to := s.path(s.quarantine, h), s.path(objectsDir, h)
		if _, err := s.fs.Stat(to); err == nil {
			continue
		}
		if err := s.fs.MkdirAll(path.Dir(to), 0o755); err != nil {
			return clonerr.Wrap("store", clonerr.KindObjectIntegrity, err)
		}
		if err := s.fs.Rename(from, to); err != nil {
			return clonerr.Wrap("store", clonerr.KindObjectIntegrity, fmt.Errorf("promoting %s: %w", h, err))
		}
	}
	if err := util.RemoveAll(s.fs, s.quarantine); err != nil {
		return clonerr.Wrap("store", clonerr.KindObjectIntegrity, err)
	}
	s.quarantine = ""
	s.staged = make(map[object.Hash]struct{})
	return nil
}

// Abort discards quarantined objects.
func (s *ObjectStore) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quarantine == "" {
		return nil
	}
	err := util.RemoveAll(s.fs, s.quarantine)
	s.quarantine = ""
	s.staged = make(map[object.Hash]struct{})
	return err
}

func (s *ObjectStore) path(root string, h object.Hash) string {
	hex := h.String()
	return path.Join(root, hex[:2], hex[2:])
}

func decodeLoose(raw []byte) (object.Type, []byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return 0, nil, err
	}
	defer zr.Close()
	data, err := io.ReadAll(zr)
	if err != nil {
		return 0, nil, err
	}

	nul := bytes.IndexByte(data, 0)
	if nul < 0 {
		return 0, nil, fmt.Errorf("missing header terminator")
	}
	typName, sizeStr, ok := bytes.Cut(data[:nul], []byte{' '})
	if !ok {
		return 0, nil, fmt.Errorf("malformed header %q", data[:nul])
	}
	t, err := object.ParseType(string(typName))
	if err != nil {
		return 0, nil, err
	}
	size, err := strconv.Atoi(string(sizeStr))
	if err != nil {
		return 0, nil, fmt.Errorf("malformed size %q", sizeStr)
	}
	content := data[nul+1:]
	if len(content) != size {
		return 0, nil, fmt.Errorf("header declares %d bytes, found %d", size, len(content))
	}
	return t, content, nil
}
