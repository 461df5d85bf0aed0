package storage

import (
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	clonerr "github.com/NicabarNimble/go-gitclone/internal/errors"
	"github.com/NicabarNimble/go-gitclone/internal/object"
)

const (
	refsOp         = "update-refs"
	lockSuffix     = ".lock"
	symrefPrefix   = "ref: "
	maxSymrefDepth = 5
)

// Ref is a local reference. Exactly one of Hash and Target is set.
type Ref struct {
	Name   string
	Hash   object.Hash
	Target string
}

// IsSymbolic reports whether the ref points at another ref.
func (r Ref) IsSymbolic() bool {
	return r.Target != ""
}

func (r Ref) content() []byte {
	if r.IsSymbolic() {
		return []byte(symrefPrefix + r.Target + "\n")
	}
	return []byte(r.Hash.String() + "\n")
}

// RefStore reads and writes loose references under a git directory.
type RefStore struct {
	fs      billy.Filesystem
	objects *ObjectStore
}

// NewRefStore returns a ref store over fs. When objects is non-nil, direct
// refs may only be created for ids present in it.
func NewRefStore(fs billy.Filesystem, objects *ObjectStore) *RefStore {
	return &RefStore{fs: fs, objects: objects}
}

// Read returns the named ref without following symbolic targets.
func (s *RefStore) Read(name string) (Ref, error) {
	data, err := util.ReadFile(s.fs, name)
	if err != nil {
		return Ref{}, clonerr.Wrap(refsOp, clonerr.KindRefUpdate, fmt.Errorf("reading %s: %w", name, err))
	}
	line := strings.TrimSpace(string(data))
	if target, ok := strings.CutPrefix(line, symrefPrefix); ok {
		return Ref{Name: name, Target: strings.TrimSpace(target)}, nil
	}
	h, err := object.ParseHash(line)
	if err != nil {
		return Ref{}, clonerr.Wrap(refsOp, clonerr.KindRefUpdate, fmt.Errorf("ref %s: %w", name, err))
	}
	return Ref{Name: name, Hash: h}, nil
}

// Resolve follows symbolic refs starting at name and returns the id the
// chain ends at.
func (s *RefStore) Resolve(name string) (object.Hash, error) {
	for i := 0; i < maxSymrefDepth; i++ {
		ref, err := s.Read(name)
		if err != nil {
			return object.ZeroHash, err
		}
		if !ref.IsSymbolic() {
			return ref.Hash, nil
		}
		name = ref.Target
	}
	return object.ZeroHash, clonerr.Errorf(refsOp, clonerr.KindRefUpdate, "symbolic ref chain from %s too deep", name)
}

type lockedRef struct {
	ref      Ref
	lock     string
	previous []byte
	existed  bool
	renamed  bool
}

// Update applies all updates or none of them. Every ref is locked first by
// creating <name>.lock exclusively; the locks are then renamed into place.
// If any step fails the refs already renamed are restored and the
// remaining locks removed.
func (s *RefStore) Update(updates []Ref) (err error) {
	seen := make(map[string]bool, len(updates))
	for _, u := range updates {
		if err := s.validate(u); err != nil {
			return err
		}
		if seen[u.Name] {
			return clonerr.Errorf(refsOp, clonerr.KindRefUpdate, "ref %s updated twice", u.Name)
		}
		seen[u.Name] = true
	}

	locked := make([]*lockedRef, 0, len(updates))
	defer func() {
		if err != nil {
			s.rollback(locked)
		}
	}()

	for _, u := range updates {
		l, err := s.lock(u)
		if err != nil {
			return err
		}
		locked = append(locked, l)
	}

	for _, l := range locked {
		if err := s.fs.Rename(l.lock, l.ref.Name); err != nil {
			return clonerr.Wrap(refsOp, clonerr.KindRefUpdate, fmt.Errorf("committing %s: %w", l.ref.Name, err))
		}
		l.renamed = true
	}
	return nil
}

func (s *RefStore) lock(u Ref) (*lockedRef, error) {
	l := &lockedRef{ref: u, lock: u.Name + lockSuffix}
	if prev, err := util.ReadFile(s.fs, u.Name); err == nil {
		l.previous, l.existed = prev, true
	}
	if err := s.fs.MkdirAll(path.Dir(u.Name), 0o755); err != nil {
		return nil, clonerr.Wrap(refsOp, clonerr.KindRefUpdate, err)
	}
	f, err := s.fs.OpenFile(l.lock, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, clonerr.Errorf(refsOp, clonerr.KindRefUpdate, "ref %s is locked by another process", u.Name)
		}
		return nil, clonerr.Wrap(refsOp, clonerr.KindRefUpdate, fmt.Errorf("locking %s: %w", u.Name, err))
	}
	_, werr := f.Write(u.content())
	cerr := f.Close()
	if werr == nil {
		werr = cerr
	}
	if werr != nil {
		s.fs.Remove(l.lock)
		return nil, clonerr.Wrap(refsOp, clonerr.KindRefUpdate, fmt.Errorf("writing %s: %w", u.Name, werr))
	}
	return l, nil
}

func (s *RefStore) rollback(locked []*lockedRef) {
	for _, l := range locked {
		if !l.renamed {
			s.fs.Remove(l.lock)
			continue
		}
		if l.existed {
			util.WriteFile(s.fs, l.ref.Name, l.previous, 0o644)
		} else {
			s.fs.Remove(l.ref.Name)
		}
	}
}

func (s *RefStore) validate(u Ref) error {
	if err := ValidateRefName(u.Name); err != nil {
		return err
	}
	if u.IsSymbolic() {
		if !u.Hash.IsZero() {
			return clonerr.Errorf(refsOp, clonerr.KindRefUpdate, "ref %s has both a target and an id", u.Name)
		}
		return ValidateRefName(u.Target)
	}
	if u.Hash.IsZero() {
		return clonerr.Errorf(refsOp, clonerr.KindRefUpdate, "ref %s has no target", u.Name)
	}
	if s.objects != nil && !s.objects.Has(u.Hash) {
		return clonerr.Errorf(refsOp, clonerr.KindRefUpdate, "ref %s points at missing object %s", u.Name, u.Hash)
	}
	return nil
}

// ValidateRefName checks name against git's ref naming rules. Only HEAD and
// names under refs/ are accepted.
func ValidateRefName(name string) error {
	invalid := func(reason string) error {
		return clonerr.Errorf(refsOp, clonerr.KindRefUpdate, "invalid ref name %q: %s", name, reason)
	}
	if name == "HEAD" {
		return nil
	}
	if !strings.HasPrefix(name, "refs/") {
		return invalid("must be HEAD or start with refs/")
	}
	if strings.Contains(name, "..") || strings.Contains(name, "@{") {
		return invalid("contains a forbidden sequence")
	}
	if strings.HasSuffix(name, "/") || strings.HasSuffix(name, ".") {
		return invalid("bad trailing character")
	}
	for _, c := range name {
		if c < 0x20 || c == 0x7f || strings.ContainsRune(" ~^:?*[\\", c) {
			return invalid(fmt.Sprintf("forbidden character %q", c))
		}
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || strings.HasPrefix(part, ".") || strings.HasSuffix(part, lockSuffix) {
			return invalid(fmt.Sprintf("bad component %q", part))
		}
	}
	return nil
}
