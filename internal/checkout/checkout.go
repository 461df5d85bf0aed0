// Package checkout materializes the tree of a commit into a working
// directory and records it in the index.
//
// A checkout moves through a small state machine. A bare clone, or one made
// without a working tree, is Skipped and stops there. Otherwise the tree of
// the commit is Walking: every reachable entry is collected and validated
// before anything touches the filesystem. Writing then creates the entries,
// and Done is reached once the index has been written.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/sirupsen/logrus"

	clonerr "github.com/NicabarNimble/go-gitclone/internal/errors"
	"github.com/NicabarNimble/go-gitclone/internal/logger"
	"github.com/NicabarNimble/go-gitclone/internal/object"
)

const op = "checkout"

// State is the position of a checkout in its lifecycle.
type State int

const (
	StatePending State = iota
	StateSkipped
	StateWalking
	StateWriting
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSkipped:
		return "skipped"
	case StateWalking:
		return "walking"
	case StateWriting:
		return "writing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ObjectReader is the read side of an object store.
type ObjectReader interface {
	Get(h object.Hash) (object.Type, []byte, error)
}

// Entry is one working tree entry. Directories are listed before their
// contents.
type Entry struct {
	Path string
	Mode object.FileMode
	Hash object.Hash
}

// Result summarizes a finished checkout.
type Result struct {
	Tree    object.Hash
	Entries []Entry
	Files   int
	Bytes   int64
}

// Checkout writes one commit into a worktree. It is used once.
type Checkout struct {
	objects  ObjectReader
	worktree billy.Filesystem
	gitDir   billy.Filesystem

	// OnProgress, when set, is called after each written entry.
	OnProgress func(done, total int)
	// OnState, when set, is called on every state transition.
	OnState func(State)

	state State
	log   *logrus.Entry
}

// New returns a checkout reading from objects and writing into worktree.
// The index is written into gitDir; a nil gitDir skips it.
func New(objects ObjectReader, worktree, gitDir billy.Filesystem) *Checkout {
	return &Checkout{
		objects:  objects,
		worktree: worktree,
		gitDir:   gitDir,
		log:      logger.Log.WithField("stage", op),
	}
}

// State returns the current state.
func (c *Checkout) State() State {
	return c.state
}

func (c *Checkout) transition(s State) {
	c.state = s
	c.log.WithField("state", s).Debug("checkout state")
	if c.OnState != nil {
		c.OnState(s)
	}
}

// Skip marks the checkout as not wanted. It is terminal.
func (c *Checkout) Skip() {
	if c.state == StatePending {
		c.transition(StateSkipped)
	}
}

// Run checks out commit. The worktree must hold nothing but the git
// directory.
func (c *Checkout) Run(ctx context.Context, commit object.Hash) (*Result, error) {
	if c.state != StatePending {
		return nil, clonerr.Errorf(op, clonerr.KindCheckout, "checkout already %s", c.state)
	}

	c.transition(StateWalking)
	tree, err := c.rootTree(commit)
	if err != nil {
		return nil, c.fail(err)
	}
	entries, err := Walk(ctx, c.objects, tree)
	if err != nil {
		return nil, c.fail(err)
	}
	if err := c.ensureEmpty(); err != nil {
		return nil, c.fail(err)
	}

	c.transition(StateWriting)
	res := &Result{Tree: tree, Entries: entries}
	index := make([]IndexEntry, 0, len(entries))
	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, c.fail(clonerr.FromContext(op, err))
		}
		n, err := c.write(e)
		if err != nil {
			return nil, c.fail(err)
		}
		if e.Mode != object.ModeDir {
			res.Files++
			res.Bytes += n
			ie, err := c.indexEntry(e)
			if err != nil {
				return nil, c.fail(err)
			}
			index = append(index, ie)
		}
		if c.OnProgress != nil {
			c.OnProgress(i+1, len(entries))
		}
	}

	if c.gitDir != nil {
		if err := WriteIndex(c.gitDir, index); err != nil {
			return nil, c.fail(clonerr.Wrap(op, clonerr.KindCheckout, err))
		}
	}
	c.transition(StateDone)
	c.log.WithFields(logrus.Fields{"files": res.Files, "bytes": res.Bytes}).Info("checked out working tree")
	return res, nil
}

func (c *Checkout) fail(err error) error {
	c.transition(StateFailed)
	return err
}

// rootTree peels commit (or a tag pointing at one) down to its tree.
func (c *Checkout) rootTree(h object.Hash) (object.Hash, error) {
	for depth := 0; depth < 10; depth++ {
		t, content, err := c.objects.Get(h)
		if err != nil {
			return object.ZeroHash, err
		}
		switch t {
		case object.CommitType:
			commit, err := object.ParseCommit(content)
			if err != nil {
				return object.ZeroHash, clonerr.Wrap(op, clonerr.KindObjectIntegrity, fmt.Errorf("commit %s: %w", h, err))
			}
			return commit.Tree, nil
		case object.TagType:
			tag, err := object.ParseTag(content)
			if err != nil {
				return object.ZeroHash, clonerr.Wrap(op, clonerr.KindObjectIntegrity, fmt.Errorf("tag %s: %w", h, err))
			}
			h = tag.Object
		default:
			return object.ZeroHash, clonerr.Errorf(op, clonerr.KindObjectIntegrity, "%s is a %s, not a commit", h, t)
		}
	}
	return object.ZeroHash, clonerr.Errorf(op, clonerr.KindObjectIntegrity, "tag chain at %s too deep", h)
}

// ensureEmpty rejects a worktree that already has content besides the
// git directory.
func (c *Checkout) ensureEmpty() error {
	infos, err := c.worktree.ReadDir("")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return clonerr.Wrap(op, clonerr.KindCheckout, fmt.Errorf("reading worktree: %w", err))
	}
	for _, fi := range infos {
		if fi.Name() != ".git" {
			return clonerr.Errorf(op, clonerr.KindDestinationNotEmpty,
				"worktree already contains %q", fi.Name())
		}
	}
	return nil
}

func (c *Checkout) write(e Entry) (int64, error) {
	wrap := func(err error) error {
		return clonerr.Wrap(op, clonerr.KindCheckout, fmt.Errorf("%s: %w", e.Path, err))
	}

	switch {
	case e.Mode == object.ModeDir, e.Mode == object.ModeSubmodule:
		if err := c.worktree.MkdirAll(e.Path, 0o755); err != nil {
			return 0, wrap(err)
		}
		return 0, nil

	case e.Mode == object.ModeSymlink:
		target, err := c.blob(e)
		if err != nil {
			return 0, err
		}
		if err := c.worktree.Symlink(string(target), e.Path); err != nil {
			return 0, wrap(err)
		}
		return int64(len(target)), nil

	case e.Mode.IsFile():
		content, err := c.blob(e)
		if err != nil {
			return 0, err
		}
		perm := os.FileMode(0o644)
		if e.Mode == object.ModeExecutable {
			perm = 0o755
		}
		f, err := c.worktree.OpenFile(e.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
		if err != nil {
			return 0, wrap(err)
		}
		n, err := f.Write(content)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return 0, wrap(err)
		}
		return int64(n), nil
	}
	return 0, clonerr.Errorf(op, clonerr.KindObjectIntegrity, "%s: unsupported mode %s", e.Path, e.Mode)
}

func (c *Checkout) blob(e Entry) ([]byte, error) {
	t, content, err := c.objects.Get(e.Hash)
	if err != nil {
		return nil, err
	}
	if t != object.BlobType {
		return nil, clonerr.Errorf(op, clonerr.KindObjectIntegrity, "%s: expected blob %s, found %s", e.Path, e.Hash, t)
	}
	return content, nil
}

func (c *Checkout) indexEntry(e Entry) (IndexEntry, error) {
	ie := IndexEntry{Path: e.Path, Mode: e.Mode, Hash: e.Hash}
	if e.Mode == object.ModeDeprecated {
		ie.Mode = object.ModeRegular
	}
	fi, err := c.worktree.Lstat(e.Path)
	if err != nil {
		return ie, clonerr.Wrap(op, clonerr.KindCheckout, fmt.Errorf("%s: %w", e.Path, err))
	}
	ie.ModTime = fi.ModTime()
	if e.Mode != object.ModeSubmodule {
		ie.Size = uint32(fi.Size())
	}
	fillStat(&ie, fi)
	return ie, nil
}

// Walk lists every entry reachable from tree in checkout order. Entries
// are validated; a tree that contains itself, an invalid name or a mode
// that disagrees with the object type is an ObjectIntegrityError.
func Walk(ctx context.Context, objects ObjectReader, tree object.Hash) ([]Entry, error) {
	w := &walker{ctx: ctx, objects: objects, active: make(map[object.Hash]bool)}
	if err := w.walk(tree, ""); err != nil {
		return nil, err
	}
	return w.entries, nil
}

type walker struct {
	ctx     context.Context
	objects ObjectReader
	active  map[object.Hash]bool
	entries []Entry
}

func (w *walker) walk(tree object.Hash, prefix string) error {
	if err := w.ctx.Err(); err != nil {
		return clonerr.FromContext(op, err)
	}
	if w.active[tree] {
		return clonerr.Errorf(op, clonerr.KindObjectIntegrity, "tree %s at %q contains itself", tree, prefix)
	}
	w.active[tree] = true
	defer delete(w.active, tree)

	t, content, err := w.objects.Get(tree)
	if err != nil {
		return err
	}
	if t != object.TreeType {
		return clonerr.Errorf(op, clonerr.KindObjectIntegrity, "%q: expected tree %s, found %s", prefix, tree, t)
	}
	entries, err := object.ParseTree(content)
	if err != nil {
		return clonerr.Wrap(op, clonerr.KindObjectIntegrity, fmt.Errorf("tree %s: %w", tree, err))
	}

	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if err := ValidateName(e.Name); err != nil {
			return clonerr.Wrap(op, clonerr.KindObjectIntegrity, fmt.Errorf("tree %s: %w", tree, err))
		}
		if seen[e.Name] {
			return clonerr.Errorf(op, clonerr.KindObjectIntegrity, "tree %s: duplicate entry %q", tree, e.Name)
		}
		seen[e.Name] = true

		p := path.Join(prefix, e.Name)
		w.entries = append(w.entries, Entry{Path: p, Mode: e.Mode, Hash: e.Hash})
		if e.Mode == object.ModeDir {
			if err := w.walk(e.Hash, p); err != nil {
				return err
			}
		}
	}
	return nil
}

// ValidateName checks one path component of a tree entry.
func ValidateName(name string) error {
	switch {
	case name == "":
		return errors.New("empty entry name")
	case name == "." || name == "..":
		return fmt.Errorf("entry name %q is not allowed", name)
	case strings.EqualFold(name, ".git"):
		return fmt.Errorf("entry name %q is reserved", name)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("entry name %q contains a path separator", name)
	}
	return nil
}
