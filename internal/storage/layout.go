package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/gofrs/flock"

	clonerr "github.com/NicabarNimble/go-gitclone/internal/errors"
)

// GitDirName is the git directory of a non-bare repository.
const GitDirName = ".git"

// Layout locates a repository on disk.
type Layout struct {
	Root   string // destination directory
	GitDir string // Root itself for bare repositories
	Bare   bool
}

// NewLayout returns the layout of a repository cloned into dest.
func NewLayout(dest string, bare bool) Layout {
	l := Layout{Root: dest, GitDir: dest, Bare: bare}
	if !bare {
		l.GitDir = filepath.Join(dest, GitDirName)
	}
	return l
}

// OpenLayout inspects an existing repository at path.
func OpenLayout(path string) (Layout, error) {
	if fi, err := os.Stat(filepath.Join(path, GitDirName)); err == nil && fi.IsDir() {
		return NewLayout(path, false), nil
	}
	if _, err := os.Stat(filepath.Join(path, "HEAD")); err == nil {
		return NewLayout(path, true), nil
	}
	return Layout{}, fmt.Errorf("%s is not a git repository", path)
}

// GitFS returns a filesystem rooted at the git directory.
func (l Layout) GitFS() billy.Filesystem {
	return osfs.New(l.GitDir)
}

// WorktreeFS returns a filesystem rooted at the working tree.
func (l Layout) WorktreeFS() billy.Filesystem {
	return osfs.New(l.Root)
}

// InitRepository creates the skeleton of an empty git directory. HEAD is
// not written; it is created with the other refs once objects are stored.
func InitRepository(fs billy.Filesystem) error {
	for _, dir := range []string{"objects/info", "objects/pack", "refs/heads", "refs/tags", "info"} {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return clonerr.Wrap("init", clonerr.KindRefUpdate, err)
		}
	}
	desc := []byte("Unnamed repository; edit this file 'description' to name the repository.\n")
	if err := util.WriteFile(fs, "description", desc, 0o644); err != nil {
		return clonerr.Wrap("init", clonerr.KindRefUpdate, err)
	}
	return nil
}

// PrepareDestination makes sure dest is an empty directory. created reports
// whether the directory did not exist before, which decides how a failed
// clone is cleaned up.
func PrepareDestination(dest string) (created bool, err error) {
	fi, err := os.Stat(dest)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return false, clonerr.Wrap("prepare", clonerr.KindDestinationNotEmpty, err)
		}
		return true, nil
	case err != nil:
		return false, clonerr.Wrap("prepare", clonerr.KindDestinationNotEmpty, err)
	case !fi.IsDir():
		return false, clonerr.Errorf("prepare", clonerr.KindDestinationNotEmpty, "%s exists and is not a directory", dest)
	}

	entries, err := os.ReadDir(dest)
	if err != nil {
		return false, clonerr.Wrap("prepare", clonerr.KindDestinationNotEmpty, err)
	}
	if len(entries) > 0 {
		return false, clonerr.Errorf("prepare", clonerr.KindDestinationNotEmpty, "%s already exists and is not empty", dest)
	}
	return false, nil
}

// Cleanup undoes PrepareDestination and everything written since.
// Missing parents of dest that PrepareDestination or AcquireLock created
// are kept.
func Cleanup(dest string, created bool) error {
	if created {
		return os.RemoveAll(dest)
	}
	entries, err := os.ReadDir(dest)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dest, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Lock is an exclusive advisory lock on a clone destination, held in a
// sibling file named <dest>.lock.
type Lock struct {
	fl *flock.Flock
}

// LockPath returns the lock file used for dest.
func LockPath(dest string) string {
	return filepath.Clean(dest) + ".lock"
}

// maxLockAttempts bounds how often AcquireLock retries after locking a
// lock file that was replaced under it.
const maxLockAttempts = 5

// AcquireLock locks dest. With a zero wait it fails immediately if another
// process holds the lock; otherwise it retries until wait elapses or ctx
// ends. Contention is reported as a LockContentionError.
//
// Parent directories of dest created here are left in place.
func AcquireLock(ctx context.Context, dest string, wait time.Duration) (*Lock, error) {
	p := LockPath(dest)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, clonerr.Wrap("lock", clonerr.KindLockContention, err)
	}

	for range maxLockAttempts {
		fl := flock.New(p)
		locked, err := tryLock(ctx, fl, wait)
		if err != nil {
			return nil, err
		}
		if !locked {
			return nil, clonerr.Errorf("lock", clonerr.KindLockContention, "%s is locked by another clone", dest)
		}
		// A previous holder may have removed the file between our open and
		// our lock; the lock is only valid on the file the path names now.
		if lockIsCurrent(fl) {
			return &Lock{fl: fl}, nil
		}
		_ = fl.Close()
	}
	return nil, clonerr.Errorf("lock", clonerr.KindLockContention, "lock file for %s keeps changing", dest)
}

func tryLock(ctx context.Context, fl *flock.Flock, wait time.Duration) (bool, error) {
	if wait <= 0 {
		locked, err := fl.TryLock()
		if err != nil {
			return false, clonerr.Wrap("lock", clonerr.KindLockContention, err)
		}
		return locked, nil
	}
	lctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	locked, err := fl.TryLockContext(lctx, 50*time.Millisecond)
	switch {
	case err == nil:
		return locked, nil
	case ctx.Err() != nil:
		return false, clonerr.FromContext("lock", ctx.Err())
	case lctx.Err() != nil:
		return false, nil
	default:
		return false, clonerr.Wrap("lock", clonerr.KindLockContention, err)
	}
}

// lockIsCurrent reports whether the file fl holds is still the one at its
// path.
func lockIsCurrent(fl *flock.Flock) bool {
	held, err := fl.Stat()
	if err != nil {
		return false
	}
	onDisk, err := os.Stat(fl.Path())
	if err != nil {
		return false
	}
	return os.SameFile(held, onDisk)
}

// Release removes the lock file while still holding it, then unlocks.
// A lock file that was replaced by someone else is left alone.
func (l *Lock) Release() error {
	if lockIsCurrent(l.fl) {
		if err := os.Remove(l.fl.Path()); err != nil && !os.IsNotExist(err) {
			_ = l.fl.Unlock()
			return err
		}
	}
	return l.fl.Unlock()
}
