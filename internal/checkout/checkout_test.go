package checkout

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clonerr "github.com/NicabarNimble/go-gitclone/internal/errors"
	"github.com/NicabarNimble/go-gitclone/internal/object"
	"github.com/NicabarNimble/go-gitclone/internal/packfile"
	"github.com/NicabarNimble/go-gitclone/internal/packfile/packtest"
	"github.com/NicabarNimble/go-gitclone/internal/storage"
)

func fixtureStore(t *testing.T) (*storage.ObjectStore, *packtest.Fixture) {
	t.Helper()
	fx := packtest.NewFixture()
	store := storage.NewObjectStore(memfs.New())
	_, err := storage.NewPackWriter(store).WriteAll(context.Background(), packfile.NewReader(bytes.NewReader(fx.Pack)))
	require.NoError(t, err)
	return store, fx
}

// fakeObjects serves hand-made objects that need not be content addressed.
type fakeObjects map[object.Hash]fakeObject

type fakeObject struct {
	t       object.Type
	content []byte
}

func (f fakeObjects) Get(h object.Hash) (object.Type, []byte, error) {
	o, ok := f[h]
	if !ok {
		return 0, nil, clonerr.Wrap("store", clonerr.KindObjectIntegrity, storage.ErrObjectNotFound)
	}
	return o.t, o.content, nil
}

func (f fakeObjects) add(t object.Type, content []byte) object.Hash {
	h := object.Compute(t, content)
	f[h] = fakeObject{t: t, content: content}
	return h
}

func TestCheckoutFixture(t *testing.T) {
	store, fx := fixtureStore(t)
	root := t.TempDir()
	worktree := osfs.New(root)
	require.NoError(t, worktree.MkdirAll(".git", 0o755))
	gitDir, err := worktree.Chroot(".git")
	require.NoError(t, err)

	var states []State
	var progress []int
	co := New(store, worktree, gitDir)
	co.OnState = func(s State) { states = append(states, s) }
	co.OnProgress = func(done, total int) { progress = append(progress, done) }

	res, err := co.Run(context.Background(), fx.Main)
	require.NoError(t, err)
	assert.Equal(t, []State{StateWalking, StateWriting, StateDone}, states)
	assert.Equal(t, StateDone, co.State())
	assert.Equal(t, fx.MainTree, res.Tree)
	assert.Equal(t, 4, res.Files)
	assert.Len(t, progress, len(res.Entries))

	for p, want := range fx.MainFiles {
		if p == "link" {
			continue
		}
		got, err := util.ReadFile(worktree, p)
		require.NoError(t, err, p)
		assert.Equal(t, want, string(got), p)
	}

	target, err := worktree.Readlink("link")
	require.NoError(t, err)
	assert.Equal(t, "README.md", target)

	fi, err := os.Stat(root + "/run.sh")
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode().Perm()&0o100, "run.sh is executable")
	fi, err = os.Stat(root + "/README.md")
	require.NoError(t, err)
	assert.Zero(t, fi.Mode().Perm()&0o111)

	index, err := ReadIndex(gitDir)
	require.NoError(t, err)
	var paths []string
	for _, e := range index {
		paths = append(paths, e.Path)
	}
	assert.Equal(t, []string{"README.md", "docs/guide.txt", "link", "run.sh"}, paths)
	assert.Equal(t, object.ModeExecutable, index[3].Mode)
	assert.Equal(t, object.ModeSymlink, index[2].Mode)
	assert.Equal(t, uint32(len("hello\n")), index[0].Size)
}

func TestCheckoutDevBranchInMemory(t *testing.T) {
	store, fx := fixtureStore(t)
	worktree := memfs.New()

	res, err := New(store, worktree, nil).Run(context.Background(), fx.Dev)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Files)

	got, err := util.ReadFile(worktree, "dev.txt")
	require.NoError(t, err)
	assert.Equal(t, fx.DevFiles["dev.txt"], string(got))
	_, err = worktree.Stat("index")
	assert.True(t, os.IsNotExist(err), "no index without a git directory")
}

func TestCheckoutSkip(t *testing.T) {
	store, fx := fixtureStore(t)
	worktree := memfs.New()
	co := New(store, worktree, nil)
	co.Skip()
	assert.Equal(t, StateSkipped, co.State())

	_, err := co.Run(context.Background(), fx.Main)
	assert.ErrorIs(t, err, clonerr.ErrCheckout)
	infos, err := worktree.ReadDir("")
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestCheckoutPeelsTag(t *testing.T) {
	store, fx := fixtureStore(t)
	res, err := New(store, memfs.New(), nil).Run(context.Background(), fx.Tag)
	require.NoError(t, err)
	assert.Equal(t, fx.MainTree, res.Tree)
}

func TestCheckoutDestinationNotEmpty(t *testing.T) {
	store, fx := fixtureStore(t)
	worktree := memfs.New()
	require.NoError(t, util.WriteFile(worktree, "stray.txt", []byte("x"), 0o644))
	require.NoError(t, worktree.MkdirAll(".git", 0o755))

	co := New(store, worktree, nil)
	_, err := co.Run(context.Background(), fx.Main)
	assert.ErrorIs(t, err, clonerr.ErrDestinationNotEmpty)
	assert.Equal(t, StateFailed, co.State())
	_, err = worktree.Stat("README.md")
	assert.True(t, os.IsNotExist(err))
}

// refusingFS fails file creation or directory creation with a permission
// error.
type refusingFS struct {
	billy.Filesystem
	files bool
	dirs  bool
}

func (fs refusingFS) OpenFile(name string, flag int, perm os.FileMode) (billy.File, error) {
	if fs.files && flag&os.O_CREATE != 0 {
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrPermission}
	}
	return fs.Filesystem.OpenFile(name, flag, perm)
}

func (fs refusingFS) MkdirAll(name string, perm os.FileMode) error {
	if fs.dirs {
		return &os.PathError{Op: "mkdir", Path: name, Err: os.ErrPermission}
	}
	return fs.Filesystem.MkdirAll(name, perm)
}

func TestCheckoutWriteRefused(t *testing.T) {
	tests := []struct {
		name     string
		worktree refusingFS
	}{
		{name: "file creation", worktree: refusingFS{Filesystem: memfs.New(), files: true}},
		{name: "directory creation", worktree: refusingFS{Filesystem: memfs.New(), dirs: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, fx := fixtureStore(t)
			co := New(store, tt.worktree, nil)

			_, err := co.Run(context.Background(), fx.Main)
			require.Error(t, err)
			assert.ErrorIs(t, err, clonerr.ErrCheckout)
			assert.ErrorIs(t, err, os.ErrPermission)
			assert.Equal(t, StateFailed, co.State())
		})
	}
}

func TestCheckoutCancelled(t *testing.T) {
	store, fx := fixtureStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(store, memfs.New(), nil).Run(ctx, fx.Main)
	assert.ErrorIs(t, err, clonerr.ErrCancelled)
}

func TestCheckoutGitlink(t *testing.T) {
	objects := fakeObjects{}
	blob := objects.add(object.BlobType, []byte("x\n"))
	sub := object.Compute(object.CommitType, []byte("not fetched"))
	tree := objects.add(object.TreeType, packtest.Tree(
		packtest.TreeEntry{Mode: "100644", Name: "a.txt", Hash: blob},
		packtest.TreeEntry{Mode: "160000", Name: "vendor", Hash: sub},
	))
	commit := objects.add(object.CommitType, packtest.Commit(tree, "with submodule"))

	worktree := memfs.New()
	gitDir := memfs.New()
	_, err := New(objects, worktree, gitDir).Run(context.Background(), commit)
	require.NoError(t, err)

	fi, err := worktree.Stat("vendor")
	require.NoError(t, err)
	assert.True(t, fi.IsDir())

	index, err := ReadIndex(gitDir)
	require.NoError(t, err)
	require.Len(t, index, 2)
	assert.Equal(t, object.ModeSubmodule, index[1].Mode)
	assert.Equal(t, sub, index[1].Hash)
}

func TestWalkRejectsInvalidTrees(t *testing.T) {
	objects := fakeObjects{}
	blob := objects.add(object.BlobType, []byte("data"))
	entry := func(mode, name string, h object.Hash) object.Hash {
		return objects.add(object.TreeType, packtest.Tree(packtest.TreeEntry{Mode: mode, Name: name, Hash: h}))
	}

	// a tree whose only entry is itself
	cyclic := object.Compute(object.TreeType, []byte("cyclic"))
	objects[cyclic] = fakeObject{t: object.TreeType, content: packtest.Tree(packtest.TreeEntry{Mode: "40000", Name: "loop", Hash: cyclic})}

	missing := object.Compute(object.BlobType, []byte("missing"))

	tests := []struct {
		name string
		tree object.Hash
		want string
	}{
		{"git directory", entry("100644", ".git", blob), "reserved"},
		{"git directory any case", entry("40000", ".GIT", blob), "reserved"},
		{"parent directory", entry("100644", "..", blob), "not allowed"},
		{"cycle", cyclic, "contains itself"},
		{"dir pointing at blob", entry("40000", "d", blob), "expected tree"},
		{"missing subtree", entry("40000", "d", missing), "not found"},
		{"root is a blob", blob, "expected tree"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Walk(context.Background(), objects, tt.tree)
			assert.ErrorIs(t, err, clonerr.ErrObjectIntegrity)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestCheckoutBlobMismatch(t *testing.T) {
	objects := fakeObjects{}
	inner := objects.add(object.TreeType, nil)
	tree := objects.add(object.TreeType, packtest.Tree(packtest.TreeEntry{Mode: "100644", Name: "file", Hash: inner}))
	commit := objects.add(object.CommitType, packtest.Commit(tree, "bad"))

	_, err := New(objects, memfs.New(), nil).Run(context.Background(), commit)
	assert.ErrorIs(t, err, clonerr.ErrObjectIntegrity)
}

func TestValidateName(t *testing.T) {
	for _, name := range []string{"README", ".gitignore", "a b", "..."} {
		assert.NoError(t, ValidateName(name), name)
	}
	for _, name := range []string{"", ".", "..", ".git", "a/b", `a\b`, "a\x00b"} {
		assert.Error(t, ValidateName(name), name)
	}
}
