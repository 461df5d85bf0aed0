package packtest

import (
	"github.com/NicabarNimble/go-gitclone/internal/object"
)

// Fixture is a small two-branch history with an annotated tag:
//
//	main: README.md, run.sh (executable), link -> README.md, docs/guide.txt
//	dev:  main plus dev.txt, stored as a delta against README.md
//	v1.0: annotated tag on main
type Fixture struct {
	Pack    []byte
	Objects int // entries in Pack

	Main     object.Hash // commit at refs/heads/main
	Dev      object.Hash // commit at refs/heads/dev
	Tag      object.Hash // tag object at refs/tags/v1.0
	MainTree object.Hash

	// MainFiles and DevFiles map worktree paths to contents.
	MainFiles map[string]string
	DevFiles  map[string]string
}

// NewFixture builds the fixture pack.
func NewFixture() *Fixture {
	const (
		readme = "hello\n"
		script = "#!/bin/sh\necho hi\n"
		guide  = "guide\n"
		devTxt = "hello\nfrom dev\n"
	)

	var b Builder
	readmeID := b.Add(object.BlobType, []byte(readme))
	scriptID := b.Add(object.BlobType, []byte(script))
	linkID := b.Add(object.BlobType, []byte("README.md"))
	guideID := b.Add(object.BlobType, []byte(guide))
	docsID := b.Add(object.TreeType, Tree(TreeEntry{Mode: "100644", Name: "guide.txt", Hash: guideID}))

	mainEntries := []TreeEntry{
		{Mode: "100644", Name: "README.md", Hash: readmeID},
		{Mode: "100755", Name: "run.sh", Hash: scriptID},
		{Mode: "120000", Name: "link", Hash: linkID},
		{Mode: "40000", Name: "docs", Hash: docsID},
	}
	mainTree := b.Add(object.TreeType, Tree(mainEntries...))
	mainCommit := b.Add(object.CommitType, Commit(mainTree, "initial"))

	b.AddOfsDelta(0, Delta([]byte(readme), []byte(devTxt)))
	devBlob := object.Compute(object.BlobType, []byte(devTxt))
	devTree := b.Add(object.TreeType, Tree(append(mainEntries, TreeEntry{Mode: "100644", Name: "dev.txt", Hash: devBlob})...))
	devCommit := b.Add(object.CommitType, Commit(devTree, "dev work", mainCommit))

	tag := b.Add(object.TagType, AnnotatedTag(mainCommit, "v1.0"))

	mainFiles := map[string]string{
		"README.md":      readme,
		"run.sh":         script,
		"link":           "README.md",
		"docs/guide.txt": guide,
	}
	devFiles := map[string]string{"dev.txt": devTxt}
	for k, v := range mainFiles {
		devFiles[k] = v
	}

	return &Fixture{
		Pack:      b.Bytes(),
		Objects:   b.Len(),
		Main:      mainCommit,
		Dev:       devCommit,
		Tag:       tag,
		MainTree:  mainTree,
		MainFiles: mainFiles,
		DevFiles:  devFiles,
	}
}
