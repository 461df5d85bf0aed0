package object

import (
	"bytes"
	"fmt"
	"strconv"
)

// FileMode is the mode recorded for a tree entry.
type FileMode uint32

const (
	ModeDir        FileMode = 0o040000
	ModeRegular    FileMode = 0o100644
	ModeDeprecated FileMode = 0o100664
	ModeExecutable FileMode = 0o100755
	ModeSymlink    FileMode = 0o120000
	ModeSubmodule  FileMode = 0o160000
)

// ParseFileMode parses the octal mode of a tree entry.
func ParseFileMode(s string) (FileMode, error) {
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid file mode %q: %w", s, err)
	}
	m := FileMode(v)
	switch m {
	case ModeDir, ModeRegular, ModeDeprecated, ModeExecutable, ModeSymlink, ModeSubmodule:
		return m, nil
	}
	return 0, fmt.Errorf("unsupported file mode %o", v)
}

// IsFile reports whether m materializes as a regular file.
func (m FileMode) IsFile() bool {
	return m == ModeRegular || m == ModeDeprecated || m == ModeExecutable
}

func (m FileMode) String() string {
	return fmt.Sprintf("%06o", uint32(m))
}

// Commit holds the fields of a commit needed to reach its snapshot.
type Commit struct {
	Tree    Hash
	Parents []Hash
}

// ParseCommit reads the header lines of a commit object.
func ParseCommit(content []byte) (*Commit, error) {
	c := &Commit{}
	haveTree := false
	for len(content) > 0 {
		nl := bytes.IndexByte(content, '\n')
		if nl < 0 {
			nl = len(content)
		}
		line := content[:nl]
		if len(line) == 0 {
			break
		}
		content = content[min(nl+1, len(content)):]

		key, value, ok := bytes.Cut(line, []byte{' '})
		if !ok {
			continue
		}
		switch string(key) {
		case "tree":
			h, err := ParseHash(string(value))
			if err != nil {
				return nil, fmt.Errorf("commit tree: %w", err)
			}
			c.Tree = h
			haveTree = true
		case "parent":
			h, err := ParseHash(string(value))
			if err != nil {
				return nil, fmt.Errorf("commit parent: %w", err)
			}
			c.Parents = append(c.Parents, h)
		}
	}
	if !haveTree {
		return nil, fmt.Errorf("commit has no tree header")
	}
	return c, nil
}

// TreeEntry is one row of a tree object.
type TreeEntry struct {
	Mode FileMode
	Name string
	Hash Hash
}

// ParseTree decodes the binary entry list of a tree object.
func ParseTree(content []byte) ([]TreeEntry, error) {
	var entries []TreeEntry
	for len(content) > 0 {
		sp := bytes.IndexByte(content, ' ')
		if sp < 0 {
			return nil, fmt.Errorf("tree entry missing mode separator")
		}
		mode, err := ParseFileMode(string(content[:sp]))
		if err != nil {
			return nil, err
		}
		content = content[sp+1:]

		nul := bytes.IndexByte(content, 0)
		if nul < 0 {
			return nil, fmt.Errorf("tree entry missing name terminator")
		}
		name := string(content[:nul])
		content = content[nul+1:]

		if len(content) < HashSize {
			return nil, fmt.Errorf("tree entry %q truncated", name)
		}
		h, _ := HashFromBytes(content[:HashSize])
		content = content[HashSize:]

		entries = append(entries, TreeEntry{Mode: mode, Name: name, Hash: h})
	}
	return entries, nil
}

// Tag holds the target of an annotated tag.
type Tag struct {
	Object Hash
	Type   Type
	Name   string
}

// ParseTag reads the header lines of an annotated tag object.
func ParseTag(content []byte) (*Tag, error) {
	t := &Tag{}
	haveObject := false
	for _, line := range bytes.Split(content, []byte{'\n'}) {
		if len(line) == 0 {
			break
		}
		key, value, ok := bytes.Cut(line, []byte{' '})
		if !ok {
			continue
		}
		switch string(key) {
		case "object":
			h, err := ParseHash(string(value))
			if err != nil {
				return nil, fmt.Errorf("tag object: %w", err)
			}
			t.Object = h
			haveObject = true
		case "type":
			typ, err := ParseType(string(value))
			if err != nil {
				return nil, fmt.Errorf("tag type: %w", err)
			}
			t.Type = typ
		case "tag":
			t.Name = string(value)
		}
	}
	if !haveObject {
		return nil, fmt.Errorf("tag has no object header")
	}
	return t, nil
}
