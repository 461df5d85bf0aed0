package object

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeMatchesGit(t *testing.T) {
	// `printf 'hello\n' | git hash-object --stdin`
	h := Compute(BlobType, []byte("hello\n"))
	assert.Equal(t, "ce013625030ba8dba906f756967f9e9ca394464a", h.String())

	// the empty tree
	h = Compute(TreeType, nil)
	assert.Equal(t, "4b825dc642cb6eb9a060e54bf8d69288fbee4904", h.String())
}

func TestParseHash(t *testing.T) {
	h, err := ParseHash("ce013625030ba8dba906f756967f9e9ca394464a")
	require.NoError(t, err)
	assert.False(t, h.IsZero())

	_, err = ParseHash("ce0136")
	assert.Error(t, err)

	_, err = ParseHash("zz013625030ba8dba906f756967f9e9ca394464a")
	assert.Error(t, err)

	assert.True(t, ZeroHash.IsZero())
}

func TestHeader(t *testing.T) {
	assert.Equal(t, []byte("blob 6\x00"), Header(BlobType, 6))
	assert.Equal(t, []byte("commit 0\x00"), Header(CommitType, 0))
}

func TestParseType(t *testing.T) {
	for _, typ := range []Type{CommitType, TreeType, BlobType, TagType} {
		got, err := ParseType(typ.String())
		require.NoError(t, err)
		assert.Equal(t, typ, got)
		assert.True(t, typ.Valid())
	}
	_, err := ParseType("ofs-delta")
	assert.Error(t, err)
	assert.True(t, OFSDeltaType.IsDelta())
	assert.False(t, BlobType.IsDelta())
}

func TestParseCommit(t *testing.T) {
	tree := Compute(TreeType, nil)
	parent := Compute(BlobType, []byte("p"))
	raw := "tree " + tree.String() + "\n" +
		"parent " + parent.String() + "\n" +
		"author A <a@example.com> 1700000000 +0000\n" +
		"committer A <a@example.com> 1700000000 +0000\n" +
		"\n" +
		"tree in the message body is ignored\n"

	c, err := ParseCommit([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, tree, c.Tree)
	assert.Equal(t, []Hash{parent}, c.Parents)

	_, err = ParseCommit([]byte("author A <a@example.com> 1 +0000\n\nmsg"))
	assert.Error(t, err)
}

func treeEntry(mode, name string, h Hash) []byte {
	var b bytes.Buffer
	b.WriteString(mode)
	b.WriteByte(' ')
	b.WriteString(name)
	b.WriteByte(0)
	b.Write(h[:])
	return b.Bytes()
}

func TestParseTree(t *testing.T) {
	blob := Compute(BlobType, []byte("hello\n"))
	sub := Compute(TreeType, nil)
	raw := append(treeEntry("100644", "README", blob), treeEntry("40000", "src", sub)...)
	raw = append(raw, treeEntry("100755", "run.sh", blob)...)

	entries, err := ParseTree(raw)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, TreeEntry{Mode: ModeRegular, Name: "README", Hash: blob}, entries[0])
	assert.Equal(t, ModeDir, entries[1].Mode)
	assert.Equal(t, ModeExecutable, entries[2].Mode)
	assert.True(t, entries[2].Mode.IsFile())

	_, err = ParseTree(raw[:len(raw)-3])
	assert.Error(t, err)

	_, err = ParseTree(treeEntry("100600", "x", blob))
	assert.Error(t, err)
}

func TestParseTag(t *testing.T) {
	target := Compute(CommitType, []byte("x"))
	raw := "object " + target.String() + "\ntype commit\ntag v1.0.0\ntagger T <t@example.com> 1 +0000\n\nrelease\n"

	tag, err := ParseTag([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, target, tag.Object)
	assert.Equal(t, CommitType, tag.Type)
	assert.Equal(t, "v1.0.0", tag.Name)

	_, err = ParseTag([]byte("type commit\n"))
	assert.Error(t, err)
}

func TestFileModeString(t *testing.T) {
	assert.Equal(t, "100644", ModeRegular.String())
	assert.Equal(t, "040000", ModeDir.String())
}
