package packfile

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clonerr "github.com/NicabarNimble/go-gitclone/internal/errors"
	"github.com/NicabarNimble/go-gitclone/internal/object"
	"github.com/NicabarNimble/go-gitclone/internal/packfile/packtest"
)

func readAll(t *testing.T, pack []byte) ([]*Record, *Reader, error) {
	t.Helper()
	r := NewReader(bytes.NewReader(pack))
	var records []*Record
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return records, r, nil
		}
		if err != nil {
			return records, r, err
		}
		records = append(records, rec)
	}
}

func TestReaderWholeObjects(t *testing.T) {
	var b packtest.Builder
	blob := b.Add(object.BlobType, []byte("hello\n"))
	tree := b.Add(object.TreeType, packtest.Tree(packtest.TreeEntry{Mode: "100644", Name: "hello.txt", Hash: blob}))
	b.Add(object.CommitType, packtest.Commit(tree, "initial"))
	b.Add(object.BlobType, bytes.Repeat([]byte("large "), 5000))
	pack := b.Bytes()

	records, r, err := readAll(t, pack)
	require.NoError(t, err)
	require.Len(t, records, 4)

	assert.Equal(t, object.BlobType, records[0].Type)
	assert.Equal(t, []byte("hello\n"), records[0].Data)
	assert.Equal(t, int64(12), records[0].Offset)
	assert.Equal(t, int64(6), records[0].Size)
	assert.Greater(t, records[0].CompressedLength, int64(0))
	assert.Equal(t, object.TreeType, records[1].Type)
	assert.Equal(t, object.CommitType, records[2].Type)
	assert.Len(t, records[3].Data, 30000)

	assert.Equal(t, uint32(4), r.Count())
	assert.Equal(t, int64(len(pack)), r.BytesRead())
	assert.False(t, r.Checksum().IsZero())

	// the sequence is consumed exactly once
	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestReaderDeltas(t *testing.T) {
	base := []byte("package main\n\nfunc main() {}\n")
	target := []byte("package main\n\nfunc main() { println(1) }\n")

	var b packtest.Builder
	baseID := b.Add(object.BlobType, base)
	b.AddOfsDelta(0, packtest.Delta(base, target))
	b.AddRefDelta(baseID, packtest.Delta(base, target))

	records, _, err := readAll(t, b.Bytes())
	require.NoError(t, err)
	require.Len(t, records, 3)

	ofs := records[1]
	assert.Equal(t, object.OFSDeltaType, ofs.Type)
	assert.Equal(t, records[0].Offset, ofs.BaseOffset)
	out, err := ApplyDelta(base, ofs.Data)
	require.NoError(t, err)
	assert.Equal(t, target, out)

	ref := records[2]
	assert.Equal(t, object.REFDeltaType, ref.Type)
	assert.Equal(t, baseID, ref.BaseHash)
}

func TestReaderEmptyPack(t *testing.T) {
	var b packtest.Builder
	records, r, err := readAll(t, b.Bytes())
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, uint32(0), r.Count())
}

func TestReaderCorruption(t *testing.T) {
	var b packtest.Builder
	b.Add(object.BlobType, []byte("first object\n"))
	b.Add(object.BlobType, bytes.Repeat([]byte("second object "), 100))
	pack := b.Bytes()

	badTrailer := append([]byte(nil), pack...)
	badTrailer[len(badTrailer)-1] ^= 0xff

	badSignature := append([]byte(nil), pack...)
	copy(badSignature, "KCAP")

	badVersion := append([]byte(nil), pack...)
	badVersion[7] = 9

	tests := []struct {
		name string
		pack []byte
		kind clonerr.Kind
	}{
		{name: "truncated header", pack: pack[:8], kind: clonerr.KindCorruptPack},
		{name: "truncated mid entry", pack: pack[:40], kind: clonerr.KindCorruptPack},
		{name: "missing trailer", pack: pack[:len(pack)-20], kind: clonerr.KindCorruptPack},
		{name: "short trailer", pack: pack[:len(pack)-5], kind: clonerr.KindCorruptPack},
		{name: "checksum mismatch", pack: badTrailer, kind: clonerr.KindCorruptPack},
		{name: "bad signature", pack: badSignature, kind: clonerr.KindCorruptPack},
		{name: "bad version", pack: badVersion, kind: clonerr.KindCorruptPack},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := readAll(t, tt.pack)
			require.Error(t, err)
			assert.Equal(t, tt.kind, clonerr.KindOf(err), "%v", err)
		})
	}
}

func TestReaderUndecodableEntry(t *testing.T) {
	var b packtest.Builder
	b.Add(object.BlobType, []byte("some content that compresses\n"))
	pack := b.Bytes()

	// flip bits inside the deflate body, keep the stream length
	pack[16] ^= 0xff

	_, _, err := readAll(t, pack)
	require.Error(t, err)
	kind := clonerr.KindOf(err)
	assert.Contains(t, []clonerr.Kind{clonerr.KindObjectIntegrity, clonerr.KindCorruptPack}, kind)
}
