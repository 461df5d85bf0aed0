// Package packtest builds pack streams and canonical objects for tests.
package packtest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/klauspost/compress/zlib"

	"github.com/NicabarNimble/go-gitclone/internal/object"
)

type entry struct {
	typ       object.Type
	data      []byte
	baseIndex int
	baseHash  object.Hash
}

// Builder accumulates pack entries.
type Builder struct {
	entries []entry
}

// Add appends a whole object and returns its id.
func (b *Builder) Add(t object.Type, content []byte) object.Hash {
	b.entries = append(b.entries, entry{typ: t, data: content})
	return object.Compute(t, content)
}

// AddOfsDelta appends a delta against the entry at baseIndex.
func (b *Builder) AddOfsDelta(baseIndex int, delta []byte) {
	b.entries = append(b.entries, entry{typ: object.OFSDeltaType, data: delta, baseIndex: baseIndex})
}

// AddRefDelta appends a delta against the object with the given id.
func (b *Builder) AddRefDelta(base object.Hash, delta []byte) {
	b.entries = append(b.entries, entry{typ: object.REFDeltaType, data: delta, baseHash: base})
}

// Len returns the number of entries added so far.
func (b *Builder) Len() int {
	return len(b.entries)
}

// Bytes encodes the pack including its trailing checksum.
func (b *Builder) Bytes() []byte {
	var buf bytes.Buffer
	buf.WriteString("PACK")
	binary.Write(&buf, binary.BigEndian, uint32(2))
	binary.Write(&buf, binary.BigEndian, uint32(len(b.entries)))

	offsets := make([]int64, len(b.entries))
	for i, e := range b.entries {
		offsets[i] = int64(buf.Len())
		writeEntryHeader(&buf, e.typ, int64(len(e.data)))
		switch e.typ {
		case object.OFSDeltaType:
			writeOffset(&buf, offsets[i]-offsets[e.baseIndex])
		case object.REFDeltaType:
			buf.Write(e.baseHash[:])
		}
		zw := zlib.NewWriter(&buf)
		zw.Write(e.data)
		zw.Close()
	}

	h := object.NewHasher()
	h.Write(buf.Bytes())
	buf.Write(h.Sum(nil))
	return buf.Bytes()
}

func writeEntryHeader(buf *bytes.Buffer, t object.Type, size int64) {
	c := byte(t)<<4 | byte(size&0x0f)
	size >>= 4
	for size > 0 {
		buf.WriteByte(c | 0x80)
		c = byte(size & 0x7f)
		size >>= 7
	}
	buf.WriteByte(c)
}

func writeOffset(buf *bytes.Buffer, off int64) {
	var tmp [10]byte
	i := len(tmp) - 1
	tmp[i] = byte(off & 0x7f)
	for off >>= 7; off > 0; off >>= 7 {
		off--
		i--
		tmp[i] = 0x80 | byte(off&0x7f)
	}
	buf.Write(tmp[i:])
}

// Delta encodes target as a copy of the longest common prefix with base
// followed by literal inserts.
func Delta(base, target []byte) []byte {
	var buf bytes.Buffer
	writeVarint(&buf, uint64(len(base)))
	writeVarint(&buf, uint64(len(target)))

	prefix := 0
	for prefix < len(base) && prefix < len(target) && base[prefix] == target[prefix] {
		prefix++
	}
	for off := 0; off < prefix; {
		n := min(prefix-off, 0xffff)
		buf.WriteByte(0x80 | 0x0f | 0x30)
		buf.WriteByte(byte(off))
		buf.WriteByte(byte(off >> 8))
		buf.WriteByte(byte(off >> 16))
		buf.WriteByte(byte(off >> 24))
		buf.WriteByte(byte(n))
		buf.WriteByte(byte(n >> 8))
		off += n
	}
	rest := target[prefix:]
	for len(rest) > 0 {
		n := min(len(rest), 0x7f)
		buf.WriteByte(byte(n))
		buf.Write(rest[:n])
		rest = rest[n:]
	}
	return buf.Bytes()
}

func writeVarint(buf *bytes.Buffer, v uint64) {
	for v >= 0x80 {
		buf.WriteByte(byte(v) | 0x80)
		v >>= 7
	}
	buf.WriteByte(byte(v))
}

// TreeEntry describes one row for Tree.
type TreeEntry struct {
	Mode string
	Name string
	Hash object.Hash
}

// Tree encodes a tree object, sorting entries the way git does.
func Tree(entries ...TreeEntry) []byte {
	sorted := append([]TreeEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		return sortKey(sorted[i]) < sortKey(sorted[j])
	})
	var buf bytes.Buffer
	for _, e := range sorted {
		fmt.Fprintf(&buf, "%s %s\x00", e.Mode, e.Name)
		buf.Write(e.Hash[:])
	}
	return buf.Bytes()
}

func sortKey(e TreeEntry) string {
	if e.Mode == "40000" {
		return e.Name + "/"
	}
	return e.Name
}

// Commit encodes a commit object with fixed identity and timestamp.
func Commit(tree object.Hash, message string, parents ...object.Hash) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", tree)
	for _, p := range parents {
		fmt.Fprintf(&buf, "parent %s\n", p)
	}
	buf.WriteString("author Test <test@example.com> 1700000000 +0000\n")
	buf.WriteString("committer Test <test@example.com> 1700000000 +0000\n\n")
	buf.WriteString(message)
	buf.WriteString("\n")
	return buf.Bytes()
}

// AnnotatedTag encodes an annotated tag pointing at a commit.
func AnnotatedTag(target object.Hash, name string) []byte {
	return []byte(fmt.Sprintf("object %s\ntype commit\ntag %s\ntagger Test <test@example.com> 1700000000 +0000\n\n%s\n",
		target, name, name))
}
