// Package packfile reads the pack stream a server sends in response to an
// upload-pack request.
//
// A pack is a 12-byte header ("PACK", version, object count), a sequence of
// entries each made of a variable-length type/size header followed by a
// zlib stream, and a trailing SHA-1 of everything that precedes it. Entries
// may be whole objects or deltas against another entry (by pack offset) or
// against another object (by id).
package packfile

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/klauspost/compress/zlib"

	clonerr "github.com/NicabarNimble/go-gitclone/internal/errors"
	"github.com/NicabarNimble/go-gitclone/internal/object"
)

const (
	op = "read-pack"

	headerSize = 12
)

var signature = []byte("PACK")

// Record is one raw entry of a pack. Data is the inflated payload: object
// content for whole objects, delta instructions for deltas.
type Record struct {
	Type             object.Type
	Offset           int64
	Size             int64
	Data             []byte
	CompressedLength int64
	BaseOffset       int64
	BaseHash         object.Hash
}

// Reader yields the records of a pack stream in order. It is a
// single-pass sequence: Next returns io.EOF once the last record has been
// produced and the trailing checksum has been verified.
type Reader struct {
	src      *countingReader
	zr       io.ReadCloser
	version  uint32
	count    uint32
	read     uint32
	started  bool
	done     bool
	checksum object.Hash
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		src: &countingReader{r: bufio.NewReaderSize(r, 64<<10), h: object.NewHasher()},
	}
}

// Header reads and validates the pack header if it has not been read yet
// and returns the pack version and object count.
func (r *Reader) Header() (version, count uint32, err error) {
	if r.started {
		return r.version, r.count, nil
	}
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r.src, hdr[:]); err != nil {
		return 0, 0, corrupt("reading pack header", err)
	}
	if !bytes.Equal(hdr[:4], signature) {
		return 0, 0, clonerr.Errorf(op, clonerr.KindCorruptPack, "bad pack signature %q", hdr[:4])
	}
	r.version = binary.BigEndian.Uint32(hdr[4:8])
	if r.version != 2 && r.version != 3 {
		return 0, 0, clonerr.Errorf(op, clonerr.KindCorruptPack, "unsupported pack version %d", r.version)
	}
	r.count = binary.BigEndian.Uint32(hdr[8:12])
	r.started = true
	return r.version, r.count, nil
}

// Next returns the next record.
func (r *Reader) Next() (*Record, error) {
	if r.done {
		return nil, io.EOF
	}
	if _, _, err := r.Header(); err != nil {
		return nil, err
	}
	if r.read == r.count {
		if err := r.verifyTrailer(); err != nil {
			return nil, err
		}
		r.done = true
		return nil, io.EOF
	}

	rec, err := r.readRecord()
	if err != nil {
		return nil, err
	}
	r.read++
	return rec, nil
}

// Checksum returns the verified pack trailer. It is only meaningful after
// Next has returned io.EOF.
func (r *Reader) Checksum() object.Hash {
	return r.checksum
}

// Count returns the number of objects the pack header announced.
func (r *Reader) Count() uint32 {
	return r.count
}

// BytesRead returns the number of pack bytes consumed so far.
func (r *Reader) BytesRead() int64 {
	return r.src.n
}

func (r *Reader) readRecord() (*Record, error) {
	rec := &Record{Offset: r.src.n}

	typ, size, err := r.readEntryHeader()
	if err != nil {
		return nil, err
	}
	rec.Type = typ
	rec.Size = size

	switch typ {
	case object.OFSDeltaType:
		rel, err := r.readOffset()
		if err != nil {
			return nil, err
		}
		if rel <= 0 || rel > rec.Offset {
			return nil, clonerr.Errorf(op, clonerr.KindCorruptPack,
				"delta at offset %d has invalid base distance %d", rec.Offset, rel)
		}
		rec.BaseOffset = rec.Offset - rel
	case object.REFDeltaType:
		var base [object.HashSize]byte
		if _, err := io.ReadFull(r.src, base[:]); err != nil {
			return nil, corrupt("reading delta base id", err)
		}
		rec.BaseHash = object.Hash(base)
	case object.CommitType, object.TreeType, object.BlobType, object.TagType:
	default:
		return nil, clonerr.Errorf(op, clonerr.KindCorruptPack,
			"invalid object type %d at offset %d", typ, rec.Offset)
	}

	start := r.src.n
	data, err := r.inflate(size)
	if err != nil {
		return nil, fmt.Errorf("entry at offset %d: %w", rec.Offset, err)
	}
	rec.Data = data
	rec.CompressedLength = r.src.n - start
	return rec, nil
}

func (r *Reader) readEntryHeader() (object.Type, int64, error) {
	c, err := r.src.ReadByte()
	if err != nil {
		return 0, 0, corrupt("reading entry header", err)
	}
	typ := object.Type((c >> 4) & 0x07)
	size := int64(c & 0x0f)
	shift := uint(4)
	for c&0x80 != 0 {
		if shift > 57 {
			return 0, 0, clonerr.Errorf(op, clonerr.KindCorruptPack, "entry size overflows")
		}
		if c, err = r.src.ReadByte(); err != nil {
			return 0, 0, corrupt("reading entry header", err)
		}
		size |= int64(c&0x7f) << shift
		shift += 7
	}
	return typ, size, nil
}

func (r *Reader) readOffset() (int64, error) {
	c, err := r.src.ReadByte()
	if err != nil {
		return 0, corrupt("reading delta offset", err)
	}
	off := int64(c & 0x7f)
	for c&0x80 != 0 {
		if off > (1<<55)-1 {
			return 0, clonerr.Errorf(op, clonerr.KindCorruptPack, "delta offset overflows")
		}
		if c, err = r.src.ReadByte(); err != nil {
			return 0, corrupt("reading delta offset", err)
		}
		off = ((off + 1) << 7) | int64(c&0x7f)
	}
	return off, nil
}

func (r *Reader) inflate(size int64) ([]byte, error) {
	if r.zr == nil {
		zr, err := zlib.NewReader(r.src)
		if err != nil {
			return nil, inflateErr(err)
		}
		r.zr = zr
	} else if err := r.zr.(zlib.Resetter).Reset(r.src, nil); err != nil {
		return nil, inflateErr(err)
	}

	buf := bytes.NewBuffer(make([]byte, 0, min(size, 1<<20)))
	n, err := io.Copy(buf, io.LimitReader(r.zr, size+1))
	if err != nil {
		return nil, inflateErr(err)
	}
	if n != size {
		return nil, clonerr.Errorf(op, clonerr.KindObjectIntegrity,
			"inflated %d bytes, header declared %d", n, size)
	}
	return buf.Bytes(), nil
}

func (r *Reader) verifyTrailer() error {
	var want object.Hash
	copy(want[:], r.src.h.Sum(nil))

	var got [object.HashSize]byte
	if _, err := io.ReadFull(r.src.r, got[:]); err != nil {
		return corrupt("reading pack trailer", err)
	}
	if object.Hash(got) != want {
		return clonerr.Errorf(op, clonerr.KindCorruptPack,
			"pack checksum mismatch: trailer %s, computed %s", object.Hash(got), want)
	}
	r.checksum = want
	r.src.n += object.HashSize
	return nil
}

// corrupt classifies a read failure: a stream that ends early is a
// corrupt pack.
func corrupt(what string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return clonerr.Errorf(op, clonerr.KindCorruptPack, "%s: premature end of pack stream", what)
	}
	return clonerr.FromContext(op, fmt.Errorf("%s: %w", what, err))
}

// inflateErr separates truncation from undecodable compressed data.
func inflateErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return corrupt("inflating entry", err)
	}
	if k := clonerr.KindOf(err); k != clonerr.KindUnknown {
		return err
	}
	return clonerr.Wrap(op, clonerr.KindObjectIntegrity, fmt.Errorf("inflating entry: %w", err))
}

// countingReader hashes and counts every byte handed to the pack parser
// or the zlib decompressor. It implements io.ByteReader so the
// decompressor does not buffer past the end of an entry.
type countingReader struct {
	r   *bufio.Reader
	h   hash.Hash
	n   int64
	one [1]byte
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.h.Write(p[:n])
		c.n += int64(n)
	}
	return n, err
}

func (c *countingReader) ReadByte() (byte, error) {
	b, err := c.r.ReadByte()
	if err != nil {
		return 0, err
	}
	c.one[0] = b
	c.h.Write(c.one[:])
	c.n++
	return b, nil
}
