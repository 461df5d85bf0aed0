package object

import (
	"encoding/hex"
	"fmt"
	"hash"
	"strconv"

	"github.com/pjbgf/sha1cd"
)

// HashSize is the length in bytes of a SHA-1 object identifier.
const HashSize = 20

// Hash identifies an object by content.
type Hash [HashSize]byte

// ZeroHash is the all-zero identifier used by the protocol for "no object".
var ZeroHash Hash

// ParseHash parses a 40-character hexadecimal identifier.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != HashSize*2 {
		return h, fmt.Errorf("invalid object id %q: want %d hex characters", s, HashSize*2)
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, fmt.Errorf("invalid object id %q: %w", s, err)
	}
	return h, nil
}

// HashFromBytes copies a raw 20-byte identifier.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("invalid raw object id length %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is ZeroHash.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// NewHasher returns the collision-detecting SHA-1 used for object ids,
// pack trailers and index checksums.
func NewHasher() hash.Hash {
	return sha1cd.New()
}

// Compute returns the identifier of an object of type t with the given content.
func Compute(t Type, content []byte) Hash {
	hr := NewHasher()
	hr.Write(Header(t, int64(len(content))))
	hr.Write(content)
	var h Hash
	copy(h[:], hr.Sum(nil))
	return h
}

// Header returns the canonical "<type> <size>\x00" prefix.
func Header(t Type, size int64) []byte {
	b := make([]byte, 0, 32)
	b = append(b, t.String()...)
	b = append(b, ' ')
	b = strconv.AppendInt(b, size, 10)
	return append(b, 0)
}
