package object

import "fmt"

// Type is an object kind, numbered as in the pack format.
type Type int8

const (
	InvalidType  Type = 0
	CommitType   Type = 1
	TreeType     Type = 2
	BlobType     Type = 3
	TagType      Type = 4
	OFSDeltaType Type = 6
	REFDeltaType Type = 7
)

func (t Type) String() string {
	switch t {
	case CommitType:
		return "commit"
	case TreeType:
		return "tree"
	case BlobType:
		return "blob"
	case TagType:
		return "tag"
	case OFSDeltaType:
		return "ofs-delta"
	case REFDeltaType:
		return "ref-delta"
	}
	return "invalid"
}

// IsDelta reports whether t is one of the two delta encodings.
func (t Type) IsDelta() bool {
	return t == OFSDeltaType || t == REFDeltaType
}

// Valid reports whether t is a concrete, storable object type.
func (t Type) Valid() bool {
	return t >= CommitType && t <= TagType
}

// ParseType parses the textual name found in loose object headers.
func ParseType(s string) (Type, error) {
	switch s {
	case "commit":
		return CommitType, nil
	case "tree":
		return TreeType, nil
	case "blob":
		return BlobType, nil
	case "tag":
		return TagType, nil
	}
	return InvalidType, fmt.Errorf("unknown object type %q", s)
}
