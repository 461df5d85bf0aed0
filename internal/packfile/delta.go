package packfile

import (
	"fmt"

	clonerr "github.com/NicabarNimble/go-gitclone/internal/errors"
)

const maxCopySize = 0x10000

// ApplyDelta reconstructs an object from its base and a delta payload.
func ApplyDelta(base, delta []byte) ([]byte, error) {
	srcSize, delta, err := deltaVarint(delta)
	if err != nil {
		return nil, err
	}
	if srcSize != uint64(len(base)) {
		return nil, deltaErr("base size %d does not match delta source size %d", len(base), srcSize)
	}
	dstSize, delta, err := deltaVarint(delta)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, dstSize)
	for len(delta) > 0 {
		cmd := delta[0]
		delta = delta[1:]

		switch {
		case cmd&0x80 != 0:
			var offset, size uint64
			for i := uint(0); i < 4; i++ {
				if cmd&(1<<i) != 0 {
					if len(delta) == 0 {
						return nil, deltaErr("truncated copy offset")
					}
					offset |= uint64(delta[0]) << (8 * i)
					delta = delta[1:]
				}
			}
			for i := uint(0); i < 3; i++ {
				if cmd&(0x10<<i) != 0 {
					if len(delta) == 0 {
						return nil, deltaErr("truncated copy size")
					}
					size |= uint64(delta[0]) << (8 * i)
					delta = delta[1:]
				}
			}
			if size == 0 {
				size = maxCopySize
			}
			if offset+size > uint64(len(base)) {
				return nil, deltaErr("copy [%d,%d) outside base of %d bytes", offset, offset+size, len(base))
			}
			out = append(out, base[offset:offset+size]...)
		case cmd != 0:
			n := int(cmd)
			if n > len(delta) {
				return nil, deltaErr("truncated insert of %d bytes", n)
			}
			out = append(out, delta[:n]...)
			delta = delta[n:]
		default:
			return nil, deltaErr("reserved delta opcode 0")
		}

		if uint64(len(out)) > dstSize {
			return nil, deltaErr("result exceeds declared size %d", dstSize)
		}
	}

	if uint64(len(out)) != dstSize {
		return nil, deltaErr("result is %d bytes, declared %d", len(out), dstSize)
	}
	return out, nil
}

func deltaVarint(b []byte) (uint64, []byte, error) {
	var v uint64
	var shift uint
	for i, c := range b {
		if shift > 63 {
			break
		}
		v |= uint64(c&0x7f) << shift
		shift += 7
		if c&0x80 == 0 {
			return v, b[i+1:], nil
		}
	}
	return 0, nil, deltaErr("truncated delta size header")
}

func deltaErr(format string, args ...any) error {
	return clonerr.Wrap("resolve-delta", clonerr.KindObjectIntegrity, fmt.Errorf(format, args...))
}
