package transport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	clonerr "github.com/NicabarNimble/go-gitclone/internal/errors"
	"github.com/NicabarNimble/go-gitclone/internal/object"
	"github.com/NicabarNimble/go-gitclone/internal/pktline"
)

// UploadPackRequest is the want list of a fresh clone. A clone has no
// objects, so it sends no haves and finishes with "done" right away.
type UploadPackRequest struct {
	Wants        []object.Hash
	Capabilities []string
}

// Encode writes the request in pkt-line form.
func (r *UploadPackRequest) Encode(w io.Writer) error {
	if len(r.Wants) == 0 {
		return errors.New("upload-pack request without wants")
	}
	enc := pktline.NewEncoder(w)
	for i, h := range r.Wants {
		var err error
		if i == 0 && len(r.Capabilities) > 0 {
			err = enc.Encodef("want %s %s\n", h, strings.Join(r.Capabilities, " "))
		} else {
			err = enc.Encodef("want %s\n", h)
		}
		if err != nil {
			return err
		}
	}
	if err := enc.Flush(); err != nil {
		return err
	}
	return enc.EncodeString("done\n")
}

// Bytes returns the encoded request.
func (r *UploadPackRequest) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := r.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SideBand reports whether the response will be multiplexed.
func (r *UploadPackRequest) SideBand() bool {
	return usesSideBand(r.Capabilities)
}

// PackStream returns the pack data of an upload-pack response. The
// server acknowledges "done" with a single NAK, after which the pack
// follows either raw or multiplexed over side-band channels.
func PackStream(resp io.Reader, sideBand bool, progress func([]byte)) (io.Reader, error) {
	s := pktline.NewScanner(resp)
	for {
		if !s.Scan() {
			err := s.Err()
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return nil, clonerr.Wrap("read-pack", clonerr.KindCorruptPack, fmt.Errorf("reading negotiation response: %w", err))
		}
		if s.IsFlush() {
			continue
		}
		line := s.Text()
		switch {
		case line == "NAK", strings.HasPrefix(line, "ACK "):
		case strings.HasPrefix(line, "ERR "):
			return nil, clonerr.Wrap(negotiateOp, clonerr.KindTransport, &pktline.RemoteError{Message: strings.TrimPrefix(line, "ERR ")})
		default:
			return nil, clonerr.Errorf(negotiateOp, clonerr.KindTransport, "unexpected negotiation response %q", line)
		}
		break
	}
	if sideBand {
		return remoteErrorReader{r: pktline.NewDemuxer(resp, progress)}, nil
	}
	return resp, nil
}

// remoteErrorReader reports a fatal side-band message as a transport
// failure rather than a damaged pack.
type remoteErrorReader struct {
	r io.Reader
}

func (r remoteErrorReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	var remote *pktline.RemoteError
	if errors.As(err, &remote) {
		err = clonerr.Wrap("read-pack", clonerr.KindTransport, remote)
	}
	return n, err
}
