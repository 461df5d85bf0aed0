package pktline

import (
	"fmt"
	"io"
)

// Side-band channels.
const (
	BandData     = 1
	BandProgress = 2
	BandError    = 3
)

// RemoteError is a fatal message the server sent on the error channel.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "remote error: " + e.Message
}

// Demuxer reads a side-band stream and exposes the data channel as a plain
// io.Reader. Progress messages are passed to the Progress callback, if set.
type Demuxer struct {
	scanner  *Scanner
	progress func([]byte)
	pending  []byte
	err      error
}

// NewDemuxer returns a Demuxer over r.
func NewDemuxer(r io.Reader, progress func([]byte)) *Demuxer {
	return &Demuxer{scanner: NewScanner(r), progress: progress}
}

func (d *Demuxer) Read(p []byte) (int, error) {
	for len(d.pending) == 0 {
		if d.err != nil {
			return 0, d.err
		}
		d.next()
	}
	n := copy(p, d.pending)
	d.pending = d.pending[n:]
	return n, nil
}

func (d *Demuxer) next() {
	if !d.scanner.Scan() {
		if err := d.scanner.Err(); err != nil {
			d.err = err
		} else {
			d.err = io.ErrUnexpectedEOF
		}
		return
	}
	if d.scanner.IsFlush() {
		d.err = io.EOF
		return
	}
	line := d.scanner.Bytes()
	if len(line) == 0 {
		return
	}
	switch line[0] {
	case BandData:
		d.pending = append(d.pending[:0], line[1:]...)
	case BandProgress:
		if d.progress != nil {
			d.progress(line[1:])
		}
	case BandError:
		d.err = &RemoteError{Message: string(trimNewline(line[1:]))}
	default:
		d.err = fmt.Errorf("unknown side-band channel %d", line[0])
	}
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
