// Package pktline implements the pkt-line framing used by the git wire
// protocol, and the side-band multiplexing carried on top of it.
package pktline

import (
	"errors"
	"fmt"
	"io"
	"strconv"
)

const (
	// MaxPayloadSize is the largest payload a single pkt-line may carry.
	MaxPayloadSize = 65516
	lenSize        = 4
)

var (
	flushPkt = []byte("0000")
	delimPkt = []byte("0001")

	// ErrPayloadTooLong is returned when encoding more than MaxPayloadSize bytes.
	ErrPayloadTooLong = errors.New("pkt-line payload too long")
	// ErrInvalidLength is returned for a malformed length prefix.
	ErrInvalidLength = errors.New("invalid pkt-line length")
)

// Encoder writes pkt-lines.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes each payload as one pkt-line.
func (e *Encoder) Encode(payloads ...[]byte) error {
	for _, p := range payloads {
		if len(p) > MaxPayloadSize {
			return ErrPayloadTooLong
		}
		line := make([]byte, 0, lenSize+len(p))
		line = append(line, fmt.Sprintf("%04x", lenSize+len(p))...)
		line = append(line, p...)
		if _, err := e.w.Write(line); err != nil {
			return err
		}
	}
	return nil
}

// EncodeString writes each string as one pkt-line.
func (e *Encoder) EncodeString(payloads ...string) error {
	for _, p := range payloads {
		if err := e.Encode([]byte(p)); err != nil {
			return err
		}
	}
	return nil
}

// Encodef writes a formatted pkt-line.
func (e *Encoder) Encodef(format string, args ...any) error {
	return e.Encode([]byte(fmt.Sprintf(format, args...)))
}

// Flush writes a flush-pkt.
func (e *Encoder) Flush() error {
	_, err := e.w.Write(flushPkt)
	return err
}

// Delim writes a delim-pkt.
func (e *Encoder) Delim() error {
	_, err := e.w.Write(delimPkt)
	return err
}

// Scanner reads pkt-lines one at a time. It never reads past the end of
// the current pkt-line, so the underlying reader may be handed on to a
// consumer of raw data afterwards.
type Scanner struct {
	r       io.Reader
	hdr     [lenSize]byte
	buf     []byte
	payload []byte
	flush   bool
	delim   bool
	err     error
}

// NewScanner returns a Scanner reading from r.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: r, buf: make([]byte, MaxPayloadSize)}
}

// Scan advances to the next pkt-line. Flush and delim packets are reported
// as lines with an empty payload; see IsFlush and IsDelim.
func (s *Scanner) Scan() bool {
	s.payload, s.flush, s.delim = nil, false, false
	if s.err != nil {
		return false
	}
	if _, err := io.ReadFull(s.r, s.hdr[:]); err != nil {
		if err == io.EOF {
			s.err = io.EOF
		} else {
			s.err = fmt.Errorf("reading pkt-line length: %w", err)
		}
		return false
	}
	n, err := strconv.ParseUint(string(s.hdr[:]), 16, 16)
	if err != nil {
		s.err = fmt.Errorf("%w: %q", ErrInvalidLength, s.hdr[:])
		return false
	}
	switch {
	case n == 0:
		s.flush = true
		return true
	case n == 1:
		s.delim = true
		return true
	case n < lenSize || n > MaxPayloadSize+lenSize:
		s.err = fmt.Errorf("%w: %d", ErrInvalidLength, n)
		return false
	}
	s.payload = s.buf[:n-lenSize]
	if _, err := io.ReadFull(s.r, s.payload); err != nil {
		s.err = fmt.Errorf("reading pkt-line payload: %w", io.ErrUnexpectedEOF)
		return false
	}
	return true
}

// Bytes returns the payload of the current line. The slice is only valid
// until the next call to Scan.
func (s *Scanner) Bytes() []byte {
	return s.payload
}

// Text returns the payload with a single trailing newline removed.
func (s *Scanner) Text() string {
	p := s.payload
	if n := len(p); n > 0 && p[n-1] == '\n' {
		p = p[:n-1]
	}
	return string(p)
}

// IsFlush reports whether the current line is a flush-pkt.
func (s *Scanner) IsFlush() bool {
	return s.flush
}

// IsDelim reports whether the current line is a delim-pkt.
func (s *Scanner) IsDelim() bool {
	return s.delim
}

// Err returns the first non-EOF error encountered.
func (s *Scanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
