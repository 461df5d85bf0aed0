// Package transporttest serves canned repositories over the git wire
// protocol for tests: smart HTTP through httptest and SSH through an
// in-process x/crypto/ssh server.
package transporttest

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/NicabarNimble/go-gitclone/internal/object"
	"github.com/NicabarNimble/go-gitclone/internal/packfile/packtest"
	"github.com/NicabarNimble/go-gitclone/internal/pktline"
)

// Ref is an advertised ref.
type Ref struct {
	Name   string
	Hash   object.Hash
	Peeled object.Hash
}

// Request records one upload-pack request.
type Request struct {
	Wants        []string
	Capabilities []string
}

// Repo is a canned remote repository. Pack is sent for any valid want
// list.
type Repo struct {
	Refs []Ref
	// Head is the branch HEAD points at, advertised as a symref.
	Head string
	Pack []byte
	// Capabilities replaces the default capability list.
	Capabilities []string
	// FatalError, if set, is sent on the error side-band instead of the pack.
	FatalError string
	// PackDelay holds the response back, for timeout tests.
	PackDelay time.Duration

	mu       sync.Mutex
	requests []Request
}

// DefaultCapabilities is what a stock git server offers.
var DefaultCapabilities = []string{
	"multi_ack", "thin-pack", "side-band", "side-band-64k", "ofs-delta",
	"shallow", "no-progress", "include-tag", "allow-tip-sha1-in-want",
}

// Requests returns the upload-pack requests served so far.
func (r *Repo) Requests() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Request(nil), r.requests...)
}

func (r *Repo) capabilityLine() string {
	caps := r.Capabilities
	if caps == nil {
		caps = DefaultCapabilities
	}
	caps = append([]string(nil), caps...)
	if r.Head != "" {
		caps = append(caps, "symref=HEAD:"+r.Head)
	}
	caps = append(caps, "agent=git/2.43.0")
	return strings.Join(caps, " ")
}

func (r *Repo) sortedRefs() []Ref {
	refs := append([]Ref(nil), r.Refs...)
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	if r.Head != "" {
		for _, ref := range refs {
			if ref.Name == r.Head {
				refs = append([]Ref{{Name: "HEAD", Hash: ref.Hash}}, refs...)
				break
			}
		}
	}
	return refs
}

// WriteAdvertisement writes the ref advertisement.
func (r *Repo) WriteAdvertisement(w io.Writer, smartHTTP bool) error {
	enc := pktline.NewEncoder(w)
	if smartHTTP {
		if err := enc.EncodeString("# service=git-upload-pack\n"); err != nil {
			return err
		}
		if err := enc.Flush(); err != nil {
			return err
		}
	}

	refs := r.sortedRefs()
	if len(refs) == 0 {
		if err := enc.Encodef("%s capabilities^{}\x00%s\n", object.ZeroHash, r.capabilityLine()); err != nil {
			return err
		}
		return enc.Flush()
	}
	for i, ref := range refs {
		var err error
		if i == 0 {
			err = enc.Encodef("%s %s\x00%s\n", ref.Hash, ref.Name, r.capabilityLine())
		} else {
			err = enc.Encodef("%s %s\n", ref.Hash, ref.Name)
		}
		if err != nil {
			return err
		}
		if !ref.Peeled.IsZero() {
			if err := enc.Encodef("%s %s^{}\n", ref.Peeled, ref.Name); err != nil {
				return err
			}
		}
	}
	return enc.Flush()
}

// ServeUploadPack reads a want list from in and writes the response to
// out. A request consisting of a lone flush ends the exchange quietly.
func (r *Repo) ServeUploadPack(ctx context.Context, in io.Reader, out io.Writer) error {
	s := pktline.NewScanner(in)
	var req Request
	for s.Scan() {
		if s.IsFlush() {
			break
		}
		line := s.Text()
		rest, ok := strings.CutPrefix(line, "want ")
		if !ok {
			return fmt.Errorf("unexpected line %q", line)
		}
		fields := strings.Fields(rest)
		if len(req.Wants) == 0 && len(fields) > 1 {
			req.Capabilities = fields[1:]
		}
		req.Wants = append(req.Wants, fields[0])
	}
	if err := s.Err(); err != nil {
		return err
	}
	if len(req.Wants) == 0 {
		return nil
	}
	if !s.Scan() || s.Text() != "done" {
		return fmt.Errorf("expected done, got %q", s.Text())
	}

	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()

	enc := pktline.NewEncoder(out)
	for _, w := range req.Wants {
		if !r.advertises(w) {
			return enc.Encodef("ERR upload-pack: not our ref %s\n", w)
		}
	}

	if r.PackDelay > 0 {
		select {
		case <-time.After(r.PackDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := enc.EncodeString("NAK\n"); err != nil {
		return err
	}

	band := 0
	for _, c := range req.Capabilities {
		switch c {
		case "side-band-64k":
			band = pktline.MaxPayloadSize - 1
		case "side-band":
			if band == 0 {
				band = 999
			}
		}
	}
	if band == 0 {
		_, err := out.Write(r.Pack)
		return err
	}

	if err := enc.Encode(append([]byte{pktline.BandProgress}, "Enumerating objects: done.\n"...)); err != nil {
		return err
	}
	if r.FatalError != "" {
		return enc.Encode(append([]byte{pktline.BandError}, r.FatalError+"\n"...))
	}
	for p := r.Pack; len(p) > 0; {
		n := min(len(p), band)
		if err := enc.Encode(append([]byte{pktline.BandData}, p[:n]...)); err != nil {
			return err
		}
		p = p[n:]
	}
	return enc.Flush()
}

func (r *Repo) advertises(hexID string) bool {
	for _, ref := range r.Refs {
		if ref.Hash.String() == hexID {
			return true
		}
	}
	return false
}

// FromFixture serves the packtest fixture with HEAD on main.
func FromFixture(f *packtest.Fixture) *Repo {
	return &Repo{
		Refs: []Ref{
			{Name: "refs/heads/main", Hash: f.Main},
			{Name: "refs/heads/dev", Hash: f.Dev},
			{Name: "refs/tags/v1.0", Hash: f.Tag, Peeled: f.Main},
		},
		Head: "refs/heads/main",
		Pack: f.Pack,
	}
}
