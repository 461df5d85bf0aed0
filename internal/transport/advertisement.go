package transport

import (
	"fmt"
	"io"
	"strings"

	clonerr "github.com/NicabarNimble/go-gitclone/internal/errors"
	"github.com/NicabarNimble/go-gitclone/internal/object"
	"github.com/NicabarNimble/go-gitclone/internal/pktline"
)

const (
	negotiateOp = "negotiate"

	headsPrefix  = "refs/heads/"
	tagsPrefix   = "refs/tags/"
	peeledSuffix = "^{}"
	noRefsName   = "capabilities^{}"
)

// Ref is one entry of a ref advertisement. Peeled is set for annotated
// tags when the server advertised the object the tag points at.
type Ref struct {
	Name   string
	Hash   object.Hash
	Peeled object.Hash
}

// ShortName returns the branch or tag name without its namespace.
func (r Ref) ShortName() string {
	if name, ok := strings.CutPrefix(r.Name, headsPrefix); ok {
		return name
	}
	if name, ok := strings.CutPrefix(r.Name, tagsPrefix); ok {
		return name
	}
	return r.Name
}

// Advertisement is the ref listing a server sends before negotiation.
type Advertisement struct {
	Refs         []Ref
	Capabilities *Capabilities
	index        map[string]int
}

// Lookup returns the advertised ref with the given full name.
func (a *Advertisement) Lookup(name string) (Ref, bool) {
	i, ok := a.index[name]
	if !ok {
		return Ref{}, false
	}
	return a.Refs[i], true
}

// Branches returns the advertised refs/heads/* entries in server order.
func (a *Advertisement) Branches() []Ref {
	return a.withPrefix(headsPrefix)
}

// Tags returns the advertised refs/tags/* entries in server order.
func (a *Advertisement) Tags() []Ref {
	return a.withPrefix(tagsPrefix)
}

func (a *Advertisement) withPrefix(prefix string) []Ref {
	var out []Ref
	for _, r := range a.Refs {
		if strings.HasPrefix(r.Name, prefix) {
			out = append(out, r)
		}
	}
	return out
}

// HeadTarget returns the branch the remote HEAD points at. It uses the
// symref capability when present and otherwise guesses from the branches
// sharing HEAD's id, preferring main and master.
func (a *Advertisement) HeadTarget() string {
	if target, ok := a.Capabilities.Symrefs()["HEAD"]; ok {
		return target
	}
	head, ok := a.Lookup("HEAD")
	if !ok {
		return ""
	}
	var candidates []string
	for _, b := range a.Branches() {
		if b.Hash == head.Hash {
			candidates = append(candidates, b.Name)
		}
	}
	for _, preferred := range []string{headsPrefix + "main", headsPrefix + "master"} {
		for _, c := range candidates {
			if c == preferred {
				return c
			}
		}
	}
	if len(candidates) > 0 {
		return candidates[0]
	}
	return ""
}

// IsEmpty reports whether the remote has no refs.
func (a *Advertisement) IsEmpty() bool {
	return len(a.Refs) == 0
}

// ParseAdvertisement reads a version 0 ref advertisement. Smart HTTP
// responses start with a "# service=" announcement that SSH omits.
func ParseAdvertisement(r io.Reader, smartHTTP bool) (*Advertisement, error) {
	s := pktline.NewScanner(r)

	if smartHTTP {
		if !s.Scan() {
			return nil, advertErr(s.Err(), "missing service announcement")
		}
		if got := s.Text(); got != "# service=git-upload-pack" {
			return nil, clonerr.Errorf(negotiateOp, clonerr.KindTransport, "unexpected service announcement %q", got)
		}
		// the announcement is followed by a flush
		if !s.Scan() || !s.IsFlush() {
			return nil, advertErr(s.Err(), "missing flush after service announcement")
		}
	}

	adv := &Advertisement{index: make(map[string]int)}
	first := true
	for s.Scan() {
		if s.IsFlush() {
			if adv.Capabilities == nil {
				adv.Capabilities = ParseCapabilities("")
			}
			return adv, nil
		}
		line := s.Text()
		if first && strings.HasPrefix(line, "version ") {
			if line != "version 1" {
				return nil, clonerr.Errorf(negotiateOp, clonerr.KindTransport, "unsupported protocol %q", line)
			}
			continue
		}
		if msg, ok := strings.CutPrefix(line, "ERR "); ok {
			return nil, clonerr.Wrap(negotiateOp, clonerr.KindTransport, &pktline.RemoteError{Message: msg})
		}
		if first {
			ref, caps, _ := strings.Cut(line, "\x00")
			adv.Capabilities = ParseCapabilities(caps)
			line = ref
			first = false
		}
		if err := adv.addLine(line); err != nil {
			return nil, err
		}
	}
	return nil, advertErr(s.Err(), "advertisement ended without flush")
}

func (a *Advertisement) addLine(line string) error {
	hashStr, name, ok := strings.Cut(line, " ")
	if !ok {
		return clonerr.Errorf(negotiateOp, clonerr.KindTransport, "malformed ref line %q", line)
	}
	h, err := object.ParseHash(hashStr)
	if err != nil {
		return clonerr.Wrap(negotiateOp, clonerr.KindTransport, err)
	}
	if name == noRefsName && h.IsZero() {
		return nil
	}
	if base, ok := strings.CutSuffix(name, peeledSuffix); ok {
		i, known := a.index[base]
		if !known {
			return clonerr.Errorf(negotiateOp, clonerr.KindTransport, "peeled entry for unadvertised ref %s", base)
		}
		a.Refs[i].Peeled = h
		return nil
	}
	if _, dup := a.index[name]; dup {
		return clonerr.Errorf(negotiateOp, clonerr.KindTransport, "ref %s advertised twice", name)
	}
	a.index[name] = len(a.Refs)
	a.Refs = append(a.Refs, Ref{Name: name, Hash: h})
	return nil
}

func advertErr(err error, what string) error {
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return clonerr.FromContext(negotiateOp, clonerr.Transient(negotiateOp, fmt.Errorf("reading ref advertisement: %s: %w", what, err)))
}
