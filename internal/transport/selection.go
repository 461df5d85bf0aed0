package transport

import (
	"sort"
	"strings"

	clonerr "github.com/NicabarNimble/go-gitclone/internal/errors"
	"github.com/NicabarNimble/go-gitclone/internal/object"
)

// Selection describes which branches a clone fetches.
type Selection struct {
	// Primary is the branch checked out and tracked locally.
	Primary string
	// Branches is the explicit branch set. Ignored when All is set.
	Branches []string
	All      bool
	// Tags fetches every advertised tag when All is set. With an explicit
	// branch set only tags the server includes alongside the pack are kept.
	Tags bool
}

// Selected is the outcome of ref selection.
type Selected struct {
	Primary Ref
	// Branches is exactly the selected set, sorted by name. The primary
	// branch is only part of it when it was selected.
	Branches []Ref
	Tags     []Ref
	Wants    []object.Hash
}

// BranchNames returns the short names of the selected branches.
func (s *Selected) BranchNames() []string {
	names := make([]string, len(s.Branches))
	for i, b := range s.Branches {
		names[i] = b.ShortName()
	}
	return names
}

// Fetched returns the selected branches plus the primary branch, sorted
// by name.
func (s *Selected) Fetched() []Ref {
	out := append([]Ref(nil), s.Branches...)
	for _, b := range s.Branches {
		if b.Name == s.Primary.Name {
			return out
		}
	}
	out = append(out, s.Primary)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// NormalizeBranch strips a refs/heads/ prefix.
func NormalizeBranch(name string) string {
	return strings.TrimPrefix(strings.TrimSpace(name), headsPrefix)
}

// SelectRefs applies sel to an advertisement. Every explicitly named
// branch and the primary branch must be advertised.
func SelectRefs(adv *Advertisement, sel Selection) (*Selected, error) {
	primaryName := NormalizeBranch(sel.Primary)
	primary, ok := adv.Lookup(headsPrefix + primaryName)
	if !ok {
		return nil, clonerr.Errorf(negotiateOp, clonerr.KindRefNotFound, "remote branch %q not found", primaryName)
	}

	chosen := make(map[string]Ref)
	if sel.All {
		for _, b := range adv.Branches() {
			chosen[b.Name] = b
		}
	} else {
		names := sel.Branches
		if len(names) == 0 {
			names = []string{primaryName}
		}
		for _, name := range names {
			full := headsPrefix + NormalizeBranch(name)
			ref, ok := adv.Lookup(full)
			if !ok {
				return nil, clonerr.Errorf(negotiateOp, clonerr.KindRefNotFound, "remote branch %q not found", NormalizeBranch(name))
			}
			chosen[full] = ref
		}
	}

	out := &Selected{Primary: primary}
	for _, ref := range chosen {
		out.Branches = append(out.Branches, ref)
	}
	sort.Slice(out.Branches, func(i, j int) bool { return out.Branches[i].Name < out.Branches[j].Name })

	seen := make(map[object.Hash]bool)
	want := func(h object.Hash) {
		if !seen[h] {
			seen[h] = true
			out.Wants = append(out.Wants, h)
		}
	}
	want(primary.Hash)
	for _, b := range out.Branches {
		want(b.Hash)
	}
	if sel.Tags {
		out.Tags = adv.Tags()
		if sel.All {
			for _, t := range out.Tags {
				want(t.Hash)
			}
		}
	}
	return out, nil
}
