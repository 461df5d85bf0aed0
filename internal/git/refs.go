package git

import (
	"github.com/NicabarNimble/go-gitclone/internal/config"
	"github.com/NicabarNimble/go-gitclone/internal/storage"
	"github.com/NicabarNimble/go-gitclone/internal/transport"
)

// planRefs lists the references a clone creates: HEAD and the local
// primary branch, a remote-tracking ref per fetched branch, the remote's
// HEAD when it points at a fetched branch, and every selected tag whose
// object arrived with the pack.
func planRefs(plan *config.ClonePlan, n *transport.Negotiation, objects *storage.ObjectStore) []storage.Ref {
	sel := n.Selected
	local := "refs/heads/" + plan.Branch
	remote := "refs/remotes/" + plan.RemoteName + "/"

	refs := []storage.Ref{
		{Name: "HEAD", Target: local},
		{Name: local, Hash: sel.Primary.Hash},
	}

	fetched := make(map[string]bool)
	for _, b := range sel.Fetched() {
		fetched[b.Name] = true
		refs = append(refs, storage.Ref{Name: remote + b.ShortName(), Hash: b.Hash})
	}
	if target := n.Advertisement.HeadTarget(); fetched[target] {
		short := transport.Ref{Name: target}.ShortName()
		refs = append(refs, storage.Ref{Name: remote + "HEAD", Target: remote + short})
	}

	for _, t := range sel.Tags {
		if objects.Has(t.Hash) {
			refs = append(refs, storage.Ref{Name: t.Name, Hash: t.Hash})
		}
	}
	return refs
}
